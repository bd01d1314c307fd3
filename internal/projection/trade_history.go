package projection

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NeelContractor/prediction-market/internal/engine"
	"github.com/NeelContractor/prediction-market/internal/instruction"
)

// TradeEntry is one queryable trade or claim record.
type TradeEntry struct {
	Actor     uuid.UUID
	Market    string
	OpType    string
	Direction string
	Side      string
	AmountIn  uint64
	AmountOut uint64
	Sequence  int64
	Timestamp time.Time
}

// TradeHistory keeps a bounded in-memory history of trades for queries.
// It is a cache over the operation log, not a durable record.
type TradeHistory struct {
	mu      sync.RWMutex
	entries []TradeEntry
	max     int
}

func NewTradeHistory(max int) *TradeHistory {
	if max <= 0 {
		max = 10_000
	}
	return &TradeHistory{max: max}
}

// Add records a trade, evicting the oldest entries past capacity.
func (h *TradeHistory) Add(entry TradeEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, entry)
	if len(h.entries) > h.max {
		h.entries = h.entries[len(h.entries)-h.max:]
	}
}

// ByActor returns the most recent entries for an actor, newest first.
func (h *TradeHistory) ByActor(actor uuid.UUID, limit int) []TradeEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make([]TradeEntry, 0)
	for i := len(h.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if h.entries[i].Actor == actor {
			result = append(result, h.entries[i])
		}
	}
	return result
}

// ByMarket returns the most recent entries for a market, newest first.
func (h *TradeHistory) ByMarket(seed string, limit int) []TradeEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make([]TradeEntry, 0)
	for i := len(h.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if h.entries[i].Market == seed {
			result = append(result, h.entries[i])
		}
	}
	return result
}

// tradeEntry extracts a history record from an applied operation.
// Only swaps and claims produce entries.
func tradeEntry(output engine.Output) (TradeEntry, bool) {
	switch in := output.Instruction.(type) {
	case *instruction.Swap:
		return TradeEntry{
			Actor:     in.Actor,
			Market:    in.Market,
			OpType:    output.Envelope.Type.String(),
			Direction: in.Direction.String(),
			Side:      in.Side.String(),
			AmountIn:  in.Amount,
			AmountOut: output.Amount,
			Sequence:  output.Envelope.Sequence,
			Timestamp: output.Envelope.Timestamp,
		}, true

	case *instruction.Claim:
		return TradeEntry{
			Actor:     in.Actor,
			Market:    in.Market,
			OpType:    output.Envelope.Type.String(),
			AmountOut: output.Amount,
			Sequence:  output.Envelope.Sequence,
			Timestamp: output.Envelope.Timestamp,
		}, true
	}
	return TradeEntry{}, false
}
