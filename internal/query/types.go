package query

import (
	"time"

	"github.com/google/uuid"
)

// MarketResponse represents a market's state for API queries.
type MarketResponse struct {
	Seed            string    `json:"seed"`
	VaultYes        int64     `json:"vault_yes"`
	VaultNo         int64     `json:"vault_no"`
	VaultCollateral int64     `json:"vault_collateral"`
	TotalLiquidity  int64     `json:"total_liquidity"`
	Locked          bool      `json:"locked"`
	Settled         bool      `json:"settled"`
	Resolution      bool      `json:"resolution"`
	FeeBps          int64     `json:"fee_bps"`
	EndTimestamp    time.Time `json:"end_timestamp"`
	Phase           string    `json:"phase"`

	// Implied per-mille prices, derived at query time from the outcome
	// reserves. Zero when the pools are empty.
	PriceYes uint64 `json:"price_yes"`
	PriceNo  uint64 `json:"price_no"`

	AsOfSequence int64 `json:"as_of_sequence"`
}

// HoldingResponse represents an actor's outcome-token balance.
type HoldingResponse struct {
	Actor        uuid.UUID `json:"actor"`
	Market       string    `json:"market"`
	Mint         string    `json:"mint"`
	Balance      int64     `json:"balance"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// TradeResponse represents one trade or claim for API queries.
type TradeResponse struct {
	Actor     uuid.UUID `json:"actor"`
	Market    string    `json:"market"`
	OpType    string    `json:"op_type"`
	Direction string    `json:"direction,omitempty"`
	Side      string    `json:"side,omitempty"`
	AmountIn  uint64    `json:"amount_in"`
	AmountOut uint64    `json:"amount_out"`
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

// QuoteResponse is a read-only swap quote, priced against current reserves.
type QuoteResponse struct {
	Market       string `json:"market"`
	Direction    string `json:"direction"`
	Side         string `json:"side"`
	AmountIn     uint64 `json:"amount_in"`
	AmountOut    uint64 `json:"amount_out"`
	FeeBps       int64  `json:"fee_bps"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool     `json:"is_healthy"`
	HashChainBreaks  []int64  `json:"hash_chain_breaks,omitempty"`
	NegativeHoldings []string `json:"negative_holdings,omitempty"`
}
