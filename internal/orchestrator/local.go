package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/NeelContractor/prediction-market/internal/engine"
	"github.com/NeelContractor/prediction-market/internal/instruction"
)

// LocalBackend runs transactions through an in-process engine. One
// goroutine consumes the submit queue, so application stays serialized;
// Submit and Await are safe from any number of callers.
type LocalBackend struct {
	engine *engine.Engine
	queue  chan *engine.Transaction

	mu      sync.Mutex
	pending map[Handle]*pendingTx

	log zerolog.Logger
}

type pendingTx struct {
	done    chan struct{}
	receipt engine.Receipt
	err     error
}

func NewLocalBackend(eng *engine.Engine, queueSize int, log zerolog.Logger) *LocalBackend {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &LocalBackend{
		engine:  eng,
		queue:   make(chan *engine.Transaction, queueSize),
		pending: make(map[Handle]*pendingTx),
		log:     log,
	}
}

// Run consumes the submit queue until the context is cancelled. It is the
// only goroutine that touches the engine.
func (b *LocalBackend) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case tx := <-b.queue:
			b.stampSequences(tx)
			receipt, err := b.engine.Apply(tx)
			if err != nil {
				b.log.Debug().Err(err).Str("tx", tx.ID.String()).Msg("transaction rejected")
			}

			b.mu.Lock()
			p := b.pending[Handle(tx.ID)]
			b.mu.Unlock()
			if p != nil {
				p.receipt = receipt
				p.err = err
				close(p.done)
			}
		}
	}
}

// stampSequences assigns the partition's next expected source sequence to
// every instruction. Safe: only the Run goroutine calls this.
func (b *LocalBackend) stampSequences(tx *engine.Transaction) {
	seq := b.engine.SequenceValidator().GetExpectedSequence(tx.Partition())
	for _, in := range tx.Instructions {
		switch i := in.(type) {
		case *instruction.CreateMarket:
			i.Sequence = seq
		case *instruction.EnsureAccount:
			i.Sequence = seq
		case *instruction.AddLiquidity:
			i.Sequence = seq
		case *instruction.Swap:
			i.Sequence = seq
		case *instruction.Lock:
			i.Sequence = seq
		case *instruction.Unlock:
			i.Sequence = seq
		case *instruction.Settle:
			i.Sequence = seq
		case *instruction.EmergencySettle:
			i.Sequence = seq
		case *instruction.Claim:
			i.Sequence = seq
		}
	}
}

// Submit enqueues a transaction. A full queue or cancelled context is a
// rejection: the transaction was never picked up.
func (b *LocalBackend) Submit(ctx context.Context, tx *engine.Transaction) (Handle, error) {
	h := Handle(tx.ID)

	b.mu.Lock()
	if _, exists := b.pending[h]; exists {
		b.mu.Unlock()
		return Handle{}, fmt.Errorf("transaction %s already submitted", tx.ID)
	}
	b.pending[h] = &pendingTx{done: make(chan struct{})}
	b.mu.Unlock()

	select {
	case b.queue <- tx:
		return h, nil
	case <-ctx.Done():
		b.drop(h)
		return Handle{}, ctx.Err()
	default:
		b.drop(h)
		return Handle{}, fmt.Errorf("submit queue full")
	}
}

// Await blocks until the transaction resolves or the context expires.
// Expiry does NOT remove the pending entry: the transaction may still
// apply, and a later Await can pick up the result.
func (b *LocalBackend) Await(ctx context.Context, h Handle) (engine.Receipt, error) {
	b.mu.Lock()
	p := b.pending[h]
	b.mu.Unlock()
	if p == nil {
		return engine.Receipt{}, fmt.Errorf("unknown submission %s", uuid.UUID(h))
	}

	select {
	case <-p.done:
		b.drop(h)
		return p.receipt, p.err
	case <-ctx.Done():
		return engine.Receipt{}, ctx.Err()
	}
}

func (b *LocalBackend) drop(h Handle) {
	b.mu.Lock()
	delete(b.pending, h)
	b.mu.Unlock()
}
