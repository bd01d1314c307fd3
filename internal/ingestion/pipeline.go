package ingestion

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/NeelContractor/prediction-market/internal/engine"
	"github.com/NeelContractor/prediction-market/internal/instruction"
	"github.com/NeelContractor/prediction-market/internal/observability"
	"github.com/NeelContractor/prediction-market/internal/orchestrator"
)

const awaitTimeout = 30 * time.Second

// Pipeline drains raw instructions from NATS, parses them and submits them
// to the engine backend, one transaction per message. A message is ACKed
// once its outcome is known; submit failures are NAKed for redelivery, and
// instruction idempotency keys make redelivery after a crash safe.
type Pipeline struct {
	msgChan   <-chan RawInstruction
	submitter orchestrator.Submitter
	watcher   orchestrator.Watcher
	metrics   *observability.Metrics
}

func NewPipeline(msgChan <-chan RawInstruction, submitter orchestrator.Submitter, watcher orchestrator.Watcher, metrics *observability.Metrics) *Pipeline {
	return &Pipeline{
		msgChan:   msgChan,
		submitter: submitter,
		watcher:   watcher,
		metrics:   metrics,
	}
}

// Run consumes raw instructions until the context is cancelled or the
// channel closes.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case raw, ok := <-p.msgChan:
			if !ok {
				return nil
			}
			p.process(ctx, raw)
		}
	}
}

func (p *Pipeline) process(ctx context.Context, raw RawInstruction) {
	in, err := ParseRawInstruction(raw)
	if err != nil {
		// Malformed payloads never improve on redelivery.
		log.Printf("WARN: dropping malformed %s message on %s: %v", raw.InstrType, raw.Subject, err)
		raw.AckFunc()
		return
	}

	tx := &engine.Transaction{
		ID:           uuid.New(),
		Instructions: []instruction.Instruction{in},
	}

	handle, err := p.submitter.Submit(ctx, tx)
	if err != nil {
		log.Printf("WARN: submit failed for %s on %s: %v", raw.InstrType, raw.Subject, err)
		raw.NakFunc()
		return
	}

	awaitCtx, cancel := context.WithTimeout(ctx, awaitTimeout)
	defer cancel()

	if _, err := p.watcher.Await(awaitCtx, handle); err != nil && awaitCtx.Err() != nil {
		// Outcome unknown: redeliver and let idempotency dedup it.
		raw.NakFunc()
		return
	}
	// Applied or deterministically rejected. Either way the message is done.
	raw.AckFunc()

	if p.metrics != nil {
		p.metrics.IngestToApply.WithLabelValues(raw.InstrType).Observe(time.Since(raw.Timestamp).Seconds())
	}
}
