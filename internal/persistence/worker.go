package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/NeelContractor/prediction-market/internal/engine"
	"github.com/NeelContractor/prediction-market/internal/observability"
)

// Worker drains the persist channel and batch-writes to Postgres. It runs
// independently from the engine; the persist channel uses BLOCKING sends,
// so if this worker falls behind the engine stalls and no output is lost.
type Worker struct {
	writer       *OpLogWriter
	db           *sql.DB
	inputChan    <-chan engine.Output
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
}

func NewWorker(
	db *sql.DB,
	inputChan <-chan engine.Output,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *Worker {
	return &Worker{
		writer:       NewOpLogWriter(db),
		db:           db,
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
	}
}

// Run starts the worker loop. It batches incoming outputs and flushes
// either when the batch is full or the flush timeout expires. Blocks until
// ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	opBatch := make([]OpRow, 0, w.batchSize)
	reserveBatch := make([]ReserveRow, 0, w.batchSize)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: flush remaining.
			if len(opBatch) > 0 {
				if err := w.flush(context.Background(), opBatch, reserveBatch); err != nil {
					log.Printf("ERROR: final flush failed: %v", err)
				}
			}
			return ctx.Err()

		case output, ok := <-w.inputChan:
			if !ok {
				if len(opBatch) > 0 {
					if err := w.flush(context.Background(), opBatch, reserveBatch); err != nil {
						log.Printf("ERROR: final flush failed: %v", err)
					}
				}
				return nil
			}

			op, reserve := toRows(output)
			opBatch = append(opBatch, op)
			if reserve != nil {
				reserveBatch = append(reserveBatch, *reserve)
			}

			if len(opBatch) >= w.batchSize {
				if err := w.flushWithRetry(ctx, opBatch, reserveBatch); err != nil {
					log.Printf("ERROR: batch flush failed after retries: %v", err)
				}
				opBatch = opBatch[:0]
				reserveBatch = reserveBatch[:0]
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if len(opBatch) > 0 {
				if err := w.flushWithRetry(ctx, opBatch, reserveBatch); err != nil {
					log.Printf("ERROR: timeout flush failed after retries: %v", err)
				}
				opBatch = opBatch[:0]
				reserveBatch = reserveBatch[:0]
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// toRows converts an engine output to its durable rows.
func toRows(output engine.Output) (OpRow, *ReserveRow) {
	env := output.Envelope
	op := OpRow{
		Sequence:       env.Sequence,
		OpType:         env.Type.String(),
		IdempotencyKey: env.IdempotencyKey,
		Payload:        MarshalPayload(output.Instruction),
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		Timestamp:      env.Timestamp,
		SourceSequence: env.SourceSequence,
	}
	if env.Seed != "" {
		seed := env.Seed
		op.Seed = &seed
	}

	snap := output.Snapshot
	if snap.Market.Seed == "" {
		return op, nil
	}
	return op, &ReserveRow{
		Sequence:        env.Sequence,
		Seed:            snap.Market.Seed,
		VaultYes:        int64(snap.VaultYes),
		VaultNo:         int64(snap.VaultNo),
		VaultCollateral: int64(snap.VaultCollateral),
		TotalLiquidity:  int64(snap.Market.TotalLiquidity),
		Locked:          snap.Market.Locked,
		Settled:         snap.Market.Settled,
		Resolution:      snap.Market.Resolution,
		Amount:          int64(output.Amount),
	}
}

// flushWithRetry attempts to flush with exponential backoff. The worker
// never drops outputs: it retries until the write succeeds or the context
// is cancelled, in which case one final flush runs on a background context.
func (w *Worker) flushWithRetry(ctx context.Context, ops []OpRow, reserves []ReserveRow) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			log.Printf("WARN: persistence retry attempt %d (backoff=%v, ops=%d)",
				attempt, backoff, len(ops))
			select {
			case <-ctx.Done():
				finalErr := w.flush(context.Background(), ops, reserves)
				if finalErr != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", finalErr)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := w.flush(ctx, ops, reserves)
		if err == nil {
			if attempt > 0 {
				log.Printf("INFO: persistence flush succeeded after %d retries", attempt)
			}
			return nil
		}

		if w.metrics != nil {
			w.metrics.PersistRetry.Inc()
		}
	}
}

func (w *Worker) flush(ctx context.Context, ops []OpRow, reserves []ReserveRow) error {
	start := time.Now()

	// Operations and reserve rows commit in a single transaction.
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("tx_begin").Inc()
		}
		return err
	}
	defer tx.Rollback()

	if err := w.writer.WriteOpBatch(ctx, tx, ops); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_ops").Inc()
		}
		return err
	}

	if err := w.writer.WriteReserveBatch(ctx, tx, reserves); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_reserves").Inc()
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("tx_commit").Inc()
		}
		return err
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistBatchSize.Observe(float64(len(ops)))
		w.metrics.PersistOpsWritten.Add(float64(len(ops)))
		if len(ops) > 0 {
			w.metrics.PersistLastSequence.Set(float64(ops[len(ops)-1].Sequence))
		}
	}

	return nil
}

// GetWriter returns the underlying writer.
func (w *Worker) GetWriter() *OpLogWriter {
	return w.writer
}
