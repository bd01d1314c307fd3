// Package engine applies instruction transactions to the market ledger.
// Application is globally serialized: every applied operation gets a
// monotonic sequence number and extends the state-hash chain, so two
// transactions can never interleave partial reserve updates.
package engine

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/NeelContractor/prediction-market/internal/instruction"
	"github.com/NeelContractor/prediction-market/internal/ledger"
	"github.com/NeelContractor/prediction-market/internal/market"
	"github.com/NeelContractor/prediction-market/internal/observability"
	"github.com/NeelContractor/prediction-market/internal/token"
)

// Transaction is an ordered list of instructions applied all-or-nothing.
type Transaction struct {
	ID           uuid.UUID
	Instructions []instruction.Instruction
}

// IdempotencyKey dedups whole transactions, not just single instructions:
// a resubmitted transaction is a no-op even if a provisioning step inside
// it would individually be idempotent anyway.
func (tx *Transaction) IdempotencyKey() string { return tx.ID.String() }

// Partition returns the sequence-validation partition, one per market.
func (tx *Transaction) Partition() string {
	for _, in := range tx.Instructions {
		if seed := in.Seed(); seed != "" {
			return fmt.Sprintf("market:%s", seed)
		}
	}
	return "global"
}

// SourceSequence is the upstream per-partition sequence of the transaction.
func (tx *Transaction) SourceSequence() int64 {
	if len(tx.Instructions) == 0 {
		return 0
	}
	return tx.Instructions[0].SourceSequence()
}

// Output is one applied operation, emitted to persistence and projections.
type Output struct {
	Envelope *instruction.Envelope

	// Instruction is the applied instruction itself. Projections read
	// actor and amounts from it; persistence marshals it as the payload.
	Instruction instruction.Instruction

	Snapshot market.Snapshot

	// Amount carries the operation's scalar result: swap output, claim
	// payout, liquidity credited. Zero for the rest.
	Amount uint64
}

// Receipt summarizes an applied (or deduplicated) transaction.
type Receipt struct {
	Duplicate bool
	Outputs   []Output
}

// Engine is the single-threaded deterministic applier.
type Engine struct {
	sequence     int64
	hasher       *StateHasher
	ledger       *ledger.Ledger
	tokens       *token.MemLedger
	idempotency  *IdempotencyChecker
	seqValidator *SequenceValidator
	metrics      *observability.Metrics

	persistChan    chan<- Output
	projectionChan chan<- Output
}

func New(
	startSequence int64,
	l *ledger.Ledger,
	tokens *token.MemLedger,
	persistChan, projectionChan chan<- Output,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) *Engine {
	return &Engine{
		sequence:       startSequence,
		hasher:         NewStateHasher(),
		ledger:         l,
		tokens:         tokens,
		idempotency:    NewIdempotencyChecker(1_000_000, dbChecker, metrics),
		seqValidator:   NewSequenceValidator(),
		metrics:        metrics,
		persistChan:    persistChan,
		projectionChan: projectionChan,
	}
}

// Ledger exposes the underlying market ledger for read paths.
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

// Sequence returns the next global sequence number.
func (e *Engine) Sequence() int64 { return e.sequence }

// StateHash returns the current hash chain tip.
func (e *Engine) StateHash() [32]byte { return e.hasher.GetPrevHash() }

// SequenceValidator is used by recovery to seed expected sequences.
func (e *Engine) SequenceValidator() *SequenceValidator { return e.seqValidator }

// RestoreHash seeds the hash chain tip from the last persisted state hash.
func (e *Engine) RestoreHash(prev [32]byte) {
	e.hasher.RestorePrevHash(prev)
}

// Replay re-applies one logged instruction during recovery. Outputs are not
// emitted: the operation is already durable. The recomputed state hash must
// match the stored one, otherwise the log or the replayed state is corrupt.
func (e *Engine) Replay(in instruction.Instruction, want [32]byte) error {
	snap, amount, err := e.applyOne(in)
	if err != nil {
		return fmt.Errorf("replay %s: %w", in.InstructionType(), err)
	}

	got := e.hasher.ComputeHash(e.sequence, digest(applied{in: in, snapshot: snap, amount: amount}))
	if got != want {
		return fmt.Errorf("state hash mismatch at sequence %d: got %x, want %x", e.sequence, got, want)
	}
	e.sequence++

	partition := "global"
	if seed := in.Seed(); seed != "" {
		partition = fmt.Sprintf("market:%s", seed)
	}
	if next := in.SourceSequence() + 1; next > e.seqValidator.GetExpectedSequence(partition) {
		e.seqValidator.SetExpectedSequence(partition, next)
	}
	e.idempotency.MarkProcessed(in.InstructionType().String(), in.IdempotencyKey())
	return nil
}

// WarmIdempotency preloads composite dedup keys after a restart.
func (e *Engine) WarmIdempotency(keys []string) {
	e.idempotency.lru.WarmFromKeys(keys)
}

type applied struct {
	in       instruction.Instruction
	snapshot market.Snapshot
	amount   uint64
}

// Apply runs one transaction through the full pipeline: dedup, sequence
// validation, checkpointed application, hash chaining, output emission.
// Must be called from a single goroutine.
func (e *Engine) Apply(tx *Transaction) (Receipt, error) {
	start := time.Now()

	if len(tx.Instructions) == 0 {
		return Receipt{}, fmt.Errorf("empty transaction %s", tx.ID)
	}

	// Step 1: idempotency check (two-tier)
	if e.idempotency.IsDuplicate("Transaction", tx.IdempotencyKey()) {
		if e.metrics != nil {
			e.metrics.OpsRejected.WithLabelValues("Transaction", "duplicate").Inc()
		}
		return Receipt{Duplicate: true}, nil
	}

	// Redeliveries arrive under a fresh transaction ID; the instruction
	// idempotency keys are the stable dedup identity.
	allDup := true
	for _, in := range tx.Instructions {
		if !e.idempotency.IsDuplicate(in.InstructionType().String(), in.IdempotencyKey()) {
			allDup = false
			break
		}
	}
	if allDup {
		if e.metrics != nil {
			e.metrics.OpsRejected.WithLabelValues("Transaction", "duplicate").Inc()
		}
		return Receipt{Duplicate: true}, nil
	}

	// Step 2: sequence validation
	partition := tx.Partition()
	if err := e.seqValidator.ValidateSequence(partition, tx.SourceSequence(), tx.IdempotencyKey(), false); err != nil {
		return Receipt{}, fmt.Errorf("sequence validation failed: %w", err)
	}

	// Step 3: checkpoint. Balances, mints and touched market records are
	// all captured so a mid-transaction failure unwinds completely.
	checkpoint := e.tokens.Clone()
	type marketCheckpoint struct {
		existed bool
		record  *market.Market
	}
	touched := make(map[string]marketCheckpoint)
	for _, in := range tx.Instructions {
		seed := in.Seed()
		if seed == "" {
			continue
		}
		if _, seen := touched[seed]; seen {
			continue
		}
		snap, err := e.ledger.Snapshot(seed)
		if err != nil {
			touched[seed] = marketCheckpoint{existed: false}
			continue
		}
		touched[seed] = marketCheckpoint{existed: true, record: snap.Market.Clone()}
	}

	rollback := func() {
		e.tokens.Restore(checkpoint)
		for seed, cp := range touched {
			if cp.existed {
				e.ledger.Restore(cp.record)
			} else {
				e.ledger.Forget(seed)
			}
		}
		if e.metrics != nil {
			e.metrics.TxRolledBack.Inc()
		}
	}

	// Step 4: apply each instruction. No envelope or hash is produced
	// until the whole transaction has gone through.
	results := make([]applied, 0, len(tx.Instructions))
	for _, in := range tx.Instructions {
		snap, amount, err := e.applyOne(in)
		if err != nil {
			rollback()
			opType := in.InstructionType().String()
			if e.metrics != nil {
				e.metrics.OpsRejected.WithLabelValues(opType, market.Classify(err).String()).Inc()
			}
			return Receipt{}, fmt.Errorf("apply %s: %w", opType, err)
		}
		results = append(results, applied{in: in, snapshot: snap, amount: amount})
	}

	// Step 5: seal. Sequence numbers, state hashes and envelopes are
	// assigned only to fully applied transactions.
	outputs := make([]Output, 0, len(results))
	for _, r := range results {
		hashStart := time.Now()
		prevHash := e.hasher.GetPrevHash()
		stateHash := e.hasher.ComputeHash(e.sequence, digest(r))
		if e.metrics != nil {
			e.metrics.StateHashDur.Observe(time.Since(hashStart).Seconds())
		}

		outputs = append(outputs, Output{
			Envelope: &instruction.Envelope{
				Sequence:       e.sequence,
				IdempotencyKey: r.in.IdempotencyKey(),
				Type:           r.in.InstructionType(),
				Seed:           r.in.Seed(),
				Timestamp:      instruction.TimestampOf(r.in),
				SourceSequence: r.in.SourceSequence(),
				StateHash:      stateHash,
				PrevHash:       prevHash,
			},
			Instruction: r.in,
			Snapshot:    r.snapshot,
			Amount:      r.amount,
		})
		e.sequence++
	}

	// Step 6: emit. Persistence gets a blocking send (backpressure, no
	// output is ever lost); projections get a non-blocking send and can
	// rebuild from the operation log if they fall behind.
	for _, output := range outputs {
		e.persistChan <- output

		select {
		case e.projectionChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.ProjectionDrops.WithLabelValues("all").Inc()
			}
		}
	}

	// Step 7: mark processed and record metrics.
	e.idempotency.MarkProcessed("Transaction", tx.IdempotencyKey())
	for _, r := range results {
		e.idempotency.MarkProcessed(r.in.InstructionType().String(), r.in.IdempotencyKey())
	}

	if e.metrics != nil {
		elapsed := time.Since(start).Seconds()
		for _, r := range results {
			opType := r.in.InstructionType().String()
			e.metrics.OpsApplied.WithLabelValues(opType).Inc()
			e.metrics.OpDuration.WithLabelValues(opType).Observe(elapsed)
		}
		e.metrics.TxApplied.Inc()
		e.metrics.EngineSequence.Set(float64(e.sequence))
		e.metrics.DedupLRUSize.Set(float64(e.idempotency.lru.Size()))
		e.recordDomainMetrics(results)
	}

	return Receipt{Outputs: outputs}, nil
}

func (e *Engine) applyOne(in instruction.Instruction) (market.Snapshot, uint64, error) {
	switch i := in.(type) {
	case *instruction.CreateMarket:
		snap, err := e.ledger.CreateMarket(i.Config)
		return snap, 0, err

	case *instruction.EnsureAccount:
		e.ledger.EnsureAccount(i.Actor, i.Mint)
		if i.Market == "" {
			return market.Snapshot{}, 0, nil
		}
		snap, err := e.ledger.Snapshot(i.Market)
		return snap, 0, err

	case *instruction.AddLiquidity:
		snap, err := e.ledger.AddLiquidity(i.Market, i.Actor, i.YesAmount, i.NoAmount, i.Expiration, i.Timestamp)
		if err != nil {
			return market.Snapshot{}, 0, err
		}
		return snap, i.YesAmount + i.NoAmount, nil

	case *instruction.Swap:
		out, snap, err := e.ledger.Swap(i.Market, i.Actor, i.Direction, i.Side, i.Amount, i.MinOut, i.Expiration, i.Timestamp)
		return snap, out, err

	case *instruction.Lock:
		snap, err := e.ledger.Lock(i.Market, i.Actor)
		return snap, 0, err

	case *instruction.Unlock:
		snap, err := e.ledger.Unlock(i.Market, i.Actor)
		return snap, 0, err

	case *instruction.Settle:
		snap, err := e.ledger.Settle(i.Market, i.Actor, i.Resolution, i.Timestamp)
		return snap, 0, err

	case *instruction.EmergencySettle:
		snap, err := e.ledger.EmergencySettle(i.Market, i.Actor, i.Resolution, i.Timestamp)
		return snap, 0, err

	case *instruction.Claim:
		payout, snap, err := e.ledger.Claim(i.Market, i.Actor, i.ClaimYes)
		return snap, payout, err

	default:
		return market.Snapshot{}, 0, fmt.Errorf("unknown instruction type %T", in)
	}
}

// Simulate dry-runs a transaction against forked state. Shares nothing
// mutable with the live ledger, so simulations run in parallel with each
// other and with live application. Results are advisory: state may move
// between simulation and submission.
func (e *Engine) Simulate(tx *Transaction) ([]Output, error) {
	fork := e.ledger.Fork(e.tokens.Clone())

	sim := &Engine{
		ledger: fork,
	}
	outputs := make([]Output, 0, len(tx.Instructions))
	for _, in := range tx.Instructions {
		snap, amount, err := sim.applyOne(in)
		if err != nil {
			return nil, fmt.Errorf("simulate %s: %w", in.InstructionType(), err)
		}
		outputs = append(outputs, Output{Snapshot: snap, Amount: amount})
	}
	return outputs, nil
}

func (e *Engine) recordDomainMetrics(results []applied) {
	for _, r := range results {
		switch i := r.in.(type) {
		case *instruction.CreateMarket:
			e.metrics.MarketsCreated.Inc()
		case *instruction.Swap:
			e.metrics.SwapVolume.WithLabelValues(i.Market, i.Direction.String()).Add(float64(i.Amount))
		case *instruction.AddLiquidity:
			e.metrics.LiquidityAdded.WithLabelValues(i.Market).Add(float64(r.amount))
		case *instruction.Settle:
			e.metrics.SettlementsTotal.WithLabelValues(i.Market, "settle").Inc()
		case *instruction.EmergencySettle:
			e.metrics.SettlementsTotal.WithLabelValues(i.Market, "emergency").Inc()
		case *instruction.Claim:
			e.metrics.ClaimsPaid.WithLabelValues(i.Market).Add(float64(r.amount))
		}
	}
}

// digest serializes the post-operation reserve state for hashing.
func digest(r applied) []byte {
	snap := r.snapshot
	buf := make([]byte, 0, len(snap.Market.Seed)+64)
	buf = append(buf, snap.Market.Seed...)

	var u [8]byte
	for _, v := range []uint64{snap.VaultYes, snap.VaultNo, snap.VaultCollateral, snap.Market.TotalLiquidity, r.amount} {
		binary.LittleEndian.PutUint64(u[:], v)
		buf = append(buf, u[:]...)
	}

	var flags byte
	if snap.Market.Locked {
		flags |= 1
	}
	if snap.Market.Settled {
		flags |= 2
	}
	if snap.Market.Resolution {
		flags |= 4
	}
	buf = append(buf, flags)
	return buf
}
