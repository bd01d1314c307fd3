package engine_test

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/NeelContractor/prediction-market/internal/engine"
	"github.com/NeelContractor/prediction-market/internal/instruction"
	"github.com/NeelContractor/prediction-market/internal/ledger"
	"github.com/NeelContractor/prediction-market/internal/market"
	"github.com/NeelContractor/prediction-market/internal/token"
)

var (
	admin  = uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	trader = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
)

var (
	t0      = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	endTime = t0.Add(24 * time.Hour)
	farOut  = t0.Add(365 * 24 * time.Hour)
)

const collateralMint = token.Address("mint-usdc")

type fixture struct {
	engine   *engine.Engine
	tokens   *token.MemLedger
	persist  chan engine.Output
	project  chan engine.Output
	snapshot market.Snapshot
}

// newFixture stands up an engine with one market and a funded trader.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	tokens := token.NewMemLedger()
	if err := tokens.CreateMint(collateralMint); err != nil {
		t.Fatal(err)
	}
	l := ledger.New(tokens)

	persist := make(chan engine.Output, 1024)
	project := make(chan engine.Output, 1024)
	eng := engine.New(0, l, tokens, persist, project, nil, nil)

	f := &fixture{engine: eng, tokens: tokens, persist: persist, project: project}

	receipt := f.apply(t, &instruction.CreateMarket{
		OpID: uuid.New(),
		Config: market.Config{
			Seed:           "btc-above-100k",
			Admin:          admin,
			Question:       "Will BTC close above 100k?",
			MintCollateral: collateralMint,
			FeeBps:         100,
			EndTimestamp:   endTime,
		},
		Timestamp: t0,
	})
	f.snapshot = receipt.Outputs[0].Snapshot

	f.apply(t, &instruction.AddLiquidity{
		OpID:       uuid.New(),
		Actor:      admin,
		Market:     "btc-above-100k",
		YesAmount:  100,
		NoAmount:   100,
		Expiration: farOut,
		Timestamp:  t0,
	})

	acct := tokens.EnsureAccount(trader, collateralMint)
	if err := tokens.Mint(collateralMint, acct, 1_000); err != nil {
		t.Fatal(err)
	}
	tokens.EnsureAccount(trader, f.snapshot.Market.MintYes)
	tokens.EnsureAccount(trader, f.snapshot.Market.MintNo)
	return f
}

// apply wraps a single instruction in a transaction and applies it,
// stamping the next source sequence.
func (f *fixture) apply(t *testing.T, ins ...instruction.Instruction) engine.Receipt {
	t.Helper()
	receipt, err := f.tx(ins...)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	return receipt
}

func (f *fixture) tx(ins ...instruction.Instruction) (engine.Receipt, error) {
	tx := &engine.Transaction{ID: uuid.New(), Instructions: ins}
	seq := f.engine.SequenceValidator().GetExpectedSequence(tx.Partition())
	for _, in := range ins {
		stampSequence(in, seq)
	}
	return f.engine.Apply(tx)
}

func stampSequence(in instruction.Instruction, seq int64) {
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

func drain(ch chan engine.Output) []engine.Output {
	var out []engine.Output
	for {
		select {
		case o := <-ch:
			out = append(out, o)
		default:
			return out
		}
	}
}

// ============================================================================
// Test: transaction application
// ============================================================================

func TestApply_SwapEmitsOutput(t *testing.T) {
	f := newFixture(t)
	drain(f.persist)

	receipt := f.apply(t, &instruction.Swap{
		OpID:       uuid.New(),
		Actor:      trader,
		Market:     "btc-above-100k",
		Direction:  market.DirectionBuy,
		Side:       market.SideYes,
		Amount:     10,
		MinOut:     1,
		Expiration: farOut,
		Timestamp:  t0,
	})
	if len(receipt.Outputs) != 1 {
		t.Fatalf("outputs = %d, want 1", len(receipt.Outputs))
	}
	out := receipt.Outputs[0]
	if out.Amount == 0 {
		t.Error("swap output amount is zero")
	}
	if out.Envelope.Type != instruction.TypeSwap {
		t.Errorf("envelope type = %v, want Swap", out.Envelope.Type)
	}

	persisted := drain(f.persist)
	if len(persisted) != 1 {
		t.Fatalf("persisted = %d, want 1", len(persisted))
	}
	if persisted[0].Envelope.Sequence != out.Envelope.Sequence {
		t.Error("persisted output does not match receipt")
	}
}

func TestApply_DuplicateTransactionSkipped(t *testing.T) {
	f := newFixture(t)

	tx := &engine.Transaction{
		ID: uuid.New(),
		Instructions: []instruction.Instruction{&instruction.Swap{
			OpID:       uuid.New(),
			Actor:      trader,
			Market:     "btc-above-100k",
			Direction:  market.DirectionBuy,
			Side:       market.SideYes,
			Amount:     10,
			MinOut:     1,
			Expiration: farOut,
			Sequence:   f.engine.SequenceValidator().GetExpectedSequence("market:btc-above-100k"),
			Timestamp:  t0,
		}},
	}
	first, err := f.engine.Apply(tx)
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if first.Duplicate {
		t.Fatal("first apply flagged duplicate")
	}

	second, err := f.engine.Apply(tx)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if !second.Duplicate {
		t.Error("second apply not flagged duplicate")
	}
	if len(second.Outputs) != 0 {
		t.Errorf("duplicate produced %d outputs", len(second.Outputs))
	}
}

func TestApply_SequenceGapRejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Apply(&engine.Transaction{
		ID: uuid.New(),
		Instructions: []instruction.Instruction{&instruction.Lock{
			OpID:     uuid.New(),
			Actor:    admin,
			Market:   "btc-above-100k",
			Sequence: 99,
		}},
	})
	if err == nil {
		t.Fatal("gap accepted")
	}
}

func TestApply_HashChainLinks(t *testing.T) {
	f := newFixture(t)
	drain(f.persist)

	r1 := f.apply(t, &instruction.Lock{OpID: uuid.New(), Actor: admin, Market: "btc-above-100k", Timestamp: t0})
	r2 := f.apply(t, &instruction.Unlock{OpID: uuid.New(), Actor: admin, Market: "btc-above-100k", Timestamp: t0})

	e1 := r1.Outputs[0].Envelope
	e2 := r2.Outputs[0].Envelope
	if e2.PrevHash != e1.StateHash {
		t.Error("hash chain broken between consecutive operations")
	}
	if e2.Sequence != e1.Sequence+1 {
		t.Errorf("sequence %d does not follow %d", e2.Sequence, e1.Sequence)
	}
}

// ============================================================================
// Test: atomic rollback
// ============================================================================

func TestApply_FailedStepRollsBackWholeTransaction(t *testing.T) {
	f := newFixture(t)
	balancesBefore := f.tokens.Snapshot()

	// The second step's minOut is unreachable, so the first step's
	// transfer must be unwound too.
	_, err := f.tx(
		&instruction.Swap{
			OpID: uuid.New(), Actor: trader, Market: "btc-above-100k",
			Direction: market.DirectionBuy, Side: market.SideYes,
			Amount: 10, MinOut: 1, Expiration: farOut, Timestamp: t0,
		},
		&instruction.Swap{
			OpID: uuid.New(), Actor: trader, Market: "btc-above-100k",
			Direction: market.DirectionBuy, Side: market.SideNo,
			Amount: 10, MinOut: 1_000_000, Expiration: farOut, Timestamp: t0,
		},
	)
	if !errors.Is(err, market.ErrSlippageExceeded) {
		t.Fatalf("got %v, want SlippageExceeded", err)
	}

	for addr, bal := range f.tokens.Snapshot() {
		if balancesBefore[addr] != bal {
			t.Errorf("balance of %s changed on rolled-back transaction: %d -> %d", addr, balancesBefore[addr], bal)
		}
	}
	if got := len(drain(f.persist)); got > 2 {
		// Fixture setup emitted 2 outputs; the failed tx must add none.
		t.Errorf("rolled-back transaction emitted outputs")
	}
}

func TestApply_RolledBackCreateMarketForgotten(t *testing.T) {
	f := newFixture(t)

	_, err := f.tx(
		&instruction.CreateMarket{
			OpID: uuid.New(),
			Config: market.Config{
				Seed:           "doomed",
				Admin:          admin,
				Question:       "q",
				MintCollateral: collateralMint,
				FeeBps:         100,
				EndTimestamp:   endTime,
			},
			Timestamp: t0,
		},
		// Fails: market is fresh, no liquidity, swap amount zero.
		&instruction.Swap{
			OpID: uuid.New(), Actor: trader, Market: "doomed",
			Direction: market.DirectionBuy, Side: market.SideYes,
			Amount: 0, MinOut: 0, Expiration: farOut, Timestamp: t0,
		},
	)
	if !errors.Is(err, market.ErrZeroAmount) {
		t.Fatalf("got %v, want ZeroAmount", err)
	}

	if _, err := f.engine.Ledger().Snapshot("doomed"); !errors.Is(err, market.ErrMarketNotFound) {
		t.Errorf("rolled-back market still registered: %v", err)
	}
}

// ============================================================================
// Test: recovery replay
// ============================================================================

func TestReplay_RebuildsHashChain(t *testing.T) {
	f := newFixture(t)
	outputs := drain(f.persist)

	f.apply(t, &instruction.Lock{OpID: uuid.New(), Actor: admin, Market: "btc-above-100k", Timestamp: t0})
	outputs = append(outputs, drain(f.persist)...)

	tokens2 := token.NewMemLedger()
	if err := tokens2.CreateMint(collateralMint); err != nil {
		t.Fatal(err)
	}
	eng2 := engine.New(0, ledger.New(tokens2), tokens2,
		make(chan engine.Output, 16), make(chan engine.Output, 16), nil, nil)

	for _, o := range outputs {
		if err := eng2.Replay(o.Instruction, o.Envelope.StateHash); err != nil {
			t.Fatalf("replay seq %d: %v", o.Envelope.Sequence, err)
		}
	}

	if eng2.StateHash() != f.engine.StateHash() {
		t.Error("replayed hash chain tip differs from the live engine")
	}
	if eng2.Sequence() != f.engine.Sequence() {
		t.Errorf("replayed sequence %d, live engine at %d", eng2.Sequence(), f.engine.Sequence())
	}
}

func TestReplay_RejectsTamperedHash(t *testing.T) {
	f := newFixture(t)
	outputs := drain(f.persist)

	tokens2 := token.NewMemLedger()
	if err := tokens2.CreateMint(collateralMint); err != nil {
		t.Fatal(err)
	}
	eng2 := engine.New(0, ledger.New(tokens2), tokens2,
		make(chan engine.Output, 16), make(chan engine.Output, 16), nil, nil)

	var wrong [32]byte
	if err := eng2.Replay(outputs[0].Instruction, wrong); err == nil {
		t.Fatal("tampered state hash accepted")
	}
}

// ============================================================================
// Test: simulation purity
// ============================================================================

func TestSimulate_DoesNotMutateLiveState(t *testing.T) {
	f := newFixture(t)
	balancesBefore := f.tokens.Snapshot()
	seqBefore := f.engine.Sequence()

	outputs, err := f.engine.Simulate(&engine.Transaction{
		ID: uuid.New(),
		Instructions: []instruction.Instruction{&instruction.Swap{
			OpID: uuid.New(), Actor: trader, Market: "btc-above-100k",
			Direction: market.DirectionBuy, Side: market.SideYes,
			Amount: 10, MinOut: 1, Expiration: farOut, Timestamp: t0,
		}},
	})
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if len(outputs) != 1 || outputs[0].Amount == 0 {
		t.Fatal("simulation produced no predicted output")
	}

	if f.engine.Sequence() != seqBefore {
		t.Error("simulation advanced the live sequence")
	}
	for addr, bal := range f.tokens.Snapshot() {
		if balancesBefore[addr] != bal {
			t.Errorf("simulation mutated balance of %s", addr)
		}
	}
	if got := len(drain(f.persist)); got > 2 {
		t.Error("simulation emitted persist outputs")
	}
}

func TestSimulate_PredictsSlippage(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Simulate(&engine.Transaction{
		ID: uuid.New(),
		Instructions: []instruction.Instruction{&instruction.Swap{
			OpID: uuid.New(), Actor: trader, Market: "btc-above-100k",
			Direction: market.DirectionBuy, Side: market.SideYes,
			Amount: 10, MinOut: 1_000_000, Expiration: farOut, Timestamp: t0,
		}},
	})
	if !errors.Is(err, market.ErrSlippageExceeded) {
		t.Errorf("got %v, want SlippageExceeded", err)
	}
}

// ============================================================================
// Test: full lifecycle through the engine
// ============================================================================

func TestApply_LifecycleToClaim(t *testing.T) {
	f := newFixture(t)

	f.apply(t, &instruction.Swap{
		OpID: uuid.New(), Actor: trader, Market: "btc-above-100k",
		Direction: market.DirectionBuy, Side: market.SideNo,
		Amount: 100, MinOut: 1, Expiration: farOut, Timestamp: t0,
	})
	f.apply(t, &instruction.Swap{
		OpID: uuid.New(), Actor: trader, Market: "btc-above-100k",
		Direction: market.DirectionBuy, Side: market.SideYes,
		Amount: 10, MinOut: 1, Expiration: farOut, Timestamp: t0,
	})
	f.apply(t, &instruction.Lock{OpID: uuid.New(), Actor: admin, Market: "btc-above-100k", Timestamp: t0})
	f.apply(t, &instruction.Settle{
		OpID: uuid.New(), Actor: admin, Market: "btc-above-100k",
		Resolution: true, Timestamp: endTime.Add(time.Hour),
	})

	receipt := f.apply(t, &instruction.Claim{
		OpID: uuid.New(), Actor: trader, Market: "btc-above-100k",
		ClaimYes: true, Timestamp: endTime.Add(2 * time.Hour),
	})
	if receipt.Outputs[0].Amount == 0 {
		t.Error("claim paid nothing")
	}
	snap := receipt.Outputs[0].Snapshot
	if !snap.Market.Settled || !snap.Market.Resolution {
		t.Error("market not settled YES in final snapshot")
	}
}
