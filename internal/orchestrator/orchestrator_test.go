package orchestrator_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/NeelContractor/prediction-market/internal/engine"
	"github.com/NeelContractor/prediction-market/internal/instruction"
	"github.com/NeelContractor/prediction-market/internal/ledger"
	"github.com/NeelContractor/prediction-market/internal/market"
	"github.com/NeelContractor/prediction-market/internal/orchestrator"
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
	orch    *orchestrator.Orchestrator
	backend *orchestrator.LocalBackend
	tokens  *token.MemLedger
	engine  *engine.Engine
	seed    string
	cancel  context.CancelFunc
}

// newFixture builds a full local stack: engine, backend goroutine, and an
// orchestrator with a short confirmation timeout. started=false leaves the
// backend goroutine unstarted so Await never resolves.
func newFixture(t *testing.T, started bool) *fixture {
	t.Helper()

	tokens := token.NewMemLedger()
	if err := tokens.CreateMint(collateralMint); err != nil {
		t.Fatal(err)
	}
	l := ledger.New(tokens)

	persist := make(chan engine.Output, 1024)
	project := make(chan engine.Output, 1024)
	eng := engine.New(0, l, tokens, persist, project, nil, nil)

	backend := orchestrator.NewLocalBackend(eng, 16, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if started {
		go backend.Run(ctx)
	}

	seed := "btc-above-100k"
	_, err := eng.Apply(&engine.Transaction{
		ID: uuid.New(),
		Instructions: []instruction.Instruction{&instruction.CreateMarket{
			OpID: uuid.New(),
			Config: market.Config{
				Seed:           seed,
				Admin:          admin,
				Question:       "Will BTC close above 100k?",
				MintCollateral: collateralMint,
				FeeBps:         100,
				EndTimestamp:   endTime,
			},
			Timestamp: t0,
		}},
	})
	if err != nil {
		t.Fatalf("create market: %v", err)
	}
	_, err = eng.Apply(&engine.Transaction{
		ID: uuid.New(),
		Instructions: []instruction.Instruction{&instruction.AddLiquidity{
			OpID: uuid.New(), Actor: admin, Market: seed,
			YesAmount: 100, NoAmount: 100,
			Expiration: farOut, Sequence: 1, Timestamp: t0,
		}},
	})
	if err != nil {
		t.Fatalf("add liquidity: %v", err)
	}

	acct := tokens.EnsureAccount(trader, collateralMint)
	if err := tokens.Mint(collateralMint, acct, 1_000); err != nil {
		t.Fatal(err)
	}

	orch := orchestrator.New(orchestrator.Config{
		Oracle:         tokens,
		Simulator:      eng,
		Submitter:      backend,
		Watcher:        backend,
		Reader:         l,
		ConfirmTimeout: 500 * time.Millisecond,
		Now:            func() time.Time { return t0 },
		Logger:         zerolog.Nop(),
	})
	return &fixture{orch: orch, backend: backend, tokens: tokens, engine: eng, seed: seed, cancel: cancel}
}

// ============================================================================
// Test: provisioning
// ============================================================================

func TestSwap_ProvisionsMissingAccounts(t *testing.T) {
	f := newFixture(t, true)

	// The trader's YES holding account does not exist yet.
	snap, err := f.engine.Ledger().Snapshot(f.seed)
	if err != nil {
		t.Fatal(err)
	}
	yesAcct := token.DeriveAccount(trader, snap.Market.MintYes)
	if f.tokens.Exists(yesAcct) {
		t.Fatal("fixture: yes account already exists")
	}

	res, err := f.orch.Swap(context.Background(), orchestrator.SwapIntent{
		Market:     f.seed,
		Actor:      trader,
		Direction:  market.DirectionBuy,
		Side:       market.SideYes,
		Amount:     10,
		MinOut:     1,
		Expiration: farOut,
	})
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	if res.Outcome != orchestrator.OutcomeApplied {
		t.Fatalf("outcome = %v, want applied", res.Outcome)
	}
	if res.Amount == 0 {
		t.Error("applied swap reported zero output")
	}
	if !f.tokens.Exists(yesAcct) {
		t.Error("yes account was not provisioned")
	}
	if got := f.tokens.Balance(yesAcct); got != res.Amount {
		t.Errorf("yes balance = %d, want %d", got, res.Amount)
	}
}

func TestSwap_ExistingAccountsNotReprovisioned(t *testing.T) {
	f := newFixture(t, true)

	snap, _ := f.engine.Ledger().Snapshot(f.seed)
	f.tokens.EnsureAccount(trader, snap.Market.MintYes)

	res, err := f.orch.Swap(context.Background(), orchestrator.SwapIntent{
		Market: f.seed, Actor: trader,
		Direction: market.DirectionBuy, Side: market.SideYes,
		Amount: 10, MinOut: 1, Expiration: farOut,
	})
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	if res.Outcome != orchestrator.OutcomeApplied {
		t.Errorf("outcome = %v, want applied", res.Outcome)
	}
}

// ============================================================================
// Test: pre-flight simulation
// ============================================================================

func TestSwap_SimulationSurfacesSlippage(t *testing.T) {
	f := newFixture(t, true)

	res, err := f.orch.Swap(context.Background(), orchestrator.SwapIntent{
		Market: f.seed, Actor: trader,
		Direction: market.DirectionBuy, Side: market.SideYes,
		Amount: 10, MinOut: 1_000_000, Expiration: farOut,
	})
	if res.Outcome != orchestrator.OutcomeRejected {
		t.Fatalf("outcome = %v, want rejected", res.Outcome)
	}
	if !errors.Is(err, orchestrator.ErrSimulationRejected) {
		t.Errorf("err = %v, want ErrSimulationRejected", err)
	}
	if !errors.Is(err, market.ErrSlippageExceeded) {
		t.Errorf("err = %v, want SlippageExceeded cause", err)
	}

	// Nothing was committed: the engine sequence has not moved past the
	// fixture's two setup transactions.
	if f.engine.Sequence() != 2 {
		t.Errorf("sequence = %d after simulation-only rejection", f.engine.Sequence())
	}
}

func TestSwap_UnknownMarketRejected(t *testing.T) {
	f := newFixture(t, true)

	res, err := f.orch.Swap(context.Background(), orchestrator.SwapIntent{
		Market: "no-such-market", Actor: trader,
		Direction: market.DirectionBuy, Side: market.SideYes,
		Amount: 10, MinOut: 1, Expiration: farOut,
	})
	if res.Outcome != orchestrator.OutcomeRejected {
		t.Errorf("outcome = %v, want rejected", res.Outcome)
	}
	if !errors.Is(err, market.ErrMarketNotFound) {
		t.Errorf("err = %v, want MarketNotFound", err)
	}
}

// ============================================================================
// Test: confirmation timeout is unknown, not failed
// ============================================================================

func TestSwap_ConfirmationTimeoutIsUnknown(t *testing.T) {
	// Backend goroutine never started: submission is accepted but no
	// confirmation ever arrives.
	f := newFixture(t, false)

	res, err := f.orch.Swap(context.Background(), orchestrator.SwapIntent{
		Market: f.seed, Actor: trader,
		Direction: market.DirectionBuy, Side: market.SideYes,
		Amount: 10, MinOut: 1, Expiration: farOut,
	})
	if err != nil {
		t.Fatalf("unknown outcome must not be an error return: %v", err)
	}
	if res.Outcome != orchestrator.OutcomeUnknown {
		t.Fatalf("outcome = %v, want unknown", res.Outcome)
	}
	if !errors.Is(res.Err, context.DeadlineExceeded) {
		t.Errorf("res.Err = %v, want DeadlineExceeded", res.Err)
	}
	// The re-queried snapshot is attached so the caller can decide.
	if res.Snapshot.Market.Seed != f.seed {
		t.Error("unknown outcome did not carry a re-queried snapshot")
	}
}

// ============================================================================
// Test: liquidity and claim intents
// ============================================================================

func TestAddLiquidity_Orchestrated(t *testing.T) {
	f := newFixture(t, true)

	res, err := f.orch.AddLiquidity(context.Background(), orchestrator.LiquidityIntent{
		Market: f.seed, Actor: admin,
		YesAmount: 50, NoAmount: 50, Expiration: farOut,
	})
	if err != nil {
		t.Fatalf("add liquidity: %v", err)
	}
	if res.Outcome != orchestrator.OutcomeApplied {
		t.Fatalf("outcome = %v, want applied", res.Outcome)
	}
	if res.Snapshot.VaultYes != 150 || res.Snapshot.VaultNo != 150 {
		t.Errorf("vaults = (%d, %d), want (150, 150)", res.Snapshot.VaultYes, res.Snapshot.VaultNo)
	}
}

func TestClaim_Orchestrated(t *testing.T) {
	f := newFixture(t, true)

	// Fund the vault, buy YES, lock, settle YES through the engine.
	if _, err := f.orch.Swap(context.Background(), orchestrator.SwapIntent{
		Market: f.seed, Actor: trader,
		Direction: market.DirectionBuy, Side: market.SideNo,
		Amount: 100, MinOut: 1, Expiration: farOut,
	}); err != nil {
		t.Fatalf("buy no: %v", err)
	}
	buy, err := f.orch.Swap(context.Background(), orchestrator.SwapIntent{
		Market: f.seed, Actor: trader,
		Direction: market.DirectionBuy, Side: market.SideYes,
		Amount: 10, MinOut: 1, Expiration: farOut,
	})
	if err != nil {
		t.Fatalf("buy yes: %v", err)
	}

	for _, in := range []instruction.Instruction{
		&instruction.Lock{OpID: uuid.New(), Actor: admin, Market: f.seed, Timestamp: t0},
		&instruction.Settle{OpID: uuid.New(), Actor: admin, Market: f.seed, Resolution: true, Timestamp: endTime.Add(time.Hour)},
	} {
		h, err := f.backend.Submit(context.Background(), &engine.Transaction{ID: uuid.New(), Instructions: []instruction.Instruction{in}})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := f.backend.Await(context.Background(), h); err != nil {
			t.Fatal(err)
		}
	}

	res, err := f.orch.Claim(context.Background(), orchestrator.ClaimIntent{
		Market: f.seed, Actor: trader, ClaimYes: true,
	})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if res.Outcome != orchestrator.OutcomeApplied {
		t.Fatalf("outcome = %v, want applied", res.Outcome)
	}
	if res.Amount == 0 || res.Amount > buy.Amount {
		t.Errorf("payout = %d, want 0 < payout <= %d", res.Amount, buy.Amount)
	}

	// Claiming again finds no winning balance.
	res2, err := f.orch.Claim(context.Background(), orchestrator.ClaimIntent{
		Market: f.seed, Actor: trader, ClaimYes: true,
	})
	if res2.Outcome != orchestrator.OutcomeRejected {
		t.Errorf("second claim outcome = %v, want rejected", res2.Outcome)
	}
	if !errors.Is(err, market.ErrNoWinningTokens) {
		t.Errorf("second claim err = %v, want NoWinningTokens", err)
	}
}
