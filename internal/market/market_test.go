package market_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/NeelContractor/prediction-market/internal/amm"
	"github.com/NeelContractor/prediction-market/internal/market"
	"github.com/NeelContractor/prediction-market/internal/token"
)

func newConfig() market.Config {
	return market.Config{
		Seed:           "btc-above-100k",
		Admin:          uuid.New(),
		Question:       "Will BTC close above $100k this year?",
		MintCollateral: token.Address("usdc-mint"),
		FeeBps:         30,
		EndTimestamp:   time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC),
	}
}

func TestNew_DerivesAddressesFromSeed(t *testing.T) {
	m, err := market.New(newConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Same seed, same addresses: creation is identity-idempotent.
	m2, err := market.New(newConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if m.MintYes != m2.MintYes || m.VaultCollateral != m2.VaultCollateral {
		t.Error("derived addresses differ for the same seed")
	}

	if m.MintYes == m.MintNo {
		t.Error("yes and no mints collide")
	}
	if m.MintYes != market.SideMintFor(m.Seed, market.SideYes) {
		t.Error("SideMintFor does not match the record's derivation")
	}
	if m.MintNo != market.SideMintFor(m.Seed, market.SideNo) {
		t.Error("SideMintFor(no) does not match the record's derivation")
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := newConfig()
	cfg.FeeBps = 1001
	if _, err := market.New(cfg); !errors.Is(err, market.ErrInvalidFee) {
		t.Errorf("fee: expected ErrInvalidFee, got %v", err)
	}

	cfg = newConfig()
	cfg.Question = strings.Repeat("x", market.MaxQuestionLen+1)
	if _, err := market.New(cfg); !errors.Is(err, market.ErrQuestionTooLong) {
		t.Errorf("question: expected ErrQuestionTooLong, got %v", err)
	}
}

func TestPhase(t *testing.T) {
	m, err := market.New(newConfig())
	if err != nil {
		t.Fatal(err)
	}

	if m.Phase() != market.PhaseOpen {
		t.Errorf("fresh market: got %v, want Open", m.Phase())
	}
	m.Locked = true
	if m.Phase() != market.PhaseLocked {
		t.Errorf("locked market: got %v, want Locked", m.Phase())
	}
	m.Settled = true
	// Settled wins over the lock flag.
	if m.Phase() != market.PhaseSettled {
		t.Errorf("settled market: got %v, want Settled", m.Phase())
	}
}

func TestWinningMint(t *testing.T) {
	m, err := market.New(newConfig())
	if err != nil {
		t.Fatal(err)
	}

	m.Settled = true
	m.Resolution = true
	if m.WinningMint() != m.MintYes {
		t.Error("yes resolution: winning mint is not the yes mint")
	}
	m.Resolution = false
	if m.WinningMint() != m.MintNo {
		t.Error("no resolution: winning mint is not the no mint")
	}
}

func TestAllowed(t *testing.T) {
	cases := []struct {
		phase market.Phase
		op    market.Op
		want  error
	}{
		{market.PhaseOpen, market.OpSwap, nil},
		{market.PhaseOpen, market.OpAddLiquidity, nil},
		{market.PhaseOpen, market.OpLock, nil},
		{market.PhaseOpen, market.OpSettle, market.ErrMarketNotLocked},
		{market.PhaseOpen, market.OpEmergencySettle, nil},
		{market.PhaseOpen, market.OpClaim, market.ErrMarketNotSettled},

		{market.PhaseLocked, market.OpSwap, market.ErrPoolLocked},
		{market.PhaseLocked, market.OpAddLiquidity, market.ErrPoolLocked},
		{market.PhaseLocked, market.OpUnlock, nil},
		{market.PhaseLocked, market.OpSettle, nil},
		{market.PhaseLocked, market.OpClaim, market.ErrMarketNotSettled},

		{market.PhaseSettled, market.OpSwap, market.ErrMarketAlreadySettled},
		{market.PhaseSettled, market.OpLock, market.ErrMarketAlreadySettled},
		{market.PhaseSettled, market.OpSettle, market.ErrMarketAlreadySettled},
		{market.PhaseSettled, market.OpEmergencySettle, market.ErrMarketAlreadySettled},
		{market.PhaseSettled, market.OpClaim, nil},
	}

	for _, tc := range cases {
		err := market.Allowed(tc.phase, tc.op)
		if !errors.Is(err, tc.want) {
			t.Errorf("Allowed(%v, %v): got %v, want %v", tc.phase, tc.op, err, tc.want)
		}
	}
}

func TestClassify(t *testing.T) {
	if got := market.Classify(market.ErrZeroAmount); got != market.CategoryValidation {
		t.Errorf("ErrZeroAmount: got %v, want validation", got)
	}
	if got := market.Classify(market.ErrPoolLocked); got != market.CategoryState {
		t.Errorf("ErrPoolLocked: got %v, want state", got)
	}
	if got := market.Classify(amm.ErrOverflow); got != market.CategoryArithmetic {
		t.Errorf("ErrOverflow: got %v, want arithmetic", got)
	}
	if got := market.Classify(errors.New("mystery")); got != market.CategoryUnknown {
		t.Errorf("unknown error: got %v, want unknown", got)
	}
}
