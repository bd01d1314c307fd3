// Package market defines the durable record of one binary-outcome market,
// its lifecycle machine, and the ledger error taxonomy.
package market

import (
	"time"

	"github.com/google/uuid"

	"github.com/NeelContractor/prediction-market/internal/token"
)

// EmergencyGracePeriod is how long after endTimestamp an unlocked market
// may still be settled by its admin through the emergency path.
const EmergencyGracePeriod = 7 * 24 * time.Hour

// MaxQuestionLen bounds the free-text question at creation.
const MaxQuestionLen = 200

// Side selects an outcome pool.
type Side int32

const (
	SideYes Side = iota
	SideNo
)

func (s Side) String() string {
	if s == SideYes {
		return "yes"
	}
	return "no"
}

// Direction selects which way a swap crosses the collateral vault.
type Direction int32

const (
	// DirectionBuy trades collateral for outcome tokens.
	DirectionBuy Direction = iota
	// DirectionSell trades outcome tokens back to collateral.
	DirectionSell
)

func (d Direction) String() string {
	if d == DirectionBuy {
		return "buy"
	}
	return "sell"
}

// Config is the creation input for a market.
type Config struct {
	Seed           string
	Admin          uuid.UUID
	Question       string
	MintCollateral token.Address
	FeeBps         uint64
	EndTimestamp   time.Time
}

// Market is the authoritative record of one market. Vault balances live in
// the token ledger; the record stores the derived addresses plus the
// configuration and lifecycle flags. A market is created once and never
// deleted: claims stay payable indefinitely after settlement.
type Market struct {
	Seed     string
	Admin    uuid.UUID
	Question string

	MintYes        token.Address
	MintNo         token.Address
	MintCollateral token.Address

	VaultYes        token.Address
	VaultNo         token.Address
	VaultCollateral token.Address

	FeeBps       uint64
	EndTimestamp time.Time

	Locked     bool
	Settled    bool
	Resolution bool // meaningful only when Settled

	// Running sum of collateral-equivalent liquidity added. Bookkeeping,
	// not a reserve.
	TotalLiquidity uint64
}

// New validates the config, derives all program-owned addresses from the
// seed, and returns the initial record. Address derivation is the identity
// idempotence: the same seed always names the same accounts, so a second
// creation collides instead of duplicating.
func New(cfg Config) (*Market, error) {
	if cfg.FeeBps > 1000 {
		return nil, ErrInvalidFee
	}
	if len(cfg.Question) > MaxQuestionLen {
		return nil, ErrQuestionTooLong
	}

	return &Market{
		Seed:            cfg.Seed,
		Admin:           cfg.Admin,
		Question:        cfg.Question,
		MintYes:         token.Derive("mint", cfg.Seed, "yes"),
		MintNo:          token.Derive("mint", cfg.Seed, "no"),
		MintCollateral:  cfg.MintCollateral,
		VaultYes:        token.Derive("vault", cfg.Seed, "yes"),
		VaultNo:         token.Derive("vault", cfg.Seed, "no"),
		VaultCollateral: token.Derive("vault", cfg.Seed, "collateral"),
		FeeBps:          cfg.FeeBps,
		EndTimestamp:    cfg.EndTimestamp,
	}, nil
}

// Phase derives the lifecycle phase from the record's flags.
func (m *Market) Phase() Phase {
	switch {
	case m.Settled:
		return PhaseSettled
	case m.Locked:
		return PhaseLocked
	default:
		return PhaseOpen
	}
}

// WinningMint returns the mint that redeems 1:1 after settlement.
// Undefined before Settled.
func (m *Market) WinningMint() token.Address {
	if m.Resolution {
		return m.MintYes
	}
	return m.MintNo
}

// SideMint maps a side to its outcome mint.
func (m *Market) SideMint(s Side) token.Address {
	if s == SideYes {
		return m.MintYes
	}
	return m.MintNo
}

// SideMintFor derives a side's outcome mint from the seed alone, without
// a market record in hand. Matches the derivation in New.
func SideMintFor(seed string, s Side) token.Address {
	if s == SideYes {
		return token.Derive("mint", seed, "yes")
	}
	return token.Derive("mint", seed, "no")
}

// SideVault maps a side to its outcome reserve vault.
func (m *Market) SideVault(s Side) token.Address {
	if s == SideYes {
		return m.VaultYes
	}
	return m.VaultNo
}

// Clone returns a deep copy of the record (all fields are values).
func (m *Market) Clone() *Market {
	c := *m
	return &c
}

// Snapshot is a read model of a market plus its live reserves, used by the
// orchestrator and the query side.
type Snapshot struct {
	Market          Market
	VaultYes        uint64
	VaultNo         uint64
	VaultCollateral uint64
}
