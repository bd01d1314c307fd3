// Package instruction defines the typed operations the engine applies to
// the market ledger, plus the envelope recorded in the operation log.
package instruction

import (
	"time"

	"github.com/google/uuid"

	"github.com/NeelContractor/prediction-market/internal/market"
	"github.com/NeelContractor/prediction-market/internal/token"
)

// Type discriminator for instruction payloads.
type Type int32

const (
	TypeUnknown Type = iota
	TypeCreateMarket
	TypeEnsureAccount
	TypeAddLiquidity
	TypeSwap
	TypeLock
	TypeUnlock
	TypeSettle
	TypeEmergencySettle
	TypeClaim
)

func (t Type) String() string {
	switch t {
	case TypeCreateMarket:
		return "CreateMarket"
	case TypeEnsureAccount:
		return "EnsureAccount"
	case TypeAddLiquidity:
		return "AddLiquidity"
	case TypeSwap:
		return "Swap"
	case TypeLock:
		return "Lock"
	case TypeUnlock:
		return "Unlock"
	case TypeSettle:
		return "Settle"
	case TypeEmergencySettle:
		return "EmergencySettle"
	case TypeClaim:
		return "Claim"
	default:
		return "Unknown"
	}
}

// Instruction is the interface all payloads implement.
type Instruction interface {
	// IdempotencyKey returns the stable dedup key.
	IdempotencyKey() string

	// InstructionType returns the discriminator.
	InstructionType() Type

	// Seed returns the target market seed ("" for market creation, where
	// the seed is part of the payload but the market does not exist yet).
	Seed() string

	// SourceSequence returns the upstream per-market sequence.
	SourceSequence() int64
}

// Envelope wraps every applied operation in the log.
type Envelope struct {
	// Global monotonic sequence assigned by the engine.
	Sequence int64

	// Stable idempotency key from upstream.
	IdempotencyKey string

	Type Type

	// Target market seed ("" for global records).
	Seed string

	// Versioned input timestamp (never engine wall-clock).
	Timestamp time.Time

	SourceSequence int64

	// SHA-256 of reserve state AFTER applying this operation.
	StateHash [32]byte

	// Previous operation's state hash (chain integrity).
	PrevHash [32]byte
}

// CreateMarket provisions a new market from a seed-derived identity.
type CreateMarket struct {
	OpID     uuid.UUID
	Config   market.Config
	Sequence int64
	// Timestamp is the versioned submission time.
	Timestamp time.Time
}

func (i *CreateMarket) IdempotencyKey() string { return i.OpID.String() }
func (i *CreateMarket) InstructionType() Type  { return TypeCreateMarket }
func (i *CreateMarket) Seed() string           { return i.Config.Seed }
func (i *CreateMarket) SourceSequence() int64  { return i.Sequence }

// EnsureAccount creates the actor's holding account for a mint if absent.
// An existing account is a no-op.
type EnsureAccount struct {
	OpID      uuid.UUID
	Actor     uuid.UUID
	Market    string
	Mint      token.Address
	Sequence  int64
	Timestamp time.Time
}

func (i *EnsureAccount) IdempotencyKey() string { return i.OpID.String() }
func (i *EnsureAccount) InstructionType() Type  { return TypeEnsureAccount }
func (i *EnsureAccount) Seed() string           { return i.Market }
func (i *EnsureAccount) SourceSequence() int64  { return i.Sequence }

// AddLiquidity deposits a matched pair of outcome-token reserves.
type AddLiquidity struct {
	OpID      uuid.UUID
	Actor     uuid.UUID
	Market    string
	YesAmount uint64
	NoAmount  uint64
	// Expiration is the caller-supplied staleness bound, distinct from the
	// market's end time.
	Expiration time.Time
	Sequence   int64
	Timestamp  time.Time
}

func (i *AddLiquidity) IdempotencyKey() string { return i.OpID.String() }
func (i *AddLiquidity) InstructionType() Type  { return TypeAddLiquidity }
func (i *AddLiquidity) Seed() string           { return i.Market }
func (i *AddLiquidity) SourceSequence() int64  { return i.Sequence }

// Swap trades collateral against one outcome pool.
type Swap struct {
	OpID       uuid.UUID
	Actor      uuid.UUID
	Market     string
	Direction  market.Direction
	Side       market.Side
	Amount     uint64
	MinOut     uint64
	Expiration time.Time
	Sequence   int64
	Timestamp  time.Time
}

func (i *Swap) IdempotencyKey() string { return i.OpID.String() }
func (i *Swap) InstructionType() Type  { return TypeSwap }
func (i *Swap) Seed() string           { return i.Market }
func (i *Swap) SourceSequence() int64  { return i.Sequence }

// Lock suspends trading. Admin-only.
type Lock struct {
	OpID      uuid.UUID
	Actor     uuid.UUID
	Market    string
	Sequence  int64
	Timestamp time.Time
}

func (i *Lock) IdempotencyKey() string { return i.OpID.String() }
func (i *Lock) InstructionType() Type  { return TypeLock }
func (i *Lock) Seed() string           { return i.Market }
func (i *Lock) SourceSequence() int64  { return i.Sequence }

// Unlock resumes trading. Admin-only.
type Unlock struct {
	OpID      uuid.UUID
	Actor     uuid.UUID
	Market    string
	Sequence  int64
	Timestamp time.Time
}

func (i *Unlock) IdempotencyKey() string { return i.OpID.String() }
func (i *Unlock) InstructionType() Type  { return TypeUnlock }
func (i *Unlock) Seed() string           { return i.Market }
func (i *Unlock) SourceSequence() int64  { return i.Sequence }

// Settle fixes the resolution. Admin-only, locked market, past end time.
type Settle struct {
	OpID       uuid.UUID
	Actor      uuid.UUID
	Market     string
	Resolution bool
	Sequence   int64
	Timestamp  time.Time
}

func (i *Settle) IdempotencyKey() string { return i.OpID.String() }
func (i *Settle) InstructionType() Type  { return TypeSettle }
func (i *Settle) Seed() string           { return i.Market }
func (i *Settle) SourceSequence() int64  { return i.Sequence }

// EmergencySettle settles an unlocked market after the grace period.
type EmergencySettle struct {
	OpID       uuid.UUID
	Actor      uuid.UUID
	Market     string
	Resolution bool
	Sequence   int64
	Timestamp  time.Time
}

func (i *EmergencySettle) IdempotencyKey() string { return i.OpID.String() }
func (i *EmergencySettle) InstructionType() Type  { return TypeEmergencySettle }
func (i *EmergencySettle) Seed() string           { return i.Market }
func (i *EmergencySettle) SourceSequence() int64  { return i.Sequence }

// Claim redeems the caller's winning-side balance after settlement.
type Claim struct {
	OpID      uuid.UUID
	Actor     uuid.UUID
	Market    string
	ClaimYes  bool
	Sequence  int64
	Timestamp time.Time
}

func (i *Claim) IdempotencyKey() string { return i.OpID.String() }
func (i *Claim) InstructionType() Type  { return TypeClaim }
func (i *Claim) Seed() string           { return i.Market }
func (i *Claim) SourceSequence() int64  { return i.Sequence }

// Timestamp extraction: the engine never calls time.Now(); every
// instruction carries a versioned timestamp from the submitting shell.
func TimestampOf(in Instruction) time.Time {
	switch i := in.(type) {
	case *CreateMarket:
		return i.Timestamp
	case *EnsureAccount:
		return i.Timestamp
	case *AddLiquidity:
		return i.Timestamp
	case *Swap:
		return i.Timestamp
	case *Lock:
		return i.Timestamp
	case *Unlock:
		return i.Timestamp
	case *Settle:
		return i.Timestamp
	case *EmergencySettle:
		return i.Timestamp
	case *Claim:
		return i.Timestamp
	default:
		return time.Time{}
	}
}
