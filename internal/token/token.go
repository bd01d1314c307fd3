package token

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// Address identifies a mint or a holding account on the external token ledger.
// Addresses are derived deterministically so that the same inputs always
// collide (identity idempotence).
type Address string

// Derive computes a deterministic address from its parts.
func Derive(parts ...string) Address {
	h := sha256.Sum256([]byte(strings.Join(parts, ":")))
	return Address(hex.EncodeToString(h[:16]))
}

// DeriveAccount returns the canonical holding account of owner for mint.
// One account per (owner, mint) pair.
func DeriveAccount(owner uuid.UUID, mint Address) Address {
	return Derive("account", owner.String(), string(mint))
}

// Ledger is the token capability the market core depends on. Holdings are
// external state: the core never tracks per-user balances itself, it only
// mints, burns and moves units through this interface.
type Ledger interface {
	// EnsureAccount creates the holding account for (owner, mint) if it does
	// not exist. Creating an existing account is a no-op, never an error.
	EnsureAccount(owner uuid.UUID, mint Address) Address

	// Exists reports whether an account or mint address is known.
	// Point-in-time read; callers must not cache across a mutation gap.
	Exists(addr Address) bool

	CreateMint(mint Address) error
	CreateAccount(addr Address, mint Address) error

	Mint(mint Address, to Address, amount uint64) error
	Burn(mint Address, from Address, amount uint64) error
	Transfer(mint Address, from Address, to Address, amount uint64) error

	Balance(addr Address) uint64
}
