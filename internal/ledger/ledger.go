// Package ledger is the authoritative record of market state. All mutating
// operations on a single market are serialized behind that market's mutex;
// operations on different markets proceed independently.
package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NeelContractor/prediction-market/internal/amm"
	"github.com/NeelContractor/prediction-market/internal/market"
	"github.com/NeelContractor/prediction-market/internal/token"
)

type entry struct {
	mu sync.Mutex
	m  *market.Market
}

// Ledger owns the market registry and moves token balances through the
// token backend. Reserve state is never mutated until every precondition
// has been checked, so a rejected operation leaves no partial update behind.
type Ledger struct {
	mu      sync.RWMutex
	markets map[string]*entry
	tokens  token.Ledger
}

func New(tokens token.Ledger) *Ledger {
	return &Ledger{
		markets: make(map[string]*entry),
		tokens:  tokens,
	}
}

// Tokens exposes the token backend for read paths (balances, existence).
func (l *Ledger) Tokens() token.Ledger { return l.tokens }

func (l *Ledger) lookup(seed string) (*entry, error) {
	l.mu.RLock()
	e, ok := l.markets[seed]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("market %q: %w", seed, market.ErrMarketNotFound)
	}
	return e, nil
}

// CreateMarket provisions mints, vaults and the market record. Identity is
// derived from the seed, so a second call with the same seed fails with
// AccountInUse rather than creating a sibling.
func (l *Ledger) CreateMarket(cfg market.Config) (market.Snapshot, error) {
	m, err := market.New(cfg)
	if err != nil {
		return market.Snapshot{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.markets[m.Seed]; exists {
		return market.Snapshot{}, fmt.Errorf("seed %q: %w", m.Seed, market.ErrAccountInUse)
	}

	if err := l.tokens.CreateMint(m.MintYes); err != nil {
		return market.Snapshot{}, fmt.Errorf("seed %q: %w", m.Seed, market.ErrAccountInUse)
	}
	if err := l.tokens.CreateMint(m.MintNo); err != nil {
		return market.Snapshot{}, fmt.Errorf("seed %q: %w", m.Seed, market.ErrAccountInUse)
	}
	if err := l.tokens.CreateAccount(m.VaultYes, m.MintYes); err != nil {
		return market.Snapshot{}, fmt.Errorf("create yes vault: %w", err)
	}
	if err := l.tokens.CreateAccount(m.VaultNo, m.MintNo); err != nil {
		return market.Snapshot{}, fmt.Errorf("create no vault: %w", err)
	}
	if err := l.tokens.CreateAccount(m.VaultCollateral, m.MintCollateral); err != nil {
		return market.Snapshot{}, fmt.Errorf("create collateral vault: %w", err)
	}

	l.markets[m.Seed] = &entry{m: m}
	return l.snapshot(m), nil
}

// AddLiquidity seeds both outcome pools in a matched pair. Reserve units are
// minted directly into the vaults; the pool itself is the mint authority.
func (l *Ledger) AddLiquidity(seed string, provider uuid.UUID, yesAmount, noAmount uint64, expiration, now time.Time) (market.Snapshot, error) {
	e, err := l.lookup(seed)
	if err != nil {
		return market.Snapshot{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	m := e.m

	if err := market.Allowed(m.Phase(), market.OpAddLiquidity); err != nil {
		return market.Snapshot{}, err
	}
	if yesAmount == 0 || noAmount == 0 {
		return market.Snapshot{}, market.ErrZeroAmount
	}
	if now.After(expiration) {
		return market.Snapshot{}, market.ErrExpired
	}

	added, err := amm.QuoteLiquidity(yesAmount, noAmount)
	if err != nil {
		return market.Snapshot{}, err
	}
	total, err := amm.CheckedAdd(m.TotalLiquidity, added)
	if err != nil {
		return market.Snapshot{}, err
	}
	if _, err := amm.CheckedAdd(l.tokens.Balance(m.VaultYes), yesAmount); err != nil {
		return market.Snapshot{}, err
	}
	if _, err := amm.CheckedAdd(l.tokens.Balance(m.VaultNo), noAmount); err != nil {
		return market.Snapshot{}, err
	}

	if err := l.tokens.Mint(m.MintYes, m.VaultYes, yesAmount); err != nil {
		return market.Snapshot{}, fmt.Errorf("mint yes reserve: %w", err)
	}
	if err := l.tokens.Mint(m.MintNo, m.VaultNo, noAmount); err != nil {
		return market.Snapshot{}, fmt.Errorf("mint no reserve: %w", err)
	}
	m.TotalLiquidity = total
	return l.snapshot(m), nil
}

// Swap trades collateral against one outcome pool. Buy moves collateral in
// and outcome tokens out; sell is the reverse. The full input amount is
// credited to the in-side reserve, so the fee accrues to the pool.
func (l *Ledger) Swap(seed string, caller uuid.UUID, direction market.Direction, side market.Side, amount, minOut uint64, expiration, now time.Time) (uint64, market.Snapshot, error) {
	e, err := l.lookup(seed)
	if err != nil {
		return 0, market.Snapshot{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	m := e.m

	if err := market.Allowed(m.Phase(), market.OpSwap); err != nil {
		return 0, market.Snapshot{}, err
	}
	if amount == 0 {
		return 0, market.Snapshot{}, market.ErrZeroAmount
	}
	if now.After(expiration) {
		return 0, market.Snapshot{}, market.ErrExpired
	}

	var vaultIn, vaultOut, mintIn, mintOut token.Address
	switch direction {
	case market.DirectionBuy:
		vaultIn, vaultOut = m.VaultCollateral, m.SideVault(side)
		mintIn, mintOut = m.MintCollateral, m.SideMint(side)
	case market.DirectionSell:
		vaultIn, vaultOut = m.SideVault(side), m.VaultCollateral
		mintIn, mintOut = m.SideMint(side), m.MintCollateral
	default:
		return 0, market.Snapshot{}, fmt.Errorf("unknown swap direction %d", direction)
	}

	rIn := l.tokens.Balance(vaultIn)
	rOut := l.tokens.Balance(vaultOut)
	out, err := amm.QuoteSwap(rIn, rOut, amount, m.FeeBps)
	if err != nil {
		return 0, market.Snapshot{}, err
	}
	if out < minOut {
		return 0, market.Snapshot{}, fmt.Errorf("quoted %d below minimum %d: %w", out, minOut, market.ErrSlippageExceeded)
	}

	callerIn := token.DeriveAccount(caller, mintIn)
	callerOut := token.DeriveAccount(caller, mintOut)
	if have := l.tokens.Balance(callerIn); have < amount {
		return 0, market.Snapshot{}, fmt.Errorf("balance %d below swap amount %d: %w", have, amount, amm.ErrUnderflow)
	}
	if _, err := amm.CheckedAdd(l.tokens.Balance(callerOut), out); err != nil {
		return 0, market.Snapshot{}, err
	}
	if _, err := amm.CheckedAdd(rIn, amount); err != nil {
		return 0, market.Snapshot{}, err
	}

	if err := l.tokens.Transfer(mintIn, callerIn, vaultIn, amount); err != nil {
		return 0, market.Snapshot{}, fmt.Errorf("debit swap input: %w", err)
	}
	if err := l.tokens.Transfer(mintOut, vaultOut, callerOut, out); err != nil {
		return 0, market.Snapshot{}, fmt.Errorf("credit swap output: %w", err)
	}
	return out, l.snapshot(m), nil
}

// Lock suspends trading on an unsettled market.
func (l *Ledger) Lock(seed string, actor uuid.UUID) (market.Snapshot, error) {
	return l.setLocked(seed, actor, market.OpLock, true)
}

// Unlock resumes trading on an unsettled market.
func (l *Ledger) Unlock(seed string, actor uuid.UUID) (market.Snapshot, error) {
	return l.setLocked(seed, actor, market.OpUnlock, false)
}

func (l *Ledger) setLocked(seed string, actor uuid.UUID, op market.Op, locked bool) (market.Snapshot, error) {
	e, err := l.lookup(seed)
	if err != nil {
		return market.Snapshot{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	m := e.m

	if err := market.Allowed(m.Phase(), op); err != nil {
		return market.Snapshot{}, err
	}
	if actor != m.Admin {
		return market.Snapshot{}, market.ErrUnauthorized
	}
	m.Locked = locked
	return l.snapshot(m), nil
}

// Settle fixes the resolution. Requires an explicit prior lock so a trade
// cannot race the settlement, and requires the end time to have passed.
func (l *Ledger) Settle(seed string, actor uuid.UUID, resolution bool, now time.Time) (market.Snapshot, error) {
	e, err := l.lookup(seed)
	if err != nil {
		return market.Snapshot{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	m := e.m

	if err := market.Allowed(m.Phase(), market.OpSettle); err != nil {
		return market.Snapshot{}, err
	}
	if actor != m.Admin {
		return market.Snapshot{}, market.ErrUnauthorized
	}
	if now.Before(m.EndTimestamp) {
		return market.Snapshot{}, market.ErrMarketNotEnded
	}
	m.Settled = true
	m.Resolution = resolution
	return l.snapshot(m), nil
}

// EmergencySettle settles regardless of lock state once the grace period
// past the end time has elapsed. Escape hatch for an abandoned market.
func (l *Ledger) EmergencySettle(seed string, actor uuid.UUID, resolution bool, now time.Time) (market.Snapshot, error) {
	e, err := l.lookup(seed)
	if err != nil {
		return market.Snapshot{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	m := e.m

	if err := market.Allowed(m.Phase(), market.OpEmergencySettle); err != nil {
		return market.Snapshot{}, err
	}
	if actor != m.Admin {
		return market.Snapshot{}, market.ErrUnauthorized
	}
	if now.Before(m.EndTimestamp.Add(market.EmergencyGracePeriod)) {
		return market.Snapshot{}, market.ErrGracePeriodNotReached
	}
	m.Settled = true
	m.Resolution = resolution
	return l.snapshot(m), nil
}

// Claim redeems the caller's entire winning-side balance 1:1 for collateral,
// capped by what the collateral vault still holds. The redeemed tokens are
// burned; losing-side tokens stay with the holder.
func (l *Ledger) Claim(seed string, caller uuid.UUID, claimYes bool) (uint64, market.Snapshot, error) {
	e, err := l.lookup(seed)
	if err != nil {
		return 0, market.Snapshot{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	m := e.m

	if err := market.Allowed(m.Phase(), market.OpClaim); err != nil {
		return 0, market.Snapshot{}, err
	}
	if claimYes != m.Resolution {
		return 0, market.Snapshot{}, market.ErrNoWinningTokens
	}

	winMint := m.WinningMint()
	winAccount := token.DeriveAccount(caller, winMint)
	balance := l.tokens.Balance(winAccount)
	if balance == 0 {
		return 0, market.Snapshot{}, market.ErrNoWinningTokens
	}

	payout := balance
	if vault := l.tokens.Balance(m.VaultCollateral); vault < payout {
		payout = vault
	}

	collateralAccount := token.DeriveAccount(caller, m.MintCollateral)
	if _, err := amm.CheckedAdd(l.tokens.Balance(collateralAccount), payout); err != nil {
		return 0, market.Snapshot{}, err
	}

	if err := l.tokens.Burn(winMint, winAccount, balance); err != nil {
		return 0, market.Snapshot{}, fmt.Errorf("burn winning tokens: %w", err)
	}
	if payout > 0 {
		if err := l.tokens.Transfer(m.MintCollateral, m.VaultCollateral, collateralAccount, payout); err != nil {
			return 0, market.Snapshot{}, fmt.Errorf("pay out claim: %w", err)
		}
	}
	return payout, l.snapshot(m), nil
}

// EnsureAccount creates a holding account for (owner, mint) if absent.
func (l *Ledger) EnsureAccount(owner uuid.UUID, mint token.Address) token.Address {
	return l.tokens.EnsureAccount(owner, mint)
}

// Snapshot returns the market record plus live vault balances.
func (l *Ledger) Snapshot(seed string) (market.Snapshot, error) {
	e, err := l.lookup(seed)
	if err != nil {
		return market.Snapshot{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return l.snapshot(e.m), nil
}

// Seeds lists registered markets in no particular order.
func (l *Ledger) Seeds() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	seeds := make([]string, 0, len(l.markets))
	for s := range l.markets {
		seeds = append(seeds, s)
	}
	return seeds
}

// Fork clones the registry over a different token backend. Used for
// simulation: the fork shares nothing mutable with the original.
func (l *Ledger) Fork(tokens token.Ledger) *Ledger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	fork := New(tokens)
	for seed, e := range l.markets {
		e.mu.Lock()
		fork.markets[seed] = &entry{m: e.m.Clone()}
		e.mu.Unlock()
	}
	return fork
}

// Restore replaces a market record (rollback path). The caller must hold no
// market mutex.
func (l *Ledger) Restore(m *market.Market) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.markets[m.Seed]; ok {
		e.mu.Lock()
		e.m = m.Clone()
		e.mu.Unlock()
		return
	}
	l.markets[m.Seed] = &entry{m: m.Clone()}
}

// Forget removes a market record. Rollback-only: settled markets are never
// deleted in normal operation, claims stay payable indefinitely.
func (l *Ledger) Forget(seed string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.markets, seed)
}

// snapshot reads vault balances under the caller-held market mutex.
func (l *Ledger) snapshot(m *market.Market) market.Snapshot {
	return market.Snapshot{
		Market:          *m.Clone(),
		VaultYes:        l.tokens.Balance(m.VaultYes),
		VaultNo:         l.tokens.Balance(m.VaultNo),
		VaultCollateral: l.tokens.Balance(m.VaultCollateral),
	}
}
