package token

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MemLedger is an in-memory token ledger. It backs the local engine and
// tests; a deployment against a real chain replaces it behind the Ledger
// interface.
type MemLedger struct {
	mu       sync.RWMutex
	mints    map[Address]bool
	accounts map[Address]*account
}

type account struct {
	mint    Address
	balance uint64
}

func NewMemLedger() *MemLedger {
	return &MemLedger{
		mints:    make(map[Address]bool),
		accounts: make(map[Address]*account),
	}
}

func (m *MemLedger) EnsureAccount(owner uuid.UUID, mint Address) Address {
	addr := DeriveAccount(owner, mint)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[addr]; !ok {
		m.accounts[addr] = &account{mint: mint}
	}
	return addr
}

func (m *MemLedger) Exists(addr Address) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.mints[addr] {
		return true
	}
	_, ok := m.accounts[addr]
	return ok
}

func (m *MemLedger) CreateMint(mint Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mints[mint] {
		return fmt.Errorf("mint %s already exists", mint)
	}
	m.mints[mint] = true
	return nil
}

func (m *MemLedger) CreateAccount(addr Address, mint Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.mints[mint] {
		return fmt.Errorf("unknown mint %s", mint)
	}
	if _, ok := m.accounts[addr]; ok {
		// Create-if-absent: tolerate concurrent creation.
		return nil
	}
	m.accounts[addr] = &account{mint: mint}
	return nil
}

func (m *MemLedger) Mint(mint Address, to Address, amount uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, err := m.holding(to, mint)
	if err != nil {
		return err
	}
	if acct.balance+amount < acct.balance {
		return fmt.Errorf("mint overflows account %s", to)
	}
	acct.balance += amount
	return nil
}

func (m *MemLedger) Burn(mint Address, from Address, amount uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, err := m.holding(from, mint)
	if err != nil {
		return err
	}
	if acct.balance < amount {
		return fmt.Errorf("burn exceeds balance of %s: have=%d, need=%d", from, acct.balance, amount)
	}
	acct.balance -= amount
	return nil
}

func (m *MemLedger) Transfer(mint Address, from Address, to Address, amount uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	src, err := m.holding(from, mint)
	if err != nil {
		return err
	}
	dst, err := m.holding(to, mint)
	if err != nil {
		return err
	}
	if src.balance < amount {
		return fmt.Errorf("transfer exceeds balance of %s: have=%d, need=%d", from, src.balance, amount)
	}
	if dst.balance+amount < dst.balance {
		return fmt.Errorf("transfer overflows account %s", to)
	}
	src.balance -= amount
	dst.balance += amount
	return nil
}

func (m *MemLedger) Balance(addr Address) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if acct, ok := m.accounts[addr]; ok {
		return acct.balance
	}
	return 0
}

// holding resolves an account and checks its mint. Callers hold m.mu.
func (m *MemLedger) holding(addr Address, mint Address) (*account, error) {
	acct, ok := m.accounts[addr]
	if !ok {
		return nil, fmt.Errorf("unknown account %s", addr)
	}
	if acct.mint != mint {
		return nil, fmt.Errorf("account %s holds %s, not %s", addr, acct.mint, mint)
	}
	return acct, nil
}

// Clone returns a deep copy for dry-run simulation. The copy shares nothing
// with the live ledger.
func (m *MemLedger) Clone() *MemLedger {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c := NewMemLedger()
	for mint := range m.mints {
		c.mints[mint] = true
	}
	for addr, acct := range m.accounts {
		c.accounts[addr] = &account{mint: acct.mint, balance: acct.balance}
	}
	return c
}

// Restore replaces all state with the checkpoint's. The checkpoint is
// copied, so it stays valid for further restores.
func (m *MemLedger) Restore(checkpoint *MemLedger) {
	cp := checkpoint.Clone()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.mints = cp.mints
	m.accounts = cp.accounts
}

// Export captures the full ledger for a durable snapshot: every mint,
// every account's mint binding and every balance.
func (m *MemLedger) Export() (mints []string, balances map[string]uint64, accountMints map[string]string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mints = make([]string, 0, len(m.mints))
	for mint := range m.mints {
		mints = append(mints, string(mint))
	}
	balances = make(map[string]uint64, len(m.accounts))
	accountMints = make(map[string]string, len(m.accounts))
	for addr, acct := range m.accounts {
		balances[string(addr)] = acct.balance
		accountMints[string(addr)] = string(acct.mint)
	}
	return mints, balances, accountMints
}

// Load replaces all state with an exported snapshot. Used once during
// recovery before the engine starts applying.
func (m *MemLedger) Load(mints []string, balances map[string]uint64, accountMints map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.mints = make(map[Address]bool, len(mints))
	for _, mint := range mints {
		m.mints[Address(mint)] = true
	}
	m.accounts = make(map[Address]*account, len(accountMints))
	for addr, mint := range accountMints {
		m.accounts[Address(addr)] = &account{
			mint:    Address(mint),
			balance: balances[addr],
		}
	}
}

// Snapshot captures all balances (for state digests and rollback).
func (m *MemLedger) Snapshot() map[Address]uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := make(map[Address]uint64, len(m.accounts))
	for addr, acct := range m.accounts {
		snap[addr] = acct.balance
	}
	return snap
}

// RestoreBalances resets every captured account to its snapshotted balance.
// Accounts created after the snapshot keep existing but are zeroed only if
// present in the snapshot with a different value; rollback of a transaction
// therefore also zeroes accounts it minted into.
func (m *MemLedger) RestoreBalances(snap map[Address]uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for addr, acct := range m.accounts {
		if v, ok := snap[addr]; ok {
			acct.balance = v
		} else {
			acct.balance = 0
		}
	}
}
