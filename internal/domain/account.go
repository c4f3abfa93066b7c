package domain

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// Balance is the position of one client in one asset. Available is spendable,
// Reserved is locked against open limit orders. A client's balance can be
// touched by several books at once, so it carries its own lock.
type Balance struct {
	mu        sync.Mutex
	asset     string
	available decimal.Decimal
	reserved  decimal.Decimal
}

func NewBalance(asset string) *Balance {
	return &Balance{asset: asset}
}

func (b *Balance) Asset() string { return b.asset }

func (b *Balance) Available() decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.available
}

func (b *Balance) Reserved() decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reserved
}

func (b *Balance) Total() decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.available.Add(b.reserved)
}

// Snapshot returns a consistent copy of both amounts.
func (b *Balance) Snapshot() BalanceSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BalanceSnapshot{Asset: b.asset, Available: b.available, Reserved: b.reserved}
}

func (b *Balance) Deposit(amount decimal.Decimal) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.available = b.available.Add(amount)
	return nil
}

func (b *Balance) Withdraw(amount decimal.Decimal) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if amount.GreaterThan(b.available) {
		return fmt.Errorf("%w: withdraw %s %s, available %s", ErrInsufficientFunds, amount, b.asset, b.available)
	}
	b.available = b.available.Sub(amount)
	return nil
}

// Reserve moves amount from available to reserved.
func (b *Balance) Reserve(amount decimal.Decimal) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if amount.GreaterThan(b.available) {
		return fmt.Errorf("%w: reserve %s %s, available %s", ErrInsufficientFunds, amount, b.asset, b.available)
	}
	b.available = b.available.Sub(amount)
	b.reserved = b.reserved.Add(amount)
	return nil
}

// Release moves amount from reserved back to available.
func (b *Balance) Release(amount decimal.Decimal) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if amount.GreaterThan(b.reserved) {
		return fmt.Errorf("%w: release %s %s, reserved %s", ErrInsufficientFunds, amount, b.asset, b.reserved)
	}
	b.reserved = b.reserved.Sub(amount)
	b.available = b.available.Add(amount)
	return nil
}

// Consume removes amount from reserved for good. The counter asset is
// credited separately by the caller.
func (b *Balance) Consume(amount decimal.Decimal) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if amount.GreaterThan(b.reserved) {
		return fmt.Errorf("%w: consume %s %s, reserved %s", ErrInsufficientFunds, amount, b.asset, b.reserved)
	}
	b.reserved = b.reserved.Sub(amount)
	return nil
}

func checkAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be > 0, got %s", ErrValidation, amount)
	}
	return nil
}

// Account holds every balance of one client.
type Account struct {
	mu       sync.Mutex
	clientID string
	balances map[string]*Balance
}

func NewAccount(clientID string) *Account {
	return &Account{clientID: clientID, balances: make(map[string]*Balance)}
}

func (a *Account) ClientID() string { return a.clientID }

// Balance returns the balance for asset, creating an empty one on first use.
func (a *Account) Balance(asset string) *Balance {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.balances[asset]
	if !ok {
		b = NewBalance(asset)
		a.balances[asset] = b
	}
	return b
}

// Balances returns snapshots of all balances sorted by asset.
func (a *Account) Balances() []BalanceSnapshot {
	a.mu.Lock()
	res := make([]BalanceSnapshot, 0, len(a.balances))
	for _, b := range a.balances {
		res = append(res, b.Snapshot())
	}
	a.mu.Unlock()
	sort.Slice(res, func(i, j int) bool { return res[i].Asset < res[j].Asset })
	return res
}

// Registry maps client ids to accounts. It is owned by whoever composes the
// exchange and handed to every book.
type Registry struct {
	mu       sync.Mutex
	accounts map[string]*Account
}

func NewRegistry() *Registry {
	return &Registry{accounts: make(map[string]*Account)}
}

func (r *Registry) Get(clientID string) *Account {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[clientID]
	if !ok {
		a = NewAccount(clientID)
		r.accounts[clientID] = a
	}
	return a
}

// Lookup returns the account without creating it.
func (r *Registry) Lookup(clientID string) (*Account, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[clientID]
	return a, ok
}

func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts = make(map[string]*Account)
}
