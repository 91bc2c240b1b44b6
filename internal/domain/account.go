/**
 * @description
 * This file defines the Account entity, the mutable ledger object that
 * enforces the debit/credit business invariants. Balances are
 * shopspring/decimal values normalized to scale 2 (round half up) after
 * every mutation, never floats.
 *
 * @notes
 * - Debit and Credit serialize on an internal mutex so two goroutines
 *   sharing the same in-memory instance can never interleave a partial
 *   update. Stores provide cross-process serialization on top of this.
 * - The Version counter increments on every balance or status mutation and
 *   backs the compare-and-swap discipline of stores without row locks.
 */

package domain

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// AccountStatus enumerates the lifecycle states of an account.
type AccountStatus string

const (
	AccountActive AccountStatus = "ACTIVE"
	AccountLocked AccountStatus = "LOCKED"
	AccountClosed AccountStatus = "CLOSED"
)

// Valid reports whether s is one of the known account statuses.
func (s AccountStatus) Valid() bool {
	switch s {
	case AccountActive, AccountLocked, AccountClosed:
		return true
	}
	return false
}

// Account is the mutable ledger entity. Use NewAccount to construct one and
// always pass it by pointer; the zero value is not usable.
type Account struct {
	ID          string          `json:"id"`
	HolderName  string          `json:"holder_name"`
	Balance     decimal.Decimal `json:"balance"`
	Status      AccountStatus   `json:"status"`
	Version     int64           `json:"version"`
	LastUpdated time.Time       `json:"last_updated"`

	mu sync.Mutex
}

// NewAccount creates an ACTIVE account with a normalized, non-negative
// opening balance.
func NewAccount(id, holderName string, opening decimal.Decimal) (*Account, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: account id is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(holderName) == "" {
		return nil, fmt.Errorf("%w: holder name is required", ErrInvalidRequest)
	}
	if opening.IsNegative() {
		return nil, fmt.Errorf("%w: opening balance must not be negative", ErrInvalidAmount)
	}
	return &Account{
		ID:          id,
		HolderName:  holderName,
		Balance:     opening.Round(2),
		Status:      AccountActive,
		Version:     1,
		LastUpdated: time.Now().UTC(),
	}, nil
}

// IsActive reports whether the account may currently debit or credit.
func (a *Account) IsActive() bool {
	return a.Status == AccountActive
}

// Debit subtracts amount from the balance. The account is left untouched on
// any failure: status and amount are checked before the balance, and the
// insufficiency check before the subtraction, so there is no partial apply.
func (a *Account) Debit(amount decimal.Decimal) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.IsActive() {
		return fmt.Errorf("%w: account %s is %s", ErrAccountNotActive, a.ID, a.Status)
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: debit of %s", ErrInvalidAmount, amount)
	}
	if a.Balance.LessThan(amount) {
		return fmt.Errorf("%w: account %s holds %s, needs %s", ErrInsufficientBalance, a.ID, a.Balance, amount)
	}

	a.Balance = a.Balance.Sub(amount).Round(2)
	a.touch()
	return nil
}

// Credit adds amount to the balance. Same activity and amount checks as
// Debit; there is no upper bound on a credit.
func (a *Account) Credit(amount decimal.Decimal) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.IsActive() {
		return fmt.Errorf("%w: account %s is %s", ErrAccountNotActive, a.ID, a.Status)
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: credit of %s", ErrInvalidAmount, amount)
	}

	a.Balance = a.Balance.Add(amount).Round(2)
	a.touch()
	return nil
}

// SetStatus applies an administrative status change and bumps the version.
func (a *Account) SetStatus(status AccountStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown account status %q", ErrInvalidRequest, status)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Status = status
	a.touch()
	return nil
}

// Clone returns an independent copy of the account. Stores hand out clones
// so callers can never mutate the canonical copy without going through Save.
func (a *Account) Clone() *Account {
	a.mu.Lock()
	defer a.mu.Unlock()
	return &Account{
		ID:          a.ID,
		HolderName:  a.HolderName,
		Balance:     a.Balance,
		Status:      a.Status,
		Version:     a.Version,
		LastUpdated: a.LastUpdated,
	}
}

func (a *Account) touch() {
	a.Version++
	a.LastUpdated = time.Now().UTC()
}
