/**
 * @description
 * This file contains the administrative account operations: opening an
 * account, reads, and status changes. Accounts are created ACTIVE with a
 * non-negative opening balance and are never deleted; closing an account is
 * a status change that stops it from transferring.
 */

package app

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mtsbank/transfer-service/internal/domain"
	"github.com/mtsbank/transfer-service/internal/store"
)

// AccountService manages account lifecycle outside the transfer path.
type AccountService struct {
	directory store.AccountDirectory
}

// NewAccountService creates an account service.
func NewAccountService(directory store.AccountDirectory) *AccountService {
	return &AccountService{directory: directory}
}

// OpenAccount creates an ACTIVE account. When id is blank a unique ACC-
// prefixed identifier is generated.
func (s *AccountService) OpenAccount(ctx context.Context, id, holderName string, openingBalance decimal.Decimal) (*domain.Account, error) {
	if strings.TrimSpace(id) == "" {
		id = "ACC-" + uuid.NewString()
	}
	acct, err := domain.NewAccount(id, holderName, openingBalance)
	if err != nil {
		return nil, err
	}
	if err := s.directory.Create(ctx, acct); err != nil {
		return nil, err
	}
	log.Printf("level=info component=accounts outcome=opened account_id=%s balance=%s", acct.ID, acct.Balance)
	return acct, nil
}

// GetAccount returns one account by id.
func (s *AccountService) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	return s.directory.Get(ctx, id)
}

// ListAccounts returns all accounts ordered by id.
func (s *AccountService) ListAccounts(ctx context.Context) ([]*domain.Account, error) {
	return s.directory.List(ctx)
}

// SetAccountStatus applies an administrative status change
// (ACTIVE/LOCKED/CLOSED).
func (s *AccountService) SetAccountStatus(ctx context.Context, id string, status domain.AccountStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown account status %q", domain.ErrInvalidRequest, status)
	}
	if err := s.directory.UpdateStatus(ctx, id, status); err != nil {
		return err
	}
	log.Printf("level=info component=accounts outcome=status_changed account_id=%s status=%s", id, status)
	return nil
}
