/**
 * @description
 * This file contains the read side of the ledger: paged, filtered
 * transaction history per account and outcome lookup by idempotency key.
 * The latter is how a caller that lost a transfer response recovers the
 * result without risking a double spend.
 */

package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/mtsbank/transfer-service/internal/domain"
	"github.com/mtsbank/transfer-service/internal/store"
)

// HistoryService answers transaction history queries.
type HistoryService struct {
	store store.Store
}

// NewHistoryService creates a history service.
func NewHistoryService(st store.Store) *HistoryService {
	return &HistoryService{store: st}
}

// ListTransactions returns a page of the account's transfer attempts,
// newest first. Direction is derived per entry: DEBIT when the account was
// the sender, CREDIT otherwise.
func (h *HistoryService) ListTransactions(ctx context.Context, accountID string, filter domain.HistoryFilter) (*domain.TransactionPage, error) {
	exists, err := h.store.Accounts().ExistsByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, accountID)
	}

	records, total, err := h.store.Ledger().FindByAccount(ctx, accountID, filter)
	if err != nil {
		return nil, err
	}

	pageIdx, pageSize := filter.PageBounds()
	page := &domain.TransactionPage{
		Items: make([]domain.HistoryEntry, 0, len(records)),
		Page:  pageIdx,
		Size:  pageSize,
		Total: total,
	}
	for _, rec := range records {
		direction := "CREDIT"
		if rec.FromAccountID == accountID {
			direction = "DEBIT"
		}
		page.Items = append(page.Items, domain.HistoryEntry{
			ID:             rec.ID,
			FromAccountID:  rec.FromAccountID,
			ToAccountID:    rec.ToAccountID,
			Amount:         rec.Amount,
			Status:         rec.Status,
			FailureReason:  rec.FailureReason,
			IdempotencyKey: rec.IdempotencyKey,
			CreatedOn:      rec.CreatedOn,
			Direction:      direction,
		})
	}
	return page, nil
}

// GetByIdempotencyKey returns the recorded outcome for a key, or
// store.ErrRecordNotFound if the key was never claimed.
func (h *HistoryService) GetByIdempotencyKey(ctx context.Context, key string) (*domain.TransactionRecord, error) {
	rec, err := h.store.Ledger().FindByIdempotencyKey(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("outcome lookup failed: %w", err)
	}
	return rec, nil
}
