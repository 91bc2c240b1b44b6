/**
 * @description
 * This file defines the TransactionRecord audit entity and the request/result
 * DTOs for the transfer and history surfaces. A TransactionRecord is created
 * PENDING when an idempotency key is claimed and finalized exactly once to
 * SUCCESS or FAILED; finalized records are never mutated or deleted.
 */

package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionStatus enumerates the lifecycle of a transfer attempt record.
type TransactionStatus string

const (
	TransactionPending TransactionStatus = "PENDING"
	TransactionSuccess TransactionStatus = "SUCCESS"
	TransactionFailed  TransactionStatus = "FAILED"
)

// Terminal reports whether the status is final (SUCCESS or FAILED).
func (s TransactionStatus) Terminal() bool {
	return s == TransactionSuccess || s == TransactionFailed
}

// TransactionRecord is the append-only audit entry for one transfer attempt.
// The idempotency key is globally unique across all records and is the sole
// de-duplication mechanism.
type TransactionRecord struct {
	ID             uuid.UUID         `json:"id"`
	FromAccountID  string            `json:"from_account_id"`
	ToAccountID    string            `json:"to_account_id"`
	Amount         decimal.Decimal   `json:"amount"`
	Status         TransactionStatus `json:"status"`
	FailureReason  *string           `json:"failure_reason,omitempty"`
	IdempotencyKey string            `json:"idempotency_key"`
	CreatedOn      time.Time         `json:"created_on"`
}

// TransferRequest is the input to TransferEngine.Transfer.
type TransferRequest struct {
	FromAccountID  string          `json:"from_account_id"`
	ToAccountID    string          `json:"to_account_id"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// Validate performs the structural checks that run before any I/O. A failing
// request is rejected with ErrInvalidRequest and no record is written.
func (r TransferRequest) Validate() error {
	if strings.TrimSpace(r.FromAccountID) == "" {
		return fmt.Errorf("%w: source account id is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.ToAccountID) == "" {
		return fmt.Errorf("%w: destination account id is required", ErrInvalidRequest)
	}
	if r.FromAccountID == r.ToAccountID {
		return fmt.Errorf("%w: source and destination accounts must differ", ErrInvalidRequest)
	}
	if !r.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.IdempotencyKey) == "" {
		return fmt.Errorf("%w: idempotency key is required", ErrInvalidRequest)
	}
	return nil
}

// TransferResult is returned to the caller after a successful transfer.
type TransferResult struct {
	TransactionID string          `json:"transaction_id"`
	Status        string          `json:"status"`
	DebitedFrom   string          `json:"debited_from"`
	CreditedTo    string          `json:"credited_to"`
	Amount        decimal.Decimal `json:"amount"`
}

// HistoryDirection filters a history query by the account's role.
type HistoryDirection string

const (
	DirectionSent     HistoryDirection = "sent"
	DirectionReceived HistoryDirection = "received"
	DirectionEither   HistoryDirection = "either"
)

// HistoryFilter narrows a transaction history query. Zero values mean
// "no constraint"; paging defaults are applied by the ledger.
type HistoryFilter struct {
	From      *time.Time
	To        *time.Time
	Status    TransactionStatus
	Direction HistoryDirection
	Page      int
	Size      int
}

// PageBounds returns the effective page index and size after defaulting and
// clamping: size defaults to 20 and caps at 100, page floors at 0.
func (f HistoryFilter) PageBounds() (page, size int) {
	size = f.Size
	if size <= 0 {
		size = 20
	}
	if size > 100 {
		size = 100
	}
	page = f.Page
	if page < 0 {
		page = 0
	}
	return page, size
}

// HistoryEntry is one row of a history page. Direction is derived: DEBIT
// when the queried account is the sender, CREDIT otherwise.
type HistoryEntry struct {
	ID             uuid.UUID         `json:"id"`
	FromAccountID  string            `json:"from_account_id"`
	ToAccountID    string            `json:"to_account_id"`
	Amount         decimal.Decimal   `json:"amount"`
	Status         TransactionStatus `json:"status"`
	FailureReason  *string           `json:"failure_reason,omitempty"`
	IdempotencyKey string            `json:"idempotency_key"`
	CreatedOn      time.Time         `json:"created_on"`
	Direction      string            `json:"direction"` // DEBIT or CREDIT
}

// TransactionPage is a page of history entries ordered by createdOn
// descending.
type TransactionPage struct {
	Items []HistoryEntry `json:"items"`
	Page  int            `json:"page"`
	Size  int            `json:"size"`
	Total int64          `json:"total"`
}
