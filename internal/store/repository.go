/**
 * @description
 * This file defines the persistence contracts consumed by the transfer
 * engine. Two concrete stores implement them: PostgresStore (pessimistic
 * SELECT ... FOR UPDATE row locks) and MemoryStore (per-account lock
 * channels plus version-checked compare-and-swap). The engine only ever
 * talks to these interfaces.
 *
 * @notes
 * - WithinTx runs fn inside one unit of work: every LoadForUpdate lock
 *   acquired by fn is held until the unit of work ends, and in the Postgres
 *   implementation all writes commit or roll back together.
 * - Accounts()/Ledger() on Store operate in their own short-lived unit of
 *   work. FailureRecorder depends on this to persist FAILED records that
 *   must survive a rollback of the main transfer attempt.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mtsbank/transfer-service/internal/domain"
)

var (
	// ErrRecordFinalized is returned by Finalize when the record has
	// already reached SUCCESS or FAILED. Finalized records are immutable.
	ErrRecordFinalized = errors.New("transaction record already finalized")

	// ErrAccountExists is returned by Create when the account id is taken.
	ErrAccountExists = errors.New("account id already exists")

	// ErrRecordNotFound is returned by ledger lookups that match nothing.
	ErrRecordNotFound = errors.New("transaction record not found")
)

// AccountStore is the locked read/write contract the transfer engine uses
// for accounts.
type AccountStore interface {
	// LoadForUpdate returns the account with an exclusivity guarantee held
	// until the enclosing unit of work ends. Returns
	// domain.ErrAccountNotFound or domain.ErrLockTimeout.
	LoadForUpdate(ctx context.Context, id string) (*domain.Account, error)

	// Save persists mutated account state. Returns
	// domain.ErrStorageConflict when the stored version no longer precedes
	// the one being written.
	Save(ctx context.Context, acct *domain.Account) error

	// ExistsByID reports whether the account exists, without locking it.
	ExistsByID(ctx context.Context, id string) (bool, error)
}

// AccountDirectory is the administrative account surface outside the
// transfer path: creation, unlocked reads and status changes.
type AccountDirectory interface {
	Create(ctx context.Context, acct *domain.Account) error
	Get(ctx context.Context, id string) (*domain.Account, error)
	List(ctx context.Context) ([]*domain.Account, error)
	UpdateStatus(ctx context.Context, id string, status domain.AccountStatus) error
}

// TransactionLedger is the append-only audit contract keyed by idempotency
// key.
type TransactionLedger interface {
	// ClaimPending atomically inserts a PENDING record for the key. Exactly
	// one concurrent claimer wins; the rest get domain.ErrDuplicateTransfer.
	ClaimPending(ctx context.Context, key, fromID, toID string, amount decimal.Decimal) (*domain.TransactionRecord, error)

	// Finalize moves a PENDING record to SUCCESS or FAILED. Returns
	// ErrRecordFinalized if the record is already terminal and
	// ErrRecordNotFound if it does not exist.
	Finalize(ctx context.Context, recordID uuid.UUID, status domain.TransactionStatus, failureReason string) error

	// FindByIdempotencyKey returns the record claimed under key, or
	// ErrRecordNotFound.
	FindByIdempotencyKey(ctx context.Context, key string) (*domain.TransactionRecord, error)

	// FindByAccount returns a page of records involving the account,
	// narrowed by the filter, ordered by createdOn descending.
	FindByAccount(ctx context.Context, accountID string, filter domain.HistoryFilter) ([]*domain.TransactionRecord, int64, error)

	// ExpireStalePending marks PENDING records created before the cutoff as
	// FAILED and returns how many were expired. Housekeeping only; a stale
	// PENDING record is never resurrected as SUCCESS.
	ExpireStalePending(ctx context.Context, cutoff time.Time) (int64, error)
}

// UnitOfWork is the view of the store handed to a WithinTx callback.
type UnitOfWork interface {
	Accounts() AccountStore
	Ledger() TransactionLedger
}

// Store is the top-level persistence handle the engine and services are
// constructed with.
type Store interface {
	UnitOfWork

	// WithinTx executes fn in one atomic unit of work. Locks taken through
	// the unit's AccountStore are released when WithinTx returns.
	WithinTx(ctx context.Context, fn func(tx UnitOfWork) error) error

	// Directory returns the administrative account surface.
	Directory() AccountDirectory
}
