/**
 * @description
 * This file provides the PostgreSQL implementation of the Store contract
 * using pgx. Exclusivity is pessimistic: LoadForUpdate issues
 * SELECT ... FOR UPDATE and the row locks are held until the enclosing
 * transaction commits or rolls back. A per-transaction lock_timeout bounds
 * the wait and maps onto domain.ErrLockTimeout.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver and connection pooling.
 * - internal/domain: domain models and the error taxonomy.
 *
 * @notes
 * - The idempotency claim relies entirely on the unique constraint on
 *   transaction_records.idempotency_key; a 23505 unique violation is the
 *   loser's DuplicateTransfer signal. There is deliberately no
 *   read-then-insert pre-check.
 * - Amounts travel as text and are parsed into shopspring decimals, so no
 *   numeric codec registration is needed on the connection.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/mtsbank/transfer-service/internal/domain"
)

const (
	pgUniqueViolation  = "23505"
	pgLockNotAvailable = "55P03"
)

// dbtx is the subset of pgx shared by *pgxpool.Pool and pgx.Tx, letting the
// same repository code run pooled or transactional.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store on top of a pgx connection pool.
type PostgresStore struct {
	pool     *pgxpool.Pool
	lockWait time.Duration
}

// NewPostgresStore wires a store around the pool. lockWait bounds how long a
// unit of work may block on account row locks before failing with
// domain.ErrLockTimeout.
func NewPostgresStore(pool *pgxpool.Pool, lockWait time.Duration) *PostgresStore {
	if lockWait <= 0 {
		lockWait = 3 * time.Second
	}
	return &PostgresStore{pool: pool, lockWait: lockWait}
}

func (s *PostgresStore) Accounts() AccountStore      { return &pgAccounts{db: s.pool} }
func (s *PostgresStore) Ledger() TransactionLedger   { return &pgLedger{db: s.pool} }
func (s *PostgresStore) Directory() AccountDirectory { return &pgAccounts{db: s.pool} }

// WithinTx runs fn inside one database transaction with a bounded
// lock_timeout. All locks and writes share the transaction's fate.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(tx UnitOfWork) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockWait.Milliseconds())); err != nil {
		return fmt.Errorf("lock timeout setup failed: %w", err)
	}

	if err := fn(&pgUnitOfWork{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

type pgUnitOfWork struct {
	tx pgx.Tx
}

func (u *pgUnitOfWork) Accounts() AccountStore    { return &pgAccounts{db: u.tx} }
func (u *pgUnitOfWork) Ledger() TransactionLedger { return &pgLedger{db: u.tx} }

// pgAccounts implements AccountStore and AccountDirectory.
type pgAccounts struct {
	db dbtx
}

const accountColumns = "id, holder_name, balance::text, status, version, last_updated"

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var (
		acct       domain.Account
		balanceStr string
		status     string
	)
	if err := row.Scan(&acct.ID, &acct.HolderName, &balanceStr, &status, &acct.Version, &acct.LastUpdated); err != nil {
		return nil, err
	}
	balance, err := decimal.NewFromString(balanceStr)
	if err != nil {
		return nil, fmt.Errorf("malformed balance %q: %w", balanceStr, err)
	}
	acct.Balance = balance
	acct.Status = domain.AccountStatus(status)
	return &acct, nil
}

func (r *pgAccounts) LoadForUpdate(ctx context.Context, id string) (*domain.Account, error) {
	row := r.db.QueryRow(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE id = $1 FOR UPDATE", id)
	acct, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, id)
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgLockNotAvailable {
			return nil, fmt.Errorf("%w: account %s", domain.ErrLockTimeout, id)
		}
		return nil, fmt.Errorf("account lock failed: %w", err)
	}
	return acct, nil
}

func (r *pgAccounts) Save(ctx context.Context, acct *domain.Account) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE accounts
		SET holder_name = $2, balance = $3, status = $4, version = $5, last_updated = $6
		WHERE id = $1 AND version = $7
	`, acct.ID, acct.HolderName, acct.Balance.StringFixed(2), string(acct.Status), acct.Version, acct.LastUpdated, acct.Version-1)
	if err != nil {
		return fmt.Errorf("account save failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		exists, existsErr := r.ExistsByID(ctx, acct.ID)
		if existsErr != nil {
			return existsErr
		}
		if !exists {
			return fmt.Errorf("%w: %s", domain.ErrAccountNotFound, acct.ID)
		}
		return fmt.Errorf("%w: account %s at version %d", domain.ErrStorageConflict, acct.ID, acct.Version-1)
	}
	return nil
}

func (r *pgAccounts) ExistsByID(ctx context.Context, id string) (bool, error) {
	var exists bool
	if err := r.db.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)", id).Scan(&exists); err != nil {
		return false, fmt.Errorf("account existence check failed: %w", err)
	}
	return exists, nil
}

func (r *pgAccounts) Create(ctx context.Context, acct *domain.Account) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO accounts (id, holder_name, balance, status, version, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, acct.ID, acct.HolderName, acct.Balance.StringFixed(2), string(acct.Status), acct.Version, acct.LastUpdated)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("%w: %s", ErrAccountExists, acct.ID)
		}
		return fmt.Errorf("account create failed: %w", err)
	}
	return nil
}

func (r *pgAccounts) Get(ctx context.Context, id string) (*domain.Account, error) {
	row := r.db.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = $1", id)
	acct, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, id)
		}
		return nil, fmt.Errorf("account read failed: %w", err)
	}
	return acct, nil
}

func (r *pgAccounts) List(ctx context.Context) ([]*domain.Account, error) {
	rows, err := r.db.Query(ctx, "SELECT "+accountColumns+" FROM accounts ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("account list failed: %w", err)
	}
	defer rows.Close()

	var accounts []*domain.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acct)
	}
	return accounts, rows.Err()
}

func (r *pgAccounts) UpdateStatus(ctx context.Context, id string, status domain.AccountStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown account status %q", domain.ErrInvalidRequest, status)
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE accounts
		SET status = $2, version = version + 1, last_updated = NOW()
		WHERE id = $1
	`, id, string(status))
	if err != nil {
		return fmt.Errorf("account status update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrAccountNotFound, id)
	}
	return nil
}

// pgLedger implements TransactionLedger.
type pgLedger struct {
	db dbtx
}

const recordColumns = "id, from_account_id, to_account_id, amount::text, status, failure_reason, idempotency_key, created_on"

func scanRecord(row pgx.Row) (*domain.TransactionRecord, error) {
	var (
		rec       domain.TransactionRecord
		amountStr string
		status    string
	)
	if err := row.Scan(&rec.ID, &rec.FromAccountID, &rec.ToAccountID, &amountStr, &status, &rec.FailureReason, &rec.IdempotencyKey, &rec.CreatedOn); err != nil {
		return nil, err
	}
	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return nil, fmt.Errorf("malformed amount %q: %w", amountStr, err)
	}
	rec.Amount = amount
	rec.Status = domain.TransactionStatus(status)
	return &rec, nil
}

func (r *pgLedger) ClaimPending(ctx context.Context, key, fromID, toID string, amount decimal.Decimal) (*domain.TransactionRecord, error) {
	rec := &domain.TransactionRecord{
		ID:             uuid.New(),
		FromAccountID:  fromID,
		ToAccountID:    toID,
		Amount:         amount.Round(2),
		Status:         domain.TransactionPending,
		IdempotencyKey: key,
		CreatedOn:      time.Now().UTC(),
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO transaction_records (id, from_account_id, to_account_id, amount, status, idempotency_key, created_on)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rec.ID, rec.FromAccountID, rec.ToAccountID, rec.Amount.StringFixed(2), string(rec.Status), rec.IdempotencyKey, rec.CreatedOn)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, fmt.Errorf("%w: idempotency key %q", domain.ErrDuplicateTransfer, key)
		}
		return nil, fmt.Errorf("idempotency claim failed: %w", err)
	}
	return rec, nil
}

func (r *pgLedger) Finalize(ctx context.Context, recordID uuid.UUID, status domain.TransactionStatus, failureReason string) error {
	if !status.Terminal() {
		return fmt.Errorf("cannot finalize record %s to non-terminal status %s", recordID, status)
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE transaction_records
		SET status = $2, failure_reason = NULLIF($3, '')
		WHERE id = $1 AND status = $4
	`, recordID, string(status), failureReason, string(domain.TransactionPending))
	if err != nil {
		return fmt.Errorf("record finalize failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var current string
		err := r.db.QueryRow(ctx, "SELECT status FROM transaction_records WHERE id = $1", recordID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrRecordNotFound, recordID)
		}
		if err != nil {
			return fmt.Errorf("record finalize check failed: %w", err)
		}
		return fmt.Errorf("%w: %s is %s", ErrRecordFinalized, recordID, current)
	}
	return nil
}

func (r *pgLedger) FindByIdempotencyKey(ctx context.Context, key string) (*domain.TransactionRecord, error) {
	row := r.db.QueryRow(ctx,
		"SELECT "+recordColumns+" FROM transaction_records WHERE idempotency_key = $1", key)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: idempotency key %q", ErrRecordNotFound, key)
		}
		return nil, fmt.Errorf("record lookup failed: %w", err)
	}
	return rec, nil
}

func (r *pgLedger) FindByAccount(ctx context.Context, accountID string, filter domain.HistoryFilter) ([]*domain.TransactionRecord, int64, error) {
	where := make([]string, 0, 4)
	args := make([]any, 0, 6)
	argPos := 1

	switch filter.Direction {
	case domain.DirectionSent:
		where = append(where, fmt.Sprintf("from_account_id = $%d", argPos))
		args = append(args, accountID)
		argPos++
	case domain.DirectionReceived:
		where = append(where, fmt.Sprintf("to_account_id = $%d", argPos))
		args = append(args, accountID)
		argPos++
	default:
		where = append(where, fmt.Sprintf("(from_account_id = $%d OR to_account_id = $%d)", argPos, argPos))
		args = append(args, accountID)
		argPos++
	}
	if filter.Status != "" {
		where = append(where, fmt.Sprintf("status = $%d", argPos))
		args = append(args, string(filter.Status))
		argPos++
	}
	if filter.From != nil {
		where = append(where, fmt.Sprintf("created_on >= $%d", argPos))
		args = append(args, *filter.From)
		argPos++
	}
	if filter.To != nil {
		where = append(where, fmt.Sprintf("created_on <= $%d", argPos))
		args = append(args, *filter.To)
		argPos++
	}
	clause := strings.Join(where, " AND ")

	var total int64
	if err := r.db.QueryRow(ctx,
		"SELECT COUNT(*) FROM transaction_records WHERE "+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("history count failed: %w", err)
	}

	limit, offset := pageBounds(filter)
	query := fmt.Sprintf(
		"SELECT %s FROM transaction_records WHERE %s ORDER BY created_on DESC LIMIT $%d OFFSET $%d",
		recordColumns, clause, argPos, argPos+1)
	args = append(args, limit, offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("history query failed: %w", err)
	}
	defer rows.Close()

	var records []*domain.TransactionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		records = append(records, rec)
	}
	return records, total, rows.Err()
}

func (r *pgLedger) ExpireStalePending(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE transaction_records
		SET status = $1, failure_reason = 'expired by pending housekeeping'
		WHERE status = $2 AND created_on < $3
	`, string(domain.TransactionFailed), string(domain.TransactionPending), cutoff)
	if err != nil {
		return 0, fmt.Errorf("pending expiry failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// pageBounds translates the normalized paging inputs into query bounds,
// shared by the ledger implementations.
func pageBounds(filter domain.HistoryFilter) (limit, offset int) {
	page, size := filter.PageBounds()
	return size, page * size
}
