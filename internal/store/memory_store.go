/**
 * @description
 * This file provides an in-memory implementation of the Store contract,
 * used by the test suite and as a reference deployment without Postgres.
 * Exclusivity is optimistic: LoadForUpdate hands out clones and Save is a
 * version-checked compare-and-swap that fails with
 * domain.ErrStorageConflict on a lost race.
 *
 * @notes
 * - Each account has a capacity-1 lock channel. A unit of work holds every
 *   channel it acquired until WithinTx returns, so the ascending-id
 *   acquisition order used by the engine serializes opposing transfers
 *   exactly like FOR UPDATE row locks do. Acquisition waits are bounded by
 *   lockWait and fail with domain.ErrLockTimeout.
 * - Every canonical mutation goes through the lock channel, including the
 *   administrative UpdateStatus, so a directory write can never bump a
 *   version between the saves of an in-flight unit of work.
 * - There is no rollback: writes apply on Save. The engine orders its
 *   operations so that a failed attempt performs no Save at all.
 */

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mtsbank/transfer-service/internal/domain"
)

// MemoryStore implements Store with plain maps and per-account lock
// channels.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]*domain.Account
	locks    map[string]chan struct{}
	records  map[uuid.UUID]*domain.TransactionRecord
	byKey    map[string]uuid.UUID
	lockWait time.Duration
}

// NewMemoryStore creates an empty store. lockWait bounds how long a unit of
// work may block acquiring an account lock.
func NewMemoryStore(lockWait time.Duration) *MemoryStore {
	if lockWait <= 0 {
		lockWait = 3 * time.Second
	}
	return &MemoryStore{
		accounts: make(map[string]*domain.Account),
		locks:    make(map[string]chan struct{}),
		records:  make(map[uuid.UUID]*domain.TransactionRecord),
		byKey:    make(map[string]uuid.UUID),
		lockWait: lockWait,
	}
}

func (s *MemoryStore) Accounts() AccountStore      { return &memAccounts{s: s} }
func (s *MemoryStore) Ledger() TransactionLedger   { return &memLedger{s: s} }
func (s *MemoryStore) Directory() AccountDirectory { return &memAccounts{s: s} }

// WithinTx runs fn with a unit of work that retains every account lock it
// acquires until fn returns.
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(tx UnitOfWork) error) error {
	uow := &memUnitOfWork{s: s, held: make(map[string]chan struct{})}
	defer uow.releaseAll()
	return fn(uow)
}

func (s *MemoryStore) lockChan(id string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.locks[id]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[id] = ch
	}
	return ch
}

func (s *MemoryStore) acquire(ctx context.Context, id string) (chan struct{}, error) {
	ch := s.lockChan(id)
	select {
	case ch <- struct{}{}:
		return ch, nil
	case <-time.After(s.lockWait):
		return nil, fmt.Errorf("%w: account %s", domain.ErrLockTimeout, id)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: account %s: %v", domain.ErrLockTimeout, id, ctx.Err())
	}
}

type memUnitOfWork struct {
	s    *MemoryStore
	held map[string]chan struct{}
}

func (u *memUnitOfWork) Accounts() AccountStore    { return &memAccounts{s: u.s, uow: u} }
func (u *memUnitOfWork) Ledger() TransactionLedger { return &memLedger{s: u.s} }

func (u *memUnitOfWork) releaseAll() {
	for _, ch := range u.held {
		<-ch
	}
	u.held = nil
}

// memAccounts implements AccountStore and AccountDirectory. With a non-nil
// uow, LoadForUpdate locks are held for the unit of work; without one the
// lock only covers the read itself, like a single auto-commit statement.
type memAccounts struct {
	s   *MemoryStore
	uow *memUnitOfWork
}

// lockAccount takes the account's lock channel. With a unit of work the
// lock stays held until WithinTx returns and the returned release is a
// no-op; without one the caller must invoke release when the statement is
// done.
func (r *memAccounts) lockAccount(ctx context.Context, id string) (release func(), err error) {
	if r.uow != nil {
		if _, alreadyHeld := r.uow.held[id]; !alreadyHeld {
			ch, err := r.s.acquire(ctx, id)
			if err != nil {
				return nil, err
			}
			r.uow.held[id] = ch
		}
		return func() {}, nil
	}
	ch, err := r.s.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	return func() { <-ch }, nil
}

func (r *memAccounts) LoadForUpdate(ctx context.Context, id string) (*domain.Account, error) {
	release, err := r.lockAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	acct, ok := r.s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, id)
	}
	return acct.Clone(), nil
}

func (r *memAccounts) Save(ctx context.Context, acct *domain.Account) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	current, ok := r.s.accounts[acct.ID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrAccountNotFound, acct.ID)
	}
	if current.Version != acct.Version-1 {
		return fmt.Errorf("%w: account %s expected version %d, found %d",
			domain.ErrStorageConflict, acct.ID, acct.Version-1, current.Version)
	}
	r.s.accounts[acct.ID] = acct.Clone()
	return nil
}

func (r *memAccounts) ExistsByID(ctx context.Context, id string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	_, ok := r.s.accounts[id]
	return ok, nil
}

func (r *memAccounts) Create(ctx context.Context, acct *domain.Account) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.accounts[acct.ID]; ok {
		return fmt.Errorf("%w: %s", ErrAccountExists, acct.ID)
	}
	r.s.accounts[acct.ID] = acct.Clone()
	return nil
}

func (r *memAccounts) Get(ctx context.Context, id string) (*domain.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	acct, ok := r.s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, id)
	}
	return acct.Clone(), nil
}

func (r *memAccounts) List(ctx context.Context) ([]*domain.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	accounts := make([]*domain.Account, 0, len(r.s.accounts))
	for _, acct := range r.s.accounts {
		accounts = append(accounts, acct.Clone())
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].ID < accounts[j].ID })
	return accounts, nil
}

func (r *memAccounts) UpdateStatus(ctx context.Context, id string, status domain.AccountStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown account status %q", domain.ErrInvalidRequest, status)
	}
	// A status write is a canonical mutation and queues behind any unit of
	// work holding the account, exactly like a locked load would.
	release, err := r.lockAccount(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	acct, ok := r.s.accounts[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrAccountNotFound, id)
	}
	return acct.SetStatus(status)
}

// memLedger implements TransactionLedger.
type memLedger struct {
	s *MemoryStore
}

func cloneRecord(rec *domain.TransactionRecord) *domain.TransactionRecord {
	out := *rec
	if rec.FailureReason != nil {
		reason := *rec.FailureReason
		out.FailureReason = &reason
	}
	return &out
}

func (l *memLedger) ClaimPending(ctx context.Context, key, fromID, toID string, amount decimal.Decimal) (*domain.TransactionRecord, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	if _, ok := l.s.byKey[key]; ok {
		return nil, fmt.Errorf("%w: idempotency key %q", domain.ErrDuplicateTransfer, key)
	}
	rec := &domain.TransactionRecord{
		ID:             uuid.New(),
		FromAccountID:  fromID,
		ToAccountID:    toID,
		Amount:         amount.Round(2),
		Status:         domain.TransactionPending,
		IdempotencyKey: key,
		CreatedOn:      time.Now().UTC(),
	}
	l.s.records[rec.ID] = rec
	l.s.byKey[key] = rec.ID
	return cloneRecord(rec), nil
}

func (l *memLedger) Finalize(ctx context.Context, recordID uuid.UUID, status domain.TransactionStatus, failureReason string) error {
	if !status.Terminal() {
		return fmt.Errorf("cannot finalize record %s to non-terminal status %s", recordID, status)
	}
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	rec, ok := l.s.records[recordID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, recordID)
	}
	if rec.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrRecordFinalized, recordID, rec.Status)
	}
	rec.Status = status
	if failureReason != "" {
		rec.FailureReason = &failureReason
	} else {
		rec.FailureReason = nil
	}
	return nil
}

func (l *memLedger) FindByIdempotencyKey(ctx context.Context, key string) (*domain.TransactionRecord, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	id, ok := l.s.byKey[key]
	if !ok {
		return nil, fmt.Errorf("%w: idempotency key %q", ErrRecordNotFound, key)
	}
	return cloneRecord(l.s.records[id]), nil
}

func (l *memLedger) FindByAccount(ctx context.Context, accountID string, filter domain.HistoryFilter) ([]*domain.TransactionRecord, int64, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	var matched []*domain.TransactionRecord
	for _, rec := range l.s.records {
		switch filter.Direction {
		case domain.DirectionSent:
			if rec.FromAccountID != accountID {
				continue
			}
		case domain.DirectionReceived:
			if rec.ToAccountID != accountID {
				continue
			}
		default:
			if rec.FromAccountID != accountID && rec.ToAccountID != accountID {
				continue
			}
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		if filter.From != nil && rec.CreatedOn.Before(*filter.From) {
			continue
		}
		if filter.To != nil && rec.CreatedOn.After(*filter.To) {
			continue
		}
		matched = append(matched, rec)
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedOn.After(matched[j].CreatedOn) })
	total := int64(len(matched))

	limit, offset := pageBounds(filter)
	if offset >= len(matched) {
		return nil, total, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	page := make([]*domain.TransactionRecord, 0, end-offset)
	for _, rec := range matched[offset:end] {
		page = append(page, cloneRecord(rec))
	}
	return page, total, nil
}

func (l *memLedger) ExpireStalePending(ctx context.Context, cutoff time.Time) (int64, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	var expired int64
	reason := "expired by pending housekeeping"
	for _, rec := range l.s.records {
		if rec.Status == domain.TransactionPending && rec.CreatedOn.Before(cutoff) {
			rec.Status = domain.TransactionFailed
			failure := reason
			rec.FailureReason = &failure
			expired++
		}
	}
	return expired, nil
}
