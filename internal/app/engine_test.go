package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mtsbank/transfer-service/internal/domain"
	"github.com/mtsbank/transfer-service/internal/store"
)

func newTestEngine(t *testing.T) (*TransferEngine, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore(200 * time.Millisecond)
	recorder := NewFailureRecorder(st, time.Second)
	return NewTransferEngine(st, recorder, nil), st
}

func seedAccount(t *testing.T, st *store.MemoryStore, id, balance string) {
	t.Helper()
	acct, err := domain.NewAccount(id, "Holder "+id, decimal.RequireFromString(balance))
	if err != nil {
		t.Fatalf("NewAccount: %v", err)
	}
	if err := st.Directory().Create(context.Background(), acct); err != nil {
		t.Fatalf("Create: %v", err)
	}
}

func accountBalance(t *testing.T, st *store.MemoryStore, id string) string {
	t.Helper()
	acct, err := st.Directory().Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get %s: %v", id, err)
	}
	return acct.Balance.StringFixed(2)
}

func recordByKey(t *testing.T, st *store.MemoryStore, key string) *domain.TransactionRecord {
	t.Helper()
	rec, err := st.Ledger().FindByIdempotencyKey(context.Background(), key)
	if err != nil {
		t.Fatalf("FindByIdempotencyKey %s: %v", key, err)
	}
	return rec
}

func transferReq(from, to, amount, key string) domain.TransferRequest {
	return domain.TransferRequest{
		FromAccountID:  from,
		ToAccountID:    to,
		Amount:         decimal.RequireFromString(amount),
		IdempotencyKey: key,
	}
}

func TestTransferMovesMoneyAndRecordsSuccess(t *testing.T) {
	engine, st := newTestEngine(t)
	seedAccount(t, st, "ACC-A", "100.00")
	seedAccount(t, st, "ACC-B", "50.00")

	result, err := engine.Transfer(context.Background(), transferReq("ACC-A", "ACC-B", "30.00", "key-1"))
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if result.Status != string(domain.TransactionSuccess) {
		t.Errorf("result status = %s, want SUCCESS", result.Status)
	}
	if got := accountBalance(t, st, "ACC-A"); got != "70.00" {
		t.Errorf("source balance = %s, want 70.00", got)
	}
	if got := accountBalance(t, st, "ACC-B"); got != "80.00" {
		t.Errorf("destination balance = %s, want 80.00", got)
	}

	rec := recordByKey(t, st, "key-1")
	if rec.Status != domain.TransactionSuccess {
		t.Errorf("record status = %s, want SUCCESS", rec.Status)
	}
	if rec.FailureReason != nil {
		t.Errorf("record failure reason = %q, want nil", *rec.FailureReason)
	}
}

func TestTransferInsufficientBalanceLeavesAccountsUntouched(t *testing.T) {
	engine, st := newTestEngine(t)
	seedAccount(t, st, "ACC-A", "10.00")
	seedAccount(t, st, "ACC-B", "0.00")

	_, err := engine.Transfer(context.Background(), transferReq("ACC-A", "ACC-B", "10.01", "key-1"))
	if !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("Transfer: got %v, want ErrInsufficientBalance", err)
	}
	if got := accountBalance(t, st, "ACC-A"); got != "10.00" {
		t.Errorf("source balance = %s, want 10.00", got)
	}
	if got := accountBalance(t, st, "ACC-B"); got != "0.00" {
		t.Errorf("destination balance = %s, want 0.00", got)
	}

	rec := recordByKey(t, st, "key-1")
	if rec.Status != domain.TransactionFailed {
		t.Errorf("record status = %s, want FAILED", rec.Status)
	}
	if rec.FailureReason == nil {
		t.Error("failed record has no failure reason")
	}
}

func TestTransferExactBalanceSucceeds(t *testing.T) {
	engine, st := newTestEngine(t)
	seedAccount(t, st, "ACC-A", "25.00")
	seedAccount(t, st, "ACC-B", "0.00")

	if _, err := engine.Transfer(context.Background(), transferReq("ACC-A", "ACC-B", "25.00", "key-1")); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if got := accountBalance(t, st, "ACC-A"); got != "0.00" {
		t.Errorf("source balance = %s, want 0.00", got)
	}
	if got := accountBalance(t, st, "ACC-B"); got != "25.00" {
		t.Errorf("destination balance = %s, want 25.00", got)
	}
}

func TestTransferDuplicateKeyIsRejectedWithoutSecondMovement(t *testing.T) {
	engine, st := newTestEngine(t)
	seedAccount(t, st, "ACC-A", "100.00")
	seedAccount(t, st, "ACC-B", "0.00")

	if _, err := engine.Transfer(context.Background(), transferReq("ACC-A", "ACC-B", "10.00", "key-1")); err != nil {
		t.Fatalf("first transfer: %v", err)
	}
	_, err := engine.Transfer(context.Background(), transferReq("ACC-A", "ACC-B", "10.00", "key-1"))
	if !errors.Is(err, domain.ErrDuplicateTransfer) {
		t.Fatalf("retry: got %v, want ErrDuplicateTransfer", err)
	}

	if got := accountBalance(t, st, "ACC-A"); got != "90.00" {
		t.Errorf("source balance = %s, want 90.00 (moved exactly once)", got)
	}
	rec := recordByKey(t, st, "key-1")
	if rec.Status != domain.TransactionSuccess {
		t.Errorf("record status = %s, want SUCCESS preserved after retry", rec.Status)
	}
}

func TestTransferRejectsInactiveAccounts(t *testing.T) {
	engine, st := newTestEngine(t)
	seedAccount(t, st, "ACC-A", "100.00")
	seedAccount(t, st, "ACC-B", "0.00")
	if err := st.Directory().UpdateStatus(context.Background(), "ACC-B", domain.AccountLocked); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	_, err := engine.Transfer(context.Background(), transferReq("ACC-A", "ACC-B", "10.00", "key-1"))
	if !errors.Is(err, domain.ErrAccountNotActive) {
		t.Fatalf("Transfer: got %v, want ErrAccountNotActive", err)
	}
	if got := accountBalance(t, st, "ACC-A"); got != "100.00" {
		t.Errorf("source balance = %s, want 100.00", got)
	}
	rec := recordByKey(t, st, "key-1")
	if rec.Status != domain.TransactionFailed {
		t.Errorf("record status = %s, want FAILED", rec.Status)
	}
}

func TestTransferRejectsMissingAccount(t *testing.T) {
	engine, st := newTestEngine(t)
	seedAccount(t, st, "ACC-A", "100.00")

	_, err := engine.Transfer(context.Background(), transferReq("ACC-A", "ACC-GHOST", "10.00", "key-1"))
	if !errors.Is(err, domain.ErrAccountNotFound) {
		t.Fatalf("Transfer: got %v, want ErrAccountNotFound", err)
	}
	rec := recordByKey(t, st, "key-1")
	if rec.Status != domain.TransactionFailed {
		t.Errorf("record status = %s, want FAILED", rec.Status)
	}
}

func TestTransferValidatesBeforeClaiming(t *testing.T) {
	engine, st := newTestEngine(t)
	seedAccount(t, st, "ACC-A", "100.00")

	_, err := engine.Transfer(context.Background(), transferReq("ACC-A", "ACC-A", "10.00", "key-1"))
	if !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("Transfer: got %v, want ErrInvalidRequest", err)
	}

	// Structural rejection must leave no trace in the ledger.
	if _, err := st.Ledger().FindByIdempotencyKey(context.Background(), "key-1"); !errors.Is(err, store.ErrRecordNotFound) {
		t.Errorf("ledger lookup: got %v, want ErrRecordNotFound", err)
	}
}

func TestTransferNormalizesAmountScale(t *testing.T) {
	engine, st := newTestEngine(t)
	seedAccount(t, st, "ACC-A", "100.00")
	seedAccount(t, st, "ACC-B", "0.00")

	result, err := engine.Transfer(context.Background(), transferReq("ACC-A", "ACC-B", "10.005", "key-1"))
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if got := result.Amount.StringFixed(2); got != "10.01" {
		t.Errorf("result amount = %s, want 10.01", got)
	}
	if got := accountBalance(t, st, "ACC-A"); got != "89.99" {
		t.Errorf("source balance = %s, want 89.99", got)
	}
}

// saveFailStore wraps a MemoryStore so that every account save inside a unit
// of work fails with an error outside the failure taxonomy.
type saveFailStore struct {
	*store.MemoryStore
}

func (s *saveFailStore) WithinTx(ctx context.Context, fn func(tx store.UnitOfWork) error) error {
	return s.MemoryStore.WithinTx(ctx, func(tx store.UnitOfWork) error {
		return fn(&saveFailUnitOfWork{tx})
	})
}

type saveFailUnitOfWork struct {
	store.UnitOfWork
}

func (u *saveFailUnitOfWork) Accounts() store.AccountStore {
	return &saveFailAccounts{u.UnitOfWork.Accounts()}
}

type saveFailAccounts struct {
	store.AccountStore
}

func (a *saveFailAccounts) Save(ctx context.Context, acct *domain.Account) error {
	return errors.New("disk full")
}

func TestTransferMasksUnknownErrors(t *testing.T) {
	base := store.NewMemoryStore(200 * time.Millisecond)
	st := &saveFailStore{base}
	engine := NewTransferEngine(st, NewFailureRecorder(st, time.Second), nil)
	seedAccount(t, base, "ACC-A", "100.00")
	seedAccount(t, base, "ACC-B", "0.00")

	_, err := engine.Transfer(context.Background(), transferReq("ACC-A", "ACC-B", "10.00", "key-1"))
	if !errors.Is(err, domain.ErrTransferFailed) {
		t.Fatalf("Transfer: got %v, want ErrTransferFailed", err)
	}

	// The raw storage error must not leak to the caller.
	rec := recordByKey(t, base, "key-1")
	if rec.Status != domain.TransactionFailed {
		t.Errorf("record status = %s, want FAILED", rec.Status)
	}
	if rec.FailureReason == nil || *rec.FailureReason != "internal error during transfer execution" {
		t.Errorf("failure reason = %v, want generic internal reason", rec.FailureReason)
	}
}

func TestRecordFailureSurvivesCancelledContext(t *testing.T) {
	st := store.NewMemoryStore(200 * time.Millisecond)
	recorder := NewFailureRecorder(st, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := transferReq("ACC-A", "ACC-B", "10.00", "key-1")
	recorder.RecordFailure(ctx, req, "lock wait exceeded")

	rec, err := st.Ledger().FindByIdempotencyKey(context.Background(), "key-1")
	if err != nil {
		t.Fatalf("FindByIdempotencyKey: %v", err)
	}
	if rec.Status != domain.TransactionFailed {
		t.Errorf("record status = %s, want FAILED", rec.Status)
	}
	if rec.FailureReason == nil || *rec.FailureReason != "lock wait exceeded" {
		t.Errorf("failure reason = %v, want lock wait exceeded", rec.FailureReason)
	}
}

func TestRecordFailureDoesNotOverwriteTerminalRecord(t *testing.T) {
	st := store.NewMemoryStore(200 * time.Millisecond)
	recorder := NewFailureRecorder(st, time.Second)
	ctx := context.Background()

	rec, err := st.Ledger().ClaimPending(ctx, "key-1", "ACC-A", "ACC-B", decimal.RequireFromString("10.00"))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := st.Ledger().Finalize(ctx, rec.ID, domain.TransactionSuccess, ""); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	recorder.RecordFailure(ctx, transferReq("ACC-A", "ACC-B", "10.00", "key-1"), "late failure")

	got, err := st.Ledger().FindByIdempotencyKey(ctx, "key-1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.Status != domain.TransactionSuccess {
		t.Errorf("record status = %s, want SUCCESS preserved", got.Status)
	}
}
