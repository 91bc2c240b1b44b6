package domain

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", s, err)
	}
	return d
}

func TestNewAccountValidation(t *testing.T) {
	if _, err := NewAccount("", "Ada", decimal.Zero); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("blank id: got %v, want ErrInvalidRequest", err)
	}
	if _, err := NewAccount("ACC-1", "  ", decimal.Zero); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("blank holder: got %v, want ErrInvalidRequest", err)
	}
	if _, err := NewAccount("ACC-1", "Ada", mustDecimal(t, "-0.01")); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("negative opening balance: got %v, want ErrInvalidAmount", err)
	}

	acct, err := NewAccount("ACC-1", "Ada", mustDecimal(t, "10.005"))
	if err != nil {
		t.Fatalf("NewAccount: %v", err)
	}
	if acct.Status != AccountActive {
		t.Errorf("status = %s, want ACTIVE", acct.Status)
	}
	if acct.Version != 1 {
		t.Errorf("version = %d, want 1", acct.Version)
	}
	// Scale-2 normalization rounds half away from zero.
	if got := acct.Balance.StringFixed(2); got != "10.01" {
		t.Errorf("balance = %s, want 10.01", got)
	}
}

func TestDebitInvariants(t *testing.T) {
	acct, _ := NewAccount("ACC-1", "Ada", mustDecimal(t, "100.00"))

	if err := acct.Debit(mustDecimal(t, "0")); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("zero debit: got %v, want ErrInvalidAmount", err)
	}
	if err := acct.Debit(mustDecimal(t, "100.01")); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("overdraft: got %v, want ErrInsufficientBalance", err)
	}
	if got := acct.Balance.StringFixed(2); got != "100.00" {
		t.Errorf("failed debit mutated balance: %s", got)
	}

	versionBefore := acct.Version
	if err := acct.Debit(mustDecimal(t, "100.00")); err != nil {
		t.Fatalf("debit to zero: %v", err)
	}
	if got := acct.Balance.StringFixed(2); got != "0.00" {
		t.Errorf("balance = %s, want 0.00", got)
	}
	if acct.Version != versionBefore+1 {
		t.Errorf("version = %d, want %d", acct.Version, versionBefore+1)
	}
}

func TestDebitRequiresActiveAccount(t *testing.T) {
	acct, _ := NewAccount("ACC-1", "Ada", mustDecimal(t, "50.00"))
	if err := acct.SetStatus(AccountLocked); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	if err := acct.Debit(mustDecimal(t, "1.00")); !errors.Is(err, ErrAccountNotActive) {
		t.Errorf("locked debit: got %v, want ErrAccountNotActive", err)
	}
	if err := acct.Credit(mustDecimal(t, "1.00")); !errors.Is(err, ErrAccountNotActive) {
		t.Errorf("locked credit: got %v, want ErrAccountNotActive", err)
	}
}

func TestCreditRounding(t *testing.T) {
	acct, _ := NewAccount("ACC-1", "Ada", mustDecimal(t, "0.00"))
	if err := acct.Credit(mustDecimal(t, "0.005")); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if got := acct.Balance.StringFixed(2); got != "0.01" {
		t.Errorf("balance = %s, want 0.01", got)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	acct, _ := NewAccount("ACC-1", "Ada", mustDecimal(t, "10.00"))
	clone := acct.Clone()

	if err := clone.Debit(mustDecimal(t, "5.00")); err != nil {
		t.Fatalf("clone debit: %v", err)
	}
	if got := acct.Balance.StringFixed(2); got != "10.00" {
		t.Errorf("original mutated through clone: %s", got)
	}
}

func TestTransferRequestValidate(t *testing.T) {
	base := TransferRequest{
		FromAccountID:  "ACC-1",
		ToAccountID:    "ACC-2",
		Amount:         mustDecimal(t, "5.00"),
		IdempotencyKey: "key-1",
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(r *TransferRequest)
	}{
		{"blank source", func(r *TransferRequest) { r.FromAccountID = " " }},
		{"blank destination", func(r *TransferRequest) { r.ToAccountID = "" }},
		{"same account", func(r *TransferRequest) { r.ToAccountID = r.FromAccountID }},
		{"zero amount", func(r *TransferRequest) { r.Amount = decimal.Zero }},
		{"negative amount", func(r *TransferRequest) { r.Amount = mustDecimal(t, "-1") }},
		{"blank key", func(r *TransferRequest) { r.IdempotencyKey = "" }},
	}
	for _, tc := range cases {
		req := base
		tc.mutate(&req)
		if err := req.Validate(); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("%s: got %v, want ErrInvalidRequest", tc.name, err)
		}
	}
}
