package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mtsbank/transfer-service/internal/app"
	"github.com/mtsbank/transfer-service/internal/domain"
	"github.com/mtsbank/transfer-service/internal/store"
)

const testSecret = "test-signing-secret"

func newTestServer(t *testing.T) (http.Handler, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore(200 * time.Millisecond)
	recorder := app.NewFailureRecorder(st, time.Second)
	engine := app.NewTransferEngine(st, recorder, nil)
	accounts := app.NewAccountService(st.Directory())
	history := app.NewHistoryService(st)

	handlers := NewTransferHandlers(engine, accounts, history, nil, testSecret, time.Minute, 0)
	return TransferRoutes(handlers, testSecret), st
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

func issueTestToken(t *testing.T, router http.Handler) string {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/auth/token", bytes.NewBufferString(`{"caller_id":"tester"}`))
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("token request: status %d body %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("token decode: %v", err)
	}
	if body.Token == "" {
		t.Fatal("empty token issued")
	}
	return body.Token
}

func doJSON(t *testing.T, router http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != "" {
		reqBody = bytes.NewBufferString(body)
	} else {
		reqBody = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reqBody)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestTransferRequiresAuth(t *testing.T) {
	router, _ := newTestServer(t)
	rec := doJSON(t, router, http.MethodPost, "/transfers", "", `{}`)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestTransferEndToEnd(t *testing.T) {
	router, st := newTestServer(t)
	token := issueTestToken(t, router)
	seedAccount(t, st, "ACC-A", "100.00")
	seedAccount(t, st, "ACC-B", "0.00")

	rec := doJSON(t, router, http.MethodPost, "/transfers", token,
		`{"from_account_id":"ACC-A","to_account_id":"ACC-B","amount":"25.00","idempotency_key":"key-1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var result domain.TransferResult
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.TransactionID == "" || result.Status != "SUCCESS" {
		t.Errorf("result = %+v, want SUCCESS with transaction id", result)
	}

	acct, err := st.Directory().Get(context.Background(), "ACC-A")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := acct.Balance.StringFixed(2); got != "75.00" {
		t.Errorf("source balance = %s, want 75.00", got)
	}

	// Replaying the key answers 409 with the original outcome.
	rec = doJSON(t, router, http.MethodPost, "/transfers", token,
		`{"from_account_id":"ACC-A","to_account_id":"ACC-B","amount":"25.00","idempotency_key":"key-1"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("replay status = %d, want 409", rec.Code)
	}
	var conflict struct {
		Original *domain.TransactionRecord `json:"original"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&conflict); err != nil {
		t.Fatalf("conflict decode: %v", err)
	}
	if conflict.Original == nil || conflict.Original.Status != domain.TransactionSuccess {
		t.Errorf("conflict original = %+v, want recorded SUCCESS", conflict.Original)
	}
}

func TestTransferIdempotencyKeyHeaderFallback(t *testing.T) {
	router, st := newTestServer(t)
	token := issueTestToken(t, router)
	seedAccount(t, st, "ACC-A", "100.00")
	seedAccount(t, st, "ACC-B", "0.00")

	req := httptest.NewRequest(http.MethodPost, "/transfers",
		bytes.NewBufferString(`{"from_account_id":"ACC-A","to_account_id":"ACC-B","amount":"5.00"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Idempotency-Key", "header-key")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	if _, err := st.Ledger().FindByIdempotencyKey(context.Background(), "header-key"); err != nil {
		t.Errorf("record for header key not found: %v", err)
	}
}

func TestTransferErrorTranslation(t *testing.T) {
	router, st := newTestServer(t)
	token := issueTestToken(t, router)
	seedAccount(t, st, "ACC-A", "10.00")
	seedAccount(t, st, "ACC-B", "0.00")
	seedAccount(t, st, "ACC-LOCKED", "10.00")
	if err := st.Directory().UpdateStatus(context.Background(), "ACC-LOCKED", domain.AccountLocked); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	cases := []struct {
		name string
		body string
		want int
	}{
		{"malformed amount", `{"from_account_id":"ACC-A","to_account_id":"ACC-B","amount":"ten","idempotency_key":"k1"}`, http.StatusBadRequest},
		{"missing key", `{"from_account_id":"ACC-A","to_account_id":"ACC-B","amount":"1.00"}`, http.StatusBadRequest},
		{"same account", `{"from_account_id":"ACC-A","to_account_id":"ACC-A","amount":"1.00","idempotency_key":"k2"}`, http.StatusBadRequest},
		{"unknown account", `{"from_account_id":"ACC-A","to_account_id":"ACC-GHOST","amount":"1.00","idempotency_key":"k3"}`, http.StatusNotFound},
		{"insufficient balance", `{"from_account_id":"ACC-B","to_account_id":"ACC-A","amount":"1.00","idempotency_key":"k4"}`, http.StatusUnprocessableEntity},
		{"locked account", `{"from_account_id":"ACC-A","to_account_id":"ACC-LOCKED","amount":"1.00","idempotency_key":"k5"}`, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		rec := doJSON(t, router, http.MethodPost, "/transfers", token, tc.body)
		if rec.Code != tc.want {
			t.Errorf("%s: status = %d, want %d (body %s)", tc.name, rec.Code, tc.want, rec.Body.String())
		}
	}
}

func TestAccountLifecycleEndpoints(t *testing.T) {
	router, _ := newTestServer(t)
	token := issueTestToken(t, router)

	rec := doJSON(t, router, http.MethodPost, "/accounts", token,
		`{"id":"ACC-1","holder_name":"Ada Lovelace","opening_balance":"42.00"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body.String())
	}

	// Duplicate id conflicts.
	rec = doJSON(t, router, http.MethodPost, "/accounts", token,
		`{"id":"ACC-1","holder_name":"Ada Lovelace","opening_balance":"1.00"}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate create status = %d, want 409", rec.Code)
	}

	rec = doJSON(t, router, http.MethodGet, "/accounts/ACC-1", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var acct accountResponse
	if err := json.NewDecoder(rec.Body).Decode(&acct); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if acct.Balance != "42.00" || acct.Status != "ACTIVE" {
		t.Errorf("account = %+v, want balance 42.00 ACTIVE", acct)
	}

	rec = doJSON(t, router, http.MethodPut, "/accounts/ACC-1/status", token, `{"status":"closed"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status change = %d, body %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, router, http.MethodGet, "/accounts/ACC-1", token, "")
	if err := json.NewDecoder(rec.Body).Decode(&acct); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if acct.Status != "CLOSED" {
		t.Errorf("status = %s, want CLOSED", acct.Status)
	}

	rec = doJSON(t, router, http.MethodGet, "/accounts/ACC-GHOST", token, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing account status = %d, want 404", rec.Code)
	}
}

func TestGetTransferAndHistoryEndpoints(t *testing.T) {
	router, st := newTestServer(t)
	token := issueTestToken(t, router)
	seedAccount(t, st, "ACC-A", "100.00")
	seedAccount(t, st, "ACC-B", "0.00")

	rec := doJSON(t, router, http.MethodPost, "/transfers", token,
		`{"from_account_id":"ACC-A","to_account_id":"ACC-B","amount":"10.00","idempotency_key":"key-1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("transfer status = %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodGet, "/transfers/key-1", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get transfer status = %d", rec.Code)
	}
	var record domain.TransactionRecord
	if err := json.NewDecoder(rec.Body).Decode(&record); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if record.Status != domain.TransactionSuccess {
		t.Errorf("record status = %s, want SUCCESS", record.Status)
	}

	rec = doJSON(t, router, http.MethodGet, "/transfers/never-used", token, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown key status = %d, want 404", rec.Code)
	}

	rec = doJSON(t, router, http.MethodGet, "/accounts/ACC-A/transactions?direction=sent&status=SUCCESS", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("history status = %d, body %s", rec.Code, rec.Body.String())
	}
	var page domain.TransactionPage
	if err := json.NewDecoder(rec.Body).Decode(&page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if page.Total != 1 || len(page.Items) != 1 {
		t.Fatalf("history returned %d items (total %d), want 1", len(page.Items), page.Total)
	}
	if page.Items[0].Direction != "DEBIT" {
		t.Errorf("direction = %s, want DEBIT", page.Items[0].Direction)
	}

	rec = doJSON(t, router, http.MethodGet, "/accounts/ACC-A/transactions?direction=sideways", token, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad direction status = %d, want 400", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	router, _ := newTestServer(t)
	rec := doJSON(t, router, http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200", rec.Code)
	}
}

func TestTokenRequiresCallerID(t *testing.T) {
	router, _ := newTestServer(t)
	rec := doJSON(t, router, http.MethodPost, "/auth/token", "", `{"caller_id":"  "}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestIssueAndValidateToken(t *testing.T) {
	token, err := IssueToken(testSecret, "svc-a", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	var gotCaller string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCaller, _ = GetCallerID(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	handler := AuthMiddleware(testSecret)(next)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if gotCaller != "svc-a" {
		t.Errorf("caller = %q, want svc-a", gotCaller)
	}

	// A token signed with another secret is rejected.
	forged, err := IssueToken("other-secret", "svc-a", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("forged token status = %d, want 401", rec.Code)
	}
}
