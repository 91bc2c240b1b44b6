/**
 * @description
 * This file contains the HTTP handlers for the transfer-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application services, and writing the HTTP response. They act as
 * the bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/mtsbank/transfer-service/internal/app"
	"github.com/mtsbank/transfer-service/internal/domain"
	"github.com/mtsbank/transfer-service/internal/store"
)

// TransferHandlers holds the application services that handlers will use.
type TransferHandlers struct {
	engine   *app.TransferEngine
	accounts *app.AccountService
	history  *app.HistoryService
	limiter  *app.RedisRateLimiter

	jwtSecret      string
	jwtTTL         time.Duration
	transferPerMin int
}

// NewTransferHandlers creates a new instance of TransferHandlers. limiter may
// be nil when no Redis is configured.
func NewTransferHandlers(engine *app.TransferEngine, accounts *app.AccountService, history *app.HistoryService, limiter *app.RedisRateLimiter, jwtSecret string, jwtTTL time.Duration, transferPerMin int) *TransferHandlers {
	return &TransferHandlers{
		engine:         engine,
		accounts:       accounts,
		history:        history,
		limiter:        limiter,
		jwtSecret:      jwtSecret,
		jwtTTL:         jwtTTL,
		transferPerMin: transferPerMin,
	}
}

type transferRequestBody struct {
	FromAccountID  string `json:"from_account_id"`
	ToAccountID    string `json:"to_account_id"`
	Amount         string `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
}

type openAccountRequestBody struct {
	ID             string `json:"id"`
	HolderName     string `json:"holder_name"`
	OpeningBalance string `json:"opening_balance"`
}

type accountStatusRequestBody struct {
	Status string `json:"status"`
}

type tokenRequestBody struct {
	CallerID string `json:"caller_id"`
}

type accountResponse struct {
	ID          string    `json:"id"`
	HolderName  string    `json:"holder_name"`
	Balance     string    `json:"balance"`
	Status      string    `json:"status"`
	Version     int64     `json:"version"`
	LastUpdated time.Time `json:"last_updated"`
}

func buildAccountResponse(acct *domain.Account) accountResponse {
	return accountResponse{
		ID:          acct.ID,
		HolderName:  acct.HolderName,
		Balance:     acct.Balance.StringFixed(2),
		Status:      string(acct.Status),
		Version:     acct.Version,
		LastUpdated: acct.LastUpdated,
	}
}

// TransferHandler handles requests to move money between two accounts.
func (h *TransferHandlers) TransferHandler(w http.ResponseWriter, r *http.Request) {
	callerID, ok := GetCallerID(r.Context())
	if !ok {
		http.Error(w, "Could not get caller ID from context", http.StatusInternalServerError)
		return
	}

	if !h.consumeRateLimit(w, r, "transfer", callerID, h.transferPerMin) {
		return
	}

	var body transferRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		log.Printf("level=warn component=api endpoint=transfer outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	// The Idempotency-Key header is accepted as a fallback for clients that
	// prefer conveying the key out of band.
	key := strings.TrimSpace(body.IdempotencyKey)
	if key == "" {
		key = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(body.Amount))
	if err != nil {
		log.Printf("level=warn component=api endpoint=transfer outcome=reject reason=invalid_amount value=%q", body.Amount)
		h.writeError(w, http.StatusBadRequest, "Amount must be a decimal number")
		return
	}

	req := domain.TransferRequest{
		FromAccountID:  strings.TrimSpace(body.FromAccountID),
		ToAccountID:    strings.TrimSpace(body.ToAccountID),
		Amount:         amount,
		IdempotencyKey: key,
	}

	result, err := h.engine.Transfer(r.Context(), req)
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateTransfer) {
			transfersTotal.WithLabelValues("duplicate").Inc()
			h.writeDuplicate(w, r, key)
			return
		}
		transfersTotal.WithLabelValues("failed").Inc()
		h.writeDomainError(w, err)
		return
	}

	transfersTotal.WithLabelValues("success").Inc()
	h.writeJSON(w, http.StatusOK, result)
}

// writeDuplicate answers a replayed idempotency key with 409 plus the
// recorded outcome of the original attempt, when one exists.
func (h *TransferHandlers) writeDuplicate(w http.ResponseWriter, r *http.Request, key string) {
	rec, err := h.history.GetByIdempotencyKey(r.Context(), key)
	if err != nil {
		h.writeError(w, http.StatusConflict, "A transfer with this idempotency key is already in progress")
		return
	}
	h.writeJSON(w, http.StatusConflict, map[string]interface{}{
		"error":    "A transfer with this idempotency key was already submitted",
		"original": rec,
	})
}

// GetTransferHandler returns the recorded outcome for an idempotency key.
func (h *TransferHandlers) GetTransferHandler(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	rec, err := h.history.GetByIdempotencyKey(r.Context(), key)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			h.writeError(w, http.StatusNotFound, "No transfer recorded for this idempotency key")
			return
		}
		log.Printf("level=error component=api endpoint=get_transfer msg=\"outcome lookup failed\" key=%s err=%v", key, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to look up transfer")
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

// OpenAccountHandler creates a new account.
func (h *TransferHandlers) OpenAccountHandler(w http.ResponseWriter, r *http.Request) {
	var body openAccountRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	balance := decimal.Zero
	if strings.TrimSpace(body.OpeningBalance) != "" {
		parsed, err := decimal.NewFromString(strings.TrimSpace(body.OpeningBalance))
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "Opening balance must be a decimal number")
			return
		}
		balance = parsed
	}

	acct, err := h.accounts.OpenAccount(r.Context(), body.ID, body.HolderName, balance)
	if err != nil {
		if errors.Is(err, store.ErrAccountExists) {
			h.writeError(w, http.StatusConflict, "An account with this id already exists")
			return
		}
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, buildAccountResponse(acct))
}

// GetAccountHandler returns one account.
func (h *TransferHandlers) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	acct, err := h.accounts.GetAccount(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, buildAccountResponse(acct))
}

// ListAccountsHandler returns all accounts.
func (h *TransferHandlers) ListAccountsHandler(w http.ResponseWriter, r *http.Request) {
	accts, err := h.accounts.ListAccounts(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	out := make([]accountResponse, 0, len(accts))
	for _, acct := range accts {
		out = append(out, buildAccountResponse(acct))
	}
	h.writeJSON(w, http.StatusOK, out)
}

// SetAccountStatusHandler applies an administrative status change.
func (h *TransferHandlers) SetAccountStatusHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body accountStatusRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	status := domain.AccountStatus(strings.ToUpper(strings.TrimSpace(body.Status)))
	if err := h.accounts.SetAccountStatus(r.Context(), id, status); err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(status)})
}

// ListTransactionsHandler returns a filtered, paged transaction history for
// an account.
func (h *TransferHandlers) ListTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	filter, err := parseHistoryFilter(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	page, err := h.history.ListTransactions(r.Context(), id, filter)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, page)
}

// TokenHandler issues a short-lived bearer token for API access.
func (h *TransferHandlers) TokenHandler(w http.ResponseWriter, r *http.Request) {
	var body tokenRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	callerID := strings.TrimSpace(body.CallerID)
	if callerID == "" {
		h.writeError(w, http.StatusBadRequest, "caller_id is required")
		return
	}

	token, err := IssueToken(h.jwtSecret, callerID, h.jwtTTL)
	if err != nil {
		log.Printf("level=error component=api endpoint=token msg=\"token signing failed\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Unable to issue token")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":      token,
		"expires_in": int(h.jwtTTL.Seconds()),
	})
}

func parseHistoryFilter(r *http.Request) (domain.HistoryFilter, error) {
	var filter domain.HistoryFilter
	q := r.URL.Query()

	if raw := strings.TrimSpace(q.Get("from")); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, fmt.Errorf("from must be an RFC 3339 timestamp")
		}
		filter.From = &t
	}
	if raw := strings.TrimSpace(q.Get("to")); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, fmt.Errorf("to must be an RFC 3339 timestamp")
		}
		filter.To = &t
	}
	if raw := strings.ToUpper(strings.TrimSpace(q.Get("status"))); raw != "" {
		status := domain.TransactionStatus(raw)
		switch status {
		case domain.TransactionPending, domain.TransactionSuccess, domain.TransactionFailed:
			filter.Status = status
		default:
			return filter, fmt.Errorf("status must be PENDING, SUCCESS or FAILED")
		}
	}
	if raw := strings.ToLower(strings.TrimSpace(q.Get("direction"))); raw != "" {
		direction := domain.HistoryDirection(raw)
		switch direction {
		case domain.DirectionSent, domain.DirectionReceived, domain.DirectionEither:
			filter.Direction = direction
		default:
			return filter, fmt.Errorf("direction must be sent, received or either")
		}
	}
	if raw := strings.TrimSpace(q.Get("page")); raw != "" {
		page, err := strconv.Atoi(raw)
		if err != nil || page < 0 {
			return filter, fmt.Errorf("page must be a non-negative integer")
		}
		filter.Page = page
	}
	if raw := strings.TrimSpace(q.Get("size")); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil || size <= 0 {
			return filter, fmt.Errorf("size must be a positive integer")
		}
		filter.Size = size
	}
	return filter, nil
}

// consumeRateLimit enforces the per-caller transfer rate limit. It returns
// false after writing a 429 response when the limit is exceeded.
func (h *TransferHandlers) consumeRateLimit(w http.ResponseWriter, r *http.Request, scope, subject string, limit int) bool {
	if h.limiter == nil || limit <= 0 {
		return true
	}
	count, retryAfter, err := h.limiter.ConsumeRateLimit(r.Context(), scope, subject, limit, time.Minute)
	if err != nil {
		// Fail open: a broken limiter must not take the transfer path down.
		log.Printf("level=warn component=api msg=\"rate limiter unavailable\" scope=%s err=%v", scope, err)
		return true
	}
	if count > limit {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		h.writeError(w, http.StatusTooManyRequests, "Too many transfer requests. Please slow down and retry.")
		return false
	}
	return true
}

// writeDomainError translates a domain error into an HTTP status code.
func (h *TransferHandlers) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest), errors.Is(err, domain.ErrInvalidAmount):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrDuplicateTransfer):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrAccountNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrAccountNotActive), errors.Is(err, domain.ErrInsufficientBalance):
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, domain.ErrLockTimeout), errors.Is(err, domain.ErrStorageConflict):
		w.Header().Set("Retry-After", "1")
		h.writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, store.ErrRecordNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	default:
		log.Printf("level=error component=api msg=\"unhandled error\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// writeJSON is a helper for writing JSON responses.
func (h *TransferHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *TransferHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
