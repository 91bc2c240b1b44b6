/**
 * @description
 * This file defines the typed error taxonomy for the transfer engine. Every
 * failure a transfer can produce is one of these sentinels (possibly wrapped
 * with additional context via fmt.Errorf and %w), so callers and the HTTP
 * layer can classify outcomes with errors.Is without string matching.
 *
 * @notes
 * - Business-rule errors (not found, not active, insufficient balance) are
 *   recorded as FAILED transaction records before being returned.
 * - ErrLockTimeout and ErrStorageConflict are infrastructure contention
 *   errors and are safe for the caller to retry with the same idempotency key.
 */

package domain

import "errors"

var (
	// ErrInvalidRequest marks a structurally invalid transfer request
	// (same account on both sides, non-positive amount, blank idempotency
	// key). Rejected before any side effect; no record is written.
	ErrInvalidRequest = errors.New("invalid transfer request")

	// ErrDuplicateTransfer is returned when the idempotency key has already
	// been claimed by an earlier attempt.
	ErrDuplicateTransfer = errors.New("duplicate transfer request")

	// ErrAccountNotFound is returned when either side of the transfer does
	// not exist.
	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountNotActive is returned when either account is LOCKED or
	// CLOSED. Only ACTIVE accounts may debit or credit.
	ErrAccountNotActive = errors.New("account is not active")

	// ErrInvalidAmount is returned by Account.Debit/Credit for a missing or
	// non-positive amount.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrInsufficientBalance is returned when the source account cannot
	// cover the transfer amount.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrLockTimeout is returned when the account row locks could not be
	// acquired within the configured wait. Retriable.
	ErrLockTimeout = errors.New("timed out waiting for account locks")

	// ErrStorageConflict is returned when a version-checked save detects a
	// concurrent mutation. Retriable.
	ErrStorageConflict = errors.New("storage version conflict")

	// ErrTransferFailed wraps unexpected internal errors caught at the
	// engine boundary so callers never see raw driver failures.
	ErrTransferFailed = errors.New("transfer failed due to an internal error")
)
