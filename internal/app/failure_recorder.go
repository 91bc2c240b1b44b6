/**
 * @description
 * This file contains the FailureRecorder, the collaborator that persists
 * FAILED transaction records in a unit of work independent of the transfer
 * attempt that produced the failure. Even when the attempt's own
 * transaction rolls back (or its context is already cancelled), the FAILED
 * outcome still reaches the ledger so the idempotency key is never left
 * dangling in PENDING.
 */

package app

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/mtsbank/transfer-service/internal/domain"
	"github.com/mtsbank/transfer-service/internal/store"
)

// FailureRecorder finalizes failed transfer attempts through the store's
// pool-level ledger, outside any caller transaction.
type FailureRecorder struct {
	store   store.Store
	timeout time.Duration
}

// NewFailureRecorder creates a recorder. timeout bounds the independent
// recording unit of work; zero selects a default.
func NewFailureRecorder(st store.Store, timeout time.Duration) *FailureRecorder {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &FailureRecorder{store: st, timeout: timeout}
}

// RecordFailure durably marks the attempt for req's idempotency key as
// FAILED with the given reason. If a PENDING record already exists it is
// finalized in place; if none exists one is claimed first; if the record is
// already terminal this is a no-op. Recording errors are logged, not
// returned: the original transfer error must reach the caller regardless.
func (f *FailureRecorder) RecordFailure(ctx context.Context, req domain.TransferRequest, reason string) {
	// Detach from the caller's cancellation: a LockTimeout often arrives
	// with an expired context, and the FAILED record must land anyway.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
	defer cancel()

	ledger := f.store.Ledger()

	rec, err := ledger.FindByIdempotencyKey(ctx, req.IdempotencyKey)
	if errors.Is(err, store.ErrRecordNotFound) {
		rec, err = ledger.ClaimPending(ctx, req.IdempotencyKey, req.FromAccountID, req.ToAccountID, req.Amount)
		if errors.Is(err, domain.ErrDuplicateTransfer) {
			// Lost a claim race; the winner's record is the one to finalize.
			rec, err = ledger.FindByIdempotencyKey(ctx, req.IdempotencyKey)
		}
	}
	if err != nil {
		log.Printf("level=error component=failure_recorder msg=\"could not resolve record\" idempotency_key=%s err=%v", req.IdempotencyKey, err)
		return
	}
	if rec.Status.Terminal() {
		return
	}

	if err := ledger.Finalize(ctx, rec.ID, domain.TransactionFailed, reason); err != nil && !errors.Is(err, store.ErrRecordFinalized) {
		log.Printf("level=error component=failure_recorder msg=\"failure finalization failed\" transaction_id=%s err=%v", rec.ID, err)
		return
	}
	log.Printf("level=info component=failure_recorder outcome=recorded transaction_id=%s reason=%q", rec.ID, reason)
}
