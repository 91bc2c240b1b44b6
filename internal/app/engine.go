/**
 * @description
 * This file contains the transfer engine, the core business logic of the
 * service. One Transfer call drives one attempt through the states
 * claim -> validate -> execute -> record, and every attempt terminates in
 * exactly one SUCCESS or FAILED transaction record.
 *
 * Key properties:
 * - The idempotency claim is an atomic insert in its own unit of work, so a
 *   concurrent retry with the same key loses with ErrDuplicateTransfer
 *   before it can touch an account, and the claimed record survives a
 *   rollback of the execution step.
 * - Account locks are always acquired in ascending account-id order, so two
 *   opposing transfers between the same pair cannot deadlock.
 * - Debit strictly precedes credit, and both accounts are saved in the same
 *   unit of work as the SUCCESS finalization; a failure anywhere rolls the
 *   money movement back while FailureRecorder persists the FAILED outcome
 *   independently.
 *
 * @dependencies
 * - internal/store: AccountStore/TransactionLedger contracts.
 * - pkg/rabbitmq: optional outcome event publishing.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/shopspring/decimal"

	"github.com/mtsbank/transfer-service/internal/domain"
	"github.com/mtsbank/transfer-service/internal/store"
	"github.com/mtsbank/transfer-service/pkg/rabbitmq"
)

// TransferEventExchange is the topic exchange transfer outcome events are
// published to.
const TransferEventExchange = "transfer.events"

// TransferEngine orchestrates transfer attempts. All collaborators are
// supplied at construction; there are no package-level singletons.
type TransferEngine struct {
	store    store.Store
	failures *FailureRecorder
	events   rabbitmq.Publisher
}

// NewTransferEngine creates an engine. events may be nil when no broker is
// configured.
func NewTransferEngine(st store.Store, failures *FailureRecorder, events rabbitmq.Publisher) *TransferEngine {
	return &TransferEngine{store: st, failures: failures, events: events}
}

// Transfer moves req.Amount from the source to the destination account
// exactly once for the given idempotency key.
func (e *TransferEngine) Transfer(ctx context.Context, req domain.TransferRequest) (*domain.TransferResult, error) {
	// Structural validation happens before any I/O; a malformed request
	// leaves no trace in the ledger.
	if err := req.Validate(); err != nil {
		return nil, err
	}
	amount := req.Amount.Round(2)

	// Claim the idempotency key. The insert is atomic against concurrent
	// claims: exactly one attempt per key ever gets past this line.
	rec, err := e.store.Ledger().ClaimPending(ctx, req.IdempotencyKey, req.FromAccountID, req.ToAccountID, amount)
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateTransfer) {
			log.Printf("level=info component=engine outcome=duplicate idempotency_key=%s", req.IdempotencyKey)
			return nil, err
		}
		return nil, fmt.Errorf("idempotency claim failed: %w", err)
	}

	execErr := e.store.WithinTx(ctx, func(tx store.UnitOfWork) error {
		return e.execute(ctx, tx, rec, req, amount)
	})
	if execErr != nil {
		reason, known := classifyFailure(execErr)
		e.failures.RecordFailure(ctx, req, reason)
		e.publishOutcome(ctx, rec.ID.String(), req, string(domain.TransactionFailed), reason)
		if !known {
			log.Printf("level=error component=engine outcome=failed idempotency_key=%s err=%v", req.IdempotencyKey, execErr)
			return nil, fmt.Errorf("%w (key %s)", domain.ErrTransferFailed, req.IdempotencyKey)
		}
		log.Printf("level=warn component=engine outcome=failed idempotency_key=%s reason=%q", req.IdempotencyKey, reason)
		return nil, execErr
	}

	e.publishOutcome(ctx, rec.ID.String(), req, string(domain.TransactionSuccess), "")
	log.Printf("level=info component=engine outcome=success transaction_id=%s from=%s to=%s amount=%s",
		rec.ID, req.FromAccountID, req.ToAccountID, amount)

	return &domain.TransferResult{
		TransactionID: rec.ID.String(),
		Status:        string(domain.TransactionSuccess),
		DebitedFrom:   req.FromAccountID,
		CreditedTo:    req.ToAccountID,
		Amount:        amount,
	}, nil
}

// execute runs steps 3-6 of an attempt inside one unit of work.
func (e *TransferEngine) execute(ctx context.Context, tx store.UnitOfWork, rec *domain.TransactionRecord, req domain.TransferRequest, amount decimal.Decimal) error {
	accounts := tx.Accounts()

	// Lock in ascending account-id order regardless of direction.
	firstID, secondID := req.FromAccountID, req.ToAccountID
	if secondID < firstID {
		firstID, secondID = secondID, firstID
	}
	first, err := accounts.LoadForUpdate(ctx, firstID)
	if err != nil {
		return err
	}
	second, err := accounts.LoadForUpdate(ctx, secondID)
	if err != nil {
		return err
	}

	from, to := first, second
	if from.ID != req.FromAccountID {
		from, to = second, first
	}

	if !from.IsActive() {
		return fmt.Errorf("%w: source account %s is %s", domain.ErrAccountNotActive, from.ID, from.Status)
	}
	if !to.IsActive() {
		return fmt.Errorf("%w: destination account %s is %s", domain.ErrAccountNotActive, to.ID, to.Status)
	}
	if from.Balance.LessThan(amount) {
		return fmt.Errorf("%w: account %s holds %s, needs %s", domain.ErrInsufficientBalance, from.ID, from.Balance, amount)
	}

	// Debit strictly precedes credit so a mid-failure can never create
	// money.
	if err := from.Debit(amount); err != nil {
		return err
	}
	if err := to.Credit(amount); err != nil {
		return err
	}
	if err := accounts.Save(ctx, from); err != nil {
		return err
	}
	if err := accounts.Save(ctx, to); err != nil {
		return err
	}

	// SUCCESS is recorded in the same unit of work as the balance writes,
	// so the record and the money movement commit or roll back together.
	return tx.Ledger().Finalize(ctx, rec.ID, domain.TransactionSuccess, "")
}

func (e *TransferEngine) publishOutcome(ctx context.Context, transactionID string, req domain.TransferRequest, status, reason string) {
	if e.events == nil {
		return
	}
	routingKey := "transfer.completed"
	if status == string(domain.TransactionFailed) {
		routingKey = "transfer.failed"
	}
	event := rabbitmq.TransferEvent{
		TransactionID:  transactionID,
		FromAccountID:  req.FromAccountID,
		ToAccountID:    req.ToAccountID,
		Amount:         req.Amount.Round(2).StringFixed(2),
		Status:         status,
		FailureReason:  reason,
		IdempotencyKey: req.IdempotencyKey,
	}
	if err := e.events.Publish(ctx, TransferEventExchange, routingKey, event); err != nil {
		log.Printf("level=warn component=engine msg=\"outcome event publish failed\" transaction_id=%s err=%v", transactionID, err)
	}
}

// classifyFailure maps an execution error to the failure reason recorded in
// the ledger. known is false for errors outside the taxonomy, which are
// masked from the caller behind ErrTransferFailed.
func classifyFailure(err error) (reason string, known bool) {
	for _, sentinel := range []error{
		domain.ErrAccountNotFound,
		domain.ErrAccountNotActive,
		domain.ErrInsufficientBalance,
		domain.ErrInvalidAmount,
		domain.ErrLockTimeout,
		domain.ErrStorageConflict,
	} {
		if errors.Is(err, sentinel) {
			return err.Error(), true
		}
	}
	return "internal error during transfer execution", false
}
