/**
 * @description
 * This file contains the pending-record janitor. A transfer attempt that
 * dies between claiming its idempotency key and recording an outcome (for
 * example a crash mid-execution) leaves a PENDING record behind. The
 * janitor periodically marks PENDING records older than the staleness
 * threshold as FAILED so the key becomes auditable and is never silently
 * resurrected as SUCCESS.
 */

package app

import (
	"context"
	"log"
	"time"

	"github.com/mtsbank/transfer-service/internal/store"
)

// PendingJanitor expires stale PENDING transaction records.
type PendingJanitor struct {
	ledger    store.TransactionLedger
	threshold time.Duration
	interval  time.Duration
}

// NewPendingJanitor creates a janitor. threshold is how old a PENDING
// record must be before it is expired; interval is how often the sweep
// runs.
func NewPendingJanitor(ledger store.TransactionLedger, threshold, interval time.Duration) *PendingJanitor {
	if threshold <= 0 {
		threshold = 15 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &PendingJanitor{ledger: ledger, threshold: threshold, interval: interval}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (j *PendingJanitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := j.Sweep(ctx); err != nil {
				log.Printf("level=error component=janitor msg=\"pending sweep failed\" err=%v", err)
			}
		}
	}
}

// Sweep expires every PENDING record older than the threshold and returns
// how many were expired.
func (j *PendingJanitor) Sweep(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-j.threshold)
	expired, err := j.ledger.ExpireStalePending(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if expired > 0 {
		log.Printf("level=info component=janitor outcome=expired count=%d cutoff=%s", expired, cutoff.Format(time.RFC3339))
	}
	return expired, nil
}
