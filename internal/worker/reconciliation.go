// Package worker runs the background jobs that keep payments and orders in step with the outside
// world: polling gateways for payments whose callback never arrived, and consuming refund
// completions from the refund processor.
package worker

import (
	"context"
	"log"
	"time"

	"tokopay/internal/config"
	"tokopay/internal/gateway"
	"tokopay/internal/metrics"
	"tokopay/internal/models"
)

// PendingSource lists payments that have been pending for a while.
type PendingSource interface {
	PendingOlderThan(ctx context.Context, age time.Duration, limit int) ([]models.Payment, error)
}

// StatusPoller asks the gateway about a payment and applies a settled answer.
type StatusPoller interface {
	PollStatus(ctx context.Context, payment *models.Payment) (gateway.State, error)
}

// Summary counts what one reconciliation pass did.
type Summary struct {
	Checked   int
	Settled   int
	Pending   int
	Escalated int
	Errors    int
}

// Reconciler polls the gateway for payments stuck in pending. It never decides an outcome on its
// own: a payment the gateway still reports as pending past ExpireAfter is escalated in the log.
type Reconciler struct {
	cfg    config.ReconcileConfig
	source PendingSource
	poller StatusPoller
	now    func() time.Time
}

// NewReconciler creates a new Reconciler.
func NewReconciler(cfg config.ReconcileConfig, source PendingSource, poller StatusPoller) *Reconciler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Reconciler{cfg: cfg, source: source, poller: poller, now: time.Now}
}

// Run reconciles every Interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	log.Printf("Reconciliation worker started (interval %s, pending after %s)", r.cfg.Interval, r.cfg.PendingAfter)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Reconciliation worker stopped")
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce checks one batch of pending payments.
func (r *Reconciler) RunOnce(ctx context.Context) Summary {
	var sum Summary
	payments, err := r.source.PendingOlderThan(ctx, r.cfg.PendingAfter, r.cfg.BatchSize)
	if err != nil {
		log.Printf("Reconciliation: failed to list pending payments: %v", err)
		sum.Errors++
		return sum
	}

	for i := range payments {
		if ctx.Err() != nil {
			break
		}
		p := &payments[i]
		// Cash on delivery stays pending until it is collected.
		if p.Method == models.MethodCashOnDelivery {
			continue
		}
		sum.Checked++

		state, err := r.poller.PollStatus(ctx, p)
		if err != nil {
			metrics.ObserveReconcileCheck(string(p.Method), "error")
			log.Printf("Reconciliation: status check for %s failed: %v", p.MerchantTransactionID, err)
			sum.Errors++
			r.escalateIfExpired(p, &sum)
			continue
		}
		metrics.ObserveReconcileCheck(string(p.Method), string(state))

		switch state {
		case gateway.StateSucceeded, gateway.StateFailed:
			sum.Settled++
		default:
			sum.Pending++
			r.escalateIfExpired(p, &sum)
		}
	}

	if sum.Checked > 0 {
		log.Printf("Reconciliation pass: checked=%d settled=%d pending=%d escalated=%d errors=%d",
			sum.Checked, sum.Settled, sum.Pending, sum.Escalated, sum.Errors)
	}
	return sum
}

func (r *Reconciler) escalateIfExpired(p *models.Payment, sum *Summary) {
	if r.cfg.ExpireAfter <= 0 {
		return
	}
	if age := r.now().Sub(p.CreatedAt); age > r.cfg.ExpireAfter {
		sum.Escalated++
		log.Printf("ESCALATION: payment %s for order %s via %s has been pending for %s; manual review required",
			p.MerchantTransactionID, p.OrderID, p.Method, age.Round(time.Minute))
	}
}
