package services

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"tokopay/internal/apperr"
	"tokopay/internal/gateway"
	"tokopay/internal/metrics"
	"tokopay/internal/models"
	"tokopay/internal/repositories"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// maxDecideAttempts bounds the re-read and re-decide loop after a version conflict.
const maxDecideAttempts = 3

// Settlement carries the gateway references stored alongside a ledger transition.
type Settlement struct {
	GatewayOrderID       string
	GatewayPaymentID     string
	GatewayTransactionID string
	Raw                  []byte
}

// PaymentLedger owns the payment records and their lifecycle.
type PaymentLedger struct {
	payments repositories.PaymentRepository
	now      func() time.Time
}

// NewPaymentLedger creates a new PaymentLedger.
func NewPaymentLedger(payments repositories.PaymentRepository) *PaymentLedger {
	return &PaymentLedger{payments: payments, now: time.Now}
}

// NewMerchantTransactionID returns a fresh merchant transaction reference: "MT" and 32 hex digits.
func NewMerchantTransactionID() string {
	return "MT" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// Open records a new pending payment attempt. An order can have one pending attempt at a time.
func (l *PaymentLedger) Open(ctx context.Context, payment *models.Payment) error {
	const op = "ledger.Open"
	if payment.MerchantTransactionID == "" {
		payment.MerchantTransactionID = NewMerchantTransactionID()
	}
	if payment.ID == "" {
		payment.ID = uuid.New().String()
	}
	payment.Status = models.PaymentPending
	if err := l.payments.Create(ctx, payment); err != nil {
		if errors.Is(err, repositories.ErrDuplicatePending) {
			return apperr.Conflict(op, "order %s already has a payment in progress", payment.OrderID)
		}
		return apperr.Persistence(op, err)
	}
	return nil
}

// FindByMerchantTransactionID returns the payment with the given merchant transaction reference.
func (l *PaymentLedger) FindByMerchantTransactionID(ctx context.Context, merchantTxnID string) (*models.Payment, error) {
	const op = "ledger.FindByMerchantTransactionID"
	payment, err := l.payments.GetByMerchantTransactionID(ctx, merchantTxnID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, apperr.NotFound(op, "payment %s not found", merchantTxnID)
		}
		return nil, apperr.Persistence(op, err)
	}
	return payment, nil
}

// ListByOrder returns every payment attempt of an order, oldest first.
func (l *PaymentLedger) ListByOrder(ctx context.Context, orderID string) ([]models.Payment, error) {
	payments, err := l.payments.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, apperr.Persistence("ledger.ListByOrder", err)
	}
	return payments, nil
}

// PendingOlderThan returns up to limit payments that have been pending for longer than age.
func (l *PaymentLedger) PendingOlderThan(ctx context.Context, age time.Duration, limit int) ([]models.Payment, error) {
	payments, err := l.payments.FindPendingBefore(ctx, l.now().Add(-age), limit)
	if err != nil {
		return nil, apperr.Persistence("ledger.PendingOlderThan", err)
	}
	return payments, nil
}

// Events returns the audit trail of a payment.
func (l *PaymentLedger) Events(ctx context.Context, paymentID string) ([]models.PaymentEvent, error) {
	events, err := l.payments.ListEvents(ctx, paymentID)
	if err != nil {
		return nil, apperr.Persistence("ledger.Events", err)
	}
	return events, nil
}

// Transition moves the payment to status. Moving to the status it already has is a no-op and
// reports changed=false. Any edge outside the lifecycle is an inconsistency and returns a conflict.
func (l *PaymentLedger) Transition(ctx context.Context, merchantTxnID string, to models.PaymentStatus, s Settlement) (*models.Payment, bool, error) {
	const op = "ledger.Transition"
	return l.update(ctx, op, merchantTxnID, func(p *models.Payment) (bool, error) {
		if p.Status == to {
			return false, nil
		}
		if !canTransitionPayment(p.Status, to) {
			log.Printf("Payment inconsistency: %s (order %s) is %s, refusing transition to %s", p.MerchantTransactionID, p.OrderID, p.Status, to)
			return false, apperr.Conflict(op, "payment %s is %s and cannot become %s", p.MerchantTransactionID, p.Status, to)
		}
		p.Status = to
		if to == models.PaymentCompleted {
			now := l.now()
			p.CompletedAt = &now
		}
		applySettlement(p, s, true)
		return true, nil
	})
}

// Annotate stores gateway references on a payment without changing its status. Existing values win,
// so an initiation response never overwrites what a faster callback already wrote.
func (l *PaymentLedger) Annotate(ctx context.Context, merchantTxnID string, s Settlement) (*models.Payment, error) {
	payment, _, err := l.update(ctx, "ledger.Annotate", merchantTxnID, func(p *models.Payment) (bool, error) {
		before := *p
		applySettlement(p, s, false)
		return before.GatewayOrderID != p.GatewayOrderID ||
			before.GatewayPaymentID != p.GatewayPaymentID ||
			before.GatewayTransactionID != p.GatewayTransactionID ||
			len(before.RawResponse) != len(p.RawResponse), nil
	})
	return payment, err
}

func applySettlement(p *models.Payment, s Settlement, overwrite bool) {
	set := func(dst *string, v string) {
		if v != "" && (overwrite || *dst == "") {
			*dst = v
		}
	}
	set(&p.GatewayOrderID, s.GatewayOrderID)
	set(&p.GatewayPaymentID, s.GatewayPaymentID)
	set(&p.GatewayTransactionID, s.GatewayTransactionID)
	if len(s.Raw) > 0 && (overwrite || len(p.RawResponse) == 0) {
		p.RawResponse = rawJSON(s.Raw)
	}
}

func (l *PaymentLedger) update(ctx context.Context, op, merchantTxnID string, mutate func(p *models.Payment) (bool, error)) (*models.Payment, bool, error) {
	for attempt := 1; attempt <= maxDecideAttempts; attempt++ {
		payment, err := l.FindByMerchantTransactionID(ctx, merchantTxnID)
		if err != nil {
			return nil, false, err
		}
		changed, err := mutate(payment)
		if err != nil || !changed {
			return payment, false, err
		}
		err = l.payments.UpdateIfVersionMatches(ctx, payment, payment.Version)
		if err == nil {
			return payment, true, nil
		}
		if !errors.Is(err, repositories.ErrVersionConflict) {
			return nil, false, apperr.Persistence(op, err)
		}
		metrics.ObserveConflict("payment")
		log.Printf("Version conflict on payment %s (attempt %d/%d), re-reading", merchantTxnID, attempt, maxDecideAttempts)
	}
	return nil, false, apperr.Conflict(op, "payment %s is being modified concurrently, retry", merchantTxnID)
}

// RecordEvent appends an audit row for a verified gateway outcome. Failures are logged only.
func (l *PaymentLedger) RecordEvent(ctx context.Context, payment *models.Payment, provider, source string, out gateway.Outcome, decision models.PaymentDecision) {
	event := &models.PaymentEvent{
		MerchantTransactionID: out.MerchantTransactionID,
		Provider:              provider,
		Source:                source,
		State:                 string(out.State),
		Decision:              decision,
		Payload:               rawJSON(out.Raw),
	}
	if payment != nil {
		event.PaymentID = payment.ID
	}
	if err := l.payments.AppendEvent(ctx, event); err != nil {
		log.Printf("Failed to record %s event for %s: %v", source, out.MerchantTransactionID, err)
	}
}

// rawJSON stores provider bytes verbatim when they are JSON and as a JSON string otherwise.
func rawJSON(b []byte) datatypes.JSON {
	if len(b) == 0 {
		return nil
	}
	if json.Valid(b) {
		return datatypes.JSON(append([]byte(nil), b...))
	}
	quoted, err := json.Marshal(string(b))
	if err != nil {
		return nil
	}
	return datatypes.JSON(quoted)
}
