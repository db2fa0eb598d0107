package services

import (
	"context"

	"tokopay/internal/gateway"
	"tokopay/internal/models"
)

// IdempotencyGuard decides whether a gateway outcome still has to be applied to its payment.
type IdempotencyGuard struct {
	ledger *PaymentLedger
}

// NewIdempotencyGuard creates a guard reading payments through ledger.
func NewIdempotencyGuard(ledger *PaymentLedger) *IdempotencyGuard {
	return &IdempotencyGuard{ledger: ledger}
}

// Admit looks the payment up by merchant transaction reference and returns it with the decision
// for state.
func (g *IdempotencyGuard) Admit(ctx context.Context, merchantTxnID string, state gateway.State) (*models.Payment, models.PaymentDecision, error) {
	payment, err := g.ledger.FindByMerchantTransactionID(ctx, merchantTxnID)
	if err != nil {
		return nil, "", err
	}
	return payment, Decide(payment.Status, state), nil
}

// Decide is the guard policy:
//   - pending and unknown outcomes never mutate anything (ignored);
//   - a pending payment takes the outcome (applied);
//   - a terminal payment that already reflects the outcome is a no-op (duplicate);
//   - a terminal payment that contradicts the outcome is reported, never overwritten (conflict).
func Decide(current models.PaymentStatus, state gateway.State) models.PaymentDecision {
	target, ok := ledgerStatusFor(state)
	if !ok {
		return models.DecisionIgnored
	}
	if current == models.PaymentPending {
		return models.DecisionApplied
	}
	if matchesOutcome(current, target) {
		return models.DecisionDuplicate
	}
	return models.DecisionConflict
}

// matchesOutcome reports whether a terminal status already reflects the target of an outcome.
// A refunded payment was completed first, and a cancelled one never collected money.
func matchesOutcome(current, target models.PaymentStatus) bool {
	switch target {
	case models.PaymentCompleted:
		return current == models.PaymentCompleted || current == models.PaymentRefunded
	case models.PaymentFailed:
		return current == models.PaymentFailed || current == models.PaymentCancelled
	}
	return false
}
