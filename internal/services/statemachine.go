package services

import (
	"tokopay/internal/gateway"
	"tokopay/internal/models"
)

// Trigger names what caused an order transition. It is also the metrics label.
type Trigger string

const (
	TriggerPaymentSucceeded Trigger = "payment_succeeded"
	TriggerPaymentFailed    Trigger = "payment_failed"
	TriggerCancel           Trigger = "cancel"
	TriggerReturn           Trigger = "return"
	TriggerAdvance          Trigger = "advance"
	TriggerRefundCompleted  Trigger = "refund_completed"
)

var (
	pendingPending    = models.StatusPair{Status: models.OrderPending, PaymentStatus: models.OrderPaymentPending}
	confirmedPaid     = models.StatusPair{Status: models.OrderConfirmed, PaymentStatus: models.OrderPaymentPaid}
	processingPaid    = models.StatusPair{Status: models.OrderProcessing, PaymentStatus: models.OrderPaymentPaid}
	deliveredPaid     = models.StatusPair{Status: models.OrderDelivered, PaymentStatus: models.OrderPaymentPaid}
	cancelledFailed   = models.StatusPair{Status: models.OrderCancelled, PaymentStatus: models.OrderPaymentFailed}
	cancelledRefunded = models.StatusPair{Status: models.OrderCancelled, PaymentStatus: models.OrderPaymentRefunded}
	returnRequested   = models.StatusPair{Status: models.OrderReturnRequested, PaymentStatus: models.OrderPaymentPaid}
	returnedRefunded  = models.StatusPair{Status: models.OrderReturned, PaymentStatus: models.OrderPaymentRefunded}
)

// outcomeTarget derives the order pair a payment outcome leads to. ok is false when the outcome
// does not move the order from current.
func outcomeTarget(current models.StatusPair, state gateway.State) (models.StatusPair, bool) {
	switch state {
	case gateway.StateSucceeded:
		switch current {
		case pendingPending:
			return confirmedPaid, true
		case cancelledFailed:
			// Captured after the user cancelled: the money goes back.
			return cancelledRefunded, true
		}
	case gateway.StateFailed:
		if current == pendingPending {
			return cancelledFailed, true
		}
	}
	return current, false
}

// cancelTarget derives the pair a user cancellation leads to.
func cancelTarget(current models.StatusPair) (models.StatusPair, bool) {
	switch current {
	case pendingPending:
		return cancelledFailed, true
	case confirmedPaid, processingPaid:
		return cancelledRefunded, true
	}
	return current, false
}

// returnTarget derives the pair a return request leads to.
func returnTarget(current models.StatusPair) (models.StatusPair, bool) {
	if current == deliveredPaid {
		return returnRequested, true
	}
	return current, false
}

// refundTarget derives the pair an external refund completion leads to.
func refundTarget(current models.StatusPair) (models.StatusPair, bool) {
	if current == returnRequested {
		return returnedRefunded, true
	}
	return current, false
}

var fulfillmentNext = map[models.OrderStatus]models.OrderStatus{
	models.OrderConfirmed:  models.OrderProcessing,
	models.OrderProcessing: models.OrderShipped,
	models.OrderShipped:    models.OrderDelivered,
}

// advanceTarget moves a paid order one fulfillment step forward, and only to the requested status.
func advanceTarget(current models.StatusPair, to models.OrderStatus) (models.StatusPair, bool) {
	if current.PaymentStatus != models.OrderPaymentPaid {
		return current, false
	}
	next, ok := fulfillmentNext[current.Status]
	if !ok || next != to {
		return current, false
	}
	return models.StatusPair{Status: next, PaymentStatus: models.OrderPaymentPaid}, true
}

// paymentEdges lists the legal ledger transitions. completed -> refunded is the only edge out of a
// terminal status.
var paymentEdges = map[models.PaymentStatus][]models.PaymentStatus{
	models.PaymentPending:   {models.PaymentCompleted, models.PaymentFailed, models.PaymentCancelled},
	models.PaymentCompleted: {models.PaymentRefunded},
}

func canTransitionPayment(from, to models.PaymentStatus) bool {
	for _, s := range paymentEdges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ledgerStatusFor maps a gateway outcome to the payment status it settles to.
func ledgerStatusFor(state gateway.State) (models.PaymentStatus, bool) {
	switch state {
	case gateway.StateSucceeded:
		return models.PaymentCompleted, true
	case gateway.StateFailed:
		return models.PaymentFailed, true
	}
	return "", false
}
