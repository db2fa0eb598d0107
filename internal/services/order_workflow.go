package services

import (
	"context"
	"log"
	"strings"

	"tokopay/internal/apperr"
	"tokopay/internal/gateway"
	"tokopay/internal/models"
	"tokopay/internal/notify"
)

// CancelRequest is the input of a user cancellation.
type CancelRequest struct {
	Reason             string `json:"reason"`
	AdditionalComments string `json:"additionalComments,omitempty"`
}

// ReturnRequest is the input of a user return request. Items is required for partial returns.
type ReturnRequest struct {
	Reason             string              `json:"reason"`
	AdditionalComments string              `json:"additionalComments,omitempty"`
	ReturnType         models.ReturnType   `json:"returnType"`
	Items              []models.ReturnItem `json:"items,omitempty"`
}

// CancelOrder cancels an order that has not shipped. A paid order is cancelled with its payment
// flagged for refund. A gateway payment still in flight is left pending; if it is captured later
// the outcome derivation refunds it.
func (s *OrderService) CancelOrder(ctx context.Context, actor Actor, orderID string, req CancelRequest) (*models.Order, error) {
	const op = "orders.CancelOrder"
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, apperr.Validation(op, "cancellation reason is required")
	}
	if _, err := s.Get(ctx, actor, orderID); err != nil {
		return nil, err
	}

	order, _, err := s.mutate(ctx, op, orderID, TriggerCancel, func(o *models.Order) (bool, error) {
		target, ok := cancelTarget(o.Pair())
		if !ok {
			return false, apperr.Validation(op, "order not eligible for cancellation")
		}
		o.Status, o.PaymentStatus = target.Status, target.PaymentStatus
		o.CancelReason = reason
		o.AdditionalComments = req.AdditionalComments
		return true, nil
	})
	if err != nil {
		if apperr.Is(err, apperr.KindValidation) && order != nil && order.Status == models.OrderCancelled {
			// Finish payment work a previous cancellation may have left behind.
			if syncErr := s.settleCancelledPayments(ctx, order); syncErr != nil {
				log.Printf("Failed to settle payments of cancelled order %s: %v", orderID, syncErr)
			}
		}
		return nil, err
	}

	if err := s.settleCancelledPayments(ctx, order); err != nil {
		return nil, err
	}
	s.notifyUser(ctx, order.UserID, notify.OrderCancelled, orderMailData(order))
	return s.load(ctx, op, orderID)
}

// settleCancelledPayments brings the payments of a cancelled order in line with it: cash on
// delivery attempts are cancelled and captured payments are refunded.
func (s *OrderService) settleCancelledPayments(ctx context.Context, order *models.Order) error {
	payments, err := s.ledger.ListByOrder(ctx, order.ID)
	if err != nil {
		return err
	}
	for i := range payments {
		p := &payments[i]
		switch p.Status {
		case models.PaymentPending:
			if p.Method != models.MethodCashOnDelivery {
				log.Printf("Order %s cancelled with %s payment %s in flight; waiting for the gateway outcome", order.ID, p.Method, p.MerchantTransactionID)
				continue
			}
			if _, _, err := s.ledger.Transition(ctx, p.MerchantTransactionID, models.PaymentCancelled, Settlement{}); err != nil {
				return err
			}
		case models.PaymentCompleted:
			if err := s.deriveFromPayment(ctx, p, gateway.StateSucceeded); err != nil {
				return err
			}
		}
	}
	return nil
}

// RequestReturn opens a return for a delivered order. The payment stays paid until the refund
// processor reports completion.
func (s *OrderService) RequestReturn(ctx context.Context, actor Actor, orderID string, req ReturnRequest) (*models.Order, error) {
	const op = "orders.RequestReturn"
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, apperr.Validation(op, "return reason is required")
	}
	if req.ReturnType != models.ReturnAll && req.ReturnType != models.ReturnPartial {
		return nil, apperr.Validation(op, "returnType must be 'all' or 'partial'")
	}
	if req.ReturnType == models.ReturnPartial && len(req.Items) == 0 {
		return nil, apperr.Validation(op, "partial return requires at least one item")
	}

	current, err := s.Get(ctx, actor, orderID)
	if err != nil {
		return nil, err
	}
	var items []models.ReturnItem
	if req.ReturnType == models.ReturnPartial {
		if items, err = returnSubset(op, current, req.Items); err != nil {
			return nil, err
		}
	} else {
		for _, it := range current.Items {
			items = append(items, models.ReturnItem{ProductID: it.ProductID, VariationID: it.VariationID, Quantity: it.Quantity})
		}
	}

	order, _, err := s.mutate(ctx, op, orderID, TriggerReturn, func(o *models.Order) (bool, error) {
		target, ok := returnTarget(o.Pair())
		if !ok {
			return false, apperr.Validation(op, "order not eligible for return")
		}
		o.Status, o.PaymentStatus = target.Status, target.PaymentStatus
		o.ReturnReason = reason
		o.ReturnType = req.ReturnType
		o.ReturnItems = items
		o.AdditionalComments = req.AdditionalComments
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	payment := s.capturedPayment(ctx, order.ID)
	var partialItems []models.ReturnItem
	if req.ReturnType == models.ReturnPartial {
		partialItems = items
	}
	s.requestRefund(ctx, order, payment, reason, partialItems)
	s.notifyUser(ctx, order.UserID, notify.ReturnRequested, orderMailData(order))
	return order, nil
}

// returnSubset merges repeated lines and checks that every line is part of the order.
func returnSubset(op string, order *models.Order, requested []models.ReturnItem) ([]models.ReturnItem, error) {
	type key struct{ product, variation string }
	merged := make(map[key]int)
	var keys []key
	for _, it := range requested {
		if it.ProductID == "" || it.Quantity <= 0 {
			return nil, apperr.Validation(op, "return items need a product and a positive quantity")
		}
		k := key{it.ProductID, it.VariationID}
		if _, seen := merged[k]; !seen {
			keys = append(keys, k)
		}
		merged[k] += it.Quantity
	}
	items := make([]models.ReturnItem, 0, len(keys))
	for _, k := range keys {
		if !order.HasItem(k.product, k.variation, merged[k]) {
			return nil, apperr.Validation(op, "item %s is not part of this order", k.product)
		}
		items = append(items, models.ReturnItem{ProductID: k.product, VariationID: k.variation, Quantity: merged[k]})
	}
	return items, nil
}

func (s *OrderService) capturedPayment(ctx context.Context, orderID string) *models.Payment {
	payments, err := s.ledger.ListByOrder(ctx, orderID)
	if err != nil {
		log.Printf("Failed to list payments of order %s: %v", orderID, err)
		return nil
	}
	for i := range payments {
		if payments[i].Status == models.PaymentCompleted {
			return &payments[i]
		}
	}
	return nil
}

// AdvanceFulfillment moves a paid order one step along confirmed, processing, shipped, delivered.
func (s *OrderService) AdvanceFulfillment(ctx context.Context, orderID string, to models.OrderStatus) (*models.Order, error) {
	const op = "orders.AdvanceFulfillment"
	order, _, err := s.mutate(ctx, op, orderID, TriggerAdvance, func(o *models.Order) (bool, error) {
		target, ok := advanceTarget(o.Pair(), to)
		if !ok {
			return false, apperr.Validation(op, "order cannot move from %s to %s", o.Pair(), to)
		}
		o.Status, o.PaymentStatus = target.Status, target.PaymentStatus
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// CompleteRefund records that the refund processor paid back a returned order. Repeating it for an
// order that is already refunded is a no-op.
func (s *OrderService) CompleteRefund(ctx context.Context, orderID string) (*models.Order, error) {
	const op = "orders.CompleteRefund"
	order, changed, err := s.mutate(ctx, op, orderID, TriggerRefundCompleted, func(o *models.Order) (bool, error) {
		if o.PaymentStatus == models.OrderPaymentRefunded {
			return false, nil
		}
		target, ok := refundTarget(o.Pair())
		if !ok {
			return false, apperr.Validation(op, "order has no refund in progress")
		}
		o.Status, o.PaymentStatus = target.Status, target.PaymentStatus
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	if order.Status == models.OrderReturned {
		if p := s.capturedPayment(ctx, order.ID); p != nil {
			if _, _, err := s.ledger.Transition(ctx, p.MerchantTransactionID, models.PaymentRefunded, Settlement{}); err != nil {
				return nil, err
			}
		}
	}
	if changed {
		s.notifyUser(ctx, order.UserID, notify.RefundCompleted, orderMailData(order))
	}
	return order, nil
}
