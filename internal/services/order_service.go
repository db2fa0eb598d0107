package services

import (
	"context"
	"errors"
	"log"
	"strings"

	"tokopay/internal/apperr"
	"tokopay/internal/gateway"
	"tokopay/internal/metrics"
	"tokopay/internal/models"
	"tokopay/internal/notify"
	"tokopay/internal/repositories"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Publisher is the event bus order changes are announced on.
type Publisher interface {
	PublishJSON(ctx context.Context, routingKey string, payload interface{}) error
}

// Actor is the authenticated caller of an order or payment operation.
type Actor struct {
	UserID string
	Role   string
}

func (a Actor) IsAdmin() bool { return a.Role == models.RoleAdmin }

// CheckoutItem is one requested order line.
type CheckoutItem struct {
	ProductID   string `json:"productId" validate:"required"`
	VariationID string `json:"variationId,omitempty"`
	Quantity    int    `json:"quantity" validate:"required,gt=0"`
}

// CheckoutRequest is the input for creating an order.
type CheckoutRequest struct {
	Items    []CheckoutItem `json:"items" validate:"required,min=1,dive"`
	Currency string         `json:"currency,omitempty" validate:"omitempty,len=3"`
}

// OrderService owns the order state machine: checkout, payment outcome derivation, user
// cancellation and returns, fulfillment and refund completion.
type OrderService struct {
	orders    repositories.OrderRepository
	products  repositories.ProductRepository
	users     repositories.UserRepository
	ledger    *PaymentLedger
	guard     *IdempotencyGuard
	publisher Publisher
	mailer    notify.Mailer
	currency  string
}

// NewOrderService creates a new OrderService. users, publisher and mailer may be nil.
func NewOrderService(
	orders repositories.OrderRepository,
	products repositories.ProductRepository,
	users repositories.UserRepository,
	ledger *PaymentLedger,
	publisher Publisher,
	mailer notify.Mailer,
	currency string,
) *OrderService {
	return &OrderService{
		orders:    orders,
		products:  products,
		users:     users,
		ledger:    ledger,
		guard:     NewIdempotencyGuard(ledger),
		publisher: publisher,
		mailer:    mailer,
		currency:  strings.ToUpper(currency),
	}
}

// Checkout prices the requested lines from the catalog and creates a pending order.
func (s *OrderService) Checkout(ctx context.Context, actor Actor, req CheckoutRequest) (*models.Order, error) {
	const op = "orders.Checkout"
	if len(req.Items) == 0 {
		return nil, apperr.Validation(op, "order must contain at least one item")
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = s.currency
	}
	if currency != s.currency {
		return nil, apperr.Validation(op, "currency %s is not supported", req.Currency)
	}

	items := make([]models.OrderItem, 0, len(req.Items))
	total := decimal.Zero
	for _, line := range req.Items {
		if line.Quantity <= 0 {
			return nil, apperr.Validation(op, "quantity for product %s must be positive", line.ProductID)
		}
		product, err := s.products.GetByID(ctx, line.ProductID)
		if err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				return nil, apperr.Validation(op, "product %s not found", line.ProductID)
			}
			return nil, apperr.Persistence(op, err)
		}
		price, ok := product.PriceFor(line.VariationID)
		if !ok {
			return nil, apperr.Validation(op, "variation %s not found for product %s", line.VariationID, line.ProductID)
		}
		items = append(items, models.OrderItem{
			ProductID:   line.ProductID,
			VariationID: line.VariationID,
			Quantity:    line.Quantity,
			UnitPrice:   price,
		})
		total = total.Add(price.Mul(decimal.NewFromInt(int64(line.Quantity))))
	}

	order := &models.Order{
		ID:            uuid.New().String(),
		UserID:        actor.UserID,
		Items:         items,
		TotalAmount:   total,
		Currency:      currency,
		Status:        models.OrderPending,
		PaymentStatus: models.OrderPaymentPending,
	}
	if err := s.orders.Create(ctx, order); err != nil {
		return nil, apperr.Persistence(op, err)
	}
	log.Printf("Order %s created for user %s, total %s %s", order.ID, order.UserID, order.TotalAmount.StringFixed(2), order.Currency)

	s.publish(ctx, "order.created", map[string]interface{}{
		"orderId":       order.ID,
		"userId":        order.UserID,
		"status":        order.Status,
		"paymentStatus": order.PaymentStatus,
		"total":         order.TotalAmount,
		"currency":      order.Currency,
		"items":         order.Items,
	})
	return order, nil
}

// Get returns an order visible to actor.
func (s *OrderService) Get(ctx context.Context, actor Actor, id string) (*models.Order, error) {
	const op = "orders.Get"
	order, err := s.load(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && order.UserID != actor.UserID {
		return nil, apperr.Forbidden(op, "you do not have access to this order")
	}
	return order, nil
}

// List returns the actor's orders, or every order for an admin.
func (s *OrderService) List(ctx context.Context, actor Actor) ([]models.Order, error) {
	var (
		orders []models.Order
		err    error
	)
	if actor.IsAdmin() {
		orders, err = s.orders.GetAll(ctx)
	} else {
		orders, err = s.orders.ListByUser(ctx, actor.UserID)
	}
	if err != nil {
		return nil, apperr.Persistence("orders.List", err)
	}
	return orders, nil
}

func (s *OrderService) load(ctx context.Context, op, id string) (*models.Order, error) {
	order, err := s.orders.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, apperr.NotFound(op, "order %s not found", id)
		}
		return nil, apperr.Persistence(op, err)
	}
	return order, nil
}

// ApplyOutcome admits a verified gateway outcome through the idempotency guard, settles the payment
// in the ledger and derives the order state from it. Duplicates re-run the derivation so a
// previously interrupted order write completes.
func (s *OrderService) ApplyOutcome(ctx context.Context, provider, source string, out gateway.Outcome) (models.PaymentDecision, error) {
	const op = "orders.ApplyOutcome"
	if !out.Verified {
		return "", apperr.Verification(op, "outcome for %s was not verified", out.MerchantTransactionID)
	}
	if out.MerchantTransactionID == "" {
		return "", apperr.Validation(op, "outcome carries no merchant transaction reference")
	}

	payment, decision, err := s.guard.Admit(ctx, out.MerchantTransactionID, out.State)
	if err != nil {
		return "", err
	}

	if decision == models.DecisionApplied {
		target, _ := ledgerStatusFor(out.State)
		settled, changed, err := s.ledger.Transition(ctx, out.MerchantTransactionID, target, Settlement{
			GatewayPaymentID:     out.GatewayPaymentID,
			GatewayTransactionID: out.ProviderTransactionID,
			Raw:                  out.Raw,
		})
		switch {
		case err == nil:
			payment = settled
			if !changed {
				// A concurrent delivery of the same outcome won the write.
				decision = models.DecisionDuplicate
			}
		case apperr.Is(err, apperr.KindConflict):
			// Another writer settled it first; judge the outcome against what it wrote.
			var admitErr error
			payment, decision, admitErr = s.guard.Admit(ctx, out.MerchantTransactionID, out.State)
			if admitErr != nil {
				return "", admitErr
			}
			if decision == models.DecisionApplied {
				// Still pending: the ledger gave up on a write race.
				return "", err
			}
		default:
			return "", err
		}
	}

	s.ledger.RecordEvent(ctx, payment, provider, source, out, decision)

	switch decision {
	case models.DecisionIgnored:
		log.Printf("Outcome %s for %s from %s ignored, payment stays %s", out.State, out.MerchantTransactionID, source, payment.Status)
		return decision, nil
	case models.DecisionConflict:
		log.Printf("Gateway inconsistency: %s reported %s for %s but payment is %s", provider, out.State, out.MerchantTransactionID, payment.Status)
		return decision, apperr.Conflict(op, "payment %s is already %s", out.MerchantTransactionID, payment.Status)
	}

	if err := s.deriveFromPayment(ctx, payment, out.State); err != nil {
		return decision, err
	}
	return decision, nil
}

// deriveFromPayment moves the order to the state the payment outcome implies and, for money
// captured on a cancelled order, refunds the payment.
func (s *OrderService) deriveFromPayment(ctx context.Context, payment *models.Payment, state gateway.State) error {
	const op = "orders.deriveFromPayment"
	trigger := TriggerPaymentFailed
	if state == gateway.StateSucceeded {
		trigger = TriggerPaymentSucceeded
	}

	order, changed, err := s.mutate(ctx, op, payment.OrderID, trigger, func(o *models.Order) (bool, error) {
		target, ok := outcomeTarget(o.Pair(), state)
		if !ok {
			return false, nil
		}
		o.Status, o.PaymentStatus = target.Status, target.PaymentStatus
		return true, nil
	})
	if err != nil {
		return err
	}

	if state == gateway.StateSucceeded && order.Status == models.OrderCancelled {
		if err := s.refundPayment(ctx, order, payment.MerchantTransactionID, "payment captured after cancellation"); err != nil {
			return err
		}
	}

	if changed {
		switch order.Pair() {
		case confirmedPaid:
			s.notifyUser(ctx, order.UserID, notify.OrderConfirmed, orderMailData(order))
		case cancelledFailed:
			s.notifyUser(ctx, order.UserID, notify.PaymentFailed, orderMailData(order))
		}
	}
	return nil
}

// refundPayment takes a completed payment to refunded and asks the refund processor to pay it back.
func (s *OrderService) refundPayment(ctx context.Context, order *models.Order, merchantTxnID, reason string) error {
	payment, changed, err := s.ledger.Transition(ctx, merchantTxnID, models.PaymentRefunded, Settlement{})
	if err != nil {
		return err
	}
	if changed {
		s.requestRefund(ctx, order, payment, reason, nil)
	}
	return nil
}

func (s *OrderService) requestRefund(ctx context.Context, order *models.Order, payment *models.Payment, reason string, items []models.ReturnItem) {
	event := map[string]interface{}{
		"orderId":  order.ID,
		"userId":   order.UserID,
		"amount":   order.TotalAmount,
		"currency": order.Currency,
		"reason":   reason,
		"partial":  len(items) > 0,
		"items":    items,
	}
	if payment != nil {
		event["paymentId"] = payment.ID
		event["merchantTransactionId"] = payment.MerchantTransactionID
		event["paymentMethod"] = payment.Method
	}
	s.publish(ctx, "refund.requested", event)
}

// mutate is the single write path for orders: read the current state, let decide compute the
// target, write it conditioned on the version that was read. A lost race re-reads and re-decides.
// Nothing outside the allowed combinations is ever persisted.
func (s *OrderService) mutate(ctx context.Context, op, orderID string, trigger Trigger, decide func(o *models.Order) (bool, error)) (*models.Order, bool, error) {
	for attempt := 1; attempt <= maxDecideAttempts; attempt++ {
		order, err := s.load(ctx, op, orderID)
		if err != nil {
			return nil, false, err
		}
		from := order.Pair()
		changed, err := decide(order)
		if err != nil || !changed {
			return order, false, err
		}
		if !order.Pair().IsAllowed() {
			return nil, false, apperr.Internal(op, "refusing to persist order state %s", order.Pair())
		}

		err = s.orders.UpdateIfVersionMatches(ctx, order, order.Version)
		if err == nil {
			metrics.ObserveTransition(string(trigger), order.Pair().String())
			log.Printf("Order %s: %s -> %s (%s)", order.ID, from, order.Pair(), trigger)
			s.publish(ctx, "order.status_changed", map[string]interface{}{
				"orderId":       order.ID,
				"userId":        order.UserID,
				"from":          from.String(),
				"status":        order.Status,
				"paymentStatus": order.PaymentStatus,
				"trigger":       trigger,
			})
			return order, true, nil
		}
		if !errors.Is(err, repositories.ErrVersionConflict) {
			return nil, false, apperr.Persistence(op, err)
		}
		metrics.ObserveConflict("order")
		log.Printf("Version conflict on order %s (attempt %d/%d), re-reading", orderID, attempt, maxDecideAttempts)
	}
	return nil, false, apperr.Conflict(op, "order %s is being modified concurrently, retry", orderID)
}

func (s *OrderService) publish(ctx context.Context, routingKey string, payload map[string]interface{}) {
	if s.publisher == nil {
		log.Printf("RabbitMQ client is not initialized. Skipping %s event.", routingKey)
		return
	}
	if err := s.publisher.PublishJSON(ctx, routingKey, payload); err != nil {
		log.Printf("Warning: Failed to publish %s event for order %v: %v", routingKey, payload["orderId"], err)
	}
}

func (s *OrderService) notifyUser(ctx context.Context, userID string, kind notify.Kind, data map[string]interface{}) {
	if s.mailer == nil || s.users == nil {
		return
	}
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		log.Printf("Skipping %s email: user %s: %v", kind, userID, err)
		return
	}
	if res := s.mailer.Send(ctx, kind, user.Email, data); res.Err != nil {
		log.Printf("Warning: %s email for user %s not sent: %v", kind, userID, res.Err)
	}
}

func orderMailData(o *models.Order) map[string]interface{} {
	return map[string]interface{}{
		"orderId":       o.ID,
		"status":        o.Status,
		"paymentStatus": o.PaymentStatus,
		"total":         o.TotalAmount.StringFixed(2),
		"currency":      o.Currency,
	}
}
