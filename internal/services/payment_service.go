package services

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"tokopay/internal/apperr"
	"tokopay/internal/gateway"
	"tokopay/internal/metrics"
	"tokopay/internal/models"

	"github.com/shopspring/decimal"
)

// CustomerContact is forwarded to the gateway with the payment intent.
type CustomerContact struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty" validate:"omitempty,email"`
	Phone string `json:"phone,omitempty" validate:"omitempty,e164"`
}

// InitiateRequest is the input for opening a payment on an order.
type InitiateRequest struct {
	OrderID         string          `json:"orderId" validate:"required"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency" validate:"required,len=3"`
	CustomerContact CustomerContact `json:"customerContact"`
}

// InitiateResponse tells the client where to complete the payment.
type InitiateResponse struct {
	MerchantTransactionID string `json:"merchantTransactionId"`
	RedirectURL           string `json:"redirectUrl,omitempty"`
	PaymentMethod         string `json:"paymentMethod"`
}

// PaymentService glues the gateway adapters to the ledger and the order coordinator.
type PaymentService struct {
	registry *gateway.Registry
	ledger   *PaymentLedger
	orders   *OrderService
}

// NewPaymentService creates a new PaymentService.
func NewPaymentService(registry *gateway.Registry, ledger *PaymentLedger, orders *OrderService) *PaymentService {
	return &PaymentService{registry: registry, ledger: ledger, orders: orders}
}

// Initiate opens a payment attempt for a pending order with provider. Cash on delivery opens a
// pending attempt without a gateway call.
//
// A gateway that answered with a refusal, or that could not be reached at all, fails the attempt
// and the order stays payable. A gateway that may have received the request but gave no usable
// answer leaves the attempt pending for the callback or the status poll to settle.
func (s *PaymentService) Initiate(ctx context.Context, actor Actor, provider string, req InitiateRequest) (*InitiateResponse, error) {
	const op = "payments.Initiate"
	method := models.PaymentMethod(strings.ToLower(provider))

	var adapter gateway.Adapter
	if method != models.MethodCashOnDelivery {
		a, err := s.registry.Get(string(method))
		if err != nil {
			return nil, apperr.Validation(op, "unsupported payment provider %s", provider)
		}
		adapter = a
	}

	order, err := s.orders.Get(ctx, actor, req.OrderID)
	if err != nil {
		return nil, err
	}
	if order.Pair() != pendingPending {
		return nil, apperr.Validation(op, "order is not awaiting payment")
	}
	if !req.Amount.Equal(order.TotalAmount) {
		return nil, apperr.Validation(op, "amount %s does not match order total %s", req.Amount.StringFixed(2), order.TotalAmount.StringFixed(2))
	}
	if !strings.EqualFold(req.Currency, order.Currency) {
		return nil, apperr.Validation(op, "currency %s does not match order currency %s", req.Currency, order.Currency)
	}

	payment := &models.Payment{
		OrderID:  order.ID,
		UserID:   order.UserID,
		Amount:   order.TotalAmount,
		Currency: order.Currency,
		Method:   method,
	}
	if err := s.ledger.Open(ctx, payment); err != nil {
		return nil, err
	}
	resp := &InitiateResponse{MerchantTransactionID: payment.MerchantTransactionID, PaymentMethod: string(method)}

	if adapter == nil {
		metrics.ObserveInitiation(string(method), "ok")
		log.Printf("Cash on delivery payment %s opened for order %s", payment.MerchantTransactionID, order.ID)
		return resp, nil
	}

	start := time.Now()
	res, err := adapter.Initiate(ctx, gateway.IntentRequest{
		MerchantTransactionID: payment.MerchantTransactionID,
		OrderID:               order.ID,
		UserID:                order.UserID,
		Amount:                payment.Amount,
		Currency:              payment.Currency,
		CustomerName:          req.CustomerContact.Name,
		CustomerEmail:         req.CustomerContact.Email,
		CustomerPhone:         req.CustomerContact.Phone,
	})
	metrics.ObserveGatewayCall(adapter.Name(), "initiate", time.Since(start).Seconds())

	switch {
	case errors.Is(err, gateway.ErrNotDelivered):
		metrics.ObserveInitiation(adapter.Name(), "not_delivered")
		s.failAttempt(ctx, payment, nil)
		return nil, apperr.Gateway(op, err)
	case err != nil:
		metrics.ObserveInitiation(adapter.Name(), "unknown")
		log.Printf("Initiation of %s with %s has an unknown outcome, leaving it pending: %v", payment.MerchantTransactionID, adapter.Name(), err)
		gwErr := apperr.Gateway(op, err)
		gwErr.Message = "payment gateway did not respond; the payment will be confirmed once the gateway reports back"
		return nil, gwErr
	case !res.Success:
		metrics.ObserveInitiation(adapter.Name(), "refused")
		s.failAttempt(ctx, payment, res.Raw)
		return nil, apperr.Gateway(op, errors.New(adapter.Name()+" refused the payment request"))
	}

	if _, err := s.ledger.Annotate(ctx, payment.MerchantTransactionID, Settlement{
		GatewayOrderID:       res.GatewayOrderID,
		GatewayTransactionID: res.ProviderTransactionID,
		Raw:                  res.Raw,
	}); err != nil {
		log.Printf("Failed to store gateway references for %s: %v", payment.MerchantTransactionID, err)
	}
	metrics.ObserveInitiation(adapter.Name(), "ok")
	resp.RedirectURL = res.RedirectURL
	return resp, nil
}

func (s *PaymentService) failAttempt(ctx context.Context, payment *models.Payment, raw []byte) {
	if _, _, err := s.ledger.Transition(ctx, payment.MerchantTransactionID, models.PaymentFailed, Settlement{Raw: raw}); err != nil {
		log.Printf("Failed to mark payment %s as failed: %v", payment.MerchantTransactionID, err)
	}
}

// HandleCallback verifies a provider notification and applies it. Nothing in raw is decoded before
// the signature checks out.
func (s *PaymentService) HandleCallback(ctx context.Context, provider string, raw []byte, signature string) (models.PaymentDecision, error) {
	const op = "payments.HandleCallback"
	adapter, err := s.registry.Get(provider)
	if err != nil {
		return "", apperr.NotFound(op, "unknown payment provider %s", provider)
	}

	out, err := adapter.ParseCallback(raw, signature)
	if err != nil {
		if errors.Is(err, gateway.ErrVerification) {
			metrics.ObserveVerificationFailure(provider)
			log.Printf("Callback verification failed for %s (%d bytes)", provider, len(raw))
			return "", apperr.Verification(op, "callback signature verification failed")
		}
		log.Printf("Malformed %s callback: %v", provider, err)
		return "", apperr.Validation(op, "malformed callback payload")
	}

	if out.MerchantTransactionID == "" {
		// Nothing to settle against; acknowledge so the provider stops redelivering.
		if out.State == gateway.StateSucceeded || out.State == gateway.StateFailed {
			log.Printf("Verified %s callback reports %s without a merchant transaction reference, left for investigation", provider, out.State)
		}
		s.ledger.RecordEvent(ctx, nil, provider, "callback", out, models.DecisionIgnored)
		metrics.ObserveCallback(provider, string(models.DecisionIgnored))
		return models.DecisionIgnored, nil
	}

	decision, err := s.orders.ApplyOutcome(ctx, provider, "callback", out)
	label := string(decision)
	if label == "" {
		label = "error"
	}
	metrics.ObserveCallback(provider, label)
	return decision, err
}

// PollStatus asks the gateway for the state of a payment and applies a settled answer. It returns
// the state the gateway reported.
func (s *PaymentService) PollStatus(ctx context.Context, payment *models.Payment) (gateway.State, error) {
	const op = "payments.PollStatus"
	if payment.Method == models.MethodCashOnDelivery {
		return gateway.StatePending, nil
	}
	adapter, err := s.registry.Get(string(payment.Method))
	if err != nil {
		return gateway.StateUnknown, apperr.Validation(op, "no adapter for payment method %s", payment.Method)
	}

	start := time.Now()
	out, err := adapter.CheckStatus(ctx, gateway.StatusQuery{
		MerchantTransactionID: payment.MerchantTransactionID,
		GatewayOrderID:        payment.GatewayOrderID,
	})
	metrics.ObserveGatewayCall(adapter.Name(), "status", time.Since(start).Seconds())
	if err != nil {
		return gateway.StateUnknown, apperr.Gateway(op, err)
	}
	if out.MerchantTransactionID == "" {
		out.MerchantTransactionID = payment.MerchantTransactionID
	}
	if out.MerchantTransactionID != payment.MerchantTransactionID {
		return gateway.StateUnknown, apperr.Conflict(op, "status for %s answered for %s", payment.MerchantTransactionID, out.MerchantTransactionID)
	}

	if _, err := s.orders.ApplyOutcome(ctx, adapter.Name(), "poll", out); err != nil {
		return out.State, err
	}
	return out.State, nil
}

// Status returns a payment visible to actor.
func (s *PaymentService) Status(ctx context.Context, actor Actor, merchantTxnID string) (*models.Payment, error) {
	payment, err := s.ledger.FindByMerchantTransactionID(ctx, merchantTxnID)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && payment.UserID != actor.UserID {
		return nil, apperr.Forbidden("payments.Status", "you do not have access to this payment")
	}
	return payment, nil
}

// SettleCashPayment records collection of a cash on delivery payment and confirms its order.
func (s *PaymentService) SettleCashPayment(ctx context.Context, merchantTxnID string) (*models.Order, error) {
	const op = "payments.SettleCashPayment"
	payment, err := s.ledger.FindByMerchantTransactionID(ctx, merchantTxnID)
	if err != nil {
		return nil, err
	}
	if payment.Method != models.MethodCashOnDelivery {
		return nil, apperr.Validation(op, "only cash on delivery payments can be settled manually")
	}
	_, err = s.orders.ApplyOutcome(ctx, string(models.MethodCashOnDelivery), "settle", gateway.Outcome{
		MerchantTransactionID: merchantTxnID,
		State:                 gateway.StateSucceeded,
		Verified:              true,
	})
	if err != nil {
		return nil, err
	}
	return s.orders.load(ctx, op, payment.OrderID)
}
