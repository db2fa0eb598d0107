package services

import (
	"context"
	"testing"

	"tokopay/internal/apperr"
	"tokopay/internal/gateway"
	"tokopay/internal/models"
	"tokopay/internal/repositories"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allPairs = func() []models.StatusPair {
	statuses := []models.OrderStatus{
		models.OrderPending, models.OrderConfirmed, models.OrderProcessing, models.OrderShipped,
		models.OrderDelivered, models.OrderCancelled, models.OrderReturnRequested, models.OrderReturned,
	}
	payments := []models.OrderPaymentStatus{
		models.OrderPaymentPending, models.OrderPaymentPaid, models.OrderPaymentFailed, models.OrderPaymentRefunded,
	}
	var pairs []models.StatusPair
	for _, s := range statuses {
		for _, p := range payments {
			pairs = append(pairs, models.StatusPair{Status: s, PaymentStatus: p})
		}
	}
	return pairs
}()

func TestTargetsStayWithinAllowedPairs(t *testing.T) {
	targets := map[string]func(models.StatusPair) (models.StatusPair, bool){
		"succeeded": func(p models.StatusPair) (models.StatusPair, bool) { return outcomeTarget(p, gateway.StateSucceeded) },
		"failed":    func(p models.StatusPair) (models.StatusPair, bool) { return outcomeTarget(p, gateway.StateFailed) },
		"pending":   func(p models.StatusPair) (models.StatusPair, bool) { return outcomeTarget(p, gateway.StatePending) },
		"cancel":    cancelTarget,
		"return":    returnTarget,
		"refund":    refundTarget,
		"advance": func(p models.StatusPair) (models.StatusPair, bool) {
			next, ok := fulfillmentNext[p.Status]
			if !ok {
				return p, false
			}
			return advanceTarget(p, next)
		},
	}
	for name, target := range targets {
		for _, from := range allPairs {
			if !from.IsAllowed() {
				continue
			}
			to, ok := target(from)
			if ok {
				assert.True(t, to.IsAllowed(), "%s: %s -> %s", name, from, to)
			} else {
				assert.Equal(t, from, to, "%s from %s", name, from)
			}
		}
	}
}

func TestAllowedPairs(t *testing.T) {
	allowed := 0
	for _, p := range allPairs {
		if p.IsAllowed() {
			allowed++
		}
	}
	assert.Equal(t, 9, allowed)
	assert.False(t, models.StatusPair{Status: models.OrderConfirmed, PaymentStatus: models.OrderPaymentPending}.IsAllowed())
	assert.False(t, models.StatusPair{Status: models.OrderCancelled, PaymentStatus: models.OrderPaymentPaid}.IsAllowed())
}

func TestOutcomeTarget(t *testing.T) {
	tests := []struct {
		from  models.StatusPair
		state gateway.State
		want  models.StatusPair
		ok    bool
	}{
		{pendingPending, gateway.StateSucceeded, confirmedPaid, true},
		{pendingPending, gateway.StateFailed, cancelledFailed, true},
		{pendingPending, gateway.StateUnknown, pendingPending, false},
		{cancelledFailed, gateway.StateSucceeded, cancelledRefunded, true},
		{cancelledFailed, gateway.StateFailed, cancelledFailed, false},
		{confirmedPaid, gateway.StateFailed, confirmedPaid, false},
		{confirmedPaid, gateway.StateSucceeded, confirmedPaid, false},
	}
	for _, tt := range tests {
		got, ok := outcomeTarget(tt.from, tt.state)
		assert.Equal(t, tt.ok, ok, "%s on %s", tt.state, tt.from)
		assert.Equal(t, tt.want, got, "%s on %s", tt.state, tt.from)
	}
}

func TestAdvanceTarget_OnlyNextStep(t *testing.T) {
	_, ok := advanceTarget(confirmedPaid, models.OrderProcessing)
	assert.True(t, ok)
	_, ok = advanceTarget(confirmedPaid, models.OrderDelivered)
	assert.False(t, ok)
	_, ok = advanceTarget(deliveredPaid, models.OrderReturned)
	assert.False(t, ok)
	_, ok = advanceTarget(pendingPending, models.OrderConfirmed)
	assert.False(t, ok)
}

func TestDecide(t *testing.T) {
	tests := []struct {
		current models.PaymentStatus
		state   gateway.State
		want    models.PaymentDecision
	}{
		{models.PaymentPending, gateway.StateSucceeded, models.DecisionApplied},
		{models.PaymentPending, gateway.StateFailed, models.DecisionApplied},
		{models.PaymentPending, gateway.StatePending, models.DecisionIgnored},
		{models.PaymentPending, gateway.StateUnknown, models.DecisionIgnored},
		{models.PaymentCompleted, gateway.StateSucceeded, models.DecisionDuplicate},
		{models.PaymentRefunded, gateway.StateSucceeded, models.DecisionDuplicate},
		{models.PaymentFailed, gateway.StateFailed, models.DecisionDuplicate},
		{models.PaymentCancelled, gateway.StateFailed, models.DecisionDuplicate},
		{models.PaymentCompleted, gateway.StateFailed, models.DecisionConflict},
		{models.PaymentRefunded, gateway.StateFailed, models.DecisionConflict},
		{models.PaymentFailed, gateway.StateSucceeded, models.DecisionConflict},
		{models.PaymentCancelled, gateway.StateSucceeded, models.DecisionConflict},
		{models.PaymentCompleted, gateway.StatePending, models.DecisionIgnored},
	}
	for _, tt := range tests {
		t.Run(string(tt.current)+"/"+string(tt.state), func(t *testing.T) {
			assert.Equal(t, tt.want, Decide(tt.current, tt.state))
		})
	}
}

func TestLedgerTransitionEdges(t *testing.T) {
	tests := []struct {
		path    []models.PaymentStatus
		allowed bool
	}{
		{[]models.PaymentStatus{models.PaymentCompleted}, true},
		{[]models.PaymentStatus{models.PaymentFailed}, true},
		{[]models.PaymentStatus{models.PaymentCancelled}, true},
		{[]models.PaymentStatus{models.PaymentCompleted, models.PaymentRefunded}, true},
		{[]models.PaymentStatus{models.PaymentRefunded}, false},
		{[]models.PaymentStatus{models.PaymentFailed, models.PaymentCompleted}, false},
		{[]models.PaymentStatus{models.PaymentCompleted, models.PaymentFailed}, false},
		{[]models.PaymentStatus{models.PaymentCompleted, models.PaymentPending}, false},
		{[]models.PaymentStatus{models.PaymentCancelled, models.PaymentRefunded}, false},
	}
	for _, tt := range tests {
		ctx := context.Background()
		ledger := NewPaymentLedger(repositories.NewMockPaymentRepository())
		payment := &models.Payment{OrderID: "order-1", UserID: "user-1", Method: models.MethodPhonePe, Currency: "INR"}
		require.NoError(t, ledger.Open(ctx, payment))

		var err error
		for _, to := range tt.path {
			if _, _, err = ledger.Transition(ctx, payment.MerchantTransactionID, to, Settlement{}); err != nil {
				break
			}
		}
		if tt.allowed {
			assert.NoError(t, err, "%v", tt.path)
		} else {
			assert.True(t, apperr.Is(err, apperr.KindConflict), "%v", tt.path)
		}
	}
}

func TestLedgerTransition_SameStatusIsNoOp(t *testing.T) {
	ctx := context.Background()
	ledger := NewPaymentLedger(repositories.NewMockPaymentRepository())
	payment := &models.Payment{OrderID: "order-1", Method: models.MethodRazorpay}
	require.NoError(t, ledger.Open(ctx, payment))

	first, changed, err := ledger.Transition(ctx, payment.MerchantTransactionID, models.PaymentCompleted, Settlement{GatewayPaymentID: "pay_1"})
	require.NoError(t, err)
	assert.True(t, changed)
	require.NotNil(t, first.CompletedAt)

	second, changed, err := ledger.Transition(ctx, payment.MerchantTransactionID, models.PaymentCompleted, Settlement{GatewayPaymentID: "pay_2"})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, first.Version, second.Version)
	assert.Equal(t, "pay_1", second.GatewayPaymentID)
}

func TestLedgerAnnotate_KeepsExistingValues(t *testing.T) {
	ctx := context.Background()
	ledger := NewPaymentLedger(repositories.NewMockPaymentRepository())
	payment := &models.Payment{OrderID: "order-1", Method: models.MethodPhonePe}
	require.NoError(t, ledger.Open(ctx, payment))

	_, _, err := ledger.Transition(ctx, payment.MerchantTransactionID, models.PaymentCompleted, Settlement{GatewayTransactionID: "T-callback"})
	require.NoError(t, err)
	annotated, err := ledger.Annotate(ctx, payment.MerchantTransactionID, Settlement{GatewayTransactionID: "T-initiate", GatewayOrderID: "G-1"})
	require.NoError(t, err)

	assert.Equal(t, "T-callback", annotated.GatewayTransactionID)
	assert.Equal(t, "G-1", annotated.GatewayOrderID)
	assert.Equal(t, models.PaymentCompleted, annotated.Status)
}

func TestLedgerOpen_OnePendingPerOrder(t *testing.T) {
	ctx := context.Background()
	ledger := NewPaymentLedger(repositories.NewMockPaymentRepository())
	require.NoError(t, ledger.Open(ctx, &models.Payment{OrderID: "order-1", Method: models.MethodPhonePe}))

	err := ledger.Open(ctx, &models.Payment{OrderID: "order-1", Method: models.MethodRazorpay})

	assert.True(t, apperr.Is(err, apperr.KindConflict))
}

func TestNewMerchantTransactionID(t *testing.T) {
	id := NewMerchantTransactionID()
	assert.Regexp(t, `^MT[0-9a-f]{32}$`, id)
	assert.NotEqual(t, id, NewMerchantTransactionID())
}

func TestRawJSON(t *testing.T) {
	assert.Nil(t, rawJSON(nil))
	assert.JSONEq(t, `{"a":1}`, string(rawJSON([]byte(`{"a":1}`))))
	assert.Equal(t, `"code=PAYMENT_SUCCESS"`, string(rawJSON([]byte(`code=PAYMENT_SUCCESS`))))
}
