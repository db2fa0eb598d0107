package worker

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"testing"
	"time"

	"tokopay/internal/apperr"
	"tokopay/internal/config"
	"tokopay/internal/gateway"
	"tokopay/internal/metrics"
	"tokopay/internal/models"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func TestMain(m *testing.M) {
	log.SetOutput(io.Discard)
	os.Exit(m.Run())
}

type MockPendingSource struct {
	mock.Mock
}

func (m *MockPendingSource) PendingOlderThan(ctx context.Context, age time.Duration, limit int) ([]models.Payment, error) {
	args := m.Called(age, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Payment), args.Error(1)
}

type MockStatusPoller struct {
	mock.Mock
}

func (m *MockStatusPoller) PollStatus(ctx context.Context, payment *models.Payment) (gateway.State, error) {
	args := m.Called(payment.MerchantTransactionID)
	return args.Get(0).(gateway.State), args.Error(1)
}

type MockRefundCompleter struct {
	mock.Mock
}

func (m *MockRefundCompleter) CompleteRefund(ctx context.Context, orderID string) (*models.Order, error) {
	args := m.Called(orderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Order), args.Error(1)
}

var reconcileCfg = config.ReconcileConfig{
	Interval:     time.Minute,
	PendingAfter: 15 * time.Minute,
	ExpireAfter:  24 * time.Hour,
	BatchSize:    50,
}

func TestReconciler_RunOnce(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	payments := []models.Payment{
		{MerchantTransactionID: "MT1", Method: models.MethodPhonePe, CreatedAt: now.Add(-20 * time.Minute)},
		{MerchantTransactionID: "MT2", Method: models.MethodRazorpay, CreatedAt: now.Add(-30 * time.Minute)},
		{MerchantTransactionID: "MT3", Method: models.MethodPhonePe, CreatedAt: now.Add(-25 * time.Hour)},
		{MerchantTransactionID: "MT4", Method: models.MethodCashOnDelivery, CreatedAt: now.Add(-48 * time.Hour)},
		{MerchantTransactionID: "MT5", Method: models.MethodRazorpay, CreatedAt: now.Add(-time.Hour)},
	}
	source := new(MockPendingSource)
	source.On("PendingOlderThan", 15*time.Minute, 50).Return(payments, nil)
	poller := new(MockStatusPoller)
	poller.On("PollStatus", "MT1").Return(gateway.StateSucceeded, nil)
	poller.On("PollStatus", "MT2").Return(gateway.StateFailed, nil)
	poller.On("PollStatus", "MT3").Return(gateway.StatePending, nil)
	poller.On("PollStatus", "MT5").Return(gateway.StateUnknown, apperr.Gateway("payments.PollStatus", errors.New("timeout")))

	errCounter := metrics.ReconcileChecksTotal().WithLabelValues("razorpay", "error")
	errBefore := testutil.ToFloat64(errCounter)

	r := NewReconciler(reconcileCfg, source, poller)
	r.now = func() time.Time { return now }
	sum := r.RunOnce(context.Background())

	assert.Equal(t, Summary{Checked: 4, Settled: 2, Pending: 1, Escalated: 1, Errors: 1}, sum)
	assert.Equal(t, errBefore+1, testutil.ToFloat64(errCounter))
	poller.AssertNotCalled(t, "PollStatus", "MT4")
	source.AssertExpectations(t)
	poller.AssertExpectations(t)
}

func TestReconciler_ListFailure(t *testing.T) {
	source := new(MockPendingSource)
	source.On("PendingOlderThan", mock.Anything, mock.Anything).Return(nil, errors.New("db down"))
	poller := new(MockStatusPoller)

	sum := NewReconciler(reconcileCfg, source, poller).RunOnce(context.Background())

	assert.Equal(t, Summary{Errors: 1}, sum)
	poller.AssertNotCalled(t, "PollStatus", mock.Anything)
}

func TestReconciler_Defaults(t *testing.T) {
	r := NewReconciler(config.ReconcileConfig{}, nil, nil)
	assert.Equal(t, 50, r.cfg.BatchSize)
	assert.Equal(t, time.Minute, r.cfg.Interval)
}

// signalSource reports every listing on a channel.
type signalSource struct {
	calls chan struct{}
}

func (s *signalSource) PendingOlderThan(ctx context.Context, age time.Duration, limit int) ([]models.Payment, error) {
	select {
	case s.calls <- struct{}{}:
	default:
	}
	return nil, nil
}

func TestReconciler_RunStopsWithContext(t *testing.T) {
	source := &signalSource{calls: make(chan struct{}, 1)}
	cfg := reconcileCfg
	cfg.Interval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewReconciler(cfg, source, new(MockStatusPoller)).Run(ctx)
		close(done)
	}()

	select {
	case <-source.calls:
	case <-time.After(time.Second):
		t.Fatal("reconciler never ran")
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop")
	}
}

func TestRefundCompletedHandler(t *testing.T) {
	returned := &models.Order{ID: "order-1", Status: models.OrderReturned, PaymentStatus: models.OrderPaymentRefunded}

	tests := []struct {
		name    string
		body    string
		result  *models.Order
		err     error
		wantErr bool
	}{
		{name: "completed", body: `{"orderId":"order-1","refundId":"rf_1"}`, result: returned},
		{name: "no refund in progress", body: `{"orderId":"order-1"}`, err: apperr.Validation("orders.CompleteRefund", "order has no refund in progress")},
		{name: "unknown order", body: `{"orderId":"order-1"}`, err: apperr.NotFound("orders.CompleteRefund", "order order-1 not found")},
		{name: "transient", body: `{"orderId":"order-1"}`, err: apperr.Persistence("orders.CompleteRefund", errors.New("connection reset")), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orders := new(MockRefundCompleter)
			orders.On("CompleteRefund", "order-1").Return(tt.result, tt.err)

			err := RefundCompletedHandler(orders, time.Second)(amqp.Delivery{Body: []byte(tt.body)})

			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			orders.AssertExpectations(t)
		})
	}
}

func TestRefundCompletedHandler_DropsMalformed(t *testing.T) {
	orders := new(MockRefundCompleter)
	handler := RefundCompletedHandler(orders, 0)

	assert.NoError(t, handler(amqp.Delivery{Body: []byte(`not json`)}))
	assert.NoError(t, handler(amqp.Delivery{Body: []byte(`{"refundId":"rf_1"}`)}))
	orders.AssertNotCalled(t, "CompleteRefund", mock.Anything)
}
