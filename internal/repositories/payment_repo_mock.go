package repositories

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"tokopay/internal/models"

	"github.com/google/uuid"
)

// MockPaymentRepository is an in-memory implementation of PaymentRepository.
type MockPaymentRepository struct {
	payments map[string]models.Payment
	events   []models.PaymentEvent
	mu       sync.RWMutex
}

// NewMockPaymentRepository creates a new instance of MockPaymentRepository.
func NewMockPaymentRepository() *MockPaymentRepository {
	return &MockPaymentRepository{
		payments: make(map[string]models.Payment),
	}
}

func clonePayment(p models.Payment) models.Payment {
	p.RawResponse = slices.Clone(p.RawResponse)
	return p
}

// Create adds a new payment, refusing a second pending attempt for the same order.
func (r *MockPaymentRepository) Create(ctx context.Context, payment *models.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.payments {
		if existing.MerchantTransactionID == payment.MerchantTransactionID {
			return fmt.Errorf("merchant transaction %s already exists", payment.MerchantTransactionID)
		}
		if payment.Status == models.PaymentPending && existing.OrderID == payment.OrderID && existing.Status == models.PaymentPending {
			return fmt.Errorf("payment for order %s: %w", payment.OrderID, ErrDuplicatePending)
		}
	}
	if payment.ID == "" {
		payment.ID = uuid.New().String()
	}
	if payment.Version == 0 {
		payment.Version = 1
	}
	payment.CreatedAt = time.Now()
	payment.UpdatedAt = payment.CreatedAt
	r.payments[payment.ID] = clonePayment(*payment)
	return nil
}

// GetByID returns a payment by its ID.
func (r *MockPaymentRepository) GetByID(ctx context.Context, id string) (*models.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	payment, ok := r.payments[id]
	if !ok {
		return nil, fmt.Errorf("payment %s: %w", id, ErrNotFound)
	}
	payment = clonePayment(payment)
	return &payment, nil
}

// GetByMerchantTransactionID returns a payment by its merchant transaction reference.
func (r *MockPaymentRepository) GetByMerchantTransactionID(ctx context.Context, merchantTxnID string) (*models.Payment, error) {
	return r.find(merchantTxnID, func(p models.Payment) bool { return p.MerchantTransactionID == merchantTxnID })
}

// FindPendingByOrder returns the pending payment of an order.
func (r *MockPaymentRepository) FindPendingByOrder(ctx context.Context, orderID string) (*models.Payment, error) {
	return r.find(orderID, func(p models.Payment) bool {
		return p.OrderID == orderID && p.Status == models.PaymentPending
	})
}

func (r *MockPaymentRepository) find(key string, match func(models.Payment) bool) (*models.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.payments {
		if match(p) {
			p = clonePayment(p)
			return &p, nil
		}
	}
	return nil, fmt.Errorf("payment %s: %w", key, ErrNotFound)
}

// ListByOrder returns every payment attempt of an order, oldest first.
func (r *MockPaymentRepository) ListByOrder(ctx context.Context, orderID string) ([]models.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var paymentList []models.Payment
	for _, p := range r.payments {
		if p.OrderID == orderID {
			paymentList = append(paymentList, clonePayment(p))
		}
	}
	sort.Slice(paymentList, func(i, j int) bool { return paymentList[i].CreatedAt.Before(paymentList[j].CreatedAt) })
	return paymentList, nil
}

// FindPendingBefore returns up to limit pending payments created before the given time.
func (r *MockPaymentRepository) FindPendingBefore(ctx context.Context, before time.Time, limit int) ([]models.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var paymentList []models.Payment
	for _, p := range r.payments {
		if p.Status == models.PaymentPending && p.CreatedAt.Before(before) {
			paymentList = append(paymentList, clonePayment(p))
		}
	}
	sort.Slice(paymentList, func(i, j int) bool { return paymentList[i].CreatedAt.Before(paymentList[j].CreatedAt) })
	if limit > 0 && len(paymentList) > limit {
		paymentList = paymentList[:limit]
	}
	return paymentList, nil
}

// UpdateIfVersionMatches replaces the stored payment if its version still equals expected.
func (r *MockPaymentRepository) UpdateIfVersionMatches(ctx context.Context, payment *models.Payment, expected int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.payments[payment.ID]
	if !ok {
		return fmt.Errorf("payment %s: %w", payment.ID, ErrNotFound)
	}
	if stored.Version != expected {
		return fmt.Errorf("payment %s at version %d: %w", payment.ID, expected, ErrVersionConflict)
	}
	payment.Version = expected + 1
	payment.UpdatedAt = time.Now()
	payment.CreatedAt = stored.CreatedAt
	r.payments[payment.ID] = clonePayment(*payment)
	return nil
}

// AppendEvent records an audit row.
func (r *MockPaymentRepository) AppendEvent(ctx context.Context, event *models.PaymentEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	event.ID = uint(len(r.events) + 1)
	event.CreatedAt = time.Now()
	r.events = append(r.events, *event)
	return nil
}

// ListEvents returns the audit trail of a payment, oldest first.
func (r *MockPaymentRepository) ListEvents(ctx context.Context, paymentID string) ([]models.PaymentEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var eventList []models.PaymentEvent
	for _, e := range r.events {
		if e.PaymentID == paymentID {
			eventList = append(eventList, e)
		}
	}
	return eventList, nil
}
