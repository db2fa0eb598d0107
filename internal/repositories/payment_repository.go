package repositories

import (
	"context"
	"time"

	"tokopay/internal/models"
)

// PaymentRepository defines the interface for payment attempt data access.
type PaymentRepository interface {
	// Create inserts a new payment. It returns ErrDuplicatePending when payment is pending and
	// the order already has another pending attempt.
	Create(ctx context.Context, payment *models.Payment) error
	GetByID(ctx context.Context, id string) (*models.Payment, error)
	GetByMerchantTransactionID(ctx context.Context, merchantTxnID string) (*models.Payment, error)
	ListByOrder(ctx context.Context, orderID string) ([]models.Payment, error)
	FindPendingByOrder(ctx context.Context, orderID string) (*models.Payment, error)
	FindPendingBefore(ctx context.Context, before time.Time, limit int) ([]models.Payment, error)
	UpdateIfVersionMatches(ctx context.Context, payment *models.Payment, expected int64) error
	AppendEvent(ctx context.Context, event *models.PaymentEvent) error
	ListEvents(ctx context.Context, paymentID string) ([]models.PaymentEvent, error)
}
