package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tokopay/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GORMPaymentRepository is a GORM implementation of PaymentRepository.
// It expects the DB to be opened with TranslateError so unique violations surface as gorm.ErrDuplicatedKey.
type GORMPaymentRepository struct {
	db *gorm.DB
}

// NewGORMPaymentRepository creates a new instance of GORMPaymentRepository.
func NewGORMPaymentRepository(db *gorm.DB) *GORMPaymentRepository {
	return &GORMPaymentRepository{
		db: db,
	}
}

// Create inserts a payment, refusing a second pending attempt for the same order.
func (r *GORMPaymentRepository) Create(ctx context.Context, payment *models.Payment) error {
	if payment.ID == "" {
		payment.ID = uuid.New().String()
	}
	if payment.Version == 0 {
		payment.Version = 1
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if payment.Status == models.PaymentPending {
			var count int64
			if err := tx.Model(&models.Payment{}).
				Where("order_id = ? AND status = ?", payment.OrderID, models.PaymentPending).
				Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				return ErrDuplicatePending
			}
		}
		return tx.Create(payment).Error
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrDuplicatePending), errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("payment for order %s: %w", payment.OrderID, ErrDuplicatePending)
	default:
		return fmt.Errorf("failed to create payment: %w", err)
	}
}

// GetByID retrieves a payment by its ID.
func (r *GORMPaymentRepository) GetByID(ctx context.Context, id string) (*models.Payment, error) {
	return r.first(ctx, "id = ?", id)
}

// GetByMerchantTransactionID retrieves a payment by the merchant-generated transaction reference.
func (r *GORMPaymentRepository) GetByMerchantTransactionID(ctx context.Context, merchantTxnID string) (*models.Payment, error) {
	return r.first(ctx, "merchant_transaction_id = ?", merchantTxnID)
}

// FindPendingByOrder returns the order's pending payment attempt, if any.
func (r *GORMPaymentRepository) FindPendingByOrder(ctx context.Context, orderID string) (*models.Payment, error) {
	return r.first(ctx, "order_id = ? AND status = ?", orderID, models.PaymentPending)
}

func (r *GORMPaymentRepository) first(ctx context.Context, query string, args ...any) (*models.Payment, error) {
	var payment models.Payment
	if err := r.db.WithContext(ctx).Where(query, args...).First(&payment).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("payment %v: %w", args[0], ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get payment %v: %w", args[0], err)
	}
	return &payment, nil
}

// ListByOrder returns every payment attempt for an order, oldest first.
func (r *GORMPaymentRepository) ListByOrder(ctx context.Context, orderID string) ([]models.Payment, error) {
	var payments []models.Payment
	if err := r.db.WithContext(ctx).Where("order_id = ?", orderID).Order("created_at asc").Find(&payments).Error; err != nil {
		return nil, fmt.Errorf("failed to list payments for order %s: %w", orderID, err)
	}
	return payments, nil
}

// FindPendingBefore returns up to limit pending payments created before the given time.
func (r *GORMPaymentRepository) FindPendingBefore(ctx context.Context, before time.Time, limit int) ([]models.Payment, error) {
	var payments []models.Payment
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", models.PaymentPending, before).
		Order("created_at asc").
		Limit(limit).
		Find(&payments).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find pending payments: %w", err)
	}
	return payments, nil
}

// UpdateIfVersionMatches writes the mutable payment fields conditioned on the stored version.
func (r *GORMPaymentRepository) UpdateIfVersionMatches(ctx context.Context, payment *models.Payment, expected int64) error {
	now := time.Now()
	res := r.db.WithContext(ctx).
		Model(&models.Payment{}).
		Where("id = ? AND version = ?", payment.ID, expected).
		Updates(map[string]any{
			"status":                 payment.Status,
			"raw_response":           payment.RawResponse,
			"gateway_order_id":       payment.GatewayOrderID,
			"gateway_payment_id":     payment.GatewayPaymentID,
			"gateway_transaction_id": payment.GatewayTransactionID,
			"completed_at":           payment.CompletedAt,
			"version":                expected + 1,
			"updated_at":             now,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update payment %s: %w", payment.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := r.db.WithContext(ctx).Model(&models.Payment{}).Where("id = ?", payment.ID).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to check payment %s: %w", payment.ID, err)
		}
		if count == 0 {
			return fmt.Errorf("payment %s: %w", payment.ID, ErrNotFound)
		}
		return fmt.Errorf("payment %s at version %d: %w", payment.ID, expected, ErrVersionConflict)
	}
	payment.Version = expected + 1
	payment.UpdatedAt = now
	return nil
}

// AppendEvent stores an audit row for a gateway notification.
func (r *GORMPaymentRepository) AppendEvent(ctx context.Context, event *models.PaymentEvent) error {
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("failed to append payment event: %w", err)
	}
	return nil
}

// ListEvents returns the audit trail of a payment, oldest first.
func (r *GORMPaymentRepository) ListEvents(ctx context.Context, paymentID string) ([]models.PaymentEvent, error) {
	var events []models.PaymentEvent
	if err := r.db.WithContext(ctx).Where("payment_id = ?", paymentID).Order("id asc").Find(&events).Error; err != nil {
		return nil, fmt.Errorf("failed to list events for payment %s: %w", paymentID, err)
	}
	return events, nil
}
