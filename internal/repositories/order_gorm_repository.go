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

// GORMOrderRepository is a GORM implementation of OrderRepository.
type GORMOrderRepository struct {
	db *gorm.DB
}

// NewGORMOrderRepository creates a new instance of GORMOrderRepository.
func NewGORMOrderRepository(db *gorm.DB) *GORMOrderRepository {
	return &GORMOrderRepository{
		db: db,
	}
}

// GetByID retrieves a single order by its ID from the database.
func (r *GORMOrderRepository) GetByID(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	if err := r.db.WithContext(ctx).First(&order, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("order with ID %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get order by ID %s: %w", id, err)
	}
	return &order, nil
}

// ListByUser returns the orders owned by a user, newest first.
func (r *GORMOrderRepository) ListByUser(ctx context.Context, userID string) ([]models.Order, error) {
	var orders []models.Order
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at desc").Find(&orders).Error; err != nil {
		return nil, fmt.Errorf("failed to list orders for user %s: %w", userID, err)
	}
	return orders, nil
}

// GetAll retrieves all orders from the database, newest first.
func (r *GORMOrderRepository) GetAll(ctx context.Context) ([]models.Order, error) {
	var orders []models.Order
	if err := r.db.WithContext(ctx).Order("created_at desc").Find(&orders).Error; err != nil {
		return nil, fmt.Errorf("failed to get all orders: %w", err)
	}
	return orders, nil
}

// Create inserts a new order in the database.
func (r *GORMOrderRepository) Create(ctx context.Context, order *models.Order) error {
	if order.ID == "" {
		order.ID = uuid.New().String()
	}
	if order.Version == 0 {
		order.Version = 1
	}
	if err := r.db.WithContext(ctx).Create(order).Error; err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

// UpdateIfVersionMatches writes the mutable order fields conditioned on the stored version.
func (r *GORMOrderRepository) UpdateIfVersionMatches(ctx context.Context, order *models.Order, expected int64) error {
	now := time.Now()
	res := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ? AND version = ?", order.ID, expected).
		Updates(map[string]any{
			"status":              order.Status,
			"payment_status":      order.PaymentStatus,
			"cancel_reason":       order.CancelReason,
			"return_reason":       order.ReturnReason,
			"return_type":         order.ReturnType,
			"return_items":        order.ReturnItems,
			"additional_comments": order.AdditionalComments,
			"version":             expected + 1,
			"updated_at":          now,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update order %s: %w", order.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := r.db.WithContext(ctx).Model(&models.Order{}).Where("id = ?", order.ID).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to check order %s: %w", order.ID, err)
		}
		if count == 0 {
			return fmt.Errorf("order with ID %s: %w", order.ID, ErrNotFound)
		}
		return fmt.Errorf("order %s at version %d: %w", order.ID, expected, ErrVersionConflict)
	}
	order.Version = expected + 1
	order.UpdatedAt = now
	return nil
}
