package repositories

import (
	"context"

	"tokopay/internal/models"
)

// OrderRepository defines the interface for order data access.
// Orders are never deleted; every mutation goes through UpdateIfVersionMatches.
type OrderRepository interface {
	GetByID(ctx context.Context, id string) (*models.Order, error)
	ListByUser(ctx context.Context, userID string) ([]models.Order, error)
	GetAll(ctx context.Context) ([]models.Order, error)
	Create(ctx context.Context, order *models.Order) error
	// UpdateIfVersionMatches persists the mutable fields of order only if the stored version still
	// equals expected. On success order.Version is advanced.
	UpdateIfVersionMatches(ctx context.Context, order *models.Order, expected int64) error
}
