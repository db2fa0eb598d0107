package repositories

import (
	"context"

	"tokopay/internal/models"
)

// ProductRepository is the catalog lookup used to price order lines at checkout.
type ProductRepository interface {
	GetAll(ctx context.Context) ([]models.Product, error)
	GetByID(ctx context.Context, id string) (*models.Product, error)
	Create(ctx context.Context, product *models.Product) error
}
