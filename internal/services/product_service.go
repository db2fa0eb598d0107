package services

import (
	"context"
	"errors"

	"tokopay/internal/apperr"
	"tokopay/internal/models"
	"tokopay/internal/repositories"

	"github.com/google/uuid"
)

// ProductService is the read side of the catalog that checkout prices orders from.
type ProductService struct {
	repo repositories.ProductRepository
}

// NewProductService creates a new ProductService.
func NewProductService(repo repositories.ProductRepository) *ProductService {
	return &ProductService{
		repo: repo,
	}
}

// GetAllProducts retrieves all products.
func (s *ProductService) GetAllProducts(ctx context.Context) ([]models.Product, error) {
	products, err := s.repo.GetAll(ctx)
	if err != nil {
		return nil, apperr.Persistence("products.GetAll", err)
	}
	return products, nil
}

// GetProductByID retrieves a single product by its ID.
func (s *ProductService) GetProductByID(ctx context.Context, id string) (*models.Product, error) {
	product, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, apperr.NotFound("products.GetByID", "product %s not found", id)
		}
		return nil, apperr.Persistence("products.GetByID", err)
	}
	return product, nil
}

// ImportProducts loads catalog entries, skipping those whose ID is already present.
// It returns the number of products created.
func (s *ProductService) ImportProducts(ctx context.Context, products []models.Product) (int, error) {
	created := 0
	for i := range products {
		p := &products[i]
		if p.ID == "" {
			p.ID = uuid.New().String()
		} else if _, err := s.repo.GetByID(ctx, p.ID); err == nil {
			continue
		}
		if !p.Price.IsPositive() {
			return created, apperr.Validation("products.Import", "product %q needs a positive price", p.Name)
		}
		if err := s.repo.Create(ctx, p); err != nil {
			return created, apperr.Persistence("products.Import", err)
		}
		created++
	}
	return created, nil
}
