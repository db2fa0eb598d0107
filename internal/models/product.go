package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Variation is a purchasable variant of a product with its own price.
type Variation struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

// Product is the catalog reference an order line is priced from.
type Product struct {
	ID         string                         `json:"id" gorm:"primaryKey;type:varchar(36)" validate:"omitempty,uuid"`
	Name       string                         `json:"name" validate:"required,min=3,max=100"`
	Price      decimal.Decimal                `json:"price" gorm:"type:decimal(14,2)"`
	Variations datatypes.JSONSlice[Variation] `json:"variations,omitempty"`
	CreatedAt  time.Time                      `json:"created_at"`
	UpdatedAt  time.Time                      `json:"updated_at"`
	DeletedAt  gorm.DeletedAt                 `json:"-" gorm:"index"`
}

// PriceFor returns the unit price of the product or of one of its variations.
func (p *Product) PriceFor(variationID string) (decimal.Decimal, bool) {
	if variationID == "" {
		return p.Price, true
	}
	for _, v := range p.Variations {
		if v.ID == variationID {
			return v.Price, true
		}
	}
	return decimal.Zero, false
}
