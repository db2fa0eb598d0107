package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// OrderStatus is the fulfillment status of an order.
type OrderStatus string

const (
	OrderPending         OrderStatus = "pending"
	OrderConfirmed       OrderStatus = "confirmed"
	OrderProcessing      OrderStatus = "processing"
	OrderShipped         OrderStatus = "shipped"
	OrderDelivered       OrderStatus = "delivered"
	OrderCancelled       OrderStatus = "cancelled"
	OrderReturnRequested OrderStatus = "return_requested"
	OrderReturned        OrderStatus = "returned"
)

// OrderPaymentStatus is the payment side of an order, kept independent of fulfillment.
type OrderPaymentStatus string

const (
	OrderPaymentPending  OrderPaymentStatus = "pending"
	OrderPaymentPaid     OrderPaymentStatus = "paid"
	OrderPaymentFailed   OrderPaymentStatus = "failed"
	OrderPaymentRefunded OrderPaymentStatus = "refunded"
)

// ReturnType tells whether a return covers the whole order or a subset of it.
type ReturnType string

const (
	ReturnAll     ReturnType = "all"
	ReturnPartial ReturnType = "partial"
)

// OrderItem represents a single item within an order.
type OrderItem struct {
	ProductID   string          `json:"product_id"`
	VariationID string          `json:"variation_id,omitempty"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"` // Price at the time of order
}

// ReturnItem is one line of a partial return.
type ReturnItem struct {
	ProductID   string `json:"product_id"`
	VariationID string `json:"variation_id,omitempty"`
	Quantity    int    `json:"quantity"`
}

// Order represents a customer order.
type Order struct {
	ID                 string                          `json:"id" gorm:"primaryKey;type:varchar(36)"`
	UserID             string                          `json:"user_id" gorm:"type:varchar(36);index"`
	Items              datatypes.JSONSlice[OrderItem]  `json:"items"`
	TotalAmount        decimal.Decimal                 `json:"total_amount" gorm:"type:decimal(14,2)"`
	Currency           string                          `json:"currency" gorm:"type:varchar(3)"`
	Status             OrderStatus                     `json:"status" gorm:"type:varchar(32);index"`
	PaymentStatus      OrderPaymentStatus              `json:"payment_status" gorm:"type:varchar(16)"`
	CancelReason       string                          `json:"cancel_reason,omitempty"`
	ReturnReason       string                          `json:"return_reason,omitempty"`
	ReturnType         ReturnType                      `json:"return_type,omitempty" gorm:"type:varchar(16)"`
	ReturnItems        datatypes.JSONSlice[ReturnItem] `json:"return_items,omitempty"`
	AdditionalComments string                          `json:"additionalComments,omitempty"`
	Version            int64                           `json:"version" gorm:"not null;default:1"`
	CreatedAt          time.Time                       `json:"created_at"`
	UpdatedAt          time.Time                       `json:"updated_at"`
}

// StatusPair is the (status, payment_status) combination an order is in.
type StatusPair struct {
	Status        OrderStatus
	PaymentStatus OrderPaymentStatus
}

func (p StatusPair) String() string {
	return string(p.Status) + "/" + string(p.PaymentStatus)
}

// allowedPairs is the complete set of combinations an order may ever be persisted in.
var allowedPairs = map[StatusPair]bool{
	{OrderPending, OrderPaymentPending}:      true,
	{OrderConfirmed, OrderPaymentPaid}:       true,
	{OrderProcessing, OrderPaymentPaid}:      true,
	{OrderShipped, OrderPaymentPaid}:         true,
	{OrderDelivered, OrderPaymentPaid}:       true,
	{OrderCancelled, OrderPaymentFailed}:     true,
	{OrderCancelled, OrderPaymentRefunded}:   true,
	{OrderReturnRequested, OrderPaymentPaid}: true,
	{OrderReturned, OrderPaymentRefunded}:    true,
}

// IsAllowed reports whether the pair is a legal order state.
func (p StatusPair) IsAllowed() bool {
	return allowedPairs[p]
}

// Pair returns the order's current status combination.
func (o *Order) Pair() StatusPair {
	return StatusPair{Status: o.Status, PaymentStatus: o.PaymentStatus}
}

// HasItem reports whether the order contains at least quantity units of the given product and
// variation, counted across every line that carries it.
func (o *Order) HasItem(productID, variationID string, quantity int) bool {
	ordered := 0
	for _, item := range o.Items {
		if item.ProductID == productID && item.VariationID == variationID {
			ordered += item.Quantity
		}
	}
	return ordered > 0 && quantity <= ordered
}
