package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// PaymentStatus is the ledger status of a single payment attempt.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentCancelled PaymentStatus = "cancelled"
	PaymentRefunded  PaymentStatus = "refunded"
)

// IsTerminal reports whether the status admits no further transitions except completed -> refunded.
func (s PaymentStatus) IsTerminal() bool {
	return s != PaymentPending
}

// PaymentMethod identifies how the payment is collected.
type PaymentMethod string

const (
	MethodPhonePe        PaymentMethod = "phonepe"
	MethodRazorpay       PaymentMethod = "razorpay"
	MethodCashOnDelivery PaymentMethod = "cod"
)

// Payment is one attempt to collect funds for an order.
type Payment struct {
	ID                    string          `json:"id" gorm:"primaryKey;type:varchar(36)"`
	MerchantTransactionID string          `json:"merchantTransactionId" gorm:"type:varchar(64);uniqueIndex"`
	OrderID               string          `json:"order_id" gorm:"type:varchar(36);index:idx_payments_pending_order,unique,where:status = 'pending'"`
	UserID                string          `json:"user_id" gorm:"type:varchar(36)"`
	Amount                decimal.Decimal `json:"amount" gorm:"type:decimal(14,2)"`
	Currency              string          `json:"currency" gorm:"type:varchar(3)"`
	Method                PaymentMethod   `json:"paymentMethod" gorm:"type:varchar(16)"`
	Status                PaymentStatus   `json:"status" gorm:"type:varchar(16);index"`
	RawResponse           datatypes.JSON  `json:"-"`
	GatewayOrderID        string          `json:"gateway_order_id,omitempty" gorm:"type:varchar(64)"`
	GatewayPaymentID      string          `json:"gateway_payment_id,omitempty" gorm:"type:varchar(64)"`
	GatewayTransactionID  string          `json:"gateway_transaction_id,omitempty" gorm:"type:varchar(64)"`
	Version               int64           `json:"version" gorm:"not null;default:1"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
	CompletedAt           *time.Time      `json:"completed_at,omitempty"`
}

// PaymentDecision records what the ledger did with an inbound gateway outcome.
type PaymentDecision string

const (
	DecisionApplied   PaymentDecision = "applied"
	DecisionDuplicate PaymentDecision = "duplicate"
	DecisionConflict  PaymentDecision = "conflict"
	DecisionIgnored   PaymentDecision = "ignored"
)

// PaymentEvent is an append-only audit row for every verified gateway notification or status poll.
type PaymentEvent struct {
	ID                    uint            `json:"id" gorm:"primaryKey"`
	PaymentID             string          `json:"payment_id" gorm:"type:varchar(36);index"`
	MerchantTransactionID string          `json:"merchantTransactionId" gorm:"type:varchar(64);index"`
	Provider              string          `json:"provider" gorm:"type:varchar(16)"`
	Source                string          `json:"source" gorm:"type:varchar(16)"` // callback or poll
	State                 string          `json:"state" gorm:"type:varchar(16)"`
	Decision              PaymentDecision `json:"decision" gorm:"type:varchar(16)"`
	Payload               datatypes.JSON  `json:"payload"`
	CreatedAt             time.Time       `json:"created_at"`
}
