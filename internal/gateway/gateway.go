// Package gateway holds the payment provider adapters. Each adapter turns a generic intent into a
// provider call and turns provider callbacks and status responses into an Outcome; provider
// vocabulary does not leave this package.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// State is the normalized result of a gateway notification or status check.
type State string

const (
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StatePending   State = "pending"
	StateUnknown   State = "unknown"
)

// ErrVerification is returned by ParseCallback when the signature does not match the payload.
var ErrVerification = errors.New("gateway: callback signature verification failed")

// ErrMalformed is returned when a verified payload cannot be decoded.
var ErrMalformed = errors.New("gateway: malformed payload")

// IntentRequest is what the payment flow asks an adapter to open with its provider.
type IntentRequest struct {
	MerchantTransactionID string
	OrderID               string
	UserID                string
	Amount                decimal.Decimal
	Currency              string
	CustomerName          string
	CustomerEmail         string
	CustomerPhone         string
}

// MinorUnits converts the amount to the provider's integer minor-unit representation.
func (r IntentRequest) MinorUnits() int64 {
	return r.Amount.Shift(2).Round(0).IntPart()
}

// InitiateResult is the normalized response of an initiation call.
type InitiateResult struct {
	Success               bool
	RedirectURL           string
	ProviderTransactionID string
	GatewayOrderID        string
	Raw                   []byte
}

// Outcome is a normalized, verified payment result.
type Outcome struct {
	MerchantTransactionID string
	ProviderTransactionID string
	GatewayPaymentID      string
	State                 State
	Raw                   []byte
	Verified              bool
}

// StatusQuery identifies a payment attempt for a status poll.
type StatusQuery struct {
	MerchantTransactionID string
	GatewayOrderID        string
}

// Verifier authenticates a raw callback body against the signature the provider sent with it.
type Verifier interface {
	Verify(raw []byte, signature string) bool
}

// Adapter is implemented by each payment provider.
type Adapter interface {
	Verifier
	// Name is the provider tag used in routes and stored as the payment method.
	Name() string
	// SignatureHeader is the request header the provider puts its callback signature in.
	SignatureHeader() string
	// Initiate opens a payment with the provider. An error wrapping ErrNotDelivered means the
	// provider never accepted the request; any other error leaves the outcome unknown. A nil error
	// with Success=false means the provider explicitly refused the intent.
	Initiate(ctx context.Context, req IntentRequest) (InitiateResult, error)
	// ParseCallback verifies raw against signature before decoding anything.
	ParseCallback(raw []byte, signature string) (Outcome, error)
	// CheckStatus asks the provider for the current state of a payment attempt.
	CheckStatus(ctx context.Context, q StatusQuery) (Outcome, error)
}

// Registry is the lookup table from provider tag to adapter.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry creates a registry of the given adapters keyed by their names.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// Get returns the adapter for provider.
func (r *Registry) Get(provider string) (Adapter, error) {
	a, ok := r.adapters[provider]
	if !ok {
		return nil, fmt.Errorf("unknown payment provider %q", provider)
	}
	return a, nil
}

// Names lists the registered providers in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
