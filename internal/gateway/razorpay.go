package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"tokopay/internal/config"
)

const razorpayLinksPath = "/v1/payment_links"

// Razorpay implements Adapter on top of Razorpay payment links and their webhooks.
type Razorpay struct {
	cfg    config.RazorpayConfig
	mac    HMACSHA256
	caller *caller
}

// NewRazorpay creates a Razorpay adapter from the loaded gateway configuration.
func NewRazorpay(cfg config.GatewayConfig, client *http.Client) *Razorpay {
	return &Razorpay{
		cfg:    cfg.Razorpay,
		mac:    HMACSHA256{Secret: cfg.Razorpay.WebhookSecret},
		caller: newCaller(client, cfg.Timeout, cfg.RetryAttempts, cfg.RetryDelay),
	}
}

func (r *Razorpay) Name() string { return "razorpay" }

func (r *Razorpay) SignatureHeader() string { return "X-Razorpay-Signature" }

type razorpayLinkRequest struct {
	Amount         int64             `json:"amount"`
	Currency       string            `json:"currency"`
	AcceptPartial  bool              `json:"accept_partial"`
	ReferenceID    string            `json:"reference_id"`
	Description    string            `json:"description"`
	Customer       razorpayCustomer  `json:"customer"`
	Notify         map[string]bool   `json:"notify"`
	CallbackURL    string            `json:"callback_url,omitempty"`
	CallbackMethod string            `json:"callback_method,omitempty"`
	Notes          map[string]string `json:"notes"`
}

type razorpayCustomer struct {
	Name    string `json:"name,omitempty"`
	Email   string `json:"email,omitempty"`
	Contact string `json:"contact,omitempty"`
}

type razorpayLink struct {
	ID          string `json:"id"`
	ShortURL    string `json:"short_url"`
	Status      string `json:"status"`
	ReferenceID string `json:"reference_id"`
	Payments    []struct {
		PaymentID string `json:"payment_id"`
		Status    string `json:"status"`
	} `json:"payments"`
	Error *struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error,omitempty"`
}

type razorpayWebhook struct {
	Event   string `json:"event"`
	Payload struct {
		PaymentLink *struct {
			Entity razorpayLink `json:"entity"`
		} `json:"payment_link"`
		Payment *struct {
			Entity struct {
				ID      string          `json:"id"`
				OrderID string          `json:"order_id"`
				Status  string          `json:"status"`
				Notes   json.RawMessage `json:"notes"`
			} `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
}

// Initiate creates a payment link whose reference is the merchant transaction id.
func (r *Razorpay) Initiate(ctx context.Context, req IntentRequest) (InitiateResult, error) {
	payload := razorpayLinkRequest{
		Amount:        req.MinorUnits(),
		Currency:      req.Currency,
		AcceptPartial: false,
		ReferenceID:   req.MerchantTransactionID,
		Description:   "Order " + req.OrderID,
		Customer: razorpayCustomer{
			Name:    req.CustomerName,
			Email:   req.CustomerEmail,
			Contact: req.CustomerPhone,
		},
		Notify:         map[string]bool{"sms": false, "email": false},
		CallbackURL:    withQuery(r.cfg.CallbackURL, "merchantTransactionId", req.MerchantTransactionID),
		CallbackMethod: "get",
		Notes: map[string]string{
			"merchant_transaction_id": req.MerchantTransactionID,
			"order_id":                req.OrderID,
		},
	}
	if payload.CallbackURL == "" {
		payload.CallbackMethod = ""
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return InitiateResult{}, fmt.Errorf("razorpay: failed to marshal payment link: %w", err)
	}

	resp, err := r.caller.do(ctx, func(ctx context.Context) (*http.Request, error) {
		hr, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.BaseURL+razorpayLinksPath, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		hr.SetBasicAuth(r.cfg.KeyID, r.cfg.KeySecret)
		hr.Header.Set("Content-Type", "application/json")
		return hr, nil
	})
	if err != nil {
		return InitiateResult{}, fmt.Errorf("razorpay: payment link request: %w", err)
	}

	result := InitiateResult{Raw: resp.body}
	var link razorpayLink
	if err := json.Unmarshal(resp.body, &link); err != nil {
		return result, nil
	}
	result.Success = resp.status < 300 && link.ID != "" && link.ShortURL != ""
	result.RedirectURL = link.ShortURL
	result.GatewayOrderID = link.ID
	return result, nil
}

// Verify checks the webhook HMAC over the raw body.
func (r *Razorpay) Verify(raw []byte, signature string) bool {
	return r.mac.Verify(raw, signature)
}

// ParseCallback verifies and decodes a webhook delivery.
// A failed payment on a link is not terminal: the customer can retry on the same link, so only
// link-level events settle the attempt.
func (r *Razorpay) ParseCallback(raw []byte, signature string) (Outcome, error) {
	if !r.Verify(raw, signature) {
		return Outcome{Raw: raw}, ErrVerification
	}
	var hook razorpayWebhook
	if err := json.Unmarshal(raw, &hook); err != nil {
		return Outcome{Raw: raw, Verified: true}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	out := Outcome{Raw: raw, Verified: true, State: StateUnknown}
	if hook.Payload.Payment != nil {
		out.GatewayPaymentID = hook.Payload.Payment.Entity.ID
		out.ProviderTransactionID = hook.Payload.Payment.Entity.ID
		out.MerchantTransactionID = noteValue(hook.Payload.Payment.Entity.Notes, "merchant_transaction_id")
	}
	if hook.Payload.PaymentLink != nil {
		out.MerchantTransactionID = hook.Payload.PaymentLink.Entity.ReferenceID
	}

	switch hook.Event {
	case "payment_link.paid":
		out.State = StateSucceeded
	case "payment_link.expired", "payment_link.cancelled":
		out.State = StateFailed
	case "payment_link.partially_paid", "payment.authorized", "payment.captured", "payment.failed":
		out.State = StatePending
	}
	return out, nil
}

// CheckStatus fetches the payment link and maps its status.
func (r *Razorpay) CheckStatus(ctx context.Context, q StatusQuery) (Outcome, error) {
	if q.GatewayOrderID == "" {
		return Outcome{MerchantTransactionID: q.MerchantTransactionID, State: StateUnknown},
			fmt.Errorf("razorpay: no payment link recorded for %s", q.MerchantTransactionID)
	}
	resp, err := r.caller.do(ctx, func(ctx context.Context) (*http.Request, error) {
		hr, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.BaseURL+razorpayLinksPath+"/"+q.GatewayOrderID, nil)
		if err != nil {
			return nil, err
		}
		hr.SetBasicAuth(r.cfg.KeyID, r.cfg.KeySecret)
		return hr, nil
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("razorpay: status request: %w", err)
	}

	var link razorpayLink
	if err := json.Unmarshal(resp.body, &link); err != nil {
		return Outcome{Raw: resp.body}, fmt.Errorf("razorpay: %w: %v", ErrMalformed, err)
	}
	out := Outcome{
		MerchantTransactionID: q.MerchantTransactionID,
		Raw:                   resp.body,
		Verified:              true,
	}
	switch link.Status {
	case "paid":
		out.State = StateSucceeded
	case "expired", "cancelled":
		out.State = StateFailed
	case "created", "partially_paid":
		out.State = StatePending
	default:
		out.State = StateUnknown
	}
	for _, p := range link.Payments {
		if p.Status == "captured" {
			out.GatewayPaymentID = p.PaymentID
			out.ProviderTransactionID = p.PaymentID
		}
	}
	return out, nil
}

// noteValue reads a key from Razorpay notes, which arrive as an object or as an empty array.
func noteValue(raw json.RawMessage, key string) string {
	var notes map[string]string
	if err := json.Unmarshal(raw, &notes); err != nil {
		return ""
	}
	return notes[key]
}
