package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"tokopay/internal/config"
)

const (
	phonePePayPath    = "/pg/v1/pay"
	phonePeStatusPath = "/pg/v1/status"
)

// PhonePe implements Adapter for the PhonePe standard checkout (pay page) API.
type PhonePe struct {
	cfg      config.PhonePeConfig
	checksum SaltedChecksum
	caller   *caller
}

// NewPhonePe creates a PhonePe adapter from the loaded gateway configuration.
func NewPhonePe(cfg config.GatewayConfig, client *http.Client) *PhonePe {
	return &PhonePe{
		cfg:      cfg.PhonePe,
		checksum: SaltedChecksum{SaltKey: cfg.PhonePe.SaltKey, SaltIndex: cfg.PhonePe.SaltIndex},
		caller:   newCaller(client, cfg.Timeout, cfg.RetryAttempts, cfg.RetryDelay),
	}
}

func (p *PhonePe) Name() string { return "phonepe" }

func (p *PhonePe) SignatureHeader() string { return "X-VERIFY" }

type phonePePayRequest struct {
	MerchantID            string `json:"merchantId"`
	MerchantTransactionID string `json:"merchantTransactionId"`
	MerchantUserID        string `json:"merchantUserId"`
	Amount                int64  `json:"amount"`
	RedirectURL           string `json:"redirectUrl"`
	RedirectMode          string `json:"redirectMode"`
	CallbackURL           string `json:"callbackUrl"`
	MobileNumber          string `json:"mobileNumber,omitempty"`
	PaymentInstrument     struct {
		Type string `json:"type"`
	} `json:"paymentInstrument"`
}

type phonePeResponse struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    struct {
		MerchantID            string `json:"merchantId"`
		MerchantTransactionID string `json:"merchantTransactionId"`
		TransactionID         string `json:"transactionId"`
		Amount                int64  `json:"amount"`
		State                 string `json:"state"`
		ResponseCode          string `json:"responseCode"`
		InstrumentResponse    struct {
			Type         string `json:"type"`
			RedirectInfo struct {
				URL    string `json:"url"`
				Method string `json:"method"`
			} `json:"redirectInfo"`
		} `json:"instrumentResponse"`
	} `json:"data"`
}

type phonePeEnvelope struct {
	Request  string `json:"request,omitempty"`
	Response string `json:"response,omitempty"`
}

// Initiate opens a pay page for the intent and returns its redirect URL.
func (p *PhonePe) Initiate(ctx context.Context, req IntentRequest) (InitiateResult, error) {
	payload := phonePePayRequest{
		MerchantID:            p.cfg.MerchantID,
		MerchantTransactionID: req.MerchantTransactionID,
		MerchantUserID:        req.UserID,
		Amount:                req.MinorUnits(),
		RedirectURL:           withQuery(p.cfg.RedirectURL, "merchantTransactionId", req.MerchantTransactionID),
		RedirectMode:          "POST",
		CallbackURL:           p.cfg.CallbackURL,
		MobileNumber:          req.CustomerPhone,
	}
	payload.PaymentInstrument.Type = "PAY_PAGE"

	raw, err := json.Marshal(payload)
	if err != nil {
		return InitiateResult{}, fmt.Errorf("phonepe: failed to marshal pay request: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(raw)
	body, err := json.Marshal(phonePeEnvelope{Request: encoded})
	if err != nil {
		return InitiateResult{}, fmt.Errorf("phonepe: failed to marshal envelope: %w", err)
	}
	xVerify := p.checksum.Sign(encoded + phonePePayPath)

	resp, err := p.caller.do(ctx, func(ctx context.Context) (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+phonePePayPath, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", "application/json")
		r.Header.Set("X-VERIFY", xVerify)
		return r, nil
	})
	if err != nil {
		return InitiateResult{}, fmt.Errorf("phonepe: pay request: %w", err)
	}

	result := InitiateResult{Raw: resp.body}
	var decoded phonePeResponse
	if err := json.Unmarshal(resp.body, &decoded); err != nil {
		// A non-JSON answer is still an answer: the provider did not open the page.
		return result, nil
	}
	redirect := decoded.Data.InstrumentResponse.RedirectInfo.URL
	result.Success = resp.status < 300 && decoded.Success && redirect != ""
	result.RedirectURL = redirect
	result.ProviderTransactionID = decoded.Data.TransactionID
	return result, nil
}

// Verify checks the X-VERIFY checksum over the base64 response field of a callback body.
func (p *PhonePe) Verify(raw []byte, signature string) bool {
	var env phonePeEnvelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Response == "" {
		return false
	}
	return p.checksum.Verify([]byte(env.Response), signature)
}

// ParseCallback verifies and decodes a server-to-server callback.
func (p *PhonePe) ParseCallback(raw []byte, signature string) (Outcome, error) {
	if !p.Verify(raw, signature) {
		return Outcome{Raw: raw}, ErrVerification
	}
	var env phonePeEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Outcome{Raw: raw, Verified: true}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	decodedBody, err := base64.StdEncoding.DecodeString(env.Response)
	if err != nil {
		return Outcome{Raw: raw, Verified: true}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var decoded phonePeResponse
	if err := json.Unmarshal(decodedBody, &decoded); err != nil {
		return Outcome{Raw: decodedBody, Verified: true}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return p.outcome(decoded, decodedBody), nil
}

// CheckStatus polls the transaction status API.
func (p *PhonePe) CheckStatus(ctx context.Context, q StatusQuery) (Outcome, error) {
	path := fmt.Sprintf("%s/%s/%s", phonePeStatusPath, p.cfg.MerchantID, q.MerchantTransactionID)
	xVerify := p.checksum.Sign(path)

	resp, err := p.caller.do(ctx, func(ctx context.Context) (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+path, nil)
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", "application/json")
		r.Header.Set("X-VERIFY", xVerify)
		r.Header.Set("X-MERCHANT-ID", p.cfg.MerchantID)
		return r, nil
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("phonepe: status request: %w", err)
	}

	var decoded phonePeResponse
	if err := json.Unmarshal(resp.body, &decoded); err != nil {
		return Outcome{Raw: resp.body}, fmt.Errorf("phonepe: %w: %v", ErrMalformed, err)
	}
	if decoded.Data.MerchantTransactionID == "" {
		decoded.Data.MerchantTransactionID = q.MerchantTransactionID
	}
	out := p.outcome(decoded, resp.body)
	if decoded.Code == "TRANSACTION_NOT_FOUND" {
		out.State = StateFailed
	}
	return out, nil
}

func (p *PhonePe) outcome(r phonePeResponse, raw []byte) Outcome {
	return Outcome{
		MerchantTransactionID: r.Data.MerchantTransactionID,
		ProviderTransactionID: r.Data.TransactionID,
		State:                 phonePeState(r.Data.State, r.Code),
		Raw:                   raw,
		Verified:              true,
	}
}

func phonePeState(state, code string) State {
	switch strings.ToUpper(state) {
	case "COMPLETED":
		return StateSucceeded
	case "FAILED":
		return StateFailed
	case "PENDING":
		return StatePending
	}
	switch code {
	case "PAYMENT_SUCCESS":
		return StateSucceeded
	case "PAYMENT_ERROR", "PAYMENT_DECLINED", "TIMED_OUT", "AUTHORIZATION_FAILED":
		return StateFailed
	case "PAYMENT_PENDING", "INTERNAL_SERVER_ERROR":
		return StatePending
	}
	return StateUnknown
}

func withQuery(base, key, value string) string {
	if base == "" {
		return ""
	}
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}
