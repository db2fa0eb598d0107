package gateway_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"tokopay/internal/config"
	"tokopay/internal/gateway"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGatewayConfig(baseURL string) config.GatewayConfig {
	return config.GatewayConfig{
		Timeout:       200 * time.Millisecond,
		RetryAttempts: 3,
		RetryDelay:    time.Millisecond,
		PhonePe: config.PhonePeConfig{
			BaseURL:     baseURL,
			MerchantID:  "MERCHANTUAT",
			SaltKey:     "salt-key",
			SaltIndex:   "1",
			RedirectURL: "https://shop.example/payment/return",
			CallbackURL: "https://shop.example/api/v1/payments/phonepe/callback",
		},
		Razorpay: config.RazorpayConfig{
			BaseURL:       baseURL,
			KeyID:         "rzp_test_key",
			KeySecret:     "rzp_test_secret",
			WebhookSecret: "whsec",
			CallbackURL:   "https://shop.example/payment/return",
		},
	}
}

func testIntent() gateway.IntentRequest {
	return gateway.IntentRequest{
		MerchantTransactionID: "MT-1",
		OrderID:               "order-1",
		UserID:                "user-1",
		Amount:                decimal.RequireFromString("499.50"),
		Currency:              "INR",
		CustomerName:          "asha",
		CustomerEmail:         "asha@example.com",
		CustomerPhone:         "+919999999999",
	}
}

func phonePeCallbackBody(t *testing.T, state, code string) (body []byte, response string) {
	t.Helper()
	inner, err := json.Marshal(map[string]interface{}{
		"success": state == "COMPLETED",
		"code":    code,
		"data": map[string]interface{}{
			"merchantId":            "MERCHANTUAT",
			"merchantTransactionId": "MT-1",
			"transactionId":         "T2306",
			"amount":                49950,
			"state":                 state,
		},
	})
	require.NoError(t, err)
	response = base64.StdEncoding.EncodeToString(inner)
	body, err = json.Marshal(map[string]string{"response": response})
	require.NoError(t, err)
	return body, response
}

func TestIntentRequest_MinorUnits(t *testing.T) {
	req := testIntent()
	assert.Equal(t, int64(49950), req.MinorUnits())

	req.Amount = decimal.RequireFromString("10.005")
	assert.Equal(t, int64(1001), req.MinorUnits())
}

func TestRegistry(t *testing.T) {
	cfg := testGatewayConfig("http://unused")
	reg := gateway.NewRegistry(gateway.NewPhonePe(cfg, nil), gateway.NewRazorpay(cfg, nil))

	a, err := reg.Get("phonepe")
	require.NoError(t, err)
	assert.Equal(t, "phonepe", a.Name())

	_, err = reg.Get("paypal")
	assert.Error(t, err)

	assert.Equal(t, []string{"phonepe", "razorpay"}, reg.Names())
}

func TestSaltedChecksum(t *testing.T) {
	c := gateway.SaltedChecksum{SaltKey: "k", SaltIndex: "1"}
	sig := c.Sign("payload")

	assert.True(t, strings.HasSuffix(sig, "###1"))
	assert.True(t, c.Verify([]byte("payload"), sig))
	assert.False(t, c.Verify([]byte("payload2"), sig))
	assert.False(t, c.Verify([]byte("payload"), ""))
	assert.False(t, gateway.SaltedChecksum{}.Verify([]byte("payload"), sig))
}

func TestHMACSHA256(t *testing.T) {
	h := gateway.HMACSHA256{Secret: "s"}
	sig := h.Sign([]byte("body"))

	assert.True(t, h.Verify([]byte("body"), sig))
	assert.False(t, h.Verify([]byte("body "), sig))
	assert.False(t, h.Verify([]byte("body"), "not-hex"))
	assert.False(t, gateway.HMACSHA256{}.Verify([]byte("body"), sig))
}

func TestPhonePe_Initiate_Success(t *testing.T) {
	cfg := testGatewayConfig("")
	checksum := gateway.SaltedChecksum{SaltKey: cfg.PhonePe.SaltKey, SaltIndex: cfg.PhonePe.SaltIndex}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/pg/v1/pay", r.URL.Path)
		var env struct {
			Request string `json:"request"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&env))
		assert.Equal(t, checksum.Sign(env.Request+"/pg/v1/pay"), r.Header.Get("X-VERIFY"))

		raw, err := base64.StdEncoding.DecodeString(env.Request)
		require.NoError(t, err)
		var pay map[string]interface{}
		require.NoError(t, json.Unmarshal(raw, &pay))
		assert.Equal(t, "MT-1", pay["merchantTransactionId"])
		assert.EqualValues(t, 49950, pay["amount"])
		assert.Contains(t, pay["redirectUrl"], "merchantTransactionId=MT-1")

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"code":"PAYMENT_INITIATED","data":{"merchantTransactionId":"MT-1","transactionId":"T1","instrumentResponse":{"type":"PAY_PAGE","redirectInfo":{"url":"https://pay.example/abc","method":"GET"}}}}`))
	}))
	defer srv.Close()

	cfg.PhonePe.BaseURL = srv.URL
	res, err := gateway.NewPhonePe(cfg, srv.Client()).Initiate(context.Background(), testIntent())

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "https://pay.example/abc", res.RedirectURL)
	assert.Equal(t, "T1", res.ProviderTransactionID)
}

func TestPhonePe_Initiate_Refused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"success":false,"code":"BAD_REQUEST","message":"Please check the inputs you have provided."}`))
	}))
	defer srv.Close()

	res, err := gateway.NewPhonePe(testGatewayConfig(srv.URL), srv.Client()).Initiate(context.Background(), testIntent())

	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Raw)
}

func TestPhonePe_Initiate_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"data":{"instrumentResponse":{"redirectInfo":{"url":"https://pay.example/x"}}}}`))
	}))
	defer srv.Close()

	res, err := gateway.NewPhonePe(testGatewayConfig(srv.URL), srv.Client()).Initiate(context.Background(), testIntent())

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestPhonePe_Initiate_ServerErrorExhaustedIsUnknown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := gateway.NewPhonePe(testGatewayConfig(srv.URL), srv.Client()).Initiate(context.Background(), testIntent())

	assert.True(t, errors.Is(err, gateway.ErrOutcomeUnknown))
}

func TestPhonePe_Initiate_TimeoutIsUnknown(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	_, err := gateway.NewPhonePe(testGatewayConfig(srv.URL), srv.Client()).Initiate(context.Background(), testIntent())

	assert.True(t, errors.Is(err, gateway.ErrOutcomeUnknown))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "a request that may have been processed is not repeated")
}

func TestPhonePe_Initiate_UnreachableIsNotDelivered(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	_, err = gateway.NewPhonePe(testGatewayConfig("http://"+addr), nil).Initiate(context.Background(), testIntent())

	assert.True(t, errors.Is(err, gateway.ErrNotDelivered))
}

// scriptedTransport answers each round trip from a fixed script; the last entry repeats.
type scriptedTransport struct {
	calls  int32
	script []func(r *http.Request) (*http.Response, error)
}

func (s *scriptedTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	n := int(atomic.AddInt32(&s.calls, 1))
	if n > len(s.script) {
		n = len(s.script)
	}
	return s.script[n-1](r)
}

func serverError(r *http.Request) (*http.Response, error) {
	return &http.Response{
		StatusCode: http.StatusInternalServerError,
		Body:       io.NopCloser(strings.NewReader(`{"success":false}`)),
		Header:     make(http.Header),
		Request:    r,
	}, nil
}

func dialRefused(r *http.Request) (*http.Response, error) {
	return nil, &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
}

func TestPhonePe_Initiate_ServerErrorThenUnreachableIsUnknown(t *testing.T) {
	transport := &scriptedTransport{script: []func(*http.Request) (*http.Response, error){serverError, dialRefused}}
	client := &http.Client{Transport: transport}

	_, err := gateway.NewPhonePe(testGatewayConfig("http://phonepe.test"), client).Initiate(context.Background(), testIntent())

	assert.Equal(t, int32(3), atomic.LoadInt32(&transport.calls))
	assert.True(t, errors.Is(err, gateway.ErrOutcomeUnknown), "got %v", err)
	assert.False(t, errors.Is(err, gateway.ErrNotDelivered))
}

func TestPhonePe_Initiate_CancelledAfterServerErrorIsUnknown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	transport := &scriptedTransport{script: []func(*http.Request) (*http.Response, error){
		func(r *http.Request) (*http.Response, error) {
			cancel()
			return serverError(r)
		},
	}}
	cfg := testGatewayConfig("http://phonepe.test")
	cfg.RetryDelay = time.Hour

	_, err := gateway.NewPhonePe(cfg, &http.Client{Transport: transport}).Initiate(ctx, testIntent())

	assert.Equal(t, int32(1), atomic.LoadInt32(&transport.calls))
	assert.True(t, errors.Is(err, gateway.ErrOutcomeUnknown), "got %v", err)
}

func TestPhonePe_Initiate_UnreachableEveryAttemptIsNotDelivered(t *testing.T) {
	transport := &scriptedTransport{script: []func(*http.Request) (*http.Response, error){dialRefused}}

	_, err := gateway.NewPhonePe(testGatewayConfig("http://phonepe.test"), &http.Client{Transport: transport}).Initiate(context.Background(), testIntent())

	assert.Equal(t, int32(3), atomic.LoadInt32(&transport.calls))
	assert.True(t, errors.Is(err, gateway.ErrNotDelivered), "got %v", err)
}

func TestPhonePe_ParseCallback(t *testing.T) {
	p := gateway.NewPhonePe(testGatewayConfig("http://unused"), nil)
	checksum := gateway.SaltedChecksum{SaltKey: "salt-key", SaltIndex: "1"}

	tests := []struct {
		name  string
		state string
		code  string
		want  gateway.State
	}{
		{"completed", "COMPLETED", "PAYMENT_SUCCESS", gateway.StateSucceeded},
		{"failed", "FAILED", "PAYMENT_ERROR", gateway.StateFailed},
		{"pending", "PENDING", "PAYMENT_PENDING", gateway.StatePending},
		{"code fallback", "", "PAYMENT_DECLINED", gateway.StateFailed},
		{"unknown", "", "SOMETHING_NEW", gateway.StateUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, response := phonePeCallbackBody(t, tt.state, tt.code)
			out, err := p.ParseCallback(body, checksum.Sign(response))

			require.NoError(t, err)
			assert.True(t, out.Verified)
			assert.Equal(t, tt.want, out.State)
			assert.Equal(t, "MT-1", out.MerchantTransactionID)
			assert.Equal(t, "T2306", out.ProviderTransactionID)
		})
	}
}

func TestPhonePe_ParseCallback_RejectsBadSignature(t *testing.T) {
	p := gateway.NewPhonePe(testGatewayConfig("http://unused"), nil)
	body, response := phonePeCallbackBody(t, "COMPLETED", "PAYMENT_SUCCESS")
	wrong := gateway.SaltedChecksum{SaltKey: "other", SaltIndex: "1"}

	_, err := p.ParseCallback(body, wrong.Sign(response))
	assert.True(t, errors.Is(err, gateway.ErrVerification))

	_, err = p.ParseCallback(body, "")
	assert.True(t, errors.Is(err, gateway.ErrVerification))

	_, err = p.ParseCallback([]byte(`not json`), "x")
	assert.True(t, errors.Is(err, gateway.ErrVerification))
}

func TestPhonePe_ParseCallback_Malformed(t *testing.T) {
	p := gateway.NewPhonePe(testGatewayConfig("http://unused"), nil)
	checksum := gateway.SaltedChecksum{SaltKey: "salt-key", SaltIndex: "1"}
	body := []byte(`{"response":"%%%not-base64"}`)

	_, err := p.ParseCallback(body, checksum.Sign("%%%not-base64"))
	assert.True(t, errors.Is(err, gateway.ErrMalformed))
}

func TestPhonePe_CheckStatus(t *testing.T) {
	checksum := gateway.SaltedChecksum{SaltKey: "salt-key", SaltIndex: "1"}
	answer := `{"success":true,"code":"PAYMENT_SUCCESS","data":{"merchantTransactionId":"MT-1","transactionId":"T9","state":"COMPLETED"}}`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/pg/v1/status/MERCHANTUAT/MT-1", r.URL.Path)
		assert.Equal(t, checksum.Sign(r.URL.Path), r.Header.Get("X-VERIFY"))
		assert.Equal(t, "MERCHANTUAT", r.Header.Get("X-MERCHANT-ID"))
		_, _ = w.Write([]byte(answer))
	}))
	defer srv.Close()

	out, err := gateway.NewPhonePe(testGatewayConfig(srv.URL), srv.Client()).
		CheckStatus(context.Background(), gateway.StatusQuery{MerchantTransactionID: "MT-1"})

	require.NoError(t, err)
	assert.Equal(t, gateway.StateSucceeded, out.State)
	assert.Equal(t, "T9", out.ProviderTransactionID)
}

func TestPhonePe_CheckStatus_NotFoundIsFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"code":"TRANSACTION_NOT_FOUND","message":"No Transaction found with the given details."}`))
	}))
	defer srv.Close()

	out, err := gateway.NewPhonePe(testGatewayConfig(srv.URL), srv.Client()).
		CheckStatus(context.Background(), gateway.StatusQuery{MerchantTransactionID: "MT-1"})

	require.NoError(t, err)
	assert.Equal(t, gateway.StateFailed, out.State)
	assert.Equal(t, "MT-1", out.MerchantTransactionID)
}

func TestRazorpay_Initiate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payment_links", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "rzp_test_key", user)
		assert.Equal(t, "rzp_test_secret", pass)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.EqualValues(t, 49950, body["amount"])
		assert.Equal(t, "MT-1", body["reference_id"])
		assert.Equal(t, "get", body["callback_method"])

		_, _ = w.Write([]byte(`{"id":"plink_1","short_url":"https://rzp.io/i/abc","status":"created","reference_id":"MT-1"}`))
	}))
	defer srv.Close()

	res, err := gateway.NewRazorpay(testGatewayConfig(srv.URL), srv.Client()).Initiate(context.Background(), testIntent())

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "https://rzp.io/i/abc", res.RedirectURL)
	assert.Equal(t, "plink_1", res.GatewayOrderID)
}

func TestRazorpay_Initiate_Refused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":"BAD_REQUEST_ERROR","description":"The amount must be atleast INR 1.00"}}`))
	}))
	defer srv.Close()

	res, err := gateway.NewRazorpay(testGatewayConfig(srv.URL), srv.Client()).Initiate(context.Background(), testIntent())

	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestRazorpay_ParseCallback(t *testing.T) {
	r := gateway.NewRazorpay(testGatewayConfig("http://unused"), nil)
	mac := gateway.HMACSHA256{Secret: "whsec"}

	tests := []struct {
		name string
		body string
		want gateway.State
	}{
		{
			"link paid",
			`{"event":"payment_link.paid","payload":{"payment_link":{"entity":{"id":"plink_1","reference_id":"MT-1","status":"paid"}},"payment":{"entity":{"id":"pay_1","status":"captured","notes":{"merchant_transaction_id":"MT-1"}}}}}`,
			gateway.StateSucceeded,
		},
		{
			"link expired",
			`{"event":"payment_link.expired","payload":{"payment_link":{"entity":{"id":"plink_1","reference_id":"MT-1","status":"expired"}}}}`,
			gateway.StateFailed,
		},
		{
			"single payment failed is retryable",
			`{"event":"payment.failed","payload":{"payment":{"entity":{"id":"pay_2","status":"failed","notes":{"merchant_transaction_id":"MT-1"}}}}}`,
			gateway.StatePending,
		},
		{
			"notes as empty array",
			`{"event":"payment.captured","payload":{"payment":{"entity":{"id":"pay_3","status":"captured","notes":[]}}}}`,
			gateway.StatePending,
		},
		{
			"unrelated event",
			`{"event":"refund.created","payload":{}}`,
			gateway.StateUnknown,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := []byte(tt.body)
			out, err := r.ParseCallback(body, mac.Sign(body))

			require.NoError(t, err)
			assert.Equal(t, tt.want, out.State)
		})
	}

	body := []byte(tests[0].body)
	out, err := r.ParseCallback(body, mac.Sign(body))
	require.NoError(t, err)
	assert.Equal(t, "MT-1", out.MerchantTransactionID)
	assert.Equal(t, "pay_1", out.GatewayPaymentID)
}

func TestRazorpay_ParseCallback_RejectsTamperedBody(t *testing.T) {
	r := gateway.NewRazorpay(testGatewayConfig("http://unused"), nil)
	mac := gateway.HMACSHA256{Secret: "whsec"}
	body := []byte(`{"event":"payment_link.paid","payload":{"payment_link":{"entity":{"reference_id":"MT-1"}}}}`)
	sig := mac.Sign(body)

	tampered := []byte(strings.Replace(string(body), "MT-1", "MT-2", 1))
	_, err := r.ParseCallback(tampered, sig)

	assert.True(t, errors.Is(err, gateway.ErrVerification))
}

func TestRazorpay_CheckStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payment_links/plink_1", r.URL.Path)
		_, _ = w.Write([]byte(`{"id":"plink_1","status":"paid","payments":[{"payment_id":"pay_9","status":"captured"}]}`))
	}))
	defer srv.Close()

	out, err := gateway.NewRazorpay(testGatewayConfig(srv.URL), srv.Client()).
		CheckStatus(context.Background(), gateway.StatusQuery{MerchantTransactionID: "MT-1", GatewayOrderID: "plink_1"})

	require.NoError(t, err)
	assert.Equal(t, gateway.StateSucceeded, out.State)
	assert.Equal(t, "pay_9", out.GatewayPaymentID)
	assert.Equal(t, "MT-1", out.MerchantTransactionID)
}

func TestRazorpay_CheckStatus_RequiresLink(t *testing.T) {
	out, err := gateway.NewRazorpay(testGatewayConfig("http://unused"), nil).
		CheckStatus(context.Background(), gateway.StatusQuery{MerchantTransactionID: "MT-1"})

	assert.Error(t, err)
	assert.Equal(t, gateway.StateUnknown, out.State)
}
