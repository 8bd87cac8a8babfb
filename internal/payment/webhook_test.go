package payment

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketpay/internal/common/money"
	"marketpay/internal/gateway"
	"marketpay/internal/gateway/verify"
)

const (
	testPaystackSecret    = "sk_test_secret"
	testFlutterwaveSecret = "flw_verif_hash"
)

func newTestWebhookHandler(t *testing.T, adapter *fakeAdapter) (*WebhookHandler, *fakePaymentStore, *fakeInvoiceService) {
	t.Helper()
	r, store, invoices := testReconciler(t, adapter)
	verifier := verify.New(verify.Config{
		PaystackSecret:    testPaystackSecret,
		FlutterwaveSecret: testFlutterwaveSecret,
	})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewWebhookHandler(verifier, r, logger), store, invoices
}

func paystackSignature(body []byte) string {
	mac := hmac.New(sha512.New, []byte(testPaystackSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func postWebhook(h http.HandlerFunc, body []byte, header, value string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/x", bytes.NewReader(body))
	if header != "" {
		req.Header.Set(header, value)
	}
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func decodeStatus(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var out map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out["status"]
}

func TestPaystackWebhookInvalidSignature(t *testing.T) {
	adapter := &fakeAdapter{name: gateway.Paystack}
	h, store, _ := newTestWebhookHandler(t, adapter)
	seedPendingPayment(store, newFakeInvoiceService(), 53750)

	body := []byte(`{"event":"charge.success","data":{"reference":"PAY-TEST-1"}}`)

	// Missing header
	rec := postWebhook(h.Paystack, body, "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Signature from the wrong key
	mac := hmac.New(sha512.New, []byte("sk_wrong"))
	mac.Write(body)
	rec = postWebhook(h.Paystack, body, "x-paystack-signature", hex.EncodeToString(mac.Sum(nil)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Valid signature over a different body
	rec = postWebhook(h.Paystack, []byte(`{"tampered":true}`), "x-paystack-signature", paystackSignature(body))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Nothing reached the reconciler.
	p := store.payments["pay-1"]
	assert.Equal(t, StatusPending, p.Status)
	assert.Equal(t, 0, adapter.verifyCalls)
}

func TestPaystackWebhookSuccess(t *testing.T) {
	adapter := &fakeAdapter{
		name: gateway.Paystack,
		verification: &gateway.Verification{
			Success:       true,
			Amount:        money.NGNFromKobo(53750),
			GatewayStatus: "success",
			Channel:       "card",
		},
	}
	h, store, invoices := newTestWebhookHandler(t, adapter)
	seedPendingPayment(store, invoices, 53750)

	body := []byte(`{"event":"charge.success","data":{"reference":"PAY-TEST-1","gateway_response":"Approved"}}`)

	rec := postWebhook(h.Paystack, body, "x-paystack-signature", paystackSignature(body))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(OutcomeCompleted), decodeStatus(t, rec))

	p := store.payments["pay-1"]
	assert.Equal(t, StatusCompleted, p.Status)
	assert.Equal(t, 1, invoices.paidCalls)

	// Redelivery of the exact same payload acknowledges without
	// touching anything.
	rec = postWebhook(h.Paystack, body, "x-paystack-signature", paystackSignature(body))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(OutcomeNoMatch), decodeStatus(t, rec))
	assert.Equal(t, 1, invoices.paidCalls)
}

func TestPaystackWebhookMalformedButAuthenticated(t *testing.T) {
	adapter := &fakeAdapter{name: gateway.Paystack}
	h, _, _ := newTestWebhookHandler(t, adapter)

	body := []byte(`this is not json`)
	rec := postWebhook(h.Paystack, body, "x-paystack-signature", paystackSignature(body))

	// Acknowledged so the gateway does not redeliver forever.
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ignored", decodeStatus(t, rec))
}

func TestPaystackWebhookUnrelatedEvent(t *testing.T) {
	adapter := &fakeAdapter{name: gateway.Paystack}
	h, _, _ := newTestWebhookHandler(t, adapter)

	body := []byte(`{"event":"subscription.create","data":{"reference":"PAY-TEST-1"}}`)
	rec := postWebhook(h.Paystack, body, "x-paystack-signature", paystackSignature(body))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(OutcomeIgnored), decodeStatus(t, rec))
	assert.Equal(t, 0, adapter.verifyCalls)
}

func TestPaystackWebhookVerifyUnreachable(t *testing.T) {
	adapter := &fakeAdapter{name: gateway.Paystack, verifyErr: gateway.ErrUnreachable}
	h, store, invoices := newTestWebhookHandler(t, adapter)
	seedPendingPayment(store, invoices, 53750)

	body := []byte(`{"event":"charge.success","data":{"reference":"PAY-TEST-1"}}`)
	rec := postWebhook(h.Paystack, body, "x-paystack-signature", paystackSignature(body))

	// Non-200 so the gateway redelivers once we can verify again.
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, StatusPending, store.payments["pay-1"].Status)
}

func TestPaystackWebhookVerifyRejectedAcknowledged(t *testing.T) {
	adapter := &fakeAdapter{
		name:      gateway.Paystack,
		verifyErr: &gateway.RejectedError{Gateway: gateway.Paystack, Status: 400, Message: "transaction not found"},
	}
	h, store, invoices := newTestWebhookHandler(t, adapter)
	seedPendingPayment(store, invoices, 53750)

	body := []byte(`{"event":"charge.success","data":{"reference":"PAY-TEST-1"}}`)
	rec := postWebhook(h.Paystack, body, "x-paystack-signature", paystackSignature(body))

	// 200 so the gateway does not redeliver a terminal answer.
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(OutcomeVerifyMismatch), decodeStatus(t, rec))
	assert.Equal(t, StatusPending, store.payments["pay-1"].Status)
}

func TestFlutterwaveWebhookSuccess(t *testing.T) {
	adapter := &fakeAdapter{
		name: gateway.Flutterwave,
		verification: &gateway.Verification{
			Success:       true,
			Amount:        money.NGNFromKobo(53750),
			GatewayStatus: "successful",
			Channel:       "card",
		},
	}
	h, store, invoices := newTestWebhookHandler(t, adapter)
	p := seedPendingPayment(store, invoices, 53750)
	p.Gateway = gateway.Flutterwave

	body := []byte(`{"event":"charge.completed","data":{"tx_ref":"PAY-TEST-1","status":"successful"}}`)

	// The shared secret is compared verbatim, not an HMAC.
	rec := postWebhook(h.Flutterwave, body, "verif-hash", testFlutterwaveSecret)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(OutcomeCompleted), decodeStatus(t, rec))
	assert.Equal(t, StatusCompleted, store.payments["pay-1"].Status)
}

func TestFlutterwaveWebhookInvalidHash(t *testing.T) {
	adapter := &fakeAdapter{name: gateway.Flutterwave}
	h, store, invoices := newTestWebhookHandler(t, adapter)
	seedPendingPayment(store, invoices, 53750)

	body := []byte(`{"event":"charge.completed","data":{"tx_ref":"PAY-TEST-1","status":"successful"}}`)
	rec := postWebhook(h.Flutterwave, body, "verif-hash", "guessed_secret")

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, StatusPending, store.payments["pay-1"].Status)
}

func TestFlutterwaveWebhookFailedCharge(t *testing.T) {
	adapter := &fakeAdapter{name: gateway.Flutterwave}
	h, store, invoices := newTestWebhookHandler(t, adapter)
	p := seedPendingPayment(store, invoices, 53750)
	p.Gateway = gateway.Flutterwave

	body := []byte(`{"event":"charge.completed","data":{"tx_ref":"PAY-TEST-1","status":"failed","processor_response":"Card declined"}}`)
	rec := postWebhook(h.Flutterwave, body, "verif-hash", testFlutterwaveSecret)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(OutcomeFailed), decodeStatus(t, rec))

	got := store.payments["pay-1"]
	assert.Equal(t, StatusFailed, got.Status)
	require.NotNil(t, got.FailureReason)
	assert.Equal(t, "Card declined", *got.FailureReason)
}
