package paystack

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketpay/internal/common/money"
	"marketpay/internal/gateway"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return NewAdapter(Config{
		BaseURL:   server.URL,
		SecretKey: "sk_test_secret",
		Timeout:   5 * time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestInitialize(t *testing.T) {
	var got initializeRequest
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transaction/initialize", r.URL.Path)
		assert.Equal(t, "Bearer sk_test_secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": true,
			"data": map[string]string{
				"authorization_url": "https://checkout.paystack.com/abc",
				"access_code":       "abc",
				"reference":         got.Reference,
			},
		})
	})

	result, err := adapter.Initialize(context.Background(), gateway.Payable{
		Reference: "PAY-1",
		Amount:    money.NGNFromKobo(53750),
	}, gateway.Customer{Email: "seller@example.com"})
	require.NoError(t, err)

	// Paystack takes kobo natively.
	assert.Equal(t, int64(53750), got.Amount)
	assert.Equal(t, "NGN", got.Currency)
	assert.Equal(t, "https://checkout.paystack.com/abc", result.RedirectURL)
	assert.Equal(t, "PAY-1", result.Reference)
}

func TestVerifyByReference(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transaction/verify/PAY-1", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": true,
			"data": map[string]interface{}{
				"status":    "success",
				"reference": "PAY-1",
				"amount":    53750,
				"currency":  "NGN",
				"channel":   "card",
				"paid_at":   "2026-01-15T10:30:00Z",
			},
		})
	})

	v, err := adapter.VerifyByReference(context.Background(), "PAY-1")
	require.NoError(t, err)

	assert.True(t, v.Success)
	assert.Equal(t, int64(53750), v.Amount.AmountMinor)
	assert.Equal(t, "card", v.Channel)
	require.NotNil(t, v.PaidAt)
	assert.NotEmpty(t, v.Raw)
}

func TestVerifyUnsuccessfulCharge(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": true,
			"data": map[string]interface{}{
				"status":    "abandoned",
				"reference": "PAY-1",
				"amount":    53750,
			},
		})
	})

	v, err := adapter.VerifyByReference(context.Background(), "PAY-1")
	require.NoError(t, err)
	assert.False(t, v.Success)
	assert.Equal(t, "abandoned", v.GatewayStatus)
}

func TestVerifyRejectsForeignCurrency(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": true,
			"data": map[string]interface{}{
				"status":    "success",
				"reference": "PAY-1",
				"amount":    53750,
				"currency":  "USD",
			},
		})
	})

	_, err := adapter.VerifyByReference(context.Background(), "PAY-1")
	require.Error(t, err)

	var unitErr *gateway.AmountUnitError
	require.ErrorAs(t, err, &unitErr)
	assert.Equal(t, "USD", unitErr.Reported)
	assert.Equal(t, money.NGN, unitErr.Expected)
}

func TestVerifyRejected(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"message": "Transaction reference not found"})
	})

	_, err := adapter.VerifyByReference(context.Background(), "PAY-MISSING")
	require.Error(t, err)
	assert.True(t, gateway.IsRejected(err))
	assert.NotErrorIs(t, err, gateway.ErrUnreachable)
}

func TestUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	server.Close() // connection refused from here on

	adapter := NewAdapter(Config{
		BaseURL:   server.URL,
		SecretKey: "sk_test_secret",
		Timeout:   time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := adapter.VerifyByReference(context.Background(), "PAY-1")
	assert.ErrorIs(t, err, gateway.ErrUnreachable)
}

func TestRefund(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/refund", r.URL.Path)
		var req refundRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "PAY-1", req.Transaction)
		json.NewEncoder(w).Encode(map[string]interface{}{"status": true})
	})

	require.NoError(t, adapter.Refund(context.Background(), "PAY-1"))
}
