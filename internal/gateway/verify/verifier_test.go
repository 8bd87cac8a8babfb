package verify

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"

	"marketpay/internal/gateway"
)

func newTestVerifier() *Verifier {
	return New(Config{
		PaystackSecret:    "sk_test_paystack",
		FlutterwaveSecret: "flw_hash_secret",
	})
}

func signPaystack(secret string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifyPaystack(t *testing.T) {
	v := newTestVerifier()
	body := []byte(`{"event":"charge.success","data":{"reference":"PAY-1"}}`)

	assert.True(t, v.Verify(gateway.Paystack, body, signPaystack("sk_test_paystack", body)))

	// Wrong key
	assert.False(t, v.Verify(gateway.Paystack, body, signPaystack("sk_other", body)))

	// Signature over a different body
	assert.False(t, v.Verify(gateway.Paystack, []byte(`{"tampered":true}`), signPaystack("sk_test_paystack", body)))

	// Missing header
	assert.False(t, v.Verify(gateway.Paystack, body, ""))

	// Garbage header
	assert.False(t, v.Verify(gateway.Paystack, body, "not-a-signature"))
}

func TestVerifyFlutterwave(t *testing.T) {
	v := newTestVerifier()
	body := []byte(`{"event":"charge.completed"}`)

	assert.True(t, v.Verify(gateway.Flutterwave, body, "flw_hash_secret"))
	assert.False(t, v.Verify(gateway.Flutterwave, body, "wrong_secret"))
	assert.False(t, v.Verify(gateway.Flutterwave, body, ""))
}

func TestVerifyUnknownGateway(t *testing.T) {
	v := newTestVerifier()
	assert.False(t, v.Verify("stripe", []byte(`{}`), "anything"))
}

func TestSignatureHeader(t *testing.T) {
	assert.Equal(t, "x-paystack-signature", SignatureHeader(gateway.Paystack))
	assert.Equal(t, "verif-hash", SignatureHeader(gateway.Flutterwave))
	assert.Equal(t, "", SignatureHeader("stripe"))
}
