// Package verify authenticates inbound gateway webhooks before any
// payload parsing happens.
package verify

import (
	"crypto/hmac"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"

	"marketpay/internal/gateway"
)

// Config holds the webhook secrets for each gateway.
type Config struct {
	PaystackSecret    string `envconfig:"PAYSTACK_SECRET_KEY" required:"true"`
	FlutterwaveSecret string `envconfig:"FLUTTERWAVE_WEBHOOK_SECRET" required:"true"`
}

// Verifier checks webhook signatures. Each gateway has its own scheme:
// Paystack signs the raw body with HMAC-SHA512 keyed by the secret key,
// Flutterwave sends the shared secret verbatim in a header.
type Verifier struct {
	paystackSecret    []byte
	flutterwaveSecret []byte
}

// New creates a Verifier from config.
func New(cfg Config) *Verifier {
	return &Verifier{
		paystackSecret:    []byte(cfg.PaystackSecret),
		flutterwaveSecret: []byte(cfg.FlutterwaveSecret),
	}
}

// Verify reports whether the signature header authenticates rawBody for
// the named gateway. Unknown gateways always fail.
func (v *Verifier) Verify(gatewayName string, rawBody []byte, signatureHeader string) bool {
	switch gatewayName {
	case gateway.Paystack:
		return v.verifyPaystack(rawBody, signatureHeader)
	case gateway.Flutterwave:
		return v.verifyFlutterwave(signatureHeader)
	default:
		return false
	}
}

func (v *Verifier) verifyPaystack(rawBody []byte, signatureHeader string) bool {
	if signatureHeader == "" {
		return false
	}
	mac := hmac.New(sha512.New, v.paystackSecret)
	mac.Write(rawBody)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signatureHeader))
}

func (v *Verifier) verifyFlutterwave(signatureHeader string) bool {
	if signatureHeader == "" {
		return false
	}
	return subtle.ConstantTimeCompare(v.flutterwaveSecret, []byte(signatureHeader)) == 1
}

// SignatureHeader returns the header name carrying the signature for a
// gateway, used by the webhook handlers.
func SignatureHeader(gatewayName string) string {
	switch gatewayName {
	case gateway.Paystack:
		return "x-paystack-signature"
	case gateway.Flutterwave:
		return "verif-hash"
	default:
		return ""
	}
}
