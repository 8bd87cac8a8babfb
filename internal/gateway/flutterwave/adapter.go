// Package flutterwave implements the Flutterwave payment gateway adapter.
package flutterwave

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"marketpay/internal/common/money"
	"marketpay/internal/gateway"
)

// Config holds Flutterwave adapter configuration.
type Config struct {
	BaseURL     string        `envconfig:"FLUTTERWAVE_BASE_URL" default:"https://api.flutterwave.com/v3"`
	SecretKey   string        `envconfig:"FLUTTERWAVE_SECRET_KEY" required:"true"`
	RedirectURL string        `envconfig:"FLUTTERWAVE_REDIRECT_URL"`
	Timeout     time.Duration `envconfig:"FLUTTERWAVE_TIMEOUT" default:"30s"`
}

// Adapter talks to the Flutterwave v3 REST API. Flutterwave amounts
// are in major units (naira), so the adapter converts to and from kobo
// at the boundary.
type Adapter struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAdapter creates a new Flutterwave adapter.
func NewAdapter(cfg Config, logger *slog.Logger) *Adapter {
	return &Adapter{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

// Name implements gateway.Adapter.
func (a *Adapter) Name() string {
	return gateway.Flutterwave
}

type paymentCustomer struct {
	Email       string `json:"email"`
	Name        string `json:"name,omitempty"`
	PhoneNumber string `json:"phonenumber,omitempty"`
}

type paymentRequest struct {
	TxRef       string          `json:"tx_ref"`
	Amount      float64         `json:"amount"`
	Currency    string          `json:"currency"`
	RedirectURL string          `json:"redirect_url,omitempty"`
	Customer    paymentCustomer `json:"customer"`
	Narration   string          `json:"narration,omitempty"`
}

type paymentResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    struct {
		Link string `json:"link"`
	} `json:"data"`
}

// Initialize implements gateway.Adapter.
func (a *Adapter) Initialize(ctx context.Context, payable gateway.Payable, customer gateway.Customer) (*gateway.InitResult, error) {
	req := paymentRequest{
		TxRef:       payable.Reference,
		Amount:      payable.Amount.ToMajor(),
		Currency:    string(payable.Amount.Currency),
		RedirectURL: a.config.RedirectURL,
		Customer: paymentCustomer{
			Email:       customer.Email,
			Name:        customer.Name,
			PhoneNumber: customer.Phone,
		},
		Narration: payable.Narration,
	}

	a.logger.Info("initializing flutterwave payment",
		"tx_ref", payable.Reference,
		"amount_minor", payable.Amount.AmountMinor,
	)

	raw, err := a.post(ctx, "/payments", req)
	if err != nil {
		return nil, err
	}

	var resp paymentResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal payment response: %w", err)
	}

	if resp.Status != "success" {
		return nil, &gateway.RejectedError{
			Gateway: gateway.Flutterwave,
			Message: resp.Message,
		}
	}

	return &gateway.InitResult{
		RedirectURL: resp.Data.Link,
		Reference:   payable.Reference,
	}, nil
}

type verifyResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    struct {
		ID          int64   `json:"id"`
		TxRef       string  `json:"tx_ref"`
		Status      string  `json:"status"`
		Amount      float64 `json:"amount"`
		Currency    string  `json:"currency"`
		PaymentType string  `json:"payment_type"`
		CreatedAt   string  `json:"created_at"`
	} `json:"data"`
}

// VerifyByReference implements gateway.Adapter.
func (a *Adapter) VerifyByReference(ctx context.Context, reference string) (*gateway.Verification, error) {
	verification, _, err := a.verify(ctx, reference)
	return verification, err
}

func (a *Adapter) verify(ctx context.Context, reference string) (*gateway.Verification, int64, error) {
	raw, err := a.get(ctx, "/transactions/verify_by_reference?tx_ref="+url.QueryEscape(reference))
	if err != nil {
		return nil, 0, err
	}

	var resp verifyResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, 0, fmt.Errorf("unmarshal verify response: %w", err)
	}

	if resp.Status != "success" {
		return nil, 0, &gateway.RejectedError{
			Gateway: gateway.Flutterwave,
			Message: resp.Message,
		}
	}

	if resp.Data.Currency != "" && resp.Data.Currency != string(money.NGN) {
		return nil, 0, &gateway.AmountUnitError{
			Gateway:  gateway.Flutterwave,
			Expected: money.NGN,
			Reported: resp.Data.Currency,
		}
	}

	verification := &gateway.Verification{
		Success:       resp.Data.Status == "successful",
		Reference:     resp.Data.TxRef,
		Amount:        money.NGNFromMajor(resp.Data.Amount),
		GatewayStatus: resp.Data.Status,
		Channel:       resp.Data.PaymentType,
		Raw:           raw,
	}

	if resp.Data.CreatedAt != "" {
		if t, err := time.Parse(time.RFC3339, resp.Data.CreatedAt); err == nil {
			verification.PaidAt = &t
		}
	}

	return verification, resp.Data.ID, nil
}

type refundResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Refund implements gateway.Adapter. Flutterwave refunds are keyed by
// the numeric transaction ID, so the reference is resolved first.
func (a *Adapter) Refund(ctx context.Context, reference string) error {
	_, txID, err := a.verify(ctx, reference)
	if err != nil {
		return fmt.Errorf("resolve transaction id: %w", err)
	}

	a.logger.Info("requesting flutterwave refund",
		"tx_ref", reference,
		"transaction_id", txID,
	)

	raw, err := a.post(ctx, fmt.Sprintf("/transactions/%d/refund", txID), struct{}{})
	if err != nil {
		return err
	}

	var resp refundResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("unmarshal refund response: %w", err)
	}

	if resp.Status != "success" {
		return &gateway.RejectedError{
			Gateway: gateway.Flutterwave,
			Message: resp.Message,
		}
	}

	return nil
}

func (a *Adapter) post(ctx context.Context, path string, reqBody interface{}) ([]byte, error) {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.config.SecretKey)

	return a.do(httpReq)
}

func (a *Adapter) get(ctx context.Context, path string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.config.BaseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+a.config.SecretKey)

	return a.do(httpReq)
}

func (a *Adapter) do(req *http.Request) ([]byte, error) {
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrUnreachable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", gateway.ErrUnreachable, err)
	}

	if resp.StatusCode >= 400 {
		var e struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(raw, &e)
		return nil, &gateway.RejectedError{
			Gateway: gateway.Flutterwave,
			Status:  resp.StatusCode,
			Message: e.Message,
		}
	}

	return raw, nil
}
