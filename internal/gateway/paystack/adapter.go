// Package paystack implements the Paystack payment gateway adapter.
package paystack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"marketpay/internal/common/money"
	"marketpay/internal/gateway"
)

// Config holds Paystack adapter configuration.
type Config struct {
	BaseURL   string        `envconfig:"PAYSTACK_BASE_URL" default:"https://api.paystack.co"`
	SecretKey string        `envconfig:"PAYSTACK_SECRET_KEY" required:"true"`
	Timeout   time.Duration `envconfig:"PAYSTACK_TIMEOUT" default:"30s"`
}

// Adapter talks to the Paystack REST API. Paystack amounts are already
// in kobo, so no unit conversion is needed.
type Adapter struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAdapter creates a new Paystack adapter.
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
	return gateway.Paystack
}

type initializeRequest struct {
	Email     string `json:"email"`
	Amount    int64  `json:"amount"`
	Reference string `json:"reference"`
	Currency  string `json:"currency"`
}

type initializeResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		AuthorizationURL string `json:"authorization_url"`
		AccessCode       string `json:"access_code"`
		Reference        string `json:"reference"`
	} `json:"data"`
}

// Initialize implements gateway.Adapter.
func (a *Adapter) Initialize(ctx context.Context, payable gateway.Payable, customer gateway.Customer) (*gateway.InitResult, error) {
	req := initializeRequest{
		Email:     customer.Email,
		Amount:    payable.Amount.AmountMinor,
		Reference: payable.Reference,
		Currency:  string(payable.Amount.Currency),
	}

	a.logger.Info("initializing paystack transaction",
		"reference", payable.Reference,
		"amount_minor", payable.Amount.AmountMinor,
	)

	var resp initializeResponse
	if err := a.post(ctx, "/transaction/initialize", req, &resp); err != nil {
		return nil, err
	}

	if !resp.Status {
		return nil, &gateway.RejectedError{
			Gateway: gateway.Paystack,
			Message: resp.Message,
		}
	}

	return &gateway.InitResult{
		RedirectURL: resp.Data.AuthorizationURL,
		Reference:   resp.Data.Reference,
		AccessCode:  resp.Data.AccessCode,
	}, nil
}

type verifyResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		Status    string `json:"status"`
		Reference string `json:"reference"`
		Amount    int64  `json:"amount"`
		Currency  string `json:"currency"`
		Channel   string `json:"channel"`
		PaidAt    string `json:"paid_at"`
	} `json:"data"`
}

// VerifyByReference implements gateway.Adapter.
func (a *Adapter) VerifyByReference(ctx context.Context, reference string) (*gateway.Verification, error) {
	raw, err := a.get(ctx, "/transaction/verify/"+reference)
	if err != nil {
		return nil, err
	}

	var resp verifyResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal verify response: %w", err)
	}

	if !resp.Status {
		return nil, &gateway.RejectedError{
			Gateway: gateway.Paystack,
			Message: resp.Message,
		}
	}

	if resp.Data.Currency != "" && resp.Data.Currency != string(money.NGN) {
		return nil, &gateway.AmountUnitError{
			Gateway:  gateway.Paystack,
			Expected: money.NGN,
			Reported: resp.Data.Currency,
		}
	}

	verification := &gateway.Verification{
		Success:       resp.Data.Status == "success",
		Reference:     resp.Data.Reference,
		Amount:        money.NGNFromKobo(resp.Data.Amount),
		GatewayStatus: resp.Data.Status,
		Channel:       resp.Data.Channel,
		Raw:           raw,
	}

	if resp.Data.PaidAt != "" {
		if t, err := time.Parse(time.RFC3339, resp.Data.PaidAt); err == nil {
			verification.PaidAt = &t
		}
	}

	return verification, nil
}

type refundRequest struct {
	Transaction string `json:"transaction"`
}

type refundResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
}

// Refund implements gateway.Adapter.
func (a *Adapter) Refund(ctx context.Context, reference string) error {
	a.logger.Info("requesting paystack refund", "reference", reference)

	var resp refundResponse
	if err := a.post(ctx, "/refund", refundRequest{Transaction: reference}, &resp); err != nil {
		return err
	}

	if !resp.Status {
		return &gateway.RejectedError{
			Gateway: gateway.Paystack,
			Message: resp.Message,
		}
	}

	return nil
}

func (a *Adapter) post(ctx context.Context, path string, reqBody, respBody interface{}) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.config.SecretKey)

	raw, status, err := a.do(httpReq)
	if err != nil {
		return err
	}

	if status >= 400 {
		return rejection(status, raw)
	}

	if err := json.Unmarshal(raw, respBody); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}

	return nil
}

func (a *Adapter) get(ctx context.Context, path string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.config.BaseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+a.config.SecretKey)

	raw, status, err := a.do(httpReq)
	if err != nil {
		return nil, err
	}

	if status >= 400 {
		return nil, rejection(status, raw)
	}

	return raw, nil
}

func (a *Adapter) do(req *http.Request) ([]byte, int, error) {
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", gateway.ErrUnreachable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: read response: %v", gateway.ErrUnreachable, err)
	}

	return raw, resp.StatusCode, nil
}

func rejection(status int, raw []byte) error {
	var e struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(raw, &e)
	return &gateway.RejectedError{
		Gateway: gateway.Paystack,
		Status:  status,
		Message: e.Message,
	}
}
