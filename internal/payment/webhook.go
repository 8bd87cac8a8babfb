package payment

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"marketpay/internal/common/api"
	"marketpay/internal/common/middleware"
	"marketpay/internal/gateway"
	"marketpay/internal/gateway/verify"
)

// WebhookHandler terminates gateway webhook deliveries. The signature
// is verified against the raw body before any field is parsed; a bad
// signature is the only thing that earns a non-200, so gateways do
// not hot-loop retrying business no-ops.
type WebhookHandler struct {
	verifier   *verify.Verifier
	reconciler *Reconciler
	logger     *slog.Logger
}

// NewWebhookHandler creates a WebhookHandler.
func NewWebhookHandler(verifier *verify.Verifier, reconciler *Reconciler, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		verifier:   verifier,
		reconciler: reconciler,
		logger:     logger,
	}
}

// Paystack handles POST /webhooks/paystack.
func (h *WebhookHandler) Paystack(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, gateway.Paystack, parsePaystackEvent)
}

// Flutterwave handles POST /webhooks/flutterwave.
func (h *WebhookHandler) Flutterwave(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, gateway.Flutterwave, parseFlutterwaveEvent)
}

func (h *WebhookHandler) handle(w http.ResponseWriter, r *http.Request, gatewayName string, parse func([]byte) (WebhookEvent, error)) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Error("failed to read webhook body", "gateway", gatewayName, "error", err)
		api.BadRequest(w, "failed to read body")
		return
	}
	defer r.Body.Close()

	signature := r.Header.Get(verify.SignatureHeader(gatewayName))
	if !h.verifier.Verify(gatewayName, body, signature) {
		h.logger.Warn("webhook signature verification failed",
			"gateway", gatewayName,
			"correlation_id", middleware.GetCorrelationID(r.Context()),
			"remote_addr", r.RemoteAddr,
			"content_length", len(body),
		)
		api.Unauthorized(w, "invalid webhook signature")
		return
	}

	event, err := parse(body)
	if err != nil {
		// Authenticated but malformed; acknowledge so the gateway does
		// not redeliver something we will never be able to parse.
		h.logger.Error("failed to parse webhook payload",
			"gateway", gatewayName,
			"error", err,
		)
		api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	event.Gateway = gatewayName

	outcome, err := h.reconciler.HandleWebhookEvent(r.Context(), event)
	if err != nil {
		// Transient failure: non-200 so the gateway redelivers, which
		// is safe behind the idempotency gates.
		h.logger.Error("webhook reconciliation failed",
			"gateway", gatewayName,
			"reference", event.Reference,
			"error", err,
		)
		status := http.StatusInternalServerError
		if errors.Is(err, gateway.ErrUnreachable) {
			status = http.StatusBadGateway
		}
		api.WriteError(w, status, api.ErrCodeServiceUnavail, "payment could not be confirmed, please retry")
		return
	}

	api.WriteJSON(w, http.StatusOK, map[string]string{"status": string(outcome)})
}

type paystackWebhook struct {
	Event string `json:"event"`
	Data  struct {
		Reference      string `json:"reference"`
		GatewayMessage string `json:"gateway_response"`
	} `json:"data"`
}

func parsePaystackEvent(body []byte) (WebhookEvent, error) {
	var p paystackWebhook
	if err := json.Unmarshal(body, &p); err != nil {
		return WebhookEvent{}, err
	}

	event := WebhookEvent{Reference: p.Data.Reference}
	switch p.Event {
	case "charge.success":
		event.Class = EventSucceeded
	case "charge.failed":
		event.Class = EventFailed
		event.Reason = p.Data.GatewayMessage
	default:
		event.Class = EventIgnored
	}
	return event, nil
}

type flutterwaveWebhook struct {
	Event string `json:"event"`
	Data  struct {
		TxRef            string `json:"tx_ref"`
		Status           string `json:"status"`
		ProcessorMessage string `json:"processor_response"`
	} `json:"data"`
}

func parseFlutterwaveEvent(body []byte) (WebhookEvent, error) {
	var p flutterwaveWebhook
	if err := json.Unmarshal(body, &p); err != nil {
		return WebhookEvent{}, err
	}

	event := WebhookEvent{Reference: p.Data.TxRef}
	if p.Event != "charge.completed" {
		event.Class = EventIgnored
		return event, nil
	}

	switch p.Data.Status {
	case "successful":
		event.Class = EventSucceeded
	case "failed":
		event.Class = EventFailed
		event.Reason = p.Data.ProcessorMessage
	default:
		event.Class = EventIgnored
	}
	return event, nil
}
