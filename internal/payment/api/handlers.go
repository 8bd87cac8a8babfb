// Package api exposes the payment HTTP surface.
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"marketpay/internal/common/api"
	"marketpay/internal/common/database"
	"marketpay/internal/common/middleware"
	"marketpay/internal/gateway"
	"marketpay/internal/invoice"
	"marketpay/internal/payment"
)

// Handler serves payment endpoints.
type Handler struct {
	reconciler *payment.Reconciler
	store      payment.Store
	logger     *slog.Logger
}

// NewHandler creates a payment API handler.
func NewHandler(reconciler *payment.Reconciler, store payment.Store, logger *slog.Logger) *Handler {
	return &Handler{
		reconciler: reconciler,
		store:      store,
		logger:     logger,
	}
}

// UserRoutes mounts the self-service surface. Callers wrap with
// RequireUser.
func (h *Handler) UserRoutes(r chi.Router) {
	r.Post("/invoices/{id}/pay", h.pay)
}

// AdminRoutes mounts the admin surface. Callers wrap with
// RequireAdmin.
func (h *Handler) AdminRoutes(r chi.Router) {
	r.Get("/invoices/{id}/payments", h.listForInvoice)
	r.Post("/payments/{id}/refund", h.refund)
}

type payRequest struct {
	Gateway string `json:"gateway" validate:"required,oneof=paystack flutterwave"`
	Email   string `json:"email" validate:"required,email"`
	Name    string `json:"name,omitempty"`
	Phone   string `json:"phone,omitempty"`
}

func (h *Handler) pay(w http.ResponseWriter, r *http.Request) {
	var req payRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	result, err := h.reconciler.Initialize(r.Context(), payment.InitializeInput{
		InvoiceID: chi.URLParam(r, "id"),
		UserID:    middleware.GetUserID(r.Context()),
		Gateway:   req.Gateway,
		Email:     req.Email,
		Name:      req.Name,
		Phone:     req.Phone,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	api.WriteData(w, http.StatusCreated, result)
}

func (h *Handler) listForInvoice(w http.ResponseWriter, r *http.Request) {
	payments, err := h.store.ListByInvoice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, payments)
}

func (h *Handler) refund(w http.ResponseWriter, r *http.Request) {
	p, err := h.reconciler.Refund(r.Context(), chi.URLParam(r, "id"), middleware.GetUserID(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, p)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var stateErr *invoice.StateError
	var rejected *gateway.RejectedError
	switch {
	case errors.As(err, &stateErr):
		api.InvalidState(w, stateErr.Error())
	case errors.Is(err, invoice.ErrNotOwner):
		api.NotFound(w, "invoice not found")
	case errors.Is(err, payment.ErrNotCompleted):
		api.InvalidState(w, "payment is not completed")
	case errors.Is(err, gateway.ErrUnreachable):
		api.WriteError(w, http.StatusServiceUnavailable, api.ErrCodeServiceUnavail, "payment could not be confirmed, please retry")
	case errors.As(err, &rejected):
		api.WriteError(w, http.StatusBadGateway, api.ErrCodeGatewayRejected, "payment was rejected by the gateway")
	case database.IsNotFound(err):
		api.NotFound(w, "not found")
	default:
		h.logger.Error("payment request failed",
			"error", err,
			"path", r.URL.Path,
			"correlation_id", middleware.GetCorrelationID(r.Context()),
		)
		api.InternalError(w, "request failed")
	}
}
