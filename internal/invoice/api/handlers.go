// Package api exposes the invoice HTTP surface: an admin surface for
// back-office operations and a user surface for self-service.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"marketpay/internal/common/api"
	"marketpay/internal/common/database"
	"marketpay/internal/common/middleware"
	"marketpay/internal/invoice"
	"marketpay/internal/ledger"
	"marketpay/internal/proof"
)

// Handler serves invoice endpoints.
type Handler struct {
	service  *invoice.Service
	workflow *proof.Workflow
	syncJob  *ledger.HistoricalSyncJob
	logger   *slog.Logger
}

// NewHandler creates an invoice API handler.
func NewHandler(service *invoice.Service, workflow *proof.Workflow, syncJob *ledger.HistoricalSyncJob, logger *slog.Logger) *Handler {
	return &Handler{
		service:  service,
		workflow: workflow,
		syncJob:  syncJob,
		logger:   logger,
	}
}

// AdminRoutes mounts the admin surface. Callers wrap with RequireAdmin.
func (h *Handler) AdminRoutes(r chi.Router) {
	r.Get("/invoices", h.adminList)
	r.Post("/invoices", h.generate)
	r.Get("/invoices/{id}", h.adminGet)
	r.Post("/invoices/{id}/mark-paid", h.markPaid)
	r.Post("/invoices/{id}/cancel", h.cancel)
	r.Post("/invoices/{id}/proof-decision", h.decideProof)
	r.Post("/invoices/overdue-pass", h.overduePass)
	r.Post("/ledger/sync", h.syncLedger)
}

// UserRoutes mounts the self-service surface. Callers wrap with
// RequireUser.
func (h *Handler) UserRoutes(r chi.Router) {
	r.Get("/invoices", h.userList)
	r.Get("/invoices/{id}", h.userGet)
	r.Post("/invoices/{id}/proof", h.submitProof)
	r.Delete("/invoices/{id}", h.userDelete)
}

func (h *Handler) adminList(w http.ResponseWriter, r *http.Request) {
	params := api.GetPaginationParams(r, 20, 100)
	filter := invoice.ListFilter{
		UserID: r.URL.Query().Get("user_id"),
		Status: invoice.Status(r.URL.Query().Get("status")),
		Type:   invoice.Type(r.URL.Query().Get("type")),
		Search: r.URL.Query().Get("search"),
	}

	invoices, total, err := h.service.List(r.Context(), filter, params.Limit, params.Offset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	api.WritePaginated(w, invoices, &api.Pagination{
		Limit:   params.Limit,
		Offset:  params.Offset,
		Total:   total,
		HasMore: int64(params.Offset+len(invoices)) < total,
	})
}

type generateRequest struct {
	UserID        string             `json:"user_id" validate:"required"`
	ApplicationID *string            `json:"application_id,omitempty"`
	Type          string             `json:"type" validate:"required,oneof=subscription service equipment banner other"`
	Description   string             `json:"description" validate:"required"`
	LineItems     []invoice.LineItem `json:"line_items,omitempty"`
	SubtotalMinor int64              `json:"subtotal_minor" validate:"gte=0"`
	DiscountMinor int64              `json:"discount_minor" validate:"gte=0"`
	DueDate       *time.Time         `json:"due_date,omitempty"`
	Notes         string             `json:"notes,omitempty"`
}

func (h *Handler) generate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	inv, err := h.service.Generate(r.Context(), invoice.GenerateInput{
		UserID:        req.UserID,
		ApplicationID: req.ApplicationID,
		Type:          invoice.Type(req.Type),
		Description:   req.Description,
		LineItems:     req.LineItems,
		SubtotalMinor: req.SubtotalMinor,
		DiscountMinor: req.DiscountMinor,
		DueDate:       req.DueDate,
		Notes:         req.Notes,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	api.WriteData(w, http.StatusCreated, inv)
}

func (h *Handler) adminGet(w http.ResponseWriter, r *http.Request) {
	inv, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, inv)
}

type markPaidRequest struct {
	Reference string `json:"reference,omitempty"`
	Method    string `json:"method,omitempty"`
	Note      string `json:"note,omitempty"`
}

func (h *Handler) markPaid(w http.ResponseWriter, r *http.Request) {
	var req markPaidRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	adminID := middleware.GetUserID(r.Context())
	meta := invoice.PaymentMeta{
		Reference: req.Reference,
		Method:    req.Method,
		Note:      "marked paid by admin " + adminID,
	}
	if req.Note != "" {
		meta.Note += ": " + req.Note
	}

	inv, err := h.service.MarkPaid(r.Context(), chi.URLParam(r, "id"), meta, adminID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	api.WriteData(w, http.StatusOK, inv)
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	inv, err := h.service.Cancel(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	api.WriteData(w, http.StatusOK, inv)
}

type proofDecisionRequest struct {
	Action string `json:"action" validate:"required,oneof=approve reject"`
	Notes  string `json:"notes,omitempty"`
}

func (h *Handler) decideProof(w http.ResponseWriter, r *http.Request) {
	var req proofDecisionRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	adminID := middleware.GetUserID(r.Context())
	inv, err := h.workflow.Decide(r.Context(), chi.URLParam(r, "id"), req.Action, req.Notes, adminID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	api.WriteData(w, http.StatusOK, inv)
}

func (h *Handler) overduePass(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.OverduePass(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, map[string]int64{"marked_overdue": n})
}

func (h *Handler) syncLedger(w http.ResponseWriter, r *http.Request) {
	report, err := h.syncJob.Run(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, report)
}

func (h *Handler) userList(w http.ResponseWriter, r *http.Request) {
	params := api.GetPaginationParams(r, 20, 100)
	filter := invoice.ListFilter{
		UserID: middleware.GetUserID(r.Context()),
		Status: invoice.Status(r.URL.Query().Get("status")),
	}

	invoices, total, err := h.service.List(r.Context(), filter, params.Limit, params.Offset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	api.WritePaginated(w, invoices, &api.Pagination{
		Limit:   params.Limit,
		Offset:  params.Offset,
		Total:   total,
		HasMore: int64(params.Offset+len(invoices)) < total,
	})
}

func (h *Handler) userGet(w http.ResponseWriter, r *http.Request) {
	inv, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if inv.UserID != middleware.GetUserID(r.Context()) {
		api.NotFound(w, "invoice not found")
		return
	}
	api.WriteData(w, http.StatusOK, inv)
}

// maxProofSize caps evidence uploads at 10 MB.
const maxProofSize = 10 << 20

func (h *Handler) submitProof(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxProofSize); err != nil {
		api.BadRequest(w, "invalid multipart form")
		return
	}

	sub := proof.Submission{
		Reference: r.FormValue("reference"),
		Method:    r.FormValue("method"),
		Notes:     r.FormValue("notes"),
	}
	if err := api.Validate.Struct(sub); err != nil {
		api.ValidationError(w, err)
		return
	}

	file, header, err := r.FormFile("evidence")
	if err != nil {
		api.BadRequest(w, "evidence file is required")
		return
	}
	defer file.Close()

	inv, err := h.workflow.Submit(r.Context(), chi.URLParam(r, "id"), middleware.GetUserID(r.Context()), sub, header.Filename, file)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	api.WriteData(w, http.StatusOK, inv)
}

func (h *Handler) userDelete(w http.ResponseWriter, r *http.Request) {
	err := h.service.Delete(r.Context(), chi.URLParam(r, "id"), middleware.GetUserID(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var stateErr *invoice.StateError
	switch {
	case errors.As(err, &stateErr):
		api.InvalidState(w, stateErr.Error())
	case errors.Is(err, invoice.ErrNotOwner):
		api.NotFound(w, "invoice not found")
	case database.IsNotFound(err):
		api.NotFound(w, "invoice not found")
	default:
		h.logger.Error("invoice request failed",
			"error", err,
			"path", r.URL.Path,
			"correlation_id", middleware.GetCorrelationID(r.Context()),
		)
		api.InternalError(w, "request failed")
	}
}
