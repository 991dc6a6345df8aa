package payments

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/toothpick/billing/internal/money"
	"github.com/toothpick/billing/internal/platform/httpx"
	"github.com/toothpick/billing/internal/shared"
	"github.com/toothpick/billing/report"
)

// IdempotencyHeader carries client supplied idempotency keys.
const IdempotencyHeader = "Idempotency-Key"

// Handler exposes payment endpoints as JSON.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds a Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers payment routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/payments", func(r chi.Router) {
		r.Post("/", h.initiate)
		r.Get("/reference/{code}", h.getByReference)
		r.Get("/{id}", h.get)
		r.Post("/{id}/confirm", h.confirm)
		r.Post("/{id}/mark-paid", h.markPaid)
		r.Post("/{id}/cancel", h.cancel)
		r.Post("/{id}/refunds", h.refund)
		r.Get("/{id}/position", h.position)
	})
	r.Get("/organizations/{org}/payments", h.listByOrganization)
	r.Get("/organizations/{org}/payments/stats", h.stats)
	r.Get("/organizations/{org}/payments/export.xlsx", h.export)
	r.Get("/organizations/{org}/methods", h.listMethods)
	r.Get("/methods/{id}/supports/{currency}", h.supports)
}

func (h *Handler) initiate(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := httpx.Bind(w, r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if key := strings.TrimSpace(r.Header.Get(IdempotencyHeader)); key != "" {
		req.IdempotencyKey = key
	}
	if req.Metadata.UserAgent == "" {
		req.Metadata.UserAgent = r.UserAgent()
	}
	if req.Metadata.IPAddress == "" {
		req.Metadata.IPAddress = r.RemoteAddr
	}
	out, err := h.service.InitiatePayment(r.Context(), req)
	if err != nil {
		if out.TransactionID != "" {
			httpx.JSON(w, http.StatusBadGateway, out)
			return
		}
		h.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if out.Replayed {
		status = http.StatusOK
	}
	httpx.JSON(w, status, out)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	tx, err := h.service.GetPaymentStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, tx)
}

func (h *Handler) getByReference(w http.ResponseWriter, r *http.Request) {
	tx, err := h.service.GetByReference(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, tx)
}

func (h *Handler) confirm(w http.ResponseWriter, r *http.Request) {
	var in Confirmation
	if r.ContentLength != 0 {
		if err := httpx.Bind(w, r, h.validate, &in); err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	in.TransactionID = chi.URLParam(r, "id")
	out, err := h.service.ConfirmPayment(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

type markPaidRequest struct {
	Actor string `json:"actor" validate:"required,max=100"`
	Note  string `json:"note" validate:"max=500"`
}

func (h *Handler) markPaid(w http.ResponseWriter, r *http.Request) {
	var in markPaidRequest
	if err := httpx.Bind(w, r, h.validate, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	tx, err := h.service.MarkPaid(r.Context(), chi.URLParam(r, "id"), in.Actor, in.Note)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, tx)
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	var in cancelRequest
	if r.ContentLength != 0 {
		if err := httpx.Bind(w, r, h.validate, &in); err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	tx, err := h.service.CancelPayment(r.Context(), chi.URLParam(r, "id"), in.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, tx)
}

func (h *Handler) refund(w http.ResponseWriter, r *http.Request) {
	var in RefundRequest
	if err := httpx.Bind(w, r, h.validate, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	in.TransactionID = chi.URLParam(r, "id")
	if key := strings.TrimSpace(r.Header.Get(IdempotencyHeader)); key != "" {
		in.IdempotencyKey = key
	}
	refund, err := h.service.RefundPayment(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if refund.Status == RefundPending {
		status = http.StatusAccepted
	}
	httpx.JSON(w, status, refund)
}

func (h *Handler) position(w http.ResponseWriter, r *http.Request) {
	pos, err := h.service.Position(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, pos)
}

func (h *Handler) listByOrganization(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))
	out, err := h.service.ListByOrganization(r.Context(), chi.URLParam(r, "org"), Status(q.Get("status")), page, perPage)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) export(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "org")
	items, err := h.service.ExportTransactions(r.Context(), orgID, Status(r.URL.Query().Get("status")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var buf bytes.Buffer
	if err := report.WriteXLSX(&buf, TransactionTable(items)); err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", report.XLSXContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=payments-%s.xlsx", orgID))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	from, err := parseTime(r.URL.Query().Get("from"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	to, err := parseTime(r.URL.Query().Get("to"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out, err := h.service.Stats(r.Context(), chi.URLParam(r, "org"), from, to)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"stats": out})
}

func (h *Handler) listMethods(w http.ResponseWriter, r *http.Request) {
	var currency money.Currency
	if raw := r.URL.Query().Get("currency"); raw != "" {
		c, err := money.ParseCurrency(raw)
		if err != nil {
			httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
			return
		}
		currency = c
	}
	out, err := h.service.ListOrganizationMethods(r.Context(), chi.URLParam(r, "org"), currency)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"methods": out})
}

func (h *Handler) supports(w http.ResponseWriter, r *http.Request) {
	currency, err := money.ParseCurrency(chi.URLParam(r, "currency"))
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	ok, err := h.service.ValidateMethodForCurrency(r.Context(), chi.URLParam(r, "id"), currency)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"supported": ok, "currency": currency})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if !isClientError(err) {
		h.logger.Error("payments request failed",
			slog.String("path", r.URL.Path),
			slog.String("actor", shared.ActorFromContext(r.Context())),
			slog.Any("error", err),
		)
	}
	httpx.RespondError(w, err)
}

func isClientError(err error) bool {
	for _, target := range []error{httpx.ErrNotFound, httpx.ErrValidation, httpx.ErrConflict, httpx.ErrDuplicate, httpx.ErrUnprocessable} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func parseTime(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("%w: invalid time %q", httpx.ErrValidation, raw)
}
