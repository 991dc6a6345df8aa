package invoicing

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/toothpick/billing/internal/platform/httpx"
	"github.com/toothpick/billing/report"
)

// Handler exposes invoicing endpoints.
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

// MountRoutes registers invoicing routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/invoices", h.create)
	r.Post("/invoices/from-payment/{txID}", h.fromPayment)
	r.Get("/invoices/{id}", h.get)
	r.Get("/invoices/{id}/logs", h.logs)
	r.Get("/invoices/{id}/pdf", h.pdf)
	r.Post("/invoices/{id}/cancel", h.cancel)
	r.Get("/organizations/{org}/invoices", h.list)
	r.Get("/organizations/{org}/invoices/stats", h.stats)
	r.Get("/organizations/{org}/invoices/export.xlsx", h.export)
	r.Get("/organizations/{org}/invoice-settings", h.getSettings)
	r.Put("/organizations/{org}/invoice-settings", h.putSettings)
	r.Post("/organizations/{org}/invoice-settings/validate-pac", h.validatePAC)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var in CreateInput
	if err := httpx.Bind(w, r, h.validate, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	out, err := h.service.CreateInvoice(r.Context(), in)
	h.respondOutcome(w, r, out, err)
}

func (h *Handler) fromPayment(w http.ResponseWriter, r *http.Request) {
	var in FromPayment
	if err := httpx.Bind(w, r, h.validate, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	in.TransactionID = chi.URLParam(r, "txID")
	out, err := h.service.CreateFromPayment(r.Context(), in)
	h.respondOutcome(w, r, out, err)
}

func (h *Handler) respondOutcome(w http.ResponseWriter, r *http.Request, out Outcome, err error) {
	if err != nil {
		if errors.Is(err, ErrStampFailed) && out.Invoice.ID != "" {
			h.logger.Warn("invoice stamping failed", slog.String("invoice_id", out.Invoice.ID), slog.Any("error", err))
			httpx.JSON(w, http.StatusBadGateway, map[string]any{"invoice": out.Invoice, "error": err.Error()})
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
	inv, err := h.service.GetInvoice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) logs(w http.ResponseWriter, r *http.Request) {
	entries, err := h.service.Logs(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"logs": entries})
}

func (h *Handler) pdf(w http.ResponseWriter, r *http.Request) {
	inv, data, err := h.service.PDF(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%s.pdf", inv.FullFolio))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	var in CancelInput
	if r.ContentLength != 0 {
		if err := httpx.Bind(w, r, h.validate, &in); err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	in.InvoiceID = chi.URLParam(r, "id")
	inv, err := h.service.CancelInvoice(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := parseTime(q.Get("from"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	to, err := parseTime(q.Get("to"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))
	f := Filter{Status: Status(q.Get("status")), Type: Type(q.Get("type")), From: from, To: to}
	out, err := h.service.ListInvoices(r.Context(), chi.URLParam(r, "org"), f, page, perPage)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) export(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := parseTime(q.Get("from"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	to, err := parseTime(q.Get("to"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	orgID := chi.URLParam(r, "org")
	f := Filter{Status: Status(q.Get("status")), Type: Type(q.Get("type")), From: from, To: to}
	items, err := h.service.ExportInvoices(r.Context(), orgID, f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var buf bytes.Buffer
	if err := report.WriteXLSX(&buf, InvoiceTable(items)); err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", report.XLSXContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=invoices-%s.xlsx", orgID))
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

func (h *Handler) getSettings(w http.ResponseWriter, r *http.Request) {
	out, err := h.service.GetSettings(r.Context(), chi.URLParam(r, "org"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) putSettings(w http.ResponseWriter, r *http.Request) {
	var in Settings
	if err := httpx.Bind(w, r, h.validate, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	out, err := h.service.SaveSettings(r.Context(), chi.URLParam(r, "org"), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) validatePAC(w http.ResponseWriter, r *http.Request) {
	if err := h.service.ValidatePAC(r.Context(), chi.URLParam(r, "org")); err != nil {
		if IsNotFound(err) {
			h.fail(w, r, err)
			return
		}
		httpx.JSON(w, http.StatusOK, map[string]any{"valid": false, "error": err.Error()})
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"valid": true})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Warn("invoicing request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	httpx.RespondError(w, err)
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
