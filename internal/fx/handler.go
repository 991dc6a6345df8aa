package fx

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/toothpick/billing/internal/money"
	"github.com/toothpick/billing/internal/platform/httpx"
)

// Handler exposes rate lookup, conversion and pair validation.
type Handler struct {
	logger    *slog.Logger
	converter *Converter
}

// NewHandler builds a Handler.
func NewHandler(logger *slog.Logger, converter *Converter) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, converter: converter}
}

// MountRoutes registers the /fx routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/fx", func(r chi.Router) {
		r.Get("/rate", h.rate)
		r.Get("/convert", h.convert)
		r.Get("/validate", h.validatePairs)
		r.Get("/cache", h.cacheStats)
		r.Delete("/cache", h.clearCache)
	})
}

type rateResponse struct {
	From   money.Currency  `json:"from"`
	To     money.Currency  `json:"to"`
	Rate   decimal.Decimal `json:"rate"`
	Source Source          `json:"source"`
}

func (h *Handler) rate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, to, source, err := h.pairParams(q.Get("from"), q.Get("to"), q.Get("provider"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	rate, err := h.converter.Rate(r.Context(), from, to, source)
	if err != nil {
		h.fail(w, r, fmt.Errorf("%w: %v", httpx.ErrUpstream, err))
		return
	}
	httpx.JSON(w, http.StatusOK, rateResponse{From: from, To: to, Rate: rate, Source: source})
}

func (h *Handler) convert(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, to, source, err := h.pairParams(q.Get("from"), q.Get("to"), q.Get("provider"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(q.Get("amount")))
	if err != nil || amount.IsNegative() {
		httpx.RespondError(w, fmt.Errorf("%w: amount must be a non-negative decimal", httpx.ErrValidation))
		return
	}
	out, err := h.converter.Convert(r.Context(), amount, from, to, source)
	if err != nil {
		h.fail(w, r, fmt.Errorf("%w: %v", httpx.ErrUpstream, err))
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) validatePairs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pairs, err := ParsePairs(q.Get("pairs"))
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	if len(pairs) == 0 {
		httpx.RespondError(w, fmt.Errorf("%w: pairs is required", httpx.ErrValidation))
		return
	}
	source, err := ParseSource(q.Get("provider"), h.converter.DefaultSource())
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	res, err := Validate(r.Context(), h.converter, source, pairs)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"result": res, "complete": res.Complete()})
}

func (h *Handler) cacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.converter.CacheStats(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, stats)
}

func (h *Handler) clearCache(w http.ResponseWriter, r *http.Request) {
	removed, err := h.converter.ClearCache(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

func (h *Handler) pairParams(rawFrom, rawTo, rawSource string) (money.Currency, money.Currency, Source, error) {
	from, err := money.ParseCurrency(rawFrom)
	if err != nil {
		return "", "", "", fmt.Errorf("%w: from: %v", httpx.ErrValidation, err)
	}
	to, err := money.ParseCurrency(rawTo)
	if err != nil {
		return "", "", "", fmt.Errorf("%w: to: %v", httpx.ErrValidation, err)
	}
	source, err := ParseSource(rawSource, h.converter.DefaultSource())
	if err != nil {
		return "", "", "", fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	}
	return from, to, source, nil
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Warn("fx request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	httpx.RespondError(w, err)
}
