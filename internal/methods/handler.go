package methods

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/toothpick/billing/internal/money"
	"github.com/toothpick/billing/internal/platform/httpx"
)

// BankRails lists the bank rails usable from an ISO country code.
type BankRails func(country string) []Type

// Handler exposes method administration endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	rails    BankRails
	validate *validator.Validate
}

// NewHandler builds a Handler. rails may be nil when bank rails are not offered.
func NewHandler(logger *slog.Logger, service *Service, rails BankRails) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rails: rails, validate: validator.New()}
}

// MountRoutes registers method routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/organizations/{org}/methods", h.create)
	r.Get("/methods/bank/{country}", h.bankRails)
	r.Get("/methods/supported/{currency}", h.supported)
	r.Get("/methods/{id}", h.get)
	r.Patch("/methods/{id}", h.update)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var in CreateInput
	if err := httpx.Bind(w, r, h.validate, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	in.OrganizationID = chi.URLParam(r, "org")
	in.CreatedBy = r.Header.Get("X-Actor")
	m, err := h.service.Create(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, m)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	m, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, m)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	var in UpdateInput
	if err := httpx.Bind(w, r, h.validate, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	m, err := h.service.Update(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, m)
}

func (h *Handler) bankRails(w http.ResponseWriter, r *http.Request) {
	country := strings.ToUpper(chi.URLParam(r, "country"))
	if len(country) != 2 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "country must be an ISO alpha-2 code")
		return
	}
	var types []Type
	if h.rails != nil {
		types = h.rails(country)
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"country": country, "methods": types})
}

// supportedMethod omits account data, which belongs to the owning organization.
type supportedMethod struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organization_id"`
	Name           string         `json:"name"`
	DisplayName    string         `json:"display_name"`
	Type           Type           `json:"type"`
	Currency       money.Currency `json:"currency"`
	Countries      []string       `json:"countries,omitempty"`
}

func (h *Handler) supported(w http.ResponseWriter, r *http.Request) {
	currency, err := money.ParseCurrency(chi.URLParam(r, "currency"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	country := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("country")))
	list, err := h.service.Supported(r.Context(), currency, country)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]supportedMethod, 0, len(list))
	for _, m := range list {
		out = append(out, supportedMethod{
			ID:             m.ID,
			OrganizationID: m.OrganizationID,
			Name:           m.Name,
			DisplayName:    m.DisplayName(),
			Type:           m.Type,
			Currency:       m.Currency,
			Countries:      m.Countries,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"currency": currency, "methods": out})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Warn("methods request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	httpx.RespondError(w, err)
}
