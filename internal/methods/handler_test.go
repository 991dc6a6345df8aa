package methods

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func newTestHandler(repo *memoryRepo) http.Handler {
	r := chi.NewRouter()
	rails := func(country string) []Type {
		if country == "MX" {
			return []Type{TypeSPEI, TypeBankTransfer}
		}
		return []Type{TypeBankTransfer, TypeSWIFT}
	}
	NewHandler(nil, NewService(repo, nil), rails).MountRoutes(r)
	return r
}

func send(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor", "admin@clinic")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHandlerCreateMethod(t *testing.T) {
	repo := newMemoryRepo()
	h := newTestHandler(repo)

	rr := send(h, http.MethodPost, "/organizations/org-1/methods",
		`{"name":"SPEI","type":"spei","currency":"MXN","account_data":{"clabe":"012345678901234567"},"default":true}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var m Method
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &m))
	require.Equal(t, "org-1", m.OrganizationID)
	require.Equal(t, "admin@clinic", m.CreatedBy)
	require.True(t, m.Default)

	rr = send(h, http.MethodPost, "/organizations/org-1/methods",
		`{"name":"SPEI","type":"spei","currency":"MXN","account_data":{"clabe":"123"}}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = send(h, http.MethodPost, "/organizations/org-1/methods", `{"type":"spei","currency":"MXN"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandlerUpdateMethod(t *testing.T) {
	repo := newMemoryRepo()
	h := newTestHandler(repo)
	rr := send(h, http.MethodPost, "/organizations/org-1/methods", `{"name":"Cash","type":"manual","currency":"MXN","default":true}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	var m Method
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &m))

	rr = send(h, http.MethodPatch, "/methods/"+m.ID, `{"active":false}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = send(h, http.MethodPatch, "/methods/"+m.ID, `{"active":false,"default":false,"fee_percentage":"2.5"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	stored := repo.methods[m.ID]
	require.False(t, stored.Active)
	require.Equal(t, "2.5", stored.Fees.Percentage.String())

	rr = send(h, http.MethodPatch, "/methods/"+m.ID, `{"fee_percentage":"101"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = send(h, http.MethodGet, "/methods/missing", "")
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHandlerBankRails(t *testing.T) {
	h := newTestHandler(newMemoryRepo())
	rr := send(h, http.MethodGet, "/methods/bank/mx", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"country":"MX","methods":["spei","bank_transfer"]}`, rr.Body.String())

	rr = send(h, http.MethodGet, "/methods/bank/mexico", "")
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandlerSupportedHidesAccountData(t *testing.T) {
	repo := newMemoryRepo()
	h := newTestHandler(repo)
	rr := send(h, http.MethodPost, "/organizations/org-1/methods",
		`{"name":"SPEI","type":"spei","currency":"MXN","countries":["MX"],"account_data":{"clabe":"012345678901234567"}}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	rr = send(h, http.MethodPost, "/organizations/org-2/methods", `{"name":"Wire","type":"manual","currency":"USD"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = send(h, http.MethodGet, "/methods/supported/mxn?country=mx", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.NotContains(t, rr.Body.String(), "012345678901234567")
	var body struct {
		Currency string `json:"currency"`
		Methods  []struct {
			OrganizationID string `json:"organization_id"`
			DisplayName    string `json:"display_name"`
		} `json:"methods"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, "MXN", body.Currency)
	require.Len(t, body.Methods, 1)
	require.Equal(t, "org-1", body.Methods[0].OrganizationID)
	require.Equal(t, "SPEI (MXN)", body.Methods[0].DisplayName)

	rr = send(h, http.MethodGet, "/methods/supported/MXN?country=BR", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"currency":"MXN","methods":[]}`, rr.Body.String())

	rr = send(h, http.MethodGet, "/methods/supported/pesos", "")
	require.Equal(t, http.StatusBadRequest, rr.Code)
}
