package fx

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	fetcher := &stubFetcher{rates: map[string]decimal.Decimal{
		"USDMXN": decimal.RequireFromString("17.5"),
		"USDJPY": decimal.RequireFromString("149.37"),
	}}
	conv, _, _ := newTestConverter(t, fetcher)
	r := chi.NewRouter()
	NewHandler(nil, conv).MountRoutes(r)
	return r
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func TestHandlerRate(t *testing.T) {
	h := newTestHandler(t)

	rr := get(h, "/fx/rate?from=usd&to=MXN")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.JSONEq(t, `{"from":"USD","to":"MXN","rate":"17.5","source":"exchangerate-api"}`, rr.Body.String())

	require.Equal(t, http.StatusBadRequest, get(h, "/fx/rate?from=US&to=MXN").Code)
	require.Equal(t, http.StatusBadRequest, get(h, "/fx/rate?from=USD&to=MXN&provider=ecb").Code)
	require.Equal(t, http.StatusBadGateway, get(h, "/fx/rate?from=USD&to=BRL").Code)
	require.Equal(t, http.StatusBadGateway, get(h, "/fx/rate?from=USD&to=MXN&provider=fixer").Code)
}

func TestHandlerConvert(t *testing.T) {
	h := newTestHandler(t)

	rr := get(h, "/fx/convert?amount=10.55&from=USD&to=JPY")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var out Conversion
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	require.Equal(t, "1576", out.Amount.String())

	require.Equal(t, http.StatusBadRequest, get(h, "/fx/convert?amount=-1&from=USD&to=JPY").Code)
	require.Equal(t, http.StatusBadRequest, get(h, "/fx/convert?amount=abc&from=USD&to=JPY").Code)
}

func TestHandlerValidateAndCache(t *testing.T) {
	h := newTestHandler(t)

	rr := get(h, "/fx/validate?pairs=USDMXN,EURMXN")
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Result   Result `json:"result"`
		Complete bool   `json:"complete"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.False(t, body.Complete)
	require.Equal(t, 2, body.Result.Checked)
	require.Len(t, body.Result.Gaps, 1)

	require.Equal(t, http.StatusBadRequest, get(h, "/fx/validate").Code)
	require.Equal(t, http.StatusBadRequest, get(h, "/fx/validate?pairs=USDMX").Code)

	rr = get(h, "/fx/cache")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"total":1`)

	del := httptest.NewRecorder()
	h.ServeHTTP(del, httptest.NewRequest(http.MethodDelete, "/fx/cache", nil))
	require.Equal(t, http.StatusOK, del.Code)
	require.JSONEq(t, `{"removed":1}`, del.Body.String())
}
