package httpx

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/require"
)

func TestRespondErrorMapsSentinels(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("payment tx-1: %w", ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("folio A-1: %w", ErrDuplicate), http.StatusConflict},
		{fmt.Errorf("already refunded: %w", ErrConflict), http.StatusConflict},
		{fmt.Errorf("amount: %w", ErrValidation), http.StatusBadRequest},
		{fmt.Errorf("method inactive: %w", ErrUnprocessable), http.StatusUnprocessableEntity},
		{fmt.Errorf("stripe: %w", ErrUpstream), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		RespondError(rr, tc.err)
		require.Equal(t, tc.status, rr.Code, tc.err.Error())
		require.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
	}

	rr := httptest.NewRecorder()
	RespondError(rr, errors.New("pq: password authentication failed"))
	require.NotContains(t, rr.Body.String(), "password")
}

type createRequest struct {
	Amount   int64  `json:"amount" validate:"gt=0"`
	Currency string `json:"currency" validate:"len=3"`
}

func TestBind(t *testing.T) {
	v := validator.New()
	bind := func(body string) (createRequest, error) {
		var req createRequest
		r := httptest.NewRequest(http.MethodPost, "/payments", strings.NewReader(body))
		err := Bind(httptest.NewRecorder(), r, v, &req)
		return req, err
	}

	req, err := bind(`{"amount":1500,"currency":"MXN"}`)
	require.NoError(t, err)
	require.Equal(t, int64(1500), req.Amount)

	_, err = bind(`{"amount":0,"currency":"MX"}`)
	require.ErrorIs(t, err, ErrValidation)
	require.ErrorContains(t, err, "Amount failed gt; Currency failed len")

	_, err = bind(`{"amount":`)
	require.ErrorIs(t, err, ErrValidation)
	require.ErrorContains(t, err, "malformed body")
}
