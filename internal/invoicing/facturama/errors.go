package facturama

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/toothpick/billing/internal/platform/httpx"
)

var knownCodes = map[string]string{
	"CFDI33001": "issuer RFC is invalid",
	"CFDI33002": "receiver RFC is invalid",
	"CFDI33003": "issue date is invalid",
	"CFDI33004": "payment form is invalid",
	"CFDI33005": "payment method is invalid",
	"CFDI33006": "CFDI use is invalid",
	"CFDI33007": "currency is invalid",
	"CFDI33008": "exchange rate is invalid",
	"CFDI33009": "tax regime is invalid",
	"CFDI33010": "postal code is invalid",
}

// Error is a failure reported by the PAC.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("facturama %s: %s", e.Code, e.Message)
}

// Unwrap lets httpx.RespondError render PAC failures as 502.
func (e *Error) Unwrap() error { return httpx.ErrUpstream }

func decodeError(status int, body []byte) *Error {
	var payload struct {
		Code         string `json:"Code"`
		ErrorCode    string `json:"ErrorCode"`
		Message      string `json:"Message"`
		ErrorMessage string `json:"ErrorMessage"`
		Err          string `json:"error"`
	}
	_ = json.Unmarshal(body, &payload)

	code := payload.ErrorCode
	if code == "" {
		code = payload.Code
	}
	if code == "" {
		code = strconv.Itoa(status)
	}
	if msg, ok := knownCodes[code]; ok {
		return &Error{Status: status, Code: code, Message: msg}
	}
	msg := payload.Message
	if msg == "" {
		msg = payload.ErrorMessage
	}
	if msg == "" {
		msg = payload.Err
	}
	if msg == "" {
		msg = "unknown facturama error"
	}
	return &Error{Status: status, Code: code, Message: msg}
}
