package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Stable problem codes returned by the API.
const (
	CodeNotFound           = "NOT_FOUND"
	CodeForbidden          = "FORBIDDEN"
	CodeAlreadyActive      = "ALREADY_ACTIVE"
	CodeAlreadyCheckedIn   = "ALREADY_CHECKED_IN"
	CodeProofRequired      = "PROOF_REQUIRED"
	CodeNotScheduledToday  = "NOT_SCHEDULED_TODAY"
	CodeValidation         = "VALIDATION_ERROR"
	CodeRateLimited        = "RATE_LIMITED"
	CodeQuotaExceeded      = "QUOTA_EXCEEDED"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeUnauthenticated    = "UNAUTHENTICATED"
	CodeTokenExpired       = "TOKEN_EXPIRED"
	CodeNotActive          = "NOT_ACTIVE"
	CodeConflict           = "CONFLICT"
)

// FieldError is one invalid request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is a problem response returned by the API.
type Error struct {
	Status int          `json:"status"`
	Code   string       `json:"code"`
	Title  string       `json:"title"`
	Detail string       `json:"detail"`
	Errors []FieldError `json:"errors,omitempty"`
}

func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("nexlevel: %d %s", e.Status, e.Detail)
	}
	return fmt.Sprintf("nexlevel: %s: %s", e.Code, e.Detail)
}

// Is matches errors by code, so errors.Is(err, &Error{Code: CodeNotFound})
// works without comparing details.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code != "" && t.Code == e.Code
}

// Temporary reports whether retrying the same request may succeed.
func (e *Error) Temporary() bool {
	return e.Status == http.StatusServiceUnavailable || e.Code == CodeServiceUnavailable
}

// HasCode reports whether err is an API error with the given code.
func HasCode(err error, code string) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// decodeError builds an Error from a non-2xx response.
func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	e := &Error{Status: resp.StatusCode}
	if len(body) > 0 {
		_ = json.Unmarshal(body, e)
	}
	e.Status = resp.StatusCode
	if e.Detail == "" {
		e.Detail = http.StatusText(resp.StatusCode)
	}
	return e
}
