package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hyperengineering/nexlevel/internal/auth"
	"github.com/hyperengineering/nexlevel/internal/challenge"
	"github.com/hyperengineering/nexlevel/internal/coach"
	"github.com/hyperengineering/nexlevel/internal/notify"
	"github.com/hyperengineering/nexlevel/internal/proof"
	"github.com/hyperengineering/nexlevel/internal/store"
	"github.com/hyperengineering/nexlevel/internal/validation"
)

// Stable error codes carried by every problem response. Clients switch on
// these, never on the detail text.
const (
	CodeBadRequest         = "BAD_REQUEST"
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
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeNotActive          = "NOT_ACTIVE"
	CodeConflict           = "CONFLICT"
	CodeInternal           = "INTERNAL"
)

// Problem represents an RFC 7807 Problem Details response.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Code     string `json:"code"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

// problemTypes maps HTTP status codes to RFC 7807 type URIs and titles.
var problemTypes = map[int]struct {
	typeURI string
	title   string
}{
	http.StatusUnauthorized: {
		typeURI: "https://nexlevel.app/errors/unauthorized",
		title:   "Unauthorized",
	},
	http.StatusBadRequest: {
		typeURI: "https://nexlevel.app/errors/bad-request",
		title:   "Bad Request",
	},
	http.StatusNotFound: {
		typeURI: "https://nexlevel.app/errors/not-found",
		title:   "Not Found",
	},
	http.StatusInternalServerError: {
		typeURI: "https://nexlevel.app/errors/internal-error",
		title:   "Internal Server Error",
	},
	http.StatusUnprocessableEntity: {
		typeURI: "https://nexlevel.app/errors/validation-error",
		title:   "Validation Error",
	},
	http.StatusServiceUnavailable: {
		typeURI: "https://nexlevel.app/errors/service-unavailable",
		title:   "Service Unavailable",
	},
	http.StatusConflict: {
		typeURI: "https://nexlevel.app/errors/conflict",
		title:   "Conflict",
	},
	http.StatusForbidden: {
		typeURI: "https://nexlevel.app/errors/forbidden",
		title:   "Forbidden",
	},
	http.StatusTooManyRequests: {
		typeURI: "https://nexlevel.app/errors/rate-limit",
		title:   "Too Many Requests",
	},
}

func newProblem(r *http.Request, status int, code, detail string) Problem {
	pt, ok := problemTypes[status]
	if !ok {
		pt = struct {
			typeURI string
			title   string
		}{
			typeURI: "https://nexlevel.app/errors/unknown",
			title:   http.StatusText(status),
		}
	}
	return Problem{
		Type:     pt.typeURI,
		Title:    pt.title,
		Status:   status,
		Code:     code,
		Detail:   detail,
		Instance: r.URL.Path,
	}
}

// WriteProblem writes an RFC 7807 Problem Details response.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, code, detail string) {
	writeProblemBody(w, status, newProblem(r, status, code, detail))
}

// ProblemWithErrors extends Problem with validation error details.
type ProblemWithErrors struct {
	Problem
	Errors []validation.ValidationError `json:"errors,omitempty"`
}

// WriteProblemWithErrors writes a 422 Problem Details response with field errors.
func WriteProblemWithErrors(w http.ResponseWriter, r *http.Request, detail string, errs []validation.ValidationError) {
	p := ProblemWithErrors{
		Problem: newProblem(r, http.StatusUnprocessableEntity, CodeValidation, detail),
		Errors:  errs,
	}
	writeProblemBody(w, http.StatusUnprocessableEntity, p)
}

func writeProblemBody(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode problem response", "error", err)
	}
}

// mappedError is one row of the error table.
type mappedError struct {
	target error
	status int
	code   string
}

var errorTable = []mappedError{
	{challenge.ErrNotFound, http.StatusNotFound, CodeNotFound},
	{notify.ErrNotFound, http.StatusNotFound, CodeNotFound},
	{auth.ErrUserNotFound, http.StatusNotFound, CodeNotFound},
	{store.ErrNotFound, http.StatusNotFound, CodeNotFound},
	{challenge.ErrForbidden, http.StatusForbidden, CodeForbidden},
	{proof.ErrForeignKey, http.StatusForbidden, CodeForbidden},
	{challenge.ErrAlreadyActive, http.StatusConflict, CodeAlreadyActive},
	{challenge.ErrAlreadyCheckedIn, http.StatusConflict, CodeAlreadyCheckedIn},
	{challenge.ErrNotActive, http.StatusConflict, CodeNotActive},
	{challenge.ErrConflict, http.StatusConflict, CodeConflict},
	{auth.ErrEmailTaken, http.StatusConflict, CodeConflict},
	{challenge.ErrProofRequired, http.StatusUnprocessableEntity, CodeProofRequired},
	{proof.ErrMissing, http.StatusUnprocessableEntity, CodeProofRequired},
	{challenge.ErrNotScheduledToday, http.StatusUnprocessableEntity, CodeNotScheduledToday},
	{coach.ErrRateLimited, http.StatusTooManyRequests, CodeRateLimited},
	{coach.ErrQuotaExceeded, http.StatusTooManyRequests, CodeQuotaExceeded},
	{auth.ErrInvalidCredentials, http.StatusUnauthorized, CodeInvalidCredentials},
	{auth.ErrTokenExpired, http.StatusUnauthorized, CodeTokenExpired},
	{auth.ErrUnauthenticated, http.StatusUnauthorized, CodeUnauthenticated},
	{challenge.ErrUnavailable, http.StatusServiceUnavailable, CodeServiceUnavailable},
	{coach.ErrUnavailable, http.StatusServiceUnavailable, CodeServiceUnavailable},
	{proof.ErrNotConfigured, http.StatusServiceUnavailable, CodeServiceUnavailable},
	{store.ErrUnavailable, http.StatusServiceUnavailable, CodeServiceUnavailable},
}

// MapError converts domain errors to Problem Details responses. The detail
// is the sentinel's own message; wrapped context is never exposed.
func MapError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *validation.Error
	if errors.As(err, &verr) {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", verr.Errors)
		return
	}
	for _, m := range errorTable {
		if errors.Is(err, m.target) {
			WriteProblem(w, r, m.status, m.code, m.target.Error())
			return
		}
	}
	slog.Error("unhandled error",
		"component", "api",
		"path", r.URL.Path,
		"method", r.Method,
		"error", err,
	)
	// Never expose internal error details to client
	WriteProblem(w, r, http.StatusInternalServerError, CodeInternal, "Internal Server Error")
}
