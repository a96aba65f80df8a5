// Package apierr defines the control plane's error taxonomy — kinds, not
// Go types — and RFC 7807 Problem Detail HTTP writers. Internal errors are
// logged but never exposed: raw text never reaches a client.
package apierr

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// Kind is a taxonomy label, not a Go error type. Callers switch on Kind
// rather than type-asserting concrete error structs.
type Kind string

const (
	KindValidation        Kind = "VALIDATION"
	KindNotFound          Kind = "NOT_FOUND"
	KindAuthority         Kind = "AUTHORITY"
	KindIllegalTransition Kind = "ILLEGAL_TRANSITION"
	KindIdempotencyConflict Kind = "IDEMPOTENCY_CONFLICT"
	KindRateLimit         Kind = "RATE_LIMIT"
	KindGateInternal      Kind = "GATE_INTERNAL"
	KindInfra             Kind = "INFRA"
)

// Error is the taxonomy's concrete carrier. Code is a short machine-readable
// string (e.g. MISSING_RESOLUTION); Details carries structured context such
// as the required authority or the current/attempted states.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Field   string
	Details map[string]interface{}
	cause   error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field=%s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Retryable reports whether a caller may retry the operation that produced
// e. Only KindInfra (storage/bus failures) is retryable; every other kind
// reflects a request or policy outcome that retrying will not change.
func (e *Error) Retryable() bool {
	return e.Kind == KindInfra
}

func wrap(k Kind, code, msg string, cause error) *Error {
	return &Error{Kind: k, Code: code, Message: msg, cause: cause}
}

func Validation(code, msg, field string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: msg, Field: field}
}

func NotFound(code, msg string) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: msg}
}

func Authority(code, msg, required string) *Error {
	return &Error{Kind: KindAuthority, Code: code, Message: msg, Details: map[string]interface{}{"required_authority": required}}
}

func IllegalTransition(current, attempted string) *Error {
	return &Error{
		Kind:    KindIllegalTransition,
		Code:    "ILLEGAL_TRANSITION",
		Message: fmt.Sprintf("cannot transition from %s to %s", current, attempted),
		Details: map[string]interface{}{"current_state": current, "attempted_state": attempted},
	}
}

func RateLimit(retryAfterSecs int) *Error {
	return &Error{Kind: KindRateLimit, Code: "RATE_LIMIT_EXCEEDED", Message: "rate limit exceeded", Details: map[string]interface{}{"retry_after_seconds": retryAfterSecs}}
}

func GateInternal(code, msg string, cause error) *Error {
	return wrap(KindGateInternal, code, msg, cause)
}

func Infra(code, msg string, cause error) *Error {
	return wrap(KindInfra, code, msg, cause)
}

// StatusFor maps a Kind to its HTTP status code per the controller surface.
func StatusFor(k Kind) int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindAuthority:
		return http.StatusForbidden
	case KindIllegalTransition, KindIdempotencyConflict:
		return http.StatusConflict
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindGateInternal, KindInfra:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// ProblemDetail is the RFC 7807 response body. All error responses use this
// shape.
type ProblemDetail struct {
	Type     string                 `json:"type"`
	Title    string                 `json:"title"`
	Status   int                    `json:"status"`
	Detail   string                 `json:"detail,omitempty"`
	Instance string                 `json:"instance,omitempty"`
	Code      string                 `json:"code,omitempty"`
	Retryable bool                   `json:"retryable"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// WriteProblem writes err as an RFC 7807 response. If err is not an *Error
// it is treated as an opaque internal failure: logged, never echoed.
func WriteProblem(w http.ResponseWriter, instance string, err error) {
	apiErr, ok := err.(*Error)
	if !ok {
		slog.Error("unmapped internal error", "error", err)
		writeProblem(w, instance, http.StatusInternalServerError, "Internal Server Error", "an unexpected error occurred", "", false, nil)
		return
	}

	status := StatusFor(apiErr.Kind)
	title := string(apiErr.Kind)
	detail := apiErr.Message
	if status == http.StatusInternalServerError {
		slog.Error("internal error", "code", apiErr.Code, "cause", apiErr.cause)
		detail = "an unexpected error occurred"
	}

	if status == http.StatusTooManyRequests {
		if secs, ok := apiErr.Details["retry_after_seconds"].(int); ok {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", secs))
		}
	}

	writeProblem(w, instance, status, title, detail, apiErr.Code, apiErr.Retryable(), apiErr.Details)
}

func writeProblem(w http.ResponseWriter, instance string, status int, title, detail, code string, retryable bool, details map[string]interface{}) {
	problem := &ProblemDetail{
		Type:      fmt.Sprintf("https://control-plane.internal/errors/%d", status),
		Title:     title,
		Status:    status,
		Detail:    detail,
		Instance:  instance,
		Code:      code,
		Retryable: retryable,
		Details:   details,
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}
