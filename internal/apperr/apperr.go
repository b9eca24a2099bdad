// Package apperr defines the error taxonomy surfaced by HTTP handlers and the
// JSON envelope used to report it.
package apperr

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Kind classifies an error for HTTP translation.
type Kind string

const (
	KindValidation  Kind = "VALIDATION_ERROR"
	KindNotFound    Kind = "NOT_FOUND"
	KindConflict    Kind = "CONFLICT"
	KindUpstream    Kind = "UPSTREAM_ERROR"
	KindAuth        Kind = "AUTH_ERROR"
	KindRateLimited Kind = "RATE_LIMITED"
	KindUnavailable Kind = "SERVICE_UNAVAILABLE"
	KindInternal    Kind = "INTERNAL_ERROR"
)

// Error carries a kind, a human message and an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	// Status is only consulted for KindUpstream, where the remote status is passed through.
	Status int
	Fields map[string]string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Validation reports malformed input (400).
func Validation(message string, fields map[string]string) *Error {
	return &Error{Kind: KindValidation, Message: message, Fields: fields}
}

// NotFound reports an unknown coach, event type or integration (404).
func NotFound(message string, err error) *Error {
	return &Error{Kind: KindNotFound, Message: message, Err: err}
}

// Conflict reports a slot that is no longer available (409).
func Conflict(message string, err error) *Error {
	return &Error{Kind: KindConflict, Message: message, Err: err}
}

// Upstream reports a non-2xx response from an external API; status is passed through.
func Upstream(status int, message string, err error) *Error {
	return &Error{Kind: KindUpstream, Status: status, Message: message, Err: err}
}

// Unauthorized reports a missing or invalid signature or session (401).
func Unauthorized(message string) *Error {
	return &Error{Kind: KindAuth, Message: message}
}

// RateLimited reports a request rejected by a cooldown (429).
func RateLimited(message string) *Error {
	return &Error{Kind: KindRateLimited, Message: message}
}

// Unavailable reports a transient condition the caller should retry (503).
func Unavailable(message string, err error) *Error {
	return &Error{Kind: KindUnavailable, Message: message, Err: err}
}

// Internal reports an unexpected failure (500).
func Internal(message string, err error) *Error {
	return &Error{Kind: KindInternal, Message: message, Err: err}
}

// KindOf returns the kind of err, defaulting to KindInternal.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) && appErr.Kind != "" {
		return appErr.Kind
	}
	return KindInternal
}

// HTTPStatus maps err to the status code reported to callers.
func HTTPStatus(err error) int {
	var appErr *Error
	if !errors.As(err, &appErr) {
		return http.StatusInternalServerError
	}
	switch appErr.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUpstream:
		if appErr.Status >= 400 && appErr.Status <= 599 {
			return appErr.Status
		}
		return http.StatusBadGateway
	case KindAuth:
		return http.StatusUnauthorized
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Envelope is the JSON body written for failed requests.
type Envelope struct {
	Success bool              `json:"success"`
	Error   string            `json:"error"`
	Code    Kind              `json:"code"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// WriteJSON writes the error envelope for err. Internal causes are not leaked.
func WriteJSON(w http.ResponseWriter, err error) {
	status := HTTPStatus(err)
	env := Envelope{Success: false, Code: KindOf(err), Error: http.StatusText(status)}

	var appErr *Error
	if errors.As(err, &appErr) {
		if appErr.Message != "" {
			env.Error = appErr.Message
		}
		env.Fields = appErr.Fields
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}
