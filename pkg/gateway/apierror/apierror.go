// Package apierror defines the canonical wire shape for gateway errors.
//
// Bodies are flat JSON objects carrying a stable machine code under "error",
// e.g. {"error":"ENTITLEMENT_REQUIRED","freeMinutesUsed":15,"freeMinutesLimit":15}.
package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
)

const (
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeNotFound            = "NOT_FOUND"
	CodeEntitlementRequired = "ENTITLEMENT_REQUIRED"
	CodeProRequired         = "PRO_REQUIRED"
	CodeConflict            = "CONFLICT"
	CodeRateLimited         = "RATE_LIMITED"
	CodeTimeout             = "TIMEOUT"
	CodeInternal            = "INTERNAL"
)

type Error struct {
	Status  int
	Code    string
	Message string

	// Fields are merged into the response body alongside "error" and
	// "message" (e.g. freeMinutesUsed for entitlement denials).
	Fields map[string]any
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Code + ": " + e.Message
	}
	return e.Code
}

func New(status int, code, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

func (e *Error) WithField(key string, val any) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = val
	return e
}

// FromError maps an arbitrary error to its canonical wire form. Unknown
// errors become opaque internal errors so details never leak to clients.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr != nil {
		return apiErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return New(http.StatusGatewayTimeout, CodeTimeout, "request timeout")
	}
	if errors.Is(err, context.Canceled) {
		return New(http.StatusRequestTimeout, CodeTimeout, "request cancelled")
	}
	return New(http.StatusInternalServerError, CodeInternal, "internal error")
}

// WriteJSON encodes err as the flat error body. A nil err writes an
// internal error; handlers should not reach that path.
func WriteJSON(w http.ResponseWriter, requestID string, err *Error) {
	if err == nil {
		err = New(http.StatusInternalServerError, CodeInternal, "internal error")
	}
	body := make(map[string]any, len(err.Fields)+3)
	for k, v := range err.Fields {
		body[k] = v
	}
	body["error"] = err.Code
	if err.Message != "" {
		body["message"] = err.Message
	}
	if requestID != "" {
		body["requestId"] = requestID
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(err.Status)
	_ = json.NewEncoder(w).Encode(body)
}
