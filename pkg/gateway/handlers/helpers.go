package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/drivevoice/drivevoice/pkg/gateway/apierror"
	"github.com/drivevoice/drivevoice/pkg/gateway/auth"
	"github.com/drivevoice/drivevoice/pkg/gateway/mw"
)

func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	apierror.WriteJSON(w, reqID, apierror.FromError(err))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// decodeBody reads a single JSON value into dst, bounded by maxBytes.
func decodeBody(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return apierror.New(http.StatusRequestEntityTooLarge, apierror.CodeInvalidRequest, "request body too large")
		}
		return apierror.New(http.StatusBadRequest, apierror.CodeInvalidRequest, "request body is not valid JSON")
	}
	return nil
}

// deviceIDFrom resolves the requesting device. With auth enabled this is the
// verified principal; with auth disabled (local development) the device
// self-identifies via header.
func deviceIDFrom(r *http.Request) (string, bool) {
	if p, ok := auth.PrincipalFrom(r.Context()); ok {
		return p.DeviceID, true
	}
	if id := r.Header.Get("X-Device-ID"); id != "" {
		return id, true
	}
	return "", false
}
