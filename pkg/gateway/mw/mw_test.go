package mw

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/drivevoice/drivevoice/pkg/gateway/auth"
	"github.com/drivevoice/drivevoice/pkg/gateway/config"
)

func okHandler(t *testing.T) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequestID_GeneratesAndPropagates(t *testing.T) {
	t.Parallel()

	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = RequestIDFrom(r.Context())
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	if seen == "" {
		t.Fatal("request id missing from context")
	}
	if got := rr.Header().Get("X-Request-ID"); got != seen {
		t.Fatalf("header=%q context=%q", got, seen)
	}
}

func TestRequestID_HonorsInbound(t *testing.T) {
	t.Parallel()

	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = RequestIDFrom(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req_inbound")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if seen != "req_inbound" {
		t.Fatalf("seen=%q", seen)
	}
}

func TestDeviceAuth_MissingToken(t *testing.T) {
	t.Parallel()

	cfg := config.Config{AuthMode: config.AuthModeRequired, TokenSigningSecret: "sec"}
	h := DeviceAuth(cfg, okHandler(t))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/sessions/start", nil))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["error"] != "UNAUTHORIZED" {
		t.Fatalf("error=%v", body["error"])
	}
}

func TestDeviceAuth_ValidToken(t *testing.T) {
	t.Parallel()

	cfg := config.Config{AuthMode: config.AuthModeRequired, TokenSigningSecret: "sec"}
	tok, err := auth.MintAccessToken("sec", "dev-7", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	var deviceID string
	h := DeviceAuth(cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p, ok := auth.PrincipalFrom(r.Context()); ok {
			deviceID = p.DeviceID
		}
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/start", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	h.ServeHTTP(httptest.NewRecorder(), req)

	if deviceID != "dev-7" {
		t.Fatalf("deviceID=%q", deviceID)
	}
}

func TestDeviceAuth_ExpiredTokenMessage(t *testing.T) {
	t.Parallel()

	cfg := config.Config{AuthMode: config.AuthModeRequired, TokenSigningSecret: "sec"}
	tok, err := auth.MintAccessToken("sec", "dev-7", time.Minute, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/start", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rr := httptest.NewRecorder()
	DeviceAuth(cfg, okHandler(t)).ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["message"] != "access token expired" {
		t.Fatalf("message=%v", body["message"])
	}
}

func TestDeviceAuth_Disabled(t *testing.T) {
	t.Parallel()

	cfg := config.Config{AuthMode: config.AuthModeDisabled}
	rr := httptest.NewRecorder()
	DeviceAuth(cfg, okHandler(t)).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
}

func TestRecover_ContainsPanic(t *testing.T) {
	t.Parallel()

	h := Recover(nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", rr.Code)
	}
}
