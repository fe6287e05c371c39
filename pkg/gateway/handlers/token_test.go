package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/drivevoice/drivevoice/pkg/gateway/auth"
	"github.com/drivevoice/drivevoice/pkg/gateway/config"
)

func tokenHandler() TokenHandler {
	return TokenHandler{Config: config.Config{
		DeviceSecrets:      map[string]string{"dev-1": "shh"},
		TokenSigningSecret: "signing-secret",
		TokenTTL:           time.Hour,
		MaxBodyBytes:       1 << 16,
	}}
}

func TestToken_Exchange(t *testing.T) {
	t.Parallel()

	h := tokenHandler()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/auth/token",
		strings.NewReader(`{"deviceId":"dev-1","deviceSecret":"shh"}`)))

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Token     string `json:"token"`
		ExpiresIn int    `json:"expiresIn"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ExpiresIn != 3600 {
		t.Fatalf("expiresIn=%d", resp.ExpiresIn)
	}
	deviceID, err := auth.VerifyAccessToken("signing-secret", resp.Token)
	if err != nil || deviceID != "dev-1" {
		t.Fatalf("verify: device=%q err=%v", deviceID, err)
	}
}

func TestToken_BadSecretRejected(t *testing.T) {
	t.Parallel()

	h := tokenHandler()
	for _, body := range []string{
		`{"deviceId":"dev-1","deviceSecret":"wrong"}`,
		`{"deviceId":"ghost","deviceSecret":"shh"}`,
	} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/auth/token", strings.NewReader(body)))
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("body %s: status=%d, want 401", body, rr.Code)
		}
	}
}

func TestToken_MissingFieldsRejected(t *testing.T) {
	t.Parallel()

	h := tokenHandler()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/auth/token", strings.NewReader(`{}`)))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400", rr.Code)
	}
}
