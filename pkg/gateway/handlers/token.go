package handlers

import (
	"crypto/hmac"
	"net/http"
	"time"

	"github.com/drivevoice/drivevoice/pkg/gateway/apierror"
	"github.com/drivevoice/drivevoice/pkg/gateway/auth"
	"github.com/drivevoice/drivevoice/pkg/gateway/config"
)

// TokenHandler exchanges a device's long-lived refresh secret for a
// short-lived access token. It is the only unauthenticated device endpoint.
type TokenHandler struct {
	Config config.Config
}

func (h TokenHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DeviceID     string `json:"deviceId"`
		DeviceSecret string `json:"deviceSecret"`
	}
	if err := decodeBody(w, r, h.Config.MaxBodyBytes, &body); err != nil {
		writeErr(w, r, err)
		return
	}
	if body.DeviceID == "" || body.DeviceSecret == "" {
		writeErr(w, r, apierror.New(http.StatusBadRequest, apierror.CodeInvalidRequest, "deviceId and deviceSecret are required"))
		return
	}

	want, ok := h.Config.DeviceSecrets[body.DeviceID]
	if !ok || !hmac.Equal([]byte(want), []byte(body.DeviceSecret)) {
		writeErr(w, r, apierror.New(http.StatusUnauthorized, apierror.CodeUnauthorized, "unknown device or bad secret"))
		return
	}

	token, err := auth.MintAccessToken(h.Config.TokenSigningSecret, body.DeviceID, h.Config.TokenTTL, time.Now())
	if err != nil {
		writeErr(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token":     token,
		"expiresIn": int(h.Config.TokenTTL / time.Second),
	})
}
