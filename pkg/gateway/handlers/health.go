package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// Pinger is the readiness view of the authoritative store.
type Pinger interface {
	Ping(ctx context.Context) error
}

type ReadyHandler struct {
	DB Pinger
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK     bool     `json:"ok"`
		Issues []string `json:"issues,omitempty"`
	}

	var issues []string
	if h.DB == nil {
		issues = append(issues, "store not configured")
	} else {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.DB.Ping(ctx); err != nil {
			issues = append(issues, "store unreachable: "+err.Error())
		}
	}

	status := http.StatusOK
	if len(issues) > 0 {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{OK: len(issues) == 0, Issues: issues})
}
