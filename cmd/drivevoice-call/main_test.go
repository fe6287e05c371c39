package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/drivevoice/drivevoice/pkg/client/api"
)

func testGetenv(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestParseCallConfig(t *testing.T) {
	t.Parallel()

	cfg, rest, err := parseCallConfig(
		[]string{"-context", "in_vehicle", "-logging=false", "list"},
		testGetenv(map[string]string{
			"DRIVEVOICE_DEVICE_ID":     "dev-1",
			"DRIVEVOICE_DEVICE_SECRET": "shh",
		}))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Context != "in_vehicle" || cfg.LoggingEnabled {
		t.Fatalf("cfg=%+v", cfg)
	}
	if cfg.GatewayURL != "http://127.0.0.1:8080" {
		t.Fatalf("gateway=%q", cfg.GatewayURL)
	}
	if len(rest) != 1 || rest[0] != "list" {
		t.Fatalf("rest=%v", rest)
	}
}

func TestParseCallConfig_Invalid(t *testing.T) {
	t.Parallel()

	env := testGetenv(map[string]string{
		"DRIVEVOICE_DEVICE_ID":     "dev-1",
		"DRIVEVOICE_DEVICE_SECRET": "shh",
	})

	if _, _, err := parseCallConfig([]string{"-context", "boat"}, env); err == nil {
		t.Fatal("expected invalid context error")
	}
	if _, _, err := parseCallConfig(nil, testGetenv(nil)); err == nil {
		t.Fatal("expected missing credentials error")
	}
}

func gatewayForCommands(t *testing.T) *httptest.Server {
	t.Helper()
	ended := "2026-09-01T10:05:00Z"
	mins := 5
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/auth/token", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"token": "tok", "expiresIn": 3600})
	})
	mux.HandleFunc("GET /v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"sessions": []api.Session{{
			SessionID: "s1", Context: "phone", RoomName: "call-s1",
			StartedAt: "2026-09-01T10:00:00Z", EndedAt: &ended, DurationMinutes: &mins,
			SummaryStatus: "ready", Title: "Groceries", Summary: "Added milk.",
		}}})
	})
	mux.HandleFunc("DELETE /v1/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testCfg(t *testing.T, gatewayURL string) callConfig {
	t.Helper()
	return callConfig{
		GatewayURL:   gatewayURL,
		DeviceID:     "dev-1",
		DeviceSecret: "shh",
		StorePath:    filepath.Join(t.TempDir(), "sessions.db"),
		Context:      "phone",
	}
}

func TestRunCommand_RefreshThenList(t *testing.T) {
	t.Parallel()

	srv := gatewayForCommands(t)
	cfg := testCfg(t, srv.URL)

	var out bytes.Buffer
	if err := runCommand(context.Background(), cfg, []string{"refresh"}, nil, &out); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !strings.Contains(out.String(), "refreshed 1 sessions") {
		t.Fatalf("out=%q", out.String())
	}

	out.Reset()
	if err := runCommand(context.Background(), cfg, []string{"list"}, nil, &out); err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out.String(), "s1") || !strings.Contains(out.String(), "Groceries") {
		t.Fatalf("out=%q", out.String())
	}
}

func TestRunCommand_Show(t *testing.T) {
	t.Parallel()

	srv := gatewayForCommands(t)
	cfg := testCfg(t, srv.URL)

	var out bytes.Buffer
	if err := runCommand(context.Background(), cfg, []string{"refresh"}, nil, &out); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	out.Reset()
	if err := runCommand(context.Background(), cfg, []string{"show", "s1"}, nil, &out); err != nil {
		t.Fatalf("show: %v", err)
	}
	for _, want := range []string{"Groceries", "Added milk.", "minutes:  5"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("out=%q missing %q", out.String(), want)
		}
	}
}

func TestRunCommand_Delete(t *testing.T) {
	t.Parallel()

	srv := gatewayForCommands(t)
	cfg := testCfg(t, srv.URL)

	var out bytes.Buffer
	if err := runCommand(context.Background(), cfg, []string{"delete", "s1"}, nil, &out); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !strings.Contains(out.String(), "deleted s1") {
		t.Fatalf("out=%q", out.String())
	}
}

func TestRunCommand_Unknown(t *testing.T) {
	t.Parallel()

	cfg := testCfg(t, "http://127.0.0.1:0")
	var out bytes.Buffer
	if err := runCommand(context.Background(), cfg, []string{"bogus"}, nil, &out); err == nil {
		t.Fatal("expected unknown command error")
	}
}
