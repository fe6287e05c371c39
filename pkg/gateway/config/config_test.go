package config

import (
	"testing"
	"time"
)

func setValidEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DRIVEVOICE_DATABASE_URL", "postgres://localhost:5432/drivevoice")
	t.Setenv("DRIVEVOICE_TOKEN_SIGNING_SECRET", "test-signing-secret")
	t.Setenv("DRIVEVOICE_MEDIA_API_KEY", "mediakey")
	t.Setenv("DRIVEVOICE_MEDIA_API_SECRET", "mediasecret")
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	setValidEnv(t)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Fatalf("Addr=%q", cfg.Addr)
	}
	if cfg.AuthMode != AuthModeRequired {
		t.Fatalf("AuthMode=%q", cfg.AuthMode)
	}
	if cfg.FreeMinutesLimit != 15 {
		t.Fatalf("FreeMinutesLimit=%d, want 15", cfg.FreeMinutesLimit)
	}
	if cfg.DispatchMaxAttempts != 3 {
		t.Fatalf("DispatchMaxAttempts=%d", cfg.DispatchMaxAttempts)
	}
	if cfg.DispatchBackoffBase != 500*time.Millisecond || cfg.DispatchBackoffCap != 4*time.Second {
		t.Fatalf("backoff base=%v cap=%v", cfg.DispatchBackoffBase, cfg.DispatchBackoffCap)
	}
	if cfg.VerifyAttempts != 10 || cfg.VerifyInterval != time.Second {
		t.Fatalf("verify attempts=%d interval=%v", cfg.VerifyAttempts, cfg.VerifyInterval)
	}
	if cfg.RateLimitRPS != 5 || cfg.RateLimitBurst != 10 {
		t.Fatalf("rate limit rps=%v burst=%d", cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
}

func TestLoadFromEnv_RateLimitValidation(t *testing.T) {
	setValidEnv(t)
	t.Setenv("DRIVEVOICE_RATE_LIMIT_RPS", "2")
	t.Setenv("DRIVEVOICE_RATE_LIMIT_BURST", "0")

	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("expected error for zero burst with limiting enabled")
	}
}

func TestLoadFromEnv_MissingDatabaseURL(t *testing.T) {
	setValidEnv(t)
	t.Setenv("DRIVEVOICE_DATABASE_URL", "")

	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("expected error for missing DRIVEVOICE_DATABASE_URL")
	}
}

func TestLoadFromEnv_SigningSecretRequiredWithAuth(t *testing.T) {
	setValidEnv(t)
	t.Setenv("DRIVEVOICE_TOKEN_SIGNING_SECRET", "")

	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("expected error when auth required without signing secret")
	}

	t.Setenv("DRIVEVOICE_AUTH_MODE", "disabled")
	if _, err := LoadFromEnv(); err != nil {
		t.Fatalf("auth disabled should not need signing secret: %v", err)
	}
}

func TestLoadFromEnv_DeviceSecrets(t *testing.T) {
	setValidEnv(t)
	t.Setenv("DRIVEVOICE_DEVICE_SECRETS", "dev-1:s1, dev-2:s2")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.DeviceSecrets["dev-1"] != "s1" || cfg.DeviceSecrets["dev-2"] != "s2" {
		t.Fatalf("DeviceSecrets=%v", cfg.DeviceSecrets)
	}

	t.Setenv("DRIVEVOICE_DEVICE_SECRETS", "malformed")
	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("expected error for malformed device secret entry")
	}
}

func TestLoadFromEnv_ProModels(t *testing.T) {
	setValidEnv(t)
	t.Setenv("DRIVEVOICE_PRO_MODELS", "gemini-2.5-pro,gpt-realtime")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if _, ok := cfg.ProModels["gemini-2.5-pro"]; !ok {
		t.Fatal("gemini-2.5-pro missing from ProModels")
	}
	if _, ok := cfg.ProModels["gpt-realtime"]; !ok {
		t.Fatal("gpt-realtime missing from ProModels")
	}
}

func TestLoadFromEnv_BackoffCapBelowBase(t *testing.T) {
	setValidEnv(t)
	t.Setenv("DRIVEVOICE_DISPATCH_BACKOFF_BASE", "5s")
	t.Setenv("DRIVEVOICE_DISPATCH_BACKOFF_CAP", "1s")

	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("expected error when cap < base")
	}
}

func TestValidCallContext(t *testing.T) {
	t.Parallel()
	if !ValidCallContext(CallContextPhone) || !ValidCallContext(CallContextVehicle) {
		t.Fatal("known contexts should be valid")
	}
	if ValidCallContext("desktop") {
		t.Fatal("unknown context should be invalid")
	}
}
