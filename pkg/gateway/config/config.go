package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeDisabled AuthMode = "disabled"
)

// CallContext is the reported origin of a voice session.
type CallContext string

const (
	CallContextPhone   CallContext = "phone"
	CallContextVehicle CallContext = "in_vehicle"
)

func ValidCallContext(c CallContext) bool {
	return c == CallContextPhone || c == CallContextVehicle
}

type Config struct {
	Addr string

	AuthMode AuthMode

	// Device credentials: deviceID -> refresh secret. Access tokens are
	// short-lived HMAC JWTs minted against TokenSigningSecret.
	DeviceSecrets      map[string]string
	TokenSigningSecret string
	TokenTTL           time.Duration

	DatabaseURL string

	// Media node (room/transport collaborator).
	MediaBaseURL   string // admin REST surface
	MediaPublicURL string // URL handed to clients for transport connect
	MediaAPIKey    string
	MediaAPISecret string
	MediaTokenTTL  time.Duration

	// Free tier.
	FreeMinutesLimit int

	// Models that require a paid entitlement regardless of free-tier balance.
	ProModels map[string]struct{}

	DefaultModel string
	DefaultVoice string

	// Agent dispatch.
	AgentRole            string
	AgentIdentityPrefix  string
	AgentInstructions    string
	ToolCallingEnabled   bool
	WebSearchEnabled     bool
	DispatchMaxAttempts  int
	DispatchBackoffBase  time.Duration
	DispatchBackoffCap   time.Duration
	DispatchTotalTimeout time.Duration
	VerifyAttempts       int
	VerifyInterval       time.Duration

	// Post-session summary generation.
	GeminiAPIKey   string
	SummaryModel   string
	SummaryTimeout time.Duration

	// Billing webhook.
	StripeWebhookSecret string

	MaxBodyBytes int64

	// Per-device rate limit on token minting and session starts. Zero RPS
	// disables it.
	RateLimitRPS   float64
	RateLimitBurst int

	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                 envOr("DRIVEVOICE_ADDR", ":8080"),
		AuthMode:             AuthMode(envOr("DRIVEVOICE_AUTH_MODE", string(AuthModeRequired))),
		DeviceSecrets:        make(map[string]string),
		TokenSigningSecret:   strings.TrimSpace(os.Getenv("DRIVEVOICE_TOKEN_SIGNING_SECRET")),
		TokenTTL:             envDurationOr("DRIVEVOICE_TOKEN_TTL", 1*time.Hour),
		DatabaseURL:          strings.TrimSpace(os.Getenv("DRIVEVOICE_DATABASE_URL")),
		MediaBaseURL:         envOr("DRIVEVOICE_MEDIA_BASE_URL", "http://127.0.0.1:7880"),
		MediaPublicURL:       envOr("DRIVEVOICE_MEDIA_PUBLIC_URL", "ws://127.0.0.1:7880"),
		MediaAPIKey:          strings.TrimSpace(os.Getenv("DRIVEVOICE_MEDIA_API_KEY")),
		MediaAPISecret:       strings.TrimSpace(os.Getenv("DRIVEVOICE_MEDIA_API_SECRET")),
		MediaTokenTTL:        envDurationOr("DRIVEVOICE_MEDIA_TOKEN_TTL", 2*time.Hour),
		FreeMinutesLimit:     envIntOr("DRIVEVOICE_FREE_MINUTES_LIMIT", 15),
		ProModels:            make(map[string]struct{}),
		DefaultModel:         envOr("DRIVEVOICE_DEFAULT_MODEL", "gemini-2.0-flash"),
		DefaultVoice:         envOr("DRIVEVOICE_DEFAULT_VOICE", "alloy"),
		AgentRole:            envOr("DRIVEVOICE_AGENT_ROLE", "voice-agent"),
		AgentIdentityPrefix:  envOr("DRIVEVOICE_AGENT_IDENTITY_PREFIX", "agent-"),
		AgentInstructions:    envOr("DRIVEVOICE_AGENT_INSTRUCTIONS", defaultAgentInstructions),
		ToolCallingEnabled:   envBoolOr("DRIVEVOICE_AGENT_TOOL_CALLING", false),
		WebSearchEnabled:     envBoolOr("DRIVEVOICE_AGENT_WEB_SEARCH", false),
		DispatchMaxAttempts:  envIntOr("DRIVEVOICE_DISPATCH_MAX_ATTEMPTS", 3),
		DispatchBackoffBase:  envDurationOr("DRIVEVOICE_DISPATCH_BACKOFF_BASE", 500*time.Millisecond),
		DispatchBackoffCap:   envDurationOr("DRIVEVOICE_DISPATCH_BACKOFF_CAP", 4*time.Second),
		DispatchTotalTimeout: envDurationOr("DRIVEVOICE_DISPATCH_TOTAL_TIMEOUT", 45*time.Second),
		VerifyAttempts:       envIntOr("DRIVEVOICE_VERIFY_ATTEMPTS", 10),
		VerifyInterval:       envDurationOr("DRIVEVOICE_VERIFY_INTERVAL", time.Second),
		GeminiAPIKey:         strings.TrimSpace(os.Getenv("DRIVEVOICE_GEMINI_API_KEY")),
		SummaryModel:         envOr("DRIVEVOICE_SUMMARY_MODEL", "gemini-2.0-flash"),
		SummaryTimeout:       envDurationOr("DRIVEVOICE_SUMMARY_TIMEOUT", 30*time.Second),
		StripeWebhookSecret:  strings.TrimSpace(os.Getenv("DRIVEVOICE_STRIPE_WEBHOOK_SECRET")),
		MaxBodyBytes:         envInt64Or("DRIVEVOICE_MAX_BODY_BYTES", 1<<20), // 1 MiB
		RateLimitRPS:         envFloatOr("DRIVEVOICE_RATE_LIMIT_RPS", 5),
		RateLimitBurst:       envIntOr("DRIVEVOICE_RATE_LIMIT_BURST", 10),
		ReadHeaderTimeout:    envDurationOr("DRIVEVOICE_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:          envDurationOr("DRIVEVOICE_READ_TIMEOUT", 30*time.Second),
		ShutdownGracePeriod:  envDurationOr("DRIVEVOICE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeDisabled:
	default:
		return Config{}, fmt.Errorf("DRIVEVOICE_AUTH_MODE must be one of required|disabled")
	}

	for _, pair := range splitCSV(os.Getenv("DRIVEVOICE_DEVICE_SECRETS")) {
		id, secret, ok := strings.Cut(pair, ":")
		if !ok || strings.TrimSpace(id) == "" || strings.TrimSpace(secret) == "" {
			return Config{}, fmt.Errorf("DRIVEVOICE_DEVICE_SECRETS entries must be device_id:secret")
		}
		cfg.DeviceSecrets[strings.TrimSpace(id)] = strings.TrimSpace(secret)
	}

	for _, m := range splitCSV(os.Getenv("DRIVEVOICE_PRO_MODELS")) {
		cfg.ProModels[m] = struct{}{}
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DRIVEVOICE_DATABASE_URL must be set")
	}
	if cfg.AuthMode == AuthModeRequired && cfg.TokenSigningSecret == "" {
		return Config{}, fmt.Errorf("DRIVEVOICE_TOKEN_SIGNING_SECRET must be set when DRIVEVOICE_AUTH_MODE=required")
	}
	if cfg.TokenTTL <= 0 {
		return Config{}, fmt.Errorf("DRIVEVOICE_TOKEN_TTL must be > 0")
	}
	if cfg.MediaAPIKey == "" || cfg.MediaAPISecret == "" {
		return Config{}, fmt.Errorf("DRIVEVOICE_MEDIA_API_KEY and DRIVEVOICE_MEDIA_API_SECRET must be set")
	}
	if cfg.MediaTokenTTL <= 0 {
		return Config{}, fmt.Errorf("DRIVEVOICE_MEDIA_TOKEN_TTL must be > 0")
	}
	if cfg.FreeMinutesLimit <= 0 {
		return Config{}, fmt.Errorf("DRIVEVOICE_FREE_MINUTES_LIMIT must be > 0")
	}
	if cfg.DispatchMaxAttempts <= 0 {
		return Config{}, fmt.Errorf("DRIVEVOICE_DISPATCH_MAX_ATTEMPTS must be > 0")
	}
	if cfg.DispatchBackoffBase <= 0 {
		return Config{}, fmt.Errorf("DRIVEVOICE_DISPATCH_BACKOFF_BASE must be > 0")
	}
	if cfg.DispatchBackoffCap < cfg.DispatchBackoffBase {
		return Config{}, fmt.Errorf("DRIVEVOICE_DISPATCH_BACKOFF_CAP must be >= DRIVEVOICE_DISPATCH_BACKOFF_BASE")
	}
	if cfg.DispatchTotalTimeout <= 0 {
		return Config{}, fmt.Errorf("DRIVEVOICE_DISPATCH_TOTAL_TIMEOUT must be > 0")
	}
	if cfg.VerifyAttempts <= 0 {
		return Config{}, fmt.Errorf("DRIVEVOICE_VERIFY_ATTEMPTS must be > 0")
	}
	if cfg.VerifyInterval <= 0 {
		return Config{}, fmt.Errorf("DRIVEVOICE_VERIFY_INTERVAL must be > 0")
	}
	if cfg.SummaryTimeout <= 0 {
		return Config{}, fmt.Errorf("DRIVEVOICE_SUMMARY_TIMEOUT must be > 0")
	}
	if cfg.MaxBodyBytes <= 0 {
		return Config{}, fmt.Errorf("DRIVEVOICE_MAX_BODY_BYTES must be > 0")
	}
	if cfg.RateLimitRPS < 0 {
		return Config{}, fmt.Errorf("DRIVEVOICE_RATE_LIMIT_RPS must be >= 0")
	}
	if cfg.RateLimitRPS > 0 && cfg.RateLimitBurst <= 0 {
		return Config{}, fmt.Errorf("DRIVEVOICE_RATE_LIMIT_BURST must be > 0 when rate limiting is enabled")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("DRIVEVOICE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("DRIVEVOICE_READ_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("DRIVEVOICE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

const defaultAgentInstructions = "You are a helpful voice assistant for drivers. " +
	"Keep responses concise and clear for safe driving. Answer questions directly and briefly."

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envFloatOr(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return f
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
