package agent

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// EnvConfig is the worker's process configuration.
type EnvConfig struct {
	MediaURL    string
	WorkerToken string
	GatewayURL  string

	GeminiAPIKey string
	DefaultModel string
	Greeting     string

	ReconnectBase time.Duration
	ReconnectCap  time.Duration
	ReplyTimeout  time.Duration
}

// LoadFromEnv reads the worker configuration from the environment and
// validates it.
func LoadFromEnv() (EnvConfig, error) {
	cfg := EnvConfig{
		MediaURL:     os.Getenv("AGENT_MEDIA_URL"),
		WorkerToken:  os.Getenv("AGENT_WORKER_TOKEN"),
		GatewayURL:   os.Getenv("AGENT_GATEWAY_URL"),
		GeminiAPIKey: os.Getenv("GEMINI_API_KEY"),
		DefaultModel: envOr("AGENT_MODEL", "gemini-2.0-flash-live"),
		Greeting:     os.Getenv("AGENT_GREETING"),

		ReconnectBase: envDurationOr("AGENT_RECONNECT_BASE", time.Second),
		ReconnectCap:  envDurationOr("AGENT_RECONNECT_CAP", 30*time.Second),
		ReplyTimeout:  envDurationOr("AGENT_REPLY_TIMEOUT", 20*time.Second),
	}

	var problems []string
	if cfg.MediaURL == "" {
		problems = append(problems, "AGENT_MEDIA_URL is required")
	} else if !strings.HasPrefix(cfg.MediaURL, "ws://") && !strings.HasPrefix(cfg.MediaURL, "wss://") {
		problems = append(problems, "AGENT_MEDIA_URL must be a ws:// or wss:// URL")
	}
	if cfg.WorkerToken == "" {
		problems = append(problems, "AGENT_WORKER_TOKEN is required")
	}
	if cfg.GatewayURL == "" {
		problems = append(problems, "AGENT_GATEWAY_URL is required")
	}
	if cfg.GeminiAPIKey == "" {
		problems = append(problems, "GEMINI_API_KEY is required")
	}
	if len(problems) > 0 {
		return EnvConfig{}, fmt.Errorf("invalid agent config: %s", strings.Join(problems, "; "))
	}
	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDurationOr(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
