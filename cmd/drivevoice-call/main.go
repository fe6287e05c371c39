// drivevoice-call is the developer harness for the voice stack: it places a
// simulated call against a gateway and media node, and browses the local
// session log.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/drivevoice/drivevoice/internal/dotenv"
	"github.com/drivevoice/drivevoice/pkg/client/api"
	"github.com/drivevoice/drivevoice/pkg/client/sessionlog"
)

const usage = `usage: drivevoice-call [flags] <command>

commands:
  call            place a simulated call; stdin lines are user utterances
  list            list sessions
  show <id>       show one session
  delete <id>     delete one session
  refresh         re-sync the local session log from the gateway
`

type callConfig struct {
	GatewayURL   string
	DeviceID     string
	DeviceSecret string
	StorePath    string

	Context        string
	LoggingEnabled bool

	Timeout          time.Duration
	MaxDuration      time.Duration
	InactivityWindow time.Duration
}

func parseCallConfig(args []string, getenv func(string) string) (callConfig, []string, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	cfg := callConfig{}
	fs := flag.NewFlagSet("drivevoice-call", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.GatewayURL, "gateway", envOrDefault(getenv, "DRIVEVOICE_GATEWAY_URL", "http://127.0.0.1:8080"), "gateway base URL")
	fs.StringVar(&cfg.DeviceID, "device", strings.TrimSpace(getenv("DRIVEVOICE_DEVICE_ID")), "device id (or DRIVEVOICE_DEVICE_ID)")
	fs.StringVar(&cfg.DeviceSecret, "device-secret", strings.TrimSpace(getenv("DRIVEVOICE_DEVICE_SECRET")), "device refresh secret (or DRIVEVOICE_DEVICE_SECRET)")
	fs.StringVar(&cfg.StorePath, "store", strings.TrimSpace(getenv("DRIVEVOICE_STORE")), "session log path (default ~/.drivevoice/sessions.db)")
	fs.StringVar(&cfg.Context, "context", "phone", "call context: phone or in_vehicle")
	fs.BoolVar(&cfg.LoggingEnabled, "logging", true, "record a transcript for this call")
	fs.DurationVar(&cfg.Timeout, "timeout", 15*time.Second, "per-request timeout")
	fs.DurationVar(&cfg.MaxDuration, "max-duration", 30*time.Minute, "hard call duration ceiling")
	fs.DurationVar(&cfg.InactivityWindow, "inactivity", 2*time.Minute, "end the call after this much silence")

	if err := fs.Parse(args); err != nil {
		return callConfig{}, nil, err
	}
	if err := validateCallConfig(cfg); err != nil {
		return callConfig{}, nil, err
	}
	return cfg, fs.Args(), nil
}

func envOrDefault(getenv func(string) string, key, def string) string {
	if v := strings.TrimSpace(getenv(key)); v != "" {
		return v
	}
	return def
}

func validateCallConfig(cfg callConfig) error {
	if strings.TrimSpace(cfg.GatewayURL) == "" {
		return errors.New("gateway must not be empty")
	}
	if cfg.DeviceID == "" || cfg.DeviceSecret == "" {
		return errors.New("device credentials are required (set DRIVEVOICE_DEVICE_ID and DRIVEVOICE_DEVICE_SECRET)")
	}
	if cfg.Context != "phone" && cfg.Context != "in_vehicle" {
		return fmt.Errorf("invalid context %q: must be phone or in_vehicle", cfg.Context)
	}
	if cfg.Timeout <= 0 {
		return errors.New("timeout must be > 0")
	}
	return nil
}

func (cfg callConfig) storePath() (string, error) {
	if cfg.StorePath != "" {
		return cfg.StorePath, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	dir := filepath.Join(home, ".drivevoice")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create state directory: %w", err)
	}
	return filepath.Join(dir, "sessions.db"), nil
}

func openStore(cfg callConfig) (*sessionlog.Store, func(), error) {
	path, err := cfg.storePath()
	if err != nil {
		return nil, nil, err
	}
	fast, err := sessionlog.OpenSQLite(path)
	if err != nil {
		return nil, nil, err
	}
	remote := &api.Client{
		BaseURL:      cfg.GatewayURL,
		DeviceID:     cfg.DeviceID,
		DeviceSecret: cfg.DeviceSecret,
	}
	return &sessionlog.Store{Remote: remote, Fast: fast}, func() { fast.Close() }, nil
}

func runCommand(ctx context.Context, cfg callConfig, args []string, in io.Reader, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("missing command")
	}

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	switch args[0] {
	case "call":
		return runCall(ctx, cfg, store, in, out)
	case "list":
		return runList(ctx, store, out)
	case "show":
		if len(args) < 2 {
			return errors.New("show requires a session id")
		}
		return runShow(ctx, store, args[1], out)
	case "delete":
		if len(args) < 2 {
			return errors.New("delete requires a session id")
		}
		return runDelete(ctx, store, args[1], out)
	case "refresh":
		return runRefresh(ctx, store, out)
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func runList(ctx context.Context, store *sessionlog.Store, out io.Writer) error {
	sessions, err := store.List(ctx)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Fprintln(out, "no sessions")
		return nil
	}
	for _, s := range sessions {
		printSessionLine(out, s)
	}
	return nil
}

func runShow(ctx context.Context, store *sessionlog.Store, id string, out io.Writer) error {
	s, err := store.Get(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "session:  %s\n", s.SessionID)
	fmt.Fprintf(out, "context:  %s\n", s.Context)
	fmt.Fprintf(out, "started:  %s\n", s.StartedAt)
	if s.EndedAt != nil {
		fmt.Fprintf(out, "ended:    %s\n", *s.EndedAt)
	}
	if s.DurationMinutes != nil {
		fmt.Fprintf(out, "minutes:  %d\n", *s.DurationMinutes)
	}
	fmt.Fprintf(out, "summary:  %s\n", s.SummaryStatus)
	if s.Title != "" {
		fmt.Fprintf(out, "title:    %s\n", s.Title)
	}
	if s.Summary != "" {
		fmt.Fprintf(out, "\n%s\n", s.Summary)
	}
	return nil
}

func runDelete(ctx context.Context, store *sessionlog.Store, id string, out io.Writer) error {
	if err := store.Delete(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(out, "deleted %s\n", id)
	return nil
}

func runRefresh(ctx context.Context, store *sessionlog.Store, out io.Writer) error {
	sessions, err := store.Refresh(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "refreshed %d sessions\n", len(sessions))
	for _, s := range sessions {
		printSessionLine(out, s)
	}
	return nil
}

func runMain(ctx context.Context, args []string, in io.Reader, out, stderr io.Writer) int {
	if err := dotenv.Load(".env"); err != nil {
		fmt.Fprintf(stderr, "drivevoice-call: %v\n", err)
		return 1
	}

	cfg, rest, err := parseCallConfig(args, os.Getenv)
	if err != nil {
		fmt.Fprintf(stderr, "drivevoice-call: %v\n\n%s", err, usage)
		return 2
	}
	if err := runCommand(ctx, cfg, rest, in, out); err != nil {
		fmt.Fprintf(stderr, "drivevoice-call: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func printSessionLine(out io.Writer, s api.Session) {
	status := "open"
	if s.EndedAt != nil {
		status = "ended"
		if s.DurationMinutes != nil {
			status = fmt.Sprintf("ended (%d min)", *s.DurationMinutes)
		}
	}
	title := s.Title
	if title == "" {
		title = "-"
	}
	fmt.Fprintf(out, "%s  %-10s  %s  %-14s  %s\n", s.SessionID, s.Context, s.StartedAt, status, title)
}
