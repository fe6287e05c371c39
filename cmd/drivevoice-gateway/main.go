package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/drivevoice/drivevoice/internal/dotenv"
	"github.com/drivevoice/drivevoice/pkg/gateway/background"
	"github.com/drivevoice/drivevoice/pkg/gateway/config"
	"github.com/drivevoice/drivevoice/pkg/gateway/dispatch"
	"github.com/drivevoice/drivevoice/pkg/gateway/entitlement"
	"github.com/drivevoice/drivevoice/pkg/gateway/lifecycle"
	"github.com/drivevoice/drivevoice/pkg/gateway/media"
	"github.com/drivevoice/drivevoice/pkg/gateway/metrics"
	"github.com/drivevoice/drivevoice/pkg/gateway/ratelimit"
	gatewayserver "github.com/drivevoice/drivevoice/pkg/gateway/server"
	"github.com/drivevoice/drivevoice/pkg/gateway/store"
	"github.com/drivevoice/drivevoice/pkg/gateway/summary"
)

type gatewayDeps struct {
	loadConfig   func() (config.Config, error)
	openStore    func(ctx context.Context, databaseURL string) (*store.PG, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultGatewayDeps() gatewayDeps {
	return gatewayDeps{
		loadConfig: config.LoadFromEnv,
		openStore:  store.Open,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
	}
}

// summariesDisabled stands in when no Gemini key is configured; sessions
// keep their pending summary status.
type summariesDisabled struct {
	logger *slog.Logger
}

func (s summariesDisabled) Run(ctx context.Context, sessionID string) {
	s.logger.Debug("summary generation disabled", "session_id", sessionID)
}

func runGateway(ctx context.Context, logger *slog.Logger, deps gatewayDeps) error {
	if deps.loadConfig == nil || deps.openStore == nil {
		return errors.New("missing dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	pg, err := deps.openStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer pg.Close()
	if err := pg.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	m := metrics.New()
	tracker := background.NewTracker(logger)
	lc := &lifecycle.Lifecycle{}

	mediaClient := &media.Client{
		BaseURL:   cfg.MediaBaseURL,
		APIKey:    cfg.MediaAPIKey,
		APISecret: cfg.MediaAPISecret,
	}

	gate := &entitlement.Gate{
		Store:            pg,
		FreeMinutesLimit: cfg.FreeMinutesLimit,
		Logger:           logger,
		Metrics:          m,
	}

	dispatcher := &dispatch.Dispatcher{
		Rooms: mediaClient,
		Cfg: dispatch.Config{
			MaxAttempts:    cfg.DispatchMaxAttempts,
			BackoffBase:    cfg.DispatchBackoffBase,
			BackoffCap:     cfg.DispatchBackoffCap,
			VerifyAttempts: cfg.VerifyAttempts,
			VerifyInterval: cfg.VerifyInterval,
			AgentRole:      cfg.AgentRole,
			IdentityPrefix: cfg.AgentIdentityPrefix,
		},
		Logger:  logger,
		Metrics: m,
	}

	var summarizer interface {
		Run(ctx context.Context, sessionID string)
	} = summariesDisabled{logger: logger}
	if cfg.GeminiAPIKey != "" {
		gen, err := summary.NewGeminiGenerator(ctx, cfg.GeminiAPIKey, cfg.SummaryModel)
		if err != nil {
			return fmt.Errorf("summary generator: %w", err)
		}
		summarizer = &summary.Summarizer{
			Store:     pg,
			Generator: gen,
			Timeout:   cfg.SummaryTimeout,
			Logger:    logger,
			Metrics:   m,
		}
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = ratelimit.New(ratelimit.Config{
			RPS:   cfg.RateLimitRPS,
			Burst: cfg.RateLimitBurst,
		})
	}

	srv := gatewayserver.New(gatewayserver.Deps{
		Config:     cfg,
		Logger:     logger,
		Sessions:   pg,
		DB:         pg,
		Gate:       gate,
		Rooms:      mediaClient,
		Dispatcher: dispatcher,
		Summarizer: summarizer,
		Billing:    pg,
		Background: tracker,
		Metrics:    m,
		Lifecycle:  lc,
		Limiter:    limiter,
	})
	httpSrv := buildHTTPServer(cfg, srv.Handler())

	logger.Info("starting gateway",
		"addr", cfg.Addr,
		"auth_mode", cfg.AuthMode,
		"free_minutes_limit", cfg.FreeMinutesLimit,
		"summaries", cfg.GeminiAPIKey != "",
	)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	lc.SetDraining(true)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	// Let detached dispatches and summaries finish; cut them loose if they
	// outlive the grace period.
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !tracker.Wait(waitCtx) {
		n := tracker.CancelAll()
		logger.Warn("cancelled background operations at shutdown", "count", n)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("gateway stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps gatewayDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := dotenv.Load(".env"); err != nil {
		fmt.Fprintf(stderr, "drivevoice-gateway: %v\n", err)
		return 1
	}

	if err := runGateway(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "drivevoice-gateway: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultGatewayDeps()))
}
