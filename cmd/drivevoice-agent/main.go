package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/drivevoice/drivevoice/internal/dotenv"
	"github.com/drivevoice/drivevoice/pkg/agent"
)

type agentDeps struct {
	loadConfig   func() (agent.EnvConfig, error)
	newResponder func(ctx context.Context, apiKey, defaultModel string) (agent.Responder, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultAgentDeps() agentDeps {
	return agentDeps{
		loadConfig: agent.LoadFromEnv,
		newResponder: func(ctx context.Context, apiKey, defaultModel string) (agent.Responder, error) {
			return agent.NewGeminiResponder(ctx, apiKey, defaultModel)
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func runAgent(ctx context.Context, logger *slog.Logger, deps agentDeps) error {
	if deps.loadConfig == nil || deps.newResponder == nil {
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

	responder, err := deps.newResponder(ctx, cfg.GeminiAPIKey, cfg.DefaultModel)
	if err != nil {
		return fmt.Errorf("build responder: %w", err)
	}

	worker := &agent.Worker{
		Cfg: agent.Config{
			MediaURL:      cfg.MediaURL,
			WorkerToken:   cfg.WorkerToken,
			Greeting:      cfg.Greeting,
			ReconnectBase: cfg.ReconnectBase,
			ReconnectCap:  cfg.ReconnectCap,
			ReplyTimeout:  cfg.ReplyTimeout,
		},
		Turns:     &agent.GatewayTurns{BaseURL: cfg.GatewayURL},
		Responder: responder,
		Logger:    logger,
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("shutdown signal received", "signal", sig.String())
			cancel()
		case <-runCtx.Done():
		}
	}()

	logger.Info("starting agent worker", "media_url", cfg.MediaURL, "model", cfg.DefaultModel)

	if err := worker.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("worker: %w", err)
	}
	logger.Info("agent worker stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps agentDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := dotenv.Load(".env"); err != nil {
		fmt.Fprintf(stderr, "drivevoice-agent: %v\n", err)
		return 1
	}

	if err := runAgent(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "drivevoice-agent: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultAgentDeps()))
}
