package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/drivevoice/drivevoice/pkg/client/call"
	"github.com/drivevoice/drivevoice/pkg/client/sessionlog"
	"github.com/drivevoice/drivevoice/pkg/client/transport"
)

// loopbackController stands in for the platform telephony layer: the harness
// has no real phone call, so call control succeeds immediately.
type loopbackController struct {
	events chan call.ControllerEvent
}

func newLoopbackController() *loopbackController {
	return &loopbackController{events: make(chan call.ControllerEvent, 4)}
}

func (c *loopbackController) StartCall(ctx context.Context) error {
	c.events <- call.ControllerEvent{Type: call.ControllerConnected}
	return nil
}

func (c *loopbackController) EndCall(ctx context.Context) error {
	c.events <- call.ControllerEvent{Type: call.ControllerDisconnected}
	return nil
}

func (c *loopbackController) Events() <-chan call.ControllerEvent {
	return c.events
}

func runCall(ctx context.Context, cfg callConfig, store *sessionlog.Store, in io.Reader, out io.Writer) error {
	logger := slog.Default()
	controller := newLoopbackController()
	socket := transport.NewSocket(logger)

	orch := call.New(controller, socket, store, call.Config{
		InactivityWindow: cfg.InactivityWindow,
		InactivityPoll:   time.Second,
		MaxCallDuration:  cfg.MaxDuration,
		SessionTimeout:   cfg.Timeout,
	}, logger)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go orch.Run(runCtx)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	fmt.Fprintln(out, "placing call; type to talk, /end to hang up")
	orch.Start(cfg.Context, cfg.LoggingEnabled)

	stdinOpen := true
	for {
		var lineCh chan string
		if stdinOpen {
			lineCh = lines
		}
		select {
		case <-ctx.Done():
			orch.End()
			awaitIdle(orch)
			return ctx.Err()

		case ev := <-orch.Events():
			fmt.Fprintf(out, "[%s]\n", ev.State)
			if ev.Err != nil {
				fmt.Fprintf(out, "call failed: %v\n", ev.Err)
			}
			if ev.State == call.Idle {
				return ev.Err
			}

		case line, ok := <-lineCh:
			if !ok {
				stdinOpen = false
				orch.End()
				continue
			}
			line = strings.TrimSpace(line)
			switch {
			case line == "":
			case line == "/end":
				orch.End()
			default:
				if err := socket.SendText(line); err != nil {
					fmt.Fprintf(out, "send failed: %v\n", err)
				}
			}
		}
	}
}

// awaitIdle drains events until the orchestrator settles, bounded so a stuck
// teardown cannot hang the process.
func awaitIdle(orch *call.Orchestrator) {
	deadline := time.After(5 * time.Second)
	for {
		if orch.State() == call.Idle {
			return
		}
		select {
		case <-orch.Events():
		case <-deadline:
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
}
