// Package agent is the pooled voice worker. A worker holds a registration
// websocket to the media node, accepts room assignments pushed over it, joins
// the assigned room, and runs the conversation: greeting, replies, and
// transcript posting to the gateway.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"
)

// JobMetadata is the gateway's dispatch payload, carried opaquely through the
// media node.
type JobMetadata struct {
	SessionID          string `json:"sessionId"`
	Model              string `json:"model"`
	Voice              string `json:"voice"`
	Instructions       string `json:"instructions"`
	ToolCallingEnabled bool   `json:"toolCallingEnabled"`
	WebSearchEnabled   bool   `json:"webSearchEnabled"`
}

// jobFrame is one message on the registration socket. The node mints the
// room join token when it assigns the job.
type jobFrame struct {
	Type     string `json:"type"`
	Room     string `json:"room"`
	Token    string `json:"token"`
	Metadata string `json:"metadata"`
}

type ackFrame struct {
	Type string `json:"type"`
	Room string `json:"room"`
}

// TurnPoster records transcript rows with the gateway.
type TurnPoster interface {
	PostTurn(ctx context.Context, sessionID, speaker, text string) error
}

// Responder produces the assistant's reply to one user utterance.
type Responder interface {
	Reply(ctx context.Context, meta JobMetadata, userText string) (string, error)
}

type Config struct {
	// MediaURL is the node's websocket base, e.g. ws://media:7880.
	MediaURL    string
	WorkerToken string

	// Greeting is spoken when the worker joins a room.
	Greeting string

	// ReconnectBase and ReconnectCap shape the registration retry schedule.
	ReconnectBase time.Duration
	ReconnectCap  time.Duration

	// ReplyTimeout bounds one model call.
	ReplyTimeout time.Duration
}

func (c Config) greeting() string {
	if c.Greeting != "" {
		return c.Greeting
	}
	return "Hi, I'm listening. What can I do for you?"
}

func (c Config) reconnectBase() time.Duration {
	if c.ReconnectBase > 0 {
		return c.ReconnectBase
	}
	return time.Second
}

func (c Config) reconnectCap() time.Duration {
	if c.ReconnectCap > 0 {
		return c.ReconnectCap
	}
	return 30 * time.Second
}

func (c Config) replyTimeout() time.Duration {
	if c.ReplyTimeout > 0 {
		return c.ReplyTimeout
	}
	return 20 * time.Second
}

type Worker struct {
	Cfg       Config
	Turns     TurnPoster
	Responder Responder
	Logger    *slog.Logger
	Dialer    *websocket.Dialer

	wg sync.WaitGroup
}

func (w *Worker) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

func (w *Worker) dialer() *websocket.Dialer {
	if w.Dialer != nil {
		return w.Dialer
	}
	return websocket.DefaultDialer
}

// Run registers with the media node and serves assignments until ctx is
// cancelled. Lost registrations reconnect with exponential backoff; the
// schedule resets after any registration that accepted a job.
func (w *Worker) Run(ctx context.Context) error {
	defer w.wg.Wait()

	backoff := w.newBackoff()
	for {
		served, err := w.serveRegistration(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			w.logger().Warn("registration socket lost", "error", err)
		}
		if served {
			backoff = w.newBackoff()
		}

		delay, _ := backoff.Next()
		w.logger().Info("reconnecting to media node", "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (w *Worker) newBackoff() retry.Backoff {
	return retry.WithCappedDuration(w.Cfg.reconnectCap(), retry.NewExponential(w.Cfg.reconnectBase()))
}

// serveRegistration holds one registration socket, acking and launching each
// pushed job. It reports whether at least one job was accepted.
func (w *Worker) serveRegistration(ctx context.Context) (served bool, err error) {
	endpoint := strings.TrimRight(w.Cfg.MediaURL, "/") + "/agents/jobs"
	header := http.Header{"Authorization": {"Bearer " + w.Cfg.WorkerToken}}
	conn, _, err := w.dialer().DialContext(ctx, endpoint, header)
	if err != nil {
		return false, fmt.Errorf("register with media node: %w", err)
	}
	defer conn.Close()
	w.logger().Info("registered with media node", "endpoint", endpoint)

	// Unblock ReadMessage on shutdown.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return served, err
		}
		var frame jobFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			w.logger().Warn("unparseable job frame dropped", "error", err)
			continue
		}
		if frame.Type != "job" {
			continue
		}

		var meta JobMetadata
		if err := json.Unmarshal([]byte(frame.Metadata), &meta); err != nil {
			w.logger().Error("job metadata rejected", "room", frame.Room, "error", err)
			continue
		}
		if err := conn.WriteJSON(ackFrame{Type: "ack", Room: frame.Room}); err != nil {
			return served, fmt.Errorf("ack job: %w", err)
		}
		served = true

		w.wg.Add(1)
		go func(frame jobFrame, meta JobMetadata) {
			defer w.wg.Done()
			if err := w.runSession(ctx, frame, meta); err != nil {
				w.logger().Error("room session ended with error",
					"room", frame.Room, "session_id", meta.SessionID, "error", err)
			}
		}(frame, meta)
	}
}
