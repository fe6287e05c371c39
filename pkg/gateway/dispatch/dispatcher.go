// Package dispatch gets an AI worker into a freshly created room and
// confirms it actually joined. Dispatch acceptance only means the job was
// queued; workers are scheduled asynchronously by the pool, so acceptance is
// followed by a bounded participant-poll to verify membership.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/drivevoice/drivevoice/pkg/gateway/media"
	"github.com/drivevoice/drivevoice/pkg/gateway/metrics"
)

// RoomAPI is the slice of the media node the dispatcher needs.
type RoomAPI interface {
	DispatchAgent(ctx context.Context, req media.DispatchRequest) error
	ListParticipants(ctx context.Context, room string) ([]media.Participant, error)
}

// AgentMetadata is the job payload handed to the worker that picks up the
// dispatch.
type AgentMetadata struct {
	SessionID          string `json:"sessionId"`
	Model              string `json:"model"`
	Voice              string `json:"voice"`
	Instructions       string `json:"instructions"`
	ToolCallingEnabled bool   `json:"toolCallingEnabled"`
	WebSearchEnabled   bool   `json:"webSearchEnabled"`
}

type Config struct {
	// MaxAttempts bounds dispatch attempts (first try included).
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// VerifyAttempts participant polls at VerifyInterval bound the join
	// confirmation window.
	VerifyAttempts int
	VerifyInterval time.Duration

	// AgentRole is the attribute value a dispatched worker declares.
	// IdentityPrefix is the legacy fallback for media nodes that drop
	// participant attributes.
	AgentRole      string
	IdentityPrefix string
}

type Dispatcher struct {
	Rooms   RoomAPI
	Cfg     Config
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// EnsureAgent dispatches a worker to room and verifies the join. It returns
// an error only when every dispatch attempt failed: once a dispatch has been
// accepted the room and credentials are already in the user's hands, so an
// unconfirmed join is logged as critical and tolerated rather than failed.
func (d *Dispatcher) EnsureAgent(ctx context.Context, room string, meta AgentMetadata) error {
	payload, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode agent metadata: %w", err)
	}
	req := media.DispatchRequest{Room: room, Role: d.Cfg.AgentRole, Metadata: string(payload)}

	attempts := 0
	backoff := retry.WithMaxRetries(uint64(d.Cfg.MaxAttempts-1),
		retry.WithCappedDuration(d.Cfg.BackoffCap,
			retry.NewExponential(d.Cfg.BackoffBase)))

	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		if d.Metrics != nil {
			d.Metrics.DispatchAttempts.Inc()
		}
		if err := d.Rooms.DispatchAgent(ctx, req); err != nil {
			d.logger().Warn("agent dispatch attempt failed",
				"room", room, "attempt", attempts, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		if d.Metrics != nil {
			d.Metrics.DispatchOutcomes.WithLabelValues("exhausted").Inc()
		}
		return fmt.Errorf("dispatch agent to %s after %d attempts: %w", room, attempts, err)
	}

	d.logger().Info("agent dispatch accepted", "room", room, "attempts", attempts)

	if d.verifyJoin(ctx, room) {
		if d.Metrics != nil {
			d.Metrics.DispatchOutcomes.WithLabelValues("confirmed").Inc()
		}
		return nil
	}

	// The client is already connected; failing here would not undo that.
	// Surface loudly for operators and accept the optimistic race.
	if d.Metrics != nil {
		d.Metrics.DispatchOutcomes.WithLabelValues("unconfirmed").Inc()
		d.Metrics.VerifyExhaustions.Inc()
	}
	d.logger().Error("CRITICAL: agent join unconfirmed after polling window",
		"room", room,
		"polls", d.Cfg.VerifyAttempts,
		"window", time.Duration(d.Cfg.VerifyAttempts)*d.Cfg.VerifyInterval,
	)
	return nil
}

func (d *Dispatcher) verifyJoin(ctx context.Context, room string) bool {
	for attempt := 1; attempt <= d.Cfg.VerifyAttempts; attempt++ {
		if d.Metrics != nil {
			d.Metrics.VerifyPolls.Inc()
		}
		participants, err := d.Rooms.ListParticipants(ctx, room)
		if err != nil {
			d.logger().Warn("participant poll failed", "room", room, "attempt", attempt, "error", err)
		} else if p, ok := d.findAgent(participants); ok {
			d.logger().Info("agent join confirmed",
				"room", room, "identity", p.Identity, "polls", attempt)
			return true
		}

		if attempt == d.Cfg.VerifyAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d.Cfg.VerifyInterval):
		}
	}
	return false
}

// findAgent classifies a participant as the dispatched worker. The declared
// role attribute is authoritative; the identity-prefix match is a fallback
// for media nodes that strip attributes, and is logged as such because name
// conventions are not a contract.
func (d *Dispatcher) findAgent(participants []media.Participant) (media.Participant, bool) {
	for _, p := range participants {
		if p.Attributes["role"] == d.Cfg.AgentRole {
			return p, true
		}
	}
	if d.Cfg.IdentityPrefix != "" {
		for _, p := range participants {
			if strings.HasPrefix(p.Identity, d.Cfg.IdentityPrefix) {
				d.logger().Warn("agent matched by identity prefix, not role attribute",
					"identity", p.Identity)
				return p, true
			}
		}
	}
	return media.Participant{}, false
}
