// Package entitlement decides, per device, whether a new voice session may
// start: a paid entitlement grants unlimited use, otherwise the device draws
// from a per-calendar-month free allowance.
package entitlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/drivevoice/drivevoice/pkg/gateway/metrics"
	"github.com/drivevoice/drivevoice/pkg/gateway/store"
)

// Store is the slice of the authoritative store the gate needs.
type Store interface {
	ActiveEntitlement(ctx context.Context, deviceID string, now time.Time) (*store.Entitlement, error)
	EnsureAllowance(ctx context.Context, deviceID string, periodStart, periodEnd time.Time) (*store.FreeAllowance, error)
	AddAllowanceMinutes(ctx context.Context, deviceID string, minutes int, periodStart, periodEnd time.Time) (*store.FreeAllowance, error)
}

type Reason string

const (
	ReasonSubscription  Reason = "subscription"
	ReasonFreeTier      Reason = "free_tier"
	ReasonLimitExceeded Reason = "limit_exceeded"
)

type Decision struct {
	Allowed bool
	Reason  Reason

	// Free-tier usage for client display; zero-valued for subscription
	// decisions (usage is unlimited there).
	FreeMinutesUsed  int
	FreeMinutesLimit int

	// OriginalTransactionID is set when a paid entitlement authorized the
	// session; it is snapshotted onto the session row.
	OriginalTransactionID string
}

type Gate struct {
	Store            Store
	FreeMinutesLimit int
	Logger           *slog.Logger
	Metrics          *metrics.Metrics

	// Now is injectable for tests; nil means time.Now.
	Now func() time.Time
}

func (g *Gate) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// Check runs the gate's decision order: paid entitlement first, then free
// allowance. It is consulted before any room or media credential exists.
func (g *Gate) Check(ctx context.Context, deviceID string) (Decision, error) {
	now := g.now()

	ent, err := g.Store.ActiveEntitlement(ctx, deviceID, now)
	if err != nil {
		return Decision{}, fmt.Errorf("entitlement lookup: %w", err)
	}
	if ent.Covers(now) {
		g.count(ReasonSubscription)
		return Decision{
			Allowed:               true,
			Reason:                ReasonSubscription,
			OriginalTransactionID: ent.OriginalTransactionID,
		}, nil
	}

	periodStart, periodEnd := store.MonthWindow(now)
	allowance, err := g.Store.EnsureAllowance(ctx, deviceID, periodStart, periodEnd)
	if err != nil {
		return Decision{}, fmt.Errorf("allowance lookup: %w", err)
	}

	if allowance.MinutesUsed < g.FreeMinutesLimit {
		g.count(ReasonFreeTier)
		return Decision{
			Allowed:          true,
			Reason:           ReasonFreeTier,
			FreeMinutesUsed:  allowance.MinutesUsed,
			FreeMinutesLimit: g.FreeMinutesLimit,
		}, nil
	}

	g.count(ReasonLimitExceeded)
	return Decision{
		Allowed:          false,
		Reason:           ReasonLimitExceeded,
		FreeMinutesUsed:  allowance.MinutesUsed,
		FreeMinutesLimit: g.FreeMinutesLimit,
	}, nil
}

// RecordUsage charges an ended session's minutes against the device's free
// allowance. Sessions covered by a paid entitlement are never charged.
func (g *Gate) RecordUsage(ctx context.Context, sess *store.Session) error {
	if sess == nil {
		return fmt.Errorf("record usage: nil session")
	}
	if sess.OriginalTransactionID != nil {
		return nil
	}
	if sess.DurationMinutes == nil || *sess.DurationMinutes <= 0 {
		return nil
	}

	periodStart, periodEnd := store.MonthWindow(g.now())
	allowance, err := g.Store.AddAllowanceMinutes(ctx, sess.DeviceID, *sess.DurationMinutes, periodStart, periodEnd)
	if err != nil {
		return fmt.Errorf("charge allowance: %w", err)
	}
	if g.Logger != nil {
		g.Logger.Info("free minutes charged",
			"device_id", sess.DeviceID,
			"session_id", sess.ID,
			"minutes", *sess.DurationMinutes,
			"minutes_used", allowance.MinutesUsed,
		)
	}
	return nil
}

func (g *Gate) count(reason Reason) {
	if g.Metrics != nil {
		g.Metrics.GateDecisions.WithLabelValues(string(reason)).Inc()
	}
}
