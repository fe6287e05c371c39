// Package sessionlog keeps the device's session list available and fast: the
// gateway is the authoritative record on the critical path, and a local
// SQLite mirror serves reads when the gateway is slow or unreachable.
//
// Write policy: authoritative first and fatal; mirror best-effort, logged
// only. Read policy: prefer the mirror, strict fallback to authoritative on
// mirror error (no merging), so gateway-only fields like AI summaries appear
// only on authoritative reads or after a refresh.
package sessionlog

import (
	"context"
	"log/slog"
	"time"

	"github.com/drivevoice/drivevoice/pkg/client/api"
)

// Authoritative is the slice of the gateway client the store needs.
type Authoritative interface {
	StartSession(ctx context.Context, req api.StartRequest) (*api.StartResult, error)
	EndSession(ctx context.Context, sessionID string, durationMinutes *int) error
	ListSessions(ctx context.Context) ([]api.Session, error)
	GetSession(ctx context.Context, id string) (*api.Session, error)
	DeleteSession(ctx context.Context, id string) error
}

// FastStore is the local mirror.
type FastStore interface {
	UpsertSession(ctx context.Context, sess api.Session) error
	MarkEnded(ctx context.Context, id, endedAt string, durationMinutes int) error
	List(ctx context.Context) ([]api.Session, error)
	Get(ctx context.Context, id string) (*api.Session, error)
	Delete(ctx context.Context, id string) error
	ReplaceAll(ctx context.Context, sessions []api.Session) error
}

type Store struct {
	Remote Authoritative
	Fast   FastStore
	Logger *slog.Logger

	// Now is injectable for tests; nil means time.Now.
	Now func() time.Time
}

func (s *Store) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Start creates the session on the gateway, then mirrors it. A gateway
// failure fails the call; a mirror failure is logged and swallowed.
func (s *Store) Start(ctx context.Context, req api.StartRequest) (*api.StartResult, error) {
	res, err := s.Remote.StartSession(ctx, req)
	if err != nil {
		return nil, err
	}

	loggingEnabled := true
	if req.LoggingEnabled != nil {
		loggingEnabled = *req.LoggingEnabled
	}
	mirror := api.Session{
		SessionID:      res.SessionID,
		Context:        req.Context,
		RoomName:       res.RoomName,
		Model:          req.Model,
		Voice:          req.Voice,
		StartedAt:      s.now().UTC().Format(time.RFC3339),
		LoggingEnabled: loggingEnabled,
		SummaryStatus:  "pending",
	}
	if err := s.Fast.UpsertSession(ctx, mirror); err != nil {
		s.logger().Warn("fast store mirror write failed", "session_id", res.SessionID, "error", err)
	}
	return res, nil
}

// End closes the session on the gateway, then mirrors the end event.
func (s *Store) End(ctx context.Context, sessionID string, durationMinutes *int) error {
	if err := s.Remote.EndSession(ctx, sessionID, durationMinutes); err != nil {
		return err
	}

	mins := 0
	if durationMinutes != nil {
		mins = *durationMinutes
	}
	if err := s.Fast.MarkEnded(ctx, sessionID, s.now().UTC().Format(time.RFC3339), mins); err != nil {
		s.logger().Warn("fast store end mirror failed", "session_id", sessionID, "error", err)
	}
	return nil
}

// List prefers the mirror and falls back entirely to the gateway when the
// mirror errors.
func (s *Store) List(ctx context.Context) ([]api.Session, error) {
	sessions, err := s.Fast.List(ctx)
	if err == nil {
		return sessions, nil
	}
	s.logger().Warn("fast store list failed, falling back to gateway", "error", err)
	return s.Remote.ListSessions(ctx)
}

// Get prefers the mirror; a mirror error or miss falls back to the gateway.
func (s *Store) Get(ctx context.Context, id string) (*api.Session, error) {
	sess, err := s.Fast.Get(ctx, id)
	if err == nil {
		return sess, nil
	}
	return s.Remote.GetSession(ctx, id)
}

// Delete removes the session from the gateway, then from the mirror.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.Remote.DeleteSession(ctx, id); err != nil {
		return err
	}
	if err := s.Fast.Delete(ctx, id); err != nil {
		s.logger().Warn("fast store delete mirror failed", "session_id", id, "error", err)
	}
	return nil
}

// Refresh replaces the mirror with the gateway's list. This is the
// reconciliation path: summaries and any entries left stale by failed mirror
// writes converge here.
func (s *Store) Refresh(ctx context.Context) ([]api.Session, error) {
	sessions, err := s.Remote.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.Fast.ReplaceAll(ctx, sessions); err != nil {
		s.logger().Warn("fast store refresh failed", "error", err)
	}
	return sessions, nil
}
