package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/drivevoice/drivevoice/pkg/gateway/apierror"
	"github.com/drivevoice/drivevoice/pkg/gateway/background"
	"github.com/drivevoice/drivevoice/pkg/gateway/config"
	"github.com/drivevoice/drivevoice/pkg/gateway/dispatch"
	"github.com/drivevoice/drivevoice/pkg/gateway/entitlement"
	"github.com/drivevoice/drivevoice/pkg/gateway/metrics"
	"github.com/drivevoice/drivevoice/pkg/gateway/store"
)

// SessionStore is the slice of the authoritative store the session handlers
// need.
type SessionStore interface {
	CreateSession(ctx context.Context, s *store.Session) error
	EndSession(ctx context.Context, id string, endedAt time.Time, durationMinutes int) (*store.Session, bool, error)
	GetSession(ctx context.Context, id string) (*store.Session, error)
	OpenSession(ctx context.Context, deviceID string) (*store.Session, error)
	ListSessions(ctx context.Context, deviceID string) ([]store.Session, error)
	DeleteSession(ctx context.Context, id, deviceID string) error
	AppendTurn(ctx context.Context, t *store.Turn) error
}

// Gate decides whether a device may start a session and charges free-tier
// usage at session end.
type Gate interface {
	Check(ctx context.Context, deviceID string) (entitlement.Decision, error)
	RecordUsage(ctx context.Context, sess *store.Session) error
}

// Rooms is the slice of the media node the session handlers need.
type Rooms interface {
	CreateRoom(ctx context.Context, name string) error
	MintAccessToken(identity, room string, ttl time.Duration) (string, error)
}

// Dispatcher sends an AI worker into a room after the response has gone out.
type Dispatcher interface {
	EnsureAgent(ctx context.Context, room string, meta dispatch.AgentMetadata) error
}

// Summarizer generates the post-session title/summary.
type Summarizer interface {
	Run(ctx context.Context, sessionID string)
}

// Sessions carries the handlers for the /v1/sessions surface.
type Sessions struct {
	Config     config.Config
	Store      SessionStore
	Gate       Gate
	Rooms      Rooms
	Dispatcher Dispatcher
	Summarizer Summarizer
	Background *background.Tracker
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

func (h *Sessions) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

type startRequest struct {
	Context        string `json:"context"`
	Model          string `json:"model,omitempty"`
	Voice          string `json:"voice,omitempty"`
	LoggingEnabled *bool  `json:"loggingEnabled,omitempty"`
}

type startResponse struct {
	SessionID  string `json:"sessionId"`
	MediaURL   string `json:"mediaUrl"`
	MediaToken string `json:"mediaToken"`
	RoomName   string `json:"roomName"`
}

// Start gates, creates the room and session row, and returns media
// credentials. Agent dispatch runs detached: the client's call setup never
// waits on worker-join latency.
func (h *Sessions) Start(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := deviceIDFrom(r)
	if !ok {
		writeErr(w, r, apierror.New(http.StatusUnauthorized, apierror.CodeUnauthorized, "no device identity"))
		return
	}

	var req startRequest
	if err := decodeBody(w, r, h.Config.MaxBodyBytes, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if !config.ValidCallContext(config.CallContext(req.Context)) {
		writeErr(w, r, apierror.New(http.StatusBadRequest, apierror.CodeInvalidRequest, `context must be "phone" or "in_vehicle"`))
		return
	}
	model := req.Model
	if model == "" {
		model = h.Config.DefaultModel
	}
	voice := req.Voice
	if voice == "" {
		voice = h.Config.DefaultVoice
	}
	loggingEnabled := true
	if req.LoggingEnabled != nil {
		loggingEnabled = *req.LoggingEnabled
	}

	// The gate runs before any room or credential exists.
	decision, err := h.Gate.Check(r.Context(), deviceID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if !decision.Allowed {
		writeErr(w, r, apierror.New(http.StatusPaymentRequired, apierror.CodeEntitlementRequired, "free minutes exhausted").
			WithField("freeMinutesUsed", decision.FreeMinutesUsed).
			WithField("freeMinutesLimit", decision.FreeMinutesLimit))
		return
	}
	if _, pro := h.Config.ProModels[model]; pro && decision.Reason != entitlement.ReasonSubscription {
		writeErr(w, r, apierror.New(http.StatusForbidden, apierror.CodeProRequired, "model requires an active subscription").
			WithField("model", model))
		return
	}

	sessionID := uuid.NewString()
	roomName := "call-" + sessionID

	if err := h.Rooms.CreateRoom(r.Context(), roomName); err != nil {
		writeErr(w, r, err)
		return
	}

	now := time.Now().UTC()
	sess := &store.Session{
		ID:             sessionID,
		DeviceID:       deviceID,
		CallContext:    req.Context,
		RoomName:       roomName,
		Model:          model,
		Voice:          voice,
		StartedAt:      now,
		LoggingEnabled: loggingEnabled,
	}
	if decision.Reason == entitlement.ReasonSubscription && decision.OriginalTransactionID != "" {
		txn := decision.OriginalTransactionID
		sess.OriginalTransactionID = &txn
	}

	err = h.Store.CreateSession(r.Context(), sess)
	if errors.Is(err, store.ErrActiveSessionExists) {
		// A session left open by a crashed client. Close it, charge its
		// elapsed minutes, and retry once.
		h.closeStaleSession(r.Context(), deviceID, now)
		err = h.Store.CreateSession(r.Context(), sess)
	}
	if err != nil {
		if errors.Is(err, store.ErrActiveSessionExists) {
			writeErr(w, r, apierror.New(http.StatusConflict, apierror.CodeConflict, "device already has an open session"))
			return
		}
		writeErr(w, r, err)
		return
	}

	token, err := h.Rooms.MintAccessToken(deviceID, roomName, h.Config.MediaTokenTTL)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	if h.Metrics != nil {
		h.Metrics.SessionsStarted.Inc()
	}
	h.logger().Info("session started",
		"session_id", sessionID,
		"device_id", deviceID,
		"call_context", req.Context,
		"model", model,
		"reason", decision.Reason,
	)

	writeJSON(w, http.StatusOK, startResponse{
		SessionID:  sessionID,
		MediaURL:   h.Config.MediaPublicURL,
		MediaToken: token,
		RoomName:   roomName,
	})

	meta := dispatch.AgentMetadata{
		SessionID:          sessionID,
		Model:              model,
		Voice:              voice,
		Instructions:       h.Config.AgentInstructions,
		ToolCallingEnabled: h.Config.ToolCallingEnabled,
		WebSearchEnabled:   h.Config.WebSearchEnabled,
	}
	h.Background.Go("agent-dispatch", func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, h.Config.DispatchTotalTimeout)
		defer cancel()
		if err := h.Dispatcher.EnsureAgent(ctx, roomName, meta); err != nil {
			h.logger().Error("agent dispatch failed", "session_id", sessionID, "room", roomName, "error", err)
		}
	})
}

// closeStaleSession force-ends whatever open session the device still has,
// charging the minutes that actually elapsed.
func (h *Sessions) closeStaleSession(ctx context.Context, deviceID string, now time.Time) {
	stale, err := h.Store.OpenSession(ctx, deviceID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			h.logger().Warn("stale session lookup failed", "device_id", deviceID, "error", err)
		}
		return
	}
	mins := store.CeilMinutes(now.Sub(stale.StartedAt))
	closed, wasOpen, err := h.Store.EndSession(ctx, stale.ID, now, mins)
	if err != nil {
		h.logger().Warn("stale session close failed", "session_id", stale.ID, "error", err)
		return
	}
	if wasOpen {
		if err := h.Gate.RecordUsage(ctx, closed); err != nil {
			h.logger().Error("stale session usage charge failed", "session_id", stale.ID, "error", err)
		}
		h.logger().Warn("stale open session closed", "session_id", stale.ID, "device_id", deviceID, "minutes", mins)
	}
}

type endRequest struct {
	SessionID       string `json:"sessionId"`
	DurationMinutes *int   `json:"durationMinutes,omitempty"`
}

// End closes the session, charges free-tier usage when applicable, and
// detaches summary generation. Ending an already-ended session is a no-op
// that still returns 204.
func (h *Sessions) End(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := deviceIDFrom(r)
	if !ok {
		writeErr(w, r, apierror.New(http.StatusUnauthorized, apierror.CodeUnauthorized, "no device identity"))
		return
	}

	var req endRequest
	if err := decodeBody(w, r, h.Config.MaxBodyBytes, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if req.SessionID == "" {
		writeErr(w, r, apierror.New(http.StatusBadRequest, apierror.CodeInvalidRequest, "sessionId is required"))
		return
	}
	if req.DurationMinutes != nil && *req.DurationMinutes < 0 {
		writeErr(w, r, apierror.New(http.StatusBadRequest, apierror.CodeInvalidRequest, "durationMinutes must be >= 0"))
		return
	}

	sess, err := h.Store.GetSession(r.Context(), req.SessionID)
	if err != nil {
		writeErr(w, r, mapNotFound(err))
		return
	}
	if sess.DeviceID != deviceID {
		// Not this device's session; indistinguishable from absent.
		writeErr(w, r, apierror.New(http.StatusNotFound, apierror.CodeNotFound, "session not found"))
		return
	}

	now := time.Now().UTC()
	mins := store.CeilMinutes(now.Sub(sess.StartedAt))
	if req.DurationMinutes != nil {
		mins = *req.DurationMinutes
	}

	closed, wasOpen, err := h.Store.EndSession(r.Context(), req.SessionID, now, mins)
	if err != nil {
		writeErr(w, r, mapNotFound(err))
		return
	}
	if wasOpen {
		if err := h.Gate.RecordUsage(r.Context(), closed); err != nil {
			writeErr(w, r, err)
			return
		}
		if h.Metrics != nil {
			h.Metrics.SessionsEnded.Inc()
		}
		h.logger().Info("session ended",
			"session_id", closed.ID,
			"device_id", deviceID,
			"minutes", mins,
		)
		sessionID := closed.ID
		h.Background.Go("session-summary", func(ctx context.Context) {
			h.Summarizer.Run(ctx, sessionID)
		})
	}

	w.WriteHeader(http.StatusNoContent)
}

type turnRequest struct {
	Speaker   string `json:"speaker"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp,omitempty"`
}

// AppendTurn records one transcript line. It is called by the AI worker, not
// the device, so it requires only a valid session id.
func (h *Sessions) AppendTurn(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	var req turnRequest
	if err := decodeBody(w, r, h.Config.MaxBodyBytes, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if req.Speaker != "user" && req.Speaker != "assistant" {
		writeErr(w, r, apierror.New(http.StatusBadRequest, apierror.CodeInvalidRequest, `speaker must be "user" or "assistant"`))
		return
	}
	if req.Text == "" {
		writeErr(w, r, apierror.New(http.StatusBadRequest, apierror.CodeInvalidRequest, "text is required"))
		return
	}
	spokeAt := time.Now().UTC()
	if req.Timestamp != "" {
		t, err := time.Parse(time.RFC3339, req.Timestamp)
		if err != nil {
			writeErr(w, r, apierror.New(http.StatusBadRequest, apierror.CodeInvalidRequest, "timestamp must be RFC 3339"))
			return
		}
		spokeAt = t.UTC()
	}

	turn := &store.Turn{SessionID: sessionID, Speaker: req.Speaker, Text: req.Text, SpokeAt: spokeAt}
	if err := h.Store.AppendTurn(r.Context(), turn); err != nil {
		writeErr(w, r, mapNotFound(err))
		return
	}
	w.WriteHeader(http.StatusCreated)
}

type sessionJSON struct {
	SessionID       string  `json:"sessionId"`
	Context         string  `json:"context"`
	RoomName        string  `json:"roomName"`
	Model           string  `json:"model"`
	Voice           string  `json:"voice"`
	StartedAt       string  `json:"startedAt"`
	EndedAt         *string `json:"endedAt,omitempty"`
	DurationMinutes *int    `json:"durationMinutes,omitempty"`
	LoggingEnabled  bool    `json:"loggingEnabled"`
	SummaryStatus   string  `json:"summaryStatus"`
	Title           string  `json:"title,omitempty"`
	Summary         string  `json:"summary,omitempty"`
}

func toSessionJSON(s *store.Session) sessionJSON {
	out := sessionJSON{
		SessionID:       s.ID,
		Context:         s.CallContext,
		RoomName:        s.RoomName,
		Model:           s.Model,
		Voice:           s.Voice,
		StartedAt:       s.StartedAt.UTC().Format(time.RFC3339),
		DurationMinutes: s.DurationMinutes,
		LoggingEnabled:  s.LoggingEnabled,
		SummaryStatus:   string(s.SummaryStatus),
		Title:           s.Title,
		Summary:         s.Summary,
	}
	if s.EndedAt != nil {
		e := s.EndedAt.UTC().Format(time.RFC3339)
		out.EndedAt = &e
	}
	return out
}

func (h *Sessions) List(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := deviceIDFrom(r)
	if !ok {
		writeErr(w, r, apierror.New(http.StatusUnauthorized, apierror.CodeUnauthorized, "no device identity"))
		return
	}
	sessions, err := h.Store.ListSessions(r.Context(), deviceID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	out := make([]sessionJSON, 0, len(sessions))
	for i := range sessions {
		out = append(out, toSessionJSON(&sessions[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (h *Sessions) Get(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := deviceIDFrom(r)
	if !ok {
		writeErr(w, r, apierror.New(http.StatusUnauthorized, apierror.CodeUnauthorized, "no device identity"))
		return
	}
	sess, err := h.Store.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, r, mapNotFound(err))
		return
	}
	if sess.DeviceID != deviceID {
		writeErr(w, r, apierror.New(http.StatusNotFound, apierror.CodeNotFound, "session not found"))
		return
	}
	writeJSON(w, http.StatusOK, toSessionJSON(sess))
}

func (h *Sessions) Delete(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := deviceIDFrom(r)
	if !ok {
		writeErr(w, r, apierror.New(http.StatusUnauthorized, apierror.CodeUnauthorized, "no device identity"))
		return
	}
	if err := h.Store.DeleteSession(r.Context(), r.PathValue("id"), deviceID); err != nil {
		writeErr(w, r, mapNotFound(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func mapNotFound(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return apierror.New(http.StatusNotFound, apierror.CodeNotFound, "session not found")
	}
	return err
}
