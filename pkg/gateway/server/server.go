// Package server assembles the gateway's HTTP surface from injected
// collaborators and the shared middleware chain.
package server

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/drivevoice/drivevoice/pkg/gateway/apierror"
	"github.com/drivevoice/drivevoice/pkg/gateway/auth"
	"github.com/drivevoice/drivevoice/pkg/gateway/background"
	"github.com/drivevoice/drivevoice/pkg/gateway/billing"
	"github.com/drivevoice/drivevoice/pkg/gateway/config"
	"github.com/drivevoice/drivevoice/pkg/gateway/handlers"
	"github.com/drivevoice/drivevoice/pkg/gateway/lifecycle"
	"github.com/drivevoice/drivevoice/pkg/gateway/metrics"
	"github.com/drivevoice/drivevoice/pkg/gateway/mw"
	"github.com/drivevoice/drivevoice/pkg/gateway/ratelimit"
)

// Deps are the constructed collaborators the server routes to. The
// composition root owns their lifetimes.
type Deps struct {
	Config config.Config
	Logger *slog.Logger

	Sessions   handlers.SessionStore
	DB         handlers.Pinger
	Gate       handlers.Gate
	Rooms      handlers.Rooms
	Dispatcher handlers.Dispatcher
	Summarizer handlers.Summarizer
	Billing    billing.Store

	Background *background.Tracker
	Metrics    *metrics.Metrics
	Lifecycle  *lifecycle.Lifecycle

	// Limiter guards token minting and session starts; nil disables it.
	Limiter *ratelimit.Limiter
}

type Server struct {
	deps Deps
	mux  *http.ServeMux
}

func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{deps: deps, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	d := s.deps

	sessions := &handlers.Sessions{
		Config:     d.Config,
		Store:      d.Sessions,
		Gate:       d.Gate,
		Rooms:      d.Rooms,
		Dispatcher: d.Dispatcher,
		Summarizer: d.Summarizer,
		Background: d.Background,
		Logger:     d.Logger,
		Metrics:    d.Metrics,
	}

	s.mux.Handle("GET /healthz", handlers.HealthHandler{})
	s.mux.Handle("GET /readyz", s.readiness(handlers.ReadyHandler{DB: d.DB}))

	// Token minting runs before auth, so its limiter keys on the caller's
	// address.
	s.mux.Handle("POST /v1/auth/token",
		s.route("auth_token", s.rateLimited(remoteHostKey, handlers.TokenHandler{Config: d.Config})))

	// Session starts are refused while draining; everything else on the
	// surface keeps working so in-flight calls can still end cleanly.
	s.mux.Handle("POST /v1/sessions/start",
		s.route("sessions_start", s.refuseWhenDraining(s.deviceAuth(s.rateLimited(deviceKey, http.HandlerFunc(sessions.Start))))))
	s.mux.Handle("POST /v1/sessions/end",
		s.route("sessions_end", s.deviceAuth(http.HandlerFunc(sessions.End))))
	s.mux.Handle("GET /v1/sessions",
		s.route("sessions_list", s.deviceAuth(http.HandlerFunc(sessions.List))))
	s.mux.Handle("GET /v1/sessions/{id}",
		s.route("sessions_get", s.deviceAuth(http.HandlerFunc(sessions.Get))))
	s.mux.Handle("DELETE /v1/sessions/{id}",
		s.route("sessions_delete", s.deviceAuth(http.HandlerFunc(sessions.Delete))))

	// Worker-posted transcript turns carry no device auth, only a valid
	// session id.
	s.mux.Handle("POST /v1/sessions/{id}/turns",
		s.route("sessions_turns", http.HandlerFunc(sessions.AppendTurn)))

	if d.Billing != nil {
		s.mux.Handle("POST /v1/billing/webhook",
			s.route("billing_webhook", &billing.WebhookHandler{
				Store:         d.Billing,
				SigningSecret: d.Config.StripeWebhookSecret,
				MaxBodyBytes:  d.Config.MaxBodyBytes,
				Logger:        d.Logger,
			}))
	}

	if d.Metrics != nil {
		s.mux.Handle("GET /metrics", d.Metrics.Handler())
	}
}

func (s *Server) route(name string, h http.Handler) http.Handler {
	return mw.Observe(s.deps.Metrics, name, h)
}

func (s *Server) deviceAuth(h http.Handler) http.Handler {
	return mw.DeviceAuth(s.deps.Config, h)
}

// rateLimited rejects with 429 when the caller's bucket is empty. A nil
// limiter passes everything through.
func (s *Server) rateLimited(key func(*http.Request) string, next http.Handler) http.Handler {
	if s.deps.Limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := s.deps.Limiter.Allow(key(r), time.Now())
		if !d.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfter))
			reqID, _ := mw.RequestIDFrom(r.Context())
			apierror.WriteJSON(w, reqID, apierror.New(http.StatusTooManyRequests, apierror.CodeRateLimited, "too many requests"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func deviceKey(r *http.Request) string {
	if p, ok := auth.PrincipalFrom(r.Context()); ok {
		return ratelimit.KeyFromDevice(p.DeviceID)
	}
	if id := r.Header.Get("X-Device-ID"); id != "" {
		return ratelimit.KeyFromDevice(id)
	}
	return remoteHostKey(r)
}

func remoteHostKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "h_" + host
}

func (s *Server) refuseWhenDraining(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Lifecycle.IsDraining() {
			reqID, _ := mw.RequestIDFrom(r.Context())
			apierror.WriteJSON(w, reqID, apierror.New(http.StatusServiceUnavailable, apierror.CodeConflict, "gateway is draining"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) readiness(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Lifecycle.IsDraining() {
			http.Error(w, "draining", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Handler wraps the mux in the shared middleware chain.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Recover(s.deps.Logger, h)
	h = mw.AccessLog(s.deps.Logger, h)
	h = mw.RequestID(h)
	return h
}
