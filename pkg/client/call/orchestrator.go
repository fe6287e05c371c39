// Package call ties the platform call controller, the media transport, and
// the session gateway into one call lifecycle. The orchestrator is a single
// goroutine actor: every command, collaborator event, and timer is funneled
// through one run loop, so state guards replace locks.
package call

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/drivevoice/drivevoice/pkg/client/api"
)

type State int32

const (
	Idle State = iota
	Connecting
	Connected
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

type ControllerEventType int

const (
	ControllerConnected ControllerEventType = iota
	ControllerDisconnected
	ControllerFailed
)

type ControllerEvent struct {
	Type ControllerEventType
	Err  error
}

// Controller is the platform's telephony call abstraction. StartCall and
// EndCall return immediately; outcomes arrive on Events.
type Controller interface {
	StartCall(ctx context.Context) error
	EndCall(ctx context.Context) error
	Events() <-chan ControllerEvent
}

type TransportEventType int

const (
	TransportConnected TransportEventType = iota
	TransportFailed
	TransportActivity
)

type TransportEvent struct {
	Type TransportEventType
	Err  error
}

// MediaTransport is the real-time audio room. Connect blocks until joined or
// failed; Disconnect is synchronous and idempotent. Activity (remote audio)
// arrives on Events.
type MediaTransport interface {
	Connect(ctx context.Context, url, token string) error
	Disconnect()
	Events() <-chan TransportEvent
}

// Sessions is the slice of the session log store the orchestrator needs.
type Sessions interface {
	Start(ctx context.Context, req api.StartRequest) (*api.StartResult, error)
	End(ctx context.Context, sessionID string, durationMinutes *int) error
}

type Config struct {
	// InactivityWindow ends the call when no transport activity has been
	// seen for this long; InactivityPoll is how often that is checked.
	InactivityWindow time.Duration
	InactivityPoll   time.Duration

	// MaxCallDuration is the hard single-shot ceiling on one call.
	MaxCallDuration time.Duration

	// SessionTimeout bounds each gateway call.
	SessionTimeout time.Duration
}

// Event is a state transition notification. Err is set when a failure drove
// the transition.
type Event struct {
	State State
	Err   error
}

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdEnd
)

type command struct {
	kind           cmdKind
	callContext    string
	loggingEnabled bool
}

// opResult carries completions of the orchestrator's own async operations
// (gateway calls, transport connect) back onto the run loop.
type opResult struct {
	sessionStarted *api.StartResult
	err            error
}

type Orchestrator struct {
	Controller Controller
	Transport  MediaTransport
	Sessions   Sessions
	Cfg        Config
	Logger     *slog.Logger

	cmds    chan command
	ops     chan opResult
	events  chan Event
	state   atomic.Int32
	started atomic.Bool

	// run-loop-owned call state
	callContext    string
	loggingEnabled bool
	sessionID      string
	startedAt      time.Time
	lastActivity   time.Time
}

func New(controller Controller, transport MediaTransport, sessions Sessions, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		Controller: controller,
		Transport:  transport,
		Sessions:   sessions,
		Cfg:        cfg,
		Logger:     logger,
		cmds:       make(chan command, 8),
		ops:        make(chan opResult, 8),
		events:     make(chan Event, 16),
	}
}

// State is safe from any goroutine.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

// Events delivers state transitions. The channel is buffered and never
// blocks the run loop; slow consumers lose notifications, not calls.
func (o *Orchestrator) Events() <-chan Event {
	return o.events
}

// Start requests a call. No-op unless Idle.
func (o *Orchestrator) Start(callContext string, loggingEnabled bool) {
	o.cmds <- command{kind: cmdStart, callContext: callContext, loggingEnabled: loggingEnabled}
}

// End requests teardown. No-op when Idle; safe to call repeatedly.
func (o *Orchestrator) End() {
	o.cmds <- command{kind: cmdEnd}
}

// Run is the actor loop. It returns when ctx is cancelled; an in-flight call
// is torn down first.
func (o *Orchestrator) Run(ctx context.Context) {
	if !o.started.CompareAndSwap(false, true) {
		panic("call: Run called twice")
	}

	poll := o.Cfg.InactivityPoll
	if poll <= 0 {
		poll = time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	// maxDurCh is nil except while a call is up; the nil channel keeps the
	// select clean.
	var maxDurTimer *time.Timer
	var maxDurCh <-chan time.Time
	stopMaxDur := func() {
		if maxDurTimer != nil {
			maxDurTimer.Stop()
			maxDurTimer = nil
			maxDurCh = nil
		}
	}
	defer stopMaxDur()

	for {
		select {
		case <-ctx.Done():
			if o.State() != Idle {
				o.teardown(ctx, nil, stopMaxDur)
			}
			return

		case cmd := <-o.cmds:
			switch cmd.kind {
			case cmdStart:
				if o.State() != Idle {
					o.Logger.Debug("start ignored", "state", o.State().String())
					continue
				}
				o.callContext = cmd.callContext
				o.loggingEnabled = cmd.loggingEnabled
				o.sessionID = ""
				o.setState(Connecting, nil)
				if err := o.Controller.StartCall(ctx); err != nil {
					o.Logger.Error("controller start failed", "error", err)
					o.reset(err)
				}
			case cmdEnd:
				if o.State() == Idle || o.State() == Disconnecting {
					continue
				}
				o.teardown(ctx, nil, stopMaxDur)
			}

		case ev := <-o.Controller.Events():
			switch ev.Type {
			case ControllerConnected:
				if o.State() != Connecting {
					continue
				}
				o.beginSession(ctx)
			case ControllerDisconnected:
				// Expected tail of teardown; also covers remote hangup.
				if o.State() == Disconnecting {
					o.reset(nil)
				} else if o.State() != Idle {
					o.teardown(ctx, nil, stopMaxDur)
				}
			case ControllerFailed:
				if o.State() == Idle {
					continue
				}
				o.Logger.Error("controller failed", "error", ev.Err)
				o.failCall(ctx, ev.Err, stopMaxDur)
			}

		case ev := <-o.Transport.Events():
			switch ev.Type {
			case TransportConnected:
				if o.State() != Connecting {
					continue
				}
				o.setState(Connected, nil)
				o.lastActivity = time.Now()
			case TransportActivity:
				o.lastActivity = time.Now()
			case TransportFailed:
				if o.State() == Idle || o.State() == Disconnecting {
					continue
				}
				o.Logger.Error("media transport failed", "error", ev.Err)
				o.failCall(ctx, ev.Err, stopMaxDur)
			}

		case res := <-o.ops:
			if res.err != nil {
				if o.State() == Idle || o.State() == Disconnecting {
					// A late completion from a call already torn down.
					o.Logger.Debug("late operation result discarded", "error", res.err)
					continue
				}
				o.failCall(ctx, res.err, stopMaxDur)
				continue
			}
			if res.sessionStarted != nil {
				if o.State() != Connecting {
					continue
				}
				o.sessionID = res.sessionStarted.SessionID
				o.startedAt = time.Now()
				o.lastActivity = o.startedAt
				if o.Cfg.MaxCallDuration > 0 {
					maxDurTimer = time.NewTimer(o.Cfg.MaxCallDuration)
					maxDurCh = maxDurTimer.C
				}
				o.connectTransport(ctx, res.sessionStarted)
			}

		case <-ticker.C:
			if o.State() != Connected || o.Cfg.InactivityWindow <= 0 {
				continue
			}
			if time.Since(o.lastActivity) > o.Cfg.InactivityWindow {
				o.Logger.Info("inactivity window elapsed, ending call", "session_id", o.sessionID)
				o.teardown(ctx, nil, stopMaxDur)
			}

		case <-maxDurCh:
			if o.State() == Idle || o.State() == Disconnecting {
				continue
			}
			o.Logger.Info("max call duration reached, ending call", "session_id", o.sessionID)
			o.teardown(ctx, nil, stopMaxDur)
		}
	}
}

// beginSession starts the gateway session off the run loop; the result comes
// back through o.ops so state guards apply to its completion too.
func (o *Orchestrator) beginSession(ctx context.Context) {
	req := api.StartRequest{Context: o.callContext, LoggingEnabled: &o.loggingEnabled}
	go func() {
		callCtx, cancel := o.opContext(ctx)
		defer cancel()
		res, err := o.Sessions.Start(callCtx, req)
		o.ops <- opResult{sessionStarted: res, err: err}
	}()
}

// connectTransport joins the media room off the run loop. Success surfaces
// as a TransportConnected event from the transport itself; only failure
// flows back through o.ops.
func (o *Orchestrator) connectTransport(ctx context.Context, res *api.StartResult) {
	url, token := res.MediaURL, res.MediaToken
	go func() {
		if err := o.Transport.Connect(ctx, url, token); err != nil {
			o.ops <- opResult{err: err}
		}
	}()
}

// teardown runs the ordered end path: cancel timers, disconnect media before
// ending the controller call, fire the gateway end detached, go
// Disconnecting. The final Idle transition lands on ControllerDisconnected.
func (o *Orchestrator) teardown(ctx context.Context, cause error, stopMaxDur func()) {
	o.setState(Disconnecting, cause)
	stopMaxDur()

	sessionID := o.sessionID
	var mins *int
	if sessionID != "" {
		m := ceilMinutes(time.Since(o.startedAt))
		mins = &m
	}

	// Media first: ending the controller call while audio is still routed
	// leaves a dangling route on some platforms.
	o.Transport.Disconnect()
	if err := o.Controller.EndCall(ctx); err != nil {
		o.Logger.Warn("controller end failed", "error", err)
		o.reset(cause)
	}

	if sessionID != "" {
		o.endSessionDetached(sessionID, mins)
	}
	o.sessionID = ""
}

// failCall is teardown for controller/media failures: same ordering, but the
// reset to Idle is immediate rather than waiting for the controller's
// disconnect event.
func (o *Orchestrator) failCall(ctx context.Context, cause error, stopMaxDur func()) {
	o.setState(Disconnecting, nil)
	stopMaxDur()

	sessionID := o.sessionID
	var mins *int
	if sessionID != "" {
		m := ceilMinutes(time.Since(o.startedAt))
		mins = &m
	}

	o.Transport.Disconnect()
	_ = o.Controller.EndCall(ctx)
	if sessionID != "" {
		o.endSessionDetached(sessionID, mins)
	}
	o.reset(cause)
}

// endSessionDetached reports the end to the gateway without blocking the
// actor; failure is logged only and never delays the transition to Idle.
func (o *Orchestrator) endSessionDetached(sessionID string, mins *int) {
	go func() {
		callCtx, cancel := o.opContext(context.Background())
		defer cancel()
		if err := o.Sessions.End(callCtx, sessionID, mins); err != nil {
			o.Logger.Error("session end report failed", "session_id", sessionID, "error", err)
		}
	}()
}

func (o *Orchestrator) opContext(parent context.Context) (context.Context, context.CancelFunc) {
	timeout := o.Cfg.SessionTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return context.WithTimeout(parent, timeout)
}

func (o *Orchestrator) reset(cause error) {
	o.sessionID = ""
	o.setState(Idle, cause)
}

func (o *Orchestrator) setState(s State, err error) {
	o.state.Store(int32(s))
	select {
	case o.events <- Event{State: s, Err: err}:
	default:
	}
}

func ceilMinutes(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	mins := int(d / time.Minute)
	if d%time.Minute != 0 {
		mins++
	}
	return mins
}
