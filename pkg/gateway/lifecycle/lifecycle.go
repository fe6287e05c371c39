package lifecycle

import "sync/atomic"

// Lifecycle is a tiny process state holder shared across handlers, used for
// readiness draining during graceful shutdown: once draining, readiness
// reports unhealthy and new session starts are refused while in-flight
// dispatches and summaries are allowed to finish.
type Lifecycle struct {
	draining atomic.Bool
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	l.draining.Store(draining)
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}
