// Package background runs and tracks detached operations (agent dispatch,
// summary generation, mirror writes) so graceful shutdown can drain them.
// Failures here are logged by the operations themselves and never surface
// on a request path.
package background

import (
	"context"
	"log/slog"
	"sync"
)

type Tracker struct {
	mu     sync.Mutex
	ops    map[uint64]context.CancelFunc
	nextID uint64
	wg     sync.WaitGroup
	logger *slog.Logger
}

func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		ops:    make(map[uint64]context.CancelFunc),
		logger: logger,
	}
}

// Go runs fn on its own goroutine with a context that is cancelled when
// CancelAll fires. The operation is unregistered when fn returns; panics are
// contained and logged.
func (t *Tracker) Go(name string, fn func(ctx context.Context)) {
	if t == nil || fn == nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.ops[id] = cancel
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer func() {
			if v := recover(); v != nil {
				t.logger.Error("background operation panic", "op", name, "panic", v)
			}
			cancel()
			t.mu.Lock()
			delete(t.ops, id)
			t.mu.Unlock()
			t.wg.Done()
		}()
		fn(ctx)
	}()
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ops)
}

// CancelAll signals every in-flight operation to stop.
func (t *Tracker) CancelAll() (cancelled int) {
	if t == nil {
		return 0
	}
	var cancels []context.CancelFunc
	t.mu.Lock()
	for _, cancel := range t.ops {
		cancels = append(cancels, cancel)
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		cancelled++
	}
	return cancelled
}

// Wait blocks until all tracked operations finish or ctx expires; it reports
// whether the tracker fully drained.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	if ctx == nil {
		t.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
