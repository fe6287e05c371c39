// Package ratelimit bounds how fast one caller can hit the gateway's
// sensitive routes: token minting and session starts. In-memory and
// single-process; the map is bounded and idle entries age out.
package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sync"
	"time"
)

type Config struct {
	RPS   float64
	Burst int

	// Operational bounds for the in-memory map.
	MaxEntries int
	EntryTTL   time.Duration
}

type Limiter struct {
	cfg Config

	mu sync.Mutex
	m  map[string]*bucket
}

type bucket struct {
	tokens   float64
	last     time.Time
	lastSeen time.Time
}

func New(cfg Config) *Limiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	return &Limiter{cfg: cfg, m: make(map[string]*bucket)}
}

// KeyFromDevice hashes a device id so limiter keys never hold raw
// identifiers.
func KeyFromDevice(deviceID string) string {
	sum := sha256.Sum256([]byte(deviceID))
	// 16 bytes => 32 hex chars; enough to avoid collisions in practice.
	return "d_" + hex.EncodeToString(sum[:16])
}

type Decision struct {
	Allowed    bool
	RetryAfter int
}

// Allow charges one request against the caller's bucket. A zero RPS or
// Burst disables limiting.
func (l *Limiter) Allow(key string, now time.Time) Decision {
	if l == nil || l.cfg.RPS <= 0 || l.cfg.Burst <= 0 {
		return Decision{Allowed: true}
	}
	if key == "" {
		key = "anonymous"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.getOrCreateLocked(key, now)
	b.lastSeen = now

	capacity := float64(l.cfg.Burst)
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(capacity, b.tokens+elapsed*l.cfg.RPS)
		b.last = now
	}

	if b.tokens >= 1.0 {
		b.tokens -= 1.0
		return Decision{Allowed: true}
	}

	retryAfter := int(math.Ceil((1.0 - b.tokens) / l.cfg.RPS))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return Decision{Allowed: false, RetryAfter: retryAfter}
}

func (l *Limiter) getOrCreateLocked(key string, now time.Time) *bucket {
	if b, ok := l.m[key]; ok {
		return b
	}

	if len(l.m) >= l.cfg.MaxEntries {
		l.gcLocked(now)
		// If still too big, drop one arbitrary entry: bounded memory beats
		// perfect fairness.
		if len(l.m) >= l.cfg.MaxEntries {
			for k := range l.m {
				delete(l.m, k)
				break
			}
		}
	}

	b := &bucket{tokens: float64(l.cfg.Burst), last: now, lastSeen: now}
	l.m[key] = b
	return b
}

func (l *Limiter) gcLocked(now time.Time) {
	for k, b := range l.m {
		if now.Sub(b.lastSeen) > l.cfg.EntryTTL {
			delete(l.m, k)
		}
	}
}
