// Package store persists the authoritative, billing-grade session records
// plus entitlements and per-device free allowances in Postgres.
package store

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("store: not found")

	// ErrActiveSessionExists is returned when a device already holds an
	// open session (the one-open-session-per-device invariant).
	ErrActiveSessionExists = errors.New("store: device already has an active session")
)

type SummaryStatus string

const (
	SummaryPending SummaryStatus = "pending"
	SummaryReady   SummaryStatus = "ready"
	SummaryFailed  SummaryStatus = "failed"
)

type Session struct {
	ID              string
	DeviceID        string
	CallContext     string
	RoomName        string
	Model           string
	Voice           string
	StartedAt       time.Time
	EndedAt         *time.Time
	DurationMinutes *int

	// LoggingEnabled is the device's logging preference snapshotted at
	// session start; it never changes afterwards.
	LoggingEnabled bool

	SummaryStatus SummaryStatus
	Title         string
	Summary       string

	// OriginalTransactionID is set if and only if a paid entitlement,
	// not the free allowance, authorized this session.
	OriginalTransactionID *string
}

func (s *Session) Open() bool {
	return s != nil && s.EndedAt == nil
}

type Turn struct {
	ID        int64
	SessionID string
	Speaker   string
	Text      string
	SpokeAt   time.Time
}

type EntitlementStatus string

const (
	EntitlementActive  EntitlementStatus = "active"
	EntitlementGrace   EntitlementStatus = "grace"
	EntitlementExpired EntitlementStatus = "expired"
	EntitlementRevoked EntitlementStatus = "revoked"
)

type Entitlement struct {
	OriginalTransactionID string
	DeviceID              string
	ProductID             string
	Status                EntitlementStatus
	ExpiresAt             *time.Time
	Environment           string // sandbox | production
}

/// Covers reports whether the entitlement authorizes a session at now:
// status active or grace, and not past expiry when one is set.
func (e *Entitlement) Covers(now time.Time) bool {
	if e == nil {
		return false
	}
	if e.Status != EntitlementActive && e.Status != EntitlementGrace {
		return false
	}
	if e.ExpiresAt != nil && !e.ExpiresAt.After(now) {
		return false
	}
	return true
}

type FreeAllowance struct {
	DeviceID    string
	MinutesUsed int
	PeriodStart time.Time
	PeriodEnd   time.Time
}
