package entitlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/drivevoice/drivevoice/pkg/gateway/store"
)

type fakeStore struct {
	entitlement    *store.Entitlement
	entitlementErr error

	allowance    store.FreeAllowance
	allowanceErr error

	addedMinutes []int
	addErr       error
}

func (f *fakeStore) ActiveEntitlement(ctx context.Context, deviceID string, now time.Time) (*store.Entitlement, error) {
	return f.entitlement, f.entitlementErr
}

func (f *fakeStore) EnsureAllowance(ctx context.Context, deviceID string, periodStart, periodEnd time.Time) (*store.FreeAllowance, error) {
	if f.allowanceErr != nil {
		return nil, f.allowanceErr
	}
	a := f.allowance
	a.DeviceID = deviceID
	a.PeriodStart = periodStart
	a.PeriodEnd = periodEnd
	return &a, nil
}

func (f *fakeStore) AddAllowanceMinutes(ctx context.Context, deviceID string, minutes int, periodStart, periodEnd time.Time) (*store.FreeAllowance, error) {
	if f.addErr != nil {
		return nil, f.addErr
	}
	f.addedMinutes = append(f.addedMinutes, minutes)
	a := f.allowance
	a.MinutesUsed += minutes
	return &a, nil
}

func newGate(fs *fakeStore) *Gate {
	return &Gate{Store: fs, FreeMinutesLimit: 15}
}

func TestCheck_FreshDeviceAllowedFreeTier(t *testing.T) {
	t.Parallel()

	// Scenario: no entitlement, zero minutes used this period.
	g := newGate(&fakeStore{})
	d, err := g.Check(context.Background(), "dev-1")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !d.Allowed || d.Reason != ReasonFreeTier {
		t.Fatalf("decision=%+v", d)
	}
	if d.FreeMinutesUsed != 0 || d.FreeMinutesLimit != 15 {
		t.Fatalf("usage=%d/%d", d.FreeMinutesUsed, d.FreeMinutesLimit)
	}
}

func TestCheck_ExhaustedFreeTierDenied(t *testing.T) {
	t.Parallel()

	g := newGate(&fakeStore{allowance: store.FreeAllowance{MinutesUsed: 15}})
	d, err := g.Check(context.Background(), "dev-1")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if d.Allowed || d.Reason != ReasonLimitExceeded {
		t.Fatalf("decision=%+v", d)
	}
	if d.FreeMinutesUsed != 15 || d.FreeMinutesLimit != 15 {
		t.Fatalf("usage=%d/%d", d.FreeMinutesUsed, d.FreeMinutesLimit)
	}
}

func TestCheck_EntitlementBeatsExhaustedFreeTier(t *testing.T) {
	t.Parallel()

	// Entitlement expiring in 2 hours, free tier already exhausted: the
	// subscription wins.
	in2h := time.Now().Add(2 * time.Hour)
	g := newGate(&fakeStore{
		entitlement: &store.Entitlement{
			OriginalTransactionID: "txn-1",
			Status:                store.EntitlementActive,
			ExpiresAt:             &in2h,
		},
		allowance: store.FreeAllowance{MinutesUsed: 15},
	})
	d, err := g.Check(context.Background(), "dev-1")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !d.Allowed || d.Reason != ReasonSubscription {
		t.Fatalf("decision=%+v", d)
	}
	if d.OriginalTransactionID != "txn-1" {
		t.Fatalf("txn=%q", d.OriginalTransactionID)
	}
}

func TestCheck_ExpiredEntitlementFallsThrough(t *testing.T) {
	t.Parallel()

	past := time.Now().Add(-time.Hour)
	g := newGate(&fakeStore{
		entitlement: &store.Entitlement{Status: store.EntitlementActive, ExpiresAt: &past},
	})
	d, err := g.Check(context.Background(), "dev-1")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if d.Reason != ReasonFreeTier {
		t.Fatalf("decision=%+v", d)
	}
}

func TestCheck_StoreErrorPropagates(t *testing.T) {
	t.Parallel()

	g := newGate(&fakeStore{entitlementErr: errors.New("db down")})
	if _, err := g.Check(context.Background(), "dev-1"); err == nil {
		t.Fatal("expected error")
	}
}

func TestRecordUsage_ChargesFreeSessions(t *testing.T) {
	t.Parallel()

	fs := &fakeStore{}
	g := newGate(fs)
	mins := 7
	sess := &store.Session{ID: "s1", DeviceID: "dev-1", DurationMinutes: &mins}
	if err := g.RecordUsage(context.Background(), sess); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}
	if len(fs.addedMinutes) != 1 || fs.addedMinutes[0] != 7 {
		t.Fatalf("addedMinutes=%v", fs.addedMinutes)
	}
}

func TestRecordUsage_SkipsEntitledSessions(t *testing.T) {
	t.Parallel()

	fs := &fakeStore{}
	g := newGate(fs)
	mins := 7
	txn := "txn-1"
	sess := &store.Session{ID: "s1", DeviceID: "dev-1", DurationMinutes: &mins, OriginalTransactionID: &txn}
	if err := g.RecordUsage(context.Background(), sess); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}
	if len(fs.addedMinutes) != 0 {
		t.Fatalf("entitled session must not be charged: %v", fs.addedMinutes)
	}
}

func TestRecordUsage_SkipsZeroMinutes(t *testing.T) {
	t.Parallel()

	fs := &fakeStore{}
	g := newGate(fs)
	if err := g.RecordUsage(context.Background(), &store.Session{ID: "s1", DeviceID: "dev-1"}); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}
	if len(fs.addedMinutes) != 0 {
		t.Fatalf("zero-duration session must not be charged: %v", fs.addedMinutes)
	}
}
