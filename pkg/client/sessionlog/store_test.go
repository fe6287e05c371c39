package sessionlog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/drivevoice/drivevoice/pkg/client/api"
)

type fakeRemote struct {
	startRes *api.StartResult
	startErr error
	endErr   error
	sessions []api.Session
	listErr  error

	ends    []string
	deletes []string
}

func (f *fakeRemote) StartSession(ctx context.Context, req api.StartRequest) (*api.StartResult, error) {
	return f.startRes, f.startErr
}

func (f *fakeRemote) EndSession(ctx context.Context, sessionID string, durationMinutes *int) error {
	if f.endErr != nil {
		return f.endErr
	}
	f.ends = append(f.ends, sessionID)
	return nil
}

func (f *fakeRemote) ListSessions(ctx context.Context) ([]api.Session, error) {
	return f.sessions, f.listErr
}

func (f *fakeRemote) GetSession(ctx context.Context, id string) (*api.Session, error) {
	for i := range f.sessions {
		if f.sessions[i].SessionID == id {
			return &f.sessions[i], nil
		}
	}
	return nil, &api.APIError{Status: 404, Code: "NOT_FOUND"}
}

func (f *fakeRemote) DeleteSession(ctx context.Context, id string) error {
	f.deletes = append(f.deletes, id)
	return nil
}

// brokenFast fails every operation, standing in for a corrupt or locked
// local database.
type brokenFast struct{}

var errFastBroken = errors.New("fast store broken")

func (brokenFast) UpsertSession(context.Context, api.Session) error         { return errFastBroken }
func (brokenFast) MarkEnded(context.Context, string, string, int) error     { return errFastBroken }
func (brokenFast) List(context.Context) ([]api.Session, error)              { return nil, errFastBroken }
func (brokenFast) Get(context.Context, string) (*api.Session, error)        { return nil, errFastBroken }
func (brokenFast) Delete(context.Context, string) error                     { return errFastBroken }
func (brokenFast) ReplaceAll(context.Context, []api.Session) error          { return errFastBroken }

func openFast(t *testing.T) *SQLite {
	t.Helper()
	fast, err := OpenSQLite(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("open fast store: %v", err)
	}
	t.Cleanup(func() { fast.Close() })
	return fast
}

func TestStart_WritesRemoteThenMirror(t *testing.T) {
	t.Parallel()

	remote := &fakeRemote{startRes: &api.StartResult{
		SessionID: "s1", MediaURL: "ws://m", MediaToken: "t", RoomName: "call-s1",
	}}
	fast := openFast(t)
	s := &Store{Remote: remote, Fast: fast}

	res, err := s.Start(context.Background(), api.StartRequest{Context: "phone", Model: "m1", Voice: "v1"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if res.SessionID != "s1" {
		t.Fatalf("res=%+v", res)
	}

	mirrored, err := fast.Get(context.Background(), "s1")
	if err != nil {
		t.Fatalf("mirror read: %v", err)
	}
	if mirrored.Context != "phone" || mirrored.RoomName != "call-s1" || mirrored.EndedAt != nil {
		t.Fatalf("mirrored=%+v", mirrored)
	}
}

func TestStart_RemoteFailureIsFatal(t *testing.T) {
	t.Parallel()

	remote := &fakeRemote{startErr: errors.New("gateway down")}
	fast := openFast(t)
	s := &Store{Remote: remote, Fast: fast}

	if _, err := s.Start(context.Background(), api.StartRequest{Context: "phone"}); err == nil {
		t.Fatal("expected error")
	}
	if sessions, _ := fast.List(context.Background()); len(sessions) != 0 {
		t.Fatalf("failed start must not be mirrored: %+v", sessions)
	}
}

func TestStart_MirrorFailureIsSwallowed(t *testing.T) {
	t.Parallel()

	remote := &fakeRemote{startRes: &api.StartResult{SessionID: "s1", RoomName: "call-s1"}}
	s := &Store{Remote: remote, Fast: brokenFast{}}

	if _, err := s.Start(context.Background(), api.StartRequest{Context: "phone"}); err != nil {
		t.Fatalf("mirror failure must not fail the call: %v", err)
	}
}

func TestEnd_MirrorsEndEvent(t *testing.T) {
	t.Parallel()

	remote := &fakeRemote{startRes: &api.StartResult{SessionID: "s1", RoomName: "call-s1"}}
	fast := openFast(t)
	s := &Store{Remote: remote, Fast: fast}

	if _, err := s.Start(context.Background(), api.StartRequest{Context: "phone"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	mins := 4
	if err := s.End(context.Background(), "s1", &mins); err != nil {
		t.Fatalf("End: %v", err)
	}

	mirrored, err := fast.Get(context.Background(), "s1")
	if err != nil {
		t.Fatalf("mirror read: %v", err)
	}
	if mirrored.EndedAt == nil || mirrored.DurationMinutes == nil || *mirrored.DurationMinutes != 4 {
		t.Fatalf("mirrored=%+v", mirrored)
	}
}

func TestEnd_RemoteFailureIsFatal(t *testing.T) {
	t.Parallel()

	remote := &fakeRemote{endErr: errors.New("gateway down")}
	s := &Store{Remote: remote, Fast: openFast(t)}
	if err := s.End(context.Background(), "s1", nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestList_PrefersFastStore(t *testing.T) {
	t.Parallel()

	remote := &fakeRemote{sessions: []api.Session{{SessionID: "remote-only"}}}
	fast := openFast(t)
	_ = fast.UpsertSession(context.Background(), api.Session{
		SessionID: "local", Context: "phone", StartedAt: "2026-09-01T10:00:00Z", SummaryStatus: "pending",
	})
	s := &Store{Remote: remote, Fast: fast}

	sessions, err := s.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(sessions) != 1 || sessions[0].SessionID != "local" {
		t.Fatalf("sessions=%+v, want the fast store's view", sessions)
	}
}

func TestList_StrictFallbackOnFastError(t *testing.T) {
	t.Parallel()

	remote := &fakeRemote{sessions: []api.Session{
		{SessionID: "s1", SummaryStatus: "ready", Title: "Coffee"},
	}}
	s := &Store{Remote: remote, Fast: brokenFast{}}

	sessions, err := s.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	// The fallback is the authoritative list, summaries included.
	if len(sessions) != 1 || sessions[0].Title != "Coffee" {
		t.Fatalf("sessions=%+v", sessions)
	}
}

func TestRefresh_ReplacesMirror(t *testing.T) {
	t.Parallel()

	remote := &fakeRemote{sessions: []api.Session{
		{SessionID: "s1", Context: "phone", StartedAt: "2026-09-01T09:00:00Z", SummaryStatus: "ready", Title: "Groceries"},
		{SessionID: "s2", Context: "in_vehicle", StartedAt: "2026-09-01T10:00:00Z", SummaryStatus: "pending"},
	}}
	fast := openFast(t)
	_ = fast.UpsertSession(context.Background(), api.Session{
		SessionID: "stale", Context: "phone", StartedAt: "2026-08-01T00:00:00Z", SummaryStatus: "pending",
	})
	s := &Store{Remote: remote, Fast: fast}

	if _, err := s.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	sessions, err := fast.List(context.Background())
	if err != nil {
		t.Fatalf("fast list: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("sessions=%+v", sessions)
	}
	if _, err := fast.Get(context.Background(), "stale"); !errors.Is(err, ErrNotFound) {
		t.Fatal("stale entry should be gone after refresh")
	}
	// Summaries arrive via refresh.
	got, err := fast.Get(context.Background(), "s1")
	if err != nil || got.Title != "Groceries" {
		t.Fatalf("got=%+v err=%v", got, err)
	}
}

func TestDelete_RemovesBothStores(t *testing.T) {
	t.Parallel()

	remote := &fakeRemote{}
	fast := openFast(t)
	_ = fast.UpsertSession(context.Background(), api.Session{
		SessionID: "s1", Context: "phone", StartedAt: "2026-09-01T10:00:00Z", SummaryStatus: "pending",
	})
	s := &Store{Remote: remote, Fast: fast}

	if err := s.Delete(context.Background(), "s1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(remote.deletes) != 1 {
		t.Fatalf("remote deletes=%v", remote.deletes)
	}
	if _, err := fast.Get(context.Background(), "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatal("mirror entry should be gone")
	}
}
