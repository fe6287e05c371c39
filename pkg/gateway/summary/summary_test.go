package summary

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/drivevoice/drivevoice/pkg/gateway/store"
)

type fakeSummaryStore struct {
	session  *store.Session
	turns    []store.Turn
	turnsErr error

	setStatus  store.SummaryStatus
	setTitle   string
	setSummary string
	setCalls   int
}

func (f *fakeSummaryStore) GetSession(ctx context.Context, id string) (*store.Session, error) {
	if f.session == nil {
		return nil, store.ErrNotFound
	}
	return f.session, nil
}

func (f *fakeSummaryStore) ListTurns(ctx context.Context, sessionID string) ([]store.Turn, error) {
	return f.turns, f.turnsErr
}

func (f *fakeSummaryStore) SetSummary(ctx context.Context, id string, status store.SummaryStatus, title, summary string) error {
	f.setCalls++
	f.setStatus, f.setTitle, f.setSummary = status, title, summary
	return nil
}

type fakeGenerator struct {
	res  Result
	err  error
	reqs []Request
}

func (f *fakeGenerator) Generate(ctx context.Context, req Request) (Result, error) {
	f.reqs = append(f.reqs, req)
	return f.res, f.err
}

func TestRun_ReadySummary(t *testing.T) {
	t.Parallel()

	fs := &fakeSummaryStore{
		session: &store.Session{ID: "s1", CallContext: "in_vehicle"},
		turns: []store.Turn{
			{Speaker: "user", Text: "navigate home"},
			{Speaker: "assistant", Text: "starting navigation"},
		},
	}
	gen := &fakeGenerator{res: Result{Title: "Navigation home", Summary: "Driver asked for directions home."}}
	s := &Summarizer{Store: fs, Generator: gen, Timeout: time.Second}

	s.Run(context.Background(), "s1")

	if fs.setCalls != 1 || fs.setStatus != store.SummaryReady {
		t.Fatalf("set calls=%d status=%q", fs.setCalls, fs.setStatus)
	}
	if fs.setTitle != "Navigation home" {
		t.Fatalf("title=%q", fs.setTitle)
	}
	if len(gen.reqs) != 1 || gen.reqs[0].CallContext != "in_vehicle" || len(gen.reqs[0].Turns) != 2 {
		t.Fatalf("generator req=%+v", gen.reqs)
	}
}

func TestRun_GeneratorFailureMarksFailed(t *testing.T) {
	t.Parallel()

	fs := &fakeSummaryStore{
		session: &store.Session{ID: "s1"},
		turns:   []store.Turn{{Speaker: "user", Text: "hi"}},
	}
	s := &Summarizer{Store: fs, Generator: &fakeGenerator{err: errors.New("model unavailable")}}

	s.Run(context.Background(), "s1")

	if fs.setStatus != store.SummaryFailed {
		t.Fatalf("status=%q, want failed", fs.setStatus)
	}
	if fs.setTitle != "" || fs.setSummary != "" {
		t.Fatalf("failed summary must not carry text: %q %q", fs.setTitle, fs.setSummary)
	}
}

func TestRun_EmptyTranscriptMarksFailed(t *testing.T) {
	t.Parallel()

	fs := &fakeSummaryStore{session: &store.Session{ID: "s1"}}
	gen := &fakeGenerator{}
	s := &Summarizer{Store: fs, Generator: gen}

	s.Run(context.Background(), "s1")

	if fs.setStatus != store.SummaryFailed {
		t.Fatalf("status=%q, want failed", fs.setStatus)
	}
	if len(gen.reqs) != 0 {
		t.Fatal("generator must not be called without a transcript")
	}
}

func TestRun_MissingSessionIsNoop(t *testing.T) {
	t.Parallel()

	fs := &fakeSummaryStore{}
	s := &Summarizer{Store: fs, Generator: &fakeGenerator{}}

	s.Run(context.Background(), "gone")
	if fs.setCalls != 0 {
		t.Fatalf("set calls=%d, want 0", fs.setCalls)
	}
}

func TestParseResult(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		text    string
		want    Result
		wantErr bool
	}{
		{
			"plain json",
			`{"title":"Coffee stop","summary":"Found a cafe nearby."}`,
			Result{Title: "Coffee stop", Summary: "Found a cafe nearby."},
			false,
		},
		{
			"fenced json",
			"```json\n{\"title\":\"Coffee stop\",\"summary\":\"Found a cafe nearby.\"}\n```",
			Result{Title: "Coffee stop", Summary: "Found a cafe nearby."},
			false,
		},
		{"prose", "Sure! Here is a summary.", Result{}, true},
		{"empty object", `{}`, Result{}, true},
	}
	for _, tc := range cases {
		got, err := parseResult(tc.text)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%s: expected error", tc.name)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if got != tc.want {
			t.Fatalf("%s: got %+v", tc.name, got)
		}
	}
}

func TestBuildPrompt_IncludesTranscript(t *testing.T) {
	t.Parallel()

	p := buildPrompt(Request{
		CallContext: "phone",
		Turns: []store.Turn{
			{Speaker: "user", Text: "what's the weather"},
			{Speaker: "assistant", Text: "sunny, 22 degrees"},
		},
	})
	for _, want := range []string{"phone", "user: what's the weather", "assistant: sunny, 22 degrees"} {
		if !strings.Contains(p, want) {
			t.Fatalf("prompt missing %q:\n%s", want, p)
		}
	}
}
