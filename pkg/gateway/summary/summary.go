// Package summary produces a title and recap for an ended session from its
// stored transcript. It runs detached from the end-session request: summary
// state moves pending -> ready|failed and never blocks or fails the call
// teardown.
package summary

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/drivevoice/drivevoice/pkg/gateway/metrics"
	"github.com/drivevoice/drivevoice/pkg/gateway/store"
)

// Generator turns a transcript into a title and summary.
type Generator interface {
	Generate(ctx context.Context, req Request) (Result, error)
}

type Request struct {
	CallContext string
	Turns       []store.Turn
}

type Result struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

// Store is the slice of the authoritative store the summarizer needs.
type Store interface {
	GetSession(ctx context.Context, id string) (*store.Session, error)
	ListTurns(ctx context.Context, sessionID string) ([]store.Turn, error)
	SetSummary(ctx context.Context, id string, status store.SummaryStatus, title, summary string) error
}

type Summarizer struct {
	Store     Store
	Generator Generator
	Timeout   time.Duration
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

func (s *Summarizer) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Run summarizes one ended session. Sessions without any turns are marked
// failed immediately; there is nothing to summarize and nothing to retry.
func (s *Summarizer) Run(ctx context.Context, sessionID string) {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	sess, err := s.Store.GetSession(ctx, sessionID)
	if err != nil {
		s.logger().Warn("summary skipped, session load failed", "session_id", sessionID, "error", err)
		return
	}

	turns, err := s.Store.ListTurns(ctx, sessionID)
	if err != nil {
		s.fail(ctx, sessionID, fmt.Errorf("load turns: %w", err))
		return
	}
	if len(turns) == 0 {
		s.fail(ctx, sessionID, fmt.Errorf("no transcript"))
		return
	}

	res, err := s.Generator.Generate(ctx, Request{CallContext: sess.CallContext, Turns: turns})
	if err != nil {
		s.fail(ctx, sessionID, err)
		return
	}

	if err := s.Store.SetSummary(ctx, sessionID, store.SummaryReady, res.Title, res.Summary); err != nil {
		s.logger().Error("summary persist failed", "session_id", sessionID, "error", err)
		return
	}
	if s.Metrics != nil {
		s.Metrics.SummaryOutcomes.WithLabelValues("ready").Inc()
	}
	s.logger().Info("session summarized", "session_id", sessionID, "title", res.Title)
}

func (s *Summarizer) fail(ctx context.Context, sessionID string, cause error) {
	s.logger().Warn("summary failed", "session_id", sessionID, "error", cause)
	if s.Metrics != nil {
		s.Metrics.SummaryOutcomes.WithLabelValues("failed").Inc()
	}
	if err := s.Store.SetSummary(ctx, sessionID, store.SummaryFailed, "", ""); err != nil {
		s.logger().Error("summary status persist failed", "session_id", sessionID, "error", err)
	}
}

// GeminiGenerator generates summaries with the Gemini API.
type GeminiGenerator struct {
	Client *genai.Client
	Model  string
}

func NewGeminiGenerator(ctx context.Context, apiKey, model string) (*GeminiGenerator, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &GeminiGenerator{Client: client, Model: model}, nil
}

func (g *GeminiGenerator) Generate(ctx context.Context, req Request) (Result, error) {
	resp, err := g.Client.Models.GenerateContent(ctx, g.Model,
		genai.Text(buildPrompt(req)),
		&genai.GenerateContentConfig{ResponseMIMEType: "application/json"},
	)
	if err != nil {
		return Result{}, fmt.Errorf("generate summary: %w", err)
	}
	return parseResult(resp.Text())
}

func buildPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("Summarize this voice conversation between a driver and an in-car assistant.\n")
	if req.CallContext != "" {
		b.WriteString("Call context: " + req.CallContext + "\n")
	}
	b.WriteString(`Respond with JSON only: {"title": "<at most 6 words>", "summary": "<2-3 sentences>"}` + "\n\nTranscript:\n")
	for _, t := range req.Turns {
		fmt.Fprintf(&b, "%s: %s\n", t.Speaker, t.Text)
	}
	return b.String()
}

// parseResult tolerates a fenced code block around the JSON; models emit
// them even when asked not to.
func parseResult(text string) (Result, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	var res Result
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &res); err != nil {
		return Result{}, fmt.Errorf("summary response is not the expected JSON: %w", err)
	}
	if res.Title == "" && res.Summary == "" {
		return Result{}, fmt.Errorf("summary response is empty")
	}
	return res, nil
}
