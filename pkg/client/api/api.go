// Package api is the device-side client for the session gateway. It owns the
// device's access token: callers never see auth, only typed results and
// errors.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
)

// APIError is a non-2xx gateway response that has no more specific type.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway returned %d %s: %s", e.Status, e.Code, e.Message)
}

// EntitlementError is a 402: the free tier is exhausted and no subscription
// covers the device. It drives the paywall path.
type EntitlementError struct {
	FreeMinutesUsed  int
	FreeMinutesLimit int
}

func (e *EntitlementError) Error() string {
	return fmt.Sprintf("entitlement required: %d/%d free minutes used", e.FreeMinutesUsed, e.FreeMinutesLimit)
}

// ProRequiredError is a 403: the requested model needs a subscription.
type ProRequiredError struct {
	Model string
}

func (e *ProRequiredError) Error() string {
	return fmt.Sprintf("model %q requires a subscription", e.Model)
}

type StartRequest struct {
	Context        string `json:"context"`
	Model          string `json:"model,omitempty"`
	Voice          string `json:"voice,omitempty"`
	LoggingEnabled *bool  `json:"loggingEnabled,omitempty"`
}

type StartResult struct {
	SessionID  string `json:"sessionId"`
	MediaURL   string `json:"mediaUrl"`
	MediaToken string `json:"mediaToken"`
	RoomName   string `json:"roomName"`
}

// Session mirrors the gateway's session resource.
type Session struct {
	SessionID       string  `json:"sessionId"`
	Context         string  `json:"context"`
	RoomName        string  `json:"roomName"`
	Model           string  `json:"model"`
	Voice           string  `json:"voice"`
	StartedAt       string  `json:"startedAt"`
	EndedAt         *string `json:"endedAt,omitempty"`
	DurationMinutes *int    `json:"durationMinutes,omitempty"`
	LoggingEnabled  bool    `json:"loggingEnabled"`
	SummaryStatus   string  `json:"summaryStatus"`
	Title           string  `json:"title,omitempty"`
	Summary         string  `json:"summary,omitempty"`
}

type Client struct {
	BaseURL      string
	DeviceID     string
	DeviceSecret string
	HTTPClient   *http.Client
	Logger       *slog.Logger

	mu    sync.Mutex
	token string
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *Client) StartSession(ctx context.Context, req StartRequest) (*StartResult, error) {
	var out StartResult
	if err := c.do(ctx, http.MethodPost, "/v1/sessions/start", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) EndSession(ctx context.Context, sessionID string, durationMinutes *int) error {
	body := struct {
		SessionID       string `json:"sessionId"`
		DurationMinutes *int   `json:"durationMinutes,omitempty"`
	}{sessionID, durationMinutes}
	return c.do(ctx, http.MethodPost, "/v1/sessions/end", body, nil)
}

func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	var out struct {
		Sessions []Session `json:"sessions"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/sessions", nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

func (c *Client) GetSession(ctx context.Context, id string) (*Session, error) {
	var out Session
	if err := c.do(ctx, http.MethodGet, "/v1/sessions/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/sessions/"+id, nil, nil)
}

// do issues one authenticated request. On a 401 it refreshes the access token
// and retries exactly once, silently; a second 401 surfaces as unauthorized.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	for attempt := 0; ; attempt++ {
		token, err := c.accessToken(ctx, attempt > 0)
		if err != nil {
			return err
		}

		status, respBody, err := c.roundTrip(ctx, method, path, body, token)
		if err != nil {
			return err
		}

		if status == http.StatusUnauthorized && attempt == 0 {
			c.logger().Debug("access token rejected, refreshing", "path", path)
			continue
		}
		if status < 200 || status > 299 {
			return errorFromBody(status, respBody)
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode gateway response: %w", err)
		}
		return nil
	}
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body any, token string) (int, []byte, error) {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("encode request: %w", err)
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method,
		strings.TrimRight(c.BaseURL, "/")+path, payload)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("gateway request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("read gateway response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

// accessToken returns the cached token, exchanging the device secret for a
// fresh one when none is cached or a refresh is forced.
func (c *Client) accessToken(ctx context.Context, force bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && !force {
		return c.token, nil
	}

	body := struct {
		DeviceID     string `json:"deviceId"`
		DeviceSecret string `json:"deviceSecret"`
	}{c.DeviceID, c.DeviceSecret}
	raw, _ := json.Marshal(body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.BaseURL, "/")+"/v1/auth/token", bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", errorFromBody(resp.StatusCode, respBody)
	}

	var tok struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(respBody, &tok); err != nil || tok.Token == "" {
		return "", fmt.Errorf("token response malformed")
	}
	c.token = tok.Token
	return c.token, nil
}

func errorFromBody(status int, body []byte) error {
	var parsed struct {
		Error            string `json:"error"`
		Message          string `json:"message"`
		Model            string `json:"model"`
		FreeMinutesUsed  int    `json:"freeMinutesUsed"`
		FreeMinutesLimit int    `json:"freeMinutesLimit"`
	}
	_ = json.Unmarshal(body, &parsed)

	switch parsed.Error {
	case "ENTITLEMENT_REQUIRED":
		return &EntitlementError{
			FreeMinutesUsed:  parsed.FreeMinutesUsed,
			FreeMinutesLimit: parsed.FreeMinutesLimit,
		}
	case "PRO_REQUIRED":
		return &ProRequiredError{Model: parsed.Model}
	}
	msg := parsed.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	return &APIError{Status: status, Code: parsed.Error, Message: msg}
}
