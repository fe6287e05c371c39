// Package media is the gateway's client for the real-time media node. The
// node itself is an external collaborator; this package only creates rooms,
// mints join credentials, lists participants, and requests agent dispatch.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type Participant struct {
	Identity   string            `json:"identity"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Metadata   string            `json:"metadata,omitempty"`
}

type DispatchRequest struct {
	Room string `json:"room"`
	Role string `json:"role"`
	// Metadata is an opaque JSON blob handed to the worker that picks up
	// the job.
	Metadata string `json:"metadata"`
}

// APIError is a non-2xx response from the media node.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("media node returned %d: %s", e.Status, e.Body)
}

type Client struct {
	BaseURL    string
	APIKey     string
	APISecret  string
	HTTPClient *http.Client
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// CreateRoom creates a room on the media node; creating an existing room is
// a no-op on the node's side.
func (c *Client) CreateRoom(ctx context.Context, name string) error {
	body := map[string]string{"name": name}
	return c.post(ctx, "/rooms", body, nil)
}

func (c *Client) ListParticipants(ctx context.Context, room string) ([]Participant, error) {
	var out struct {
		Participants []Participant `json:"participants"`
	}
	path := "/rooms/" + url.PathEscape(room) + "/participants"
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Participants, nil
}

// DispatchAgent asks the worker pool to send an agent into a room. A 2xx
// response means the job was accepted for scheduling, not that a worker has
// joined; join confirmation is the dispatcher's verification loop.
func (c *Client) DispatchAgent(ctx context.Context, req DispatchRequest) error {
	return c.post(ctx, "/agents/dispatch", req, nil)
}

// MintAccessToken issues a room-scoped join credential for one participant.
func (c *Client) MintAccessToken(identity, room string, ttl time.Duration) (string, error) {
	if identity == "" || room == "" {
		return "", fmt.Errorf("identity and room are required")
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": c.APIKey,
		"sub": identity,
		"nbf": now.Unix(),
		"exp": now.Add(ttl).Unix(),
		"video": map[string]any{
			"room":         room,
			"roomJoin":     true,
			"canPublish":   true,
			"canSubscribe": true,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(c.APISecret))
}

// adminToken authenticates the gateway's own calls to the media node.
func (c *Client) adminToken() (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": c.APIKey,
		"sub": "drivevoice-gateway",
		"nbf": now.Unix(),
		"exp": now.Add(time.Minute).Unix(),
		"video": map[string]any{
			"roomCreate": true,
			"roomList":   true,
			"roomAdmin":  true,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(c.APISecret))
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.BaseURL, "/")+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(c.BaseURL, "/")+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	token, err := c.adminToken()
	if err != nil {
		return fmt.Errorf("mint admin token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("media node request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode media node response: %w", err)
	}
	return nil
}
