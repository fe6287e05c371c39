package agent

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
)

// GatewayTurns posts transcript rows to the session gateway. The turns
// endpoint takes no device auth; a valid session id is the capability.
type GatewayTurns struct {
	BaseURL    string
	HTTPClient *http.Client
}

func (g *GatewayTurns) httpClient() *http.Client {
	if g.HTTPClient != nil {
		return g.HTTPClient
	}
	return http.DefaultClient
}

func (g *GatewayTurns) PostTurn(ctx context.Context, sessionID, speaker, text string) error {
	body, err := json.Marshal(map[string]string{
		"speaker":   speaker,
		"text":      text,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("encode turn: %w", err)
	}

	endpoint := strings.TrimRight(g.BaseURL, "/") + "/v1/sessions/" + url.PathEscape(sessionID) + "/turns"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("post turn: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}
