package agent

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// GeminiResponder generates replies with the Gemini API. The dispatch
// metadata's model wins; DefaultModel covers jobs that omit one.
type GeminiResponder struct {
	Client       *genai.Client
	DefaultModel string
}

func NewGeminiResponder(ctx context.Context, apiKey, defaultModel string) (*GeminiResponder, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GeminiResponder{Client: client, DefaultModel: defaultModel}, nil
}

func (g *GeminiResponder) Reply(ctx context.Context, meta JobMetadata, userText string) (string, error) {
	model := meta.Model
	if model == "" {
		model = g.DefaultModel
	}

	cfg := &genai.GenerateContentConfig{}
	if meta.Instructions != "" {
		cfg.SystemInstruction = genai.NewContentFromText(meta.Instructions, genai.RoleUser)
	}

	resp, err := g.Client.Models.GenerateContent(ctx, model, genai.Text(userText), cfg)
	if err != nil {
		return "", fmt.Errorf("generate reply: %w", err)
	}
	reply := strings.TrimSpace(resp.Text())
	if reply == "" {
		return "", fmt.Errorf("model returned an empty reply")
	}
	return reply, nil
}
