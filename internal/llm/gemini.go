package llm

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.5-flash"

// GeminiClient calls the Gemini API through the genai SDK.
type GeminiClient struct {
	client  *genai.Client
	model   string
	cfg     Config
	timeout time.Duration
}

// NewGeminiClient creates a Gemini client.
func NewGeminiClient(ctx context.Context, cfg Config) (*GeminiClient, error) {
	if cfg.Model == "" {
		cfg.Model = defaultGeminiModel
	}
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}
	return &GeminiClient{client: client, model: cfg.Model, cfg: cfg, timeout: cfg.Timeout}, nil
}

// Name implements Client.
func (c *GeminiClient) Name() string { return ProviderGemini + "/" + c.model }

// CompleteWithSystem sends userPrompt with systemPrompt as the system instruction.
func (c *GeminiClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	ctx, cancel := withDeadline(ctx, c.timeout)
	defer cancel()
	start := time.Now()

	gc := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(c.cfg.maxTokens()),
	}
	if systemPrompt != "" {
		gc.SystemInstruction = genai.NewContentFromText(systemPrompt, genai.RoleUser)
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(userPrompt), gc)
	if err != nil {
		err = fmt.Errorf("gemini: %w", err)
		logCall(c.Name(), start, len(systemPrompt), len(userPrompt), 0, err)
		return "", err
	}
	out := resp.Text()
	logCall(c.Name(), start, len(systemPrompt), len(userPrompt), len(out), nil)
	if out == "" {
		return "", fmt.Errorf("gemini: empty response")
	}
	return out, nil
}
