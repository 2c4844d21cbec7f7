package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicModel = "claude-haiku-4-5"

// AnthropicClient calls the Anthropic Messages API.
type AnthropicClient struct {
	client  anthropic.Client
	model   string
	cfg     Config
	timeout time.Duration
}

// NewAnthropicClient creates an Anthropic client.
func NewAnthropicClient(cfg Config) *AnthropicClient {
	if cfg.Model == "" {
		cfg.Model = defaultAnthropicModel
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(1),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicClient{
		client:  anthropic.NewClient(opts...),
		model:   cfg.Model,
		cfg:     cfg,
		timeout: cfg.Timeout,
	}
}

// Name implements Client.
func (c *AnthropicClient) Name() string { return ProviderAnthropic + "/" + c.model }

// CompleteWithSystem sends one user message with a system prompt.
func (c *AnthropicClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	ctx, cancel := withDeadline(ctx, c.timeout)
	defer cancel()
	start := time.Now()

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(c.cfg.maxTokens()),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	}
	if strings.TrimSpace(systemPrompt) != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		err = fmt.Errorf("anthropic: %w", err)
		logCall(c.Name(), start, len(systemPrompt), len(userPrompt), 0, err)
		return "", err
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if b, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(b.Text)
		}
	}
	out := sb.String()
	logCall(c.Name(), start, len(systemPrompt), len(userPrompt), len(out), nil)
	if out == "" {
		return "", fmt.Errorf("anthropic: empty response (stop_reason=%s)", msg.StopReason)
	}
	return out, nil
}
