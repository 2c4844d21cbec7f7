package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAIClient calls the OpenAI Chat Completions API. BaseURL makes it usable
// against any compatible endpoint.
type OpenAIClient struct {
	client  openai.Client
	model   string
	cfg     Config
	timeout time.Duration
}

// NewOpenAIClient creates an OpenAI client.
func NewOpenAIClient(cfg Config) *OpenAIClient {
	if cfg.Model == "" {
		cfg.Model = defaultOpenAIModel
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(1),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIClient{
		client:  openai.NewClient(opts...),
		model:   cfg.Model,
		cfg:     cfg,
		timeout: cfg.Timeout,
	}
}

// Name implements Client.
func (c *OpenAIClient) Name() string { return ProviderOpenAI + "/" + c.model }

// CompleteWithSystem sends a system and a user message.
func (c *OpenAIClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	ctx, cancel := withDeadline(ctx, c.timeout)
	defer cancel()
	start := time.Now()

	var messages []openai.ChatCompletionMessageParamUnion
	if systemPrompt != "" {
		messages = append(messages, openai.SystemMessage(systemPrompt))
	}
	messages = append(messages, openai.UserMessage(userPrompt))

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(c.model),
		Messages:            messages,
		MaxCompletionTokens: openai.Int(int64(c.cfg.maxTokens())),
	})
	if err != nil {
		err = fmt.Errorf("openai: %w", err)
		logCall(c.Name(), start, len(systemPrompt), len(userPrompt), 0, err)
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai: no choices in response")
	}
	out := resp.Choices[0].Message.Content
	logCall(c.Name(), start, len(systemPrompt), len(userPrompt), len(out), nil)
	return out, nil
}
