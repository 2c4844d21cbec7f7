// Package llm wraps the chat-completion providers used for semantic
// evaluation and learning behind a single Client interface.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"causeway/internal/logging"
)

// Client completes a prompt pair. Implementations must honor ctx
// cancellation and deadlines.
type Client interface {
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	// Name identifies provider and model, e.g. "anthropic/claude-haiku-4-5".
	Name() string
}

// ErrNotConfigured is returned when no provider credentials are available.
var ErrNotConfigured = errors.New("llm provider not configured")

// Provider names accepted by NewClient.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGemini    = "gemini"
)

// Config selects and tunes a provider.
type Config struct {
	Provider  string
	Model     string
	APIKey    string
	BaseURL   string
	Timeout   time.Duration
	MaxTokens int
}

const defaultMaxTokens = 2048

func (c Config) maxTokens() int {
	if c.MaxTokens > 0 {
		return c.MaxTokens
	}
	return defaultMaxTokens
}

// NewClient builds the client for cfg.Provider.
func NewClient(cfg Config) (Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("%w: no API key for %q", ErrNotConfigured, cfg.Provider)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	switch strings.ToLower(cfg.Provider) {
	case ProviderAnthropic, "":
		return NewAnthropicClient(cfg), nil
	case ProviderOpenAI:
		return NewOpenAIClient(cfg), nil
	case ProviderGemini, "genai", "google":
		return NewGeminiClient(context.Background(), cfg)
	default:
		return nil, fmt.Errorf("unknown llm provider: %s (valid: anthropic, openai, gemini)", cfg.Provider)
	}
}

// Func adapts a function to Client.
type Func func(ctx context.Context, systemPrompt, userPrompt string) (string, error)

// CompleteWithSystem calls f.
func (f Func) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return f(ctx, systemPrompt, userPrompt)
}

// Name implements Client.
func (Func) Name() string { return "func" }

// withDeadline applies the client timeout when ctx carries none.
func withDeadline(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

func logCall(name string, start time.Time, sysLen, userLen, respLen int, err error) {
	if err != nil {
		logging.APIWarn("[%s] completion failed after %v: %v", name, time.Since(start), err)
		return
	}
	logging.APIDebug("[%s] completion ok in %v (system=%d user=%d response=%d)",
		name, time.Since(start), sysLen, userLen, respLen)
}
