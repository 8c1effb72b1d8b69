// Package llm wraps the chat models used for answer generation and judging.
package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/hyperjump/hybridrag/internal/config"
)

// Request is a single-turn completion request.
type Request struct {
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// Completer returns the text of one model completion.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
	Model() string
}

// New builds a completer for model using the configured provider.
func New(cfg config.LLMConfig, model string) (Completer, error) {
	if model == "" {
		return nil, fmt.Errorf("llm model is required")
	}
	switch cfg.Provider {
	case config.ProviderAnthropic:
		return NewAnthropic(cfg.APIKey, cfg.BaseURL, model, cfg.Timeout)
	case config.ProviderOpenAI, "":
		return NewOpenAI(cfg.APIKey, cfg.BaseURL, model, cfg.Timeout)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
