package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one prior conversation turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request carries the system prompt and the conversation so far. The last
// message is the caller's new utterance.
type Request struct {
	ResponseID string    `json:"response_id,omitempty"`
	System     string    `json:"system"`
	Messages   []Message `json:"messages"`
}

// TokenHandler receives streamed text fragments in order. Returning an error
// aborts the stream.
type TokenHandler func(token string) error

// Streamer generates a reply token by token.
type Streamer interface {
	Stream(ctx context.Context, req Request, onToken TokenHandler) error
}

// Config controls backend selection.
type Config struct {
	Provider     string
	GeminiAPIKey string
	GeminiModel  string
	HTTPURL      string
	// FirstTokenTimeout bounds how long the primary may stay silent before
	// "auto" switches to the HTTP backend. Zero switches on error only.
	FirstTokenTimeout time.Duration
}

// New builds the configured backend. "auto" prefers Gemini, then HTTP, then
// the local mock. With both Gemini and HTTP configured, HTTP backs Gemini up.
func New(ctx context.Context, cfg Config) (Streamer, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "auto"
	}

	switch provider {
	case "auto":
		if strings.TrimSpace(cfg.GeminiAPIKey) != "" {
			gemini, err := NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
			if err != nil {
				return nil, err
			}
			if strings.TrimSpace(cfg.HTTPURL) == "" {
				return gemini, nil
			}
			return NewFallback(gemini, NewHTTPStreamer(cfg.HTTPURL), cfg.FirstTokenTimeout), nil
		}
		if strings.TrimSpace(cfg.HTTPURL) != "" {
			return NewHTTPStreamer(cfg.HTTPURL), nil
		}
		return NewMock(), nil
	case "gemini":
		if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
			return nil, errors.New("GEMINI_API_KEY is required for gemini provider")
		}
		return NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("TEXT_MODEL_HTTP_URL is required for http provider")
		}
		return NewHTTPStreamer(cfg.HTTPURL), nil
	case "mock":
		return NewMock(), nil
	default:
		return nil, fmt.Errorf("unsupported text model provider %q", cfg.Provider)
	}
}
