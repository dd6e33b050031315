package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Mock replies deterministically, one word per token, for local runs.
type Mock struct {
	// TokenDelay spaces out tokens so interruption can be exercised.
	TokenDelay time.Duration
}

func NewMock() *Mock { return &Mock{} }

func (m *Mock) Stream(ctx context.Context, req Request, onToken TokenHandler) error {
	for _, token := range MockTokens(buildMockReply(req)) {
		if m.TokenDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.TokenDelay):
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := onToken(token); err != nil {
			return err
		}
	}
	return nil
}

// MockTokens splits text into word tokens that keep their trailing space.
func MockTokens(text string) []string {
	fields := strings.Fields(text)
	out := make([]string, 0, len(fields))
	for i, f := range fields {
		if i < len(fields)-1 {
			f += " "
		}
		out = append(out, f)
	}
	return out
}

func buildMockReply(req Request) string {
	input := ""
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == RoleUser {
			input = strings.TrimSpace(req.Messages[i].Content)
			break
		}
	}
	if input == "" {
		return "I am listening."
	}
	return fmt.Sprintf("I heard you say: %s", input)
}
