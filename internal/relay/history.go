package relay

import (
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ent0n29/callrelay/internal/llm"
)

// Turn is one utterance in a text-mode conversation. TruncatedAt is the byte
// offset the content was cut at, or -1.
type Turn struct {
	ID          string
	Role        llm.Role
	Content     string
	CreatedAt   time.Time
	Interrupted bool
	TruncatedAt int
}

// History is the ordered conversation of one session. It is owned by the
// session's relay goroutine.
type History struct {
	turns []*Turn
	now   func() time.Time
}

func NewHistory() *History {
	return &History{now: time.Now}
}

func (h *History) Append(role llm.Role, content string) *Turn {
	t := &Turn{
		ID:          ulid.Make().String(),
		Role:        role,
		Content:     content,
		CreatedAt:   h.now().UTC(),
		TruncatedAt: -1,
	}
	h.turns = append(h.turns, t)
	return t
}

func (h *History) Len() int { return len(h.turns) }

func (h *History) Turns() []Turn {
	out := make([]Turn, len(h.turns))
	for i, t := range h.turns {
		out[i] = *t
	}
	return out
}

// LastAssistant returns the most recent assistant turn, or nil.
func (h *History) LastAssistant() *Turn {
	for i := len(h.turns) - 1; i >= 0; i-- {
		if h.turns[i].Role == llm.RoleAssistant {
			return h.turns[i]
		}
	}
	return nil
}

// TruncateLastAssistant cuts the latest assistant turn at the end of the
// first occurrence of heard. The turn is marked interrupted whether or not
// heard was found. It reports whether a turn existed and whether it was cut.
func (h *History) TruncateLastAssistant(heard string) (hasTurn, truncated bool) {
	turn := h.LastAssistant()
	if turn == nil {
		return false, false
	}
	turn.Interrupted = true
	if heard == "" {
		return true, false
	}
	idx := strings.Index(turn.Content, heard)
	if idx < 0 {
		return true, false
	}
	end := idx + len(heard)
	turn.Content = turn.Content[:end]
	turn.TruncatedAt = end
	return true, true
}

// Messages renders the history for the model.
func (h *History) Messages() []llm.Message {
	out := make([]llm.Message, 0, len(h.turns))
	for _, t := range h.turns {
		if strings.TrimSpace(t.Content) == "" {
			continue
		}
		out = append(out, llm.Message{Role: t.Role, Content: t.Content})
	}
	return out
}
