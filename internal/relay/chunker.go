package relay

import (
	"strings"
	"unicode"
)

// Chunk is one speakable piece of a model response. Exactly one chunk per
// response has Last set, and it carries no text.
type Chunk struct {
	Text string
	Last bool
}

// Chunker coalesces streamed tokens into word groups.
type Chunker struct {
	buf      strings.Builder
	minWords int
	finished bool
}

const defaultChunkWords = 3

func NewChunker() *Chunker {
	return &Chunker{minWords: defaultChunkWords}
}

// Push appends a token and returns a chunk once the buffer holds enough words
// or ends on a clause boundary.
func (c *Chunker) Push(token string) []Chunk {
	if c.finished || token == "" {
		return nil
	}
	c.buf.WriteString(token)
	text := c.buf.String()
	if len(strings.Fields(text)) >= c.minWords || endsOnBoundary(text) {
		c.buf.Reset()
		return []Chunk{{Text: text}}
	}
	return nil
}

// Finish flushes the remainder and appends the final marker. Later calls
// return nothing.
func (c *Chunker) Finish() []Chunk {
	if c.finished {
		return nil
	}
	c.finished = true
	var out []Chunk
	if rest := c.buf.String(); strings.TrimSpace(rest) != "" {
		out = append(out, Chunk{Text: rest})
	}
	c.buf.Reset()
	return append(out, Chunk{Last: true})
}

func endsOnBoundary(text string) bool {
	trimmed := strings.TrimRightFunc(text, unicode.IsSpace)
	if trimmed == "" {
		return false
	}
	switch trimmed[len(trimmed)-1] {
	case '.', ',', '!', '?', ';', ':':
		return true
	default:
		return false
	}
}
