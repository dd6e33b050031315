package relay

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	speechURLPattern          = regexp.MustCompile(`https?://\S+`)
	speechInlineCodePattern   = regexp.MustCompile("`[^`]*`")
	speechMarkdownLinkPattern = regexp.MustCompile(`\[(.*?)\]\((.*?)\)`)
)

// sanitizeSpeechChunk strips markup and symbols the provider TTS would read
// aloud. Leading and trailing whitespace survive so chunks still join into
// words.
func sanitizeSpeechChunk(raw string) string {
	core := strings.TrimSpace(raw)
	if core == "" {
		return raw
	}
	lead := raw[:strings.Index(raw, core)]
	trail := raw[len(lead)+len(core):]

	core = speechInlineCodePattern.ReplaceAllString(core, " ")
	core = speechMarkdownLinkPattern.ReplaceAllString(core, "$1")
	core = speechURLPattern.ReplaceAllString(core, " ")
	core = strings.NewReplacer(
		"```", " ",
		"`", " ",
		"*", " ",
		"_", " ",
		"\\", " ",
		"|", " ",
		"#", " ",
		"~", " ",
		"<", " ",
		">", " ",
	).Replace(core)

	var b strings.Builder
	b.Grow(len(core))
	prevSpace := true
	for _, r := range core {
		switch {
		case r == '\u200d' || r == '\ufe0f' || r == '\u20e3':
			continue
		case unicode.IsSpace(r):
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
		case unicode.IsControl(r):
			continue
		case unicode.In(r, unicode.So, unicode.Sk):
			continue
		default:
			b.WriteRune(r)
			prevSpace = false
		}
	}

	cleaned := strings.TrimSpace(b.String())
	if cleaned == "" {
		return ""
	}
	return lead + cleaned + trail
}
