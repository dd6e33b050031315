package policy

import (
	"strings"
	"testing"
)

func TestRedactPII(t *testing.T) {
	input := "Email me at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
}

func TestRedactUtteranceCapsLength(t *testing.T) {
	long := strings.Repeat("é", MaxLoggedUtterance+20)
	out := RedactUtterance("  " + long + "  ")
	if got := len([]rune(out)); got != MaxLoggedUtterance+3 {
		t.Fatalf("rune length = %d, want %d", got, MaxLoggedUtterance+3)
	}
	if !strings.HasSuffix(out, "...") {
		t.Fatalf("output not marked as truncated: %q", out)
	}
}

func TestRedactUtteranceMasksPII(t *testing.T) {
	if got := RedactUtterance(" call me at sam@example.com "); got != "call me at [REDACTED_EMAIL]" {
		t.Fatalf("RedactUtterance = %q", got)
	}
}
