package reliability

import (
	"testing"
	"time"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tc := range cases {
		got := IsRetryableHTTPStatus(tc.code)
		if got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestExponentialBackoffCap(t *testing.T) {
	base := 100 * time.Millisecond
	capDur := 700 * time.Millisecond
	if got := ExponentialBackoff(0, base, capDur); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(10, base, capDur); got != capDur {
		t.Fatalf("attempt 10 = %v, want %v", got, capDur)
	}
}

func TestIsRetryableRealtimeMessageType(t *testing.T) {
	for _, code := range []string{"rate_limit_exceeded", "server_error", "session_expired"} {
		if !IsRetryableRealtimeMessageType(code) {
			t.Fatalf("%q should be retryable", code)
		}
	}
	for _, code := range []string{"invalid_request_error", "invalid_api_key", ""} {
		if IsRetryableRealtimeMessageType(code) {
			t.Fatalf("%q should not be retryable", code)
		}
	}
}

func TestErrorCodeLabelBoundsCardinality(t *testing.T) {
	if got := ErrorCodeLabel("server_error"); got != "server_error" {
		t.Fatalf("ErrorCodeLabel(server_error) = %q", got)
	}
	if got := ErrorCodeLabel("some_new_code_123"); got != "other" {
		t.Fatalf("ErrorCodeLabel(unknown code) = %q, want other", got)
	}
	if got := ErrorCodeLabel(""); got != "unknown" {
		t.Fatalf("ErrorCodeLabel(\"\") = %q, want unknown", got)
	}
}
