package reliability

import "time"

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryableRealtimeMessageType classifies upstream realtime error codes.
// Retryable here means a fresh session may succeed; the relay itself never
// retries a live call.
func IsRetryableRealtimeMessageType(code string) bool {
	switch code {
	case "rate_limit_exceeded", "rate_limited", "server_error", "resource_exhausted",
		"queue_overflow", "session_expired", "error":
		return true
	default:
		return false
	}
}

// ErrorCodeLabel bounds metric label cardinality for upstream error codes.
func ErrorCodeLabel(code string) string {
	switch code {
	case "":
		return "unknown"
	case "rate_limit_exceeded", "rate_limited", "server_error", "resource_exhausted",
		"queue_overflow", "session_expired", "invalid_request_error", "handshake",
		"dial", "timeout", "stream":
		return code
	default:
		return "other"
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
