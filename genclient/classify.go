package genclient

import "strings"

// transientStatus reports whether an HTTP status from the generation service
// warrants a retry. 4xx requests are caller errors and never retried, with
// the usual exceptions for timeouts and rate limiting.
func transientStatus(status int) bool {
	switch {
	case status == 408 || status == 429:
		return true
	case status >= 500 && status < 600:
		return true
	default:
		return false
	}
}

// transientNetErr reports whether a transport-level error message indicates
// a condition worth retrying.
func transientNetErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "eof")
}
