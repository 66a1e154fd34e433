package vod

import (
	"strings"
)

// ErrorClass represents whether a chat download error should be retried.
type ErrorClass int

const (
	// ErrorClassRetryable indicates the operation should be retried (transient errors).
	ErrorClassRetryable ErrorClass = iota
	// ErrorClassFatal indicates the operation should not be retried (permanent errors).
	ErrorClassFatal
	// ErrorClassUnknown indicates the error type cannot be determined.
	ErrorClassUnknown
)

func (ec ErrorClass) String() string {
	switch ec {
	case ErrorClassRetryable:
		return "retryable"
	case ErrorClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ClassifyDownloadError classifies chat download errors into retryable vs fatal.
//
// Fatal (non-retryable):
// - Authorization errors (subscriber-only VOD chat, 401/403)
// - Content not found (404, video deleted or expired)
// - Invalid input (malformed VOD id)
//
// Retryable (transient):
// - Network errors (connection reset, timeout, DNS failures)
// - Server errors (500, 502, 503, 504)
// - Rate limiting (429)
//
// Unmatched errors default to retryable so a flaky run is not abandoned early.
func ClassifyDownloadError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	lower := strings.ToLower(err.Error())

	// Server errors first: "service unavailable" must not match the
	// content-unavailable patterns below.
	if strings.Contains(lower, "500") ||
		strings.Contains(lower, "502") ||
		strings.Contains(lower, "503") ||
		strings.Contains(lower, "504") ||
		strings.Contains(lower, "internal server error") ||
		strings.Contains(lower, "bad gateway") ||
		strings.Contains(lower, "service unavailable") ||
		strings.Contains(lower, "gateway timeout") {
		return ErrorClassRetryable
	}

	if strings.Contains(lower, "subscriber-only") ||
		strings.Contains(lower, "only available to subscribers") ||
		strings.Contains(lower, "authentication required") ||
		strings.Contains(lower, "401") ||
		strings.Contains(lower, "403") ||
		strings.Contains(lower, "unauthorized") {
		return ErrorClassFatal
	}

	if (strings.Contains(lower, "video") && strings.Contains(lower, "unavailable")) ||
		(strings.Contains(lower, "video") && strings.Contains(lower, "not available")) ||
		strings.Contains(lower, "404") ||
		strings.Contains(lower, "not found") ||
		strings.Contains(lower, "deleted") ||
		strings.Contains(lower, "no longer available") ||
		strings.Contains(lower, "does not exist") {
		return ErrorClassFatal
	}

	invalidInputPatterns := []string{
		"invalid video id",
		"unable to parse vod",
		"invalid url",
	}
	for _, pattern := range invalidInputPatterns {
		if strings.Contains(lower, pattern) {
			return ErrorClassFatal
		}
	}

	networkPatterns := []string{
		"connection reset",
		"connection refused",
		"connection timed out",
		"timeout",
		"temporary failure in name resolution",
		"no route to host",
		"network unreachable",
		"dns",
		"eof",
		"broken pipe",
	}
	for _, pattern := range networkPatterns {
		if strings.Contains(lower, pattern) {
			return ErrorClassRetryable
		}
	}

	rateLimitPatterns := []string{
		"429",
		"too many requests",
		"rate limit",
		"throttled",
	}
	for _, pattern := range rateLimitPatterns {
		if strings.Contains(lower, pattern) {
			return ErrorClassRetryable
		}
	}

	return ErrorClassRetryable
}

// IsRetryableError checks if an error should trigger retry logic.
func IsRetryableError(err error) bool {
	return ClassifyDownloadError(err) == ErrorClassRetryable
}

// IsFatalError checks if an error should not be retried.
func IsFatalError(err error) bool {
	return ClassifyDownloadError(err) == ErrorClassFatal
}
