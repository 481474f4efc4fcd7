package stream

import (
	"strings"
	"time"
)

// RetryConfig configures retry behavior for provider calls.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryConfig returns sensible defaults for completion API calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      2,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

// retryable reports whether an error is worth another attempt.
// Provider SDK errors rarely expose typed causes, so this matches on the
// usual transient signatures.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"rate limit", "quota", "429",
		"500", "502", "503", "504", "unavailable", "overloaded",
		"connection reset", "timeout", "temporar",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
