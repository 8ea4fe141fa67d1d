package completion

import (
	"strings"
	"time"
)

// RetryConfig configures backoff for overloaded-provider errors.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryConfig returns the production retry policy: up to 3 retries,
// 1s initial backoff doubling to a 10s cap.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: time.Second,
		MaxInterval:     10 * time.Second,
	}
}

// overloadedPatterns matches the provider's overload/transient error class.
// Matched case-insensitively against err.Error().
//
// NOTE: string matching because Genkit and the provider SDK do not expose
// typed errors for transient failures. Re-evaluate when they do.
var overloadedPatterns = []string{
	"429", "quota", "rate limit", "overloaded", "unavailable", "503",
}

// IsTransient reports whether err belongs to the overloaded error class and
// is worth retrying. Anything else (auth, bad request, missing credentials)
// fails immediately so retries are not wasted on it.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range overloadedPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
