package analysis

import (
	"errors"
	"fmt"
)

var errNoProvider = errors.New("no enabled AI provider")

// RateLimitError means the quota is exhausted. It carries the limiter reading
// so callers can surface the reset time; it is never retried automatically.
type RateLimitError struct {
	Info RateLimitInfo
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("analysis rate limit reached (%d/%d hourly, %d/%d daily), resets at %s",
		e.Info.HourlyCount, e.Info.HourlyLimit,
		e.Info.DailyCount, e.Info.DailyLimit,
		e.Info.ResetTime.Format("15:04:05"))
}

// TransientServiceError is a network, timeout or 5xx-class failure. It is
// retryable by explicit re-analysis or a read-path backoff policy.
type TransientServiceError struct {
	Op  string
	Err error
}

func (e *TransientServiceError) Error() string {
	return fmt.Sprintf("analysis service unavailable (%s): %v", e.Op, e.Err)
}

func (e *TransientServiceError) Unwrap() error { return e.Err }

// MalformedResponseError means the boundary answered but the payload does not
// match the expected insight shape. Not retried automatically.
type MalformedResponseError struct {
	Reason string
}

func (e *MalformedResponseError) Error() string {
	return "malformed analysis response: " + e.Reason
}

// ValidationError means the request itself cannot be analyzed (empty content,
// unknown item). Short-circuited before any network call.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid analysis request: " + e.Reason
}

// IsRetryable reports whether err is worth retrying at all.
func IsRetryable(err error) bool {
	var transient *TransientServiceError
	return errors.As(err, &transient)
}
