package scheduler

import "time"

// RetryPolicy bounds how often a failed job execution is retried.
// MaxAttempts 0 drops a failed run without retrying.
type RetryPolicy struct {
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay" json:"base_delay"`
}

// DefaultRetryPolicy retries three times starting at 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 30 * time.Second}
}

// Backoff returns the wait before retry number attempt (0-based):
// BaseDelay, 2*BaseDelay, 4*BaseDelay, ...
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 16 {
		attempt = 16
	}
	return p.BaseDelay * time.Duration(1<<attempt)
}
