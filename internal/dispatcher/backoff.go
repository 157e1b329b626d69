package dispatcher

import (
	"math"
	"math/rand"
	"time"

	"github.com/adx-core/woc/internal/core"
)

// nextAttemptDelay implements spec.md §4.3's retry formula:
// delay(attempt) = min(initial_interval * backoff_coefficient^(attempt-1), max_interval)
// with optional +/-20% jitter. attempt is 1-indexed, matching the spec's
// "attempt count starts at 1".
func nextAttemptDelay(policy core.RetryPolicy, attempt int32, jitter bool) time.Duration {
	coefficient := policy.BackoffCoefficient
	if coefficient <= 0 {
		coefficient = 2.0
	}
	delay := time.Duration(float64(policy.InitialInterval) * math.Pow(coefficient, float64(attempt-1)))
	if policy.MaxInterval > 0 && delay > policy.MaxInterval {
		delay = policy.MaxInterval
	}
	if jitter {
		// +/-20% per spec.md §4.3.
		factor := 1 + (rand.Float64()*0.4 - 0.2)
		delay = time.Duration(float64(delay) * factor)
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// isNonRetryable reports whether errKind is in policy's declared
// non-retryable list, or whether attempt has exhausted max_attempts.
func isNonRetryable(policy core.RetryPolicy, errKind string, attempt int32) bool {
	if policy.MaxAttempts > 0 && attempt >= policy.MaxAttempts {
		return true
	}
	for _, k := range policy.NonRetryableErrorKinds {
		if k == errKind {
			return true
		}
	}
	return false
}
