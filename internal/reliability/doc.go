// Package reliability provides the retry policies used when dialing the broker and publishing.
//
// Two policies are available: FixedDelay, used between connection attempts, and
// ExponentialBackoff with jitter, used between publish attempts. Errors are retried
// unless they are wrapped in a RetryableError marked non-retryable or come from
// an ended context.
//
//	policy := reliability.NewFixedDelay(10*time.Second, 1)
//	err := reliability.Retry(ctx, policy, func() error {
//	    return dial()
//	})
package reliability
