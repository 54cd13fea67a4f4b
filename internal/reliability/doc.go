// Package reliability provides the retry policies connections use to decide
// whether, and after how long, a lost broker connection is dialed again.
//
// Two policies are available: ExponentialBackoff, with optional ±15% jitter,
// and FixedDelay. Both stop after a configured number of attempts and give
// up immediately on errors that report themselves as not retryable.
//
//	policy := NewExponentialBackoff(time.Second, 30*time.Second, 2.0, 10)
//	if retry, delay := policy.ShouldRetry(attempt, err); retry {
//	    time.Sleep(delay)
//	}
package reliability
