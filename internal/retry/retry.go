// Package retry implements the bounded exponential-backoff policy for
// transient concurrency failures. Only contention errors are retried;
// structural errors surface immediately.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/kryptobaseddev/cleo/internal/cleoerr"
)

// Policy describes how a single error code is retried.
type Policy struct {
	MaxAttempts int
	Initial     time.Duration
	Factor      float64
	Cap         time.Duration
}

// policies maps retryable error codes to their backoff schedule.
// Fingerprint mismatches get fewer attempts: the caller must re-read
// between tries, so rapid retries rarely help.
var policies = map[string]Policy{
	cleoerr.CodeLockTimeout:            {MaxAttempts: 5, Initial: 50 * time.Millisecond, Factor: 2, Cap: 2 * time.Second},
	cleoerr.CodeConcurrentModification: {MaxAttempts: 4, Initial: 40 * time.Millisecond, Factor: 2, Cap: 1 * time.Second},
	cleoerr.CodeIDCollision:            {MaxAttempts: 4, Initial: 20 * time.Millisecond, Factor: 2, Cap: 500 * time.Millisecond},
	cleoerr.CodeFingerprintMismatch:    {MaxAttempts: 3, Initial: 60 * time.Millisecond, Factor: 2, Cap: 1 * time.Second},
}

// For returns the policy for an error code, or ok=false when the code
// is not retryable.
func For(code string) (Policy, bool) {
	p, ok := policies[code]
	return p, ok
}

// Do runs fn and retries it per the policy of the returned error code.
// It returns the last error once attempts are exhausted, a non-retryable
// error immediately, and nil on success.
func Do(ctx context.Context, fn func() error) error {
	var lastErr error
	delay := time.Duration(0)
	for attempt := 1; ; attempt++ {
		if delay > 0 {
			jittered := delay/2 + time.Duration(rand.Int63n(int64(delay/2)+1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(jittered):
			}
		}
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		pol, ok := For(cleoerr.CodeOf(err))
		if !ok || attempt >= pol.MaxAttempts {
			return lastErr
		}
		if delay == 0 {
			delay = pol.Initial
		} else {
			delay = time.Duration(float64(delay) * pol.Factor)
		}
		if delay > pol.Cap {
			delay = pol.Cap
		}
	}
}
