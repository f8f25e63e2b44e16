package client

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/layer-3/wcsap/core"
	"github.com/sethvargo/go-retry"
)

// RetryPolicy bounds retries of transport failures
type RetryPolicy struct {
	Attempts int           // total attempts including the first
	Step     time.Duration // the n-th retry waits n*Step
}

// DefaultRetryPolicy makes three attempts with linear backoff
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Step: 500 * time.Millisecond}
}

func (p RetryPolicy) backoff() retry.Backoff {
	var n atomic.Int64
	linear := retry.BackoffFunc(func() (time.Duration, bool) {
		return time.Duration(n.Add(1)) * p.Step, false
	})

	retries := uint64(0)
	if p.Attempts > 1 {
		retries = uint64(p.Attempts - 1)
	}
	return retry.WithMaxRetries(retries, linear)
}

// withRetry runs call under the policy. Only transport failures are retried.
func withRetry[T any](ctx context.Context, p RetryPolicy, call func(ctx context.Context) (T, error)) (T, error) {
	return retry.DoValue(ctx, p.backoff(), func(ctx context.Context) (T, error) {
		v, err := call(ctx)
		if err != nil && core.Retryable(err) {
			return v, retry.RetryableError(err)
		}
		return v, err
	})
}
