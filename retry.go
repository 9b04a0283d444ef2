package pkgmessage

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
)

// IsFatalFunc classifies an error as non-retriable. Adapters decide what
// is fatal for their broker (schema mismatch, unauthorized, bad request).
type IsFatalFunc func(error) bool

// AutoRetry is the C4 retry/reconnect harness: attempt operate against a
// target factory produces, up to retries+1 times total.
//
// On a non-fatal failure with attempts remaining: close the stale target
// (best-effort, errors swallowed), let the backoff sleep retryDelay,
// reconnect, then ask factory for a fresh target so a stale handle from
// the previous connection is never reused, per §4.4.
//
// An error classified fatal by isFatal, or any error on the final
// attempt, is returned immediately without a further close/sleep/
// reconnect cycle.
func AutoRetry[T any](
	ctx context.Context,
	factory func() (T, error),
	retries int,
	retryDelay time.Duration,
	operate func(context.Context, T) error,
	closeFn func(T) error,
	connectFn func(context.Context, T) error,
	isFatal IsFatalFunc,
) error {
	if retries < 0 {
		retries = 0
	}
	if retryDelay < time.Second {
		retryDelay = time.Second
	}

	backoff := retry.WithMaxRetries(uint64(retries), retry.NewConstant(retryDelay))

	var last T
	needsReconnect := false
	attempt := 0

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if needsReconnect && connectFn != nil {
			if cerr := connectFn(ctx, last); cerr != nil {
				return retry.RetryableError(cerr)
			}
		}
		needsReconnect = false

		target, err := factory()
		if err != nil {
			return wrapForRetry(err, isFatal)
		}
		last = target

		if err := operate(ctx, target); err != nil {
			if isFatal != nil && isFatal(err) {
				return err
			}
			if attempt > retries {
				return err
			}
			_ = closeFn(target)
			needsReconnect = true
			return retry.RetryableError(err)
		}
		return nil
	})
}

func wrapForRetry(err error, isFatal IsFatalFunc) error {
	if err == nil {
		return nil
	}
	if isFatal != nil && isFatal(err) {
		return err
	}
	return retry.RetryableError(err)
}

// ClassifyFatal builds an IsFatalFunc that always treats context
// cancellation/deadline-exceeded as fatal, delegating everything else to
// the supplied broker-specific classifier.
func ClassifyFatal(classify func(error) bool) IsFatalFunc {
	return func(err error) bool {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return true
		}
		if classify == nil {
			return false
		}
		return classify(err)
	}
}
