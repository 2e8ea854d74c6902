package mqclient

import (
	"context"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	// DefaultRetries is the number of additional attempts after the first
	// failure, so the default budget is three attempts total.
	DefaultRetries = 2

	// DefaultRetryDelay is the pause between attempts.
	DefaultRetryDelay = 1 * time.Second
)

// retrier applies the shared retry/backoff policy to adapter calls that may
// fail transiently (connect, publish, ack, nack). Message fetches are never
// retried: their timeout is a flow-control signal.
//
// Only errors an adapter marks with retry.RetryableError are retried;
// configuration and authorization errors propagate immediately. When the
// attempt budget is exhausted the last underlying error is surfaced.
type retrier struct {
	retries     uint64
	delay       time.Duration
	exponential bool
}

func (r retrier) backoff() retry.Backoff {
	delay := r.delay
	if delay <= 0 {
		delay = DefaultRetryDelay
	}

	var b retry.Backoff
	if r.exponential {
		b = retry.NewExponential(delay)
	} else {
		b = retry.NewConstant(delay)
	}
	return retry.WithMaxRetries(r.retries, b)
}

// do runs fn under the retry policy. Before every attempt after the first,
// reset (when non-nil) tears down and re-establishes the session; the
// previous failure may have been a dead connection.
func (r retrier) do(ctx context.Context, op string, reset func(context.Context) error, fn func(context.Context) error) error {
	attempt := 0
	return retry.Do(ctx, r.backoff(), func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			slog.InfoContext(ctx, "retrying operation", "op", op, "attempt", attempt)
			if reset != nil {
				if err := reset(ctx); err != nil {
					slog.WarnContext(ctx, "session reset before retry failed", "op", op, "error", err)
				}
			}
		}

		err := fn(ctx)
		if err != nil {
			slog.DebugContext(ctx, "operation failed", "op", op, "attempt", attempt, "error", err)
		}
		return err
	})
}

// resetterFor returns a reset hook when the session supports reconnecting.
func resetterFor(session any) func(context.Context) error {
	rc, ok := session.(reconnector)
	if !ok {
		return nil
	}
	return rc.reconnect
}
