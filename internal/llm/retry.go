package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RetryPolicy bounds attempts and per-attempt time for provider calls.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
	// Timeout applies to each attempt separately.
	Timeout time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Backoff: 500 * time.Millisecond, MaxBackoff: 10 * time.Second, Timeout: 30 * time.Second}
}

// Complete calls c, retrying timeouts and temporary provider errors with
// exponential backoff. Other errors are returned immediately.
func (p RetryPolicy) Complete(ctx context.Context, c Completer, req Request) (string, error) {
	attempts := max(p.MaxAttempts, 1)

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, p.delay(attempt)); err != nil {
				return "", fmt.Errorf("retry wait: %w (last error: %v)", err, lastErr)
			}
		}

		out, err := p.attempt(ctx, c, req)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !IsTransient(err) || ctx.Err() != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}

func (p RetryPolicy) attempt(ctx context.Context, c Completer, req Request) (string, error) {
	callCtx := ctx
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	out, err := c.Complete(callCtx, req)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return "", fmt.Errorf("%w after %s: %v", ErrProviderTimeout, p.Timeout, err)
	}
	return out, err
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.Backoff << (attempt - 1)
	if p.MaxBackoff > 0 && (d > p.MaxBackoff || d <= 0) {
		d = p.MaxBackoff
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Structured completes req and hands the output to decode. When decode
// reports a ParseError the malformed output is discarded and one fresh call
// is made; its result is final.
func (p RetryPolicy) Structured(ctx context.Context, c Completer, req Request, decode func(raw string) error) error {
	var err error
	for call := 0; call < 2; call++ {
		var raw string
		raw, err = p.Complete(ctx, c, req)
		if err != nil {
			return err
		}
		err = decode(raw)
		if err == nil || !IsParseError(err) {
			return err
		}
	}
	return err
}
