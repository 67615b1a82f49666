// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package backoff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/tether-foundation/tether/lib/clock"
)

// Backoff curve: 500ms, 1s, 2s, 4s, then 5s forever, each delay
// jittered ±20%. The cap keeps worst-case mutation latency after a
// relay recovery to a few seconds; the jitter avoids lockstep
// resubmission when many sessions share a machine.
const (
	baseDelay = 500 * time.Millisecond
	maxDelay  = 5 * time.Second
)

// permanentError marks an error that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so Retry stops immediately and returns it.
// Use for caller-misuse failures (unknown slot, invalid parameters)
// where retrying cannot help.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retry calls op until it returns nil. Failed attempts are logged at
// debug level and retried after a capped exponential delay. Retry
// returns non-nil only when ctx is cancelled (the context error) or
// op returns an error wrapped by [Permanent] (the unwrapped error).
//
// op observes ctx and should return promptly once it is cancelled.
func Retry(ctx context.Context, clk clock.Clock, logger *slog.Logger, name string, op func(ctx context.Context) error) error {
	if logger == nil {
		logger = slog.Default()
	}

	delay := baseDelay
	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}

		var permanent *permanentError
		if errors.As(err, &permanent) {
			return permanent.err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", name, ctx.Err())
		}

		logger.Debug("operation failed, retrying",
			"operation", name,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", name, ctx.Err())
		case <-clk.After(jitter(delay)):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// Once runs a single attempt of op raced against timeout. Returns
// true if op completed without error before the deadline. The
// operation's context is cancelled when the deadline passes, but Once
// does not wait for op to notice — it returns false immediately.
func Once(ctx context.Context, clk clock.Clock, timeout time.Duration, op func(ctx context.Context) error) bool {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- op(attemptCtx)
	}()

	select {
	case err := <-done:
		return err == nil
	case <-clk.After(timeout):
		return false
	case <-ctx.Done():
		return false
	}
}

// jitter spreads d by ±20%.
func jitter(d time.Duration) time.Duration {
	spread := float64(d) * 0.2
	return d + time.Duration((rand.Float64()*2-1)*spread)
}
