// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package backoff

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tether-foundation/tether/lib/clock"
	"github.com/tether-foundation/tether/lib/testutil"
)

func TestRetrySucceedsAfterFailures(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	var attempts atomic.Int32
	result := make(chan error, 1)

	go func() {
		result <- Retry(context.Background(), fake, nil, "test-op", func(context.Context) error {
			if attempts.Add(1) < 4 {
				return errors.New("transient")
			}
			return nil
		})
	}()

	// Three failures, three backoff waits. Each delay is at most
	// 1.2 * maxDelay with jitter, so advancing well past that always
	// fires the pending timer.
	for i := 0; i < 3; i++ {
		fake.WaitForTimers(1)
		fake.Advance(10 * time.Second)
	}

	if err := testutil.RequireReceive(t, result, 5*time.Second, "retry result"); err != nil {
		t.Fatalf("Retry returned %v", err)
	}
	if got := attempts.Load(); got != 4 {
		t.Errorf("attempts = %d, want 4", got)
	}
}

func TestRetryStopsOnPermanent(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	cause := errors.New("unknown slot")
	var attempts atomic.Int32

	err := Retry(context.Background(), fake, nil, "test-op", func(context.Context) error {
		attempts.Add(1)
		return Permanent(fmt.Errorf("rejected: %w", cause))
	})
	if err == nil {
		t.Fatal("Retry returned nil for permanent error")
	}
	if !errors.Is(err, cause) {
		t.Errorf("error = %v, want wrap of %v", err, cause)
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1 (no retry on permanent)", got)
	}
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)

	go func() {
		result <- Retry(ctx, fake, nil, "test-op", func(context.Context) error {
			return errors.New("always failing")
		})
	}()

	fake.WaitForTimers(1)
	cancel()

	err := testutil.RequireReceive(t, result, 5*time.Second, "retry result after cancel")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestPermanentNil(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) != nil")
	}
}

func TestOnceSuccess(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	ok := Once(context.Background(), fake, time.Second, func(context.Context) error {
		return nil
	})
	if !ok {
		t.Error("Once = false for immediate success")
	}
}

func TestOnceFailureIsNotRetried(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	var attempts atomic.Int32
	ok := Once(context.Background(), fake, time.Second, func(context.Context) error {
		attempts.Add(1)
		return errors.New("relay unreachable")
	})
	if ok {
		t.Error("Once = true for failed attempt")
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
}

func TestOnceTimesOut(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	started := make(chan struct{})
	block := make(chan struct{})
	defer close(block)

	result := make(chan bool, 1)
	go func() {
		result <- Once(context.Background(), fake, 2*time.Second, func(ctx context.Context) error {
			close(started)
			<-block
			return nil
		})
	}()

	testutil.RequireClosed(t, started, 5*time.Second, "attempt started")
	// Once's deadline timer plus nothing else is pending.
	fake.WaitForTimers(1)
	fake.Advance(2 * time.Second)

	if ok := testutil.RequireReceive(t, result, 5*time.Second, "once result"); ok {
		t.Error("Once = true after timeout")
	}
}
