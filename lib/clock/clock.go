// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock is the time source injected into every tether component that
// schedules work. Real() is the production implementation; Fake()
// gives tests deterministic control.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once
	// duration d has elapsed. If d <= 0 the channel receives
	// immediately.
	After(d time.Duration) <-chan time.Time

	// NewTicker returns a Ticker delivering ticks on its C channel
	// every d. Panics if d <= 0, matching time.NewTicker.
	NewTicker(d time.Duration) *Ticker

	// Sleep pauses the calling goroutine for at least d.
	Sleep(d time.Duration)
}

// Ticker delivers periodic ticks on C. Call Stop when done. The C
// channel has capacity 1 (matching time.Ticker): if the consumer
// falls behind, ticks are dropped, not queued.
type Ticker struct {
	C <-chan time.Time

	stop  func()
	reset func(time.Duration)
}

// Stop turns the ticker off. No ticks arrive on C after Stop returns.
// Stop does not close C.
func (t *Ticker) Stop() { t.stop() }

// Reset changes the interval and restarts the tick cycle; the next
// tick arrives after the new duration.
func (t *Ticker) Reset(d time.Duration) { t.reset(d) }
