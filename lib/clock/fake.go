// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock frozen at the given time. Nothing fires
// until Advance is called.
//
// FakeClock is safe for concurrent use.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{current: initial}
	c.changed = sync.NewCond(&c.mu)
	return c
}

// FakeClock is a deterministic Clock for tests. Time moves only on
// Advance. Timers, tickers, and sleeps registered through the Clock
// interface block until the clock passes their deadline.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	waiters []*waiter
	changed *sync.Cond
}

// waiter is a pending After, Sleep, or Ticker registration.
type waiter struct {
	deadline time.Time
	channel  chan time.Time

	// interval is non-zero for tickers; the waiter is rescheduled at
	// deadline + interval after each fire.
	interval time.Duration

	// stopped is set by Ticker.Stop; stopped waiters never fire.
	stopped bool
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After returns a channel that receives once the clock advances past
// the deadline. If d <= 0 the channel receives immediately.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.current
		return channel
	}

	c.waiters = append(c.waiters, &waiter{
		deadline: c.current.Add(d),
		channel:  channel,
	})
	c.changed.Broadcast()
	return channel
}

// NewTicker returns a Ticker that fires once per interval as the
// clock advances. Panics if d <= 0.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	w := &waiter{
		deadline: c.current.Add(d),
		channel:  channel,
		interval: d,
	}
	c.waiters = append(c.waiters, w)
	c.changed.Broadcast()

	return &Ticker{
		C: channel,
		stop: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			w.stopped = true
		},
		reset: func(d time.Duration) {
			c.mu.Lock()
			defer c.mu.Unlock()
			w.interval = d
			w.deadline = c.current.Add(d)
			w.stopped = false
		},
	}
}

// Sleep blocks the calling goroutine until the clock advances past
// the deadline. Returns immediately if d <= 0.
func (c *FakeClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-c.After(d)
}

// Advance moves the clock forward by d and fires every waiter whose
// deadline falls within the new time, in deadline order. Channel
// sends are non-blocking (a full ticker channel drops the tick,
// matching time.Ticker). Tickers spanning multiple intervals fire
// once per interval.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	target := c.current
	c.mu.Unlock()

	for {
		expired := c.takeExpired(target)
		if len(expired) == 0 {
			return
		}
		sort.Slice(expired, func(i, j int) bool {
			return expired[i].deadline.Before(expired[j].deadline)
		})
		for _, w := range expired {
			select {
			case w.channel <- target:
			default:
			}
		}
	}
}

// takeExpired removes due waiters from the pending list, rescheduling
// tickers for their next interval, and returns the waiters to fire.
func (c *FakeClock) takeExpired(target time.Time) []*waiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	var fire, keep []*waiter
	for _, w := range c.waiters {
		if w.stopped {
			continue
		}
		if !w.deadline.After(target) {
			fire = append(fire, w)
		} else {
			keep = append(keep, w)
		}
	}
	for _, w := range fire {
		if w.interval > 0 {
			w.deadline = w.deadline.Add(w.interval)
			keep = append(keep, w)
		}
	}
	c.waiters = keep
	return fire
}

// WaitForTimers blocks until at least n waiters are pending. Use this
// to eliminate the race between a goroutine registering a timer and
// the test advancing the clock:
//
//	go func() { fake.Sleep(5 * time.Second) }()
//	fake.WaitForTimers(1)
//	fake.Advance(5 * time.Second)
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pendingLocked() < n {
		c.changed.Wait()
	}
}

// PendingCount returns the number of active pending waiters.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingLocked()
}

func (c *FakeClock) pendingLocked() int {
	count := 0
	for _, w := range c.waiters {
		if !w.stopped {
			count++
		}
	}
	return count
}
