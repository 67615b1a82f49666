// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

// Package cache is a small TTL cache with an injectable clock.
// Tests control expiry by advancing a clock.FakeClock instead of
// sleeping. The daemon uses it for the model listing served over RPC,
// which is expensive to compute and changes rarely.
package cache

import (
	"sync"
	"time"

	"github.com/tether-foundation/tether/lib/clock"
)

// Cache maps keys to values with a fixed time-to-live per entry.
// Safe for concurrent use. Expired entries are evicted lazily on
// access; there is no background sweeper.
type Cache[K comparable, V any] struct {
	clk clock.Clock
	ttl time.Duration

	mu      sync.Mutex
	entries map[K]entry[V]
}

type entry[V any] struct {
	value   V
	expires time.Time
}

// New creates a cache whose entries expire ttl after they are stored.
// A nil clk defaults to the real clock.
func New[K comparable, V any](clk clock.Clock, ttl time.Duration) *Cache[K, V] {
	if clk == nil {
		clk = clock.Real()
	}
	return &Cache[K, V]{
		clk:     clk,
		ttl:     ttl,
		entries: make(map[K]entry[V]),
	}
}

// Get returns the live value for key. An expired entry is removed and
// reported as a miss.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if c.clk.Now().After(e.expires) {
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Put stores value under key, resetting its TTL.
func (c *Cache[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry[V]{
		value:   value,
		expires: c.clk.Now().Add(c.ttl),
	}
}

// Delete removes key if present.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len returns the number of stored entries, including any that have
// expired but not yet been evicted.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
