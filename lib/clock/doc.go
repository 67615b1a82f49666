// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for testability. Production code
// injects [Real]; tests inject [Fake] and advance time explicitly, so
// keep-alive intervals, retry backoff, and cache expiry are all
// testable without real sleeps.
//
// Any tether code that would call time.Now, time.After, time.NewTicker,
// or time.Sleep takes a [Clock] instead (usually as a field on its
// config struct, defaulting to Real when nil).
//
// Key exports:
//
//   - [Clock] -- the interface (Now, After, NewTicker, Sleep)
//   - [Real] -- backed by the time package
//   - [Fake] -- deterministic clock with Advance and WaitForTimers
package clock
