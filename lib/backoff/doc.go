// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

// Package backoff runs operations that are expected to eventually
// succeed: state slot submissions racing other writers, announcements
// against a relay that is briefly unreachable.
//
// [Retry] retries an operation with capped exponential backoff until
// it returns nil, the context is cancelled, or the operation reports
// a permanent failure via [Permanent]. There is no attempt limit —
// the caller bounds the retry through its context.
//
// [Once] is the shutdown-path variant: a single attempt raced against
// a timeout, returning whether the attempt finished in time. It never
// retries and never blocks past its budget, so process exit cannot
// hang on a dead relay.
package backoff
