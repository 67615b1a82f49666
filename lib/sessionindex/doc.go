// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

// Package sessionindex tracks the sessions a machine has hosted, one
// record per working directory, so a returning client can resume the
// session for a project instead of spawning a duplicate.
//
// The index is a single JSON file written atomically on every change.
// Retention limits (record count and age) are applied on write, so
// the file stays bounded without a separate cleanup pass.
package sessionindex
