// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds channel helpers shared by tether's tests.
// Every blocking channel operation in a test goes through a helper
// with a timeout safety valve, so a bug hangs the one test instead of
// the whole run.
package testutil
