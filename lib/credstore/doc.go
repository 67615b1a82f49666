// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

// Package credstore stores relay scope credentials at rest. Each
// scope's bundle (bearer token plus state encryption key) is sealed
// with age to a per-machine x25519 identity, so a leaked backup of
// the credentials directory is useless without the machine key.
//
// The machine identity lives alongside the bundles as a 0600 file and
// is generated on first use. Bundles are written atomically so a
// crash mid-write never leaves a torn file.
package credstore
