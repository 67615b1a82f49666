// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

// Tether-daemon is the per-machine background process. It holds the
// machine's relay connection open, publishes daemon state (pid,
// version, hosted sessions) to the machine scope, and answers remote
// procedure calls from the user's other clients: spawning and
// stopping sessions, listing the session index, and serving the model
// catalog.
//
// The daemon owns no secrets beyond its own credential store: scope
// bundles are sealed to the machine key on disk, and slot documents
// are encrypted before they reach the relay.
package main
