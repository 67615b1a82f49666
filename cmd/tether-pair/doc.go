// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

// Command tether-pair manages the sealed scope credentials used by
// tether-daemon: pairing a machine scope (bearer token plus state
// key), listing and removing paired scopes, and printing the machine
// public key.
package main
