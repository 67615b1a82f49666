// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

// Package seal provides the authenticated symmetric encryption used
// for every opaque payload that crosses the relay: state slot
// documents, RPC parameters, and RPC results. The relay and any
// intermediate infrastructure only ever see ciphertext; plaintext
// exists at the two endpoints that hold the scope key.
//
// Each scope (a machine or a session) holds one 32-byte key and a
// cipher [Variant]. The variant is also recorded in the first byte of
// every ciphertext, so [Decode] dispatches on the blob itself rather
// than the scope's current configuration — a scope migrated to a new
// cipher still decodes documents written under the old one.
//
// Values are CBOR-encoded (lib/codec) and zstd-compressed when large
// before encryption. Tampering with ciphertext fails AEAD
// authentication and surfaces as a decode error wrapping [ErrAuth];
// it is never silently treated as an empty or corrupted value.
//
// Key exports:
//
//   - [Encode] / [Decode] -- value <-> ciphertext for a scope key
//   - [Variant] -- cipher selector (AES-256-GCM legacy, XChaCha20-Poly1305 current)
//   - [Key], [ParseKey] -- the 32-byte scope key
//   - [Key.Fingerprint] -- non-secret blake3 key fingerprint for the handshake
package seal
