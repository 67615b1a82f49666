// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is tether's CBOR serialization layer. Every payload
// that crosses the relay boundary — state slot documents, RPC
// parameters and results, wire frame envelopes — is encoded here.
//
// Encoding uses Core Deterministic Encoding (RFC 8949 §4.2): sorted
// map keys, smallest integer forms, no indefinite-length items. The
// same logical value always produces identical bytes, which matters
// because slot documents are encrypted and the relay deduplicates
// submissions by ciphertext in some paths — a nondeterministic
// encoder would defeat that.
//
// Decoding accepts standard CBOR and silently ignores unknown struct
// fields, so an old daemon can decode documents written by a newer
// peer.
//
// Key exports: [Marshal], [Unmarshal], [RawMessage], [NewEncoder],
// [NewDecoder]. Consumers import only this package, never
// fxamacker/cbor directly.
package codec
