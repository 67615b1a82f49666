// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"fmt"

	"github.com/tether-foundation/tether/lib/codec"
	"github.com/tether-foundation/tether/lib/seal"
)

// ClientType distinguishes machine-scoped peers (the daemon) from
// session-scoped peers (an active agent session) in the handshake.
type ClientType string

const (
	ClientTypeMachine ClientType = "machine-scoped"
	ClientTypeSession ClientType = "session-scoped"
)

// Scope identifies one machine or session. A scope owns exactly one
// connection, one set of state slots, and one RPC handler table. The
// key is immutable for the lifetime of the scope.
type Scope struct {
	// ID is the opaque scope identifier assigned at pairing time.
	ID string

	// Key encrypts every payload exchanged under this scope.
	Key seal.Key

	// Variant selects the cipher for newly encoded payloads. Old
	// payloads decode by their own variant tag regardless.
	Variant seal.Variant

	// ClientType tags the handshake so the relay can route
	// machine-level and session-level traffic differently.
	ClientType ClientType
}

// Credentials authenticate the connection handshake.
type Credentials struct {
	// BearerToken is presented to the relay on every connect.
	BearerToken string
}

// Known state slot names. Each slot is synchronized independently and
// carries its own version counter.
const (
	// SlotMetadata holds human-facing display attributes (name,
	// platform, host).
	SlotMetadata = "metadata"

	// SlotDaemonState holds runtime facts about the daemon process:
	// pid, listening port, start time, status.
	SlotDaemonState = "daemonState"

	// SlotAgentState holds per-session request/approval state and
	// thinking flags.
	SlotAgentState = "agentState"
)

// Document is the decrypted value of a state slot. Consumers read a
// snapshot and must not mutate it in place; an [Updater] returns a
// replacement document instead.
type Document map[string]any

// Updater computes the next document from the previous one. It must
// be a pure function: the synchronizer re-invokes it against a fresh
// base after a version conflict, so side effects would be repeated.
// prev is nil when the slot has never held a value.
type Updater func(prev Document) Document

// Clone returns a deep-enough copy of d for an updater to modify
// freely: the top-level map is copied, nested values are shared.
// Updaters that replace nested values wholesale (the common case) can
// build on Clone; updaters that edit nested maps in place must copy
// those levels themselves.
func (d Document) Clone() Document {
	if d == nil {
		return Document{}
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// ToDocument converts a typed struct into a Document through the
// CBOR codec. Use at the boundary between typed daemon state and the
// schemaless slot documents.
func ToDocument(v any) (Document, error) {
	data, err := codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding document: %w", err)
	}
	var doc Document
	if err := codec.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding document: %w", err)
	}
	return doc, nil
}

// FromDocument converts a Document back into a typed struct through
// the CBOR codec.
func FromDocument(doc Document, out any) error {
	data, err := codec.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding document: %w", err)
	}
	if err := codec.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding document: %w", err)
	}
	return nil
}
