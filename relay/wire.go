// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package relay

// Wire envelopes exchanged with the relay. Envelopes are plaintext
// CBOR; every application payload inside them (slot documents, RPC
// parameters and results) is lib/seal ciphertext. The relay routes on
// envelope fields and never holds a scope key.

// FrameType discriminates the Frame union.
type FrameType string

const (
	// FrameHello is the first client frame after the transport
	// connects: credentials, scope identity, and the key fingerprint.
	FrameHello FrameType = "hello"

	// FrameKeepAlive is the periodic liveness signal sent while
	// connected.
	FrameKeepAlive FrameType = "keep-alive"

	// FrameSubmit asks the relay to replace a slot's document,
	// conditional on the expected version.
	FrameSubmit FrameType = "submit"

	// FrameSubmitResult acknowledges a submit: success with the new
	// version, or a version mismatch carrying the authoritative
	// document.
	FrameSubmitResult FrameType = "submit-result"

	// FrameAnnounce advertises an RPC method as callable (or retracts
	// it). Announcements are idempotent on the relay side.
	FrameAnnounce FrameType = "announce"

	// FrameRPCRequest is an inbound call from another client of the
	// same scope.
	FrameRPCRequest FrameType = "rpc-request"

	// FrameRPCResponse answers an rpc-request.
	FrameRPCResponse FrameType = "rpc-response"

	// FrameUpdate is a relay push: another actor changed a slot.
	FrameUpdate FrameType = "update"
)

// Frame is the tagged union carried on the wire. Exactly one payload
// field matching Type is set.
type Frame struct {
	Type FrameType `cbor:"type"`

	Hello        *Hello        `cbor:"hello,omitempty"`
	KeepAlive    *KeepAlive    `cbor:"keep_alive,omitempty"`
	Submit       *Submit       `cbor:"submit,omitempty"`
	SubmitResult *SubmitResult `cbor:"submit_result,omitempty"`
	Announce     *Announce     `cbor:"announce,omitempty"`
	RPCRequest   *RPCRequest   `cbor:"rpc_request,omitempty"`
	RPCResponse  *RPCResponse  `cbor:"rpc_response,omitempty"`
	Update       *Update       `cbor:"update,omitempty"`
}

// Hello carries the authenticated handshake.
type Hello struct {
	Token      string     `cbor:"token"`
	ScopeID    string     `cbor:"scope_id"`
	ClientType ClientType `cbor:"client_type"`

	// KeyFingerprint lets the relay reject a client holding a stale
	// scope key before any ciphertext is exchanged. Non-secret.
	KeyFingerprint string `cbor:"key_fingerprint"`
}

// KeepAlive is the liveness ping, sent every keep-alive interval
// while connected.
type KeepAlive struct {
	ScopeID string `cbor:"scope_id"`

	// Timestamp is the sender's clock in unix milliseconds.
	Timestamp int64 `cbor:"timestamp"`
}

// Submit proposes a new encrypted document for a slot.
type Submit struct {
	RequestID string `cbor:"request_id"`
	ScopeID   string `cbor:"scope_id"`
	Slot      string `cbor:"slot"`

	// ExpectedVersion is the version this submission was computed
	// against. The relay rejects the submission with a mismatch
	// result if its current version differs.
	ExpectedVersion int64 `cbor:"expected_version"`

	Ciphertext []byte `cbor:"ciphertext"`
}

// SubmitResult acknowledges a Submit.
type SubmitResult struct {
	RequestID string `cbor:"request_id"`

	// OK reports acceptance. False means version mismatch.
	OK bool `cbor:"ok"`

	// Version is the relay's current version for the slot: the newly
	// assigned version on success, the conflicting version on
	// mismatch.
	Version int64 `cbor:"version"`

	// Ciphertext is the relay's authoritative document at Version.
	// The client adopts it in both cases — on success another actor
	// may already have written between submission and acknowledgment
	// of an unrelated slot, and on mismatch it is the new base for
	// the retried updater.
	Ciphertext []byte `cbor:"ciphertext"`
}

// Announce advertises or retracts an RPC method.
type Announce struct {
	ScopeID string `cbor:"scope_id"`
	Method  string `cbor:"method"`

	// Remove retracts the announcement instead of adding it.
	Remove bool `cbor:"remove,omitempty"`
}

// RPCRequest is an inbound call dispatched to a registered handler.
type RPCRequest struct {
	RequestID string `cbor:"request_id"`
	ScopeID   string `cbor:"scope_id"`
	Method    string `cbor:"method"`

	// Params is seal ciphertext of the CBOR-encoded call parameters.
	Params []byte `cbor:"params"`
}

// RPCResponse answers an RPCRequest. Result is seal ciphertext of an
// rpcResult envelope, so even error replies are opaque to the relay.
type RPCResponse struct {
	RequestID string `cbor:"request_id"`
	Result    []byte `cbor:"result"`
}

// Update pushes another actor's accepted write for a slot.
type Update struct {
	ScopeID    string `cbor:"scope_id"`
	Slot       string `cbor:"slot"`
	Version    int64  `cbor:"version"`
	Ciphertext []byte `cbor:"ciphertext"`
}

// rpcResult is the encrypted reply envelope for RPC calls. Exactly
// one of Data (ok) or Code/Error (failure) is meaningful.
type rpcResult struct {
	OK    bool   `cbor:"ok"`
	Code  string `cbor:"code,omitempty"`
	Error string `cbor:"error,omitempty"`
	Data  []byte `cbor:"data,omitempty"`
}
