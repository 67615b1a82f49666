// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

// Package relay is tether's client-side synchronization and RPC layer.
// A long-running local process (the daemon, or an active agent
// session) uses it to stay mirrored with the cloud relay and to
// expose callable operations to other connected clients, such as a
// mobile controller.
//
// The package provides one central type. [Conn] owns the persistent
// connection for a single [Scope] (a machine or a session): it runs
// the connect/reconnect state machine, emits a keep-alive while
// connected, and fans inbound relay traffic out to the two components
// it embeds — a versioned state synchronizer and an RPC handler
// registry.
//
// State lives in named slots ([SlotMetadata], [SlotDaemonState],
// [SlotAgentState]), each an encrypted document with a server-assigned
// monotonic version. Mutations are pure functions over the previous
// document: [Conn.Mutate] applies the updater, submits the encrypted
// result with the expected version, and on a version-mismatch adopts
// the relay's authoritative document and retries against the fresh
// base. While disconnected, mutations apply to the local mirror
// immediately and are flushed in order on reconnect. The relay is the
// sole version authority; a slot's version never decreases.
//
// RPC handlers are registered with [Conn.RegisterHandler] and
// announced to the relay so peers can discover them. The announcement
// set is replayed on every reconnect — the relay is assumed to forget
// per-connection registrations, which is the safe assumption for a
// relay serving many short-lived daemon restarts. Inbound calls are
// decrypted, dispatched, and answered with an encrypted result or a
// structured error; a handler error or panic never takes down the
// connection.
//
// All payloads that cross the wire are encrypted with the scope key
// (lib/seal). The transport ([Transport], normally the websocket
// implementation from [NewWebsocketTransport]) only ever sees opaque
// ciphertext inside small plaintext envelopes: ids, slot names,
// method names, version numbers.
package relay
