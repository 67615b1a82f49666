// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import "context"

// EventKind discriminates transport events.
type EventKind int

const (
	// EventConnected: the transport established a connection and sent
	// the handshake. Delivered once per (re)connect.
	EventConnected EventKind = iota

	// EventDisconnected: the connection dropped. The transport keeps
	// reconnecting on its own; this only reports the transition.
	EventDisconnected

	// EventFrame: an inbound frame from the relay.
	EventFrame
)

// Event is a connection transition or an inbound frame. All events
// for one transport are delivered through a single channel, so their
// relative order is the order things happened on the wire.
type Event struct {
	Kind  EventKind
	Frame *Frame
}

// Transport maintains the physical channel to the relay for one
// scope. Implementations own reconnection: after a drop they redial
// with their own bounded backoff until Run's context is cancelled.
// The Conn above them never redials.
//
// The production implementation is the websocket transport from
// [NewWebsocketTransport]; tests substitute an in-memory fake.
type Transport interface {
	// Run dials and services the connection until ctx is cancelled,
	// reconnecting after failures. It returns nil on cancellation.
	// Run must be called exactly once.
	Run(ctx context.Context) error

	// Events returns the channel of transitions and inbound frames.
	// The channel closes after Run returns.
	Events() <-chan Event

	// Send transmits one frame on the current connection. Returns
	// ErrNotConnected when there is none.
	Send(ctx context.Context, frame *Frame) error
}
