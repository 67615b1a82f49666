// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"errors"
	"fmt"
)

// Caller-misuse errors, raised synchronously at the call site and
// never retried.
var (
	// ErrClosed is returned by operations on a Conn after Shutdown.
	ErrClosed = errors.New("relay: connection is shut down")

	// ErrNotConnected is returned by Send when the transport has no
	// live connection.
	ErrNotConnected = errors.New("relay: not connected")

	// ErrUnknownSlot is returned by Mutate for a slot name that was
	// never registered.
	ErrUnknownSlot = errors.New("relay: unknown slot")
)

// RPC error codes carried in encrypted error replies. Stable wire
// strings: remote callers match on them.
const (
	// CodeUnknownMethod: no handler is registered under the method
	// name.
	CodeUnknownMethod = "unknown-method"

	// CodeBadParams: the params payload failed decryption or
	// decoding.
	CodeBadParams = "bad-params"

	// CodeHandlerFailed: the handler returned an error or panicked.
	CodeHandlerFailed = "handler-failed"
)

// RPCError is the caller-visible form of a failed RPC reply.
type RPCError struct {
	Method  string
	Code    string
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc %q failed (%s): %s", e.Method, e.Code, e.Message)
}
