// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tether-foundation/tether/lib/codec"
	"github.com/tether-foundation/tether/lib/seal"
)

// Handler processes one inbound RPC call. params is the decrypted
// CBOR-encoded call parameters (nil when the caller sent none);
// decode them into a method-specific struct at the top of the
// handler so malformed calls fail fast with a clear error. The
// returned value is CBOR-encoded, encrypted, and sent back; a
// returned error (or a panic) becomes a structured error reply and
// never disturbs the connection.
type Handler func(ctx context.Context, params codec.RawMessage) (any, error)

// registry is the scope's method table plus the wire protocol for
// inbound calls. Handlers survive disconnects: the table is local,
// and the full announcement set is replayed to the relay on every
// connect.
type registry struct {
	scope  Scope
	link   link
	logger *slog.Logger

	mu        sync.Mutex
	methods   map[string]Handler
	order     []string
	announced bool
}

func newRegistry(scope Scope, lk link, logger *slog.Logger) *registry {
	return &registry{
		scope:   scope,
		link:    lk,
		logger:  logger,
		methods: make(map[string]Handler),
	}
}

// register stores a handler and, when connected, announces the
// method immediately. Registering an existing name replaces its
// handler in place; the announcement is repeated, which the relay
// treats as a no-op.
func (r *registry) register(ctx context.Context, method string, handler Handler) error {
	if method == "" {
		return fmt.Errorf("relay: method name is required")
	}
	if handler == nil {
		return fmt.Errorf("relay: handler for %q is required", method)
	}

	r.mu.Lock()
	if _, exists := r.methods[method]; !exists {
		r.order = append(r.order, method)
	}
	r.methods[method] = handler
	announced := r.announced
	r.mu.Unlock()

	if announced {
		r.announce(ctx, method, false)
	}
	return nil
}

// unregister removes a handler and, when connected, retracts the
// announcement. Unknown names are a no-op.
func (r *registry) unregister(ctx context.Context, method string) {
	r.mu.Lock()
	_, exists := r.methods[method]
	if exists {
		delete(r.methods, method)
		for i, name := range r.order {
			if name == method {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	announced := r.announced
	r.mu.Unlock()

	if exists && announced {
		r.announce(ctx, method, true)
	}
}

// onConnect replays every registered method to the relay. The relay
// is assumed to forget announcements between connections; replaying
// is idempotent, so a relay that does remember sees harmless
// duplicates and dispatches each call exactly once either way.
func (r *registry) onConnect(ctx context.Context) {
	r.mu.Lock()
	r.announced = true
	methods := append([]string(nil), r.order...)
	r.mu.Unlock()

	for _, method := range methods {
		r.announce(ctx, method, false)
	}
}

// onDisconnect marks the announcement set stale. Handlers stay
// registered locally.
func (r *registry) onDisconnect() {
	r.mu.Lock()
	r.announced = false
	r.mu.Unlock()
}

// announce sends one announce/retract frame. Failures are logged and
// dropped: the next connect replays the full set anyway.
func (r *registry) announce(ctx context.Context, method string, remove bool) {
	frame := &Frame{Type: FrameAnnounce, Announce: &Announce{
		ScopeID: r.scope.ID,
		Method:  method,
		Remove:  remove,
	}}
	if err := r.link.sendFrame(ctx, frame); err != nil {
		r.logger.Warn("method announcement failed",
			"method", method,
			"remove", remove,
			"error", err,
		)
	}
}

// dispatch handles one inbound call end to end: decrypt, invoke,
// encrypt the reply, send. Runs on its own goroutine per request.
func (r *registry) dispatch(ctx context.Context, request *RPCRequest) {
	reply := r.execute(ctx, request)

	ciphertext, err := seal.Encode(r.scope.Key, r.scope.Variant, reply)
	if err != nil {
		r.logger.Error("encrypting rpc reply failed",
			"method", request.Method,
			"error", err,
		)
		return
	}

	frame := &Frame{Type: FrameRPCResponse, RPCResponse: &RPCResponse{
		RequestID: request.RequestID,
		Result:    ciphertext,
	}}
	if err := r.link.sendFrame(ctx, frame); err != nil {
		r.logger.Warn("rpc reply send failed",
			"method", request.Method,
			"request_id", request.RequestID,
			"error", err,
		)
	}
}

// execute runs the handler and converts every failure mode — unknown
// method, undecodable params, handler error, handler panic — into a
// structured error reply.
func (r *registry) execute(ctx context.Context, request *RPCRequest) (reply rpcResult) {
	defer func() {
		if recovered := recover(); recovered != nil {
			r.logger.Error("rpc handler panicked",
				"method", request.Method,
				"panic", recovered,
			)
			reply = rpcResult{
				OK:    false,
				Code:  CodeHandlerFailed,
				Error: fmt.Sprintf("handler panicked: %v", recovered),
			}
		}
	}()

	r.mu.Lock()
	handler, ok := r.methods[request.Method]
	r.mu.Unlock()
	if !ok {
		return rpcResult{
			OK:    false,
			Code:  CodeUnknownMethod,
			Error: fmt.Sprintf("no handler registered for %q", request.Method),
		}
	}

	var params codec.RawMessage
	if len(request.Params) > 0 {
		if err := seal.Decode(r.scope.Key, request.Params, &params); err != nil {
			r.logger.Error("dropping undecodable rpc params",
				"method", request.Method,
				"error", err,
			)
			return rpcResult{
				OK:    false,
				Code:  CodeBadParams,
				Error: "parameters failed decryption",
			}
		}
	}

	result, err := handler(ctx, params)
	if err != nil {
		return rpcResult{
			OK:    false,
			Code:  CodeHandlerFailed,
			Error: err.Error(),
		}
	}

	reply = rpcResult{OK: true}
	if result != nil {
		data, err := codec.Marshal(result)
		if err != nil {
			return rpcResult{
				OK:    false,
				Code:  CodeHandlerFailed,
				Error: fmt.Sprintf("encoding result: %v", err),
			}
		}
		reply.Data = data
	}
	return reply
}
