// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tether-foundation/tether/lib/clock"
)

// State is the connection lifecycle state visible to consumers (UI
// status indicators, session logic).
type State string

const (
	// StateDisconnected: created but not yet running.
	StateDisconnected State = "disconnected"

	// StateConnecting: the transport is dialing or waiting out its
	// reconnect backoff.
	StateConnecting State = "connecting"

	// StateConnected: handshake sent, keep-alive running.
	StateConnected State = "connected"

	// StateClosed: Shutdown was called; terminal.
	StateClosed State = "closed"
)

// DefaultKeepAliveInterval spaces the application-level liveness
// signal sent while connected.
const DefaultKeepAliveInterval = 20 * time.Second

// Config configures a Conn.
type Config struct {
	// Scope identifies and keys this connection. Required.
	Scope Scope

	// Credentials authenticate the handshake. Required unless a
	// custom Transport is supplied.
	Credentials Credentials

	// URL is the relay websocket endpoint. Required unless a custom
	// Transport is supplied.
	URL string

	// Transport overrides the websocket transport. Tests use this to
	// substitute an in-memory relay.
	Transport Transport

	// Slots names the state slots this scope synchronizes, in flush
	// order. Defaults to metadata, daemonState, agentState.
	Slots []string

	// KeepAliveInterval defaults to DefaultKeepAliveInterval.
	KeepAliveInterval time.Duration

	// SnapshotSlot and Snapshot, when set, push a state snapshot on
	// every connect: the updater is applied to SnapshotSlot so the
	// relay's copy reflects the current process (pid, start time)
	// rather than a stale snapshot from a previous process reusing
	// this scope id.
	SnapshotSlot string
	Snapshot     Updater

	// OnStateChange observes lifecycle transitions. Invoked from the
	// connection's event goroutine; must not block.
	OnStateChange func(State)

	// Clock defaults to the real clock.
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Conn is the connection handle for one scope: the lifecycle state
// machine, the keep-alive, and the routing of inbound traffic to the
// embedded synchronizer and RPC registry. Create with NewConn, start
// with Run, stop with Shutdown.
type Conn struct {
	scope     Scope
	transport Transport
	sync      *synchronizer
	registry  *registry
	clk       clock.Clock
	logger    *slog.Logger

	keepAliveInterval time.Duration
	snapshotSlot      string
	snapshot          Updater
	onStateChange     func(State)

	stateMu sync.RWMutex
	state   State

	shutdownOnce sync.Once
	shutdown     chan struct{}
	done         chan struct{}
}

// NewConn builds the connection for one scope. The returned Conn is
// inert until Run is called.
func NewConn(cfg Config) (*Conn, error) {
	if cfg.Scope.ID == "" {
		return nil, fmt.Errorf("relay: scope ID is required")
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("scope", cfg.Scope.ID)

	transport := cfg.Transport
	if transport == nil {
		var err error
		transport, err = NewWebsocketTransport(WebsocketConfig{
			URL: cfg.URL,
			Hello: Hello{
				Token:          cfg.Credentials.BearerToken,
				ScopeID:        cfg.Scope.ID,
				ClientType:     cfg.Scope.ClientType,
				KeyFingerprint: cfg.Scope.Key.Fingerprint(),
			},
			Clock:  clk,
			Logger: logger,
		})
		if err != nil {
			return nil, err
		}
	}

	slots := cfg.Slots
	if len(slots) == 0 {
		slots = []string{SlotMetadata, SlotDaemonState, SlotAgentState}
	}

	interval := cfg.KeepAliveInterval
	if interval <= 0 {
		interval = DefaultKeepAliveInterval
	}

	c := &Conn{
		scope:             cfg.Scope,
		transport:         transport,
		clk:               clk,
		logger:            logger,
		keepAliveInterval: interval,
		snapshotSlot:      cfg.SnapshotSlot,
		snapshot:          cfg.Snapshot,
		onStateChange:     cfg.OnStateChange,
		state:             StateDisconnected,
		shutdown:          make(chan struct{}),
		done:              make(chan struct{}),
	}
	c.sync = newSynchronizer(cfg.Scope, c, slots, clk, logger)
	c.registry = newRegistry(cfg.Scope, c, logger)
	return c, nil
}

// Run drives the connection until ctx is cancelled or Shutdown is
// called. It owns the event loop: transport transitions, inbound
// frames, and keep-alive ticks are all serviced here, one at a time,
// so their relative order is auditable.
func (c *Conn) Run(ctx context.Context) error {
	defer close(c.done)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.shutdown:
			cancel()
		case <-runCtx.Done():
		}
	}()

	transportDone := make(chan error, 1)
	go func() {
		transportDone <- c.transport.Run(runCtx)
	}()

	c.setState(StateConnecting)

	var keepAlive *clock.Ticker
	stopKeepAlive := func() {
		if keepAlive != nil {
			keepAlive.Stop()
			keepAlive = nil
		}
	}
	defer stopKeepAlive()

	for {
		var tick <-chan time.Time
		if keepAlive != nil {
			tick = keepAlive.C
		}

		select {
		case <-runCtx.Done():
			c.finish()
			<-transportDone
			return nil

		case event, ok := <-c.transport.Events():
			if !ok {
				c.finish()
				return <-transportDone
			}
			switch event.Kind {
			case EventConnected:
				c.setState(StateConnected)
				c.logger.Info("relay connected")
				// Connect sequence: snapshot push, keep-alive,
				// announcement replay, offline flush.
				if c.snapshot != nil && c.snapshotSlot != "" {
					c.sync.mutateAsync(c.snapshotSlot, c.snapshot)
				}
				stopKeepAlive()
				keepAlive = c.clk.NewTicker(c.keepAliveInterval)
				c.registry.onConnect(runCtx)
				c.sync.flushDirty()

			case EventDisconnected:
				stopKeepAlive()
				c.registry.onDisconnect()
				c.sync.failPending()
				c.setState(StateConnecting)
				c.logger.Info("relay disconnected, transport reconnecting")

			case EventFrame:
				c.route(runCtx, event.Frame)
			}

		case <-tick:
			c.sendKeepAlive(runCtx)
		}
	}
}

// route fans one inbound frame out to the owning component. Only
// frames addressed to this scope are applied.
func (c *Conn) route(ctx context.Context, frame *Frame) {
	switch frame.Type {
	case FrameSubmitResult:
		if frame.SubmitResult == nil {
			c.logger.Error("submit-result frame without payload")
			return
		}
		c.sync.handleSubmitResult(frame.SubmitResult)

	case FrameUpdate:
		if frame.Update == nil {
			c.logger.Error("update frame without payload")
			return
		}
		if frame.Update.ScopeID != c.scope.ID {
			return
		}
		c.sync.handleUpdate(frame.Update)

	case FrameRPCRequest:
		if frame.RPCRequest == nil {
			c.logger.Error("rpc-request frame without payload")
			return
		}
		if frame.RPCRequest.ScopeID != c.scope.ID {
			return
		}
		// Handlers may be slow; never stall the event loop on them.
		go c.registry.dispatch(ctx, frame.RPCRequest)

	case FrameKeepAlive:
		// Relay keep-alive echo; nothing to do.

	default:
		c.logger.Debug("ignoring unexpected frame", "type", frame.Type)
	}
}

func (c *Conn) sendKeepAlive(ctx context.Context) {
	frame := &Frame{Type: FrameKeepAlive, KeepAlive: &KeepAlive{
		ScopeID:   c.scope.ID,
		Timestamp: c.clk.Now().UnixMilli(),
	}}
	if err := c.sendFrame(ctx, frame); err != nil {
		// The transport will notice the dead connection on its own;
		// a failed keep-alive is not worth more than a log line.
		c.logger.Debug("keep-alive send failed", "error", err)
	}
}

// finish moves the state machine to its terminal state and stops the
// slot workers.
func (c *Conn) finish() {
	c.sync.close()
	c.registry.onDisconnect()
	c.setState(StateClosed)
}

// Shutdown closes the connection permanently: the transport is torn
// down and no reconnection is attempted. Blocks until the event loop
// has exited. Safe to call more than once.
func (c *Conn) Shutdown() {
	c.shutdownOnce.Do(func() {
		close(c.shutdown)
	})
	<-c.done
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

func (c *Conn) setState(state State) {
	c.stateMu.Lock()
	if c.state == StateClosed {
		c.stateMu.Unlock()
		return
	}
	changed := c.state != state
	c.state = state
	c.stateMu.Unlock()
	if changed && c.onStateChange != nil {
		c.onStateChange(state)
	}
}

// Mutate applies a pure updater to a slot and returns once the
// mutation is acknowledged by the relay or, while disconnected,
// applied to the local mirror for a later flush. Conflicts and
// transport drops are absorbed; the error is only ctx cancellation
// or caller misuse.
func (c *Conn) Mutate(ctx context.Context, slot string, updater Updater) error {
	return c.sync.mutate(ctx, slot, updater)
}

// MutateOnce is the shutdown-safe variant: a single submission
// attempt raced against timeout, reporting whether the relay
// confirmed the write. Use on exit paths that must not hang.
func (c *Conn) MutateOnce(ctx context.Context, slot string, updater Updater, timeout time.Duration) (bool, error) {
	return c.sync.mutateOnce(ctx, slot, updater, timeout)
}

// Snapshot returns a copy of a slot's current document and version.
func (c *Conn) Snapshot(slot string) (Document, int64, error) {
	return c.sync.snapshot(slot)
}

// OnExternalUpdate registers a callback fired when another peer's
// write to the slot is observed.
func (c *Conn) OnExternalUpdate(slot string, fn UpdateFunc) error {
	return c.sync.onExternalUpdate(slot, fn)
}

// RegisterHandler exposes an RPC method to other clients of this
// scope. Announced immediately when connected, and re-announced
// automatically on every reconnect.
func (c *Conn) RegisterHandler(ctx context.Context, method string, handler Handler) error {
	select {
	case <-c.shutdown:
		return ErrClosed
	default:
	}
	return c.registry.register(ctx, method, handler)
}

// UnregisterHandler removes a method locally and retracts its
// announcement when connected.
func (c *Conn) UnregisterHandler(ctx context.Context, method string) {
	c.registry.unregister(ctx, method)
}

// sendFrame and isConnected implement the link interface for the
// embedded synchronizer and registry.

func (c *Conn) sendFrame(ctx context.Context, frame *Frame) error {
	return c.transport.Send(ctx, frame)
}

func (c *Conn) isConnected() bool {
	return c.State() == StateConnected
}
