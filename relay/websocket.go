// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tether-foundation/tether/lib/clock"
	"github.com/tether-foundation/tether/lib/codec"
)

const (
	// writeWait bounds a single websocket write.
	writeWait = 10 * time.Second

	// pongWait is how long a silent connection survives. The relay
	// answers protocol pings; a connection with no traffic and no
	// pong for this long is dead.
	pongWait = 60 * time.Second

	// pingPeriod spaces protocol pings. Must be under pongWait so a
	// healthy connection always refreshes its read deadline in time.
	pingPeriod = (pongWait * 9) / 10

	// maxFrameSize caps inbound frames. Slot documents are capped
	// well below this by the relay; anything larger is a protocol
	// violation.
	maxFrameSize = 4 * 1024 * 1024

	// Reconnect backoff bounds.
	reconnectBase = time.Second
	reconnectMax  = 30 * time.Second
)

// WebsocketConfig configures the websocket transport.
type WebsocketConfig struct {
	// URL is the relay's websocket endpoint (wss://...).
	URL string

	// Hello is sent as the first frame after every (re)connect.
	Hello Hello

	// Clock defaults to the real clock when nil.
	Clock clock.Clock

	// Logger defaults to slog.Default() when nil.
	Logger *slog.Logger

	// Dialer defaults to websocket.DefaultDialer when nil.
	Dialer *websocket.Dialer
}

// WebsocketTransport is the production Transport: one persistent
// websocket per scope, binary CBOR frames, protocol-level ping/pong
// liveness, and automatic reconnection with capped exponential
// backoff.
type WebsocketTransport struct {
	url    string
	hello  Hello
	clk    clock.Clock
	logger *slog.Logger
	dialer *websocket.Dialer

	events chan Event

	// writeMu serializes writes on the current connection; gorilla
	// permits one concurrent writer.
	writeMu sync.Mutex
	conn    *websocket.Conn
}

// NewWebsocketTransport creates a transport for one scope. Call Run
// to start it.
func NewWebsocketTransport(cfg WebsocketConfig) (*WebsocketTransport, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("relay: websocket URL is required")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &WebsocketTransport{
		url:    cfg.URL,
		hello:  cfg.Hello,
		clk:    clk,
		logger: logger,
		dialer: dialer,
		events: make(chan Event, 64),
	}, nil
}

// Events implements Transport.
func (t *WebsocketTransport) Events() <-chan Event { return t.events }

// Run implements Transport: dial, handshake, pump frames, and redial
// after drops until ctx is cancelled.
func (t *WebsocketTransport) Run(ctx context.Context) error {
	defer close(t.events)

	delay := reconnectBase
	for ctx.Err() == nil {
		conn, err := t.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			t.logger.Warn("relay dial failed, retrying",
				"url", t.url,
				"delay", delay,
				"error", err,
			)
			select {
			case <-ctx.Done():
			case <-t.clk.After(delay):
			}
			delay *= 2
			if delay > reconnectMax {
				delay = reconnectMax
			}
			continue
		}
		delay = reconnectBase

		t.setConn(conn)
		t.emit(ctx, Event{Kind: EventConnected})

		// ReadMessage only unblocks when the socket closes, so a
		// watcher ties the connection's life to ctx.
		connDone := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				conn.Close()
			case <-connDone:
			}
		}()
		t.readLoop(ctx, conn)
		close(connDone)

		t.setConn(nil)
		conn.Close()
		t.emit(ctx, Event{Kind: EventDisconnected})
	}
	return nil
}

// dial opens the websocket and sends the hello frame. The bearer
// token travels in the hello payload, not a header, so intermediate
// proxies never log it.
func (t *WebsocketTransport) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, response, err := t.dialer.DialContext(ctx, t.url, http.Header{})
	if err != nil {
		if response != nil {
			return nil, fmt.Errorf("dialing %s: %w (status %d)", t.url, err, response.StatusCode)
		}
		return nil, fmt.Errorf("dialing %s: %w", t.url, err)
	}

	hello := &Frame{Type: FrameHello, Hello: &t.hello}
	if err := t.writeFrame(conn, hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending hello: %w", err)
	}
	return conn, nil
}

// readLoop pumps inbound frames until the connection errors. A
// companion goroutine sends protocol pings; the pong handler extends
// the read deadline.
func (t *WebsocketTransport) readLoop(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go t.pingLoop(conn, pingDone)

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Warn("relay connection lost", "error", err)
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}

		var frame Frame
		if err := codec.Unmarshal(data, &frame); err != nil {
			// A malformed envelope is fatal to that message only.
			t.logger.Error("dropping undecodable frame", "error", err, "bytes", len(data))
			continue
		}
		t.emit(ctx, Event{Kind: EventFrame, Frame: &frame})
	}
}

// pingLoop sends protocol pings until done closes.
func (t *WebsocketTransport) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := t.clk.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			t.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			t.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Send implements Transport.
func (t *WebsocketTransport) Send(ctx context.Context, frame *Frame) error {
	t.writeMu.Lock()
	conn := t.conn
	if conn == nil {
		t.writeMu.Unlock()
		return ErrNotConnected
	}
	err := t.writeFrameLocked(conn, frame)
	t.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("sending %s frame: %w", frame.Type, err)
	}
	return nil
}

func (t *WebsocketTransport) writeFrame(conn *websocket.Conn, frame *Frame) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.writeFrameLocked(conn, frame)
}

func (t *WebsocketTransport) writeFrameLocked(conn *websocket.Conn, frame *Frame) error {
	data, err := codec.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

func (t *WebsocketTransport) setConn(conn *websocket.Conn) {
	t.writeMu.Lock()
	t.conn = conn
	t.writeMu.Unlock()
}

// emit delivers an event unless the consumer is gone.
func (t *WebsocketTransport) emit(ctx context.Context, event Event) {
	select {
	case t.events <- event:
	case <-ctx.Done():
	}
}
