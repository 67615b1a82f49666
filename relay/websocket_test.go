// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tether-foundation/tether/lib/codec"
	"github.com/tether-foundation/tether/lib/testutil"
)

// wsServer is a minimal relay endpoint: it upgrades connections and
// hands them to the test.
type wsServer struct {
	server *httptest.Server
	conns  chan *websocket.Conn
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()

	s := &wsServer{conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		s.conns <- conn
	}))
	t.Cleanup(func() {
		s.server.Close()
		close(s.conns)
		for conn := range s.conns {
			conn.Close()
		}
	})
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http")
}

// accept waits for the next client connection.
func (s *wsServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	return testutil.RequireReceive(t, s.conns, testTimeout, "client connection")
}

// readFrame reads and decodes a binary frame from a server-side
// connection.
func readFrame(t *testing.T, conn *websocket.Conn) *Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(testTimeout))
	messageType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	if messageType != websocket.BinaryMessage {
		t.Fatalf("server read message type = %d, want binary", messageType)
	}
	var frame Frame
	if err := codec.Unmarshal(data, &frame); err != nil {
		t.Fatalf("server decode: %v", err)
	}
	return &frame
}

// writeFrame encodes and writes a binary frame on a server-side
// connection.
func writeFrame(t *testing.T, conn *websocket.Conn, frame *Frame) {
	t.Helper()
	data, err := codec.Marshal(frame)
	if err != nil {
		t.Fatal(err)
	}
	conn.SetWriteDeadline(time.Now().Add(testTimeout))
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

func startTransport(t *testing.T, url string) *WebsocketTransport {
	t.Helper()

	transport, err := NewWebsocketTransport(WebsocketConfig{
		URL: url,
		Hello: Hello{
			Token:      "token-123",
			ScopeID:    "scope-ws",
			ClientType: ClientTypeMachine,
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		transport.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		testutil.RequireClosed(t, runDone, testTimeout, "transport.Run exit")
	})
	return transport
}

// TestWebsocketHello: the first frame on every connection is the
// handshake carrying the bearer token in the payload.
func TestWebsocketHello(t *testing.T) {
	server := newWSServer(t)
	transport := startTransport(t, server.url())

	conn := server.accept(t)
	defer conn.Close()

	frame := readFrame(t, conn)
	if frame.Type != FrameHello {
		t.Fatalf("first frame type = %s, want %s", frame.Type, FrameHello)
	}
	if frame.Hello.Token != "token-123" {
		t.Errorf("hello token = %q", frame.Hello.Token)
	}
	if frame.Hello.ScopeID != "scope-ws" {
		t.Errorf("hello scope = %q", frame.Hello.ScopeID)
	}
	if frame.Hello.ClientType != ClientTypeMachine {
		t.Errorf("hello client type = %q", frame.Hello.ClientType)
	}

	event := testutil.RequireReceive(t, transport.Events(), testTimeout, "connected event")
	if event.Kind != EventConnected {
		t.Errorf("event kind = %d, want EventConnected", event.Kind)
	}
}

func TestWebsocketFrameRoundTrip(t *testing.T) {
	server := newWSServer(t)
	transport := startTransport(t, server.url())

	conn := server.accept(t)
	defer conn.Close()
	readFrame(t, conn) // hello
	testutil.RequireReceive(t, transport.Events(), testTimeout, "connected event")

	// Server to client.
	writeFrame(t, conn, &Frame{Type: FrameKeepAlive, KeepAlive: &KeepAlive{
		ScopeID:   "scope-ws",
		Timestamp: 12345,
	}})
	event := testutil.RequireReceive(t, transport.Events(), testTimeout, "inbound frame")
	if event.Kind != EventFrame || event.Frame.Type != FrameKeepAlive {
		t.Fatalf("event = %+v, want keep-alive frame", event)
	}
	if event.Frame.KeepAlive.Timestamp != 12345 {
		t.Errorf("timestamp = %d", event.Frame.KeepAlive.Timestamp)
	}

	// Client to server.
	if err := transport.Send(context.Background(), &Frame{Type: FrameAnnounce, Announce: &Announce{
		ScopeID: "scope-ws",
		Method:  "echo",
	}}); err != nil {
		t.Fatal(err)
	}
	frame := readFrame(t, conn)
	if frame.Type != FrameAnnounce || frame.Announce.Method != "echo" {
		t.Errorf("server received %+v", frame)
	}
}

// TestWebsocketIgnoresTextMessages: only binary frames carry the
// protocol; stray text messages are skipped without killing the
// connection.
func TestWebsocketIgnoresTextMessages(t *testing.T) {
	server := newWSServer(t)
	transport := startTransport(t, server.url())

	conn := server.accept(t)
	defer conn.Close()
	readFrame(t, conn)
	testutil.RequireReceive(t, transport.Events(), testTimeout, "connected event")

	conn.SetWriteDeadline(time.Now().Add(testTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, []byte("noise")); err != nil {
		t.Fatal(err)
	}
	writeFrame(t, conn, &Frame{Type: FrameKeepAlive, KeepAlive: &KeepAlive{ScopeID: "scope-ws"}})

	event := testutil.RequireReceive(t, transport.Events(), testTimeout, "frame after text noise")
	if event.Kind != EventFrame || event.Frame.Type != FrameKeepAlive {
		t.Fatalf("event = %+v, want the binary frame only", event)
	}
}

// TestWebsocketReconnect: a dropped connection produces a
// disconnected event and a fresh dial with a fresh handshake.
func TestWebsocketReconnect(t *testing.T) {
	server := newWSServer(t)
	transport := startTransport(t, server.url())

	first := server.accept(t)
	readFrame(t, first)
	event := testutil.RequireReceive(t, transport.Events(), testTimeout, "first connect")
	if event.Kind != EventConnected {
		t.Fatalf("event kind = %d", event.Kind)
	}

	first.Close()

	event = testutil.RequireReceive(t, transport.Events(), testTimeout, "disconnect event")
	if event.Kind != EventDisconnected {
		t.Fatalf("event kind = %d, want EventDisconnected", event.Kind)
	}

	second := server.accept(t)
	defer second.Close()
	frame := readFrame(t, second)
	if frame.Type != FrameHello {
		t.Fatalf("redial first frame = %s, want %s", frame.Type, FrameHello)
	}
	event = testutil.RequireReceive(t, transport.Events(), testTimeout, "reconnect event")
	if event.Kind != EventConnected {
		t.Fatalf("event kind = %d, want EventConnected", event.Kind)
	}
}

func TestWebsocketSendBeforeConnect(t *testing.T) {
	transport, err := NewWebsocketTransport(WebsocketConfig{
		URL:   "ws://127.0.0.1:1/unreachable",
		Hello: Hello{ScopeID: "scope-ws"},
	})
	if err != nil {
		t.Fatal(err)
	}
	err = transport.Send(context.Background(), &Frame{Type: FrameKeepAlive, KeepAlive: &KeepAlive{}})
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send before connect = %v, want ErrNotConnected", err)
	}
}

func TestWebsocketRequiresURL(t *testing.T) {
	if _, err := NewWebsocketTransport(WebsocketConfig{}); err == nil {
		t.Error("NewWebsocketTransport accepted an empty URL")
	}
}
