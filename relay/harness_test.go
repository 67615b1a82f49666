// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tether-foundation/tether/lib/clock"
	"github.com/tether-foundation/tether/lib/seal"
	"github.com/tether-foundation/tether/lib/testutil"
)

const testTimeout = 5 * time.Second

// fakeTransport is an in-memory Transport driven by the test: the
// test injects connection transitions and inbound frames, and reads
// every frame the Conn sends.
type fakeTransport struct {
	events chan Event
	sent   chan *Frame
	up     atomic.Bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		events: make(chan Event, 64),
		sent:   make(chan *Frame, 64),
	}
}

func (t *fakeTransport) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (t *fakeTransport) Events() <-chan Event { return t.events }

func (t *fakeTransport) Send(_ context.Context, frame *Frame) error {
	if !t.up.Load() {
		return ErrNotConnected
	}
	t.sent <- frame
	return nil
}

func (t *fakeTransport) connect() {
	t.up.Store(true)
	t.events <- Event{Kind: EventConnected}
}

func (t *fakeTransport) disconnect() {
	t.up.Store(false)
	t.events <- Event{Kind: EventDisconnected}
}

func (t *fakeTransport) push(frame *Frame) {
	t.events <- Event{Kind: EventFrame, Frame: frame}
}

// harness wires a Conn to a fakeTransport and a fake clock.
type harness struct {
	t         *testing.T
	scope     Scope
	transport *fakeTransport
	clk       *clock.FakeClock
	conn      *Conn
	states    chan State
}

type harnessOption func(*Config)

func withSnapshot(slot string, updater Updater) harnessOption {
	return func(cfg *Config) {
		cfg.SnapshotSlot = slot
		cfg.Snapshot = updater
	}
}

func withKeepAlive(interval time.Duration) harnessOption {
	return func(cfg *Config) {
		cfg.KeepAliveInterval = interval
	}
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	key, err := seal.NewKey()
	if err != nil {
		t.Fatal(err)
	}
	scope := Scope{
		ID:         "scope-test",
		Key:        key,
		Variant:    seal.VariantXChaCha,
		ClientType: ClientTypeMachine,
	}

	h := &harness{
		t:         t,
		scope:     scope,
		transport: newFakeTransport(),
		clk:       clock.Fake(time.Unix(1_700_000_000, 0)),
		states:    make(chan State, 16),
	}

	cfg := Config{
		Scope:     scope,
		Transport: h.transport,
		Clock:     h.clk,
		// One hour keeps the ticker registered but inert across the
		// 10s advances the retry tests perform.
		KeepAliveInterval: time.Hour,
		OnStateChange:     func(s State) { h.states <- s },
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	conn, err := NewConn(cfg)
	if err != nil {
		t.Fatal(err)
	}
	h.conn = conn

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		conn.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		testutil.RequireClosed(t, runDone, testTimeout, "conn.Run exit")
	})

	return h
}

// expectState waits for the next state transition.
func (h *harness) expectState(want State) {
	h.t.Helper()
	got := testutil.RequireReceive(h.t, h.states, testTimeout, "state transition to %s", want)
	if got != want {
		h.t.Fatalf("state transition = %s, want %s", got, want)
	}
}

// nextFrame returns the next sent frame of the wanted type, skipping
// frames of other types (keep-alives fired by clock advances,
// announcements racing slot submissions).
func (h *harness) nextFrame(want FrameType) *Frame {
	h.t.Helper()
	for {
		frame := testutil.RequireReceive(h.t, h.transport.sent, testTimeout, "frame of type %s", want)
		if frame.Type == want {
			return frame
		}
	}
}

// encrypt seals a document with the harness scope key.
func (h *harness) encrypt(doc Document) []byte {
	h.t.Helper()
	data, err := seal.Encode(h.scope.Key, h.scope.Variant, doc)
	if err != nil {
		h.t.Fatal(err)
	}
	return data
}

// decrypt opens slot/update ciphertext into a Document.
func (h *harness) decrypt(data []byte) Document {
	h.t.Helper()
	var doc Document
	if err := seal.Decode(h.scope.Key, data, &doc); err != nil {
		h.t.Fatal(err)
	}
	return doc
}

// ackSubmit receives the next submit frame and acknowledges it with
// the given version, echoing the submitted ciphertext back as the
// authoritative document.
func (h *harness) ackSubmit(version int64) *Submit {
	h.t.Helper()
	frame := h.nextFrame(FrameSubmit)
	sub := frame.Submit
	h.transport.push(&Frame{Type: FrameSubmitResult, SubmitResult: &SubmitResult{
		RequestID:  sub.RequestID,
		OK:         true,
		Version:    version,
		Ciphertext: sub.Ciphertext,
	}})
	return sub
}

// rejectSubmit receives the next submit frame and answers with a
// version mismatch carrying the authoritative document.
func (h *harness) rejectSubmit(version int64, authoritative Document) *Submit {
	h.t.Helper()
	frame := h.nextFrame(FrameSubmit)
	sub := frame.Submit
	h.transport.push(&Frame{Type: FrameSubmitResult, SubmitResult: &SubmitResult{
		RequestID:  sub.RequestID,
		OK:         false,
		Version:    version,
		Ciphertext: h.encrypt(authoritative),
	}})
	return sub
}

// advancePastRetry waits for the retry delay to be registered on top
// of the keep-alive ticker, then advances far enough to fire it.
func (h *harness) advancePastRetry() {
	h.clk.WaitForTimers(2)
	h.clk.Advance(10 * time.Second)
}
