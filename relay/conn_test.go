// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tether-foundation/tether/lib/clock"
	"github.com/tether-foundation/tether/lib/codec"
	"github.com/tether-foundation/tether/lib/seal"
	"github.com/tether-foundation/tether/lib/testutil"
)

func TestNewConnRequiresScope(t *testing.T) {
	if _, err := NewConn(Config{Transport: newFakeTransport()}); err == nil {
		t.Error("NewConn accepted a config without a scope id")
	}
}

func TestConnStateLifecycle(t *testing.T) {
	key, err := seal.NewKey()
	if err != nil {
		t.Fatal(err)
	}
	transport := newFakeTransport()
	states := make(chan State, 16)
	conn, err := NewConn(Config{
		Scope:         Scope{ID: "scope-test", Key: key, Variant: seal.VariantXChaCha},
		Transport:     transport,
		Clock:         clock.Fake(time.Unix(1_700_000_000, 0)),
		OnStateChange: func(s State) { states <- s },
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := conn.State(); got != StateDisconnected {
		t.Errorf("initial state = %s, want %s", got, StateDisconnected)
	}

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		conn.Run(context.Background())
	}()

	expect := func(want State) {
		t.Helper()
		if got := testutil.RequireReceive(t, states, testTimeout, "transition to %s", want); got != want {
			t.Fatalf("transition = %s, want %s", got, want)
		}
	}

	expect(StateConnecting)
	transport.connect()
	expect(StateConnected)
	transport.disconnect()
	expect(StateConnecting)
	transport.connect()
	expect(StateConnected)

	conn.Shutdown()
	expect(StateClosed)
	testutil.RequireClosed(t, runDone, testTimeout, "Run exit")

	if got := conn.State(); got != StateClosed {
		t.Errorf("state after Shutdown = %s, want %s", got, StateClosed)
	}
	if err := conn.Mutate(context.Background(), SlotDaemonState, func(prev Document) Document { return prev }); !errors.Is(err, ErrClosed) {
		t.Errorf("Mutate after Shutdown = %v, want ErrClosed", err)
	}
	if err := conn.RegisterHandler(context.Background(), "late", func(context.Context, codec.RawMessage) (any, error) {
		return nil, nil
	}); !errors.Is(err, ErrClosed) {
		t.Errorf("RegisterHandler after Shutdown = %v, want ErrClosed", err)
	}

	// Shutdown is idempotent.
	conn.Shutdown()
}

func TestKeepAlive(t *testing.T) {
	h := newHarness(t, withKeepAlive(20*time.Second))
	h.expectState(StateConnecting)
	h.transport.connect()
	h.expectState(StateConnected)

	h.clk.WaitForTimers(1)
	h.clk.Advance(20 * time.Second)

	frame := h.nextFrame(FrameKeepAlive)
	if frame.KeepAlive.ScopeID != h.scope.ID {
		t.Errorf("keep-alive scope = %q, want %q", frame.KeepAlive.ScopeID, h.scope.ID)
	}
	want := time.Unix(1_700_000_020, 0).UnixMilli()
	if frame.KeepAlive.Timestamp != want {
		t.Errorf("keep-alive timestamp = %d, want %d", frame.KeepAlive.Timestamp, want)
	}

	h.clk.Advance(20 * time.Second)
	h.nextFrame(FrameKeepAlive)

	// The ticker dies with the connection.
	h.transport.disconnect()
	h.expectState(StateConnecting)
	h.clk.Advance(time.Minute)
	testutil.RequireNoReceive(t, h.transport.sent, 100*time.Millisecond, "keep-alive while disconnected")
}

// TestSnapshotPushOnConnect: a configured snapshot updater is applied
// on every connect, so the relay's copy reflects the current process
// rather than a previous one reusing the scope.
func TestSnapshotPushOnConnect(t *testing.T) {
	h := newHarness(t, withSnapshot(SlotDaemonState, func(prev Document) Document {
		next := prev.Clone()
		next["pid"] = int64(4242)
		next["status"] = "running"
		return next
	}))
	h.expectState(StateConnecting)
	h.transport.connect()
	h.expectState(StateConnected)

	first := h.ackSubmit(1)
	if first.Slot != SlotDaemonState {
		t.Errorf("snapshot slot = %q", first.Slot)
	}
	doc := h.decrypt(first.Ciphertext)
	if doc["pid"] != int64(4242) || doc["status"] != "running" {
		t.Errorf("snapshot document = %v", doc)
	}

	h.transport.disconnect()
	h.expectState(StateConnecting)
	h.transport.connect()
	h.expectState(StateConnected)

	second := h.ackSubmit(2)
	if second.ExpectedVersion != 1 {
		t.Errorf("second snapshot expected version = %d, want 1", second.ExpectedVersion)
	}
	if doc := h.decrypt(second.Ciphertext); doc["pid"] != int64(4242) {
		t.Errorf("second snapshot document = %v", doc)
	}
}

// TestUpdateScopeFilter: pushes addressed to another scope never
// touch local state.
func TestUpdateScopeFilter(t *testing.T) {
	h := newHarness(t)
	h.expectState(StateConnecting)
	h.transport.connect()
	h.expectState(StateConnected)

	h.transport.push(&Frame{Type: FrameUpdate, Update: &Update{
		ScopeID:    "someone-else",
		Slot:       SlotAgentState,
		Version:    7,
		Ciphertext: h.encrypt(Document{"phase": "foreign"}),
	}})

	// A sentinel update for our own scope proves the foreign one was
	// already processed and dropped.
	h.transport.push(&Frame{Type: FrameUpdate, Update: &Update{
		ScopeID:    h.scope.ID,
		Slot:       SlotAgentState,
		Version:    1,
		Ciphertext: h.encrypt(Document{"phase": "ours"}),
	}})

	deadline := time.Now().Add(testTimeout)
	for {
		doc, version, _ := h.conn.Snapshot(SlotAgentState)
		if version == 1 {
			if doc["phase"] != "ours" {
				t.Errorf("document = %v, want the scoped update only", doc)
			}
			return
		}
		if version == 7 {
			t.Fatal("foreign-scope update was applied")
		}
		if time.Now().After(deadline) {
			t.Fatal("scoped update never applied")
		}
		time.Sleep(time.Millisecond)
	}
}
