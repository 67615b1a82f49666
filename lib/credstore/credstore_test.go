// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package credstore

import (
	"encoding/hex"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tether-foundation/tether/lib/seal"
)

func testBundle(t *testing.T, scopeID string) *Bundle {
	t.Helper()
	key, err := seal.NewKey()
	if err != nil {
		t.Fatal(err)
	}
	return &Bundle{
		ScopeID:     scopeID,
		ClientType:  "machine-scoped",
		BearerToken: "token-" + scopeID,
		StateKey:    hex.EncodeToString(key[:]),
		Variant:     "xchacha20-poly1305",
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	bundle := testBundle(t, "machine-laptop")
	if err := store.Save(bundle); err != nil {
		t.Fatal(err)
	}

	loaded, err := store.Load("machine-laptop")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.BearerToken != bundle.BearerToken {
		t.Errorf("token = %q, want %q", loaded.BearerToken, bundle.BearerToken)
	}
	if loaded.StateKey != bundle.StateKey {
		t.Error("state key did not round-trip")
	}
	if _, err := loaded.Key(); err != nil {
		t.Errorf("loaded key unparseable: %v", err)
	}
	if variant, err := loaded.SealVariant(); err != nil || variant != seal.VariantXChaCha {
		t.Errorf("variant = %v, %v", variant, err)
	}
}

// TestBundleSealedOnDisk: the file content must not contain the
// bearer token or state key in the clear.
func TestBundleSealedOnDisk(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}

	bundle := testBundle(t, "machine-laptop")
	if err := store.Save(bundle); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "machine-laptop.age"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), bundle.BearerToken) {
		t.Error("bearer token stored in the clear")
	}
	if strings.Contains(string(data), bundle.StateKey) {
		t.Error("state key stored in the clear")
	}
}

// TestMachineIdentityPersists: reopening the store uses the same
// machine key, so earlier bundles stay readable.
func TestMachineIdentityPersists(t *testing.T) {
	dir := t.TempDir()

	first, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := first.Save(testBundle(t, "machine-laptop")); err != nil {
		t.Fatal(err)
	}
	publicKey := first.MachinePublicKey()

	second, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if second.MachinePublicKey() != publicKey {
		t.Error("machine key changed across reopen")
	}
	if _, err := second.Load("machine-laptop"); err != nil {
		t.Errorf("reopened store cannot read earlier bundle: %v", err)
	}
}

// TestForeignMachineCannotOpen: a bundle copied to another machine's
// store fails to unseal.
func TestForeignMachineCannotOpen(t *testing.T) {
	homeDir := t.TempDir()
	home, err := Open(homeDir)
	if err != nil {
		t.Fatal(err)
	}
	if err := home.Save(testBundle(t, "machine-laptop")); err != nil {
		t.Fatal(err)
	}

	foreignDir := t.TempDir()
	foreign, err := Open(foreignDir)
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(homeDir, "machine-laptop.age"))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(foreignDir, "machine-laptop.age"), data, 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := foreign.Load("machine-laptop"); err == nil {
		t.Error("foreign machine opened a bundle sealed to another key")
	}
}

func TestLoadMissing(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Load("no-such-scope"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Load missing = %v, want fs.ErrNotExist", err)
	}
}

func TestListAndDelete(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, scope := range []string{"machine-laptop", "session-alpha"} {
		if err := store.Save(testBundle(t, scope)); err != nil {
			t.Fatal(err)
		}
	}

	scopes, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(scopes) != 2 {
		t.Fatalf("List = %v, want two scopes", scopes)
	}

	if err := store.Delete("session-alpha"); err != nil {
		t.Fatal(err)
	}
	scopes, err = store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(scopes) != 1 || scopes[0] != "machine-laptop" {
		t.Errorf("List after delete = %v", scopes)
	}

	// Deleting again is a no-op.
	if err := store.Delete("session-alpha"); err != nil {
		t.Errorf("second delete: %v", err)
	}
}

// TestBundleKeyDecodesHex: the stored state key is hex text; Key
// returns the raw 32 bytes it encodes.
func TestBundleKeyDecodesHex(t *testing.T) {
	want, err := seal.NewKey()
	if err != nil {
		t.Fatal(err)
	}
	bundle := &Bundle{StateKey: hex.EncodeToString(want[:])}

	got, err := bundle.Key()
	if err != nil {
		t.Fatalf("Key: %v", err)
	}
	if got != want {
		t.Error("decoded key does not match the encoded one")
	}

	bundle.StateKey = hex.EncodeToString(want[:16])
	if _, err := bundle.Key(); err == nil {
		t.Error("Key accepted a 16-byte state key")
	}

	bundle.StateKey = "zz"
	if _, err := bundle.Key(); err == nil {
		t.Error("Key accepted non-hex input")
	}
}

func TestSaveRejectsBadBundles(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	bad := testBundle(t, "machine-laptop")
	bad.ScopeID = ""
	if err := store.Save(bad); err == nil {
		t.Error("Save accepted an empty scope id")
	}

	bad = testBundle(t, "../escape")
	if err := store.Save(bad); err == nil {
		t.Error("Save accepted a path-traversing scope id")
	}

	bad = testBundle(t, "machine-laptop")
	bad.StateKey = "not-hex"
	if err := store.Save(bad); err == nil {
		t.Error("Save accepted an unparseable state key")
	}

	bad = testBundle(t, "machine-laptop")
	bad.Variant = "rot13"
	if err := store.Save(bad); err == nil {
		t.Error("Save accepted an unknown variant")
	}
}
