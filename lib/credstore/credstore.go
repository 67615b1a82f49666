// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package credstore

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"

	"github.com/tether-foundation/tether/lib/seal"
)

// machineKeyFile holds the age identity, next to the bundles.
const machineKeyFile = "machine.key"

// bundleExtension marks sealed bundle files; the rest of the filename
// is the scope id.
const bundleExtension = ".age"

// Bundle is one scope's credentials: everything needed to open a
// relay connection for that scope.
type Bundle struct {
	// ScopeID identifies the scope at the relay.
	ScopeID string `json:"scope_id"`

	// ClientType is "machine-scoped" or "session-scoped".
	ClientType string `json:"client_type"`

	// BearerToken authenticates the websocket handshake.
	BearerToken string `json:"bearer_token"`

	// StateKey is the 64-hex-character symmetric key for slot
	// document encryption. The relay never sees this key.
	StateKey string `json:"state_key"`

	// Variant names the AEAD construction for new writes
	// ("xchacha20-poly1305" or "aes-gcm").
	Variant string `json:"variant"`
}

// Key parses the bundle's state key.
func (b *Bundle) Key() (seal.Key, error) {
	raw, err := hex.DecodeString(b.StateKey)
	if err != nil {
		return seal.Key{}, fmt.Errorf("decoding state key: %w", err)
	}
	return seal.ParseKey(raw)
}

// SealVariant parses the bundle's encryption variant.
func (b *Bundle) SealVariant() (seal.Variant, error) {
	return seal.ParseVariant(b.Variant)
}

// Store is a directory of age-sealed credential bundles plus the
// machine identity that can open them.
type Store struct {
	dir      string
	identity *age.X25519Identity
}

// Open loads the store at dir, generating the machine identity on
// first use. The directory must already exist (config.EnsurePaths
// creates it with 0700).
func Open(dir string) (*Store, error) {
	identity, err := loadOrCreateIdentity(filepath.Join(dir, machineKeyFile))
	if err != nil {
		return nil, err
	}
	return &Store{dir: dir, identity: identity}, nil
}

// MachinePublicKey returns the age recipient string (age1...) that
// credential issuers seal bundles to. Safe to publish.
func (s *Store) MachinePublicKey() string {
	return s.identity.Recipient().String()
}

// Save seals a bundle to the machine key and writes it atomically.
func (s *Store) Save(bundle *Bundle) error {
	if bundle.ScopeID == "" {
		return fmt.Errorf("credstore: bundle has no scope id")
	}
	if strings.ContainsAny(bundle.ScopeID, "/\\") {
		return fmt.Errorf("credstore: scope id %q is not a valid filename", bundle.ScopeID)
	}
	if _, err := bundle.Key(); err != nil {
		return fmt.Errorf("credstore: bundle for %s: %w", bundle.ScopeID, err)
	}
	if _, err := bundle.SealVariant(); err != nil {
		return fmt.Errorf("credstore: bundle for %s: %w", bundle.ScopeID, err)
	}

	plaintext, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("encoding bundle for %s: %w", bundle.ScopeID, err)
	}

	var sealed bytes.Buffer
	writer, err := age.Encrypt(&sealed, s.identity.Recipient())
	if err != nil {
		return fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return fmt.Errorf("sealing bundle for %s: %w", bundle.ScopeID, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("finalizing bundle for %s: %w", bundle.ScopeID, err)
	}

	path := filepath.Join(s.dir, bundle.ScopeID+bundleExtension)
	if err := writeAtomic(path, sealed.Bytes(), 0600); err != nil {
		return fmt.Errorf("writing bundle for %s: %w", bundle.ScopeID, err)
	}
	return nil
}

// Load opens a scope's sealed bundle. Returns an error wrapping
// fs.ErrNotExist when no bundle exists for the scope.
func (s *Store) Load(scopeID string) (*Bundle, error) {
	path := filepath.Join(s.dir, scopeID+bundleExtension)
	sealed, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading bundle for %s: %w", scopeID, err)
	}

	reader, err := age.Decrypt(bytes.NewReader(sealed), s.identity)
	if err != nil {
		return nil, fmt.Errorf("unsealing bundle for %s: %w", scopeID, err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("unsealing bundle for %s: %w", scopeID, err)
	}

	var bundle Bundle
	if err := json.Unmarshal(plaintext, &bundle); err != nil {
		return nil, fmt.Errorf("decoding bundle for %s: %w", scopeID, err)
	}
	if bundle.ScopeID != scopeID {
		return nil, fmt.Errorf("bundle file %s contains scope %q", path, bundle.ScopeID)
	}
	return &bundle, nil
}

// List returns the scope ids with stored bundles, sorted by filename.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("listing credential store: %w", err)
	}
	var scopes []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, bundleExtension) {
			continue
		}
		scopes = append(scopes, strings.TrimSuffix(name, bundleExtension))
	}
	return scopes, nil
}

// Delete removes a scope's bundle. Deleting a missing bundle is a
// no-op.
func (s *Store) Delete(scopeID string) error {
	err := os.Remove(filepath.Join(s.dir, scopeID+bundleExtension))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting bundle for %s: %w", scopeID, err)
	}
	return nil
}

// loadOrCreateIdentity reads the machine key file, generating and
// persisting a fresh identity when none exists.
func loadOrCreateIdentity(path string) (*age.X25519Identity, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		identity, err := age.ParseX25519Identity(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("parsing machine key %s: %w", path, err)
		}
		return identity, nil

	case os.IsNotExist(err):
		identity, err := age.GenerateX25519Identity()
		if err != nil {
			return nil, fmt.Errorf("generating machine key: %w", err)
		}
		if err := writeAtomic(path, []byte(identity.String()+"\n"), 0600); err != nil {
			return nil, fmt.Errorf("writing machine key: %w", err)
		}
		return identity, nil

	default:
		return nil, fmt.Errorf("reading machine key %s: %w", path, err)
	}
}

// writeAtomic writes data via a temporary file, fsync, and rename so
// a crash never leaves a torn file.
func writeAtomic(path string, data []byte, mode fs.FileMode) error {
	temporaryPath := path + ".tmp"

	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("creating temporary file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary file: %w", err)
	}

	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming into place: %w", err)
	}

	// Sync the parent directory so the rename survives a power loss.
	parentDirectory, err := os.Open(filepath.Dir(path))
	if err == nil {
		parentDirectory.Sync()
		parentDirectory.Close()
	}

	return nil
}
