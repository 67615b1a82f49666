// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package seal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/tether-foundation/tether/lib/codec"
)

// Variant selects the AEAD cipher for a scope. The variant byte is
// written as the first byte of every ciphertext so old blobs remain
// decodable after a scope migrates to a newer cipher.
type Variant byte

const (
	// VariantAESGCM is AES-256-GCM. Scopes provisioned before the
	// XChaCha migration still carry this variant.
	VariantAESGCM Variant = 0

	// VariantXChaCha is XChaCha20-Poly1305, the variant for newly
	// provisioned scopes. The 24-byte nonce makes random nonces safe
	// at any write rate.
	VariantXChaCha Variant = 1
)

// String returns the variant name used in config files and logs.
func (v Variant) String() string {
	switch v {
	case VariantAESGCM:
		return "aes-gcm"
	case VariantXChaCha:
		return "xchacha20-poly1305"
	default:
		return fmt.Sprintf("unknown(%d)", byte(v))
	}
}

// ParseVariant converts a config-file variant name to a Variant.
func ParseVariant(name string) (Variant, error) {
	switch name {
	case "aes-gcm":
		return VariantAESGCM, nil
	case "xchacha20-poly1305", "":
		return VariantXChaCha, nil
	default:
		return 0, fmt.Errorf("seal: unknown cipher variant %q", name)
	}
}

// KeySize is the scope key length. Both variants take 256-bit keys.
const KeySize = 32

// Key is a scope's symmetric key. The key is immutable for the
// lifetime of the scope.
type Key [KeySize]byte

// ParseKey validates and copies raw key bytes.
func ParseKey(raw []byte) (Key, error) {
	var key Key
	if len(raw) != KeySize {
		return key, fmt.Errorf("seal: key must be %d bytes, got %d", KeySize, len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

// NewKey generates a random scope key.
func NewKey() (Key, error) {
	var key Key
	if _, err := rand.Read(key[:]); err != nil {
		return key, fmt.Errorf("generating scope key: %w", err)
	}
	return key, nil
}

// Fingerprint returns a short non-secret identifier for the key: the
// hex form of the first 16 bytes of its blake3 hash. Sent in the
// connection handshake so the relay can reject a client holding a
// stale key before any ciphertext is exchanged.
func (k Key) Fingerprint() string {
	sum := blake3.Sum256(k[:])
	return hex.EncodeToString(sum[:16])
}

// ErrAuth is wrapped by Decode errors caused by failed AEAD
// authentication: a tampered, truncated, or wrong-key ciphertext.
var ErrAuth = errors.New("ciphertext authentication failed")

// compressThreshold is the encoded size above which the plaintext
// frame is zstd-compressed. Small documents (daemon status, metadata)
// gain nothing from compression; agent state with embedded request
// bodies does.
const compressThreshold = 1024

// Frame flag bytes recorded inside the encrypted plaintext.
const (
	frameRaw  = 0x00
	frameZstd = 0x01
)

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil)
	if err != nil {
		panic("seal: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("seal: zstd decoder initialization failed: " + err.Error())
	}
}

// Encode serializes value as CBOR, compresses it when large, and
// encrypts it with the scope key under the given variant. The output
// layout is [variant byte][nonce][ciphertext+tag].
func Encode(key Key, variant Variant, value any) ([]byte, error) {
	encoded, err := codec.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encoding value: %w", err)
	}

	frame := make([]byte, 1, 1+len(encoded))
	if len(encoded) > compressThreshold {
		frame[0] = frameZstd
		frame = zstdEncoder.EncodeAll(encoded, frame)
	} else {
		frame[0] = frameRaw
		frame = append(frame, encoded...)
	}

	aead, err := newAEAD(key, variant)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	out := make([]byte, 1, 1+len(nonce)+len(frame)+aead.Overhead())
	out[0] = byte(variant)
	out = append(out, nonce...)
	// The variant byte is additional authenticated data: an attacker
	// cannot downgrade the cipher tag without failing authentication.
	out = aead.Seal(out, nonce, frame, out[:1])
	return out, nil
}

// Decode decrypts data with the scope key and unmarshals the
// plaintext into out. The cipher is selected by the leading variant
// byte of data, not by the scope's configured variant.
//
// A failure here is fatal to this message only: callers log the error
// and drop the message, leaving local state untouched.
func Decode(key Key, data []byte, out any) error {
	if len(data) < 2 {
		return fmt.Errorf("seal: ciphertext too short (%d bytes)", len(data))
	}

	variant := Variant(data[0])
	aead, err := newAEAD(key, variant)
	if err != nil {
		return err
	}

	rest := data[1:]
	if len(rest) < aead.NonceSize() {
		return fmt.Errorf("seal: ciphertext shorter than %s nonce", variant)
	}
	nonce, box := rest[:aead.NonceSize()], rest[aead.NonceSize():]

	frame, err := aead.Open(nil, nonce, box, data[:1])
	if err != nil {
		return fmt.Errorf("seal: opening %s ciphertext: %w", variant, ErrAuth)
	}
	if len(frame) < 1 {
		return fmt.Errorf("seal: empty plaintext frame")
	}

	encoded := frame[1:]
	switch frame[0] {
	case frameRaw:
	case frameZstd:
		encoded, err = zstdDecoder.DecodeAll(encoded, nil)
		if err != nil {
			return fmt.Errorf("seal: decompressing frame: %w", err)
		}
	default:
		return fmt.Errorf("seal: unknown frame flag 0x%02x", frame[0])
	}

	if err := codec.Unmarshal(encoded, out); err != nil {
		return fmt.Errorf("seal: decoding value: %w", err)
	}
	return nil
}

// newAEAD constructs the AEAD for a variant.
func newAEAD(key Key, variant Variant) (cipher.AEAD, error) {
	switch variant {
	case VariantAESGCM:
		block, err := aes.NewCipher(key[:])
		if err != nil {
			return nil, fmt.Errorf("seal: creating AES cipher: %w", err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("seal: creating GCM: %w", err)
		}
		return aead, nil
	case VariantXChaCha:
		aead, err := chacha20poly1305.NewX(key[:])
		if err != nil {
			return nil, fmt.Errorf("seal: creating XChaCha20-Poly1305: %w", err)
		}
		return aead, nil
	default:
		return nil, fmt.Errorf("seal: unknown cipher variant %d", byte(variant))
	}
}
