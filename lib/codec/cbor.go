// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode encodes with Core Deterministic Encoding so identical
// logical values yield identical bytes.
var encMode cbor.EncMode

// decMode accepts standard CBOR, ignoring unknown fields for forward
// compatibility.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Tether never uses non-string map keys. When decoding into
		// an any-typed target the decoder must pick a concrete map
		// type; the CBOR default map[any]any is unusable by most Go
		// code (and by encoding/json), so force map[string]any.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		// Decode integers in any-typed targets as int64 regardless of
		// sign, so a document value round-tripped through the wire
		// compares equal to one set locally.
		IntDec: cbor.IntDecConvertSigned,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to deterministic CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage is a raw encoded CBOR value, used to delay decoding of
// handler-specific request fields and to embed pre-encoded payloads.
type RawMessage = cbor.RawMessage

// Encoder is a CBOR stream encoder.
type Encoder = cbor.Encoder

// Decoder is a CBOR stream decoder.
type Decoder = cbor.Decoder

// NewEncoder returns a stream encoder writing deterministic CBOR to w.
func NewEncoder(w io.Writer) *Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder returns a stream decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return decMode.NewDecoder(r)
}
