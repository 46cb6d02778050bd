// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Weft's standard CBOR configuration. All wire
// serialization goes through this package so that every Pdu payload is
// encoded with the same deterministic settings: the same logical data
// always produces identical bytes, which keeps frame-level compression
// and protocol tests stable across client and server versions.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode is the CBOR encoder configured with Core Deterministic
// Encoding (RFC 8949 §4.2): sorted map keys, smallest integer
// encoding, no indefinite-length items.
var encMode cbor.EncMode

// decMode is the CBOR decoder configured to accept standard CBOR.
// Unknown fields are silently ignored so an older client can decode
// frames from a newer server within the same protocol version.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// The protocol never uses non-string map keys. When the
		// decoder's target is any (free-form notification metadata),
		// it must pick a concrete Go map type; the CBOR default of
		// map[interface{}]interface{} is incompatible with most Go
		// code that expects map[string]any. Struct field decoding is
		// unaffected.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage is a raw encoded CBOR value. The Pdu envelope uses it to
// defer payload decoding until the message kind has been inspected.
type RawMessage = cbor.RawMessage
