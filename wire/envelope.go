// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"fmt"

	"github.com/weftproject/weft/lib/codec"
)

// envelope is the CBOR structure inside every frame: the correlation
// serial, the kind tag, and the kind-specific body. The body stays raw
// until the kind has been inspected so an unknown kind fails without
// touching the body.
type envelope struct {
	Serial uint64           `cbor:"serial"`
	Kind   Kind             `cbor:"kind"`
	Body   codec.RawMessage `cbor:"body,omitempty"`
}

// EncodePdu serializes a Pdu to the envelope bytes carried in a frame.
func EncodePdu(pdu Pdu) ([]byte, error) {
	if pdu.Payload == nil {
		return nil, fmt.Errorf("wire: encode: nil payload")
	}
	body, err := codec.Marshal(pdu.Payload)
	if err != nil {
		return nil, fmt.Errorf("wire: encode %s body: %w", pdu.Payload.Kind(), err)
	}
	encoded, err := codec.Marshal(envelope{
		Serial: pdu.Serial,
		Kind:   pdu.Payload.Kind(),
		Body:   body,
	})
	if err != nil {
		return nil, fmt.Errorf("wire: encode %s envelope: %w", pdu.Payload.Kind(), err)
	}
	return encoded, nil
}

// DecodePdu deserializes the envelope bytes of one frame.
//
// A malformed envelope returns a plain error: the frame was structurally
// readable (framing is intact) but its content is garbage, so the
// caller treats it like an unknown kind. An unrecognized kind returns
// a *ProtocolError carrying the serial, so the correlator can fail the
// specific pending request instead of the whole session.
func DecodePdu(data []byte) (Pdu, error) {
	var outer envelope
	if err := codec.Unmarshal(data, &outer); err != nil {
		return Pdu{}, fmt.Errorf("wire: decode envelope: %w", err)
	}

	payload, err := decodeBody(outer.Kind, outer.Body)
	if err != nil {
		return Pdu{}, &ProtocolError{
			Serial:  outer.Serial,
			Kind:    outer.Kind,
			Message: err.Error(),
		}
	}
	return Pdu{Serial: outer.Serial, Payload: payload}, nil
}

// decodeBody dispatches on the kind tag. This switch is the single
// point where a new message kind must be wired in; it is total over
// the Kind constants.
func decodeBody(kind Kind, body codec.RawMessage) (Payload, error) {
	var payload Payload
	switch kind {
	case KindHandshake:
		payload = &Handshake{}
	case KindPing:
		payload = &Ping{}
	case KindListDomains:
		payload = &ListDomains{}
	case KindGetLines:
		payload = &GetLines{}
	case KindGetPaneChanges:
		payload = &GetPaneChanges{}
	case KindSpawnPane:
		payload = &SpawnPane{}
	case KindSplitPane:
		payload = &SplitPane{}
	case KindClosePane:
		payload = &ClosePane{}
	case KindResizePane:
		payload = &ResizePane{}
	case KindWriteToPane:
		payload = &WriteToPane{}
	case KindSetClipboard:
		payload = &SetClipboard{}
	case KindSetPaneTitle:
		payload = &SetPaneTitle{}
	case KindHandshakeReply:
		payload = &HandshakeReply{}
	case KindPong:
		payload = &Pong{}
	case KindDomainList:
		payload = &DomainList{}
	case KindLines:
		payload = &Lines{}
	case KindPaneChanges:
		payload = &PaneChanges{}
	case KindPaneSpawned:
		payload = &PaneSpawned{}
	case KindUnitReply:
		payload = &UnitReply{}
	case KindErrorReply:
		payload = &ErrorReply{}
	case KindLinesChanged:
		payload = &LinesChanged{}
	case KindPaneAdded:
		payload = &PaneAdded{}
	case KindPaneRemoved:
		payload = &PaneRemoved{}
	case KindTabAdded:
		payload = &TabAdded{}
	case KindTabRemoved:
		payload = &TabRemoved{}
	case KindWindowAdded:
		payload = &WindowAdded{}
	case KindWindowRemoved:
		payload = &WindowRemoved{}
	case KindTitleChanged:
		payload = &TitleChanged{}
	case KindPaneResized:
		payload = &PaneResized{}
	case KindDomainStateChanged:
		payload = &DomainStateChanged{}
	default:
		return nil, fmt.Errorf("unrecognized message kind 0x%02x", uint16(kind))
	}

	if len(body) > 0 {
		if err := codec.Unmarshal(body, payload); err != nil {
			return nil, fmt.Errorf("decode %s body: %v", kind, err)
		}
	}
	return payload, nil
}
