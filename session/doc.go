// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

// Package session drives the Weft protocol over one established byte
// stream: framing, request/response correlation, notification
// dispatch, and keepalive.
//
// The two layers mirror the protocol's concurrency design:
//
//   - Transport owns the stream. A single background reader owns all
//     framing state and feeds decoded Pdus to a channel; writers are
//     serialized so concurrent sends never interleave mid-frame.
//   - Session is the correlator on top: it assigns serials, parks each
//     caller of Call on a one-shot channel until the matching response
//     arrives, and dispatches unsolicited notifications to registered
//     listeners in frame receipt order.
//
// A Session is bound to one Transport for its whole life. Reconnection
// is a new Session on a new stream; the mux package supervises that.
package session
