// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport establishes the byte streams mux sessions run
// over.
//
// The package defines one interface: [Dialer] opens an ordered,
// reliable, duplex connection to a multiplexer server (DialContext).
// [UnixDialer] is the local transport — a Unix domain socket with
// filesystem permissions as the access control. [TCPDialer] is the
// remote transport and assumes external protection such as an SSH
// tunnel or a TLS wrapper; the session core never handles credentials
// itself.
//
// [Bind] fixes a dialer to one address, producing the dial function a
// mux client is configured with. Reconnection calls that function
// again; dialers are stateless and safe to share.
package transport
