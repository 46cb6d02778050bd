// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import "fmt"

// ProtocolVersion is the wire protocol version this client speaks. It
// is exchanged in the handshake before any other traffic; the session
// fails when the server's version differs.
const ProtocolVersion uint32 = 3

// Server-assigned identifiers. The client never generates these; the
// only client-side value is PanePending, held until the server's
// authoritative id arrives in a spawn or split response.
type (
	// DomainID identifies a server-side namespace of windows, tabs,
	// and panes (one SSH host, the local machine, ...).
	DomainID uint64

	// WindowID identifies a top-level window within a domain.
	WindowID uint64

	// TabID identifies a tab within a window.
	TabID uint64

	// PaneID identifies the smallest addressable terminal surface.
	PaneID uint64
)

// PanePending is the transient placeholder id a directory record holds
// between issuing a spawn/split request and receiving the server's
// authoritative PaneID.
const PanePending PaneID = 0

// RowRange is a half-open interval [Start, End) of pane row indexes.
type RowRange struct {
	Start int `cbor:"start"`
	End   int `cbor:"end"`
}

// Contains reports whether row lies within the range.
func (r RowRange) Contains(row int) bool { return row >= r.Start && row < r.End }

// IsEmpty reports whether the range covers no rows.
func (r RowRange) IsEmpty() bool { return r.End <= r.Start }

// Len returns the number of rows in the range.
func (r RowRange) Len() int {
	if r.IsEmpty() {
		return 0
	}
	return r.End - r.Start
}

func (r RowRange) String() string { return fmt.Sprintf("[%d,%d)", r.Start, r.End) }

// CellStyle carries the rendering attributes of one cell. Colors are
// packed 0x00RRGGBB; the high byte is zero for true-color values and
// 0x01 for palette indexes (index in the low byte).
type CellStyle struct {
	Foreground uint32 `cbor:"fg"`
	Background uint32 `cbor:"bg"`
	Attributes uint16 `cbor:"attrs,omitempty"`
}

// Cell attribute bits.
const (
	StyleBold uint16 = 1 << iota
	StyleItalic
	StyleUnderline
	StyleReverse
	StyleStrikethrough
	StyleDim
)

// Cell is one styled grapheme on a pane row. Text holds the full
// grapheme cluster; wide glyphs occupy one Cell and the server pads
// the following column with an empty-text cell.
type Cell struct {
	Text  string    `cbor:"t"`
	Style CellStyle `cbor:"s,omitempty"`
}

// Line is one rendered pane row: an ordered sequence of styled cells
// plus the server-assigned monotonic version for that row. Lines are
// replaced wholesale on update, never mutated cell by cell.
type Line struct {
	Cells []Cell `cbor:"cells"`
	Seqno uint64 `cbor:"seqno"`
}

// Kind is the Pdu type discriminator carried in the envelope. Values
// are protocol constants: changing them breaks wire compatibility.
// Requests occupy 0x01-0x3F, responses 0x41-0x7F, notifications
// 0x81-0xBF.
type Kind uint16

const (
	KindHandshake      Kind = 0x01
	KindPing           Kind = 0x02
	KindListDomains    Kind = 0x03
	KindGetLines       Kind = 0x04
	KindGetPaneChanges Kind = 0x05
	KindSpawnPane      Kind = 0x06
	KindSplitPane      Kind = 0x07
	KindClosePane      Kind = 0x08
	KindResizePane     Kind = 0x09
	KindWriteToPane    Kind = 0x0A
	KindSetClipboard   Kind = 0x0B
	KindSetPaneTitle   Kind = 0x0C

	KindHandshakeReply Kind = 0x41
	KindPong           Kind = 0x42
	KindDomainList     Kind = 0x43
	KindLines          Kind = 0x44
	KindPaneChanges    Kind = 0x45
	KindPaneSpawned    Kind = 0x46
	KindUnitReply      Kind = 0x47
	KindErrorReply     Kind = 0x48

	KindLinesChanged       Kind = 0x81
	KindPaneAdded          Kind = 0x82
	KindPaneRemoved        Kind = 0x83
	KindTabAdded           Kind = 0x84
	KindTabRemoved         Kind = 0x85
	KindWindowAdded        Kind = 0x86
	KindWindowRemoved      Kind = 0x87
	KindTitleChanged       Kind = 0x88
	KindPaneResized        Kind = 0x89
	KindDomainStateChanged Kind = 0x8A
)

// String returns the payload type name for a kind, or "unknown(N)".
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("unknown(0x%02x)", uint16(k))
}

var kindNames = map[Kind]string{
	KindHandshake:          "Handshake",
	KindPing:               "Ping",
	KindListDomains:        "ListDomains",
	KindGetLines:           "GetLines",
	KindGetPaneChanges:     "GetPaneChanges",
	KindSpawnPane:          "SpawnPane",
	KindSplitPane:          "SplitPane",
	KindClosePane:          "ClosePane",
	KindResizePane:         "ResizePane",
	KindWriteToPane:        "WriteToPane",
	KindSetClipboard:       "SetClipboard",
	KindSetPaneTitle:       "SetPaneTitle",
	KindHandshakeReply:     "HandshakeReply",
	KindPong:               "Pong",
	KindDomainList:         "DomainList",
	KindLines:              "Lines",
	KindPaneChanges:        "PaneChanges",
	KindPaneSpawned:        "PaneSpawned",
	KindUnitReply:          "UnitReply",
	KindErrorReply:         "ErrorReply",
	KindLinesChanged:       "LinesChanged",
	KindPaneAdded:          "PaneAdded",
	KindPaneRemoved:        "PaneRemoved",
	KindTabAdded:           "TabAdded",
	KindTabRemoved:         "TabRemoved",
	KindWindowAdded:        "WindowAdded",
	KindWindowRemoved:      "WindowRemoved",
	KindTitleChanged:       "TitleChanged",
	KindPaneResized:        "PaneResized",
	KindDomainStateChanged: "DomainStateChanged",
}

// IsNotification reports whether the kind is a server push. Pushes
// always carry serial zero in the envelope.
func (k Kind) IsNotification() bool { return k >= 0x81 }

// Payload is the closed set of Pdu payload types. The unexported
// marker keeps the set closed: a new message kind is added here, in
// the Kind constants, and in decodeBody, and the compiler flags any
// switch that misses it.
type Payload interface {
	// Kind returns the envelope tag for this payload type.
	Kind() Kind

	payload()
}

// Pdu is one protocol message: a request, response, or notification.
// Serial is unique per outstanding request within one transport
// session; a response carries its request's serial; notifications
// carry NotificationSerial.
type Pdu struct {
	Serial  uint64
	Payload Payload
}

// NotificationSerial is the sentinel serial on server pushes, meaning
// "unsolicited".
const NotificationSerial uint64 = 0

// Handshake is the first request on every session.
type Handshake struct {
	// Version is the protocol version the client speaks.
	Version uint32 `cbor:"version"`

	// ClientID is a client-generated UUID identifying this session
	// in server logs.
	ClientID string `cbor:"client_id"`

	// ClientVersion is the client build version string.
	ClientVersion string `cbor:"client_version"`
}

// HandshakeReply confirms the protocol version.
type HandshakeReply struct {
	Version       uint32 `cbor:"version"`
	ServerVersion string `cbor:"server_version"`
}

// Ping is a keepalive request. The server answers with Pong.
type Ping struct{}

// Pong answers a Ping.
type Pong struct{}

// ListDomains requests the server's full domain/window/tab/pane tree.
type ListDomains struct{}

// DomainList carries the server's current session tree.
type DomainList struct {
	Domains []DomainSummary `cbor:"domains"`
}

// DomainSummary describes one domain and its windows.
type DomainSummary struct {
	ID      DomainID        `cbor:"id"`
	Name    string          `cbor:"name"`
	Windows []WindowSummary `cbor:"windows,omitempty"`
}

// WindowSummary describes one window and its tabs.
type WindowSummary struct {
	ID    WindowID     `cbor:"id"`
	Title string       `cbor:"title,omitempty"`
	Tabs  []TabSummary `cbor:"tabs,omitempty"`
}

// TabSummary describes one tab and its panes.
type TabSummary struct {
	ID    TabID         `cbor:"id"`
	Title string        `cbor:"title,omitempty"`
	Panes []PaneSummary `cbor:"panes,omitempty"`
}

// PaneSummary describes one pane.
type PaneSummary struct {
	ID     PaneID `cbor:"id"`
	Title  string `cbor:"title,omitempty"`
	Rows   int    `cbor:"rows"`
	Cols   int    `cbor:"cols"`
	Active bool   `cbor:"active,omitempty"`
}

// GetLines requests the rendered content of a row range.
type GetLines struct {
	Pane PaneID   `cbor:"pane"`
	Rows RowRange `cbor:"rows"`
}

// Lines answers GetLines. Lines[i] is row Start+i of the pane.
type Lines struct {
	Pane  PaneID `cbor:"pane"`
	Start int    `cbor:"start"`
	Lines []Line `cbor:"lines"`
}

// GetPaneChanges asks whether any row of the pane has changed since
// the given seqno. Used by the poll path between pushed notifications.
type GetPaneChanges struct {
	Pane  PaneID `cbor:"pane"`
	Since uint64 `cbor:"since"`
}

// PaneChanges answers GetPaneChanges with the row ranges whose seqno
// now exceeds the requested baseline.
type PaneChanges struct {
	Pane    PaneID     `cbor:"pane"`
	Seqno   uint64     `cbor:"seqno"`
	Changed []RowRange `cbor:"changed,omitempty"`
}

// SpawnPane requests a new pane in a fresh window of the domain.
type SpawnPane struct {
	Domain  DomainID `cbor:"domain"`
	Command []string `cbor:"command,omitempty"`
	Rows    int      `cbor:"rows"`
	Cols    int      `cbor:"cols"`
}

// SplitDirection selects the axis of a pane split.
type SplitDirection uint8

const (
	// SplitHorizontal places the new pane beside the existing one.
	SplitHorizontal SplitDirection = iota
	// SplitVertical places the new pane below the existing one.
	SplitVertical
)

// SplitPane requests a new pane splitting an existing one.
type SplitPane struct {
	Pane      PaneID         `cbor:"pane"`
	Direction SplitDirection `cbor:"direction"`
	Command   []string       `cbor:"command,omitempty"`
}

// PaneSpawned answers SpawnPane and SplitPane with the authoritative
// identifiers of the new pane and its position in the tree.
type PaneSpawned struct {
	Domain DomainID `cbor:"domain"`
	Window WindowID `cbor:"window"`
	Tab    TabID    `cbor:"tab"`
	Pane   PaneID   `cbor:"pane"`
	Rows   int      `cbor:"rows"`
	Cols   int      `cbor:"cols"`
}

// ClosePane requests removal of a pane.
type ClosePane struct {
	Pane PaneID `cbor:"pane"`
}

// ResizePane requests new dimensions for a pane.
type ResizePane struct {
	Pane PaneID `cbor:"pane"`
	Rows int    `cbor:"rows"`
	Cols int    `cbor:"cols"`
}

// WriteToPane sends input bytes to the process in a pane.
type WriteToPane struct {
	Pane PaneID `cbor:"pane"`
	Data []byte `cbor:"data"`
}

// SetClipboard pushes clipboard content associated with a pane.
type SetClipboard struct {
	Pane PaneID `cbor:"pane"`
	Data []byte `cbor:"data"`
}

// SetPaneTitle requests a pane title change.
type SetPaneTitle struct {
	Pane  PaneID `cbor:"pane"`
	Title string `cbor:"title"`
}

// UnitReply is the generic success response for requests that return
// no data (resize, write, close, clipboard, title).
type UnitReply struct{}

// ErrorReply is the server's error response for a specific request.
// It is surfaced only to that request's caller, never fatal to the
// session.
type ErrorReply struct {
	Code    string `cbor:"code"`
	Message string `cbor:"message"`
}

// Server error codes carried in ErrorReply.Code.
const (
	ErrCodeUnknownPane        = "UNKNOWN_PANE"
	ErrCodeUnknownDomain      = "UNKNOWN_DOMAIN"
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
	ErrCodeUnsupportedVersion = "UNSUPPORTED_VERSION"
	ErrCodeInternal           = "INTERNAL"
)

// LinesChanged notifies that rows of a pane changed on the server. The
// client marks the range dirty and refetches lazily on next access.
type LinesChanged struct {
	Pane  PaneID   `cbor:"pane"`
	Rows  RowRange `cbor:"rows"`
	Seqno uint64   `cbor:"seqno"`
}

// PaneAdded notifies that a pane appeared in a tab.
type PaneAdded struct {
	Tab  TabID       `cbor:"tab"`
	Pane PaneSummary `cbor:"pane"`
}

// PaneRemoved notifies that a pane is gone. The client destroys the
// directory record and any cached surface content.
type PaneRemoved struct {
	Pane PaneID `cbor:"pane"`
}

// TabAdded notifies that a tab appeared in a window.
type TabAdded struct {
	Window WindowID   `cbor:"window"`
	Tab    TabSummary `cbor:"tab"`
}

// TabRemoved notifies that a tab is gone.
type TabRemoved struct {
	Tab TabID `cbor:"tab"`
}

// WindowAdded notifies that a window appeared in a domain.
type WindowAdded struct {
	Domain DomainID      `cbor:"domain"`
	Window WindowSummary `cbor:"window"`
}

// WindowRemoved notifies that a window is gone.
type WindowRemoved struct {
	Window WindowID `cbor:"window"`
}

// TitleChanged notifies a title change. Exactly one of Pane, Tab, or
// Window is non-zero and names the changed record.
type TitleChanged struct {
	Pane   PaneID   `cbor:"pane,omitempty"`
	Tab    TabID    `cbor:"tab,omitempty"`
	Window WindowID `cbor:"window,omitempty"`
	Title  string   `cbor:"title"`
}

// PaneResized notifies that a pane's dimensions changed server-side.
type PaneResized struct {
	Pane PaneID `cbor:"pane"`
	Rows int    `cbor:"rows"`
	Cols int    `cbor:"cols"`
}

// DomainStateChanged notifies a domain connectivity transition
// reported by the server (for domains the server itself proxies).
type DomainStateChanged struct {
	Domain DomainID `cbor:"domain"`
	State  string   `cbor:"state"`
}

// Kind implementations. One line each; the envelope codec relies on
// these being total over the payload set.

func (*Handshake) Kind() Kind          { return KindHandshake }
func (*Ping) Kind() Kind               { return KindPing }
func (*ListDomains) Kind() Kind        { return KindListDomains }
func (*GetLines) Kind() Kind           { return KindGetLines }
func (*GetPaneChanges) Kind() Kind     { return KindGetPaneChanges }
func (*SpawnPane) Kind() Kind          { return KindSpawnPane }
func (*SplitPane) Kind() Kind          { return KindSplitPane }
func (*ClosePane) Kind() Kind          { return KindClosePane }
func (*ResizePane) Kind() Kind         { return KindResizePane }
func (*WriteToPane) Kind() Kind        { return KindWriteToPane }
func (*SetClipboard) Kind() Kind       { return KindSetClipboard }
func (*SetPaneTitle) Kind() Kind       { return KindSetPaneTitle }
func (*HandshakeReply) Kind() Kind     { return KindHandshakeReply }
func (*Pong) Kind() Kind               { return KindPong }
func (*DomainList) Kind() Kind         { return KindDomainList }
func (*Lines) Kind() Kind              { return KindLines }
func (*PaneChanges) Kind() Kind        { return KindPaneChanges }
func (*PaneSpawned) Kind() Kind        { return KindPaneSpawned }
func (*UnitReply) Kind() Kind          { return KindUnitReply }
func (*ErrorReply) Kind() Kind         { return KindErrorReply }
func (*LinesChanged) Kind() Kind       { return KindLinesChanged }
func (*PaneAdded) Kind() Kind          { return KindPaneAdded }
func (*PaneRemoved) Kind() Kind        { return KindPaneRemoved }
func (*TabAdded) Kind() Kind           { return KindTabAdded }
func (*TabRemoved) Kind() Kind         { return KindTabRemoved }
func (*WindowAdded) Kind() Kind        { return KindWindowAdded }
func (*WindowRemoved) Kind() Kind      { return KindWindowRemoved }
func (*TitleChanged) Kind() Kind       { return KindTitleChanged }
func (*PaneResized) Kind() Kind        { return KindPaneResized }
func (*DomainStateChanged) Kind() Kind { return KindDomainStateChanged }

func (*Handshake) payload()          {}
func (*Ping) payload()               {}
func (*ListDomains) payload()        {}
func (*GetLines) payload()           {}
func (*GetPaneChanges) payload()     {}
func (*SpawnPane) payload()          {}
func (*SplitPane) payload()          {}
func (*ClosePane) payload()          {}
func (*ResizePane) payload()         {}
func (*WriteToPane) payload()        {}
func (*SetClipboard) payload()       {}
func (*SetPaneTitle) payload()       {}
func (*HandshakeReply) payload()     {}
func (*Pong) payload()               {}
func (*DomainList) payload()         {}
func (*Lines) payload()              {}
func (*PaneChanges) payload()        {}
func (*PaneSpawned) payload()        {}
func (*UnitReply) payload()          {}
func (*ErrorReply) payload()         {}
func (*LinesChanged) payload()       {}
func (*PaneAdded) payload()          {}
func (*PaneRemoved) payload()        {}
func (*TabAdded) payload()           {}
func (*TabRemoved) payload()         {}
func (*WindowAdded) payload()        {}
func (*WindowRemoved) payload()      {}
func (*TitleChanged) payload()       {}
func (*PaneResized) payload()        {}
func (*DomainStateChanged) payload() {}
