// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package mux

import (
	"sync"
	"time"

	"github.com/weftproject/weft/lib/clock"
	"github.com/weftproject/weft/wire"
)

// RecordState is the lifecycle of one directory record.
type RecordState int

const (
	// StatePending marks a record whose authoritative identifier has
	// not yet arrived from the server.
	StatePending RecordState = iota
	// StateActive marks a confirmed record.
	StateActive
	// StateRemoved is terminal. The record lingers briefly so that
	// late notifications naming it resolve cleanly, then it is purged.
	StateRemoved
)

func (s RecordState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// removedGracePeriod is how long a Removed record is retained before
// purge. Notifications that raced the removal still find the record
// during this window.
const removedGracePeriod = 30 * time.Second

// Record types. The tree owns its shape through the child identifier
// slices; the directory's flat maps are the index. No record holds a
// pointer to another record.

// DomainRecord is one multiplexer domain.
type DomainRecord struct {
	ID      wire.DomainID
	Name    string
	State   RecordState
	Windows []wire.WindowID

	// Connectivity is the server-reported connection state for domains
	// the server itself proxies ("connected", "degraded", ...). Empty
	// until the server reports one.
	Connectivity string

	removedAt time.Time
}

// WindowRecord is one top-level window in a domain.
type WindowRecord struct {
	ID     wire.WindowID
	Domain wire.DomainID
	Title  string
	State  RecordState
	Tabs   []wire.TabID

	removedAt time.Time
}

// TabRecord is one tab in a window.
type TabRecord struct {
	ID     wire.TabID
	Window wire.WindowID
	Title  string
	State  RecordState
	Panes  []wire.PaneID

	removedAt time.Time
}

// PaneRecord is one pane in a tab.
type PaneRecord struct {
	ID         wire.PaneID
	Tab        wire.TabID
	Title      string
	Rows, Cols int
	State      RecordState

	removedAt time.Time
}

// Directory mirrors the server's Domain→Window→Tab→Pane tree. It is
// mutated only from server notifications, confirmed responses to
// structural requests, and reconnection reconciliation — the client
// never invents structure on its own authority.
type Directory struct {
	clock clock.Clock

	mu      sync.Mutex
	domains map[wire.DomainID]*DomainRecord
	windows map[wire.WindowID]*WindowRecord
	tabs    map[wire.TabID]*TabRecord
	panes   map[wire.PaneID]*PaneRecord

	// pendingSpawns counts in-flight spawn/split requests. While it is
	// non-zero a placeholder record under wire.PanePending stands in
	// for the pane whose authoritative identifier has not arrived yet.
	pendingSpawns int
}

// NewDirectory creates an empty directory.
func NewDirectory(timeSource clock.Clock) *Directory {
	if timeSource == nil {
		timeSource = clock.Real()
	}
	return &Directory{
		clock:   timeSource,
		domains: make(map[wire.DomainID]*DomainRecord),
		windows: make(map[wire.WindowID]*WindowRecord),
		tabs:    make(map[wire.TabID]*TabRecord),
		panes:   make(map[wire.PaneID]*PaneRecord),
	}
}

// Reconcile replaces the directory's view with the server-reported
// tree: records present remotely but not locally are added, records
// present locally but not remotely are marked removed. It returns the
// identifiers of panes that disappeared, so the caller can release
// their cached surfaces.
func (d *Directory) Reconcile(list *wire.DomainList) []wire.PaneID {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.purgeExpiredLocked()

	remoteDomains := make(map[wire.DomainID]bool)
	remoteWindows := make(map[wire.WindowID]bool)
	remoteTabs := make(map[wire.TabID]bool)
	remotePanes := make(map[wire.PaneID]bool)

	for _, domain := range list.Domains {
		remoteDomains[domain.ID] = true
		record := d.domains[domain.ID]
		if record == nil {
			record = &DomainRecord{ID: domain.ID}
			d.domains[domain.ID] = record
		}
		record.Name = domain.Name
		record.State = StateActive
		record.Windows = record.Windows[:0]

		for _, window := range domain.Windows {
			remoteWindows[window.ID] = true
			record.Windows = append(record.Windows, window.ID)
			d.mergeWindowLocked(domain.ID, window, remoteTabs, remotePanes)
		}
	}

	var removedPanes []wire.PaneID
	now := d.clock.Now()
	for id, pane := range d.panes {
		if !remotePanes[id] && pane.State != StateRemoved {
			pane.State = StateRemoved
			pane.removedAt = now
			removedPanes = append(removedPanes, id)
		}
	}
	for id, tab := range d.tabs {
		if !remoteTabs[id] && tab.State != StateRemoved {
			tab.State = StateRemoved
			tab.removedAt = now
		}
	}
	for id, window := range d.windows {
		if !remoteWindows[id] && window.State != StateRemoved {
			window.State = StateRemoved
			window.removedAt = now
		}
	}
	for id, domain := range d.domains {
		if !remoteDomains[id] && domain.State != StateRemoved {
			domain.State = StateRemoved
			domain.removedAt = now
		}
	}
	return removedPanes
}

// mergeWindowLocked installs one server-reported window subtree.
func (d *Directory) mergeWindowLocked(domain wire.DomainID, window wire.WindowSummary, remoteTabs map[wire.TabID]bool, remotePanes map[wire.PaneID]bool) {
	record := d.windows[window.ID]
	if record == nil {
		record = &WindowRecord{ID: window.ID}
		d.windows[window.ID] = record
	}
	record.Domain = domain
	record.Title = window.Title
	record.State = StateActive
	record.Tabs = record.Tabs[:0]

	for _, tab := range window.Tabs {
		remoteTabs[tab.ID] = true
		record.Tabs = append(record.Tabs, tab.ID)
		d.mergeTabLocked(window.ID, tab, remotePanes)
	}
}

// mergeTabLocked installs one server-reported tab subtree.
func (d *Directory) mergeTabLocked(window wire.WindowID, tab wire.TabSummary, remotePanes map[wire.PaneID]bool) {
	record := d.tabs[tab.ID]
	if record == nil {
		record = &TabRecord{ID: tab.ID}
		d.tabs[tab.ID] = record
	}
	record.Window = window
	record.Title = tab.Title
	record.State = StateActive
	record.Panes = record.Panes[:0]

	for _, pane := range tab.Panes {
		remotePanes[pane.ID] = true
		record.Panes = append(record.Panes, pane.ID)
		d.mergePaneLocked(tab.ID, pane)
	}
}

// mergePaneLocked installs one server-reported pane.
func (d *Directory) mergePaneLocked(tab wire.TabID, pane wire.PaneSummary) {
	record := d.panes[pane.ID]
	if record == nil {
		record = &PaneRecord{ID: pane.ID}
		d.panes[pane.ID] = record
	}
	record.Tab = tab
	record.Title = pane.Title
	record.Rows, record.Cols = pane.Rows, pane.Cols
	record.State = StateActive
}

// BeginSpawn installs the placeholder record for an in-flight spawn
// or split. The placeholder holds the transient pending identifier —
// the only identifier the client ever generates — until the server's
// authoritative one arrives.
func (d *Directory) BeginSpawn() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pendingSpawns++
	if d.panes[wire.PanePending] == nil {
		d.panes[wire.PanePending] = &PaneRecord{ID: wire.PanePending, State: StatePending}
	}
}

// EndSpawn retires one in-flight spawn. The placeholder disappears
// when no spawns remain outstanding.
func (d *Directory) EndSpawn() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.pendingSpawns--; d.pendingSpawns <= 0 {
		d.pendingSpawns = 0
		delete(d.panes, wire.PanePending)
	}
}

// ConfirmSpawn installs the authoritative identifiers from a spawn or
// split response, creating any tree levels the client has not seen a
// notification for yet.
func (d *Directory) ConfirmSpawn(spawned *wire.PaneSpawned) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.purgeExpiredLocked()

	domain := d.domains[spawned.Domain]
	if domain == nil {
		domain = &DomainRecord{ID: spawned.Domain, State: StateActive}
		d.domains[spawned.Domain] = domain
	}
	window := d.windows[spawned.Window]
	if window == nil {
		window = &WindowRecord{ID: spawned.Window, Domain: spawned.Domain, State: StateActive}
		d.windows[spawned.Window] = window
		domain.Windows = append(domain.Windows, spawned.Window)
	}
	tab := d.tabs[spawned.Tab]
	if tab == nil {
		tab = &TabRecord{ID: spawned.Tab, Window: spawned.Window, State: StateActive}
		d.tabs[spawned.Tab] = tab
		window.Tabs = append(window.Tabs, spawned.Tab)
	}
	pane := d.panes[spawned.Pane]
	if pane == nil {
		pane = &PaneRecord{ID: spawned.Pane}
		d.panes[spawned.Pane] = pane
		tab.Panes = append(tab.Panes, spawned.Pane)
	}
	pane.Tab = spawned.Tab
	pane.Rows, pane.Cols = spawned.Rows, spawned.Cols
	pane.State = StateActive
}

// Notification application. Each applies one server push; a push
// naming an unknown or removed record is ignored.

// AddPane applies a PaneAdded push.
func (d *Directory) AddPane(added *wire.PaneAdded) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.purgeExpiredLocked()

	tab := d.tabs[added.Tab]
	if tab == nil || tab.State == StateRemoved {
		return
	}
	if existing := d.panes[added.Pane.ID]; existing == nil {
		tab.Panes = append(tab.Panes, added.Pane.ID)
	} else if existing.Tab != added.Tab {
		// Re-parent: the pane moved tabs. It must leave the old tab's
		// child list or the snapshot would list it twice.
		if previous := d.tabs[existing.Tab]; previous != nil {
			previous.Panes = removeID(previous.Panes, added.Pane.ID)
		}
		tab.Panes = append(tab.Panes, added.Pane.ID)
	}
	d.mergePaneLocked(added.Tab, added.Pane)
}

// RemovePane applies a PaneRemoved push.
func (d *Directory) RemovePane(id wire.PaneID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.purgeExpiredLocked()

	pane := d.panes[id]
	if pane == nil || pane.State == StateRemoved {
		return
	}
	pane.State = StateRemoved
	pane.removedAt = d.clock.Now()
	if tab := d.tabs[pane.Tab]; tab != nil {
		tab.Panes = removeID(tab.Panes, id)
	}
}

// AddTab applies a TabAdded push.
func (d *Directory) AddTab(added *wire.TabAdded) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.purgeExpiredLocked()

	window := d.windows[added.Window]
	if window == nil || window.State == StateRemoved {
		return
	}
	if d.tabs[added.Tab.ID] == nil {
		window.Tabs = append(window.Tabs, added.Tab.ID)
	}
	remotePanes := make(map[wire.PaneID]bool)
	d.mergeTabLocked(added.Window, added.Tab, remotePanes)
}

// RemoveTab applies a TabRemoved push, cascading to the tab's panes.
func (d *Directory) RemoveTab(id wire.TabID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.purgeExpiredLocked()

	tab := d.tabs[id]
	if tab == nil || tab.State == StateRemoved {
		return
	}
	now := d.clock.Now()
	tab.State = StateRemoved
	tab.removedAt = now
	for _, paneID := range tab.Panes {
		if pane := d.panes[paneID]; pane != nil && pane.State != StateRemoved {
			pane.State = StateRemoved
			pane.removedAt = now
		}
	}
	tab.Panes = nil
	if window := d.windows[tab.Window]; window != nil {
		window.Tabs = removeID(window.Tabs, id)
	}
}

// AddWindow applies a WindowAdded push.
func (d *Directory) AddWindow(added *wire.WindowAdded) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.purgeExpiredLocked()

	domain := d.domains[added.Domain]
	if domain == nil || domain.State == StateRemoved {
		return
	}
	if d.windows[added.Window.ID] == nil {
		domain.Windows = append(domain.Windows, added.Window.ID)
	}
	remoteTabs := make(map[wire.TabID]bool)
	remotePanes := make(map[wire.PaneID]bool)
	d.mergeWindowLocked(added.Domain, added.Window, remoteTabs, remotePanes)
}

// RemoveWindow applies a WindowRemoved push, cascading to tabs and
// panes.
func (d *Directory) RemoveWindow(id wire.WindowID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.purgeExpiredLocked()

	window := d.windows[id]
	if window == nil || window.State == StateRemoved {
		return
	}
	now := d.clock.Now()
	window.State = StateRemoved
	window.removedAt = now
	for _, tabID := range window.Tabs {
		tab := d.tabs[tabID]
		if tab == nil || tab.State == StateRemoved {
			continue
		}
		tab.State = StateRemoved
		tab.removedAt = now
		for _, paneID := range tab.Panes {
			if pane := d.panes[paneID]; pane != nil && pane.State != StateRemoved {
				pane.State = StateRemoved
				pane.removedAt = now
			}
		}
		tab.Panes = nil
	}
	window.Tabs = nil
	if domain := d.domains[window.Domain]; domain != nil {
		domain.Windows = removeID(domain.Windows, id)
	}
}

// SetTitle applies a TitleChanged push to whichever record it names.
func (d *Directory) SetTitle(changed *wire.TitleChanged) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.purgeExpiredLocked()

	switch {
	case changed.Pane != 0:
		if pane := d.panes[changed.Pane]; pane != nil && pane.State != StateRemoved {
			pane.Title = changed.Title
		}
	case changed.Tab != 0:
		if tab := d.tabs[changed.Tab]; tab != nil && tab.State != StateRemoved {
			tab.Title = changed.Title
		}
	case changed.Window != 0:
		if window := d.windows[changed.Window]; window != nil && window.State != StateRemoved {
			window.Title = changed.Title
		}
	}
}

// SetDomainState applies a DomainStateChanged push: the server's view
// of its own connection to a proxied domain.
func (d *Directory) SetDomainState(id wire.DomainID, connectivity string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.purgeExpiredLocked()

	if domain := d.domains[id]; domain != nil && domain.State != StateRemoved {
		domain.Connectivity = connectivity
	}
}

// SetPaneSize records server-confirmed dimensions.
func (d *Directory) SetPaneSize(id wire.PaneID, rows, cols int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if pane := d.panes[id]; pane != nil && pane.State != StateRemoved {
		pane.Rows, pane.Cols = rows, cols
	}
}

// Pane returns a copy of the pane's record.
func (d *Directory) Pane(id wire.PaneID) (PaneRecord, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	pane := d.panes[id]
	if pane == nil {
		return PaneRecord{}, false
	}
	return *pane, true
}

// PaneIDs returns every pane currently active in the directory.
func (d *Directory) PaneIDs() []wire.PaneID {
	d.mu.Lock()
	defer d.mu.Unlock()

	var ids []wire.PaneID
	for id, pane := range d.panes {
		if pane.State == StateActive {
			ids = append(ids, id)
		}
	}
	return ids
}

// purgeExpiredLocked drops Removed records past the grace period.
// Caller holds d.mu.
func (d *Directory) purgeExpiredLocked() {
	cutoff := d.clock.Now().Add(-removedGracePeriod)
	for id, pane := range d.panes {
		if pane.State == StateRemoved && pane.removedAt.Before(cutoff) {
			delete(d.panes, id)
		}
	}
	for id, tab := range d.tabs {
		if tab.State == StateRemoved && tab.removedAt.Before(cutoff) {
			delete(d.tabs, id)
		}
	}
	for id, window := range d.windows {
		if window.State == StateRemoved && window.removedAt.Before(cutoff) {
			delete(d.windows, id)
		}
	}
	for id, domain := range d.domains {
		if domain.State == StateRemoved && domain.removedAt.Before(cutoff) {
			delete(d.domains, id)
		}
	}
}

func removeID[ID comparable](ids []ID, target ID) []ID {
	for index, id := range ids {
		if id == target {
			return append(ids[:index], ids[index+1:]...)
		}
	}
	return ids
}
