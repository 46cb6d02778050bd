// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package mux

import (
	"sort"

	"github.com/weftproject/weft/wire"
)

// Snapshot types: a point-in-time copy of the directory tree handed to
// the renderer. Snapshots share nothing with the live records.

// DomainTree is one domain and its windows. Connectivity is the merged
// connection state: the server's report for the domain, overridden by
// the client's own link state when the client itself is not connected.
type DomainTree struct {
	ID           wire.DomainID
	Name         string
	State        RecordState
	Connectivity string
	Windows      []WindowTree
}

// WindowTree is one window and its tabs.
type WindowTree struct {
	ID    wire.WindowID
	Title string
	Tabs  []TabTree
}

// TabTree is one tab and its panes.
type TabTree struct {
	ID    wire.TabID
	Title string
	Panes []PaneTree
}

// PaneTree is one pane's identity and metadata.
type PaneTree struct {
	ID         wire.PaneID
	Title      string
	Rows, Cols int
}

// Snapshot returns a deep copy of the current tree, domains ordered by
// identifier. Removed records are excluded.
func (d *Directory) Snapshot() []DomainTree {
	d.mu.Lock()
	defer d.mu.Unlock()

	var result []DomainTree
	for _, domain := range d.domains {
		if domain.State != StateActive {
			continue
		}
		tree := DomainTree{
			ID:           domain.ID,
			Name:         domain.Name,
			State:        domain.State,
			Connectivity: domain.Connectivity,
		}
		for _, windowID := range domain.Windows {
			window := d.windows[windowID]
			if window == nil || window.State != StateActive {
				continue
			}
			windowTree := WindowTree{ID: window.ID, Title: window.Title}
			for _, tabID := range window.Tabs {
				tab := d.tabs[tabID]
				if tab == nil || tab.State != StateActive {
					continue
				}
				tabTree := TabTree{ID: tab.ID, Title: tab.Title}
				for _, paneID := range tab.Panes {
					pane := d.panes[paneID]
					if pane == nil || pane.State != StateActive {
						continue
					}
					tabTree.Panes = append(tabTree.Panes, PaneTree{
						ID:    pane.ID,
						Title: pane.Title,
						Rows:  pane.Rows,
						Cols:  pane.Cols,
					})
				}
				windowTree.Tabs = append(windowTree.Tabs, tabTree)
			}
			tree.Windows = append(tree.Windows, windowTree)
		}
		result = append(result, tree)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}
