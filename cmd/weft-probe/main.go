// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

// weft-probe connects to a weft multiplexer server, prints the session
// tree, and optionally dumps the current content of one pane. It is
// the protocol smoke test: if weft-probe works, the transport, the
// handshake, the directory, and the surface cache all work.
//
// Usage:
//
//	weft-probe --socket /run/weft/mux.sock
//	weft-probe --address mux.example.net:7800 --pane 12 --rows 0:24
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/weftproject/weft/lib/version"
	"github.com/weftproject/weft/mux"
	"github.com/weftproject/weft/session"
	"github.com/weftproject/weft/transport"
	"github.com/weftproject/weft/wire"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var address string
	var socketPath string
	var paneFlag uint64
	var rowsFlag string
	var timeout time.Duration
	var verbose bool

	flagSet := pflag.NewFlagSet("weft-probe", pflag.ContinueOnError)
	flagSet.StringVar(&address, "address", "", "TCP address of the multiplexer server (host:port)")
	flagSet.StringVar(&socketPath, "socket", "", "Unix socket path of the multiplexer server")
	flagSet.Uint64Var(&paneFlag, "pane", 0, "pane to dump after listing the tree")
	flagSet.StringVar(&rowsFlag, "rows", "0:24", "row range to dump, start:end (end exclusive)")
	flagSet.DurationVar(&timeout, "timeout", 10*time.Second, "per-request timeout")
	flagSet.BoolVar(&verbose, "verbose", false, "log protocol activity to stderr")
	flagSet.BoolP("help", "h", false, "show help")

	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.Print("weft-probe")
		return nil
	}

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			flagSet.PrintDefaults()
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		fmt.Println("weft-probe - inspect a weft multiplexer server")
		fmt.Println()
		flagSet.PrintDefaults()
		return nil
	}

	if (address == "") == (socketPath == "") {
		return fmt.Errorf("exactly one of --address or --socket is required")
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	dial := transport.Bind(&transport.TCPDialer{Timeout: timeout}, address)
	if socketPath != "" {
		dial = transport.Bind(&transport.UnixDialer{Timeout: timeout}, socketPath)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	client, err := mux.New(ctx, mux.Config{
		Dial:          dial,
		Logger:        logger,
		ClientVersion: version.Info(),
	})
	if err != nil {
		return err
	}
	defer client.Close()

	printTree(client.Snapshot())

	if paneFlag == 0 {
		return nil
	}
	rows, err := parseRowRange(rowsFlag)
	if err != nil {
		return err
	}
	return dumpPane(client, wire.PaneID(paneFlag), rows, timeout)
}

// printTree renders the session tree with two-space indentation per
// level.
func printTree(domains []mux.DomainTree) {
	for _, domain := range domains {
		fmt.Printf("domain %d %q\n", domain.ID, domain.Name)
		for _, window := range domain.Windows {
			fmt.Printf("  window %d %q\n", window.ID, window.Title)
			for _, tab := range window.Tabs {
				fmt.Printf("    tab %d %q\n", tab.ID, tab.Title)
				for _, pane := range tab.Panes {
					fmt.Printf("      pane %d %q %dx%d\n", pane.ID, pane.Title, pane.Cols, pane.Rows)
				}
			}
		}
	}
}

// dumpPane fetches and prints the pane's text content, one row per
// line, styling dropped.
func dumpPane(client *mux.Client, pane wire.PaneID, rows wire.RowRange, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	client.SetActivePane(pane)
	lines, err := client.GetLines(ctx, pane, rows)
	if err != nil {
		if session.IsServerError(err, wire.ErrCodeUnknownPane) {
			return fmt.Errorf("pane %d does not exist on the server", pane)
		}
		return fmt.Errorf("pane %d: %w", pane, err)
	}
	for index, line := range lines {
		var text strings.Builder
		for _, cell := range line.Cells {
			text.WriteString(cell.Text)
		}
		fmt.Printf("%4d| %s\n", rows.Start+index, text.String())
	}
	return nil
}

// parseRowRange parses "start:end" into a half-open row range.
func parseRowRange(raw string) (wire.RowRange, error) {
	start, end, found := strings.Cut(raw, ":")
	if !found {
		return wire.RowRange{}, fmt.Errorf("invalid --rows %q: want start:end", raw)
	}
	first, err := strconv.Atoi(start)
	if err != nil {
		return wire.RowRange{}, fmt.Errorf("invalid --rows start %q: %w", start, err)
	}
	last, err := strconv.Atoi(end)
	if err != nil {
		return wire.RowRange{}, fmt.Errorf("invalid --rows end %q: %w", end, err)
	}
	if first < 0 || last <= first {
		return wire.RowRange{}, fmt.Errorf("invalid --rows %q: need 0 <= start < end", raw)
	}
	return wire.RowRange{Start: first, End: last}, nil
}
