// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports the build version of Weft binaries. The
// client sends this string in the protocol handshake so the server can
// log which client builds are connecting.
package version

import (
	"fmt"
	"runtime/debug"
)

// version is set at build time via
// -ldflags "-X github.com/weftproject/weft/lib/version.version=v1.2.3".
// When unset, Info falls back to module build info.
var version = ""

// Info returns the build version string. Development builds without
// ldflags report the module version recorded by the Go toolchain, or
// "devel" when no build info is available.
func Info() string {
	if version != "" {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "devel"
}

// Print writes "<binary> <version>" to standard output, the shared
// format of every Weft binary's --version flag.
func Print(binary string) {
	fmt.Printf("%s %s\n", binary, Info())
}
