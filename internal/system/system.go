// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

// Package system implements parsing of build platform identifiers.
package system

import (
	"fmt"
	"runtime"
	"strings"
)

// A System identifies an operating system and architecture pair
// that a derivation is intended to run on,
// in the form "<arch>-<os>" (for example "x86_64-linux").
type System struct {
	Arch string
	OS   string
}

// Parse parses a system string into a [System].
func Parse(s string) (System, error) {
	arch, os, ok := strings.Cut(s, "-")
	if !ok {
		return System{}, fmt.Errorf("parse system %q: missing operating system", s)
	}
	if arch == "" {
		return System{}, fmt.Errorf("parse system %q: missing architecture", s)
	}
	if os == "" || strings.Contains(os, "-") {
		return System{}, fmt.Errorf("parse system %q: invalid operating system %q", s, os)
	}
	return System{Arch: arch, OS: os}, nil
}

// String returns the system in its "<arch>-<os>" form.
func (sys System) String() string {
	return sys.Arch + "-" + sys.OS
}

// Current returns the [System] of the running process.
func Current() System {
	return System{
		Arch: currentArch(),
		OS:   currentOS(),
	}
}

func currentArch() string {
	switch runtime.GOARCH {
	case "amd64":
		return "x86_64"
	case "386":
		return "i686"
	case "arm64":
		return "aarch64"
	case "riscv64":
		return "riscv64"
	default:
		return runtime.GOARCH
	}
}

func currentOS() string {
	switch runtime.GOOS {
	case "darwin":
		return "macos"
	default:
		return runtime.GOOS
	}
}
