// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package builder

import (
	"github.com/kilnworks/kiln/kilnstore"
)

// Phase names, in batch execution order.
const (
	PhaseUnpack    = "unpack"
	PhaseConfigure = "configure"
	PhaseBuild     = "build"
	PhaseInstall   = "install"
	PhaseFixup     = "fixup"
)

// Phases lists all build phases in the order [Builder.RunBatch] executes them.
func Phases() []string {
	return []string{PhaseUnpack, PhaseConfigure, PhaseBuild, PhaseInstall, PhaseFixup}
}

// IsPhase reports whether name is a known phase name.
func IsPhase(name string) bool {
	switch name {
	case PhaseUnpack, PhaseConfigure, PhaseBuild, PhaseInstall, PhaseFixup:
		return true
	default:
		return false
	}
}

// Default phase scripts.
// A recipe overrides a phase by declaring a "<phase>Phase" attribute
// holding replacement script text.
// The unpack and fixup phases have native implementations
// (see unpack.go and fixup.go) that are used
// unless the recipe declares a script for them.
const (
	defaultConfigureScript = `if [ -x ./configure ]; then ./configure --prefix="$out"; fi`
	defaultBuildScript     = `if [ -e Makefile ] || [ -e makefile ]; then make; fi`
	defaultInstallScript   = `mkdir -p "$out"
if [ -e Makefile ] || [ -e makefile ]; then make install; fi`
)

// phaseAttr returns the name of the environment attribute
// that overrides the given phase's script.
func phaseAttr(phase string) string {
	return phase + "Phase"
}

// phaseScript returns the script to run for the given phase
// and whether the phase should run as a script at all.
// Unpack and fixup return ok == false unless the recipe overrides them.
func phaseScript(drv *kilnstore.Derivation, phase string) (script string, ok bool) {
	if script, declared := drv.Env[phaseAttr(phase)]; declared {
		return script, true
	}
	switch phase {
	case PhaseConfigure:
		return defaultConfigureScript, true
	case PhaseBuild:
		return defaultBuildScript, true
	case PhaseInstall:
		return defaultInstallScript, true
	default:
		return "", false
	}
}
