// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package builder

import (
	"context"
	"maps"
	"path/filepath"
	"strings"

	"github.com/kilnworks/kiln/internal/xmaps"
	"github.com/kilnworks/kiln/kilnstore"
)

// An EnvironmentView is the isolated environment computed for a derivation.
// It contains only the variables the derivation declares
// plus a search path derived from the derivation's inputs.
// No ambient environment variable leaks in.
type EnvironmentView struct {
	vars       map[string]string
	searchPath []string
}

// Lookup returns the value of the named declared variable.
func (v *EnvironmentView) Lookup(name string) (string, bool) {
	if name == "PATH" {
		return strings.Join(v.searchPath, ":"), true
	}
	value, ok := v.vars[name]
	return value, ok
}

// SearchPath returns the binary directories of the derivation's inputs
// in declared input order.
func (v *EnvironmentView) SearchPath() []string {
	return v.searchPath
}

// Environ returns the environment in the form used by [os/exec.Cmd],
// sorted by variable name.
func (v *EnvironmentView) Environ() []string {
	environ := make([]string, 0, len(v.vars)+1)
	for k, value := range xmaps.Sorted(v.vars) {
		environ = append(environ, k+"="+value)
	}
	environ = append(environ, "PATH="+strings.Join(v.searchPath, ":"))
	return environ
}

// Materialize computes the environment for the given derivation.
// All of the derivation's inputs must already be present in the store:
// Materialize never triggers a build of a missing input,
// it reports a [*MissingInputError] instead.
//
// The produced environment holds exactly the derivation's declared attributes
// (plus name, builder, and system)
// and a search path listing each input's bin directory in declared input order.
// A declared PATH attribute does not replace the derived search path:
// its directories are appended after the input bin directories.
func (b *Builder) Materialize(ctx context.Context, drv *kilnstore.Derivation) (*EnvironmentView, error) {
	v := &EnvironmentView{
		vars: make(map[string]string, len(drv.Env)+3),
	}
	maps.Copy(v.vars, drv.Env)
	v.vars["name"] = drv.Name
	v.vars["builder"] = drv.Builder
	v.vars["system"] = drv.System

	for _, src := range drv.InputSources.All() {
		present, err := b.store.Exists(ctx, string(src))
		if err != nil {
			return nil, err
		}
		if !present {
			return nil, &MissingInputError{Input: src}
		}
		v.searchPath = append(v.searchPath, src.Join("bin"))
	}
	// A declared PATH attribute extends the derived search path
	// rather than appearing as an ordinary variable.
	// Input bin directories stay first.
	var declaredPath string
	if p, ok := v.vars["PATH"]; ok {
		declaredPath = p
		delete(v.vars, "PATH")
	}

	for ref := range drv.InputDerivationOutputs() {
		outPath, err := b.store.FindRealization(ctx, ref)
		if err != nil {
			return nil, err
		}
		if outPath == "" {
			return nil, &MissingInputError{Input: ref.DrvPath}
		}
		present, err := b.store.Exists(ctx, string(outPath))
		if err != nil {
			return nil, err
		}
		if !present {
			return nil, &MissingInputError{Input: outPath}
		}
		v.searchPath = append(v.searchPath, outPath.Join("bin"))
	}
	for _, dir := range filepath.SplitList(declaredPath) {
		if dir != "" {
			v.searchPath = append(v.searchPath, dir)
		}
	}
	return v, nil
}

// addBaseEnv fills in the well-known variables
// that every phase process receives regardless of the recipe.
// Variables already present in m are left untouched.
func addBaseEnv(m map[string]string, storeDir kilnstore.Directory, workDir string) {
	defaults := map[string]string{
		"HOME":           "/home-not-set",
		"KILN_STORE":     string(storeDir),
		"KILN_BUILD_TOP": workDir,
		"TMPDIR":         workDir,
		"TEMPDIR":        workDir,
		"TMP":            workDir,
		"TEMP":           workDir,
		"PWD":            workDir,
		"TERM":           "xterm-256color",
	}
	for k, value := range defaults {
		if _, ok := m[k]; !ok {
			m[k] = value
		}
	}
}
