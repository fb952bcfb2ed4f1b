// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

// Package builder realizes derivations:
// it materializes their isolated environments,
// runs their build phases,
// and commits their outputs to the store.
package builder

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/kilnworks/kiln/internal/detect"
	"github.com/kilnworks/kiln/internal/store"
	"github.com/kilnworks/kiln/internal/xmaps"
	"github.com/kilnworks/kiln/kilnstore"
	"github.com/kilnworks/kiln/sets"
	"golang.org/x/sync/errgroup"
	"zombiezen.com/go/log"
	"zombiezen.com/go/nix/nar"
)

// Options holds optional parameters for [New].
type Options struct {
	// Launcher runs phase processes.
	// If nil, [NewExecLauncher] is used.
	Launcher Launcher
	// BuildDir is the directory to create per-build working directories under.
	// If empty, the system temporary directory is used.
	BuildDir string
	// KeepFailed keeps the working directory of a failed build
	// on disk for inspection.
	KeepFailed bool
	// BuildOutput receives the combined stdout and stderr of phase processes.
	// If nil, phase output is discarded.
	BuildOutput io.Writer
}

// A Builder realizes derivations against a single local store.
// Builders are safe to use from multiple goroutines.
type Builder struct {
	store       *store.Store
	launcher    Launcher
	buildDir    string
	keepFailed  bool
	buildOutput io.Writer
}

// New returns a new Builder that commits build results to s.
func New(s *store.Store, opts *Options) *Builder {
	if opts == nil {
		opts = new(Options)
	}
	b := &Builder{
		store:       s,
		launcher:    opts.Launcher,
		buildDir:    opts.BuildDir,
		keepFailed:  opts.KeepFailed,
		buildOutput: opts.BuildOutput,
	}
	if b.launcher == nil {
		b.launcher = NewExecLauncher()
	}
	if b.buildOutput == nil {
		b.buildOutput = io.Discard
	}
	return b
}

// A BuildResult reports the outputs committed for a successful batch build.
type BuildResult struct {
	// DrvPath is the store path of the derivation that was built.
	DrvPath kilnstore.Path
	// Outputs maps output names to the store paths holding their content.
	Outputs map[string]kilnstore.Path
}

// RunBatch builds the derivation at drvPath and everything it depends on,
// committing each successful build's outputs to the store.
// Phases within one derivation run strictly in order
// and the first failing phase aborts that derivation's build
// without committing anything.
// Derivations on disjoint subgraphs of the dependency graph
// build concurrently.
func (b *Builder) RunBatch(ctx context.Context, drvPath kilnstore.Path) (*BuildResult, error) {
	closure, err := b.store.ReadDerivationClosure(ctx, []kilnstore.Path{drvPath})
	if err != nil {
		return nil, err
	}
	run := &batchRun{
		b:        b,
		closure:  closure,
		outcomes: make(map[kilnstore.Path]*outcome),
	}
	outputs, err := run.realize(ctx, drvPath)
	if err != nil {
		return nil, err
	}
	return &BuildResult{DrvPath: drvPath, Outputs: outputs}, nil
}

// A batchRun tracks the realization state for one [Builder.RunBatch] call.
type batchRun struct {
	b       *Builder
	closure map[kilnstore.Path]*kilnstore.Derivation

	mu       sync.Mutex
	outcomes map[kilnstore.Path]*outcome
}

type outcome struct {
	done    chan struct{}
	outputs map[string]kilnstore.Path
	err     error
}

// realize returns the output paths of the derivation at drvPath,
// building it first if the store has no realization for it.
// Concurrent demands for the same derivation share a single build.
func (r *batchRun) realize(ctx context.Context, drvPath kilnstore.Path) (map[string]kilnstore.Path, error) {
	r.mu.Lock()
	o := r.outcomes[drvPath]
	if o == nil {
		o = &outcome{done: make(chan struct{})}
		r.outcomes[drvPath] = o
		r.mu.Unlock()
		o.outputs, o.err = r.force(ctx, drvPath)
		close(o.done)
	} else {
		r.mu.Unlock()
		select {
		case <-o.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return o.outputs, o.err
}

func (r *batchRun) force(ctx context.Context, drvPath kilnstore.Path) (map[string]kilnstore.Path, error) {
	drv := r.closure[drvPath]
	if drv == nil {
		return nil, fmt.Errorf("realize %s: not in closure", drvPath)
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for inputPath := range drv.InputDerivations {
		g.Go(func() error {
			_, err := r.realize(groupCtx, inputPath)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if outputs, ok, err := r.existingOutputs(ctx, drvPath, drv); err != nil {
		return nil, err
	} else if ok {
		log.Debugf(ctx, "Reusing outputs of %s: %s", drvPath, formatOutputPaths(outputs))
		return outputs, nil
	}
	return r.b.buildDerivation(ctx, drvPath, drv)
}

// existingOutputs looks up prior realizations for every output of drv.
// ok is false if any output has not been realized.
func (r *batchRun) existingOutputs(ctx context.Context, drvPath kilnstore.Path, drv *kilnstore.Derivation) (outputs map[string]kilnstore.Path, ok bool, err error) {
	outputs = make(map[string]kilnstore.Path, len(drv.Outputs))
	for outName := range drv.Outputs {
		ref := kilnstore.OutputReference{DrvPath: drvPath, OutputName: outName}
		p, err := r.b.store.FindRealization(ctx, ref)
		if err != nil {
			return nil, false, err
		}
		if p == "" {
			return nil, false, nil
		}
		outputs[outName] = p
	}
	return outputs, true, nil
}

// buildDerivation runs drv's phases in a fresh working directory
// and commits its outputs.
// All of drv's input derivations must have been realized beforehand.
func (b *Builder) buildDerivation(ctx context.Context, drvPath kilnstore.Path, drv *kilnstore.Derivation) (outputs map[string]kilnstore.Path, err error) {
	log.Infof(ctx, "Building %s...", drvPath)
	workTop, err := os.MkdirTemp(b.buildDir, "kiln-build-*")
	if err != nil {
		return nil, fmt.Errorf("build %s: %v", drvPath, err)
	}
	defer func() {
		if err != nil && b.keepFailed {
			log.Infof(ctx, "Build of %s failed; keeping %s for inspection", drvPath, workTop)
			return
		}
		if rmErr := os.RemoveAll(workTop); rmErr != nil {
			log.Warnf(ctx, "Cleaning up build of %s: %v", drvPath, rmErr)
		}
	}()

	tempOuts, err := tempOutputDirs(workTop, drv)
	if err != nil {
		return nil, fmt.Errorf("build %s: %v", drvPath, err)
	}
	expanded, err := b.expand(ctx, drv, tempOuts)
	if err != nil {
		return nil, fmt.Errorf("build %s: %v", drvPath, err)
	}
	env, err := b.Materialize(ctx, expanded)
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", drvPath, err)
	}
	buildDir := filepath.Join(workTop, "build")
	if err := os.Mkdir(buildDir, 0o755); err != nil {
		return nil, fmt.Errorf("build %s: %v", drvPath, err)
	}

	err = b.runPhases(ctx, drvPath, expanded, workTop, buildDir, tempOuts, env)
	if err != nil {
		return nil, err
	}

	// Validate every output before importing any
	// so that a build missing one of its outputs commits nothing.
	staged := make([]*stagedOutput, 0, len(expanded.Outputs))
	for _, outName := range xmaps.SortedKeys(expanded.Outputs) {
		st, err := b.stageOutput(ctx, expanded, outName, tempOuts[outName])
		if err != nil {
			return nil, fmt.Errorf("build %s: %v", drvPath, err)
		}
		staged = append(staged, st)
	}
	outputs = make(map[string]kilnstore.Path, len(staged))
	for _, st := range staged {
		var p kilnstore.Path
		if st.fixed {
			p, err = b.store.ImportFixed(ctx, st.tempDir, st.name, st.fixedCA, st.refs)
		} else {
			p, err = b.store.ImportPath(ctx, st.tempDir, st.name, st.refs)
		}
		if err != nil {
			return nil, fmt.Errorf("build %s: output %s: %v", drvPath, st.outName, err)
		}
		outputs[st.outName] = p
	}
	// Realizations are the visible record of a successful build.
	// They are recorded only once every output has imported,
	// so a partially imported build is never found by later builds.
	for _, st := range staged {
		ref := kilnstore.OutputReference{DrvPath: drvPath, OutputName: st.outName}
		if err := b.store.RecordRealization(ctx, ref, outputs[st.outName]); err != nil {
			return nil, fmt.Errorf("build %s: %v", drvPath, err)
		}
	}
	log.Infof(ctx, "Built %s: %s", drvPath, formatOutputPaths(outputs))
	return outputs, nil
}

// runPhases executes the build phases strictly in order,
// stopping at the first failure.
func (b *Builder) runPhases(ctx context.Context, drvPath kilnstore.Path, drv *kilnstore.Derivation, workTop, buildDir string, tempOuts map[string]string, env *EnvironmentView) error {
	environ := phaseEnviron(env, b.store.Dir(), workTop, tempOuts)
	srcDir := buildDir
	for _, phase := range Phases() {
		script, ok := phaseScript(drv, phase)
		if !ok {
			switch phase {
			case PhaseUnpack:
				var err error
				srcDir, err = b.unpack(ctx, drv, buildDir)
				if err != nil {
					return fmt.Errorf("build %s: %v", drvPath, err)
				}
			case PhaseFixup:
				for _, outName := range xmaps.SortedKeys(tempOuts) {
					if err := b.fixup(ctx, tempOuts[outName]); err != nil {
						return fmt.Errorf("build %s: fixup: %v", drvPath, err)
					}
				}
			}
			continue
		}

		dir := srcDir
		if phase == PhaseUnpack {
			dir = buildDir
		}
		log.Debugf(ctx, "Running %s phase of %s", phase, drvPath)
		exit, err := b.launcher.Run(ctx, &Invocation{
			Program: drv.Builder,
			Args:    append(slices.Clone(drv.Args), script),
			Dir:     dir,
			Env:     environ,
			Stdout:  b.buildOutput,
			Stderr:  b.buildOutput,
		})
		if err != nil {
			return fmt.Errorf("build %s: %s phase: %w", drvPath, phase, err)
		}
		if exit != 0 {
			return &PhaseFailure{DrvPath: drvPath, Phase: phase, ExitStatus: exit}
		}
		if phase == PhaseUnpack {
			srcDir = firstSourceDir(buildDir)
		}
	}
	return nil
}

// A stagedOutput is a validated output tree awaiting import.
type stagedOutput struct {
	outName string
	tempDir string
	name    string
	refs    kilnstore.References
	fixed   bool
	fixedCA kilnstore.ContentAddress
}

// stageOutput scans a completed output tree for references to build inputs
// and validates it against its declared output type.
// It does not write to the store:
// imports happen only after every output of the build has staged.
func (b *Builder) stageOutput(ctx context.Context, drv *kilnstore.Derivation, outName string, tempDir string) (*stagedOutput, error) {
	if _, err := os.Lstat(tempDir); err != nil {
		return nil, fmt.Errorf("output %s: %v", outName, err)
	}
	refs, err := b.scanReferences(ctx, drv, tempDir)
	if err != nil {
		return nil, fmt.Errorf("output %s: %v", outName, err)
	}

	st := &stagedOutput{
		outName: outName,
		tempDir: tempDir,
		name:    drv.Name,
		refs:    refs,
	}
	if outName != kilnstore.DefaultDerivationOutputName {
		st.name += "-" + outName
	}
	outType := drv.Outputs[outName]
	if outType == nil {
		return nil, fmt.Errorf("output %s: no such output", outName)
	}
	if ca, fixed := outType.FixedCA(); fixed {
		if !refs.IsEmpty() {
			return nil, fmt.Errorf("output %s: fixed output contains references", outName)
		}
		if err := b.store.VerifyContentAddress(tempDir, ca); err != nil {
			return nil, fmt.Errorf("output %s: %v", outName, err)
		}
		st.fixed = true
		st.fixedCA = ca
	}
	return st, nil
}

// scanReferences determines which store paths
// in the closure of drv's inputs
// the tree at localPath mentions by digest.
func (b *Builder) scanReferences(ctx context.Context, drv *kilnstore.Derivation, localPath string) (kilnstore.References, error) {
	direct := new(sets.Sorted[kilnstore.Path])
	direct.AddSet(&drv.InputSources)
	for ref := range drv.InputDerivationOutputs() {
		p, err := b.store.FindRealization(ctx, ref)
		if err != nil {
			return kilnstore.References{}, err
		}
		if p != "" {
			direct.Add(p)
		}
	}

	byDigest := make(map[string]kilnstore.Path)
	for _, p := range direct.All() {
		closure, err := b.store.Closure(ctx, p)
		if err != nil {
			return kilnstore.References{}, err
		}
		for _, q := range closure.All() {
			byDigest[q.Digest()] = q
		}
	}
	if len(byDigest) == 0 {
		return kilnstore.References{}, nil
	}

	var digestLength int
	for digest := range byDigest {
		digestLength = len(digest)
		break
	}
	scanner := detect.NewScanner(digestLength, maps.Keys(byDigest))
	if err := nar.DumpPath(scanner, localPath); err != nil {
		return kilnstore.References{}, err
	}
	var refs kilnstore.References
	for digest := range scanner.Found().Values() {
		refs.Others.Add(byDigest[digest])
	}
	return refs, nil
}

// expand rewrites placeholders in drv:
// output placeholders become temporary output directories
// and input derivation output placeholders become realized store paths.
func (b *Builder) expand(ctx context.Context, drv *kilnstore.Derivation, tempOuts map[string]string) (*kilnstore.Derivation, error) {
	var rewrites []string
	for outName, dir := range tempOuts {
		rewrites = append(rewrites, kilnstore.HashPlaceholder(outName), dir)
	}
	for ref := range drv.InputDerivationOutputs() {
		p, err := b.store.FindRealization(ctx, ref)
		if err != nil {
			return nil, err
		}
		if p == "" {
			return nil, &MissingInputError{Input: ref.DrvPath}
		}
		rewrites = append(rewrites, kilnstore.UnknownCAOutputPlaceholder(ref), string(p))
	}
	r := strings.NewReplacer(rewrites...)

	drv = drv.Clone()
	drv.Builder = r.Replace(drv.Builder)
	for i, arg := range drv.Args {
		drv.Args[i] = r.Replace(arg)
	}
	oldEnv := drv.Env
	drv.Env = make(map[string]string, len(oldEnv))
	for k, v := range oldEnv {
		drv.Env[r.Replace(k)] = r.Replace(v)
	}
	return drv, nil
}

// tempOutputDirs returns the temporary directory for each of drv's outputs.
// The directories themselves are not created:
// the install phase is expected to create them,
// and a build that never produces an output fails at commit.
func tempOutputDirs(workTop string, drv *kilnstore.Derivation) (map[string]string, error) {
	dirs := make(map[string]string, len(drv.Outputs))
	for outName := range drv.Outputs {
		dir := filepath.Join(workTop, "outputs", outName)
		if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
			return nil, err
		}
		dirs[outName] = dir
	}
	return dirs, nil
}

// phaseEnviron builds the process environment for a phase:
// the materialized view
// plus the well-known base variables
// and one variable per output naming its temporary directory.
func phaseEnviron(view *EnvironmentView, storeDir kilnstore.Directory, workTop string, tempOuts map[string]string) []string {
	m := maps.Clone(view.vars)
	if m == nil {
		m = make(map[string]string)
	}
	for outName, dir := range tempOuts {
		if _, ok := m[outName]; !ok {
			m[outName] = dir
		}
	}
	addBaseEnv(m, storeDir, workTop)

	environ := make([]string, 0, len(m)+1)
	for k, v := range xmaps.Sorted(m) {
		environ = append(environ, k+"="+v)
	}
	environ = append(environ, "PATH="+strings.Join(view.searchPath, ":"))
	return environ
}

// firstSourceDir returns the directory the phases after unpack should run in:
// the single directory entry of buildDir if there is exactly one,
// the lexicographically first directory otherwise,
// or buildDir itself if it contains no directories.
func firstSourceDir(buildDir string) string {
	entries, err := os.ReadDir(buildDir)
	if err != nil {
		return buildDir
	}
	if len(entries) == 1 && entries[0].IsDir() {
		return filepath.Join(buildDir, entries[0].Name())
	}
	for _, entry := range entries {
		if entry.IsDir() {
			return filepath.Join(buildDir, entry.Name())
		}
	}
	return buildDir
}

func formatOutputPaths(m map[string]kilnstore.Path) string {
	sb := new(strings.Builder)
	for i, outputName := range xmaps.SortedKeys(m) {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(outputName)
		sb.WriteString(" -> ")
		sb.WriteString(string(m[outputName]))
	}
	return sb.String()
}
