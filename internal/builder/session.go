// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package builder

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/kilnworks/kiln/internal/xmaps"
	"github.com/kilnworks/kiln/kilnstore"
	"golang.org/x/sync/errgroup"
	"zombiezen.com/go/log"
)

// SessionOptions holds optional parameters for [Builder.OpenInteractive].
type SessionOptions struct {
	// Dir is the directory the session is rooted at.
	// If empty, the process's current working directory is used.
	Dir string
	// Stdin, Stdout, and Stderr are attached
	// to phase processes run by [Session.Invoke]
	// and to programs run by [Session.Interact].
	Stdin          io.Reader
	Stdout, Stderr io.Writer
}

// A Session is an interactive counterpart to [Builder.RunBatch]:
// it holds the materialized environment of a derivation
// and lets each build phase be invoked manually,
// any number of times, in any order.
// The session is rooted at the user's working directory
// rather than a disposable temporary directory,
// so unpacked sources survive between invocations.
//
// A Session is not safe for concurrent use.
type Session struct {
	b        *Builder
	id       uuid.UUID
	drvPath  kilnstore.Path
	drv      *kilnstore.Derivation
	dir      string
	srcDir   string
	workTop  string
	tempOuts map[string]string
	environ  []string
	stdin    io.Reader
	stdout   io.Writer
	stderr   io.Writer

	closeOnce sync.Once
	closeErr  error
}

// OpenInteractive materializes the environment
// of the derivation at drvPath
// without executing any phases.
// Input derivations that have not been realized yet
// are built first, exactly as [Builder.RunBatch] would.
//
// The caller is responsible for calling [Session.Close]
// when done with the session.
func (b *Builder) OpenInteractive(ctx context.Context, drvPath kilnstore.Path, opts *SessionOptions) (*Session, error) {
	if opts == nil {
		opts = new(SessionOptions)
	}
	dir := opts.Dir
	if dir == "" {
		var err error
		dir, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("open session for %s: %v", drvPath, err)
		}
	}

	closure, err := b.store.ReadDerivationClosure(ctx, []kilnstore.Path{drvPath})
	if err != nil {
		return nil, err
	}
	drv := closure[drvPath]
	run := &batchRun{
		b:        b,
		closure:  closure,
		outcomes: make(map[kilnstore.Path]*outcome),
	}
	g, groupCtx := errgroup.WithContext(ctx)
	for inputPath := range drv.InputDerivations {
		g.Go(func() error {
			_, err := run.realize(groupCtx, inputPath)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	workTop, err := os.MkdirTemp(b.buildDir, "kiln-shell-*")
	if err != nil {
		return nil, fmt.Errorf("open session for %s: %v", drvPath, err)
	}
	s := &Session{
		b:       b,
		id:      uuid.New(),
		drvPath: drvPath,
		dir:     dir,
		srcDir:  dir,
		workTop: workTop,
		stdin:   opts.Stdin,
		stdout:  opts.Stdout,
		stderr:  opts.Stderr,
	}
	s.tempOuts, err = tempOutputDirs(workTop, drv)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("open session for %s: %v", drvPath, err)
	}
	s.drv, err = b.expand(ctx, drv, s.tempOuts)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("open session for %s: %v", drvPath, err)
	}
	env, err := b.Materialize(ctx, s.drv)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("open session for %s: %w", drvPath, err)
	}
	s.environ = phaseEnviron(env, b.store.Dir(), dir, s.tempOuts)
	log.Debugf(ctx, "Opened session %v for %s at %s", s.id, drvPath, dir)
	return s, nil
}

// ID returns the session's unique identifier.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// Environ returns the session's environment
// in the form used by [os/exec.Cmd].
func (s *Session) Environ() []string {
	return slices.Clone(s.environ)
}

// OutputDir returns the temporary directory
// that phase invocations install the named output into.
func (s *Session) OutputDir(outputName string) (string, bool) {
	dir, ok := s.tempOuts[outputName]
	return dir, ok
}

// Invoke runs a single build phase in the session.
// A phase that fails, whether a process exiting with a nonzero status
// or a natively implemented phase returning an error,
// is reported as a [*PhaseInvocationFailure]:
// the session remains usable
// and the same phase may be invoked again.
func (s *Session) Invoke(ctx context.Context, phase string) error {
	if !IsPhase(phase) {
		return fmt.Errorf("invoke phase %q: no such phase", phase)
	}
	script, ok := phaseScript(s.drv, phase)
	if !ok {
		switch phase {
		case PhaseUnpack:
			srcDir, err := s.b.unpack(ctx, s.drv, s.dir)
			if err != nil {
				return &PhaseInvocationFailure{Phase: phase, Err: err}
			}
			s.srcDir = srcDir
		case PhaseFixup:
			for _, outName := range xmaps.SortedKeys(s.tempOuts) {
				if err := s.b.fixup(ctx, s.tempOuts[outName]); err != nil {
					return &PhaseInvocationFailure{Phase: phase, Err: err}
				}
			}
		}
		return nil
	}

	dir := s.srcDir
	if phase == PhaseUnpack {
		dir = s.dir
	}
	exit, err := s.b.launcher.Run(ctx, &Invocation{
		Program: s.drv.Builder,
		Args:    append(slices.Clone(s.drv.Args), script),
		Dir:     dir,
		Env:     s.environ,
		Stdin:   s.stdin,
		Stdout:  s.stdout,
		Stderr:  s.stderr,
	})
	if err != nil {
		return fmt.Errorf("invoke %s phase: %w", phase, err)
	}
	if exit != 0 {
		return &PhaseInvocationFailure{Phase: phase, ExitStatus: exit}
	}
	if phase == PhaseUnpack {
		s.srcDir = firstSourceDir(s.dir)
	}
	return nil
}

// Interact runs the given program (typically a shell)
// in the session's directory with the session's environment
// and returns the program's exit status.
func (s *Session) Interact(ctx context.Context, program string, args ...string) (int, error) {
	return s.b.launcher.Run(ctx, &Invocation{
		Program: program,
		Args:    args,
		Dir:     s.srcDir,
		Env:     s.environ,
		Stdin:   s.stdin,
		Stdout:  s.stdout,
		Stderr:  s.stderr,
	})
}

// Close releases the session's temporary output directories.
// Filesystem state under the session's root directory is left in place.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = os.RemoveAll(s.workTop)
	})
	return s.closeErr
}
