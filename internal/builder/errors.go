// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package builder

import (
	"fmt"

	"github.com/kilnworks/kiln/kilnstore"
)

// MissingInputError is returned by [Builder.Materialize]
// when a derivation references an input
// that is not present in the store.
// The build is recoverable by building the missing input first.
type MissingInputError struct {
	// Input is the store path of the missing input.
	Input kilnstore.Path
}

func (e *MissingInputError) Error() string {
	return fmt.Sprintf("input %s is not present in the store", e.Input)
}

// PhaseFailure is returned by [Builder.RunBatch]
// when a build phase exits with a nonzero status.
// A PhaseFailure aborts the whole batch build:
// no store path is committed.
type PhaseFailure struct {
	// DrvPath is the path of the derivation being built.
	DrvPath kilnstore.Path
	// Phase is the name of the phase that failed.
	Phase string
	// ExitStatus is the phase process's exit status.
	ExitStatus int
}

func (e *PhaseFailure) Error() string {
	return fmt.Sprintf("build %s: %s phase failed with exit status %d", e.DrvPath, e.Phase, e.ExitStatus)
}

// PhaseInvocationFailure is returned by [Session.Invoke]
// when a manually invoked phase exits with a nonzero status.
// It is not fatal to the session:
// the same or another phase may be invoked again.
type PhaseInvocationFailure struct {
	// Phase is the name of the phase that failed.
	Phase string
	// ExitStatus is the phase process's exit status.
	// It is zero when the phase ran natively rather than as a process.
	ExitStatus int
	// Err is the underlying error for natively implemented phases,
	// which fail with an error rather than an exit status.
	Err error
}

func (e *PhaseInvocationFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s phase failed: %v", e.Phase, e.Err)
	}
	return fmt.Sprintf("%s phase failed with exit status %d", e.Phase, e.ExitStatus)
}

func (e *PhaseInvocationFailure) Unwrap() error {
	return e.Err
}
