// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package builder

import (
	"context"
	"errors"
	"io"
	"os/exec"
)

// An Invocation describes a single external process run by a [Launcher].
type Invocation struct {
	// Program is the path of the program to run.
	Program string
	// Args is the list of arguments passed to the program,
	// not including the program itself.
	Args []string
	// Dir is the working directory for the process.
	Dir string
	// Env is the complete environment for the process
	// in the form used by [os/exec.Cmd].
	Env []string
	// Stdin, Stdout, and Stderr are attached to the process.
	// Any of them may be nil.
	Stdin          io.Reader
	Stdout, Stderr io.Writer
}

// A Launcher executes external build-tool invocations.
// Run returns the process's exit status along with any invocation error:
// a process that started and exited with a nonzero status
// yields (status, nil).
type Launcher interface {
	Run(ctx context.Context, invocation *Invocation) (exitStatus int, err error)
}

// NewExecLauncher returns a [Launcher] that runs invocations as subprocesses.
// On cancellation, the subprocess is asked to terminate gracefully.
func NewExecLauncher() Launcher {
	return execLauncher{}
}

type execLauncher struct{}

func (execLauncher) Run(ctx context.Context, invocation *Invocation) (int, error) {
	c := exec.CommandContext(ctx, invocation.Program, invocation.Args...)
	setCancelFunc(c)
	c.Dir = invocation.Dir
	c.Env = invocation.Env
	c.Stdin = invocation.Stdin
	c.Stdout = invocation.Stdout
	c.Stderr = invocation.Stderr

	err := c.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}
