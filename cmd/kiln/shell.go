// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/kilnworks/kiln/internal/builder"
	"github.com/kilnworks/kiln/internal/recipe"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"zombiezen.com/go/log"
)

type shellOptions struct {
	file    string
	command string
	phases  []string
	target  string
}

func newShellCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "shell [options] TARGET",
		Short:                 "enter a package's build environment",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ExactArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(shellOptions)
	c.Flags().StringVar(&opts.file, "file", recipe.DefaultFileName, "read the recipe stored in `path`")
	c.Flags().StringVarP(&opts.command, "command", "c", "", "run `cmd` in the build environment instead of an interactive shell")
	c.Flags().StringSliceVar(&opts.phases, "phase", []string{"unpack"}, "run the named `phase`s before handing over control")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		opts.target = args[0]
		return runShell(cmd.Context(), g, opts)
	}
	return c
}

func runShell(ctx context.Context, g *globalConfig, opts *shellOptions) error {
	if opts.command == "" && !term.IsTerminal(int(os.Stdin.Fd())) {
		return errors.New("stdin is not a terminal (pass --command to run non-interactively)")
	}

	s, err := g.openStore()
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			log.Errorf(ctx, "%v", err)
		}
	}()

	doc, err := recipe.Load(opts.file)
	if err != nil {
		return err
	}
	graph, err := doc.Graph(s)
	if err != nil {
		return err
	}
	inst, err := recipe.Evaluate(ctx, graph, opts.target)
	if err != nil {
		return err
	}

	b := builder.New(s, &builder.Options{
		BuildDir:    g.BuildDirectory,
		BuildOutput: os.Stderr,
	})
	session, err := b.OpenInteractive(ctx, inst.DrvPath, &builder.SessionOptions{
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := session.Close(); err != nil {
			log.Errorf(ctx, "%v", err)
		}
	}()
	log.Infof(ctx, "Session %v for %s", session.ID(), inst.DrvPath)

	for _, phase := range opts.phases {
		if err := session.Invoke(ctx, phase); err != nil {
			// Phase failures do not end the session.
			// The user can rerun the phase by hand.
			var failure *builder.PhaseInvocationFailure
			if !errors.As(err, &failure) {
				return err
			}
			log.Warnf(ctx, "%v", failure)
		}
	}

	program := os.Getenv("SHELL")
	if program == "" {
		program = "/bin/sh"
	}
	var args []string
	if opts.command != "" {
		args = []string{"-c", opts.command}
	}
	code, err := session.Interact(ctx, program, args...)
	if err != nil {
		return fmt.Errorf("run %s: %v", program, err)
	}
	if code != 0 {
		return exitCodeError(code)
	}
	return nil
}
