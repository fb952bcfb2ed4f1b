// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

// kiln is a content-addressed build orchestrator:
// it evaluates declarative package recipes into derivations
// and realizes them in a local store.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"

	"github.com/kilnworks/kiln/internal/builder"
	"github.com/kilnworks/kiln/kilnstore"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"zombiezen.com/go/bass/sigterm"
	"zombiezen.com/go/log"
)

func main() {
	rootCommand := &cobra.Command{
		Use:           "kiln",
		Short:         "content-addressed builds from declarative recipes",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	g := defaultGlobalConfig()
	err := g.mergeFiles(configFilePaths())
	if err == nil {
		err = g.mergeEnvironment()
	}
	if err != nil {
		initLogging(false)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}

	rootCommand.PersistentFlags().Var((*storeDirectoryFlag)(&g.Directory), "store", "path to store `dir`ectory")
	rootCommand.PersistentFlags().StringVar(&g.RealStoreDirectory, "real-store", g.RealStoreDirectory, "`path` where store objects are physically written")
	rootCommand.PersistentFlags().StringVar(&g.DatabasePath, "db", g.DatabasePath, "`path` to store metadata database")
	rootCommand.PersistentFlags().BoolVar(&g.Debug, "debug", g.Debug, "show debugging output")

	rootCommand.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		initLogging(g.Debug)
		return g.validate()
	}

	rootCommand.AddCommand(
		newBuildCommand(g),
		newShellCommand(g),
		newOverrideCommand(g),
		newStoreCommand(g),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), sigterm.Signals()...)
	err = rootCommand.ExecuteContext(ctx)
	cancel()
	if err != nil {
		var ec exitCodeError
		if errors.As(err, &ec) {
			// The process the user asked for ran and finished.
			// Its status is the result, not an error to report.
			os.Exit(int(ec))
		}
		initLogging(g.Debug)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(exitCode(err))
	}
}

// exitCodeError carries the exit status of a process
// run on the user's behalf.
type exitCodeError int

func (e exitCodeError) Error() string {
	return fmt.Sprintf("exited with status %d", int(e))
}

// exitCode picks the process exit code for a failed command.
// A phase failure propagates the failing phase's exit status.
func exitCode(err error) int {
	var phaseFailure *builder.PhaseFailure
	if errors.As(err, &phaseFailure) && phaseFailure.ExitStatus > 0 {
		return phaseFailure.ExitStatus
	}
	return 1
}

type storeDirectoryFlag kilnstore.Directory

var _ pflag.Value = (*storeDirectoryFlag)(nil)

func (f *storeDirectoryFlag) Type() string  { return "string" }
func (f storeDirectoryFlag) String() string { return string(f) }
func (f storeDirectoryFlag) Get() any       { return kilnstore.Directory(f) }

func (f *storeDirectoryFlag) Set(s string) error {
	dir, err := kilnstore.CleanDirectory(s)
	if err != nil {
		return err
	}
	*f = storeDirectoryFlag(dir)
	return nil
}

var initLogOnce sync.Once

func initLogging(showDebug bool) {
	initLogOnce.Do(func() {
		minLogLevel := log.Info
		if showDebug {
			minLogLevel = log.Debug
		}
		log.SetDefault(&log.LevelFilter{
			Min:    minLogLevel,
			Output: log.New(os.Stderr, "kiln: ", log.StdFlags, nil),
		})
	})
}
