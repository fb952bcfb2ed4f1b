// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/kilnworks/kiln/internal/builder"
	"github.com/kilnworks/kiln/internal/recipe"
	"github.com/kilnworks/kiln/internal/xmaps"
	"github.com/spf13/cobra"
	"zombiezen.com/go/log"
)

type buildOptions struct {
	file       string
	outLink    string
	keepFailed bool
	targets    []string
}

func newBuildCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "build [options] TARGET [...]",
		Short:                 "build one or more packages",
		DisableFlagsInUseLine: true,
		Args:                  cobra.MinimumNArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(buildOptions)
	c.Flags().StringVar(&opts.file, "file", recipe.DefaultFileName, "read the recipe stored in `path`")
	c.Flags().StringVarP(&opts.outLink, "out-link", "o", "result", "change the name of the output path symlink to `path`")
	c.Flags().BoolVar(&opts.keepFailed, "keep-failed", false, "keep the working directory of a failed build")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		opts.targets = args
		return runBuild(cmd.Context(), g, opts)
	}
	return c
}

func runBuild(ctx context.Context, g *globalConfig, opts *buildOptions) error {
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

	b := builder.New(s, &builder.Options{
		BuildDir:    g.BuildDirectory,
		KeepFailed:  opts.keepFailed || g.KeepFailed,
		BuildOutput: os.Stderr,
	})

	for i, target := range opts.targets {
		inst, err := recipe.Evaluate(ctx, graph, target)
		if err != nil {
			return err
		}
		result, err := b.RunBatch(ctx, inst.DrvPath)
		if err != nil {
			return err
		}
		for _, outName := range xmaps.SortedKeys(result.Outputs) {
			outPath := result.Outputs[outName]
			fmt.Println(outPath)
			if opts.outLink != "" {
				if err := makeOutLink(s.RealPath(outPath), outLinkName(opts.outLink, i, outName)); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

// outLinkName derives the symlink name for one output of one target.
// The first target's default output keeps the base name unadorned.
func outLinkName(base string, targetIndex int, outName string) string {
	name := base
	if targetIndex > 0 {
		name = fmt.Sprintf("%s-%d", name, targetIndex+1)
	}
	if outName != "out" {
		name += "-" + outName
	}
	return name
}

func makeOutLink(target, name string) error {
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("create %s: %v", name, err)
	}
	return os.Symlink(target, name)
}
