// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/kilnworks/kiln/fixpoint"
	"github.com/kilnworks/kiln/internal/recipe"
	"github.com/spf13/cobra"
	"zombiezen.com/go/log"
)

type overrideOptions struct {
	file     string
	pkg      string
	settings []string
}

func newOverrideCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "override [options] PACKAGE KEY=VALUE [...]",
		Short:                 "show how an argument override re-resolves the package graph",
		DisableFlagsInUseLine: true,
		Args:                  cobra.MinimumNArgs(2),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(overrideOptions)
	c.Flags().StringVar(&opts.file, "file", recipe.DefaultFileName, "read the recipe stored in `path`")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		opts.pkg = args[0]
		opts.settings = args[1:]
		return runOverride(cmd.Context(), g, opts)
	}
	return c
}

func runOverride(ctx context.Context, g *globalConfig, opts *overrideOptions) error {
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

	patch, err := parseOverridePatch(doc, opts.pkg, opts.settings)
	if err != nil {
		return err
	}
	overridden, err := graph.OverridePackage(opts.pkg, patch)
	if err != nil {
		return err
	}

	// Every package re-resolves against the overridden graph,
	// so dependents of the overridden package get new derivations too.
	for _, name := range overridden.Names() {
		inst, err := recipe.Evaluate(ctx, overridden, name)
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%s\n", name, inst.DrvPath)
	}

	return nil
}

// parseOverridePatch turns KEY=VALUE settings into an argument patch.
// Keys of the form env.NAME patch a single environment attribute.
// Argument patches replace whole arguments,
// so an environment patch starts from the package's declared environment.
func parseOverridePatch(doc *recipe.Document, pkg string, settings []string) (fixpoint.Args, error) {
	patch := make(fixpoint.Args)
	var envPatch map[string]any
	for _, setting := range settings {
		key, value, ok := strings.Cut(setting, "=")
		if !ok {
			return nil, fmt.Errorf("override %q: missing '='", setting)
		}
		if envKey, isEnv := strings.CutPrefix(key, "env."); isEnv {
			if envPatch == nil {
				envPatch = make(map[string]any)
				if spec := doc.Packages[pkg]; spec != nil {
					for k, v := range spec.Env {
						envPatch[k] = v
					}
				}
			}
			envPatch[envKey] = value
			continue
		}
		switch key {
		case "builder", "system", "src", "outputHash":
			patch[key] = value
		default:
			return nil, fmt.Errorf("override %q: unknown key (want builder, system, src, outputHash, or env.NAME)", setting)
		}
	}
	if envPatch != nil {
		patch["env"] = envPatch
	}
	return patch, nil
}
