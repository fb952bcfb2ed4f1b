// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"context"
	"fmt"
	"os"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/kilnworks/kiln/kilnstore"
	"github.com/spf13/cobra"
	"zombiezen.com/go/log"
	"zombiezen.com/go/nix"
)

func newStoreCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "store COMMAND",
		Short:                 "inspect the store",
		DisableFlagsInUseLine: true,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.AddCommand(
		newStoreExistsCommand(g),
		newStoreInfoCommand(g),
		newStoreClosureCommand(g),
	)
	return c
}

func newStoreExistsCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "exists PATH [...]",
		Short:                 "check whether one or more store paths exist",
		DisableFlagsInUseLine: true,
		Args:                  cobra.MinimumNArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runStoreExists(cmd.Context(), g, args)
	}
	return c
}

func runStoreExists(ctx context.Context, g *globalConfig, paths []string) error {
	s, err := g.openStore()
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			log.Errorf(ctx, "%v", err)
		}
	}()

	for _, p := range paths {
		ok, err := s.Exists(ctx, p)
		if err != nil {
			return fmt.Errorf("%s: %v", p, err)
		}
		if !ok {
			return fmt.Errorf("%s: does not exist", p)
		}
	}
	return nil
}

type storeInfoOptions struct {
	paths      []string
	jsonFormat bool
}

func newStoreInfoCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "info [options] PATH [...]",
		Short:                 "show metadata of one or more store objects",
		DisableFlagsInUseLine: true,
		Args:                  cobra.MinimumNArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(storeInfoOptions)
	c.Flags().BoolVar(&opts.jsonFormat, "json", false, "print object info as JSON")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		opts.paths = args
		return runStoreInfo(cmd.Context(), g, opts)
	}
	return c
}

// objectInfoJSON is the JSON projection of a store object's metadata.
type objectInfoJSON struct {
	StorePath  kilnstore.Path     `json:"storePath"`
	NARHash    nix.Hash           `json:"narHash"`
	NARSize    int64              `json:"narSize"`
	References []kilnstore.Path   `json:"references"`
	CA         nix.ContentAddress `json:"ca,omitzero"`
}

func runStoreInfo(ctx context.Context, g *globalConfig, opts *storeInfoOptions) error {
	s, err := g.openStore()
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			log.Errorf(ctx, "%v", err)
		}
	}()

	buf := new(bytes.Buffer)
	for i, p := range opts.paths {
		path, err := kilnstore.ParsePath(p)
		if err != nil {
			return err
		}
		info, err := s.Info(ctx, path)
		if err != nil {
			return fmt.Errorf("%s: %v", path, err)
		}

		if opts.jsonFormat {
			refs := make([]kilnstore.Path, 0, info.References.Others.Len())
			for ref := range info.References.Others.Values() {
				refs = append(refs, ref)
			}
			jsonBytes, err := jsonv2.Marshal(&objectInfoJSON{
				StorePath:  info.StorePath,
				NARHash:    info.NARHash,
				NARSize:    info.NARSize,
				References: refs,
				CA:         info.CA,
			})
			if err != nil {
				return fmt.Errorf("%s: %v", path, err)
			}
			jsonBytes = append(jsonBytes, '\n')
			if _, err := os.Stdout.Write(jsonBytes); err != nil {
				return err
			}
			continue
		}

		buf.Reset()
		if i > 0 {
			// Blank line between entries.
			buf.WriteByte('\n')
		}
		fmt.Fprintf(buf, "StorePath: %s\n", info.StorePath)
		fmt.Fprintf(buf, "NarHash: %v\n", info.NARHash.Base32())
		fmt.Fprintf(buf, "NarSize: %d\n", info.NARSize)
		if info.References.Others.Len() > 0 {
			buf.WriteString("References:")
			for ref := range info.References.Others.Values() {
				buf.WriteByte(' ')
				buf.WriteString(ref.Base())
			}
			buf.WriteByte('\n')
		}
		if !info.CA.IsZero() {
			fmt.Fprintf(buf, "CA: %v\n", info.CA)
		}
		if _, err := os.Stdout.Write(buf.Bytes()); err != nil {
			return err
		}
	}

	return nil
}

func newStoreClosureCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "closure PATH [...]",
		Short:                 "list the closure of one or more store objects",
		DisableFlagsInUseLine: true,
		Args:                  cobra.MinimumNArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runStoreClosure(cmd.Context(), g, args)
	}
	return c
}

func runStoreClosure(ctx context.Context, g *globalConfig, paths []string) error {
	s, err := g.openStore()
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			log.Errorf(ctx, "%v", err)
		}
	}()

	printed := make(map[kilnstore.Path]struct{})
	for _, p := range paths {
		path, err := kilnstore.ParsePath(p)
		if err != nil {
			return err
		}
		closure, err := s.Closure(ctx, path)
		if err != nil {
			return fmt.Errorf("%s: %v", path, err)
		}
		for member := range closure.Values() {
			if _, ok := printed[member]; ok {
				continue
			}
			printed[member] = struct{}{}
			fmt.Println(member)
		}
	}

	return nil
}
