// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

// Package recipe loads declarative build recipes
// and turns them into fixed-point package graphs.
//
// A recipe document is a JWCC ("JSON with commas and comments") file
// declaring a set of packages.
// Each package names its builder, environment, sources,
// and the sibling packages it depends on.
// The document becomes a [fixpoint.Graph]:
// demanding a package instantiates its derivation
// against the final, possibly overridden graph,
// so overriding any package changes the content address
// of every transitive dependent.
package recipe

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/kilnworks/kiln/fixpoint"
	"github.com/kilnworks/kiln/internal/builder"
	"github.com/kilnworks/kiln/internal/store"
	"github.com/kilnworks/kiln/internal/system"
	"github.com/kilnworks/kiln/internal/xmaps"
	"github.com/kilnworks/kiln/kilnstore"
	"github.com/kilnworks/kiln/sets"
	"github.com/tailscale/hujson"
	"zombiezen.com/go/nix"
)

// DefaultFileName is the recipe file name looked for
// when no file is named explicitly.
const DefaultFileName = "kiln.json"

// A Document is a parsed recipe file.
type Document struct {
	// Packages declares the package set.
	Packages map[string]*PackageSpec `json:"packages"`
	// PackageOverrides holds argument patches
	// applied to the package graph at load time.
	// Every package in the graph observes the patched packages.
	PackageOverrides map[string]map[string]any `json:"packageOverrides,omitempty"`

	// dir is the directory the document was loaded from.
	// Relative source paths resolve against it.
	dir string
}

// A PackageSpec declares a single buildable package.
type PackageSpec struct {
	// Builder is the program that runs the package's phase scripts.
	Builder string `json:"builder"`
	// Args are passed to the builder before the phase script.
	Args []string `json:"args,omitempty"`
	// System identifies the target platform.
	// If empty, the host platform is used.
	System string `json:"system,omitempty"`
	// Src is the path of the package's source tree or archive,
	// resolved relative to the recipe file.
	Src string `json:"src,omitempty"`
	// Deps names sibling packages whose outputs this package builds against.
	Deps []string `json:"deps,omitempty"`
	// Env holds additional environment attributes.
	Env map[string]string `json:"env,omitempty"`
	// Phases maps phase names to replacement scripts.
	Phases map[string]string `json:"phases,omitempty"`
	// OutputHash declares a fixed output:
	// the build must produce a single file with this hash
	// (SRI or "type:base16" form).
	OutputHash string `json:"outputHash,omitempty"`
}

// Load reads and parses the recipe file at path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load recipe: %w", err)
	}
	doc, err := Parse(data, filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("load recipe %s: %v", path, err)
	}
	return doc, nil
}

// Parse parses a JWCC recipe document.
// Relative source paths in the document resolve against dir.
func Parse(data []byte, dir string) (*Document, error) {
	jsonData, err := hujson.Standardize(data)
	if err != nil {
		return nil, err
	}
	doc := new(Document)
	if err := jsonv2.Unmarshal(jsonData, doc, jsonv2.RejectUnknownMembers(true)); err != nil {
		return nil, err
	}
	doc.dir = dir
	if err := doc.validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

func (doc *Document) validate() error {
	if len(doc.Packages) == 0 {
		return fmt.Errorf("recipe declares no packages")
	}
	for _, name := range xmaps.SortedKeys(doc.Packages) {
		spec := doc.Packages[name]
		if !isValidPackageName(name) {
			return fmt.Errorf("package %q: invalid name", name)
		}
		if spec == nil {
			return fmt.Errorf("package %s: empty declaration", name)
		}
		if spec.Builder == "" {
			return fmt.Errorf("package %s: missing builder", name)
		}
		for _, dep := range spec.Deps {
			if _, ok := doc.Packages[dep]; !ok {
				return fmt.Errorf("package %s: unknown dependency %q", name, dep)
			}
			if dep == name {
				return fmt.Errorf("package %s: depends on itself", name)
			}
		}
		for phase := range spec.Phases {
			if !builder.IsPhase(phase) {
				return fmt.Errorf("package %s: unknown phase %q", name, phase)
			}
		}
		if spec.OutputHash != "" {
			if _, err := nix.ParseHash(spec.OutputHash); err != nil {
				return fmt.Errorf("package %s: outputHash: %v", name, err)
			}
		}
	}
	for name := range doc.PackageOverrides {
		if _, ok := doc.Packages[name]; !ok {
			return fmt.Errorf("packageOverrides: unknown package %q", name)
		}
	}
	return nil
}

// isValidPackageName reports whether name can be both
// a store object name component and an environment variable name,
// since dependents receive a package's output path
// in a variable named after the package.
func isValidPackageName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || c == '_':
		case '0' <= c && c <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// An Instance is an instantiated package:
// the derivation computed for a package attribute
// against a particular graph.
type Instance struct {
	// Name is the package's name in the graph.
	Name string
	// DrvPath is the store path of the imported derivation.
	DrvPath kilnstore.Path
	// Drv is the derivation itself.
	Drv *kilnstore.Derivation
}

// OutputReference returns the reference
// to the instance's primary output.
func (inst *Instance) OutputReference() kilnstore.OutputReference {
	return kilnstore.OutputReference{
		DrvPath:    inst.DrvPath,
		OutputName: kilnstore.DefaultDerivationOutputName,
	}
}

// Graph fixes the document's packages into a lazy package graph.
// Demanding an attribute yields a [*Instance].
// Any packageOverrides declared by the document are applied
// before the graph is returned.
//
// Derivations and sources are imported into s at demand time,
// not when Graph is called.
func (doc *Document) Graph(s *store.Store) (*fixpoint.Graph, error) {
	mapping := make(fixpoint.Mapping, len(doc.Packages))
	for name, spec := range doc.Packages {
		mapping[name] = fixpoint.NewPackage(doc.instantiate(s, name), specArgs(spec))
	}
	g := fixpoint.Fix(mapping)
	for _, name := range xmaps.SortedKeys(doc.PackageOverrides) {
		patch := fixpoint.Args(doc.PackageOverrides[name])
		g2, err := g.OverridePackage(name, patch)
		if err != nil {
			return nil, fmt.Errorf("recipe packageOverrides: %v", err)
		}
		g = g2
	}
	return g, nil
}

// specArgs converts a package declaration
// into the argument set of its fixpoint package.
// Overrides patch these arguments key by key, patch wins.
func specArgs(spec *PackageSpec) fixpoint.Args {
	args := fixpoint.Args{
		"builder": spec.Builder,
		"args":    spec.Args,
		"system":  spec.System,
		"src":     spec.Src,
		"deps":    spec.Deps,
		"env":     spec.Env,
		"phases":  spec.Phases,
	}
	if spec.OutputHash != "" {
		args["outputHash"] = spec.OutputHash
	}
	return args
}

// instantiate returns the fixpoint function for the named package.
// The function resolves dependency names through the self-reference view,
// imports the package's source and derivation into the store,
// and yields a [*Instance].
func (doc *Document) instantiate(s *store.Store, name string) fixpoint.Func {
	return func(ctx context.Context, self *fixpoint.View, args fixpoint.Args) (any, error) {
		drv := &kilnstore.Derivation{
			Dir:  s.Dir(),
			Name: name,
			Env:  make(map[string]string),
		}
		var err error
		if drv.Builder, err = stringArg(args, "builder"); err != nil {
			return nil, fmt.Errorf("package %s: %v", name, err)
		}
		if drv.Args, err = stringListArg(args, "args"); err != nil {
			return nil, fmt.Errorf("package %s: %v", name, err)
		}
		if drv.System, err = stringArg(args, "system"); err != nil {
			return nil, fmt.Errorf("package %s: %v", name, err)
		}
		if drv.System == "" {
			drv.System = system.Current().String()
		}

		env, err := stringMapArg(args, "env")
		if err != nil {
			return nil, fmt.Errorf("package %s: %v", name, err)
		}
		for k, v := range env {
			drv.Env[k] = v
		}
		phases, err := stringMapArg(args, "phases")
		if err != nil {
			return nil, fmt.Errorf("package %s: %v", name, err)
		}
		for phase, script := range phases {
			if !builder.IsPhase(phase) {
				return nil, fmt.Errorf("package %s: unknown phase %q", name, phase)
			}
			drv.Env[phase+"Phase"] = script
		}

		deps, err := stringListArg(args, "deps")
		if err != nil {
			return nil, fmt.Errorf("package %s: %v", name, err)
		}
		for _, dep := range deps {
			v, err := self.Get(ctx, dep)
			if err != nil {
				return nil, fmt.Errorf("package %s: dependency %s: %w", name, dep, err)
			}
			depInst, ok := v.(*Instance)
			if !ok {
				return nil, fmt.Errorf("package %s: dependency %s is not a package (%T)", name, dep, v)
			}
			ref := depInst.OutputReference()
			if drv.InputDerivations == nil {
				drv.InputDerivations = make(map[kilnstore.Path]*sets.Sorted[string])
			}
			if outs := drv.InputDerivations[ref.DrvPath]; outs == nil {
				drv.InputDerivations[ref.DrvPath] = sets.NewSorted(ref.OutputName)
			} else {
				outs.Add(ref.OutputName)
			}
			drv.Env[dep] = kilnstore.UnknownCAOutputPlaceholder(ref)
		}

		src, err := stringArg(args, "src")
		if err != nil {
			return nil, fmt.Errorf("package %s: %v", name, err)
		}
		if src != "" {
			if !filepath.IsAbs(src) {
				src = filepath.Join(doc.dir, src)
			}
			srcPath, err := s.ImportPath(ctx, src, filepath.Base(src), kilnstore.References{})
			if err != nil {
				return nil, fmt.Errorf("package %s: %w", name, err)
			}
			drv.InputSources.Add(srcPath)
			drv.Env["src"] = string(srcPath)
		}

		outputHash, err := stringArg(args, "outputHash")
		if err != nil {
			return nil, fmt.Errorf("package %s: %v", name, err)
		}
		if outputHash != "" {
			h, err := nix.ParseHash(outputHash)
			if err != nil {
				return nil, fmt.Errorf("package %s: outputHash: %v", name, err)
			}
			drv.Outputs = map[string]*kilnstore.DerivationOutput{
				kilnstore.DefaultDerivationOutputName: kilnstore.FixedCAOutput(nix.FlatFileContentAddress(h)),
			}
		} else {
			drv.Outputs = map[string]*kilnstore.DerivationOutput{
				kilnstore.DefaultDerivationOutputName: kilnstore.RecursiveFileFloatingCAOutput(nix.SHA256),
			}
		}

		drvPath, err := s.ImportDerivation(ctx, drv)
		if err != nil {
			return nil, fmt.Errorf("package %s: %w", name, err)
		}
		return &Instance{Name: name, DrvPath: drvPath, Drv: drv}, nil
	}
}

// Evaluate demands the named package from the graph
// and reports a type error if the attribute is not a package.
func Evaluate(ctx context.Context, g *fixpoint.Graph, name string) (*Instance, error) {
	v, err := g.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	inst, ok := v.(*Instance)
	if !ok {
		return nil, fmt.Errorf("evaluate %s: attribute is not a package (%T)", name, v)
	}
	return inst, nil
}
