// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package kilnstore

import (
	"encoding/hex"
	"fmt"
	"iter"
	"maps"
	"slices"
	"strings"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/kilnworks/kiln/internal/xmaps"
	"github.com/kilnworks/kiln/sets"
	"zombiezen.com/go/nix"
)

// DerivationExt is the file extension for a marshalled [Derivation].
const DerivationExt = ".drv"

// A Derivation represents a store derivation:
// a single, specific, constant build action.
type Derivation struct {
	// Dir is the store directory this derivation is a part of.
	Dir Directory

	// Name is the human-readable name of the derivation,
	// i.e. the part after the digest in the store object name.
	Name string
	// System is a string representing the OS and architecture tuple
	// that this derivation is intended to run on.
	System string
	// Builder is the path to the program to run the build.
	Builder string
	// Args is the list of arguments that should be passed to the builder program.
	Args []string
	// Env is the environment variables that should be passed to the builder program.
	Env map[string]string

	// InputSources is the set of source filesystem objects that this derivation depends on.
	InputSources sets.Sorted[Path]
	// InputDerivations is the set of derivations that this derivation depends on.
	// The mapped values are the set of output names that are used.
	InputDerivations map[Path]*sets.Sorted[string]
	// Outputs is the set of outputs that the derivation produces.
	Outputs map[string]*DerivationOutput
}

// derivationWire is the canonical JSON encoding of a [Derivation].
// Map keys are serialized in sorted order (see [Derivation.MarshalText]),
// so identical derivations always marshal to identical bytes.
type derivationWire struct {
	Name             string                       `json:"name"`
	System           string                       `json:"system"`
	Builder          string                       `json:"builder"`
	Args             []string                     `json:"args"`
	Env              map[string]string            `json:"env"`
	InputSources     []Path                       `json:"inputSources"`
	InputDerivations map[Path][]string            `json:"inputDerivations"`
	Outputs          map[string]*DerivationOutput `json:"outputs"`
}

// ParseDerivation parses a derivation from its canonical encoding.
// name should be the derivation's name as returned by [Path.DerivationName].
func ParseDerivation(dir Directory, name string, data []byte) (*Derivation, error) {
	wire := new(derivationWire)
	if err := jsonv2.Unmarshal(data, wire, jsonv2.RejectUnknownMembers(true)); err != nil {
		return nil, fmt.Errorf("parse %s derivation: %v", name, err)
	}
	drv := &Derivation{
		Dir:     dir,
		Name:    wire.Name,
		System:  wire.System,
		Builder: wire.Builder,
		Args:    wire.Args,
		Env:     wire.Env,
		Outputs: wire.Outputs,
	}
	if drv.Name != name {
		return nil, fmt.Errorf("parse %s derivation: name in data is %q", name, drv.Name)
	}
	for _, src := range wire.InputSources {
		if src.Dir() != dir {
			return nil, fmt.Errorf("parse %s derivation: input source %s not in directory %s", name, src, dir)
		}
		drv.InputSources.Add(src)
	}
	drv.InputDerivations = make(map[Path]*sets.Sorted[string], len(wire.InputDerivations))
	for drvPath, outputNames := range wire.InputDerivations {
		if drvPath.Dir() != dir {
			return nil, fmt.Errorf("parse %s derivation: input derivation %s not in directory %s", name, drvPath, dir)
		}
		if _, isDrv := drvPath.DerivationName(); !isDrv {
			return nil, fmt.Errorf("parse %s derivation: input %s is not a derivation", name, drvPath)
		}
		for _, outName := range outputNames {
			if !IsValidOutputName(outName) {
				return nil, fmt.Errorf("parse %s derivation: input derivation %s: invalid output name %q", name, drvPath, outName)
			}
		}
		drv.InputDerivations[drvPath] = sets.NewSorted(outputNames...)
	}
	for outName := range wire.Outputs {
		if !IsValidOutputName(outName) {
			return nil, fmt.Errorf("parse %s derivation: invalid output name %q", name, outName)
		}
	}
	return drv, nil
}

// MarshalText converts the derivation to its canonical encoding.
// The encoding is deterministic:
// two derivations with identical content marshal to identical bytes.
func (drv *Derivation) MarshalText() ([]byte, error) {
	if drv.Name == "" {
		return nil, fmt.Errorf("marshal derivation: missing name")
	}
	if drv.Dir == "" {
		return nil, fmt.Errorf("marshal %s derivation: missing store directory", drv.Name)
	}
	for outName := range drv.Outputs {
		if !IsValidOutputName(outName) {
			return nil, fmt.Errorf("marshal %s derivation: invalid output name %q", drv.Name, outName)
		}
	}
	wire := &derivationWire{
		Name:             drv.Name,
		System:           drv.System,
		Builder:          drv.Builder,
		Args:             drv.Args,
		Env:              drv.Env,
		InputSources:     slices.Collect(drv.InputSources.Values()),
		InputDerivations: make(map[Path][]string, len(drv.InputDerivations)),
		Outputs:          drv.Outputs,
	}
	if wire.Args == nil {
		wire.Args = []string{}
	}
	if wire.Env == nil {
		wire.Env = map[string]string{}
	}
	if wire.InputSources == nil {
		wire.InputSources = []Path{}
	}
	if wire.Outputs == nil {
		wire.Outputs = map[string]*DerivationOutput{}
	}
	for drvPath, outputNames := range drv.InputDerivations {
		if drvPath.Dir() != drv.Dir {
			return nil, fmt.Errorf("marshal %s derivation: input derivation %s not in directory %s", drv.Name, drvPath, drv.Dir)
		}
		wire.InputDerivations[drvPath] = slices.Collect(outputNames.Values())
	}
	for _, src := range drv.InputSources.All() {
		if src.Dir() != drv.Dir {
			return nil, fmt.Errorf("marshal %s derivation: input source %s not in directory %s", drv.Name, src, drv.Dir)
		}
	}
	data, err := jsonv2.Marshal(wire, jsonv2.Deterministic(true))
	if err != nil {
		return nil, fmt.Errorf("marshal %s derivation: %v", drv.Name, err)
	}
	return data, nil
}

// Export marshals the derivation to its canonical encoding
// and computes the derivation's store path from that encoding.
func (drv *Derivation) Export() (path Path, data []byte, err error) {
	data, err = drv.MarshalText()
	if err != nil {
		return "", nil, err
	}
	path, err = FixedCAOutputPath(drv.Dir, drv.Name+DerivationExt, TextContentAddress(data), drv.References())
	if err != nil {
		return "", data, fmt.Errorf("export derivation %s: %v", drv.Name, err)
	}
	return path, data, nil
}

// References returns the set of other store paths that the derivation references.
func (drv *Derivation) References() References {
	refs := References{}
	refs.Others.Grow(drv.InputSources.Len() + len(drv.InputDerivations))
	refs.Others.AddSet(&drv.InputSources)
	for input := range drv.InputDerivations {
		refs.Others.Add(input)
	}
	return refs
}

// Clone returns a deep copy of drv.
func (drv *Derivation) Clone() *Derivation {
	drv2 := new(Derivation)
	*drv2 = *drv
	drv2.Args = slices.Clone(drv.Args)
	drv2.Env = maps.Clone(drv.Env)
	drv2.InputSources = *drv.InputSources.Clone()
	drv2.InputDerivations = make(map[Path]*sets.Sorted[string], len(drv.InputDerivations))
	for drvPath, outputNames := range drv.InputDerivations {
		drv2.InputDerivations[drvPath] = outputNames.Clone()
	}
	drv2.Outputs = maps.Clone(drv.Outputs)
	return drv2
}

// InputDerivationOutputs returns an iterator
// over the derivation outputs that the derivation uses as inputs.
func (drv *Derivation) InputDerivationOutputs() iter.Seq[OutputReference] {
	return func(yield func(OutputReference) bool) {
		for _, drvPath := range xmaps.SortedKeys(drv.InputDerivations) {
			for _, outputName := range drv.InputDerivations[drvPath].All() {
				ref := OutputReference{
					DrvPath:    drvPath,
					OutputName: outputName,
				}
				if !yield(ref) {
					return
				}
			}
		}
	}
}

// OutputPath returns the store path of the given output
// if it can be known ahead of realization
// (i.e. the output is fixed).
func (drv *Derivation) OutputPath(outputName string) (Path, error) {
	outType := drv.Outputs[outputName]
	if outType == nil {
		return "", fmt.Errorf("output path for %s!%s: no such output", drv.Name, outputName)
	}
	p, ok := outType.Path(drv.Dir, drv.Name, outputName)
	if !ok {
		return "", fmt.Errorf("output path for %s!%s: not known until realization", drv.Name, outputName)
	}
	return p, nil
}

// DefaultDerivationOutputName is the name of the primary output of a derivation.
// It is omitted in a number of contexts.
const DefaultDerivationOutputName = "out"

// IsValidOutputName reports whether the given string is valid as a derivation output name.
func IsValidOutputName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if !('a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || '0' <= c && c <= '9' || c == '-' || c == '_') {
			return false
		}
	}
	return true
}

type derivationOutputType int8

const (
	fixedCAOutputType derivationOutputType = 1 + iota
	floatingCAOutputType
)

// A DerivationOutput describes the content addressing scheme of an output of a [Derivation].
type DerivationOutput struct {
	typ      derivationOutputType
	ca       nix.ContentAddress
	method   contentAddressMethod
	hashAlgo nix.HashType
}

// FixedCAOutput returns a [DerivationOutput]
// that must match the given content address assertion.
func FixedCAOutput(ca nix.ContentAddress) *DerivationOutput {
	return &DerivationOutput{
		typ: fixedCAOutputType,
		ca:  ca,
	}
}

// RecursiveFileFloatingCAOutput returns a [DerivationOutput]
// that is hashed as a NAR with the given algorithm.
// The hash will not be known until the derivation is realized.
func RecursiveFileFloatingCAOutput(hashAlgo nix.HashType) *DerivationOutput {
	return &DerivationOutput{
		typ:      floatingCAOutputType,
		method:   recursiveFileIngestionMethod,
		hashAlgo: hashAlgo,
	}
}

// IsFixed reports whether the output was created by [FixedCAOutput].
func (t *DerivationOutput) IsFixed() bool {
	if t == nil {
		return false
	}
	return t.typ == fixedCAOutputType
}

// IsFloating reports whether the output's content hash cannot be known
// until the derivation is realized.
func (t *DerivationOutput) IsFloating() bool {
	if t == nil {
		return false
	}
	return t.typ == floatingCAOutputType
}

// FixedCA returns a fixed hash output's content address.
// ok is true only if the output was created by [FixedCAOutput].
func (t *DerivationOutput) FixedCA() (_ ContentAddress, ok bool) {
	if !t.IsFixed() {
		return ContentAddress{}, false
	}
	return t.ca, true
}

// HashType returns the hash type of the derivation output, if present.
func (t *DerivationOutput) HashType() (_ nix.HashType, ok bool) {
	switch {
	case t.IsFixed():
		return t.ca.Hash().Type(), true
	case t.IsFloating():
		return t.hashAlgo, true
	default:
		return 0, false
	}
}

// IsRecursiveFile reports whether the derivation output
// uses recursive (NAR) hashing.
func (t *DerivationOutput) IsRecursiveFile() bool {
	if t == nil {
		return false
	}
	if t.typ == fixedCAOutputType {
		return t.ca.IsRecursiveFile()
	}
	return t.method == recursiveFileIngestionMethod
}

// Path returns a fixed output's store object path
// for the given store (e.g. "/kiln/store"),
// derivation name (e.g. "hello"),
// and output name (e.g. "out").
func (t *DerivationOutput) Path(store Directory, drvName, outputName string) (path Path, ok bool) {
	if t == nil || t.typ != fixedCAOutputType {
		return "", false
	}
	if outputName != DefaultDerivationOutputName {
		drvName += "-" + outputName
	}
	p, err := FixedCAOutputPath(store, drvName, t.ca, References{})
	return p, err == nil
}

// MarshalText encodes the output type as a short string,
// e.g. "fixed:r:sha256:<base16 hash>" or "floating:r:sha256".
func (t *DerivationOutput) MarshalText() ([]byte, error) {
	switch t.typ {
	case fixedCAOutputType:
		h := t.ca.Hash()
		s := "fixed:" + methodOfContentAddress(t.ca).prefix() + h.Type().String() + ":" + h.RawBase16()
		return []byte(s), nil
	case floatingCAOutputType:
		return []byte("floating:" + t.method.prefix() + t.hashAlgo.String()), nil
	default:
		return nil, fmt.Errorf("marshal derivation output: invalid type %d", t.typ)
	}
}

// UnmarshalText decodes the result of [DerivationOutput.MarshalText].
func (t *DerivationOutput) UnmarshalText(data []byte) error {
	s := string(data)
	switch {
	case strings.HasPrefix(s, "fixed:"):
		rest := strings.TrimPrefix(s, "fixed:")
		method, rest := cutMethodPrefix(rest)
		algoName, hashHex, ok := strings.Cut(rest, ":")
		if !ok {
			return fmt.Errorf("parse derivation output %q: missing hash", s)
		}
		algo, err := nix.ParseHashType(algoName)
		if err != nil {
			return fmt.Errorf("parse derivation output %q: %v", s, err)
		}
		hashBits, err := hex.DecodeString(hashHex)
		if err != nil {
			return fmt.Errorf("parse derivation output %q: hash: %v", s, err)
		}
		if got, want := len(hashBits), algo.Size(); got != want {
			return fmt.Errorf("parse derivation output %q: hash: incorrect size (got %d bytes but %v uses %d)", s, got, algo, want)
		}
		h := nix.NewHash(algo, hashBits)
		switch method {
		case flatFileIngestionMethod:
			*t = *FixedCAOutput(nix.FlatFileContentAddress(h))
		case recursiveFileIngestionMethod:
			*t = *FixedCAOutput(nix.RecursiveFileContentAddress(h))
		case textIngestionMethod:
			*t = *FixedCAOutput(nix.TextContentAddress(h))
		}
		return nil
	case strings.HasPrefix(s, "floating:"):
		rest := strings.TrimPrefix(s, "floating:")
		method, algoName := cutMethodPrefix(rest)
		algo, err := nix.ParseHashType(algoName)
		if err != nil {
			return fmt.Errorf("parse derivation output %q: %v", s, err)
		}
		*t = DerivationOutput{
			typ:      floatingCAOutputType,
			method:   method,
			hashAlgo: algo,
		}
		return nil
	default:
		return fmt.Errorf("parse derivation output %q: unknown type", s)
	}
}

func cutMethodPrefix(s string) (contentAddressMethod, string) {
	switch {
	case strings.HasPrefix(s, "r:"):
		return recursiveFileIngestionMethod, strings.TrimPrefix(s, "r:")
	case strings.HasPrefix(s, "text:"):
		return textIngestionMethod, strings.TrimPrefix(s, "text:")
	default:
		return flatFileIngestionMethod, s
	}
}

// OutputReference is a reference to an output of a derivation.
type OutputReference struct {
	DrvPath    Path
	OutputName string
}

// ParseOutputReference parses the result of [OutputReference.String]
// back into an OutputReference.
func ParseOutputReference(s string) (OutputReference, error) {
	i := strings.LastIndexByte(s, '!')
	if i < 0 {
		return OutputReference{}, fmt.Errorf("parse output reference %q: missing '!' separator", s)
	}
	result := OutputReference{OutputName: s[i+1:]}
	if !IsValidOutputName(result.OutputName) {
		return OutputReference{}, fmt.Errorf("parse output reference %q: invalid output name %q", s, result.OutputName)
	}
	var err error
	result.DrvPath, err = ParsePath(s[:i])
	if err != nil {
		return OutputReference{}, fmt.Errorf("parse output reference %q: %v", s, err)
	}
	if _, isDrv := result.DrvPath.DerivationName(); !isDrv {
		return OutputReference{}, fmt.Errorf("parse output reference %q: not a derivation", s)
	}
	return result, nil
}

// String returns the path and the output name separated by "!".
func (ref OutputReference) String() string {
	return string(ref.DrvPath) + "!" + ref.OutputName
}

// HashPlaceholder returns the placeholder string used in lieu of a derivation's own output path.
// During realization, the builder replaces any occurrences of the placeholder
// in the derivation's fields with the output path.
func HashPlaceholder(outputName string) string {
	h := nix.NewHasher(nix.SHA256)
	h.WriteString("kiln-output:")
	h.WriteString(outputName)
	return "/" + h.SumHash().RawBase32()
}

// UnknownCAOutputPlaceholder returns the placeholder
// for an output of one of the derivation's input derivations.
func UnknownCAOutputPlaceholder(ref OutputReference) string {
	drvName := strings.TrimSuffix(ref.DrvPath.Name(), DerivationExt)

	h := nix.NewHasher(nix.SHA256)
	h.WriteString("kiln-upstream-output:")
	h.WriteString(ref.DrvPath.Digest())
	h.WriteString(":")
	h.WriteString(drvName)
	if ref.OutputName != DefaultDerivationOutputName {
		h.WriteString("-")
		h.WriteString(ref.OutputName)
	}
	return "/" + h.SumHash().RawBase32()
}
