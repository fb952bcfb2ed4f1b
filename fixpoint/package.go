// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package fixpoint

import (
	"context"
	"maps"
)

// Args is a set of named arguments to a package function.
type Args map[string]any

// Clone returns a shallow copy of args.
func (args Args) Clone() Args {
	return maps.Clone(args)
}

// MergeArgs returns a new argument set
// with patch's entries replacing base's entries of the same name.
// Neither argument is modified.
func MergeArgs(base, patch Args) Args {
	merged := make(Args, len(base)+len(patch))
	maps.Copy(merged, base)
	maps.Copy(merged, patch)
	return merged
}

// A Func computes a package's value from its arguments.
// The self parameter views the graph the package was fixed into.
type Func func(ctx context.Context, self *View, args Args) (any, error)

// A Package pairs a package function with its arguments.
// Packages placed in a [Mapping] are invoked when their attribute is demanded.
// A Package retains its function across overrides,
// so argument patches compose:
// overriding an already overridden package
// re-invokes the original function with the accumulated arguments.
type Package struct {
	fn   Func
	args Args
}

// NewPackage returns a [Package] that invokes fn with the given arguments.
func NewPackage(fn Func, args Args) *Package {
	return &Package{fn: fn, args: args.Clone()}
}

// Args returns a copy of the package's current arguments.
func (p *Package) Args() Args {
	return p.args.Clone()
}

// Override returns a new [Package] with the same function
// and the patch merged over the package's arguments.
func (p *Package) Override(patch Args) *Package {
	return &Package{fn: p.fn, args: MergeArgs(p.args, patch)}
}
