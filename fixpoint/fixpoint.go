// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

// Package fixpoint evaluates self-referential attribute mappings
// as lazy fixed points.
//
// A [Mapping] associates attribute names with values or [Thunk] functions.
// [Fix] ties the knot:
// it produces a [Graph] in which every thunk observes
// the final, fully overridden mapping through its [View] parameter.
// Attributes are only evaluated when demanded and at most once per graph.
package fixpoint

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/kilnworks/kiln/internal/xmaps"
)

// A Thunk computes an attribute's value on demand.
// The self parameter views the graph the thunk was fixed into:
// forcing another attribute through self
// observes any overrides applied to the graph.
type Thunk func(ctx context.Context, self *View) (any, error)

// A Mapping is a set of named attributes prior to fixing.
// Values may be a [Thunk], a [*Package], or any other value,
// which is treated as a constant.
type Mapping map[string]any

// Fix returns a [Graph] that is the fixed point of the mapping:
// every thunk in the mapping will observe the graph itself
// when it dereferences attributes.
// Fix does not evaluate any attribute.
func Fix(m Mapping) *Graph {
	return &Graph{
		mapping: maps.Clone(m),
		cells:   make(map[string]*cell),
		waits:   make(map[string]string),
	}
}

// A Graph is a fixed attribute mapping.
// Attribute values are computed lazily and memoized:
// each attribute is evaluated at most once,
// even when demanded from multiple goroutines.
//
// A Graph is immutable:
// [Graph.Override] and [Graph.OverridePackage] return new graphs.
type Graph struct {
	mapping Mapping

	mu    sync.Mutex
	cells map[string]*cell
	// waits records, for each attribute whose evaluation is blocked
	// on another chain's in-progress attribute, the attribute it waits on.
	// Following these edges exposes cycles that span demand chains.
	waits map[string]string
}

type cell struct {
	done  chan struct{}
	value any
	err   error
}

// Names returns the graph's attribute names in sorted order.
func (g *Graph) Names() []string {
	return xmaps.SortedKeys(g.mapping)
}

// Has reports whether the graph has an attribute with the given name.
func (g *Graph) Has(name string) bool {
	_, ok := g.mapping[name]
	return ok
}

// Get evaluates the named attribute,
// forcing any attributes it depends on.
func (g *Graph) Get(ctx context.Context, name string) (any, error) {
	return (&View{g: g}).Get(ctx, name)
}

// Override returns a new graph re-fixed
// with the overlay's attributes replacing those of g's mapping.
// Thunks retained from g's mapping observe the new graph:
// attributes computed from overridden attributes see the overridden values.
//
// Overrides do not descend into attribute values:
// an attribute whose value is itself a [*Graph] is retained as-is.
func (g *Graph) Override(overlay Mapping) *Graph {
	merged := maps.Clone(g.mapping)
	maps.Copy(merged, overlay)
	return Fix(merged)
}

// OverridePackage returns a new graph
// in which the named package attribute is re-invoked
// with the patch arguments merged over its original arguments.
// It returns an error if the attribute does not hold a [*Package].
func (g *Graph) OverridePackage(name string, patch Args) (*Graph, error) {
	pkg, ok := g.mapping[name].(*Package)
	if !ok {
		return nil, fmt.Errorf("override %s: attribute is not a package", name)
	}
	return g.Override(Mapping{name: pkg.Override(patch)}), nil
}

// A View dereferences attributes of a [Graph] during evaluation.
// Views track the chain of attributes being forced
// so that divergent (self-dependent) evaluation is reported
// instead of hanging.
type View struct {
	g     *Graph
	chain []string
}

// Names returns the attribute names of the viewed graph in sorted order.
func (v *View) Names() []string {
	return v.g.Names()
}

// Has reports whether the viewed graph has an attribute with the given name.
func (v *View) Has(name string) bool {
	return v.g.Has(name)
}

// Get evaluates the named attribute of the viewed graph.
// If evaluating the attribute directly or transitively demands itself,
// Get returns a [*DivergentEvaluationError].
func (v *View) Get(ctx context.Context, name string) (any, error) {
	g := v.g
	raw, ok := g.mapping[name]
	if !ok {
		return nil, &NoSuchAttributeError{Name: name}
	}

	g.mu.Lock()
	c := g.cells[name]
	if c == nil {
		// An attribute in v.chain always has a cell,
		// so this demand cannot be re-entrant.
		c = &cell{done: make(chan struct{})}
		g.cells[name] = c
		g.mu.Unlock()

		self := &View{g: g, chain: append(slices.Clip(v.chain), name)}
		c.value, c.err = force(ctx, self, raw)
		close(c.done)
		return c.value, c.err
	}
	g.mu.Unlock()

	select {
	case <-c.done:
		return c.value, c.err
	default:
	}
	if slices.Contains(v.chain, name) {
		// The in-progress evaluation is this demand chain's own:
		// waiting on it would never finish.
		return nil, &DivergentEvaluationError{Chain: append(slices.Clone(v.chain), name)}
	}

	// Another demand chain is already evaluating this attribute.
	// Two chains blocked on attributes of each other form a cycle
	// that neither chain sees on its own,
	// so record the wait edge and follow recorded edges before blocking.
	if len(v.chain) > 0 {
		waiter := v.chain[len(v.chain)-1]
		g.mu.Lock()
		if g.waitCycles(name, v.chain) {
			g.mu.Unlock()
			return nil, &DivergentEvaluationError{Chain: append(slices.Clone(v.chain), name)}
		}
		g.waits[waiter] = name
		g.mu.Unlock()
		defer func() {
			g.mu.Lock()
			delete(g.waits, waiter)
			g.mu.Unlock()
		}()
	}

	select {
	case <-c.done:
		return c.value, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// waitCycles reports whether following recorded wait edges from name
// reaches an attribute that chain is evaluating.
// The caller must hold g.mu.
func (g *Graph) waitCycles(name string, chain []string) bool {
	for steps := 0; steps <= len(g.waits); steps++ {
		if slices.Contains(chain, name) {
			return true
		}
		next, ok := g.waits[name]
		if !ok {
			return false
		}
		name = next
	}
	return false
}

// GetString evaluates the named attribute and asserts that it is a string.
func (v *View) GetString(ctx context.Context, name string) (string, error) {
	x, err := v.Get(ctx, name)
	if err != nil {
		return "", err
	}
	s, ok := x.(string)
	if !ok {
		return "", fmt.Errorf("attribute %s: got %T, want string", name, x)
	}
	return s, nil
}

func force(ctx context.Context, self *View, raw any) (any, error) {
	switch raw := raw.(type) {
	case Thunk:
		return raw(ctx, self)
	case func(ctx context.Context, self *View) (any, error):
		return Thunk(raw)(ctx, self)
	case *Package:
		return raw.fn(ctx, self, raw.args)
	default:
		return raw, nil
	}
}

// NoSuchAttributeError is returned by [View.Get]
// when the demanded attribute is not in the graph's mapping.
type NoSuchAttributeError struct {
	Name string
}

func (e *NoSuchAttributeError) Error() string {
	return fmt.Sprintf("no attribute named %q", e.Name)
}

// DivergentEvaluationError is returned by [View.Get]
// when evaluating an attribute demands its own value,
// i.e. the fixed point has no solution for that attribute.
type DivergentEvaluationError struct {
	// Chain is the list of attribute names that were being forced,
	// outermost first.
	// The last element repeats the name that closed the cycle.
	Chain []string
}

func (e *DivergentEvaluationError) Error() string {
	return "divergent evaluation: " + strings.Join(e.Chain, " -> ")
}
