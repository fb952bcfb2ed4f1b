// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

// Package kilnstore provides the data types for the kiln store:
// store directories, store object paths, and derivations.
package kilnstore

import (
	"fmt"

	"github.com/kilnworks/kiln/sets"
	"zombiezen.com/go/nix"
)

// A ContentAddress is a content-addressibility assertion.
type ContentAddress = nix.ContentAddress

// References represents a set of references to other store paths
// that a store object contains.
// The zero value is an empty set.
//
// kiln store objects may not reference their own store path:
// self-references are rejected when an object is added to the store.
type References struct {
	// Others holds paths of other store objects that the store object references.
	Others sets.Sorted[Path]
}

// IsEmpty reports whether refs represents the empty set.
func (refs References) IsEmpty() bool {
	return refs.Others.Len() == 0
}

// ValidateContentAddress checks whether the combination of the content address
// and set of references is one that will be accepted by a kiln store.
// If not, it returns an error describing the issue.
func ValidateContentAddress(ca nix.ContentAddress, refs References) error {
	htype := ca.Hash().Type()
	isFixedOutput := ca.IsFixed() && !isSourceContentAddress(ca)
	switch {
	case ca.IsZero():
		return fmt.Errorf("null content address")
	case ca.IsText() && htype != nix.SHA256:
		return fmt.Errorf("text must be content-addressed by %v (got %v)", nix.SHA256, htype)
	case !refs.IsEmpty() && isFixedOutput:
		return fmt.Errorf("references not allowed in fixed output")
	default:
		return nil
	}
}

// isSourceContentAddress reports whether ca is a content address
// of a "source" store object:
// a filesystem tree hashed recursively with SHA-256.
func isSourceContentAddress(ca nix.ContentAddress) bool {
	return ca.IsRecursiveFile() && ca.Hash().Type() == nix.SHA256
}
