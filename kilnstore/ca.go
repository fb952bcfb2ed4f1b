// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package kilnstore

import (
	"fmt"
	"io"

	"zombiezen.com/go/nix"
)

type contentAddressMethod int8

const (
	flatFileIngestionMethod contentAddressMethod = 1 + iota
	recursiveFileIngestionMethod
	textIngestionMethod
)

func methodOfContentAddress(ca nix.ContentAddress) contentAddressMethod {
	switch {
	case ca.IsText():
		return textIngestionMethod
	case ca.IsRecursiveFile():
		return recursiveFileIngestionMethod
	default:
		return flatFileIngestionMethod
	}
}

func (m contentAddressMethod) prefix() string {
	switch m {
	case flatFileIngestionMethod:
		return ""
	case recursiveFileIngestionMethod:
		return "r:"
	case textIngestionMethod:
		return "text:"
	default:
		panic("unknown content address method")
	}
}

// SourceSHA256ContentAddress computes the content address
// of a "source" store object from its NAR serialization.
func SourceSHA256ContentAddress(sourceNAR io.Reader) (nix.ContentAddress, error) {
	h := nix.NewHasher(nix.SHA256)
	if _, err := io.Copy(h, sourceNAR); err != nil {
		return nix.ContentAddress{}, fmt.Errorf("compute source content address: %v", err)
	}
	return nix.RecursiveFileContentAddress(h.SumHash()), nil
}

// TextContentAddress computes the content address
// of a "text" store object (such as a marshalled derivation)
// from its raw bytes.
func TextContentAddress(data []byte) nix.ContentAddress {
	h := nix.NewHasher(nix.SHA256)
	h.Write(data)
	return nix.TextContentAddress(h.SumHash())
}
