// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

// Package detect implements scanning of build outputs
// for references to store object digests.
package detect

import (
	"iter"

	"github.com/kilnworks/kiln/sets"
)

// digestAlphabet is the set of characters that can occur in a store object digest.
const digestAlphabet = "0123456789abcdfghijklmnpqrsvwxyz"

// A Scanner records which digests from a candidate set
// occur in a byte stream.
// All candidate digests must have the same length.
type Scanner struct {
	length     int
	candidates sets.Set[string]
	window     []byte
	found      sets.Sorted[string]
}

// NewScanner returns a new [Scanner] that searches for digests of the given length
// from the given sequence.
// Candidates whose length differs from length are ignored.
func NewScanner(length int, candidates iter.Seq[string]) *Scanner {
	s := &Scanner{
		length:     length,
		candidates: sets.New[string](),
		window:     make([]byte, 0, length),
	}
	for c := range candidates {
		if len(c) == length {
			s.candidates.Add(c)
		}
	}
	return s
}

// Found returns the set of digests found in the written content so far.
func (s *Scanner) Found() *sets.Sorted[string] {
	return s.found.Clone()
}

// Write implements [io.Writer]
// by recording any occurrences of candidate digests found in p.
// The bytes written to the [Scanner] are considered a contiguous stream:
// occurrences may span multiple calls to Write or [Scanner.WriteString].
func (s *Scanner) Write(p []byte) (int, error) {
	for _, b := range p {
		s.write(b)
	}
	return len(p), nil
}

// WriteString implements [io.StringWriter]
// by recording any occurrences of candidate digests found in str.
func (s *Scanner) WriteString(str string) (int, error) {
	for _, b := range []byte(str) { // Go compiler elides allocation.
		s.write(b)
	}
	return len(str), nil
}

// write advances the scanner by one byte.
// The scanner keeps a window of the most recent run of digest alphabet characters,
// capped at the digest length.
// Any byte outside the alphabet ends the run:
// a digest never spans such a byte.
func (s *Scanner) write(b byte) {
	if !isDigestChar(b) {
		s.window = s.window[:0]
		return
	}
	if len(s.window) == s.length {
		copy(s.window, s.window[1:])
		s.window[s.length-1] = b
	} else {
		s.window = append(s.window, b)
	}
	if len(s.window) == s.length && s.candidates.Has(string(s.window)) {
		s.found.Add(string(s.window))
	}
}

var digestCharTable = func() (t [256]bool) {
	for i := 0; i < len(digestAlphabet); i++ {
		t[digestAlphabet[i]] = true
	}
	return
}()

func isDigestChar(b byte) bool {
	return digestCharTable[b]
}
