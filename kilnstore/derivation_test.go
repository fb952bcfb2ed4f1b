// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package kilnstore

import (
	"bytes"
	stdcmp "cmp"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/kilnworks/kiln/sets"
	"zombiezen.com/go/nix"
)

func mustParseHash(tb testing.TB, s string) nix.Hash {
	tb.Helper()
	h, err := nix.ParseHash(s)
	if err != nil {
		tb.Fatal(err)
	}
	return h
}

func derivationTests(tb testing.TB) []*Derivation {
	return []*Derivation{
		{
			Dir:     "/kiln/store",
			Name:    "hello",
			System:  "x86_64-linux",
			Builder: "/bin/sh",
			Args:    []string{"-c", "echo 'Hello' > $out"},
			Env: map[string]string{
				"name":   "hello",
				"out":    HashPlaceholder("out"),
				"system": "x86_64-linux",
			},
			Outputs: map[string]*DerivationOutput{
				"out": RecursiveFileFloatingCAOutput(nix.SHA256),
			},
		},
		{
			Dir:     "/kiln/store",
			Name:    "hello-2.12.1.tar.gz",
			System:  "x86_64-linux",
			Builder: "/kiln/store/875vk2pcsmlymd8ggjmk7zgsmkmkzdqq-fetch/bin/fetch",
			Args:    []string{"https://ftp.gnu.org/gnu/hello/hello-2.12.1.tar.gz"},
			Env: map[string]string{
				"name": "hello-2.12.1.tar.gz",
				"out":  HashPlaceholder("out"),
				"url":  "https://ftp.gnu.org/gnu/hello/hello-2.12.1.tar.gz",
			},
			InputDerivations: map[Path]*sets.Sorted[string]{
				"/kiln/store/ib3sh3pcz10wsmavxvkdbayhqivbghlq-fetch.drv": sets.NewSorted("out"),
			},
			InputSources: *sets.NewSorted[Path](
				"/kiln/store/xqnfk0a3fahjrjhvxkpy40pvfkacdvmk-mirrors.txt",
			),
			Outputs: map[string]*DerivationOutput{
				"out": FixedCAOutput(nix.FlatFileContentAddress(mustParseHash(tb, "sha256:8d99fa24c70c9ddd4a4f5ca62b9b142b29983b32bbb98b0069ba19dba5e2a28f"))),
			},
		},
	}
}

func derivationDiffOptions() cmp.Options {
	return cmp.Options{
		cmpopts.EquateEmpty(),
		cmp.AllowUnexported(DerivationOutput{}),
		cmp.Transformer("Hash.String", func(h nix.Hash) string { return h.String() }),
		transformSortedSet[Path](),
		transformSortedSet[string](),
	}
}

func TestDerivationMarshalRoundTrip(t *testing.T) {
	for _, drv := range derivationTests(t) {
		data, err := drv.MarshalText()
		if err != nil {
			t.Errorf("%s: MarshalText: %v", drv.Name, err)
			continue
		}
		got, err := ParseDerivation(drv.Dir, drv.Name, data)
		if err != nil {
			t.Errorf("%s: ParseDerivation: %v", drv.Name, err)
			continue
		}
		if diff := cmp.Diff(drv, got, derivationDiffOptions()); diff != "" {
			t.Errorf("%s: round trip (-want +got):\n%s", drv.Name, diff)
		}
	}
}

func TestDerivationMarshalDeterministic(t *testing.T) {
	for _, drv := range derivationTests(t) {
		first, err := drv.MarshalText()
		if err != nil {
			t.Errorf("%s: MarshalText: %v", drv.Name, err)
			continue
		}
		for i := 0; i < 10; i++ {
			got, err := drv.Clone().MarshalText()
			if err != nil {
				t.Errorf("%s: MarshalText: %v", drv.Name, err)
				break
			}
			if !bytes.Equal(first, got) {
				t.Errorf("%s: marshalling is not deterministic:\nfirst: %s\nother: %s", drv.Name, first, got)
				break
			}
		}
	}
}

func TestDerivationExport(t *testing.T) {
	for _, drv := range derivationTests(t) {
		p, data, err := drv.Export()
		if err != nil {
			t.Errorf("%s: Export: %v", drv.Name, err)
			continue
		}
		if p.Dir() != drv.Dir {
			t.Errorf("%s: exported path %s not in %s", drv.Name, p, drv.Dir)
		}
		if got, want := p.Name(), drv.Name+DerivationExt; got != want {
			t.Errorf("%s: exported path name = %q; want %q", drv.Name, got, want)
		}
		if _, isDrv := p.DerivationName(); !isDrv {
			t.Errorf("%s: exported path %s is not a derivation path", drv.Name, p)
		}
		if got, err := ParseDerivation(drv.Dir, drv.Name, data); err != nil {
			t.Errorf("%s: ParseDerivation(exported data): %v", drv.Name, err)
		} else if diff := cmp.Diff(drv, got, derivationDiffOptions()); diff != "" {
			t.Errorf("%s: exported data (-want +got):\n%s", drv.Name, diff)
		}

		// Two exports of the same derivation must land on the same path.
		p2, _, err := drv.Clone().Export()
		if err != nil {
			t.Errorf("%s: Export: %v", drv.Name, err)
			continue
		}
		if p != p2 {
			t.Errorf("%s: export is not deterministic: %s vs %s", drv.Name, p, p2)
		}
	}
}

func TestDerivationReferences(t *testing.T) {
	drv := derivationTests(t)[1]
	got := drv.References()
	want := References{
		Others: *sets.NewSorted[Path](
			"/kiln/store/ib3sh3pcz10wsmavxvkdbayhqivbghlq-fetch.drv",
			"/kiln/store/xqnfk0a3fahjrjhvxkpy40pvfkacdvmk-mirrors.txt",
		),
	}
	if diff := cmp.Diff(want, got, transformSortedSet[Path]()); diff != "" {
		t.Errorf("References() (-want +got):\n%s", diff)
	}
}

func TestDerivationInputDerivationOutputs(t *testing.T) {
	drv := &Derivation{
		Dir: "/kiln/store",
		InputDerivations: map[Path]*sets.Sorted[string]{
			"/kiln/store/ib3sh3pcz10wsmavxvkdbayhqivbghlq-fetch.drv": sets.NewSorted("out", "dev"),
			"/kiln/store/875vk2pcsmlymd8ggjmk7zgsmkmkzdqq-gcc.drv":   sets.NewSorted("out"),
		},
	}
	var got []string
	for ref := range drv.InputDerivationOutputs() {
		got = append(got, ref.String())
	}
	want := []string{
		"/kiln/store/875vk2pcsmlymd8ggjmk7zgsmkmkzdqq-gcc.drv!out",
		"/kiln/store/ib3sh3pcz10wsmavxvkdbayhqivbghlq-fetch.drv!dev",
		"/kiln/store/ib3sh3pcz10wsmavxvkdbayhqivbghlq-fetch.drv!out",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("InputDerivationOutputs() (-want +got):\n%s", diff)
	}
}

func TestDerivationOutputText(t *testing.T) {
	tests := []struct {
		out  *DerivationOutput
		want string
	}{
		{
			out:  RecursiveFileFloatingCAOutput(nix.SHA256),
			want: "floating:r:sha256",
		},
		{
			out:  FixedCAOutput(nix.FlatFileContentAddress(nix.NewHash(nix.SHA256, bytes.Repeat([]byte{0xab}, 32)))),
			want: "fixed:sha256:abababababababababababababababababababababababababababababababab",
		},
		{
			out:  FixedCAOutput(nix.RecursiveFileContentAddress(nix.NewHash(nix.SHA256, bytes.Repeat([]byte{0xab}, 32)))),
			want: "fixed:r:sha256:abababababababababababababababababababababababababababababababab",
		},
	}
	for _, test := range tests {
		data, err := test.out.MarshalText()
		if err != nil {
			t.Errorf("MarshalText() for %q: %v", test.want, err)
			continue
		}
		if string(data) != test.want {
			t.Errorf("MarshalText() = %q; want %q", data, test.want)
		}
		got := new(DerivationOutput)
		if err := got.UnmarshalText(data); err != nil {
			t.Errorf("UnmarshalText(%q): %v", data, err)
			continue
		}
		if diff := cmp.Diff(test.out, got, cmp.AllowUnexported(DerivationOutput{}), cmp.Transformer("Hash.String", func(h nix.Hash) string { return h.String() })); diff != "" {
			t.Errorf("round trip of %q (-want +got):\n%s", test.want, diff)
		}
	}
}

func TestParseOutputReference(t *testing.T) {
	tests := []struct {
		s       string
		want    OutputReference
		wantErr bool
	}{
		{
			s: "/kiln/store/ib3sh3pcz10wsmavxvkdbayhqivbghlq-hello.drv!out",
			want: OutputReference{
				DrvPath:    "/kiln/store/ib3sh3pcz10wsmavxvkdbayhqivbghlq-hello.drv",
				OutputName: "out",
			},
		},
		{
			s:       "/kiln/store/ib3sh3pcz10wsmavxvkdbayhqivbghlq-hello.drv",
			wantErr: true,
		},
		{
			// Not a derivation path.
			s:       "/kiln/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-hello-2.12.1!out",
			wantErr: true,
		},
		{
			s:       "/kiln/store/ib3sh3pcz10wsmavxvkdbayhqivbghlq-hello.drv!",
			wantErr: true,
		},
	}
	for _, test := range tests {
		got, err := ParseOutputReference(test.s)
		if got != test.want || (err != nil) != test.wantErr {
			errString := "<nil>"
			if test.wantErr {
				errString = "<error>"
			}
			t.Errorf("ParseOutputReference(%q) = %v, %v; want %v, %s", test.s, got, err, test.want, errString)
		}
		if err == nil {
			if roundTrip := got.String(); roundTrip != test.s {
				t.Errorf("ParseOutputReference(%q).String() = %q", test.s, roundTrip)
			}
		}
	}
}

func TestIsValidOutputName(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"out", true},
		{"dev", true},
		{"man3", true},
		{"lib_static", true},
		{"debug-info", true},
		{"", false},
		{"out!", false},
		{"a b", false},
	}
	for _, test := range tests {
		if got := IsValidOutputName(test.name); got != test.want {
			t.Errorf("IsValidOutputName(%q) = %t; want %t", test.name, got, test.want)
		}
	}
}

func transformSortedSet[E stdcmp.Ordered]() cmp.Option {
	return cmp.Transformer("transformSortedSet", func(s sets.Sorted[E]) []E {
		list := make([]E, 0, s.Len())
		for _, x := range s.All() {
			list = append(list, x)
		}
		return list
	})
}
