// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package store

import (
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/kilnworks/kiln/internal/testcontext"
	"github.com/kilnworks/kiln/kilnstore"
	"github.com/kilnworks/kiln/sets"
	"zombiezen.com/go/log/testlog"
	"zombiezen.com/go/nix"
)

func TestMain(m *testing.M) {
	testlog.Main(nil)
	os.Exit(m.Run())
}

// newTestStore opens a store rooted in the test's temporary directory.
// The store directory claims to be the default directory,
// but objects are physically located under the temporary directory.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	top := t.TempDir()
	s, err := Open(kilnstore.DefaultDirectory, &Options{
		RealDir:      filepath.Join(top, "store"),
		DatabasePath: filepath.Join(top, "db.sqlite"),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Error("Close:", err)
		}
	})
	return s
}

func TestImportPath(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	s := newTestStore(t)

	src := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "bin"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "bin", "hello"), []byte("#!/bin/sh\necho hello\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	p, err := s.ImportPath(ctx, src, "hello", kilnstore.References{})
	if err != nil {
		t.Fatal("ImportPath:", err)
	}
	if got, want := p.Name(), "hello"; got != want {
		t.Errorf("imported path name = %q; want %q", got, want)
	}

	if got, err := s.Exists(ctx, string(p)); err != nil || !got {
		t.Errorf("Exists(%q) = %t, %v; want true, <nil>", string(p), got, err)
	}
	if got, err := s.Exists(ctx, p.Join("bin", "hello")); err != nil || !got {
		t.Errorf("Exists(%q) = %t, %v; want true, <nil>", p.Join("bin", "hello"), got, err)
	}
	if got, err := s.Exists(ctx, p.Join("bin", "missing")); err != nil || got {
		t.Errorf("Exists(%q) = %t, %v; want false, <nil>", p.Join("bin", "missing"), got, err)
	}

	info, err := s.Info(ctx, p)
	if err != nil {
		t.Fatal("Info:", err)
	}
	if info.StorePath != p {
		t.Errorf("Info().StorePath = %q; want %q", string(info.StorePath), string(p))
	}
	if info.NARSize <= 0 {
		t.Errorf("Info().NARSize = %d; want positive", info.NARSize)
	}
	if !info.CA.IsRecursiveFile() || info.CA.Hash().Type() != nix.SHA256 {
		t.Errorf("Info().CA = %v; want recursive sha256", info.CA)
	}
	if !info.References.IsEmpty() {
		t.Errorf("Info().References = %v; want empty", info.References)
	}

	// Importing identical content must be idempotent.
	p2, err := s.ImportPath(ctx, src, "hello", kilnstore.References{})
	if err != nil {
		t.Fatal("ImportPath (second):", err)
	}
	if p2 != p {
		t.Errorf("second import produced %q; want %q", string(p2), string(p))
	}

	// Files inside the store object are read-only after import.
	fi, err := os.Lstat(filepath.Join(s.RealPath(p), "bin", "hello"))
	if err != nil {
		t.Fatal(err)
	}
	if mode := fi.Mode().Perm(); mode&0o222 != 0 {
		t.Errorf("imported file mode = %v; want read-only", mode)
	}
}

func TestInfoNotExist(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	s := newTestStore(t)

	const missing kilnstore.Path = "/kiln/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-missing"
	if _, err := s.Info(ctx, missing); !IsNotExist(err) {
		t.Errorf("Info(%q) error = %v; want not-exist", string(missing), err)
	}
	if _, err := s.Closure(ctx, missing); !IsNotExist(err) {
		t.Errorf("Closure(%q) error = %v; want not-exist", string(missing), err)
	}
}

func TestClosure(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	s := newTestStore(t)

	// base <- lib <- app, where app also references base directly.
	writeSource := func(name, content string) string {
		t.Helper()
		dir := t.TempDir()
		if err := os.WriteFile(filepath.Join(dir, "file"), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		return dir
	}

	basePath, err := s.ImportPath(ctx, writeSource("base", "base\n"), "base", kilnstore.References{})
	if err != nil {
		t.Fatal(err)
	}
	libPath, err := s.ImportPath(ctx, writeSource("lib", "lib\n"), "lib", kilnstore.References{
		Others: *sets.NewSorted(basePath),
	})
	if err != nil {
		t.Fatal(err)
	}
	appPath, err := s.ImportPath(ctx, writeSource("app", "app\n"), "app", kilnstore.References{
		Others: *sets.NewSorted(basePath, libPath),
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.Closure(ctx, appPath)
	if err != nil {
		t.Fatal("Closure:", err)
	}
	want := []kilnstore.Path{appPath, basePath, libPath}
	slices.Sort(want)
	if diff := cmp.Diff(want, slices.Collect(got.Values())); diff != "" {
		t.Errorf("Closure(app) (-want +got):\n%s", diff)
	}

	got, err = s.Closure(ctx, basePath)
	if err != nil {
		t.Fatal("Closure:", err)
	}
	if diff := cmp.Diff([]kilnstore.Path{basePath}, slices.Collect(got.Values())); diff != "" {
		t.Errorf("Closure(base) (-want +got):\n%s", diff)
	}
}

func TestImportDerivation(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	s := newTestStore(t)

	drv := &kilnstore.Derivation{
		Dir:     s.Dir(),
		Name:    "hello",
		System:  "x86_64-linux",
		Builder: "/bin/sh",
		Args:    []string{"-c", "echo hello > $out"},
		Env: map[string]string{
			"out": kilnstore.HashPlaceholder("out"),
		},
		Outputs: map[string]*kilnstore.DerivationOutput{
			"out": kilnstore.RecursiveFileFloatingCAOutput(nix.SHA256),
		},
	}
	drvPath, err := s.ImportDerivation(ctx, drv)
	if err != nil {
		t.Fatal("ImportDerivation:", err)
	}
	if !drvPath.IsDerivation() {
		t.Errorf("imported path %q is not a derivation path", string(drvPath))
	}

	got, err := s.ReadDerivation(ctx, drvPath)
	if err != nil {
		t.Fatal("ReadDerivation:", err)
	}
	if got.Name != drv.Name || got.Builder != drv.Builder || got.System != drv.System {
		t.Errorf("ReadDerivation() = %+v; want %+v", got, drv)
	}

	closure, err := s.ReadDerivationClosure(ctx, []kilnstore.Path{drvPath})
	if err != nil {
		t.Fatal("ReadDerivationClosure:", err)
	}
	if len(closure) != 1 || closure[drvPath] == nil {
		t.Errorf("ReadDerivationClosure() = %v; want single entry for %s", closure, drvPath)
	}
}

func TestRealizations(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	s := newTestStore(t)

	outDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(outDir, "file"), []byte("output\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	outputPath, err := s.ImportPath(ctx, outDir, "hello", kilnstore.References{})
	if err != nil {
		t.Fatal(err)
	}

	ref := kilnstore.OutputReference{
		DrvPath:    kilnstore.Path(string(s.Dir()) + "/ib3sh3pcz10wsmavxvkdbayhqivbghlq-hello.drv"),
		OutputName: "out",
	}

	if got, err := s.FindRealization(ctx, ref); err != nil || got != "" {
		t.Errorf("FindRealization before record = %q, %v; want \"\", <nil>", string(got), err)
	}
	if err := s.RecordRealization(ctx, ref, outputPath); err != nil {
		t.Fatal("RecordRealization:", err)
	}
	if got, err := s.FindRealization(ctx, ref); err != nil || got != outputPath {
		t.Errorf("FindRealization after record = %q, %v; want %q, <nil>", string(got), err, string(outputPath))
	}

	// A realization whose output vanished from disk is ignored.
	if err := os.Chmod(s.RealPath(outputPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(filepath.Join(s.RealPath(outputPath), "file"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.RemoveAll(s.RealPath(outputPath)); err != nil {
		t.Fatal(err)
	}
	if got, err := s.FindRealization(ctx, ref); err != nil || got != "" {
		t.Errorf("FindRealization after delete = %q, %v; want \"\", <nil>", string(got), err)
	}
}

func TestValidateOutputs(t *testing.T) {
	fixedCA := nix.FlatFileContentAddress(kilnstore.TextContentAddress([]byte("x")).Hash())
	tests := []struct {
		name    string
		outputs map[string]*kilnstore.DerivationOutput
		wantErr bool
	}{
		{
			name:    "NoOutputs",
			outputs: nil,
			wantErr: true,
		},
		{
			name: "Floating",
			outputs: map[string]*kilnstore.DerivationOutput{
				"out": kilnstore.RecursiveFileFloatingCAOutput(nix.SHA256),
			},
		},
		{
			name: "FloatingSHA512",
			outputs: map[string]*kilnstore.DerivationOutput{
				"out": kilnstore.RecursiveFileFloatingCAOutput(nix.SHA512),
			},
			wantErr: true,
		},
		{
			name: "Fixed",
			outputs: map[string]*kilnstore.DerivationOutput{
				"out": kilnstore.FixedCAOutput(fixedCA),
			},
		},
		{
			name: "FixedNonDefaultName",
			outputs: map[string]*kilnstore.DerivationOutput{
				"lib": kilnstore.FixedCAOutput(fixedCA),
			},
			wantErr: true,
		},
		{
			name: "FixedPlusFloating",
			outputs: map[string]*kilnstore.DerivationOutput{
				"out": kilnstore.FixedCAOutput(fixedCA),
				"lib": kilnstore.RecursiveFileFloatingCAOutput(nix.SHA256),
			},
			wantErr: true,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			drv := &kilnstore.Derivation{
				Dir:     "/kiln/store",
				Name:    "x",
				Outputs: test.outputs,
			}
			err := validateOutputs(drv)
			if (err != nil) != test.wantErr {
				t.Errorf("validateOutputs(...) = %v; wantErr = %t", err, test.wantErr)
			}
		})
	}
}
