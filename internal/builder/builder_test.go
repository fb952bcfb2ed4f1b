// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package builder

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/kilnworks/kiln/internal/store"
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

// testSearchPath is the search path declared by test derivations
// so that their phase scripts can find a shell's usual external tools.
const testSearchPath = "/bin:/usr/bin"

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	top := t.TempDir()
	realDir := filepath.Join(top, "store")
	s, err := store.Open(kilnstore.DefaultDirectory, &store.Options{
		RealDir:      realDir,
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
	// Store objects are frozen read-only.
	// Restore write permission so the test framework can remove them.
	t.Cleanup(func() {
		makeTreeWritable(realDir)
	})
	return s
}

func newTestBuilder(t *testing.T, opts *Options) (*Builder, *store.Store) {
	t.Helper()
	s := newTestStore(t)
	if opts == nil {
		opts = new(Options)
	}
	if opts.BuildDir == "" {
		opts.BuildDir = t.TempDir()
	}
	return New(s, opts), s
}

// shellDerivation returns a derivation
// that runs its phase scripts with /bin/sh
// and has a single floating output.
func shellDerivation(name string, env map[string]string) *kilnstore.Derivation {
	return &kilnstore.Derivation{
		Dir:     kilnstore.DefaultDirectory,
		Name:    name,
		System:  "x86_64-linux",
		Builder: "/bin/sh",
		Args:    []string{"-e", "-c"},
		Env:     env,
		Outputs: map[string]*kilnstore.DerivationOutput{
			kilnstore.DefaultDerivationOutputName: kilnstore.RecursiveFileFloatingCAOutput(nix.SHA256),
		},
	}
}

// countingLauncher wraps a Launcher and counts its invocations.
type countingLauncher struct {
	wrapped Launcher

	mu sync.Mutex
	n  int
}

func (cl *countingLauncher) Run(ctx context.Context, invocation *Invocation) (int, error) {
	cl.mu.Lock()
	cl.n++
	cl.mu.Unlock()
	return cl.wrapped.Run(ctx, invocation)
}

func (cl *countingLauncher) count() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.n
}

func TestRunBatch(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	b, s := newTestBuilder(t, nil)

	drv := shellDerivation("greeting", map[string]string{
		"PATH": testSearchPath,
		"installPhase": `mkdir -p "$out"
echo hello > "$out/greeting"`,
	})
	drvPath, err := s.ImportDerivation(ctx, drv)
	if err != nil {
		t.Fatal(err)
	}

	result, err := b.RunBatch(ctx, drvPath)
	if err != nil {
		t.Fatal("RunBatch:", err)
	}
	if result.DrvPath != drvPath {
		t.Errorf("result.DrvPath = %s; want %s", result.DrvPath, drvPath)
	}
	outPath := result.Outputs[kilnstore.DefaultDerivationOutputName]
	if outPath == "" {
		t.Fatalf("result.Outputs = %v; want an out output", result.Outputs)
	}
	if exists, err := s.Exists(ctx, string(outPath)); err != nil {
		t.Error(err)
	} else if !exists {
		t.Errorf("store object %s does not exist after successful build", outPath)
	}
	got, err := os.ReadFile(filepath.Join(s.RealPath(outPath), "greeting"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello\n" {
		t.Errorf("greeting content = %q; want %q", got, "hello\n")
	}
	info, err := s.Info(ctx, outPath)
	if err != nil {
		t.Fatal(err)
	}
	if !info.References.IsEmpty() {
		t.Errorf("references of %s = %v; want none", outPath, info.References.Others)
	}
}

func TestRunBatchReusesRealizations(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	cl := &countingLauncher{wrapped: NewExecLauncher()}
	b, s := newTestBuilder(t, &Options{Launcher: cl})

	drv := shellDerivation("cached", map[string]string{
		"PATH": testSearchPath,
		"installPhase": `mkdir -p "$out"
echo once > "$out/marker"`,
	})
	drvPath, err := s.ImportDerivation(ctx, drv)
	if err != nil {
		t.Fatal(err)
	}

	first, err := b.RunBatch(ctx, drvPath)
	if err != nil {
		t.Fatal("first RunBatch:", err)
	}
	invocationsAfterFirst := cl.count()
	if invocationsAfterFirst == 0 {
		t.Fatal("first build ran no phase processes")
	}

	second, err := b.RunBatch(ctx, drvPath)
	if err != nil {
		t.Fatal("second RunBatch:", err)
	}
	if got, want := second.Outputs["out"], first.Outputs["out"]; got != want {
		t.Errorf("second build output = %s; want %s", got, want)
	}
	if got := cl.count(); got != invocationsAfterFirst {
		t.Errorf("second build ran %d phase processes; want 0", got-invocationsAfterFirst)
	}
}

func TestRunBatchPhaseFailure(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	b, s := newTestBuilder(t, nil)

	drv := shellDerivation("doomed", map[string]string{
		"PATH":           testSearchPath,
		"configurePhase": "exit 3",
	})
	drvPath, err := s.ImportDerivation(ctx, drv)
	if err != nil {
		t.Fatal(err)
	}

	_, err = b.RunBatch(ctx, drvPath)
	var failure *PhaseFailure
	if !errors.As(err, &failure) {
		t.Fatalf("RunBatch error = %v; want a *PhaseFailure", err)
	}
	if failure.DrvPath != drvPath {
		t.Errorf("failure.DrvPath = %s; want %s", failure.DrvPath, drvPath)
	}
	if failure.Phase != PhaseConfigure {
		t.Errorf("failure.Phase = %q; want %q", failure.Phase, PhaseConfigure)
	}
	if failure.ExitStatus != 3 {
		t.Errorf("failure.ExitStatus = %d; want 3", failure.ExitStatus)
	}

	ref := kilnstore.OutputReference{DrvPath: drvPath, OutputName: "out"}
	if p, err := s.FindRealization(ctx, ref); err != nil {
		t.Error(err)
	} else if p != "" {
		t.Errorf("realization of %v = %s after failed build; want none", ref, p)
	}
}

func TestRunBatchDependencies(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	b, s := newTestBuilder(t, nil)

	dep := shellDerivation("libdata", map[string]string{
		"PATH": testSearchPath,
		"installPhase": `mkdir -p "$out"
echo 42 > "$out/data"`,
	})
	depPath, err := s.ImportDerivation(ctx, dep)
	if err != nil {
		t.Fatal(err)
	}
	depRef := kilnstore.OutputReference{DrvPath: depPath, OutputName: "out"}

	app := shellDerivation("app", map[string]string{
		"PATH": testSearchPath,
		"dep":  kilnstore.UnknownCAOutputPlaceholder(depRef),
		"installPhase": `mkdir -p "$out"
cat "$dep/data" > "$out/data"
printf '%s' "$dep" > "$out/link"`,
	})
	app.InputDerivations = map[kilnstore.Path]*sets.Sorted[string]{
		depPath: sets.NewSorted("out"),
	}
	appPath, err := s.ImportDerivation(ctx, app)
	if err != nil {
		t.Fatal(err)
	}

	result, err := b.RunBatch(ctx, appPath)
	if err != nil {
		t.Fatal("RunBatch:", err)
	}

	depOut, err := s.FindRealization(ctx, depRef)
	if err != nil {
		t.Fatal(err)
	}
	if depOut == "" {
		t.Fatal("dependency was not realized")
	}
	appOut := result.Outputs["out"]
	data, err := os.ReadFile(filepath.Join(s.RealPath(appOut), "data"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "42\n" {
		t.Errorf("data content = %q; want %q", data, "42\n")
	}
	link, err := os.ReadFile(filepath.Join(s.RealPath(appOut), "link"))
	if err != nil {
		t.Fatal(err)
	}
	if string(link) != string(depOut) {
		t.Errorf("link content = %q; want %q", link, depOut)
	}

	info, err := s.Info(ctx, appOut)
	if err != nil {
		t.Fatal(err)
	}
	if !info.References.Others.Has(depOut) {
		t.Errorf("references of %s = %v; want %s", appOut, info.References.Others, depOut)
	}
}

func hashString(typ nix.HashType, s string) nix.Hash {
	h := nix.NewHasher(typ)
	h.WriteString(s)
	return h.SumHash()
}

func TestRunBatchFixedOutput(t *testing.T) {
	t.Run("MatchingContent", func(t *testing.T) {
		ctx, cancel := testcontext.New(t)
		defer cancel()
		b, s := newTestBuilder(t, nil)

		drv := shellDerivation("hello.txt", map[string]string{
			"PATH":         testSearchPath,
			"installPhase": `printf 'hello\n' > "$out"`,
		})
		drv.Outputs = map[string]*kilnstore.DerivationOutput{
			"out": kilnstore.FixedCAOutput(nix.FlatFileContentAddress(hashString(nix.SHA256, "hello\n"))),
		}
		wantOut, err := drv.OutputPath("out")
		if err != nil {
			t.Fatal(err)
		}
		drvPath, err := s.ImportDerivation(ctx, drv)
		if err != nil {
			t.Fatal(err)
		}

		result, err := b.RunBatch(ctx, drvPath)
		if err != nil {
			t.Fatal("RunBatch:", err)
		}
		if got := result.Outputs["out"]; got != wantOut {
			t.Errorf("output path = %s; want %s", got, wantOut)
		}
		got, err := os.ReadFile(s.RealPath(wantOut))
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != "hello\n" {
			t.Errorf("output content = %q; want %q", got, "hello\n")
		}
	})

	t.Run("MismatchedContent", func(t *testing.T) {
		ctx, cancel := testcontext.New(t)
		defer cancel()
		b, s := newTestBuilder(t, nil)

		drv := shellDerivation("hello.txt", map[string]string{
			"PATH":         testSearchPath,
			"installPhase": `printf 'goodbye\n' > "$out"`,
		})
		drv.Outputs = map[string]*kilnstore.DerivationOutput{
			"out": kilnstore.FixedCAOutput(nix.FlatFileContentAddress(hashString(nix.SHA256, "hello\n"))),
		}
		drvPath, err := s.ImportDerivation(ctx, drv)
		if err != nil {
			t.Fatal(err)
		}

		if _, err := b.RunBatch(ctx, drvPath); err == nil {
			t.Error("RunBatch did not fail on content hash mismatch")
		}
		ref := kilnstore.OutputReference{DrvPath: drvPath, OutputName: "out"}
		if p, err := s.FindRealization(ctx, ref); err != nil {
			t.Error(err)
		} else if p != "" {
			t.Errorf("realization of %v = %s after hash mismatch; want none", ref, p)
		}
	})
}

func TestRunBatchMissingOutput(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	top := t.TempDir()
	realDir := filepath.Join(top, "store")
	s, err := store.Open(kilnstore.DefaultDirectory, &store.Options{
		RealDir:      realDir,
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
	t.Cleanup(func() {
		makeTreeWritable(realDir)
	})
	b := New(s, &Options{BuildDir: t.TempDir()})

	// The install phase populates out but never creates doc.
	drv := shellDerivation("partial", map[string]string{
		"PATH": testSearchPath,
		"installPhase": `mkdir -p "$out"
echo hello > "$out/data"`,
	})
	drv.Outputs = map[string]*kilnstore.DerivationOutput{
		"out": kilnstore.RecursiveFileFloatingCAOutput(nix.SHA256),
		"doc": kilnstore.RecursiveFileFloatingCAOutput(nix.SHA256),
	}
	drvPath, err := s.ImportDerivation(ctx, drv)
	if err != nil {
		t.Fatal(err)
	}
	objectsBefore, err := os.ReadDir(realDir)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := b.RunBatch(ctx, drvPath); err == nil {
		t.Error("RunBatch did not fail on a missing output")
	}

	// A build missing one output must commit nothing for the others.
	for _, outName := range []string{"doc", "out"} {
		ref := kilnstore.OutputReference{DrvPath: drvPath, OutputName: outName}
		if p, err := s.FindRealization(ctx, ref); err != nil {
			t.Error(err)
		} else if p != "" {
			t.Errorf("realization of %v = %s after failed build; want none", ref, p)
		}
	}
	objectsAfter, err := os.ReadDir(realDir)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(objectsAfter), len(objectsBefore); got != want {
		t.Errorf("store holds %d objects after failed build; want %d", got, want)
	}
}

func TestExpand(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	b, _ := newTestBuilder(t, nil)

	placeholder := kilnstore.HashPlaceholder("out")
	drv := shellDerivation("expand", map[string]string{
		"out": placeholder,
		"msg": "prefix " + placeholder + " suffix",
	})
	drv.Args = append(drv.Args, placeholder)

	expanded, err := b.expand(ctx, drv, map[string]string{"out": "/work/outputs/out"})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := expanded.Env["out"], "/work/outputs/out"; got != want {
		t.Errorf("expanded out = %q; want %q", got, want)
	}
	if got, want := expanded.Env["msg"], "prefix /work/outputs/out suffix"; got != want {
		t.Errorf("expanded msg = %q; want %q", got, want)
	}
	if got, want := expanded.Args[len(expanded.Args)-1], "/work/outputs/out"; got != want {
		t.Errorf("expanded arg = %q; want %q", got, want)
	}
	if drv.Env["out"] != placeholder {
		t.Error("expand modified its argument")
	}
}

func TestPhaseScript(t *testing.T) {
	tests := []struct {
		name       string
		env        map[string]string
		phase      string
		wantScript string
		wantOK     bool
	}{
		{
			name:   "UnpackIsNativeByDefault",
			phase:  PhaseUnpack,
			wantOK: false,
		},
		{
			name:   "FixupIsNativeByDefault",
			phase:  PhaseFixup,
			wantOK: false,
		},
		{
			name:       "ConfigureDefault",
			phase:      PhaseConfigure,
			wantScript: defaultConfigureScript,
			wantOK:     true,
		},
		{
			name:       "BuildDefault",
			phase:      PhaseBuild,
			wantScript: defaultBuildScript,
			wantOK:     true,
		},
		{
			name:       "InstallDefault",
			phase:      PhaseInstall,
			wantScript: defaultInstallScript,
			wantOK:     true,
		},
		{
			name:       "BuildOverride",
			env:        map[string]string{"buildPhase": "cargo build"},
			phase:      PhaseBuild,
			wantScript: "cargo build",
			wantOK:     true,
		},
		{
			name:       "UnpackOverride",
			env:        map[string]string{"unpackPhase": "tar xf custom"},
			phase:      PhaseUnpack,
			wantScript: "tar xf custom",
			wantOK:     true,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			drv := shellDerivation("x", test.env)
			script, ok := phaseScript(drv, test.phase)
			if ok != test.wantOK {
				t.Fatalf("phaseScript(drv, %q) ok = %t; want %t", test.phase, ok, test.wantOK)
			}
			if ok && script != test.wantScript {
				t.Errorf("phaseScript(drv, %q) = %q; want %q", test.phase, script, test.wantScript)
			}
		})
	}
}

func TestPhases(t *testing.T) {
	want := []string{PhaseUnpack, PhaseConfigure, PhaseBuild, PhaseInstall, PhaseFixup}
	got := Phases()
	if len(got) != len(want) {
		t.Fatalf("Phases() = %v; want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Phases() = %v; want %v", got, want)
		}
		if !IsPhase(want[i]) {
			t.Errorf("IsPhase(%q) = false; want true", want[i])
		}
	}
	if IsPhase("deploy") {
		t.Error(`IsPhase("deploy") = true; want false`)
	}
}
