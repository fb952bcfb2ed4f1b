// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package main

import (
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/kilnworks/kiln/internal/store"
	"github.com/kilnworks/kiln/kilnstore"
	"github.com/tailscale/hujson"
)

// globalConfig is the configuration shared by all kiln commands.
// It is populated from configuration files,
// then the environment,
// then command-line flags, in increasing order of precedence.
type globalConfig struct {
	Debug              bool                `json:"debug"`
	Directory          kilnstore.Directory `json:"storeDirectory"`
	RealStoreDirectory string              `json:"realStoreDirectory"`
	DatabasePath       string              `json:"databasePath"`
	BuildDirectory     string              `json:"buildDirectory"`
	KeepFailed         bool                `json:"keepFailed"`
}

func defaultGlobalConfig() *globalConfig {
	return &globalConfig{
		Directory:    kilnstore.DefaultDirectory,
		DatabasePath: filepath.Join(defaultVarDir(), "db.sqlite"),
	}
}

func (g *globalConfig) mergeEnvironment() error {
	if dir := os.Getenv("KILN_STORE_DIR"); dir != "" {
		kilnDir, err := kilnstore.CleanDirectory(dir)
		if err != nil {
			return err
		}
		g.Directory = kilnDir
	}

	if path := os.Getenv("KILN_DB_PATH"); path != "" {
		g.DatabasePath = path
	}

	return nil
}

func (g *globalConfig) mergeFiles(paths iter.Seq[string]) error {
	for path := range paths {
		huJSONData, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return err
		}
		jsonData, err := hujson.Standardize(huJSONData)
		if err != nil {
			return fmt.Errorf("read %s: %v", path, err)
		}
		if err := jsonv2.Unmarshal(jsonData, g, jsonv2.RejectUnknownMembers(false)); err != nil {
			return fmt.Errorf("read %s: %v", path, err)
		}
	}

	return nil
}

func (g *globalConfig) validate() error {
	if !filepath.IsAbs(string(g.Directory)) {
		// The directory must be in the format of the local OS.
		return fmt.Errorf("store directory %q is not absolute", g.Directory)
	}
	if g.DatabasePath == "" {
		return fmt.Errorf("store database path not set")
	}

	return nil
}

// openStore opens the local store named by the configuration.
// Callers are responsible for closing the returned store.
func (g *globalConfig) openStore() (*store.Store, error) {
	return store.Open(g.Directory, &store.Options{
		RealDir:      g.RealStoreDirectory,
		DatabasePath: g.DatabasePath,
	})
}

// configFilePaths returns the configuration files to merge, in order.
// Later files take precedence over earlier ones
// and missing files are skipped.
func configFilePaths() iter.Seq[string] {
	return func(yield func(string) bool) {
		if !yield(filepath.Join(string(filepath.Separator)+"etc", "kiln", "config.json")) {
			return
		}
		if dir := configDir(); dir != "" {
			yield(filepath.Join(dir, "kiln", "config.json"))
		}
	}
}

// defaultVarDir returns "/kiln/var/kiln" on Unix-like systems or `C:\kiln\var\kiln` on Windows systems.
func defaultVarDir() string {
	return filepath.Join(filepath.Dir(string(kilnstore.DefaultDirectory)), "var", "kiln")
}
