// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

// Package store implements the local kiln store:
// a content-addressed directory of immutable store objects
// with a SQLite database holding object metadata.
package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/kilnworks/kiln/internal/osutil"
	"github.com/kilnworks/kiln/kilnstore"
	"github.com/kilnworks/kiln/sets"
	"zombiezen.com/go/log"
	"zombiezen.com/go/nix"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitemigration"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Options is the set of optional parameters to [Open].
type Options struct {
	// RealDir is where the store objects are located physically on disk.
	// If empty, defaults to the store directory.
	RealDir string
	// DatabasePath is the path to the store's metadata database.
	// If empty, defaults to db.sqlite in the parent of the real directory.
	DatabasePath string
}

// Store is a local kiln store rooted at a single store directory.
// A Store is safe to use from multiple goroutines.
type Store struct {
	dir     kilnstore.Directory
	realDir string
	db      *sqlitemigration.Pool

	writing writeLock // store objects being written
}

// Open returns a new [Store] for the given store directory.
// Callers are responsible for calling [Store.Close] on the returned store.
func Open(dir kilnstore.Directory, opts *Options) (*Store, error) {
	if opts == nil {
		opts = new(Options)
	}
	s := &Store{
		dir:     dir,
		realDir: opts.RealDir,
	}
	if s.realDir == "" {
		s.realDir = string(dir)
	}
	if err := osutil.MkdirPerm(s.realDir, 0o755); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("open store %s: %v", dir, err)
	}
	dbPath := opts.DatabasePath
	if dbPath == "" {
		dbPath = filepath.Join(filepath.Dir(s.realDir), "db.sqlite")
	}
	s.db = sqlitemigration.NewPool(dbPath, loadSchema(), sqlitemigration.Options{
		Flags:       sqlite.OpenCreate | sqlite.OpenReadWrite,
		PrepareConn: prepareConn,
		OnStartMigrate: func() {
			log.Debugf(context.Background(), "Migrating store database...")
		},
		OnReady: func() {
			log.Debugf(context.Background(), "Store database ready")
		},
		OnError: func(err error) {
			log.Errorf(context.Background(), "Store database migration: %v", err)
		},
	})
	return s, nil
}

// Close releases any resources associated with the store.
func (s *Store) Close() error {
	return s.db.Close()
}

// Dir returns the store directory the store was opened with.
func (s *Store) Dir() kilnstore.Directory {
	return s.dir
}

// RealPath returns the path of a store object on the local filesystem.
func (s *Store) RealPath(path kilnstore.Path) string {
	return filepath.Join(s.realDir, path.Base())
}

// Object returns a read-only handle for the store object at the given path.
func (s *Store) Object(path kilnstore.Path) (*os.Root, error) {
	if path.Dir() != s.dir {
		return nil, fmt.Errorf("open store object %s: not in %s", path, s.dir)
	}
	return os.OpenRoot(s.RealPath(path))
}

// Exists reports whether the given path names an existing store object
// or a file inside an existing store object.
func (s *Store) Exists(ctx context.Context, path string) (bool, error) {
	p, sub, err := s.dir.ParsePath(path)
	if err != nil {
		return false, nil
	}
	unlock, err := s.writing.lock(ctx, p)
	if err != nil {
		return false, err
	}
	defer unlock()
	if _, err := os.Lstat(filepath.Join(s.RealPath(p), filepath.FromSlash(sub))); err != nil {
		return false, nil
	}
	return true, nil
}

// errObjectNotExist is returned by [Store.Info]
// when the requested path is not a store object.
var errObjectNotExist = errors.New("object not in store")

// IsNotExist reports whether err indicates that a store object does not exist.
func IsNotExist(err error) bool {
	return errors.Is(err, errObjectNotExist)
}

// An ObjectInfo holds the metadata for a store object.
type ObjectInfo struct {
	// StorePath is the absolute path of the store object.
	StorePath kilnstore.Path
	// NARSize is the size of the store object's NAR serialization in bytes.
	NARSize int64
	// NARHash is the hash of the store object's NAR serialization.
	NARHash nix.Hash
	// CA is the store object's content address.
	CA kilnstore.ContentAddress
	// References is the set of other store objects the store object references.
	References kilnstore.References
}

// Info returns the metadata for the store object at the given path.
// Info returns an error for which [IsNotExist] reports true
// if the path does not name a store object in the store.
func (s *Store) Info(ctx context.Context, path kilnstore.Path) (*ObjectInfo, error) {
	if path.Dir() != s.dir {
		return nil, fmt.Errorf("info for %s: %w", path, errObjectNotExist)
	}
	conn, err := s.db.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("info for %s: %v", path, err)
	}
	defer s.db.Put(conn)
	return pathInfo(conn, path)
}

func pathInfo(conn *sqlite.Conn, path kilnstore.Path) (*ObjectInfo, error) {
	info := &ObjectInfo{StorePath: path}
	found := false
	err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "info.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":path": string(path)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			info.NARSize = stmt.GetInt64("nar_size")
			var err error
			info.NARHash, err = nix.ParseHash(stmt.GetText("nar_hash"))
			if err != nil {
				return fmt.Errorf("nar hash: %v", err)
			}
			info.CA, err = nix.ParseContentAddress(stmt.GetText("ca"))
			if err != nil {
				return fmt.Errorf("content address: %v", err)
			}
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("info for %s: %v", path, err)
	}
	if !found {
		return nil, fmt.Errorf("info for %s: %w", path, errObjectNotExist)
	}
	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "references.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":path": string(path)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			ref, err := kilnstore.ParsePath(stmt.GetText("path"))
			if err != nil {
				return err
			}
			info.References.Others.Add(ref)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("info for %s: references: %v", path, err)
	}
	return info, nil
}

// Closure returns all store paths that the given path transitively refers to,
// including the path itself.
// Closure returns an error for which [IsNotExist] reports true
// if the path does not name a store object in the store.
func (s *Store) Closure(ctx context.Context, path kilnstore.Path) (*sets.Sorted[kilnstore.Path], error) {
	conn, err := s.db.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("find closure of %s: %v", path, err)
	}
	defer s.db.Put(conn)
	return closurePaths(conn, path)
}

func closurePaths(conn *sqlite.Conn, path kilnstore.Path) (*sets.Sorted[kilnstore.Path], error) {
	closure := new(sets.Sorted[kilnstore.Path])
	err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "closure.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":path": string(path)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			p, err := kilnstore.ParsePath(stmt.GetText("path"))
			if err != nil {
				return err
			}
			closure.Add(p)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("find closure of %s: %v", path, err)
	}
	if closure.Len() == 0 {
		return nil, fmt.Errorf("find closure of %s: %w", path, errObjectNotExist)
	}
	return closure, nil
}

// objectExists checks for the existence of a store object in the store database.
func objectExists(conn *sqlite.Conn, path kilnstore.Path) (bool, error) {
	var exists bool
	err := sqlitex.ExecuteFS(conn, sqlFiles(), "object_exists.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":path": string(path)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			exists = stmt.ColumnBool(0)
			return nil
		},
	})
	if err != nil {
		return false, fmt.Errorf("check existence of %s: %v", path, err)
	}
	return exists, nil
}

func insertObject(ctx context.Context, conn *sqlite.Conn, info *ObjectInfo) (err error) {
	log.Debugf(ctx, "Registering metadata for %s", info.StorePath)

	defer sqlitex.Save(conn)(&err)

	if err := upsertPath(conn, info.StorePath); err != nil {
		return fmt.Errorf("insert %s into database: %v", info.StorePath, err)
	}
	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "insert_object.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":path":     string(info.StorePath),
			":nar_size": info.NARSize,
			":nar_hash": info.NARHash.SRI(),
			":ca":       info.CA.String(),
		},
	})
	if sqlite.ErrCode(err) == sqlite.ResultConstraintRowID {
		return fmt.Errorf("insert %s into database: store object exists", info.StorePath)
	}
	if err != nil {
		return fmt.Errorf("insert %s into database: %v", info.StorePath, err)
	}

	addRefStmt, err := sqlitex.PrepareTransientFS(conn, sqlFiles(), "add_reference.sql")
	if err != nil {
		return fmt.Errorf("insert %s into database: %v", info.StorePath, err)
	}
	defer addRefStmt.Finalize()

	addRefStmt.SetText(":referrer", string(info.StorePath))
	for _, ref := range info.References.Others.All() {
		if err := upsertPath(conn, ref); err != nil {
			return fmt.Errorf("insert %s into database: %v", info.StorePath, err)
		}
		addRefStmt.SetText(":reference", string(ref))
		if _, err := addRefStmt.Step(); err != nil {
			return fmt.Errorf("insert %s into database: add reference %s: %v", info.StorePath, ref, err)
		}
		if err := addRefStmt.Reset(); err != nil {
			return fmt.Errorf("insert %s into database: add reference %s: %v", info.StorePath, ref, err)
		}
	}

	return nil
}

func upsertPath(conn *sqlite.Conn, path kilnstore.Path) error {
	if path == "" {
		return nil
	}
	err := sqlitex.ExecuteFS(conn, sqlFiles(), "upsert_path.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":path": string(path)},
	})
	if err != nil {
		return fmt.Errorf("upsert path %s: %v", path, err)
	}
	return nil
}

// RecordRealization associates a derivation output with the store path it produced.
func (s *Store) RecordRealization(ctx context.Context, ref kilnstore.OutputReference, outputPath kilnstore.Path) (err error) {
	conn, err := s.db.Get(ctx)
	if err != nil {
		return fmt.Errorf("record realization of %v: %v", ref, err)
	}
	defer s.db.Put(conn)

	defer sqlitex.Save(conn)(&err)
	if err := upsertPath(conn, ref.DrvPath); err != nil {
		return fmt.Errorf("record realization of %v: %v", ref, err)
	}
	if err := upsertPath(conn, outputPath); err != nil {
		return fmt.Errorf("record realization of %v: %v", ref, err)
	}
	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "insert_realization.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":drv_path":    string(ref.DrvPath),
			":output_name": ref.OutputName,
			":output_path": string(outputPath),
		},
	})
	if err != nil {
		return fmt.Errorf("record realization of %v: %v", ref, err)
	}
	return nil
}

// FindRealization returns the store path previously recorded
// for the given derivation output,
// or "" if no realization has been recorded.
// The returned path is only reused if the store object still exists on disk.
func (s *Store) FindRealization(ctx context.Context, ref kilnstore.OutputReference) (kilnstore.Path, error) {
	conn, err := s.db.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("find realization of %v: %v", ref, err)
	}
	defer s.db.Put(conn)

	var outputPath kilnstore.Path
	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "find_realization.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":drv_path":    string(ref.DrvPath),
			":output_name": ref.OutputName,
		},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			p, err := kilnstore.ParsePath(stmt.GetText("output_path"))
			if err != nil {
				return err
			}
			outputPath = p
			return nil
		},
	})
	if err != nil {
		return "", fmt.Errorf("find realization of %v: %v", ref, err)
	}
	if outputPath == "" {
		return "", nil
	}
	if _, err := os.Lstat(s.RealPath(outputPath)); err != nil {
		log.Debugf(ctx, "Realization %s for %v missing from disk, ignoring", outputPath, ref)
		return "", nil
	}
	return outputPath, nil
}

func prepareConn(conn *sqlite.Conn) error {
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA journal_mode = wal;", nil); err != nil {
		return err
	}
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA foreign_keys = on;", nil); err != nil {
		return err
	}
	return nil
}

//go:embed sql/*.sql
//go:embed sql/schema/*.sql
var rawSQLFiles embed.FS

func sqlFiles() fs.FS {
	sub, err := fs.Sub(rawSQLFiles, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}

var schemaState struct {
	init   sync.Once
	schema sqlitemigration.Schema
	err    error
}

func loadSchema() sqlitemigration.Schema {
	schemaState.init.Do(func() {
		for i := 1; ; i++ {
			migration, err := fs.ReadFile(sqlFiles(), fmt.Sprintf("schema/%02d.sql", i))
			if errors.Is(err, fs.ErrNotExist) {
				break
			}
			if err != nil {
				schemaState.err = err
				return
			}
			schemaState.schema.Migrations = append(schemaState.schema.Migrations, string(migration))
		}
	})

	if schemaState.err != nil {
		panic(schemaState.err)
	}
	return schemaState.schema
}
