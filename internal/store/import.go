// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/kilnworks/kiln/internal/osutil"
	"github.com/kilnworks/kiln/kilnstore"
	"zombiezen.com/go/log"
	"zombiezen.com/go/nix"
	"zombiezen.com/go/nix/nar"
	"zombiezen.com/go/sqlite/sqlitex"
)

// ImportPath adds the file or directory tree at localPath to the store
// as a store object with the given name and reference set.
// The object is content-addressed by its NAR serialization.
// If an object with the computed path already exists,
// ImportPath returns its path without modifying the store.
func (s *Store) ImportPath(ctx context.Context, localPath string, name string, refs kilnstore.References) (kilnstore.Path, error) {
	narFile, err := os.CreateTemp("", "kiln-import-*.nar")
	if err != nil {
		return "", fmt.Errorf("import %s: %v", localPath, err)
	}
	defer func() {
		narFile.Close()
		os.Remove(narFile.Name())
	}()

	h := nix.NewHasher(nix.SHA256)
	if err := nar.DumpPath(io.MultiWriter(narFile, h), localPath); err != nil {
		return "", fmt.Errorf("import %s: %v", localPath, err)
	}
	narSize, err := narFile.Seek(0, io.SeekCurrent)
	if err != nil {
		return "", fmt.Errorf("import %s: %v", localPath, err)
	}
	narHash := h.SumHash()
	ca := nix.RecursiveFileContentAddress(narHash)

	p, err := kilnstore.FixedCAOutputPath(s.dir, name, ca, refs)
	if err != nil {
		return "", fmt.Errorf("import %s: %v", localPath, err)
	}
	info := &ObjectInfo{
		StorePath:  p,
		NARSize:    narSize,
		NARHash:    narHash,
		CA:         ca,
		References: refs,
	}
	if _, err := narFile.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("import %s: %v", localPath, err)
	}
	if err := s.commit(ctx, narFile, info); err != nil {
		return "", fmt.Errorf("import %s: %v", localPath, err)
	}
	return p, nil
}

// ImportFixed adds the file or directory tree at localPath to the store
// at the path determined by the given content address.
// The content at localPath must hash to ca's digest;
// on a mismatch nothing is written.
func (s *Store) ImportFixed(ctx context.Context, localPath string, name string, ca nix.ContentAddress, refs kilnstore.References) (kilnstore.Path, error) {
	narFile, err := os.CreateTemp("", "kiln-import-*.nar")
	if err != nil {
		return "", fmt.Errorf("import %s: %v", localPath, err)
	}
	defer func() {
		narFile.Close()
		os.Remove(narFile.Name())
	}()

	h := nix.NewHasher(nix.SHA256)
	if err := nar.DumpPath(io.MultiWriter(narFile, h), localPath); err != nil {
		return "", fmt.Errorf("import %s: %v", localPath, err)
	}
	narSize, err := narFile.Seek(0, io.SeekCurrent)
	if err != nil {
		return "", fmt.Errorf("import %s: %v", localPath, err)
	}
	narHash := h.SumHash()
	if err := verifyContentAddress(localPath, narHash, ca); err != nil {
		return "", fmt.Errorf("import %s: %v", localPath, err)
	}

	p, err := kilnstore.FixedCAOutputPath(s.dir, name, ca, refs)
	if err != nil {
		return "", fmt.Errorf("import %s: %v", localPath, err)
	}
	info := &ObjectInfo{
		StorePath:  p,
		NARSize:    narSize,
		NARHash:    narHash,
		CA:         ca,
		References: refs,
	}
	if _, err := narFile.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("import %s: %v", localPath, err)
	}
	if err := s.commit(ctx, narFile, info); err != nil {
		return "", fmt.Errorf("import %s: %v", localPath, err)
	}
	return p, nil
}

// VerifyContentAddress checks that the content at localPath
// hashes to the digest ca declares, without writing to the store.
// [Store.ImportFixed] performs the same check before committing;
// callers staging several outputs use VerifyContentAddress
// to reject a bad fixed output before importing any of them.
func (s *Store) VerifyContentAddress(localPath string, ca nix.ContentAddress) error {
	h := nix.NewHasher(nix.SHA256)
	if _, err := dumpNAR(h, localPath); err != nil {
		return err
	}
	return verifyContentAddress(localPath, h.SumHash(), ca)
}

// verifyContentAddress checks that the content at localPath
// hashes to the digest ca declares.
// narHash is the SHA-256 hash of localPath's NAR serialization,
// already computed by the caller.
func verifyContentAddress(localPath string, narHash nix.Hash, ca nix.ContentAddress) error {
	want := ca.Hash()
	var got nix.Hash
	switch {
	case ca.IsRecursiveFile():
		if want.Type() == nix.SHA256 {
			got = narHash
		} else {
			h := nix.NewHasher(want.Type())
			if _, err := dumpNAR(h, localPath); err != nil {
				return err
			}
			got = h.SumHash()
		}
	default:
		// Flat content address: hash the file bytes directly.
		f, err := os.Open(localPath)
		if err != nil {
			return err
		}
		defer f.Close()
		h := nix.NewHasher(want.Type())
		if _, err := io.Copy(h, f); err != nil {
			return err
		}
		got = h.SumHash()
	}
	if !got.Equal(want) {
		return fmt.Errorf("content hash %v does not match declared %v", got.SRI(), want.SRI())
	}
	return nil
}

// ImportDerivation adds the marshalled form of drv to the store.
// If the derivation already exists,
// ImportDerivation returns its path without modifying the store.
func (s *Store) ImportDerivation(ctx context.Context, drv *kilnstore.Derivation) (kilnstore.Path, error) {
	if drv.Dir != s.dir {
		return "", fmt.Errorf("import %s derivation: not in directory %s", drv.Name, s.dir)
	}
	p, data, err := drv.Export()
	if err != nil {
		return "", err
	}

	unlock, err := s.writing.lock(ctx, p)
	if err != nil {
		return "", fmt.Errorf("import derivation %s: waiting for lock: %w", p, err)
	}
	defer unlock()

	realPath := s.RealPath(p)
	if _, err := os.Lstat(realPath); err == nil {
		log.Debugf(ctx, "Derivation %s exists in store, skipping", p)
		return p, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("import derivation %s: %v", p, err)
	}
	if err := osutil.WriteFilePerm(realPath, data, 0o444); err != nil {
		return "", fmt.Errorf("import derivation %s: %v", p, err)
	}

	h := nix.NewHasher(nix.SHA256)
	narSize, err := dumpNAR(h, realPath)
	if err != nil {
		os.Remove(realPath)
		return "", fmt.Errorf("import derivation %s: %v", p, err)
	}
	err = s.record(ctx, &ObjectInfo{
		StorePath:  p,
		NARSize:    narSize,
		NARHash:    h.SumHash(),
		CA:         kilnstore.TextContentAddress(data),
		References: drv.References(),
	})
	if err != nil {
		os.Remove(realPath)
		return "", err
	}
	return p, nil
}

// commit extracts a NAR serialization into the store under the writing lock
// and records the object's metadata in the database.
// The store object named by info must not reference itself.
// If the object already exists on disk, commit is a no-op:
// content addressing guarantees an existing object has the same content.
func (s *Store) commit(ctx context.Context, narContent io.Reader, info *ObjectInfo) error {
	unlock, err := s.writing.lock(ctx, info.StorePath)
	if err != nil {
		return fmt.Errorf("commit %s: waiting for lock: %w", info.StorePath, err)
	}
	defer unlock()

	realPath := s.RealPath(info.StorePath)
	if _, err := os.Lstat(realPath); err == nil {
		log.Debugf(ctx, "%s exists in store, skipping", info.StorePath)
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("commit %s: %v", info.StorePath, err)
	}

	log.Debugf(ctx, "Extracting NAR to %s...", realPath)
	if err := extractNAR(realPath, narContent); err != nil {
		if rmErr := os.RemoveAll(realPath); rmErr != nil {
			log.Errorf(ctx, "Failed to clean up partial import of %s: %v", info.StorePath, rmErr)
		}
		return fmt.Errorf("commit %s: %v", info.StorePath, err)
	}
	if err := s.record(ctx, info); err != nil {
		if rmErr := os.RemoveAll(realPath); rmErr != nil {
			log.Errorf(ctx, "Failed to clean up partial import of %s: %v", info.StorePath, rmErr)
		}
		return err
	}
	return nil
}

// record writes the object's metadata to the database
// and marks the object read-only.
func (s *Store) record(ctx context.Context, info *ObjectInfo) error {
	conn, err := s.db.Get(ctx)
	if err != nil {
		return fmt.Errorf("record %s: %v", info.StorePath, err)
	}
	defer s.db.Put(conn)
	err = func() (err error) {
		endFn, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return err
		}
		defer endFn(&err)
		return insertObject(ctx, conn, info)
	}()
	if err != nil {
		return fmt.Errorf("record %s: %v", info.StorePath, err)
	}
	freeze(ctx, s.RealPath(info.StorePath))
	log.Infof(ctx, "Imported %s", info.StorePath)
	return nil
}

// dumpNAR writes the NAR serialization of the filesystem object at path to w
// and returns the number of bytes written.
func dumpNAR(w io.Writer, path string) (int64, error) {
	cw := &countWriter{w: w}
	if err := nar.DumpPath(cw, path); err != nil {
		return cw.n, err
	}
	return cw.n, nil
}

type countWriter struct {
	w io.Writer
	n int64
}

func (cw *countWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// extractNAR extracts a NAR file to the local filesystem at the given path.
func extractNAR(dst string, r io.Reader) error {
	nr := nar.NewReader(r)
	for {
		hdr, err := nr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		p := filepath.Join(dst, filepath.FromSlash(hdr.Path))
		switch typ := hdr.Mode.Type(); typ {
		case 0:
			perm := os.FileMode(0o644)
			if hdr.Mode&0o111 != 0 {
				perm = 0o755
			}
			f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
			if err != nil {
				return err
			}
			_, err = io.Copy(f, nr)
			err2 := f.Close()
			if err != nil {
				return err
			}
			if err2 != nil {
				return err2
			}
		case fs.ModeDir:
			if err := os.Mkdir(p, 0o755); err != nil {
				return err
			}
		case fs.ModeSymlink:
			if err := os.Symlink(hdr.LinkTarget, p); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unhandled type %v", typ)
		}
	}
}

// freeze marks a store object read-only
// and logs any errors instead of causing them to stop the operation.
func freeze(ctx context.Context, path string) {
	log.Debugf(ctx, "Marking %s read-only...", path)
	osutil.MakePublicReadOnly(path, func(err error) error {
		// Log errors, but don't abort the chmod attempt.
		// Subsequent use of this store object can still succeed,
		// and we want to mark as many files read-only as possible.
		log.Warnf(ctx, "%v", err)
		return nil
	})
}
