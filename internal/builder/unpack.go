// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package builder

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dsnet/compress/bzip2"
	"github.com/kilnworks/kiln/kilnstore"
	"zombiezen.com/go/log"
)

// unpack is the native implementation of the unpack phase.
// It extracts the archive named by the derivation's src attribute
// into the build directory
// and returns the directory the remaining phases should run in:
// the first directory the archive created, if there is exactly one entry,
// or the build directory otherwise.
func (b *Builder) unpack(ctx context.Context, drv *kilnstore.Derivation, buildDir string) (srcDir string, err error) {
	src, ok := drv.Env["src"]
	if !ok || src == "" {
		return buildDir, nil
	}
	srcPath, sub, err := b.store.Dir().ParsePath(src)
	if err != nil {
		return "", fmt.Errorf("unpack: src: %v", err)
	}
	realSrc := filepath.Join(b.store.RealPath(srcPath), filepath.FromSlash(sub))

	info, err := os.Stat(realSrc)
	if err != nil {
		return "", fmt.Errorf("unpack: %v", err)
	}
	if info.IsDir() {
		dst := filepath.Join(buildDir, sourceRootName(srcPath, sub))
		log.Debugf(ctx, "Copying source tree %s to %s", src, dst)
		if err := os.CopyFS(dst, os.DirFS(realSrc)); err != nil {
			return "", fmt.Errorf("unpack: %v", err)
		}
		if err := makeTreeWritable(dst); err != nil {
			return "", fmt.Errorf("unpack: %v", err)
		}
		return dst, nil
	}

	log.Debugf(ctx, "Extracting %s to %s", src, buildDir)
	if err := extractArchive(realSrc, buildDir); err != nil {
		return "", fmt.Errorf("unpack: %v", err)
	}
	return firstSourceDir(buildDir), nil
}

// sourceRootName returns the directory name to copy a source tree under:
// the store object name without its digest.
func sourceRootName(srcPath kilnstore.Path, sub string) string {
	if sub != "" {
		return filepath.Base(sub)
	}
	return srcPath.Name()
}

// extractArchive extracts the archive at src into the directory dst.
// The archive format is chosen by file extension:
// tar (optionally gzip- or bzip2-compressed) and zip are supported.
func extractArchive(src, dst string) error {
	base := strings.ToLower(filepath.Base(src))
	switch {
	case strings.HasSuffix(base, ".zip"):
		return extractZip(src, dst)
	case strings.HasSuffix(base, ".tar"):
		f, err := os.Open(src)
		if err != nil {
			return err
		}
		defer f.Close()
		return extractTar(dst, f)
	case strings.HasSuffix(base, ".tar.gz") || strings.HasSuffix(base, ".tgz"):
		f, err := os.Open(src)
		if err != nil {
			return err
		}
		defer f.Close()
		zr, err := gzip.NewReader(f)
		if err != nil {
			return err
		}
		defer zr.Close()
		return extractTar(dst, zr)
	case strings.HasSuffix(base, ".tar.bz2") || strings.HasSuffix(base, ".tbz2"):
		f, err := os.Open(src)
		if err != nil {
			return err
		}
		defer f.Close()
		zr, err := bzip2.NewReader(f, nil)
		if err != nil {
			return err
		}
		defer zr.Close()
		return extractTar(dst, zr)
	default:
		return fmt.Errorf("extract %s: unsupported archive format", src)
	}
}

func extractTar(dst string, r io.Reader) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		name := filepath.FromSlash(hdr.Name)
		if !filepath.IsLocal(name) {
			return fmt.Errorf("extract: %q escapes archive root", hdr.Name)
		}
		p := filepath.Join(dst, name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(p, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
				return err
			}
			perm := os.FileMode(0o644)
			if hdr.FileInfo().Mode()&0o111 != 0 {
				perm = 0o755
			}
			f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
			if err != nil {
				return err
			}
			_, err = io.Copy(f, tr)
			err2 := f.Close()
			if err != nil {
				return err
			}
			if err2 != nil {
				return err2
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, p); err != nil {
				return err
			}
		case tar.TypeXGlobalHeader:
			// Ignore (e.g. pax_global_header from git archive).
		default:
			return fmt.Errorf("extract: %q: unsupported entry type %q", hdr.Name, hdr.Typeflag)
		}
	}
}

func extractZip(src, dst string) error {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return err
	}
	defer zr.Close()
	for _, file := range zr.File {
		name := filepath.FromSlash(file.Name)
		if !filepath.IsLocal(name) {
			return fmt.Errorf("extract: %q escapes archive root", file.Name)
		}
		p := filepath.Join(dst, name)
		if file.Mode().IsDir() {
			if err := os.MkdirAll(p, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
		perm := os.FileMode(0o644)
		if file.Mode()&0o111 != 0 {
			perm = 0o755
		}
		err := func() error {
			rc, err := file.Open()
			if err != nil {
				return err
			}
			defer rc.Close()
			f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
			if err != nil {
				return err
			}
			_, err = io.Copy(f, rc)
			err2 := f.Close()
			if err != nil {
				return err
			}
			return err2
		}()
		if err != nil {
			return err
		}
	}
	return nil
}

// makeTreeWritable adds owner write permission throughout a copied source tree.
// Sources copied out of the store are read-only
// and builds generally need to write next to them.
func makeTreeWritable(root string) error {
	return filepath.WalkDir(root, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.Type()&os.ModeSymlink != 0 {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		return os.Chmod(path, info.Mode().Perm()|0o200)
	})
}
