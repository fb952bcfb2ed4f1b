// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package builder

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"
	"zombiezen.com/go/log"
)

// epoch is the timestamp applied to every file during fixup
// so that on-disk output trees do not vary with when the build ran.
var epoch = time.Unix(0, 0)

// fixup is the native implementation of the fixup phase.
// It post-processes every file under outDir:
// set-user-ID and set-group-ID bits are cleared
// and modification times are normalized.
// Failure to fix an individual file is logged, not fatal.
// fixup returns an error only if outDir itself cannot be walked.
func (b *Builder) fixup(ctx context.Context, outDir string) error {
	if _, err := os.Lstat(outDir); err != nil {
		// The build produced no tree for this output.
		// The commit step reports that, not fixup.
		return nil
	}

	g := new(errgroup.Group)
	g.SetLimit(runtime.GOMAXPROCS(0))
	walkErr := filepath.WalkDir(outDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		g.Go(func() error {
			if err := fixupFile(path, entry); err != nil {
				log.Warnf(ctx, "Fixup %s: %v", path, err)
			}
			return nil
		})
		return nil
	})
	g.Wait()
	return walkErr
}

func fixupFile(path string, entry fs.DirEntry) error {
	info, err := entry.Info()
	if err != nil {
		return err
	}
	if mode := info.Mode(); mode&(fs.ModeSetuid|fs.ModeSetgid) != 0 {
		if err := os.Chmod(path, mode.Perm()); err != nil {
			return err
		}
	}
	return os.Chtimes(path, time.Time{}, epoch)
}
