// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"sync"

	"github.com/kilnworks/kiln/kilnstore"
)

// A writeLock serializes writers of individual store objects.
// Imports and derivation writes hold the lock for a path
// from the existence check until the object is committed,
// so a path is only ever materialized by one writer
// and later writers observe it as already present.
// The zero value holds no locks.
type writeLock struct {
	mu      sync.Mutex
	writers map[kilnstore.Path]<-chan struct{}
}

// lock waits until it can either acquire the lock for path
// or ctx.Done is closed.
// On success it returns a function that releases the lock and a nil error.
// Otherwise it returns a nil release function and the result of ctx.Err().
// Until the release function is called,
// all calls to wl.lock for the same path block.
// Multiple goroutines can call lock simultaneously.
func (wl *writeLock) lock(ctx context.Context, path kilnstore.Path) (unlock func(), err error) {
	for {
		wl.mu.Lock()
		committed := wl.writers[path]
		if committed == nil {
			c := make(chan struct{})
			if wl.writers == nil {
				wl.writers = make(map[kilnstore.Path]<-chan struct{})
			}
			wl.writers[path] = c
			wl.mu.Unlock()
			return func() {
				wl.mu.Lock()
				delete(wl.writers, path)
				close(c)
				wl.mu.Unlock()
			}, nil
		}
		wl.mu.Unlock()

		select {
		case <-committed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
