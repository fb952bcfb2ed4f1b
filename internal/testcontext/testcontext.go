// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

// Package testcontext provides contexts for use in tests.
package testcontext

import (
	"context"
	"testing"

	"zombiezen.com/go/log/testlog"
)

// New returns a context that associates the test logger with the test
// and obeys the test's deadline if present.
func New(tb testing.TB) (context.Context, context.CancelFunc) {
	ctx := context.Background()
	cancel := context.CancelFunc(func() {})
	if t, ok := tb.(*testing.T); ok {
		if d, ok := t.Deadline(); ok {
			ctx, cancel = context.WithDeadline(ctx, d)
		}
	}
	ctx = testlog.WithTB(ctx, tb)
	return ctx, cancel
}
