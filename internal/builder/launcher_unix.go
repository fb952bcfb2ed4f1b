// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

//go:build unix

package builder

import (
	"os/exec"

	"golang.org/x/sys/unix"
)

func setCancelFunc(c *exec.Cmd) {
	c.Cancel = func() error {
		return c.Process.Signal(unix.SIGTERM)
	}
}
