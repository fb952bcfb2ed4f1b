// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

//go:build !unix

package builder

import "os/exec"

func setCancelFunc(c *exec.Cmd) {
	// Fall back to the default behavior of killing the process.
}
