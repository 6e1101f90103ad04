// Copyright 2026 The Spindle Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers for spindle
// binaries: fatal error reporting to stderr before the structured
// logger exists, and the mapping from the dispatch loop's controls to
// process exit codes.
package process

import (
	"fmt"
	"os"

	"github.com/spindle-ipc/spindle/lib/broker"
)

// Exit codes reported to the broker's parent. A clean controller-
// initiated or signal-initiated shutdown is success; a callback-
// requested failure is distinct from an unexpected error so
// supervisors can tell a deliberate abort from a crash.
const (
	ExitSuccess = 0
	ExitFailure = 1
)

// Fatal writes "error: err" to stderr and exits with ExitFailure. Use
// it in main() for errors from run() where the structured logger may
// not be initialized.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(ExitFailure)
}

// ExitCode maps a dispatch loop control to the process exit code.
func ExitCode(control broker.Control) int {
	if control == broker.ControlExit {
		return ExitSuccess
	}
	return ExitFailure
}
