// Copyright 2026 The Spindle Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

// Verdict is the control outcome of a dispatch callback. It is
// deliberately separate from the callback's error return: a verdict is
// intentional control flow, an error is a failure. Loops that consume
// callbacks inspect the error first, then the verdict.
type Verdict int

const (
	// Continue means the callback did its work and the loop should
	// keep dispatching.
	Continue Verdict = iota

	// Exit asks the loop to shut down cleanly.
	Exit

	// Failure asks the loop to shut down reporting an unsuccessful
	// termination to the process's caller.
	Failure
)

// String returns the verdict name for logs and panic messages.
func (v Verdict) String() string {
	switch v {
	case Continue:
		return "continue"
	case Exit:
		return "exit"
	case Failure:
		return "failure"
	default:
		return "unknown"
	}
}
