// Copyright 2026 The Spindle Authors
// SPDX-License-Identifier: Apache-2.0

// Package runstate provides the broker's atomic run-state file. The
// broker writes a State record after the manager is constructed and
// clears it on clean shutdown; a record left behind means the previous
// broker process did not exit cleanly, and the stale record carries
// enough context (pid, controller identity, policy) to diagnose it.
//
// The file is written atomically (write to temporary file, fsync,
// rename) so readers never see a partial or corrupt record, and
// serialized as CBOR like the broker's other internal state.
package runstate

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spindle-ipc/spindle/lib/codec"
	"github.com/spindle-ipc/spindle/lib/user"
)

// State records one broker process's run context.
type State struct {
	// PID is the broker process id.
	PID int `cbor:"pid"`

	// GUID is the protocol identifier presented to the controller.
	GUID string `cbor:"guid"`

	// ControllerUID is the uid read from the controller socket's peer
	// credentials.
	ControllerUID uint32 `cbor:"controller_uid"`

	// Limits is the default accounting policy the registry was
	// constructed with.
	Limits user.Limits `cbor:"limits"`

	// StartedAt is when the manager finished construction. Check uses
	// it to discard records from long-dead processes.
	StartedAt time.Time `cbor:"started_at"`
}

// Write atomically writes the run-state file: temporary file in the
// same directory, fsync, rename, then a directory sync so the rename
// survives power loss. Mode 0600; the parent directory must exist.
func Write(path string, state State) error {
	data, err := codec.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshaling run state: %w", err)
	}

	temporaryPath := path + ".tmp"

	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating temporary run-state file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary run-state file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary run-state file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary run-state file: %w", err)
	}

	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming run-state file into place: %w", err)
	}

	if parentDirectory, err := os.Open(filepath.Dir(path)); err == nil {
		parentDirectory.Sync()
		parentDirectory.Close()
	}

	return nil
}

// Read reads and parses a run-state file. When the file does not
// exist, the returned error wraps os.ErrNotExist (testable with
// errors.Is).
func Read(path string) (State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return State{}, err
	}

	var state State
	if err := codec.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("parsing run-state file %s: %w", path, err)
	}
	return state, nil
}

// Check reads the run-state file and verifies it is recent enough to
// matter. Returns the state and true when the file exists and
// StartedAt is within maxAge of now; a zero State and false when the
// file is absent or stale. Any other error (permission denied, corrupt
// record) is returned as-is so the caller can distinguish "no state"
// from "state exists but unreadable".
func Check(path string, maxAge time.Duration) (State, bool, error) {
	state, err := Read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, false, nil
		}
		return State{}, false, err
	}

	if time.Since(state.StartedAt) > maxAge {
		return State{}, false, nil
	}

	return state, true, nil
}

// Clear removes the run-state file. Idempotent: returns nil when the
// file does not exist.
func Clear(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing run-state file: %w", err)
	}
	return nil
}
