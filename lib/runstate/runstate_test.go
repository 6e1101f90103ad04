// Copyright 2026 The Spindle Authors
// SPDX-License-Identifier: Apache-2.0

package runstate

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spindle-ipc/spindle/lib/user"
)

func sampleState() State {
	return State{
		PID:           4242,
		GUID:          "0123456789abcdef",
		ControllerUID: 1000,
		Limits:        user.DefaultLimits(),
		StartedAt:     time.Now(),
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run-state")
	in := sampleState()

	if err := Write(path, in); err != nil {
		t.Fatalf("Write: %v", err)
	}
	out, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if out.PID != in.PID || out.GUID != in.GUID || out.ControllerUID != in.ControllerUID {
		t.Fatalf("Read = %+v, want %+v", out, in)
	}
	if out.Limits != in.Limits {
		t.Fatalf("Limits = %+v, want %+v", out.Limits, in.Limits)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Fatalf("file mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestWriteLeavesNoTemporaryFile(t *testing.T) {
	directory := t.TempDir()
	path := filepath.Join(directory, "run-state")
	if err := Write(path, sampleState()); err != nil {
		t.Fatalf("Write: %v", err)
	}
	entries, err := os.ReadDir(directory)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("directory has %d entries after Write, want 1", len(entries))
	}
}

func TestReadMissingFile(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "absent"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Read of missing file = %v, want ErrNotExist", err)
	}
}

func TestCheckFreshAndStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run-state")

	state := sampleState()
	if err := Write(path, state); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, ok, err := Check(path, time.Hour)
	if err != nil || !ok {
		t.Fatalf("Check fresh = (%v, %v), want (true, nil)", ok, err)
	}
	if got.PID != state.PID {
		t.Fatalf("Check PID = %d, want %d", got.PID, state.PID)
	}

	state.StartedAt = time.Now().Add(-2 * time.Hour)
	if err := Write(path, state); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, ok, err := Check(path, time.Hour); err != nil || ok {
		t.Fatalf("Check stale = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestCheckMissingFile(t *testing.T) {
	_, ok, err := Check(filepath.Join(t.TempDir(), "absent"), time.Hour)
	if err != nil || ok {
		t.Fatalf("Check missing = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestClearIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run-state")
	if err := Write(path, sampleState()); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := Clear(path); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if err := Clear(path); err != nil {
		t.Fatalf("second Clear: %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("run-state file still present after Clear")
	}
}
