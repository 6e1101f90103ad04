// Copyright 2026 The Spindle Authors
// SPDX-License-Identifier: Apache-2.0

package user

import (
	"errors"
	"testing"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	registry, err := NewRegistry(DefaultLimits())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return registry
}

func TestRefCreatesAndReuses(t *testing.T) {
	registry := testRegistry(t)

	first := registry.Ref(1000)
	second := registry.Ref(1000)
	if first != second {
		t.Fatal("same uid resolved to distinct entries")
	}
	other := registry.Ref(1001)
	if other == first {
		t.Fatal("distinct uids resolved to the same entry")
	}
	if registry.Live() != 2 {
		t.Fatalf("Live() = %d, want 2", registry.Live())
	}

	second.Unref()
	if registry.Live() != 2 {
		t.Fatal("entry removed while references remain")
	}
	first.Unref()
	other.Unref()
	if registry.Live() != 0 {
		t.Fatalf("Live() = %d after all unrefs, want 0", registry.Live())
	}
	if err := registry.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestCloseWithLiveEntryFails(t *testing.T) {
	registry := testRegistry(t)
	entry := registry.Ref(1000)
	if err := registry.Close(); err == nil {
		t.Fatal("Close succeeded with a live entry")
	}
	entry.Unref()
}

func TestByteQuota(t *testing.T) {
	registry, err := NewRegistry(Limits{
		MaxBytes:       1024,
		MaxConnections: 4,
		MaxFDs:         4,
		MaxMatches:     4,
		MaxObjects:     4,
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	entry := registry.Ref(1000)
	defer entry.Unref()

	if err := entry.ChargeBytes(1000); err != nil {
		t.Fatalf("ChargeBytes(1000): %v", err)
	}
	if err := entry.ChargeBytes(100); !errors.Is(err, ErrQuota) {
		t.Fatalf("over-budget charge = %v, want ErrQuota", err)
	}
	entry.DischargeBytes(500)
	if err := entry.ChargeBytes(100); err != nil {
		t.Fatalf("charge after discharge: %v", err)
	}
	entry.DischargeBytes(600)
}

func TestSlotQuota(t *testing.T) {
	registry, err := NewRegistry(Limits{
		MaxBytes:       1024,
		MaxConnections: 2,
		MaxFDs:         4,
		MaxMatches:     4,
		MaxObjects:     4,
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	entry := registry.Ref(1000)
	defer entry.Unref()

	if err := entry.ChargeSlot(SlotConnections, 2); err != nil {
		t.Fatalf("ChargeSlot: %v", err)
	}
	if err := entry.ChargeSlot(SlotConnections, 1); !errors.Is(err, ErrQuota) {
		t.Fatalf("over-quota slot charge = %v, want ErrQuota", err)
	}
	// Other dimensions are unaffected.
	if err := entry.ChargeSlot(SlotFDs, 4); err != nil {
		t.Fatalf("ChargeSlot(fds): %v", err)
	}
	entry.DischargeSlot(SlotConnections, 2)
	entry.DischargeSlot(SlotFDs, 4)
}

func TestOverrideAppliesToNewEntries(t *testing.T) {
	registry := testRegistry(t)
	if err := registry.Override(1000, Limits{
		MaxBytes:       64,
		MaxConnections: 1,
		MaxFDs:         1,
		MaxMatches:     1,
		MaxObjects:     1,
	}); err != nil {
		t.Fatalf("Override: %v", err)
	}

	entry := registry.Ref(1000)
	defer entry.Unref()
	if err := entry.ChargeBytes(65); !errors.Is(err, ErrQuota) {
		t.Fatalf("charge past override = %v, want ErrQuota", err)
	}

	// A uid without an override keeps the defaults.
	plain := registry.Ref(1001)
	defer plain.Unref()
	if err := plain.ChargeBytes(65); err != nil {
		t.Fatalf("default-limit charge: %v", err)
	}
	plain.DischargeBytes(65)
}

func TestUnrefWithChargesPanics(t *testing.T) {
	registry := testRegistry(t)
	entry := registry.Ref(1000)
	if err := entry.ChargeBytes(1); err != nil {
		t.Fatalf("ChargeBytes: %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Fatal("Unref with outstanding charges did not panic")
		}
	}()
	entry.Unref()
}
