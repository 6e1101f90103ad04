// Copyright 2026 The Spindle Authors
// SPDX-License-Identifier: Apache-2.0

// Package user tracks per-user resource accounting for the broker. A
// Registry maps numeric user identities to reference-counted Entries;
// each Entry enforces a byte ceiling and four slot quotas so that the
// broker's worst-case memory consumption is bounded no matter how many
// connections a user opens.
//
// Entries are shared: every connection owned by the same uid charges
// against the same Entry, and the Entry lives until the last reference
// is dropped. The registry hands out owned references: callers must
// balance every Ref (including the one returned by Registry.Ref) with
// exactly one Unref.
package user

import (
	"errors"
	"fmt"
)

// ErrQuota is returned by charge operations that would exceed one of
// the entry's limits. Callers detect it with errors.Is.
var ErrQuota = errors.New("user quota exceeded")

// Slot identifies one of the four countable resource dimensions.
type Slot int

const (
	// SlotConnections counts live connections owned by the user.
	SlotConnections Slot = iota
	// SlotFDs counts file descriptors held in-flight for the user.
	SlotFDs
	// SlotMatches counts registered message matches.
	SlotMatches
	// SlotObjects counts broker-side objects (names, replies) owned
	// by the user.
	SlotObjects

	slotCount
)

// String returns the slot name used in quota error messages.
func (s Slot) String() string {
	switch s {
	case SlotConnections:
		return "connections"
	case SlotFDs:
		return "fds"
	case SlotMatches:
		return "matches"
	case SlotObjects:
		return "objects"
	default:
		return "unknown"
	}
}

// Limits bounds one user's aggregate resource consumption.
type Limits struct {
	// MaxBytes is the aggregate byte budget across all of the user's
	// connections (buffered output, queued messages).
	MaxBytes uint64

	// MaxConnections, MaxFDs, MaxMatches, and MaxObjects bound the
	// four slot dimensions.
	MaxConnections uint
	MaxFDs         uint
	MaxMatches     uint
	MaxObjects     uint
}

// DefaultLimits is the reference accounting policy: a 16 MiB byte
// ceiling and 128 of each countable resource.
func DefaultLimits() Limits {
	return Limits{
		MaxBytes:       16 * 1024 * 1024,
		MaxConnections: 128,
		MaxFDs:         128,
		MaxMatches:     128,
		MaxObjects:     128,
	}
}

// Validate reports the first nonsensical limit, if any.
func (l Limits) Validate() error {
	if l.MaxBytes == 0 {
		return fmt.Errorf("max_bytes must be positive")
	}
	for slot, max := range map[Slot]uint{
		SlotConnections: l.MaxConnections,
		SlotFDs:         l.MaxFDs,
		SlotMatches:     l.MaxMatches,
		SlotObjects:     l.MaxObjects,
	} {
		if max == 0 {
			return fmt.Errorf("max_%s must be positive", slot)
		}
	}
	return nil
}

func (l Limits) slotMax(s Slot) uint {
	switch s {
	case SlotConnections:
		return l.MaxConnections
	case SlotFDs:
		return l.MaxFDs
	case SlotMatches:
		return l.MaxMatches
	case SlotObjects:
		return l.MaxObjects
	default:
		panic(fmt.Sprintf("user: unknown slot %d", s))
	}
}

// Registry maps user identities to accounting entries. Not safe for
// concurrent use; the broker mutates it only from the dispatch loop.
type Registry struct {
	defaults  Limits
	overrides map[uint32]Limits
	entries   map[uint32]*Entry
}

// NewRegistry creates a registry applying defaults to every uid that
// has no explicit override.
func NewRegistry(defaults Limits) (*Registry, error) {
	if err := defaults.Validate(); err != nil {
		return nil, fmt.Errorf("registry defaults: %w", err)
	}
	return &Registry{
		defaults:  defaults,
		overrides: make(map[uint32]Limits),
		entries:   make(map[uint32]*Entry),
	}, nil
}

// Override replaces the limits applied to uid. It affects entries
// created afterwards; live entries keep the limits they were resolved
// with. The broker applies overrides at startup, before any entry
// exists.
func (r *Registry) Override(uid uint32, limits Limits) error {
	if err := limits.Validate(); err != nil {
		return fmt.Errorf("override for uid %d: %w", uid, err)
	}
	r.overrides[uid] = limits
	return nil
}

// Ref resolves uid to its accounting entry, creating one on first
// reference. The returned reference is owned by the caller and must be
// balanced with Unref.
func (r *Registry) Ref(uid uint32) *Entry {
	if entry, ok := r.entries[uid]; ok {
		return entry.Ref()
	}
	limits := r.defaults
	if override, ok := r.overrides[uid]; ok {
		limits = override
	}
	entry := &Entry{
		registry: r,
		uid:      uid,
		refs:     1,
		limits:   limits,
	}
	r.entries[uid] = entry
	return entry
}

// Live returns the number of entries currently referenced. Used by
// teardown invariant checks and tests.
func (r *Registry) Live() int {
	return len(r.entries)
}

// Close verifies the registry is empty. A live entry at close time
// means some owner leaked its reference.
func (r *Registry) Close() error {
	if len(r.entries) > 0 {
		return fmt.Errorf("user: closing registry with %d live entries", len(r.entries))
	}
	return nil
}

// Entry is one user's reference-counted accounting record.
type Entry struct {
	registry *Registry
	uid      uint32
	refs     int
	limits   Limits

	usedBytes uint64
	usedSlots [slotCount]uint
}

// UID returns the user identity the entry accounts for.
func (e *Entry) UID() uint32 {
	return e.uid
}

// Ref takes an additional owned reference.
func (e *Entry) Ref() *Entry {
	if e.refs <= 0 {
		panic("user: Ref on a dead entry")
	}
	e.refs++
	return e
}

// Unref drops one owned reference. The last Unref removes the entry
// from the registry; outstanding charges at that point are a
// programming error, since every charger holds a reference.
func (e *Entry) Unref() {
	if e.refs <= 0 {
		panic("user: Unref without a matching Ref")
	}
	e.refs--
	if e.refs > 0 {
		return
	}
	if e.usedBytes != 0 {
		panic(fmt.Sprintf("user: entry for uid %d released with %d bytes still charged", e.uid, e.usedBytes))
	}
	for slot, used := range e.usedSlots {
		if used != 0 {
			panic(fmt.Sprintf("user: entry for uid %d released with %d %s still charged", e.uid, used, Slot(slot)))
		}
	}
	delete(e.registry.entries, e.uid)
}

// ChargeBytes reserves n bytes of the user's budget.
func (e *Entry) ChargeBytes(n uint64) error {
	if e.usedBytes+n > e.limits.MaxBytes {
		return fmt.Errorf("uid %d: charging %d bytes over %d/%d: %w",
			e.uid, n, e.usedBytes, e.limits.MaxBytes, ErrQuota)
	}
	e.usedBytes += n
	return nil
}

// DischargeBytes releases n previously charged bytes.
func (e *Entry) DischargeBytes(n uint64) {
	if n > e.usedBytes {
		panic(fmt.Sprintf("user: discharging %d bytes with only %d charged", n, e.usedBytes))
	}
	e.usedBytes -= n
}

// ChargeSlot reserves n units of the given slot dimension.
func (e *Entry) ChargeSlot(slot Slot, n uint) error {
	if e.usedSlots[slot]+n > e.limits.slotMax(slot) {
		return fmt.Errorf("uid %d: charging %d %s over %d/%d: %w",
			e.uid, n, slot, e.usedSlots[slot], e.limits.slotMax(slot), ErrQuota)
	}
	e.usedSlots[slot] += n
	return nil
}

// DischargeSlot releases n previously charged units.
func (e *Entry) DischargeSlot(slot Slot, n uint) {
	if n > e.usedSlots[slot] {
		panic(fmt.Sprintf("user: discharging %d %s with only %d charged", n, slot, e.usedSlots[slot]))
	}
	e.usedSlots[slot] -= n
}
