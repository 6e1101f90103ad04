// Copyright 2026 The Spindle Authors
// SPDX-License-Identifier: Apache-2.0

// Package connection implements one peer's wire-level session on the
// broker. The core's interest in a connection is its lifecycle: it is
// "running" until the peer is gone and every buffered outbound byte
// has been flushed, and it announces the need for disconnection by
// queuing itself on the owner's hangup list, at most once, rather
// than tearing anything down from inside a dispatch callback.
//
// Protocol parsing is deliberately absent. The owner supplies a Hook
// that receives readiness events after the connection has done its
// lifecycle work; the supervisory core installs a no-op hook for the
// controller, and the full broker hangs its wire protocol off the same
// mechanism.
package connection

import (
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/spindle-ipc/spindle/lib/dispatch"
	"github.com/spindle-ipc/spindle/lib/ilist"
	"github.com/spindle-ipc/spindle/lib/user"
)

// HangupList is the worklist connections queue themselves on when they
// need to be hung up. The dispatch loop owns the list and drains it
// with priority over normal I/O.
type HangupList = ilist.List[*Connection]

// Hook receives a connection's readiness events after lifecycle
// handling (buffer flush, hangup detection). The verdict and error
// propagate to the dispatch loop unchanged.
type Hook func(c *Connection, events dispatch.Events) (dispatch.Verdict, error)

// Connection is one peer session bound to a dispatch context. Not safe
// for concurrent use; every method runs on the dispatch goroutine.
type Connection struct {
	file       dispatch.File
	fd         int
	hangupList *HangupList
	hangupLink ilist.Link[*Connection]
	userEntry  *user.Entry
	guid       string
	hook       Hook
	log        *slog.Logger

	outputBuffer []byte
	// stopping is set once the peer is gone (EOF, hangup, error) or
	// Shutdown was called; no further input is read after that.
	stopping bool
	closed   bool

	readScratch [2048]byte
}

// NewServer wires a pre-accepted descriptor into the dispatch context.
// The descriptor is switched to non-blocking and registered for read
// and write events with read interest armed; one connection slot is
// charged to the user entry.
//
// On success the connection owns the caller's reference to entry (it
// is unreferenced at Deinit) and the descriptor (closed at Deinit). On
// failure everything is unwound and the caller keeps both.
func NewServer(context *dispatch.Context, readyList *dispatch.ReadyList, hangupList *HangupList, hook Hook, entry *user.Entry, guid string, fd int, log *slog.Logger) (*Connection, error) {
	if len(guid) != 16 {
		return nil, fmt.Errorf("connection: GUID %q is not 16 characters", guid)
	}
	if hook == nil {
		return nil, fmt.Errorf("connection: hook is required")
	}
	if log == nil {
		log = slog.Default()
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("set nonblocking: %w", err)
	}

	if err := entry.ChargeSlot(user.SlotConnections, 1); err != nil {
		return nil, fmt.Errorf("connection: %w", err)
	}

	c := &Connection{
		fd:         fd,
		hangupList: hangupList,
		userEntry:  entry,
		guid:       guid,
		hook:       hook,
		log:        log,
	}
	c.hangupLink.Init(c)

	if err := c.file.Init(context, readyList, c.dispatchFile, fd, dispatch.Readable|dispatch.Writable); err != nil {
		entry.DischargeSlot(user.SlotConnections, 1)
		return nil, fmt.Errorf("connection: %w", err)
	}
	c.file.Select(dispatch.Readable)

	return c, nil
}

// GUID returns the server identifier exchanged in the peer handshake.
func (c *Connection) GUID() string {
	return c.guid
}

// User returns the accounting entry the connection charges against.
func (c *Connection) User() *user.Entry {
	return c.userEntry
}

// Running reports whether the connection still has work in flight: it
// turns false only once the peer is gone (or Shutdown was called) and
// the output buffer has fully drained. The hangup policy uses this to
// decide between waiting and acting.
func (c *Connection) Running() bool {
	return !c.stopping || len(c.outputBuffer) > 0
}

// PendingOutput returns the number of unflushed outbound bytes.
func (c *Connection) PendingOutput() int {
	return len(c.outputBuffer)
}

// RequestHangup queues the connection on the hangup list. Requesting
// hangup while already queued is a no-op, never a duplicate entry.
func (c *Connection) RequestHangup() {
	if c.hangupLink.Linked() {
		return
	}
	c.hangupList.PushBack(&c.hangupLink)
}

// Shutdown stops reading from the peer and lets the output buffer
// drain. If nothing is buffered the connection quiesces immediately
// and queues itself for hangup; otherwise it does so when the last
// byte is flushed.
func (c *Connection) Shutdown() {
	if c.stopping {
		return
	}
	c.stopping = true
	c.file.Deselect(dispatch.Readable)
	if len(c.outputBuffer) == 0 {
		c.RequestHangup()
	}
}

// Enqueue buffers outbound bytes, charged against the user's byte
// budget, and arms write interest so the dispatch loop flushes them.
func (c *Connection) Enqueue(data []byte) error {
	if c.closed {
		return fmt.Errorf("connection: enqueue on a closed connection")
	}
	if err := c.userEntry.ChargeBytes(uint64(len(data))); err != nil {
		return fmt.Errorf("connection: %w", err)
	}
	c.outputBuffer = append(c.outputBuffer, data...)
	c.file.Select(dispatch.Writable)
	return nil
}

// dispatchFile is the connection's watched-file callback: lifecycle
// I/O first, then the owner's hook with the same delivered events.
func (c *Connection) dispatchFile(file *dispatch.File, events dispatch.Events) (dispatch.Verdict, error) {
	if events&(dispatch.HangedUp|dispatch.ErrorCondition) != 0 {
		c.markStopped()
		file.Clear(dispatch.HangedUp | dispatch.ErrorCondition)
	}

	if events&dispatch.Readable != 0 {
		if err := c.drainInput(); err != nil {
			return dispatch.Continue, err
		}
		file.Clear(dispatch.Readable)
	}

	if events&dispatch.Writable != 0 {
		if err := c.flushOutput(); err != nil {
			return dispatch.Continue, err
		}
	}

	if c.stopping && len(c.outputBuffer) == 0 {
		c.RequestHangup()
	}

	return c.hook(c, events)
}

// drainInput reads until EAGAIN or EOF. Payload bytes are discarded
// here: wire-protocol parsing belongs to the full broker's connection
// machinery, not the supervisory core. A zero-length read or a reset
// stops the connection.
func (c *Connection) drainInput() error {
	for {
		n, err := unix.Read(c.fd, c.readScratch[:])
		switch {
		case err == unix.EAGAIN:
			return nil
		case err == unix.EINTR:
			continue
		case err == unix.ECONNRESET, err == unix.EPIPE:
			c.markStopped()
			return nil
		case err != nil:
			return fmt.Errorf("read from peer: %w", err)
		case n == 0:
			c.markStopped()
			return nil
		}
	}
}

// flushOutput writes buffered bytes until the buffer empties or the
// kernel pushes back. Flushed bytes are discharged from the user's
// budget as they leave.
func (c *Connection) flushOutput() error {
	for len(c.outputBuffer) > 0 {
		n, err := unix.Write(c.fd, c.outputBuffer)
		switch {
		case err == unix.EAGAIN:
			// Kernel buffer full: wait for the next writable edge.
			c.file.Clear(dispatch.Writable)
			return nil
		case err == unix.EINTR:
			continue
		case err == unix.ECONNRESET, err == unix.EPIPE:
			// Peer is gone; the unflushed remainder can never be
			// delivered. Drop it so the connection can quiesce.
			c.userEntry.DischargeBytes(uint64(len(c.outputBuffer)))
			c.outputBuffer = nil
			c.markStopped()
			return nil
		case err != nil:
			return fmt.Errorf("write to peer: %w", err)
		}
		c.userEntry.DischargeBytes(uint64(n))
		c.outputBuffer = c.outputBuffer[n:]
	}
	// Fully drained: stop watching for writability but keep the
	// kernel's pending writable edge so the next Enqueue resurfaces
	// without a poll round-trip.
	c.file.Deselect(dispatch.Writable)
	return nil
}

func (c *Connection) markStopped() {
	if c.stopping {
		return
	}
	c.stopping = true
	c.file.Deselect(dispatch.Readable)
	c.log.Debug("peer disconnected", "fd", c.fd, "pending_output", len(c.outputBuffer))
}

// Deinit tears the connection down: unregisters the watched file,
// discharges all accounting, releases the user entry reference,
// unlinks any pending hangup request, and closes the descriptor.
// Idempotent.
func (c *Connection) Deinit() {
	if c.closed {
		return
	}
	c.closed = true

	c.file.Deinit()
	c.hangupLink.Unlink()

	if len(c.outputBuffer) > 0 {
		c.userEntry.DischargeBytes(uint64(len(c.outputBuffer)))
		c.outputBuffer = nil
	}
	c.userEntry.DischargeSlot(user.SlotConnections, 1)
	c.userEntry.Unref()

	unix.Close(c.fd)
}
