// Copyright 2026 The Spindle Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/spindle-ipc/spindle/lib/connection"
	"github.com/spindle-ipc/spindle/lib/dispatch"
	"github.com/spindle-ipc/spindle/lib/ilist"
	"github.com/spindle-ipc/spindle/lib/user"
)

// ControllerGUID is the protocol identifier the broker presents to the
// controller during the peer handshake: 16 hex characters.
const ControllerGUID = "0123456789abcdef"

// signalRecordSize is the fixed size of one record on the signal
// notification pipe: a little-endian uint32 signal number.
const signalRecordSize = 4

// Control is the dispatch loop's outcome vocabulary. It is distinct
// from both callback verdicts (which only one callback speaks for) and
// errors (which are failures, not decisions).
type Control int

const (
	// ControlContinue means the iteration finished without a
	// shutdown decision; poll again.
	ControlContinue Control = iota
	// ControlExit is a clean shutdown: map to a successful process
	// exit.
	ControlExit
	// ControlFailed is a deliberate unsuccessful shutdown requested
	// by a callback.
	ControlFailed
)

// String returns the control name for logs.
func (c Control) String() string {
	switch c {
	case ControlContinue:
		return "continue"
	case ControlExit:
		return "exit"
	case ControlFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Options configures Manager construction. The zero value uses the
// reference accounting policy and the default logger.
type Options struct {
	// Log receives structured lifecycle output. Nil uses
	// slog.Default().
	Log *slog.Logger

	// Limits is the default per-user accounting policy. The zero
	// value means user.DefaultLimits().
	Limits user.Limits

	// Overrides replaces the accounting policy for specific uids.
	Overrides map[uint32]user.Limits
}

// Manager is the broker's supervisory core: one per process. It owns
// the multiplexing context, the signal notification file, the
// controller connection, and the user registry, and drives the
// dispatch loop until a shutdown decision.
//
// All manager state is confined to the dispatch goroutine. The only
// other goroutine involved is the signal relay, which touches nothing
// but the write end of the notification pipe.
type Manager struct {
	users      *user.Registry
	context    *dispatch.Context
	readyList  *dispatch.ReadyList
	hangupList *connection.HangupList

	signalReadFD  int
	signalWriteFD int
	signalFile    dispatch.File
	signalChannel chan os.Signal
	relayDone     chan struct{}

	controller    *connection.Connection
	controllerUID uint32

	log    *slog.Logger
	closed bool
}

// New wires a Manager around a pre-accepted, connected controller
// socket. Construction is all-or-nothing: on error every resource
// acquired so far is released and the caller keeps ownership of
// controllerFD. On success the manager owns controllerFD and closes it
// at Close.
func New(controllerFD int, options Options) (*Manager, error) {
	// The peer's identity is read off the socket before anything is
	// built; a socket that cannot produce credentials cannot be a
	// controller.
	credentials, err := unix.GetsockoptUcred(controllerFD, unix.SOL_SOCKET, unix.SO_PEERCRED)
	if err != nil {
		return nil, fmt.Errorf("getsockopt SO_PEERCRED: %w", err)
	}

	log := options.Log
	if log == nil {
		log = slog.Default()
	}
	limits := options.Limits
	if limits == (user.Limits{}) {
		limits = user.DefaultLimits()
	}

	users, err := user.NewRegistry(limits)
	if err != nil {
		return nil, fmt.Errorf("user registry: %w", err)
	}
	for uid, override := range options.Overrides {
		if err := users.Override(uid, override); err != nil {
			return nil, fmt.Errorf("user registry: %w", err)
		}
	}

	m := &Manager{
		users:         users,
		readyList:     ilist.New[*dispatch.File](),
		hangupList:    ilist.New[*connection.Connection](),
		signalReadFD:  -1,
		signalWriteFD: -1,
		signalChannel: make(chan os.Signal, 2),
		relayDone:     make(chan struct{}),
		controllerUID: credentials.Uid,
		log:           log,
	}

	// Unwind everything acquired so far if any later step fails.
	constructed := false
	defer func() {
		if !constructed {
			m.unwind()
		}
	}()

	m.context, err = dispatch.NewContext()
	if err != nil {
		return nil, fmt.Errorf("dispatch context: %w", err)
	}

	// The signal notification pipe converts SIGTERM/SIGINT into
	// descriptor-read events: the relay goroutine writes one
	// fixed-size record per delivered signal, and the dispatch loop
	// reads them like any other I/O. Run scopes the actual signal
	// subscription.
	pipeFDs := make([]int, 2)
	if err := unix.Pipe2(pipeFDs, unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("pipe2: %w", err)
	}
	m.signalReadFD = pipeFDs[0]
	m.signalWriteFD = pipeFDs[1]
	go m.relaySignals()

	if err := m.signalFile.Init(m.context, m.readyList, m.dispatchSignals, m.signalReadFD, dispatch.Readable); err != nil {
		return nil, fmt.Errorf("signal file: %w", err)
	}

	// The only place a peer identity is translated into an accounting
	// handle. The reference moves into the controller connection on
	// success.
	entry := m.users.Ref(credentials.Uid)
	m.controller, err = connection.NewServer(m.context, m.readyList, m.hangupList, m.dispatchController, entry, ControllerGUID, controllerFD, log)
	if err != nil {
		entry.Unref()
		return nil, fmt.Errorf("controller connection: %w", err)
	}

	m.signalFile.Select(dispatch.Readable)

	constructed = true
	return m, nil
}

// unwind releases whatever construction had acquired, in reverse
// order. The controller connection is never set on the unwind path
// (it is the last fallible step), so controllerFD is untouched.
func (m *Manager) unwind() {
	m.signalFile.Deinit()
	m.stopSignalRelay()
	if m.context != nil {
		_ = m.context.Close()
	}
}

// stopSignalRelay terminates the relay goroutine and closes the pipe.
func (m *Manager) stopSignalRelay() {
	if m.signalWriteFD < 0 {
		return
	}
	signal.Stop(m.signalChannel)
	close(m.signalChannel)
	<-m.relayDone
	unix.Close(m.signalWriteFD)
	unix.Close(m.signalReadFD)
	m.signalWriteFD = -1
	m.signalReadFD = -1
}

// relaySignals forwards each subscribed signal as one fixed-size
// record on the notification pipe. A full pipe drops the record;
// thousands of termination signals queued behind an unread pipe carry
// no more information than one.
func (m *Manager) relaySignals() {
	defer close(m.relayDone)
	for sig := range m.signalChannel {
		signo, ok := sig.(syscall.Signal)
		if !ok {
			continue
		}
		var record [signalRecordSize]byte
		binary.LittleEndian.PutUint32(record[:], uint32(signo))
		_, _ = unix.Write(m.signalWriteFD, record[:])
	}
}

// dispatchSignals is the signal file's callback. A termination signal
// always initiates shutdown; it is never ignored or coalesced into
// anything else.
func (m *Manager) dispatchSignals(file *dispatch.File, events dispatch.Events) (dispatch.Verdict, error) {
	if events != dispatch.Readable {
		panic(fmt.Sprintf("broker: signal file dispatched with events %#x", events))
	}

	var record [signalRecordSize]byte
	n, err := unix.Read(m.signalReadFD, record[:])
	if err != nil {
		return dispatch.Continue, fmt.Errorf("read signal record: %w", err)
	}
	if n != signalRecordSize {
		panic(fmt.Sprintf("broker: short signal record: %d of %d bytes", n, signalRecordSize))
	}

	signo := syscall.Signal(binary.LittleEndian.Uint32(record[:]))
	m.log.Info("caught termination signal, exiting", "signal", unix.SignalName(signo))

	return dispatch.Exit, nil
}

// dispatchController is the controller connection's protocol hook. In
// the supervisory core it takes no action: the connection's own
// lifecycle handling (flushing, hangup queuing) has already run, and
// wire-protocol dispatch belongs to the full broker.
func (m *Manager) dispatchController(c *connection.Connection, events dispatch.Events) (dispatch.Verdict, error) {
	return dispatch.Continue, nil
}

// hangup applies the disconnect policy to a connection dequeued from
// the hangup list. A hangup on the controller shuts the broker down,
// but only once the connection has flushed all pending output: until
// then it stays running and will requeue itself when it quiesces. Any
// other connection's hangup is handled by its own teardown, not here.
func (m *Manager) hangup(c *connection.Connection) (Control, error) {
	if c == m.controller {
		if c.Running() {
			return ControlContinue, nil
		}
		return ControlExit, nil
	}
	return ControlContinue, nil
}

// dispatchOnce runs one iteration of the dispatch loop: poll, then
// drain worklists until a control or both lists are empty.
//
// The hangup list has strict priority: every entry queued at the time
// the drain starts is resolved before any ready-list callback runs,
// and the hangup list is re-checked after every single ready dispatch
// so a freshly queued hangup preempts the rest of the ready backlog.
func (m *Manager) dispatchOnce() (Control, error) {
	// Known-ready work is finished before paying for another blocking
	// poll; with nothing queued, block until the kernel has news.
	timeout := -1
	if !m.readyList.Empty() {
		timeout = 0
	}
	if err := m.context.Poll(timeout); err != nil {
		return ControlContinue, err
	}

	// Dispatched files move onto a local processed list before their
	// callback runs, so a callback that requeues itself or its
	// neighbors cannot corrupt the drain. The batch is spliced back
	// to the head afterwards, restoring the original order for the
	// next iteration.
	processed := ilist.New[*dispatch.File]()
	defer m.readyList.SpliceFront(processed)

	control := ControlContinue
	for control == ControlContinue {
		if !m.hangupList.Empty() {
			link := m.hangupList.Front()
			link.Unlink()
			var err error
			control, err = m.hangup(link.Value())
			if err != nil {
				return control, fmt.Errorf("hangup policy: %w", err)
			}
			continue
		}

		if m.readyList.Empty() {
			break
		}
		link := m.readyList.Front()
		link.Unlink()
		processed.PushBack(link)

		verdict, err := link.Value().Call()
		if err != nil {
			return control, fmt.Errorf("dispatch: %w", err)
		}
		switch verdict {
		case dispatch.Exit:
			control = ControlExit
		case dispatch.Failure:
			control = ControlFailed
		}
	}
	return control, nil
}

// Run subscribes the two termination signals, drives the dispatch loop
// until it produces a control or fails, and restores the previous
// signal disposition on every exit path. The returned control is
// meaningful only when the error is nil.
func (m *Manager) Run() (Control, error) {
	signal.Notify(m.signalChannel, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(m.signalChannel)

	for {
		control, err := m.dispatchOnce()
		if err != nil {
			return ControlContinue, err
		}
		if control != ControlContinue {
			return control, nil
		}
	}
}

// Controller returns the controller connection.
func (m *Manager) Controller() *connection.Connection {
	return m.controller
}

// ControllerUID returns the uid read from the controller socket's peer
// credentials at construction.
func (m *Manager) ControllerUID() uint32 {
	return m.controllerUID
}

// Users returns the accounting registry. Exposed for startup wiring
// and tests; the registry is not safe to touch while Run is blocked in
// a poll.
func (m *Manager) Users() *user.Registry {
	return m.users
}

// Close tears the manager down in strict reverse-acquisition order:
// controller connection, signal file, signal pipe, worklist invariant
// check, dispatch context, user registry. A non-empty worklist at this
// point is a leaked or dangling registration and panics. Idempotent.
func (m *Manager) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true

	m.controller.Deinit()
	m.signalFile.Deinit()
	m.stopSignalRelay()

	if !m.hangupList.Empty() {
		panic(fmt.Sprintf("broker: hangup list has %d entries at teardown", m.hangupList.Len()))
	}
	if !m.readyList.Empty() {
		panic(fmt.Sprintf("broker: ready list has %d entries at teardown", m.readyList.Len()))
	}

	return errors.Join(m.context.Close(), m.users.Close())
}
