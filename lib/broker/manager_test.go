// Copyright 2026 The Spindle Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/spindle-ipc/spindle/lib/connection"
	"github.com/spindle-ipc/spindle/lib/dispatch"
	"github.com/spindle-ipc/spindle/lib/testutil"
	"github.com/spindle-ipc/spindle/lib/user"
)

// newManager builds a manager on one end of a socketpair and returns
// it with the peer's descriptor. The manager owns its end; the test
// owns the peer end.
func newManager(t *testing.T) (*Manager, int) {
	t.Helper()
	local, peer := testutil.SocketpairRaw(t)
	m, err := New(local, Options{
		Log: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})),
	})
	if err != nil {
		unix.Close(local)
		unix.Close(peer)
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		m.Close()
		unix.Close(peer)
	})
	return m, peer
}

func TestConstructThenCloseWithoutRunning(t *testing.T) {
	m, _ := newManager(t)

	if m.ControllerUID() != uint32(os.Getuid()) {
		t.Fatalf("ControllerUID = %d, want %d", m.ControllerUID(), os.Getuid())
	}
	if m.Controller().GUID() != ControllerGUID {
		t.Fatalf("controller GUID = %q", m.Controller().GUID())
	}

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Idempotent.
	if err := m.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestConstructionWithInvalidDescriptorFails(t *testing.T) {
	// A closed descriptor cannot produce peer credentials.
	local, peer := testutil.SocketpairRaw(t)
	unix.Close(local)
	unix.Close(peer)
	if _, err := New(local, Options{}); err == nil {
		t.Fatal("New succeeded on a closed descriptor")
	}

	// A non-socket descriptor fails the same way.
	file, err := os.Open(os.DevNull)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer file.Close()
	if _, err := New(int(file.Fd()), Options{}); err == nil {
		t.Fatal("New succeeded on a non-socket descriptor")
	}
}

func TestPeerHangupExitsCleanly(t *testing.T) {
	m, peer := newManager(t)

	// Peer goes away with no output pending anywhere: the next loop
	// iteration must decide on a clean exit.
	unix.Close(peer)

	control, err := m.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if control != ControlExit {
		t.Fatalf("Run control = %v, want exit", control)
	}
}

func TestTerminationSignalExitsCleanly(t *testing.T) {
	m, _ := newManager(t)

	type result struct {
		control Control
		err     error
	}
	results := make(chan result, 1)
	go func() {
		control, err := m.Run()
		results <- result{control, err}
	}()

	// Let Run subscribe the signals and block in the poll before the
	// signal is raised.
	time.Sleep(100 * time.Millisecond)
	if err := unix.Kill(os.Getpid(), unix.SIGTERM); err != nil {
		t.Fatalf("kill: %v", err)
	}

	r := testutil.RequireReceive(t, results, 5*time.Second, "waiting for Run to observe SIGTERM")
	if r.err != nil {
		t.Fatalf("Run: %v", r.err)
	}
	if r.control != ControlExit {
		t.Fatalf("Run control = %v, want exit", r.control)
	}

	// The signal shut the loop down, not the connection: the
	// controller is untouched.
	if !m.Controller().Running() {
		t.Fatal("controller stopped running as a signal side effect")
	}
}

func TestShutdownDrainsControllerOutput(t *testing.T) {
	m, peer := newManager(t)

	payload := []byte("unflushed at shutdown time")
	if err := m.Controller().Enqueue(payload); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	m.Controller().Shutdown()

	// First hangup check: still running (output pending), so no exit
	// decision yet. The connection is not even queued until it
	// quiesces, so this iteration flushes and requeues.
	control, err := m.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if control != ControlExit {
		t.Fatalf("Run control = %v, want exit", control)
	}

	// Every buffered byte reached the peer before the exit decision.
	received := make([]byte, len(payload)+16)
	n, err := unix.Read(peer, received)
	if err != nil {
		t.Fatalf("peer read: %v", err)
	}
	if string(received[:n]) != string(payload) {
		t.Fatalf("peer received %q, want %q", received[:n], payload)
	}
}

func TestHangupWhileRunningIsDeferred(t *testing.T) {
	m, _ := newManager(t)

	if err := m.Controller().Enqueue([]byte("pending")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	m.Controller().Shutdown()
	// Force an early hangup check while output is still buffered.
	m.Controller().RequestHangup()

	control, err := m.hangup(m.Controller())
	if err != nil {
		t.Fatalf("hangup: %v", err)
	}
	if control != ControlContinue {
		t.Fatalf("hangup of a running controller = %v, want continue", control)
	}

	// Drain the queued entry so teardown's invariant holds.
	link := m.hangupList.Front()
	link.Unlink()
}

func TestHangupPriorityOverReadyList(t *testing.T) {
	m, peer := newManager(t)

	// An extra connection wired into the manager's worklists, whose
	// hook asserts the drain ordering.
	extraLocal, extraPeer := testutil.SocketpairRaw(t)
	defer unix.Close(extraPeer)

	hookCalls := 0
	hook := func(c *connection.Connection, events dispatch.Events) (dispatch.Verdict, error) {
		hookCalls++
		if !m.hangupList.Empty() {
			t.Error("ready-list callback ran with hangup entries still queued")
		}
		return dispatch.Continue, nil
	}
	entry := m.users.Ref(uint32(os.Getuid()))
	extra, err := connection.NewServer(m.context, m.readyList, m.hangupList, hook, entry, ControllerGUID, extraLocal, nil)
	if err != nil {
		entry.Unref()
		unix.Close(extraLocal)
		t.Fatalf("NewServer: %v", err)
	}
	defer extra.Deinit()

	// Queue a hangup (no-op policy for non-controller connections)
	// and make the extra connection ready at the same time.
	extra.RequestHangup()
	if _, err := unix.Write(extraPeer, []byte("wake")); err != nil {
		t.Fatalf("peer write: %v", err)
	}

	control, err := m.dispatchOnce()
	if err != nil {
		t.Fatalf("dispatchOnce: %v", err)
	}
	if control != ControlContinue {
		t.Fatalf("dispatchOnce = %v, want continue", control)
	}
	if hookCalls != 1 {
		t.Fatalf("ready hook ran %d times, want 1", hookCalls)
	}
	if !m.hangupList.Empty() {
		t.Fatal("hangup entry not consumed")
	}
	_ = peer
}

func TestMidPassHangupPreemptsReadyBacklog(t *testing.T) {
	m, peer := newManager(t)

	// Peer writes then closes: one poll delivers both the data and
	// the hangup. The ready dispatch observes EOF, queues the hangup,
	// and the loop must resolve it, deciding exit, within the same
	// dispatchOnce call, before any further ready work.
	if _, err := unix.Write(peer, []byte("last words from the controller")); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	unix.Close(peer)

	control, err := m.dispatchOnce()
	if err != nil {
		t.Fatalf("dispatchOnce: %v", err)
	}
	if control != ControlExit {
		t.Fatalf("dispatchOnce = %v, want exit", control)
	}
}

func TestCallbackRequeueDuringDispatchIsDeferred(t *testing.T) {
	m, peer := newManager(t)

	calls := 0
	var file dispatch.File
	callback := func(f *dispatch.File, events dispatch.Events) (dispatch.Verdict, error) {
		calls++
		// Attempting to requeue mid-dispatch must not corrupt the
		// drain: the file sits on the processed list and stays there
		// until the pass completes.
		f.Select(dispatch.Readable)
		f.Clear(dispatch.Readable)
		return dispatch.Continue, nil
	}

	extraLocal, extraPeer := testutil.SocketpairRaw(t)
	defer unix.Close(extraLocal)
	defer unix.Close(extraPeer)
	if err := file.Init(m.context, m.readyList, callback, extraLocal, dispatch.Readable); err != nil {
		t.Fatalf("file Init: %v", err)
	}
	defer file.Deinit()
	file.Select(dispatch.Readable)

	if _, err := unix.Write(extraPeer, []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	control, err := m.dispatchOnce()
	if err != nil {
		t.Fatalf("dispatchOnce: %v", err)
	}
	if control != ControlContinue {
		t.Fatalf("dispatchOnce = %v, want continue", control)
	}
	if calls != 1 {
		t.Fatalf("callback ran %d times in one pass, want 1", calls)
	}
	_ = peer
}

func TestSignalCallbackRejectsWrongEvents(t *testing.T) {
	m, _ := newManager(t)

	defer func() {
		if recover() == nil {
			t.Fatal("signal callback accepted a non-read event")
		}
	}()
	m.dispatchSignals(&m.signalFile, dispatch.Writable)
}

func TestOverridesReachRegistry(t *testing.T) {
	local, peer := testutil.SocketpairRaw(t)
	defer unix.Close(peer)

	tight := user.DefaultLimits()
	tight.MaxBytes = 8
	m, err := New(local, Options{
		Overrides: map[uint32]user.Limits{uint32(os.Getuid()): tight},
	})
	if err != nil {
		unix.Close(local)
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	if err := m.Controller().Enqueue(make([]byte, 64)); err == nil {
		t.Fatal("enqueue past the override limit succeeded")
	}
}
