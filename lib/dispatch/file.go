// Copyright 2026 The Spindle Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/spindle-ipc/spindle/lib/ilist"
)

// ReadyList is the worklist type Files are linked onto when they have
// deliverable events. The dispatch loop owns the list; Files borrow it.
type ReadyList = ilist.List[*File]

// Fn is a File's dispatch callback. It is invoked by the owner of the
// ready list with the File's currently deliverable events.
type Fn func(file *File, events Events) (Verdict, error)

// File is one descriptor watched by a Context. Each File belongs to
// exactly one logical owner (the manager's signal file, or a
// connection), which also owns the descriptor itself: Deinit
// unregisters but never closes the fd.
type File struct {
	context   *Context
	readyList *ReadyList
	readyLink ilist.Link[*File]
	fn        Fn
	fd        int

	// registeredMask is the full event set passed at Init time; the
	// epoll registration covers it for the File's whole lifetime.
	registeredMask Events
	// interestMask is the subset the owner currently wants delivered,
	// armed with Select and disarmed with Deselect.
	interestMask Events
	// events accumulates edge-triggered kernel reports until the
	// owner clears them.
	events Events
}

// Init registers the descriptor with the Context, edge-triggered, for
// every event in mask. No events are delivered until the owner arms
// interest with Select. The ready list is where the Context links the
// File when it has deliverable events; the File borrows the list, the
// loop owner owns it.
func (f *File) Init(context *Context, readyList *ReadyList, fn Fn, fd int, mask Events) error {
	if f.context != nil {
		panic("dispatch: File initialized twice")
	}

	kernelEvent := unix.EpollEvent{
		Events: uint32(mask) | unix.EPOLLET,
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(context.epollFD, unix.EPOLL_CTL_ADD, fd, &kernelEvent); err != nil {
		return fmt.Errorf("epoll_ctl add fd %d: %w", fd, err)
	}

	f.context = context
	f.readyList = readyList
	f.readyLink.Init(f)
	f.fn = fn
	f.fd = fd
	f.registeredMask = mask
	f.interestMask = 0
	f.events = 0
	context.files[fd] = f
	return nil
}

// Deinit unregisters the File from its Context and from the ready
// list. The descriptor stays open; closing it is the owner's job.
// Idempotent.
func (f *File) Deinit() {
	if f.context == nil {
		return
	}
	// Removal can only fail if the fd is already gone from the epoll
	// set, which the registration invariant rules out.
	_ = unix.EpollCtl(f.context.epollFD, unix.EPOLL_CTL_DEL, f.fd, nil)
	delete(f.context.files, f.fd)
	f.readyLink.Unlink()
	f.context = nil
	f.readyList = nil
	f.fn = nil
	f.events = 0
	f.interestMask = 0
}

// FD returns the watched descriptor.
func (f *File) FD() int {
	return f.fd
}

// deliverable is the event set a Call would hand to the callback:
// pending events the owner asked for, plus hangup and error
// conditions, which the kernel reports unconditionally.
func (f *File) deliverable() Events {
	return f.events & (f.interestMask | HangedUp | ErrorCondition)
}

// linkIfReady puts the File on the ready list when it has deliverable
// events and is not already queued.
func (f *File) linkIfReady() {
	if f.deliverable() != 0 && !f.readyLink.Linked() {
		f.readyList.PushBack(&f.readyLink)
	}
}

// Select arms interest in mask. If events matching the new interest
// are already pending, the File becomes ready immediately, without a
// poll round-trip.
func (f *File) Select(mask Events) {
	if mask&^f.registeredMask != 0 {
		panic(fmt.Sprintf("dispatch: Select(%#x) outside registered mask %#x", mask, f.registeredMask))
	}
	f.interestMask |= mask
	f.linkIfReady()
}

// Deselect disarms interest in mask. The pending events are kept (the
// condition may still be armed again later); the File leaves the ready
// list if nothing deliverable remains.
func (f *File) Deselect(mask Events) {
	f.interestMask &^= mask
	if f.deliverable() == 0 {
		f.readyLink.Unlink()
	}
}

// Clear consumes delivered events after the owner has drained the
// underlying condition. With edge-triggered registration the kernel
// will not repeat the report, so clearing before draining loses the
// wakeup. The File leaves the ready list when nothing deliverable
// remains.
func (f *File) Clear(mask Events) {
	f.events &^= mask
	if f.deliverable() == 0 {
		f.readyLink.Unlink()
	}
}

// Call invokes the dispatch callback with the deliverable events.
func (f *File) Call() (Verdict, error) {
	return f.fn(f, f.deliverable())
}
