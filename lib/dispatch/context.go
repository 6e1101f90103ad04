// Copyright 2026 The Spindle Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Events is a bitmask of I/O readiness conditions, in kernel epoll
// encoding.
type Events uint32

const (
	// Readable indicates data (or a pending hangup) can be read.
	Readable Events = unix.EPOLLIN
	// Writable indicates the descriptor accepts writes again.
	Writable Events = unix.EPOLLOUT
	// HangedUp indicates the peer closed its end. Always deliverable.
	HangedUp Events = unix.EPOLLHUP
	// ErrorCondition indicates an error on the descriptor. Always
	// deliverable.
	ErrorCondition Events = unix.EPOLLERR
)

// Context owns one epoll descriptor and the table of Files registered
// against it. It is not safe for concurrent use: the broker's dispatch
// model is single-threaded and every Context method is called from the
// dispatch loop's goroutine only.
type Context struct {
	epollFD int
	files   map[int]*File
	// eventBuffer is reused across Poll calls to keep the hot path
	// allocation-free.
	eventBuffer []unix.EpollEvent
}

// NewContext creates the epoll instance. The returned Context must be
// closed after every File registered against it has been deinitialized.
func NewContext() (*Context, error) {
	epollFD, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &Context{
		epollFD:     epollFD,
		files:       make(map[int]*File),
		eventBuffer: make([]unix.EpollEvent, 64),
	}, nil
}

// Poll waits up to timeoutMillis for kernel events (negative blocks
// indefinitely, zero returns immediately) and folds them into the
// registered Files' pending masks, linking each affected File onto its
// ready list. A poll interrupted by a signal reports no events and no
// error.
func (c *Context) Poll(timeoutMillis int) error {
	n, err := unix.EpollWait(c.epollFD, c.eventBuffer, timeoutMillis)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return fmt.Errorf("epoll_wait: %w", err)
	}

	for i := 0; i < n; i++ {
		kernelEvent := c.eventBuffer[i]
		file := c.files[int(kernelEvent.Fd)]
		if file == nil {
			// Deregistered between the kernel queuing the event and
			// us draining it.
			continue
		}
		file.events |= Events(kernelEvent.Events)
		file.linkIfReady()
	}
	return nil
}

// Close releases the epoll descriptor. Closing with Files still
// registered is an error: their owners hold dangling registrations.
func (c *Context) Close() error {
	if c.epollFD < 0 {
		return nil
	}
	if len(c.files) > 0 {
		return fmt.Errorf("dispatch: closing context with %d files still registered", len(c.files))
	}
	if err := unix.Close(c.epollFD); err != nil {
		return fmt.Errorf("close epoll fd: %w", err)
	}
	c.epollFD = -1
	return nil
}
