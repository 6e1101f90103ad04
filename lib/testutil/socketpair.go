// Copyright 2026 The Spindle Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"golang.org/x/sys/unix"
)

// Socketpair returns both ends of a connected unix stream socketpair.
// Both descriptors are close-on-exec and are closed on test cleanup;
// tests that hand an end to something which closes it itself should
// use SocketpairRaw.
func Socketpair(t interface {
	Helper()
	Fatalf(format string, args ...any)
	Cleanup(func())
}) (local, peer int) {
	t.Helper()
	local, peer = SocketpairRaw(t)
	t.Cleanup(func() {
		unix.Close(local)
		unix.Close(peer)
	})
	return local, peer
}

// SocketpairRaw is Socketpair without the cleanup registration: the
// caller owns both descriptors.
func SocketpairRaw(t interface {
	Helper()
	Fatalf(format string, args ...any)
	Cleanup(func())
}) (local, peer int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	return fds[0], fds[1]
}
