// Copyright 2026 The Spindle Authors
// SPDX-License-Identifier: Apache-2.0

// Package dispatch provides the broker's readiness-notification core:
// an epoll-backed Context that watches registered Files and a
// ready-list abstraction the dispatch loop drains.
//
// Registration is edge-triggered. The kernel reports an event once;
// the Context accumulates it into the File's pending mask and links
// the File onto its owner's ready list. The File stays ready until its
// owner consumes the condition and calls Clear; there is no level-
// triggered re-reporting to fall back on. Owners therefore drain
// (read/write until EAGAIN) before clearing.
//
// A File's interest is armed with Select and disarmed with Deselect,
// independently of its epoll registration. Hangup and error conditions
// are always deliverable regardless of interest, matching kernel epoll
// semantics.
//
// Callbacks report their outcome as a [Verdict] plus an error. The
// verdict carries intentional control flow (keep going, exit the loop
// cleanly, exit reporting failure); the error carries genuine
// failures. The two never substitute for each other.
package dispatch
