// Copyright 2026 The Spindle Authors
// SPDX-License-Identifier: Apache-2.0

// Package broker implements the supervisory core of the spindle
// message-bus broker: the Manager that owns the dispatch context, the
// controller connection, the per-user accounting registry, and the two
// ordered worklists the dispatch loop drains.
//
// The loop is single-threaded and cooperative. Each iteration polls
// for readiness, then fully drains the hangup list before touching the
// ready list. Deferring every disconnect decision to the hangup list
// keeps disconnection a uniform side effect observed only at loop
// boundaries. A callback deep in a call chain never tears a
// connection down reentrantly; it only queues it.
//
// Shutdown is lossless: a termination signal (or a controller hangup)
// initiates exit, but the loop keeps dispatching until the
// controller's buffered output has drained. The signal itself is
// observed as a descriptor-read event inside the loop, never as an
// asynchronous interrupt.
package broker
