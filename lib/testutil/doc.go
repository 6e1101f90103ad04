// Copyright 2026 The Spindle Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers: channel operations
// with timeout safety valves, and socketpair constructors for tests
// that exercise the dispatch loop against real descriptors.
package testutil
