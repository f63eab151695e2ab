// Package dfs defines the boundary to remote distributed filesystems: the
// client SDK interfaces, the immutable filesystem descriptor, and the
// per-descriptor connection pool with scoped acquisition.
//
// The pool is elastic: acquisition never blocks waiting for a free handle,
// it opens a new one. Connections follow a small state machine
// (FreeInitialized <-> BusyOK, with error states swept at acquisition) and
// every borrow is released exactly once via ScopedConnection.
package dfs
