// Package transfer is the sync module: it executes exactly one per-file
// operation per call (estimate or prepare) against a remote filesystem
// through the connection pool, publishing progress into the task and state
// transitions into the registry.
//
// Downloads stream to a staging file and rename atomically into place;
// cancellation is observed between chunks. Registry locks are never held
// across I/O.
package transfer
