// Package registry is the process-wide cache metadata store: connection
// pools keyed by filesystem descriptor and per-file entries keyed by
// (descriptor, remote path).
//
// Entries enforce the deduplication invariant: at most one request owns an
// in-progress materialization; concurrent requests for the same file
// subscribe to the existing work and are woken when it reaches a terminal
// state. A file counts as Local only while it exists at its deterministic
// path with the recorded size.
package registry
