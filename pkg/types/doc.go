// Package types holds the shared data model of the cache layer: request
// identities, request and file lifecycle states, progress snapshots and
// the completion callback contract.
package types
