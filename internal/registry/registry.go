package registry

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/dfscache/dfscache/internal/config"
	"github.com/dfscache/dfscache/pkg/dfs"
	"github.com/dfscache/dfscache/pkg/retry"
	"github.com/dfscache/dfscache/pkg/types"
)

// EntryState is the cache state of one (filesystem, path) pair.
type EntryState int

const (
	EntryUnknown EntryState = iota
	EntryInProgress
	EntryLocal
	EntryStale
)

func (s EntryState) String() string {
	switch s {
	case EntryUnknown:
		return "unknown"
	case EntryInProgress:
		return "in_progress"
	case EntryLocal:
		return "local"
	case EntryStale:
		return "stale"
	default:
		return "unknown_state"
	}
}

type entryKey struct {
	fs   string
	path string
}

// FileEntry records what is known about one remote file. Entries are shared
// between the sync module publishing progress and readers polling it; all
// fields are guarded by the registry mutex.
type FileEntry struct {
	State         EntryState
	LocalBytes    int64
	ExpectedBytes int64
	Owner         *types.RequestIdentity
	waiters       []chan EntryState
}

// EntryInfo is a read-only snapshot of a registry entry.
type EntryInfo struct {
	Descriptor    dfs.Descriptor
	Path          string
	State         EntryState
	LocalBytes    int64
	ExpectedBytes int64
}

// ClaimOutcome reports how an admission claim resolved.
type ClaimOutcome int

const (
	// ClaimSatisfied means the file is already local; no task is needed.
	ClaimSatisfied ClaimOutcome = iota
	// ClaimOwned means the caller now owns materialization of the entry.
	ClaimOwned
	// ClaimSubscribed means another request owns the entry; the caller
	// receives the terminal state on the returned channel.
	ClaimSubscribed
)

// Registry is the process-wide cache metadata store: connection pools keyed
// by filesystem descriptor and file entries keyed by (descriptor, path).
type Registry struct {
	mu       sync.Mutex
	root     string
	poolOpts dfs.PoolOptions
	pools    map[string]*dfs.Pool
	descs    map[string]dfs.Descriptor
	entries  map[entryKey]*FileEntry
	logger   *zap.Logger
}

// New creates a registry rooted at the configured cache directory.
func New(cfg config.CacheConfig, netCfg config.NetworkConfig, logger *zap.Logger) (*Registry, error) {
	if err := os.MkdirAll(cfg.RootDirectory, 0750); err != nil {
		return nil, fmt.Errorf("failed to create cache root: %w", err)
	}
	return &Registry{
		root: cfg.RootDirectory,
		poolOpts: dfs.PoolOptions{
			ConnectTimeout: netCfg.ConnectTimeout,
			Retry: retry.Config{
				MaxAttempts: netCfg.Retry.MaxAttempts,
				BaseDelay:   netCfg.Retry.BaseDelay,
				MaxDelay:    netCfg.Retry.MaxDelay,
				Jitter:      true,
			},
		},
		pools:   make(map[string]*dfs.Pool),
		descs:   make(map[string]dfs.Descriptor),
		entries: make(map[entryKey]*FileEntry),
		logger:  logger.Named("registry"),
	}, nil
}

// Root returns the local cache root directory.
func (r *Registry) Root() string { return r.root }

// EnsurePool returns the pool for the descriptor, creating it on first use.
func (r *Registry) EnsurePool(desc dfs.Descriptor, client dfs.Client) *dfs.Pool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := desc.Key()
	if pool, ok := r.pools[key]; ok {
		return pool
	}
	pool := dfs.NewPool(desc, client, r.poolOpts, r.logger)
	r.pools[key] = pool
	r.descs[key] = desc
	r.logger.Info("created connection pool", zap.String("fs", key))
	return pool
}

// Pool returns the pool for the descriptor if one exists.
func (r *Registry) Pool(desc dfs.Descriptor) (*dfs.Pool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pool, ok := r.pools[desc.Key()]
	return pool, ok
}

// LocalPath derives the deterministic local path for a remote file: a hash
// of (descriptor, remote path) prefixed to the remote base name, under the
// cache root.
func (r *Registry) LocalPath(desc dfs.Descriptor, path string) string {
	hash := sha256.Sum256([]byte(desc.Key() + "\x00" + path))
	return filepath.Join(r.root, fmt.Sprintf("%x-%s", hash[:8], filepath.Base(path)))
}

// Claim resolves a (descriptor, path) for admission. A Local entry whose
// file passes the size check is pre-satisfied. An entry in progress for
// another request yields a subscription instead of a duplicate fetch.
// Otherwise the entry transitions to InProgress owned by id. Stale entries
// are re-fetched.
func (r *Registry) Claim(desc dfs.Descriptor, path string, id types.RequestIdentity) (ClaimOutcome, <-chan EntryState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := entryKey{fs: desc.Key(), path: path}
	entry, ok := r.entries[key]
	if !ok {
		entry = &FileEntry{State: EntryUnknown}
		r.entries[key] = entry
	}

	switch entry.State {
	case EntryLocal:
		if r.verifyLocalLocked(desc, path, entry) {
			return ClaimSatisfied, nil
		}
		// Size mismatch or missing file: fall through to re-fetch.
		entry.State = EntryUnknown
	case EntryInProgress:
		ch := make(chan EntryState, 1)
		entry.waiters = append(entry.waiters, ch)
		return ClaimSubscribed, ch
	}

	owner := id
	entry.State = EntryInProgress
	entry.Owner = &owner
	entry.LocalBytes = 0
	return ClaimOwned, nil
}

// Satisfied reports whether the pair is Local and passes the size check,
// returning the expected byte count when it does.
func (r *Registry) Satisfied(desc dfs.Descriptor, path string) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[entryKey{fs: desc.Key(), path: path}]
	if !ok || entry.State != EntryLocal || !r.verifyLocalLocked(desc, path, entry) {
		return 0, false
	}
	return entry.ExpectedBytes, true
}

// SetExpected records the remote size learned for an in-progress entry.
func (r *Registry) SetExpected(desc dfs.Descriptor, path string, size int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[entryKey{fs: desc.Key(), path: path}]; ok {
		entry.ExpectedBytes = size
	}
}

// Publish moves an entry out of InProgress to its terminal state and wakes
// every subscriber. Unknown is published on failure and cancellation.
func (r *Registry) Publish(desc dfs.Descriptor, path string, state EntryState, localBytes int64) {
	r.mu.Lock()
	entry, ok := r.entries[entryKey{fs: desc.Key(), path: path}]
	if !ok {
		r.mu.Unlock()
		return
	}
	entry.State = state
	entry.LocalBytes = localBytes
	entry.Owner = nil
	waiters := entry.waiters
	entry.waiters = nil
	r.mu.Unlock()

	// Waiter channels are buffered; sends never block.
	for _, w := range waiters {
		w <- state
	}
}

// MarkStale flags a Local entry whose remote copy no longer matches.
func (r *Registry) MarkStale(desc dfs.Descriptor, path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[entryKey{fs: desc.Key(), path: path}]; ok && entry.State == EntryLocal {
		entry.State = EntryStale
	}
}

// Entry returns a snapshot of the entry for the pair, if known.
func (r *Registry) Entry(desc dfs.Descriptor, path string) (EntryInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[entryKey{fs: desc.Key(), path: path}]
	if !ok {
		return EntryInfo{}, false
	}
	return EntryInfo{
		Descriptor:    r.descs[desc.Key()],
		Path:          path,
		State:         entry.State,
		LocalBytes:    entry.LocalBytes,
		ExpectedBytes: entry.ExpectedBytes,
	}, true
}

// LocalEntries snapshots every entry currently in Local state.
func (r *Registry) LocalEntries() []EntryInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []EntryInfo
	for key, entry := range r.entries {
		if entry.State != EntryLocal {
			continue
		}
		out = append(out, EntryInfo{
			Descriptor:    r.descs[key.fs],
			Path:          key.path,
			State:         entry.State,
			LocalBytes:    entry.LocalBytes,
			ExpectedBytes: entry.ExpectedBytes,
		})
	}
	return out
}

// ClosePools closes every connection pool. Called on shutdown.
func (r *Registry) ClosePools() {
	r.mu.Lock()
	pools := make([]*dfs.Pool, 0, len(r.pools))
	for _, p := range r.pools {
		pools = append(pools, p)
	}
	r.mu.Unlock()

	for _, p := range pools {
		_ = p.Close()
	}
}

// verifyLocalLocked checks the Local invariant: the file exists at its
// deterministic path and its size matches the recorded expected bytes.
func (r *Registry) verifyLocalLocked(desc dfs.Descriptor, path string, entry *FileEntry) bool {
	info, err := os.Stat(r.LocalPath(desc, path))
	if err != nil {
		return false
	}
	return info.Size() == entry.ExpectedBytes
}
