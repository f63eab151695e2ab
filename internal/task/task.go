// Package task defines the cancellable per-file unit of work scheduled by
// the dispatcher and executed by the sync module.
package task

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dfscache/dfscache/pkg/dfs"
	"github.com/dfscache/dfscache/pkg/types"
)

// Outcome is the one-way completion signal a worker sends back to the
// dispatcher. Phase is terminal: Done, Failed or Canceled.
type Outcome struct {
	Task  *Task
	Phase types.FilePhase
	Err   error
}

// Task is one per-file unit of work. The executing worker owns the progress
// record; readers take the task lock for a snapshot. The cancellation flag
// is one-way: set once, never cleared, observed at chunk boundaries.
type Task struct {
	ID         uint64
	Parent     types.RequestIdentity
	Descriptor dfs.Descriptor
	Path       string
	Kind       types.RequestKind

	mu       sync.Mutex
	progress types.FileProgress

	canceled atomic.Bool
	done     chan struct{}
	finish   sync.Once
	outcome  chan<- Outcome
}

// New creates a task in Queued phase with unknown total size.
func New(id uint64, parent types.RequestIdentity, desc dfs.Descriptor, path string,
	kind types.RequestKind, outcome chan<- Outcome) *Task {
	return &Task{
		ID:         id,
		Parent:     parent,
		Descriptor: desc,
		Path:       path,
		Kind:       kind,
		progress: types.FileProgress{
			Path:       path,
			BytesTotal: -1,
			Phase:      types.PhaseQueued,
		},
		done:    make(chan struct{}),
		outcome: outcome,
	}
}

// Cancel sets the one-way cancellation flag. Idempotent.
func (t *Task) Cancel() {
	t.canceled.Store(true)
}

// Canceled reports whether cancellation was requested.
func (t *Task) Canceled() bool {
	return t.canceled.Load()
}

// Done is closed once the task reaches a terminal phase.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Progress returns a point-in-time snapshot.
func (t *Task) Progress() types.FileProgress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}

// SetPhase publishes a non-terminal phase transition.
func (t *Task) SetPhase(phase types.FilePhase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.progress.Phase = phase
}

// SetTotal publishes the remote size once known.
func (t *Task) SetTotal(total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.progress.BytesTotal = total
}

// SetEstimate publishes the computed time estimate.
func (t *Task) SetEstimate(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.progress.EstimatedTime = d
}

// AddBytes advances the byte counter. BytesDone is monotone: the counter
// only ever grows.
func (t *Task) AddBytes(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.progress.BytesDone += n
}

// Finish publishes the terminal phase and delivers the outcome exactly
// once. Later calls are no-ops.
func (t *Task) Finish(phase types.FilePhase, err error) {
	t.finish.Do(func() {
		t.mu.Lock()
		t.progress.Phase = phase
		if err != nil {
			t.progress.Err = err.Error()
		}
		t.mu.Unlock()

		close(t.done)
		if t.outcome != nil {
			t.outcome <- Outcome{Task: t, Phase: phase, Err: err}
		}
	})
}
