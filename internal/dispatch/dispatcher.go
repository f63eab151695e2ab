package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dfscache/dfscache/internal/config"
	"github.com/dfscache/dfscache/internal/metrics"
	"github.com/dfscache/dfscache/internal/registry"
	"github.com/dfscache/dfscache/internal/task"
	"github.com/dfscache/dfscache/internal/transfer"
	"github.com/dfscache/dfscache/pkg/dfs"
	"github.com/dfscache/dfscache/pkg/errors"
	"github.com/dfscache/dfscache/pkg/types"
)

// SubmitParams carries one client request into admission.
type SubmitParams struct {
	SessionID  string
	Kind       types.RequestKind
	Descriptor dfs.Descriptor
	Paths      []string
	Callback   types.CompletionCallback
}

// StatusReport is the non-blocking answer to a progress query.
type StatusReport struct {
	State types.RequestState   `json:"state"`
	Files []types.FileProgress `json:"files"`
	Stats types.RequestStats   `json:"stats"`
}

// Request is the dispatcher's bookkeeping for one admitted client request.
// Tasks and results are keyed by path; remaining counts units (tasks plus
// subscriptions) still outstanding.
type Request struct {
	ID         types.RequestIdentity
	Kind       types.RequestKind
	Priority   types.Priority
	Descriptor dfs.Descriptor
	Paths      []string
	Callback   types.CompletionCallback
	CreatedAt  time.Time

	mu        sync.Mutex
	state     types.RequestState
	tasks     map[string]*task.Task
	results   map[string]types.FileProgress
	remaining int
}

// Dispatcher owns the two priority queues, the two dispatcher loops, the
// two worker pools, the active request set and the history ring. HIGH maps
// to the short pool and carries estimate-class work; LOW maps to the long
// pool and carries prepare-class work, so bulk downloads cannot starve
// quick estimation queries.
type Dispatcher struct {
	cfg      config.DispatchConfig
	registry *registry.Registry
	syncer   *transfer.Syncer
	client   dfs.Client
	logger   *zap.Logger
	metrics  *metrics.Collector

	ctx       context.Context
	cancelAll context.CancelFunc

	queues  map[types.Priority]*taskQueue
	poolCh  map[types.Priority]chan *task.Task
	workers map[types.Priority]*sync.WaitGroup
	done    map[types.Priority]chan struct{}

	outcomes      chan task.Outcome
	finalizerQuit chan struct{}
	finalizerDone chan struct{}
	subWG         sync.WaitGroup

	activeMu sync.Mutex
	active   map[types.RequestIdentity]*Request

	history *historyRing

	seq           atomic.Uint64
	taskSeq       atomic.Uint64
	inShutdown    atomic.Bool
	updateClients atomic.Bool
	shutdownOnce  sync.Once
}

// New creates a dispatcher and starts its dispatcher loops, worker pools
// and finalizer.
func New(cfg config.DispatchConfig, reg *registry.Registry,
	syncer *transfer.Syncer, client dfs.Client, logger *zap.Logger, collector *metrics.Collector) *Dispatcher {

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		cfg:       cfg,
		registry:  reg,
		syncer:    syncer,
		client:    client,
		logger:    logger.Named("dispatch"),
		metrics:   collector,
		ctx:       ctx,
		cancelAll: cancel,
		queues: map[types.Priority]*taskQueue{
			types.PriorityHigh: newTaskQueue(),
			types.PriorityLow:  newTaskQueue(),
		},
		poolCh: map[types.Priority]chan *task.Task{
			types.PriorityHigh: make(chan *task.Task),
			types.PriorityLow:  make(chan *task.Task),
		},
		workers: map[types.Priority]*sync.WaitGroup{
			types.PriorityHigh: {},
			types.PriorityLow:  {},
		},
		done: map[types.Priority]chan struct{}{
			types.PriorityHigh: make(chan struct{}),
			types.PriorityLow:  make(chan struct{}),
		},
		outcomes:      make(chan task.Outcome, 2*(cfg.ShortPoolWorkers+cfg.LongPoolWorkers)+16),
		finalizerQuit: make(chan struct{}),
		finalizerDone: make(chan struct{}),
		active:        make(map[types.RequestIdentity]*Request),
		history:       newHistoryRing(cfg.HistoryCapacity),
	}

	for i := 0; i < cfg.ShortPoolWorkers; i++ {
		d.workers[types.PriorityHigh].Add(1)
		go d.worker(types.PriorityHigh)
	}
	for i := 0; i < cfg.LongPoolWorkers; i++ {
		d.workers[types.PriorityLow].Add(1)
		go d.worker(types.PriorityLow)
	}
	go d.dispatchLoop(types.PriorityHigh)
	go d.dispatchLoop(types.PriorityLow)
	go d.finalizer()

	return d
}

// Submit admits one client request: per path, the registry either satisfies
// it, subscribes it to in-flight work, or yields a new task enqueued on the
// matching priority queue. The returned identity is unique for the process
// lifetime; the completion callback fires later, exactly once.
func (d *Dispatcher) Submit(p SubmitParams) (types.RequestIdentity, error) {
	if d.inShutdown.Load() {
		return types.RequestIdentity{}, errors.New(errors.ErrCodeShutdown, "dispatcher is shutting down").
			WithComponent("dispatch").WithOperation("submit")
	}
	paths := dedupe(p.Paths)
	if len(paths) == 0 {
		return types.RequestIdentity{}, errors.New(errors.ErrCodeInvalidArgument, "empty path list").
			WithComponent("dispatch").WithOperation("submit")
	}

	id := types.RequestIdentity{SessionID: p.SessionID, SequenceNo: d.seq.Add(1)}
	pool := d.registry.EnsurePool(p.Descriptor, d.client)
	d.metrics.SetPoolConnections(p.Descriptor.Key(), pool.Stats().Total)

	req := &Request{
		ID:         id,
		Kind:       p.Kind,
		Priority:   types.PriorityFor(p.Kind),
		Descriptor: p.Descriptor,
		Paths:      paths,
		Callback:   p.Callback,
		CreatedAt:  time.Now(),
		state:      types.StatePending,
		tasks:      make(map[string]*task.Task),
		results:    make(map[string]types.FileProgress),
	}

	var newTasks []*task.Task
	var subscriptions []subscription
	for _, path := range paths {
		if p.Kind == types.KindPrepare {
			outcome, ch := d.registry.Claim(p.Descriptor, path, id)
			switch outcome {
			case registry.ClaimSatisfied:
				entry, _ := d.registry.Entry(p.Descriptor, path)
				req.results[path] = types.FileProgress{
					Path:       path,
					BytesDone:  entry.ExpectedBytes,
					BytesTotal: entry.ExpectedBytes,
					Phase:      types.PhaseDone,
				}
			case registry.ClaimSubscribed:
				subscriptions = append(subscriptions, subscription{path: path, ch: ch})
			case registry.ClaimOwned:
				t := task.New(d.taskSeq.Add(1), id, p.Descriptor, path, p.Kind, d.outcomes)
				req.tasks[path] = t
				newTasks = append(newTasks, t)
			}
			continue
		}

		// Estimate-class work never claims registry entries; a file
		// already local estimates to zero.
		if size, ok := d.registry.Satisfied(p.Descriptor, path); ok {
			req.results[path] = types.FileProgress{
				Path:       path,
				BytesDone:  size,
				BytesTotal: size,
				Phase:      types.PhaseDone,
			}
			continue
		}
		t := task.New(d.taskSeq.Add(1), id, p.Descriptor, path, p.Kind, d.outcomes)
		req.tasks[path] = t
		newTasks = append(newTasks, t)
	}

	req.remaining = len(paths) - len(req.results)

	d.activeMu.Lock()
	d.active[id] = req
	d.activeMu.Unlock()
	d.metrics.RequestAdmitted(p.Kind)

	d.logger.Info("request admitted",
		zap.String("id", id.String()), zap.String("kind", p.Kind.String()),
		zap.Int("files", len(paths)), zap.Int("tasks", len(newTasks)),
		zap.Int("subscriptions", len(subscriptions)))

	if req.remaining == 0 {
		d.finalize(req)
		return id, nil
	}

	req.mu.Lock()
	req.state = types.StateInProgress
	req.mu.Unlock()

	for _, sub := range subscriptions {
		d.subWG.Add(1)
		go d.awaitSubscription(req, sub)
	}

	queue := d.queues[req.Priority]
	for _, t := range newTasks {
		if !queue.push(t) {
			d.finishUnrun(t, errors.New(errors.ErrCodeShutdown, "admission raced shutdown").
				WithComponent("dispatch").WithPath(t.Path))
		}
	}
	d.metrics.SetQueueDepth(req.Priority, queue.len())

	return id, nil
}

// Cancel cancels an active request. A task still queued is removed and
// finalized immediately; running tasks observe the cancellation flag at
// their next chunk boundary. Unknown or already-terminal identities yield
// NotFound. Idempotent: a second call observes the same state.
func (d *Dispatcher) Cancel(id types.RequestIdentity) error {
	req := d.lookupActive(id)
	if req == nil {
		return errors.Newf(errors.ErrCodeNotFound, "no active request %s", id).
			WithComponent("dispatch").WithOperation("cancel")
	}

	removed := d.queues[req.Priority].removeIf(func(t *task.Task) bool {
		return t.Parent == id
	})
	for _, t := range removed {
		d.finishUnrun(t, errors.New(errors.ErrCodeCanceled, "request canceled").
			WithComponent("dispatch").WithPath(t.Path))
	}

	req.mu.Lock()
	live := make([]*task.Task, 0, len(req.tasks))
	for _, t := range req.tasks {
		live = append(live, t)
	}
	req.mu.Unlock()
	for _, t := range live {
		t.Cancel()
	}

	d.logger.Info("request canceled",
		zap.String("id", id.String()), zap.Int("dequeued", len(removed)), zap.Int("flagged", len(live)))
	return nil
}

// CheckStatus returns per-file progress snapshots and aggregate counters.
// Non-blocking; terminal requests are answered from the history ring.
func (d *Dispatcher) CheckStatus(id types.RequestIdentity) (*StatusReport, error) {
	if req := d.lookupActive(id); req != nil {
		return d.snapshot(req), nil
	}
	if entry, ok := d.history.get(id); ok {
		return &StatusReport{State: entry.State, Files: entry.Files, Stats: entry.Stats}, nil
	}
	return nil, errors.Newf(errors.ErrCodeNotFound, "unknown request %s", id).
		WithComponent("dispatch").WithOperation("check_status")
}

// Shutdown stops admission, releases the dispatcher loops, joins both
// pools and both loops, and drains finalization. With force, every
// in-flight task is flagged for cancellation; otherwise running tasks
// complete. Pending callbacks fire only when updateClients is set.
// Idempotent: later calls return immediately.
func (d *Dispatcher) Shutdown(force, updateClients bool) {
	d.shutdownOnce.Do(func() {
		d.logger.Info("shutdown initiated",
			zap.Bool("force", force), zap.Bool("update_clients", updateClients))
		d.updateClients.Store(updateClients)
		d.inShutdown.Store(true)

		if force {
			d.cancelAll()
			d.activeMu.Lock()
			reqs := make([]*Request, 0, len(d.active))
			for _, req := range d.active {
				reqs = append(reqs, req)
			}
			d.activeMu.Unlock()
			for _, req := range reqs {
				req.mu.Lock()
				for _, t := range req.tasks {
					t.Cancel()
				}
				req.mu.Unlock()
			}
		}

		for _, q := range d.queues {
			q.close()
		}
		<-d.done[types.PriorityHigh]
		<-d.done[types.PriorityLow]

		for _, q := range d.queues {
			for _, t := range q.drain() {
				d.finishUnrun(t, errors.New(errors.ErrCodeShutdown, "shutdown before dispatch").
					WithComponent("dispatch").WithPath(t.Path))
			}
		}

		close(d.poolCh[types.PriorityHigh])
		close(d.poolCh[types.PriorityLow])
		d.workers[types.PriorityHigh].Wait()
		d.workers[types.PriorityLow].Wait()
		d.subWG.Wait()

		close(d.finalizerQuit)
		<-d.finalizerDone
		d.logger.Info("shutdown complete")
	})
}

// ActiveCount reports requests not yet finalized.
func (d *Dispatcher) ActiveCount() int {
	d.activeMu.Lock()
	defer d.activeMu.Unlock()
	return len(d.active)
}

// dispatchLoop is one of the two per-priority loops: it blocks on the
// queue's not-empty condition and feeds tasks to its pool in FIFO order.
func (d *Dispatcher) dispatchLoop(priority types.Priority) {
	defer close(d.done[priority])
	queue := d.queues[priority]
	pool := d.poolCh[priority]

	for {
		t := queue.pop()
		if t == nil {
			return
		}
		d.metrics.SetQueueDepth(priority, queue.len())
		pool <- t
	}
}

// worker is one pool thread. Completions reenter finalization through the
// one-way outcome channel, never by calling back into the dispatcher.
func (d *Dispatcher) worker(priority types.Priority) {
	defer d.workers[priority].Done()
	for t := range d.poolCh[priority] {
		d.runTask(t)
	}
}

func (d *Dispatcher) runTask(t *task.Task) {
	if t.Canceled() {
		d.finishUnrun(t, errors.New(errors.ErrCodeCanceled, "canceled before start").
			WithComponent("dispatch").WithPath(t.Path))
		return
	}

	var err error
	switch t.Kind {
	case types.KindEstimate:
		err = d.syncer.Estimate(d.ctx, t.Descriptor, t.Path, t)
	case types.KindPrepare:
		err = d.syncer.Prepare(d.ctx, t.Descriptor, t.Path, t)
	}

	phase := types.PhaseDone
	if err != nil {
		if errors.IsCode(err, errors.ErrCodeCanceled) {
			phase = types.PhaseCanceled
		} else {
			phase = types.PhaseFailed
		}
	}
	t.Finish(phase, err)
}

// finishUnrun finalizes a task that never reached a worker. A prepare task
// owns its registry claim, which must be released for subscribers to wake.
func (d *Dispatcher) finishUnrun(t *task.Task, cause error) {
	if t.Kind == types.KindPrepare {
		d.registry.Publish(t.Descriptor, t.Path, registry.EntryUnknown, 0)
	}
	t.Finish(types.PhaseCanceled, cause)
}

// finalizer consumes task outcomes and drives request finalization on a
// single goroutine. On shutdown it drains buffered outcomes before exiting;
// the quit signal fires only after every producer has been joined.
func (d *Dispatcher) finalizer() {
	defer close(d.finalizerDone)
	for {
		select {
		case o := <-d.outcomes:
			d.recordOutcome(o)
		case <-d.finalizerQuit:
			for {
				select {
				case o := <-d.outcomes:
					d.recordOutcome(o)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) recordOutcome(o task.Outcome) {
	req := d.lookupActive(o.Task.Parent)
	if req == nil {
		// Broken invariant: every live task has an active parent.
		d.logger.Error("outcome for unknown request",
			zap.String("id", o.Task.Parent.String()), zap.String("path", o.Task.Path))
		return
	}
	d.metrics.TaskCompleted(o.Task.Kind, o.Phase)
	d.recordResult(req, o.Task.Progress())
}

type subscription struct {
	path string
	ch   <-chan registry.EntryState
}

// awaitSubscription resolves one deduplicated file: the request attached a
// waiter to work owned by another identity and adopts its terminal state.
func (d *Dispatcher) awaitSubscription(req *Request, sub subscription) {
	defer d.subWG.Done()
	state := <-sub.ch

	prog := types.FileProgress{Path: sub.path}
	if state == registry.EntryLocal {
		if entry, ok := d.registry.Entry(req.Descriptor, sub.path); ok {
			prog.BytesDone = entry.LocalBytes
			prog.BytesTotal = entry.ExpectedBytes
		}
		prog.Phase = types.PhaseDone
	} else {
		prog.Phase = types.PhaseFailed
		prog.Err = "deduplicated fetch did not complete"
	}
	d.recordResult(req, prog)
}

func (d *Dispatcher) recordResult(req *Request, prog types.FileProgress) {
	req.mu.Lock()
	if _, dup := req.results[prog.Path]; dup {
		req.mu.Unlock()
		d.logger.Error("duplicate result for path",
			zap.String("id", req.ID.String()), zap.String("path", prog.Path))
		return
	}
	req.results[prog.Path] = prog
	delete(req.tasks, prog.Path)
	req.remaining--
	done := req.remaining == 0 && !req.state.Terminal()
	req.mu.Unlock()

	if done {
		d.finalize(req)
	}
}

// finalize computes the aggregate state, fires the client callback exactly
// once, and moves the request from the active set to the history ring.
func (d *Dispatcher) finalize(req *Request) {
	req.mu.Lock()
	if req.state.Terminal() {
		req.mu.Unlock()
		return
	}
	state := aggregateState(req.results)
	req.state = state
	files := make([]types.FileProgress, 0, len(req.Paths))
	for _, path := range req.Paths {
		if prog, ok := req.results[path]; ok {
			files = append(files, prog)
		}
	}
	cb := req.Callback
	req.mu.Unlock()

	elapsed := time.Since(req.CreatedAt)
	stats := computeStats(files, elapsed)
	d.metrics.RequestFinalized(req.Kind, state, elapsed)

	d.history.add(&HistoryEntry{
		ID:          req.ID,
		Kind:        req.Kind,
		State:       state,
		Files:       files,
		Stats:       stats,
		CreatedAt:   req.CreatedAt,
		FinalizedAt: time.Now(),
	})

	d.activeMu.Lock()
	delete(d.active, req.ID)
	d.activeMu.Unlock()

	d.logger.Info("request finalized",
		zap.String("id", req.ID.String()), zap.String("state", state.String()),
		zap.Duration("elapsed", elapsed))

	if cb != nil && (!d.inShutdown.Load() || d.updateClients.Load()) {
		cb(req.ID, state, files)
	}
}

func (d *Dispatcher) lookupActive(id types.RequestIdentity) *Request {
	d.activeMu.Lock()
	defer d.activeMu.Unlock()
	return d.active[id]
}

func (d *Dispatcher) snapshot(req *Request) *StatusReport {
	req.mu.Lock()
	defer req.mu.Unlock()

	files := make([]types.FileProgress, 0, len(req.Paths))
	for _, path := range req.Paths {
		if prog, ok := req.results[path]; ok {
			files = append(files, prog)
			continue
		}
		if t, ok := req.tasks[path]; ok {
			files = append(files, t.Progress())
			continue
		}
		// Subscribed to another request's fetch.
		prog := types.FileProgress{Path: path, BytesTotal: -1, Phase: types.PhaseDownloading}
		if entry, ok := d.registry.Entry(req.Descriptor, path); ok {
			prog.BytesTotal = entry.ExpectedBytes
		}
		files = append(files, prog)
	}

	return &StatusReport{
		State: req.state,
		Files: files,
		Stats: computeStats(files, time.Since(req.CreatedAt)),
	}
}

// aggregateState derives the request state from terminal per-file results:
// all done means completed; any failure dominates cancellation.
func aggregateState(results map[string]types.FileProgress) types.RequestState {
	anyFailed, anyCanceled := false, false
	for _, prog := range results {
		switch prog.Phase {
		case types.PhaseFailed:
			anyFailed = true
		case types.PhaseCanceled:
			anyCanceled = true
		}
	}
	switch {
	case anyFailed:
		return types.StateFailed
	case anyCanceled:
		return types.StateCanceled
	default:
		return types.StateCompleted
	}
}

func computeStats(files []types.FileProgress, elapsed time.Duration) types.RequestStats {
	stats := types.RequestStats{FilesTotal: len(files), Elapsed: elapsed}
	for _, prog := range files {
		stats.BytesDone += prog.BytesDone
		switch prog.Phase {
		case types.PhaseDone:
			stats.FilesDone++
		case types.PhaseFailed:
			stats.FilesFailed++
		case types.PhaseCanceled:
			stats.FilesCanceled++
		default:
			stats.FilesInProgress++
		}
	}
	if elapsed > 0 {
		stats.Throughput = float64(stats.BytesDone) / elapsed.Seconds()
	}
	return stats
}

func dedupe(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
