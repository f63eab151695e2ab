package dispatch

import (
	"bytes"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dfscache/dfscache/internal/config"
	"github.com/dfscache/dfscache/internal/registry"
	"github.com/dfscache/dfscache/internal/transfer"
	"github.com/dfscache/dfscache/pkg/dfs"
	"github.com/dfscache/dfscache/pkg/dfs/dfstest"
	"github.com/dfscache/dfscache/pkg/errors"
	"github.com/dfscache/dfscache/pkg/types"
)

var testDesc = dfs.Descriptor{Scheme: "hdfs", Host: "nn", Port: 8020}

type fixture struct {
	fs  *dfstest.FakeFS
	reg *registry.Registry
	d   *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fs := dfstest.NewFakeFS()
	reg, err := registry.New(
		config.CacheConfig{RootDirectory: t.TempDir()},
		config.NetworkConfig{
			ConnectTimeout: time.Second,
			Retry:          config.RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond},
		},
		zap.NewNop(),
	)
	require.NoError(t, err)

	syncer := transfer.New(reg, fs.Client(), config.TransferConfig{
		AssumedBandwidth: 1024 * 1024,
		ChunkSize:        256,
		ValidateParallel: 2,
	}, zap.NewNop(), nil)

	d := New(config.DispatchConfig{
		ShortPoolWorkers: 4,
		LongPoolWorkers:  4,
		HistoryCapacity:  16,
	}, reg, syncer, fs.Client(), zap.NewNop(), nil)

	t.Cleanup(func() {
		d.Shutdown(true, false)
		reg.ClosePools()
	})
	return &fixture{fs: fs, reg: reg, d: d}
}

// watcher collects completion callbacks.
type watcher struct {
	mu    sync.Mutex
	calls int32
	state types.RequestState
	files []types.FileProgress
	done  chan struct{}
}

func newWatcher() *watcher {
	return &watcher{done: make(chan struct{})}
}

func (w *watcher) callback(id types.RequestIdentity, state types.RequestState, files []types.FileProgress) {
	w.mu.Lock()
	w.state = state
	w.files = files
	w.mu.Unlock()
	if atomic.AddInt32(&w.calls, 1) == 1 {
		close(w.done)
	}
}

func (w *watcher) wait(t *testing.T) (types.RequestState, []types.FileProgress) {
	t.Helper()
	select {
	case <-w.done:
	case <-time.After(5 * time.Second):
		t.Fatal("callback never fired")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state, w.files
}

// TestColdPrepareSingleFile tests scenario: cold prepare of one file
func TestColdPrepareSingleFile(t *testing.T) {
	f := newFixture(t)
	content := bytes.Repeat([]byte("a"), 700)
	f.fs.Put("/data/a.dat", content)

	w := newWatcher()
	id, err := f.d.Submit(SubmitParams{
		SessionID:  "q1",
		Kind:       types.KindPrepare,
		Descriptor: testDesc,
		Paths:      []string{"/data/a.dat"},
		Callback:   w.callback,
	})
	require.NoError(t, err)
	require.Equal(t, uint64(1), id.SequenceNo)

	state, files := w.wait(t)
	require.Equal(t, types.StateCompleted, state)
	require.Len(t, files, 1)
	require.Equal(t, types.PhaseDone, files[0].Phase)
	require.Equal(t, int64(700), files[0].BytesDone)

	// Pool was created lazily for the descriptor.
	_, ok := f.reg.Pool(testDesc)
	require.True(t, ok)

	// Registry invariant: DONE implies Local with matching size.
	entry, _ := f.reg.Entry(testDesc, "/data/a.dat")
	require.Equal(t, registry.EntryLocal, entry.State)
	data, err := os.ReadFile(f.reg.LocalPath(testDesc, "/data/a.dat"))
	require.NoError(t, err)
	require.Equal(t, content, data)
}

// TestCallbackFiresExactlyOnce tests callback uniqueness under terminal races
func TestCallbackFiresExactlyOnce(t *testing.T) {
	f := newFixture(t)
	f.fs.Put("/data/a.dat", make([]byte, 128))

	w := newWatcher()
	id, err := f.d.Submit(SubmitParams{
		SessionID: "q1", Kind: types.KindPrepare, Descriptor: testDesc,
		Paths: []string{"/data/a.dat"}, Callback: w.callback,
	})
	require.NoError(t, err)
	w.wait(t)

	// Late cancel of a terminal request must not refire the callback.
	require.Error(t, f.d.Cancel(id))
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(1), atomic.LoadInt32(&w.calls))
}

// TestDedup tests scenario: two concurrent prepares of the same file run
// one download
func TestDedup(t *testing.T) {
	f := newFixture(t)
	f.fs.Put("/data/a.dat", make([]byte, 32*1024))
	f.fs.SetChunkSize(256)
	f.fs.SetReadDelay(time.Millisecond)

	w1, w2 := newWatcher(), newWatcher()
	_, err := f.d.Submit(SubmitParams{
		SessionID: "r1", Kind: types.KindPrepare, Descriptor: testDesc,
		Paths: []string{"/data/a.dat"}, Callback: w1.callback,
	})
	require.NoError(t, err)

	// Wait for R1 to own the registry entry.
	require.Eventually(t, func() bool {
		entry, ok := f.reg.Entry(testDesc, "/data/a.dat")
		return ok && entry.State == registry.EntryInProgress
	}, time.Second, time.Millisecond)

	_, err = f.d.Submit(SubmitParams{
		SessionID: "r2", Kind: types.KindPrepare, Descriptor: testDesc,
		Paths: []string{"/data/a.dat"}, Callback: w2.callback,
	})
	require.NoError(t, err)

	s1, _ := w1.wait(t)
	s2, _ := w2.wait(t)
	require.Equal(t, types.StateCompleted, s1)
	require.Equal(t, types.StateCompleted, s2)

	require.Equal(t, int64(1), f.fs.Opens(), "exactly one download must happen")
}

// TestMixedPriorities tests scenario: an estimate overtakes saturated
// prepare work
func TestMixedPriorities(t *testing.T) {
	f := newFixture(t)
	paths := make([]string, 8)
	for i := range paths {
		paths[i] = "/data/big" + string(rune('0'+i)) + ".dat"
		f.fs.Put(paths[i], make([]byte, 64*1024))
	}
	f.fs.Put("/data/small.dat", make([]byte, 64))
	f.fs.SetChunkSize(256)
	f.fs.SetReadDelay(time.Millisecond)

	wPrep := newWatcher()
	_, err := f.d.Submit(SubmitParams{
		SessionID: "bulk", Kind: types.KindPrepare, Descriptor: testDesc,
		Paths: paths, Callback: wPrep.callback,
	})
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	wEst := newWatcher()
	_, err = f.d.Submit(SubmitParams{
		SessionID: "quick", Kind: types.KindEstimate, Descriptor: testDesc,
		Paths: []string{"/data/small.dat"}, Callback: wEst.callback,
	})
	require.NoError(t, err)

	select {
	case <-wEst.done:
		// The estimate finished on the short pool while the long pool
		// was still saturated.
		require.Equal(t, int32(0), atomic.LoadInt32(&wPrep.calls),
			"estimate must complete before the bulk prepare")
	case <-wPrep.done:
		t.Fatal("bulk prepare finished before the high-priority estimate")
	case <-time.After(5 * time.Second):
		t.Fatal("no callback fired")
	}
	wPrep.wait(t)
}

// TestCancelMidDownload tests scenario: cancel mid-download cleans up
func TestCancelMidDownload(t *testing.T) {
	f := newFixture(t)
	f.fs.Put("/data/big.dat", make([]byte, 128*1024))
	f.fs.SetChunkSize(256)
	f.fs.SetReadDelay(time.Millisecond)

	w := newWatcher()
	id, err := f.d.Submit(SubmitParams{
		SessionID: "q", Kind: types.KindPrepare, Descriptor: testDesc,
		Paths: []string{"/data/big.dat"}, Callback: w.callback,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		report, err := f.d.CheckStatus(id)
		return err == nil && report.Stats.BytesDone > 0
	}, time.Second, time.Millisecond)

	require.NoError(t, f.d.Cancel(id))

	state, files := w.wait(t)
	require.Equal(t, types.StateCanceled, state)
	require.Equal(t, types.PhaseCanceled, files[0].Phase)

	entry, _ := f.reg.Entry(testDesc, "/data/big.dat")
	require.Equal(t, registry.EntryUnknown, entry.State)
}

// TestCancelIdempotent tests that a second cancel observes the same state
func TestCancelIdempotent(t *testing.T) {
	f := newFixture(t)
	f.fs.Put("/data/big.dat", make([]byte, 64*1024))
	f.fs.SetChunkSize(256)
	f.fs.SetReadDelay(time.Millisecond)

	w := newWatcher()
	id, err := f.d.Submit(SubmitParams{
		SessionID: "q", Kind: types.KindPrepare, Descriptor: testDesc,
		Paths: []string{"/data/big.dat"}, Callback: w.callback,
	})
	require.NoError(t, err)

	require.NoError(t, f.d.Cancel(id))
	// Second cancel either also hits the active request or reports
	// NotFound once terminal; the observable end state is identical.
	_ = f.d.Cancel(id)

	state, _ := w.wait(t)
	require.Equal(t, types.StateCanceled, state)

	err = f.d.Cancel(id)
	require.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
}

// TestPartialFailure tests scenario: one missing file fails the aggregate
// without aborting siblings
func TestPartialFailure(t *testing.T) {
	f := newFixture(t)
	f.fs.Put("/data/ok.dat", make([]byte, 512))

	w := newWatcher()
	_, err := f.d.Submit(SubmitParams{
		SessionID: "q", Kind: types.KindPrepare, Descriptor: testDesc,
		Paths: []string{"/data/ok.dat", "/data/missing.dat"}, Callback: w.callback,
	})
	require.NoError(t, err)

	state, files := w.wait(t)
	require.Equal(t, types.StateFailed, state)
	require.Len(t, files, 2)

	byPath := map[string]types.FileProgress{}
	for _, prog := range files {
		byPath[prog.Path] = prog
	}
	require.Equal(t, types.PhaseDone, byPath["/data/ok.dat"].Phase)
	require.Equal(t, types.PhaseFailed, byPath["/data/missing.dat"].Phase)
	require.NotEmpty(t, byPath["/data/missing.dat"].Err)

	entry, _ := f.reg.Entry(testDesc, "/data/ok.dat")
	require.Equal(t, registry.EntryLocal, entry.State)
}

// TestPreSatisfiedPrepare tests that a local file spawns no task
func TestPreSatisfiedPrepare(t *testing.T) {
	f := newFixture(t)
	f.fs.Put("/data/a.dat", make([]byte, 300))

	w1 := newWatcher()
	_, err := f.d.Submit(SubmitParams{
		SessionID: "q1", Kind: types.KindPrepare, Descriptor: testDesc,
		Paths: []string{"/data/a.dat"}, Callback: w1.callback,
	})
	require.NoError(t, err)
	w1.wait(t)
	opens := f.fs.Opens()

	w2 := newWatcher()
	_, err = f.d.Submit(SubmitParams{
		SessionID: "q2", Kind: types.KindPrepare, Descriptor: testDesc,
		Paths: []string{"/data/a.dat"}, Callback: w2.callback,
	})
	require.NoError(t, err)

	state, files := w2.wait(t)
	require.Equal(t, types.StateCompleted, state)
	require.Equal(t, int64(300), files[0].BytesDone)
	require.Equal(t, opens, f.fs.Opens(), "pre-satisfied file must not re-download")
}

// TestEstimateRequest tests estimate admission and per-file estimates
func TestEstimateRequest(t *testing.T) {
	f := newFixture(t)
	f.fs.Put("/data/a.dat", make([]byte, 2*1024*1024))

	w := newWatcher()
	_, err := f.d.Submit(SubmitParams{
		SessionID: "q", Kind: types.KindEstimate, Descriptor: testDesc,
		Paths: []string{"/data/a.dat"}, Callback: w.callback,
	})
	require.NoError(t, err)

	state, files := w.wait(t)
	require.Equal(t, types.StateCompleted, state)
	require.Equal(t, 2*time.Second, files[0].EstimatedTime)

	// Estimates never claim registry entries.
	entry, ok := f.reg.Entry(testDesc, "/data/a.dat")
	if ok {
		require.NotEqual(t, registry.EntryInProgress, entry.State)
	}
}

// TestSubmitValidation tests admission validation
func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.d.Submit(SubmitParams{
		SessionID: "q", Kind: types.KindPrepare, Descriptor: testDesc,
		Paths: nil,
	})
	require.True(t, errors.IsCode(err, errors.ErrCodeInvalidArgument))

	// Duplicate paths collapse to one task.
	f.fs.Put("/data/a.dat", make([]byte, 64))
	w := newWatcher()
	_, err = f.d.Submit(SubmitParams{
		SessionID: "q", Kind: types.KindPrepare, Descriptor: testDesc,
		Paths: []string{"/data/a.dat", "/data/a.dat"}, Callback: w.callback,
	})
	require.NoError(t, err)
	_, files := w.wait(t)
	require.Len(t, files, 1)
}

// TestCheckStatus tests progress queries across the request lifetime
func TestCheckStatus(t *testing.T) {
	f := newFixture(t)
	f.fs.Put("/data/big.dat", make([]byte, 64*1024))
	f.fs.SetChunkSize(256)
	f.fs.SetReadDelay(time.Millisecond)

	_, err := f.d.CheckStatus(types.RequestIdentity{SessionID: "nope", SequenceNo: 99})
	require.True(t, errors.IsCode(err, errors.ErrCodeNotFound))

	w := newWatcher()
	id, err := f.d.Submit(SubmitParams{
		SessionID: "q", Kind: types.KindPrepare, Descriptor: testDesc,
		Paths: []string{"/data/big.dat"}, Callback: w.callback,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		report, err := f.d.CheckStatus(id)
		require.NoError(t, err)
		return report.Stats.BytesDone > 0 && report.Files[0].Phase == types.PhaseDownloading
	}, time.Second, time.Millisecond)

	w.wait(t)

	// Terminal requests are answered from history.
	require.Eventually(t, func() bool {
		report, err := f.d.CheckStatus(id)
		return err == nil && report.State == types.StateCompleted
	}, time.Second, time.Millisecond)
	report, err := f.d.CheckStatus(id)
	require.NoError(t, err)
	require.Equal(t, 1, report.Stats.FilesDone)
	require.Equal(t, int64(64*1024), report.Stats.BytesDone)
}

// TestGracefulShutdown tests scenario: in-flight work completes and new
// admissions are refused
func TestGracefulShutdown(t *testing.T) {
	f := newFixture(t)
	f.fs.Put("/data/a.dat", make([]byte, 16*1024))
	f.fs.Put("/data/b.dat", make([]byte, 16*1024))
	f.fs.SetChunkSize(256)
	f.fs.SetReadDelay(time.Millisecond)

	w := newWatcher()
	_, err := f.d.Submit(SubmitParams{
		SessionID: "q", Kind: types.KindPrepare, Descriptor: testDesc,
		Paths: []string{"/data/a.dat", "/data/b.dat"}, Callback: w.callback,
	})
	require.NoError(t, err)

	// Let both tasks reach the workers.
	require.Eventually(t, func() bool {
		return f.fs.Opens() == 2
	}, time.Second, time.Millisecond)

	f.d.Shutdown(false, true)

	state, files := w.wait(t)
	require.Equal(t, types.StateCompleted, state, "graceful shutdown lets running tasks finish")
	require.Len(t, files, 2)

	_, err = f.d.Submit(SubmitParams{
		SessionID: "late", Kind: types.KindPrepare, Descriptor: testDesc,
		Paths: []string{"/data/a.dat"},
	})
	require.True(t, errors.IsCode(err, errors.ErrCodeShutdown))
}

// TestForceShutdown tests that force cancels in-flight downloads promptly
func TestForceShutdown(t *testing.T) {
	f := newFixture(t)
	f.fs.Put("/data/huge.dat", make([]byte, 1024*1024))
	f.fs.SetChunkSize(256)
	f.fs.SetReadDelay(time.Millisecond)

	w := newWatcher()
	_, err := f.d.Submit(SubmitParams{
		SessionID: "q", Kind: types.KindPrepare, Descriptor: testDesc,
		Paths: []string{"/data/huge.dat"}, Callback: w.callback,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.fs.Opens() == 1
	}, time.Second, time.Millisecond)

	start := time.Now()
	f.d.Shutdown(true, true)
	require.Less(t, time.Since(start), 3*time.Second, "force shutdown must return promptly")

	state, _ := w.wait(t)
	require.Equal(t, types.StateCanceled, state)
	require.Equal(t, 0, f.d.ActiveCount())
}

// TestHistoryEviction tests the bounded history ring
func TestHistoryEviction(t *testing.T) {
	ring := newHistoryRing(2)
	for i := uint64(1); i <= 3; i++ {
		ring.add(&HistoryEntry{ID: types.RequestIdentity{SessionID: "s", SequenceNo: i}})
	}
	require.Equal(t, 2, ring.len())

	_, ok := ring.get(types.RequestIdentity{SessionID: "s", SequenceNo: 1})
	require.False(t, ok, "oldest entry must be evicted")
	_, ok = ring.get(types.RequestIdentity{SessionID: "s", SequenceNo: 3})
	require.True(t, ok)
}
