package transfer

import (
	"context"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dfscache/dfscache/internal/config"
	"github.com/dfscache/dfscache/internal/metrics"
	"github.com/dfscache/dfscache/internal/registry"
	"github.com/dfscache/dfscache/internal/task"
	"github.com/dfscache/dfscache/pkg/dfs"
	"github.com/dfscache/dfscache/pkg/errors"
	"github.com/dfscache/dfscache/pkg/types"
)

// Syncer executes a single per-file operation per call against a remote
// filesystem, updating the passed-in task's progress record. It never holds
// a registry lock across I/O: it reads what it needs, releases, does the
// transfer, then re-acquires to publish.
type Syncer struct {
	registry *registry.Registry
	client   dfs.Client
	cfg      config.TransferConfig
	logger   *zap.Logger
	metrics  *metrics.Collector
}

// New creates a sync module bound to the shared registry.
func New(reg *registry.Registry, client dfs.Client, cfg config.TransferConfig,
	logger *zap.Logger, collector *metrics.Collector) *Syncer {
	return &Syncer{
		registry: reg,
		client:   client,
		cfg:      cfg,
		logger:   logger.Named("transfer"),
		metrics:  collector,
	}
}

// Estimate stats the remote file and publishes a size-based time estimate
// into the task's progress, using the configured bandwidth assumption.
func (s *Syncer) Estimate(ctx context.Context, desc dfs.Descriptor, path string, t *task.Task) error {
	t.SetPhase(types.PhaseEstimating)

	pool := s.registry.EnsurePool(desc, s.client)
	sc, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}

	info, err := s.statRemote(ctx, sc.Conn(), path)
	// NotFound is not a transport failure; the connection stays healthy.
	if errors.IsCode(err, errors.ErrCodeNotFound) {
		sc.Release(nil)
		return err
	}
	sc.Release(err)
	if err != nil {
		return err
	}

	estimate := time.Duration(float64(info.Size) / float64(s.cfg.AssumedBandwidth) * float64(time.Second))
	t.SetTotal(info.Size)
	t.SetEstimate(estimate)
	s.registry.SetExpected(desc, path, info.Size)

	s.logger.Debug("estimated file",
		zap.String("path", path), zap.Int64("size", info.Size),
		zap.Duration("estimate", estimate))
	return nil
}

// Prepare downloads the remote file to a staging path, renames atomically
// to the deterministic local path, and publishes the registry transition to
// Local. Cancellation is observed between chunks: the partial staging file
// is removed and the entry reverts to Unknown. On I/O error the entry also
// reverts to Unknown, never Stale.
func (s *Syncer) Prepare(ctx context.Context, desc dfs.Descriptor, path string, t *task.Task) error {
	pool := s.registry.EnsurePool(desc, s.client)
	sc, err := pool.Acquire(ctx)
	if err != nil {
		s.registry.Publish(desc, path, registry.EntryUnknown, 0)
		return err
	}

	err = s.download(ctx, sc.Conn(), desc, path, t)
	if errors.IsCode(err, errors.ErrCodeNotFound) ||
		errors.IsCode(err, errors.ErrCodeCanceled) ||
		errors.IsCode(err, errors.ErrCodeLocalIO) {
		sc.Release(nil)
	} else {
		sc.Release(err)
	}
	return err
}

func (s *Syncer) download(ctx context.Context, conn dfs.Conn, desc dfs.Descriptor, path string, t *task.Task) (err error) {
	fail := func(e error) error {
		s.registry.Publish(desc, path, registry.EntryUnknown, 0)
		return e
	}

	info, err := s.statRemote(ctx, conn, path)
	if err != nil {
		return fail(err)
	}
	t.SetTotal(info.Size)
	t.SetPhase(types.PhaseDownloading)
	s.registry.SetExpected(desc, path, info.Size)

	remote, err := conn.Open(ctx, path)
	if err != nil {
		return fail(errors.Wrap(errors.ErrCodeRemote, "open failed", err).
			WithComponent("transfer").WithOperation("prepare").WithPath(path))
	}
	defer func() { _ = remote.Close() }()

	localPath := s.registry.LocalPath(desc, path)
	stagingPath := localPath + ".staging." + uuid.NewString()
	local, err := os.Create(stagingPath)
	if err != nil {
		return fail(errors.Wrap(errors.ErrCodeLocalIO, "staging create failed", err).
			WithComponent("transfer").WithOperation("prepare").WithPath(path))
	}

	discard := func(e error) error {
		_ = local.Close()
		_ = os.Remove(stagingPath)
		return fail(e)
	}

	var written int64
	buf := make([]byte, s.cfg.ChunkSize)
	for {
		if t.Canceled() || ctx.Err() != nil {
			s.logger.Info("download canceled",
				zap.String("path", path), zap.Int64("bytes_done", written))
			return discard(errors.New(errors.ErrCodeCanceled, "download canceled").
				WithComponent("transfer").WithOperation("prepare").WithPath(path))
		}

		n, rerr := remote.Read(buf)
		if n > 0 {
			if _, werr := local.Write(buf[:n]); werr != nil {
				return discard(errors.Wrap(errors.ErrCodeLocalIO, "staging write failed", werr).
					WithComponent("transfer").WithOperation("prepare").WithPath(path))
			}
			written += int64(n)
			t.AddBytes(int64(n))
			s.metrics.BytesDownloaded(int64(n))
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return discard(errors.Wrap(errors.ErrCodeRemote, "remote read failed", rerr).
				WithComponent("transfer").WithOperation("prepare").WithPath(path))
		}
	}

	if err := local.Close(); err != nil {
		_ = os.Remove(stagingPath)
		return fail(errors.Wrap(errors.ErrCodeLocalIO, "staging close failed", err).
			WithComponent("transfer").WithOperation("prepare").WithPath(path))
	}
	if err := os.Rename(stagingPath, localPath); err != nil {
		_ = os.Remove(stagingPath)
		return fail(errors.Wrap(errors.ErrCodeLocalIO, "staging rename failed", err).
			WithComponent("transfer").WithOperation("prepare").WithPath(path))
	}

	s.registry.Publish(desc, path, registry.EntryLocal, written)
	s.logger.Info("file materialized",
		zap.String("fs", desc.Key()), zap.String("path", path), zap.Int64("bytes", written))
	return nil
}

// CancelTask sets the task's cancellation flag. With async false the call
// blocks until the task is observed terminal.
func (s *Syncer) CancelTask(t *task.Task, async bool) {
	t.Cancel()
	if !async {
		<-t.Done()
	}
}

// ValidateLocalCache re-checks every Local entry against the local file and
// the remote size, marking mismatches Stale. It reports whether the cache
// was fully valid.
func (s *Syncer) ValidateLocalCache(ctx context.Context) (bool, error) {
	entries := s.registry.LocalEntries()
	if len(entries) == 0 {
		return true, nil
	}

	var stale atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	limit := s.cfg.ValidateParallel
	if limit <= 0 {
		limit = 1
	}
	g.SetLimit(limit)

	for _, entry := range entries {
		g.Go(func() error {
			ok, err := s.validateEntry(gctx, entry)
			if err != nil {
				return err
			}
			if !ok {
				s.registry.MarkStale(entry.Descriptor, entry.Path)
				stale.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}
	return stale.Load() == 0, nil
}

func (s *Syncer) validateEntry(ctx context.Context, entry registry.EntryInfo) (bool, error) {
	localInfo, err := os.Stat(s.registry.LocalPath(entry.Descriptor, entry.Path))
	if err != nil || localInfo.Size() != entry.ExpectedBytes {
		return false, nil
	}

	pool := s.registry.EnsurePool(entry.Descriptor, s.client)
	sc, err := pool.Acquire(ctx)
	if err != nil {
		return false, err
	}
	remoteInfo, err := s.statRemote(ctx, sc.Conn(), entry.Path)
	if errors.IsCode(err, errors.ErrCodeNotFound) {
		sc.Release(nil)
		return false, nil
	}
	sc.Release(err)
	if err != nil {
		return false, err
	}
	return remoteInfo.Size == localInfo.Size(), nil
}

// statRemote distinguishes a missing file from a transport failure.
func (s *Syncer) statRemote(ctx context.Context, conn dfs.Conn, path string) (dfs.FileInfo, error) {
	exists, err := conn.Exists(ctx, path)
	if err != nil {
		return dfs.FileInfo{}, errors.Wrap(errors.ErrCodeRemote, "exists check failed", err).
			WithComponent("transfer").WithPath(path)
	}
	if !exists {
		return dfs.FileInfo{}, errors.Newf(errors.ErrCodeNotFound, "remote file does not exist").
			WithComponent("transfer").WithPath(path)
	}
	info, err := conn.Stat(ctx, path)
	if err != nil {
		return dfs.FileInfo{}, errors.Wrap(errors.ErrCodeRemote, "stat failed", err).
			WithComponent("transfer").WithPath(path)
	}
	return info, nil
}
