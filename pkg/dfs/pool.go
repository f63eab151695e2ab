package dfs

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dfscache/dfscache/pkg/errors"
	"github.com/dfscache/dfscache/pkg/retry"
)

// PoolOptions tunes connection establishment.
type PoolOptions struct {
	ConnectTimeout time.Duration
	Retry          retry.Config
}

// Pool maintains the set of connections to one remote filesystem. The pool
// is elastic: acquisition never waits for a free connection, it opens a new
// one when none is available. Remote clients are heavy to construct but
// cheap to hold, so steady-state reuse matters more than a hard bound.
type Pool struct {
	mu         sync.Mutex
	descriptor Descriptor
	client     Client
	conns      []*Connection
	nextID     uint64
	closed     bool

	connectTimeout time.Duration
	retryer        *retry.Retryer
	logger         *zap.Logger

	stats PoolStats
}

// PoolStats tracks connection pool statistics
type PoolStats struct {
	Free        int       `json:"free"`
	Busy        int       `json:"busy"`
	Total       int       `json:"total"`
	Hits        int64     `json:"hits"`
	Misses      int64     `json:"misses"`
	Created     int64     `json:"created"`
	Evicted     int64     `json:"evicted"`
	Errors      int64     `json:"errors"`
	LastCreated time.Time `json:"last_created"`
	LastError   string    `json:"last_error"`
	LastErrorAt time.Time `json:"last_error_at"`
}

// NewPool creates a connection pool for the given descriptor.
func NewPool(desc Descriptor, client Client, opts PoolOptions, logger *zap.Logger) *Pool {
	return &Pool{
		descriptor:     desc,
		client:         client,
		connectTimeout: opts.ConnectTimeout,
		retryer:        retry.New(opts.Retry),
		logger:         logger.Named("pool").With(zap.String("fs", desc.Key())),
	}
}

// Descriptor returns the remote filesystem this pool serves.
func (p *Pool) Descriptor() Descriptor { return p.descriptor }

// Acquire returns an exclusively held connection in BusyOK state. The first
// free initialized connection wins; otherwise a new one is opened. Error
// connections found during the scan are evicted.
func (p *Pool) Acquire(ctx context.Context) (*ScopedConnection, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.New(errors.ErrCodeShutdown, "connection pool is closed").
			WithComponent("pool").WithOperation("acquire")
	}

	p.sweepLocked()

	for _, c := range p.conns {
		if c.state == ConnFreeInitialized {
			c.state = ConnBusyOK
			p.stats.Hits++
			p.mu.Unlock()
			return &ScopedConnection{pool: p, conn: c}, nil
		}
	}
	p.stats.Misses++
	p.mu.Unlock()

	// Open outside the lock; connect is blocking I/O.
	conn, err := p.open(ctx)
	if err != nil {
		p.mu.Lock()
		p.stats.Errors++
		p.stats.LastError = err.Error()
		p.stats.LastErrorAt = time.Now()
		p.mu.Unlock()
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = conn.Close()
		return nil, errors.New(errors.ErrCodeShutdown, "connection pool is closed").
			WithComponent("pool").WithOperation("acquire")
	}
	p.nextID++
	c := &Connection{id: p.nextID, state: ConnBusyOK, conn: conn}
	p.conns = append(p.conns, c)
	p.stats.Created++
	p.stats.LastCreated = time.Now()
	p.mu.Unlock()

	p.logger.Debug("opened connection", zap.Uint64("conn_id", c.id))
	return &ScopedConnection{pool: p, conn: c}, nil
}

// Stats returns a snapshot of pool statistics.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := p.stats
	for _, c := range p.conns {
		switch c.state {
		case ConnFreeInitialized:
			stats.Free++
		case ConnBusyOK:
			stats.Busy++
		}
	}
	stats.Total = len(p.conns)
	return stats
}

// Close closes every connection and rejects further acquisition.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()

	for _, c := range conns {
		_ = c.conn.Close()
	}
	return nil
}

// sweepLocked drops error-state connections. Caller holds p.mu.
func (p *Pool) sweepLocked() {
	kept := p.conns[:0]
	for _, c := range p.conns {
		if c.state == ConnFreeError || c.state == ConnBusyError {
			_ = c.conn.Close()
			p.stats.Evicted++
			p.logger.Debug("evicted connection",
				zap.Uint64("conn_id", c.id), zap.String("state", c.state.String()))
			continue
		}
		kept = append(kept, c)
	}
	p.conns = kept
}

func (p *Pool) open(ctx context.Context) (Conn, error) {
	var conn Conn
	err := p.retryer.Do(ctx, func() error {
		cctx := ctx
		if p.connectTimeout > 0 {
			var cancel context.CancelFunc
			cctx, cancel = context.WithTimeout(ctx, p.connectTimeout)
			defer cancel()
		}
		c, err := p.client.Connect(cctx, p.descriptor)
		if err != nil {
			return errors.Wrap(errors.ErrCodeConnect, "connect failed", err).
				WithComponent("pool").WithOperation("connect")
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// ScopedConnection is an exclusively held connection with guaranteed
// single release. If the borrower reported no error, the connection returns
// to FreeInitialized for reuse; otherwise it moves to FreeError and is
// evicted at the next acquisition sweep.
type ScopedConnection struct {
	pool     *Pool
	conn     *Connection
	released sync.Once
}

// Conn exposes the borrowed SDK session.
func (s *ScopedConnection) Conn() Conn { return s.conn.conn }

// ID returns the pool-unique id of the borrowed connection.
func (s *ScopedConnection) ID() uint64 { return s.conn.id }

// Release returns the connection to the pool. Safe to call more than once;
// only the first call transitions state.
func (s *ScopedConnection) Release(opErr error) {
	s.released.Do(func() {
		s.pool.mu.Lock()
		defer s.pool.mu.Unlock()
		if opErr != nil {
			s.conn.state = ConnFreeError
			s.pool.stats.Errors++
			s.pool.stats.LastError = opErr.Error()
			s.pool.stats.LastErrorAt = time.Now()
		} else {
			s.conn.state = ConnFreeInitialized
		}
	})
}
