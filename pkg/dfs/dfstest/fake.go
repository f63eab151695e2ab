// Package dfstest provides an in-memory dfs.Client implementation with
// failure and latency injection for tests.
package dfstest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dfscache/dfscache/pkg/dfs"
)

// FakeFS is an in-memory remote filesystem. All knobs are safe to adjust
// concurrently with use.
type FakeFS struct {
	mu        sync.Mutex
	files     map[string][]byte
	failReads map[string]int64 // path -> byte offset at which reads fail

	connectErr atomic.Value // error
	readDelay  atomic.Int64 // per-read delay in nanoseconds
	chunkSize  atomic.Int64 // max bytes served per Read call

	connects  atomic.Int64
	openCount atomic.Int64
}

// NewFakeFS creates an empty fake filesystem.
func NewFakeFS() *FakeFS {
	f := &FakeFS{
		files:     make(map[string][]byte),
		failReads: make(map[string]int64),
	}
	f.chunkSize.Store(64 * 1024)
	return f
}

// Put stores a remote file.
func (f *FakeFS) Put(path string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = append([]byte(nil), data...)
}

// Get returns a stored file's content.
func (f *FakeFS) Get(path string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[path]
	return data, ok
}

// SetConnectError makes every subsequent Connect fail.
func (f *FakeFS) SetConnectError(err error) {
	f.connectErr.Store(&errBox{err})
}

// SetReadDelay inserts a delay before every read chunk.
func (f *FakeFS) SetReadDelay(d time.Duration) {
	f.readDelay.Store(int64(d))
}

// SetChunkSize caps the bytes served per Read call.
func (f *FakeFS) SetChunkSize(n int64) {
	f.chunkSize.Store(n)
}

// FailReadsAt makes reads of path fail once the offset is reached.
func (f *FakeFS) FailReadsAt(path string, offset int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failReads[path] = offset
}

// Connects reports how many connections were opened.
func (f *FakeFS) Connects() int64 { return f.connects.Load() }

// Opens reports how many file opens were served.
func (f *FakeFS) Opens() int64 { return f.openCount.Load() }

// Client returns a dfs.Client backed by this filesystem.
func (f *FakeFS) Client() dfs.Client { return &fakeClient{fs: f} }

type errBox struct{ err error }

type fakeClient struct {
	fs *FakeFS
}

func (c *fakeClient) Connect(ctx context.Context, desc dfs.Descriptor) (dfs.Conn, error) {
	if box, ok := c.fs.connectErr.Load().(*errBox); ok && box.err != nil {
		return nil, box.err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.fs.connects.Add(1)
	return &fakeConn{fs: c.fs}, nil
}

type fakeConn struct {
	fs     *FakeFS
	closed atomic.Bool
}

func (c *fakeConn) Open(ctx context.Context, path string) (dfs.File, error) {
	c.fs.mu.Lock()
	data, ok := c.fs.files[path]
	failAt, failing := c.fs.failReads[path]
	c.fs.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no such file: %s", path)
	}
	c.fs.openCount.Add(1)
	file := &fakeReadFile{fs: c.fs, path: path, data: data, failAt: -1}
	if failing {
		file.failAt = failAt
	}
	return file, nil
}

func (c *fakeConn) Create(ctx context.Context, path string) (dfs.File, error) {
	return &fakeWriteFile{fs: c.fs, path: path}, nil
}

func (c *fakeConn) Stat(ctx context.Context, path string) (dfs.FileInfo, error) {
	c.fs.mu.Lock()
	data, ok := c.fs.files[path]
	c.fs.mu.Unlock()
	if !ok {
		return dfs.FileInfo{}, fmt.Errorf("no such file: %s", path)
	}
	return dfs.FileInfo{Path: path, Size: int64(len(data)), ModTime: time.Now()}, nil
}

func (c *fakeConn) Exists(ctx context.Context, path string) (bool, error) {
	c.fs.mu.Lock()
	_, ok := c.fs.files[path]
	c.fs.mu.Unlock()
	return ok, nil
}

func (c *fakeConn) Delete(ctx context.Context, path string, recursive bool) error {
	c.fs.mu.Lock()
	delete(c.fs.files, path)
	c.fs.mu.Unlock()
	return nil
}

func (c *fakeConn) Rename(ctx context.Context, oldPath, newPath string) error {
	c.fs.mu.Lock()
	defer c.fs.mu.Unlock()
	data, ok := c.fs.files[oldPath]
	if !ok {
		return fmt.Errorf("no such file: %s", oldPath)
	}
	c.fs.files[newPath] = data
	delete(c.fs.files, oldPath)
	return nil
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

type fakeReadFile struct {
	fs     *FakeFS
	path   string
	data   []byte
	offset int64
	failAt int64
}

func (f *fakeReadFile) Read(p []byte) (int, error) {
	if d := f.fs.readDelay.Load(); d > 0 {
		time.Sleep(time.Duration(d))
	}
	if f.failAt >= 0 && f.offset >= f.failAt {
		return 0, fmt.Errorf("injected read failure at offset %d", f.offset)
	}
	if f.offset >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := int64(len(p))
	if max := f.fs.chunkSize.Load(); n > max {
		n = max
	}
	if rest := int64(len(f.data)) - f.offset; n > rest {
		n = rest
	}
	if f.failAt >= 0 && f.offset+n > f.failAt {
		n = f.failAt - f.offset
	}
	copy(p, f.data[f.offset:f.offset+n])
	f.offset += n
	return int(n), nil
}

func (f *fakeReadFile) Pread(offset int64, p []byte) (int, error) {
	if offset >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data[offset:])
	return n, nil
}

func (f *fakeReadFile) Write(p []byte) (int, error) {
	return 0, fmt.Errorf("file %q opened read-only", f.path)
}

func (f *fakeReadFile) Seek(offset int64) error {
	f.offset = offset
	return nil
}

func (f *fakeReadFile) Tell() (int64, error) { return f.offset, nil }

func (f *fakeReadFile) Close() error { return nil }

type fakeWriteFile struct {
	fs   *FakeFS
	path string
	buf  bytes.Buffer
}

func (f *fakeWriteFile) Write(p []byte) (int, error) { return f.buf.Write(p) }

func (f *fakeWriteFile) Read(p []byte) (int, error) {
	return 0, fmt.Errorf("file %q opened write-only", f.path)
}

func (f *fakeWriteFile) Pread(offset int64, p []byte) (int, error) {
	return 0, fmt.Errorf("file %q opened write-only", f.path)
}

func (f *fakeWriteFile) Seek(offset int64) error {
	return fmt.Errorf("file %q opened write-only", f.path)
}

func (f *fakeWriteFile) Tell() (int64, error) { return int64(f.buf.Len()), nil }

func (f *fakeWriteFile) Close() error {
	f.fs.Put(f.path, f.buf.Bytes())
	return nil
}
