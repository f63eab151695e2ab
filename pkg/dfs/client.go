package dfs

import (
	"context"
	"time"
)

// Client is the boundary to a remote DFS client SDK. Implementations wrap a
// concrete SDK (HDFS, S3, ...) and are chosen by descriptor scheme.
type Client interface {
	// Connect opens a new session against the remote filesystem the
	// descriptor identifies.
	Connect(ctx context.Context, desc Descriptor) (Conn, error)
}

// Conn is one established session with a remote filesystem. A Conn is not
// safe for concurrent use; the connection pool hands it to one borrower at
// a time.
type Conn interface {
	// Open opens an existing remote file for reading.
	Open(ctx context.Context, path string) (File, error)

	// Create opens a remote file for writing, truncating if present.
	Create(ctx context.Context, path string) (File, error)

	// Stat returns metadata for the given remote path.
	Stat(ctx context.Context, path string) (FileInfo, error)

	// Exists reports whether the remote path exists.
	Exists(ctx context.Context, path string) (bool, error)

	// Delete removes the remote path.
	Delete(ctx context.Context, path string, recursive bool) error

	// Rename moves a remote file within the filesystem.
	Rename(ctx context.Context, oldPath, newPath string) error

	// Close tears down the session.
	Close() error
}

// File is an open remote file stream.
type File interface {
	// Read reads from the current offset.
	Read(p []byte) (int, error)

	// Pread reads from the given offset without moving the stream position.
	Pread(offset int64, p []byte) (int, error)

	// Write appends to the stream. Valid only for files opened with Create.
	Write(p []byte) (int, error)

	// Seek moves the stream position. Valid only for read streams.
	Seek(offset int64) error

	// Tell returns the current stream position.
	Tell() (int64, error)

	// Close releases the stream.
	Close() error
}

// FileInfo is remote file metadata.
type FileInfo struct {
	Path        string    `json:"path"`
	Size        int64     `json:"size"`
	ModTime     time.Time `json:"mod_time"`
	BlockSize   int64     `json:"block_size"`
	Replication int       `json:"replication"`
	IsDir       bool      `json:"is_dir"`
}
