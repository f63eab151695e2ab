// Package s3 implements the dfs client boundary over Amazon S3 and
// S3-compatible object stores. A descriptor with scheme "s3" maps its Host
// to the bucket name. Static credentials come from the client configuration
// when AccessKeyID is set, otherwise from the SDK's default chain; the
// descriptor's CredentialsRef is not consulted.
package s3

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/dfscache/dfscache/pkg/dfs"
)

// Config represents S3 client configuration
type Config struct {
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
	MaxRetries      int    `yaml:"max_retries"`
}

// Client implements dfs.Client over the AWS SDK.
type Client struct {
	cfg Config
}

// NewClient creates an S3-backed DFS client.
func NewClient(cfg Config) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Client{cfg: cfg}
}

// Connect builds an SDK client for the descriptor's bucket and verifies it
// is reachable.
func (c *Client) Connect(ctx context.Context, desc dfs.Descriptor) (dfs.Conn, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(c.cfg.Region),
		awsconfig.WithRetryMaxAttempts(c.cfg.MaxRetries),
	}
	if c.cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				c.cfg.AccessKeyID, c.cfg.SecretAccessKey, c.cfg.SessionToken)))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if c.cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(c.cfg.Endpoint)
		}
		if c.cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	bucket := desc.Host
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return nil, fmt.Errorf("bucket %q not reachable: %w", bucket, err)
	}

	return &conn{client: client, bucket: bucket}, nil
}

type conn struct {
	client *s3.Client
	bucket string
}

func (c *conn) Open(ctx context.Context, path string) (dfs.File, error) {
	info, err := c.Stat(ctx, path)
	if err != nil {
		return nil, err
	}
	return &readFile{conn: c, key: path, size: info.Size}, nil
}

func (c *conn) Create(ctx context.Context, path string) (dfs.File, error) {
	return &writeFile{conn: c, key: path}, nil
}

func (c *conn) Stat(ctx context.Context, path string) (dfs.FileInfo, error) {
	head, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		return dfs.FileInfo{}, err
	}
	info := dfs.FileInfo{Path: path, Size: aws.ToInt64(head.ContentLength)}
	if head.LastModified != nil {
		info.ModTime = *head.LastModified
	}
	return info, nil
}

func (c *conn) Exists(ctx context.Context, path string) (bool, error) {
	_, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *conn) Delete(ctx context.Context, path string, recursive bool) error {
	_, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(path),
	})
	return err
}

func (c *conn) Rename(ctx context.Context, oldPath, newPath string) error {
	_, err := c.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(c.bucket),
		CopySource: aws.String(c.bucket + "/" + oldPath),
		Key:        aws.String(newPath),
	})
	if err != nil {
		return err
	}
	_, err = c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(oldPath),
	})
	return err
}

func (c *conn) Close() error {
	// The SDK client holds no resources needing teardown.
	return nil
}

// readFile streams an object. Sequential reads share one ranged GET body;
// Seek drops the body and the next Read reopens from the new offset.
type readFile struct {
	conn   *conn
	key    string
	size   int64
	offset int64
	body   io.ReadCloser
}

func (f *readFile) Read(p []byte) (int, error) {
	if f.offset >= f.size {
		return 0, io.EOF
	}
	if f.body == nil {
		out, err := f.conn.client.GetObject(context.Background(), &s3.GetObjectInput{
			Bucket: aws.String(f.conn.bucket),
			Key:    aws.String(f.key),
			Range:  aws.String(fmt.Sprintf("bytes=%d-", f.offset)),
		})
		if err != nil {
			return 0, err
		}
		f.body = out.Body
	}
	n, err := f.body.Read(p)
	f.offset += int64(n)
	if err == io.EOF && f.offset < f.size {
		// Body ended early; reopen on next read.
		_ = f.body.Close()
		f.body = nil
		err = nil
	}
	return n, err
}

func (f *readFile) Pread(offset int64, p []byte) (int, error) {
	end := offset + int64(len(p)) - 1
	out, err := f.conn.client.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(f.conn.bucket),
		Key:    aws.String(f.key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", offset, end)),
	})
	if err != nil {
		return 0, err
	}
	defer func() { _ = out.Body.Close() }()
	return io.ReadFull(out.Body, p[:min64(int64(len(p)), f.size-offset)])
}

func (f *readFile) Write(p []byte) (int, error) {
	return 0, fmt.Errorf("file %q opened read-only", f.key)
}

func (f *readFile) Seek(offset int64) error {
	if f.body != nil {
		_ = f.body.Close()
		f.body = nil
	}
	f.offset = offset
	return nil
}

func (f *readFile) Tell() (int64, error) {
	return f.offset, nil
}

func (f *readFile) Close() error {
	if f.body != nil {
		return f.body.Close()
	}
	return nil
}

// writeFile buffers writes and uploads the object on Close.
type writeFile struct {
	conn *conn
	key  string
	buf  bytes.Buffer
}

func (f *writeFile) Write(p []byte) (int, error) {
	return f.buf.Write(p)
}

func (f *writeFile) Read(p []byte) (int, error) {
	return 0, fmt.Errorf("file %q opened write-only", f.key)
}

func (f *writeFile) Pread(offset int64, p []byte) (int, error) {
	return 0, fmt.Errorf("file %q opened write-only", f.key)
}

func (f *writeFile) Seek(offset int64) error {
	return fmt.Errorf("file %q opened write-only", f.key)
}

func (f *writeFile) Tell() (int64, error) {
	return int64(f.buf.Len()), nil
}

func (f *writeFile) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	_, err := f.conn.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(f.conn.bucket),
		Key:    aws.String(f.key),
		Body:   bytes.NewReader(f.buf.Bytes()),
	})
	return err
}

func isNotFound(err error) bool {
	var notFound *s3types.NotFound
	if stderrors.As(err, &notFound) {
		return true
	}
	var noSuchKey *s3types.NoSuchKey
	return stderrors.As(err, &noSuchKey)
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
