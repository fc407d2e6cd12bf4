package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"pkt.systems/pslog"

	"github.com/statevault/statevault/internal/loggingutil"
	"github.com/statevault/statevault/pool"
)

// MinioConn adapts a minio client to the pool.Conn contract. The pool owns
// the handle; Remote borrows it per operation.
type MinioConn struct {
	client *minio.Client
	bucket string
}

// Client exposes the underlying minio client.
func (c *MinioConn) Client() *minio.Client { return c.client }

// Ping verifies the bucket is reachable and exists.
func (c *MinioConn) Ping(ctx context.Context) error {
	exists, err := c.client.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("remote: ping bucket %s: %w", c.bucket, err)
	}
	if !exists {
		return fmt.Errorf("remote: bucket %s does not exist", c.bucket)
	}
	return nil
}

// Close satisfies pool.Conn; the minio client holds no closable resources.
func (c *MinioConn) Close() error { return nil }

// MinioDialer dials S3-compatible object stores for the pool.
type MinioDialer struct {
	// Bucket is probed by Ping and used by Remote for object storage.
	Bucket string
}

// Dial creates a minio client from cfg. Static credentials are used when
// cfg carries them, otherwise the ambient AWS/minio environment chain.
func (d MinioDialer) Dial(_ context.Context, cfg pool.Config) (pool.Conn, error) {
	var creds *credentials.Credentials
	if cfg.AccessKey != "" {
		creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	} else {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
		})
	}
	client, err := minio.New(cfg.Addr(), &minio.Options{
		Creds:        creds,
		Secure:       cfg.Secure,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, fmt.Errorf("remote: create client: %w", err)
	}
	return &MinioConn{client: client, bucket: d.Bucket}, nil
}

// RemoteOptions configures a pool-backed remote store.
type RemoteOptions struct {
	// Pool manages the connection lifecycle; required.
	Pool *pool.Manager
	// Name is the logical connection name, e.g. "s3_memory".
	Name string
	// Conn describes how to reach the store.
	Conn pool.Config
	// Bucket and Prefix locate this store's keys.
	Bucket string
	Prefix string
	Logger pslog.Logger
}

// Remote implements Store against an S3-compatible object store, one object
// per key. Every operation borrows a healthy handle from the pool, so
// transient connectivity failures are absorbed by reconnect scheduling.
type Remote struct {
	pool   *pool.Manager
	name   string
	cfg    pool.Config
	bucket string
	prefix string
	logger pslog.Logger
}

// NewRemote returns a remote store bound to a pooled connection name.
func NewRemote(opts RemoteOptions) (*Remote, error) {
	if opts.Pool == nil {
		return nil, fmt.Errorf("store: pool manager is required")
	}
	if opts.Name == "" {
		return nil, fmt.Errorf("store: empty connection name")
	}
	if opts.Bucket == "" {
		return nil, fmt.Errorf("store: empty bucket")
	}
	return &Remote{
		pool:   opts.Pool,
		name:   opts.Name,
		cfg:    opts.Conn,
		bucket: opts.Bucket,
		prefix: strings.Trim(opts.Prefix, "/"),
		logger: loggingutil.WithSubsystem(opts.Logger, "store.remote"),
	}, nil
}

func (s *Remote) conn(ctx context.Context) (*MinioConn, error) {
	handle, err := s.pool.Get(ctx, s.name, s.cfg)
	if err != nil {
		return nil, err
	}
	mc, ok := handle.(*MinioConn)
	if !ok {
		return nil, fmt.Errorf("store: connection %s is not an object store handle", s.name)
	}
	return mc, nil
}

func (s *Remote) object(key string) string {
	escaped := url.PathEscape(key)
	if s.prefix == "" {
		return escaped
	}
	return s.prefix + "/" + escaped
}

// Get downloads the value stored for key.
func (s *Remote) Get(ctx context.Context, key string) (json.RawMessage, error) {
	mc, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	obj, err := mc.client.GetObject(ctx, s.bucket, s.object(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("store: get %s: %w", key, err)
	}
	defer obj.Close()
	payload, err := io.ReadAll(obj)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: read %s: %w", key, err)
	}
	return payload, nil
}

// Set uploads value under key.
func (s *Remote) Set(ctx context.Context, key string, value json.RawMessage) error {
	mc, err := s.conn(ctx)
	if err != nil {
		return err
	}
	_, err = mc.client.PutObject(ctx, s.bucket, s.object(key),
		bytes.NewReader(value), int64(len(value)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("store: put %s: %w", key, err)
	}
	return nil
}

// Delete removes key; deleting an absent key is a no-op.
func (s *Remote) Delete(ctx context.Context, key string) error {
	mc, err := s.conn(ctx)
	if err != nil {
		return err
	}
	if err := mc.client.RemoveObject(ctx, s.bucket, s.object(key), minio.RemoveObjectOptions{}); err != nil && !isNotFound(err) {
		return fmt.Errorf("store: delete %s: %w", key, err)
	}
	return nil
}

// GetAll downloads the full key space under the store prefix.
func (s *Remote) GetAll(ctx context.Context) (map[string]json.RawMessage, error) {
	keys, err := s.listKeys(ctx)
	if err != nil {
		return nil, err
	}
	all := make(map[string]json.RawMessage, len(keys))
	for _, key := range keys {
		value, err := s.Get(ctx, key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		all[key] = value
	}
	return all, nil
}

// Clear removes every key under the store prefix.
func (s *Remote) Clear(ctx context.Context) error {
	keys, err := s.listKeys(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func (s *Remote) listKeys(ctx context.Context) ([]string, error) {
	mc, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	fullPrefix := ""
	if s.prefix != "" {
		fullPrefix = s.prefix + "/"
	}
	opts := minio.ListObjectsOptions{Prefix: fullPrefix, Recursive: true}
	var keys []string
	for object := range mc.client.ListObjects(ctx, s.bucket, opts) {
		if object.Err != nil {
			return nil, fmt.Errorf("store: list: %w", object.Err)
		}
		rel := strings.TrimPrefix(object.Key, fullPrefix)
		if rel == "" || strings.HasSuffix(rel, "/") {
			continue
		}
		key, err := url.PathUnescape(rel)
		if err != nil {
			s.logger.Warn("statevault.store.remote.skip_undecodable_key", "object", object.Key)
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode == http.StatusNotFound {
		return true
	}
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return true
	}
	return false
}
