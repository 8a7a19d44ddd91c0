// Package storage binds the object-store capability: frame blobs,
// annotated saved actions and embedding records, all under
// deterministic keys in one bucket. Frames expire by lifecycle rule;
// nothing in the pipeline depends on explicit deletion.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/lifecycle"
	"github.com/rs/zerolog"
)

// ErrNotFound reports a missing object key.
var ErrNotFound = errors.New("object not found")

// Config wires one bucket on one endpoint.
type Config struct {
	Endpoint       string
	AccessKey      string
	SecretKey      string
	UseSSL         bool
	Bucket         string
	Provider       string
	Timeout        time.Duration
	RetentionHours int
}

// Client wraps the object store with per-op timeouts and key helpers.
type Client struct {
	mc       *minio.Client
	bucket   string
	provider string
	timeout  time.Duration
	logger   zerolog.Logger
}

// New connects to the object store.
func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("storage bucket is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Provider == "" {
		cfg.Provider = "minio"
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("storage client: %w", err)
	}

	return &Client{
		mc:       mc,
		bucket:   cfg.Bucket,
		provider: cfg.Provider,
		timeout:  cfg.Timeout,
		logger:   logger.With().Str("component", "storage").Str("bucket", cfg.Bucket).Logger(),
	}, nil
}

// Bucket returns the configured bucket name.
func (c *Client) Bucket() string { return c.bucket }

// Provider returns the configured provider label carried on envelopes.
func (c *Client) Provider() string { return c.provider }

// EnsureBucket creates the bucket if absent and installs the lifecycle
// rule expiring the frames/ prefix after the configured retention.
func (c *Client) EnsureBucket(ctx context.Context, retentionHours int) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	exists, err := c.mc.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("bucket exists %s: %w", c.bucket, err)
	}
	if !exists {
		if err := c.mc.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("make bucket %s: %w", c.bucket, err)
		}
		c.logger.Info().Msg("Bucket created")
	}

	days := (retentionHours + 23) / 24
	if days < 1 {
		days = 1
	}
	lc := lifecycle.NewConfiguration()
	lc.Rules = []lifecycle.Rule{
		{
			ID:         "expire-frames",
			Status:     "Enabled",
			RuleFilter: lifecycle.Filter{Prefix: FramePrefix},
			Expiration: lifecycle.Expiration{Days: lifecycle.ExpirationDays(days)},
		},
	}
	if err := c.mc.SetBucketLifecycle(ctx, c.bucket, lc); err != nil {
		// Lifecycle is retention housekeeping; a store that rejects the
		// rule (old MinIO, plain S3 clones) must not block startup.
		c.logger.Warn().Err(err).Msg("Could not install frame lifecycle rule")
	}
	return nil
}

// Put writes bytes under key.
func (c *Client) Put(ctx context.Context, key string, data []byte, contentType string) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := c.mc.PutObject(ctx, c.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	observeOp("put", start, err)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Get reads the full object at key. Missing keys return ErrNotFound.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	start := time.Now()
	obj, err := c.mc.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		observeOp("get", start, err)
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	observeOp("get", start, err)
	if err != nil {
		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" {
			return nil, fmt.Errorf("get %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return data, nil
}

// List returns the keys under prefix.
func (c *Client) List(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	start := time.Now()
	var keys []string
	for obj := range c.mc.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			observeOp("list", start, obj.Err)
			return nil, fmt.Errorf("list %s: %w", prefix, obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	observeOp("list", start, nil)
	return keys, nil
}

// Delete removes the object at key. Removing a missing key is not an
// error.
func (c *Client) Delete(ctx context.Context, key string) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	start := time.Now()
	err := c.mc.RemoveObject(ctx, c.bucket, key, minio.RemoveObjectOptions{})
	observeOp("delete", start, err)
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Live reports whether the endpoint answers; used by health collectors.
func (c *Client) Live(ctx context.Context) bool {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	_, err := c.mc.ListBuckets(ctx)
	return err == nil
}

// ListBuckets names every bucket on the endpoint with creation time.
func (c *Client) ListBuckets(ctx context.Context) ([]minio.BucketInfo, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	infos, err := c.mc.ListBuckets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}
	return infos, nil
}

// Endpoint returns the endpoint URL string.
func (c *Client) Endpoint() string {
	return c.mc.EndpointURL().String()
}

func (c *Client) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}
