package exports

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// Sink receives finished archives.
type Sink interface {
	Put(ctx context.Context, key string, archive []byte) error
}

// DirSink writes archives below a local directory.
type DirSink struct {
	root string
}

// NewDirSink creates root if needed and returns a sink writing into it.
func NewDirSink(root string) (*DirSink, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("exports: local path is required")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("exports: create %s: %w", root, err)
	}
	return &DirSink{root: root}, nil
}

func (d *DirSink) Put(_ context.Context, key string, archive []byte) error {
	cleaned := filepath.Clean(filepath.FromSlash(key))
	if cleaned == "." || filepath.IsAbs(cleaned) || strings.HasPrefix(cleaned, "..") {
		return fmt.Errorf("exports: invalid archive key %q", key)
	}
	target := filepath.Join(d.root, cleaned)
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return fmt.Errorf("exports: create archive directory: %w", err)
	}
	if err := os.WriteFile(target, archive, 0o600); err != nil {
		return fmt.Errorf("exports: write archive: %w", err)
	}
	return nil
}

// GCSConfig configures a Cloud Storage sink. Endpoint targets an emulator
// and disables authentication.
type GCSConfig struct {
	Bucket   string
	Endpoint string
	Logger   *zap.Logger
}

// GCSSink uploads archives to a Cloud Storage bucket.
type GCSSink struct {
	client *storage.Client
	bucket string
	logger *zap.Logger
}

// NewGCSSink opens a storage client for cfg.Bucket.
func NewGCSSink(ctx context.Context, cfg GCSConfig) (*GCSSink, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, errors.New("exports: bucket is required")
	}
	var opts []option.ClientOption
	if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint), option.WithoutAuthentication())
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("exports: create storage client: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GCSSink{client: client, bucket: bucket, logger: logger}, nil
}

func (g *GCSSink) Put(ctx context.Context, key string, archive []byte) error {
	err := retry.Do(
		func() error {
			w := g.client.Bucket(g.bucket).Object(key).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(archive); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					g.logger.Warn("close archive writer after error", zap.Error(closeErr))
				}
				return fmt.Errorf("write archive: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close archive writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			g.logger.Info("retrying archive upload", zap.Uint("attempt", n), zap.String("key", key), zap.Error(retryErr))
		}),
	)
	if err != nil {
		return fmt.Errorf("exports: upload after retries: %w", err)
	}
	g.logger.Info("archive uploaded", zap.String("bucket", g.bucket), zap.String("key", key))
	return nil
}

// Close releases the storage client.
func (g *GCSSink) Close() error {
	return g.client.Close()
}
