package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/platinummonkey/fleetwise/pkg/config"
)

// ErrNotFound is returned when no blob exists under a key.
var ErrNotFound = errors.New("blob not found")

// Blobs stores opaque document content by key.
type Blobs interface {
	Put(ctx context.Context, key string, content io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	HealthCheck(ctx context.Context) error
}

// Open creates the backend selected by cfg.Type.
func Open(ctx context.Context, cfg config.StorageConfig) (Blobs, error) {
	switch cfg.Type {
	case "filesystem", "":
		return NewFileSystem(cfg.FilesystemRoot)
	case "s3":
		return NewS3(ctx, S3Config{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			PathStyle: cfg.S3PathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}
