// Package storage gives the pipeline access to uploaded recordings and
// written results in object storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"recording-pipeline/internal/config"
)

// ErrObjectNotFound is returned by Get when the key does not exist.
var ErrObjectNotFound = errors.New("object not found")

// Bucket is a flat key space of objects.
type Bucket interface {
	Exists(ctx context.Context, key string) (bool, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
	List(ctx context.Context, prefix string, limit int) ([]string, error)
}

// New picks the backend named by cfg.StorageBackend.
func New(ctx context.Context, cfg config.Config) (Bucket, error) {
	switch cfg.StorageBackend {
	case "local":
		return NewLocal(cfg.LocalStorageDir), nil
	case "s3":
		return NewS3(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

// CleanKey normalises a key and rejects ones that escape the bucket root.
func CleanKey(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", errors.New("empty key")
	}
	cleaned := path.Clean("/" + strings.ReplaceAll(key, "\\", "/"))
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" || cleaned == "." {
		return "", fmt.Errorf("invalid key %q", key)
	}
	if strings.Contains(key, "..") {
		return "", fmt.Errorf("key %q must not contain ..", key)
	}
	return cleaned, nil
}
