// Package blob writes exported tables to a destination: a local directory
// or an S3-compatible bucket.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

// Driver identifies a destination backend.
type Driver string

// Supported drivers.
const (
	DriverFilesystem Driver = "fs"
	DriverS3         Driver = "s3"
)

// Info describes a stored object.
type Info struct {
	Key         string `json:"key"`
	Size        int64  `json:"size_bytes"`
	ContentType string `json:"content_type,omitempty"`
	ETag        string `json:"etag,omitempty"`
}

// Store is the subset of object storage the exporter needs. Put replaces an
// existing object.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, contentType string) (Info, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Driver() Driver
}

// ErrInvalidKey is returned for keys that are empty or escape the store root.
var ErrInvalidKey = errors.New("invalid blob key")

const s3Scheme = "s3://"

// Open resolves dest to a store and the key inside it. dest is either
// s3://bucket/key or a filesystem path; for paths the store is rooted at the
// parent directory.
func Open(ctx context.Context, dest string, s3cfg S3Config) (Store, string, error) {
	if rest, ok := strings.CutPrefix(dest, s3Scheme); ok {
		bucket, key, _ := strings.Cut(rest, "/")
		if bucket == "" || key == "" {
			return nil, "", fmt.Errorf("destination %q: want s3://bucket/key: %w", dest, ErrInvalidKey)
		}
		s3cfg.Bucket = bucket
		st, err := NewS3(ctx, s3cfg)
		if err != nil {
			return nil, "", err
		}
		return st, key, nil
	}

	abs, err := filepath.Abs(dest)
	if err != nil {
		return nil, "", fmt.Errorf("destination %q: %w", dest, err)
	}
	st, err := NewFilesystem(filepath.Dir(abs))
	if err != nil {
		return nil, "", err
	}
	return st, filepath.Base(abs), nil
}
