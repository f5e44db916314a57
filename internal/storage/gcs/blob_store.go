// Package gcs provides a BlobStore backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

var (
	// ErrClientRequired is returned by New without a storage client.
	ErrClientRequired = errors.New("storage client is required")
	// ErrBucketRequired is returned by New without a bucket name.
	ErrBucketRequired = errors.New("bucket name is required")
)

// Config captures the parameters required to write to GCS.
type Config struct {
	Bucket string
	// Metadata is attached to every uploaded object.
	Metadata map[string]string
}

// BlobStore writes artifacts to a configured GCS bucket.
type BlobStore struct {
	client   *storage.Client
	bucket   string
	metadata map[string]string
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, ErrClientRequired
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, ErrBucketRequired
	}
	return &BlobStore{
		client:   client,
		bucket:   cfg.Bucket,
		metadata: cfg.Metadata,
	}, nil
}

// PutObject uploads data to the configured bucket and returns a gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	writer := s.client.Bucket(s.bucket).Object(path).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if len(s.metadata) > 0 {
		writer.Metadata = s.metadata
	}
	if _, err := io.Copy(writer, r); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, path), nil
}
