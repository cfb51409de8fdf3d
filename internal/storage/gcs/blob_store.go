// Package gcs provides a cache storage provider backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"

	pfstorage "github.com/JakeFAU/polite-fetch/internal/storage"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	// Prefix is prepended to every object name.
	Prefix string
}

// BlobStore stores cache objects in a configured GCS bucket. Object writes
// are atomic on the service side.
type BlobStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// Exists implements storage.Provider.
func (s *BlobStore) Exists(ctx context.Context, key string) (bool, error) {
	obj, err := s.object(key)
	if err != nil {
		return false, err
	}
	if _, err := obj.Attrs(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat object: %w", err)
	}
	return true, nil
}

// Read implements storage.Provider.
func (s *BlobStore) Read(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.object(key)
	if err != nil {
		return nil, err
	}
	r, err := obj.NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, pfstorage.ErrNotFound
		}
		return nil, fmt.Errorf("open object: %w", err)
	}
	data, err := io.ReadAll(r)
	closeErr := r.Close()
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("close reader: %w", closeErr)
	}
	return data, nil
}

// Write implements storage.Provider.
func (s *BlobStore) Write(ctx context.Context, key string, data []byte) error {
	obj, err := s.object(key)
	if err != nil {
		return err
	}
	writer := obj.NewWriter(ctx)
	writer.ContentType = "application/json"
	if _, err := writer.Write(data); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return fmt.Errorf("write object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("write object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

// URI returns the gs:// location of key.
func (s *BlobStore) URI(key string) string {
	return fmt.Sprintf("gs://%s/%s", s.bucket, s.name(key))
}

func (s *BlobStore) object(key string) (*storage.ObjectHandle, error) {
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("path is required")
	}
	return s.client.Bucket(s.bucket).Object(s.name(key)), nil
}

func (s *BlobStore) name(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}
