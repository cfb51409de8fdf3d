// Package storage defines the byte-oriented key/value store behind the
// response cache. Keys are slash-separated relative paths.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Read when no object exists for a key.
var ErrNotFound = errors.New("storage: object not found")

// Provider is a persistent blob store. Write must be atomic: readers see the
// old object or the new one, never a partial write.
type Provider interface {
	Exists(ctx context.Context, key string) (bool, error)
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, data []byte) error
}
