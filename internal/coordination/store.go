// Package coordination defines the shared store that lets several scheduler
// processes agree on per-domain in-flight counts.
package coordination

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable wraps failures reaching the backing store.
var ErrUnavailable = errors.New("coordination store unavailable")

// Store is a set-with-expiry primitive shared across processes. Members whose
// expiry has passed are logically gone and are purged lazily.
type Store interface {
	AddWithExpiry(ctx context.Context, setKey, member string, expireAt time.Time) error
	Remove(ctx context.Context, setKey, member string) error
	PurgeExpired(ctx context.Context, setKey string, now time.Time) error
	Cardinality(ctx context.Context, setKey string) (int, error)
	// AddIfBelow purges expired members, then adds member only while the set
	// holds fewer than limit members, as one atomic step.
	AddIfBelow(ctx context.Context, setKey, member string, expireAt, now time.Time, limit int) (bool, error)
	Close() error
}
