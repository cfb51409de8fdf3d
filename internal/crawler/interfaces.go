package crawler

import (
	"context"
	"time"
)

// Network performs one fetch, following redirects, and reports each hop to
// hooks. A non-2xx final status returns the response together with an
// *HTTPError.
type Network interface {
	Fetch(ctx context.Context, req FetchRequest, hooks FetchHooks) (*Response, error)
}

// Hasher computes digests for cache keys.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Timer is a pending callback armed by a Clock.
type Timer interface {
	Stop() bool
}

// Clock returns the current time and arms timers (swappable in tests).
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// IDGenerator produces request and admission identities.
type IDGenerator interface {
	NewID() (string, error)
}
