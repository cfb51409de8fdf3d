package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
)

var (
	// ErrDisallowed marks a request rejected by the host's robots policy.
	ErrDisallowed = errors.New("disallowed by robots policy")
	// ErrBlocked marks a request to a host on the configured blocklist. It
	// matches ErrDisallowed.
	ErrBlocked = fmt.Errorf("%w: host is blocklisted", ErrDisallowed)
	// ErrPreempted marks a request aborted by its handler before completion.
	ErrPreempted = errors.New("request preempted")
	// ErrTooManyRedirects is returned when a redirect chain exceeds its limit.
	ErrTooManyRedirects = errors.New("too many redirects")
)

// HTTPError is a completed response with a non-2xx status.
type HTTPError struct {
	URL        string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s: http status %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// Retryable reports whether the status is worth another attempt.
func (e *HTTPError) Retryable() bool {
	switch {
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 500:
		return true
	default:
		return false
	}
}

// TransientError wraps a network failure eligible for retry.
type TransientError struct {
	URL string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient network error: %v", e.URL, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RobotsFetchError records a robots fetch that failed without a usable status.
type RobotsFetchError struct {
	Host string
	Err  error
}

func (e *RobotsFetchError) Error() string {
	return fmt.Sprintf("robots fetch for %s failed: %v", e.Host, e.Err)
}

func (e *RobotsFetchError) Unwrap() error { return e.Err }

// CacheCorruptionError reports an unreadable or unparseable cache entry.
type CacheCorruptionError struct {
	URL string
	Key string
	Err error
}

func (e *CacheCorruptionError) Error() string {
	return fmt.Sprintf("cache entry %s for %s is corrupt: %v", e.Key, e.URL, e.Err)
}

func (e *CacheCorruptionError) Unwrap() error { return e.Err }

// IsTransient decides whether err may succeed on a later attempt.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPreempted) || errors.Is(err, ErrDisallowed) || errors.Is(err, ErrTooManyRedirects) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Retryable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
