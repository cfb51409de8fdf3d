package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTransient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", fmt.Errorf("fetch: %w", context.DeadlineExceeded), true},
		{"canceled", context.Canceled, false},
		{"connection refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
		{"connection reset", syscall.ECONNRESET, true},
		{"net timeout", timeoutErr{}, true},
		{"wrapped transient", &TransientError{URL: "http://a", Err: errors.New("boom")}, true},
		{"server error", &HTTPError{URL: "http://a", StatusCode: http.StatusBadGateway}, true},
		{"too many requests", &HTTPError{URL: "http://a", StatusCode: http.StatusTooManyRequests}, true},
		{"not found", &HTTPError{URL: "http://a", StatusCode: http.StatusNotFound}, false},
		{"disallowed", ErrDisallowed, false},
		{"preempted", fmt.Errorf("attempt: %w", ErrPreempted), false},
		{"redirects", ErrTooManyRedirects, false},
		{"other", errors.New("parse failure"), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, IsTransient(tc.err))
		})
	}
}
