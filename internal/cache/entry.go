package cache

import (
	"errors"
	"net/http"
	"time"

	"github.com/JakeFAU/polite-fetch/internal/crawler"
)

// Entry is one cached hop. A hop either forwards to another URL or is
// terminal; a terminal hop with Error set replays as a failure.
type Entry struct {
	URL      string      `json:"url"`
	Status   int         `json:"status"`
	Headers  http.Header `json:"headers,omitempty"`
	Body     []byte      `json:"body,omitempty"`
	Forward  string      `json:"forward,omitempty"`
	Error    string      `json:"error,omitempty"`
	StoredAt time.Time   `json:"stored_at"`
}

// IsForward reports whether the entry is a redirect hop.
func (e *Entry) IsForward() bool {
	return e.Forward != ""
}

// Err rebuilds the recorded failure, or nil for a successful entry.
func (e *Entry) Err() error {
	if e.Error == "" {
		return nil
	}
	if e.Status >= 400 {
		return &crawler.HTTPError{URL: e.URL, StatusCode: e.Status}
	}
	return errors.New(e.Error)
}

// Response rebuilds the recorded response.
func (e *Entry) Response() *crawler.Response {
	return &crawler.Response{
		URL:        e.URL,
		StatusCode: e.Status,
		Headers:    e.Headers.Clone(),
		Body:       append([]byte(nil), e.Body...),
		FromCache:  true,
	}
}

// Outcome converts the entry into the closed outcome set.
func (e *Entry) Outcome() crawler.Outcome {
	switch {
	case e.IsForward():
		return crawler.Redirect(e.Forward)
	case e.Error != "":
		return crawler.Failure(e.Err())
	default:
		return crawler.Success(e.Response())
	}
}
