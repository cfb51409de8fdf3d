// Package publisher reports finished requests to an outbound channel such as
// a Pub/Sub topic.
package publisher

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/polite-fetch/internal/crawler"
)

// Publisher sends one payload to topic and returns the broker's message id.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Result is the payload published for each finished request.
type Result struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	FinalURL   string    `json:"final_url,omitempty"`
	StatusCode int       `json:"status_code,omitempty"`
	Bytes      int       `json:"bytes"`
	Cached     bool      `json:"cached"`
	Retries    int       `json:"retries"`
	Disallowed bool      `json:"disallowed,omitempty"`
	Error      string    `json:"error,omitempty"`
	Finished   time.Time `json:"finished"`
}

// NewResult summarizes a terminal outcome.
func NewResult(req *crawler.Request, resp *crawler.Response, err error, finished time.Time) Result {
	r := Result{
		ID:       req.ID,
		URL:      req.URL,
		Cached:   req.Cached,
		Retries:  req.RetryCount,
		Finished: finished.UTC(),
	}
	if resp != nil {
		r.FinalURL = resp.URL
		r.StatusCode = resp.StatusCode
		r.Bytes = len(resp.Body)
	}
	if err != nil {
		r.Error = err.Error()
		r.Disallowed = errors.Is(err, crawler.ErrDisallowed)
		var httpErr *crawler.HTTPError
		if errors.As(err, &httpErr) {
			r.StatusCode = httpErr.StatusCode
		}
	}
	return r
}

// Handler returns a crawler.Handler that publishes the outcome of each
// request to topic and then delegates to next, which may be nil.
func Handler(
	ctx context.Context,
	pub Publisher,
	topic string,
	clock crawler.Clock,
	next crawler.Handler,
	logger *zap.Logger,
) crawler.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if next == nil {
		next = crawler.HandlerFuncs{}
	}
	publish := func(req *crawler.Request, resp *crawler.Response, err error) {
		id, pubErr := pub.Publish(ctx, topic, NewResult(req, resp, err, clock.Now()))
		if pubErr != nil {
			logger.Error("publish result failed", zap.String("url", req.URL), zap.Error(pubErr))
			return
		}
		logger.Debug("result published", zap.String("url", req.URL), zap.String("message_id", id))
	}
	return crawler.HandlerFuncs{
		Status:   next.OnStatus,
		Header:   next.OnHeaders,
		Redirect: next.OnRedirect,
		Success: func(req *crawler.Request, resp *crawler.Response) {
			publish(req, resp, nil)
			next.OnSuccess(req, resp)
		},
		Error: func(req *crawler.Request, err error) {
			publish(req, nil, err)
			next.OnError(req, err)
		},
		Done: next.OnDone,
	}
}
