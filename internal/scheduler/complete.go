package scheduler

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/polite-fetch/internal/crawler"
	"github.com/JakeFAU/polite-fetch/internal/metrics"
)

// Complete delivers req's terminal outcome: one OnSuccess or OnError, then
// OnDone, then Done. Panics in the handler are logged and never skip Done.
// Later calls for the same request are ignored.
func (s *Scheduler) Complete(ctx context.Context, req *crawler.Request, resp *crawler.Response, err error) {
	if !req.Finish() {
		s.logger.Error("request completed twice", zap.String("id", req.ID), zap.String("url", req.URL))
		return
	}
	defer s.Done(ctx, req)
	defer s.callback(req, "done", func() { req.Handler.OnDone(req) })

	if req.Kind == crawler.KindPage {
		metrics.ObserveRequest(outcomeLabel(resp, err))
	}
	if err != nil {
		s.callback(req, "error", func() { req.Handler.OnError(req, err) })
		return
	}
	s.callback(req, "success", func() { req.Handler.OnSuccess(req, resp) })
}

func (s *Scheduler) callback(req *crawler.Request, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("request callback panicked",
				zap.String("callback", name),
				zap.String("id", req.ID),
				zap.String("url", req.URL),
				zap.Error(fmt.Errorf("panic: %v", r)),
			)
		}
	}()
	fn()
}

func outcomeLabel(resp *crawler.Response, err error) string {
	switch {
	case err != nil:
		return "error"
	case resp != nil && resp.FromCache:
		return "cached"
	default:
		return "success"
	}
}
