// Package pubsub feeds URLs received on a Google Cloud Pub/Sub subscription
// into the scheduler backlog.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/JakeFAU/polite-fetch/internal/crawler"
	"github.com/JakeFAU/polite-fetch/internal/metrics"
)

// Enqueuer accepts requests, blocking while downstream is saturated.
type Enqueuer interface {
	Enqueue(ctx context.Context, req *crawler.Request) error
}

// HandlerFactory builds the handler for a request created from a message.
type HandlerFactory func(ctx context.Context, req *crawler.Request) crawler.Handler

// Config controls message intake.
type Config struct {
	Defaults crawler.RequestDefaults
	// MaxOutstanding bounds unacknowledged messages held by the client.
	MaxOutstanding int
}

// Source receives one URL per message.
type Source struct {
	sub        *pubsub.Subscription
	enqueuer   Enqueuer
	newHandler HandlerFactory
	cfg        Config
	logger     *zap.Logger
}

// New creates a Source. newHandler may be nil.
func New(sub *pubsub.Subscription, enqueuer Enqueuer, newHandler HandlerFactory, cfg Config, logger *zap.Logger) *Source {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxOutstanding > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstanding
	}
	return &Source{
		sub:        sub,
		enqueuer:   enqueuer,
		newHandler: newHandler,
		cfg:        cfg,
		logger:     logger,
	}
}

// Run receives messages until ctx ends.
func (s *Source) Run(ctx context.Context) error {
	s.logger.Info("pubsub source started", zap.String("subscription", s.sub.String()))
	err := s.sub.Receive(ctx, s.handle)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("receive from %s: %w", s.sub.ID(), err)
	}
	return nil
}

func (s *Source) handle(ctx context.Context, msg *pubsub.Message) {
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(msg.Attributes))
	rawURL := strings.TrimSpace(string(msg.Data))
	req, err := crawler.NewRequest(rawURL, nil, s.cfg.Defaults)
	if err != nil {
		s.logger.Warn("invalid url in message", zap.String("message_id", msg.ID), zap.String("data", rawURL), zap.Error(err))
		metrics.ObserveSourceMessage("invalid")
		msg.Nack()
		return
	}
	if s.newHandler != nil {
		req.Handler = s.newHandler(ctx, req)
	}
	if err := s.enqueuer.Enqueue(ctx, req); err != nil && !errors.Is(err, crawler.ErrDisallowed) {
		s.logger.Error("enqueue from message failed", zap.String("message_id", msg.ID), zap.String("url", req.URL), zap.Error(err))
		metrics.ObserveSourceMessage("failed")
		msg.Nack()
		return
	}
	metrics.ObserveSourceMessage("accepted")
	msg.Ack()
}
