package pubsub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/polite-fetch/internal/crawler"
)

type recordingEnqueuer struct {
	mu   sync.Mutex
	reqs []*crawler.Request
	err  error
}

func (e *recordingEnqueuer) Enqueue(_ context.Context, req *crawler.Request) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.reqs = append(e.reqs, req)
	return nil
}

func (e *recordingEnqueuer) urls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.reqs))
	for _, r := range e.reqs {
		out = append(out, r.URL)
	}
	return out
}

type fixture struct {
	srv   *pstest.Server
	topic *pubsub.Topic
	sub   *pubsub.Subscription
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	client, err := pubsub.NewClient(ctx, "project-id",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(ctx, "urls")
	require.NoError(t, err)
	t.Cleanup(topic.Stop)
	sub, err := client.CreateSubscription(ctx, "urls-sub", pubsub.SubscriptionConfig{
		Topic:       topic,
		AckDeadline: 10 * time.Second,
	})
	require.NoError(t, err)
	return fixture{srv: srv, topic: topic, sub: sub}
}

func (f fixture) publish(t *testing.T, data string) string {
	t.Helper()
	id, err := f.topic.Publish(context.Background(), &pubsub.Message{Data: []byte(data)}).Get(context.Background())
	require.NoError(t, err)
	return id
}

func (f fixture) message(id string) *pstest.Message {
	return f.srv.Message(id)
}

func run(t *testing.T, src *Source) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("source did not stop")
		}
	})
	return cancel
}

func TestSourceEnqueuesAndAcks(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	enq := &recordingEnqueuer{}
	var handled []string
	var mu sync.Mutex
	src := New(f.sub, enq, func(_ context.Context, req *crawler.Request) crawler.Handler {
		mu.Lock()
		defer mu.Unlock()
		handled = append(handled, req.URL)
		return crawler.HandlerFuncs{}
	}, Config{Defaults: crawler.RequestDefaults{MaxRetries: 1}, MaxOutstanding: 4}, nil)

	id := f.publish(t, " HTTPS://A.example/page#top \n")
	run(t, src)

	require.Eventually(t, func() bool {
		m := f.message(id)
		return m != nil && m.Acks > 0
	}, 10*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"https://a.example/page"}, enq.urls())
	mu.Lock()
	assert.Equal(t, []string{"https://a.example/page"}, handled)
	mu.Unlock()
	enq.mu.Lock()
	assert.Equal(t, 1, enq.reqs[0].MaxRetries)
	enq.mu.Unlock()
}

func TestSourceNacksInvalidURL(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	enq := &recordingEnqueuer{}
	id := f.publish(t, "not a url")
	run(t, New(f.sub, enq, nil, Config{}, nil))

	require.Eventually(t, func() bool {
		m := f.message(id)
		return m != nil && m.Deliveries > 0
	}, 10*time.Second, 20*time.Millisecond)
	assert.Zero(t, f.message(id).Acks)
	assert.Empty(t, enq.urls())
}

func TestSourceNacksWhenEnqueueFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	enq := &recordingEnqueuer{err: errors.New("backlog closed")}
	id := f.publish(t, "https://a.example/")
	run(t, New(f.sub, enq, nil, Config{}, nil))

	require.Eventually(t, func() bool {
		m := f.message(id)
		return m != nil && m.Deliveries > 0
	}, 10*time.Second, 20*time.Millisecond)
	assert.Zero(t, f.message(id).Acks)
}
