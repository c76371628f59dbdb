package fanout

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-chat-relay/internal/domain"
	"github.com/weiawesome/wes-chat-relay/pkg/pubsub"
)

type recordingSink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *recordingSink) BroadcastRaw(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, data)
	return nil
}

func (s *recordingSink) messages() []domain.ChatMessageOut {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.ChatMessageOut, 0, len(s.frames))
	for _, f := range s.frames {
		var m domain.ChatMessageOut
		if err := json.Unmarshal(f, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

func startAdapter(t *testing.T, ctx context.Context, ps pubsub.PubSub, origin string) (*Adapter, *recordingSink, chan error) {
	t.Helper()

	sink := &recordingSink{}
	a := NewAdapter(ps, sink, Options{Origin: origin, RetryDelay: 10 * time.Millisecond})
	require.NoError(t, a.Subscribe(ctx))

	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()
	return a, sink, errCh
}

func TestPublishReachesEveryWorker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := pubsub.NewMemoryBus()
	w1, sink1, _ := startAdapter(t, ctx, bus.Client(), "w1")
	_, sink2, _ := startAdapter(t, ctx, bus.Client(), "w2")

	out := domain.NewChatMessageOut(domain.Message{ID: 1, Content: "alice: hi"})
	require.NoError(t, w1.Publish(ctx, pubsub.EventChatMessage, out))

	for _, sink := range []*recordingSink{sink1, sink2} {
		require.Eventually(t, func() bool { return len(sink.messages()) == 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, *out, sink.messages()[0])
	}
}

func TestRunIgnoresOtherEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ps := pubsub.NewMemoryPubSub()
	a, sink, _ := startAdapter(t, ctx, ps, "w1")

	require.NoError(t, a.Publish(ctx, "presence", map[string]int{"count": 1}))
	require.NoError(t, a.Publish(ctx, pubsub.EventChatMessage, domain.NewChatMessageOut(domain.Message{ID: 2, Content: "x"})))

	require.Eventually(t, func() bool { return len(sink.messages()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(2), sink.messages()[0].ID)
}

func TestRunDropsMalformedChatMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ps := pubsub.NewMemoryPubSub()
	a, sink, _ := startAdapter(t, ctx, ps, "w1")

	require.NoError(t, a.Publish(ctx, pubsub.EventChatMessage, map[string]string{"body": "no id"}))
	require.NoError(t, a.Publish(ctx, pubsub.EventChatMessage, "not an object"))
	require.NoError(t, a.Publish(ctx, pubsub.EventChatMessage, domain.NewChatMessageOut(domain.Message{ID: 4, Content: "x"})))

	require.Eventually(t, func() bool { return len(sink.messages()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(4), sink.messages()[0].ID)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Len(t, sink.frames, 1)
}

func TestRunResubscribesAfterDrop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ps := pubsub.NewMemoryPubSub()
	a, sink, _ := startAdapter(t, ctx, ps, "w1")

	require.NoError(t, ps.Unsubscribe(ctx, a.Channel()))

	out := domain.NewChatMessageOut(domain.Message{ID: 3, Content: "bob: back"})
	require.Eventually(t, func() bool {
		_ = a.Publish(ctx, pubsub.EventChatMessage, out)
		return len(sink.messages()) > 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRunEndsWhenPubSubClosed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ps := pubsub.NewMemoryPubSub()
	a, _, errCh := startAdapter(t, ctx, ps, "w1")

	require.NoError(t, ps.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, pubsub.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after close")
	}
	<-a.Done()

	assert.ErrorIs(t, a.Publish(ctx, pubsub.EventChatMessage, "x"), pubsub.ErrClosed)
}

func TestRunWithoutSubscribe(t *testing.T) {
	a := NewAdapter(pubsub.NewMemoryPubSub(), &recordingSink{}, Options{})
	assert.ErrorIs(t, a.Run(context.Background()), ErrNotSubscribed)
}
