package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/weiawesome/wes-chat-relay/internal/domain"
	"github.com/weiawesome/wes-chat-relay/pkg/log"
	"github.com/weiawesome/wes-chat-relay/pkg/pubsub"
)

// DefaultRoom is the single logical room every worker joins.
const DefaultRoom = "main"

// ErrNotSubscribed is returned by Run when Subscribe was never called.
var ErrNotSubscribed = errors.New("fanout: not subscribed")

// Sink receives encoded frames for local delivery. *hub.Hub implements it.
type Sink interface {
	BroadcastRaw(data []byte) error
}

// Options tunes an Adapter. Zero values pick defaults.
type Options struct {
	Room           string
	Origin         string
	PublishTimeout time.Duration
	RetryDelay     time.Duration
}

// Adapter propagates accepted messages to every worker's hub, including the
// publishing worker's own.
type Adapter struct {
	ps      pubsub.PubSub
	sink    Sink
	channel string
	room    string
	origin  string
	timeout time.Duration
	delay   time.Duration

	mu     sync.Mutex
	events <-chan *pubsub.Event
	doneCh chan struct{}
}

func NewAdapter(ps pubsub.PubSub, sink Sink, opts Options) *Adapter {
	if opts.Room == "" {
		opts.Room = DefaultRoom
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 2 * time.Second
	}
	return &Adapter{
		ps:      ps,
		sink:    sink,
		channel: pubsub.RoomFanoutChannel(opts.Room),
		room:    opts.Room,
		origin:  opts.Origin,
		timeout: opts.PublishTimeout,
		delay:   opts.RetryDelay,
		doneCh:  make(chan struct{}),
	}
}

// Done returns a channel that is closed when Run exits.
func (a *Adapter) Done() <-chan struct{} { return a.doneCh }

// Channel returns the pub/sub channel used for fan-out.
func (a *Adapter) Channel() string { return a.channel }

// Publish sends payload to every subscribed worker. It is not retried.
func (a *Adapter) Publish(ctx context.Context, eventType string, payload interface{}) error {
	event, err := pubsub.NewEvent(eventType, a.room, payload)
	if err != nil {
		return fmt.Errorf("failed to encode fanout event: %w", err)
	}
	event.Origin = a.origin

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	if err := a.ps.Publish(ctx, a.channel, event); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", a.channel, err)
	}
	return nil
}

// Subscribe returns once the driver has confirmed the subscription. The
// subscription lives until ctx is done.
func (a *Adapter) Subscribe(ctx context.Context) error {
	events, err := a.ps.Subscribe(ctx, a.channel)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", a.channel, err)
	}

	a.mu.Lock()
	a.events = events
	a.mu.Unlock()

	l := log.Ctx(ctx)
	l.Info().Str(log.FieldChannel, a.channel).Msg("fanout subscribed")
	return nil
}

// Run forwards received events to the sink until ctx is done. A dropped
// subscription is re-established after a fixed delay; a closed pub/sub
// handle ends Run with an error.
func (a *Adapter) Run(ctx context.Context) error {
	defer close(a.doneCh)
	l := log.Ctx(ctx)

	a.mu.Lock()
	events := a.events
	a.mu.Unlock()
	if events == nil {
		return ErrNotSubscribed
	}

	for {
		a.forward(ctx, events)
		if ctx.Err() != nil {
			return nil
		}

		l.Warn().Str(log.FieldChannel, a.channel).Msg("fanout subscription lost, resubscribing")
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(a.delay):
			}

			err := a.Subscribe(ctx)
			if err == nil {
				break
			}
			if errors.Is(err, pubsub.ErrClosed) {
				return err
			}
			l.Warn().Err(err).Str(log.FieldChannel, a.channel).Msg("fanout resubscribe failed")
		}

		a.mu.Lock()
		events = a.events
		a.mu.Unlock()
	}
}

func (a *Adapter) forward(ctx context.Context, events <-chan *pubsub.Event) {
	l := log.Ctx(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if event.Type != pubsub.EventChatMessage {
				l.Debug().Str("type", event.Type).Msg("fanout: ignoring event")
				continue
			}
			// Sessions track offsets by id; a frame without one cannot be
			// delivered in order.
			var msg domain.ChatMessageOut
			if err := event.UnmarshalPayload(&msg); err != nil || msg.ID <= 0 {
				l.Warn().Err(err).Str("origin", event.Origin).Msg("fanout: dropping malformed chat message")
				continue
			}
			if err := a.sink.BroadcastRaw(event.Payload); err != nil {
				l.Error().Err(err).Msg("fanout: local broadcast failed")
			}
		}
	}
}
