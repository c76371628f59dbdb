package pubsub

import (
	"context"
	"path"
	"sync"
)

// MemoryBus is an in-process broker. Handles created with Client share it and
// see each other's events, which is how standalone mode and tests emulate
// several workers inside one process.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[*memorySub]struct{}
}

type memorySub struct {
	key     string
	pattern bool
	ch      chan *Event
	done    chan struct{}
}

func (s *memorySub) matches(channel string) bool {
	if !s.pattern {
		return s.key == channel
	}
	ok, _ := path.Match(s.key, channel)
	return ok
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[*memorySub]struct{})}
}

// Client returns a new PubSub handle attached to the bus.
func (b *MemoryBus) Client() *MemoryPubSub {
	return &MemoryPubSub{bus: b, subs: make(map[string]*memorySub)}
}

func (b *MemoryBus) publish(channel string, event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		if !sub.matches(channel) {
			continue
		}
		e := *event
		select {
		case sub.ch <- &e:
		default:
			// Subscriber queue full; same drop semantics as the network drivers.
		}
	}
}

func (b *MemoryBus) add(sub *memorySub) {
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
}

// remove detaches sub and closes its channel. Closing under the write lock
// guarantees publish never sends on a closed channel.
func (b *MemoryBus) remove(sub *memorySub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
	close(sub.done)
}

// MemoryPubSub implements PubSub on top of a MemoryBus.
type MemoryPubSub struct {
	bus    *MemoryBus
	mu     sync.Mutex
	subs   map[string]*memorySub
	closed bool
}

// NewMemoryPubSub creates a handle on a private bus.
func NewMemoryPubSub() *MemoryPubSub {
	return NewMemoryBus().Client()
}

// Publish delivers the event to every matching subscription on the bus,
// including this handle's own.
func (m *MemoryPubSub) Publish(ctx context.Context, channel string, event *Event) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.bus.publish(channel, event)
	return nil
}

// Subscribe subscribes to a specific channel.
func (m *MemoryPubSub) Subscribe(ctx context.Context, channel string) (<-chan *Event, error) {
	return m.subscribe(ctx, channel, false)
}

// SubscribePattern subscribes to channels matching a glob pattern.
func (m *MemoryPubSub) SubscribePattern(ctx context.Context, pattern string) (<-chan *Event, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, err
	}
	return m.subscribe(ctx, pattern, true)
}

func (m *MemoryPubSub) subscribe(ctx context.Context, key string, pattern bool) (<-chan *Event, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if existing, ok := m.subs[key]; ok {
		m.bus.remove(existing)
	}
	sub := &memorySub{key: key, pattern: pattern, ch: make(chan *Event, subscriberBuffer), done: make(chan struct{})}
	m.subs[key] = sub
	m.mu.Unlock()

	m.bus.add(sub)

	go func() {
		select {
		case <-ctx.Done():
			m.drop(key, sub)
		case <-sub.done:
		}
	}()

	return sub.ch, nil
}

func (m *MemoryPubSub) drop(key string, sub *memorySub) {
	m.mu.Lock()
	if m.subs[key] == sub {
		delete(m.subs, key)
	}
	m.mu.Unlock()
	m.bus.remove(sub)
}

// Unsubscribe unsubscribes from a channel or pattern.
func (m *MemoryPubSub) Unsubscribe(ctx context.Context, channel string) error {
	m.mu.Lock()
	sub, ok := m.subs[channel]
	m.mu.Unlock()
	if ok {
		m.drop(channel, sub)
	}
	return nil
}

// Close removes every subscription owned by this handle.
func (m *MemoryPubSub) Close() error {
	m.mu.Lock()
	m.closed = true
	subs := m.subs
	m.subs = make(map[string]*memorySub)
	m.mu.Unlock()

	for _, sub := range subs {
		m.bus.remove(sub)
	}
	return nil
}
