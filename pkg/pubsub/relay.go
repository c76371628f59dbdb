package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// RelayPath is the HTTP path the supervisor mounts RelayServer on.
const RelayPath = "/relay"

const (
	relayOpSubscribe   = "subscribe"
	relayOpPSubscribe  = "psubscribe"
	relayOpSubscribed  = "subscribed"
	relayOpUnsubscribe = "unsubscribe"
	relayOpPublish     = "publish"
	relayOpEvent       = "event"
)

const relayWriteWait = 5 * time.Second

// relayFrame is the single wire shape exchanged between RelayServer and
// RelayPubSub. Match carries the subscription key (channel or pattern) an
// event frame was routed through.
type relayFrame struct {
	Op      string `json:"op"`
	Channel string `json:"channel,omitempty"`
	Match   string `json:"match,omitempty"`
	Event   *Event `json:"event,omitempty"`
}

// RelayServer is a tiny websocket broker. The supervisor runs exactly one and
// every worker connects to it; a publish from any peer is echoed to every
// peer subscribed to the channel, the publisher included.
type RelayServer struct {
	upgrader       websocket.Upgrader
	logger         zerolog.Logger
	pingInterval   time.Duration
	maxMessageSize int64

	mu    sync.RWMutex
	peers map[*relayPeer]struct{}
}

type relayPeer struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	mu       sync.RWMutex
	channels map[string]struct{}
	patterns map[string]struct{}
}

// NewRelayServer creates a relay. Mount it with http.Handle(RelayPath, srv).
func NewRelayServer(cfg RelayConfig, logger zerolog.Logger) *RelayServer {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 1 << 20
	}
	return &RelayServer{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger:         logger,
		pingInterval:   cfg.PingInterval,
		maxMessageSize: cfg.MaxMessageSize,
		peers:          make(map[*relayPeer]struct{}),
	}
}

// ServeHTTP upgrades the request and serves the peer until it disconnects.
func (s *RelayServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("relay upgrade failed")
		return
	}

	peer := &relayPeer{
		id:       uuid.New().String(),
		conn:     conn,
		send:     make(chan []byte, subscriberBuffer),
		done:     make(chan struct{}),
		channels: make(map[string]struct{}),
		patterns: make(map[string]struct{}),
	}

	s.mu.Lock()
	s.peers[peer] = struct{}{}
	s.mu.Unlock()
	s.logger.Info().Str("peer", peer.id).Str("remote", r.RemoteAddr).Msg("relay peer connected")

	go s.writePump(peer)
	s.readPump(peer)
}

// PeerCount returns the number of connected peers.
func (s *RelayServer) PeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// Close disconnects every peer.
func (s *RelayServer) Close() {
	s.mu.Lock()
	peers := s.peers
	s.peers = make(map[*relayPeer]struct{})
	s.mu.Unlock()

	for p := range peers {
		p.close()
	}
}

func (s *RelayServer) readPump(p *relayPeer) {
	defer s.removePeer(p)

	p.conn.SetReadLimit(s.maxMessageSize)
	p.conn.SetReadDeadline(time.Now().Add(2 * s.pingInterval))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(2 * s.pingInterval))
	})

	for {
		var f relayFrame
		if err := p.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Str("peer", p.id).Msg("relay peer read error")
			}
			return
		}
		p.conn.SetReadDeadline(time.Now().Add(2 * s.pingInterval))

		switch f.Op {
		case relayOpSubscribe:
			p.subscribe(f.Channel, false)
			p.enqueueFrame(relayFrame{Op: relayOpSubscribed, Channel: f.Channel})
		case relayOpPSubscribe:
			if _, err := path.Match(f.Channel, ""); err != nil {
				s.logger.Warn().Err(err).Str("pattern", f.Channel).Msg("relay: bad pattern")
				continue
			}
			p.subscribe(f.Channel, true)
			p.enqueueFrame(relayFrame{Op: relayOpSubscribed, Channel: f.Channel})
		case relayOpUnsubscribe:
			p.unsubscribe(f.Channel)
		case relayOpPublish:
			if f.Event == nil {
				continue
			}
			s.broadcast(f.Channel, f.Event)
		default:
			s.logger.Warn().Str("op", f.Op).Str("peer", p.id).Msg("relay: unknown op")
		}
	}
}

func (s *RelayServer) writePump(p *relayPeer) {
	ticker := time.NewTicker(s.pingInterval)
	defer func() {
		ticker.Stop()
		p.close()
	}()

	for {
		select {
		case <-p.done:
			p.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(relayWriteWait))
			return
		case data := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(relayWriteWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(relayWriteWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *RelayServer) broadcast(channel string, event *Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for p := range s.peers {
		for _, key := range p.matching(channel) {
			if !p.enqueueFrame(relayFrame{Op: relayOpEvent, Channel: channel, Match: key, Event: event}) {
				s.logger.Warn().Str("peer", p.id).Str("channel", channel).Msg("relay peer queue full, event dropped")
			}
		}
	}
}

func (s *RelayServer) removePeer(p *relayPeer) {
	s.mu.Lock()
	delete(s.peers, p)
	s.mu.Unlock()
	p.close()
	s.logger.Info().Str("peer", p.id).Msg("relay peer disconnected")
}

func (p *relayPeer) subscribe(key string, pattern bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pattern {
		p.patterns[key] = struct{}{}
	} else {
		p.channels[key] = struct{}{}
	}
}

func (p *relayPeer) unsubscribe(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.channels, key)
	delete(p.patterns, key)
}

// matching returns the subscription keys of p that channel falls under.
func (p *relayPeer) matching(channel string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var keys []string
	if _, ok := p.channels[channel]; ok {
		keys = append(keys, channel)
	}
	for pattern := range p.patterns {
		if ok, _ := path.Match(pattern, channel); ok {
			keys = append(keys, pattern)
		}
	}
	return keys
}

func (p *relayPeer) enqueueFrame(f relayFrame) bool {
	data, err := json.Marshal(f)
	if err != nil {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- data:
		return true
	default:
		return false
	}
}

func (p *relayPeer) close() {
	p.once.Do(func() {
		close(p.done)
		p.conn.Close()
	})
}

// RelayPubSub is the worker side of the relay. It does not reconnect: losing
// the relay means losing the supervisor, and the subscription channels close
// so the owner can exit and be respawned.
type RelayPubSub struct {
	cfg  RelayConfig
	conn *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	subs    map[string]*relaySub
	pending map[string][]chan struct{}
	closed  bool

	done      chan struct{}
	closeOnce sync.Once
}

type relaySub struct {
	ch   chan *Event
	done chan struct{}
}

// NewRelayPubSub dials the relay at cfg.URL, or ws://<cfg.Address>/relay when
// URL is empty.
func NewRelayPubSub(cfg RelayConfig) (*RelayPubSub, error) {
	url := cfg.URL
	if url == "" {
		if cfg.Address == "" {
			return nil, errors.New("relay: url or address is required")
		}
		url = "ws://" + cfg.Address + RelayPath
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.SubscribeWait <= 0 {
		cfg.SubscribeWait = 5 * time.Second
	}

	dialer := websocket.Dialer{HandshakeTimeout: cfg.DialTimeout}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay %s: %w", url, err)
	}

	r := &RelayPubSub{
		cfg:     cfg,
		conn:    conn,
		subs:    make(map[string]*relaySub),
		pending: make(map[string][]chan struct{}),
		done:    make(chan struct{}),
	}
	go r.readLoop()

	return r, nil
}

// Done is closed once the relay connection is gone.
func (r *RelayPubSub) Done() <-chan struct{} { return r.done }

// Publish sends the event to the relay, which echoes it to every subscriber.
func (r *RelayPubSub) Publish(ctx context.Context, channel string, event *Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.write(relayFrame{Op: relayOpPublish, Channel: channel, Event: event})
}

// Subscribe subscribes to a specific channel.
func (r *RelayPubSub) Subscribe(ctx context.Context, channel string) (<-chan *Event, error) {
	return r.subscribe(ctx, channel, relayOpSubscribe)
}

// SubscribePattern subscribes to channels matching a glob pattern.
func (r *RelayPubSub) SubscribePattern(ctx context.Context, pattern string) (<-chan *Event, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, err
	}
	return r.subscribe(ctx, pattern, relayOpPSubscribe)
}

func (r *RelayPubSub) subscribe(ctx context.Context, key, op string) (<-chan *Event, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if existing, ok := r.subs[key]; ok {
		close(existing.ch)
		close(existing.done)
	}
	sub := &relaySub{ch: make(chan *Event, subscriberBuffer), done: make(chan struct{})}
	r.subs[key] = sub
	ack := make(chan struct{})
	r.pending[key] = append(r.pending[key], ack)
	r.mu.Unlock()

	if err := r.write(relayFrame{Op: op, Channel: key}); err != nil {
		r.drop(key, sub)
		return nil, err
	}

	timer := time.NewTimer(r.cfg.SubscribeWait)
	defer timer.Stop()

	select {
	case <-ack:
	case <-ctx.Done():
		r.drop(key, sub)
		return nil, ctx.Err()
	case <-r.done:
		return nil, ErrClosed
	case <-timer.C:
		r.drop(key, sub)
		return nil, fmt.Errorf("relay: subscribe %s not confirmed within %s", key, r.cfg.SubscribeWait)
	}

	go func() {
		select {
		case <-ctx.Done():
			if r.drop(key, sub) {
				r.write(relayFrame{Op: relayOpUnsubscribe, Channel: key})
			}
		case <-sub.done:
		}
	}()

	return sub.ch, nil
}

// Unsubscribe unsubscribes from a channel or pattern.
func (r *RelayPubSub) Unsubscribe(ctx context.Context, channel string) error {
	r.mu.Lock()
	sub, ok := r.subs[channel]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	r.drop(channel, sub)
	return r.write(relayFrame{Op: relayOpUnsubscribe, Channel: channel})
}

// Close closes the relay connection and every subscription.
func (r *RelayPubSub) Close() error {
	r.writeMu.Lock()
	r.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(relayWriteWait))
	r.writeMu.Unlock()

	err := r.conn.Close()
	r.shutdown()
	return err
}

func (r *RelayPubSub) readLoop() {
	defer r.shutdown()

	for {
		var f relayFrame
		if err := r.conn.ReadJSON(&f); err != nil {
			return
		}

		switch f.Op {
		case relayOpSubscribed:
			r.mu.Lock()
			if waiters := r.pending[f.Channel]; len(waiters) > 0 {
				close(waiters[0])
				r.pending[f.Channel] = waiters[1:]
			}
			r.mu.Unlock()
		case relayOpEvent:
			if f.Event == nil {
				continue
			}
			r.mu.Lock()
			if sub, ok := r.subs[f.Match]; ok {
				select {
				case sub.ch <- f.Event:
				default:
					// Subscriber queue full; the durable log covers the gap.
				}
			}
			r.mu.Unlock()
		}
	}
}

func (r *RelayPubSub) write(f relayFrame) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	r.conn.SetWriteDeadline(time.Now().Add(relayWriteWait))
	if err := r.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("relay write: %w", err)
	}
	return nil
}

// drop removes sub if it is still the active subscription for key.
func (r *RelayPubSub) drop(key string, sub *relaySub) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subs[key] != sub {
		return false
	}
	delete(r.subs, key)
	close(sub.ch)
	close(sub.done)
	return true
}

func (r *RelayPubSub) shutdown() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		for key, sub := range r.subs {
			close(sub.ch)
			close(sub.done)
			delete(r.subs, key)
		}
		r.mu.Unlock()
		close(r.done)
	})
}
