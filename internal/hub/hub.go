package hub

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/weiawesome/wes-chat-relay/internal/config"
	"github.com/weiawesome/wes-chat-relay/internal/domain"
	"github.com/weiawesome/wes-chat-relay/pkg/log"
)

// ErrHubStopped is returned once Run has exited.
var ErrHubStopped = errors.New("hub stopped")

// Hub owns the live connections of one worker. All membership changes and
// broadcasts are serialized through Run.
type Hub struct {
	clients    map[string]*Client // clientID -> client
	register   chan *registration
	unregister chan *Client
	broadcast  chan []byte
	count      chan chan int
	recovery   *recoveryStore
	config     config.WebSocketConfig
	done       chan struct{}
}

type registration struct {
	client *Client
	pid    string
	offset int64
	result chan bool
}

func NewHub(cfg config.WebSocketConfig, recovery config.RecoveryConfig) *Hub {
	h := &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *registration),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		count:      make(chan chan int),
		config:     cfg,
		done:       make(chan struct{}),
	}
	if recovery.Enabled {
		h.recovery = newRecoveryStore(recovery.MaxDisconnection, recovery.MaxPackets)
	}
	return h
}

func (h *Hub) Run(ctx context.Context) {
	l := log.L()
	defer close(h.done)

	sweep := time.NewTicker(10 * time.Second)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			for id, client := range h.clients {
				client.Close()
				delete(h.clients, id)
			}
			l.Info().Msg("hub stopped")
			return

		case reg := <-h.register:
			recovered := h.attach(reg)
			reg.result <- recovered
			l.Debug().
				Str(log.FieldConnectionID, reg.client.ID).
				Bool(log.FieldRecovered, recovered).
				Msg("client registered")

		case client := <-h.unregister:
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				client.Close()
				if h.recovery != nil && client.PID != "" {
					unsent := client.unsent
					if client.isHolding() {
						// History was still being replayed; only a fresh replay
						// can fill that gap.
						unsent.truncated = true
					}
					h.recovery.keep(client.PID, time.Now(), unsent)
				}
				l.Debug().Str(log.FieldConnectionID, client.ID).Msg("client unregistered")
			}

		case data := <-h.broadcast:
			f := newFrame(data)
			for _, client := range h.clients {
				if !client.deliverLive(data) && !client.dropped {
					client.dropped = true
					l.Warn().Str(log.FieldConnectionID, client.ID).Msg("client send buffer full, dropping connection")
					go h.removeClient(client)
				}
				if h.recovery != nil && client.PID != "" {
					client.remember(f, h.recovery.maxPackets)
				}
			}
			if h.recovery != nil {
				h.recovery.record(f)
			}

		case reply := <-h.count:
			reply <- len(h.clients)

		case now := <-sweep.C:
			if h.recovery != nil {
				if n := h.recovery.sweep(now); n > 0 {
					l.Debug().Int("expired", n).Msg("recovery sessions expired")
				}
			}
		}
	}
}

// attach restores the client's previous session when pid is still held,
// queues the session frame and any missed broadcasts, then adds the client
// to the broadcast set. It runs on the hub goroutine so no broadcast can
// slip between the restored frames and live traffic. A client that was not
// restored has its live traffic held until ReleaseLive.
func (h *Hub) attach(reg *registration) bool {
	client := reg.client

	var (
		frames    [][]byte
		recovered bool
	)
	if h.recovery != nil && reg.pid != "" {
		frames, recovered = h.recovery.take(reg.pid, reg.offset, time.Now())
		if recovered && len(frames)+1 > cap(client.send) {
			// Restoring would overflow the send buffer; fall back to replay.
			recovered = false
			frames = nil
		}
	}

	if recovered {
		client.PID = reg.pid
	} else if h.recovery != nil {
		client.PID = uuid.New().String()
	}

	hello, _ := json.Marshal(&domain.SessionMessage{
		Event:        domain.EventSession,
		ConnectionID: client.ID,
		PID:          client.PID,
		Recovered:    recovered,
	})
	client.enqueue(hello)
	for _, f := range frames {
		client.enqueue(f)
		client.unsent.push(newFrame(f), cap(client.send)+1)
	}
	client.holdMu.Lock()
	client.holding = !recovered
	client.holdMu.Unlock()

	h.clients[client.ID] = client
	return recovered
}

// Register adds the client and reports whether a previous session identified
// by pid was restored. Restored frames with ids at or below offset are
// skipped. An empty pid never recovers. When the session is not restored,
// live broadcasts are held until the caller invokes client.ReleaseLive.
func (h *Hub) Register(client *Client, pid string, offset int64) (bool, error) {
	reg := &registration{client: client, pid: pid, offset: offset, result: make(chan bool, 1)}
	select {
	case h.register <- reg:
	case <-h.done:
		return false, ErrHubStopped
	}
	return <-reg.result, nil
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
		client.Close()
	}
}

// Broadcast marshals message and sends it to every registered client.
func (h *Hub) Broadcast(message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return h.BroadcastRaw(data)
}

// BroadcastRaw sends an already encoded frame to every registered client.
func (h *Hub) BroadcastRaw(data []byte) error {
	select {
	case <-h.done:
		return ErrHubStopped
	default:
	}

	select {
	case h.broadcast <- data:
		return nil
	case <-h.done:
		return ErrHubStopped
	}
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-h.done:
		return 0
	}
}

// Done is closed when Run returns.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

func (h *Hub) removeClient(client *Client) {
	h.Unregister(client)
}
