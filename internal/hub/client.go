package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/weiawesome/wes-chat-relay/internal/config"
	"github.com/weiawesome/wes-chat-relay/internal/domain"
	"github.com/weiawesome/wes-chat-relay/pkg/log"
)

// ErrClientClosed is returned when sending to a connection that has gone away.
var ErrClientClosed = errors.New("client closed")

type Client struct {
	ID      string
	PID     string
	Hub     *Hub
	Conn    *websocket.Conn
	Session *domain.Session

	send      chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	config    config.WebSocketConfig

	// Live broadcasts are held while history is replayed so the client
	// never sees a live id ahead of an unreplayed one.
	holdMu  sync.Mutex
	holding bool
	held    [][]byte

	// Hub goroutine only.
	unsent  frameWindow
	dropped bool
}

// maxHeldFrames bounds live broadcasts held during a replay. A client that
// exceeds it is dropped like any slow consumer.
const maxHeldFrames = 1024

func NewClient(id string, hub *Hub, conn *websocket.Conn, cfg config.WebSocketConfig) *Client {
	size := cfg.SendBuffer
	if size <= 0 {
		size = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		ID:      id,
		Hub:     hub,
		Conn:    conn,
		Session: domain.NewSession(id),
		send:    make(chan []byte, size),
		ctx:     ctx,
		cancel:  cancel,
		config:  cfg,
	}
}

// ConnectionID returns the transport-owned id.
func (c *Client) ConnectionID() string { return c.ID }

// UserSession returns the session state attached to this connection.
func (c *Client) UserSession() *domain.Session { return c.Session }

// Context is cancelled when the connection closes.
func (c *Client) Context() context.Context { return c.ctx }

// Close stops the write pump. It is safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(c.cancel)
}

func (c *Client) enqueue(data []byte) bool {
	if c.ctx.Err() != nil {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// deliverLive queues a broadcast, or holds it while a replay is pending.
// It reports false when the frame could not be accepted.
func (c *Client) deliverLive(data []byte) bool {
	c.holdMu.Lock()
	defer c.holdMu.Unlock()
	if c.holding {
		if len(c.held) >= maxHeldFrames {
			return false
		}
		c.held = append(c.held, data)
		return true
	}
	return c.enqueue(data)
}

func (c *Client) isHolding() bool {
	c.holdMu.Lock()
	defer c.holdMu.Unlock()
	return c.holding
}

// remember tracks a broadcast until it can no longer be sitting unwritten in
// the send queue. A healthy client only needs the last cap(send)+1 frames;
// a held or dropped one keeps everything up to limit.
func (c *Client) remember(f frame, limit int) {
	c.unsent.push(f, limit)
	if !c.dropped && !c.isHolding() {
		c.unsent.trim(cap(c.send) + 1)
	}
}

// ReleaseLive ends the hold started at registration. Held broadcasts are
// queued in arrival order behind everything already queued, then live
// traffic flows directly again.
func (c *Client) ReleaseLive(ctx context.Context) error {
	for {
		c.holdMu.Lock()
		held := c.held
		c.held = nil
		if len(held) == 0 {
			c.holding = false
			c.holdMu.Unlock()
			return nil
		}
		c.holdMu.Unlock()

		for _, data := range held {
			if err := c.deliverRaw(ctx, data); err != nil {
				c.holdMu.Lock()
				c.holding = false
				c.held = nil
				c.holdMu.Unlock()
				return err
			}
		}
	}
}

func (c *Client) ReadPump(handler func(*Client, []byte)) {
	l := log.L()
	defer func() {
		c.Hub.Unregister(c)
		c.Close()
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				l.Warn().Err(err).Str(log.FieldConnectionID, c.ID).Msg("websocket read error")
			}
			break
		}

		if c.Session != nil {
			c.Session.UpdateActivity()
		}

		handler(c, message)
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				c.Close()
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				c.Close()
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}

		case <-c.ctx.Done():
			c.Conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// SendMessage queues a frame without blocking. A full buffer drops the frame.
func (c *Client) SendMessage(message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	if c.ctx.Err() != nil {
		return ErrClientClosed
	}

	select {
	case c.send <- data:
	default:
		l := log.L()
		l.Warn().Str(log.FieldConnectionID, c.ID).Msg("client send buffer full, frame dropped")
	}
	return nil
}

// Deliver queues a frame, waiting for buffer space until ctx ends or the
// connection closes.
func (c *Client) Deliver(ctx context.Context, message interface{}) error {
	if c.ctx.Err() != nil {
		return ErrClientClosed
	}
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return c.deliverRaw(ctx, data)
}

func (c *Client) deliverRaw(ctx context.Context, data []byte) error {
	if c.ctx.Err() != nil {
		return ErrClientClosed
	}
	select {
	case c.send <- data:
		return nil
	case <-c.ctx.Done():
		return ErrClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}
