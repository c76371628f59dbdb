package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-chat-relay/internal/config"
	"github.com/weiawesome/wes-chat-relay/internal/domain"
)

func testWSConfig() config.WebSocketConfig {
	return config.WebSocketConfig{
		PingInterval:   time.Second,
		PongWait:       5 * time.Second,
		WriteWait:      time.Second,
		MaxMessageSize: 4096,
		SendBuffer:     16,
	}
}

func startHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()

	h := NewHub(testWSConfig(), config.RecoveryConfig{Enabled: true, MaxDisconnection: time.Minute, MaxPackets: 8})
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := NewClient(r.URL.Query().Get("id"), h, conn, testWSConfig())
		if _, err := h.Register(client, r.URL.Query().Get("pid"), 0); err != nil {
			conn.Close()
			return
		}
		if err := client.ReleaseLive(r.Context()); err != nil {
			conn.Close()
			return
		}
		go client.WritePump()
		go client.ReadPump(func(*Client, []byte) {})
	}))

	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-h.Done()
	})
	return h, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, v))
}

func TestHubBroadcast(t *testing.T) {
	h, srv := startHub(t)

	a := dial(t, srv, "id=a")
	b := dial(t, srv, "id=b")

	var session domain.SessionMessage
	readJSON(t, a, &session)
	assert.Equal(t, domain.EventSession, session.Event)
	assert.Equal(t, "a", session.ConnectionID)
	assert.NotEmpty(t, session.PID)
	assert.False(t, session.Recovered)
	readJSON(t, b, &session)

	require.Eventually(t, func() bool { return h.ClientCount() == 2 }, time.Second, 10*time.Millisecond)

	out := domain.NewChatMessageOut(domain.Message{ID: 1, Content: "alice: hi"})
	require.NoError(t, h.Broadcast(out))

	for _, conn := range []*websocket.Conn{a, b} {
		var got domain.ChatMessageOut
		readJSON(t, conn, &got)
		assert.Equal(t, *out, got)
	}
}

func TestHubConnectionStateRecovery(t *testing.T) {
	h, srv := startHub(t)

	a := dial(t, srv, "id=a")
	var first domain.SessionMessage
	readJSON(t, a, &first)

	a.Close()
	require.Eventually(t, func() bool { return h.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)

	missed := domain.NewChatMessageOut(domain.Message{ID: 7, Content: "bob: while away"})
	require.NoError(t, h.Broadcast(missed))

	again := dial(t, srv, "id=a2&pid="+first.PID)
	var session domain.SessionMessage
	readJSON(t, again, &session)
	assert.True(t, session.Recovered)
	assert.Equal(t, first.PID, session.PID)

	var got domain.ChatMessageOut
	readJSON(t, again, &got)
	assert.Equal(t, *missed, got)

	// The pid was consumed by the first recovery.
	other := dial(t, srv, "id=a3&pid="+first.PID)
	readJSON(t, other, &session)
	assert.False(t, session.Recovered)
}

func TestClientDeliverAfterClose(t *testing.T) {
	h := NewHub(testWSConfig(), config.RecoveryConfig{})
	client := NewClient("c1", h, nil, testWSConfig())

	require.NoError(t, client.Deliver(context.Background(), map[string]string{"event": "x"}))

	client.Close()
	client.Close()
	assert.ErrorIs(t, client.Deliver(context.Background(), map[string]string{"event": "x"}), ErrClientClosed)
	assert.ErrorIs(t, client.SendMessage(map[string]string{"event": "x"}), ErrClientClosed)
	assert.Error(t, client.Context().Err())
}

func TestClientDeliverHonoursContext(t *testing.T) {
	cfg := testWSConfig()
	cfg.SendBuffer = 1
	client := NewClient("c1", NewHub(cfg, config.RecoveryConfig{}), nil, cfg)

	require.NoError(t, client.Deliver(context.Background(), "first"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, client.Deliver(ctx, "second"), context.DeadlineExceeded)
}

func TestRegisterAfterStop(t *testing.T) {
	h := NewHub(testWSConfig(), config.RecoveryConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	cancel()
	<-h.Done()

	_, err := h.Register(NewClient("c1", h, nil, testWSConfig()), "", 0)
	assert.ErrorIs(t, err, ErrHubStopped)
	assert.ErrorIs(t, h.BroadcastRaw([]byte("x")), ErrHubStopped)
	assert.Equal(t, 0, h.ClientCount())
}

func runHub(t *testing.T, maxPackets int) *Hub {
	t.Helper()

	h := NewHub(testWSConfig(), config.RecoveryConfig{Enabled: true, MaxDisconnection: time.Minute, MaxPackets: maxPackets})
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.Done()
	})
	return h
}

type queued struct {
	Event     string `json:"event"`
	ID        int64  `json:"id"`
	PID       string `json:"pid"`
	Recovered bool   `json:"recovered"`
}

func nextQueued(t *testing.T, c *Client) queued {
	t.Helper()

	select {
	case data := <-c.send:
		var q queued
		require.NoError(t, json.Unmarshal(data, &q))
		return q
	case <-time.After(time.Second):
		t.Fatal("no frame queued")
		return queued{}
	}
}

func queuedIDs(t *testing.T, c *Client, n int) []int64 {
	t.Helper()

	ids := make([]int64, 0, n)
	for range n {
		ids = append(ids, nextQueued(t, c).ID)
	}
	return ids
}

func broadcastIDs(t *testing.T, h *Hub, ids ...int64) {
	t.Helper()

	for _, id := range ids {
		require.NoError(t, h.Broadcast(domain.NewChatMessageOut(domain.Message{ID: id, Content: "x"})))
	}
}

func connect(t *testing.T, h *Hub, id, pid string, offset int64, cfg config.WebSocketConfig) (*Client, queued) {
	t.Helper()

	c := NewClient(id, h, nil, cfg)
	_, err := h.Register(c, pid, offset)
	require.NoError(t, err)
	session := nextQueued(t, c)
	require.Equal(t, domain.EventSession, session.Event)
	require.NoError(t, c.ReleaseLive(context.Background()))
	return c, session
}

func TestRecoveryRestoresFramesStillQueued(t *testing.T) {
	h := runHub(t, 8)

	first, session := connect(t, h, "c1", "", 0, testWSConfig())
	broadcastIDs(t, h, 1)
	require.Eventually(t, func() bool { return len(first.send) == 1 }, time.Second, 5*time.Millisecond)

	// Frame 1 never reached the socket before the connection dropped.
	h.Unregister(first)
	broadcastIDs(t, h, 2)

	again, restored := connect(t, h, "c2", session.PID, 0, testWSConfig())
	assert.True(t, restored.Recovered)
	assert.Equal(t, []int64{1, 2}, queuedIDs(t, again, 2))
}

func TestRecoveryRestoresFramesRejectedBySlowClient(t *testing.T) {
	h := runHub(t, 8)

	small := testWSConfig()
	small.SendBuffer = 2
	first, session := connect(t, h, "c1", "", 0, small)

	broadcastIDs(t, h, 1, 2, 3)
	require.Eventually(t, func() bool { return h.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, len(first.send), "frame 3 did not fit")

	again, restored := connect(t, h, "c2", session.PID, 0, testWSConfig())
	assert.True(t, restored.Recovered)
	assert.Equal(t, []int64{1, 2, 3}, queuedIDs(t, again, 3))
}

func TestRecoverySkipsFramesAtOrBelowOffset(t *testing.T) {
	h := runHub(t, 8)

	first, session := connect(t, h, "c1", "", 0, testWSConfig())
	broadcastIDs(t, h, 1, 2)
	require.Eventually(t, func() bool { return len(first.send) == 2 }, time.Second, 5*time.Millisecond)
	h.Unregister(first)
	broadcastIDs(t, h, 3)

	again, restored := connect(t, h, "c2", session.PID, 2, testWSConfig())
	assert.True(t, restored.Recovered)
	assert.Equal(t, []int64{3}, queuedIDs(t, again, 1))
	assert.Empty(t, again.send)
}

func TestLiveFramesHeldUntilRelease(t *testing.T) {
	h := runHub(t, 8)

	c := NewClient("c1", h, nil, testWSConfig())
	recovered, err := h.Register(c, "", 0)
	require.NoError(t, err)
	assert.False(t, recovered)
	assert.Equal(t, domain.EventSession, nextQueued(t, c).Event)

	broadcastIDs(t, h, 9)
	require.Eventually(t, func() bool {
		c.holdMu.Lock()
		defer c.holdMu.Unlock()
		return len(c.held) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, c.send)

	// History delivered during the hold goes out ahead of live traffic.
	require.NoError(t, c.Deliver(context.Background(), domain.NewChatMessageOut(domain.Message{ID: 5})))
	require.NoError(t, c.ReleaseLive(context.Background()))
	assert.Equal(t, []int64{5, 9}, queuedIDs(t, c, 2))

	broadcastIDs(t, h, 10)
	assert.Equal(t, []int64{10}, queuedIDs(t, c, 1))
}

func TestDisconnectDuringHoldForcesReplay(t *testing.T) {
	h := runHub(t, 8)

	c := NewClient("c1", h, nil, testWSConfig())
	_, err := h.Register(c, "", 0)
	require.NoError(t, err)
	session := nextQueued(t, c)

	broadcastIDs(t, h, 1)
	h.Unregister(c)

	again := NewClient("c2", h, nil, testWSConfig())
	recovered, err := h.Register(again, session.PID, 0)
	require.NoError(t, err)
	assert.False(t, recovered)
}

func TestSendMessageDropsWhenBufferFull(t *testing.T) {
	cfg := testWSConfig()
	cfg.SendBuffer = 1
	client := NewClient("c1", NewHub(cfg, config.RecoveryConfig{}), nil, cfg)

	require.NoError(t, client.SendMessage(map[string]string{"event": "a"}))
	require.NoError(t, client.SendMessage(map[string]string{"event": "b"}))
	assert.Len(t, client.send, 1)
}
