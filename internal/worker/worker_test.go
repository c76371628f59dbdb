package worker

import (
	"context"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-chat-relay/internal/config"
	"github.com/weiawesome/wes-chat-relay/internal/domain"
	pkglog "github.com/weiawesome/wes-chat-relay/pkg/log"
	"github.com/weiawesome/wes-chat-relay/pkg/pubsub"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Chdir(t.TempDir())

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Database.Path = filepath.Join(t.TempDir(), "chat.db")
	cfg.Database.LogLevel = "silent"
	cfg.PubSub.Driver = pubsub.DriverMemory
	return cfg
}

func startWorker(t *testing.T, cfg *config.Config, ps pubsub.PubSub) (string, context.CancelFunc, <-chan error) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	w := New(cfg, WithPubSub(ps), WithListener(ln), WithLogger(pkglog.Nop()))
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	select {
	case addr := <-w.Ready():
		return addr, cancel, errCh
	case err := <-errCh:
		cancel()
		t.Fatalf("worker failed to start: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("worker did not become ready")
	}
	return "", cancel, errCh
}

func TestWorkerServesAndStops(t *testing.T) {
	cfg := testConfig(t)
	addr, cancel, errCh := startWorker(t, cfg, pubsub.NewMemoryPubSub())

	resp, err := http.Get("http://" + addr + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestWorkersShareRoom(t *testing.T) {
	cfg := testConfig(t)
	bus := pubsub.NewMemoryBus()

	addr1, cancel1, _ := startWorker(t, cfg, bus.Client())
	defer cancel1()
	addr2, cancel2, _ := startWorker(t, cfg, bus.Client())
	defer cancel2()

	dial := func(addr, user string) *websocket.Conn {
		conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/socket?username="+user, nil)
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })

		var session domain.SessionMessage
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		require.NoError(t, conn.ReadJSON(&session))
		require.Equal(t, domain.EventSession, session.Event)

		var synced domain.SyncedMessage
		require.NoError(t, conn.ReadJSON(&synced))
		require.Equal(t, domain.EventSynced, synced.Event)
		return conn
	}
	alice := dial(addr1, "alice")
	bob := dial(addr2, "bob")

	require.NoError(t, alice.WriteJSON(domain.ChatMessageIn{Event: domain.EventChatMessage, Body: "hi", IdempotencyKey: "k1", AckID: 1}))

	var out domain.ChatMessageOut
	require.NoError(t, bob.SetReadDeadline(time.Now().Add(3*time.Second)))
	require.NoError(t, bob.ReadJSON(&out))
	assert.Equal(t, domain.ChatMessageOut{Event: domain.EventChatMessage, Body: "hi", ID: 1, Sender: "alice"}, out)
}

func TestWorkerExitsWhenPubSubLost(t *testing.T) {
	cfg := testConfig(t)
	ps := pubsub.NewMemoryPubSub()
	_, cancel, errCh := startWorker(t, cfg, ps)
	defer cancel()

	require.NoError(t, ps.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, pubsub.ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("worker kept running without pubsub")
	}
}
