package supervisor

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-chat-relay/pkg/log"
	"github.com/weiawesome/wes-chat-relay/pkg/pubsub"
)

func envValue(env []string, key string) string {
	for _, kv := range env {
		if v, ok := strings.CutPrefix(kv, key+"="); ok {
			return v
		}
	}
	return ""
}

func TestRelayCoordinatorFansOutBetweenWorkers(t *testing.T) {
	cfg := pubsub.DefaultConfig()
	cfg.Relay.Address = "127.0.0.1:0"

	coord, err := NewCoordinator(cfg, log.Nop())
	require.NoError(t, err)

	ctx := context.Background()
	env, err := coord.Start(ctx)
	require.NoError(t, err)
	defer coord.Close()

	assert.Equal(t, pubsub.DriverRelay, envValue(env, "PUBSUB_DRIVER"))
	url := envValue(env, "RELAY_URL")
	require.True(t, strings.HasPrefix(url, "ws://127.0.0.1:"))

	a, err := pubsub.NewRelayPubSub(pubsub.RelayConfig{URL: url})
	require.NoError(t, err)
	defer a.Close()
	b, err := pubsub.NewRelayPubSub(pubsub.RelayConfig{URL: url})
	require.NoError(t, err)
	defer b.Close()

	channel := pubsub.RoomFanoutChannel("main")
	subA, err := a.Subscribe(ctx, channel)
	require.NoError(t, err)
	subB, err := b.Subscribe(ctx, channel)
	require.NoError(t, err)

	event, err := pubsub.NewEvent("chat message", "main", map[string]string{"body": "hi"})
	require.NoError(t, err)
	require.NoError(t, a.Publish(ctx, channel, event))

	for name, sub := range map[string]<-chan *pubsub.Event{"publisher": subA, "peer": subB} {
		select {
		case got := <-sub:
			assert.Equal(t, "chat message", got.Type, name)
		case <-time.After(2 * time.Second):
			t.Fatalf("%s did not receive the event", name)
		}
	}

	resp, err := http.Get(strings.Replace(strings.TrimSuffix(url, pubsub.RelayPath), "ws://", "http://", 1) + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK 2", string(body))
}

func TestRelayCoordinatorCloseDisconnectsWorkers(t *testing.T) {
	cfg := pubsub.DefaultConfig()
	cfg.Relay.Address = "127.0.0.1:0"

	coord, err := NewCoordinator(cfg, log.Nop())
	require.NoError(t, err)
	env, err := coord.Start(context.Background())
	require.NoError(t, err)

	worker, err := pubsub.NewRelayPubSub(pubsub.RelayConfig{URL: envValue(env, "RELAY_URL")})
	require.NoError(t, err)
	defer worker.Close()

	require.NoError(t, coord.Close())

	select {
	case <-worker.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker still connected after relay closed")
	}
}

func TestRedisCoordinator(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := pubsub.DefaultConfig()
	cfg.Driver = pubsub.DriverRedis
	cfg.Redis.Address = mr.Addr()

	coord, err := NewCoordinator(cfg, log.Nop())
	require.NoError(t, err)

	env, err := coord.Start(context.Background())
	require.NoError(t, err)
	defer coord.Close()

	assert.Equal(t, pubsub.DriverRedis, envValue(env, "PUBSUB_DRIVER"))
	assert.Equal(t, mr.Addr(), envValue(env, "REDIS_ADDRESS"))
}

func TestRedisCoordinatorUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := pubsub.DefaultConfig()
	cfg.Driver = pubsub.DriverRedis
	cfg.Redis.Address = addr

	coord, err := NewCoordinator(cfg, log.Nop())
	require.NoError(t, err)

	_, err = coord.Start(context.Background())
	assert.Error(t, err)
}

func TestNewCoordinatorRejectsMemoryDriver(t *testing.T) {
	cfg := pubsub.DefaultConfig()
	cfg.Driver = pubsub.DriverMemory
	_, err := NewCoordinator(cfg, log.Nop())
	assert.Error(t, err)

	cfg.Driver = "carrier-pigeon"
	_, err = NewCoordinator(cfg, log.Nop())
	assert.Error(t, err)
}
