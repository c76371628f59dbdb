package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-chat-relay/internal/config"
	"github.com/weiawesome/wes-chat-relay/internal/supervisor"
	"github.com/weiawesome/wes-chat-relay/pkg/pubsub"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestRootCommands(t *testing.T) {
	root := newRootCmd()

	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["supervise"])
	assert.True(t, names["worker"])
	assert.True(t, names["standalone"])
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
}

func TestGoroutineLauncherRunsWorkers(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Server.Host = "127.0.0.1"
	cfg.Database.Path = filepath.Join(t.TempDir(), "chat.db")
	cfg.Database.LogLevel = "silent"
	cfg.Log.Level = "error"

	launcher := &goroutineLauncher{cfg: cfg, bus: pubsub.NewMemoryBus()}
	health := supervisor.NewHTTPHealthChecker(time.Second)

	var procs []supervisor.Process
	var ports []int
	for id := range 2 {
		port := freePort(t)
		p, err := launcher.Launch(context.Background(), supervisor.WorkerSpec{ID: id, Port: port})
		require.NoError(t, err)
		procs = append(procs, p)
		ports = append(ports, port)
	}

	for _, port := range ports {
		require.Eventually(t, func() bool {
			return health.Check(context.Background(), port) == nil
		}, 5*time.Second, 20*time.Millisecond)
	}

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/health", ports[1]))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, pubsub.DriverRelay, cfg.PubSub.Driver, "launcher must not mutate the shared config")

	for _, p := range procs {
		require.NoError(t, p.Stop())
		assert.NoError(t, p.Wait())
	}
}
