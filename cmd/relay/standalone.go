package main

import (
	"context"
	"os"
	"sync"

	"github.com/weiawesome/wes-chat-relay/internal/config"
	"github.com/weiawesome/wes-chat-relay/internal/supervisor"
	"github.com/weiawesome/wes-chat-relay/internal/worker"
	pkglog "github.com/weiawesome/wes-chat-relay/pkg/log"
	"github.com/weiawesome/wes-chat-relay/pkg/pubsub"
)

// goroutineLauncher runs workers inside the current process. Each launch
// gets its own handle on the shared bus.
type goroutineLauncher struct {
	cfg *config.Config
	bus *pubsub.MemoryBus
}

func (l *goroutineLauncher) Launch(ctx context.Context, spec supervisor.WorkerSpec) (supervisor.Process, error) {
	cfg := *l.cfg
	cfg.Server.Port = spec.Port
	cfg.Server.WorkerID = spec.ID
	cfg.PubSub.Driver = pubsub.DriverMemory

	w := worker.New(&cfg,
		worker.WithPubSub(l.bus.Client()),
		worker.WithLogger(pkglog.New(cfg.Log.Logger(serviceName, spec.ID))),
	)

	runCtx, cancel := context.WithCancel(context.Background())
	p := &goroutineProcess{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		p.err = w.Run(runCtx)
	}()
	return p, nil
}

type goroutineProcess struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
	once   sync.Once
}

func (p *goroutineProcess) Wait() error {
	<-p.done
	return p.err
}

func (p *goroutineProcess) Stop() error {
	p.once.Do(p.cancel)
	<-p.done
	return nil
}

func (p *goroutineProcess) PID() int { return os.Getpid() }

func runStandalone(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath, false)
	if err != nil {
		return err
	}
	logger := pkglog.L()

	launcher := &goroutineLauncher{cfg: cfg, bus: pubsub.NewMemoryBus()}
	s := supervisor.New(
		supervisor.OptionsFromConfig(cfg.Supervisor),
		launcher,
		nil,
		supervisor.NewHTTPHealthChecker(cfg.Supervisor.HealthTimeout),
		logger,
	)
	return s.Run(ctx)
}
