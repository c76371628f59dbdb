package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/weiawesome/wes-chat-relay/internal/config"
	"github.com/weiawesome/wes-chat-relay/pkg/log"
)

var (
	ErrWorkerExited    = errors.New("worker exited")
	ErrWorkerUnhealthy = errors.New("worker unhealthy")
	ErrWorkerPanic     = errors.New("worker supervision panicked")
)

// Options controls pool size and restart policy.
type Options struct {
	// Workers <= 0 means one per CPU.
	Workers  int
	BasePort int

	HealthInterval time.Duration
	HealthTimeout  time.Duration
	// MaxFailures consecutive failed checks get a worker replaced.
	MaxFailures int
	// Failed checks inside StartupGrace do not count.
	StartupGrace time.Duration

	RestartInitial time.Duration
	RestartMax     time.Duration
	// A worker that ran this long resets its restart backoff.
	StableAfter time.Duration
}

// OptionsFromConfig maps the supervisor section of the config.
func OptionsFromConfig(cfg config.SupervisorConfig) Options {
	return Options{
		Workers:        cfg.Workers,
		BasePort:       cfg.BasePort,
		HealthInterval: cfg.HealthInterval,
		HealthTimeout:  cfg.HealthTimeout,
		MaxFailures:    cfg.MaxFailures,
		StartupGrace:   cfg.StartupGrace,
		RestartInitial: cfg.RestartInitial,
		RestartMax:     cfg.RestartMax,
		StableAfter:    cfg.StableAfter,
	}
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = runtime.NumCPU()
	}
	if o.BasePort <= 0 {
		o.BasePort = 3000
	}
	if o.HealthTimeout <= 0 {
		o.HealthTimeout = 2 * time.Second
	}
	if o.MaxFailures <= 0 {
		o.MaxFailures = 3
	}
	if o.RestartInitial <= 0 {
		o.RestartInitial = 500 * time.Millisecond
	}
	if o.RestartMax < o.RestartInitial {
		o.RestartMax = max(30*time.Second, o.RestartInitial)
	}
	if o.StableAfter <= 0 {
		o.StableAfter = time.Minute
	}
	return o
}

// WorkerStatus is a point-in-time view of one slot.
type WorkerStatus struct {
	ID        int
	Port      int
	PID       int
	Running   bool
	Restarts  int
	LastError string
}

type workerState struct {
	mu     sync.Mutex
	status WorkerStatus
}

func (w *workerState) started(pid int) {
	w.mu.Lock()
	w.status.PID = pid
	w.status.Running = true
	w.mu.Unlock()
}

func (w *workerState) stopped(err error) {
	w.mu.Lock()
	w.status.Running = false
	if err != nil {
		w.status.LastError = err.Error()
	}
	w.mu.Unlock()
}

func (w *workerState) restarted() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status.Restarts++
	return w.status.Restarts
}

func (w *workerState) snapshot() WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Supervisor keeps a fixed pool of workers on sequential ports. The shared
// coordination primitive is started once, before the first worker, and
// every worker inherits the environment it returns.
type Supervisor struct {
	opts        Options
	launcher    Launcher
	coordinator Coordinator
	health      HealthChecker
	logger      zerolog.Logger

	workers []*workerState
}

// New builds a supervisor. coordinator and health may be nil.
func New(opts Options, launcher Launcher, coordinator Coordinator, health HealthChecker, logger zerolog.Logger) *Supervisor {
	opts = opts.withDefaults()

	workers := make([]*workerState, opts.Workers)
	for i := range workers {
		workers[i] = &workerState{status: WorkerStatus{ID: i, Port: opts.BasePort + i}}
	}

	return &Supervisor{
		opts:        opts,
		launcher:    launcher,
		coordinator: coordinator,
		health:      health,
		logger:      logger,
		workers:     workers,
	}
}

// Status reports every slot in port order.
func (s *Supervisor) Status() []WorkerStatus {
	return lo.Map(s.workers, func(w *workerState, _ int) WorkerStatus {
		return w.snapshot()
	})
}

// Run blocks until ctx is cancelled and every worker has been stopped.
func (s *Supervisor) Run(ctx context.Context) error {
	var env []string
	if s.coordinator != nil {
		var err error
		env, err = s.coordinator.Start(ctx)
		if err != nil {
			return fmt.Errorf("failed to start coordinator: %w", err)
		}
		defer func() {
			if err := s.coordinator.Close(); err != nil {
				s.logger.Warn().Err(err).Msg("coordinator close failed")
			}
		}()
	}

	s.logger.Info().
		Int("workers", len(s.workers)).
		Int(log.FieldPort, s.opts.BasePort).
		Msg("starting worker pool")

	var g errgroup.Group
	for _, w := range s.workers {
		spec := WorkerSpec{ID: w.status.ID, Port: w.status.Port, Env: env}
		g.Go(func() error {
			s.supervise(ctx, spec, w)
			return nil
		})
	}
	err := g.Wait()

	s.logger.Info().Msg("worker pool stopped")
	return err
}

func (s *Supervisor) supervise(ctx context.Context, spec WorkerSpec, w *workerState) {
	l := s.logger.With().Int(log.FieldWorkerID, spec.ID).Int(log.FieldPort, spec.Port).Logger()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.RestartInitial
	b.MaxInterval = s.opts.RestartMax
	b.Multiplier = 2
	b.RandomizationFactor = 0.2

	for {
		if ctx.Err() != nil {
			return
		}

		started := time.Now()
		err := s.runOnce(ctx, spec, w, l)
		if ctx.Err() != nil {
			l.Info().Msg("worker stopped")
			return
		}

		if time.Since(started) >= s.opts.StableAfter {
			b.Reset()
		}
		delay := b.NextBackOff()
		restarts := w.restarted()

		l.Warn().Err(err).
			Int("restarts", restarts).
			Dur("delay", delay).
			Msg("worker failed, restarting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// runOnce launches one process and watches it until it exits, fails its
// health checks or ctx is cancelled. Cancellation returns nil.
func (s *Supervisor) runOnce(ctx context.Context, spec WorkerSpec, w *workerState, l zerolog.Logger) (err error) {
	var proc Process
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrWorkerPanic, r)
			if proc != nil {
				// The replacement will bind the same port.
				if serr := proc.Stop(); serr != nil {
					l.Warn().Err(serr).Msg("worker stop after panic failed")
				}
			}
			w.stopped(err)
		}
	}()

	proc, err = s.launcher.Launch(ctx, spec)
	if err != nil {
		w.stopped(err)
		return err
	}
	w.started(proc.PID())
	l.Info().Int(log.FieldPID, proc.PID()).Msg("worker started")

	exited := make(chan error, 1)
	go func() { exited <- proc.Wait() }()

	stop := func() {
		if err := proc.Stop(); err != nil {
			l.Warn().Err(err).Msg("worker stop failed")
		}
		<-exited
	}

	var tick <-chan time.Time
	if s.health != nil && s.opts.HealthInterval > 0 {
		t := time.NewTicker(s.opts.HealthInterval)
		defer t.Stop()
		tick = t.C
	}

	launched := time.Now()
	failures := 0

	for {
		select {
		case <-ctx.Done():
			stop()
			w.stopped(nil)
			return nil

		case exitErr := <-exited:
			err = ErrWorkerExited
			if exitErr != nil {
				err = fmt.Errorf("%w: %w", ErrWorkerExited, exitErr)
			}
			w.stopped(err)
			return err

		case <-tick:
			hctx, cancel := context.WithTimeout(ctx, s.opts.HealthTimeout)
			herr := s.health.Check(hctx, spec.Port)
			cancel()
			if herr == nil {
				failures = 0
				continue
			}
			if ctx.Err() != nil || time.Since(launched) < s.opts.StartupGrace {
				continue
			}

			failures++
			l.Warn().Err(herr).Int("failures", failures).Msg("worker health check failed")
			if failures >= s.opts.MaxFailures {
				stop()
				err = fmt.Errorf("%w: %w", ErrWorkerUnhealthy, herr)
				w.stopped(err)
				return err
			}
		}
	}
}
