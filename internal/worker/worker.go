package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/weiawesome/wes-chat-relay/internal/config"
	"github.com/weiawesome/wes-chat-relay/internal/fanout"
	"github.com/weiawesome/wes-chat-relay/internal/handler"
	"github.com/weiawesome/wes-chat-relay/internal/hub"
	"github.com/weiawesome/wes-chat-relay/internal/repository"
	"github.com/weiawesome/wes-chat-relay/internal/service"
	"github.com/weiawesome/wes-chat-relay/pkg/database"
	pkglog "github.com/weiawesome/wes-chat-relay/pkg/log"
	"github.com/weiawesome/wes-chat-relay/pkg/pubsub"
)

const shutdownTimeout = 10 * time.Second

// Worker is one isolated chat relay: a hub, a chat service, a fan-out
// subscription and an HTTP server, sharing only the database and the pub/sub
// channel with its siblings.
type Worker struct {
	cfg      *config.Config
	id       int
	logger   zerolog.Logger
	ps       pubsub.PubSub
	listener net.Listener
	ready    chan string
}

type Option func(*Worker)

// WithPubSub injects the pub/sub handle instead of building one from config.
// The worker still closes it on exit.
func WithPubSub(ps pubsub.PubSub) Option {
	return func(w *Worker) { w.ps = ps }
}

// WithListener serves on an existing listener instead of server.port.
func WithListener(ln net.Listener) Option {
	return func(w *Worker) { w.listener = ln }
}

// WithLogger overrides the global logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(w *Worker) { w.logger = logger }
}

func New(cfg *config.Config, opts ...Option) *Worker {
	w := &Worker{
		cfg:    cfg,
		id:     cfg.Server.WorkerID,
		logger: pkglog.L(),
		ready:  make(chan string, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Ready receives the listen address once the worker accepts connections.
func (w *Worker) Ready() <-chan string {
	return w.ready
}

// Run blocks until ctx is done or a component fails. The fan-out
// subscription is confirmed before the listener accepts connections.
func (w *Worker) Run(ctx context.Context) error {
	logger := w.logger
	ctx = pkglog.WithLogger(ctx, logger)

	db, err := database.New(w.cfg.Database.DatabaseOptions())
	if err != nil {
		return err
	}
	defer database.Close(db)

	repo := repository.NewGormMessageRepository(db)
	if err := repo.Migrate(); err != nil {
		return fmt.Errorf("failed to migrate messages table: %w", err)
	}
	store := repository.NewRetryingRepository(repo, repository.RetryConfig{
		MaxAttempts:     w.cfg.Retry.MaxAttempts,
		InitialInterval: w.cfg.Retry.InitialInterval,
		MaxInterval:     w.cfg.Retry.MaxInterval,
	})

	ps := w.ps
	if ps == nil {
		ps, err = pubsub.NewPubSub(w.cfg.PubSub)
		if err != nil {
			return fmt.Errorf("failed to connect pubsub: %w", err)
		}
	}
	defer ps.Close()

	g, gctx := errgroup.WithContext(ctx)

	wsHub := hub.NewHub(w.cfg.WebSocket, w.cfg.Recovery)
	adapter := fanout.NewAdapter(ps, wsHub, fanout.Options{
		Origin: fmt.Sprintf("worker-%d", w.id),
	})
	if err := adapter.Subscribe(gctx); err != nil {
		return err
	}

	chatSvc := service.NewChatService(store, adapter)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(pkglog.GinMiddleware(logger))
	handler.NewWSHandler(wsHub, chatSvc, w.cfg.WebSocket).RegisterRoutes(r)
	handler.NewHTTPHandler(store, wsHub, w.id).RegisterRoutes(r)

	ln := w.listener
	if ln == nil {
		addr := fmt.Sprintf("%s:%d", w.cfg.Server.Host, w.cfg.Server.Port)
		ln, err = net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to listen: %w", err)
		}
	}

	server := &http.Server{
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	g.Go(func() error {
		wsHub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return adapter.Run(gctx)
	})
	g.Go(func() error {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	logger.Info().
		Str("addr", ln.Addr().String()).
		Str(pkglog.FieldDriver, w.cfg.PubSub.Driver).
		Str("database", w.cfg.Database.Driver).
		Msg("worker listening")
	w.ready <- ln.Addr().String()

	err = g.Wait()
	chatSvc.Wait()
	if err != nil {
		logger.Error().Err(err).Msg("worker stopped")
		return err
	}
	logger.Info().Msg("worker stopped")
	return nil
}
