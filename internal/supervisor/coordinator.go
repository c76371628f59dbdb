package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	pkglog "github.com/weiawesome/wes-chat-relay/pkg/log"
	"github.com/weiawesome/wes-chat-relay/pkg/pubsub"
)

// Coordinator initializes the shared fan-out primitive once, before any
// worker starts, and returns the environment workers need to reach it.
type Coordinator interface {
	Start(ctx context.Context) ([]string, error)
	Close() error
}

// NewCoordinator picks the coordinator for the configured driver.
func NewCoordinator(cfg pubsub.Config, logger zerolog.Logger) (Coordinator, error) {
	switch cfg.Driver {
	case pubsub.DriverRelay, "":
		return &RelayCoordinator{cfg: cfg.Relay, logger: logger}, nil
	case pubsub.DriverRedis:
		return &RedisCoordinator{cfg: cfg.Redis}, nil
	case pubsub.DriverKafka:
		return &KafkaCoordinator{cfg: cfg.Kafka}, nil
	case pubsub.DriverMemory:
		return nil, errors.New("the memory driver cannot span processes; use standalone mode")
	default:
		return nil, fmt.Errorf("unsupported pubsub driver: %s", cfg.Driver)
	}
}

// RelayCoordinator hosts the websocket relay inside the supervisor.
type RelayCoordinator struct {
	cfg    pubsub.RelayConfig
	logger zerolog.Logger

	relay  *pubsub.RelayServer
	server *http.Server
	addr   string
}

func (c *RelayCoordinator) Start(ctx context.Context) ([]string, error) {
	ln, err := net.Listen("tcp", c.cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for relay: %w", err)
	}
	c.addr = ln.Addr().String()

	c.relay = pubsub.NewRelayServer(c.cfg, c.logger)

	mux := http.NewServeMux()
	mux.Handle(pubsub.RelayPath, c.relay)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "OK %d", c.relay.PeerCount())
	})

	c.server = &http.Server{
		Handler:           pkglog.HTTPMiddleware(c.logger)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := c.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error().Err(err).Msg("relay server stopped")
		}
	}()

	url := c.URL()
	c.logger.Info().Str("url", url).Msg("relay listening")
	return []string{
		"PUBSUB_DRIVER=" + pubsub.DriverRelay,
		"RELAY_URL=" + url,
	}, nil
}

// URL is what workers dial.
func (c *RelayCoordinator) URL() string {
	return "ws://" + c.addr + pubsub.RelayPath
}

func (c *RelayCoordinator) Close() error {
	if c.server == nil {
		return nil
	}
	c.relay.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.server.Shutdown(ctx)
}

// RedisCoordinator verifies the broker is reachable.
type RedisCoordinator struct {
	cfg pubsub.RedisConfig
}

func (c *RedisCoordinator) Start(ctx context.Context) ([]string, error) {
	ps, err := pubsub.NewRedisPubSub(c.cfg)
	if err != nil {
		return nil, err
	}
	if err := ps.Close(); err != nil {
		return nil, err
	}
	return []string{
		"PUBSUB_DRIVER=" + pubsub.DriverRedis,
		"REDIS_ADDRESS=" + c.cfg.Address,
	}, nil
}

func (c *RedisCoordinator) Close() error { return nil }

// KafkaCoordinator creates the fan-out topic before workers subscribe.
type KafkaCoordinator struct {
	cfg pubsub.KafkaConfig
}

func (c *KafkaCoordinator) Start(ctx context.Context) ([]string, error) {
	ps, err := pubsub.NewKafkaPubSub(c.cfg)
	if err != nil {
		return nil, err
	}
	defer ps.Close()

	if err := ps.EnsureTopics(ctx); err != nil {
		return nil, err
	}
	return []string{
		"PUBSUB_DRIVER=" + pubsub.DriverKafka,
		"KAFKA_BROKERS=" + c.cfg.Brokers,
	}, nil
}

func (c *KafkaCoordinator) Close() error { return nil }
