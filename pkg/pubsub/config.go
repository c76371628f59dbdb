package pubsub

import (
	"fmt"
	"time"
)

// Driver names accepted by NewPubSub.
const (
	DriverRelay  = "relay"
	DriverMemory = "memory"
	DriverRedis  = "redis"
	DriverKafka  = "kafka"
)

// KafkaConfig holds Kafka-specific configuration.
type KafkaConfig struct {
	Brokers    string `mapstructure:"brokers"`
	GroupID    string `mapstructure:"group_id"`
	Partitions int    `mapstructure:"partitions"`
}

// RedisConfig holds Redis-specific configuration.
type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// RelayConfig holds configuration for the supervisor-hosted relay.
type RelayConfig struct {
	// Address is where the supervisor listens, e.g. "127.0.0.1:7070".
	Address string `mapstructure:"address"`
	// URL is what workers dial, e.g. "ws://127.0.0.1:7070/relay".
	// The supervisor fills it in for the workers it spawns.
	URL            string        `mapstructure:"url"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	SubscribeWait  time.Duration `mapstructure:"subscribe_wait"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
}

// Config holds the configuration for the pub/sub system.
type Config struct {
	Driver string      `mapstructure:"driver"` // "relay", "memory", "redis", "kafka"
	Redis  RedisConfig `mapstructure:"redis"`
	Kafka  KafkaConfig `mapstructure:"kafka"`
	Relay  RelayConfig `mapstructure:"relay"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Driver: DriverRelay,
		Redis: RedisConfig{
			Address:      "localhost:6379",
			Password:     "",
			DB:           0,
			PoolSize:     10,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Kafka: KafkaConfig{
			Brokers:    "localhost:9092",
			GroupID:    "chat-relay",
			Partitions: 1,
		},
		Relay: RelayConfig{
			Address:        "127.0.0.1:7070",
			DialTimeout:    5 * time.Second,
			SubscribeWait:  5 * time.Second,
			PingInterval:   30 * time.Second,
			MaxMessageSize: 1 << 20,
		},
	}
}

// NewPubSub creates a new PubSub instance based on the configuration.
// The memory driver returns a private bus; share a MemoryBus explicitly when
// several handles must see each other.
func NewPubSub(cfg Config) (PubSub, error) {
	switch cfg.Driver {
	case DriverKafka:
		return NewKafkaPubSub(cfg.Kafka)
	case DriverRedis:
		return NewRedisPubSub(cfg.Redis)
	case DriverMemory:
		return NewMemoryPubSub(), nil
	case DriverRelay, "":
		return NewRelayPubSub(cfg.Relay)
	default:
		return nil, fmt.Errorf("unsupported pubsub driver: %s", cfg.Driver)
	}
}
