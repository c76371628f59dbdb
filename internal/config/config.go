package config

import (
	"time"

	"github.com/spf13/viper"

	pkgconfig "github.com/weiawesome/wes-chat-relay/pkg/config"
	"github.com/weiawesome/wes-chat-relay/pkg/database"
	pkglog "github.com/weiawesome/wes-chat-relay/pkg/log"
	"github.com/weiawesome/wes-chat-relay/pkg/pubsub"
)

type Config struct {
	Server     ServerConfig
	WebSocket  WebSocketConfig
	Recovery   RecoveryConfig
	Database   DatabaseConfig
	PubSub     pubsub.Config `mapstructure:"pubsub"`
	Supervisor SupervisorConfig
	Retry      RetryConfig
	Log        LogConfig
}

type ServerConfig struct {
	Host     string
	Port     int
	WorkerID int `mapstructure:"worker_id"`
}

type WebSocketConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	SendBuffer     int           `mapstructure:"send_buffer"`
}

// RecoveryConfig bounds connection-state recovery kept by the hub.
type RecoveryConfig struct {
	Enabled          bool
	MaxDisconnection time.Duration `mapstructure:"max_disconnection"`
	MaxPackets       int           `mapstructure:"max_packets"`
}

type DatabaseConfig struct {
	Driver       string
	Path         string
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string `mapstructure:"ssl_mode"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	LogLevel     string `mapstructure:"log_level"`
}

type SupervisorConfig struct {
	Workers        int
	BasePort       int           `mapstructure:"base_port"`
	HealthInterval time.Duration `mapstructure:"health_interval"`
	HealthTimeout  time.Duration `mapstructure:"health_timeout"`
	MaxFailures    int           `mapstructure:"max_failures"`
	RestartInitial time.Duration `mapstructure:"restart_initial"`
	RestartMax     time.Duration `mapstructure:"restart_max"`
	StableAfter    time.Duration `mapstructure:"stable_after"`
	StartupGrace   time.Duration `mapstructure:"startup_grace"`
}

type RetryConfig struct {
	MaxAttempts     uint          `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

type LogConfig struct {
	Level  string
	Pretty bool
}

// Load reads ./config/config.yaml (optional) or the file at path, then
// applies environment overrides.
func Load(path string) (*Config, error) {
	var (
		v   *viper.Viper
		err error
	)
	if path != "" {
		v, err = pkgconfig.LoadFile(path)
	} else {
		v, err = pkgconfig.Load("./config", "config")
	}
	if err != nil {
		return nil, err
	}

	setDefaults(v)
	bindEnv(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Parse durations
	cfg.WebSocket.PingInterval = parseDuration(v, "websocket.ping_interval", 25*time.Second)
	cfg.WebSocket.PongWait = parseDuration(v, "websocket.pong_wait", 60*time.Second)
	cfg.WebSocket.WriteWait = parseDuration(v, "websocket.write_wait", 10*time.Second)
	cfg.Recovery.MaxDisconnection = parseDuration(v, "recovery.max_disconnection", 2*time.Minute)
	cfg.Supervisor.HealthInterval = parseDuration(v, "supervisor.health_interval", 5*time.Second)
	cfg.Supervisor.HealthTimeout = parseDuration(v, "supervisor.health_timeout", 2*time.Second)
	cfg.Supervisor.RestartInitial = parseDuration(v, "supervisor.restart_initial", 500*time.Millisecond)
	cfg.Supervisor.RestartMax = parseDuration(v, "supervisor.restart_max", 30*time.Second)
	cfg.Supervisor.StableAfter = parseDuration(v, "supervisor.stable_after", time.Minute)
	cfg.Supervisor.StartupGrace = parseDuration(v, "supervisor.startup_grace", 10*time.Second)
	cfg.Retry.InitialInterval = parseDuration(v, "retry.initial_interval", 50*time.Millisecond)
	cfg.Retry.MaxInterval = parseDuration(v, "retry.max_interval", 500*time.Millisecond)
	cfg.PubSub.Relay.DialTimeout = parseDuration(v, "pubsub.relay.dial_timeout", 5*time.Second)
	cfg.PubSub.Relay.SubscribeWait = parseDuration(v, "pubsub.relay.subscribe_wait", 5*time.Second)
	cfg.PubSub.Relay.PingInterval = parseDuration(v, "pubsub.relay.ping_interval", 30*time.Second)
	cfg.PubSub.Redis.ReadTimeout = parseDuration(v, "pubsub.redis.read_timeout", 3*time.Second)
	cfg.PubSub.Redis.WriteTimeout = parseDuration(v, "pubsub.redis.write_timeout", 3*time.Second)

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := pubsub.DefaultConfig()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.worker_id", 0)
	v.SetDefault("websocket.ping_interval", "25s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.max_message_size", 1<<20)
	v.SetDefault("websocket.send_buffer", 256)
	v.SetDefault("recovery.enabled", true)
	v.SetDefault("recovery.max_disconnection", "2m")
	v.SetDefault("recovery.max_packets", 1000)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "chat.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "chat")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.log_level", "error")
	v.SetDefault("pubsub.driver", def.Driver)
	v.SetDefault("pubsub.relay.address", def.Relay.Address)
	v.SetDefault("pubsub.relay.url", "")
	v.SetDefault("pubsub.relay.dial_timeout", "5s")
	v.SetDefault("pubsub.relay.subscribe_wait", "5s")
	v.SetDefault("pubsub.relay.ping_interval", "30s")
	v.SetDefault("pubsub.relay.max_message_size", def.Relay.MaxMessageSize)
	v.SetDefault("pubsub.redis.address", def.Redis.Address)
	v.SetDefault("pubsub.redis.password", "")
	v.SetDefault("pubsub.redis.db", 0)
	v.SetDefault("pubsub.redis.pool_size", def.Redis.PoolSize)
	v.SetDefault("pubsub.redis.read_timeout", "3s")
	v.SetDefault("pubsub.redis.write_timeout", "3s")
	v.SetDefault("pubsub.kafka.brokers", def.Kafka.Brokers)
	v.SetDefault("pubsub.kafka.group_id", def.Kafka.GroupID)
	v.SetDefault("pubsub.kafka.partitions", def.Kafka.Partitions)
	v.SetDefault("supervisor.workers", 0)
	v.SetDefault("supervisor.base_port", 3000)
	v.SetDefault("supervisor.health_interval", "5s")
	v.SetDefault("supervisor.health_timeout", "2s")
	v.SetDefault("supervisor.max_failures", 3)
	v.SetDefault("supervisor.restart_initial", "500ms")
	v.SetDefault("supervisor.restart_max", "30s")
	v.SetDefault("supervisor.stable_after", "1m")
	v.SetDefault("supervisor.startup_grace", "10s")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_interval", "50ms")
	v.SetDefault("retry.max_interval", "500ms")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

// Override from environment
func bindEnv(v *viper.Viper) {
	v.BindEnv("server.port", "PORT")
	v.BindEnv("server.worker_id", "WORKER_ID")
	v.BindEnv("supervisor.workers", "WORKERS")
	v.BindEnv("supervisor.base_port", "BASE_PORT")
	v.BindEnv("database.driver", "DATABASE_DRIVER")
	v.BindEnv("database.path", "DATABASE_PATH")
	v.BindEnv("database.host", "DATABASE_HOST")
	v.BindEnv("database.port", "DATABASE_PORT")
	v.BindEnv("database.user", "DATABASE_USER")
	v.BindEnv("database.password", "DATABASE_PASSWORD")
	v.BindEnv("database.name", "DATABASE_NAME")
	v.BindEnv("pubsub.driver", "PUBSUB_DRIVER")
	v.BindEnv("pubsub.relay.url", "RELAY_URL")
	v.BindEnv("pubsub.relay.address", "RELAY_ADDRESS")
	v.BindEnv("pubsub.redis.address", "REDIS_ADDRESS")
	v.BindEnv("pubsub.redis.password", "REDIS_PASSWORD")
	v.BindEnv("pubsub.kafka.brokers", "KAFKA_BROKERS")
	v.BindEnv("log.level", "LOG_LEVEL")
}

// DatabaseOptions converts to the pkg/database form.
func (c DatabaseConfig) DatabaseOptions() *database.Config {
	return &database.Config{
		Driver:       c.Driver,
		Host:         c.Host,
		Port:         c.Port,
		User:         c.User,
		Password:     c.Password,
		DBName:       c.Name,
		SSLMode:      c.SSLMode,
		FilePath:     c.Path,
		MaxOpenConns: c.MaxOpenConns,
		MaxIdleConns: c.MaxIdleConns,
		LogLevel:     c.LogLevel,
	}
}

// Logger builds the logger config. workerID < 0 omits the worker field.
func (c LogConfig) Logger(service string, workerID int) pkglog.Config {
	return pkglog.Config{
		Level:       c.Level,
		Pretty:      c.Pretty,
		ServiceName: service,
		WorkerID:    workerID,
	}
}

func parseDuration(v *viper.Viper, key string, defaultVal time.Duration) time.Duration {
	str := v.GetString(key)
	d, err := time.ParseDuration(str)
	if err != nil {
		return defaultVal
	}
	return d
}
