package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server        ServerConfig
	Redis         RedisConfig
	Worker        WorkerConfig
	Queue         QueueConfig
	Metrics       MetricsConfig
	Auth          AuthConfig
	ResultBackend ResultBackendConfig
	DeadLetter    DeadLetterConfig
	Saga          SagaConfig
	CircuitBreaker CircuitBreakerConfig
	KillSwitch    KillSwitchConfig
	SignalBus     SignalBusConfig
	LogLevel      string
}

type ServerConfig struct {
	Host         string
	Port         int
	AdminPort    int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type WorkerConfig struct {
	ID                             string
	Concurrency                    int
	HeartbeatInterval              time.Duration
	HeartbeatTimeout               time.Duration
	ShutdownTimeout                time.Duration
	EnableRevocation               bool
	CheckRevocationBeforeExecution bool
	EnableRateLimiting             bool
	RateLimitRequeueDelay          time.Duration
}

// ResultBackendConfig configures the result backend (Redis-backed
// `internal/resultbackend.RedisBackend`).
type ResultBackendConfig struct {
	ConnectionString    string
	TableName           string
	Schema              string
	DefaultExpiry       time.Duration
	PollingInterval     time.Duration
	UseNotify           bool
	NotifyChannelPrefix string
	AutoCreateTables    bool
	CleanupInterval     time.Duration
	CleanupBatchSize    int
	CommandTimeout      time.Duration
}

// DeadLetterConfig configures `internal/dlq.Store`.
type DeadLetterConfig struct {
	MaxMessages int64
}

// SagaConfig configures `internal/saga.Store`.
type SagaConfig struct {
	CompletedTTL     time.Duration
	StepTTL          time.Duration
	MaxRetries       int
	RetryBackoff     time.Duration
}

// CircuitBreakerConfig configures `internal/breaker.CircuitBreaker`
// instances (one per queue when UsePerQueue is set).
type CircuitBreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	OpenDuration     time.Duration
	FailureWindow    time.Duration
	UsePerQueue      bool
	TripOnExceptions []string
	IgnoreExceptions []string
}

// KillSwitchConfig configures `internal/breaker.KillSwitch`.
type KillSwitchConfig struct {
	ActivationThreshold int
	TripThreshold       float64
	TrackingWindow      time.Duration
	RestartTimeout      time.Duration
	TripOnExceptions    []string
	IgnoreExceptions    []string
}

// SignalBusConfig configures `internal/signalbus.Store`, the durable
// queued-dispatch mode for lifecycle signals. When Enabled is false
// (the default), producers publish through `internal/events.RedisPubSub`
// instead, which is fire-and-forget.
type SignalBusConfig struct {
	Enabled          bool
	StreamKey        string
	ConsumerGroup    string
	BlockTimeout     time.Duration
	ClaimMinIdle     time.Duration
	RecoveryInterval time.Duration
}

type QueueConfig struct {
	// Names lists the queues workers consume from and the admin API
	// reports depths for. Arbitrary queue names may still be published
	// to at runtime; this list only bounds what's shown/consumed by
	// default.
	Names               []string
	StreamPrefix        string
	ConsumerGroup       string
	MaxQueueSize        int64
	BlockTimeout        time.Duration
	ClaimMinIdle        time.Duration
	RecoveryInterval    time.Duration
	RetryMaxAttempts    int
	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration
	RetryBackoffFactor  float64
	TaskRetentionDays   int
	RateLimitRPS        int
}

type MetricsConfig struct {
	Enabled bool
	Path    string
}

type AuthConfig struct {
	Enabled   bool
	JWTSecret string
	APIKeys   []string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/taskqueue")

	// Set defaults
	setDefaults()

	// Environment variable binding
	viper.SetEnvPrefix("TASKQUEUE")
	viper.AutomaticEnv()

	// Read config file (optional)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.adminport", 8081)
	viper.SetDefault("server.readtimeout", 30*time.Second)
	viper.SetDefault("server.writetimeout", 30*time.Second)
	viper.SetDefault("server.idletimeout", 120*time.Second)

	// Redis defaults
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.poolsize", 100)
	viper.SetDefault("redis.minidleconns", 10)
	viper.SetDefault("redis.maxretries", 3)
	viper.SetDefault("redis.dialtimeout", 5*time.Second)
	viper.SetDefault("redis.readtimeout", 3*time.Second)
	viper.SetDefault("redis.writetimeout", 3*time.Second)

	// Worker defaults
	viper.SetDefault("worker.id", "")
	viper.SetDefault("worker.concurrency", 10)
	viper.SetDefault("worker.heartbeatinterval", 5*time.Second)
	viper.SetDefault("worker.heartbeattimeout", 15*time.Second)
	viper.SetDefault("worker.shutdowntimeout", 30*time.Second)
	viper.SetDefault("worker.enablerevocation", true)
	viper.SetDefault("worker.checkrevocationbeforeexecution", true)
	viper.SetDefault("worker.enableratelimiting", true)
	viper.SetDefault("worker.ratelimitrequeuedelay", 0)

	// Queue defaults
	viper.SetDefault("queue.names", []string{"default", "critical", "high", "low"})
	viper.SetDefault("queue.streamprefix", "tasks")
	viper.SetDefault("queue.consumergroup", "workers")
	viper.SetDefault("queue.maxqueuesize", 1000000)
	viper.SetDefault("queue.blocktimeout", 5*time.Second)
	viper.SetDefault("queue.claimminidle", 30*time.Second)
	viper.SetDefault("queue.recoveryinterval", 10*time.Second)
	viper.SetDefault("queue.retrymaxattempts", 3)
	viper.SetDefault("queue.retryinitialbackoff", 1*time.Second)
	viper.SetDefault("queue.retrymaxbackoff", 5*time.Minute)
	viper.SetDefault("queue.retrybackofffactor", 2.0)
	viper.SetDefault("queue.taskretentiondays", 7)
	viper.SetDefault("queue.ratelimitrps", 1000)

	// Metrics defaults
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")

	// Auth defaults
	viper.SetDefault("auth.enabled", false)
	viper.SetDefault("auth.jwtsecret", "")
	viper.SetDefault("auth.apikeys", []string{})

	// Result backend defaults
	viper.SetDefault("resultbackend.tablename", "task_results")
	viper.SetDefault("resultbackend.schema", "public")
	viper.SetDefault("resultbackend.defaultexpiry", 24*time.Hour)
	viper.SetDefault("resultbackend.pollinginterval", 500*time.Millisecond)
	viper.SetDefault("resultbackend.usenotify", true)
	viper.SetDefault("resultbackend.notifychannelprefix", "taskqueue:result:notify")
	viper.SetDefault("resultbackend.autocreatetables", true)
	viper.SetDefault("resultbackend.cleanupinterval", 10*time.Minute)
	viper.SetDefault("resultbackend.cleanupbatchsize", 500)
	viper.SetDefault("resultbackend.commandtimeout", 5*time.Second)

	// Dead-letter defaults
	viper.SetDefault("deadletter.maxmessages", 100000)

	// Saga defaults
	viper.SetDefault("saga.completedttl", 7*24*time.Hour)
	viper.SetDefault("saga.stepttl", 24*time.Hour)
	viper.SetDefault("saga.maxretries", 3)
	viper.SetDefault("saga.retrybackoff", 1*time.Second)

	// Circuit breaker defaults
	viper.SetDefault("circuitbreaker.failurethreshold", 5)
	viper.SetDefault("circuitbreaker.successthreshold", 2)
	viper.SetDefault("circuitbreaker.openduration", 30*time.Second)
	viper.SetDefault("circuitbreaker.failurewindow", 1*time.Minute)
	viper.SetDefault("circuitbreaker.useperqueue", true)

	// Kill switch defaults
	viper.SetDefault("killswitch.activationthreshold", 20)
	viper.SetDefault("killswitch.tripthreshold", 0.5)
	viper.SetDefault("killswitch.trackingwindow", 1*time.Minute)
	viper.SetDefault("killswitch.restarttimeout", 30*time.Second)

	// Signal bus defaults
	viper.SetDefault("signalbus.enabled", false)
	viper.SetDefault("signalbus.streamkey", "taskqueue:signals")
	viper.SetDefault("signalbus.consumergroup", "signal-subscribers")
	viper.SetDefault("signalbus.blocktimeout", 5*time.Second)
	viper.SetDefault("signalbus.claimminidle", 30*time.Second)
	viper.SetDefault("signalbus.recoveryinterval", 30*time.Second)

	// Logging defaults
	viper.SetDefault("loglevel", "info")
}
