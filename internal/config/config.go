package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	goredis "github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/cuongbtq/jobqueue/internal/clock"
	"github.com/cuongbtq/jobqueue/internal/domain"
	"github.com/cuongbtq/jobqueue/internal/engine"
	"github.com/cuongbtq/jobqueue/internal/jobs"
	"github.com/cuongbtq/jobqueue/internal/pqueue"
	"github.com/cuongbtq/jobqueue/internal/ratelimit"
	"github.com/cuongbtq/jobqueue/internal/retry"
	"github.com/cuongbtq/jobqueue/internal/scheduler"
	"github.com/cuongbtq/jobqueue/internal/worker"
	"github.com/cuongbtq/jobqueue/shared/logger"
	"github.com/cuongbtq/jobqueue/shared/postgresql"
	"github.com/cuongbtq/jobqueue/shared/rabbitmq"
	"github.com/cuongbtq/jobqueue/shared/redis"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig      `yaml:"server"`
	Database   DatabaseConfig    `yaml:"database"`
	RabbitMQ   RabbitMQConfig    `yaml:"rabbitmq"`
	Redis      RedisConfig       `yaml:"redis"`
	Logging    LoggingConfig     `yaml:"logging"`
	App        AppConfig         `yaml:"app"`
	Worker     WorkerConfig      `yaml:"worker"`
	Engine     EngineConfig      `yaml:"engine"`
	Queues     []QueueSettings   `yaml:"queues"`
	RateLimits []RateLimitConfig `yaml:"rate_limits"`
	Schedules  []ScheduleConfig  `yaml:"schedules"`
	Metrics    MetricsConfig     `yaml:"metrics"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" env:"SERVER_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host" env:"DATABASE_HOST"`
	Port            int           `yaml:"port" env:"DATABASE_PORT"`
	User            string        `yaml:"user" env:"DATABASE_USER"`
	Password        string        `yaml:"password" env:"DATABASE_PASSWORD"`
	Database        string        `yaml:"database" env:"DATABASE_NAME"`
	SSLMode         string        `yaml:"sslmode" env:"DATABASE_SSLMODE"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	// Migrate applies the embedded job schema at startup
	Migrate bool `yaml:"migrate" env:"DATABASE_MIGRATE"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	// Enabled turns on wake-up broadcasts between processes
	Enabled    bool             `yaml:"enabled" env:"RABBITMQ_ENABLED"`
	Host       string           `yaml:"host" env:"RABBITMQ_HOST"`
	Port       int              `yaml:"port" env:"RABBITMQ_PORT"`
	User       string           `yaml:"user" env:"RABBITMQ_USER"`
	Password   string           `yaml:"password" env:"RABBITMQ_PASSWORD"`
	VHost      string           `yaml:"vhost" env:"RABBITMQ_VHOST"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration. An empty name lets the
// broker assign one per process.
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	Tag           string `yaml:"tag"`
	PrefetchCount int    `yaml:"prefetch_count"`
}

// RedisConfig holds the connection used by shared rate limits
type RedisConfig struct {
	Enabled     bool          `yaml:"enabled" env:"REDIS_ENABLED"`
	Addr        string        `yaml:"addr" env:"REDIS_ADDR"`
	Password    string        `yaml:"password" env:"REDIS_PASSWORD"`
	DB          int           `yaml:"db" env:"REDIS_DB"`
	PoolSize    int           `yaml:"pool_size"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	KeyPrefix   string        `yaml:"key_prefix"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level" env:"LOG_LEVEL"`
	Format       string `yaml:"format" env:"LOG_FORMAT"`
	Output       string `yaml:"output" env:"LOG_OUTPUT"`
	EnableSource bool   `yaml:"enable_source"`
	TimeFormat   string `yaml:"time_format"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment" env:"APP_ENV"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	// ID defaults to a generated UUID
	ID                string        `yaml:"id" env:"WORKER_ID"`
	Concurrency       int           `yaml:"concurrency" env:"WORKER_CONCURRENCY"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	LeaseDuration     time.Duration `yaml:"lease_duration"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// EngineConfig holds scheduling, retry and dead-letter tuning
type EngineConfig struct {
	TickInterval    time.Duration    `yaml:"tick_interval"`
	RefreshInterval time.Duration    `yaml:"refresh_interval"`
	Lookahead       time.Duration    `yaml:"lookahead"`
	RefreshLimit    int              `yaml:"refresh_limit"`
	SweepInterval   time.Duration    `yaml:"sweep_interval"`
	DepthInterval   time.Duration    `yaml:"depth_interval"`
	Retry           RetryConfig      `yaml:"retry"`
	Weights         WeightsConfig    `yaml:"weights"`
	DeadLetter      DeadLetterConfig `yaml:"dead_letter"`
}

// RetryConfig holds the backoff applied between attempts
type RetryConfig struct {
	BaseDelay time.Duration `yaml:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay"`
	Jitter    float64       `yaml:"jitter"`
}

// WeightsConfig holds per-priority dispatch weights. Zero keeps the default.
type WeightsConfig struct {
	Critical int `yaml:"critical"`
	High     int `yaml:"high"`
	Normal   int `yaml:"normal"`
	Low      int `yaml:"low"`
}

// DeadLetterConfig selects the Failed to DeadLettered hand-off
type DeadLetterConfig struct {
	Mode  string        `yaml:"mode" env:"DEAD_LETTER_MODE"`
	Grace time.Duration `yaml:"grace"`
}

// QueueSettings configures one job queue
type QueueSettings struct {
	Name           string        `yaml:"name"`
	Concurrency    int           `yaml:"concurrency"`
	MaxAttempts    int           `yaml:"max_attempts"`
	Timeout        time.Duration `yaml:"timeout"`
	BatchSize      int           `yaml:"batch_size"`
	BatchTimeout   time.Duration `yaml:"batch_timeout"`
	DebounceWindow time.Duration `yaml:"debounce_window"`
	// Handler is the built-in handler the worker service binds: log or webhook
	Handler    string `yaml:"handler"`
	WebhookURL string `yaml:"webhook_url"`
}

// RateLimitConfig is a token bucket for one downstream resource
type RateLimitConfig struct {
	Resource string  `yaml:"resource"`
	Rate     float64 `yaml:"rate"`
	Burst    int     `yaml:"burst"`
	// Shared buckets live in Redis and are split across every process
	Shared bool `yaml:"shared"`
}

// ScheduleConfig is a recurring job
type ScheduleConfig struct {
	Name        string `yaml:"name"`
	Schedule    string `yaml:"schedule"`
	Queue       string `yaml:"queue"`
	Payload     string `yaml:"payload"`
	Priority    string `yaml:"priority"`
	MaxAttempts int    `yaml:"max_attempts"`
	Resource    string `yaml:"resource"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"METRICS_ENABLED"`
	Path    string `yaml:"path"`
	// Port serves metrics from the worker service. The API service exposes
	// them on its own router.
	Port int `yaml:"port" env:"METRICS_PORT"`
}

// Load reads and parses the configuration file, then applies environment overrides
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := env.Parse(&config); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	return &config, nil
}

// Validate checks the sections shared by both services
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.RabbitMQ.Enabled {
		if c.RabbitMQ.Host == "" {
			return fmt.Errorf("rabbitmq host is required")
		}

		if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
			return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
		}

		if c.RabbitMQ.Exchange.Name == "" {
			return fmt.Errorf("rabbitmq exchange name is required")
		}
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required")
	}

	if _, err := worker.ParseDeadLetterMode(c.Engine.DeadLetter.Mode); err != nil {
		return err
	}

	if c.Engine.DeadLetter.Grace < 0 {
		return fmt.Errorf("engine dead_letter grace must not be negative")
	}

	if c.Engine.Retry.Jitter < 0 || c.Engine.Retry.Jitter >= 1 {
		return fmt.Errorf("engine retry jitter must be in [0, 1)")
	}

	seen := make(map[string]bool, len(c.Queues))
	for _, q := range c.Queues {
		if q.Name == "" {
			return fmt.Errorf("queue name is required")
		}
		if seen[q.Name] {
			return fmt.Errorf("queue %s is configured twice", q.Name)
		}
		seen[q.Name] = true
		if q.Concurrency < 0 || q.MaxAttempts < 0 || q.BatchSize < 0 {
			return fmt.Errorf("queue %s: concurrency, max_attempts and batch_size must not be negative", q.Name)
		}
	}

	for _, rl := range c.RateLimits {
		if rl.Resource == "" {
			return fmt.Errorf("rate limit resource is required")
		}
		if rl.Rate < 0 || rl.Burst < 1 {
			return fmt.Errorf("rate limit %s: rate must not be negative and burst must be at least 1", rl.Resource)
		}
		if rl.Shared && !c.Redis.Enabled {
			return fmt.Errorf("rate limit %s is shared but redis is not enabled", rl.Resource)
		}
	}

	if _, err := c.RecurringSpecs(); err != nil {
		return err
	}

	return nil
}

// ValidateAPIConfig checks the configuration of the API service
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	return c.Validate()
}

// ValidateWorkerConfig checks the configuration of the worker service
func (c *Config) ValidateWorkerConfig() error {
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.LeaseDuration <= 0 {
		return fmt.Errorf("worker lease_duration must be greater than 0")
	}

	if c.Worker.HeartbeatInterval <= 0 {
		return fmt.Errorf("worker heartbeat_interval must be greater than 0")
	}

	if c.Worker.HeartbeatInterval >= c.Worker.LeaseDuration {
		return fmt.Errorf("worker heartbeat_interval must be shorter than lease_duration")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if c.Metrics.Enabled && (c.Metrics.Port < MinPort || c.Metrics.Port > MaxPort) {
		return fmt.Errorf("invalid metrics port: %d (must be between %d and %d)", c.Metrics.Port, MinPort, MaxPort)
	}

	return c.Validate()
}

// LoggerConfig converts the logging section
func (c *Config) LoggerConfig() *logger.Config {
	return &logger.Config{
		Level:        c.Logging.Level,
		Format:       c.Logging.Format,
		Output:       c.Logging.Output,
		EnableSource: c.Logging.EnableSource,
		TimeFormat:   c.Logging.TimeFormat,
	}
}

// PostgresConfig converts the database section
func (c *Config) PostgresConfig() *postgresql.Config {
	return &postgresql.Config{
		Host:            c.Database.Host,
		Port:            c.Database.Port,
		User:            c.Database.User,
		Password:        c.Database.Password,
		Database:        c.Database.Database,
		SSLMode:         c.Database.SSLMode,
		MaxOpenConns:    c.Database.MaxOpenConns,
		MaxIdleConns:    c.Database.MaxIdleConns,
		ConnMaxLifetime: c.Database.ConnMaxLifetime,
		ConnMaxIdleTime: c.Database.ConnMaxIdleTime,
	}
}

// RabbitMQClientConfig converts the rabbitmq section
func (c *Config) RabbitMQClientConfig() *rabbitmq.Config {
	r := c.RabbitMQ
	return &rabbitmq.Config{
		Host:               r.Host,
		Port:               r.Port,
		User:               r.User,
		Password:           r.Password,
		VHost:              r.VHost,
		ExchangeName:       r.Exchange.Name,
		ExchangeType:       r.Exchange.Type,
		ExchangeDurable:    r.Exchange.Durable,
		ExchangeAutoDelete: r.Exchange.AutoDelete,
		QueueName:          r.Queue.Name,
		QueueDurable:       r.Queue.Durable,
		QueueAutoDelete:    r.Queue.AutoDelete,
		QueueExclusive:     r.Queue.Exclusive,
		RoutingKey:         r.RoutingKey,
		PrefetchCount:      r.Consumer.PrefetchCount,
		RetryAttempts:      r.Connection.RetryAttempts,
		RetryInterval:      r.Connection.RetryInterval,
		Heartbeat:          r.Connection.Heartbeat,
		ConnectionTimeout:  r.Connection.ConnectionTimeout,
		PublishRetries:     r.Publish.RetryAttempts,
		PublishRetryDelay:  r.Publish.RetryInterval,
		PublishBackoffMult: r.Publish.BackoffMultiplier,
	}
}

// RedisClientConfig converts the redis section
func (c *Config) RedisClientConfig() *redis.Config {
	return &redis.Config{
		Addr:        c.Redis.Addr,
		Password:    c.Redis.Password,
		DB:          c.Redis.DB,
		PoolSize:    c.Redis.PoolSize,
		DialTimeout: c.Redis.DialTimeout,
	}
}

// RetryPolicy converts the engine retry section
func (c *Config) RetryPolicy() retry.Policy {
	r := c.Engine.Retry
	return retry.New(r.BaseDelay, r.MaxDelay, r.Jitter)
}

// Weights returns dispatch weights indexed by priority
func (c *Config) Weights() [domain.NumPriorities]int {
	w := pqueue.DefaultWeights
	configured := [domain.NumPriorities]int{
		c.Engine.Weights.Critical,
		c.Engine.Weights.High,
		c.Engine.Weights.Normal,
		c.Engine.Weights.Low,
	}
	for i, v := range configured {
		if v > 0 {
			w[i] = v
		}
	}
	return w
}

// DeadLetterPolicy converts the dead_letter section
func (c *Config) DeadLetterPolicy() (worker.DeadLetterPolicy, error) {
	mode, err := worker.ParseDeadLetterMode(c.Engine.DeadLetter.Mode)
	if err != nil {
		return worker.DeadLetterPolicy{}, err
	}
	return worker.DeadLetterPolicy{Mode: mode, Grace: c.Engine.DeadLetter.Grace}, nil
}

// EngineConfig fills the engine tuning from the worker and engine sections.
// Dependencies such as the store are left for the caller.
func (c *Config) EngineConfig() (engine.Config, error) {
	deadLetter, err := c.DeadLetterPolicy()
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		WorkerID:          c.Worker.ID,
		Concurrency:       c.Worker.Concurrency,
		LeaseDuration:     c.Worker.LeaseDuration,
		HeartbeatInterval: c.Worker.HeartbeatInterval,
		PollInterval:      c.Worker.PollInterval,
		ShutdownTimeout:   c.Worker.ShutdownTimeout,
		SweepInterval:     c.Engine.SweepInterval,
		DepthInterval:     c.Engine.DepthInterval,
		Retry:             c.RetryPolicy(),
		Weights:           c.Weights(),
		DeadLetter:        deadLetter,
		Scheduler:         c.SchedulerConfig(),
	}, nil
}

// SchedulerConfig converts the scheduling intervals
func (c *Config) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		TickInterval:    c.Engine.TickInterval,
		RefreshInterval: c.Engine.RefreshInterval,
		Lookahead:       c.Engine.Lookahead,
		RefreshLimit:    c.Engine.RefreshLimit,
	}
}

// QueueOptions returns the options of every configured queue by name. A
// queue without its own timeout uses worker.job_timeout.
func (c *Config) QueueOptions() map[string]worker.QueueOptions {
	opts := make(map[string]worker.QueueOptions, len(c.Queues))
	for _, q := range c.Queues {
		timeout := q.Timeout
		if timeout <= 0 {
			timeout = c.Worker.JobTimeout
		}
		opts[q.Name] = worker.QueueOptions{
			Concurrency:    q.Concurrency,
			MaxAttempts:    q.MaxAttempts,
			Timeout:        timeout,
			BatchSize:      q.BatchSize,
			BatchTimeout:   q.BatchTimeout,
			DebounceWindow: q.DebounceWindow,
		}
	}
	return opts
}

// HandlerSpecs returns the built-in handler of every configured queue
func (c *Config) HandlerSpecs() []jobs.Spec {
	specs := make([]jobs.Spec, 0, len(c.Queues))
	for _, q := range c.Queues {
		specs = append(specs, jobs.Spec{Queue: q.Name, Kind: q.Handler, WebhookURL: q.WebhookURL})
	}
	return specs
}

// LocalLimits returns the in-process token buckets
func (c *Config) LocalLimits() map[string]ratelimit.Limit {
	return c.limits(false)
}

// SharedLimits returns the Redis-backed token buckets
func (c *Config) SharedLimits() map[string]ratelimit.Limit {
	return c.limits(true)
}

// Limiter combines the local buckets with the shared ones. client may be nil
// when no limit is shared.
func (c *Config) Limiter(client goredis.Scripter, clk clock.Clock, logger *slog.Logger) ratelimit.Limiter {
	limiters := []ratelimit.Limiter{ratelimit.NewLocal(clk, c.LocalLimits())}
	if client != nil {
		shared := ratelimit.NewRedis(client, clk, c.SharedLimits(), logger)
		if c.Redis.KeyPrefix != "" {
			shared = shared.WithPrefix(c.Redis.KeyPrefix)
		}
		limiters = append(limiters, shared)
	}
	return ratelimit.All(limiters...)
}

func (c *Config) limits(shared bool) map[string]ratelimit.Limit {
	limits := make(map[string]ratelimit.Limit)
	for _, rl := range c.RateLimits {
		if rl.Shared == shared {
			limits[rl.Resource] = ratelimit.Limit{Rate: rl.Rate, Burst: rl.Burst}
		}
	}
	return limits
}

// RecurringSpecs converts the schedules section
func (c *Config) RecurringSpecs() ([]scheduler.RecurringSpec, error) {
	specs := make([]scheduler.RecurringSpec, 0, len(c.Schedules))
	for _, s := range c.Schedules {
		priority, err := domain.ParsePriority(s.Priority)
		if err != nil {
			return nil, fmt.Errorf("schedule %s: %w", s.Name, err)
		}
		if _, err := scheduler.ParseSchedule(s.Schedule); err != nil {
			return nil, fmt.Errorf("schedule %s: invalid cron expression %q: %w", s.Name, s.Schedule, err)
		}
		specs = append(specs, scheduler.RecurringSpec{
			Name:        s.Name,
			Schedule:    s.Schedule,
			Queue:       s.Queue,
			Payload:     []byte(s.Payload),
			Priority:    priority,
			MaxAttempts: s.MaxAttempts,
			Resource:    s.Resource,
		})
	}
	return specs, nil
}
