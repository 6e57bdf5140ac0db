// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"async-dispatch/internal/scheduler"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// DISPATCH_QUEUE_BACKEND overrides queue.backend.
const EnvPrefix = "DISPATCH"

// Config holds all configuration for our application.
// The mapstructure tags are used by Viper to unmarshal the data.
type Config struct {
	HttpListenAddr     string `mapstructure:"http_listen_addr" validate:"required"`
	ReceiverListenAddr string `mapstructure:"receiver_listen_addr" validate:"required"`
	GrpcListenAddr     string `mapstructure:"grpc_listen_addr" validate:"required"`
	NodeID             string `mapstructure:"node_id"`

	Log        LogConfig        `mapstructure:"log"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Etcd       EtcdConfig       `mapstructure:"etcd"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Jobs       JobsConfig       `mapstructure:"jobs"`
	Notifier   NotifierConfig   `mapstructure:"notifier"`
	Dedup      DedupConfig      `mapstructure:"dedup"`
	DeadLetter DeadLetterConfig `mapstructure:"dead_letter"`
	Repository RepositoryConfig `mapstructure:"repository"`
	Sweeper    SweeperConfig    `mapstructure:"sweeper"`
	Receiver   ReceiverConfig   `mapstructure:"receiver"`
	Submit     SubmitConfig     `mapstructure:"submit"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" validate:"oneof=debug info warn warning error"`
	Format     string `mapstructure:"format" validate:"oneof=json text"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" validate:"gte=0"`
}

type QueueConfig struct {
	Backend           string        `mapstructure:"backend" validate:"oneof=memory redis etcd"`
	Capacity          int           `mapstructure:"capacity" validate:"gte=0"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout" validate:"gt=0"`
	PollInterval      time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	Codec             string        `mapstructure:"codec" validate:"oneof=json cbor"`
	RedisURL          string        `mapstructure:"redis_url" validate:"required_if=Backend redis"`
	KeyPrefix         string        `mapstructure:"key_prefix" validate:"required"`
}

type EtcdConfig struct {
	Endpoints  []string      `mapstructure:"endpoints"`
	Timeout    time.Duration `mapstructure:"timeout" validate:"gt=0"`
	SessionTTL time.Duration `mapstructure:"session_ttl" validate:"gte=1s"`
}

type WorkerConfig struct {
	// HttpListenAddr serves /healthz and /metrics on standalone worker processes.
	HttpListenAddr string        `mapstructure:"http_listen_addr" validate:"required"`
	Count          int           `mapstructure:"count" validate:"gte=1"`
	Embedded       bool          `mapstructure:"embedded"`
	MaxRetries     int           `mapstructure:"max_retries" validate:"gte=0"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff" validate:"gt=0"`
	JobTimeout     time.Duration `mapstructure:"job_timeout" validate:"gt=0"`

	// HeartbeatInterval is how often a running job extends its queue claim.
	// Zero disables extension.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"gte=0"`
	// LockTTL bounds how long a crashed worker keeps its task locked.
	LockTTL           time.Duration `mapstructure:"lock_ttl" validate:"gte=1s"`
}

type JobsConfig struct {
	AddDelay time.Duration `mapstructure:"add_delay" validate:"gte=0"`
}

type NotifierConfig struct {
	Workers        int           `mapstructure:"workers" validate:"gte=1"`
	Buffer         int           `mapstructure:"buffer" validate:"gte=0"`
	MaxAttempts    int           `mapstructure:"max_attempts" validate:"gte=1"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" validate:"gt=0"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" validate:"gtefield=InitialBackoff"`
	Timeout        time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

type DedupConfig struct {
	Backend  string        `mapstructure:"backend" validate:"oneof=memory redis none"`
	Capacity int           `mapstructure:"capacity" validate:"gte=0"`
	TTL      time.Duration `mapstructure:"ttl" validate:"gte=0"`
}

type DeadLetterConfig struct {
	Sink         string `mapstructure:"sink" validate:"oneof=log file kafka s3"`
	FilePath     string `mapstructure:"file_path" validate:"required_if=Sink file"`
	FallbackPath string `mapstructure:"fallback_path"`
	KafkaBrokers string `mapstructure:"kafka_brokers" validate:"required_if=Sink kafka"`
	KafkaTopic   string `mapstructure:"kafka_topic"`
	S3Bucket     string `mapstructure:"s3_bucket" validate:"required_if=Sink s3"`
	S3Region     string `mapstructure:"s3_region"`
	S3Prefix     string `mapstructure:"s3_prefix"`
}

type RepositoryConfig struct {
	Backend string `mapstructure:"backend" validate:"oneof=memory etcd"`
}

type SweeperConfig struct {
	Schedule     string        `mapstructure:"schedule" validate:"required,cron"`
	AbandonAfter time.Duration `mapstructure:"abandon_after" validate:"gte=0"`
}

type ReceiverConfig struct {
	Store       string `mapstructure:"store" validate:"oneof=memory postgres"`
	PostgresDSN string `mapstructure:"postgres_dsn" validate:"required_if=Store postgres"`
}

type SubmitConfig struct {
	RateLimit float64 `mapstructure:"rate_limit" validate:"gte=0"`
	Burst     int     `mapstructure:"burst" validate:"gte=0"`
}

type TracingConfig struct {
	Exporter     string `mapstructure:"exporter" validate:"oneof=none stdout otlp"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_listen_addr", ":5000")
	v.SetDefault("receiver_listen_addr", ":5002")
	v.SetDefault("grpc_listen_addr", ":50052")
	v.SetDefault("node_id", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)

	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.capacity", 0)
	v.SetDefault("queue.visibility_timeout", "30s")
	v.SetDefault("queue.poll_interval", "200ms")
	v.SetDefault("queue.codec", "json")
	v.SetDefault("queue.redis_url", "")
	v.SetDefault("queue.key_prefix", "dispatch")

	v.SetDefault("etcd.endpoints", []string{})
	v.SetDefault("etcd.timeout", "5s")
	v.SetDefault("etcd.session_ttl", "10s")

	v.SetDefault("worker.http_listen_addr", ":5001")
	v.SetDefault("worker.count", 4)
	v.SetDefault("worker.embedded", true)
	v.SetDefault("worker.max_retries", 1)
	v.SetDefault("worker.retry_backoff", "1s")
	v.SetDefault("worker.job_timeout", "1m")
	v.SetDefault("worker.heartbeat_interval", "10s")
	v.SetDefault("worker.lock_ttl", "10s")

	v.SetDefault("jobs.add_delay", "5s")

	v.SetDefault("notifier.workers", 4)
	v.SetDefault("notifier.buffer", 64)
	v.SetDefault("notifier.max_attempts", 3)
	v.SetDefault("notifier.initial_backoff", "200ms")
	v.SetDefault("notifier.max_backoff", "2s")
	v.SetDefault("notifier.timeout", "10s")

	v.SetDefault("dedup.backend", "memory")
	v.SetDefault("dedup.capacity", 10000)
	v.SetDefault("dedup.ttl", "24h")

	v.SetDefault("dead_letter.sink", "log")
	v.SetDefault("dead_letter.file_path", "")
	v.SetDefault("dead_letter.fallback_path", "")
	v.SetDefault("dead_letter.kafka_brokers", "")
	v.SetDefault("dead_letter.kafka_topic", "dispatch.dead-letter")
	v.SetDefault("dead_letter.s3_bucket", "")
	v.SetDefault("dead_letter.s3_region", "us-east-1")
	v.SetDefault("dead_letter.s3_prefix", "dead-letter/")

	v.SetDefault("repository.backend", "memory")

	v.SetDefault("sweeper.schedule", "@every 10s")
	v.SetDefault("sweeper.abandon_after", "10m")

	v.SetDefault("receiver.store", "memory")
	v.SetDefault("receiver.postgres_dsn", "")

	v.SetDefault("submit.rate_limit", 0)
	v.SetDefault("submit.burst", 50)

	v.SetDefault("tracing.exporter", "none")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")
}

// Load loads configuration from file and environment variables.
// Pass an empty path to search ./configs and the working directory.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")    // name of config file (without extension)
		v.SetConfigType("yaml")      // or "json", "toml"
		v.AddConfigPath("./configs") // path to look for the config file in
		v.AddConfigPath(".")         // optionally look for config in the working directory
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || path != "" {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and cross-field requirements.
func (c *Config) Validate() error {
	validate := validator.New()
	_ = validate.RegisterValidation("cron", func(fl validator.FieldLevel) bool {
		return scheduler.ValidateSchedule(fl.Field().String()) == nil
	})

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed on the '%s' tag", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if len(c.Etcd.Endpoints) == 0 {
		if c.Queue.Backend == "etcd" {
			return fmt.Errorf("invalid config: queue.backend etcd requires etcd.endpoints")
		}
		if c.Repository.Backend == "etcd" {
			return fmt.Errorf("invalid config: repository.backend etcd requires etcd.endpoints")
		}
	}
	if hb := c.Worker.HeartbeatInterval; hb > 0 && hb >= c.Queue.VisibilityTimeout {
		return fmt.Errorf("invalid config: worker.heartbeat_interval %s must be shorter than queue.visibility_timeout %s",
			hb, c.Queue.VisibilityTimeout)
	}
	if c.Worker.HeartbeatInterval == 0 && c.Worker.JobTimeout >= c.Queue.VisibilityTimeout {
		return fmt.Errorf("invalid config: without worker.heartbeat_interval, worker.job_timeout %s must be shorter than queue.visibility_timeout %s",
			c.Worker.JobTimeout, c.Queue.VisibilityTimeout)
	}
	if c.Dedup.Backend == "redis" && c.Queue.RedisURL == "" {
		return fmt.Errorf("invalid config: dedup.backend redis requires queue.redis_url")
	}
	return nil
}

// UsesEtcd reports whether any component needs an etcd client.
func (c *Config) UsesEtcd() bool {
	return len(c.Etcd.Endpoints) > 0
}

// UsesRedis reports whether any component needs a redis client.
func (c *Config) UsesRedis() bool {
	return c.Queue.Backend == "redis" || c.Dedup.Backend == "redis"
}
