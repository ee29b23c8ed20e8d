package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var (
	ErrUnknownBackend   = errors.New("unknown queue backend")
	ErrUnknownTransport = errors.New("unknown delivery transport")
)

const (
	BackendFile  = "file"
	BackendRedis = "redis"

	TransportHTTP  = "http"
	TransportKafka = "kafka"
)

type Config struct {
	Logging  LoggingConfig  `yaml:"log"`
	Endpoint EndpointConfig `yaml:"endpoint"`
	Queue    QueueConfig    `yaml:"queue"`
	Redis    RedisConfig    `yaml:"redis"`
	Worker   WorkerConfig   `yaml:"worker"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Sender   SenderConfig   `yaml:"sender"`
}

type LoggingConfig struct {
	Level      string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
	FormatJSON bool   `yaml:"format_json" env:"LOG_FORMAT_JSON" env-default:"false"`
	File       string `yaml:"file" env:"LOG_FILE" env-default:"./product-sync.log"`
	MaxSize    int    `yaml:"max_size" env:"LOG_MAX_SIZE_MB" env-default:"10"`
	MaxBackups int    `yaml:"max_backups" env:"LOG_MAX_BACKUPS" env-default:"3"`
	MaxAge     int    `yaml:"max_age" env:"LOG_MAX_AGE_DAYS" env-default:"7"`
}

type EndpointConfig struct {
	URL       string        `yaml:"url" env:"ENDPOINT_URL" env-default:"https://httpbin.org/post"`
	Token     string        `yaml:"token" env:"ENDPOINT_TOKEN" env-default:"TEST_TOKEN"`
	Timeout   time.Duration `yaml:"timeout" env:"ENDPOINT_TIMEOUT" env-default:"10s"`
	Transport string        `yaml:"transport" env:"DELIVERY_TRANSPORT" env-default:"http"`
}

type QueueConfig struct {
	Backend    string       `yaml:"backend" env:"QUEUE_BACKEND" env-default:"file"`
	Dir        string       `yaml:"dir" env:"QUEUE_DIR" env-default:"./var/queue"`
	MaxRetries int          `yaml:"max_retries" env:"QUEUE_MAX_RETRIES" env-default:"3"`
	Backoff    DurationList `yaml:"backoff" env:"QUEUE_BACKOFF" env-default:"1s,2s,4s"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
	Prefix   string `yaml:"prefix" env:"REDIS_PREFIX" env-default:"product-sync"`
}

type WorkerConfig struct {
	Workers          int           `yaml:"workers" env:"WORKER_COUNT" env-default:"1"`
	IdleInterval     time.Duration `yaml:"idle_interval" env:"WORKER_IDLE_INTERVAL" env-default:"200ms"`
	StopAfterIdle    int           `yaml:"stop_after_idle" env:"WORKER_STOP_AFTER_IDLE" env-default:"10"`
	RecoveryAfter    time.Duration `yaml:"recovery_after" env:"WORKER_RECOVERY_AFTER" env-default:"5m"`
	RecoveryInterval time.Duration `yaml:"recovery_interval" env:"WORKER_RECOVERY_INTERVAL" env-default:"1m"`
}

type KafkaConfig struct {
	Brokers       []string      `yaml:"brokers" env:"KAFKA_BROKERS" env-separator:"," env-default:"localhost:9092"`
	DeliveryTopic string        `yaml:"delivery_topic" env:"KAFKA_DELIVERY_TOPIC" env-default:"product-sync"`
	IngestTopic   string        `yaml:"ingest_topic" env:"KAFKA_INGEST_TOPIC" env-default:"product-events"`
	GroupID       string        `yaml:"group_id" env:"KAFKA_INGEST_GROUP_ID" env-default:"product-sync-ingest"`
	Workers       int           `yaml:"workers" env:"KAFKA_INGEST_WORKERS" env-default:"5"`
	FetchMinBytes int           `yaml:"fetch_min_bytes" env:"KAFKA_FETCH_MIN_BYTES" env-default:"1"`
	FetchMaxBytes int           `yaml:"fetch_max_bytes" env:"KAFKA_FETCH_MAX_BYTES" env-default:"10485760"`
	DedupeTTL     time.Duration `yaml:"dedupe_ttl" env:"KAFKA_DEDUPE_TTL" env-default:"1h"`
}

type SenderConfig struct {
	Grace time.Duration `yaml:"grace" env:"SENDER_GRACE" env-default:"150ms"`
}

// DurationList is a comma separated list of durations, e.g. "1s,2s,4s".
type DurationList []time.Duration

// SetValue implements cleanenv.Setter.
func (d *DurationList) SetValue(s string) error {
	parsed, err := ParseDurationList(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func (d DurationList) String() string {
	parts := make([]string, 0, len(d))
	for _, v := range d {
		parts = append(parts, v.String())
	}
	return strings.Join(parts, ",")
}

// MarshalYAML renders the schedule as human readable durations.
func (d DurationList) MarshalYAML() (interface{}, error) {
	parts := make([]string, 0, len(d))
	for _, v := range d {
		parts = append(parts, v.String())
	}
	return parts, nil
}

// UnmarshalYAML accepts either a sequence of durations or a comma separated scalar.
func (d *DurationList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		return d.SetValue(node.Value)
	case yaml.SequenceNode:
		out := make(DurationList, 0, len(node.Content))
		for _, item := range node.Content {
			v, err := time.ParseDuration(strings.TrimSpace(item.Value))
			if err != nil {
				return fmt.Errorf("invalid duration %q: %w", item.Value, err)
			}
			out = append(out, v)
		}
		*d = out
		return nil
	default:
		return fmt.Errorf("backoff must be a list of durations")
	}
}

func ParseDurationList(s string) (DurationList, error) {
	var out DurationList
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := time.ParseDuration(part)
		if err != nil {
			return nil, fmt.Errorf("invalid duration %q: %w", part, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// Load reads an optional .env file, then the YAML file at path (when given)
// or the environment. Environment variables override file values.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}

	var cfg Config
	if path != "" {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Validate checks every section that the selected backends depend on.
func (c *Config) Validate() error {
	switch c.Queue.Backend {
	case BackendFile:
		if c.Queue.Dir == "" {
			return errors.New("queue dir cannot be empty")
		}
	case BackendRedis:
		if c.Redis.Addr == "" {
			return errors.New("redis addr cannot be empty")
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.Queue.Backend)
	}

	if c.Queue.MaxRetries < 1 {
		return errors.New("max retries must be at least 1")
	}
	if len(c.Queue.Backoff) == 0 {
		return errors.New("backoff schedule cannot be empty")
	}

	switch c.Endpoint.Transport {
	case TransportHTTP:
		u, err := url.Parse(c.Endpoint.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("endpoint url %q is not absolute", c.Endpoint.URL)
		}
	case TransportKafka:
		if len(c.Kafka.Brokers) == 0 {
			return errors.New("brokers cannot be empty")
		}
		if c.Kafka.DeliveryTopic == "" {
			return errors.New("delivery topic cannot be empty")
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTransport, c.Endpoint.Transport)
	}
	if c.Endpoint.Timeout <= 0 {
		return errors.New("endpoint timeout must be greater than zero")
	}

	if c.Worker.Workers < 1 {
		return errors.New("worker count must be at least 1")
	}
	if c.Worker.IdleInterval <= 0 {
		return errors.New("idle interval must be greater than zero")
	}
	if c.Worker.StopAfterIdle < 0 {
		return errors.New("stop after idle cannot be negative")
	}
	if c.Worker.RecoveryAfter <= c.Endpoint.Timeout {
		return errors.New("recovery threshold must exceed the endpoint timeout")
	}
	return nil
}

// PrintConfig renders the effective config as YAML with secrets masked.
func PrintConfig(cfg *Config) (string, error) {
	masked := *cfg
	if masked.Endpoint.Token != "" {
		masked.Endpoint.Token = "***"
	}
	if masked.Redis.Password != "" {
		masked.Redis.Password = "***"
	}

	data, err := yaml.Marshal(masked)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
