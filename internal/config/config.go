// Package config собирает настройки ordersync: значения по умолчанию, затем
// опциональный YAML-файл, затем переменные окружения ORDERSYNC_*.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Драйвер локального хранилища.
const (
	LocalDriverSQLite = "sqlite"
	LocalDriverMemory = "memory"
)

// Драйвер remote-таблицы.
const (
	RemoteDriverPostgres = "postgres"
	RemoteDriverMemory   = "memory"
)

// Источник realtime-событий.
const (
	// FeedNative — собственный feed remote-драйвера: LISTEN/NOTIFY для postgres,
	// in-process подписка для memory.
	FeedNative = "native"
	FeedKafka  = "kafka"
	FeedNone   = "none"
)

// Config — полная конфигурация процесса.
type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`

	Log        LogConfig        `yaml:"log"`
	Local      LocalConfig      `yaml:"local"`
	Remote     RemoteConfig     `yaml:"remote"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Sync       SyncConfig       `yaml:"sync"`
	Compaction CompactionConfig `yaml:"compaction"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// LogConfig — уровень и опциональный файл с ротацией.
type LogConfig struct {
	Level string `yaml:"level"`
	// File пустой — лог в stderr.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type LocalConfig struct {
	Driver string `yaml:"driver"`
	// Path — файл SQLite; пустой означает sqlite.DefaultPath().
	Path string `yaml:"path"`
}

type RemoteConfig struct {
	Driver      string `yaml:"driver"`
	PostgresDSN string `yaml:"postgres_dsn"`
	AutoMigrate bool   `yaml:"auto_migrate"`
	// MaxConns — размер пула database/sql; 0 означает значение по умолчанию.
	MaxConns    int    `yaml:"max_conns"`
	Feed        string `yaml:"feed"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	// GroupID пустой — ordersync-<actor id>, у каждого клиента своя группа.
	GroupID string `yaml:"group_id"`
	// PublishChanges публикует ChangeEvent после каждой успешной записи в remote.
	PublishChanges bool `yaml:"publish_changes"`
	// DLQ отправляет permanently failed pending changes в ordersync.dlq.
	DLQ bool `yaml:"dlq"`
}

// Enabled сообщает, заданы ли брокеры.
func (c KafkaConfig) Enabled() bool {
	return len(c.Brokers) > 0
}

type SyncConfig struct {
	ActorID           string        `yaml:"actor_id"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	Realtime          bool          `yaml:"realtime"`
	MaxAttempts       int           `yaml:"max_attempts"`
	RetryBaseDelay    time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay"`
	ErrorLogLimit     int           `yaml:"error_log_limit"`
}

type CompactionConfig struct {
	Schedule string `yaml:"schedule"`
	// TombstoneTTL 0 отключает компакцию.
	TombstoneTTL time.Duration `yaml:"tombstone_ttl"`
}

type TelemetryConfig struct {
	OTLPEndpoint string            `yaml:"otlp_endpoint"`
	Insecure     bool              `yaml:"insecure"`
	ServiceName  string            `yaml:"service_name"`
	Headers      map[string]string `yaml:"headers,omitempty"`
}

// Default возвращает конфигурацию по умолчанию: SQLite локально, in-memory remote.
func Default() Config {
	return Config{
		HTTPAddr: ":8080",
		GRPCAddr: ":50051",
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Local: LocalConfig{Driver: LocalDriverSQLite},
		Remote: RemoteConfig{
			Driver:      RemoteDriverMemory,
			AutoMigrate: true,
			Feed:        FeedNative,
		},
		Sync: SyncConfig{
			PollInterval:   5 * time.Second,
			Realtime:       true,
			MaxAttempts:    5,
			RetryBaseDelay: time.Second,
			RetryMaxDelay:  5 * time.Minute,
			ErrorLogLimit:  50,
		},
		Compaction: CompactionConfig{Schedule: "@every 1h"},
	}
}

// Load читает конфигурацию. path пустой — только defaults и окружение.
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parsing config file %q: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	env := envReader{lookup: lookup}

	env.str("ORDERSYNC_HTTP_ADDR", &c.HTTPAddr)
	env.str("ORDERSYNC_GRPC_ADDR", &c.GRPCAddr)
	env.str("ORDERSYNC_LOG_LEVEL", &c.Log.Level)
	env.str("ORDERSYNC_LOG_FILE", &c.Log.File)

	env.str("ORDERSYNC_LOCAL_DRIVER", &c.Local.Driver)
	env.str("ORDERSYNC_LOCAL_PATH", &c.Local.Path)

	env.str("ORDERSYNC_REMOTE_DRIVER", &c.Remote.Driver)
	env.str("ORDERSYNC_POSTGRES_DSN", &c.Remote.PostgresDSN)
	env.boolean("ORDERSYNC_POSTGRES_AUTO_MIGRATE", &c.Remote.AutoMigrate)
	env.integer("ORDERSYNC_POSTGRES_MAX_CONNS", &c.Remote.MaxConns)
	env.str("ORDERSYNC_FEED", &c.Remote.Feed)

	env.list("ORDERSYNC_KAFKA_BROKERS", &c.Kafka.Brokers)
	env.str("ORDERSYNC_KAFKA_GROUP_ID", &c.Kafka.GroupID)
	env.boolean("ORDERSYNC_KAFKA_PUBLISH_CHANGES", &c.Kafka.PublishChanges)
	env.boolean("ORDERSYNC_KAFKA_DLQ", &c.Kafka.DLQ)

	env.str("ORDERSYNC_ACTOR_ID", &c.Sync.ActorID)
	env.duration("ORDERSYNC_POLL_INTERVAL", &c.Sync.PollInterval)
	env.duration("ORDERSYNC_RECONNECT_INTERVAL", &c.Sync.ReconnectInterval)
	env.boolean("ORDERSYNC_REALTIME", &c.Sync.Realtime)
	env.integer("ORDERSYNC_MAX_ATTEMPTS", &c.Sync.MaxAttempts)
	env.duration("ORDERSYNC_RETRY_BASE_DELAY", &c.Sync.RetryBaseDelay)
	env.duration("ORDERSYNC_RETRY_MAX_DELAY", &c.Sync.RetryMaxDelay)
	env.integer("ORDERSYNC_ERROR_LOG_LIMIT", &c.Sync.ErrorLogLimit)

	env.str("ORDERSYNC_COMPACTION_SCHEDULE", &c.Compaction.Schedule)
	env.duration("ORDERSYNC_TOMBSTONE_TTL", &c.Compaction.TombstoneTTL)

	env.str("ORDERSYNC_OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)
	env.boolean("ORDERSYNC_OTLP_INSECURE", &c.Telemetry.Insecure)

	return errors.Join(env.errs...)
}

// Validate проверяет согласованность настроек.
func (c *Config) Validate() error {
	var errs []error

	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}

	switch c.Local.Driver {
	case LocalDriverSQLite, LocalDriverMemory:
	default:
		errs = append(errs, fmt.Errorf("local.driver %q must be %s or %s", c.Local.Driver, LocalDriverSQLite, LocalDriverMemory))
	}

	switch c.Remote.Driver {
	case RemoteDriverPostgres:
		if strings.TrimSpace(c.Remote.PostgresDSN) == "" {
			errs = append(errs, errors.New("remote.postgres_dsn is required for the postgres driver"))
		}
	case RemoteDriverMemory:
	default:
		errs = append(errs, fmt.Errorf("remote.driver %q must be %s or %s", c.Remote.Driver, RemoteDriverPostgres, RemoteDriverMemory))
	}

	switch c.Remote.Feed {
	case FeedNative, FeedNone:
	case FeedKafka:
		if !c.Kafka.Enabled() {
			errs = append(errs, errors.New("kafka.brokers are required for the kafka feed"))
		}
	default:
		errs = append(errs, fmt.Errorf("remote.feed %q must be %s, %s or %s", c.Remote.Feed, FeedNative, FeedKafka, FeedNone))
	}
	if (c.Kafka.PublishChanges || c.Kafka.DLQ) && !c.Kafka.Enabled() {
		errs = append(errs, errors.New("kafka.brokers are required for publish_changes and dlq"))
	}

	if c.Sync.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("sync.poll_interval %v must be positive", c.Sync.PollInterval))
	}
	if c.Sync.ReconnectInterval < 0 {
		errs = append(errs, fmt.Errorf("sync.reconnect_interval %v must not be negative", c.Sync.ReconnectInterval))
	}
	if c.Sync.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("sync.max_attempts %d must be at least 1", c.Sync.MaxAttempts))
	}
	if c.Sync.RetryBaseDelay < 0 || c.Sync.RetryMaxDelay < c.Sync.RetryBaseDelay {
		errs = append(errs, fmt.Errorf("sync.retry_base_delay %v and retry_max_delay %v must satisfy 0 <= base <= max",
			c.Sync.RetryBaseDelay, c.Sync.RetryMaxDelay))
	}
	if c.Sync.ErrorLogLimit < 1 {
		errs = append(errs, fmt.Errorf("sync.error_log_limit %d must be at least 1", c.Sync.ErrorLogLimit))
	}

	if c.Compaction.TombstoneTTL < 0 {
		errs = append(errs, fmt.Errorf("compaction.tombstone_ttl %v must not be negative", c.Compaction.TombstoneTTL))
	}
	if c.Compaction.TombstoneTTL > 0 {
		if _, err := cron.ParseStandard(c.Compaction.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("compaction.schedule %q: %w", c.Compaction.Schedule, err))
		}
	}

	return errors.Join(errs...)
}

type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (r *envReader) value(key string) (string, bool) {
	v, ok := r.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (r *envReader) str(key string, dst *string) {
	if v, ok := r.value(key); ok {
		*dst = v
	}
}

func (r *envReader) list(key string, dst *[]string) {
	v, ok := r.value(key)
	if !ok {
		return
	}
	items := make([]string, 0)
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	*dst = items
}

func (r *envReader) boolean(key string, dst *bool) {
	v, ok := r.value(key)
	if !ok {
		return
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = parsed
}

func (r *envReader) integer(key string, dst *int) {
	v, ok := r.value(key)
	if !ok {
		return
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = parsed
}

func (r *envReader) duration(key string, dst *time.Duration) {
	v, ok := r.value(key)
	if !ok {
		return
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = parsed
}
