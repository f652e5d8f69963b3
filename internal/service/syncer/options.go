package syncer

import (
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/ordersync/internal/domain"
	"github.com/vladislavdragonenkov/ordersync/internal/metrics"
)

const (
	defaultPollInterval   = 5 * time.Second
	defaultMaxAttempts    = 5
	defaultRetryBaseDelay = 1 * time.Second
	defaultRetryMaxDelay  = 5 * time.Minute
	defaultErrorLogLimit  = 50
	defaultPullLookback   = 24 * time.Hour
)

// Options задаёт параметры sync-движка.
type Options struct {
	Logger            *log.Entry
	Metrics           *metrics.SyncMetrics
	FailurePublisher  domain.FailurePublisher
	Resolver          Resolver
	TracerProvider    trace.TracerProvider
	Clock             func() time.Time
	ActorID           string
	PollInterval      time.Duration
	ReconnectInterval time.Duration
	RealtimeEnabled   bool
	MaxAttempts       int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	ErrorLogLimit     int
}

// Option настраивает Engine.
type Option func(*Options)

// WithLogger задаёт logger движка.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithMetrics подключает Prometheus-метрики.
func WithMetrics(m *metrics.SyncMetrics) Option {
	return func(opts *Options) {
		opts.Metrics = m
	}
}

// WithFailurePublisher задаёт получателя изменений, исчерпавших лимит попыток.
func WithFailurePublisher(publisher domain.FailurePublisher) Option {
	return func(opts *Options) {
		opts.FailurePublisher = publisher
	}
}

// WithResolver заменяет резолвер конфликтов по умолчанию.
func WithResolver(resolver Resolver) Option {
	return func(opts *Options) {
		opts.Resolver = resolver
	}
}

// WithTracerProvider задаёт provider для спанов цикла; по умолчанию глобальный otel.
func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(opts *Options) {
		opts.TracerProvider = provider
	}
}

// WithClock подменяет источник времени.
func WithClock(clock func() time.Time) Option {
	return func(opts *Options) {
		opts.Clock = clock
	}
}

// WithActorID задаёт идентификатор сессии: события feed с тем же автором считаются эхом.
func WithActorID(actorID string) Option {
	return func(opts *Options) {
		opts.ActorID = actorID
	}
}

// WithPollInterval задаёт период flush + pull в режиме online.
func WithPollInterval(interval time.Duration) Option {
	return func(opts *Options) {
		opts.PollInterval = interval
	}
}

// WithReconnectInterval задаёт период проверки связи в режиме offline.
func WithReconnectInterval(interval time.Duration) Option {
	return func(opts *Options) {
		opts.ReconnectInterval = interval
	}
}

// WithRealtimeEnabled включает подписку на change feed.
func WithRealtimeEnabled(enabled bool) Option {
	return func(opts *Options) {
		opts.RealtimeEnabled = enabled
	}
}

// WithMaxAttempts задаёт число подряд неудачных попыток до пометки failed.
func WithMaxAttempts(maxAttempts int) Option {
	return func(opts *Options) {
		opts.MaxAttempts = maxAttempts
	}
}

// WithRetryBaseDelay задаёт базовый delay exponential backoff.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(opts *Options) {
		opts.RetryBaseDelay = delay
	}
}

// WithRetryMaxDelay ограничивает delay сверху.
func WithRetryMaxDelay(delay time.Duration) Option {
	return func(opts *Options) {
		opts.RetryMaxDelay = delay
	}
}

// WithErrorLogLimit ограничивает журнал ошибок синхронизации.
func WithErrorLogLimit(limit int) Option {
	return func(opts *Options) {
		opts.ErrorLogLimit = limit
	}
}

// DefaultClock возвращает текущее UTC-время с точностью до миллисекунды: такую точность
// без потерь хранят и JSON локального хранилища, и timestamptz в remote.
func DefaultClock() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func defaultOptions() Options {
	return Options{
		PollInterval:    defaultPollInterval,
		RealtimeEnabled: true,
		MaxAttempts:     defaultMaxAttempts,
		RetryBaseDelay:  defaultRetryBaseDelay,
		RetryMaxDelay:   defaultRetryMaxDelay,
		ErrorLogLimit:   defaultErrorLogLimit,
	}
}

func (opts *Options) normalize() {
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "sync-engine")
	}
	if opts.Clock == nil {
		opts.Clock = DefaultClock
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = opts.PollInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.RetryBaseDelay < 0 {
		opts.RetryBaseDelay = 0
	}
	if opts.RetryMaxDelay <= 0 {
		opts.RetryMaxDelay = defaultRetryMaxDelay
	}
	if opts.ErrorLogLimit <= 0 {
		opts.ErrorLogLimit = defaultErrorLogLimit
	}
}
