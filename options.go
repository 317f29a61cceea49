package gloomstore

import (
	"runtime"
	"time"
)

// Option configures a Manager.
type Option func(*options)

type options struct {
	logger             *Logger
	metrics            MetricsCollector
	pool               *WordPool
	maxBackgroundSeeds int64
	saveConcurrency    int
	seedEvery          int
	seedInterval       time.Duration
	onBackgroundError  func(name string, err error)
}

func defaultOptions() options {
	return options{
		logger:             NoopLogger(),
		metrics:            NoopMetricsCollector{},
		pool:               defaultWordPool,
		maxBackgroundSeeds: 2,
		saveConcurrency:    runtime.GOMAXPROCS(0),
		seedEvery:          100_000,
		seedInterval:       10 * time.Second,
		onBackgroundError:  func(string, error) {},
	}
}

// WithLogger sets the logger. Defaults to NoopLogger.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics sets the metrics collector. Defaults to NoopMetricsCollector.
func WithMetrics(mc MetricsCollector) Option {
	return func(o *options) {
		if mc != nil {
			o.metrics = mc
		}
	}
}

// WithWordPool sets the pool bit arrays and snapshot buffers are drawn from.
func WithWordPool(p *WordPool) Option {
	return func(o *options) {
		if p != nil {
			o.pool = p
		}
	}
}

// WithMaxBackgroundSeeds bounds how many reseeds run at once. Defaults to 2.
func WithMaxBackgroundSeeds(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxBackgroundSeeds = int64(n)
		}
	}
}

// WithSaveConcurrency bounds how many filters or shards SaveAllDirty, Close
// and sharded loads process at once. Defaults to GOMAXPROCS.
func WithSaveConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.saveConcurrency = n
		}
	}
}

// WithSeedProgress logs seeding progress every n items or every interval,
// whichever comes first.
func WithSeedProgress(n int, interval time.Duration) Option {
	return func(o *options) {
		o.seedEvery = n
		o.seedInterval = interval
	}
}

// WithBackgroundErrorHandler is called for failures nobody else observes:
// background reseeds and the individual saves of SaveAllDirty and Close.
func WithBackgroundErrorHandler(fn func(name string, err error)) Option {
	return func(o *options) {
		if fn != nil {
			o.onBackgroundError = fn
		}
	}
}
