package tracker

import (
	"time"

	"github.com/example/agent-market/agentbuild/internal/event"
)

const (
	DefaultInitialDelay = 20 * time.Second
	DefaultInterval     = 10 * time.Second
	DefaultMaxInterval  = time.Minute
	DefaultMaxDuration  = 2 * time.Hour
	DefaultDisplayName  = "your agent"
)

type options struct {
	withInitialDelay time.Duration
	withInterval     time.Duration
	withMaxInterval  time.Duration
	withMaxDuration  time.Duration
	withDisplayName  string
	withBus          *event.Bus
	withNow          func() time.Time
}

// Option configures a Tracker.
type Option func(*options)

func getDefaultOptions() options {
	return options{
		withInitialDelay: DefaultInitialDelay,
		withInterval:     DefaultInterval,
		withMaxInterval:  DefaultMaxInterval,
		withMaxDuration:  DefaultMaxDuration,
		withDisplayName:  DefaultDisplayName,
		withNow:          time.Now,
	}
}

func getOpts(opt ...Option) options {
	opts := getDefaultOptions()
	for _, o := range opt {
		if o != nil {
			o(&opts)
		}
	}
	if opts.withMaxInterval < opts.withInterval {
		opts.withMaxInterval = opts.withInterval
	}
	if opts.withBus == nil {
		opts.withBus = event.NewBus()
	}
	return opts
}

// WithInitialDelay sets how long a new poller waits before its first query.
func WithInitialDelay(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.withInitialDelay = d
		}
	}
}

// WithInterval sets the fixed delay between successful status queries.
func WithInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.withInterval = d
		}
	}
}

// WithMaxInterval caps the delay that grows after consecutive failed queries.
func WithMaxInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.withMaxInterval = d
		}
	}
}

// WithMaxDuration sets how long after submission a poller gives up and
// reports the build as unknown. Every poller makes at least one status query
// before the limit applies. Zero polls forever, including for a build that
// keeps reporting completed without an artifact url.
func WithMaxDuration(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.withMaxDuration = d
		}
	}
}

// WithDisplayName sets the name used for resumed jobs without metadata.
func WithDisplayName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.withDisplayName = name
		}
	}
}

func WithBus(b *event.Bus) Option {
	return func(o *options) {
		o.withBus = b
	}
}
