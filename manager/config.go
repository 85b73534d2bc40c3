package manager

import (
	"time"

	"github.com/decred/slog"
)

// Config holds the user-facing manager settings.
type Config struct {
	PollInterval   time.Duration `dialsdesc:"Longest time the event loop waits for server messages per iteration"`
	ReconnectDelay time.Duration `dialsdesc:"Delay before reconnecting after the server connection is lost (0 disables reconnecting)"`
	Verbose        bool          `dialsdesc:"Log every device property at trace level"`
}

func DefaultConfig() *Config {
	return &Config{
		PollInterval:   16 * time.Millisecond,
		ReconnectDelay: 2 * time.Second,
		Verbose:        false,
	}
}

type config struct {
	log            slog.Logger
	pollInterval   time.Duration
	reconnectDelay time.Duration
	verbose        bool
}

// Option configures a Manager.
type Option func(*config)

// WithLogger sets the logger used by the manager.
func WithLogger(log slog.Logger) Option {
	return func(c *config) {
		c.log = log
	}
}

// WithPollInterval sets the longest time one event loop iteration waits for
// server messages.
func WithPollInterval(d time.Duration) Option {
	return func(c *config) {
		c.pollInterval = d
	}
}

// WithReconnectDelay sets how long Run waits before reconnecting. Zero makes
// Run return on the first connection failure.
func WithReconnectDelay(d time.Duration) Option {
	return func(c *config) {
		c.reconnectDelay = d
	}
}

// WithVerbose enables logging of every device property.
func WithVerbose(verbose bool) Option {
	return func(c *config) {
		c.verbose = verbose
	}
}

// WithConfig applies every setting of cfg.
func WithConfig(cfg *Config) Option {
	return func(c *config) {
		c.pollInterval = cfg.PollInterval
		c.reconnectDelay = cfg.ReconnectDelay
		c.verbose = cfg.Verbose
	}
}

func fillConfig(opts []Option) config {
	def := DefaultConfig()
	c := config{
		log:            slog.Disabled,
		pollInterval:   def.PollInterval,
		reconnectDelay: def.ReconnectDelay,
	}
	for _, opt := range opts {
		opt(&c)
	}
	if c.pollInterval <= 0 {
		c.pollInterval = def.PollInterval
	}
	return c
}
