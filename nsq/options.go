package nsq

import (
	"crypto/tls"
	"time"
)

// Config holds the Reader configuration described in spec.md §6: the seed
// broker list, lookup endpoints, max_in_flight/idle_timeout/poll interval,
// and the IDENTIFY options negotiated on every Connection. It is built via
// functional options (Option), matching the cfg-struct-plus-option-function
// shape used throughout this package.
type Config struct {
	NSQDAddresses     []string
	LookupdAddresses  []string
	MaxInFlight       int
	IdleTimeout       time.Duration
	LookupdPollPeriod time.Duration

	// IDENTIFY options, spec.md §6 table.
	HeartbeatInterval   time.Duration
	FeatureNegotiation  bool
	TLSV1               bool
	TLSConfig           *tls.Config
	Snappy              bool
	Deflate             bool
	DeflateLevel        int
	SampleRate          int

	DialTimeout time.Duration
	Logger      Logger
}

// NewConfig returns a Config populated with spec.md's defaults.
func NewConfig() *Config {
	return &Config{
		MaxInFlight:        DefaultMaxInFlight,
		IdleTimeout:        DefaultIdleTimeout,
		LookupdPollPeriod:  DefaultLookupdPollInterval,
		HeartbeatInterval:  DefaultHeartbeatInterval,
		FeatureNegotiation: true,
		DeflateLevel:       6,
		DialTimeout:        DefaultDialTimeout,
		Logger:             nopLogger{},
	}
}

// Option mutates a Config; Apply(cfg, opts...) folds a slice of them, the
// same functional-options pattern common to Go client constructors
// values.
type Option func(*Config)

// Apply folds opts onto cfg in order.
func Apply(cfg *Config, opts ...Option) {
	for _, opt := range opts {
		opt(cfg)
	}
}

// WithNSQDAddresses sets the seed broker list.
func WithNSQDAddresses(addrs ...string) Option {
	return func(c *Config) { c.NSQDAddresses = addrs }
}

// WithLookupdAddresses sets the nsqlookupd HTTP endpoints to poll.
func WithLookupdAddresses(addrs ...string) Option {
	return func(c *Config) { c.LookupdAddresses = addrs }
}

// WithMaxInFlight overrides the default max_in_flight (42).
func WithMaxInFlight(n int) Option {
	return func(c *Config) { c.MaxInFlight = n }
}

// WithIdleTimeout overrides RdyControl's idle_timeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Config) { c.IdleTimeout = d }
}

// WithLookupdPollPeriod overrides how often the Reader re-polls lookupd.
func WithLookupdPollPeriod(d time.Duration) Option {
	return func(c *Config) { c.LookupdPollPeriod = d }
}

// WithHeartbeatInterval overrides the heartbeat_interval IDENTIFY option.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Config) { c.HeartbeatInterval = d }
}

// WithTLS requests a TLS upgrade after IDENTIFY, using conf for the
// client-side handshake.
func WithTLS(conf *tls.Config) Option {
	return func(c *Config) {
		c.TLSV1 = true
		c.TLSConfig = conf
	}
}

// WithSnappy requests Snappy compression after IDENTIFY (mutually
// exclusive with WithDeflate; nsqd picks at most one).
func WithSnappy() Option {
	return func(c *Config) { c.Snappy = true }
}

// WithDeflate requests Deflate compression at the given level (1-9).
func WithDeflate(level int) Option {
	return func(c *Config) {
		c.Deflate = true
		c.DeflateLevel = level
	}
}

// WithSampleRate requests server-side delivery sampling, 0-99.
func WithSampleRate(rate int) Option {
	return func(c *Config) { c.SampleRate = rate }
}

// WithLogger installs a Logger; the default is silent.
func WithLogger(l Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithDialTimeout bounds the initial TCP dial per Connection.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Config) { c.DialTimeout = d }
}

// identifyPayload is the JSON body sent with the IDENTIFY command,
// enumerating the client's desired options (spec.md §4.2.3/§6).
type identifyPayload struct {
	HeartbeatInterval  int64 `json:"heartbeat_interval"`
	FeatureNegotiation bool  `json:"feature_negotiation"`
	TLSV1              bool  `json:"tls_v1"`
	Snappy             bool  `json:"snappy"`
	Deflate            bool  `json:"deflate"`
	DeflateLevel       int   `json:"deflate_level"`
	SampleRate         int   `json:"sample_rate"`
}

func (c *Config) identifyPayload() identifyPayload {
	return identifyPayload{
		HeartbeatInterval:  int64(c.HeartbeatInterval / time.Millisecond),
		FeatureNegotiation: c.FeatureNegotiation,
		TLSV1:              c.TLSV1,
		Snappy:             c.Snappy,
		Deflate:            c.Deflate,
		DeflateLevel:       c.DeflateLevel,
		SampleRate:         c.SampleRate,
	}
}

// identifyServerResponse is the JSON object nsqd replies with when
// feature_negotiation is requested and at least one feature applies
// (spec.md §4.2.3).
type identifyServerResponse struct {
	TLSV1   bool `json:"tls_v1"`
	Snappy  bool `json:"snappy"`
	Deflate bool `json:"deflate"`
}
