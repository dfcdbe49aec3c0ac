package coap

import (
	"sync/atomic"
	"time"
)

// endpointConfig holds the tunables spec §6 lists
// (ack_timeout, max_retransmissions) plus the pluggable logger and
// poll cadence, applied through functional options at construction —
// the teacher's constructors (ListenAndServe, Serve) take no config
// struct at all, so a config file format would be new ceremony this
// library does not need.
type endpointConfig struct {
	ackTimeout      float64
	ackRandomFactor float64
	maxRetransmit   int
	logger          Logger
	pollInterval    time.Duration
}

// Option configures a Client or Server at construction.
type Option func(*endpointConfig)

// WithAckTimeout overrides DefaultAckTimeoutSecs.
func WithAckTimeout(secs float64) Option {
	return func(c *endpointConfig) { c.ackTimeout = secs }
}

// WithMaxRetransmissions overrides DefaultMaxRetransmit.
func WithMaxRetransmissions(n int) Option {
	return func(c *endpointConfig) { c.maxRetransmit = n }
}

// WithAckRandomFactor overrides DefaultAckRandomFactor.
func WithAckRandomFactor(f float64) Option {
	return func(c *endpointConfig) { c.ackRandomFactor = f }
}

// WithLogger installs a Logger sink for this endpoint only (see spec
// §6: the library never assumes a concrete sink).
func WithLogger(l Logger) Option {
	return func(c *endpointConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithPollInterval overrides the receive loop's blocking-read deadline
// cadence (spec §5: "≈1s client, ≈5s server idle").
func WithPollInterval(d time.Duration) Option {
	return func(c *endpointConfig) { c.pollInterval = d }
}

func newEndpointConfig(pollInterval time.Duration, opts ...Option) endpointConfig {
	cfg := endpointConfig{
		ackTimeout:      DefaultAckTimeoutSecs,
		ackRandomFactor: DefaultAckRandomFactor,
		maxRetransmit:   DefaultMaxRetransmit,
		logger:          defaultLogger,
		pollInterval:    pollInterval,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// counters tracks the send/receive/retransmit/undelivered totals the
// metrics sub-package exposes as a prometheus.Collector.
type counters struct {
	sent          uint64
	received      uint64
	retransmitted uint64
	undelivered   uint64
}

func (c *counters) incSent()          { atomic.AddUint64(&c.sent, 1) }
func (c *counters) incReceived()      { atomic.AddUint64(&c.received, 1) }
func (c *counters) incRetransmitted() { atomic.AddUint64(&c.retransmitted, 1) }
func (c *counters) incUndelivered()   { atomic.AddUint64(&c.undelivered, 1) }

func (c *counters) snapshot() (sent, received, retransmitted, undelivered uint64) {
	return atomic.LoadUint64(&c.sent),
		atomic.LoadUint64(&c.received),
		atomic.LoadUint64(&c.retransmitted),
		atomic.LoadUint64(&c.undelivered)
}

// recoverCallback runs fn inside a panic-recovery boundary and logs
// any recovered panic, per spec §5: "Application callbacks are
// invoked inside a catch-all boundary; any error they raise is logged
// and swallowed". Grounded in the teacher's handlePacket deferred
// recover().
func recoverCallback(logger Logger, where string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("[coap] panic in %s callback: %v", where, r)
		}
	}()
	fn()
}
