package felutils

import (
	"fmt"
	"sync"
	"time"
)

const (
	DefaultTimeout     = 5 * time.Second
	DefaultSlowTimeout = 60 * time.Second
)

// Transport moves raw bulk packets to and from the device.
type Transport interface {
	Send(p []byte, timeout time.Duration) (int, error)
	Recv(n int, timeout time.Duration) ([]byte, error)
	Close() error
}

// Logger is the subset of *logger.Logger used by the library.
type Logger interface {
	Tracef(format string, args ...interface{})
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Tracef(string, ...interface{}) {}
func (nopLogger) Debugf(string, ...interface{}) {}
func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}

// NopLogger discards everything.
var NopLogger Logger = nopLogger{}

// Config holds the immutable settings of a session.
type Config struct {
	Timeout      time.Duration
	SlowTimeout  time.Duration
	MaxChunk     int
	VerifyPolicy RetryPolicy
	Logger       Logger
}

type Option func(*Config)

func WithTimeout(d time.Duration) Option {
	return func(c *Config) { c.Timeout = d }
}

func WithSlowTimeout(d time.Duration) Option {
	return func(c *Config) { c.SlowTimeout = d }
}

// WithMaxChunk lowers the payload size of a single exchange. Values outside 1..MaxChunk are ignored.
func WithMaxChunk(n int) Option {
	return func(c *Config) {
		if n > 0 && n <= MaxChunk {
			c.MaxChunk = n
		}
	}
}

func WithVerifyPolicy(p RetryPolicy) Option {
	return func(c *Config) { c.VerifyPolicy = p }
}

func WithLogger(l Logger) Option {
	return func(c *Config) {
		if l != nil {
			c.Logger = l
		}
	}
}

// NewConfig applies opts over the defaults.
func NewConfig(opts ...Option) Config {
	c := Config{
		Timeout:      DefaultTimeout,
		SlowTimeout:  DefaultSlowTimeout,
		MaxChunk:     MaxChunk,
		VerifyPolicy: DefaultVerifyPolicy,
		Logger:       NopLogger,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// Session owns a transport for its whole life and serializes every operation on it.
type Session struct {
	sync.Mutex
	t      Transport
	cfg    Config
	log    Logger
	closed bool
}

// NewSession takes ownership of t.
func NewSession(t Transport, opts ...Option) *Session {
	cfg := NewConfig(opts...)
	return &Session{t: t, cfg: cfg, log: cfg.Logger}
}

// Open claims the FEL device at busAddr ("BUS:ADDR", or empty for the first one found).
func Open(busAddr string, opts ...Option) (*Session, error) {
	dev, err := OpenUSBDevice(busAddr)
	if err != nil {
		return nil, fmt.Errorf("opening device: %w", err)
	}
	s := NewSession(dev, opts...)
	s.log.Debugf("Opened %s", dev.Info())
	return s, nil
}

// Config returns the settings the session was built with.
func (s *Session) Config() Config {
	return s.cfg
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.Lock()
	defer s.Unlock()
	return s.closed
}

// Close releases the transport. It is safe to call more than once.
func (s *Session) Close() error {
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.t.Close()
}
