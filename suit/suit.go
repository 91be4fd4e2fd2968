// Package suit flashes LiveSuit images the way PhoenixSuit does: boot to FES, write the partition
// table, the partitions and the bootloaders, then reboot.
package suit

import (
	"fmt"
	"sync"
	"time"

	felutils "github.com/JoshuaDoes/sunxi-usbfel"
	"github.com/JoshuaDoes/sunxi-usbfel/livesuit"
)

// State of the flashing state machine.
type State int

const (
	Init State = iota
	DeviceModeKnown
	BootingToFes
	Reconnecting
	FesReady
	MbrWritten
	StorageAttached
	PartitionsWritten
	StorageDetached
	BootloaderWritten
	Rebooted
	Done
	Failed
)

var stateNames = [...]string{
	Init:              "init",
	DeviceModeKnown:   "device mode known",
	BootingToFes:      "booting to fes",
	Reconnecting:      "reconnecting",
	FesReady:          "fes ready",
	MbrWritten:        "mbr written",
	StorageAttached:   "storage attached",
	PartitionsWritten: "partitions written",
	StorageDetached:   "storage detached",
	BootloaderWritten: "bootloader written",
	Rebooted:          "rebooted",
	Done:              "done",
	Failed:            "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// EventKind classifies progress events.
type EventKind int

const (
	Info EventKind = iota
	Percent
	Action
	Warn
	Error
)

func (k EventKind) String() string {
	switch k {
	case Info:
		return "info"
	case Percent:
		return "percent"
	case Action:
		return "action"
	case Warn:
		return "warn"
	case Error:
		return "error"
	}
	return "unknown"
}

// Event is reported to the progress callback. Value is the percentage for Percent events.
type Event struct {
	Message string
	Kind    EventKind
	Value   int
	State   State
}

type ProgressFunc func(Event)

// ReconnectFunc opens a new session once the device re-enumerated in FES mode.
type ReconnectFunc func() (*felutils.Session, error)

const (
	DefaultVerifyRetries  = 3
	DefaultMaxQueueBytes  = 128 << 20
	DefaultSettleTime     = 5 * time.Second
	DefaultEraseThreshold = 15 * time.Second

	// Stage loader and bootloader placement in FEL mode
	FESAddress      = 0x2000
	FESMaxSize      = 16384
	UBootAddress    = 0x4a000000
	WorkModeAddress = 0x4a0000E0

	userDataPartition = "UDISK"
	rawSliceSize      = 128 * felutils.MaxChunk
	sparseProbeLen    = 64
)

type Config struct {
	Format bool
	Verify bool
	// VerifyRetries bounds the rewrites of a partition, negative means no bound.
	VerifyRetries   int
	MaxQueueBytes   int64
	SettleTime      time.Duration
	Reconnect       ReconnectFunc
	ReconnectPolicy felutils.RetryPolicy
	EraseThreshold  time.Duration
	Progress        ProgressFunc
	Logger          felutils.Logger
}

type Option func(*Config)

// WithFormat wipes the storage and writes the user data partition too.
func WithFormat(format bool) Option {
	return func(c *Config) { c.Format = format }
}

// WithVerify enables checking every partition against its checksum item after writing.
func WithVerify(verify bool) Option {
	return func(c *Config) { c.Verify = verify }
}

func WithVerifyRetries(n int) Option {
	return func(c *Config) { c.VerifyRetries = n }
}

func WithMaxQueueBytes(n int64) Option {
	return func(c *Config) {
		if n > 0 {
			c.MaxQueueBytes = n
		}
	}
}

func WithSettleTime(d time.Duration) Option {
	return func(c *Config) { c.SettleTime = d }
}

func WithReconnect(fn ReconnectFunc) Option {
	return func(c *Config) { c.Reconnect = fn }
}

func WithReconnectPolicy(p felutils.RetryPolicy) Option {
	return func(c *Config) { c.ReconnectPolicy = p }
}

func WithEraseThreshold(d time.Duration) Option {
	return func(c *Config) { c.EraseThreshold = d }
}

func WithProgress(fn ProgressFunc) Option {
	return func(c *Config) { c.Progress = fn }
}

func WithLogger(l felutils.Logger) Option {
	return func(c *Config) {
		if l != nil {
			c.Logger = l
		}
	}
}

// Suit drives one flashing run.
type Suit struct {
	cfg   Config
	img   *livesuit.Container
	log   felutils.Logger
	mutex sync.Mutex
	sess  *felutils.Session
	state State
}

// New prepares flashing img through s. When the device has to be booted to FES the session is
// closed and replaced by the one returned from the reconnect function, see Session.
func New(s *felutils.Session, img *livesuit.Container, opts ...Option) *Suit {
	cfg := Config{
		Verify:          true,
		VerifyRetries:   DefaultVerifyRetries,
		MaxQueueBytes:   DefaultMaxQueueBytes,
		SettleTime:      DefaultSettleTime,
		ReconnectPolicy: felutils.DefaultReconnectPolicy,
		EraseThreshold:  DefaultEraseThreshold,
		Logger:          felutils.NopLogger,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Suit{cfg: cfg, img: img, log: cfg.Logger, sess: s, state: Init}
}

// Session is the session currently in use. The caller closes it when done.
func (f *Suit) Session() *felutils.Session {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.sess
}

// State is the last state reached.
func (f *Suit) State() State {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.state
}

func (f *Suit) enter(s State) {
	f.mutex.Lock()
	f.state = s
	f.mutex.Unlock()
	f.log.Debugf("State: %s", s)
}

func (f *Suit) emit(kind EventKind, value int, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	switch kind {
	case Warn:
		f.log.Infof("[!] %s", msg)
	case Error:
		f.log.Errorf("%s", msg)
	case Percent:
		f.log.Tracef("%s: %d%%", msg, value)
	default:
		f.log.Infof("%s", msg)
	}
	if f.cfg.Progress != nil {
		f.cfg.Progress(Event{Message: msg, Kind: kind, Value: value, State: f.State()})
	}
}
