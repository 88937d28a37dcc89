// Package config holds the transport runtime's construction-time
// parameters (spec §6 "Configuration"). Config is a plain value type
// validated synchronously; it carries no listener/hot-reload machinery
// because config-construction-from-file/env is out of scope (spec §1).
package config

import (
	"fmt"
	"time"

	"github.com/kestrelnet/ringtransport/api"
)

// Config drives backend selection, buffer sizing, and the send/receive
// fast-path thresholds a Transport uses.
type Config struct {
	// Backend selects the io backend; BackendRing falls back to the
	// reactor backend when the ring cannot be set up, BackendReactor
	// uses the reactor backend only.
	Backend api.BackendType

	// BufferPoolSize is N, the fixed buffer count (spec §3 "Buffer pool").
	BufferPoolSize int
	// BufferSize is the fixed capacity of every buffer in the pool.
	BufferSize int
	// BuffersEnabled selects the pooled, potentially zero-copy fast path
	// when true (spec §6 "buffers.enabled"). false forces every send and
	// receive onto plain heap-allocated raw-slice I/O, bypassing the
	// pool entirely — useful for workloads whose payloads outlive a
	// single call and would just be copied straight back out of a
	// pooled buffer anyway.
	BuffersEnabled bool

	// SubmissionQueueEntries sizes the ring backend's SQ/CQ (ignored by
	// the reactor backend).
	SubmissionQueueEntries uint32

	// ConnectTimeout is the configured connect deadline; Validate
	// requires it to be positive. The runtime does not apply it: a
	// pending Connect waits for the backend's completion with no
	// deadline.
	ConnectTimeout time.Duration

	// BufferMode selects the default send/receive fast path; a
	// fixed-buffer or zero-copy operation whose completion reports
	// EINVAL/EOPNOTSUPP is resubmitted once as BufferModeStandard
	// (spec §4.6/§9).
	BufferMode api.BufferMode

	// ZeroCopyThreshold is the minimum payload size, in bytes, for which
	// the runtime uses BufferModeZeroCopy when that mode is selected;
	// smaller payloads go out as BufferModeStandard, since zero-copy's
	// notification round trip costs more than it saves on them.
	ZeroCopyThreshold int

	// CPUAffinity pins the poller goroutine to one CPU via
	// affinity.Pin; -1 leaves scheduling to the Go runtime.
	CPUAffinity int

	// SubmissionPollEnabled requests IORING_SETUP_SQPOLL on the ring
	// backend so user space never issues an io_uring_enter submit
	// syscall in steady state (spec §4.3/§6 "submission_poll.enabled").
	// Ignored by the reactor backend.
	SubmissionPollEnabled bool
	// SubmissionPollCPU pins the kernel's poll thread to a CPU
	// (IORING_SETUP_SQ_AFF); -1 leaves it unpinned.
	SubmissionPollCPU int
	// SubmissionPollIdleUs is how long the kernel poll thread spins
	// before sleeping, in microseconds.
	SubmissionPollIdleUs int

	// CommandQueueSize sizes the MPSC command queue feeding the poller,
	// rounded up to a power of two.
	CommandQueueSize int

	// PendingSendSlots sizes the in-flight send correlation table; it
	// must be a power of two, and Validate rejects any other value
	// (spec §3 "Token" pending-slot bits).
	PendingSendSlots int
}

// Option mutates a Config during construction (teacher's functional-
// option convention, server/options.go).
type Option func(*Config)

// Default returns the baseline configuration: ring backend, 256 64KiB
// buffers, a 1024-entry submission queue, standard buffer mode, no CPU
// pinning.
func Default() Config {
	return Config{
		Backend:                api.BackendRing,
		BufferPoolSize:         256,
		BufferSize:             65536,
		BuffersEnabled:         true,
		SubmissionQueueEntries: 1024,
		ConnectTimeout:         5 * time.Second,
		BufferMode:             api.BufferModeStandard,
		ZeroCopyThreshold:      16 * 1024,
		CPUAffinity:            -1,
		SubmissionPollEnabled:  false,
		SubmissionPollCPU:      -1,
		SubmissionPollIdleUs:   500,
		CommandQueueSize:       4096,
		PendingSendSlots:       1024,
	}
}

// New builds a Config from Default() with opts applied, then validates it.
func New(opts ...Option) (Config, error) {
	cfg := Default()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first configuration error found (spec §7
// "Configuration errors").
func (c Config) Validate() error {
	switch {
	case c.Backend == api.BackendXDP || c.Backend == api.BackendDPDK:
		return fmt.Errorf("backend %s is reserved, not implemented: %w", c.Backend, api.ErrNotSupported)
	case c.BufferPoolSize <= 0:
		return api.NewError(api.ErrCodeConfiguration, "buffer pool size must be positive")
	case c.BufferSize <= 0:
		return api.NewError(api.ErrCodeConfiguration, "buffer size must be positive")
	case c.SubmissionQueueEntries == 0:
		return api.NewError(api.ErrCodeConfiguration, "submission queue entries must be positive")
	case c.ConnectTimeout <= 0:
		return api.NewError(api.ErrCodeConfiguration, "connect timeout must be positive")
	case c.ZeroCopyThreshold < 0:
		return api.NewError(api.ErrCodeConfiguration, "zero-copy threshold must not be negative")
	case !c.BuffersEnabled && c.BufferMode != api.BufferModeStandard:
		return api.NewError(api.ErrCodeConfiguration, "buffer_mode requires buffers.enabled")
	case c.SubmissionPollIdleUs < 0:
		return api.NewError(api.ErrCodeConfiguration, "submission poll idle_us must not be negative")
	case c.CommandQueueSize <= 0:
		return api.NewError(api.ErrCodeConfiguration, "command queue size must be positive")
	case c.PendingSendSlots <= 0 || c.PendingSendSlots&(c.PendingSendSlots-1) != 0:
		return api.NewError(api.ErrCodeConfiguration, "pending send slots must be a positive power of two")
	}
	return nil
}

func WithBackend(b api.BackendType) Option { return func(c *Config) { c.Backend = b } }

func WithBufferPool(count, size int) Option {
	return func(c *Config) {
		c.BufferPoolSize = count
		c.BufferSize = size
	}
}

func WithSubmissionQueueEntries(n uint32) Option {
	return func(c *Config) { c.SubmissionQueueEntries = n }
}

func WithConnectTimeout(d time.Duration) Option {
	return func(c *Config) { c.ConnectTimeout = d }
}

func WithBufferMode(m api.BufferMode) Option { return func(c *Config) { c.BufferMode = m } }

// WithBuffersDisabled forces every send and receive onto plain
// heap-allocated raw-slice I/O, bypassing the buffer pool (spec §6
// "buffers.enabled = false").
func WithBuffersDisabled() Option {
	return func(c *Config) {
		c.BuffersEnabled = false
		c.BufferMode = api.BufferModeStandard
	}
}

func WithZeroCopyThreshold(n int) Option { return func(c *Config) { c.ZeroCopyThreshold = n } }

func WithCPUAffinity(cpu int) Option { return func(c *Config) { c.CPUAffinity = cpu } }

// WithSubmissionPoll enables IORING_SETUP_SQPOLL on the ring backend,
// optionally pinned to cpu (-1 for unpinned), sleeping after idleUs
// microseconds of inactivity.
func WithSubmissionPoll(cpu int, idleUs int) Option {
	return func(c *Config) {
		c.SubmissionPollEnabled = true
		c.SubmissionPollCPU = cpu
		c.SubmissionPollIdleUs = idleUs
	}
}

func WithCommandQueueSize(n int) Option { return func(c *Config) { c.CommandQueueSize = n } }

func WithPendingSendSlots(n int) Option { return func(c *Config) { c.PendingSendSlots = n } }
