package api

import "context"

// Buffer is a handle to one fixed-capacity, page-aligned region of a
// BufferPool's off-heap arena (spec §3 "Buffer"). It carries no payload
// itself — all accessors read/write through to the owning pool's
// structure-of-arrays metadata, keyed by PoolIndex.
type Buffer interface {
	// Bytes returns the writable view [Position():Limit()] into the
	// buffer's backing memory.
	Bytes() []byte

	// Capacity is the buffer's immutable allocated size.
	Capacity() int

	// Position, Limit, Length are the buffer's cursor state (spec §3
	// invariant: 0 <= Position <= Limit <= Capacity, Length <= Capacity).
	Position() int
	Limit() int
	Length() int
	SetPosition(p int)
	SetLimit(l int)
	SetLength(n int)

	// PoolIndex is this buffer's ordinal position within its pool.
	PoolIndex() int

	// RegIndex is the kernel registration index for a fixed buffer, or
	// -1 if this buffer is not registered with any backend.
	RegIndex() int16
	SetRegIndex(idx int16)

	// Token is a user-settable 64-bit correlation value stamped onto
	// the buffer before it is handed to a backend's send path.
	Token() Token
	SetToken(t Token)

	// Retain increments the reference count. Fails with ErrInvalidState
	// if the current count is already 0.
	Retain() error

	// Release decrements the reference count; at zero the buffer is
	// reset (Position=0, Limit=Capacity, Length=0, Token=0) and returned
	// to its pool's free list. Double-release is reported as
	// ErrDoubleRelease.
	Release() error

	// RefCount is a snapshot of the current reference count.
	RefCount() int32
}

// BufferPool is a fixed-size collection of N buffers with lock-free
// concurrent acquire/release (spec §4.1).
type BufferPool interface {
	// Acquire blocks until a buffer is free, or ctx is done.
	Acquire(ctx context.Context) (Buffer, error)

	// TryAcquire returns (nil, false) instead of blocking.
	TryAcquire() (Buffer, bool)

	// Capacity is N, the pool's fixed buffer count.
	Capacity() int

	// Available is a snapshot of the number of free buffers.
	Available() int

	// InUse is a snapshot of the number of acquired buffers.
	InUse() int

	// BufferSize is the fixed size of every buffer in the pool.
	BufferSize() int

	// Buffers returns the full-capacity backing slice of every buffer in
	// the pool, indexed by PoolIndex, for a backend to register as fixed
	// I/O vectors. Slices alias live buffer memory; callers must not
	// retain them past pool Close.
	Buffers() [][]byte

	// Close drains the pool and releases its backing arena. Further
	// Acquire calls fail with ErrBufferPoolClosed and TryAcquire
	// reports false.
	Close() error
}

// ConnState is the backend connection state machine of spec §3.
type ConnState int32

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	Closing
	Closed
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// CompletionFlags carries the out-of-band bits a completion may set.
type CompletionFlags uint32

const (
	// FlagMore indicates additional completions follow for a multishot
	// operation (recv, accept).
	FlagMore CompletionFlags = 1 << iota
	// FlagNotification marks the second, async-safe-to-reuse completion
	// of a zero-copy send.
	FlagNotification
	// FlagBufferRing indicates the completion's high 16 bits carry the
	// kernel-selected buffer-ring slot ID; use BufferID to extract it.
	FlagBufferRing
)

// BufferID extracts a buffer-ring selected buffer ID from completion
// flags carrying FlagBufferRing in their high 16 bits.
func BufferID(flags CompletionFlags) uint16 {
	return uint16(uint32(flags) >> 16)
}

// Completion is the triple a backend produces for one operation (spec
// §3 "Completion").
type Completion struct {
	Token  Token
	Result int32
	Flags  CompletionFlags
}

// CompletionHandler receives basic (token, result) completions, as
// produced by the reactor backend (which never sets flags).
type CompletionHandler func(token Token, result int32)

// ExtendedCompletionHandler additionally receives flags, as required to
// interpret multishot/zero-copy/buffer-ring completions from the ring
// backend.
type ExtendedCompletionHandler func(token Token, result int32, flags CompletionFlags)

// BackendType names a Backend implementation (spec §6 "backend" config).
type BackendType int

const (
	BackendRing BackendType = iota
	BackendReactor
	BackendXDP  // reserved, rejects with ErrNotSupported
	BackendDPDK // reserved, rejects with ErrNotSupported
)

func (b BackendType) String() string {
	switch b {
	case BackendRing:
		return "ring"
	case BackendReactor:
		return "reactor"
	case BackendXDP:
		return "xdp"
	case BackendDPDK:
		return "dpdk"
	default:
		return "unknown"
	}
}

// BufferMode selects the send/receive fast path (spec §6 "buffer_mode").
type BufferMode int

const (
	BufferModeStandard BufferMode = iota
	BufferModeFixed
	BufferModeZeroCopy
	BufferModeBufferRing
)

// Features describes what a Backend implementation can do, letting the
// transport runtime choose paths without type-asserting the backend.
type Features struct {
	SupportsRegisteredBuffers bool
	SupportsBatchSubmission   bool
	SupportsZeroCopy          bool
	SupportsBufferRing        bool
	SupportsMultishotRecv     bool
	SupportsTLS               bool // always false in this engine
}

// BackendStats is the counters a Backend accumulates (spec §4.3
// "Statistics" / §6 "Stats snapshot").
type BackendStats struct {
	BytesSent        uint64
	BytesReceived    uint64
	SendsOK          uint64
	SendsFailed      uint64
	RecvsOK          uint64
	RecvsFailed      uint64
	BatchSubmissions uint64
	TotalSyscalls    uint64
	QueueOverflows   uint64
}

// AvgBatchSize derives the syscall-reduction ratio of spec §4.3/§6.
func (s BackendStats) AvgBatchSize() float64 {
	if s.TotalSyscalls == 0 {
		return 0
	}
	ops := s.SendsOK + s.SendsFailed + s.RecvsOK + s.RecvsFailed
	return float64(ops) / float64(s.TotalSyscalls)
}

// Backend is the capability contract of spec §4.2: every io backend
// (ring or reactor) implements this narrow interface, and the transport
// runtime drives either variant identically.
type Backend interface {
	// Initialize allocates kernel resources (ring, epoll fd, ...). It is
	// called once, before any other method, and returns a fatal error
	// synchronously on failure (spec §7 "Fatal engine errors").
	Initialize() error

	// RegisterBufferPool publishes a BufferPool's buffers to the
	// backend (e.g. as a pinned iovec array for the ring backend).
	// Returns ErrNotSupported if the backend has no registered-buffer
	// capability.
	RegisterBufferPool(pool BufferPool) error

	// Connect begins an asynchronous connect to addr, tagged with
	// token. Completion is delivered through the completion handler
	// passed to PollCompletions/WaitForCompletion.
	Connect(addr [4]byte, port uint16, token Token) error

	// Bind creates a listening socket at addr:port (backlog 128,
	// SO_REUSEADDR, SO_REUSEPORT per spec §6 "Wire level").
	Bind(addr [4]byte, port uint16) error

	// Accept submits one (or, if the backend supports it, a multishot)
	// accept operation tagged with token.
	Accept(token Token) error

	// SendFromBuffer submits data already held in a pool Buffer. mode
	// selects the fast path; the backend falls back silently if mode is
	// unsupported and reports the mode it actually used as usedMode.
	SendFromBuffer(buf Buffer, mode BufferMode, token Token) (usedMode BufferMode, err error)

	// SendFromRaw submits data from an unmanaged slice (standard path
	// only; no fixed-buffer or zero-copy support).
	SendFromRaw(data []byte, token Token) error

	// ReceiveIntoBuffer submits a receive that will land in buf (fixed
	// or standard, per mode).
	ReceiveIntoBuffer(buf Buffer, mode BufferMode, token Token) (usedMode BufferMode, err error)

	// ReceiveIntoRaw submits a receive into an unmanaged buffer.
	ReceiveIntoRaw(data []byte, token Token) error

	// ReceiveMultishot arms a multishot receive bound to the backend's
	// buffer ring. Returns ErrNotSupported if the backend lacks a
	// buffer ring.
	ReceiveMultishot(token Token) error

	// SubmitBatch flushes any operations prepared but not yet submitted
	// to the kernel. A no-op for backends without batching.
	SubmitBatch() error

	// PollCompletions drains currently-available completions
	// non-blockingly, invoking handler for each, and returns the count
	// processed.
	PollCompletions(handler ExtendedCompletionHandler) int

	// WaitForCompletion blocks up to timeout for at least one
	// completion, then drains as PollCompletions does.
	WaitForCompletion(ctx context.Context, timeout int, handler ExtendedCompletionHandler) int

	// BackendType identifies this implementation.
	BackendType() BackendType

	// Features reports this backend's capability flags.
	Features() Features

	// Stats is a snapshot of this backend's counters.
	Stats() BackendStats

	// Close releases kernel resources. Idempotent.
	Close() error

	// CreateFromAccepted builds a sibling Backend for a socket handle
	// produced by a prior Accept completion. The sibling shares the
	// parent's ring/epoll fd and registered buffer pool but does not
	// own them: closing it never tears down the parent's resources.
	CreateFromAccepted(handle int32) (Backend, error)

	// LocalAddr / RemoteAddr report the addresses the backend has
	// recorded: the remote address passed to Connect (recorded when
	// Connect is called) or the peer of an accepted socket, and the local
	// address of a bound listener. ok is false for an address that was
	// never recorded.
	LocalAddr() (addr [4]byte, port uint16, ok bool)
	RemoteAddr() (addr [4]byte, port uint16, ok bool)
}

// Handler is the event sink the transport runtime dispatches completions
// to (spec §6 "Handler interface"). All methods are invoked on the
// poller goroutine only and must not block.
type Handler interface {
	OnConnected(token Token)
	OnConnectionFailed(token Token, cause error)
	OnDataReceived(view []byte)
	OnSendComplete(token Token)
	OnSendFailed(token Token, cause error)
	OnClosed()
}

// Health is the snapshot returned by Transport.Health.
type Health struct {
	Healthy           bool
	ActiveConnections int
}
