package runtime

import (
	"context"
	"log"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"

	"github.com/kestrelnet/ringtransport/affinity"
	"github.com/kestrelnet/ringtransport/api"
	"github.com/kestrelnet/ringtransport/backend"
	"github.com/kestrelnet/ringtransport/config"
	"github.com/kestrelnet/ringtransport/core/concurrency"
	"github.com/kestrelnet/ringtransport/pool"
)

const (
	pollTimeoutMs    = 100
	defaultCloseWait = 5 * time.Second
	healthWedgeWindow = 2 * time.Second
)

// Transport is the single-connection runtime of spec §4.5: a
// single-threaded poller owning one Backend and one BufferPool,
// mediating application calls through a lock-free MPSC command queue.
// Submission of Connect, Send and Close is safe from any goroutine;
// Handler callbacks are invoked on the poller goroutine only.
type Transport struct {
	cfg     config.Config
	be      api.Backend
	pool    api.BufferPool
	handler api.Handler

	seq   atomic.Uint64
	state atomic.Int32

	cmdQueue *concurrency.LockFreeQueue[command]
	slots    *slotTable

	pollerGID    atomic.Uint64
	stopped      atomic.Bool
	closedCh     chan struct{}
	closeOnce    sync.Once
	lastTurnNano atomic.Int64

	// closeWaiters tracks application goroutines currently blocked in
	// Close, for diagnostics on a close that is taking unusually long
	// (see PendingCloseWaiters). It is never on the hot path: only
	// Close itself touches it, at most once per call.
	closeWaitersMu sync.Mutex
	closeWaiters   *queue.Queue

	recvArmed      bool
	recvToken      api.Token
	recvMode       api.BufferMode
	pendingRecvBuf api.Buffer
	pendingRecvRaw []byte

	addrMu     sync.RWMutex
	localAddr  [4]byte
	localPort  uint16
	haveLocal  bool
	remoteAddr [4]byte
	remotePort uint16
	haveRemote bool
}

// New builds a Transport from cfg, attempting cfg.Backend and falling
// back to the reactor backend if the ring backend's kernel resources
// cannot be allocated (spec §4.3 "retry with a reduced flag set, and
// finally without polling"; here the outermost rung of that ladder is
// abandoning the ring backend entirely).
func New(cfg config.Config, handler api.Handler) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	bp, err := pool.New(cfg.BufferPoolSize, cfg.BufferSize)
	if err != nil {
		return nil, err
	}

	be, err := newBackend(cfg)
	if err != nil {
		bp.Close()
		return nil, err
	}
	if err := be.Initialize(); err != nil {
		bp.Close()
		return nil, api.NewError(api.ErrCodeInternal, "backend initialize: "+err.Error())
	}
	if err := be.RegisterBufferPool(bp); err != nil && err != api.ErrNotSupported {
		log.Printf("[transport] buffer pool registration failed: %v", err)
	}

	return newTransport(cfg, be, bp, handler), nil
}

// newTransport wires an already-constructed Backend and BufferPool into
// a running Transport; New is the production entry point, tests use
// this directly to substitute a fake Backend.
func newTransport(cfg config.Config, be api.Backend, bp api.BufferPool, handler api.Handler) *Transport {
	t := &Transport{
		cfg:      cfg,
		be:       be,
		pool:     bp,
		handler:  handler,
		cmdQueue:     concurrency.NewLockFreeQueue[command](cfg.CommandQueueSize),
		slots:        newSlotTable(cfg.PendingSendSlots),
		closedCh:     make(chan struct{}),
		closeWaiters: queue.New(),
	}
	t.state.Store(int32(api.Disconnected))
	go t.run()
	return t
}

func newBackend(cfg config.Config) (api.Backend, error) {
	switch cfg.Backend {
	case api.BackendRing:
		r, err := backend.NewRing(cfg.SubmissionQueueEntries, cfg.SubmissionPollEnabled, cfg.SubmissionPollCPU, cfg.SubmissionPollIdleUs)
		if err == nil {
			return r, nil
		}
		log.Printf("[transport] ring backend unavailable (%v), falling back to reactor", err)
		return backend.NewReactor()
	case api.BackendReactor:
		return backend.NewReactor()
	default:
		return nil, api.NewError(api.ErrCodeConfiguration, "backend "+cfg.Backend.String()+" is reserved, not implemented")
	}
}

// Connect mints a connect-flagged token, enqueues a Connect command and
// returns immediately; completion is reported via the Handler.
func (t *Transport) Connect(addr [4]byte, port uint16) (api.Token, error) {
	if !t.state.CompareAndSwap(int32(api.Disconnected), int32(api.Connecting)) {
		return 0, api.NewError(api.ErrCodeInvalidState, "connect called while not disconnected")
	}
	tok := t.mint(api.TokenConnectFlag)
	if !t.cmdQueue.Enqueue(command{kind: cmdConnect, addr: addr, port: port, token: tok}) {
		t.state.Store(int32(api.Disconnected))
		return 0, api.ErrBackpressure
	}
	return tok, nil
}

// Send copies data into a pooled buffer and enqueues it for
// submission (spec §4.5 "Send path"). data must not exceed the
// configured buffer size. With buffers disabled it instead enqueues a
// heap copy of data, and no size check applies.
func (t *Transport) Send(data []byte) (api.Token, error) {
	if api.ConnState(t.state.Load()) != api.Connected {
		return 0, api.NewError(api.ErrCodeInvalidState, "send called while not connected")
	}

	tok := t.mint(0)
	slot, ok := t.slots.claim(tok)
	if !ok {
		return 0, api.ErrBackpressure
	}

	if !t.cfg.BuffersEnabled {
		raw := append([]byte(nil), data...)
		slot.mode = api.BufferModeStandard
		if !t.cmdQueue.Enqueue(command{kind: cmdSendRaw, token: tok, raw: raw}) {
			t.slots.release(slot)
			return 0, api.ErrBackpressure
		}
		return tok, nil
	}

	buf, ok := t.pool.TryAcquire()
	if !ok {
		t.slots.release(slot)
		return 0, api.ErrResourceExhausted
	}
	if len(data) > buf.Capacity() {
		t.slots.release(slot)
		buf.Release()
		return 0, api.NewError(api.ErrCodeInvalidArgument, "payload exceeds buffer capacity")
	}

	n := copy(buf.Bytes(), data)
	buf.SetLength(n)
	buf.SetToken(tok)

	mode := api.BufferModeStandard
	switch {
	case t.cfg.BufferMode == api.BufferModeZeroCopy && n >= t.cfg.ZeroCopyThreshold:
		mode = api.BufferModeZeroCopy
	case t.cfg.BufferMode == api.BufferModeFixed:
		mode = api.BufferModeFixed
	}

	slot.buf = buf
	slot.mode = mode

	if !t.cmdQueue.Enqueue(command{kind: cmdSend, token: tok, buf: buf, mode: mode}) {
		t.slots.release(slot)
		buf.Release()
		return 0, api.ErrBackpressure
	}
	return tok, nil
}

// Close is idempotent. Called from the poller goroutine itself (e.g.
// from within a Handler callback) it runs the close body inline to
// avoid joining its own goroutine; otherwise it enqueues a Close
// sentinel, spinning if the queue is momentarily saturated, and waits
// up to defaultCloseWait for the poller to exit.
func (t *Transport) Close() error {
	if goroutineID() == t.pollerGID.Load() {
		t.closeInline()
		return nil
	}

	t.closeWaitersMu.Lock()
	t.closeWaiters.Add(time.Now())
	t.closeWaitersMu.Unlock()
	defer func() {
		t.closeWaitersMu.Lock()
		if t.closeWaiters.Length() > 0 {
			t.closeWaiters.Remove()
		}
		t.closeWaitersMu.Unlock()
	}()

	for !t.cmdQueue.Enqueue(command{kind: cmdClose}) {
		runtime.Gosched()
		select {
		case <-t.closedCh:
			return nil
		default:
		}
	}

	select {
	case <-t.closedCh:
		return nil
	case <-time.After(defaultCloseWait):
		return api.ErrOperationTimeout
	}
}

// PendingCloseWaiters reports how many application goroutines are
// currently blocked inside Close, for diagnosing a wedged shutdown.
func (t *Transport) PendingCloseWaiters() int {
	t.closeWaitersMu.Lock()
	defer t.closeWaitersMu.Unlock()
	return t.closeWaiters.Length()
}

// closeInline runs the close body once, on the poller goroutine only.
func (t *Transport) closeInline() {
	t.closeOnce.Do(func() {
		t.state.Store(int32(api.Closed))
		t.stopped.Store(true)
		t.handler.OnClosed()
		if err := t.be.Close(); err != nil {
			log.Printf("[transport] backend close: %v", err)
		}
		if err := t.pool.Close(); err != nil {
			log.Printf("[transport] pool close: %v", err)
		}
		close(t.closedCh)
	})
}

// Health reports the Transport's liveness (spec §6 "health()"): the
// poller goroutine must have completed a turn within the last
// healthWedgeWindow.
func (t *Transport) Health() api.Health {
	active := 0
	if api.ConnState(t.state.Load()) == api.Connected {
		active = 1
	}
	lastTurn := time.Unix(0, t.lastTurnNano.Load())
	healthy := !t.stopped.Load() && time.Since(lastTurn) < healthWedgeWindow
	return api.Health{Healthy: healthy, ActiveConnections: active}
}

// Stats forwards the backend's counters (metrics.StatsSource).
func (t *Transport) Stats() api.BackendStats { return t.be.Stats() }

// IsConnected reports whether the connection is currently usable for
// Send (spec §6 "is_connected()").
func (t *Transport) IsConnected() bool {
	return api.ConnState(t.state.Load()) == api.Connected
}

// AcquireBuffer hands the caller a pooled buffer directly (spec §6
// "acquire_buffer()"), for application code that wants to fill a buffer
// itself before submitting a raw send, or that needs write access ahead
// of a future Send call. Blocks until one is free or ctx is done.
func (t *Transport) AcquireBuffer(ctx context.Context) (api.Buffer, error) {
	return t.pool.Acquire(ctx)
}

// AvailableBufferSpace reports the number of buffers currently free in
// the pool (spec §6 "available_buffer_space()").
func (t *Transport) AvailableBufferSpace() int {
	return t.pool.Available()
}

func (t *Transport) LocalAddr() ([4]byte, uint16, bool) {
	t.addrMu.RLock()
	defer t.addrMu.RUnlock()
	return t.localAddr, t.localPort, t.haveLocal
}

func (t *Transport) RemoteAddr() ([4]byte, uint16, bool) {
	t.addrMu.RLock()
	defer t.addrMu.RUnlock()
	return t.remoteAddr, t.remotePort, t.haveRemote
}

func (t *Transport) mint(flag api.Token) api.Token {
	seq := t.seq.Add(1)
	return (api.Token(seq) & api.TokenSeqMask) | flag
}

// run is the poller loop: drain commands, submit the batch, wait for
// completions. It is the sole mutator of connection state and the
// pending-send/receive tables once started.
func (t *Transport) run() {
	if t.cfg.CPUAffinity >= 0 {
		runtime.LockOSThread()
		if err := affinity.Pin(t.cfg.CPUAffinity); err != nil {
			log.Printf("[transport] cpu affinity: %v", err)
		}
	}

	t.pollerGID.Store(goroutineID())
	t.lastTurnNano.Store(time.Now().UnixNano())

	for !t.stopped.Load() {
		t.drainCommands()
		if t.stopped.Load() {
			break
		}
		t.postReceive()
		if err := t.be.SubmitBatch(); err != nil {
			log.Printf("[transport] submit_batch: %v", err)
		}
		n := t.be.WaitForCompletion(context.Background(), pollTimeoutMs, t.onCompletion)
		t.lastTurnNano.Store(time.Now().UnixNano())
		if n == 0 {
			runtime.Gosched()
		}
	}
}

func (t *Transport) drainCommands() {
	for {
		cmd, ok := t.cmdQueue.Dequeue()
		if !ok {
			return
		}
		switch cmd.kind {
		case cmdConnect:
			if err := t.be.Connect(cmd.addr, cmd.port, cmd.token); err != nil {
				t.state.Store(int32(api.Disconnected))
				t.handler.OnConnectionFailed(cmd.token, err)
			}
		case cmdSend:
			t.submitSend(cmd.token, cmd.buf, cmd.mode)
		case cmdSendRaw:
			t.submitSendRaw(cmd.token, cmd.raw)
		case cmdClose:
			t.closeInline()
			return
		}
	}
}

func (t *Transport) submitSend(tok api.Token, buf api.Buffer, mode api.BufferMode) {
	used, err := t.be.SendFromBuffer(buf, mode, tok)
	if err != nil {
		if slot, ok := t.slots.lookup(tok); ok {
			t.slots.release(slot)
		}
		buf.Release()
		t.handler.OnSendFailed(tok, err)
		return
	}
	if slot, ok := t.slots.lookup(tok); ok {
		slot.mode = used
	}
}

func (t *Transport) submitSendRaw(tok api.Token, data []byte) {
	if err := t.be.SendFromRaw(data, tok); err != nil {
		if slot, ok := t.slots.lookup(tok); ok {
			t.slots.release(slot)
		}
		t.handler.OnSendFailed(tok, err)
	}
}

// postReceive arms the next receive per the transport's effective
// buffer mode (spec §4.5 "Receive path"). With buffers.enabled false it
// always takes the raw, pool-free path instead.
func (t *Transport) postReceive() {
	if t.recvArmed || api.ConnState(t.state.Load()) != api.Connected {
		return
	}

	if !t.cfg.BuffersEnabled {
		t.postReceiveRaw()
		return
	}

	tok := t.mint(api.TokenRecvFlag)
	buf, ok := t.pool.TryAcquire()
	if !ok {
		return // retried next turn
	}
	buf.SetToken(tok)
	used, err := t.be.ReceiveIntoBuffer(buf, t.cfg.BufferMode, tok)
	if err != nil {
		buf.Release()
		return
	}
	t.recvArmed = true
	t.recvToken = tok
	t.recvMode = used
	// at most one standard/fixed receive is ever outstanding, so a
	// single field suffices in place of a token-keyed map.
	t.pendingRecvBuf = buf
}

// postReceiveRaw arms a receive into a plain heap slice, bypassing the
// buffer pool entirely (spec §6 "buffers.enabled = false" forces
// standard raw-slice I/O).
func (t *Transport) postReceiveRaw() {
	tok := t.mint(api.TokenRecvFlag)
	raw := make([]byte, t.cfg.BufferSize)
	if err := t.be.ReceiveIntoRaw(raw, tok); err != nil {
		return
	}
	t.recvArmed = true
	t.recvToken = tok
	t.recvMode = api.BufferModeStandard
	t.pendingRecvRaw = raw
}
