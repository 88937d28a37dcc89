package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelnet/ringtransport/api"
	"github.com/kestrelnet/ringtransport/config"
	"github.com/kestrelnet/ringtransport/pool"
)

// fakeBackend is a hand-rolled api.Backend, following the project's
// fakes-over-mocks convention: a mutex-guarded struct with injectable
// error/behavior fields rather than a generated mock.
type fakeBackend struct {
	mu sync.Mutex

	comps chan api.Completion

	connectErr error
	sendErr    error

	features api.Features
	stats    api.BackendStats

	sent    [][]byte
	rawSent [][]byte

	localAddr  [4]byte
	localPort  uint16
	remoteAddr [4]byte
	remotePort uint16

	closed bool
}

var _ api.Backend = (*fakeBackend)(nil)

func newFakeBackend() *fakeBackend {
	return &fakeBackend{comps: make(chan api.Completion, 64)}
}

func (b *fakeBackend) push(tok api.Token, result int32, flags api.CompletionFlags) {
	b.comps <- api.Completion{Token: tok, Result: result, Flags: flags}
}

func (b *fakeBackend) Initialize() error                             { return nil }
func (b *fakeBackend) RegisterBufferPool(_ api.BufferPool) error     { return api.ErrNotSupported }
func (b *fakeBackend) Bind(_ [4]byte, _ uint16) error                { return nil }
func (b *fakeBackend) Accept(_ api.Token) error                      { return api.ErrNotSupported }
func (b *fakeBackend) ReceiveIntoRaw(_ []byte, _ api.Token) error    { return nil }
func (b *fakeBackend) ReceiveMultishot(_ api.Token) error            { return api.ErrNotSupported }
func (b *fakeBackend) SubmitBatch() error                            { return nil }
func (b *fakeBackend) BackendType() api.BackendType                  { return api.BackendReactor }

func (b *fakeBackend) Connect(addr [4]byte, port uint16, token api.Token) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connectErr != nil {
		return b.connectErr
	}
	b.remoteAddr, b.remotePort = addr, port
	return nil
}

func (b *fakeBackend) SendFromBuffer(buf api.Buffer, mode api.BufferMode, token api.Token) (api.BufferMode, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return mode, b.sendErr
	}
	data := append([]byte(nil), buf.Bytes()[:buf.Length()]...)
	b.sent = append(b.sent, data)
	return mode, nil
}

func (b *fakeBackend) SendFromRaw(data []byte, token api.Token) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rawSent = append(b.rawSent, append([]byte(nil), data...))
	return nil
}

func (b *fakeBackend) ReceiveIntoBuffer(buf api.Buffer, mode api.BufferMode, token api.Token) (api.BufferMode, error) {
	return mode, nil
}

func (b *fakeBackend) PollCompletions(handler api.ExtendedCompletionHandler) int {
	n := 0
	for {
		select {
		case c := <-b.comps:
			handler(c.Token, c.Result, c.Flags)
			n++
		default:
			return n
		}
	}
}

func (b *fakeBackend) WaitForCompletion(ctx context.Context, timeoutMs int, handler api.ExtendedCompletionHandler) int {
	select {
	case c := <-b.comps:
		handler(c.Token, c.Result, c.Flags)
		return 1 + b.PollCompletions(handler)
	case <-ctx.Done():
		return 0
	case <-time.After(time.Duration(timeoutMs) * time.Millisecond):
		return 0
	}
}

func (b *fakeBackend) Features() api.Features { return b.features }
func (b *fakeBackend) Stats() api.BackendStats { return b.stats }

func (b *fakeBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *fakeBackend) CreateFromAccepted(_ int32) (api.Backend, error) {
	return nil, api.ErrNotSupported
}

func (b *fakeBackend) LocalAddr() ([4]byte, uint16, bool)  { return b.localAddr, b.localPort, true }
func (b *fakeBackend) RemoteAddr() ([4]byte, uint16, bool) { return b.remoteAddr, b.remotePort, true }

func (b *fakeBackend) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *fakeBackend) sentPayloads() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.sent...)
}

// fakeHandler records every callback it receives under a mutex, in the
// same spirit as fakeBackend.
type fakeHandler struct {
	mu sync.Mutex

	connected         []api.Token
	connectionFailed  []api.Token
	dataReceived      [][]byte
	sendComplete      []api.Token
	sendFailed        []api.Token
	closed            int
}

var _ api.Handler = (*fakeHandler)(nil)

func (h *fakeHandler) OnConnected(token api.Token) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connected = append(h.connected, token)
}

func (h *fakeHandler) OnConnectionFailed(token api.Token, _ error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connectionFailed = append(h.connectionFailed, token)
}

func (h *fakeHandler) OnDataReceived(view []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dataReceived = append(h.dataReceived, append([]byte(nil), view...))
}

func (h *fakeHandler) OnSendComplete(token api.Token) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sendComplete = append(h.sendComplete, token)
}

func (h *fakeHandler) OnSendFailed(token api.Token, _ error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sendFailed = append(h.sendFailed, token)
}

func (h *fakeHandler) OnClosed() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed++
}

func (h *fakeHandler) connectedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connected)
}

func (h *fakeHandler) sendCompleteCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sendComplete)
}

func (h *fakeHandler) sendFailedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sendFailed)
}

func (h *fakeHandler) closedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *fakeHandler) received() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]byte(nil), h.dataReceived...)
}

func newTestTransport(t *testing.T) (*Transport, *fakeBackend, *fakeHandler) {
	t.Helper()
	cfg, err := config.New(
		config.WithBufferPool(8, 64),
		config.WithCommandQueueSize(16),
		config.WithPendingSendSlots(16),
	)
	require.NoError(t, err)

	bp, err := pool.New(cfg.BufferPoolSize, cfg.BufferSize)
	require.NoError(t, err)

	be := newFakeBackend()
	h := &fakeHandler{}
	tr := newTransport(cfg, be, bp, h)
	t.Cleanup(func() { _ = tr.Close() })
	return tr, be, h
}

func TestTransport_ConnectSuccess(t *testing.T) {
	tr, be, h := newTestTransport(t)

	tok, err := tr.Connect([4]byte{127, 0, 0, 1}, 9000)
	require.NoError(t, err)
	require.True(t, tok.IsConnect())

	be.push(tok, 0, 0)

	require.Eventually(t, func() bool { return h.connectedCount() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, api.Connected, api.ConnState(tr.state.Load()))
}

func TestTransport_ConnectFailure(t *testing.T) {
	tr, _, _ := newTestTransport(t)
	tr.be.(*fakeBackend).connectErr = api.ErrResourceExhausted

	_, err := tr.Connect([4]byte{127, 0, 0, 1}, 9000)
	require.NoError(t, err)

	h := tr.handler.(*fakeHandler)
	require.Eventually(t, func() bool { return len(h.connectionFailed) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, api.Disconnected, api.ConnState(tr.state.Load()))
}

func TestTransport_ConnectRejectedWhileNotDisconnected(t *testing.T) {
	tr, be, _ := newTestTransport(t)

	tok, err := tr.Connect([4]byte{127, 0, 0, 1}, 9000)
	require.NoError(t, err)

	_, err = tr.Connect([4]byte{127, 0, 0, 1}, 9001)
	require.Error(t, err)

	be.push(tok, 0, 0)
}

func TestTransport_SendAndComplete(t *testing.T) {
	tr, be, h := newTestTransport(t)

	tok, err := tr.Connect([4]byte{127, 0, 0, 1}, 9000)
	require.NoError(t, err)
	be.push(tok, 0, 0)
	require.Eventually(t, func() bool { return h.connectedCount() == 1 }, time.Second, time.Millisecond)

	payload := []byte("hello world")
	sendTok, err := tr.Send(payload)
	require.NoError(t, err)
	require.False(t, sendTok.IsRecv())
	require.False(t, sendTok.IsConnect())

	require.Eventually(t, func() bool { return len(be.sentPayloads()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, payload, be.sentPayloads()[0])

	be.push(sendTok, int32(len(payload)), 0)

	require.Eventually(t, func() bool { return h.sendCompleteCount() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, h.sendFailedCount())
}

func TestTransport_SendWithBuffersDisabledUsesRawPath(t *testing.T) {
	cfg, err := config.New(
		config.WithBufferPool(8, 64),
		config.WithCommandQueueSize(16),
		config.WithPendingSendSlots(16),
		config.WithBuffersDisabled(),
	)
	require.NoError(t, err)
	bp, err := pool.New(cfg.BufferPoolSize, cfg.BufferSize)
	require.NoError(t, err)

	be := newFakeBackend()
	h := &fakeHandler{}
	tr := newTransport(cfg, be, bp, h)
	t.Cleanup(func() { _ = tr.Close() })

	tok, err := tr.Connect([4]byte{127, 0, 0, 1}, 9000)
	require.NoError(t, err)
	be.push(tok, 0, 0)
	require.Eventually(t, func() bool { return h.connectedCount() == 1 }, time.Second, time.Millisecond)

	payload := []byte("raw path payload")
	sendTok, err := tr.Send(payload)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		be.mu.Lock()
		defer be.mu.Unlock()
		return len(be.rawSent) == 1
	}, time.Second, time.Millisecond)
	be.mu.Lock()
	assert.Equal(t, payload, be.rawSent[0])
	assert.Empty(t, be.sent)
	be.mu.Unlock()

	be.push(sendTok, int32(len(payload)), 0)
	require.Eventually(t, func() bool { return h.sendCompleteCount() == 1 }, time.Second, time.Millisecond)
}

func TestTransport_SendRejectedBeforeConnect(t *testing.T) {
	tr, _, _ := newTestTransport(t)

	_, err := tr.Send([]byte("too early"))
	require.Error(t, err)
}

func TestTransport_SendFailureReleasesSlot(t *testing.T) {
	tr, be, h := newTestTransport(t)

	tok, err := tr.Connect([4]byte{127, 0, 0, 1}, 9000)
	require.NoError(t, err)
	be.push(tok, 0, 0)
	require.Eventually(t, func() bool { return h.connectedCount() == 1 }, time.Second, time.Millisecond)

	be.mu.Lock()
	be.sendErr = api.ErrResourceExhausted
	be.mu.Unlock()

	sendTok, err := tr.Send([]byte("doomed"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.sendFailedCount() == 1 }, time.Second, time.Millisecond)
	assert.False(t, tr.slots.slots[tr.slots.index(sendTok)].occupied.Load(), "failed send must free its pending-send slot")
}

func TestTransport_CloseFromExternalGoroutine(t *testing.T) {
	tr, _, h := newTestTransport(t)

	err := tr.Close()
	require.NoError(t, err)
	assert.Equal(t, 1, h.closedCount())

	// idempotent
	require.NoError(t, tr.Close())
	assert.Equal(t, 1, h.closedCount())
}

// closingHandler calls Close from within OnConnectionFailed, which runs
// on the poller goroutine itself: this exercises the inline-close path
// and would deadlock if Close tried to join its own goroutine.
type closingHandler struct {
	fakeHandler
	tr *Transport
}

func (h *closingHandler) OnConnectionFailed(token api.Token, cause error) {
	h.fakeHandler.OnConnectionFailed(token, cause)
	_ = h.tr.Close()
}

func TestTransport_CloseFromPollerGoroutineInline(t *testing.T) {
	cfg, err := config.New(
		config.WithBufferPool(8, 64),
		config.WithCommandQueueSize(16),
		config.WithPendingSendSlots(16),
	)
	require.NoError(t, err)
	bp, err := pool.New(cfg.BufferPoolSize, cfg.BufferSize)
	require.NoError(t, err)

	be := newFakeBackend()
	be.connectErr = api.ErrResourceExhausted
	h := &closingHandler{}
	tr := newTransport(cfg, be, bp, h)
	h.tr = tr

	_, err = tr.Connect([4]byte{127, 0, 0, 1}, 9000)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.closedCount() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, tr.Close())
}

func TestTransport_HealthReflectsPollerLiveness(t *testing.T) {
	tr, _, _ := newTestTransport(t)
	require.Eventually(t, func() bool { return tr.Health().Healthy }, time.Second, time.Millisecond)
	assert.Equal(t, 0, tr.Health().ActiveConnections)
}
