//go:build linux

package backend

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kestrelnet/ringtransport/api"
	"golang.org/x/sys/unix"
)

// pendingOp is one synchronously-retried operation the reactor backend
// is waiting for readiness on.
type pendingOp struct {
	kind   opKind
	token  api.Token
	buf    []byte // raw slice or a Buffer's Bytes() view
	offset int    // bytes already sent/received, for partial-write resume
}

type opKind int

const (
	opSend opKind = iota
	opRecv
	opConnect
	opAccept
)

type fdRecord struct {
	fd   int32
	ops  []pendingOp
}

// Reactor is the portable epoll-based Backend fallback (spec §4.4),
// grounded directly on the teacher's reactor/epoll_reactor.go.
type Reactor struct {
	epfd int

	connFD   int32
	listenFD int32

	localAddr  [4]byte
	localPort  uint16
	haveLocal  bool
	remoteAddr [4]byte
	remotePort uint16
	haveRemote bool

	shared *reactorShared
	owns   bool

	stats api.BackendStats
}

// reactorShared holds the state CreateFromAccepted siblings must share
// with their parent: the epoll fd and the per-fd pending-op table,
// guarded by one mutex.
type reactorShared struct {
	epfd int
	mu   sync.Mutex
	fds  map[int32]*fdRecord
}

var _ api.Backend = (*Reactor)(nil)

// NewReactor creates a standalone epoll instance.
func NewReactor() (*Reactor, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &Reactor{
		epfd:     epfd,
		connFD:   -1,
		listenFD: -1,
		shared:   &reactorShared{epfd: epfd, fds: make(map[int32]*fdRecord)},
		owns:     true,
	}, nil
}

func (r *Reactor) Initialize() error { return nil }

func (r *Reactor) RegisterBufferPool(pool api.BufferPool) error {
	return api.ErrNotSupported
}

func (r *Reactor) register(fd int32, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: fd}
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, int(fd), &ev)
}

func (r *Reactor) Connect(addr [4]byte, port uint16, token api.Token) error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, unix.IPPROTO_TCP)
	if err != nil {
		return err
	}
	unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	r.connFD = int32(fd)
	r.remoteAddr, r.remotePort, r.haveRemote = addr, port, true

	sa := &unix.SockaddrInet4{Port: int(port), Addr: addr}
	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return err
	}

	if regErr := r.register(int32(fd), unix.EPOLLOUT|unix.EPOLLIN|unix.EPOLLERR|unix.EPOLLHUP); regErr != nil {
		unix.Close(fd)
		return regErr
	}
	r.addOp(int32(fd), pendingOp{kind: opConnect, token: token})
	return nil
}

func (r *Reactor) Bind(addr [4]byte, port uint16) error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, unix.IPPROTO_TCP)
	if err != nil {
		return err
	}
	unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)

	sa := &unix.SockaddrInet4{Port: int(port), Addr: addr}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return err
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return err
	}
	r.listenFD = int32(fd)
	r.localAddr, r.localPort, r.haveLocal = addr, port, true
	if port == 0 {
		if sa, err := unix.Getsockname(fd); err == nil {
			if in4, ok := sa.(*unix.SockaddrInet4); ok {
				r.localPort = uint16(in4.Port)
			}
		}
	}
	return r.register(int32(fd), unix.EPOLLIN)
}

func (r *Reactor) Accept(token api.Token) error {
	r.addOp(r.listenFD, pendingOp{kind: opAccept, token: token})
	return nil
}

func (r *Reactor) addOp(fd int32, op pendingOp) {
	r.shared.mu.Lock()
	defer r.shared.mu.Unlock()
	rec, ok := r.shared.fds[fd]
	if !ok {
		rec = &fdRecord{fd: fd}
		r.shared.fds[fd] = rec
	}
	rec.ops = append(rec.ops, op)
}

func (r *Reactor) SendFromBuffer(buf api.Buffer, mode api.BufferMode, token api.Token) (api.BufferMode, error) {
	r.addOp(r.connFD, pendingOp{kind: opSend, token: token, buf: buf.Bytes()[:buf.Length()]})
	return api.BufferModeStandard, nil
}

func (r *Reactor) SendFromRaw(data []byte, token api.Token) error {
	r.addOp(r.connFD, pendingOp{kind: opSend, token: token, buf: data})
	return nil
}

func (r *Reactor) ReceiveIntoBuffer(buf api.Buffer, mode api.BufferMode, token api.Token) (api.BufferMode, error) {
	r.addOp(r.connFD, pendingOp{kind: opRecv, token: token, buf: buf.Bytes()})
	return api.BufferModeStandard, nil
}

func (r *Reactor) ReceiveIntoRaw(data []byte, token api.Token) error {
	r.addOp(r.connFD, pendingOp{kind: opRecv, token: token, buf: data})
	return nil
}

func (r *Reactor) ReceiveMultishot(token api.Token) error { return api.ErrNotSupported }

func (r *Reactor) SubmitBatch() error { return nil }

// PollCompletions drains one epoll_wait(timeout=0) pass and retries every
// ready fd's pending ops, reporting each as it finishes or fails.
func (r *Reactor) PollCompletions(handler api.ExtendedCompletionHandler) int {
	return r.poll(0, handler)
}

func (r *Reactor) WaitForCompletion(ctx context.Context, timeoutMs int, handler api.ExtendedCompletionHandler) int {
	start := time.Now()
	for {
		n := r.poll(timeoutMs, handler)
		if n > 0 {
			return n
		}
		if ctx.Err() != nil {
			return 0
		}
		if timeoutMs >= 0 && time.Since(start) >= time.Duration(timeoutMs)*time.Millisecond {
			return 0
		}
	}
}

func (r *Reactor) poll(timeoutMs int, handler api.ExtendedCompletionHandler) int {
	var events [128]unix.EpollEvent
	n, err := unix.EpollWait(r.epfd, events[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0
		}
		return 0
	}
	processed := 0
	for i := 0; i < n; i++ {
		processed += r.serviceFD(events[i].Fd, handler)
	}
	return processed
}

func (r *Reactor) serviceFD(fd int32, handler api.ExtendedCompletionHandler) int {
	r.shared.mu.Lock()
	rec, ok := r.shared.fds[fd]
	if !ok {
		r.shared.mu.Unlock()
		return 0
	}
	ops := rec.ops
	rec.ops = nil
	r.shared.mu.Unlock()

	completed := 0
	var remaining []pendingOp
	for i := range ops {
		done, result := r.service(fd, &ops[i])
		if !done {
			remaining = append(remaining, ops[i])
			continue
		}
		completed++
		handler(ops[i].token, result, 0)
	}
	if len(remaining) > 0 {
		r.shared.mu.Lock()
		r.shared.fds[fd].ops = append(remaining, r.shared.fds[fd].ops...)
		r.shared.mu.Unlock()
	}
	return completed
}

// service attempts to progress one pending op; returns done=true with a
// final result (a non-negative byte count or a negative errno, matching
// the ring backend's completion convention) once it can no longer be
// retried without blocking.
func (r *Reactor) service(fd int32, op *pendingOp) (done bool, result int32) {
	switch op.kind {
	case opConnect:
		errCode, e := unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_ERROR)
		if e != nil {
			return true, int32(-1)
		}
		if errCode != 0 {
			return true, int32(-errCode)
		}
		return true, 0

	case opAccept:
		nfd, _, e := unix.Accept4(int(fd), unix.SOCK_NONBLOCK)
		if e != nil {
			if e == unix.EAGAIN {
				return false, 0
			}
			return true, int32(-int(e.(unix.Errno)))
		}
		return true, int32(nfd)

	case opSend:
		n, e := unix.Write(int(fd), op.buf[op.offset:])
		if e != nil {
			if e == unix.EAGAIN {
				return false, 0
			}
			return true, int32(-int(e.(unix.Errno)))
		}
		op.offset += n
		atomic.AddUint64(&r.stats.BytesSent, uint64(n))
		if op.offset < len(op.buf) {
			return false, 0 // partial write, resume from op.offset next time
		}
		atomic.AddUint64(&r.stats.SendsOK, 1)
		return true, int32(op.offset)

	case opRecv:
		n, e := unix.Read(int(fd), op.buf[op.offset:])
		if e != nil {
			if e == unix.EAGAIN {
				return false, 0
			}
			return true, int32(-int(e.(unix.Errno)))
		}
		if n == 0 {
			return true, EOFResult
		}
		op.offset += n
		atomic.AddUint64(&r.stats.BytesReceived, uint64(n))
		atomic.AddUint64(&r.stats.RecvsOK, 1)
		return true, int32(op.offset)
	}
	return true, int32(-1)
}

func (r *Reactor) BackendType() api.BackendType { return api.BackendReactor }

func (r *Reactor) Features() api.Features {
	return api.Features{}
}

func (r *Reactor) Stats() api.BackendStats {
	return api.BackendStats{
		BytesSent:     atomic.LoadUint64(&r.stats.BytesSent),
		BytesReceived: atomic.LoadUint64(&r.stats.BytesReceived),
		SendsOK:       atomic.LoadUint64(&r.stats.SendsOK),
		SendsFailed:   atomic.LoadUint64(&r.stats.SendsFailed),
		RecvsOK:       atomic.LoadUint64(&r.stats.RecvsOK),
		RecvsFailed:   atomic.LoadUint64(&r.stats.RecvsFailed),
	}
}

func (r *Reactor) Close() error {
	if r.connFD >= 0 {
		unix.Close(int(r.connFD))
		r.connFD = -1
	}
	if r.listenFD >= 0 {
		unix.Close(int(r.listenFD))
		r.listenFD = -1
	}
	if r.owns && r.epfd >= 0 {
		epfd := r.epfd
		r.epfd = -1
		return unix.Close(epfd)
	}
	return nil
}

func (r *Reactor) CreateFromAccepted(handle int32) (api.Backend, error) {
	sib := &Reactor{
		epfd:     r.epfd,
		connFD:   handle,
		listenFD: -1,
		shared:   r.shared,
		owns:     false,
	}
	if err := sib.register(handle, unix.EPOLLIN|unix.EPOLLOUT|unix.EPOLLERR|unix.EPOLLHUP); err != nil {
		return nil, err
	}
	if sa, err := unix.Getpeername(int(handle)); err == nil {
		if in4, ok := sa.(*unix.SockaddrInet4); ok {
			sib.remoteAddr = in4.Addr
			sib.remotePort = uint16(in4.Port)
			sib.haveRemote = true
		}
	}
	return sib, nil
}

func (r *Reactor) LocalAddr() ([4]byte, uint16, bool)  { return r.localAddr, r.localPort, r.haveLocal }
func (r *Reactor) RemoteAddr() ([4]byte, uint16, bool) { return r.remoteAddr, r.remotePort, r.haveRemote }
