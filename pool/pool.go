package pool

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/kestrelnet/ringtransport/api"
	"github.com/kestrelnet/ringtransport/core/concurrency"
)

// Pool is a fixed-size (N), off-heap arena of equal-size buffers (spec
// §3/§4.1). Free slot indices live in a lock-free queue; Acquire blocks
// on a condition variable signalled by Release when the queue was empty.
type Pool struct {
	arena      []byte
	bufSize    int
	count      int
	handles    []bufferHandle
	freeList   *concurrency.LockFreeQueue[int32]
	inUse      atomic.Int32
	closed     atomic.Bool
	notifyMu   sync.Mutex
	notifyCond *sync.Cond
}

var _ api.BufferPool = (*Pool)(nil)

// New allocates an arena of count*bufSize bytes and count buffer handles,
// all initially free.
func New(count, bufSize int) (*Pool, error) {
	arena, err := mmapArena(count * bufSize)
	if err != nil {
		return nil, err
	}
	p := &Pool{
		arena:   arena,
		bufSize: bufSize,
		count:   count,
		handles: make([]bufferHandle, count),
		freeList: concurrency.NewLockFreeQueue[int32](count),
	}
	p.notifyCond = sync.NewCond(&p.notifyMu)
	for i := 0; i < count; i++ {
		h := &p.handles[i]
		h.pool = p
		h.index = i
		h.data = arena[i*bufSize : (i+1)*bufSize]
		h.limit = int32(bufSize)
		h.regIndex = -1
		p.freeList.Enqueue(int32(i))
	}
	return p, nil
}

func (p *Pool) Capacity() int   { return p.count }
func (p *Pool) BufferSize() int { return p.bufSize }

// Buffers returns each buffer's full-capacity backing slice, indexed by
// PoolIndex, for registration with a Backend (spec §4.2 "RegisterBufferPool").
func (p *Pool) Buffers() [][]byte {
	out := make([][]byte, p.count)
	for i := range p.handles {
		out[i] = p.handles[i].data
	}
	return out
}
func (p *Pool) InUse() int      { return int(p.inUse.Load()) }
func (p *Pool) Available() int  { return p.count - p.InUse() }

// TryAcquire returns a free buffer without blocking.
func (p *Pool) TryAcquire() (api.Buffer, bool) {
	if p.closed.Load() {
		return nil, false
	}
	idx, ok := p.freeList.Dequeue()
	if !ok {
		return nil, false
	}
	h := &p.handles[idx]
	h.refCount.Store(1)
	p.inUse.Add(1)
	return h, true
}

// Acquire blocks until a buffer is free or ctx is done.
func (p *Pool) Acquire(ctx context.Context) (api.Buffer, error) {
	if b, ok := p.TryAcquire(); ok {
		return b, nil
	}
	if p.closed.Load() {
		return nil, api.ErrBufferPoolClosed
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			p.notifyMu.Lock()
			p.notifyCond.Broadcast()
			p.notifyMu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	for {
		if b, ok := p.TryAcquire(); ok {
			return b, nil
		}
		if p.closed.Load() {
			return nil, api.ErrBufferPoolClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p.notifyMu.Lock()
		p.notifyCond.Wait()
		p.notifyMu.Unlock()
	}
}

func (p *Pool) release(index int) {
	p.freeList.Enqueue(int32(index))
	p.inUse.Add(-1)
	p.notifyMu.Lock()
	p.notifyCond.Broadcast()
	p.notifyMu.Unlock()
}

// Close releases the arena's backing memory: the bytes of buffers still
// held by callers are no longer valid afterwards (their Release still
// succeeds), and further Acquire/TryAcquire calls fail.
func (p *Pool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.notifyMu.Lock()
	p.notifyCond.Broadcast()
	p.notifyMu.Unlock()
	return munmapArena(p.arena)
}
