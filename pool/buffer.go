package pool

import (
	"sync/atomic"

	"github.com/kestrelnet/ringtransport/api"
)

// bufferHandle is one slot of a Pool's arena. All fields are touched only
// through atomics or exclusively by the holder of the reference (position/
// limit/length/token are not safe for concurrent use, matching spec §3:
// a Buffer is owned by exactly one goroutine between Acquire and Release).
type bufferHandle struct {
	pool     *Pool
	index    int
	data     []byte
	position int32
	limit    int32
	length   int32
	token    api.Token
	regIndex int16
	refCount atomic.Int32
}

var _ api.Buffer = (*bufferHandle)(nil)

func (b *bufferHandle) Bytes() []byte {
	return b.data[b.position:b.limit]
}

func (b *bufferHandle) Capacity() int { return len(b.data) }

func (b *bufferHandle) Position() int     { return int(b.position) }
func (b *bufferHandle) Limit() int        { return int(b.limit) }
func (b *bufferHandle) Length() int       { return int(b.length) }
func (b *bufferHandle) SetPosition(p int) { b.position = int32(p) }
func (b *bufferHandle) SetLimit(l int)    { b.limit = int32(l) }
func (b *bufferHandle) SetLength(n int)   { b.length = int32(n) }

func (b *bufferHandle) PoolIndex() int { return b.index }

func (b *bufferHandle) RegIndex() int16        { return b.regIndex }
func (b *bufferHandle) SetRegIndex(idx int16)  { b.regIndex = idx }

func (b *bufferHandle) Token() api.Token     { return b.token }
func (b *bufferHandle) SetToken(t api.Token) { b.token = t }

func (b *bufferHandle) Retain() error {
	for {
		cur := b.refCount.Load()
		if cur <= 0 {
			return api.ErrInvalidState
		}
		if b.refCount.CompareAndSwap(cur, cur+1) {
			return nil
		}
	}
}

func (b *bufferHandle) Release() error {
	n := b.refCount.Add(-1)
	if n < 0 {
		// Restore so the count cannot wander further negative on repeated
		// misuse, then report the violation.
		b.refCount.Add(1)
		return api.ErrDoubleRelease
	}
	if n == 0 {
		b.reset()
		b.pool.release(b.index)
	}
	return nil
}

func (b *bufferHandle) RefCount() int32 { return b.refCount.Load() }

func (b *bufferHandle) reset() {
	b.position = 0
	b.limit = int32(len(b.data))
	b.length = 0
	b.token = 0
	b.regIndex = -1
}
