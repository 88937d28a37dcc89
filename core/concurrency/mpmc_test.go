package concurrency

import (
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLockFreeQueue_Capacity(t *testing.T) {
	q := NewLockFreeQueue[int](4)
	for i := 0; i < 4; i++ {
		require.True(t, q.Enqueue(i), "enqueue %d should have succeeded", i)
	}
	require.False(t, q.Enqueue(99), "enqueue into full queue should have failed")

	_, ok := q.Dequeue()
	require.True(t, ok, "dequeue from non-empty queue should have succeeded")
	require.True(t, q.Enqueue(99), "enqueue after freeing a slot should have succeeded")
}

// TestLockFreeQueue_MPSC exercises the shape runtime/transport.go actually
// drives the queue with: many application goroutines enqueuing commands
// concurrently while a single poller goroutine drains them (Transport's
// cmdQueue). Every enqueued value must be dequeued exactly once.
func TestLockFreeQueue_MPSC(t *testing.T) {
	q := NewLockFreeQueue[int](256)
	const producers = 8
	const perProducer = 5000
	const total = producers * perProducer

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				for !q.Enqueue(base + i) {
					runtime.Gosched()
				}
			}
		}(p * perProducer)
	}

	seen := make(map[int]bool, total)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for len(seen) < total {
			if v, ok := q.Dequeue(); ok {
				seen[v] = true
			} else {
				runtime.Gosched()
			}
		}
	}()

	wg.Wait()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("drained %d/%d commands before timeout", len(seen), total)
	}
	require.Len(t, seen, total)
}

// TestLockFreeQueue_FreeList exercises the shape pool/pool.go drives the
// queue with: a fixed set of slot indices recycled by concurrent
// acquire/release pairs. The invariant under test mirrors the buffer
// pool's own: a slot index must never be handed to two acquirers at
// once, and every index returns exactly once per round trip.
func TestLockFreeQueue_FreeList(t *testing.T) {
	const slots = 16
	q := NewLockFreeQueue[int32](slots)
	for i := int32(0); i < slots; i++ {
		require.True(t, q.Enqueue(i))
	}

	const workers = 8
	const rounds = 2000
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				idx, ok := q.Dequeue()
				for !ok {
					runtime.Gosched()
					idx, ok = q.Dequeue()
				}
				require.True(t, q.Enqueue(idx))
			}
		}()
	}
	wg.Wait()

	seen := make(map[int32]bool, slots)
	for {
		idx, ok := q.Dequeue()
		if !ok {
			break
		}
		require.False(t, seen[idx], "slot %d returned to free list twice", idx)
		seen[idx] = true
	}
	require.Len(t, seen, slots)
}
