//go:build linux

package backend

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// uringRing owns one io_uring instance: the mmap'd SQ/CQ rings and the
// separately-mapped SQE array, plus the bookkeeping needed to submit
// SQEs and reap CQEs without a binding library (SPEC_FULL §3).
type uringRing struct {
	fd int

	sqMmap  []byte
	cqMmap  []byte
	sqeMmap []byte

	sqHead, sqTail           *uint32
	sqRingMask, sqRingEntries uint32
	sqArray                  []uint32

	cqHead, cqTail           *uint32
	cqRingMask, cqRingEntries uint32
	cqes                     []byte

	sqeTail uint32 // local producer cursor, not shared with the kernel directly
}

func setupRing(entries uint32, sqpollFlags uint32, pollCPU uint32, idleUs uint32) (*uringRing, error) {
	var params uringParams
	params.flags = sqpollFlags
	if sqpollFlags&ioringSetupSQPOLL != 0 {
		params.sqThreadIdle = idleUs
		if sqpollFlags&ioringSetupSQAff != 0 {
			params.sqThreadCPU = pollCPU
		}
	}

	fd, _, errno := unix.Syscall(sysIoUringSetup, uintptr(entries), uintptr(unsafe.Pointer(&params)), 0)
	if errno != 0 {
		return nil, fmt.Errorf("io_uring_setup: %w", errno)
	}

	sqRingSize := params.sqOff.array + params.sqEntries*4
	cqRingSize := params.cqOff.cqes + params.cqEntries*cqeSize

	sqMmap, err := unix.Mmap(int(fd), ioringOffSQRing, int(sqRingSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		unix.Close(int(fd))
		return nil, fmt.Errorf("mmap sq ring: %w", err)
	}

	var cqMmap []byte
	if params.features&ioringFeatSingleMmap != 0 {
		cqMmap = sqMmap
	} else {
		cqMmap, err = unix.Mmap(int(fd), ioringOffCQRing, int(cqRingSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
		if err != nil {
			unix.Munmap(sqMmap)
			unix.Close(int(fd))
			return nil, fmt.Errorf("mmap cq ring: %w", err)
		}
	}

	sqeMmap, err := unix.Mmap(int(fd), ioringOffSQEs, int(params.sqEntries*sqeSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		unix.Munmap(sqMmap)
		if params.features&ioringFeatSingleMmap == 0 {
			unix.Munmap(cqMmap)
		}
		unix.Close(int(fd))
		return nil, fmt.Errorf("mmap sqes: %w", err)
	}

	r := &uringRing{
		fd:            int(fd),
		sqMmap:        sqMmap,
		cqMmap:        cqMmap,
		sqeMmap:       sqeMmap,
		sqHead:        ptrAt32(sqMmap, params.sqOff.head),
		sqTail:        ptrAt32(sqMmap, params.sqOff.tail),
		sqRingMask:    *ptrAt32(sqMmap, params.sqOff.ringMask),
		sqRingEntries: *ptrAt32(sqMmap, params.sqOff.ringEntries),
		sqArray:       sliceAt32(sqMmap, params.sqOff.array, params.sqEntries),
		cqHead:        ptrAt32(cqMmap, params.cqOff.head),
		cqTail:        ptrAt32(cqMmap, params.cqOff.tail),
		cqRingMask:    *ptrAt32(cqMmap, params.cqOff.ringMask),
		cqRingEntries: *ptrAt32(cqMmap, params.cqOff.ringEntries),
		cqes:          cqMmap[params.cqOff.cqes:],
	}
	return r, nil
}

func ptrAt32(b []byte, off uint32) *uint32 {
	return (*uint32)(unsafe.Pointer(&b[off]))
}

func sliceAt32(b []byte, off uint32, n uint32) []uint32 {
	p := (*uint32)(unsafe.Pointer(&b[off]))
	return unsafe.Slice(p, n)
}

// sqe returns the writable SQE at ring index idx (idx is the producer
// slot, i.e. sqeTail & sqRingMask before advancing).
func (r *uringRing) sqe(idx uint32) *rawSQE {
	off := uintptr(idx) * sqeSize
	return (*rawSQE)(unsafe.Pointer(&r.sqeMmap[off]))
}

// nextSQE reserves one SQE slot for the caller to fill in, or returns
// nil if the submission queue is full.
func (r *uringRing) nextSQE() *rawSQE {
	head := atomic.LoadUint32((*uint32)(unsafe.Pointer(r.sqHead)))
	if r.sqeTail-head >= r.sqRingEntries {
		return nil
	}
	idx := r.sqeTail & r.sqRingMask
	s := r.sqe(idx)
	*s = rawSQE{}
	r.sqArray[idx] = idx
	r.sqeTail++
	return s
}

// flush publishes all SQEs reserved since the last flush to the kernel
// by advancing the shared tail, returning how many became visible.
func (r *uringRing) flush() uint32 {
	tail := atomic.LoadUint32((*uint32)(unsafe.Pointer(r.sqTail)))
	n := r.sqeTail - tail
	if n == 0 {
		return 0
	}
	atomic.StoreUint32((*uint32)(unsafe.Pointer(r.sqTail)), r.sqeTail)
	return n
}

// submit calls io_uring_enter to hand flushed SQEs to the kernel, and
// optionally waits for minComplete completions.
func (r *uringRing) submit(toSubmit uint32, minComplete uint32, flags uint32) (int, error) {
	n, _, errno := unix.Syscall6(sysIoUringEnter, uintptr(r.fd), uintptr(toSubmit), uintptr(minComplete), uintptr(flags), 0, 0)
	if errno != 0 {
		return 0, errno
	}
	return int(n), nil
}

// rawCQE is one 16-byte completion queue entry.
type rawCQE struct {
	userData uint64
	res      int32
	flags    uint32
}

func (r *uringRing) cqe(idx uint32) *rawCQE {
	off := uintptr(idx) * cqeSize
	return (*rawCQE)(unsafe.Pointer(&r.cqes[off]))
}

// reap drains available completions, invoking fn for each, and advances
// the consumer head. Returns the number processed.
func (r *uringRing) reap(fn func(userData uint64, res int32, flags uint32)) int {
	head := atomic.LoadUint32((*uint32)(unsafe.Pointer(r.cqHead)))
	tail := atomic.LoadUint32((*uint32)(unsafe.Pointer(r.cqTail)))
	n := 0
	for head != tail {
		c := r.cqe(head & r.cqRingMask)
		fn(c.userData, c.res, c.flags)
		head++
		n++
	}
	if n > 0 {
		atomic.StoreUint32((*uint32)(unsafe.Pointer(r.cqHead)), head)
	}
	return n
}

func (r *uringRing) close() error {
	if r.fd < 0 {
		return nil // already closed
	}
	if r.sqeMmap != nil {
		unix.Munmap(r.sqeMmap)
	}
	if r.cqMmap != nil && &r.cqMmap[0] != &r.sqMmap[0] {
		unix.Munmap(r.cqMmap)
	}
	if r.sqMmap != nil {
		unix.Munmap(r.sqMmap)
	}
	fd := r.fd
	r.fd = -1
	return unix.Close(fd)
}

// rawSQE mirrors struct io_uring_sqe (64 bytes).
type rawSQE struct {
	opcode   uint8
	flags    uint8
	ioprio   uint16
	fd       int32
	off      uint64
	addr     uint64
	length   uint32
	opFlags  uint32
	userData uint64
	bufIndex uint16
	personality uint16
	spliceFDIn int32
	pad      [2]uint64
}
