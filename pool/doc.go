// Package pool implements the fixed-size, off-heap, reference-counted
// buffer pool of spec §3/§4.1: a single page-aligned arena sliced into N
// equal-size buffers, a lock-free free list handing out slot indices,
// and per-slot atomic reference counts guarding against double release.
package pool
