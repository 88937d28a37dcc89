//go:build linux

package pool

import "golang.org/x/sys/unix"

// mmapArena allocates size bytes of anonymous, page-aligned, off-heap
// memory via mmap so the arena can later be registered with the ring
// backend as a fixed-buffer region without a copy.
func mmapArena(size int) ([]byte, error) {
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func munmapArena(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Munmap(b)
}
