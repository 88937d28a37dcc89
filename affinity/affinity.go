// Package affinity pins the poller goroutine's OS thread to a logical
// CPU for the transport runtime's config.CPUAffinity contract: -1 means
// "no pinning", and an index outside the host's actual topology
// degrades to "no pinning" rather than surfacing a raw platform error.
// Pin owns that whole request -> validate -> platform-pin pipeline, so
// callers need no separate normalization step. Platform-specific pinning
// lives in affinity_linux.go / affinity_windows.go / affinity_stub.go
// behind setAffinityPlatform.
package affinity

import (
	"fmt"
	"log"
	"runtime"
)

// Pin validates requested against runtime.NumCPU() and, if in range,
// pins the calling OS thread to that core. requested < 0 is a no-op.
// An out-of-range index logs a warning and is treated as a no-op too,
// rather than reaching the platform syscall with a value it would
// reject outright.
func Pin(requested int) error {
	if requested < 0 {
		return nil
	}
	if max := runtime.NumCPU(); requested >= max {
		log.Printf("[affinity] cpu %d out of range [0, %d), running unpinned", requested, max)
		return nil
	}
	if err := setAffinityPlatform(requested); err != nil {
		return fmt.Errorf("affinity: pin cpu %d: %w", requested, err)
	}
	return nil
}
