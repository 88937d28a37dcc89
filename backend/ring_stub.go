//go:build !linux

package backend

import (
	"github.com/kestrelnet/ringtransport/api"
)

// NewRing is unavailable outside Linux (spec §1: Linux is the only
// supported target; io_uring has no portable equivalent).
func NewRing(sqEntries uint32, pollEnabled bool, pollCPU int, idleUs int) (*Ring, error) {
	return nil, api.ErrNotSupported
}

// Ring is declared here only so non-Linux builds of packages that
// reference *backend.Ring by name (tests, doc examples) still compile.
type Ring struct{}
