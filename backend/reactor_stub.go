//go:build !linux

package backend

import (
	"github.com/kestrelnet/ringtransport/api"
)

// NewReactor is unavailable outside Linux: the reactor backend is built
// on epoll, and cross-platform reactor parity is an explicit non-goal.
func NewReactor() (*Reactor, error) {
	return nil, api.ErrNotSupported
}

// Reactor is declared here only so non-Linux builds of packages that
// reference *backend.Reactor by name still compile.
type Reactor struct{}
