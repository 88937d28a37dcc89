//go:build !linux && !windows
// +build !linux,!windows

package affinity

import "fmt"

// setAffinityPlatform has no implementation outside Linux/Windows; the
// poller goroutine simply runs unpinned on these platforms.
func setAffinityPlatform(cpu int) error {
	return fmt.Errorf("affinity: cpu pinning unsupported on this platform")
}
