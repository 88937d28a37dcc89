package runtime

import (
	"runtime"
	"strconv"
)

// goroutineID extracts the calling goroutine's numeric ID from its own
// stack trace header ("goroutine 123 [running]:"). Close needs to tell
// whether it is being called from the poller's own goroutine (run the
// close body inline, avoiding a self-join) or from an application
// goroutine (enqueue and wait); Go exposes no cheaper, race-free way to
// ask "is this the same goroutine as that one" than comparing IDs.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	s := string(buf[:n])
	const prefix = "goroutine "
	if len(s) <= len(prefix) || s[:len(prefix)] != prefix {
		return 0
	}
	s = s[len(prefix):]
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	id, _ := strconv.ParseUint(s[:i], 10, 64)
	return id
}
