// Package errno classifies native errno values into the small closed
// taxonomy the transport runtime and backends need to decide retry vs.
// fatal vs. "tell the application" behavior.
package errno

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Kind is a coarse classification of a negative completion result or a
// raw syscall error.
type Kind int

const (
	// Other covers every errno not otherwise classified.
	Other Kind = iota
	// Retryable indicates the operation should be resubmitted unchanged.
	Retryable
	// ConnectionLost indicates the peer connection is no longer usable.
	ConnectionLost
	// ConnectionRefused indicates a connect attempt was actively refused.
	ConnectionRefused
)

func (k Kind) String() string {
	switch k {
	case Retryable:
		return "retryable"
	case ConnectionLost:
		return "connection-lost"
	case ConnectionRefused:
		return "connection-refused"
	default:
		return "other"
	}
}

// Classification pairs a Kind with a human-readable recovery hint.
type Classification struct {
	Kind Kind
	Hint string
}

// Classify maps an absolute-value errno (as carried in a negative
// completion result) to a Classification. errno must already be
// positive (callers pass -result from a completion).
func Classify(e int) Classification {
	switch unix.Errno(e) {
	case unix.EAGAIN, unix.EINPROGRESS:
		return Classification{Kind: Retryable, Hint: "operation would block or is still in flight; resubmit"}
	case unix.EPIPE, unix.ECONNRESET, unix.ETIMEDOUT:
		return Classification{Kind: ConnectionLost, Hint: "peer connection is no longer usable; close"}
	case unix.ECONNREFUSED:
		return Classification{Kind: ConnectionRefused, Hint: "peer actively refused the connection"}
	default:
		return Classification{Kind: Other, Hint: fmt.Sprintf("unclassified errno %d (%s)", e, unix.Errno(e).Error())}
	}
}

// ClassifyResult classifies a raw completion result as produced by a
// backend: non-negative results are not errors at all.
func ClassifyResult(result int32) (Classification, bool) {
	if result >= 0 {
		return Classification{}, false
	}
	return Classify(int(-result)), true
}

// The spec centralizes the Linux-specific EINVAL/EOPNOTSUPP numeric
// codes here (spec open question): these are the codes a fast-path
// opcode (fixed buffer, zero-copy send, buffer ring) returns when the
// running kernel doesn't support it, triggering a one-time fallback to
// the standard opcode.
const (
	einval     = -22
	eopnotsupp = -95
)

// IsUnsupported reports whether a negative completion result indicates
// that a fast-path opcode is unsupported by the kernel and should be
// retried via the standard path.
func IsUnsupported(result int32) bool {
	return result == einval || result == eopnotsupp
}

// Errno returns the unix.Errno for a negative completion result, or nil
// if the result is non-negative.
func Errno(result int32) error {
	if result >= 0 {
		return nil
	}
	return unix.Errno(-result)
}
