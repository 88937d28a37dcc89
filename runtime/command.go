// Package runtime implements the single-threaded transport poller of
// spec §4.5: token minting, the lock-free MPSC command queue, the
// pending-send slot table, and the connect/send/receive/close state
// machines driving an api.Backend.
package runtime

import "github.com/kestrelnet/ringtransport/api"

// commandKind tags a command's variant (spec §3 "Command").
type commandKind int

const (
	cmdConnect commandKind = iota
	cmdSend
	cmdSendRaw
	cmdClose
)

// command is the tagged union placed on the MPSC queue. It carries no
// heap allocation in the pooled-buffer send case: the buffer already
// carries the token, slot population having happened in the caller
// before the command becomes visible to the poller. cmdSendRaw (taken
// only with buffers.enabled false) does allocate, since there is no
// pool slot to carry the payload through instead.
type command struct {
	kind commandKind

	// cmdConnect
	addr [4]byte
	port uint16

	// cmdSend / cmdSendRaw / cmdConnect
	token api.Token

	// cmdSend
	buf  api.Buffer
	mode api.BufferMode

	// cmdSendRaw
	raw []byte
}
