package runtime

import (
	"sync/atomic"

	"github.com/kestrelnet/ringtransport/api"
)

// sendSlot is one entry of the pending-send ring (spec §3 "Pending-send
// slot"), indexed by token_seq mod P. occupied is the only field
// touched by more than one goroutine: a Send call claims a free slot
// with a CAS before the slot's payload fields are written, and the
// poller clears it (after the command queue has already provided a
// happens-before edge) once the matching completion is fully handled.
type sendSlot struct {
	occupied atomic.Bool

	token   api.Token
	buf     api.Buffer
	mode    api.BufferMode
	retried bool // submitted as standard after a fast-path rejection

	// awaitingNotif is set for a zero-copy send between its regular
	// completion and its notification completion; the buffer stays
	// alive and the slot stays occupied until the notification lands.
	awaitingNotif bool
}

// slotTable is the fixed-size array of P pending-send slots, P a power
// of two (spec §3 "Token" low bits).
type slotTable struct {
	slots []sendSlot
	mask  uint64
}

func newSlotTable(p int) *slotTable {
	size := 1
	for size < p {
		size <<= 1
	}
	return &slotTable{slots: make([]sendSlot, size), mask: uint64(size - 1)}
}

func (t *slotTable) index(tok api.Token) int {
	return int(tok.Seq() & t.mask)
}

// claim attempts to occupy the slot for tok; false means the slot is
// still occupied by an earlier, uncompleted send (spec: report as
// Backpressure to the caller).
func (t *slotTable) claim(tok api.Token) (*sendSlot, bool) {
	s := &t.slots[t.index(tok)]
	if !s.occupied.CompareAndSwap(false, true) {
		return nil, false
	}
	s.token = tok
	s.retried = false
	s.awaitingNotif = false
	return s, true
}

// lookup returns the slot for tok's residue only if it is occupied and
// still carries tok itself; a stale completion (slot reused since) is
// reported as not found and must be silently dropped.
func (t *slotTable) lookup(tok api.Token) (*sendSlot, bool) {
	s := &t.slots[t.index(tok)]
	if !s.occupied.Load() || s.token != tok {
		return nil, false
	}
	return s, true
}

// release clears the slot, making it available to a future Send.
func (t *slotTable) release(s *sendSlot) {
	s.buf = nil
	s.occupied.Store(false)
}
