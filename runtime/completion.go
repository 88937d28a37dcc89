package runtime

import (
	"github.com/kestrelnet/ringtransport/api"
	"github.com/kestrelnet/ringtransport/backend"
	"github.com/kestrelnet/ringtransport/errno"
)

// onCompletion is the ExtendedCompletionHandler driving all three
// completion families (spec §4.5 "Connect/Receive/Send completion").
// It runs on the poller goroutine only.
func (t *Transport) onCompletion(tok api.Token, result int32, flags api.CompletionFlags) {
	switch {
	case tok.IsConnect():
		t.handleConnectCompletion(tok, result)
	case tok.IsRecv():
		t.handleReceiveCompletion(tok, result)
	default:
		t.handleSendCompletion(tok, result, flags)
	}
}

func (t *Transport) handleConnectCompletion(tok api.Token, result int32) {
	if result == 0 {
		t.state.Store(int32(api.Connected))
		if addr, port, ok := t.be.LocalAddr(); ok {
			t.addrMu.Lock()
			t.localAddr, t.localPort, t.haveLocal = addr, port, ok
			t.addrMu.Unlock()
		}
		if addr, port, ok := t.be.RemoteAddr(); ok {
			t.addrMu.Lock()
			t.remoteAddr, t.remotePort, t.haveRemote = addr, port, ok
			t.addrMu.Unlock()
		}
		t.handler.OnConnected(tok)
		t.postReceive()
		return
	}
	t.state.Store(int32(api.Disconnected))
	t.handler.OnConnectionFailed(tok, classify(result))
}

// handleReceiveCompletion implements spec §4.5's receive completion
// table. Every receive the runtime can currently arm — pooled buffer or,
// with buffers disabled, a raw heap slice — lands here; there is no
// buffer-ring variant since no backend ever stands one up (see
// backend.Ring.Features).
func (t *Transport) handleReceiveCompletion(tok api.Token, result int32) {
	if tok != t.recvToken {
		return // stale completion from a cancelled/replaced receive
	}
	t.recvArmed = false

	buf := t.pendingRecvBuf
	raw := t.pendingRecvRaw
	t.pendingRecvBuf = nil
	t.pendingRecvRaw = nil

	switch {
	case result == backend.EOFResult || result == 0:
		// -1 is the reactor's peer-close sentinel; the ring backend reports
		// a peer close as a zero-byte receive.
		if buf != nil {
			buf.Release()
		}
		t.initiateClose()
	case result < 0:
		if buf != nil && t.recvMode == api.BufferModeFixed && errno.IsUnsupported(result) {
			// fixed-buffer receive rejected: retry the same token once as a
			// standard receive into the same buffer.
			if used, err := t.be.ReceiveIntoBuffer(buf, api.BufferModeStandard, tok); err == nil {
				t.recvArmed = true
				t.recvMode = used
				t.pendingRecvBuf = buf
				return
			}
		}
		if buf != nil {
			buf.Release()
		}
		t.postReceive()
	default:
		switch {
		case buf != nil:
			buf.SetLength(int(result))
			t.handler.OnDataReceived(buf.Bytes()[:result])
			buf.Release()
		case raw != nil:
			t.handler.OnDataReceived(raw[:result])
		}
		t.postReceive()
	}
}

// handleSendCompletion implements spec §4.5's "Send completion" table.
func (t *Transport) handleSendCompletion(tok api.Token, result int32, flags api.CompletionFlags) {
	slot, ok := t.slots.lookup(tok)
	if !ok {
		return // stale completion for a reused slot; drop silently
	}

	switch slot.mode {
	case api.BufferModeZeroCopy:
		t.handleZeroCopySendCompletion(slot, result, flags)
	case api.BufferModeFixed:
		t.handleFallbackCapableSendCompletion(slot, result)
	default:
		t.finishSend(slot, result)
	}
}

func (t *Transport) handleZeroCopySendCompletion(slot *sendSlot, result int32, flags api.CompletionFlags) {
	if flags&api.FlagNotification != 0 {
		// second, async-safe-to-reuse completion: release and clear.
		buf := slot.buf
		t.slots.release(slot)
		if buf != nil {
			buf.Release()
		}
		return
	}

	if result < 0 {
		if !slot.retried && errno.IsUnsupported(result) {
			slot.retried = true
			if err := t.be.SendFromRaw(slot.buf.Bytes()[:slot.buf.Length()], slot.token); err == nil {
				slot.mode = api.BufferModeStandard
				return
			}
		}
		tok := slot.token
		buf := slot.buf
		t.slots.release(slot)
		if buf != nil {
			buf.Release()
		}
		t.handler.OnSendFailed(tok, classify(result))
		return
	}

	// regular completion of a successful zero-copy send: dispatch
	// success now, keep the buffer pinned for the notification.
	slot.awaitingNotif = true
	t.handler.OnSendComplete(slot.token)
}

func (t *Transport) handleFallbackCapableSendCompletion(slot *sendSlot, result int32) {
	if result < 0 && !slot.retried && errno.IsUnsupported(result) {
		slot.retried = true
		if err := t.be.SendFromRaw(slot.buf.Bytes()[:slot.buf.Length()], slot.token); err == nil {
			slot.mode = api.BufferModeStandard
			return
		}
	}
	t.finishSend(slot, result)
}

func (t *Transport) finishSend(slot *sendSlot, result int32) {
	tok := slot.token
	buf := slot.buf
	t.slots.release(slot)
	if buf != nil {
		buf.Release()
	}
	if result < 0 {
		t.handler.OnSendFailed(tok, classify(result))
		return
	}
	t.handler.OnSendComplete(tok)
}

func (t *Transport) initiateClose() {
	t.closeInline()
}

func classify(result int32) error {
	c, isErr := errno.ClassifyResult(result)
	if !isErr {
		return nil
	}
	return api.NewError(errorCodeFor(c.Kind), c.Hint)
}

func errorCodeFor(k errno.Kind) api.ErrorCode {
	switch k {
	case errno.ConnectionLost:
		return api.ErrCodeConnectionLost
	case errno.ConnectionRefused:
		return api.ErrCodeConnectionRefused
	case errno.Retryable:
		return api.ErrCodeTimeout
	default:
		return api.ErrCodeInternal
	}
}
