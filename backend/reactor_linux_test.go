//go:build linux

package backend

import (
	"context"
	"testing"
	"time"

	"github.com/kestrelnet/ringtransport/api"
	"github.com/stretchr/testify/require"
)

func pollUntil(t *testing.T, b api.Backend, want int, handler api.ExtendedCompletionHandler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got := 0
	for got < want {
		if ctx.Err() != nil {
			t.Fatalf("timed out waiting for %d completions, got %d", want, got)
		}
		got += b.WaitForCompletion(ctx, 200, func(tok api.Token, res int32, flags api.CompletionFlags) {
			handler(tok, res, flags)
		})
	}
}

func TestReactor_ConnectAcceptSendRecv(t *testing.T) {
	server, err := NewReactor()
	require.NoError(t, err)
	defer server.Close()

	require.NoError(t, server.Bind([4]byte{127, 0, 0, 1}, 0))
	actualAddr, actualPort, ok := server.LocalAddr()
	require.True(t, ok)
	require.NotZero(t, actualPort) // Bind resolves the OS-assigned ephemeral port

	client, err := NewReactor()
	require.NoError(t, err)
	defer client.Close()

	const connectToken api.Token = 1
	require.NoError(t, client.Connect(actualAddr, actualPort, connectToken))

	const acceptToken api.Token = 2
	require.NoError(t, server.Accept(acceptToken))

	var acceptedFD int32 = -1
	var connectOK bool
	pollUntil(t, server, 1, func(tok api.Token, res int32, _ api.CompletionFlags) {
		if tok == acceptToken && res >= 0 {
			acceptedFD = res
		}
	})
	pollUntil(t, client, 1, func(tok api.Token, res int32, _ api.CompletionFlags) {
		if tok == connectToken && res == 0 {
			connectOK = true
		}
	})
	require.True(t, connectOK)
	require.GreaterOrEqual(t, acceptedFD, int32(0))

	serverConn, err := server.CreateFromAccepted(acceptedFD)
	require.NoError(t, err)
	defer serverConn.Close()

	const sendToken api.Token = 3
	payload := []byte("hello ring")
	require.NoError(t, client.SendFromRaw(payload, sendToken))

	var sent int32
	pollUntil(t, client, 1, func(tok api.Token, res int32, _ api.CompletionFlags) {
		if tok == sendToken {
			sent = res
		}
	})
	require.EqualValues(t, len(payload), sent)

	const recvToken api.Token = 4
	recvBuf := make([]byte, 64)
	require.NoError(t, serverConn.ReceiveIntoRaw(recvBuf, recvToken))

	var received int32
	pollUntil(t, serverConn, 1, func(tok api.Token, res int32, _ api.CompletionFlags) {
		if tok == recvToken {
			received = res
		}
	})
	require.EqualValues(t, len(payload), received)
	require.Equal(t, payload, recvBuf[:received])
}
