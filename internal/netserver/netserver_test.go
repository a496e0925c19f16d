package netserver

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreshare/fileserver/internal/codec"
	"github.com/coreshare/fileserver/internal/fileerrors"
	"github.com/coreshare/fileserver/internal/pool"
)

func echoDispatch(session *Session, payload []byte) ([]byte, error) {
	out := make([]byte, len(payload))
	copy(out, payload)
	return out, nil
}

func TestChannelRoundTripsOneFrame(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	session := newSession(1, server, codec.FrameKindDirectSMB)
	channel := NewChannel(session, pool.Default, 0)

	var clientErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		clientErr = codec.EncodeDirectSMB(client, pool.Default, []byte("ping"))
		if clientErr != nil {
			return
		}
		frame, err := codec.DecodeDirectSMB(client, pool.Default, 0)
		if err != nil {
			clientErr = err
			return
		}
		defer frame.Release()
		if string(frame.Payload()[4:]) != "ping" {
			clientErr = assertionFailure{"payload mismatch"}
		}
	}()

	require.NoError(t, channel.RunOnce(echoDispatch))
	<-done
	require.NoError(t, clientErr)
}

type assertionFailure struct{ msg string }

func (a assertionFailure) Error() string { return a.msg }

func TestRequestHandlerSerializesPerSession(t *testing.T) {
	var concurrent atomic.Int32
	var maxConcurrent atomic.Int32

	slow := func(session *Session, payload []byte) ([]byte, error) {
		n := concurrent.Add(1)
		for {
			cur := maxConcurrent.Load()
			if n <= cur || maxConcurrent.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		concurrent.Add(-1)
		return []byte("ok"), nil
	}

	h := NewRequestHandler(1, 4, 4, slow, pool.Default)

	client, server := net.Pipe()
	defer client.Close()
	session := newSession(1, server, codec.FrameKindDirectSMB)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.True(t, h.Adopt(ctx, session))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 3; i++ {
			require.NoError(t, codec.EncodeDirectSMB(client, pool.Default, []byte("req")))
			frame, err := codec.DecodeDirectSMB(client, pool.Default, 0)
			require.NoError(t, err)
			frame.Release()
		}
	}()
	wg.Wait()

	assert.Equal(t, int32(1), maxConcurrent.Load())
}

func TestConnectionsHandlerCreatesAndRetiresHandlers(t *testing.T) {
	ch := NewConnectionsHandler(1, 1, echoDispatch, pool.Default)
	defer ch.Stop()

	clientA, serverA := net.Pipe()
	defer clientA.Close()
	clientB, serverB := net.Pipe()
	defer clientB.Close()

	ch.admit(serverA, codec.FrameKindDirectSMB)
	assert.Equal(t, 1, ch.HandlerCount())

	// Handler is saturated (K=1), so the next session gets a new handler.
	ch.admit(serverB, codec.FrameKindDirectSMB)
	assert.Equal(t, 2, ch.HandlerCount())

	clientA.Close()
	require.Eventually(t, func() bool {
		return ch.HandlerCount() == 1
	}, time.Second, 5*time.Millisecond, "non-head handler should retire once empty")
}

func TestSessionAsyncResponseQueue(t *testing.T) {
	_, server := net.Pipe()
	defer server.Close()
	s := newSession(1, server, codec.FrameKindRPCRecord)

	require.NoError(t, s.QueueAsyncResponse(AsyncResponse{MessageID: 1, Payload: []byte("a")}))
	require.NoError(t, s.QueueAsyncResponse(AsyncResponse{MessageID: 2, Payload: []byte("b")}))

	drained := s.DrainAsyncResponses()
	assert.Len(t, drained, 2)
	assert.Empty(t, s.DrainAsyncResponses())

	s.markClosed()
	require.ErrorIs(t, s.QueueAsyncResponse(AsyncResponse{MessageID: 3}), fileerrors.ErrChannelClosed)
}
