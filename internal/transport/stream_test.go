package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meshcommons/meshlink/internal/mesh"
	"github.com/meshcommons/meshlink/internal/proto"
)

func nextEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "event channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transport event")
		return Event{}
	}
}

func TestSendFrameBeforeConnect(t *testing.T) {
	tr := NewTCP("127.0.0.1:1", zap.NewNop())
	err := tr.SendFrame([]byte{1})
	assert.ErrorIs(t, err, mesh.ErrNotConnected)
}

func TestStreamTransportLifecycle(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	tr := NewTCP(ln.Addr().String(), zap.NewNop())
	tr.initialBackoff = 10 * time.Millisecond
	tr.maxBackoff = 20 * time.Millisecond
	require.NoError(t, tr.Start(context.Background()))

	srv, err := ln.Accept()
	require.NoError(t, err)

	ev := nextEvent(t, tr.Events())
	assert.Equal(t, EventConnectivity, ev.Kind)
	assert.Equal(t, LinkConnected, ev.Link)

	// Device → session.
	frame, err := proto.EncodeFrame([]byte("from-radio"))
	require.NoError(t, err)
	_, err = srv.Write(append([]byte("noise"), frame...))
	require.NoError(t, err)

	ev = nextEvent(t, tr.Events())
	assert.Equal(t, EventFrame, ev.Kind)
	assert.Equal(t, "from-radio", string(ev.Frame))

	// Session → device.
	require.NoError(t, tr.SendFrame([]byte("to-radio")))
	got, err := proto.NewFrameReader(srv).ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "to-radio", string(got))

	// Device drops the link.
	srv.Close()
	ev = nextEvent(t, tr.Events())
	assert.Equal(t, LinkSleeping, ev.Link)

	require.NoError(t, tr.Close())
	var last Event
	for ev := range tr.Events() {
		last = ev
	}
	assert.Equal(t, LinkDisconnected, last.Link)
	assert.NoError(t, tr.Close())
}

func TestSendFrameDoesNotWaitOnStalledLink(t *testing.T) {
	client, radio := net.Pipe()
	defer radio.Close()
	dialed := false
	dial := func(context.Context) (io.ReadWriteCloser, error) {
		if dialed {
			return nil, errors.New("radio gone")
		}
		dialed = true
		return client, nil
	}

	tr := NewStreamTransport("pipe", dial, zap.NewNop())
	tr.initialBackoff = 10 * time.Millisecond
	tr.maxBackoff = 20 * time.Millisecond
	tr.writeTimeout = 100 * time.Millisecond
	require.NoError(t, tr.Start(context.Background()))
	defer tr.Close()
	require.Equal(t, LinkConnected, nextEvent(t, tr.Events()).Link)

	// The radio end never reads, so the first write stalls and the rest
	// pile up in the queue until it is full.
	var err error
	start := time.Now()
	for i := 0; i < streamWriteQueueSize+2 && err == nil; i++ {
		err = tr.SendFrame([]byte{byte(i)})
	}
	assert.ErrorIs(t, err, mesh.ErrNotConnected)
	assert.Less(t, time.Since(start), tr.writeTimeout)

	// The stalled write times out and the link is dropped.
	assert.Equal(t, LinkSleeping, nextEvent(t, tr.Events()).Link)
	assert.ErrorIs(t, tr.SendFrame([]byte{1}), mesh.ErrNotConnected)
}
