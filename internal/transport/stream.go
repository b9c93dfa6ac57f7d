package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meshcommons/meshlink/internal/mesh"
	"github.com/meshcommons/meshlink/internal/proto"
)

const (
	streamInitialBackoff = 2 * time.Second
	streamMaxBackoff     = 60 * time.Second
	streamEventChanSize  = 256
	streamWriteQueueSize = 64
	streamWriteTimeout   = 10 * time.Second
)

// DialFunc opens the underlying byte stream.
type DialFunc func(ctx context.Context) (io.ReadWriteCloser, error)

// StreamTransport runs the radio's stream framing over any byte stream
// (TCP socket, serial port). It redials with exponential backoff; a dropped
// link is reported as LinkSleeping, Close as LinkDisconnected. Frames are
// written by a per-connection goroutine, so SendFrame never waits on I/O.
type StreamTransport struct {
	name   string
	dial   DialFunc
	log    *zap.Logger
	events chan Event

	mu     sync.Mutex
	conn   io.ReadWriteCloser
	out    chan []byte
	cancel context.CancelFunc
	closed bool
	wg     sync.WaitGroup

	initialBackoff time.Duration
	maxBackoff     time.Duration
	writeTimeout   time.Duration
}

// NewStreamTransport constructs a transport over dial. Call Start to connect.
func NewStreamTransport(name string, dial DialFunc, log *zap.Logger) *StreamTransport {
	return &StreamTransport{
		name:           name,
		dial:           dial,
		log:            log.With(zap.String("transport", name)),
		events:         make(chan Event, streamEventChanSize),
		initialBackoff: streamInitialBackoff,
		maxBackoff:     streamMaxBackoff,
		writeTimeout:   streamWriteTimeout,
	}
}

func (t *StreamTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return fmt.Errorf("%s: transport closed", t.name)
	}
	if t.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.wg.Add(1)
	go t.connectLoop(ctx)
	return nil
}

func (t *StreamTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
		t.out = nil
	}
	t.mu.Unlock()

	t.wg.Wait()
	select {
	case t.events <- ConnectivityEvent(LinkDisconnected):
	default:
		t.log.Warn("event channel full, disconnect not delivered")
	}
	close(t.events)
	return nil
}

// SendFrame queues frame for the connection's writer. A full queue means
// the link has stalled and is reported as not connected.
func (t *StreamTransport) SendFrame(frame []byte) error {
	buf, err := proto.EncodeFrame(frame)
	if err != nil {
		return fmt.Errorf("%s: send: %w", t.name, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.out == nil {
		return fmt.Errorf("%s: send: %w", t.name, mesh.ErrNotConnected)
	}
	select {
	case t.out <- buf:
		return nil
	default:
		return fmt.Errorf("%s: send: write queue full: %w", t.name, mesh.ErrNotConnected)
	}
}

func (t *StreamTransport) Events() <-chan Event { return t.events }

// ── internal ──────────────────────────────────────────────────────────────

func (t *StreamTransport) connectLoop(ctx context.Context) {
	defer t.wg.Done()

	backoff := t.initialBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := t.dial(ctx)
		if err != nil {
			t.log.Warn("dial failed",
				zap.Duration("retry_in", backoff),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
				backoff = min(backoff*2, t.maxBackoff)
				continue
			}
		}

		backoff = t.initialBackoff
		out := make(chan []byte, streamWriteQueueSize)
		stop := make(chan struct{})
		t.mu.Lock()
		t.conn = conn
		t.out = out
		t.mu.Unlock()
		t.wg.Add(1)
		go t.writeFrames(conn, out, stop)
		t.log.Info("connected")
		t.emit(ctx, ConnectivityEvent(LinkConnected))

		t.readFrames(ctx, conn)

		t.mu.Lock()
		if t.conn == conn {
			t.conn.Close()
			t.conn = nil
			t.out = nil
		}
		t.mu.Unlock()
		close(stop)

		if ctx.Err() != nil {
			return
		}
		t.log.Info("connection lost, reconnecting", zap.Duration("backoff", backoff))
		t.emit(ctx, ConnectivityEvent(LinkSleeping))
	}
}

func (t *StreamTransport) readFrames(ctx context.Context, conn io.ReadWriteCloser) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer close(done)

	fr := proto.NewFrameReader(conn)
	for {
		payload, err := fr.ReadFrame()
		if errors.Is(err, mesh.ErrProtocolViolation) {
			t.log.Warn("bad frame header, resyncing", zap.Error(err))
			continue
		}
		if err != nil {
			if ctx.Err() == nil {
				t.log.Debug("read", zap.Error(err))
			}
			return
		}
		t.emit(ctx, FrameEvent(payload))
	}
}

// writeFrames drains out onto conn until stop closes. A failed or timed
// out write closes conn, which ends the read loop and triggers a redial.
func (t *StreamTransport) writeFrames(conn io.ReadWriteCloser, out <-chan []byte, stop <-chan struct{}) {
	defer t.wg.Done()

	deadline, _ := conn.(interface{ SetWriteDeadline(time.Time) error })
	for {
		select {
		case <-stop:
			return
		case buf := <-out:
			if deadline != nil {
				deadline.SetWriteDeadline(time.Now().Add(t.writeTimeout)) //nolint:errcheck
			}
			if _, err := conn.Write(buf); err != nil {
				t.log.Warn("write failed, dropping link", zap.Error(err))
				conn.Close()
				return
			}
		}
	}
}

// emit never drops an event; it gives up only when ctx ends.
func (t *StreamTransport) emit(ctx context.Context, ev Event) {
	select {
	case t.events <- ev:
	case <-ctx.Done():
	}
}
