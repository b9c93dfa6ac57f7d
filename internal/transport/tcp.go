package transport

import (
	"context"
	"io"
	"net"
	"time"

	"go.uber.org/zap"
)

const tcpDialTimeout = 5 * time.Second

// DefaultTCPPort is the radio firmware's stream API port.
const DefaultTCPPort = "4403"

// NewTCP returns a stream transport to a radio reachable over TCP.
func NewTCP(addr string, log *zap.Logger) *StreamTransport {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, DefaultTCPPort)
	}
	dial := func(ctx context.Context) (io.ReadWriteCloser, error) {
		d := net.Dialer{Timeout: tcpDialTimeout, KeepAlive: 30 * time.Second}
		return d.DialContext(ctx, "tcp", addr)
	}
	return NewStreamTransport("tcp "+addr, dial, log)
}
