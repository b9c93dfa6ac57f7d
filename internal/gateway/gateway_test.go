package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meshcommons/meshlink/internal/config"
	"github.com/meshcommons/meshlink/internal/mesh"
	"github.com/meshcommons/meshlink/internal/metrics"
	"github.com/meshcommons/meshlink/internal/proto"
	"github.com/meshcommons/meshlink/internal/store"
	"github.com/meshcommons/meshlink/internal/transport"
)

type fixture struct {
	gw     *Gateway
	lb     *transport.Loopback
	db     *store.DB
	cancel context.CancelFunc
	done   chan error
	once   sync.Once
}

func startGateway(t *testing.T) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Gateway.ListenAddr = "127.0.0.1:0"
	cfg.Session.SweepIntervalSec = 1

	db, err := store.Open(filepath.Join(t.TempDir(), "meshlink.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, store.Migrate(db))

	lb := transport.NewLoopback(64)
	gw := New(cfg, lb, db, metrics.New(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	f := &fixture{gw: gw, lb: lb, db: db, cancel: cancel, done: make(chan error, 1)}
	go func() { f.done <- gw.Start(ctx) }()
	t.Cleanup(f.stop)

	require.Eventually(t, func() bool { return gw.Addr() != nil }, 2*time.Second, 10*time.Millisecond)
	return f
}

func (f *fixture) stop() {
	f.once.Do(func() {
		f.cancel()
		select {
		case <-f.done:
		case <-time.After(5 * time.Second):
		}
	})
}

func (f *fixture) inject(t *testing.T, fr *proto.FromRadio) {
	t.Helper()
	b, err := proto.EncodeFromRadio(fr)
	require.NoError(t, err)
	f.lb.Inject(transport.FrameEvent(b))
}

func (f *fixture) nextToRadio(t *testing.T) *proto.ToRadio {
	t.Helper()
	select {
	case b := <-f.lb.Sent():
		msg, err := proto.DecodeToRadio(b)
		require.NoError(t, err)
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame to the radio")
		return nil
	}
}

// runHandshake plays the radio side of a config exchange.
func (f *fixture) runHandshake(t *testing.T) {
	t.Helper()
	f.lb.Inject(transport.ConnectivityEvent(transport.LinkConnected))
	want := f.nextToRadio(t).WantConfigID
	require.NotZero(t, want)

	f.inject(t, &proto.FromRadio{MyInfo: &proto.MyNodeInfo{MyNodeNum: 1, HasGPS: true}})
	for _, n := range []uint32{1, 2} {
		f.inject(t, &proto.FromRadio{NodeInfo: &proto.NodeInfo{
			Num:  n,
			User: &proto.User{ID: fmt.Sprintf("!%08x", n), LongName: fmt.Sprintf("Node %d", n)},
		}})
	}
	f.inject(t, &proto.FromRadio{ConfigCompleteID: want})

	require.Eventually(t, f.gw.Session().DatabaseReady, 2*time.Second, 10*time.Millisecond)
}

func TestGatewayEndToEnd(t *testing.T) {
	f := startGateway(t)
	f.runHandshake(t)
	base := "http://" + f.gw.Addr().String()

	resp, err := http.Get(base + "/api/v1/nodes")
	require.NoError(t, err)
	var nodes struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&nodes))
	resp.Body.Close()
	assert.Equal(t, 2, nodes.Count)

	msg, err := f.gw.Session().Send(context.Background(), mesh.NewTextMessage("!00000002", "ping"))
	require.NoError(t, err)
	assert.Equal(t, mesh.StatusEnroute, msg.Status)

	pkt := f.nextToRadio(t).Packet
	require.NotNil(t, pkt)
	assert.Equal(t, uint32(2), pkt.To)

	f.inject(t, &proto.FromRadio{Packet: &proto.MeshPacket{
		From: 2, To: 1, Decoded: &proto.SubPacket{SuccessID: pkt.ID},
	}})
	require.Eventually(t, func() bool {
		hist := f.gw.Session().History()
		return len(hist) == 1 && hist[0].Status == mesh.StatusDelivered
	}, 2*time.Second, 10*time.Millisecond)

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGatewayPersistsOnShutdown(t *testing.T) {
	f := startGateway(t)
	f.runHandshake(t)

	f.stop()

	snap, err := f.db.LoadSnapshot()
	require.NoError(t, err)
	require.NotNil(t, snap.Identity)
	assert.Equal(t, uint32(1), snap.Identity.NodeNum)
	assert.Len(t, snap.Nodes, 2)
}

func TestGatewayPersistsOnSleep(t *testing.T) {
	f := startGateway(t)
	f.runHandshake(t)

	f.lb.Inject(transport.ConnectivityEvent(transport.LinkSleeping))

	require.Eventually(t, func() bool {
		snap, err := f.db.LoadSnapshot()
		return err == nil && len(snap.Nodes) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestApplyConfig(t *testing.T) {
	f := startGateway(t)
	f.runHandshake(t)

	cfg := config.DefaultConfig()
	cfg.NodeDB.OnlineWindowSec = 1
	f.gw.ApplyConfig(cfg)

	// Nodes from the handshake carry no last-heard time.
	assert.Equal(t, 0, f.gw.Session().Status().Online)
}

func TestNewTransport(t *testing.T) {
	tcp, err := NewTransport(&config.TransportConfig{Kind: config.TransportTCP, Addr: "127.0.0.1:4403"}, zap.NewNop())
	require.NoError(t, err)
	assert.NotNil(t, tcp)

	_, err = NewTransport(&config.TransportConfig{Kind: "ble"}, zap.NewNop())
	assert.Error(t, err)
}

func TestSessionConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Session.MaxEarlyPackets = 7

	sc := SessionConfig(cfg)

	assert.Equal(t, 7, sc.MaxEarlyPackets)
	assert.Equal(t, 15*time.Minute, sc.OnlineWindow)
	assert.Equal(t, 30*time.Second, sc.SleepGrace)
}
