// Package gateway runs a radio session as a service. It feeds transport
// events into the session in arrival order, drives the periodic timeout
// sweep and snapshot saves, and serves the HTTP API.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meshcommons/meshlink/internal/api"
	"github.com/meshcommons/meshlink/internal/config"
	"github.com/meshcommons/meshlink/internal/metrics"
	"github.com/meshcommons/meshlink/internal/session"
	"github.com/meshcommons/meshlink/internal/store"
	"github.com/meshcommons/meshlink/internal/transport"
)

// Gateway is the central application service.
type Gateway struct {
	cfg     *config.Config
	db      *store.DB
	tr      transport.Transport
	sess    *session.Session
	metrics *metrics.Metrics
	log     *zap.Logger
	server  *http.Server

	mu   sync.Mutex
	addr net.Addr
}

// New constructs a Gateway without starting it.
func New(cfg *config.Config, tr transport.Transport, db *store.DB, m *metrics.Metrics, log *zap.Logger) *Gateway {
	sess := session.New(SessionConfig(cfg), tr, log.Named("session"),
		session.WithPersister(db),
		session.WithMetrics(m),
	)
	router := api.NewRouter(sess, m.Handler(), log.Named("api"))

	srv := &http.Server{
		Addr:              cfg.Gateway.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Gateway{
		cfg:     cfg,
		db:      db,
		tr:      tr,
		sess:    sess,
		metrics: m,
		log:     log,
		server:  srv,
	}
}

// SessionConfig maps file configuration onto session policy.
func SessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		HistorySize:           cfg.Session.HistorySize,
		MaxEarlyPackets:       cfg.Session.MaxEarlyPackets,
		MaxHandshakeNodes:     cfg.Session.MaxHandshakeNodes,
		DefaultMessageTimeout: cfg.Session.DefaultMessageTimeout(),
		DefaultDeviceSleep:    cfg.Session.DefaultDeviceSleep(),
		SleepGrace:            cfg.Session.SleepGrace(),
		OnlineWindow:          cfg.NodeDB.OnlineWindow(),
		AppVersion:            cfg.Session.AppVersion,
		MinFirmware:           cfg.Session.MinFirmware,
		LatestFirmware:        cfg.Session.LatestFirmware,
	}
}

// NewTransport builds the radio link named by cfg.
func NewTransport(cfg *config.TransportConfig, log *zap.Logger) (transport.Transport, error) {
	switch cfg.Kind {
	case config.TransportTCP:
		return transport.NewTCP(cfg.Addr, log), nil
	case config.TransportSerial:
		return transport.NewSerial(cfg.Port, cfg.Baud, log), nil
	default:
		return nil, fmt.Errorf("gateway: unknown transport %q", cfg.Kind)
	}
}

// Session returns the managed session.
func (g *Gateway) Session() *session.Session { return g.sess }

// Addr returns the HTTP listen address once Start has bound it.
func (g *Gateway) Addr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addr
}

// ApplyConfig applies the runtime-tunable subset of a reloaded config.
func (g *Gateway) ApplyConfig(cfg *config.Config) {
	g.sess.SetOnlineWindow(cfg.NodeDB.OnlineWindow())
	g.log.Info("config reloaded", zap.Duration("online_window", cfg.NodeDB.OnlineWindow()))
}

// Start restores the last snapshot, launches all subsystems and blocks
// until ctx is cancelled.
func (g *Gateway) Start(ctx context.Context) error {
	snap, err := g.db.LoadSnapshot()
	if err != nil {
		return fmt.Errorf("gateway: load snapshot: %w", err)
	}
	if err := g.sess.InstallSnapshot(snap); err != nil {
		return fmt.Errorf("gateway: install snapshot: %w", err)
	}

	if err := g.tr.Start(ctx); err != nil {
		return fmt.Errorf("gateway: transport start: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		g.ingestLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		g.maintenanceLoop(ctx)
	}()

	ln, err := net.Listen("tcp", g.cfg.Gateway.ListenAddr)
	if err != nil {
		g.tr.Close()
		wg.Wait()
		return fmt.Errorf("gateway: listen %s: %w", g.cfg.Gateway.ListenAddr, err)
	}
	g.mu.Lock()
	g.addr = ln.Addr()
	g.mu.Unlock()
	g.log.Info("HTTP gateway listening", zap.String("addr", ln.Addr().String()))

	srvErr := make(chan error, 1)
	go func() {
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		g.log.Info("context cancelled, shutting down gateway")
	case runErr = <-srvErr:
		g.log.Error("HTTP server failed", zap.Error(runErr))
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := g.server.Shutdown(shutCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("gateway: shutdown: %w", err)
	}
	if err := g.tr.Close(); err != nil {
		g.log.Warn("transport close", zap.Error(err))
	}
	wg.Wait()
	g.sess.Close()
	g.saveSnapshot()
	return runErr
}

// ingestLoop hands transport events to the session one at a time, in
// arrival order.
func (g *Gateway) ingestLoop(ctx context.Context) {
	events := g.tr.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := g.sess.HandleEvent(ctx, ev); err != nil {
				g.log.Debug("ingest: event", zap.Error(err))
			}
		}
	}
}

// maintenanceLoop sweeps timed-out messages and saves snapshots.
func (g *Gateway) maintenanceLoop(ctx context.Context) {
	sweep := time.NewTicker(g.cfg.Session.SweepInterval())
	defer sweep.Stop()
	save := time.NewTicker(g.cfg.Gateway.SnapshotInterval())
	defer save.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			if n := g.sess.Sweep(); n > 0 {
				g.log.Info("failed timed-out messages", zap.Int("count", n))
			}
		case <-save.C:
			g.saveSnapshot()
		}
	}
}

func (g *Gateway) saveSnapshot() {
	if err := g.db.SaveSnapshot(g.sess.ExportSnapshot()); err != nil {
		g.log.Error("save snapshot", zap.Error(err))
	}
}
