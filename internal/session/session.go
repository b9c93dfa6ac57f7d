// Package session is the layer between the application and the radio. It
// owns the connection state machine, the config handshake that rebuilds the
// node database after every reconnect, and the send/receive pipeline that
// tracks every outbound message to a delivered or failed status.
//
// All state lives in one Session guarded by one mutex. Transport events must
// be fed to HandleEvent in the order received; application calls (Send,
// SetOwner, ...) may come from any goroutine.
package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/meshcommons/meshlink/internal/mesh"
	"github.com/meshcommons/meshlink/internal/metrics"
	"github.com/meshcommons/meshlink/internal/nodedb"
	"github.com/meshcommons/meshlink/internal/proto"
	"github.com/meshcommons/meshlink/internal/transport"
)

const tracerName = "github.com/meshcommons/meshlink/internal/session"

// FrameSender hands a serialized ToRadio to the link. It must not block on
// the radio; a down link is reported as an error wrapping
// mesh.ErrNotConnected.
type FrameSender interface {
	SendFrame(frame []byte) error
}

// Persister saves session snapshots. Called on sleep and disconnect.
type Persister interface {
	SaveSnapshot(snap *mesh.Snapshot) error
}

// Locator controls phone-side location acquisition.
type Locator interface {
	Start()
	Stop()
}

// Config holds the session's policy knobs.
type Config struct {
	HistorySize           int
	MaxEarlyPackets       int
	MaxHandshakeNodes     int
	DefaultMessageTimeout time.Duration
	DefaultDeviceSleep    time.Duration
	SleepGrace            time.Duration
	OnlineWindow          time.Duration
	AppVersion            uint32
	MinFirmware           string
	LatestFirmware        string
}

// DefaultConfig returns the stock policy.
func DefaultConfig() Config {
	return Config{
		HistorySize:           100,
		MaxEarlyPackets:       128,
		MaxHandshakeNodes:     256,
		DefaultMessageTimeout: 5 * time.Minute,
		DefaultDeviceSleep:    5 * time.Minute,
		SleepGrace:            30 * time.Second,
		OnlineWindow:          nodedb.DefaultOnlineWindow,
	}
}

// Option customises a Session.
type Option func(*Session)

// WithPersister sets where snapshots go on sleep/disconnect.
func WithPersister(p Persister) Option { return func(s *Session) { s.persist = p } }

// WithLocator sets the location source started for radios without GPS.
func WithLocator(l Locator) Option { return func(s *Session) { s.locator = l } }

// WithMetrics sets the collectors the session updates.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Session) { s.metrics = m } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Session) { s.now = now } }

// WithRandom overrides the packet-id seed source.
func WithRandom(r func() uint64) Option { return func(s *Session) { s.random = r } }

// WithTracer overrides the OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option { return func(s *Session) { s.tracer = t } }

// Session is one radio session. Create with New.
type Session struct {
	mu sync.Mutex

	cfg     Config
	log     *zap.Logger
	radio   FrameSender
	persist Persister
	locator Locator
	bus     *EventBus
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time
	random  func() uint64

	state       mesh.ConnectionState
	connectedAt time.Time
	sleepTimer  *time.Timer
	timerGen    uint64

	identity    *mesh.LocalIdentity
	nodes       *nodedb.DB
	ready       bool
	radioConfig *proto.RadioConfig

	hs      handshake
	ids     packetIDs
	tracker *tracker
	history *history
	early   []*proto.MeshPacket
	offline []*mesh.Message
}

// New creates a disconnected session that talks to the radio through radio.
func New(cfg Config, radio FrameSender, log *zap.Logger, opts ...Option) *Session {
	s := &Session{
		cfg:    cfg,
		log:    log,
		radio:  radio,
		bus:    NewEventBus(),
		now:    time.Now,
		random: rand.Uint64,
		state:  mesh.Disconnected,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(tracerName)
	}
	s.nodes = nodedb.New(cfg.OnlineWindow, s.now)
	s.tracker = newTracker()
	s.history = newHistory(cfg.HistorySize)
	return s
}

// ── Event intake ──────────────────────────────────────────────────────────

// HandleEvent applies one transport event. Events must be handed over in
// the order the transport produced them.
func (s *Session) HandleEvent(ctx context.Context, ev transport.Event) error {
	switch ev.Kind {
	case transport.EventConnectivity:
		return s.SetConnection(ev.Link)
	case transport.EventFrame:
		return s.HandleFrame(ctx, ev.Frame)
	default:
		return fmt.Errorf("session: unknown transport event kind %d", ev.Kind)
	}
}

// SetConnection applies an external connectivity signal.
func (s *Session) SetConnection(link transport.Link) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch link {
	case transport.LinkConnected:
		return s.onConnectionChanged(mesh.Connected)
	case transport.LinkSleeping:
		return s.onConnectionChanged(mesh.Sleeping)
	default:
		return s.onConnectionChanged(mesh.Disconnected)
	}
}

// HandleFrame decodes and applies one FromRadio frame. Malformed frames are
// logged, counted and dropped; the returned error is informational.
func (s *Session) HandleFrame(ctx context.Context, frame []byte) error {
	ctx, span := s.tracer.Start(ctx, "session.frame")
	defer span.End()

	s.metrics.FramesIn.Inc()
	fr, err := proto.DecodeFromRadio(frame)
	if err != nil {
		s.metrics.DecodeErrors.Inc()
		s.log.Warn("dropping undecodable frame", zap.Int("bytes", len(frame)), zap.Error(err))
		span.RecordError(err)
		return fmt.Errorf("session: decode: %w", err)
	}
	span.SetAttributes(attribute.String("meshlink.frame.kind", proto.KindLabel(fr)))

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case fr.Packet != nil:
		s.receivePacket(fr.Packet)
	case fr.MyInfo != nil:
		s.stageIdentity(fr.MyInfo)
	case fr.NodeInfo != nil:
		s.stageNodeInfo(fr.NodeInfo)
	case fr.Radio != nil:
		s.radioConfig = fr.Radio
	case fr.LogRecord != "":
		s.log.Debug("radio log", zap.String("record", fr.LogRecord))
	case fr.ConfigCompleteID != 0:
		s.completeHandshake(ctx, fr.ConfigCompleteID)
	case fr.Rebooted:
		s.log.Info("radio rebooted, restarting config")
		if s.state == mesh.Connected {
			if err := s.startHandshake(); err != nil {
				return fmt.Errorf("session: restart handshake: %w", err)
			}
		}
	default:
		s.log.Debug("ignoring empty frame", zap.Uint32("num", fr.Num))
	}
	return nil
}

// ── Connection state machine ──────────────────────────────────────────────

// onConnectionChanged runs the entry handler for to and then publishes the
// resulting state. Callers hold s.mu.
func (s *Session) onConnectionChanged(to mesh.ConnectionState) error {
	s.cancelSleepTimer()
	from := s.state
	s.state = to
	s.log.Info("connection changed", zap.Stringer("from", from), zap.Stringer("to", to))

	var err error
	switch to {
	case mesh.Connected:
		err = s.enterConnected(from)
	case mesh.Sleeping:
		s.enterSleeping()
	case mesh.Disconnected:
		s.enterDisconnected()
	}

	s.metrics.ConnectionState.Set(float64(s.state))
	s.publishConnection()
	return err
}

func (s *Session) enterConnected(from mesh.ConnectionState) error {
	s.connectedAt = s.now()
	if err := s.startHandshake(); err != nil {
		if errors.Is(err, mesh.ErrNotConnected) {
			s.log.Warn("lost connection to radio during config start, waiting for reconnect", zap.Error(err))
			s.state = mesh.Sleeping
			s.enterSleeping()
			return fmt.Errorf("session: start handshake: %w", err)
		}
		s.log.Error("radio rejected config start, waiting for next connect", zap.Error(err))
		return fmt.Errorf("session: start handshake: %w", err)
	}
	if from == mesh.Sleeping && s.ready {
		s.flushEarly()
		s.flushOffline()
	}
	return nil
}

func (s *Session) enterSleeping() {
	s.saveSnapshot()
	if s.locator != nil {
		s.locator.Stop()
	}
	s.startSleepTimer(s.sleepTimeout())
}

func (s *Session) enterDisconnected() {
	s.saveSnapshot()
	if s.locator != nil {
		s.locator.Stop()
	}
}

// sleepTimeout is the device's light-sleep interval plus a grace period.
func (s *Session) sleepTimeout() time.Duration {
	sleep := s.cfg.DefaultDeviceSleep
	if rc := s.radioConfig; rc != nil && rc.Preferences != nil && rc.Preferences.LsSecs != 0 {
		sleep = time.Duration(rc.Preferences.LsSecs) * time.Second
	}
	return sleep + s.cfg.SleepGrace
}

// startSleepTimer arms the reconnect timeout. The callback only acts if its
// generation is still current, so a cancel that races a firing timer wins.
func (s *Session) startSleepTimer(d time.Duration) {
	s.timerGen++
	gen := s.timerGen
	s.log.Debug("waiting for sleeping radio", zap.Duration("timeout", d))
	s.sleepTimer = time.AfterFunc(d, func() { s.sleepExpired(gen) })
}

func (s *Session) cancelSleepTimer() {
	s.timerGen++
	if s.sleepTimer != nil {
		s.sleepTimer.Stop()
		s.sleepTimer = nil
	}
}

func (s *Session) sleepExpired(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.timerGen || s.state != mesh.Sleeping {
		return
	}
	s.sleepTimer = nil
	s.log.Warn("radio did not wake up, marking disconnected")
	_ = s.onConnectionChanged(mesh.Disconnected)
}

func (s *Session) saveSnapshot() {
	if s.persist == nil {
		return
	}
	if err := s.persist.SaveSnapshot(s.exportSnapshot()); err != nil {
		s.log.Error("save snapshot", zap.Error(err))
	}
}

// ── Outbound frames ───────────────────────────────────────────────────────

func (s *Session) sendToRadio(msg *proto.ToRadio) error {
	frame, err := proto.EncodeToRadio(msg)
	if err != nil {
		return fmt.Errorf("session: encode: %w", err)
	}
	if err := s.radio.SendFrame(frame); err != nil {
		return err
	}
	s.metrics.FramesOut.Inc()
	return nil
}

// ── Notifications ─────────────────────────────────────────────────────────

func (s *Session) publishConnection() {
	s.bus.Publish(Event{Type: EventConnectionChanged, Data: s.connectionStatus()})
}

func (s *Session) publishNode(n *mesh.NodeRecord) {
	s.bus.Publish(Event{Type: EventNodeChanged, Data: n.Clone()})
}

func (s *Session) publishStatus(m *mesh.Message) {
	s.bus.Publish(Event{Type: EventMessageStatus, Data: m.Clone()})
}

func (s *Session) publishData(m *mesh.Message) {
	s.bus.Publish(Event{Type: EventDataReceived, Data: m.Clone()})
}

func (s *Session) connectionStatus() ConnectionStatus {
	return ConnectionStatus{
		State:         s.state.String(),
		DatabaseReady: s.ready,
		Nodes:         s.nodes.CountAll(),
		Online:        s.nodes.CountOnline(),
	}
}

func (s *Session) updateNodeGauges() {
	s.metrics.NodesTotal.Set(float64(s.nodes.CountAll()))
	s.metrics.NodesOnline.Set(float64(s.nodes.CountOnline()))
	s.metrics.InFlight.Set(float64(s.tracker.len()))
}

// ── Application API ───────────────────────────────────────────────────────

// Subscribe registers for change notifications.
func (s *Session) Subscribe() (<-chan Event, func()) {
	return s.bus.Subscribe()
}

// ConnectionState returns the current state.
func (s *Session) ConnectionState() mesh.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status summarises connection and membership.
func (s *Session) Status() ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectionStatus()
}

// Nodes returns copies of all node records.
func (s *Session) Nodes() []*mesh.NodeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodes.All()
}

// Node returns a copy of the record for num.
func (s *Session) Node(num uint32) (*mesh.NodeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.nodes.Get(num)
	if err != nil {
		return nil, err
	}
	return n.Clone(), nil
}

// NodeByExternalID returns a copy of the record with the given external id.
func (s *Session) NodeByExternalID(id string) (*mesh.NodeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.nodes.FindByExternalID(id)
	if err != nil {
		return nil, err
	}
	return n.Clone(), nil
}

// LocalIdentity returns a copy of the radio's identity, or nil before the
// first handshake or snapshot.
func (s *Session) LocalIdentity() *mesh.LocalIdentity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == nil {
		return nil
	}
	id := *s.identity
	return &id
}

// History returns copies of the recent messages, oldest first.
func (s *Session) History() []*mesh.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.list()
}

// DatabaseReady reports whether a handshake has committed a usable database.
func (s *Session) DatabaseReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// SetOnlineWindow changes the online recency window at runtime.
func (s *Session) SetOnlineWindow(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.OnlineWindow = d
	s.nodes.SetOnlineWindow(d)
	s.updateNodeGauges()
}

// Close stops the reconnect timer.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelSleepTimer()
}
