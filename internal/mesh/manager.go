// Package mesh owns the radio link and everything derived from it: the
// node database, trust evaluation, admin command correlation and signal
// quality ratings. Consumers observe it through the event bus and call
// back into the Manager for actions.
package mesh

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"meshlink/internal/admin"
	"meshlink/internal/link"
	"meshlink/internal/quality"
	"meshlink/internal/store"
	"meshlink/internal/trust"
	"meshlink/internal/wire"
)

var (
	// ErrLinkDown rejects sends while no radio session is up.
	ErrLinkDown = errors.New("mesh: link down")
	// ErrNoIdentity rejects admin issues before the radio has reported
	// its own node number, which outgoing requests carry as the source.
	ErrNoIdentity = errors.New("mesh: radio identity not known yet")
	// ErrNoOfferedKey rejects a re-pair for a node that has never
	// announced a key; there is nothing to adopt.
	ErrNoOfferedKey = errors.New("mesh: no announced key to adopt")
)

// Dialer opens the transport to the radio. The manager redials through
// it after a link loss.
type Dialer func(ctx context.Context) (link.Transport, error)

// Config holds mesh manager configuration.
type Config struct {
	Preset            quality.ModemPreset
	AdminIndex        uint32
	AdminTimeout      time.Duration
	HistoryMinutes    uint32
	HeartbeatInterval time.Duration
	ReconnectMin      time.Duration
	ReconnectMax      time.Duration
}

func (c *Config) applyDefaults() {
	if c.AdminTimeout <= 0 {
		c.AdminTimeout = 30 * time.Second
	}
	if c.HistoryMinutes == 0 {
		c.HistoryMinutes = 60
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Minute
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = time.Second
	}
	if c.ReconnectMax < c.ReconnectMin {
		c.ReconnectMax = 60 * time.Second
	}
}

// TrustInfo is the cached trust view of one node. OfferedKey is the key
// from the latest announcement, kept so an explicit re-pair can adopt it.
type TrustInfo struct {
	Outcome    trust.Outcome
	OfferedKey []byte
	ChangedAt  time.Time
}

// NodeView is a node record joined with its live trust and signal state.
type NodeView struct {
	store.NodeRecord
	Trust       string `json:"trust"`
	Rating      string `json:"signal_rating"`
	SignalColor string `json:"signal_color,omitempty"`
}

type linkLoss struct {
	session *link.Session
	err     error
}

// Manager drives one radio and the state derived from its traffic.
type Manager struct {
	dial   Dialer
	store  store.Store
	trust  *trust.Tracker
	events *EventBus
	admin  *admin.Correlator
	cfg    Config
	logger *slog.Logger

	mu         sync.RWMutex
	session    *link.Session
	myNodeNum  uint32
	configID   uint32
	synced     bool
	connStatus *wire.DeviceConnectionStatus
	trustInfo  map[uint32]TrustInfo

	lastID atomic.Uint32

	lost   chan linkLoss
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a mesh manager. Start must be called before it
// does anything.
func NewManager(dial Dialer, st store.Store, events *EventBus, cfg Config, logger *slog.Logger) *Manager {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		dial:      dial,
		store:     st,
		trust:     trust.NewTracker(st),
		events:    events,
		cfg:       cfg,
		logger:    logger.With("component", "mesh"),
		trustInfo: make(map[uint32]TrustInfo),
		lost:      make(chan linkLoss, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
	m.admin = admin.New(m.sendAdmin, cfg.AdminTimeout, logger)
	m.seedID()
	return m
}

func (m *Manager) seedID() {
	var b [4]byte
	if _, err := rand.Read(b[:]); err == nil {
		m.lastID.Store(binary.LittleEndian.Uint32(b[:]))
	} else {
		m.lastID.Store(uint32(time.Now().UnixNano()))
	}
}

// nextID returns a fresh nonzero packet or config nonce id.
func (m *Manager) nextID() uint32 {
	for {
		id := m.lastID.Add(1)
		if id != 0 {
			return id
		}
	}
}

// Start dials the radio once synchronously, so configuration errors
// surface immediately, then keeps the link alive in the background.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.connect(ctx); err != nil {
		return err
	}
	m.wg.Add(1)
	go m.supervise()
	return nil
}

// Stop tears the link down and cancels all in-flight admin requests.
func (m *Manager) Stop() {
	m.cancel()
	m.admin.Close()
	if s := m.Session(); s != nil {
		// Best effort: tell the radio we are leaving so it stops
		// streaming into a closed pipe.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := s.Send(ctx, &wire.ToDevice{Disconnect: true}); err != nil {
			m.logger.Debug("disconnect notice", "err", err)
		}
		cancel()
	}
	m.teardownSession()
	m.wg.Wait()
}

func (m *Manager) connect(ctx context.Context) error {
	t, err := m.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial radio: %w", err)
	}

	s := link.NewSession(t, m.logger)
	s.OnPacket(m.handlePacket)
	s.OnNodeInfo(m.handleNodeInfo)
	s.OnMyInfo(m.handleMyInfo)
	s.OnConnectionStatus(m.handleConnStatus)
	s.OnConfigComplete(m.handleConfigComplete)
	s.OnRebooted(m.handleRebooted)
	s.OnDisconnect(func(err error) { m.linkLost(s, err) })

	nonce := m.nextID()
	m.mu.Lock()
	m.session = s
	m.configID = nonce
	m.synced = false
	m.mu.Unlock()

	if err := s.Send(ctx, &wire.ToDevice{WantConfigID: nonce}); err != nil {
		m.teardownSession()
		return fmt.Errorf("request config: %w", err)
	}

	m.logger.Info("link up, requesting node db", "config_nonce", nonce)
	m.events.Emit(Event{Type: EventLinkState, Data: map[string]interface{}{"state": "connected"}})
	return nil
}

func (m *Manager) teardownSession() {
	m.mu.Lock()
	s := m.session
	m.session = nil
	m.synced = false
	m.mu.Unlock()
	if s != nil {
		s.Close()
	}
}

// linkLost hands a dead session to the supervise loop. Dropping the
// notice when one is already queued is fine: the loop compares against
// the current session before acting.
func (m *Manager) linkLost(s *link.Session, err error) {
	select {
	case m.lost <- linkLoss{session: s, err: err}:
	default:
	}
}

func (m *Manager) supervise() {
	defer m.wg.Done()
	heartbeat := time.NewTicker(m.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-heartbeat.C:
			m.sendHeartbeat()
		case loss := <-m.lost:
			if loss.session != m.Session() {
				continue // already replaced
			}
			m.logger.Error("link lost", "err", loss.err)
			m.events.Emit(Event{Type: EventLinkState, Data: map[string]interface{}{
				"state":  "disconnected",
				"reason": loss.err.Error(),
			}})
			m.teardownSession()
			if !m.reconnect() {
				return
			}
		}
	}
}

// reconnect retries with exponential backoff until the link is back or
// the manager stops. Returns false only on shutdown.
func (m *Manager) reconnect() bool {
	delay := m.cfg.ReconnectMin
	for {
		select {
		case <-m.ctx.Done():
			return false
		case <-time.After(delay):
		}
		if err := m.connect(m.ctx); err != nil {
			m.logger.Warn("reconnect failed", "err", err, "next_try", delay)
			delay *= 2
			if delay > m.cfg.ReconnectMax {
				delay = m.cfg.ReconnectMax
			}
			continue
		}
		return true
	}
}

// sendHeartbeat keeps the serial link awake. A write error counts as a
// link loss: the read side can stay blocked forever on some transports
// while only writes fail.
func (m *Manager) sendHeartbeat() {
	s := m.Session()
	if s == nil {
		return
	}
	if err := s.Send(m.ctx, &wire.ToDevice{Heartbeat: true}); err != nil && !errors.Is(err, link.ErrSessionClosed) {
		m.linkLost(s, fmt.Errorf("heartbeat: %w", err))
	}
}

// Session returns the current link session, or nil while disconnected.
func (m *Manager) Session() *link.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session
}

// Events returns the event bus.
func (m *Manager) Events() *EventBus {
	return m.events
}

// Store returns the node database.
func (m *Manager) Store() store.Store {
	return m.store
}

// Preset returns the modem preset signal ratings are judged against.
func (m *Manager) Preset() quality.ModemPreset {
	return m.cfg.Preset
}

// Connected reports whether a radio session is up.
func (m *Manager) Connected() bool {
	return m.Session() != nil
}

// Synced reports whether the initial node db sync has completed.
func (m *Manager) Synced() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.synced
}

// MyNodeNum returns the radio's own node number, 0 until reported.
func (m *Manager) MyNodeNum() uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.myNodeNum
}

// DeviceStatus returns the last connection status report, if any.
func (m *Manager) DeviceStatus() (*wire.DeviceConnectionStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connStatus, m.connStatus != nil
}

// TrustStates returns a snapshot of the cached per-node trust views.
func (m *Manager) TrustStates() map[uint32]TrustInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[uint32]TrustInfo, len(m.trustInfo))
	for num, ti := range m.trustInfo {
		out[num] = ti
	}
	return out
}

// NodeViews lists all known nodes joined with trust and signal state.
func (m *Manager) NodeViews() ([]NodeView, error) {
	records, err := m.store.ListNodes()
	if err != nil {
		return nil, err
	}
	views := make([]NodeView, 0, len(records))
	for _, n := range records {
		views = append(views, m.viewOf(n))
	}
	return views, nil
}

// NodeView returns one node joined with trust and signal state.
func (m *Manager) NodeView(num uint32) (NodeView, error) {
	n, err := m.store.GetNode(num)
	if err != nil {
		return NodeView{}, err
	}
	return m.viewOf(n), nil
}

func (m *Manager) viewOf(n *store.NodeRecord) NodeView {
	v := NodeView{NodeRecord: *n, Trust: trust.OutcomeTrusted.String()}

	m.mu.RLock()
	if ti, ok := m.trustInfo[n.Num]; ok {
		v.Trust = ti.Outcome.String()
	}
	m.mu.RUnlock()

	// A record with no RSSI was never heard directly over RF.
	sample := quality.SignalSample{
		SNR:      n.SNR,
		RSSI:     n.RSSI,
		HopCount: uint8(n.HopsAway),
		ViaRelay: n.ViaMQTT,
		Preset:   m.cfg.Preset,
	}
	rating := quality.RatingNone
	if n.RSSI != 0 {
		rating = quality.Classify(sample)
	}
	v.Rating = rating.String()
	if rating != quality.RatingNone {
		v.SignalColor = string(quality.SNRColor(n.SNR, m.cfg.Preset))
	}
	return v
}

// StatusView flattens a connection status report into JSON-friendly form.
// Interfaces the device did not report are left out entirely.
func StatusView(cs *wire.DeviceConnectionStatus) map[string]interface{} {
	v := map[string]interface{}{}
	if w := cs.Wifi; w != nil {
		wifi := map[string]interface{}{"ssid": w.SSID, "rssi": w.RSSI}
		netStatus(wifi, w.Status)
		v["wifi"] = wifi
	}
	if e := cs.Ethernet; e != nil {
		eth := map[string]interface{}{}
		netStatus(eth, e.Status)
		v["ethernet"] = eth
	}
	if bt := cs.Bluetooth; bt != nil {
		v["bluetooth"] = map[string]interface{}{
			"pin":       bt.PIN,
			"rssi":      bt.RSSI,
			"connected": bt.IsConnected,
		}
	}
	if s := cs.Serial; s != nil {
		v["serial"] = map[string]interface{}{
			"baud":      s.Baud,
			"connected": s.IsConnected,
		}
	}
	return v
}

func netStatus(into map[string]interface{}, s *wire.NetworkConnectionStatus) {
	if s == nil {
		return
	}
	into["ip"] = ipString(s.IPAddress)
	into["connected"] = s.IsConnected
	into["mqtt_connected"] = s.IsMQTTConnected
}

// ipString renders the address the radio reports. The device packs it
// least significant octet first.
func ipString(ip uint32) string {
	return fmt.Sprintf("%d.%d.%d.%d", byte(ip), byte(ip>>8), byte(ip>>16), byte(ip>>24))
}
