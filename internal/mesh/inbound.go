package mesh

import (
	"bytes"
	"time"

	"meshlink/internal/quality"
	"meshlink/internal/store"
	"meshlink/internal/trust"
	"meshlink/internal/wire"
)

// handleMyInfo records the radio's own identity. Admin requests need it
// as their source node, so it is persisted as well.
func (m *Manager) handleMyInfo(mi *wire.MyNodeInfo) {
	m.mu.Lock()
	m.myNodeNum = mi.MyNodeNum
	m.mu.Unlock()

	if err := m.store.SetMyNodeNum(mi.MyNodeNum); err != nil {
		m.logger.Error("save my node num", "err", err)
	}
	m.logger.Info("radio identity", "node", mi.MyNodeNum, "min_app_version", mi.MinAppVersion)
}

// handleNodeInfo applies one record from the device's node db, both
// during the initial sync and on later announcements.
func (m *Manager) handleNodeInfo(ni *wire.NodeInfo) {
	m.touchNode(ni.Num, func(n *store.NodeRecord) {
		if ni.User != nil {
			n.UserID = ni.User.ID
			n.LongName = ni.User.LongName
			n.ShortName = ni.User.ShortName
			n.HWModel = ni.User.HWModel
		}
		if ni.SNR != 0 {
			n.SNR = ni.SNR
		}
		n.HopsAway = ni.HopsAway
		n.ViaMQTT = ni.ViaMQTT
		if ni.LastHeard != 0 {
			n.LastHeard = time.Unix(int64(ni.LastHeard), 0)
		}
		if ni.Position != nil {
			n.Position = positionRecord(ni.Position)
		}
		if ni.DeviceMetrics != nil {
			n.Metrics = metricsRecord(ni.DeviceMetrics)
		}
	})

	if ni.User != nil {
		m.evaluateTrust(ni.Num, ni.User.PublicKey)
	}
}

// handleConfigComplete marks the node db sync finished when the nonce
// matches the one sent at connect.
func (m *Manager) handleConfigComplete(id uint32) {
	m.mu.Lock()
	match := id == m.configID
	if match {
		m.synced = true
	}
	m.mu.Unlock()

	if !match {
		m.logger.Debug("stale config complete", "nonce", id)
		return
	}

	count := 0
	if nodes, err := m.store.ListNodes(); err == nil {
		count = len(nodes)
	}
	m.logger.Info("node db synced", "nodes", count)
	m.events.Emit(Event{Type: EventLinkState, Data: map[string]interface{}{
		"state": "synced",
		"nodes": count,
	}})
}

// handleRebooted restarts the config sync: a rebooted radio has
// forgotten everything about this session.
func (m *Manager) handleRebooted() {
	m.logger.Warn("radio rebooted, resyncing node db")

	s := m.Session()
	if s == nil {
		return
	}
	nonce := m.nextID()
	m.mu.Lock()
	m.configID = nonce
	m.synced = false
	m.mu.Unlock()

	if err := s.Send(m.ctx, &wire.ToDevice{WantConfigID: nonce}); err != nil {
		m.logger.Error("resync after reboot", "err", err)
	}
}

// handleConnStatus caches the device's own link report and stores the
// raw bytes, unknown fields included, for round-trip fidelity.
func (m *Manager) handleConnStatus(cs *wire.DeviceConnectionStatus) {
	m.mu.Lock()
	m.connStatus = cs
	m.mu.Unlock()

	if err := m.store.SetConnectionStatus(cs.Encode()); err != nil {
		m.logger.Error("save connection status", "err", err)
	}
	m.events.Emit(Event{Type: EventConnectionStatus, Data: StatusView(cs)})
}

// handlePacket dispatches by port. Every packet is also a sighting of
// its sender, so the node record and signal state update first.
func (m *Manager) handlePacket(p *wire.MeshPacket) {
	if p.From != 0 && p.From != wire.Broadcast && p.From != m.MyNodeNum() {
		m.noteSignal(p)
	}

	if p.Decoded == nil {
		// Encrypted for a channel we do not hold; the sighting above is
		// all that can be learned.
		m.logger.Debug("undecodable packet", "from", p.From, "id", p.ID, "bytes", len(p.Encrypted))
		return
	}

	d := p.Decoded
	switch d.Port {
	case wire.PortRouting:
		m.handleRouting(p, d)
	case wire.PortAdmin:
		m.handleAdminResponse(p, d)
	case wire.PortText:
		m.handleText(p, d)
	case wire.PortPosition:
		m.handlePosition(p, d)
	case wire.PortNodeInfo:
		m.handleUserAnnounce(p, d)
	case wire.PortTelemetry:
		m.handleTelemetry(p, d)
	case wire.PortTraceRoute, wire.PortStoreForward:
		m.handleAdminData(p, d)
	default:
		m.logger.Debug("unhandled port", "port", d.Port.String(), "from", p.From)
	}
}

// noteSignal classifies the last RF hop of a packet and folds it into
// the sender's record. SNR and RSSI are only kept when the packet came
// in directly: over one or more hops they describe the nearest relay.
func (m *Manager) noteSignal(p *wire.MeshPacket) {
	hops := p.HopsAway()
	sample := quality.SignalSample{
		SNR:      p.RxSNR,
		RSSI:     p.RxRSSI,
		HopCount: uint8(hops),
		ViaRelay: p.ViaMQTT,
		Preset:   m.cfg.Preset,
	}
	rating := quality.Classify(sample)

	m.touchNode(p.From, func(n *store.NodeRecord) {
		n.LastHeard = time.Now()
		n.HopsAway = hops
		n.ViaMQTT = p.ViaMQTT
		if rating != quality.RatingNone {
			n.SNR = p.RxSNR
			n.RSSI = p.RxRSSI
		}
	})

	m.events.Emit(Event{Type: EventSignal, Data: map[string]interface{}{
		"from":     p.From,
		"snr":      p.RxSNR,
		"rssi":     p.RxRSSI,
		"hops":     hops,
		"via_mqtt": p.ViaMQTT,
		"rating":   rating.String(),
		"color":    string(quality.SNRColor(p.RxSNR, m.cfg.Preset)),
	}})
}

// handleRouting resolves delivery acks and naks against in-flight admin
// requests. A nak is always terminal. A plain delivery ack only finishes
// kinds that never answer with data: for the rest the real response, or
// the timeout, decides.
func (m *Manager) handleRouting(p *wire.MeshPacket, d *wire.Data) {
	if d.RequestID == 0 {
		return
	}
	r, err := wire.DecodeRouting(d.Payload)
	if err != nil {
		m.logger.Warn("bad routing payload", "from", p.From, "err", err)
		return
	}

	if r.ErrorReason != wire.RoutingNone {
		if m.admin.ResolveNak(d.RequestID, r.ErrorReason.String()) {
			return
		}
		m.logger.Debug("nak for unknown request", "request_id", d.RequestID, "reason", r.ErrorReason.String())
		return
	}

	for _, req := range m.admin.Snapshot() {
		if req.ID == d.RequestID && req.Kind.Destructive() {
			m.admin.ResolveAck(d.RequestID, nil)
			return
		}
	}
	m.logger.Debug("delivery ack", "request_id", d.RequestID, "from", p.From)
}

// handleAdminResponse completes an admin request with its response
// payload. Firmware that does not echo request ids is matched by the
// responding node instead.
func (m *Manager) handleAdminResponse(p *wire.MeshPacket, d *wire.Data) {
	if d.RequestID != 0 && m.admin.ResolveAck(d.RequestID, d.Payload) {
		return
	}
	if m.admin.ResolveByTarget(p.From, p.Channel, d.Payload) {
		return
	}
	m.logger.Debug("unmatched admin response", "from", p.From, "request_id", d.RequestID)
}

// handleAdminData completes trace-route and history requests, whose
// responses arrive on their own ports.
func (m *Manager) handleAdminData(p *wire.MeshPacket, d *wire.Data) {
	if d.RequestID != 0 && m.admin.ResolveAck(d.RequestID, d.Payload) {
		return
	}
	if m.admin.ResolveByTarget(p.From, p.Channel, d.Payload) {
		return
	}
	m.logger.Debug("unmatched response", "port", d.Port.String(), "from", p.From)
}

func (m *Manager) handleText(p *wire.MeshPacket, d *wire.Data) {
	text := string(d.Payload)
	m.logger.Info("message", "from", p.From, "to", p.To, "channel", p.Channel, "len", len(text))
	m.events.Emit(Event{Type: EventMessage, Data: map[string]interface{}{
		"from":    p.From,
		"to":      p.To,
		"channel": p.Channel,
		"text":    text,
		"rx_time": p.RxTime,
	}})
}

func (m *Manager) handlePosition(p *wire.MeshPacket, d *wire.Data) {
	// A position can also be the answer to a position exchange.
	if d.RequestID != 0 {
		m.admin.ResolveAck(d.RequestID, d.Payload)
	}

	pos, err := wire.DecodePosition(d.Payload)
	if err != nil {
		m.logger.Warn("bad position payload", "from", p.From, "err", err)
		return
	}

	m.touchNode(p.From, func(n *store.NodeRecord) {
		n.Position = positionRecord(pos)
	})
	m.events.Emit(Event{Type: EventPosition, Data: map[string]interface{}{
		"node":      p.From,
		"latitude":  pos.Latitude(),
		"longitude": pos.Longitude(),
		"altitude":  pos.Altitude,
	}})
}

// handleUserAnnounce applies a node's self-announcement and runs trust
// evaluation on the announced key.
func (m *Manager) handleUserAnnounce(p *wire.MeshPacket, d *wire.Data) {
	u, err := wire.DecodeUser(d.Payload)
	if err != nil {
		m.logger.Warn("bad user payload", "from", p.From, "err", err)
		return
	}

	m.touchNode(p.From, func(n *store.NodeRecord) {
		n.UserID = u.ID
		n.LongName = u.LongName
		n.ShortName = u.ShortName
		n.HWModel = u.HWModel
	})
	m.evaluateTrust(p.From, u.PublicKey)
}

func (m *Manager) handleTelemetry(p *wire.MeshPacket, d *wire.Data) {
	tel, err := wire.DecodeTelemetry(d.Payload)
	if err != nil {
		m.logger.Warn("bad telemetry payload", "from", p.From, "err", err)
		return
	}

	if tel.Device != nil {
		m.touchNode(p.From, func(n *store.NodeRecord) {
			n.Metrics = metricsRecord(tel.Device)
		})
	}

	data := map[string]interface{}{"node": p.From}
	if tel.Time != 0 {
		data["time"] = tel.Time
	}
	if dm := tel.Device; dm != nil {
		data["battery_level"] = dm.BatteryLevel
		data["voltage"] = dm.Voltage
		data["channel_utilization"] = dm.ChannelUtilization
		data["air_util_tx"] = dm.AirUtilTX
		data["uptime_seconds"] = dm.UptimeSeconds
	}
	if env := tel.Environment; env != nil {
		data["temperature"] = env.Temperature
		data["relative_humidity"] = env.RelativeHumidity
		data["pressure"] = env.Pressure
		if env.RelativeHumidity > 0 {
			data["dew_point"] = quality.DewPoint(float64(env.Temperature), float64(env.RelativeHumidity))
		}
	}
	m.events.Emit(Event{Type: EventTelemetry, Data: data})
}

// evaluateTrust runs the pinned-key check for an announcement. Announcements
// without key material are not judged: plenty of broadcasts legitimately
// omit the key, and treating them as a change would alert on every one.
func (m *Manager) evaluateTrust(num uint32, key []byte) {
	if len(key) == 0 {
		return
	}

	outcome, err := m.trust.Evaluate(num, key)
	if err != nil {
		m.logger.Error("trust evaluation", "node", num, "err", err)
		return
	}

	m.mu.Lock()
	prev, had := m.trustInfo[num]
	changed := !had || prev.Outcome != outcome || !bytes.Equal(prev.OfferedKey, key)
	m.trustInfo[num] = TrustInfo{Outcome: outcome, OfferedKey: key, ChangedAt: time.Now()}
	m.mu.Unlock()

	if !changed {
		return
	}

	switch outcome {
	case trust.OutcomeFirstSeen:
		m.logger.Info("node key pinned", "node", num)
	case trust.OutcomeMismatch:
		m.logger.Warn("node key mismatch", "node", num)
	}
	m.events.Emit(Event{Type: EventTrustChange, Data: map[string]interface{}{
		"node":  num,
		"state": outcome.String(),
	}})
}

// touchNode applies fn to a node's record and announces the new state.
func (m *Manager) touchNode(num uint32, fn func(n *store.NodeRecord)) {
	if num == 0 || num == wire.Broadcast {
		return
	}

	var updated store.NodeRecord
	err := m.store.UpsertNode(num, func(n *store.NodeRecord) error {
		if n.FirstHeard.IsZero() {
			n.FirstHeard = time.Now()
		}
		if n.LastHeard.IsZero() {
			n.LastHeard = time.Now()
		}
		fn(n)
		updated = *n
		return nil
	})
	if err != nil {
		m.logger.Error("update node record", "node", num, "err", err)
		return
	}

	m.events.Emit(Event{Type: EventNodeUpdated, Data: m.viewOf(&updated)})
}

func positionRecord(p *wire.Position) *store.Position {
	rec := &store.Position{
		Latitude:  p.Latitude(),
		Longitude: p.Longitude(),
		Altitude:  p.Altitude,
	}
	if p.Time != 0 {
		rec.Time = time.Unix(int64(p.Time), 0)
	}
	return rec
}

func metricsRecord(dm *wire.DeviceMetrics) *store.DeviceMetrics {
	return &store.DeviceMetrics{
		BatteryLevel:       dm.BatteryLevel,
		Voltage:            dm.Voltage,
		ChannelUtilization: dm.ChannelUtilization,
		AirUtilTX:          dm.AirUtilTX,
		UptimeSeconds:      dm.UptimeSeconds,
	}
}
