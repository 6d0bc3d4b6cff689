package mesh

import (
	"context"
	"fmt"
	"time"

	"meshlink/internal/admin"
	"meshlink/internal/trust"
	"meshlink/internal/wire"
)

// shutdownGraceSecs delays destructive commands so the delivery ack can
// leave the target before it powers down.
const shutdownGraceSecs = 5

func adminOpFor(k admin.Kind) wire.AdminOp {
	switch k {
	case admin.KindMetadataRefresh:
		return wire.AdminOpMetadataRefresh
	case admin.KindShutdown:
		return wire.AdminOpShutdown
	case admin.KindReboot:
		return wire.AdminOpReboot
	case admin.KindPositionExchange:
		return wire.AdminOpPositionExchange
	case admin.KindTraceRoute:
		return wire.AdminOpTraceRoute
	case admin.KindHistoryFetch:
		return wire.AdminOpHistoryFetch
	}
	return wire.AdminOpNone
}

func (m *Manager) sessionSend(ctx context.Context, env *wire.ToDevice) error {
	s := m.Session()
	if s == nil {
		return ErrLinkDown
	}
	return s.Send(ctx, env)
}

// sendAdmin is the correlator's transport: it frames one admin request
// as a mesh packet. The packet id doubles as the correlation id.
func (m *Manager) sendAdmin(ctx context.Context, req admin.Request) error {
	cmd := wire.AdminCommand{Op: adminOpFor(req.Kind)}
	switch req.Kind {
	case admin.KindShutdown, admin.KindReboot:
		cmd.DelaySeconds = shutdownGraceSecs
	case admin.KindHistoryFetch:
		cmd.HistoryMinutes = m.cfg.HistoryMinutes
	}

	pkt := &wire.MeshPacket{
		From:    req.FromNode,
		To:      req.ToNode,
		Channel: req.AdminIndex,
		Decoded: &wire.Data{
			Port:         wire.PortAdmin,
			Payload:      cmd.Encode(),
			WantResponse: !req.Kind.Destructive(),
		},
		ID:      req.ID,
		WantAck: true,
	}
	return m.sessionSend(ctx, &wire.ToDevice{Packet: pkt})
}

// Admin issues an administrative command and correlates its outcome.
// The two-step confirmation for destructive kinds is the caller's job;
// down here they only differ in never expecting a data response.
func (m *Manager) Admin(ctx context.Context, toNode uint32, kind admin.Kind) (*admin.Pending, error) {
	from := m.MyNodeNum()
	if from == 0 {
		return nil, ErrNoIdentity
	}

	p, err := m.admin.Issue(ctx, from, toNode, m.cfg.AdminIndex, kind)
	if err != nil {
		return nil, err
	}

	req := p.Request()
	m.logger.Info("admin request sent", "id", req.ID, "node", req.ToNode, "kind", req.Kind.String())
	m.events.Emit(Event{Type: EventAdminUpdate, Data: map[string]interface{}{
		"id":    req.ID,
		"node":  req.ToNode,
		"kind":  req.Kind.String(),
		"state": admin.StateSent.String(),
	}})

	m.wg.Add(1)
	go m.watchAdmin(p)
	return p, nil
}

// watchAdmin forwards the terminal outcome of one request to the bus.
func (m *Manager) watchAdmin(p *admin.Pending) {
	defer m.wg.Done()
	out := <-p.Done()
	req := p.Request()

	data := map[string]interface{}{
		"id":    req.ID,
		"node":  req.ToNode,
		"kind":  req.Kind.String(),
		"state": out.State.String(),
	}
	if out.Reason != "" {
		data["reason"] = out.Reason
	}
	if len(out.Payload) > 0 {
		data["payload"] = out.Payload
	}
	m.logger.Info("admin request resolved",
		"id", req.ID, "node", req.ToNode, "kind", req.Kind.String(), "state", out.State.String())
	m.events.Emit(Event{Type: EventAdminUpdate, Data: data})
}

// AdminRequests lists the in-flight admin requests.
func (m *Manager) AdminRequests() []admin.Request {
	return m.admin.Snapshot()
}

// CancelAdmin cancels one in-flight request by id.
func (m *Manager) CancelAdmin(id uint32) bool {
	return m.admin.Cancel(id)
}

// SendText sends a text message. Direct messages request a delivery
// ack; broadcasts never do. Returns the packet id.
func (m *Manager) SendText(ctx context.Context, to uint32, channel uint32, text string) (uint32, error) {
	id := m.nextID()
	pkt := &wire.MeshPacket{
		From:    m.MyNodeNum(),
		To:      to,
		Channel: channel,
		Decoded: &wire.Data{Port: wire.PortText, Payload: []byte(text)},
		ID:      id,
		WantAck: to != wire.Broadcast,
	}
	if err := m.sessionSend(ctx, &wire.ToDevice{Packet: pkt}); err != nil {
		return 0, err
	}
	m.logger.Info("text sent", "to", to, "channel", channel, "id", id, "len", len(text))
	return id, nil
}

// Authorize adopts the latest announced key for a node as its pin. This
// is the explicit re-pair step after a mismatch; nothing else replaces
// a recorded key.
func (m *Manager) Authorize(num uint32) error {
	m.mu.RLock()
	ti, ok := m.trustInfo[num]
	m.mu.RUnlock()
	if !ok || len(ti.OfferedKey) == 0 {
		return fmt.Errorf("authorize node %d: %w", num, ErrNoOfferedKey)
	}

	if err := m.trust.Authorize(num, ti.OfferedKey); err != nil {
		return err
	}

	m.mu.Lock()
	m.trustInfo[num] = TrustInfo{Outcome: trust.OutcomeTrusted, OfferedKey: ti.OfferedKey, ChangedAt: time.Now()}
	m.mu.Unlock()

	m.logger.Info("node re-paired", "node", num)
	m.events.Emit(Event{Type: EventTrustChange, Data: map[string]interface{}{
		"node":   num,
		"state":  trust.OutcomeTrusted.String(),
		"action": "authorized",
	}})
	return nil
}

// ForgetNode removes a node's record and its pinned key. If the node
// shows up again it starts over as a stranger.
func (m *Manager) ForgetNode(num uint32) error {
	if err := m.store.DeleteNode(num); err != nil {
		return err
	}
	if err := m.store.DeleteRecordedKey(num); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.trustInfo, num)
	m.mu.Unlock()

	m.logger.Info("node forgotten", "node", num)
	m.events.Emit(Event{Type: EventNodeRemoved, Data: map[string]interface{}{"node": num}})
	return nil
}
