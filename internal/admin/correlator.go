// Package admin issues administrative requests to mesh nodes and
// correlates each with exactly one later outcome: an ack, a nak, a
// timeout, or a cancellation. The correlator owns the in-flight table;
// the transport and the response plumbing live outside.
package admin

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
)

// Kind selects the administrative action.
type Kind uint8

const (
	KindMetadataRefresh Kind = iota
	KindShutdown
	KindReboot
	KindPositionExchange
	KindTraceRoute
	KindHistoryFetch
)

func (k Kind) String() string {
	switch k {
	case KindMetadataRefresh:
		return "metadata_refresh"
	case KindShutdown:
		return "shutdown"
	case KindReboot:
		return "reboot"
	case KindPositionExchange:
		return "position_exchange"
	case KindTraceRoute:
		return "traceroute"
	case KindHistoryFetch:
		return "history_fetch"
	default:
		return fmt.Sprintf("kind %d", uint8(k))
	}
}

// ParseKind maps an API string to a kind.
func ParseKind(s string) (Kind, bool) {
	switch s {
	case "metadata_refresh":
		return KindMetadataRefresh, true
	case "shutdown":
		return KindShutdown, true
	case "reboot":
		return KindReboot, true
	case "position_exchange":
		return KindPositionExchange, true
	case "traceroute":
		return KindTraceRoute, true
	case "history_fetch":
		return KindHistoryFetch, true
	default:
		return 0, false
	}
}

// Destructive reports whether the kind powers down or restarts its
// target. The correlator treats these like any other kind; callers owe
// the operator a confirmation step first.
func (k Kind) Destructive() bool {
	return k == KindShutdown || k == KindReboot
}

// State tracks a request through its lifecycle.
type State uint8

const (
	StateCreated State = iota
	StateSent
	StateAcked
	StateFailed
	StateTimedOut
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateSent:
		return "sent"
	case StateAcked:
		return "acked"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed_out"
	case StateCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("state %d", uint8(s))
	}
}

// Request identifies one administrative command in flight.
type Request struct {
	ID         uint32
	FromNode   uint32
	ToNode     uint32
	AdminIndex uint32
	Kind       Kind
	IssuedAt   time.Time
}

// Outcome is the terminal result of one request. Payload carries the raw
// response body on an ack; Reason names the failure on a nak.
type Outcome struct {
	State   State
	Payload []byte
	Reason  string
}

var (
	// ErrInvalidTarget rejects a request before anything is sent: zero
	// node ids, a broadcast target, or an admin index outside the
	// device's channel range.
	ErrInvalidTarget = errors.New("invalid admin target")
	// ErrDuplicateInFlight rejects a second request for a (target,
	// kind) pair that already has one pending. Requests are rejected,
	// not queued; the caller retries after the first resolves.
	ErrDuplicateInFlight = errors.New("admin request already in flight")
	// ErrClosed rejects issues after Close.
	ErrClosed = errors.New("admin correlator closed")
)

const (
	// Admin channel slots the firmware exposes per node.
	maxAdminIndex = 7
	// Addressing every node at once is never a valid admin target.
	broadcastNode = 0xFFFFFFFF
)

// SendFunc delivers one framed request to the transport. It is called
// outside the correlator's lock and must return synchronous transport
// errors; async delivery failure surfaces later as a nak or timeout.
type SendFunc func(ctx context.Context, req Request) error

// Clock abstracts timer creation so timeouts are testable.
type Clock interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is the cancellable handle returned by Clock.AfterFunc.
type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

type flightKey struct {
	toNode uint32
	kind   Kind
}

// Pending is the caller's handle on an issued request.
type Pending struct {
	req   Request
	done  chan Outcome
	c     *Correlator
	timer Timer
	state State
}

// Request returns the issued request's identity.
func (p *Pending) Request() Request { return p.req }

// Done delivers exactly one Outcome when the request resolves.
func (p *Pending) Done() <-chan Outcome { return p.done }

// Cancel resolves the request as Canceled. Canceling an already resolved
// request is a no-op.
func (p *Pending) Cancel() {
	p.c.finish(p.req.ID, Outcome{State: StateCanceled})
}

// Correlator tracks in-flight administrative requests. Transport sends
// happen outside its lock, so slow I/O on one target never blocks
// bookkeeping for another.
type Correlator struct {
	send    SendFunc
	timeout time.Duration
	clock   Clock
	logger  *slog.Logger

	mu       sync.Mutex
	inflight map[uint32]*Pending
	byKey    map[flightKey]uint32
	closed   bool

	lastID atomic.Uint32
}

// New creates a correlator. The timeout bounds how long a sent request
// may wait for its response.
func New(send SendFunc, timeout time.Duration, logger *slog.Logger) *Correlator {
	c := &Correlator{
		send:     send,
		timeout:  timeout,
		clock:    realClock{},
		logger:   logger.With("component", "admin"),
		inflight: make(map[uint32]*Pending),
		byKey:    make(map[flightKey]uint32),
	}
	// Seed the id counter randomly so request ids from successive runs
	// do not collide in the radio's duplicate-packet filter.
	var seed [4]byte
	if _, err := rand.Read(seed[:]); err == nil {
		c.lastID.Store(binary.BigEndian.Uint32(seed[:]))
	} else {
		c.lastID.Store(uint32(time.Now().UnixNano()))
	}
	return c
}

func (c *Correlator) nextID() uint32 {
	for {
		if id := c.lastID.Add(1); id != 0 {
			return id
		}
	}
}

// Issue validates, registers and sends one request. On success the
// returned Pending resolves through Done; a synchronous transport error
// is returned wrapped and leaves no trace in the in-flight table.
func (c *Correlator) Issue(ctx context.Context, fromNode, toNode, adminIndex uint32, kind Kind) (*Pending, error) {
	if fromNode == 0 || toNode == 0 || toNode == broadcastNode || adminIndex > maxAdminIndex {
		return nil, fmt.Errorf("%w: from %d to %d index %d", ErrInvalidTarget, fromNode, toNode, adminIndex)
	}

	req := Request{
		ID:         c.nextID(),
		FromNode:   fromNode,
		ToNode:     toNode,
		AdminIndex: adminIndex,
		Kind:       kind,
		IssuedAt:   time.Now(),
	}
	p := &Pending{
		req:   req,
		done:  make(chan Outcome, 1),
		c:     c,
		state: StateCreated,
	}
	key := flightKey{toNode: toNode, kind: kind}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if _, dup := c.byKey[key]; dup {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s to node %d", ErrDuplicateInFlight, kind, toNode)
	}
	// Registered before the send so a racing duplicate is rejected and
	// an early response finds its request.
	c.inflight[req.ID] = p
	c.byKey[key] = req.ID
	c.mu.Unlock()

	if err := c.send(ctx, req); err != nil {
		c.mu.Lock()
		delete(c.inflight, req.ID)
		delete(c.byKey, key)
		c.mu.Unlock()
		return nil, fmt.Errorf("admin: send %s to node %d: %w", kind, toNode, err)
	}

	c.mu.Lock()
	if cur, ok := c.inflight[req.ID]; ok {
		cur.state = StateSent
		cur.timer = c.clock.AfterFunc(c.timeout, func() {
			c.expire(req.ID)
		})
	}
	c.mu.Unlock()

	c.logger.Debug("admin request sent",
		"id", req.ID,
		"kind", kind.String(),
		"to", toNode,
		"adminIndex", adminIndex)
	return p, nil
}

// ResolveAck resolves the request with the given id as Acked. Unmatched
// ids are dropped; late responses are normal after a timeout.
func (c *Correlator) ResolveAck(requestID uint32, payload []byte) bool {
	ok := c.finish(requestID, Outcome{State: StateAcked, Payload: payload})
	if !ok {
		c.logger.Debug("admin ack without matching request", "id", requestID)
	}
	return ok
}

// ResolveNak resolves the request with the given id as Failed. The nak
// reason rides the same response channel as acks.
func (c *Correlator) ResolveNak(requestID uint32, reason string) bool {
	ok := c.finish(requestID, Outcome{State: StateFailed, Reason: reason})
	if !ok {
		c.logger.Debug("admin nak without matching request", "id", requestID, "reason", reason)
	}
	return ok
}

// ResolveByTarget resolves the oldest in-flight request for a (target,
// admin index) pair as Acked, for responses that do not echo an id.
func (c *Correlator) ResolveByTarget(toNode, adminIndex uint32, payload []byte) bool {
	c.mu.Lock()
	var oldest *Pending
	for _, p := range c.inflight {
		if p.req.ToNode != toNode || p.req.AdminIndex != adminIndex {
			continue
		}
		if oldest == nil || p.req.IssuedAt.Before(oldest.req.IssuedAt) {
			oldest = p
		}
	}
	var id uint32
	if oldest != nil {
		id = oldest.req.ID
	}
	c.mu.Unlock()

	if oldest == nil {
		c.logger.Debug("admin response without matching target",
			"to", toNode, "adminIndex", adminIndex)
		return false
	}
	return c.finish(id, Outcome{State: StateAcked, Payload: payload})
}

// Cancel resolves the request with the given id as Canceled.
func (c *Correlator) Cancel(requestID uint32) bool {
	return c.finish(requestID, Outcome{State: StateCanceled})
}

// Snapshot lists the in-flight requests, for display.
func (c *Correlator) Snapshot() []Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	reqs := make([]Request, 0, len(c.inflight))
	for _, p := range c.inflight {
		if p.state == StateSent {
			reqs = append(reqs, p.req)
		}
	}
	return reqs
}

// Close cancels every in-flight request and rejects further issues.
func (c *Correlator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pendings := make([]*Pending, 0, len(c.inflight))
	for _, p := range c.inflight {
		pendings = append(pendings, p)
	}
	c.inflight = make(map[uint32]*Pending)
	c.byKey = make(map[flightKey]uint32)
	c.mu.Unlock()

	for _, p := range pendings {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.done <- Outcome{State: StateCanceled}
	}
	if len(pendings) > 0 {
		c.logger.Info("admin requests canceled on close", "count", len(pendings))
	}
}

func (c *Correlator) expire(requestID uint32) {
	if c.finish(requestID, Outcome{State: StateTimedOut}) {
		c.logger.Warn("admin request timed out", "id", requestID)
	}
}

// finish removes the request from the table and delivers its outcome.
// The first caller wins; everyone else finds the table slot empty.
func (c *Correlator) finish(requestID uint32, out Outcome) bool {
	c.mu.Lock()
	p, ok := c.inflight[requestID]
	if ok {
		delete(c.inflight, requestID)
		delete(c.byKey, flightKey{toNode: p.req.ToNode, kind: p.req.Kind})
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.done <- out
	return true
}
