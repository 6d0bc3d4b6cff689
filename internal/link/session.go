package link

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"meshlink/internal/wire"
)

// ErrSessionClosed rejects sends after Close.
var ErrSessionClosed = errors.New("link: session closed")

// Session owns one transport to the radio: it writes framed ToDevice
// envelopes and runs a read loop dispatching decoded FromDevice
// envelopes to typed callbacks. One bad frame never kills the session;
// a dead transport does, via OnDisconnect.
type Session struct {
	transport Transport
	reader    *bufio.Reader
	logger    *slog.Logger

	writeMu sync.Mutex

	handlerMu        sync.RWMutex
	onPacket         func(*wire.MeshPacket)
	onNodeInfo       func(*wire.NodeInfo)
	onMyInfo         func(*wire.MyNodeInfo)
	onConnStatus     func(*wire.DeviceConnectionStatus)
	onConfigComplete func(uint32)
	onRebooted       func()
	onDisconnect     func(error)

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewSession wraps an open transport and starts its read loop. Register
// callbacks before provoking traffic (wantConfig) or frames may pass
// undelivered.
func NewSession(t Transport, logger *slog.Logger) *Session {
	s := &Session{
		transport: t,
		reader:    bufio.NewReader(t),
		logger:    logger.With("component", "link"),
		done:      make(chan struct{}),
	}
	s.wg.Add(1)
	go s.readLoop()
	return s
}

// OnPacket registers the mesh packet callback.
func (s *Session) OnPacket(fn func(*wire.MeshPacket)) {
	s.handlerMu.Lock()
	s.onPacket = fn
	s.handlerMu.Unlock()
}

// OnNodeInfo registers the node record callback.
func (s *Session) OnNodeInfo(fn func(*wire.NodeInfo)) {
	s.handlerMu.Lock()
	s.onNodeInfo = fn
	s.handlerMu.Unlock()
}

// OnMyInfo registers the local radio identity callback.
func (s *Session) OnMyInfo(fn func(*wire.MyNodeInfo)) {
	s.handlerMu.Lock()
	s.onMyInfo = fn
	s.handlerMu.Unlock()
}

// OnConnectionStatus registers the device connection status callback.
func (s *Session) OnConnectionStatus(fn func(*wire.DeviceConnectionStatus)) {
	s.handlerMu.Lock()
	s.onConnStatus = fn
	s.handlerMu.Unlock()
}

// OnConfigComplete registers the config sync completion callback.
func (s *Session) OnConfigComplete(fn func(uint32)) {
	s.handlerMu.Lock()
	s.onConfigComplete = fn
	s.handlerMu.Unlock()
}

// OnRebooted registers the device reboot notice callback.
func (s *Session) OnRebooted(fn func()) {
	s.handlerMu.Lock()
	s.onRebooted = fn
	s.handlerMu.Unlock()
}

// OnDisconnect registers the callback fired once when the read loop dies
// on a transport error. It does not fire on Close.
func (s *Session) OnDisconnect(fn func(error)) {
	s.handlerMu.Lock()
	s.onDisconnect = fn
	s.handlerMu.Unlock()
}

// Send frames and writes one envelope. Writes are serialized; the
// context only gates entry, an in-progress write is never aborted.
func (s *Session) Send(ctx context.Context, env *wire.ToDevice) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := writeFrame(s.transport, env.Encode()); err != nil {
		return fmt.Errorf("link: send: %w", err)
	}
	return nil
}

// Close shuts the transport and waits for the read loop to drain.
// Safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.transport.Close()
		s.wg.Wait()
	})
	return err
}

func (s *Session) readLoop() {
	defer s.wg.Done()

	for {
		payload, discarded, err := readFrame(s.reader)
		if discarded > 0 {
			s.logger.Debug("skipped stream noise", "bytes", discarded)
		}
		if err != nil {
			if errors.Is(err, ErrFrameTooLarge) {
				s.logger.Warn("oversized frame header, resyncing")
				continue
			}
			select {
			case <-s.done:
				// Expected: Close pulled the transport out from
				// under the read.
			default:
				s.logger.Error("link read failed", "err", err)
				s.handlerMu.RLock()
				onDisconnect := s.onDisconnect
				s.handlerMu.RUnlock()
				if onDisconnect != nil {
					onDisconnect(err)
				}
			}
			return
		}

		env, err := wire.DecodeFromDevice(payload)
		if err != nil {
			s.logger.Warn("undecodable frame skipped", "len", len(payload), "err", err)
			continue
		}
		s.dispatch(env)
	}
}

func (s *Session) dispatch(env *wire.FromDevice) {
	s.handlerMu.RLock()
	onPacket := s.onPacket
	onNodeInfo := s.onNodeInfo
	onMyInfo := s.onMyInfo
	onConnStatus := s.onConnStatus
	onConfigComplete := s.onConfigComplete
	onRebooted := s.onRebooted
	s.handlerMu.RUnlock()

	switch {
	case env.Packet != nil:
		if onPacket != nil {
			onPacket(env.Packet)
		}
	case env.NodeInfo != nil:
		if onNodeInfo != nil {
			onNodeInfo(env.NodeInfo)
		}
	case env.MyInfo != nil:
		if onMyInfo != nil {
			onMyInfo(env.MyInfo)
		}
	case env.ConnectionStatus != nil:
		if onConnStatus != nil {
			onConnStatus(env.ConnectionStatus)
		}
	case env.ConfigCompleteID != 0:
		if onConfigComplete != nil {
			onConfigComplete(env.ConfigCompleteID)
		}
	case env.Rebooted:
		if onRebooted != nil {
			onRebooted()
		}
	default:
		s.logger.Debug("envelope with no known variant dropped")
	}
}
