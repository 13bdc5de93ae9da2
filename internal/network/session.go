package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	p2pnet "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"lnflock/internal/proto"
)

const (
	keepaliveInterval = 5 * time.Second
	readTimeout       = 7 * time.Second
	writeTimeout      = 5 * time.Second
)

// Session is one live connection to a remote mesh peer. Inbound and
// outbound streams produce equivalent sessions.
type Session struct {
	peerID   peer.ID
	stream   p2pnet.Stream
	lastRecv time.Time

	mu   sync.Mutex // guards writes and lastRecv
	once sync.Once
	done chan struct{}
	mesh *Mesh
}

// startSession registers a session for the stream's remote peer,
// replacing (and closing) any previous one, then greets the handler
// and starts the read and keepalive loops.
func (m *Mesh) startSession(stream p2pnet.Stream) {
	s := &Session{
		peerID:   stream.Conn().RemotePeer(),
		stream:   stream,
		lastRecv: time.Now(),
		done:     make(chan struct{}),
		mesh:     m,
	}
	if old := m.sessions.Put(s); old != nil {
		old.close()
	}
	m.log.Info("session up", zap.String("peer", s.key()))
	go s.readLoop()
	go s.keepaliveLoop()
	go m.handler.PeerUp(m.runCtx, s.key())
}

func (s *Session) key() string {
	return s.peerID.String()
}

// LastReceived is the wall-clock time of the last verified message.
func (s *Session) LastReceived() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRecv
}

func (s *Session) write(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return errors.New("session closed")
	default:
	}
	_ = s.stream.SetWriteDeadline(time.Now().Add(writeTimeout))
	return proto.WriteFrame(s.stream, frame)
}

// readLoop verifies each inbound envelope before handing its payload
// to the handler. Protocol errors are logged and the session kept;
// transport errors tear it down.
func (s *Session) readLoop() {
	m := s.mesh
	for {
		payload, err := proto.ReadFrame(s.stream)
		if err != nil {
			s.teardown(fmt.Errorf("read: %w", err))
			return
		}
		var env proto.Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			m.metrics.IncDropUnknown()
			m.log.Warn("undecodable envelope", zap.String("peer", s.key()), zap.Error(err))
			continue
		}
		if err := env.Verify(m.secret, []byte(s.key()), time.Now()); err != nil {
			switch {
			case errors.Is(err, proto.ErrStaleMessage):
				m.metrics.IncDropStale()
				m.log.Warn("stale message", zap.String("peer", s.key()),
					zap.Int64("timestamp", env.Timestamp))
			default:
				m.metrics.IncDropSignature()
				m.log.Warn("signature verification failed", zap.String("peer", s.key()))
			}
			continue
		}
		m.metrics.IncEnvelopeVerified()
		s.mu.Lock()
		s.lastRecv = time.Now()
		s.mu.Unlock()
		m.handler.Message(m.runCtx, s.key(), env.Message)
	}
}

// keepaliveLoop pings the peer every keepaliveInterval and tears the
// session down when a ping misses its deadline, so dead transports do
// not linger.
func (s *Session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-s.mesh.runCtx.Done():
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(s.mesh.runCtx, readTimeout)
		res, ok := <-s.mesh.ping.Ping(ctx, s.peerID)
		cancel()
		if !ok || res.Error != nil {
			err := errors.New("ping channel closed")
			if ok {
				err = res.Error
			}
			s.teardown(fmt.Errorf("keepalive: %w", err))
			return
		}
	}
}

// teardown closes the stream, unregisters the session if it is still
// the current one for the peer, and notifies the handler.
func (s *Session) teardown(cause error) {
	s.once.Do(func() {
		close(s.done)
		_ = s.stream.Reset()
		m := s.mesh
		if m.sessions.Remove(s.key(), s) {
			m.log.Info("session down", zap.String("peer", s.key()), zap.Error(cause))
			go m.handler.PeerDown(m.runCtx, s.key())
		}
	})
}

// close shuts a replaced session without a PeerDown notification; the
// peer is still connected through its replacement.
func (s *Session) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.stream.Reset()
	})
}
