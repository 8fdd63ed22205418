package httpapi

import (
	"bytes"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/DavidABSiepmann/image-socket-sub001/internal/adapters/codec"
	"github.com/DavidABSiepmann/image-socket-sub001/internal/domain"
)

var (
	errOutboundFull  = errors.New("outbound queue full")
	errServerStopped = errors.New("server stopped")
	errSessionClosed = errors.New("session closed")
)

// clientSession is one connected peer. The read pump runs on the HTTP
// handler goroutine; the write pump is the only writer on conn.
type clientSession struct {
	id          domain.ClientID
	addr        string
	connectedAt time.Time
	reg         *Registry
	logger      zerolog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn
	out    chan []byte
	state  atomic.Value // domain.SessionState

	closeOnce sync.Once
	done      chan struct{}
	closeErr  error

	// read pump only
	sentinel codec.SentinelDecoder
}

func newClientSession(reg *Registry, id domain.ClientID, addr string) *clientSession {
	s := &clientSession{
		id:          id,
		addr:        addr,
		connectedAt: time.Now().UTC(),
		reg:         reg,
		logger:      reg.logger.With().Int32("client", int32(id)).Logger(),
		out:         make(chan []byte, reg.cfg.OutboundQueue),
		done:        make(chan struct{}),
		sentinel:    codec.SentinelDecoder{MaxFrameBytes: int(reg.cfg.MaxMessageBytes)},
	}
	s.state.Store(domain.SessionConnecting)
	return s
}

func (s *clientSession) State() domain.SessionState { return s.state.Load().(domain.SessionState) }

func (s *clientSession) info() domain.SessionInfo {
	return domain.SessionInfo{ID: s.id, Addr: s.addr, State: s.State(), ConnectedAt: s.connectedAt}
}

// Send enqueues an already framed message. A full queue disconnects the
// session; the caller learns about it through the disconnect callback.
func (s *clientSession) Send(msg []byte) error {
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}
	select {
	case s.out <- msg:
		return nil
	default:
		s.logger.Warn().Int("queue", cap(s.out)).Msg("outbound queue full, disconnecting")
		s.close(errOutboundFull)
		return nil
	}
}

func (s *clientSession) SendControl(m domain.ControlMessage) error {
	if err := s.Send(codec.EncodeControlEnvelope(m)); err != nil {
		return err
	}
	s.reg.observeControl("out", m.Kind)
	return nil
}

// close moves the session to Disconnected exactly once.
func (s *clientSession) close(reason error) {
	s.closeOnce.Do(func() {
		s.closeErr = reason
		s.state.Store(domain.SessionDisconnected)
		close(s.done)
		s.connMu.Lock()
		if s.conn != nil {
			_ = s.conn.Close()
		}
		s.connMu.Unlock()
	})
}

// attach binds the upgraded connection and marks the session Active. It
// fails when the session was closed while upgrading.
func (s *clientSession) attach(conn *websocket.Conn) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	select {
	case <-s.done:
		_ = conn.Close()
		return false
	default:
	}
	s.conn = conn
	s.state.Store(domain.SessionActive)
	return true
}

func (s *clientSession) writePump() {
	ping := time.NewTicker(s.reg.cfg.PingInterval)
	defer ping.Stop()
	for {
		select {
		case <-s.done:
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case msg := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.reg.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				s.logger.Debug().Err(err).Msg("write failed")
				s.close(err)
				return
			}
		case <-ping.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.reg.cfg.WriteTimeout)); err != nil {
				s.close(err)
				return
			}
		}
	}
}

func (s *clientSession) readPump() error {
	s.conn.SetReadLimit(s.reg.cfg.MaxMessageBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.reg.cfg.ReadTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.reg.cfg.ReadTimeout))
	})
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.reg.cfg.ReadTimeout))
		s.route(data, time.Now())
	}
}

// route dispatches one inbound message. Messages opening a sentinel
// stream, and everything while one is open, go through the legacy
// decoder; the rest is tagged.
func (s *clientSession) route(data []byte, at time.Time) {
	l := s.reg.listener()
	if s.sentinel.InFrame() || bytes.HasPrefix(data, codec.StartSentinel) {
		frames, err := s.sentinel.Feed(data)
		for _, f := range frames {
			l.FrameReceived(s.id, f, at)
		}
		if err != nil {
			l.ProtocolError(s.id, err)
		}
		return
	}
	env, err := codec.DecodeEnvelope(data)
	if err != nil {
		l.ProtocolError(s.id, err)
		return
	}
	if env.IsFrame() {
		l.FrameReceived(s.id, env.Payload, at)
		return
	}
	s.reg.observeControl("in", env.Control.Kind)
	l.ControlReceived(s.id, env.Control)
}
