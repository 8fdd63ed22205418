package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/DavidABSiepmann/image-socket-sub001/internal/domain"
	obs "github.com/DavidABSiepmann/image-socket-sub001/internal/infrastructure/observability"
	"github.com/DavidABSiepmann/image-socket-sub001/internal/usecase"
)

var ErrClientNotFound = errors.New("client not found")

// StartError reports a failed bind of the stream server.
type StartError struct {
	Port   int
	Reason string
	Err    error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start stream server on port %d: %s", e.Port, e.Reason)
}

func (e *StartError) Unwrap() error { return e.Err }

func (e *StartError) Details() map[string]any {
	return map[string]any{"port": e.Port, "reason": e.Reason}
}

type RegistryConfig struct {
	Host            string
	MaxMessageBytes int64
	OutboundQueue   int
	WriteTimeout    time.Duration
	PingInterval    time.Duration
	ReadTimeout     time.Duration
}

func (c RegistryConfig) withDefaults() RegistryConfig {
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 16 << 20
	}
	if c.OutboundQueue <= 0 {
		c.OutboundQueue = 64
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 15 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	return c
}

// Registry is the stream server: it accepts peer connections on any path,
// allocates client ids and routes outbound control messages.
type Registry struct {
	cfg      RegistryConfig
	logger   zerolog.Logger
	metrics  *obs.Metrics
	upgrader websocket.Upgrader

	lis    atomic.Value // usecase.SessionListener
	nextID atomic.Int32

	mu       sync.RWMutex
	sessions map[domain.ClientID]*clientSession
	srv      *http.Server
}

var _ usecase.SessionRouter = (*Registry)(nil)

func NewRegistry(cfg RegistryConfig, logger *zerolog.Logger, metrics *obs.Metrics) *Registry {
	r := &Registry{
		cfg:      cfg.withDefaults(),
		logger:   logger.With().Str("component", "registry").Logger(),
		metrics:  metrics,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		sessions: make(map[domain.ClientID]*clientSession),
	}
	r.lis.Store(listenerBox{nopListener{}})
	return r
}

type listenerBox struct{ usecase.SessionListener }

// SetListener installs the receiver of session callbacks.
func (r *Registry) SetListener(l usecase.SessionListener) {
	if l == nil {
		l = nopListener{}
	}
	r.lis.Store(listenerBox{l})
}

func (r *Registry) listener() usecase.SessionListener {
	return r.lis.Load().(listenerBox).SessionListener
}

// Start binds host:port (0 picks a free port) and returns the bound port.
func (r *Registry) Start(port int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.srv != nil {
		return 0, &StartError{Port: port, Reason: "already running"}
	}
	addr := net.JoinHostPort(r.cfg.Host, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, &StartError{Port: port, Reason: err.Error(), Err: err}
	}
	srv := &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}
	r.srv = srv
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error().Err(err).Msg("stream server stopped")
		}
	}()
	bound := ln.Addr().(*net.TCPAddr).Port
	r.logger.Info().Str("addr", ln.Addr().String()).Msg("stream server listening")
	return bound, nil
}

// Stop closes the listener and every session without a graceful drain.
func (r *Registry) Stop() {
	r.mu.Lock()
	srv := r.srv
	r.srv = nil
	open := make([]*clientSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		open = append(open, s)
	}
	r.mu.Unlock()
	if srv == nil {
		return
	}
	_ = srv.Close()
	for _, s := range open {
		s.close(errServerStopped)
	}
}

// ServeHTTP upgrades a peer connection and runs its read pump until the
// peer goes away.
func (r *Registry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	id := domain.ClientID(r.nextID.Add(1))
	s := newClientSession(r, id, req.RemoteAddr)

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()
	r.listener().ClientConnected(id, s.addr)

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("upgrade failed")
		s.close(err)
		r.onSessionDisconnected(s)
		return
	}
	if !s.attach(conn) {
		r.onSessionDisconnected(s)
		return
	}
	if r.metrics != nil {
		r.metrics.ActiveSessions.Inc()
	}
	r.listener().ClientActivated(id)

	go s.writePump()
	err = s.readPump()
	s.close(err)
	if r.metrics != nil {
		r.metrics.ActiveSessions.Dec()
	}
	r.onSessionDisconnected(s)
}

func (r *Registry) onSessionDisconnected(s *clientSession) {
	r.mu.Lock()
	_, ok := r.sessions[s.id]
	delete(r.sessions, s.id)
	r.mu.Unlock()
	if !ok {
		r.logger.Debug().Int32("client", int32(s.id)).Msg("disconnect for unknown session")
		return
	}
	reason := s.closeErr
	if websocket.IsCloseError(reason, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		reason = nil
	}
	r.listener().ClientDisconnected(s.id, reason)
}

func (r *Registry) session(id domain.ClientID) (*clientSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// SendToClient enqueues an already framed message for id.
func (r *Registry) SendToClient(id domain.ClientID, msg []byte) error {
	s, ok := r.session(id)
	if !ok {
		return fmt.Errorf("client %d: %w", id, ErrClientNotFound)
	}
	return s.Send(msg)
}

func (r *Registry) SendControl(id domain.ClientID, m domain.ControlMessage) error {
	s, ok := r.session(id)
	if !ok {
		return fmt.Errorf("client %d: %w", id, ErrClientNotFound)
	}
	return s.SendControl(m)
}

// Sessions lists the live sessions ordered by id.
func (r *Registry) Sessions() []domain.SessionInfo {
	r.mu.RLock()
	out := make([]domain.SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.info())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Running reports whether the listener is bound.
func (r *Registry) Running() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.srv != nil
}

// Shutdown is Stop bounded by ctx, for process exit.
func (r *Registry) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() { r.Stop(); close(done) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) observeControl(direction string, kind domain.ControlKind) {
	if r.metrics != nil {
		r.metrics.ControlObserved(direction, kind)
	}
}

type nopListener struct{}

func (nopListener) ClientConnected(domain.ClientID, string) {}
func (nopListener) ClientActivated(domain.ClientID) {}
func (nopListener) ClientDisconnected(domain.ClientID, error) {}
func (nopListener) FrameReceived(domain.ClientID, []byte, time.Time) {}
func (nopListener) ControlReceived(domain.ClientID, domain.ControlMessage) {}
func (nopListener) ProtocolError(domain.ClientID, error) {}
