// Package sender implements the sending peer: it connects to the stream
// server, answers its control messages and pushes the latest frame.
package sender

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/DavidABSiepmann/image-socket-sub001/internal/adapters/codec"
	"github.com/DavidABSiepmann/image-socket-sub001/internal/domain"
)

var (
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected")
	ErrClosed           = errors.New("peer closed")
)

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "disconnected"
}

type Config struct {
	URL              string
	Alias            string
	Legacy           bool
	Quality          int
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// Legacy framing only
	ChunkSize  int
	PhaseDelay time.Duration
}

// link is one established connection. It dies exactly once.
type link struct {
	conn *websocket.Conn
	done chan struct{}
	once sync.Once
	err  error
}

// Peer is the sending side of a stream. The send loop is the only writer
// on the transport; the read loop handles server commands.
type Peer struct {
	cfg     Config
	encoder Encoder
	mailbox *Mailbox
	logger  zerolog.Logger

	state   atomic.Int32
	id      atomic.Int32
	fps     atomic.Int32
	quality atomic.Int32
	paused  atomic.Bool

	mu    sync.Mutex
	link  *link
	onFps func(int)
	wg    sync.WaitGroup
}

func NewPeer(cfg Config, enc Encoder, logger zerolog.Logger) *Peer {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 3 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if enc == nil {
		enc = JPEGEncoder{}
	}
	p := &Peer{
		cfg:     cfg,
		encoder: enc,
		mailbox: NewMailbox(),
		logger:  logger.With().Str("component", "peer").Logger(),
	}
	p.quality.Store(int32(cfg.Quality))
	return p
}

func (p *Peer) URL() string { return p.cfg.URL }

func (p *Peer) State() State { return State(p.state.Load()) }

// ClientID is the id announced by the server, 0 before the handshake.
func (p *Peer) ClientID() domain.ClientID { return domain.ClientID(p.id.Load()) }

// Fps is the rate last requested by the server, 0 if none.
func (p *Peer) Fps() int { return int(p.fps.Load()) }

func (p *Peer) Quality() int { return int(p.quality.Load()) }

func (p *Peer) SetQuality(q int) { p.quality.Store(int32(q)) }

func (p *Peer) Paused() bool { return p.paused.Load() }

func (p *Peer) Drops() uint64 { return p.mailbox.Drops() }

// OnFps registers the pacing callback invoked on SetFps from the server.
func (p *Peer) OnFps(fn func(int)) {
	p.mu.Lock()
	p.onFps = fn
	p.mu.Unlock()
}

// SetImage stores img as the next frame to send, replacing an unsent one.
// It works in any state; the frame goes out once connected.
func (p *Peer) SetImage(img image.Image) { p.mailbox.SetImage(img) }

// Connect dials the server. The handshake is bounded by
// Config.HandshakeTimeout.
func (p *Peer) Connect(ctx context.Context) error {
	if !p.state.CompareAndSwap(int32(Disconnected), int32(Connecting)) {
		return ErrAlreadyConnected
	}
	dialer := websocket.Dialer{HandshakeTimeout: p.cfg.HandshakeTimeout}
	dctx, cancel := context.WithTimeout(ctx, p.cfg.HandshakeTimeout)
	defer cancel()
	conn, resp, err := dialer.DialContext(dctx, p.cfg.URL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		p.state.Store(int32(Disconnected))
		return fmt.Errorf("dial %s: %w", p.cfg.URL, err)
	}

	l := &link{conn: conn, done: make(chan struct{})}
	p.mailbox.ResetControls()
	p.id.Store(0)
	p.paused.Store(false)
	p.mu.Lock()
	p.link = l
	p.mu.Unlock()
	p.state.Store(int32(Connected))
	p.logger.Debug().Str("url", p.cfg.URL).Msg("connected")

	p.wg.Add(2)
	go p.sendLoop(l)
	go p.readLoop(l)
	return nil
}

// Done is closed when the current connection ends. Without a connection
// it returns a closed channel.
func (p *Peer) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.link == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return p.link.done
}

// Err reports why the last connection ended.
func (p *Peer) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.link == nil {
		return ErrNotConnected
	}
	select {
	case <-p.link.done:
		return p.link.err
	default:
		return nil
	}
}

// Close ends the current connection and waits for its loops.
func (p *Peer) Close() error {
	p.mu.Lock()
	l := p.link
	p.mu.Unlock()
	if l == nil {
		return nil
	}
	_ = l.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	p.disconnect(l, ErrClosed)
	p.wg.Wait()
	return nil
}

func (p *Peer) disconnect(l *link, err error) {
	l.once.Do(func() {
		l.err = err
		close(l.done)
		_ = l.conn.Close()
		p.mu.Lock()
		if p.link == l {
			p.state.Store(int32(Disconnected))
		}
		p.mu.Unlock()
		p.mailbox.Wake()
		if !errors.Is(err, ErrClosed) {
			p.logger.Warn().Err(err).Msg("disconnected")
		}
	})
}

func (p *Peer) sendLoop(l *link) {
	defer p.wg.Done()
	cancelled := func() bool {
		select {
		case <-l.done:
			return true
		default:
			return false
		}
	}
	for {
		it, ok := p.mailbox.Take(cancelled)
		if !ok {
			return
		}
		var err error
		if it.control != nil {
			err = p.write(l, codec.EncodeControlEnvelope(*it.control))
		} else {
			err = p.sendFrame(l, it.frame)
		}
		if err != nil {
			p.disconnect(l, err)
			return
		}
	}
}

func (p *Peer) sendFrame(l *link, img image.Image) error {
	if p.paused.Load() {
		return nil
	}
	data, err := p.encoder.Encode(img, p.Quality())
	if err != nil {
		// a bad frame is not a transport failure
		p.logger.Warn().Err(err).Msg("encode frame")
		return nil
	}
	if p.cfg.Legacy {
		sw := codec.SentinelWriter{ChunkSize: p.cfg.ChunkSize, PhaseDelay: p.cfg.PhaseDelay}
		return sw.WriteFrame(chunkWriterFunc(func(b []byte) error { return p.write(l, b) }), data)
	}
	return p.write(l, codec.EncodeFrame(data))
}

func (p *Peer) write(l *link, msg []byte) error {
	_ = l.conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteTimeout))
	return l.conn.WriteMessage(websocket.BinaryMessage, msg)
}

func (p *Peer) readLoop(l *link) {
	defer p.wg.Done()
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			p.disconnect(l, err)
			return
		}
		env, err := codec.DecodeEnvelope(data)
		if err != nil {
			p.logger.Warn().Err(err).Msg("discarding inbound message")
			continue
		}
		if env.IsControl() {
			p.handleControl(env.Control)
		}
	}
}

func (p *Peer) handleControl(m domain.ControlMessage) {
	switch m.Kind {
	case domain.ControlID:
		p.id.Store(m.ClientID)
		p.logger.Info().Int32("client", m.ClientID).Msg("assigned id")
	case domain.ControlRequestAlias:
		p.mailbox.PushControl(domain.ControlMessage{Kind: domain.ControlAlias, ClientID: p.id.Load(), Alias: p.cfg.Alias})
	case domain.ControlSetFps:
		p.fps.Store(m.Fps)
		p.mu.Lock()
		fn := p.onFps
		p.mu.Unlock()
		if fn != nil {
			fn(int(m.Fps))
		}
	case domain.ControlSetQuality:
		p.quality.Store(m.Quality)
	case domain.ControlPause:
		p.paused.Store(true)
	case domain.ControlResume:
		p.paused.Store(false)
	default:
		p.logger.Debug().Str("kind", m.Kind.String()).Msg("control ignored")
	}
}

type chunkWriterFunc func([]byte) error

func (f chunkWriterFunc) WriteChunk(b []byte) error { return f(b) }
