package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/DavidABSiepmann/image-socket-sub001/internal/domain"
)

// SettingFps is the durable key holding the configured frame rate.
const SettingFps = "fps"

type ServerState string

const (
	StateIdle     ServerState = "idle"
	StateStarting ServerState = "starting"
	StateRunning  ServerState = "running"
	StateStopping ServerState = "stopping"
	StateError    ServerState = "error"
)

// ConnectionState is observational only; it never drives ServerState.
type ConnectionState string

const (
	ConnNoClients        ConnectionState = "no_clients"
	ConnClientsConnected ConnectionState = "clients_connected"
	ConnReceivingFrames  ConnectionState = "receiving_frames"
)

// Diagnostic codes posted by the bridge.
const (
	CodeServerStartFailed   = "SERVER_START_FAILED"
	CodeFrameDecodeFailed   = "FRAME_DECODE_FAILED"
	CodeProtocolError       = "PROTOCOL_ERROR"
	CodeControlDecodeFailed = "CONTROL_DECODE_FAILED"
	CodeControlSendFailed   = "CONTROL_SEND_FAILED"
	CodeSettingsWriteFailed = "SETTINGS_WRITE_FAILED"
	CodeUnknownControl      = "UNKNOWN_CONTROL"
)

type BridgeConfig struct {
	Port          int
	SweepInterval time.Duration
	QueueSize     int
}

// BridgeStatus is a snapshot of the bridge's loop-owned state.
type BridgeStatus struct {
	State         ServerState     `json:"state"`
	Connection    ConnectionState `json:"connection"`
	Port          int             `json:"port"`
	ActiveClient  domain.ClientID `json:"activeClient"`
	ActiveAlias   string          `json:"activeAlias"`
	ConfiguredFps int             `json:"configuredFps"`
	Quality       int             `json:"quality"`
}

// Bridge is the server-side state machine. Every state change happens on
// the Run loop: registry callbacks and commands are posted onto it through
// a bounded channel, so the active-client reference, the activity model
// and the connection sub-state have a single mutator.
type Bridge struct {
	cfg      BridgeConfig
	router   SessionRouter
	activity *ActivityModel
	diags    *Aggregator
	settings SettingsStore
	sink     EventSink
	metrics  MetricsRecorder
	clock    clock.Clock
	logger   zerolog.Logger

	ops  chan func()
	done chan struct{}

	// Owned by Run.
	state         ServerState
	conn          ConnectionState
	port          int
	active        domain.ClientID
	configuredFps int
	quality       int
	latest        *domain.Frame
	sessions      map[domain.ClientID]string
	framesSeen    bool
}

type BridgeDeps struct {
	Router      SessionRouter
	Activity    *ActivityModel
	Diagnostics *Aggregator
	Settings    SettingsStore
	Sink        EventSink
	Metrics     MetricsRecorder
	Clock       clock.Clock
	Logger      zerolog.Logger
}

func NewBridge(cfg BridgeConfig, deps BridgeDeps) *Bridge {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if deps.Sink == nil {
		deps.Sink = nopSink{}
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	b := &Bridge{
		cfg:      cfg,
		router:   deps.Router,
		activity: deps.Activity,
		diags:    deps.Diagnostics,
		settings: deps.Settings,
		sink:     deps.Sink,
		metrics:  deps.Metrics,
		clock:    deps.Clock,
		logger:   deps.Logger.With().Str("component", "bridge").Logger(),
		ops:      make(chan func(), cfg.QueueSize),
		done:     make(chan struct{}),
		state:    StateIdle,
		conn:     ConnNoClients,
		sessions: make(map[domain.ClientID]string),
	}
	if b.settings != nil {
		b.configuredFps = b.settings.GetInt(SettingFps, 0)
	}
	return b
}

// SetRouter attaches the session registry. Must be called before Run.
func (b *Bridge) SetRouter(r SessionRouter) { b.router = r }

// Run processes posted work until ctx is done. A running server is stopped
// on the way out.
func (b *Bridge) Run(ctx context.Context) error {
	defer close(b.done)
	ticker := b.clock.Ticker(b.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if b.state == StateRunning {
				b.stop()
			}
			return ctx.Err()
		case op := <-b.ops:
			op()
		case now := <-ticker.C:
			if err := b.activity.Sweep(context.Background(), now); err != nil {
				b.logger.Error().Err(err).Msg("activity sweep")
			}
		}
	}
}

func (b *Bridge) post(fn func()) {
	select {
	case b.ops <- fn:
	case <-b.done:
	}
}

func (b *Bridge) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case b.ops <- func() { fn(); close(finished) }:
	case <-b.done:
		return ErrBridgeStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-b.done:
		return ErrBridgeStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ---- commands ----

// Start binds the stream server. Allowed from Idle and Error; a failed
// attempt leaves the bridge in Error until the next Start.
func (b *Bridge) Start(ctx context.Context) (int, error) {
	var (
		port int
		err  error
	)
	if derr := b.do(ctx, func() { port, err = b.start() }); derr != nil {
		return 0, derr
	}
	return port, err
}

func (b *Bridge) start() (int, error) {
	if b.state != StateIdle && b.state != StateError {
		return 0, fmt.Errorf("start from %s: %w", b.state, ErrInvalidTransition)
	}
	b.setState(StateStarting)
	port, err := b.router.Start(b.cfg.Port)
	if err != nil {
		b.setState(StateError)
		b.logger.Error().Err(err).Int("port", b.cfg.Port).Msg("server start failed")
		b.emit(domain.Event{Type: domain.EventServerStartFailed, Port: b.cfg.Port, Reason: err.Error()})
		b.postDiagnostic(CodeServerStartFailed, err.Error(), domain.SeverityCritical, "server", map[string]string{
			"port":   strconv.Itoa(b.cfg.Port),
			"reason": err.Error(),
		})
		return 0, err
	}
	b.port = port
	b.setState(StateRunning)
	b.logger.Info().Int("port", port).Msg("server started")
	b.emit(domain.Event{Type: domain.EventServerStarted, Port: port})
	return port, nil
}

func (b *Bridge) Stop(ctx context.Context) error {
	var err error
	if derr := b.do(ctx, func() {
		if b.state != StateRunning {
			err = fmt.Errorf("stop from %s: %w", b.state, ErrInvalidTransition)
			return
		}
		b.stop()
	}); derr != nil {
		return derr
	}
	return err
}

func (b *Bridge) stop() {
	b.setState(StateStopping)
	b.router.Stop()
	b.port = 0
	b.setState(StateIdle)
	b.logger.Info().Msg("server stopped")
	b.emit(domain.Event{Type: domain.EventServerStopped})
}

// Reset stops a running server and clears clients, the active selection
// and the diagnostics state.
func (b *Bridge) Reset(ctx context.Context) error {
	if err := b.do(ctx, func() {
		if b.state == StateRunning {
			b.stop()
		}
		if b.state == StateError {
			b.setState(StateIdle)
		}
		if err := b.activity.Clear(context.Background()); err != nil {
			b.logger.Error().Err(err).Msg("clear activity")
		}
		b.setActive(domain.NoClient)
		b.latest = nil
		b.sessions = make(map[domain.ClientID]string)
		b.framesSeen = false
		b.updateConnState()
	}); err != nil {
		return err
	}
	if b.diags != nil {
		return b.diags.Reset(ctx)
	}
	return nil
}

// SetConfiguredFps persists fps and pushes it to the active client. The
// outcome for the client is reported through events; only a persistence
// failure is returned.
func (b *Bridge) SetConfiguredFps(ctx context.Context, fps int) error {
	if fps < 0 {
		return fmt.Errorf("fps must not be negative, got %d", fps)
	}
	var err error
	if derr := b.do(ctx, func() {
		b.configuredFps = fps
		if b.settings != nil {
			if err = b.settings.SetInt(SettingFps, fps); err != nil {
				b.logger.Error().Err(err).Int("fps", fps).Msg("persist fps")
				b.postDiagnostic(CodeSettingsWriteFailed, err.Error(), domain.SeverityError, "settings", map[string]string{"key": SettingFps})
				err = fmt.Errorf("persist fps: %w", err)
			}
		}
		if b.active == domain.NoClient {
			b.emit(domain.Event{Type: domain.EventFpsFailedNoClient, Fps: fps})
			return
		}
		b.pushFps(b.active, fps)
	}); derr != nil {
		return derr
	}
	return err
}

func (b *Bridge) pushFps(id domain.ClientID, fps int) {
	if _, err := b.activity.SetClientConfiguredFps(context.Background(), id, fps); err != nil {
		b.logger.Error().Err(err).Msg("update configured fps")
	}
	if err := b.router.SendControl(id, domain.ControlMessage{Kind: domain.ControlSetFps, ClientID: int32(id), Fps: int32(fps)}); err != nil {
		b.logger.Warn().Err(err).Int32("client", int32(id)).Int("fps", fps).Msg("send fps")
		b.emit(domain.Event{Type: domain.EventFpsSendError, ClientID: id, Fps: fps, Reason: err.Error()})
		return
	}
	b.emit(domain.Event{Type: domain.EventFpsApplied, ClientID: id, Fps: fps})
}

// SetActiveClient selects the viewed client; NoClient clears the selection.
func (b *Bridge) SetActiveClient(ctx context.Context, id domain.ClientID) error {
	var err error
	if derr := b.do(ctx, func() {
		if id != domain.NoClient {
			if _, ok := b.sessions[id]; !ok {
				err = fmt.Errorf("client %d: %w", id, ErrClientNotFound)
				return
			}
		}
		b.setActive(id)
	}); derr != nil {
		return derr
	}
	return err
}

func (b *Bridge) SetQuality(ctx context.Context, quality int) error {
	var err error
	if derr := b.do(ctx, func() {
		b.quality = quality
		err = b.sendActive(domain.ControlMessage{Kind: domain.ControlSetQuality, Quality: int32(quality)})
	}); derr != nil {
		return derr
	}
	return err
}

func (b *Bridge) PauseActive(ctx context.Context) error {
	return b.sendActiveCommand(ctx, domain.ControlMessage{Kind: domain.ControlPause})
}

func (b *Bridge) ResumeActive(ctx context.Context) error {
	return b.sendActiveCommand(ctx, domain.ControlMessage{Kind: domain.ControlResume})
}

func (b *Bridge) sendActiveCommand(ctx context.Context, m domain.ControlMessage) error {
	var err error
	if derr := b.do(ctx, func() { err = b.sendActive(m) }); derr != nil {
		return derr
	}
	return err
}

func (b *Bridge) sendActive(m domain.ControlMessage) error {
	if b.active == domain.NoClient {
		return ErrNoActiveClient
	}
	m.ClientID = int32(b.active)
	m.TimestampMs = b.clock.Now().UnixMilli()
	return b.router.SendControl(b.active, m)
}

// ---- queries ----

func (b *Bridge) Status(ctx context.Context) (BridgeStatus, error) {
	var st BridgeStatus
	err := b.do(ctx, func() {
		st = BridgeStatus{
			State:         b.state,
			Connection:    b.conn,
			Port:          b.port,
			ActiveClient:  b.active,
			ConfiguredFps: b.configuredFps,
			Quality:       b.quality,
		}
		if c, ok, _ := b.activity.Get(context.Background(), b.active); ok {
			st.ActiveAlias = c.Alias
		}
	})
	return st, err
}

func (b *Bridge) State(ctx context.Context) (ServerState, error) {
	st, err := b.Status(ctx)
	return st.State, err
}

func (b *Bridge) ActiveClient(ctx context.Context) (domain.ClientID, error) {
	st, err := b.Status(ctx)
	return st.ActiveClient, err
}

// Port is the bound stream port, 0 unless running.
func (b *Bridge) Port(ctx context.Context) (int, error) {
	st, err := b.Status(ctx)
	return st.Port, err
}

func (b *Bridge) Clients(ctx context.Context) ([]domain.ClientActivity, error) {
	return b.activity.List(ctx)
}

// LatestFrame returns the most recent frame of the active client.
func (b *Bridge) LatestFrame(ctx context.Context) (domain.Frame, bool, error) {
	var (
		f  domain.Frame
		ok bool
	)
	err := b.do(ctx, func() {
		if b.latest != nil {
			f, ok = *b.latest, true
		}
	})
	return f, ok, err
}

// ---- SessionListener ----

func (b *Bridge) ClientConnected(id domain.ClientID, addr string) {
	b.post(func() { b.onConnected(id, addr) })
}

func (b *Bridge) ClientActivated(id domain.ClientID) {
	b.post(func() { b.onActivated(id) })
}

func (b *Bridge) ClientDisconnected(id domain.ClientID, reason error) {
	b.post(func() { b.onDisconnected(id, reason) })
}

func (b *Bridge) FrameReceived(id domain.ClientID, payload []byte, at time.Time) {
	b.post(func() { b.onFrame(id, payload, at) })
}

func (b *Bridge) ControlReceived(id domain.ClientID, m domain.ControlMessage) {
	b.post(func() { b.onControl(id, m) })
}

func (b *Bridge) ProtocolError(id domain.ClientID, err error) {
	b.logger.Warn().Err(err).Int32("client", int32(id)).Msg("protocol error, message discarded")
	code := CodeProtocolError
	if errors.Is(err, domain.ErrMalformedControl) {
		code = CodeControlDecodeFailed
	}
	b.postDiagnostic(code, err.Error(), domain.SeverityWarning, clientSource(id), nil)
}

func (b *Bridge) onConnected(id domain.ClientID, addr string) {
	b.sessions[id] = addr
	if err := b.activity.Register(context.Background(), id, addr); err != nil {
		b.logger.Error().Err(err).Int32("client", int32(id)).Msg("register client")
	}
	b.logger.Info().Int32("client", int32(id)).Str("addr", addr).Msg("client connected")
	b.emit(domain.Event{Type: domain.EventClientConnected, ClientID: id, Addr: addr})
	b.updateConnState()
}

// onActivated runs the handshake: announce the id, ask for an alias and
// push the configured rate so a reconnecting peer gets it back.
func (b *Bridge) onActivated(id domain.ClientID) {
	if _, ok := b.sessions[id]; !ok {
		return
	}
	ctx := context.Background()
	if _, err := b.activity.SetClientStatus(ctx, id, domain.StatusConnected); err != nil {
		b.logger.Error().Err(err).Msg("update status")
	}
	now := b.clock.Now().UnixMilli()
	handshake := []domain.ControlMessage{
		{Kind: domain.ControlID, ClientID: int32(id), TimestampMs: now},
		{Kind: domain.ControlRequestAlias, ClientID: int32(id), TimestampMs: now},
	}
	if b.configuredFps > 0 {
		handshake = append(handshake, domain.ControlMessage{Kind: domain.ControlSetFps, ClientID: int32(id), Fps: int32(b.configuredFps), TimestampMs: now})
		if _, err := b.activity.SetClientConfiguredFps(ctx, id, b.configuredFps); err != nil {
			b.logger.Error().Err(err).Msg("update configured fps")
		}
	}
	for _, m := range handshake {
		if err := b.router.SendControl(id, m); err != nil {
			b.logger.Warn().Err(err).Int32("client", int32(id)).Str("kind", m.Kind.String()).Msg("handshake send failed")
			b.postDiagnostic(CodeControlSendFailed, err.Error(), domain.SeverityWarning, clientSource(id), map[string]string{"kind": m.Kind.String()})
			return
		}
	}
}

func (b *Bridge) onDisconnected(id domain.ClientID, reason error) {
	if _, ok := b.sessions[id]; !ok {
		b.logger.Debug().Int32("client", int32(id)).Msg("disconnect for unknown client")
		return
	}
	delete(b.sessions, id)
	ctx := context.Background()
	c, _, _ := b.activity.Get(ctx, id)
	if err := b.activity.Remove(ctx, id); err != nil {
		b.logger.Error().Err(err).Int32("client", int32(id)).Msg("remove client")
	}
	ev := b.logger.Info().Int32("client", int32(id))
	if reason != nil {
		ev = ev.Str("reason", reason.Error())
	}
	ev.Msg("client disconnected")
	b.emit(domain.Event{Type: domain.EventClientDisconnected, ClientID: id})
	if c.Alias != "" {
		b.emit(domain.Event{Type: domain.EventClientDisconnectedWithAlias, ClientID: id, Alias: c.Alias})
	}
	if b.active == id {
		b.setActive(domain.NoClient)
	}
	b.updateConnState()
}

func (b *Bridge) onFrame(id domain.ClientID, payload []byte, at time.Time) {
	if _, ok := b.sessions[id]; !ok {
		return
	}
	ctx := context.Background()
	if _, err := b.activity.RecordFrameReceived(ctx, id, at); err != nil {
		b.logger.Error().Err(err).Msg("record frame")
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(payload))
	if err != nil {
		b.metrics.FrameObserved("dropped")
		b.emit(domain.Event{Type: domain.EventFrameDropped, ClientID: id, Size: len(payload), Reason: err.Error()})
		b.postDiagnostic(CodeFrameDecodeFailed, err.Error(), domain.SeverityWarning, clientSource(id), map[string]string{
			"size": strconv.Itoa(len(payload)),
		})
		return
	}
	b.metrics.FrameObserved("accepted")
	if _, err := b.activity.SetClientStatus(ctx, id, domain.StatusStreaming); err != nil {
		b.logger.Error().Err(err).Msg("update status")
	}
	if id == b.active {
		if at.IsZero() {
			at = b.clock.Now()
		}
		b.latest = &domain.Frame{ClientID: id, ReceivedAt: at.UTC(), Format: format, Width: cfg.Width, Height: cfg.Height, Data: payload}
	}
	b.emit(domain.Event{Type: domain.EventFrameReceived, ClientID: id, Size: len(payload)})
	if !b.framesSeen {
		b.framesSeen = true
		b.updateConnState()
	}
}

func (b *Bridge) onControl(id domain.ClientID, m domain.ControlMessage) {
	if _, ok := b.sessions[id]; !ok {
		return
	}
	ctx := context.Background()
	switch m.Kind {
	case domain.ControlAlias:
		changed, err := b.activity.SetClientAlias(ctx, id, m.Alias)
		if err != nil {
			b.logger.Error().Err(err).Msg("update alias")
			return
		}
		if !changed {
			return
		}
		b.logger.Info().Int32("client", int32(id)).Str("alias", m.Alias).Msg("client alias")
		b.emit(domain.Event{Type: domain.EventClientConnectedWithAlias, ClientID: id, Alias: m.Alias})
		if id == b.active {
			b.emit(domain.Event{Type: domain.EventActiveClientChanged, ClientID: id, Alias: m.Alias})
		}
	case domain.ControlRequestResume:
		if err := b.router.SendControl(id, domain.ControlMessage{Kind: domain.ControlResume, ClientID: int32(id)}); err != nil {
			b.logger.Warn().Err(err).Int32("client", int32(id)).Msg("send resume")
		}
	case domain.ControlPause, domain.ControlUnsubscribe:
		_, _ = b.activity.SetClientStatus(ctx, id, domain.StatusPaused)
	case domain.ControlResume, domain.ControlSubscribe:
		_, _ = b.activity.SetClientStatus(ctx, id, domain.StatusStreaming)
	case domain.ControlID, domain.ControlSetFps, domain.ControlSetQuality, domain.ControlRequestAlias:
		b.logger.Debug().Int32("client", int32(id)).Str("kind", m.Kind.String()).Msg("control ignored")
	default:
		reason := fmt.Sprintf("unhandled control kind %d", int32(m.Kind))
		b.logger.Warn().Int32("client", int32(id)).Msg(reason)
		b.emit(domain.Event{Type: domain.EventUnknownError, ClientID: id, Reason: reason})
		b.postDiagnostic(CodeUnknownControl, reason, domain.SeverityInfo, clientSource(id), nil)
	}
}

// ---- helpers ----

func (b *Bridge) setState(s ServerState) {
	if b.state == s {
		return
	}
	b.state = s
	b.emit(domain.Event{Type: domain.EventServerStateChanged, State: string(s)})
}

// setActive emits one change event per actual change.
func (b *Bridge) setActive(id domain.ClientID) {
	if b.active == id {
		return
	}
	b.active = id
	b.latest = nil
	alias := ""
	if c, ok, _ := b.activity.Get(context.Background(), id); ok {
		alias = c.Alias
	}
	b.logger.Info().Int32("client", int32(id)).Msg("active client changed")
	b.emit(domain.Event{Type: domain.EventActiveClientChanged, ClientID: id, Alias: alias})
}

func (b *Bridge) updateConnState() {
	next := ConnNoClients
	switch {
	case len(b.sessions) == 0:
		b.framesSeen = false
	case b.framesSeen:
		next = ConnReceivingFrames
	default:
		next = ConnClientsConnected
	}
	if next == b.conn {
		return
	}
	b.conn = next
	b.emit(domain.Event{Type: domain.EventConnectionStateChanged, State: string(next)})
}

func (b *Bridge) emit(ev domain.Event) {
	if ev.Ts.IsZero() {
		ev.Ts = b.clock.Now().UTC()
	}
	b.sink.Broadcast(ev)
}

func (b *Bridge) postDiagnostic(code, message string, severity domain.Severity, source string, md map[string]string) {
	if b.diags == nil {
		return
	}
	b.diags.PostError(code, message, severity, source, md)
}

func clientSource(id domain.ClientID) string {
	return "client:" + strconv.Itoa(int(id))
}
