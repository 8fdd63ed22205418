package usecase_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DavidABSiepmann/image-socket-sub001/internal/adapters/storage/memory"
	"github.com/DavidABSiepmann/image-socket-sub001/internal/adapters/storage/settings"
	"github.com/DavidABSiepmann/image-socket-sub001/internal/domain"
	"github.com/DavidABSiepmann/image-socket-sub001/internal/usecase"
)

type sent struct {
	id domain.ClientID
	m  domain.ControlMessage
}

type fakeRouter struct {
	mu       sync.Mutex
	startErr error
	running  bool
	sent     []sent
	sendErr  error
}

func (r *fakeRouter) Start(port int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return 0, r.startErr
	}
	r.running = true
	return 4242, nil
}

func (r *fakeRouter) Stop() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
}

func (r *fakeRouter) SendControl(id domain.ClientID, m domain.ControlMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sendErr != nil {
		return r.sendErr
	}
	r.sent = append(r.sent, sent{id: id, m: m})
	return nil
}

func (r *fakeRouter) kinds(id domain.ClientID) []domain.ControlKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.ControlKind
	for _, s := range r.sent {
		if s.id == id {
			out = append(out, s.m.Kind)
		}
	}
	return out
}

func (r *fakeRouter) last() sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sent) == 0 {
		return sent{}
	}
	return r.sent[len(r.sent)-1]
}

func (r *fakeRouter) set(startErr, sendErr error) {
	r.mu.Lock()
	r.startErr, r.sendErr = startErr, sendErr
	r.mu.Unlock()
}

type bridgeFixture struct {
	bridge   *usecase.Bridge
	router   *fakeRouter
	agg      *usecase.Aggregator
	diagLog  *memory.DiagnosticLog
	settings *settings.Memory
	sink     *recordingSink
	mock     *clock.Mock
}

func newBridge(t *testing.T, storedFps int) *bridgeFixture {
	t.Helper()
	f := &bridgeFixture{
		router:   &fakeRouter{},
		diagLog:  memory.NewDiagnosticLog(0),
		settings: settings.NewMemory(),
		sink:     &recordingSink{},
		mock:     clock.NewMock(),
	}
	f.mock.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	if storedFps > 0 {
		require.NoError(t, f.settings.SetInt(usecase.SettingFps, storedFps))
	}
	f.agg = usecase.NewAggregator(usecase.AggregatorConfig{}, f.diagLog, f.sink, f.mock, zerolog.Nop())
	activity := usecase.NewActivityModel(memory.NewStore(), f.sink, f.mock)
	f.bridge = usecase.NewBridge(usecase.BridgeConfig{Port: 8765}, usecase.BridgeDeps{
		Router:      f.router,
		Activity:    activity,
		Diagnostics: f.agg,
		Settings:    f.settings,
		Sink:        f.sink,
		Clock:       f.mock,
		Logger:      zerolog.Nop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = f.agg.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		_ = f.bridge.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return f
}

// status flushes posted callbacks; the loop runs them in order.
func (f *bridgeFixture) status(t *testing.T) usecase.BridgeStatus {
	t.Helper()
	st, err := f.bridge.Status(context.Background())
	require.NoError(t, err)
	return st
}

func (f *bridgeFixture) connect(t *testing.T, id domain.ClientID) {
	t.Helper()
	f.bridge.ClientConnected(id, fmt.Sprintf("127.0.0.1:%d", 50000+int(id)))
	f.bridge.ClientActivated(id)
	f.status(t)
}

func (f *bridgeFixture) diagCodes(t *testing.T) []string {
	t.Helper()
	require.NoError(t, f.agg.Sync(context.Background()))
	list, _, err := f.agg.VisibleLog(context.Background(), 0, 0)
	require.NoError(t, err)
	out := make([]string, 0, len(list))
	for _, e := range list {
		out = append(out, e.Code)
	}
	return out
}

func (f *bridgeFixture) client(t *testing.T, id domain.ClientID) domain.ClientActivity {
	t.Helper()
	list, err := f.bridge.Clients(context.Background())
	require.NoError(t, err)
	for _, c := range list {
		if c.ID == id {
			return c
		}
	}
	t.Fatalf("client %d not registered", id)
	return domain.ClientActivity{}
}

func TestBridgeStartStop(t *testing.T) {
	f := newBridge(t, 0)
	ctx := context.Background()

	port, err := f.bridge.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4242, port)
	st := f.status(t)
	assert.Equal(t, usecase.StateRunning, st.State)
	assert.Equal(t, 4242, st.Port)
	bound, err := f.bridge.Port(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4242, bound)
	started := f.sink.ofType(domain.EventServerStarted)
	require.Len(t, started, 1)
	assert.Equal(t, 4242, started[0].Port)

	_, err = f.bridge.Start(ctx)
	assert.ErrorIs(t, err, usecase.ErrInvalidTransition)

	require.NoError(t, f.bridge.Stop(ctx))
	assert.Equal(t, usecase.StateIdle, f.status(t).State)
	bound, err = f.bridge.Port(ctx)
	require.NoError(t, err)
	assert.Zero(t, bound)
	assert.ErrorIs(t, f.bridge.Stop(ctx), usecase.ErrInvalidTransition)
	assert.Len(t, f.sink.ofType(domain.EventServerStopped), 1)

	var states []string
	for _, ev := range f.sink.ofType(domain.EventServerStateChanged) {
		states = append(states, ev.State)
	}
	assert.Equal(t, []string{"starting", "running", "stopping", "idle"}, states)
}

func TestBridgeStartFailureThenRetry(t *testing.T) {
	f := newBridge(t, 0)
	ctx := context.Background()
	f.router.set(errors.New("address already in use"), nil)

	_, err := f.bridge.Start(ctx)
	require.Error(t, err)
	assert.Equal(t, usecase.StateError, f.status(t).State)
	failed := f.sink.ofType(domain.EventServerStartFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, 8765, failed[0].Port)
	assert.Contains(t, failed[0].Reason, "address already in use")
	assert.Equal(t, []string{usecase.CodeServerStartFailed}, f.diagCodes(t))

	list, _, _ := f.agg.VisibleLog(ctx, 1, 0)
	assert.Equal(t, domain.SeverityCritical, list[0].Severity)
	assert.Equal(t, "8765", list[0].Metadata["port"])

	f.router.set(nil, nil)
	_, err = f.bridge.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, usecase.StateRunning, f.status(t).State)
}

func TestBridgeHandshakeCarriesStoredFps(t *testing.T) {
	f := newBridge(t, 15)
	f.connect(t, 1)

	assert.Equal(t, []domain.ControlKind{domain.ControlID, domain.ControlRequestAlias, domain.ControlSetFps}, f.router.kinds(1))
	last := f.router.last()
	assert.Equal(t, int32(15), last.m.Fps)
	assert.Equal(t, int32(1), last.m.ClientID)

	c := f.client(t, 1)
	assert.Equal(t, domain.StatusConnected, c.Status)
	assert.Equal(t, 15, c.ConfiguredFps)
	assert.Equal(t, 15, f.status(t).ConfiguredFps)
}

func TestBridgeHandshakeWithoutFps(t *testing.T) {
	f := newBridge(t, 0)
	f.connect(t, 3)
	assert.Equal(t, []domain.ControlKind{domain.ControlID, domain.ControlRequestAlias}, f.router.kinds(3))
}

func TestBridgeSetConfiguredFps(t *testing.T) {
	f := newBridge(t, 0)
	ctx := context.Background()

	require.NoError(t, f.bridge.SetConfiguredFps(ctx, 20))
	assert.Len(t, f.sink.ofType(domain.EventFpsFailedNoClient), 1)
	assert.Equal(t, 20, f.settings.GetInt(usecase.SettingFps, 0), "persisted even without a client")

	f.connect(t, 1)
	require.NoError(t, f.bridge.SetActiveClient(ctx, 1))
	require.NoError(t, f.bridge.SetConfiguredFps(ctx, 25))
	applied := f.sink.ofType(domain.EventFpsApplied)
	require.Len(t, applied, 1)
	assert.Equal(t, 25, applied[0].Fps)
	assert.Equal(t, domain.ControlSetFps, f.router.last().m.Kind)
	assert.Equal(t, int32(25), f.router.last().m.Fps)
	assert.Equal(t, 25, f.client(t, 1).ConfiguredFps)

	f.router.set(nil, errors.New("queue full"))
	require.NoError(t, f.bridge.SetConfiguredFps(ctx, 30))
	sendErrs := f.sink.ofType(domain.EventFpsSendError)
	require.Len(t, sendErrs, 1)
	assert.Equal(t, 30, sendErrs[0].Fps)

	assert.Error(t, f.bridge.SetConfiguredFps(ctx, -1))
}

func TestBridgeActiveDisconnectClearsSelectionOnce(t *testing.T) {
	f := newBridge(t, 0)
	ctx := context.Background()
	f.connect(t, 1)
	f.connect(t, 2)
	require.NoError(t, f.bridge.SetActiveClient(ctx, 1))
	f.sink.reset()

	f.bridge.ClientDisconnected(1, errors.New("read: connection reset"))
	st := f.status(t)
	assert.Equal(t, domain.NoClient, st.ActiveClient)
	changes := f.sink.ofType(domain.EventActiveClientChanged)
	require.Len(t, changes, 1)
	assert.Equal(t, domain.NoClient, changes[0].ClientID)
	assert.Len(t, f.sink.ofType(domain.EventClientDisconnected), 1)

	f.bridge.ClientDisconnected(1, nil)
	f.status(t)
	assert.Len(t, f.sink.ofType(domain.EventActiveClientChanged), 1)
	assert.Len(t, f.sink.ofType(domain.EventClientDisconnected), 1)

	list, err := f.bridge.Clients(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, domain.ClientID(2), list[0].ID)
}

func TestBridgeFrames(t *testing.T) {
	f := newBridge(t, 0)
	ctx := context.Background()
	f.connect(t, 1)
	require.NoError(t, f.bridge.SetActiveClient(ctx, 1))

	payload := jpegFrame(t)
	f.bridge.FrameReceived(1, payload, f.mock.Now())
	f.status(t)
	received := f.sink.ofType(domain.EventFrameReceived)
	require.Len(t, received, 1)
	assert.Equal(t, len(payload), received[0].Size)

	frame, ok, err := f.bridge.LatestFrame(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "jpeg", frame.Format)
	assert.Equal(t, 16, frame.Width)
	assert.Equal(t, 8, frame.Height)
	assert.Equal(t, domain.StatusStreaming, f.client(t, 1).Status)

	f.bridge.FrameReceived(1, []byte("not an image"), time.Time{})
	f.status(t)
	assert.Len(t, f.sink.ofType(domain.EventFrameDropped), 1)
	assert.Contains(t, f.diagCodes(t), usecase.CodeFrameDecodeFailed)
	assert.Equal(t, uint64(2), f.client(t, 1).FramesTotal)

	frame, ok, _ = f.bridge.LatestFrame(ctx)
	require.True(t, ok, "a dropped frame keeps the last good one")
	assert.Equal(t, payload, frame.Data)
}

func TestBridgeFramesFromInactiveClientAreNotDisplayed(t *testing.T) {
	f := newBridge(t, 0)
	f.connect(t, 1)
	f.bridge.FrameReceived(1, jpegFrame(t), time.Time{})
	f.status(t)
	_, ok, err := f.bridge.LatestFrame(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, f.sink.ofType(domain.EventFrameReceived), 1)
}

func TestBridgeAliasEvents(t *testing.T) {
	f := newBridge(t, 0)
	ctx := context.Background()
	f.connect(t, 1)
	require.NoError(t, f.bridge.SetActiveClient(ctx, 1))
	f.sink.reset()

	f.bridge.ControlReceived(1, domain.ControlMessage{Kind: domain.ControlAlias, Alias: "front-door"})
	assert.Equal(t, "front-door", f.status(t).ActiveAlias)
	withAlias := f.sink.ofType(domain.EventClientConnectedWithAlias)
	require.Len(t, withAlias, 1)
	assert.Equal(t, "front-door", withAlias[0].Alias)
	active := f.sink.ofType(domain.EventActiveClientChanged)
	require.Len(t, active, 1)
	assert.Equal(t, "front-door", active[0].Alias)

	// same alias again is not a change
	f.bridge.ControlReceived(1, domain.ControlMessage{Kind: domain.ControlAlias, Alias: "front-door"})
	f.status(t)
	assert.Len(t, f.sink.ofType(domain.EventClientConnectedWithAlias), 1)

	f.bridge.ClientDisconnected(1, nil)
	f.status(t)
	gone := f.sink.ofType(domain.EventClientDisconnectedWithAlias)
	require.Len(t, gone, 1)
	assert.Equal(t, "front-door", gone[0].Alias)
}

func TestBridgeControlFromPeer(t *testing.T) {
	f := newBridge(t, 0)
	f.connect(t, 1)

	f.bridge.ControlReceived(1, domain.ControlMessage{Kind: domain.ControlRequestResume})
	f.status(t)
	assert.Equal(t, domain.ControlResume, f.router.last().m.Kind)

	f.bridge.ControlReceived(1, domain.ControlMessage{Kind: domain.ControlPause})
	f.status(t)
	assert.Equal(t, domain.StatusPaused, f.client(t, 1).Status)

	f.bridge.ControlReceived(1, domain.ControlMessage{Kind: domain.ControlSubscribe})
	f.status(t)
	assert.Equal(t, domain.StatusStreaming, f.client(t, 1).Status)

	f.bridge.ControlReceived(1, domain.ControlMessage{Kind: domain.ControlKind(42)})
	f.status(t)
	assert.Len(t, f.sink.ofType(domain.EventUnknownError), 1)
	assert.Contains(t, f.diagCodes(t), usecase.CodeUnknownControl)
}

func TestBridgeProtocolErrors(t *testing.T) {
	f := newBridge(t, 0)
	f.connect(t, 1)

	f.bridge.ProtocolError(1, fmt.Errorf("control: %w", domain.ErrMalformedControl))
	f.bridge.ProtocolError(1, errors.New("unknown tag 0x7f"))
	codes := f.diagCodes(t)
	assert.ElementsMatch(t, []string{usecase.CodeControlDecodeFailed, usecase.CodeProtocolError}, codes)

	list, _, _ := f.agg.VisibleLog(context.Background(), 0, 0)
	for _, e := range list {
		assert.Equal(t, "client:1", e.Source)
	}
	assert.Equal(t, domain.StatusConnected, f.client(t, 1).Status, "session survives")
}

func TestBridgeConnectionStates(t *testing.T) {
	f := newBridge(t, 0)
	assert.Equal(t, usecase.ConnNoClients, f.status(t).Connection)

	f.connect(t, 1)
	assert.Equal(t, usecase.ConnClientsConnected, f.status(t).Connection)

	f.bridge.FrameReceived(1, jpegFrame(t), time.Time{})
	assert.Equal(t, usecase.ConnReceivingFrames, f.status(t).Connection)

	f.bridge.ClientDisconnected(1, nil)
	assert.Equal(t, usecase.ConnNoClients, f.status(t).Connection)

	f.connect(t, 2)
	assert.Equal(t, usecase.ConnClientsConnected, f.status(t).Connection)

	var states []string
	for _, ev := range f.sink.ofType(domain.EventConnectionStateChanged) {
		states = append(states, ev.State)
	}
	assert.Equal(t, []string{"clients_connected", "receiving_frames", "no_clients", "clients_connected"}, states)
}

func TestBridgeCommandsNeedTarget(t *testing.T) {
	f := newBridge(t, 0)
	ctx := context.Background()
	assert.ErrorIs(t, f.bridge.SetActiveClient(ctx, 99), usecase.ErrClientNotFound)
	assert.ErrorIs(t, f.bridge.PauseActive(ctx), usecase.ErrNoActiveClient)
	assert.ErrorIs(t, f.bridge.SetQuality(ctx, 50), usecase.ErrNoActiveClient)

	f.connect(t, 1)
	require.NoError(t, f.bridge.SetActiveClient(ctx, 1))
	require.NoError(t, f.bridge.SetQuality(ctx, 50))
	last := f.router.last()
	assert.Equal(t, domain.ControlSetQuality, last.m.Kind)
	assert.Equal(t, int32(50), last.m.Quality)
	assert.Equal(t, f.mock.Now().UnixMilli(), last.m.TimestampMs)

	require.NoError(t, f.bridge.PauseActive(ctx))
	assert.Equal(t, domain.ControlPause, f.router.last().m.Kind)
	require.NoError(t, f.bridge.ResumeActive(ctx))
	assert.Equal(t, domain.ControlResume, f.router.last().m.Kind)

	require.NoError(t, f.bridge.SetActiveClient(ctx, domain.NoClient))
	assert.Equal(t, domain.NoClient, f.status(t).ActiveClient)
}

func TestBridgeReset(t *testing.T) {
	f := newBridge(t, 0)
	ctx := context.Background()
	_, err := f.bridge.Start(ctx)
	require.NoError(t, err)
	f.connect(t, 1)
	require.NoError(t, f.bridge.SetActiveClient(ctx, 1))
	f.bridge.ProtocolError(1, errors.New("bad bytes"))
	require.NotEmpty(t, f.diagCodes(t))

	require.NoError(t, f.bridge.Reset(ctx))
	st := f.status(t)
	assert.Equal(t, usecase.StateIdle, st.State)
	assert.Equal(t, domain.NoClient, st.ActiveClient)
	assert.Equal(t, usecase.ConnNoClients, st.Connection)
	list, err := f.bridge.Clients(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Empty(t, f.diagCodes(t))
}

func TestBridgeSweepZeroesMeasuredFps(t *testing.T) {
	f := newBridge(t, 0)
	f.connect(t, 1)
	t0 := f.mock.Now()
	frame := jpegFrame(t)
	for i := 0; i <= 10; i++ {
		f.bridge.FrameReceived(1, frame, t0.Add(time.Duration(i*100)*time.Millisecond))
	}
	f.status(t)
	require.Equal(t, 11, f.client(t, 1).MeasuredFps)

	assert.Eventually(t, func() bool {
		f.mock.Add(time.Second)
		return f.client(t, 1).MeasuredFps == 0
	}, 2*time.Second, 10*time.Millisecond)
}
