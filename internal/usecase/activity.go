package usecase

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/DavidABSiepmann/image-socket-sub001/internal/domain"
)

const (
	// fpsWindow is the measurement window; one measurement per client per
	// window.
	fpsWindow = 1000 * time.Millisecond
	// DefaultStaleAfter is how long a client may stay silent before its
	// measured rate drops to zero.
	DefaultStaleAfter = 2 * time.Second
)

// Client change scopes carried in EventClientChanged.Field.
const (
	FieldRegistered    = "registered"
	FieldAlias         = "alias"
	FieldStatus        = "status"
	FieldConfiguredFps = "configured_fps"
	FieldMeasuredFps   = "measured_fps"
)

// ActivityModel tracks per-client alias, status and frame rates. It is
// owned by the bridge loop; the repository takes care of concurrent
// readers.
type ActivityModel struct {
	clients    ClientRepository
	sink       EventSink
	metrics    MetricsRecorder
	clock      clock.Clock
	staleAfter time.Duration
	version    atomic.Uint64
}

func NewActivityModel(clients ClientRepository, sink EventSink, clk clock.Clock) *ActivityModel {
	if sink == nil {
		sink = nopSink{}
	}
	if clk == nil {
		clk = clock.New()
	}
	return &ActivityModel{clients: clients, sink: sink, metrics: nopMetrics{}, clock: clk, staleAfter: DefaultStaleAfter}
}

func (m *ActivityModel) WithMetrics(r MetricsRecorder) *ActivityModel {
	if r != nil {
		m.metrics = r
	}
	return m
}

func (m *ActivityModel) WithStaleAfter(d time.Duration) *ActivityModel {
	if d > 0 {
		m.staleAfter = d
	}
	return m
}

// Version increases on every change to any record.
func (m *ActivityModel) Version() uint64 { return m.version.Load() }

func (m *ActivityModel) Register(ctx context.Context, id domain.ClientID, addr string) error {
	c := domain.ClientActivity{ID: id, Addr: addr, Status: domain.StatusConnecting, ConnectedAt: m.clock.Now().UTC()}
	if err := m.clients.CreateClient(ctx, c); err != nil {
		return err
	}
	m.changed(c, FieldRegistered)
	return nil
}

func (m *ActivityModel) Remove(ctx context.Context, id domain.ClientID) error {
	if err := m.clients.DeleteClient(ctx, id); err != nil {
		return err
	}
	m.metrics.ClientRemoved(id)
	m.version.Add(1)
	return nil
}

func (m *ActivityModel) Clear(ctx context.Context) error {
	list, err := m.clients.ListClients(ctx)
	if err != nil {
		return err
	}
	if err := m.clients.ClearClients(ctx); err != nil {
		return err
	}
	for _, c := range list {
		m.metrics.ClientRemoved(c.ID)
	}
	m.version.Add(1)
	return nil
}

func (m *ActivityModel) Get(ctx context.Context, id domain.ClientID) (domain.ClientActivity, bool, error) {
	return m.clients.GetClient(ctx, id)
}

func (m *ActivityModel) List(ctx context.Context) ([]domain.ClientActivity, error) {
	return m.clients.ListClients(ctx)
}

// RecordFrameReceived counts one frame for id at ts (the clock's now when
// ts is zero). Once the window spans at least one second the measured
// rate is recomputed, the window restarts and a change event is emitted.
// It reports whether a new measurement was produced.
func (m *ActivityModel) RecordFrameReceived(ctx context.Context, id domain.ClientID, ts time.Time) (bool, error) {
	if ts.IsZero() {
		ts = m.clock.Now()
	}
	tsMs := ts.UnixMilli()
	measured := false
	c, ok, err := m.clients.UpdateClient(ctx, id, func(c *domain.ClientActivity) bool {
		if c.WindowStartMs == 0 {
			c.WindowStartMs = tsMs
		}
		c.FramesInWindow++
		c.FramesTotal++
		c.LastFrameTsMs = tsMs
		elapsed := tsMs - c.WindowStartMs
		if elapsed >= fpsWindow.Milliseconds() {
			c.MeasuredFps = int(math.Round(float64(c.FramesInWindow) * 1000 / float64(elapsed)))
			c.FramesInWindow = 0
			c.WindowStartMs = tsMs
			measured = true
		}
		return true
	})
	if err != nil || !ok {
		return false, err
	}
	if measured {
		m.metrics.MeasuredFps(id, c.MeasuredFps)
		m.changed(c, FieldMeasuredFps)
	} else {
		m.version.Add(1)
	}
	return measured, nil
}

// Sweep zeroes the measured rate of clients that have not sent a frame
// for staleAfter.
func (m *ActivityModel) Sweep(ctx context.Context, now time.Time) error {
	list, err := m.clients.ListClients(ctx)
	if err != nil {
		return err
	}
	nowMs := now.UnixMilli()
	for _, c := range list {
		if c.LastFrameTsMs == 0 || nowMs-c.LastFrameTsMs < m.staleAfter.Milliseconds() {
			continue
		}
		zeroed := false
		updated, ok, err := m.clients.UpdateClient(ctx, c.ID, func(c *domain.ClientActivity) bool {
			if c.MeasuredFps == 0 && c.FramesInWindow == 0 {
				return false
			}
			zeroed = c.MeasuredFps != 0
			c.MeasuredFps = 0
			c.FramesInWindow = 0
			c.WindowStartMs = 0
			return true
		})
		if err != nil {
			return err
		}
		if ok && zeroed {
			m.metrics.MeasuredFps(c.ID, 0)
			m.changed(updated, FieldMeasuredFps)
		}
	}
	return nil
}

func (m *ActivityModel) SetClientConfiguredFps(ctx context.Context, id domain.ClientID, fps int) (bool, error) {
	return m.set(ctx, id, FieldConfiguredFps, func(c *domain.ClientActivity) bool {
		if c.ConfiguredFps == fps {
			return false
		}
		c.ConfiguredFps = fps
		return true
	})
}

func (m *ActivityModel) SetClientAlias(ctx context.Context, id domain.ClientID, alias string) (bool, error) {
	return m.set(ctx, id, FieldAlias, func(c *domain.ClientActivity) bool {
		if c.Alias == alias {
			return false
		}
		c.Alias = alias
		return true
	})
}

func (m *ActivityModel) SetClientStatus(ctx context.Context, id domain.ClientID, status domain.ClientStatus) (bool, error) {
	return m.set(ctx, id, FieldStatus, func(c *domain.ClientActivity) bool {
		if c.Status == status {
			return false
		}
		c.Status = status
		return true
	})
}

func (m *ActivityModel) set(ctx context.Context, id domain.ClientID, field string, fn func(c *domain.ClientActivity) bool) (bool, error) {
	changed := false
	c, ok, err := m.clients.UpdateClient(ctx, id, func(c *domain.ClientActivity) bool {
		changed = fn(c)
		return changed
	})
	if err != nil || !ok || !changed {
		return false, err
	}
	m.changed(c, field)
	return true, nil
}

func (m *ActivityModel) changed(c domain.ClientActivity, field string) {
	m.version.Add(1)
	m.sink.Broadcast(domain.Event{
		Type:     domain.EventClientChanged,
		Ts:       m.clock.Now().UTC(),
		ClientID: c.ID,
		Alias:    c.Alias,
		Fps:      fpsForField(c, field),
		State:    string(c.Status),
		Field:    field,
	})
}

func fpsForField(c domain.ClientActivity, field string) int {
	switch field {
	case FieldConfiguredFps:
		return c.ConfiguredFps
	case FieldMeasuredFps:
		return c.MeasuredFps
	}
	return 0
}
