package usecase

import (
	"context"
	"time"

	"github.com/DavidABSiepmann/image-socket-sub001/internal/domain"
)

// ClientRepository stores the client activity records.
type ClientRepository interface {
	CreateClient(ctx context.Context, c domain.ClientActivity) error
	GetClient(ctx context.Context, id domain.ClientID) (domain.ClientActivity, bool, error)
	// UpdateClient applies fn to the stored record. fn reports whether it
	// changed anything; the updated copy is returned.
	UpdateClient(ctx context.Context, id domain.ClientID, fn func(c *domain.ClientActivity) bool) (domain.ClientActivity, bool, error)
	DeleteClient(ctx context.Context, id domain.ClientID) error
	ListClients(ctx context.Context) ([]domain.ClientActivity, error)
	ClearClients(ctx context.Context) error
}

// DiagnosticLogRepository is the bounded, most-recent-first visible log.
type DiagnosticLogRepository interface {
	PushDiagnostic(ctx context.Context, e domain.DiagnosticEntry) error
	ListDiagnostics(ctx context.Context, limit, offset int) ([]domain.DiagnosticEntry, int, error)
	ClearDiagnostics(ctx context.Context) error
}

// SettingsStore is the durable key/value store surviving restarts.
type SettingsStore interface {
	GetInt(key string, def int) int
	SetInt(key string, v int) error
}

// SessionRouter is the session registry as seen by the bridge.
type SessionRouter interface {
	Start(port int) (int, error)
	Stop()
	SendControl(id domain.ClientID, m domain.ControlMessage) error
}

// SessionListener receives the registry's per-session callbacks. Calls
// may arrive from any goroutine.
type SessionListener interface {
	ClientConnected(id domain.ClientID, addr string)
	ClientActivated(id domain.ClientID)
	ClientDisconnected(id domain.ClientID, reason error)
	FrameReceived(id domain.ClientID, payload []byte, at time.Time)
	ControlReceived(id domain.ClientID, m domain.ControlMessage)
	ProtocolError(id domain.ClientID, err error)
}

// EventSink fans events out to the display layer.
type EventSink interface {
	Broadcast(ev domain.Event)
}

// MetricsRecorder receives counters from the use cases.
type MetricsRecorder interface {
	FrameObserved(result string)
	DiagnosticPosted(severity domain.Severity)
	DiagnosticDropped()
	BurstMode(on bool)
	MeasuredFps(id domain.ClientID, fps int)
	ClientRemoved(id domain.ClientID)
}

type nopSink struct{}

func (nopSink) Broadcast(domain.Event) {}

type nopMetrics struct{}

func (nopMetrics) FrameObserved(string) {}
func (nopMetrics) DiagnosticPosted(domain.Severity) {}
func (nopMetrics) DiagnosticDropped() {}
func (nopMetrics) BurstMode(bool) {}
func (nopMetrics) MeasuredFps(domain.ClientID, int) {}
func (nopMetrics) ClientRemoved(domain.ClientID) {}
