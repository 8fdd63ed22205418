package domain

import "time"

type EventType string

const (
	EventServerStarted               EventType = "server_started"
	EventServerStopped               EventType = "server_stopped"
	EventServerStartFailed           EventType = "server_start_failed"
	EventServerStateChanged          EventType = "server_state_changed"
	EventClientConnected             EventType = "client_connected"
	EventClientDisconnected          EventType = "client_disconnected"
	EventClientConnectedWithAlias    EventType = "client_connected_with_alias"
	EventClientDisconnectedWithAlias EventType = "client_disconnected_with_alias"
	EventActiveClientChanged         EventType = "active_client_changed"
	EventClientChanged               EventType = "client_changed"
	EventConnectionStateChanged      EventType = "connection_state_changed"
	EventFpsApplied                  EventType = "fps_applied"
	EventFpsFailedNoClient           EventType = "fps_failed_no_client"
	EventFpsSendError                EventType = "fps_send_error"
	EventFrameReceived               EventType = "frame_received"
	EventFrameDropped                EventType = "frame_dropped"
	EventUnknownError                EventType = "unknown_error"
	EventDiagnostic                  EventType = "diagnostic"
)

// Event is what the display layer observes. Only the fields relevant to
// Type are set.
type Event struct {
	Type       EventType        `json:"type"`
	Ts         time.Time        `json:"ts"`
	ClientID   ClientID         `json:"clientId,omitempty"`
	Addr       string           `json:"addr,omitempty"`
	Alias      string           `json:"alias,omitempty"`
	Port       int              `json:"port,omitempty"`
	Fps        int              `json:"fps,omitempty"`
	Size       int              `json:"size,omitempty"`
	Reason     string           `json:"reason,omitempty"`
	Field      string           `json:"field,omitempty"`
	State      string           `json:"state,omitempty"`
	Diagnostic *DiagnosticEntry `json:"diagnostic,omitempty"`
}
