package domain

import "time"

// ClientID identifies a connected peer. IDs are allocated by the session
// registry starting at 1; NoClient means "none".
type ClientID int32

const NoClient ClientID = 0

type SessionState string

const (
	SessionConnecting   SessionState = "connecting"
	SessionActive       SessionState = "active"
	SessionDisconnected SessionState = "disconnected"
)

// SessionInfo is a read-only view of a registry session.
type SessionInfo struct {
	ID          ClientID     `json:"id"`
	Addr        string       `json:"addr"`
	State       SessionState `json:"state"`
	ConnectedAt time.Time    `json:"connectedAt"`
}
