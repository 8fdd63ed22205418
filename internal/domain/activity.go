package domain

import "time"

type ClientStatus string

const (
	StatusConnecting ClientStatus = "connecting"
	StatusConnected  ClientStatus = "connected"
	StatusStreaming  ClientStatus = "streaming"
	StatusPaused     ClientStatus = "paused"
)

// ClientActivity is the per-peer record of the activity model.
type ClientActivity struct {
	ID             ClientID     `json:"id"`
	Alias          string       `json:"alias"`
	Addr           string       `json:"addr"`
	Status         ClientStatus `json:"status"`
	ConfiguredFps  int          `json:"configuredFps"`
	MeasuredFps    int          `json:"measuredFps"`
	FramesInWindow int          `json:"framesInWindow"`
	WindowStartMs  int64        `json:"windowStartMs"`
	LastFrameTsMs  int64        `json:"lastFrameTsMs"`
	FramesTotal    uint64       `json:"framesTotal"`
	ConnectedAt    time.Time    `json:"connectedAt"`
}
