package domain

import "errors"

// ErrMalformedControl matches control messages whose bytes could not be
// parsed.
var ErrMalformedControl = errors.New("malformed control message")

// ControlKind is the command carried by a ControlMessage.
type ControlKind int32

const (
	ControlUnknown ControlKind = iota
	ControlPause
	ControlResume
	ControlID
	ControlRequestResume
	ControlSetFps
	ControlSetQuality
	ControlSubscribe
	ControlUnsubscribe
	ControlRequestAlias
	ControlAlias
)

var controlKindNames = [...]string{
	"unknown", "pause", "resume", "id", "request_resume", "set_fps",
	"set_quality", "subscribe", "unsubscribe", "request_alias", "alias",
}

func (k ControlKind) String() string {
	if k < 0 || int(k) >= len(controlKindNames) {
		return "unknown"
	}
	return controlKindNames[k]
}

// Valid reports whether k is one of the known kinds.
func (k ControlKind) Valid() bool {
	return k >= ControlUnknown && k <= ControlAlias
}

// ControlMessage negotiates behavior between peers. A zero field is
// indistinguishable from an absent one.
type ControlMessage struct {
	Kind        ControlKind `json:"type"`
	ClientID    int32       `json:"clientId,omitempty"`
	Fps         int32       `json:"fps,omitempty"`
	Quality     int32       `json:"quality,omitempty"`
	Alias       string      `json:"alias,omitempty"`
	Reason      string      `json:"reason,omitempty"`
	TimestampMs int64       `json:"timestampMs,omitempty"`
}
