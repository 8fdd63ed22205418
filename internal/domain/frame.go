package domain

import "time"

// Frame is an opaque compressed image received from a peer.
type Frame struct {
	ClientID   ClientID  `json:"clientId"`
	ReceivedAt time.Time `json:"receivedAt"`
	Format     string    `json:"format"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	Data       []byte    `json:"-"`
}
