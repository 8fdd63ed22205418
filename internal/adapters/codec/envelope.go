package codec

import (
	"errors"
	"fmt"

	"github.com/DavidABSiepmann/image-socket-sub001/internal/domain"
)

// Tags of the tagged message framing. The transport delivers whole
// messages, so the tag is the only framing needed.
const (
	TagFrame   byte = 0x00
	TagControl byte = 0x01
)

var ErrUnknownTag = errors.New("unknown envelope tag")

// Envelope is one decoded transport message.
type Envelope struct {
	Tag     byte
	Payload []byte
	Control domain.ControlMessage
}

func (e Envelope) IsFrame() bool { return e.Tag == TagFrame }

func (e Envelope) IsControl() bool { return e.Tag == TagControl }

// EncodeFrame wraps compressed image bytes in a frame envelope.
func EncodeFrame(payload []byte) []byte {
	out := make([]byte, 1+len(payload))
	out[0] = TagFrame
	copy(out[1:], payload)
	return out
}

// EncodeControlEnvelope encodes m and wraps it in a control envelope.
func EncodeControlEnvelope(m domain.ControlMessage) []byte {
	body := EncodeControl(m)
	out := make([]byte, 1+len(body))
	out[0] = TagControl
	copy(out[1:], body)
	return out
}

// DecodeEnvelope splits a transport message into tag and payload. Control
// payloads are decoded; a malformed control body yields a *DecodeError and
// an unknown or missing tag yields ErrUnknownTag.
func DecodeEnvelope(msg []byte) (Envelope, error) {
	if len(msg) == 0 {
		return Envelope{}, fmt.Errorf("empty message: %w", ErrUnknownTag)
	}
	env := Envelope{Tag: msg[0], Payload: msg[1:]}
	switch env.Tag {
	case TagFrame:
		return env, nil
	case TagControl:
		m, err := DecodeControl(env.Payload)
		if err != nil {
			return Envelope{}, err
		}
		env.Control = m
		return env, nil
	default:
		return Envelope{}, fmt.Errorf("tag 0x%02x: %w", env.Tag, ErrUnknownTag)
	}
}
