// Package codec implements the wire formats exchanged between the sending
// peer and the server: the control message codec, the tagged frame
// envelope and the legacy sentinel stream framing.
package codec

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/DavidABSiepmann/image-socket-sub001/internal/domain"
)

// Field numbers of the control message. They follow the proto3 layout
// used by protobuf peers, so either side may use generated code.
const (
	fieldType        protowire.Number = 1
	fieldClientID    protowire.Number = 2
	fieldFps         protowire.Number = 3
	fieldQuality     protowire.Number = 4
	fieldAlias       protowire.Number = 5
	fieldReason      protowire.Number = 6
	fieldTimestampMs protowire.Number = 7
)

// DecodeError reports control bytes that could not be parsed. The
// message must be treated as absent.
type DecodeError struct {
	Offset int
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode control message at offset %d: %v", e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == domain.ErrMalformedControl }

// EncodeControl encodes m in proto3 wire format. Zero fields are omitted.
func EncodeControl(m domain.ControlMessage) []byte {
	b := make([]byte, 0, 16+len(m.Alias)+len(m.Reason))
	b = appendVarintField(b, fieldType, uint64(int64(m.Kind)))
	b = appendVarintField(b, fieldClientID, uint64(int64(m.ClientID)))
	b = appendVarintField(b, fieldFps, uint64(int64(m.Fps)))
	b = appendVarintField(b, fieldQuality, uint64(int64(m.Quality)))
	b = appendStringField(b, fieldAlias, m.Alias)
	b = appendStringField(b, fieldReason, m.Reason)
	b = appendVarintField(b, fieldTimestampMs, uint64(m.TimestampMs))
	return b
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// DecodeControl parses a control message. Unknown fields are skipped and
// missing fields keep their zero value; only structurally malformed input
// fails, with a *DecodeError.
func DecodeControl(b []byte) (domain.ControlMessage, error) {
	var m domain.ControlMessage
	offset := 0
	for offset < len(b) {
		num, typ, n := protowire.ConsumeTag(b[offset:])
		if n < 0 {
			return domain.ControlMessage{}, &DecodeError{Offset: offset, Err: protowire.ParseError(n)}
		}
		offset += n

		switch {
		case typ == protowire.VarintType && isVarintField(num):
			v, n := protowire.ConsumeVarint(b[offset:])
			if n < 0 {
				return domain.ControlMessage{}, &DecodeError{Offset: offset, Err: protowire.ParseError(n)}
			}
			offset += n
			setVarintField(&m, num, v)
		case typ == protowire.BytesType && (num == fieldAlias || num == fieldReason):
			s, n := protowire.ConsumeString(b[offset:])
			if n < 0 {
				return domain.ControlMessage{}, &DecodeError{Offset: offset, Err: protowire.ParseError(n)}
			}
			offset += n
			if num == fieldAlias {
				m.Alias = s
			} else {
				m.Reason = s
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b[offset:])
			if n < 0 {
				return domain.ControlMessage{}, &DecodeError{Offset: offset, Err: protowire.ParseError(n)}
			}
			offset += n
		}
	}
	return m, nil
}

func isVarintField(num protowire.Number) bool {
	switch num {
	case fieldType, fieldClientID, fieldFps, fieldQuality, fieldTimestampMs:
		return true
	}
	return false
}

func setVarintField(m *domain.ControlMessage, num protowire.Number, v uint64) {
	switch num {
	case fieldType:
		m.Kind = domain.ControlKind(int32(v))
	case fieldClientID:
		m.ClientID = int32(v)
	case fieldFps:
		m.Fps = int32(v)
	case fieldQuality:
		m.Quality = int32(v)
	case fieldTimestampMs:
		m.TimestampMs = int64(v)
	}
}
