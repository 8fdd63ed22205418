package codec

import (
	"bytes"
	"fmt"
	"io"
	"time"
)

// Legacy stream framing: a frame is the bytes between StartSentinel and
// EndSentinel. There is no length field and no escaping; a payload that
// contains either sentinel corrupts the framing. New senders use the
// tagged framing instead.
var (
	StartSentinel = []byte("datastart")
	EndSentinel   = []byte("dataend")
)

const (
	DefaultChunkSize     = 2048
	DefaultMaxFrameBytes = 16 * 1024 * 1024
)

// ChunkWriter receives the pieces of a sentinel-framed frame. Each call is
// one transport write.
type ChunkWriter interface {
	WriteChunk(p []byte) error
}

// SentinelWriter emits frames with the legacy framing.
type SentinelWriter struct {
	ChunkSize int
	// PhaseDelay is slept between the start sentinel, the payload and the
	// end sentinel. Zero disables it.
	PhaseDelay time.Duration
	Sleep      func(time.Duration)
}

func (sw SentinelWriter) WriteFrame(w ChunkWriter, payload []byte) error {
	chunk := sw.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	if err := w.WriteChunk(StartSentinel); err != nil {
		return fmt.Errorf("write start sentinel: %w", err)
	}
	sw.pause()
	for off := 0; off < len(payload); off += chunk {
		end := off + chunk
		if end > len(payload) {
			end = len(payload)
		}
		if err := w.WriteChunk(payload[off:end]); err != nil {
			return fmt.Errorf("write chunk at %d: %w", off, err)
		}
	}
	sw.pause()
	if err := w.WriteChunk(EndSentinel); err != nil {
		return fmt.Errorf("write end sentinel: %w", err)
	}
	return nil
}

func (sw SentinelWriter) pause() {
	if sw.PhaseDelay <= 0 {
		return
	}
	if sw.Sleep != nil {
		sw.Sleep(sw.PhaseDelay)
		return
	}
	time.Sleep(sw.PhaseDelay)
}

// StreamChunkWriter adapts an io.Writer.
type StreamChunkWriter struct{ W io.Writer }

func (s StreamChunkWriter) WriteChunk(p []byte) error {
	_, err := s.W.Write(p)
	return err
}

// ErrFrameTooLarge is returned by Feed when an open frame grows past the
// decoder's limit. The partial frame is discarded.
type ErrFrameTooLarge struct{ Limit int }

func (e *ErrFrameTooLarge) Error() string {
	return fmt.Sprintf("sentinel frame exceeds %d bytes", e.Limit)
}

// SentinelDecoder reassembles legacy frames from arbitrarily chunked
// input. Not safe for concurrent use.
type SentinelDecoder struct {
	MaxFrameBytes int

	buf    []byte
	inside bool
	// bytes of an open frame already searched for both sentinels
	scanned int
}

// InFrame reports whether a start sentinel has been seen without its end.
func (d *SentinelDecoder) InFrame() bool { return d.inside }

// Reset drops any partial state.
func (d *SentinelDecoder) Reset() {
	d.buf = d.buf[:0]
	d.inside = false
	d.scanned = 0
}

// Feed appends p and returns every frame completed by it.
func (d *SentinelDecoder) Feed(p []byte) ([][]byte, error) {
	d.buf = append(d.buf, p...)
	var frames [][]byte
	for {
		if !d.inside {
			i := bytes.Index(d.buf, StartSentinel)
			if i < 0 {
				d.keepTail(len(StartSentinel) - 1)
				return frames, nil
			}
			d.buf = d.buf[i+len(StartSentinel):]
			d.inside = true
			d.scanned = 0
		}

		// Only the unsearched tail can hold a sentinel, plus a partial one
		// straddling the previous boundary.
		from := d.scanned - (len(StartSentinel) - 1)
		if from < 0 {
			from = 0
		}
		end := indexFrom(d.buf, EndSentinel, from)
		restart := indexFrom(d.buf, StartSentinel, from)
		if restart >= 0 && (end < 0 || restart < end) {
			// A new start sentinel resets the accumulation buffer.
			d.buf = d.buf[restart+len(StartSentinel):]
			d.scanned = 0
			continue
		}
		if end < 0 {
			d.scanned = len(d.buf)
			if limit := d.limit(); len(d.buf) > limit {
				d.Reset()
				return frames, &ErrFrameTooLarge{Limit: limit}
			}
			return frames, nil
		}
		frame := make([]byte, end)
		copy(frame, d.buf[:end])
		frames = append(frames, frame)
		d.buf = d.buf[end+len(EndSentinel):]
		d.inside = false
		d.scanned = 0
	}
}

func indexFrom(b, sep []byte, from int) int {
	i := bytes.Index(b[from:], sep)
	if i < 0 {
		return -1
	}
	return from + i
}

func (d *SentinelDecoder) keepTail(n int) {
	if len(d.buf) <= n {
		return
	}
	d.buf = append(d.buf[:0], d.buf[len(d.buf)-n:]...)
}

func (d *SentinelDecoder) limit() int {
	if d.MaxFrameBytes > 0 {
		return d.MaxFrameBytes
	}
	return DefaultMaxFrameBytes
}
