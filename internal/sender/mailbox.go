package sender

import (
	"image"
	"sync"

	"github.com/DavidABSiepmann/image-socket-sub001/internal/domain"
)

// item is one unit of work for the send loop: a queued control reply or
// the latest frame.
type item struct {
	control *domain.ControlMessage
	frame   image.Image
}

// Mailbox hands work from producers to the single send loop. Frames use a
// single slot with overwrite policy; control replies queue in order and
// always go first.
type Mailbox struct {
	mu       sync.Mutex
	cond     *sync.Cond
	frame    image.Image
	controls []domain.ControlMessage
	drops    uint64
	closed   bool
}

func NewMailbox() *Mailbox {
	m := &Mailbox{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// SetImage replaces any unsent frame. Overwrites are counted as drops.
func (m *Mailbox) SetImage(img image.Image) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if m.frame != nil {
		m.drops++
	}
	m.frame = img
	m.cond.Signal()
}

func (m *Mailbox) PushControl(c domain.ControlMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.controls = append(m.controls, c)
	m.cond.Signal()
}

// Take blocks until work is available, the mailbox is closed or cancelled
// reports true. cancelled is evaluated under the mailbox lock; whoever
// flips it must call Wake afterwards.
func (m *Mailbox) Take(cancelled func() bool) (item, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		if m.closed || cancelled() {
			return item{}, false
		}
		if len(m.controls) > 0 {
			c := m.controls[0]
			m.controls = m.controls[1:]
			return item{control: &c}, true
		}
		if m.frame != nil {
			f := m.frame
			m.frame = nil
			return item{frame: f}, true
		}
		m.cond.Wait()
	}
}

// Wake makes blocked Take calls re-check their cancel condition.
func (m *Mailbox) Wake() {
	m.mu.Lock()
	m.cond.Broadcast()
	m.mu.Unlock()
}

// ResetControls drops control replies left from a previous connection.
func (m *Mailbox) ResetControls() {
	m.mu.Lock()
	m.controls = nil
	m.mu.Unlock()
}

func (m *Mailbox) Close() {
	m.mu.Lock()
	m.closed = true
	m.frame = nil
	m.controls = nil
	m.cond.Broadcast()
	m.mu.Unlock()
}

// Drops is the number of frames overwritten before they were sent.
func (m *Mailbox) Drops() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drops
}
