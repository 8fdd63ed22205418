package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/DavidABSiepmann/image-socket-sub001/internal/domain"
	"github.com/DavidABSiepmann/image-socket-sub001/internal/usecase"
)

const (
	monitorQueue        = 64
	monitorWriteTimeout = 2 * time.Second
)

// MonitorHub fans domain events out to display clients over websocket and
// to in-process subscribers. Broadcast never blocks: a display client
// whose queue is full misses the event.
type MonitorHub struct {
	mu       sync.RWMutex
	clients  map[*monitorClient]struct{}
	upgrader websocket.Upgrader
	// listeners are in-process subscribers (e.g., SSE forwarders)
	lmu       sync.RWMutex
	listeners map[chan domain.Event]struct{}
}

// monitorClient is one display connection; its writer goroutine is the
// only writer on conn.
type monitorClient struct {
	conn *websocket.Conn
	out  chan []byte
	done chan struct{}
}

var _ usecase.EventSink = (*MonitorHub)(nil)

func NewMonitorHub() *MonitorHub {
	return &MonitorHub{
		clients:   make(map[*monitorClient]struct{}),
		upgrader:  websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		listeners: make(map[chan domain.Event]struct{}),
	}
}

func (h *MonitorHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	c, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	mc := &monitorClient{conn: c, out: make(chan []byte, monitorQueue), done: make(chan struct{})}
	h.mu.Lock()
	h.clients[mc] = struct{}{}
	h.mu.Unlock()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		mc.writeLoop()
	}()

	_ = c.SetReadDeadline(time.Time{})
	for {
		// keepalive reads to detect client close
		if _, _, err := c.ReadMessage(); err != nil {
			break
		}
	}
	h.mu.Lock()
	delete(h.clients, mc)
	h.mu.Unlock()
	close(mc.done)
	_ = c.Close()
	<-writerDone
}

func (mc *monitorClient) writeLoop() {
	for {
		select {
		case <-mc.done:
			return
		case data := <-mc.out:
			_ = mc.conn.SetWriteDeadline(time.Now().Add(monitorWriteTimeout))
			if err := mc.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				// the read loop sees the broken connection and cleans up
				_ = mc.conn.Close()
				return
			}
		}
	}
}

func (h *MonitorHub) Broadcast(ev domain.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	h.mu.RLock()
	for mc := range h.clients {
		select {
		case mc.out <- data:
		default: // drop if slow
		}
	}
	h.mu.RUnlock()

	h.lmu.RLock()
	for ch := range h.listeners {
		select {
		case ch <- ev:
		default: // drop if slow
		}
	}
	h.lmu.RUnlock()
}

func (h *MonitorHub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Subscribe returns a channel receiving events. Caller must Unsubscribe.
func (h *MonitorHub) Subscribe() chan domain.Event {
	ch := make(chan domain.Event, 256)
	h.lmu.Lock()
	h.listeners[ch] = struct{}{}
	h.lmu.Unlock()
	return ch
}

func (h *MonitorHub) Unsubscribe(ch chan domain.Event) {
	h.lmu.Lock()
	if _, ok := h.listeners[ch]; ok {
		delete(h.listeners, ch)
		close(ch)
	}
	h.lmu.Unlock()
}
