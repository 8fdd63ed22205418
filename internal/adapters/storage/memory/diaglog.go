package memory

import (
	"context"
	"sync"

	"github.com/DavidABSiepmann/image-socket-sub001/internal/domain"
	"github.com/DavidABSiepmann/image-socket-sub001/internal/usecase"
)

const DefaultDiagnosticCapacity = 500

// DiagnosticLog is the visible diagnostics log: a ring of the most recent
// entries, evicting the oldest when full.
type DiagnosticLog struct {
	mu       sync.RWMutex
	entries  []domain.DiagnosticEntry
	head     int // index of the next write
	size     int
	capacity int
}

func NewDiagnosticLog(capacity int) *DiagnosticLog {
	if capacity <= 0 {
		capacity = DefaultDiagnosticCapacity
	}
	return &DiagnosticLog{entries: make([]domain.DiagnosticEntry, capacity), capacity: capacity}
}

var _ usecase.DiagnosticLogRepository = (*DiagnosticLog)(nil)

func (l *DiagnosticLog) PushDiagnostic(ctx context.Context, e domain.DiagnosticEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[l.head] = e
	l.head = (l.head + 1) % l.capacity
	if l.size < l.capacity {
		l.size++
	}
	return nil
}

// ListDiagnostics pages through the log most recent first. A non-positive
// limit returns everything after offset.
func (l *DiagnosticLog) ListDiagnostics(ctx context.Context, limit, offset int) ([]domain.DiagnosticEntry, int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := l.size
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	out := make([]domain.DiagnosticEntry, 0, end-offset)
	for i := offset; i < end; i++ {
		idx := (l.head - 1 - i + 2*l.capacity) % l.capacity
		out = append(out, l.entries[idx])
	}
	return out, total, nil
}

func (l *DiagnosticLog) ClearDiagnostics(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make([]domain.DiagnosticEntry, l.capacity)
	l.head = 0
	l.size = 0
	return nil
}
