package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/DavidABSiepmann/image-socket-sub001/internal/domain"
	"github.com/DavidABSiepmann/image-socket-sub001/internal/usecase"
)

// Store keeps the client activity records.
type Store struct {
	mu sync.RWMutex
	// insertion order of client ids
	order []domain.ClientID
	items map[domain.ClientID]*domain.ClientActivity
}

func NewStore() *Store {
	return &Store{
		order: make([]domain.ClientID, 0, 16),
		items: make(map[domain.ClientID]*domain.ClientActivity, 16),
	}
}

var _ usecase.ClientRepository = (*Store)(nil)

// ClientRepository
func (s *Store) CreateClient(ctx context.Context, c domain.ClientActivity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[c.ID]; ok {
		return fmt.Errorf("client %d already registered", c.ID)
	}
	s.items[c.ID] = &c
	s.order = append(s.order, c.ID)
	return nil
}

func (s *Store) GetClient(ctx context.Context, id domain.ClientID) (domain.ClientActivity, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.items[id]; ok {
		return *c, true, nil
	}
	return domain.ClientActivity{}, false, nil
}

func (s *Store) UpdateClient(ctx context.Context, id domain.ClientID, fn func(c *domain.ClientActivity) bool) (domain.ClientActivity, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.items[id]
	if !ok {
		return domain.ClientActivity{}, false, nil
	}
	// work on a copy so a refused update leaves the record untouched
	next := *c
	if fn(&next) {
		*c = next
	}
	return *c, true, nil
}

func (s *Store) DeleteClient(ctx context.Context, id domain.ClientID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; ok {
		delete(s.items, id)
		for i, cid := range s.order {
			if cid == id {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
	return nil
}

func (s *Store) ListClients(ctx context.Context) ([]domain.ClientActivity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ClientActivity, 0, len(s.order))
	for _, id := range s.order { // preserve insertion order
		if c := s.items[id]; c != nil {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (s *Store) ClearClients(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[domain.ClientID]*domain.ClientActivity, len(s.items))
	s.order = s.order[:0]
	return nil
}
