package sessions

import (
	"context"
	"sync"

	"github.com/stratumlabs/stratum/pkg/models"
)

// MemoryStore keeps session records in process memory. Used when no store
// path is configured, and by tests.
type MemoryStore struct {
	mu          sync.RWMutex
	records     map[string]*models.SessionRecord
	invocations map[string][]*models.ToolInvocation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:     make(map[string]*models.SessionRecord),
		invocations: make(map[string][]*models.ToolInvocation),
	}
}

func (s *MemoryStore) Put(ctx context.Context, userID string, rec *models.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	cp.Session = append([]byte(nil), rec.Session...)
	s.records[userID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, userID string) (*models.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	cp.Session = append([]byte(nil), rec.Session...)
	return &cp, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.records))
	for id := range s.records {
		out = append(out, id)
	}
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, userID)
	return nil
}

func (s *MemoryStore) AppendInvocation(ctx context.Context, inv *models.ToolInvocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *inv
	s.invocations[inv.UserID] = append(s.invocations[inv.UserID], &cp)
	return nil
}

func (s *MemoryStore) ListInvocations(ctx context.Context, userID string, limit int) ([]*models.ToolInvocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.invocations[userID]
	out := make([]*models.ToolInvocation, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		cp := *all[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
