package record

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/medaccess/internal/platform/apperr"
	"github.com/ehr/medaccess/internal/platform/db"
)

type memoryStore struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*AccessFragment
	now   func() time.Time
}

// NewMemoryStore returns a Store that keeps fragments in process memory.
func NewMemoryStore() Store {
	return &memoryStore{
		items: make(map[uuid.UUID]*AccessFragment),
		now:   time.Now,
	}
}

func (s *memoryStore) Create(ctx context.Context, f *AccessFragment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f.RecordID == uuid.Nil {
		f.RecordID = uuid.New()
	}
	if _, exists := s.items[f.RecordID]; exists {
		return apperr.Conflict("record %s already registered", f.RecordID)
	}
	now := s.now().UTC()
	f.Version = 1
	f.CreatedAt = now
	f.UpdatedAt = now
	s.items[f.RecordID] = f.Clone()

	id := f.RecordID
	db.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if cur, ok := s.items[id]; ok && cur.Version == 1 {
			delete(s.items, id)
		}
	})
	return nil
}

func (s *memoryStore) Load(_ context.Context, recordID uuid.UUID) (*AccessFragment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.items[recordID]
	if !ok {
		return nil, apperr.NotFound("record %s", recordID)
	}
	return f.Clone(), nil
}

func (s *memoryStore) Save(ctx context.Context, f *AccessFragment, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.items[f.RecordID]
	if !ok {
		return apperr.NotFound("record %s", f.RecordID)
	}
	if cur.Version != expectedVersion {
		return apperr.Conflict("record %s is at version %d, expected %d", f.RecordID, cur.Version, expectedVersion)
	}
	f.Version = expectedVersion + 1
	f.CreatedAt = cur.CreatedAt
	f.UpdatedAt = s.now().UTC()
	s.items[f.RecordID] = f.Clone()

	prev, written := cur, f.Version
	db.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if latest, ok := s.items[prev.RecordID]; ok && latest.Version == written {
			s.items[prev.RecordID] = prev
		}
	})
	return nil
}

func (s *memoryStore) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*AccessFragment, int, error) {
	s.mu.RLock()
	var all []*AccessFragment
	for _, f := range s.items {
		if f.PatientID == patientID {
			all = append(all, f.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	return page(all, limit, offset), len(all), nil
}

func (s *memoryStore) ListExpiredGrants(_ context.Context, cutoff time.Time, limit int) ([]*AccessFragment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*AccessFragment
	for _, f := range s.items {
		for _, g := range f.SharedWith {
			if !g.ExpiryDate.After(cutoff) {
				out = append(out, f.Clone())
				break
			}
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func page(items []*AccessFragment, limit, offset int) []*AccessFragment {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
