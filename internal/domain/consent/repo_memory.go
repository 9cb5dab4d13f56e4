package consent

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/medaccess/internal/platform/apperr"
	"github.com/ehr/medaccess/internal/platform/db"
)

type memoryRepo struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*Consent
	seq   int64

	keyMu sync.Mutex
	keys  map[string]*keyLock
}

// keyLock is dropped from keys once no caller holds or waits on it.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewMemoryRepo returns a Repository held in process memory.
func NewMemoryRepo() Repository {
	return &memoryRepo{
		items: make(map[uuid.UUID]*Consent),
		keys:  make(map[string]*keyLock),
	}
}

func (r *memoryRepo) Create(ctx context.Context, c *Consent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if _, exists := r.items[c.ID]; exists {
		return apperr.Conflict("consent %s already exists", c.ID)
	}
	// A strictly increasing creation time keeps newest-first ordering stable
	// for rows created within the same clock tick.
	r.seq++
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.CreatedAt = c.CreatedAt.Add(time.Duration(r.seq))
	c.UpdatedAt = c.CreatedAt
	c.VersionID = 1
	r.items[c.ID] = c.clone()

	id := c.ID
	db.OnRollback(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if cur, ok := r.items[id]; ok && cur.VersionID == 1 {
			delete(r.items, id)
		}
	})
	return nil
}

func (r *memoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Consent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.items[id]
	if !ok {
		return nil, apperr.NotFound("consent %s", id)
	}
	return c.clone(), nil
}

func (r *memoryRepo) Update(ctx context.Context, c *Consent, expectedVersion int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.items[c.ID]
	if !ok {
		return apperr.NotFound("consent %s", c.ID)
	}
	if cur.VersionID != expectedVersion {
		return apperr.Conflict("consent %s is at version %d, expected %d", c.ID, cur.VersionID, expectedVersion)
	}
	c.VersionID = expectedVersion + 1
	c.CreatedAt = cur.CreatedAt
	c.UpdatedAt = time.Now().UTC()
	r.items[c.ID] = c.clone()

	prev, written := cur, c.VersionID
	db.OnRollback(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if latest, ok := r.items[prev.ID]; ok && latest.VersionID == written {
			r.items[prev.ID] = prev
		}
	})
	return nil
}

func (r *memoryRepo) filter(keep func(*Consent) bool) []*Consent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Consent
	for _, c := range r.items {
		if keep(c) {
			out = append(out, c.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (r *memoryRepo) ListByKey(_ context.Context, patientID uuid.UUID, t Type) ([]*Consent, error) {
	return r.filter(func(c *Consent) bool {
		return c.PatientID == patientID && c.Type == t
	}), nil
}

func (r *memoryRepo) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*Consent, int, error) {
	all := r.filter(func(c *Consent) bool { return c.PatientID == patientID })
	return page(all, limit, offset), len(all), nil
}

func (r *memoryRepo) ListByDoctor(_ context.Context, doctorID uuid.UUID, limit, offset int) ([]*Consent, int, error) {
	all := r.filter(func(c *Consent) bool { return c.ForDoctor(doctorID) })
	return page(all, limit, offset), len(all), nil
}

func (r *memoryRepo) LockKey(_ context.Context, patientID uuid.UUID, doctorID *uuid.UUID, t Type) (func(), error) {
	k := keyString(patientID, doctorID, t)
	r.keyMu.Lock()
	l, ok := r.keys[k]
	if !ok {
		l = &keyLock{}
		r.keys[k] = l
	}
	l.refs++
	r.keyMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.keyMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.keys, k)
		}
		r.keyMu.Unlock()
	}, nil
}

func page(items []*Consent, limit, offset int) []*Consent {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
