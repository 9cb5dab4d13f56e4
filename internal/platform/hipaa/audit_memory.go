package hipaa

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/ehr/medaccess/internal/platform/db"
)

// MemoryAuditLog keeps audit entries in process memory. Setting ShouldFail
// makes Append return FailError, which tests use to simulate an unavailable
// audit store.
type MemoryAuditLog struct {
	mu         sync.RWMutex
	entries    []*AuditEntry
	ShouldFail bool
	FailError  string
}

func NewMemoryAuditLog() *MemoryAuditLog {
	return &MemoryAuditLog{}
}

func (m *MemoryAuditLog) SetFailing(fail bool) {
	m.mu.Lock()
	m.ShouldFail = fail
	m.mu.Unlock()
}

func (m *MemoryAuditLog) Append(ctx context.Context, e *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ShouldFail {
		msg := m.FailError
		if msg == "" {
			msg = "audit store unavailable"
		}
		return errors.New(msg)
	}
	prepare(ctx, e)
	cp := *e
	m.entries = append(m.entries, &cp)

	id := cp.ID
	db.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, x := range m.entries {
			if x.ID == id {
				m.entries = append(m.entries[:i], m.entries[i+1:]...)
				return
			}
		}
	})
	return nil
}

func (m *MemoryAuditLog) ListByEntity(_ context.Context, entityType string, entityID uuid.UUID) ([]*AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*AuditEntry
	for _, e := range m.entries {
		if e.EntityType == entityType && e.EntityID == entityID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *MemoryAuditLog) ListByUser(_ context.Context, userID uuid.UUID, limit, offset int) ([]*AuditEntry, int, error) {
	m.mu.RLock()
	var all []*AuditEntry
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].UserID == userID {
			cp := *m.entries[i]
			all = append(all, &cp)
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(all, func(i, j int) bool { return all[i].Timestamp.After(all[j].Timestamp) })
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, total, nil
}

// Len returns the number of stored entries.
func (m *MemoryAuditLog) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Entries returns a copy of every stored entry in append order.
func (m *MemoryAuditLog) Entries() []AuditEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]AuditEntry, len(m.entries))
	for i, e := range m.entries {
		out[i] = *e
	}
	return out
}
