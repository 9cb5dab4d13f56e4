package record

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/ehr/medaccess/internal/platform/apperr"
	"github.com/ehr/medaccess/internal/platform/db"
)

func TestMemoryStore_CreateLoad(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	f := newFragment(true)
	f.Version = 0

	if err := s.Create(ctx, f); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if f.Version != 1 {
		t.Errorf("expected version 1, got %d", f.Version)
	}
	got, err := s.Load(ctx, f.RecordID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.PatientID != f.PatientID || !got.AccessControl.IsPrivate {
		t.Errorf("unexpected fragment %+v", got)
	}

	if err := s.Create(ctx, f); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("expected ErrConflict on duplicate, got %v", err)
	}
}

func TestMemoryStore_LoadNotFound(t *testing.T) {
	_, err := NewMemoryStore().Load(context.Background(), uuid.New())
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_SaveIsCompareAndSwap(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	f := newFragment(false)
	if err := s.Create(ctx, f); err != nil {
		t.Fatal(err)
	}

	a, _ := s.Load(ctx, f.RecordID)
	b, _ := s.Load(ctx, f.RecordID)

	if _, err := GrantShare(a, uuid.New(), a.PatientID, 5, t0); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, a, 1); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if a.Version != 2 {
		t.Errorf("expected version 2, got %d", a.Version)
	}

	SetPrivacy(b, true)
	if err := s.Save(ctx, b, 1); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected ErrConflict for stale save, got %v", err)
	}

	got, _ := s.Load(ctx, f.RecordID)
	if got.AccessControl.IsPrivate || len(got.SharedWith) != 1 {
		t.Errorf("stale write leaked into store: %+v", got)
	}
}

func TestMemoryStore_ConcurrentSavesOneWins(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	f := newFragment(false)
	if err := s.Create(ctx, f); err != nil {
		t.Fatal(err)
	}

	const writers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cp, err := s.Load(ctx, f.RecordID)
			if err != nil {
				t.Error(err)
				return
			}
			if _, err := GrantShare(cp, uuid.New(), cp.PatientID, 5, t0); err != nil {
				t.Error(err)
				return
			}
			if err := s.Save(ctx, cp, 1); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("expected exactly one winning save, got %d", wins)
	}
	got, _ := s.Load(ctx, f.RecordID)
	if len(got.SharedWith) != 1 {
		t.Errorf("expected one grant, got %d", len(got.SharedWith))
	}
}

func TestMemoryStore_ListByPatient(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	patient := uuid.New()
	for i := 0; i < 3; i++ {
		f := newFragment(false)
		f.PatientID = patient
		if err := s.Create(ctx, f); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Create(ctx, newFragment(false)); err != nil {
		t.Fatal(err)
	}

	items, total, err := s.ListByPatient(ctx, patient, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 || len(items) != 2 {
		t.Errorf("total=%d len=%d", total, len(items))
	}
	items, _, _ = s.ListByPatient(ctx, patient, 2, 2)
	if len(items) != 1 {
		t.Errorf("second page len=%d", len(items))
	}
}

func TestMemoryStore_RollbackRestoresPreviousVersion(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	f := newFragment(false)
	if err := s.Create(ctx, f); err != nil {
		t.Fatal(err)
	}

	var created uuid.UUID
	err := (db.MemoryTransactor{}).InTx(ctx, func(ctx context.Context) error {
		cur, err := s.Load(ctx, f.RecordID)
		if err != nil {
			return err
		}
		SetPrivacy(cur, true)
		if err := s.Save(ctx, cur, cur.Version); err != nil {
			return err
		}
		other := newFragment(false)
		if err := s.Create(ctx, other); err != nil {
			return err
		}
		created = other.RecordID
		return errors.New("audit append failed")
	})
	if err == nil {
		t.Fatal("expected error")
	}

	got, err := s.Load(ctx, f.RecordID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != 1 || got.AccessControl.IsPrivate {
		t.Errorf("save was not undone: %+v", got)
	}
	if _, err := s.Load(ctx, created); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("create was not undone: %v", err)
	}
}
