package consent

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestMemoryRepo_LockKeySerializesAndReleases(t *testing.T) {
	repo := NewMemoryRepo().(*memoryRepo)
	ctx := context.Background()
	patient, doctor := uuid.New(), uuid.New()

	unlock, err := repo.LockKey(ctx, patient, &doctor, TypeMedicalRecords)
	if err != nil {
		t.Fatalf("LockKey: %v", err)
	}

	acquired := make(chan func())
	go func() {
		u, _ := repo.LockKey(ctx, patient, &doctor, TypeMedicalRecords)
		acquired <- u
	}()
	select {
	case <-acquired:
		t.Fatal("second caller acquired a held key")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	select {
	case u := <-acquired:
		u()
	case <-time.After(time.Second):
		t.Fatal("second caller never acquired the key")
	}

	for i := 0; i < 100; i++ {
		u, err := repo.LockKey(ctx, uuid.New(), nil, TypeMedicalRecords)
		if err != nil {
			t.Fatalf("LockKey: %v", err)
		}
		u()
	}

	repo.keyMu.Lock()
	n := len(repo.keys)
	repo.keyMu.Unlock()
	if n != 0 {
		t.Errorf("expected released keys to be dropped, %d remain", n)
	}
}
