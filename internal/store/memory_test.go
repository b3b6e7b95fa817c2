package store

import (
	"context"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
)

func TestMemory(t *testing.T) {
	m := NewMemory(time.Hour)
	defer m.Close()
	testStore(t, m)
}

func TestMemoryMetadataExpires(t *testing.T) {
	defer leaktest.Check(t)()

	m := NewMemory(20 * time.Millisecond)
	defer m.Close()
	ctx := context.Background()

	rec := MetadataRecord{ReleaseID: 1, Provider: "tags", CheckedAt: time.Now()}
	if err := m.PutMetadata(ctx, rec); err != nil {
		t.Fatalf("PutMetadata: %v", err)
	}
	if _, ok, _ := m.LastChecked(ctx, 1, "tags"); !ok {
		t.Fatalf("record missing before expiry")
	}

	time.Sleep(50 * time.Millisecond)

	if _, ok, _ := m.LastChecked(ctx, 1, "tags"); ok {
		t.Fatalf("record still present after expiry")
	}
	got, err := m.Metadata(ctx, 1)
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("Metadata = %+v, want none", got)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.providers[1]; ok {
		t.Fatalf("provider index not pruned")
	}
}
