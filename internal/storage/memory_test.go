package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestMemory_PutGet(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	rec, err := m.Put(ctx, KindModule, ModuleKey("analytics", "1.0.0"), []byte(`{"id":"analytics"}`), 0)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if rec.Version != 1 {
		t.Errorf("expected version 1, got %d", rec.Version)
	}

	got, err := m.Get(ctx, KindModule, ModuleKey("analytics", "1.0.0"))
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if string(got.Data) != `{"id":"analytics"}` {
		t.Errorf("unexpected data: %s", got.Data)
	}
}

func TestMemory_GetMissing(t *testing.T) {
	m := NewMemory()
	_, err := m.Get(context.Background(), KindModule, "nope/1.0.0")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemory_CreateConflict(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if _, err := m.Put(ctx, KindModule, "a/1.0.0", []byte("x"), 0); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	_, err := m.Put(ctx, KindModule, "a/1.0.0", []byte("y"), 0)
	if !errors.Is(err, ErrVersionConflict) {
		t.Errorf("expected ErrVersionConflict on duplicate create, got %v", err)
	}
}

func TestMemory_CompareAndSwap(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	rec, err := m.Put(ctx, KindConfig, "ns-1", []byte("v1"), 0)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	// Matching version succeeds and bumps.
	rec2, err := m.Put(ctx, KindConfig, "ns-1", []byte("v2"), rec.Version)
	if err != nil {
		t.Fatalf("cas update failed: %v", err)
	}
	if rec2.Version != rec.Version+1 {
		t.Errorf("expected version %d, got %d", rec.Version+1, rec2.Version)
	}

	// Stale version fails.
	if _, err := m.Put(ctx, KindConfig, "ns-1", []byte("v3"), rec.Version); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("expected ErrVersionConflict on stale write, got %v", err)
	}

	// Update of a missing record reports not found.
	if _, err := m.Put(ctx, KindConfig, "ns-missing", []byte("v"), 3); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemory_Delete(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	rec, _ := m.Put(ctx, KindNamespace, NamespaceKey("acme", "/features"), []byte("{}"), 0)

	if err := m.Delete(ctx, KindNamespace, rec.ID, rec.Version+5); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("expected ErrVersionConflict on stale delete, got %v", err)
	}
	if err := m.Delete(ctx, KindNamespace, rec.ID, rec.Version); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := m.Delete(ctx, KindNamespace, rec.ID, 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMemory_ListPrefix(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	keys := []string{
		NamespaceKey("acme", "/"),
		NamespaceKey("acme", "/features"),
		NamespaceKey("acme", "/features/search"),
		NamespaceKey("globex", "/"),
	}
	for _, k := range keys {
		if _, err := m.Put(ctx, KindNamespace, k, []byte("{}"), 0); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}

	recs, err := m.List(ctx, KindNamespace, "acme/")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records for acme, got %d", len(recs))
	}
	for i := 1; i < len(recs); i++ {
		if recs[i-1].ID >= recs[i].ID {
			t.Errorf("list not ordered: %s before %s", recs[i-1].ID, recs[i].ID)
		}
	}

	all, err := m.List(ctx, KindNamespace, "")
	if err != nil {
		t.Fatalf("list all failed: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("expected 4 records, got %d", len(all))
	}
}

func TestMemory_ConcurrentCAS(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if _, err := m.Put(ctx, KindConfig, "shared", []byte("0"), 0); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	// Many writers race on the same record with version 1; exactly one wins.
	const writers = 16
	var wg sync.WaitGroup
	wins := make(chan int, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if _, err := m.Put(ctx, KindConfig, "shared", []byte(fmt.Sprintf("%d", n)), 1); err == nil {
				wins <- n
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	if count != 1 {
		t.Errorf("expected exactly 1 winning write, got %d", count)
	}

	rec, err := m.Get(ctx, KindConfig, "shared")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if rec.Version != 2 {
		t.Errorf("expected version 2 after single win, got %d", rec.Version)
	}
}

func TestPrefixEnd(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{"acme/", "acme0"},
		{"a", "b"},
		{"az", "a{"},
	}
	for _, tt := range tests {
		if got := prefixEnd(tt.prefix); got != tt.want {
			t.Errorf("prefixEnd(%q) = %q, want %q", tt.prefix, got, tt.want)
		}
	}
}
