package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestInMemoryStore_RememberSearchForget(t *testing.T) {
	ctx := context.Background()
	svc := NewInMemoryStore()

	facts := []string{
		"Paris is the capital of France",
		"Berlin is the capital of Germany",
		"The Seine flows through Paris",
		"Unrelated note",
	}
	for _, f := range facts {
		if _, err := svc.Remember(ctx, "geo", f, map[string]string{"source": "test"}); err != nil {
			t.Fatalf("remember failed: %v", err)
		}
	}

	// empty query returns everything in insertion order
	all, err := svc.Search(ctx, "geo", "", 0)
	if err != nil {
		t.Fatalf("search all failed: %v", err)
	}
	if len(all) != 4 || all[0].Content != facts[0] || all[3].Content != facts[3] {
		t.Fatalf("unexpected results: %#v", all)
	}

	// full term match ranks before partial match
	res, _ := svc.Search(ctx, "geo", "capital paris", 5)
	if len(res) != 3 {
		t.Fatalf("expected 3 matches, got %d", len(res))
	}
	if res[0].Content != facts[0] || res[0].Score != 1 {
		t.Fatalf("expected best match first, got %#v", res[0])
	}
	if res[1].Score != 0.5 || res[1].Content != facts[1] {
		t.Fatalf("expected insertion order among ties, got %#v", res[1])
	}
	if res[0].Metadata["source"] != "test" {
		t.Fatalf("expected metadata, got %#v", res[0].Metadata)
	}

	limited, _ := svc.Search(ctx, "geo", "capital", 1)
	if len(limited) != 1 {
		t.Fatalf("expected 1 limited result, got %d", len(limited))
	}

	if err := svc.Forget(ctx, "geo", all[0].ID); err != nil {
		t.Fatalf("forget failed: %v", err)
	}
	rest, _ := svc.Search(ctx, "geo", "", 0)
	if len(rest) != 3 {
		t.Fatalf("expected 3 after forget, got %d", len(rest))
	}
	if err := svc.Forget(ctx, "geo", "does_not_exist"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	other, _ := svc.Search(ctx, "other-scope", "", 0)
	if len(other) != 0 {
		t.Fatalf("scopes must be isolated, got %#v", other)
	}
}

func TestInMemoryStore_ConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	svc := NewInMemoryStore()

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Remember(ctx, "s", "fact", nil); err != nil {
				t.Errorf("remember error: %v", err)
			}
			if _, err := svc.Search(ctx, "s", "fact", 5); err != nil {
				t.Errorf("search error: %v", err)
			}
		}()
	}
	wg.Wait()

	res, _ := svc.Search(ctx, "s", "", 0)
	if len(res) != 25 {
		t.Fatalf("expected 25 facts, got %d", len(res))
	}
}
