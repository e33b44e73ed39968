package embedding

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/andresmejia3/rollcall/internal/logging"
	"github.com/andresmejia3/rollcall/internal/types"
)

func TestCacheWarmPath(t *testing.T) {
	loader := &fakeLoader{rows: []types.EnrolledEmbedding{row(1, `[0, 0]`)}}
	c := NewCache(loader, 0, logging.Discard())

	first, err := c.GetOrBuild(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	// A later enrollment is not visible while the cache is warm.
	loader.rows = append(loader.rows, row(2, `[1, 1]`))

	second, err := c.GetOrBuild(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("warm cache returned a different store")
	}
	if second.Len() != 1 {
		t.Errorf("warm store Len() = %d, want the stale 1", second.Len())
	}
	if loader.calls != 1 {
		t.Errorf("loader called %d times, want 1", loader.calls)
	}
	if c.Generation() != 1 || !c.Warm() {
		t.Errorf("Generation() = %d Warm() = %v", c.Generation(), c.Warm())
	}
}

func TestCacheRebuildAfterInvalidate(t *testing.T) {
	loader := &fakeLoader{rows: []types.EnrolledEmbedding{row(1, `[0, 0]`)}}
	c := NewCache(loader, 0, logging.Discard())

	old, _ := c.GetOrBuild(context.Background())
	loader.rows = append(loader.rows, row(2, `[1, 1]`))

	c.Invalidate()
	if c.Warm() {
		t.Fatal("cache still warm after Invalidate")
	}

	rebuilt, err := c.GetOrBuild(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rebuilt.Len() != 2 {
		t.Errorf("rebuilt Len() = %d, want 2", rebuilt.Len())
	}
	if old.Len() != 1 {
		t.Error("invalidation must not mutate a store already handed out")
	}
	if c.Generation() != 2 {
		t.Errorf("Generation() = %d, want 2", c.Generation())
	}
}

func TestCacheFailedBuildNotCached(t *testing.T) {
	loader := &fakeLoader{err: errors.New("db down")}
	c := NewCache(loader, 0, logging.Discard())

	if _, err := c.GetOrBuild(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	loader.err = nil
	loader.rows = []types.EnrolledEmbedding{row(1, `[0, 0]`)}

	s, err := c.GetOrBuild(context.Background())
	if err != nil || s.Len() != 1 {
		t.Fatalf("GetOrBuild() after recovery = %v, %v", s, err)
	}
}

func TestCacheConcurrentCallersShareBuild(t *testing.T) {
	loader := &fakeLoader{rows: []types.EnrolledEmbedding{row(1, `[0, 0]`)}}
	c := NewCache(loader, 0, logging.Discard())

	var wg sync.WaitGroup
	stores := make([]*Store, 16)
	for i := range stores {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			stores[i], _ = c.GetOrBuild(context.Background())
		}(i)
	}
	wg.Wait()

	for i, s := range stores {
		if s != stores[0] {
			t.Fatalf("caller %d got a different store", i)
		}
	}
	if loader.calls != 1 {
		t.Errorf("loader called %d times, want 1", loader.calls)
	}
}
