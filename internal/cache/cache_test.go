package cache

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestTTL_BasicOperations(t *testing.T) {
	c, err := New[int](2, 0)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}

	c.Set("a", 1)
	c.Set("b", 2)
	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Errorf("Get(a) = (%v, %v), want (1, true)", v, ok)
	}
	if _, ok := c.Get("missing"); ok {
		t.Error("Get(missing) should miss")
	}

	c.Set("c", 3) // evicts b, a was used more recently
	if _, ok := c.Get("b"); ok {
		t.Error("b should have been evicted")
	}

	s := c.Stats()
	if s.Hits != 1 || s.Misses != 2 || s.Evicted != 1 || s.Size != 2 {
		t.Errorf("stats = %+v", s)
	}
}

func TestTTL_Expiration(t *testing.T) {
	c, _ := New[string](10, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Set("k", "v")
	if _, ok := c.Get("k"); !ok {
		t.Fatal("k should be live")
	}
	now = now.Add(2 * time.Minute)
	if _, ok := c.Get("k"); ok {
		t.Error("k should have expired")
	}
	if c.Len() != 0 {
		t.Errorf("expired entry not removed, len = %d", c.Len())
	}
}

func TestTTL_GetOrComputeSharesWork(t *testing.T) {
	c, _ := New[int](10, 0)
	var calls atomic.Int32
	release := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, _, err := c.GetOrCompute("k", func() (int, error) {
				calls.Add(1)
				<-release
				return 42, nil
			})
			if err != nil || v != 42 {
				t.Errorf("GetOrCompute = %v, %v", v, err)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := calls.Load(); n < 1 || n > 8 {
		t.Errorf("compute ran %d times", n)
	}
	if _, hit, _ := c.GetOrCompute("k", func() (int, error) { return 0, nil }); !hit {
		t.Error("second lookup should hit")
	}
}

func TestTTL_ErrorsAreNotCached(t *testing.T) {
	c, _ := New[int](10, 0)
	boom := errors.New("boom")
	if _, _, err := c.GetOrCompute("k", func() (int, error) { return 0, boom }); !errors.Is(err, boom) {
		t.Fatalf("error = %v, want boom", err)
	}
	if _, ok := c.Get("k"); ok {
		t.Error("failed computation should not be cached")
	}
}

func TestTTL_ColdLookupCountsOneMiss(t *testing.T) {
	c, _ := New[int](10, 0)
	if _, ok := c.Get("k"); ok {
		t.Fatal("empty cache hit")
	}
	v, err := c.Compute("k", func() (int, error) { return 7, nil })
	if err != nil || v != 7 {
		t.Fatalf("Compute = %v, %v", v, err)
	}
	if s := c.Stats(); s.Hits != 0 || s.Misses != 1 {
		t.Errorf("after Get+Compute stats = %+v, want 0 hits 1 miss", s)
	}

	// A value that is already present is returned without recomputing.
	v, _ = c.Compute("k", func() (int, error) { return 8, nil })
	if v != 7 {
		t.Errorf("Compute over a live entry = %v, want 7", v)
	}

	if _, _, err := c.GetOrCompute("other", func() (int, error) { return 1, nil }); err != nil {
		t.Fatal(err)
	}
	if s := c.Stats(); s.Misses != 2 {
		t.Errorf("cold GetOrCompute misses = %d, want one more", s.Misses)
	}
}

func TestKey(t *testing.T) {
	if got := Key("forecast", "v1", 3, "2025-01"); got != "forecast|v1|3|2025-01" {
		t.Errorf("Key = %q", got)
	}
}
