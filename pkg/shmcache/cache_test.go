package shmcache

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
)

func Test_Open_CreatesRegionAndGetSetRoundTrips(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cache.shc")

	c, err := Open(Options{Path: path, Size: MinRegionSize})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	ok, err := c.Set([]byte("foo"), []byte("bar"), false)
	if err != nil || !ok {
		t.Fatalf("Set: ok=%v err=%v", ok, err)
	}

	val, serialized, found, err := c.Get([]byte("foo"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if !found || string(val) != "bar" || serialized {
		t.Fatalf("Get: val=%q found=%v serialized=%v", val, found, serialized)
	}
}

func Test_Open_ReopensExistingRegion(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cache.shc")

	c1, err := Open(Options{Path: path, Size: MinRegionSize})
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}

	if _, err := c1.Set([]byte("foo"), []byte("bar"), false); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if err := c1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	c2, err := Open(Options{Path: path})
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer c2.Close()

	val, _, found, err := c2.Get([]byte("foo"))
	if err != nil || !found || string(val) != "bar" {
		t.Fatalf("Get after reopen: val=%q found=%v err=%v", val, found, err)
	}
}

func Test_Cache_AddReplaceSemantics(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cache.shc")

	c, err := Open(Options{Path: path, Size: MinRegionSize})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	ok, err := c.Add([]byte("k"), []byte("v1"), false)
	if err != nil || !ok {
		t.Fatalf("first Add: ok=%v err=%v", ok, err)
	}

	ok, err = c.Add([]byte("k"), []byte("v2"), false)
	if err != nil || ok {
		t.Fatalf("second Add should fail: ok=%v err=%v", ok, err)
	}

	val, _, _, _ := c.Get([]byte("k"))
	if string(val) != "v1" {
		t.Fatalf("Add must not overwrite: got %q", val)
	}

	ok, err = c.Replace([]byte("missing"), []byte("x"), false)
	if err != nil || ok {
		t.Fatalf("Replace of absent key should fail: ok=%v err=%v", ok, err)
	}

	ok, err = c.Replace([]byte("k"), []byte("v3"), false)
	if err != nil || !ok {
		t.Fatalf("Replace of present key should succeed: ok=%v err=%v", ok, err)
	}

	val, _, _, _ = c.Get([]byte("k"))
	if string(val) != "v3" {
		t.Fatalf("Replace must overwrite: got %q", val)
	}
}

func Test_Cache_DeleteAndExists(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cache.shc")

	c, err := Open(Options{Path: path, Size: MinRegionSize})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	if _, err := c.Set([]byte("k"), []byte("v"), false); err != nil {
		t.Fatalf("Set: %v", err)
	}

	exists, err := c.Exists([]byte("k"))
	if err != nil || !exists {
		t.Fatalf("Exists before delete: exists=%v err=%v", exists, err)
	}

	if _, err := c.Delete([]byte("k")); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	exists, err = c.Exists([]byte("k"))
	if err != nil || exists {
		t.Fatalf("Exists after delete: exists=%v err=%v", exists, err)
	}

	// Deleting an already-absent key is not an error.
	if _, err := c.Delete([]byte("k")); err != nil {
		t.Fatalf("Delete of absent key: %v", err)
	}
}

func Test_Cache_IncrementDecrement(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cache.shc")

	c, err := Open(Options{Path: path, Size: MinRegionSize})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	v, err := c.Increment([]byte("ctr"), 5, 10)
	if err != nil || v != 10 {
		t.Fatalf("Increment on absent key: v=%d err=%v", v, err)
	}

	v, err = c.Increment([]byte("ctr"), 5, 10)
	if err != nil || v != 15 {
		t.Fatalf("Increment on existing key: v=%d err=%v", v, err)
	}

	v, err = c.Decrement([]byte("ctr"), 100, 0)
	if err != nil || v != 0 {
		t.Fatalf("Decrement should clamp at 0: v=%d err=%v", v, err)
	}

	if _, err := c.Set([]byte("nonnumeric"), []byte("abc"), false); err != nil {
		t.Fatalf("Set: %v", err)
	}

	_, err = c.Increment([]byte("nonnumeric"), 1, 0)
	if !errors.Is(err, ErrNotNumeric) {
		t.Fatalf("Increment on non-numeric value: got err=%v, want ErrNotNumeric", err)
	}

	val, _, _, _ := c.Get([]byte("nonnumeric"))
	if string(val) != "abc" {
		t.Fatalf("failed Increment must leave the value untouched: got %q", val)
	}
}

func Test_Cache_Flush(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cache.shc")

	c, err := Open(Options{Path: path, Size: MinRegionSize})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	if _, err := c.Set([]byte("k"), []byte("v"), false); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if err := c.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if _, _, found, _ := c.Get([]byte("k")); found {
		t.Fatalf("key should be gone after Flush")
	}

	stats, err := c.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}

	if stats.Items != 0 {
		t.Fatalf("Stats.Items after flush: got %d, want 0", stats.Items)
	}
}

func Test_Cache_Stats_ReflectsHitsAndMisses(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cache.shc")

	c, err := Open(Options{Path: path, Size: MinRegionSize})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	if _, err := c.Set([]byte("k"), []byte("v"), false); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if _, _, _, err := c.Get([]byte("k")); err != nil {
		t.Fatalf("Get hit: %v", err)
	}

	if _, _, _, err := c.Get([]byte("missing")); err != nil {
		t.Fatalf("Get miss: %v", err)
	}

	// Hit/miss counters are process-local until flushed on Close; force a
	// flush now to observe them in Stats.
	if err := c.flushLocalStats(); err != nil {
		t.Fatalf("flushLocalStats: %v", err)
	}

	stats, err := c.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}

	if stats.GetHitCount != 1 || stats.GetMissCount != 1 {
		t.Fatalf("Stats hit/miss: got hits=%d misses=%d, want 1/1", stats.GetHitCount, stats.GetMissCount)
	}
}

func Test_Cache_DestroyMakesFurtherUseFail(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cache.shc")

	c, err := Open(Options{Path: path, Size: MinRegionSize})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := c.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	if _, err := c.Set([]byte("k"), []byte("v"), false); !errors.Is(err, ErrClosed) {
		t.Fatalf("Set after Destroy: got err=%v, want ErrClosed", err)
	}
}

func Test_Cache_Destroy_FailsWhileOtherHandleInSameProcessIsAttached(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cache.shc")

	c1, err := Open(Options{Path: path, Size: MinRegionSize})
	if err != nil {
		t.Fatalf("Open c1: %v", err)
	}
	defer c1.Close()

	c2, err := Open(Options{Path: path})
	if err != nil {
		t.Fatalf("Open c2: %v", err)
	}
	defer c2.Close()

	if err := c1.Destroy(); !errors.Is(err, ErrBusy) {
		t.Fatalf("Destroy with another handle attached: got err=%v, want ErrBusy", err)
	}
}

// Test_Cache_ConcurrentSetGet exercises the bucket-lock discipline under
// concurrent goroutines hammering disjoint and overlapping keys.
func Test_Cache_ConcurrentSetGet(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cache.shc")

	c, err := Open(Options{Path: path, Size: MinRegionSize})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	const goroutines = 16
	const opsPerGoroutine = 200

	var wg sync.WaitGroup
	wg.Add(goroutines)

	for g := 0; g < goroutines; g++ {
		go func(g int) {
			defer wg.Done()

			key := []byte{byte('a' + g%4)}

			for i := 0; i < opsPerGoroutine; i++ {
				if _, err := c.Set(key, []byte{byte(i)}, false); err != nil {
					t.Errorf("goroutine %d: Set: %v", g, err)
					return
				}

				if _, _, _, err := c.Get(key); err != nil {
					t.Errorf("goroutine %d: Get: %v", g, err)
					return
				}
			}
		}(g)
	}

	wg.Wait()
}
