package shmcache

import (
	"errors"
	"math/rand"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"
)

func newTestLockSet(t *testing.T) *lockSet {
	t.Helper()

	id := fileIdentity{dev: 1, ino: uint64(len(t.Name()))}
	path := filepath.Join(t.TempDir(), "region")

	ls, err := openLockSet(path, id)
	if err != nil {
		t.Fatalf("openLockSet: %v", err)
	}

	t.Cleanup(func() { _ = ls.close(id) })

	return ls
}

func Test_Allocator_SetGet_RoundTrips(t *testing.T) {
	t.Parallel()

	r, h := newTestRegion(t, 4<<20)
	ls := newTestLockSet(t)

	key := []byte("k1")
	val := []byte("v1")

	ok, err := allocatorSet(r, h, ls, key, val, false, naturalBucket(key))
	if err != nil || !ok {
		t.Fatalf("allocatorSet: ok=%v err=%v", ok, err)
	}

	got, serialized, found := allocatorGet(r, h, key)
	if !found {
		t.Fatalf("allocatorGet: expected found")
	}

	if string(got) != string(val) {
		t.Fatalf("allocatorGet: got %q, want %q", got, val)
	}

	if serialized {
		t.Fatalf("allocatorGet: expected serialized=false")
	}
}

func Test_Allocator_Set_OverwritesInPlaceWhenSameSizeFits(t *testing.T) {
	t.Parallel()

	r, h := newTestRegion(t, 4<<20)
	ls := newTestLockSet(t)

	key := []byte("k1")
	bucket := naturalBucket(key)

	if _, err := allocatorSet(r, h, ls, key, []byte("aaaa"), false, bucket); err != nil {
		t.Fatalf("initial set: %v", err)
	}

	before := indexFind(r, h, key)

	if _, err := allocatorSet(r, h, ls, key, []byte("bbbb"), false, bucket); err != nil {
		t.Fatalf("overwrite set: %v", err)
	}

	after := indexFind(r, h, key)
	if after != before {
		t.Fatalf("expected in-place update to keep the same chunk offset: before=%d after=%d", before, after)
	}

	got, _, found := allocatorGet(r, h, key)
	if !found || string(got) != "bbbb" {
		t.Fatalf("allocatorGet after overwrite: got %q found=%v", got, found)
	}
}

func Test_Allocator_Remove_DeletesOnlyTheTargetKey(t *testing.T) {
	t.Parallel()

	r, h := newTestRegion(t, 4<<20)
	ls := newTestLockSet(t)

	for i, k := range [][]byte{[]byte("a"), []byte("b"), []byte("c")} {
		if _, err := allocatorSet(r, h, ls, k, []byte{byte('0' + i)}, false, naturalBucket(k)); err != nil {
			t.Fatalf("set %q: %v", k, err)
		}
	}

	removed := allocatorRemove(r, h, ls, []byte("b"))
	if !removed {
		t.Fatalf("expected key %q to be present", "b")
	}

	if allocatorRemove(r, h, ls, []byte("b")) {
		t.Fatalf("second remove of the same key should report false")
	}

	if _, _, found := allocatorGet(r, h, []byte("b")); found {
		t.Fatalf("removed key should no longer be found")
	}

	for _, k := range [][]byte{[]byte("a"), []byte("c")} {
		if _, _, found := allocatorGet(r, h, k); !found {
			t.Fatalf("key %q should survive neighbor removal", k)
		}
	}
}

// Test_Allocator_Set_TooLarge verifies that an oversized value is rejected
// and that any prior entry for the key is removed as a side effect.
func Test_Allocator_Set_TooLarge(t *testing.T) {
	t.Parallel()

	r, h := newTestRegion(t, 4<<20)
	ls := newTestLockSet(t)

	key := []byte("k1")
	bucket := naturalBucket(key)

	if _, err := allocatorSet(r, h, ls, key, []byte("small"), false, bucket); err != nil {
		t.Fatalf("initial set: %v", err)
	}

	big := make([]byte, MaxChunkSize+1)

	ok, err := allocatorSet(r, h, ls, key, big, false, bucket)
	if ok || err == nil {
		t.Fatalf("expected rejection of oversized value, got ok=%v err=%v", ok, err)
	}

	if _, _, found := allocatorGet(r, h, key); found {
		t.Fatalf("prior entry should have been removed after a failed oversized set")
	}
}

// Test_Allocator_Set_EvictsOldestWhenRegionIsFull fills a small region to
// capacity, forcing the allocator to grow forward over the FIFO-oldest
// chunk, and checks the oldest key is evicted while the newest survives.
func Test_Allocator_Set_EvictsOldestWhenRegionIsFull(t *testing.T) {
	t.Parallel()

	// Small region: header + index + a handful of chunks only.
	size := int(newHeader(0).ValuesOffset) + 4*(chunkMetaSize+64)
	r, h := newTestRegion(t, size)
	ls := newTestLockSet(t)

	val := make([]byte, 64)

	keys := [][]byte{[]byte("k0"), []byte("k1"), []byte("k2"), []byte("k3"), []byte("k4")}

	for _, k := range keys {
		if _, err := allocatorSet(r, h, ls, k, val, false, naturalBucket(k)); err != nil {
			t.Fatalf("set %q: %v", k, err)
		}
	}

	if _, _, found := allocatorGet(r, h, keys[0]); found {
		t.Fatalf("expected oldest key %q to have been evicted", keys[0])
	}

	if _, _, found := allocatorGet(r, h, keys[len(keys)-1]); !found {
		t.Fatalf("expected newest key %q to survive", keys[len(keys)-1])
	}
}

func Test_Allocator_Flush_ResetsToOneFreeChunk(t *testing.T) {
	t.Parallel()

	r, h := newTestRegion(t, 4<<20)
	ls := newTestLockSet(t)

	for _, k := range [][]byte{[]byte("a"), []byte("b")} {
		if _, err := allocatorSet(r, h, ls, k, []byte("v"), false, naturalBucket(k)); err != nil {
			t.Fatalf("set %q: %v", k, err)
		}
	}

	allocatorFlush(r, h)

	for _, k := range [][]byte{[]byte("a"), []byte("b")} {
		if _, _, found := allocatorGet(r, h, k); found {
			t.Fatalf("key %q should be gone after flush", k)
		}
	}

	m := r.chunkMetaAt(h.ValuesOffset)
	if !m.free() {
		t.Fatalf("expected a single free chunk after flush")
	}

	wantSize := h.TotalSize - h.ValuesOffset - uint64(chunkMetaSize)
	if uint64(m.ValAllocSize) != wantSize {
		t.Fatalf("free chunk size after flush: got %d, want %d", m.ValAllocSize, wantSize)
	}

	if r.oldestOffset() != h.ValuesOffset {
		t.Fatalf("oldest cursor after flush: got %d, want %d", r.oldestOffset(), h.ValuesOffset)
	}
}

// collidingKeys brute-forces n distinct byte slices whose natural bucket
// equals want. Mirrors the technique in index_test.go, including its
// rule that candidates contain no zero byte (keys are stored NUL-padded).
func collidingKeys(want uint64, n int) [][]byte {
	keys := make([][]byte, 0, n)

	for i := 0; len(keys) < n; i++ {
		cand := append(strconv.AppendInt(nil, int64(i), 10), 'k')
		if naturalBucket(cand) == want {
			keys = append(keys, cand)
		}
	}

	return keys
}

// Test_Allocator_ConcurrentGrowthAcrossCollidingBuckets hammers a tiny
// region with many goroutines whose keys deliberately share a handful of
// natural buckets, forcing the grow loop in allocatorSet to repeatedly
// swallow chunks that belong to other goroutines' keys, including keys
// that hash to the very bucket the swallowing goroutine already holds.
// Before swallowChunk learned to skip or non-block on a bucket the caller
// already owns, this workload deadlocked every run.
func Test_Allocator_ConcurrentGrowthAcrossCollidingBuckets(t *testing.T) {
	t.Parallel()

	size := int(newHeader(0).ValuesOffset) + 6*(chunkMetaSize+64)
	r, h := newTestRegion(t, size)
	ls := newTestLockSet(t)

	bucketA := naturalBucket([]byte("seed-a"))
	bucketB := naturalBucket([]byte("seed-b"))

	for bucketB == bucketA {
		bucketB++
		bucketB %= KeysSlots
	}

	const keysPerBucket = 4

	jobs := map[uint64][][]byte{
		bucketA: collidingKeys(bucketA, keysPerBucket),
		bucketB: collidingKeys(bucketB, keysPerBucket),
	}

	done := make(chan struct{})

	go func() {
		var wg sync.WaitGroup

		for bucket, keys := range jobs {
			for _, key := range keys {
				wg.Add(1)

				go func(bucket uint64, key []byte) {
					defer wg.Done()

					rnd := rand.New(rand.NewSource(int64(bucket) ^ int64(key[0])))

					for i := 0; i < 200; i++ {
						rng, err := ls.BucketLock(bucket)
						if err != nil {
							t.Errorf("BucketLock: %v", err)
							return
						}

						if rnd.Intn(4) == 0 {
							allocatorRemove(r, h, ls, key)
						} else {
							val := make([]byte, 1+rnd.Intn(64))

							_, setErr := allocatorSet(r, h, ls, key, val, false, bucket)
							if setErr != nil && !errors.Is(setErr, ErrBusy) {
								ls.BucketUnlock(bucket, rng)
								t.Errorf("allocatorSet: %v", setErr)

								return
							}
						}

						ls.BucketUnlock(bucket, rng)
					}
				}(bucket, key)
			}
		}

		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(20 * time.Second):
		t.Fatal("concurrent allocator workload did not finish: suspected deadlock in swallowChunk")
	}
}
