package shmcache

import "fmt"

// Chunk store / allocator (spec §4.4): the value area is a contiguous
// stream of variable-size chunks, each [metadata][payload]. Allocation,
// resizing, and freeing all happen by walking this stream and moving the
// FIFO oldest-chunk cursor; there is no free list.
//
// Every exported function here is called with the alloc read lock
// already held by the caller (ops.go), per spec §5's rule that the
// allocator's growth/split/merge runs under alloc *read*, relying on
// per-bucket locks taken along the way to protect individual chunks it
// swallows.

// chunkNext returns the offset of the chunk immediately following the
// one at off with the given valallocsize, and whether one exists. There
// is no next chunk when off+CHUNK_META_SIZE+valallocsize reaches the end
// of the value area (spec §4.4 "forward iteration").
func chunkNext(h header, off uint64, valAllocSize uint32) (uint64, bool) {
	next := off + uint64(chunkMetaSize) + uint64(valAllocSize)
	if next >= h.TotalSize {
		return 0, false
	}

	return next, true
}

// removeOccupant clears the chunk at off if it holds a live entry:
// removes its index cell and zeroes key/valsize, leaving valallocsize
// untouched (it becomes a free chunk of the same capacity). Does not
// coalesce with neighbors; used by allocator paths that are about to
// fold the freed span into a larger run themselves.
func removeOccupant(r *region, h header, off uint64) {
	m := r.chunkMetaAt(off)
	if m.free() {
		return
	}

	indexRemove(r, h, m.Key)

	clearChunkKey(r.data[off : off+uint64(chunkMetaSize)])

	m.ValSize = 0
	m.Flags = 0
	r.writeChunkMetaAt(off, m)
}

// swallowChunk is called by the grow loop in allocatorSet just before it
// folds the chunk at off into the growing run. The caller already holds
// ownBucket's write lock for the key it is setting. If off holds a live
// entry belonging to ownBucket itself (a real possibility at the spec's
// load factor, since several keys can share a natural bucket), that
// lock is already held: re-acquiring it on a sync.RWMutex is not
// reentrant and would deadlock the caller against itself, so this case
// removes the occupant directly without locking again.
//
// Otherwise the occupant belongs to some other bucket. Locking it here
// is the only path that acquires a second bucket lock (spec §5), and a
// blocking acquisition could form an AB-BA cycle against a concurrent
// Set that holds that bucket and is itself trying to swallow a chunk in
// ownBucket. A non-blocking attempt can never deadlock: if the bucket is
// contended, the swallow fails with ErrBusy, which allocatorSet returns
// to its caller without retrying.
func swallowChunk(r *region, h header, ls *lockSet, off uint64, ownBucket uint64) error {
	m := r.chunkMetaAt(off)
	if m.free() {
		return nil
	}

	bucket := naturalBucket(m.Key)

	if bucket == ownBucket {
		removeOccupant(r, h, off)
		return nil
	}

	rng, err := ls.BucketTryLock(bucket)
	if err != nil {
		return err
	}

	removeOccupant(r, h, off)
	ls.BucketUnlock(bucket, rng)

	return nil
}

// allocatorSet implements spec §4.4.1 (_set). ownBucket is the natural
// bucket of key, whose write lock the caller already holds; it is
// threaded through to swallowChunk so the grow loop never tries to
// re-acquire that same lock. Returns (true, nil) on success. Returns
// (false, ErrTooLarge) when the value exceeds MaxChunkSize, after
// removing any prior entry for key.
func allocatorSet(r *region, h header, ls *lockSet, key, value []byte, serialized bool, ownBucket uint64) (bool, error) {
	if len(value) > MaxChunkSize {
		if off := indexFind(r, h, key); off != notFound {
			removeAndCoalesce(r, h, ls, uint64(off))
		}

		return false, fmt.Errorf("%w: value length %d exceeds %d", ErrTooLarge, len(value), MaxChunkSize)
	}

	needed := uint32(len(value))

	if off := indexFind(r, h, key); off != notFound {
		existing := r.chunkMetaAt(uint64(off))

		if existing.ValAllocSize >= needed {
			existing.ValSize = needed
			existing.Flags = flagsFor(serialized)
			r.writeChunkMetaAt(uint64(off), existing)
			r.writeChunkPayloadAt(uint64(off), value)

			return true, nil
		}

		removeAndCoalesce(r, h, ls, uint64(off))
	}

	runStart := r.oldestOffset()
	if err := swallowChunk(r, h, ls, runStart, ownBucket); err != nil {
		return false, err
	}

	runSize := r.chunkMetaAt(runStart).ValAllocSize

	for uint64(runSize) < uint64(needed) {
		nextOff, hasNext := chunkNext(h, runStart, runSize)
		if hasNext {
			nextSize := r.chunkMetaAt(nextOff).ValAllocSize

			if err := swallowChunk(r, h, ls, nextOff, ownBucket); err != nil {
				return false, err
			}

			runSize += uint32(chunkMetaSize) + nextSize

			continue
		}

		// No next chunk: finalize the run accumulated so far as a free
		// chunk and restart growth from the start of the value area.
		// This is the single point where the cursor may jump
		// discontinuously (spec §4.4.1 step 5).
		r.writeChunkMetaAt(runStart, chunkMeta{ValAllocSize: runSize})

		runStart = h.ValuesOffset

		if err := swallowChunk(r, h, ls, runStart, ownBucket); err != nil {
			return false, err
		}

		runSize = r.chunkMetaAt(runStart).ValAllocSize
	}

	keep := max(needed, uint32(MinValueAllocSize))

	if uint64(runSize) >= uint64(keep)+uint64(chunkMetaSize+MinValueAllocSize) {
		freeOffset := runStart + uint64(chunkMetaSize) + uint64(keep)
		freeSize := runSize - keep - uint32(chunkMetaSize)

		r.writeChunkMetaAt(freeOffset, chunkMeta{ValAllocSize: freeSize})

		runSize = keep
	}

	r.writeChunkMetaAt(runStart, chunkMeta{
		Key:          key,
		ValAllocSize: runSize,
		ValSize:      needed,
		Flags:        flagsFor(serialized),
	})
	r.writeChunkPayloadAt(runStart, value)

	indexInsert(r, h, key, int64(runStart))

	newOldest := runStart + uint64(chunkMetaSize) + uint64(runSize)
	if newOldest >= h.TotalSize {
		newOldest = h.ValuesOffset
	}

	if rng, err := ls.OldestLock(); err == nil {
		r.setOldestOffset(newOldest)
		ls.OldestUnlock(rng)
	}

	return true, nil
}

func flagsFor(serialized bool) uint8 {
	if serialized {
		return chunkFlagSerialized
	}

	return 0
}

// allocatorGet implements spec §4.4.2 (_get).
func allocatorGet(r *region, h header, key []byte) (value []byte, serialized bool, found bool) {
	off := indexFind(r, h, key)
	if off == notFound {
		return nil, false, false
	}

	m := r.chunkMetaAt(uint64(off))
	payload := r.chunkPayloadAt(uint64(off), m)

	out := make([]byte, len(payload))
	copy(out, payload)

	return out, m.Flags&chunkFlagSerialized != 0, true
}

// removeAndCoalesce implements spec §4.4.3 (removeItem) against a chunk
// already known to hold key at offset off: clears it, then optionally
// merges forward with immediately following free chunks.
func removeAndCoalesce(r *region, h header, ls *lockSet, off uint64) {
	removeOccupant(r, h, off)
	coalesceForward(r, h, ls, off)
}

// coalesceForward merges the free chunk at off with as many immediately
// following free chunks as possible, extending its valallocsize and
// dropping their metadata. If the oldest-chunk cursor points anywhere in
// a range being absorbed (including its first byte), it is pulled back
// to the start of the merged chunk, preserving invariant I5.
func coalesceForward(r *region, h header, ls *lockSet, off uint64) {
	m := r.chunkMetaAt(off)

	for {
		nextOff, hasNext := chunkNext(h, off, m.ValAllocSize)
		if !hasNext {
			return
		}

		next := r.chunkMetaAt(nextOff)
		if !next.free() {
			return
		}

		absorbedEnd := nextOff + uint64(chunkMetaSize) + uint64(next.ValAllocSize)

		if rng, err := ls.OldestLock(); err == nil {
			cursor := r.oldestOffset()
			if cursor >= nextOff && cursor < absorbedEnd {
				r.setOldestOffset(off)
			}

			ls.OldestUnlock(rng)
		}

		m.ValAllocSize += uint32(chunkMetaSize) + next.ValAllocSize
		r.writeChunkMetaAt(off, m)
	}
}

// allocatorRemove implements the public delete() composition: locate key,
// and if present, remove and coalesce it. Reports whether key was
// present.
func allocatorRemove(r *region, h header, ls *lockSet, key []byte) bool {
	off := indexFind(r, h, key)
	if off == notFound {
		return false
	}

	removeAndCoalesce(r, h, ls, uint64(off))

	return true
}

// allocatorFlush implements spec §4.4.4: zero the value area and
// reinitialize it as one free chunk, zero the index, reset the cursor.
// Requires the alloc write lock (enforced by the caller).
func allocatorFlush(r *region, h header) {
	for i := h.IndexOffset; i < h.TotalSize; i++ {
		r.data[i] = 0
	}

	freeSize := h.TotalSize - h.ValuesOffset - uint64(chunkMetaSize)
	r.writeChunkMetaAt(h.ValuesOffset, chunkMeta{ValAllocSize: uint32(freeSize)})
	r.setOldestOffset(h.ValuesOffset)
}
