package shmcache

// Index (spec §4.3): an open-addressed hash table of KeysSlots cells,
// each holding the byte offset of a chunk, or 0 meaning empty. Collisions
// resolve by linear probing from the key's natural bucket, hash(key) mod
// KeysSlots.
//
// indexFind/indexInsert/indexRemove operate directly on a region's index
// cells and the chunk metadata the cells point at; they never allocate or
// free chunks themselves (chunkstore.go does that).

// notFound is the sentinel offset returned by indexFind when no cell's
// key matches.
const notFound = -1

// indexFind probes starting at hash(key) mod KeysSlots. At each slot: if
// the cell is empty (0), the key is absent. Otherwise the chunk at that
// offset is read and its stored key compared; on mismatch, probing
// advances linearly, wrapping at the end. Probing stops at the first
// empty cell (spec: "probe terminates at empty cell").
func indexFind(r *region, h header, key []byte) int64 {
	start := naturalBucket(key)

	for step := uint64(0); step < h.KeysSlots; step++ {
		i := (start + step) % h.KeysSlots

		offset := r.readIndexCell(h, i)
		if offset == 0 {
			return notFound
		}

		meta := r.chunkMetaAt(uint64(offset))
		if keyEquals(meta.Key, key) {
			return offset
		}
	}

	return notFound
}

// indexFindCell is like indexFind but also returns the cell index the
// match (or the terminating empty cell) was found at, used by callers
// that need to mutate the cell directly (indexRemove).
func indexFindCell(r *region, h header, key []byte) (cell uint64, offset int64, found bool) {
	start := naturalBucket(key)

	for step := uint64(0); step < h.KeysSlots; step++ {
		i := (start + step) % h.KeysSlots

		off := r.readIndexCell(h, i)
		if off == 0 {
			return i, notFound, false
		}

		meta := r.chunkMetaAt(uint64(off))
		if keyEquals(meta.Key, key) {
			return i, off, true
		}
	}

	return 0, notFound, false
}

// indexInsert places offset into the first empty cell found by linear
// probing from hash(key)'s natural bucket.
func indexInsert(r *region, h header, key []byte, offset int64) {
	start := naturalBucket(key)

	for step := uint64(0); step < h.KeysSlots; step++ {
		i := (start + step) % h.KeysSlots

		if r.readIndexCell(h, i) == 0 {
			r.writeIndexCell(h, i, offset)
			return
		}
	}
}

// indexRemove locates key's cell, clears it, then rehashes forward:
// starting at the next cell, every non-empty cell whose key's natural
// bucket is at or before the now-empty slot (in probe order from that
// key's own natural bucket) is moved into the empty slot, and the
// process continues from the cell it vacated. This preserves the
// probing invariant without tombstones (spec §4.3).
//
// Reports whether the key was present.
func indexRemove(r *region, h header, key []byte) bool {
	emptyCell, _, found := indexFindCell(r, h, key)
	if !found {
		return false
	}

	r.writeIndexCell(h, emptyCell, 0)

	i := emptyCell
	for {
		i = (i + 1) % h.KeysSlots

		offset := r.readIndexCell(h, i)
		if offset == 0 {
			return true
		}

		meta := r.chunkMetaAt(uint64(offset))
		natural := naturalBucket(meta.Key)

		if !probeAtOrBefore(natural, i, emptyCell, h.KeysSlots) {
			continue
		}

		r.writeIndexCell(h, emptyCell, offset)
		r.writeIndexCell(h, i, 0)
		emptyCell = i
	}
}

// probeAtOrBefore reports whether, walking forward from natural, slot
// emptyCell is reached at or before slot cell — i.e. whether a key whose
// probe starts at natural would have legitimately landed on emptyCell
// before reaching cell, and so must be moved into emptyCell to keep the
// probe chain unbroken once emptyCell is vacated.
func probeAtOrBefore(natural, cell, emptyCell, slots uint64) bool {
	distToEmpty := (emptyCell + slots - natural) % slots
	distToCell := (cell + slots - natural) % slots

	return distToEmpty <= distToCell
}
