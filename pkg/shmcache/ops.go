package shmcache

import "strconv"

// Stats is the snapshot struct returned by [Cache.Stats] (spec §6).
type Stats struct {
	Items                   uint64
	MaxItems                uint64
	AvailableHashTableSlots uint64
	UsedHashTableSlots      uint64
	HashTableLoadFactor     float64
	HashTableMemorySize     uint64
	AvailableValueMemSize   uint64
	UsedValueMemSize        uint64
	AvgItemValueSize        float64
	OldestChunkOffset       uint64
	GetHitCount             uint64
	GetMissCount            uint64
	ItemMetadataSize        uint64
	MinItemValueSize        uint64
	MaxItemValueSize        uint64
}

func truncateKey(key []byte) []byte {
	if len(key) > MaxKeyLength {
		return key[:MaxKeyLength]
	}

	return key
}

// Get returns the value and serialized flag stored for key, or found=false
// on a miss. Increments the process-local hit/miss counters (spec §4.5).
func (c *Cache) Get(key []byte) (value []byte, serialized bool, found bool, err error) {
	if err := c.checkOpen(); err != nil {
		return nil, false, false, err
	}

	key = truncateKey(key)
	bucket := naturalBucket(key)

	err = c.withAllocRead(func(h header) error {
		rng, err := c.locks.BucketRLock(bucket)
		if err != nil {
			return err
		}
		defer c.locks.BucketRUnlock(bucket, rng)

		value, serialized, found = allocatorGet(c.region, h, key)

		return nil
	})
	if err != nil {
		return nil, false, false, err
	}

	if found {
		c.localHits.Add(1)
	} else {
		c.localMisses.Add(1)
	}

	return value, serialized, found, nil
}

// Set overwrites key unconditionally (spec §4.4.1). Returns false,
// ErrTooLarge if len(value) > MaxChunkSize, in which case any prior
// entry for key is removed.
func (c *Cache) Set(key, value []byte, serialized bool) (bool, error) {
	if err := c.checkOpen(); err != nil {
		return false, err
	}

	key = truncateKey(key)
	bucket := naturalBucket(key)

	var ok bool

	err := c.withAllocRead(func(h header) error {
		rng, err := c.locks.BucketLock(bucket)
		if err != nil {
			return err
		}
		defer c.locks.BucketUnlock(bucket, rng)

		var setErr error
		ok, setErr = allocatorSet(c.region, h, c.locks, key, value, serialized, bucket)

		return setErr
	})

	return ok, err
}

// Add sets key only if it does not already exist (spec §4.5 "add").
func (c *Cache) Add(key, value []byte, serialized bool) (bool, error) {
	if err := c.checkOpen(); err != nil {
		return false, err
	}

	key = truncateKey(key)
	bucket := naturalBucket(key)

	var ok bool

	err := c.withAllocRead(func(h header) error {
		rng, err := c.locks.BucketLock(bucket)
		if err != nil {
			return err
		}
		defer c.locks.BucketUnlock(bucket, rng)

		if indexFind(c.region, h, key) != notFound {
			return nil
		}

		var setErr error
		ok, setErr = allocatorSet(c.region, h, c.locks, key, value, serialized, bucket)

		return setErr
	})

	return ok, err
}

// Replace sets key only if it already exists (spec §4.5 "replace").
func (c *Cache) Replace(key, value []byte, serialized bool) (bool, error) {
	if err := c.checkOpen(); err != nil {
		return false, err
	}

	key = truncateKey(key)
	bucket := naturalBucket(key)

	var ok bool

	err := c.withAllocRead(func(h header) error {
		rng, err := c.locks.BucketLock(bucket)
		if err != nil {
			return err
		}
		defer c.locks.BucketUnlock(bucket, rng)

		if indexFind(c.region, h, key) == notFound {
			return nil
		}

		var setErr error
		ok, setErr = allocatorSet(c.region, h, c.locks, key, value, serialized, bucket)

		return setErr
	})

	return ok, err
}

// Delete removes key if present. Returns true whether the key was
// already absent or removal succeeded; returns false and a non-nil error
// only when a lock or I/O operation fails (spec §4.5 "delete").
func (c *Cache) Delete(key []byte) (bool, error) {
	if err := c.checkOpen(); err != nil {
		return false, err
	}

	key = truncateKey(key)
	bucket := naturalBucket(key)

	err := c.withAllocRead(func(h header) error {
		rng, err := c.locks.BucketLock(bucket)
		if err != nil {
			return err
		}
		defer c.locks.BucketUnlock(bucket, rng)

		allocatorRemove(c.region, h, c.locks, key)

		return nil
	})
	if err != nil {
		return false, err
	}

	return true, nil
}

// Exists reports whether find(key) is a hit (spec §4.5 "exists").
func (c *Cache) Exists(key []byte) (bool, error) {
	if err := c.checkOpen(); err != nil {
		return false, err
	}

	key = truncateKey(key)
	bucket := naturalBucket(key)

	var ok bool

	err := c.withAllocRead(func(h header) error {
		rng, err := c.locks.BucketRLock(bucket)
		if err != nil {
			return err
		}
		defer c.locks.BucketRUnlock(bucket, rng)

		ok = indexFind(c.region, h, key) != notFound

		return nil
	})

	return ok, err
}

// Increment reads key's current value under the bucket write lock: if
// absent, sets it to initial; if present and numeric, sets it to
// max(value+delta, 0); if present and non-numeric, fails with
// ErrNotNumeric and leaves the value untouched (spec §4.5 "increment").
func (c *Cache) Increment(key []byte, delta int64, initial uint64) (uint64, error) {
	return c.incrDecr(key, delta, initial)
}

// Decrement is Increment with delta negated (spec §4.5 "decrement").
func (c *Cache) Decrement(key []byte, delta int64, initial uint64) (uint64, error) {
	return c.incrDecr(key, -delta, initial)
}

func (c *Cache) incrDecr(key []byte, delta int64, initial uint64) (uint64, error) {
	if err := c.checkOpen(); err != nil {
		return 0, err
	}

	key = truncateKey(key)
	bucket := naturalBucket(key)

	var result uint64

	err := c.withAllocRead(func(h header) error {
		rng, err := c.locks.BucketLock(bucket)
		if err != nil {
			return err
		}
		defer c.locks.BucketUnlock(bucket, rng)

		existing, _, found := allocatorGet(c.region, h, key)

		if !found {
			result = initial
			_, setErr := allocatorSet(c.region, h, c.locks, key, []byte(strconv.FormatUint(initial, 10)), false, bucket)

			return setErr
		}

		n, parseErr := strconv.ParseInt(string(existing), 10, 64)
		if parseErr != nil {
			return ErrNotNumeric
		}

		next := n + delta
		if next < 0 {
			next = 0
		}

		result = uint64(next)

		_, setErr := allocatorSet(c.region, h, c.locks, key, []byte(strconv.FormatInt(next, 10)), false, bucket)

		return setErr
	})

	return result, err
}

// Flush reinitializes the region to an empty state (spec §4.4.4), under
// the alloc write lock.
func (c *Cache) Flush() error {
	if err := c.checkOpen(); err != nil {
		return err
	}

	return c.withAllocWrite(func() error {
		allocatorFlush(c.region, c.region.header())
		return nil
	})
}

// Stats returns a best-effort snapshot consistent with a point in time
// between acquisitions of the alloc read lock (spec §4.5 "stats",
// §5 "Ordering guarantees").
func (c *Cache) Stats() (Stats, error) {
	if err := c.checkOpen(); err != nil {
		return Stats{}, err
	}

	var s Stats

	err := c.withAllocRead(func(h header) error {
		s = computeStats(c.region, h)
		return nil
	})

	return s, err
}

func computeStats(r *region, h header) Stats {
	s := Stats{
		MaxItems:                h.MaxItems,
		AvailableHashTableSlots: h.KeysSlots,
		HashTableMemorySize:     h.KeysSlots * indexCellSize,
		OldestChunkOffset:       r.oldestOffset(),
		GetHitCount:             h.HitCount,
		GetMissCount:            h.MissCount,
		ItemMetadataSize:        uint64(chunkMetaSize),
	}

	var (
		items        uint64
		usedSlots    uint64
		usedValBytes uint64
		availBytes   uint64
		minSize      uint64
		maxSize      uint64
	)

	for i := uint64(0); i < h.KeysSlots; i++ {
		if r.readIndexCell(h, i) != 0 {
			usedSlots++
		}
	}

	off := h.ValuesOffset
	for off < h.TotalSize {
		m := r.chunkMetaAt(off)

		if m.free() {
			availBytes += uint64(m.ValAllocSize)
		} else {
			items++
			usedValBytes += uint64(m.ValSize)

			if minSize == 0 || uint64(m.ValSize) < minSize {
				minSize = uint64(m.ValSize)
			}

			if uint64(m.ValSize) > maxSize {
				maxSize = uint64(m.ValSize)
			}
		}

		next, ok := chunkNext(h, off, m.ValAllocSize)
		if !ok {
			break
		}

		off = next
	}

	s.Items = items
	s.UsedHashTableSlots = usedSlots

	if h.KeysSlots > 0 {
		s.HashTableLoadFactor = float64(usedSlots) / float64(h.KeysSlots)
	}

	s.AvailableValueMemSize = availBytes
	s.UsedValueMemSize = usedValBytes
	s.MinItemValueSize = minSize
	s.MaxItemValueSize = maxSize

	if items > 0 {
		s.AvgItemValueSize = float64(usedValBytes) / float64(items)
	}

	return s
}
