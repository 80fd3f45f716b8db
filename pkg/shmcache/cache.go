package shmcache

import (
	"fmt"
	"sync/atomic"
)

// Options configures Open.
type Options struct {
	// Path is the filesystem path backing the shared region (typically
	// somewhere under a tmpfs mount such as /dev/shm for genuine
	// zero-copy shared memory, but any path works).
	//
	// Required.
	Path string

	// Size is the desired region size in bytes. Zero means
	// DefaultCacheSize. A non-zero value must be >= MinRegionSize (spec
	// §4.1 "desired_size, when non-zero, must be >= 16 MiB").
	Size int64

	// UserData seeds the caller-owned header field (spec §12
	// "user-defined header region"). At most UserDataSize bytes are
	// copied; Open does not validate or interpret this field further.
	UserData []byte
}

// Cache is the public facade over a region: the composition of the
// index, chunk store, and lock set under the acquisition discipline of
// spec §5. A Cache is safe for concurrent use by multiple goroutines,
// and multiple Cache values (in this process or others) may attach to
// the same region at once.
type Cache struct {
	region *region
	locks  *lockSet
	path   string
	closed atomic.Bool

	localHits   atomic.Uint64
	localMisses atomic.Uint64
}

// Open attaches to the region at opts.Path, creating it if absent, per
// the open(desired_size) contract of spec §4.1.
func Open(opts Options) (*Cache, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("%w: path is required", ErrInvalidInput)
	}

	if len(opts.UserData) > UserDataSize {
		return nil, fmt.Errorf("%w: user data length %d exceeds %d", ErrInvalidInput, len(opts.UserData), UserDataSize)
	}

	r, err := openRegion(opts.Path, opts.Size)
	if err != nil {
		return nil, err
	}

	ls, err := openLockSet(opts.Path, r.identity)
	if err != nil {
		_ = r.close()
		return nil, err
	}

	c := &Cache{region: r, locks: ls, path: opts.Path}

	if len(opts.UserData) > 0 {
		if err := c.withAllocWrite(func() error {
			h := r.header()
			copy(h.UserData[:], opts.UserData)
			r.writeHeaderField(h)
			return nil
		}); err != nil {
			_ = c.Close()
			return nil, err
		}
	}

	return c, nil
}

// withAllocWrite runs fn under the alloc write lock.
func (c *Cache) withAllocWrite(fn func() error) error {
	rng, err := c.locks.AllocLock()
	if err != nil {
		return err
	}
	defer c.locks.AllocUnlock(rng)

	return fn()
}

// withAllocRead runs fn under the alloc read lock.
func (c *Cache) withAllocRead(fn func(h header) error) error {
	rng, err := c.locks.AllocRLock()
	if err != nil {
		return err
	}
	defer c.locks.AllocRUnlock(rng)

	return fn(c.region.header())
}

// checkOpen returns ErrClosed if this facade has already been closed or
// destroyed (spec §7 UseAfterDestroy).
func (c *Cache) checkOpen() error {
	if c.closed.Load() {
		return ErrClosed
	}

	return nil
}

// flushLocalStats adds this process's buffered hit/miss counts into the
// region's counters under the stats lock, then zeroes the local buffer
// (spec §4.5 "on destruction... flushed to the in-region counters under
// the stats lock").
func (c *Cache) flushLocalStats() error {
	hits := c.localHits.Swap(0)
	misses := c.localMisses.Swap(0)

	if hits == 0 && misses == 0 {
		return nil
	}

	rng, err := c.locks.StatsLock()
	if err != nil {
		c.localHits.Add(hits)
		c.localMisses.Add(misses)

		return err
	}
	defer c.locks.StatsUnlock(rng)

	c.region.addHitMiss(hits, misses)

	return nil
}

// Close detaches from the region without destroying it: buffered
// hit/miss counters are flushed, the mapping is released, and the
// facade becomes unusable.
func (c *Cache) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	flushErr := c.flushLocalStats()

	lockErr := c.locks.close(c.region.identity)
	regionErr := c.region.close()

	if flushErr != nil {
		return flushErr
	}

	if lockErr != nil {
		return fmt.Errorf("%w: %w", ErrIO, lockErr)
	}

	return regionErr
}

// Destroy implements spec §4.1 destroy(): it returns the region to the
// OS. It is terminal: every subsequent operation on this Cache fails with
// ErrClosed. Cache values in other processes that still map the region
// are not told: their operations keep working on their own mapping. A
// later Open of the same path creates a fresh region.
//
// The caller must ensure no other process is still attached; Destroy
// only guards against other handles open in this process (via the lock
// registry's open count), matching spec §4.1's "enforced externally"
// contract for cross-process attachment tracking.
func (c *Cache) Destroy() error {
	if err := c.checkOpen(); err != nil {
		return err
	}

	rng, err := c.locks.AllocLock()
	if err != nil {
		return err
	}

	if c.locks.entry.openCount.Load() > 1 {
		c.locks.AllocUnlock(rng)
		return fmt.Errorf("%w: other handles in this process are still attached", ErrBusy)
	}

	c.closed.Store(true)

	destroyErr := c.region.destroy()

	c.locks.AllocUnlock(rng)

	if closeErr := c.locks.close(c.region.identity); closeErr != nil && destroyErr == nil {
		return fmt.Errorf("%w: %w", ErrIO, closeErr)
	}

	return destroyErr
}
