package shmcache

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/shmcache/shmcache/pkg/fs"
)

// Lock set (spec §4.2 / §5): a fixed collection of named readers/writer
// locks — one alloc lock, one stats lock, one oldest-cursor lock, and
// KeysSlots bucket locks — acquired in the order alloc → bucket{i} →
// oldest → stats and released in reverse.
//
// Each named lock has two tiers:
//
//  1. An in-process sync.RWMutex, shared by every Cache handle in this
//     process that is attached to the same region (keyed by fileIdentity,
//     mirroring the teacher's lock.go fileRegistry pattern). This is what
//     actually serializes goroutines within one process, since fcntl
//     record locks are process-scoped and would not do so: two lock
//     requests from the same process on overlapping ranges merge rather
//     than conflict.
//  2. A cross-process fcntl byte-range lock ([fs.RangeLocker]) on a
//     dedicated "<region path>.locks" file, one non-overlapping 8-byte
//     range per named lock. This is what serializes distinct OS processes
//     attached to the same region.
//
// A caller acquiring a named lock takes both tiers, in-process first,
// then cross-process; release happens in the opposite order.
type lockSet struct {
	entry   *lockRegistryEntry
	locker  *fs.RangeLocker
	lockFd  int
	lockPth string
}

// lockRegistryEntry holds the in-process mutex tier, shared by every
// lockSet for the same backing region in this process.
type lockRegistryEntry struct {
	alloc  sync.RWMutex
	stats  sync.RWMutex
	oldest sync.RWMutex
	bucket []sync.RWMutex // len == KeysSlots

	openCount atomic.Int32
}

var lockRegistry sync.Map // map[fileIdentity]*lockRegistryEntry

func getOrCreateLockRegistryEntry(id fileIdentity) *lockRegistryEntry {
	for {
		if val, ok := lockRegistry.Load(id); ok {
			entry, ok := val.(*lockRegistryEntry)
			if !ok {
				lockRegistry.CompareAndDelete(id, val)
				continue
			}

			for {
				old := entry.openCount.Load()
				if old <= 0 {
					break
				}

				if entry.openCount.CompareAndSwap(old, old+1) {
					return entry
				}
			}
		}

		entry := &lockRegistryEntry{bucket: make([]sync.RWMutex, KeysSlots)}
		entry.openCount.Store(1)

		if _, loaded := lockRegistry.LoadOrStore(id, entry); !loaded {
			return entry
		}
	}
}

func releaseLockRegistryEntry(id fileIdentity) {
	val, ok := lockRegistry.Load(id)
	if !ok {
		return
	}

	entry, ok := val.(*lockRegistryEntry)
	if !ok {
		lockRegistry.CompareAndDelete(id, val)
		return
	}

	if entry.openCount.Add(-1) <= 0 {
		lockRegistry.CompareAndDelete(id, entry)
	}
}

// Named-lock byte ranges within the ".locks" side file. Each range is
// 8 bytes, well clear of its neighbors.
const (
	lockRangeSize     = 8
	lockIdxAlloc      = 0
	lockIdxStats      = 1
	lockIdxOldest     = 2
	lockIdxBucketBase = 3
)

func lockFileSize() int64 {
	return int64(lockIdxBucketBase+KeysSlots) * lockRangeSize
}

// openLockSet opens (creating if necessary) the byte-range lock file
// alongside the region at regionPath, and binds it to the in-process
// registry entry for id.
func openLockSet(regionPath string, id fileIdentity) (*lockSet, error) {
	entry := getOrCreateLockRegistryEntry(id)

	lockPath := regionPath + ".locks"

	fd, err := unix.Open(lockPath, unix.O_RDWR|unix.O_CREAT, 0o600)
	if err != nil {
		releaseLockRegistryEntry(id)
		return nil, fmt.Errorf("%w: open lock file: %w", ErrIO, err)
	}

	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		_ = unix.Close(fd)
		releaseLockRegistryEntry(id)
		return nil, fmt.Errorf("%w: stat lock file: %w", ErrIO, err)
	}

	if stat.Size < lockFileSize() {
		if err := unix.Ftruncate(fd, lockFileSize()); err != nil {
			_ = unix.Close(fd)
			releaseLockRegistryEntry(id)
			return nil, fmt.Errorf("%w: size lock file: %w", ErrIO, err)
		}
	}

	return &lockSet{
		entry:   entry,
		locker:  fs.NewRangeLocker(fd),
		lockFd:  fd,
		lockPth: lockPath,
	}, nil
}

func (ls *lockSet) close(id fileIdentity) error {
	releaseLockRegistryEntry(id)
	return unix.Close(ls.lockFd)
}

func rangeErr(err error) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%w: %w", ErrBusy, err)
}

// AllocRLock acquires the alloc lock for reading: "structural layout
// stable". Held by every per-item operation.
func (ls *lockSet) AllocRLock() (*fs.Range, error) {
	ls.entry.alloc.RLock()

	rng, err := ls.locker.RLock(lockIdxAlloc*lockRangeSize, lockRangeSize)
	if err != nil {
		ls.entry.alloc.RUnlock()
		return nil, rangeErr(err)
	}

	return rng, nil
}

func (ls *lockSet) AllocRUnlock(rng *fs.Range) {
	_ = rng.Unlock()
	ls.entry.alloc.RUnlock()
}

// AllocLock acquires the alloc lock for writing: exclusive against every
// other operation. Used by flush, destroy, and region resize.
func (ls *lockSet) AllocLock() (*fs.Range, error) {
	ls.entry.alloc.Lock()

	rng, err := ls.locker.Lock(lockIdxAlloc*lockRangeSize, lockRangeSize)
	if err != nil {
		ls.entry.alloc.Unlock()
		return nil, rangeErr(err)
	}

	return rng, nil
}

func (ls *lockSet) AllocUnlock(rng *fs.Range) {
	_ = rng.Unlock()
	ls.entry.alloc.Unlock()
}

// BucketRLock/BucketLock acquire the named lock for bucket i (i is the
// natural bucket, spec §4.3 "Bucket-lock mapping").
func (ls *lockSet) BucketRLock(i uint64) (*fs.Range, error) {
	ls.entry.bucket[i].RLock()

	off := int64(lockIdxBucketBase+i) * lockRangeSize

	rng, err := ls.locker.RLock(off, lockRangeSize)
	if err != nil {
		ls.entry.bucket[i].RUnlock()
		return nil, rangeErr(err)
	}

	return rng, nil
}

func (ls *lockSet) BucketRUnlock(i uint64, rng *fs.Range) {
	_ = rng.Unlock()
	ls.entry.bucket[i].RUnlock()
}

func (ls *lockSet) BucketLock(i uint64) (*fs.Range, error) {
	ls.entry.bucket[i].Lock()

	off := int64(lockIdxBucketBase+i) * lockRangeSize

	rng, err := ls.locker.Lock(off, lockRangeSize)
	if err != nil {
		ls.entry.bucket[i].Unlock()
		return nil, rangeErr(err)
	}

	return rng, nil
}

func (ls *lockSet) BucketUnlock(i uint64, rng *fs.Range) {
	_ = rng.Unlock()
	ls.entry.bucket[i].Unlock()
}

// BucketTryLock attempts to acquire bucket i's write lock without
// blocking, returning a [fs.ErrWouldBlock]-wrapped [ErrBusy] if it is
// already held. Used by swallowChunk, which must never block on a second
// bucket's lock while already holding one (spec §5 "the only path that
// acquires a second bucket lock"): a non-blocking attempt can never
// participate in an AB-BA cycle, unlike a blocking one.
func (ls *lockSet) BucketTryLock(i uint64) (*fs.Range, error) {
	if !ls.entry.bucket[i].TryLock() {
		return nil, rangeErr(fs.ErrWouldBlock)
	}

	off := int64(lockIdxBucketBase+i) * lockRangeSize

	rng, err := ls.locker.TryLock(off, lockRangeSize)
	if err != nil {
		ls.entry.bucket[i].Unlock()
		return nil, rangeErr(err)
	}

	return rng, nil
}

// OldestLock acquires the oldest-cursor lock for writing. Only taken
// inside allocator paths that move the cursor (spec §5).
func (ls *lockSet) OldestLock() (*fs.Range, error) {
	ls.entry.oldest.Lock()

	rng, err := ls.locker.Lock(lockIdxOldest*lockRangeSize, lockRangeSize)
	if err != nil {
		ls.entry.oldest.Unlock()
		return nil, rangeErr(err)
	}

	return rng, nil
}

func (ls *lockSet) OldestUnlock(rng *fs.Range) {
	_ = rng.Unlock()
	ls.entry.oldest.Unlock()
}

// StatsLock acquires the stats lock for writing. Only taken when flushing
// process-local hit/miss counters into the region.
func (ls *lockSet) StatsLock() (*fs.Range, error) {
	ls.entry.stats.Lock()

	rng, err := ls.locker.Lock(lockIdxStats*lockRangeSize, lockRangeSize)
	if err != nil {
		ls.entry.stats.Unlock()
		return nil, rangeErr(err)
	}

	return rng, nil
}

func (ls *lockSet) StatsUnlock(rng *fs.Range) {
	_ = rng.Unlock()
	ls.entry.stats.Unlock()
}
