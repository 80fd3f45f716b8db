package shmcache

import "errors"

// ErrInvalidInput is returned when an argument fails validation, such as a
// bad [Options] field (an empty Path, a non-zero Size below
// [MinRegionSize], or UserData longer than [UserDataSize]). Keys are not
// validated: a key longer than [MaxKeyLength] is truncated, and a
// zero-length key is accepted. The caller passed something the engine
// will never accept; retrying with the same arguments will not help.
var ErrInvalidInput = errors.New("shmcache: invalid input")

// ErrBusy is returned when a lock could not be acquired, either because a
// non-blocking attempt found the lock held or because a bounded wait timed
// out. Callers should treat this as transient and may retry the whole
// operation.
var ErrBusy = errors.New("shmcache: resource busy")

// ErrIO is returned when a region read, write, mmap, or msync operation
// fails at the OS level. Wraps the underlying syscall error.
var ErrIO = errors.New("shmcache: region i/o error")

// ErrTooLarge is returned when a value's length exceeds [MaxChunkSize].
var ErrTooLarge = errors.New("shmcache: value too large")

// ErrNotNumeric is returned by [Cache.Increment] and [Cache.Decrement] when
// the stored value is not a decimal ASCII integer.
var ErrNotNumeric = errors.New("shmcache: value is not numeric")

// ErrClosed is returned by any operation on a [Cache] after [Cache.Close]
// or [Cache.Destroy] has run. The facade is unusable afterward; open a new
// one.
var ErrClosed = errors.New("shmcache: cache is closed")

// ErrCorrupt is returned when an attached region's header fails magic,
// checksum, or reserved-byte validation. A header written by a different
// format version is not reported this way: Open recreates the region
// instead.
var ErrCorrupt = errors.New("shmcache: region header corrupt or incompatible")
