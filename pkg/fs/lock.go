// Package fs provides byte-range advisory file locking for coordinating
// multiple processes attached to the same backing file.
package fs

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned when a lock cannot be acquired without waiting.
//
// It is returned by [RangeLocker.TryLock]/[RangeLocker.TryRLock] when the
// range is held by another process, and by the *WithTimeout methods when
// the acquisition timeout expires.
var ErrWouldBlock = errors.New("lock would block")

// ErrInvalidTimeout is returned when a timeout is <= 0.
var ErrInvalidTimeout = errors.New("invalid lock timeout")

// RangeLocker provides byte-range advisory locking using fcntl(2) record
// locks (via [unix.FcntlFlock]).
//
// Unlike whole-file flock, fcntl record locks let many independent named
// locks share a single file descriptor and a single backing file: each
// named lock is assigned a distinct, non-overlapping byte range, and the
// kernel enforces shared/exclusive semantics per range across processes.
// This is what lets a Lock Set expose thousands of per-bucket locks (spec
// §4.2) without opening thousands of file descriptors.
//
// fcntl record locks are process-scoped, not descriptor- or thread-scoped:
// closing ANY file descriptor a process holds on the locked inode drops
// all of that process's locks on it, and two locks taken by the same
// process on overlapping ranges merge rather than conflict. Callers that
// need independent locks from multiple goroutines within one process must
// pair RangeLocker with an in-process mutex layer (see the lockSet type in
// pkg/shmcache),
// exactly as the cross-process/in-process split works for a real deployment
// of one OS process per attacher.
//
// This implementation is Unix-only.
type RangeLocker struct {
	fd      int
	fcntl   func(fd int, cmd int, lk *unix.Flock_t) error
	pidHint int32
}

// NewRangeLocker creates a RangeLocker operating on the given open file
// descriptor. The descriptor must remain open for the lifetime of any lock
// acquired through this RangeLocker.
func NewRangeLocker(fd int) *RangeLocker {
	return &RangeLocker{fd: fd, fcntl: func(fd int, cmd int, lk *unix.Flock_t) error {
		return unix.FcntlFlock(uintptr(fd), cmd, lk)
	}}
}

// Range identifies a lock acquired on a byte range.
type Range struct {
	fd     int
	fcntl  func(fd int, cmd int, lk *unix.Flock_t) error
	offset int64
	length int64
}

// Unlock releases the range lock. Idempotent: calling it more than once is
// a no-op after the first call.
func (r *Range) Unlock() error {
	if r == nil || r.fcntl == nil {
		return nil
	}

	lk := unix.Flock_t{
		Type:   unix.F_UNLCK,
		Whence: 0,
		Start:  r.offset,
		Len:    r.length,
	}

	err := r.fcntl(r.fd, unix.F_SETLK, &lk)
	r.fcntl = nil

	if err != nil {
		return fmt.Errorf("fcntl unlock: %w", err)
	}

	return nil
}

// Lock acquires an exclusive lock on [offset, offset+length), blocking
// until it is available.
func (l *RangeLocker) Lock(offset, length int64) (*Range, error) {
	return l.lockBlocking(offset, length, unix.F_WRLCK)
}

// RLock acquires a shared lock on [offset, offset+length), blocking until
// it is available.
func (l *RangeLocker) RLock(offset, length int64) (*Range, error) {
	return l.lockBlocking(offset, length, unix.F_RDLCK)
}

// TryLock attempts to acquire an exclusive lock without blocking. Returns
// [ErrWouldBlock] if the range is held by another process.
func (l *RangeLocker) TryLock(offset, length int64) (*Range, error) {
	return l.lockOnce(offset, length, unix.F_WRLCK)
}

// TryRLock attempts to acquire a shared lock without blocking. Returns
// [ErrWouldBlock] if an exclusive lock is held by another process.
func (l *RangeLocker) TryRLock(offset, length int64) (*Range, error) {
	return l.lockOnce(offset, length, unix.F_RDLCK)
}

// LockWithTimeout attempts to acquire an exclusive lock, retrying with
// exponential backoff until the timeout expires.
func (l *RangeLocker) LockWithTimeout(offset, length int64, timeout time.Duration) (*Range, error) {
	return l.lockPolling(offset, length, unix.F_WRLCK, timeout)
}

// RLockWithTimeout attempts to acquire a shared lock, retrying with
// exponential backoff until the timeout expires.
func (l *RangeLocker) RLockWithTimeout(offset, length int64, timeout time.Duration) (*Range, error) {
	return l.lockPolling(offset, length, unix.F_RDLCK, timeout)
}

func (l *RangeLocker) lockBlocking(offset, length int64, lockType int16) (*Range, error) {
	lk := unix.Flock_t{
		Type:   lockType,
		Whence: 0,
		Start:  offset,
		Len:    length,
	}

	err := fcntlRetryEINTR(l.fcntl, l.fd, unix.F_SETLKW, &lk)
	if err != nil {
		return nil, fmt.Errorf("fcntl lock: %w", err)
	}

	return &Range{fd: l.fd, fcntl: l.fcntl, offset: offset, length: length}, nil
}

func (l *RangeLocker) lockOnce(offset, length int64, lockType int16) (*Range, error) {
	lk := unix.Flock_t{
		Type:   lockType,
		Whence: 0,
		Start:  offset,
		Len:    length,
	}

	err := fcntlRetryEINTR(l.fcntl, l.fd, unix.F_SETLK, &lk)
	if err != nil {
		if isWouldBlock(err) {
			return nil, ErrWouldBlock
		}

		return nil, fmt.Errorf("fcntl lock: %w", err)
	}

	return &Range{fd: l.fd, fcntl: l.fcntl, offset: offset, length: length}, nil
}

func (l *RangeLocker) lockPolling(offset, length int64, lockType int16, timeout time.Duration) (*Range, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: timeout must be > 0", ErrInvalidTimeout)
	}

	deadline := time.Now().Add(timeout)
	backoff := time.Microsecond * 50

	for {
		rng, err := l.lockOnce(offset, length, lockType)
		if err == nil {
			return rng, nil
		}

		if !errors.Is(err, ErrWouldBlock) {
			return nil, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("%w: timed out after %s", ErrWouldBlock, timeout)
		}

		time.Sleep(min(backoff, remaining))

		if backoff < time.Millisecond*25 {
			backoff *= 2
		}
	}
}

func isWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EACCES)
}

// fcntlRetryEINTR wraps fcntl, retrying on EINTR. See the analogous comment
// in the teacher's flock wrapper: EINTR means the syscall was interrupted
// by a signal, not that it failed.
func fcntlRetryEINTR(fcntl func(fd int, cmd int, lk *unix.Flock_t) error, fd, cmd int, lk *unix.Flock_t) error {
	const maxEINTRRetries = 10000

	var err error
	for range maxEINTRRetries {
		err = fcntl(fd, cmd, lk)
		if err == nil || !errors.Is(err, unix.EINTR) {
			return err
		}
	}

	return err
}
