package shmcache

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// region owns the mapped byte range backing a cache: the header, the
// index, and the value area, all addressed by byte offset (spec §4.1).
// It never interprets the bytes beyond the header; index.go and
// chunkstore.go do that.
type region struct {
	fd       int
	data     []byte
	path     string
	identity fileIdentity
}

// fileIdentity uniquely identifies a backing file by device and inode,
// the way multiple Cache handles in one process recognize they share a
// region (teacher: pkg/slotcache's own fileIdentity).
type fileIdentity struct {
	dev uint64
	ino uint64
}

// errHeaderVersionMismatch signals a header that is otherwise
// structurally sound (good magic, good CRC) but was written by a
// different protocol version. It is never returned across the package
// boundary: openRegion catches it and reinitializes the region in place
// of failing, per spec §6 "a version mismatch in the header triggers
// flush-equivalent reinitialization".
var errHeaderVersionMismatch = errors.New("shmcache: header version mismatch")

// openRegion implements the open(desired_size) contract of spec §4.1: if
// no region exists at path, create one of max(desiredSize,
// DefaultCacheSize); if one exists and is smaller than desiredSize,
// destroy and recreate it; if one exists with a header version that does
// not match this binary's, destroy and recreate it the same way; otherwise
// attach to the existing one.
func openRegion(path string, desiredSize int64) (*region, error) {
	if desiredSize != 0 && desiredSize < MinRegionSize {
		return nil, fmt.Errorf("%w: desired size %d is non-zero and below minimum %d", ErrInvalidInput, desiredSize, MinRegionSize)
	}

	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		if !errors.Is(err, unix.ENOENT) {
			return nil, fmt.Errorf("%w: open region file: %w", ErrIO, err)
		}

		return createRegion(path, desiredSize)
	}

	var stat unix.Stat_t
	if statErr := unix.Fstat(fd, &stat); statErr != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: stat region file: %w", ErrIO, statErr)
	}

	size := stat.Size
	if size == 0 {
		_ = unix.Close(fd)
		return createRegion(path, desiredSize)
	}

	wantSize := regionSize(desiredSize)
	if size < wantSize {
		_ = unix.Close(fd)

		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: remove undersized region: %w", ErrIO, err)
		}

		return createRegion(path, desiredSize)
	}

	headerBuf := make([]byte, shc1HeaderSize)
	if _, err := unix.Pread(fd, headerBuf, 0); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: read header: %w", ErrIO, err)
	}

	if err := validateHeaderBuf(headerBuf); err != nil {
		_ = unix.Close(fd)

		if errors.Is(err, errHeaderVersionMismatch) {
			if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
				return nil, fmt.Errorf("%w: remove version-mismatched region: %w", ErrIO, rmErr)
			}

			return createRegion(path, desiredSize)
		}

		return nil, err
	}

	return mapRegion(fd, size)
}

// regionSize computes max(desiredSize, DefaultCacheSize), the size a
// freshly created region gets.
func regionSize(desiredSize int64) int64 {
	if desiredSize == 0 {
		return DefaultCacheSize
	}

	return max(desiredSize, int64(DefaultCacheSize))
}

// validateHeaderBuf checks magic, version, CRC, and reserved bytes. Bad
// magic, a bad checksum, or reserved bits set are genuine corruption and
// return ErrCorrupt, which openRegion propagates as fatal. A version
// mismatch is not corruption — the header is otherwise well-formed, just
// written by a different protocol version — so it returns the distinct
// errHeaderVersionMismatch, which openRegion catches and reinitializes
// from rather than failing (spec §6).
func validateHeaderBuf(buf []byte) error {
	if string(buf[offMagic:offMagic+4]) != "SHC1" {
		return fmt.Errorf("%w: bad magic", ErrCorrupt)
	}

	h := decodeHeader(buf)
	if h.Version != shc1Version {
		return fmt.Errorf("%w: version %d != %d", errHeaderVersionMismatch, h.Version, shc1Version)
	}

	if !validateHeaderCRC(buf) {
		return fmt.Errorf("%w: header checksum mismatch", ErrCorrupt)
	}

	if hasReservedBytesSet(buf) {
		return fmt.Errorf("%w: reserved header bytes set", ErrCorrupt)
	}

	if h.State == stateDestroyed {
		return fmt.Errorf("%w: region was destroyed", ErrClosed)
	}

	return nil
}

// createRegion creates a new region file via temp-file-then-rename, the
// same crash-safe creation idiom the teacher's createNewCache uses, then
// maps it.
func createRegion(path string, desiredSize int64) (*region, error) {
	dir := filepath.Dir(path)
	if dir == "" {
		dir = "."
	}

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("%w: create region directory: %w", ErrIO, err)
	}

	randSuffix := make([]byte, 8)
	_, _ = rand.Read(randSuffix)
	tmpPath := fmt.Sprintf("%s.tmp.%x", path, randSuffix)

	fd, err := unix.Open(tmpPath, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: create temp region file: %w", ErrIO, err)
	}

	size := regionSize(desiredSize)

	if err := unix.Ftruncate(fd, size); err != nil {
		_ = unix.Close(fd)
		_ = unix.Unlink(tmpPath)
		return nil, fmt.Errorf("%w: ftruncate region file: %w", ErrIO, err)
	}

	h := newHeader(uint64(size))
	headerBuf := encodeHeader(&h)

	if _, err := unix.Pwrite(fd, headerBuf, 0); err != nil {
		_ = unix.Close(fd)
		_ = unix.Unlink(tmpPath)
		return nil, fmt.Errorf("%w: write header: %w", ErrIO, err)
	}

	// Write the initial "one free chunk spanning the value area" record
	// (spec §4.1 "on fresh creation, the value area is written as one
	// free chunk"). CHUNK_META_SIZE-sized metadata lives right after the
	// index; the payload capacity is whatever remains of the region.
	freeMeta := chunkMeta{
		ValAllocSize: uint32(size) - uint32(h.ValuesOffset) - uint32(chunkMetaSize),
		ValSize:      0,
	}

	metaBuf := make([]byte, chunkMetaSize)
	encodeChunkMeta(metaBuf, freeMeta)

	if _, err := unix.Pwrite(fd, metaBuf, int64(h.ValuesOffset)); err != nil {
		_ = unix.Close(fd)
		_ = unix.Unlink(tmpPath)
		return nil, fmt.Errorf("%w: write initial chunk: %w", ErrIO, err)
	}

	if err := unix.Fsync(fd); err != nil {
		_ = unix.Close(fd)
		_ = unix.Unlink(tmpPath)
		return nil, fmt.Errorf("%w: fsync region file: %w", ErrIO, err)
	}

	_ = unix.Close(fd)

	if err := unix.Rename(tmpPath, path); err != nil {
		_ = unix.Unlink(tmpPath)
		return nil, fmt.Errorf("%w: rename region file into place: %w", ErrIO, err)
	}

	fd, err = unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: reopen region file after create: %w", ErrIO, err)
	}

	return mapRegion(fd, size)
}

// mapRegion mmaps fd (already sized to size) and returns the region
// handle.
func mapRegion(fd int, size int64) (*region, error) {
	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: stat region file: %w", ErrIO, err)
	}

	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: mmap region: %w", ErrIO, err)
	}

	var path string
	if p, err := os.Readlink(fmt.Sprintf("/proc/self/fd/%d", fd)); err == nil {
		path = p
	}

	return &region{
		fd:       fd,
		data:     data,
		path:     path,
		identity: fileIdentity{dev: stat.Dev, ino: stat.Ino},
	}, nil
}

// header decodes the region's header and returns the copy; it does not
// validate it. Callers must hold at least the alloc read lock.
func (r *region) header() header {
	return decodeHeader(r.data[:shc1HeaderSize])
}

// writeHeaderField re-encodes the full header from h and writes it back,
// recomputing the CRC. Callers must hold the alloc write lock.
func (r *region) writeHeaderField(h header) {
	buf := encodeHeader(&h)
	copy(r.data[:shc1HeaderSize], buf)
}

// readIndexCell atomically reads the signed chunk offset stored in index
// cell i, or 0 if empty.
func (r *region) readIndexCell(h header, i uint64) int64 {
	off := int(h.IndexOffset) + int(i)*indexCellSize
	return atomicLoadInt64At(r.data, off)
}

// writeIndexCell atomically stores a signed chunk offset (or 0) into
// index cell i.
func (r *region) writeIndexCell(h header, i uint64, offset int64) {
	off := int(h.IndexOffset) + int(i)*indexCellSize
	atomicStoreInt64At(r.data, off, offset)
}

// oldestOffset atomically reads the oldest-chunk cursor.
func (r *region) oldestOffset() uint64 {
	return atomicLoadUint64At(r.data, offOldestOffset)
}

// setOldestOffset atomically stores the oldest-chunk cursor. Callers must
// hold the oldest lock.
func (r *region) setOldestOffset(v uint64) {
	atomicStoreUint64At(r.data, offOldestOffset, v)
}

// addHitMiss atomically bumps the in-region hit/miss counters. Callers
// must hold the stats lock; used only when flushing process-local
// counters (spec §4.5 "on destruction... flushed to the in-region
// counters under the stats lock").
func (r *region) addHitMiss(hits, misses uint64) {
	if hits != 0 {
		cur := atomicLoadUint64At(r.data, offHitCount)
		atomicStoreUint64At(r.data, offHitCount, cur+hits)
	}

	if misses != 0 {
		cur := atomicLoadUint64At(r.data, offMissCount)
		atomicStoreUint64At(r.data, offMissCount, cur+misses)
	}
}

// chunkMetaAt decodes the metadata of the chunk at byte offset off.
func (r *region) chunkMetaAt(off uint64) chunkMeta {
	return decodeChunkMeta(r.data[off : off+uint64(chunkMetaSize)])
}

// writeChunkMetaAt encodes and writes m as the metadata of the chunk at
// byte offset off.
func (r *region) writeChunkMetaAt(off uint64, m chunkMeta) {
	encodeChunkMeta(r.data[off:off+uint64(chunkMetaSize)], m)
}

// chunkPayloadAt returns the payload bytes of the chunk at off, given its
// already-decoded metadata.
func (r *region) chunkPayloadAt(off uint64, m chunkMeta) []byte {
	start := off + uint64(chunkMetaSize)
	return r.data[start : start+uint64(m.ValSize)]
}

// writeChunkPayloadAt writes val into the chunk at off, starting right
// after its metadata.
func (r *region) writeChunkPayloadAt(off uint64, val []byte) {
	start := off + uint64(chunkMetaSize)
	copy(r.data[start:start+uint64(len(val))], val)
}

// sync flushes the whole mapped region to its backing file. Used by
// destroy, which needs the destroyed state durable before unmapping.
func (r *region) sync() error {
	return msyncRange(r.data, 0, len(r.data))
}

// close unmaps and closes the region's file descriptor without touching
// its contents on disk.
func (r *region) close() error {
	var errs []error

	if err := unix.Munmap(r.data); err != nil {
		errs = append(errs, fmt.Errorf("munmap: %w", err))
	}

	if err := unix.Close(r.fd); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}

	return errors.Join(errs...)
}

// destroy implements spec §4.1 destroy(): unmap, close, and unlink the
// backing file. Only legal when the caller holds the alloc write lock
// and has verified no other attachers are active (enforced by the
// facade, not here).
func (r *region) destroy() error {
	h := r.header()
	h.State = stateDestroyed
	r.writeHeaderField(h)

	if err := r.sync(); err != nil {
		return err
	}

	if err := r.close(); err != nil {
		return err
	}

	if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: unlink region file: %w", ErrIO, err)
	}

	return nil
}
