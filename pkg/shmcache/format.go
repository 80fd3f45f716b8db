package shmcache

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// SHC1 region format constants. All multi-byte integers are little-endian
// regardless of host byte order, the way the teacher's SLC1 format fixes
// its own endianness rather than trusting native order across attachers
// that might run on different architectures sharing the same region.
const (
	shc1Version    = 1
	shc1HeaderSize = 256

	// UserDataSize is the size, in bytes, of the caller-owned header field
	// (spec §12 "user-defined header region").
	UserDataSize = 64
)

// Header field offsets (bytes from region start).
const (
	offMagic         = 0x00 // [4]byte
	offVersion       = 0x04 // uint32
	offHeaderSize    = 0x08 // uint32
	offFlags         = 0x0C // uint32
	offTotalSize     = 0x10 // uint64
	offKeysSlots     = 0x18 // uint64
	offMaxItems      = 0x20 // uint64
	offMaxKeyLen     = 0x28 // uint32
	offMinValAlloc   = 0x2C // uint32
	offMaxChunkSize  = 0x30 // uint32
	offChunkMetaSize = 0x34 // uint32
	offIndexOffset   = 0x38 // uint64
	offValuesOffset  = 0x40 // uint64
	offOldestOffset  = 0x48 // uint64 (byte offset within region of the oldest chunk)
	offHitCount      = 0x50 // uint64
	offMissCount     = 0x58 // uint64
	offHeaderCRC32C  = 0x60 // uint32
	offState         = 0x64 // uint32 (engine-owned state)
	offUserFlags     = 0x68 // uint64 (caller-owned)
	offUserData      = 0x70 // [64]byte (caller-owned)
	offReservedTail  = 0xB0 // reserved bytes through 0xFF, must stay zero
)

// Region state values (stored in the state field at offset 0x64).
const (
	stateNormal    uint32 = 0
	stateDestroyed uint32 = 1
)

// header mirrors the 256-byte region header. Every field past Magic is
// little-endian on the wire regardless of host order.
type header struct {
	Magic         [4]byte
	Version       uint32
	HeaderSize    uint32
	Flags         uint32
	TotalSize     uint64
	KeysSlots     uint64
	MaxItems      uint64
	MaxKeyLen     uint32
	MinValAlloc   uint32
	MaxChunkSize  uint32
	ChunkMetaSize uint32
	IndexOffset   uint64
	ValuesOffset  uint64
	OldestOffset  uint64
	HitCount      uint64
	MissCount     uint64
	HeaderCRC32C  uint32
	State         uint32
	UserFlags     uint64
	UserData      [UserDataSize]byte
}

// newHeader builds the header for a freshly created region of totalSize
// bytes, with the value area starting as one free chunk spanning the whole
// values segment.
func newHeader(totalSize uint64) header {
	indexOffset := uint64(shc1HeaderSize)
	valuesOffset := indexOffset + KeysSlots*indexCellSize

	return header{
		Magic:         [4]byte{'S', 'H', 'C', '1'},
		Version:       shc1Version,
		HeaderSize:    shc1HeaderSize,
		TotalSize:     totalSize,
		KeysSlots:     KeysSlots,
		MaxItems:      MaxItems,
		MaxKeyLen:     MaxKeyLength,
		MinValAlloc:   MinValueAllocSize,
		MaxChunkSize:  MaxChunkSize,
		ChunkMetaSize: uint32(chunkMetaSize),
		IndexOffset:   indexOffset,
		ValuesOffset:  valuesOffset,
		OldestOffset:  valuesOffset,
		State:         stateNormal,
	}
}

// encodeHeader serializes h into a 256-byte buffer with the CRC computed
// and stored.
func encodeHeader(h *header) []byte {
	buf := make([]byte, shc1HeaderSize)

	copy(buf[offMagic:], h.Magic[:])
	binary.LittleEndian.PutUint32(buf[offVersion:], h.Version)
	binary.LittleEndian.PutUint32(buf[offHeaderSize:], h.HeaderSize)
	binary.LittleEndian.PutUint32(buf[offFlags:], h.Flags)
	binary.LittleEndian.PutUint64(buf[offTotalSize:], h.TotalSize)
	binary.LittleEndian.PutUint64(buf[offKeysSlots:], h.KeysSlots)
	binary.LittleEndian.PutUint64(buf[offMaxItems:], h.MaxItems)
	binary.LittleEndian.PutUint32(buf[offMaxKeyLen:], h.MaxKeyLen)
	binary.LittleEndian.PutUint32(buf[offMinValAlloc:], h.MinValAlloc)
	binary.LittleEndian.PutUint32(buf[offMaxChunkSize:], h.MaxChunkSize)
	binary.LittleEndian.PutUint32(buf[offChunkMetaSize:], h.ChunkMetaSize)
	binary.LittleEndian.PutUint64(buf[offIndexOffset:], h.IndexOffset)
	binary.LittleEndian.PutUint64(buf[offValuesOffset:], h.ValuesOffset)
	binary.LittleEndian.PutUint64(buf[offOldestOffset:], h.OldestOffset)
	binary.LittleEndian.PutUint64(buf[offHitCount:], h.HitCount)
	binary.LittleEndian.PutUint64(buf[offMissCount:], h.MissCount)
	binary.LittleEndian.PutUint32(buf[offState:], h.State)
	binary.LittleEndian.PutUint64(buf[offUserFlags:], h.UserFlags)
	copy(buf[offUserData:offUserData+UserDataSize], h.UserData[:])

	crc := computeHeaderCRC(buf)
	binary.LittleEndian.PutUint32(buf[offHeaderCRC32C:], crc)

	return buf
}

// decodeHeader parses a 256-byte header buffer. Callers must validate the
// CRC separately via validateHeaderCRC before trusting the result.
func decodeHeader(buf []byte) header {
	var h header

	copy(h.Magic[:], buf[offMagic:offMagic+4])
	h.Version = binary.LittleEndian.Uint32(buf[offVersion:])
	h.HeaderSize = binary.LittleEndian.Uint32(buf[offHeaderSize:])
	h.Flags = binary.LittleEndian.Uint32(buf[offFlags:])
	h.TotalSize = binary.LittleEndian.Uint64(buf[offTotalSize:])
	h.KeysSlots = binary.LittleEndian.Uint64(buf[offKeysSlots:])
	h.MaxItems = binary.LittleEndian.Uint64(buf[offMaxItems:])
	h.MaxKeyLen = binary.LittleEndian.Uint32(buf[offMaxKeyLen:])
	h.MinValAlloc = binary.LittleEndian.Uint32(buf[offMinValAlloc:])
	h.MaxChunkSize = binary.LittleEndian.Uint32(buf[offMaxChunkSize:])
	h.ChunkMetaSize = binary.LittleEndian.Uint32(buf[offChunkMetaSize:])
	h.IndexOffset = binary.LittleEndian.Uint64(buf[offIndexOffset:])
	h.ValuesOffset = binary.LittleEndian.Uint64(buf[offValuesOffset:])
	h.OldestOffset = binary.LittleEndian.Uint64(buf[offOldestOffset:])
	h.HitCount = binary.LittleEndian.Uint64(buf[offHitCount:])
	h.MissCount = binary.LittleEndian.Uint64(buf[offMissCount:])
	h.HeaderCRC32C = binary.LittleEndian.Uint32(buf[offHeaderCRC32C:])
	h.State = binary.LittleEndian.Uint32(buf[offState:])
	h.UserFlags = binary.LittleEndian.Uint64(buf[offUserFlags:])
	copy(h.UserData[:], buf[offUserData:offUserData+UserDataSize])

	return h
}

// computeHeaderCRC computes CRC32-C over the header buffer with the CRC
// field itself zeroed. The oldest-cursor and hit/miss counter fields are
// zeroed too: the atomic helpers update them in place without
// re-encoding the header, so they are not covered by the checksum.
func computeHeaderCRC(buf []byte) uint32 {
	tmp := make([]byte, shc1HeaderSize)
	copy(tmp, buf[:shc1HeaderSize])

	for i := offOldestOffset; i < offMissCount+8; i++ {
		tmp[i] = 0
	}

	for i := offHeaderCRC32C; i < offHeaderCRC32C+4; i++ {
		tmp[i] = 0
	}

	return crc32.Checksum(tmp, crc32.MakeTable(crc32.Castagnoli))
}

// validateHeaderCRC reports whether buf's stored CRC matches its computed
// CRC.
func validateHeaderCRC(buf []byte) bool {
	stored := binary.LittleEndian.Uint32(buf[offHeaderCRC32C:])
	return stored == computeHeaderCRC(buf)
}

// hasReservedBytesSet reports whether any reserved tail byte is non-zero,
// one of the signals decodeHeader's caller uses to distinguish a corrupt
// header from a valid one (alongside magic/version/CRC).
func hasReservedBytesSet(buf []byte) bool {
	for i := offReservedTail; i < shc1HeaderSize; i++ {
		if buf[i] != 0 {
			return true
		}
	}

	return false
}

// indexCellSize is the width of one index cell: a signed 8-byte chunk
// offset, or 0 for empty (spec §3 "Index").
const indexCellSize = 8

// Chunk metadata layout, relative to the start of the chunk:
//
//	key           [MaxKeyLength]byte  (first byte 0 => free)
//	valallocsize  uint32
//	valsize       uint32
//	flags         uint8
//	padding       to chunkMetaSize
const (
	chunkOffKey          = 0
	chunkOffValAllocSize = MaxKeyLength
	chunkOffValSize      = chunkOffValAllocSize + 4
	chunkOffFlags        = chunkOffValSize + 4
)

// Chunk flag bits (spec §3 "Chunk").
const (
	chunkFlagSerialized uint8 = 1 << 0
)

// chunkMeta is the decoded fixed-width portion of a chunk.
type chunkMeta struct {
	Key          []byte // up to MaxKeyLength, NUL-padded
	ValAllocSize uint32
	ValSize      uint32
	Flags        uint8
}

// free reports whether the chunk is unoccupied, i.e. its valsize is 0.
// The key field is not consulted.
func (c chunkMeta) free() bool {
	return c.ValSize == 0
}

// encodeChunkMeta writes c's fixed-width metadata into buf, which must be
// at least chunkMetaSize bytes.
func encodeChunkMeta(buf []byte, c chunkMeta) {
	var keyBuf [MaxKeyLength]byte
	copy(keyBuf[:], c.Key)
	copy(buf[chunkOffKey:chunkOffKey+MaxKeyLength], keyBuf[:])

	binary.LittleEndian.PutUint32(buf[chunkOffValAllocSize:], c.ValAllocSize)
	binary.LittleEndian.PutUint32(buf[chunkOffValSize:], c.ValSize)
	buf[chunkOffFlags] = c.Flags
}

// decodeChunkMeta reads a chunk's fixed-width metadata from buf.
func decodeChunkMeta(buf []byte) chunkMeta {
	keyLen := 0
	for keyLen < MaxKeyLength && buf[chunkOffKey+keyLen] != 0 {
		keyLen++
	}

	key := make([]byte, keyLen)
	copy(key, buf[chunkOffKey:chunkOffKey+keyLen])

	return chunkMeta{
		Key:          key,
		ValAllocSize: binary.LittleEndian.Uint32(buf[chunkOffValAllocSize:]),
		ValSize:      binary.LittleEndian.Uint32(buf[chunkOffValSize:]),
		Flags:        buf[chunkOffFlags],
	}
}

// clearChunkKey zeroes a chunk's key field in place, marking it free once
// ValSize is also zeroed by the caller (spec §4.4.3 removeItem step 2).
func clearChunkKey(buf []byte) {
	for i := chunkOffKey; i < chunkOffKey+MaxKeyLength; i++ {
		buf[i] = 0
	}
}

// keyEquals compares a chunk's stored key field against a candidate key.
func keyEquals(stored, candidate []byte) bool {
	if len(stored) != len(candidate) {
		return false
	}

	for i := range stored {
		if stored[i] != candidate[i] {
			return false
		}
	}

	return true
}

// fnv1a64 computes the FNV-1a 64-bit hash of key, the same fast
// non-adversarial string hash spec §4.3 permits.
func fnv1a64(key []byte) uint64 {
	const (
		offsetBasis uint64 = 14695981039346656037
		prime       uint64 = 1099511628211
	)

	hash := offsetBasis
	for _, b := range key {
		hash ^= uint64(b)
		hash *= prime
	}

	return hash
}

// naturalBucket returns hash(key) mod KeysSlots, the index cell a key
// probes from and the bucket lock name that guards mutations to it.
func naturalBucket(key []byte) uint64 {
	return fnv1a64(key) % KeysSlots
}

// atomicLoadUint64At performs an atomic 8-byte load at an 8-byte-aligned
// offset within buf. Used for the header counters and the oldest-chunk
// cursor, which must be readable coherently by any attached process while
// another attacher holds only a read lock on the guarding named lock.
func atomicLoadUint64At(buf []byte, offset int) uint64 {
	_ = buf[offset+7]
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&buf[offset])))
}

// atomicStoreUint64At performs an atomic 8-byte store at an 8-byte-aligned
// offset within buf.
func atomicStoreUint64At(buf []byte, offset int, val uint64) {
	_ = buf[offset+7]
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&buf[offset])), val)
}

// atomicLoadInt64At performs an atomic 8-byte signed load at an
// 8-byte-aligned offset within buf. Used for index cells, which hold a
// signed chunk offset or 0 for empty.
func atomicLoadInt64At(buf []byte, offset int) int64 {
	_ = buf[offset+7]
	return atomic.LoadInt64((*int64)(unsafe.Pointer(&buf[offset])))
}

// atomicStoreInt64At performs an atomic 8-byte signed store at an
// 8-byte-aligned offset within buf.
func atomicStoreInt64At(buf []byte, offset int, val int64) {
	_ = buf[offset+7]
	atomic.StoreInt64((*int64)(unsafe.Pointer(&buf[offset])), val)
}

// pageSize is the system page size, used to align msync ranges.
var pageSize = unix.Getpagesize()

// msyncRange flushes the given byte range of data to its backing file,
// rounding the range outward to page boundaries as msync requires.
func msyncRange(data []byte, offset, length int) error {
	if length <= 0 {
		return fmt.Errorf("msyncRange: length %d <= 0: %w", length, ErrInvalidInput)
	}

	if offset < 0 || offset >= len(data) {
		return fmt.Errorf("msyncRange: offset %d out of range [0, %d): %w", offset, len(data), ErrInvalidInput)
	}

	if offset+length > len(data) {
		length = len(data) - offset
	}

	alignedStart := (offset / pageSize) * pageSize
	end := offset + length
	alignedEnd := min(((end+pageSize-1)/pageSize)*pageSize, len(data))

	alignedLen := alignedEnd - alignedStart
	if alignedLen <= 0 {
		return fmt.Errorf("msyncRange: aligned length %d <= 0: %w", alignedLen, ErrInvalidInput)
	}

	if err := unix.Msync(data[alignedStart:alignedStart+alignedLen], unix.MS_SYNC); err != nil {
		return fmt.Errorf("msync: %w", err)
	}

	return nil
}
