package shmcache

// Tunables controlling region layout and capacity. These mirror the
// teacher's limits.go: each constant carries the rationale for its default
// inline, since changing one reshapes the binary layout of every region
// created afterward.

const (
	// DefaultCacheSize is the size, in bytes, of a freshly created region
	// when Options.Size is 0. Chosen to comfortably hold MaxItems entries
	// averaging a few KB each, the way a short-lived script's cache
	// typically looks.
	DefaultCacheSize = 128 << 20 // 128 MiB

	// MinRegionSize is the smallest region size Open will accept for a
	// non-zero Options.Size. Below this, KeysSlots worth of index cells
	// plus MaxItems worth of chunk metadata would leave no room for
	// payload.
	MinRegionSize = 16 << 20 // 16 MiB

	// MaxKeyLength is the maximum byte length of a key. Longer keys are
	// truncated by the facade before hashing and storage. Matches the
	// widely used convention (memcached's own limit) that the teacher's
	// domain analogs follow.
	MaxKeyLength = 250

	// MinValueAllocSize is the floor on a chunk's payload capacity. Every
	// chunk, even one storing a 1-byte value, reserves at least this many
	// payload bytes; it bounds the number of chunks a region can ever be
	// split into, which keeps per-chunk metadata overhead from dominating
	// small values.
	MinValueAllocSize = 128

	// MaxChunkSize is the largest payload a single chunk may hold. A
	// set() of a larger value fails with ErrTooLarge and removes any
	// prior entry for the key (spec'd "failed SET removes existing"
	// behavior).
	MaxChunkSize = 1 << 20 // 1 MiB

	// MaxItems bounds the number of simultaneously live keys a region is
	// sized for. It does not hard-cap insertion (the allocator just runs
	// out of room and starts evicting via the FIFO cursor); it only
	// informs KeysSlots and the Stats.MaxItems field.
	MaxItems = 20000

	// KeysSlots is the fixed number of index cells, and therefore the
	// number of named bucket locks in the Lock Set. Chosen so the table
	// is at most ~75% full at MaxItems live keys, keeping linear-probe
	// chains short.
	KeysSlots = 30000

	// FullCacheRemovedItems is unused by the current allocator. The
	// write path historically decremented it once on the first
	// full-cache eviction and never rechecked it afterward; kept as a
	// reserved tunable for a future batch-eviction mode. See DESIGN.md.
	FullCacheRemovedItems = 1
)

// chunkMetaSize is CHUNK_META_SIZE: the fixed on-disk size of a chunk's
// metadata (key field + valallocsize + valsize + flags), rounded up to an
// 8-byte boundary so payloads that follow stay aligned for the atomic
// helpers in format.go.
var chunkMetaSize = alignUp(MaxKeyLength+4+4+1, 8)

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}
