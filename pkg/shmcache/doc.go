// Package shmcache provides a process-external, persistent-across-invocations
// key/value cache backed by a single fixed-size region of shared memory.
//
// Multiple unrelated OS processes attach to the same region, read and write
// entries concurrently under a per-bucket locking discipline, and detach;
// the cache outlives any single process. It trades the network cost of an
// out-of-process cache daemon for the cost of mapping a shared region and
// doing fine-grained locking inside it.
//
// # Basic usage
//
//	c, err := shmcache.Open(shmcache.Options{Path: "/dev/shm/myapp.cache"})
//	if err != nil {
//	    // handle error
//	}
//	defer c.Close()
//
//	ok, err := c.Set([]byte("key"), []byte("value"), false)
//	val, serialized, found, err := c.Get([]byte("key"))
//
// # Concurrency
//
// All operations are safe for concurrent use by multiple goroutines and
// multiple OS processes attached to the same region. Distinct keys that do
// not share a natural hash bucket may be mutated fully in parallel; keys
// sharing a bucket serialize on that bucket's lock. See the package-level
// comment in lockset.go for the full acquisition discipline.
//
// # Error handling
//
// Errors fall into two categories. Fatal/config errors ([ErrInvalidInput],
// [ErrClosed]) indicate a programming error in the caller. Transient
// errors ([ErrBusy]) indicate contention or an OS-level lock failure;
// callers should retry at the operation boundary. Region I/O failures are
// reported as [ErrIO]. [ErrCorrupt] indicates the region's header failed
// magic, checksum, or reserved-byte validation; Open does not repair such
// a region. A header from a different format version is not an error:
// Open recreates the region.
package shmcache
