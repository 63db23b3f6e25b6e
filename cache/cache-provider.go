package cache

import (
	"time"
)

// CacheProvider is an interface for a partitioned cache store.
// It stores and retrieves []byte values, which represent serialized HTTP responses,
// inside named partitions. Each partition is an independent key space.
// Partition names carry the generation tag, see PartitionName.
//
// Implementations must be thread-safe!
type CacheProvider interface {
	// Open creates the partition if it does not exist yet.
	// Opened partitions are listed by Partitions even while empty.
	Open(partition string) error
	// Partitions returns the names of all known partitions.
	Partitions() ([]string, error)
	// Get returns the entry stored under key in the partition.
	// The boolean is false if there is no such entry.
	Get(partition, key string) (CacheEntry, bool, error)
	// Put stores the entry in the partition, replacing any entry with the same key.
	// The partition is created if needed.
	Put(partition string, ce CacheEntry) error
	// Delete removes the entry for key. Deleting a missing key is not an error.
	Delete(partition, key string) error
	// Keys returns all keys of the partition, oldest write first.
	Keys(partition string) ([]string, error)
	// Count returns the number of entries in the partition.
	Count(partition string) (int, error)
	// Oldest returns the keys of at most n entries with the earliest StoredAt.
	Oldest(partition string, n int) ([]string, error)
	// DeletePartition removes the partition and all of its entries.
	DeletePartition(partition string) error
	// Close releases the underlying storage.
	Close() error
}

// CacheEntry is a single stored response.
type CacheEntry struct {
	// Canonical request identity, see cachekey.Keyer.
	Key string
	// Partition class the entry was written for.
	Class PartitionClass
	// Time of the write. Only a refresh replaces it.
	StoredAt time.Time
	// Serialized response, see serializer.StoredResponse.
	Bytes []byte
}

// Age returns how long ago the entry was written.
func (ce CacheEntry) Age(now time.Time) time.Duration {
	return now.Sub(ce.StoredAt)
}
