package offlinecache

import (
	"github.com/always-cache/offline-cache/cache"
)

// isStale reports whether the entry is older than the TTL of its class.
// Stale entries are still served.
func (l *Layer) isStale(ce cache.CacheEntry) bool {
	return ce.Age(l.now()) > l.table.Policy(ce.Class).TTL
}

// timeToLive returns the remaining freshness in seconds, negative once stale.
func (l *Layer) timeToLive(ce cache.CacheEntry) int {
	return int((l.table.Policy(ce.Class).TTL - ce.Age(l.now())).Seconds())
}

// evict deletes the oldest entries until the partition is within its cap.
// It returns the number of deleted entries.
func (l *Layer) evict(partition string, class cache.PartitionClass) (int, error) {
	limit := l.table.Policy(class).MaxEntries
	if limit <= 0 {
		return 0, nil
	}
	// count and delete must not interleave with another pass
	l.evictMutex.Lock()
	defer l.evictMutex.Unlock()
	count, err := l.cache.Count(partition)
	if err != nil {
		return 0, storeUnavailable(err, partition)
	}
	if count <= limit {
		return 0, nil
	}
	keys, err := l.cache.Oldest(partition, count-limit)
	if err != nil {
		return 0, storeUnavailable(err, partition)
	}
	evicted := 0
	for _, key := range keys {
		if err := l.cache.Delete(partition, key); err != nil {
			return evicted, storeUnavailable(err, partition)
		}
		evicted++
	}
	l.log.Debug().Str("partition", partition).Int("evicted", evicted).Int("max", limit).Msg("Evicted oldest entries")
	return evicted, nil
}

// evictLater runs an opportunistic eviction of the partition in the background.
func (l *Layer) evictLater(partition string, class cache.PartitionClass) {
	l.goBackground(func() {
		if _, err := l.evict(partition, class); err != nil {
			l.log.Warn().Err(err).Str("partition", partition).Msg("Could not evict entries")
		}
	})
}

// evictAll evicts every partition of the current generation.
func (l *Layer) evictAll() (int, error) {
	total := 0
	for _, class := range cache.Classes {
		n, err := l.evict(l.partitionName(class), class)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
