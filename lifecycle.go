package offlinecache

import (
	"context"
	"net/http"
	"time"

	"github.com/always-cache/offline-cache/cache"
)

// State is the lifecycle state of a layer.
type State int32

const (
	StateInstalling State = iota
	StateActive
	StateSuperseded
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateActive:
		return "active"
	case StateSuperseded:
		return "superseded"
	}
	return "unknown"
}

// State returns the current lifecycle state.
// Requests are only intercepted while active.
func (l *Layer) State() State {
	return State(l.state.Load())
}

// Install opens the partitions of the current generation and pre-populates
// the static partition with the manifest.
// Entries that cannot be fetched are logged and skipped.
// It returns the number of manifest entries cached.
func (l *Layer) Install(ctx context.Context) (int, error) {
	l.log.Info().Int("manifest", len(l.manifest)).Msg("Installing")
	for _, class := range cache.Classes {
		if err := l.cache.Open(l.partitionName(class)); err != nil {
			return 0, storeUnavailable(err, l.partitionName(class))
		}
	}
	cached := 0
	for _, ref := range l.manifest {
		if err := ctx.Err(); err != nil {
			return cached, err
		}
		_, err := l.cacheResource(ref, func(req *http.Request) target {
			return l.target(req, cache.ClassStatic)
		})
		if err != nil {
			l.log.Warn().Err(err).Str("resource", ref).Msg("Could not pre-cache manifest entry, skipping")
			continue
		}
		cached++
	}
	l.log.Info().Int("cached", cached).Int("manifest", len(l.manifest)).Msg("Installed")
	return cached, nil
}

// Activate deletes the partitions of other generations, evicts the current ones
// and starts intercepting requests.
// Partitions not carrying the layer prefix are left alone.
func (l *Layer) Activate(ctx context.Context) error {
	if l.State() == StateSuperseded {
		return ErrSuperseded
	}
	if _, err := l.teardown(ctx); err != nil {
		return err
	}
	if _, err := l.evictAll(); err != nil {
		return err
	}
	l.state.Store(int32(StateActive))
	l.log.Info().Msg("Activated")
	return nil
}

// teardown deletes every partition of this layer whose generation is not the current one.
func (l *Layer) teardown(ctx context.Context) ([]string, error) {
	partitions, err := l.cache.Partitions()
	if err != nil {
		return nil, storeUnavailable(err, "")
	}
	deleted := make([]string, 0)
	for _, name := range partitions {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		_, generation, ok := cache.ParsePartitionName(l.prefix, name)
		if !ok || generation == l.generation {
			continue
		}
		if err := l.cache.DeletePartition(name); err != nil {
			return deleted, storeUnavailable(err, name)
		}
		l.log.Info().Str("partition", name).Msg("Deleted partition of previous generation")
		deleted = append(deleted, name)
	}
	return deleted, nil
}

// Start installs and activates the layer, then runs periodic maintenance
// in the background until Close or Supersede.
func (l *Layer) Start(ctx context.Context) error {
	if _, err := l.Install(ctx); err != nil {
		return err
	}
	if err := l.Activate(ctx); err != nil {
		return err
	}
	if l.maintenanceInterval > 0 {
		l.goBackground(func() {
			l.maintain(ctx)
		})
	}
	return nil
}

// maintain runs an exhaustive eviction pass every maintenance interval.
func (l *Layer) maintain(ctx context.Context) {
	l.log.Info().Msgf("Starting maintenance loop with interval %s", l.maintenanceInterval)
	ticker := time.NewTicker(l.maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n, err := l.evictAll(); err != nil {
				l.log.Error().Err(err).Msg("Maintenance eviction failed")
			} else {
				l.log.Trace().Int("evicted", n).Msg("Maintenance done")
			}
		case <-l.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Supersede hands over to a newer generation.
// From now on requests bypass the layer.
func (l *Layer) Supersede() {
	l.state.Store(int32(StateSuperseded))
	l.stopMaintenance()
	l.log.Info().Msg("Superseded")
}

// Close stops maintenance and waits for background refreshes,
// writes and evictions to complete. The cache is not closed.
func (l *Layer) Close() error {
	l.stopMaintenance()
	l.background.Wait()
	return nil
}

func (l *Layer) stopMaintenance() {
	l.stopOnce.Do(func() {
		close(l.stop)
	})
}
