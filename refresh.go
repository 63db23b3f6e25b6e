package offlinecache

import (
	"net/http"
	"time"

	cacheupdate "github.com/always-cache/offline-cache/pkg/cache-update"
)

// refresh fetches the request in the background and overwrites the cached entry on success.
// Errors are logged only, the caller has already been served.
// Concurrent refreshes of the same entry share one network request.
func (l *Layer) refresh(req *http.Request, t target) {
	l.log.Trace().Str("partition", t.partition).Str("key", t.key).Msg("Refreshing cache entry")
	outcome := l.fetchAsync(req, t)
	l.goBackground(func() {
		o := <-outcome
		if o.err != nil {
			l.log.Warn().Err(o.err).Str("key", t.key).Msg("Could not refresh cache entry")
			return
		}
		if !o.result.stored {
			l.log.Debug().Str("key", t.key).Int("status", o.result.status).Msg("Refresh did not replace cache entry")
			return
		}
		l.log.Trace().Str("key", t.key).Bool("shared", o.shared).Msg("Refreshed cache entry")
	})
}

// cacheResource fetches a reference into the partition of its class,
// used by install, the control channel and the deferred queue.
// It returns the fetch result only if the response was stored.
func (l *Layer) cacheResource(ref string, t func(*http.Request) target) (fetchResult, error) {
	req, err := l.newRequest(ref)
	if err != nil {
		return fetchResult{}, invalidInput("invalid resource url %q: %v", ref, err)
	}
	tgt := t(req)
	o := <-l.fetchAsync(req, tgt)
	if o.err != nil {
		return o.result, o.err
	}
	if !o.result.stored {
		return o.result, notStored(tgt.key, o.result.status)
	}
	return o.result, nil
}

// saveUpdates refreshes the cached resources named by a Cache-Update field
// of a bypassed write, each after its delay.
func (l *Layer) saveUpdates(updates []cacheupdate.CacheUpdate) {
	for _, update := range updates {
		l.log.Trace().Str("update", update.URL.String()).Msg("Updating cache based on header")
		l.goBackground(func() {
			if update.Delay > 0 {
				timer := time.NewTimer(update.Delay)
				defer timer.Stop()
				select {
				case <-timer.C:
				case <-l.stop:
					return
				}
			}
			l.revalidate(update.URL.String())
		})
	}
}

// revalidate refetches a resource if it is cached in the partition of its class.
// Resources that are not cached are left alone.
func (l *Layer) revalidate(ref string) {
	req, err := l.newRequest(ref)
	if err != nil {
		l.log.Error().Err(err).Str("uri", ref).Msg("Could not create request for revalidation")
		return
	}
	label, _ := l.rules.Classify(req)
	t := l.target(req, PartitionFor(label))
	if _, ok := l.lookup(t); !ok {
		return
	}
	o := <-l.fetchAsync(req, t)
	if o.err != nil {
		l.log.Error().Err(o.err).Str("key", t.key).Msg("Error revalidating stored request")
	}
}
