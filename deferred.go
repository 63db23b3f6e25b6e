package offlinecache

import (
	"context"
	"net/http"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/queue"
)

// cacheDocument fetches a reference into the document partition, recording provenance.
func (l *Layer) cacheDocument(ref string) (fetchResult, error) {
	return l.cacheResource(ref, func(req *http.Request) target {
		return l.target(req, cache.ClassDocument)
	})
}

// deferDocument queues a document fetch that failed for lack of connectivity.
// The returned error still reports the failed fetch.
func (l *Layer) deferDocument(url string, cause error) error {
	if l.queue == nil {
		return notFound(cause, url)
	}
	action, added, err := l.queue.Enqueue(url, queue.KindCacheDocument, l.now())
	if err != nil {
		l.log.Error().Err(err).Str("url", url).Msg("Could not queue deferred action")
		return notFound(cause, url)
	}
	if added {
		l.log.Info().Str("id", action.ID).Str("url", url).Msg("Queued document for retry")
	} else {
		l.log.Debug().Str("id", action.ID).Str("url", url).Msg("Document already queued for retry")
	}
	return notFound(offlineActionQueued(cause, url), url)
}

// DeferredActions returns the queued actions in insertion order.
func (l *Layer) DeferredActions() ([]queue.DeferredAction, error) {
	if l.queue == nil {
		return []queue.DeferredAction{}, nil
	}
	actions, err := l.queue.List()
	if err != nil {
		return nil, storeUnavailable(err, "deferred_actions")
	}
	return actions, nil
}

// ConnectivityRestored drains the deferred queue front to back.
// Each due action is retried the same way as a CACHE_RESOURCE request.
// Successful actions are removed, failed ones wait for the next signal
// with a growing delay, and are dropped once out of attempts.
func (l *Layer) ConnectivityRestored(ctx context.Context) (queue.DrainResult, error) {
	if l.queue == nil {
		return queue.DrainResult{}, nil
	}
	maxAttempts := l.queue.Policy().MaxAttempts
	result, err := l.queue.Drain(ctx, l.now, func(ctx context.Context, action queue.DeferredAction) error {
		l.log.Debug().Str("id", action.ID).Str("url", action.URL).Int("attempts", action.Attempts).Msg("Retrying deferred action")
		_, err := l.cacheDocument(action.URL)
		if err != nil && action.Attempts+1 >= maxAttempts {
			l.log.Warn().Err(err).Str("id", action.ID).Str("url", action.URL).Msg("Dropping deferred action, out of attempts")
		}
		return err
	})
	l.log.Info().
		Int("succeeded", result.Succeeded).
		Int("failed", result.Failed).
		Int("dropped", result.Dropped).
		Int("skipped", result.Skipped).
		Msg("Drained deferred queue")
	if err != nil {
		if ctx.Err() != nil {
			return result, err
		}
		return result, storeUnavailable(err, "deferred_actions")
	}
	return result, nil
}
