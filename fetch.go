package offlinecache

import (
	"context"
	"net/http"

	"github.com/always-cache/offline-cache/cache"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"
)

// target identifies where a request is stored.
type target struct {
	class     cache.PartitionClass
	partition string
	key       string
	// record declared type and source url, for documents
	provenance bool
}

func (l *Layer) target(req *http.Request, class cache.PartitionClass) target {
	return target{
		class:      class,
		partition:  l.partitionName(class),
		key:        l.keyer.Key(req),
		provenance: class == cache.ClassDocument,
	}
}

// fetchResult is the outcome of one network fetch, shared by coalesced callers.
// Every caller builds its own response from the serialized bytes.
type fetchResult struct {
	bytes  []byte
	status int
	stored bool
}

type fetchOutcome struct {
	result fetchResult
	err    error
	shared bool
}

// fetch fetches and stores the request, waiting at most until ctx is done.
// The fetch itself runs to completion even if ctx is cancelled.
func (l *Layer) fetch(ctx context.Context, req *http.Request, t target) (fetchResult, error) {
	select {
	case outcome := <-l.fetchAsync(req, t):
		return outcome.result, outcome.err
	case <-ctx.Done():
		return fetchResult{}, ctx.Err()
	}
}

// fetchAsync starts a coalesced fetch in the background.
// Concurrent fetches of the same key in the same partition share one network request.
func (l *Layer) fetchAsync(req *http.Request, t target) <-chan fetchOutcome {
	out := make(chan fetchOutcome, 1)
	l.goBackground(func() {
		v, err, shared := l.flight.Do(t.partition+"\x00"+t.key, func() (any, error) {
			return l.fetchAndStore(req, t)
		})
		result, _ := v.(fetchResult)
		out <- fetchOutcome{result: result, err: err, shared: shared}
	})
	return out
}

// fetchAndStore runs the request against the network and writes storable responses.
func (l *Layer) fetchAndStore(req *http.Request, t target) (fetchResult, error) {
	outReq := req.Clone(context.WithoutCancel(req.Context()))
	outReq.Body = nil
	outReq.GetBody = nil
	outReq.ContentLength = 0
	outReq.RequestURI = ""

	l.log.Debug().
		Str("method", outReq.Method).
		Str("url", outReq.URL.String()).
		Str("key", t.key).
		Msg("Requesting content from origin")

	res, err := l.transport.RoundTrip(outReq)
	if err != nil {
		return fetchResult{}, networkUnavailable(err, t.key)
	}
	sRes := serializer.StoredResponse{
		Response:  res,
		FetchedAt: l.now(),
	}
	if t.provenance {
		sRes.DeclaredType = res.Header.Get("Content-Type")
		sRes.SourceURL = outReq.URL.String()
	}
	bts, err := serializer.StoredResponseToBytes(sRes)
	if err != nil {
		// the body could not be read to the end
		return fetchResult{}, networkUnavailable(err, t.key)
	}

	result := fetchResult{bytes: bts, status: res.StatusCode}
	if !storable(res.StatusCode) {
		l.log.Trace().Str("key", t.key).Int("status", res.StatusCode).Msg("Not storing response")
		return result, nil
	}
	ce := cache.CacheEntry{
		Key:      t.key,
		Class:    t.class,
		StoredAt: sRes.FetchedAt,
		Bytes:    bts,
	}
	l.log.Trace().Str("partition", t.partition).Str("key", t.key).Msg("Writing to cache")
	if err := l.cache.Put(t.partition, ce); err != nil {
		l.log.Error().Err(storeUnavailable(err, t.partition)).Str("key", t.key).Msg("Could not write to cache")
		return result, nil
	}
	result.stored = true
	l.evictLater(t.partition, t.class)
	return result, nil
}

// storable reports whether a response with the status may be written.
// Partial content is never stored.
func storable(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300 && statusCode != http.StatusPartialContent
}

// lookup reads the cached entry for t. Store failures count as a miss.
func (l *Layer) lookup(t target) (cache.CacheEntry, bool) {
	ce, ok, err := l.cache.Get(t.partition, t.key)
	if err != nil {
		l.log.Warn().Err(storeUnavailable(err, t.partition)).Str("key", t.key).Msg("Could not read from cache, treating as miss")
		return cache.CacheEntry{}, false
	}
	return ce, ok
}

// response rebuilds a response from its serialized form.
func (l *Layer) response(req *http.Request, bts []byte) (*http.Response, error) {
	sRes, err := serializer.BytesToStoredResponse(bts, req)
	if err != nil {
		return nil, err
	}
	return sRes.Response, nil
}
