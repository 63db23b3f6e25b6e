package offlinecache

import (
	"net/http"

	"github.com/always-cache/offline-cache/cache"
	classifier "github.com/always-cache/offline-cache/pkg/request-classifier"
)

// Strategy decides how cache and network are combined for a request.
type Strategy string

const (
	// Serve from cache when possible, refresh stale entries in the background.
	CacheFirst Strategy = "cache-first"
	// Ask the network, fall back to the cache.
	NetworkFirst Strategy = "network-first"
	// Serve from cache immediately and always refresh in the background.
	StaleWhileRevalidate Strategy = "stale-while-revalidate"
	// Cache-first on the long-lived document partition.
	// Failed first fetches are queued for a retry.
	DurableDocument Strategy = "durable-document"
)

// StrategyFor returns the strategy used for a request label.
func StrategyFor(label classifier.Label) Strategy {
	switch label {
	case classifier.LabelDocument:
		return DurableDocument
	case classifier.LabelFont, classifier.LabelStatic:
		return CacheFirst
	case classifier.LabelHTML:
		return StaleWhileRevalidate
	default:
		return NetworkFirst
	}
}

// PartitionFor returns the partition class a request label is stored in.
func PartitionFor(label classifier.Label) cache.PartitionClass {
	switch label {
	case classifier.LabelDocument:
		return cache.ClassDocument
	case classifier.LabelFont:
		return cache.ClassFont
	case classifier.LabelStatic:
		return cache.ClassStatic
	case classifier.LabelAPI:
		return cache.ClassAPI
	default:
		return cache.ClassDynamic
	}
}

func (l *Layer) handle(req *http.Request, label classifier.Label) (*http.Response, CacheStatus, error) {
	t := l.target(req, PartitionFor(label))
	var (
		res *http.Response
		cs  CacheStatus
		err error
	)
	switch StrategyFor(label) {
	case CacheFirst:
		res, cs, err = l.cacheFirst(req, t)
	case DurableDocument:
		res, cs, err = l.durableDocument(req, t)
	case StaleWhileRevalidate:
		res, cs, err = l.staleWhileRevalidate(req, t)
	default:
		res, cs, err = l.networkFirst(req, t)
	}
	// navigations never fail, they get the offline document instead
	if err != nil && IsNotFound(err) && classifier.IsNavigation(req) {
		if fallbackRes, fallback, ok := l.serveOfflineFallback(req); ok {
			return fallbackRes, fallback, nil
		}
	}
	return res, cs, err
}

func (l *Layer) cacheFirst(req *http.Request, t target) (*http.Response, CacheStatus, error) {
	if res, cs, ok := l.serveCached(req, t); ok {
		if cs.Detail == detailStale {
			l.refresh(req, t)
		}
		return res, cs, nil
	}
	return l.serveFetched(req, t, CacheStatusFwdUriMiss)
}

func (l *Layer) durableDocument(req *http.Request, t target) (*http.Response, CacheStatus, error) {
	res, cs, err := l.cacheFirst(req, t)
	if err != nil && IsNetworkUnavailable(err) {
		err = l.deferDocument(req.URL.String(), err)
	}
	return res, cs, err
}

func (l *Layer) networkFirst(req *http.Request, t target) (*http.Response, CacheStatus, error) {
	cs := CacheStatus{}
	cs.Forward(CacheStatusFwdRequest)
	result, err := l.fetch(req.Context(), req, t)
	if err == nil && result.status < http.StatusInternalServerError {
		return l.serveResult(req, result, cs)
	}
	if err != nil && !IsNetworkUnavailable(err) {
		return nil, cs, err
	}

	// network failed or origin is failing
	if res, cached, ok := l.serveCached(req, t); ok {
		cached.Detail = detailNetworkFallback
		return res, cached, nil
	}
	if err != nil {
		return nil, cs, notFound(err, t.key)
	}
	if classifier.IsNavigation(req) {
		if res, fallback, ok := l.serveOfflineFallback(req); ok {
			return res, fallback, nil
		}
	}
	// no cached copy, pass the origin error on
	return l.serveResult(req, result, cs)
}

func (l *Layer) staleWhileRevalidate(req *http.Request, t target) (*http.Response, CacheStatus, error) {
	if res, cs, ok := l.serveCached(req, t); ok {
		l.refresh(req, t)
		return res, cs, nil
	}
	return l.serveFetched(req, t, CacheStatusFwdUriMiss)
}

const (
	detailStale           = "stale"
	detailNetworkFallback = "network-fallback"
	detailOfflineFallback = "offline-fallback"
)

// serveCached returns the cached response for t, if there is a usable one.
// Entries missing from the partition of t are looked up in the static partition.
func (l *Layer) serveCached(req *http.Request, t target) (*http.Response, CacheStatus, bool) {
	cs := CacheStatus{}
	ce, ok := l.lookup(t)
	if !ok && t.class != cache.ClassStatic {
		// install pre-caches the manifest into the static partition
		ce, ok = l.lookup(l.target(req, cache.ClassStatic))
	}
	if !ok {
		return nil, cs, false
	}
	res, err := l.response(req, ce.Bytes)
	if err != nil {
		l.log.Error().Err(err).Str("key", t.key).Msg("Could not read stored response")
		return nil, cs, false
	}
	cs.Hit()
	cs.TimeToLive = l.timeToLive(ce)
	if l.isStale(ce) {
		cs.Detail = detailStale
	}
	return res, cs, true
}

// serveFetched fetches the request and returns the network response.
func (l *Layer) serveFetched(req *http.Request, t target, reason CacheStatusFwdReason) (*http.Response, CacheStatus, error) {
	cs := CacheStatus{}
	cs.Forward(reason)
	result, err := l.fetch(req.Context(), req, t)
	if err != nil {
		if IsNetworkUnavailable(err) {
			err = notFound(err, t.key)
		}
		return nil, cs, err
	}
	return l.serveResult(req, result, cs)
}

func (l *Layer) serveResult(req *http.Request, result fetchResult, cs CacheStatus) (*http.Response, CacheStatus, error) {
	cs.FwdStatus = result.status
	cs.Stored = result.stored
	res, err := l.response(req, result.bytes)
	if err != nil {
		return nil, cs, err
	}
	return res, cs, nil
}

// serveOfflineFallback returns the designated offline document from the static partition.
func (l *Layer) serveOfflineFallback(req *http.Request) (*http.Response, CacheStatus, bool) {
	fallbackReq, err := l.newRequest(l.offlineFallback)
	if err != nil {
		l.log.Error().Err(err).Str("fallback", l.offlineFallback).Msg("Could not create offline fallback request")
		return nil, CacheStatus{}, false
	}
	fallbackReq = fallbackReq.WithContext(req.Context())
	res, _, ok := l.serveCached(fallbackReq, l.target(fallbackReq, cache.ClassStatic))
	if !ok {
		l.log.Warn().Str("fallback", l.offlineFallback).Msg("Offline fallback document is not cached")
		return nil, CacheStatus{}, false
	}
	res.Request = req
	cs := CacheStatus{}
	cs.Forward(CacheStatusFwdMiss)
	cs.Detail = detailOfflineFallback
	return res, cs, true
}
