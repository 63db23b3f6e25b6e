package offlinecache

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCacheStatusString(t *testing.T) {
	hit := CacheStatus{}
	hit.Hit()
	hit.TimeToLive = 60
	assert.Equal(t, "Offline-Cache; hit; ttl=60", hit.String())

	hit.Detail = detailStale
	hit.TimeToLive = -5
	assert.Equal(t, "Offline-Cache; hit; ttl=-5; detail=stale", hit.String())

	fwd := CacheStatus{}
	fwd.Forward(CacheStatusFwdUriMiss)
	fwd.FwdStatus = http.StatusOK
	fwd.Stored = true
	assert.Equal(t, "Offline-Cache; fwd=uri-miss; fwd-status=200; stored", fwd.String())

	fallback := CacheStatus{}
	fallback.Forward(CacheStatusFwdMiss)
	fallback.Detail = detailOfflineFallback
	assert.Equal(t, "Offline-Cache; fwd=miss; detail=offline-fallback", fallback.String())
}

func TestCacheStatusApply(t *testing.T) {
	res := &http.Response{}
	cs := CacheStatus{}
	cs.Forward(CacheStatusFwdRequest)
	cs.apply(res)
	assert.Equal(t, "Offline-Cache; fwd=request", res.Header.Get("Cache-Status"))
}
