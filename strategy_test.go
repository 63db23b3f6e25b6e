package offlinecache

import (
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/always-cache/offline-cache/cache"
	classifier "github.com/always-cache/offline-cache/pkg/request-classifier"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStrategyAndPartitionFor(t *testing.T) {
	tests := []struct {
		label     classifier.Label
		strategy  Strategy
		partition cache.PartitionClass
	}{
		{classifier.LabelDocument, DurableDocument, cache.ClassDocument},
		{classifier.LabelFont, CacheFirst, cache.ClassFont},
		{classifier.LabelStatic, CacheFirst, cache.ClassStatic},
		{classifier.LabelAPI, NetworkFirst, cache.ClassAPI},
		{classifier.LabelHTML, StaleWhileRevalidate, cache.ClassDynamic},
		{classifier.LabelDefault, NetworkFirst, cache.ClassDynamic},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.strategy, StrategyFor(tt.label), tt.label)
		assert.Equal(t, tt.partition, PartitionFor(tt.label), tt.label)
	}
}

func TestCacheFirstServesSecondRequestWithoutNetwork(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)

	res, body := env.get(t, "/static/app.css")
	assert.Equal(t, "/static/app.css #1", body)
	assert.Contains(t, res.Header.Get("Cache-Status"), "fwd=uri-miss")
	assert.Contains(t, res.Header.Get("Cache-Status"), "stored")

	env.transport.offline.Store(true)
	res, body = env.get(t, "/static/app.css")
	assert.Equal(t, "/static/app.css #1", body)
	assert.Contains(t, res.Header.Get("Cache-Status"), "hit")
	assert.Equal(t, 1, env.origin.count(http.MethodGet, "/static/app.css"))
}

func TestCacheFirstServesStaleAndRefreshesOnce(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)
	env.get(t, "/fonts/body.woff2")

	env.clock.Advance(366 * 24 * time.Hour)
	res, body := env.get(t, "/fonts/body.woff2")
	assert.Equal(t, "/fonts/body.woff2 #1", body)
	assert.Contains(t, res.Header.Get("Cache-Status"), "detail=stale")

	env.settle()
	assert.Equal(t, 2, env.origin.count(http.MethodGet, "/fonts/body.woff2"))

	// the refresh replaced the entry, which is fresh again
	res, body = env.get(t, "/fonts/body.woff2")
	assert.Equal(t, "/fonts/body.woff2 #2", body)
	assert.NotContains(t, res.Header.Get("Cache-Status"), "stale")
	env.settle()
	assert.Equal(t, 2, env.origin.count(http.MethodGet, "/fonts/body.woff2"))
}

func TestStaleRefreshFailureKeepsEntry(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)
	env.get(t, "/static/app.css")

	env.clock.Advance(8 * 24 * time.Hour)
	env.transport.offline.Store(true)
	_, body := env.get(t, "/static/app.css")
	env.settle()
	assert.Equal(t, "/static/app.css #1", body)
	// app.css and the offline document
	assert.Equal(t, 2, env.count(t, cache.ClassStatic))
}

func TestCacheFirstMissOfflineFails(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)
	env.transport.offline.Store(true)

	_, _, err := env.do(t, env.newRequest(t, http.MethodGet, "/static/app.css"))
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.True(t, IsNetworkUnavailable(err))
}

func TestConcurrentMissesShareOneFetch(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)

	var wg sync.WaitGroup
	bodies := make([]string, 5)
	for i := range bodies {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, body, err := env.do(t, env.newRequest(t, http.MethodGet, "/static/slow.css"))
			if assert.NoError(t, err) {
				bodies[i] = body
			}
		}()
	}
	require.Eventually(t, func() bool {
		return env.origin.count(http.MethodGet, "/static/slow.css") == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(env.origin.gate)
	wg.Wait()

	assert.Equal(t, 1, env.origin.count(http.MethodGet, "/static/slow.css"))
	for _, body := range bodies {
		assert.Equal(t, "/static/slow.css #1", body)
	}
}

func TestNetworkFirstWritesThroughAndFallsBack(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)

	_, body := env.get(t, "/api/items")
	assert.Equal(t, "/api/items #1", body)
	_, body = env.get(t, "/api/items")
	assert.Equal(t, "/api/items #2", body)

	env.transport.offline.Store(true)
	res, body := env.get(t, "/api/items")
	assert.Equal(t, "/api/items #2", body)
	assert.Contains(t, res.Header.Get("Cache-Status"), "detail=network-fallback")

	_, _, err := env.do(t, env.newRequest(t, http.MethodGet, "/api/other"))
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestNetworkFirstFallsBackOnServerError(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)
	env.get(t, "/api/items")

	env.origin.failing.Store(true)
	res, body := env.get(t, "/api/items")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "/api/items #1", body)

	// nothing cached, the origin answer is passed on
	res, _ = env.get(t, "/api/other")
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
}

func TestNotFoundIsNotStored(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)

	res, _ := env.get(t, "/missing/page")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.NotContains(t, res.Header.Get("Cache-Status"), "stored")
	env.settle()
	assert.Zero(t, env.count(t, cache.ClassDynamic))
}

func TestStaleWhileRevalidateAlwaysRefreshes(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)

	navigate := func() (*http.Response, string) {
		req := env.newRequest(t, http.MethodGet, "/en/about")
		req.Header.Set("Sec-Fetch-Mode", "navigate")
		res, body, err := env.do(t, req)
		require.NoError(t, err)
		return res, body
	}

	_, body := navigate()
	assert.Equal(t, "/en/about #1", body)

	res, body := navigate()
	assert.Equal(t, "/en/about #1", body)
	assert.Contains(t, res.Header.Get("Cache-Status"), "hit")
	env.settle()
	assert.Equal(t, 2, env.origin.count(http.MethodGet, "/en/about"))

	_, body = navigate()
	assert.Equal(t, "/en/about #2", body)
}

func TestOfflineNavigationGetsFallbackDocument(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)
	env.transport.offline.Store(true)

	for _, path := range []string{"/en/never-visited", "/documents/never-visited", "/magazine/issue-3"} {
		req := env.newRequest(t, http.MethodGet, path)
		req.Header.Set("Sec-Fetch-Mode", "navigate")
		res, body, err := env.do(t, req)
		require.NoError(t, err, path)
		assert.Equal(t, "you are offline", body, path)
		assert.Contains(t, res.Header.Get("Cache-Status"), "detail=offline-fallback", path)
	}

	// pages of the document store are not queued as documents
	actions, err := env.layer.DeferredActions()
	require.NoError(t, err)
	assert.Empty(t, actions)

	// subresources still fail
	_, _, err = env.do(t, env.newRequest(t, http.MethodGet, "/en/never-visited"))
	assert.Error(t, err)
}

func TestDurableDocumentQueuesFailedFirstFetch(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)
	env.transport.offline.Store(true)

	_, _, err := env.do(t, env.newRequest(t, http.MethodGet, "/library/report.pdf"))
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.True(t, IsOfflineActionQueued(err))

	actions, err := env.layer.DeferredActions()
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, env.origin.URL+"/library/report.pdf", actions[0].URL)

	env.transport.offline.Store(false)
	res, body := env.get(t, "/library/report.pdf")
	assert.Equal(t, "/library/report.pdf #1", body)
	assert.Equal(t, "application/pdf", res.Header.Get("Content-Type"))
	assert.Empty(t, res.Header.Get("Offline-Source-Url"))
	assert.Equal(t, 1, env.count(t, cache.ClassDocument))
}

func TestStoreReadFailureIsMiss(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)
	env.get(t, "/static/app.css")
	env.settle()

	// the closed store fails every read and write
	require.NoError(t, env.store.Close())
	_, body := env.get(t, "/static/app.css")
	assert.Equal(t, "/static/app.css #2", body)
}
