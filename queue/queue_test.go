package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/always-cache/offline-cache/cache"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errRetry = errors.New("still offline")

func newTestQueue(t *testing.T, policy RetryPolicy) *Queue {
	t.Helper()
	db, err := cache.OpenDB("memory")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	q, err := New(db, policy)
	require.NoError(t, err)
	return q
}

func TestEnqueueIsInsertionOrdered(t *testing.T) {
	q := newTestQueue(t, RetryPolicy{})
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	first, added, err := q.Enqueue("https://example.com/b.pdf", KindCacheDocument, now)
	require.NoError(t, err)
	assert.True(t, added)
	assert.NotEmpty(t, first.ID)
	_, _, err = q.Enqueue("https://example.com/a.pdf", KindCacheDocument, now)
	require.NoError(t, err)

	actions, err := q.List()
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, "https://example.com/b.pdf", actions[0].URL)
	assert.Equal(t, "https://example.com/a.pdf", actions[1].URL)
	assert.Equal(t, first.ID, actions[0].ID)
	assert.True(t, actions[0].EnqueuedAt.Equal(now))
	assert.Zero(t, actions[0].Attempts)
}

func TestEnqueueDeduplicates(t *testing.T) {
	q := newTestQueue(t, RetryPolicy{})
	now := time.Now()

	first, _, err := q.Enqueue("https://example.com/a.pdf", KindCacheDocument, now)
	require.NoError(t, err)
	again, added, err := q.Enqueue("https://example.com/a.pdf", KindCacheDocument, now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, added)
	assert.Equal(t, first.ID, again.ID)

	n, err := q.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRemove(t *testing.T) {
	q := newTestQueue(t, RetryPolicy{})
	action, _, err := q.Enqueue("https://example.com/a.pdf", KindCacheDocument, time.Now())
	require.NoError(t, err)

	require.NoError(t, q.Remove(action.ID))
	require.NoError(t, q.Remove(action.ID))
	n, err := q.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDelayGrowsUpToMaxInterval(t *testing.T) {
	p := RetryPolicy{InitialInterval: time.Second, MaxInterval: 4 * time.Second}
	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 1500*time.Millisecond, p.Delay(2))
	assert.Equal(t, 2250*time.Millisecond, p.Delay(3))
	assert.Equal(t, 4*time.Second, p.Delay(10))

	assert.Equal(t, DefaultInitialInterval, RetryPolicy{}.Delay(1))
}

func TestDrainRemovesSucceededAndReschedulesFailed(t *testing.T) {
	q := newTestQueue(t, RetryPolicy{InitialInterval: time.Minute})
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	for _, url := range []string{"https://example.com/ok.pdf", "https://example.com/down.pdf"} {
		_, _, err := q.Enqueue(url, KindCacheDocument, now)
		require.NoError(t, err)
	}

	retried := make([]string, 0)
	retry := func(ctx context.Context, action DeferredAction) error {
		retried = append(retried, action.URL)
		if action.URL == "https://example.com/down.pdf" {
			return errRetry
		}
		return nil
	}

	result, err := q.Drain(context.Background(), clock, retry)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Succeeded: 1, Failed: 1}, result)
	assert.Equal(t, []string{"https://example.com/ok.pdf", "https://example.com/down.pdf"}, retried)

	actions, err := q.List()
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, 1, actions[0].Attempts)
	assert.Equal(t, errRetry.Error(), actions[0].LastError)
	assert.True(t, actions[0].NextAttemptAt.Equal(now.Add(time.Minute)))

	// not due yet
	result, err = q.Drain(context.Background(), clock, retry)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Skipped: 1}, result)
	assert.Len(t, retried, 2)
}

func TestDrainDropsActionsOutOfAttempts(t *testing.T) {
	q := newTestQueue(t, RetryPolicy{MaxAttempts: 2, InitialInterval: time.Second})
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	_, _, err := q.Enqueue("https://example.com/down.pdf", KindCacheDocument, now)
	require.NoError(t, err)
	failing := func(ctx context.Context, action DeferredAction) error { return errRetry }

	result, err := q.Drain(context.Background(), func() time.Time { return now }, failing)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	later := now.Add(time.Hour)
	result, err = q.Drain(context.Background(), func() time.Time { return later }, failing)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Dropped: 1}, result)
	n, err := q.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDrainStopsWhenContextIsDone(t *testing.T) {
	q := newTestQueue(t, RetryPolicy{})
	_, _, err := q.Enqueue("https://example.com/a.pdf", KindCacheDocument, time.Now())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = q.Drain(ctx, time.Now, func(ctx context.Context, action DeferredAction) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
	n, err := q.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
