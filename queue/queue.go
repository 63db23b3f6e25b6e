// Package queue persists actions that failed for lack of connectivity,
// so they can be retried when connectivity is restored.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// ActionKind identifies what a deferred action does when retried.
type ActionKind string

const (
	// KindCacheDocument fetches a URL into the document partition.
	KindCacheDocument ActionKind = "cache-document"
)

// DeferredAction is a queued retry.
type DeferredAction struct {
	ID            string     `json:"id"`
	URL           string     `json:"url"`
	Kind          ActionKind `json:"kind"`
	EnqueuedAt    time.Time  `json:"enqueuedAt"`
	Attempts      int        `json:"attempts"`
	NextAttemptAt time.Time  `json:"nextAttemptAt"`
	LastError     string     `json:"lastError,omitempty"`
}

// RetryPolicy bounds retries of a single action.
type RetryPolicy struct {
	// Actions are dropped after this many failed retries. Zero means DefaultMaxAttempts.
	MaxAttempts int `yaml:"maxAttempts" env:"MAX_ATTEMPTS"`
	// Delay after the first failed retry.
	InitialInterval time.Duration `yaml:"initialInterval" env:"INITIAL_INTERVAL"`
	// Upper bound for the delay between retries.
	MaxInterval time.Duration `yaml:"maxInterval" env:"MAX_INTERVAL"`
}

const (
	DefaultMaxAttempts     = 8
	DefaultInitialInterval = 30 * time.Second
	DefaultMaxInterval     = time.Hour
)

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = DefaultInitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = DefaultMaxInterval
	}
	return p
}

// Delay returns the wait before the next retry after the given number of failed attempts.
// The delay grows exponentially and is capped by MaxInterval.
func (p RetryPolicy) Delay(attempts int) time.Duration {
	p = p.withDefaults()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	delay := b.InitialInterval
	for i := 0; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// Queue is an insertion-ordered list of deferred actions stored in SQLite.
type Queue struct {
	db         *sql.DB
	policy     RetryPolicy
	writeMutex *sync.Mutex
}

// New creates the queue table in db if needed.
func New(db *sql.DB, policy RetryPolicy) (*Queue, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS deferred_actions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		url TEXT NOT NULL,
		kind TEXT NOT NULL,
		enqueued_at INTEGER NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		next_attempt_at INTEGER NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		UNIQUE (url, kind)
	)`)
	if err != nil {
		return nil, fmt.Errorf("create queue schema: %w", err)
	}
	return &Queue{
		db:         db,
		policy:     policy.withDefaults(),
		writeMutex: &sync.Mutex{},
	}, nil
}

// Policy returns the retry policy in effect.
func (q *Queue) Policy() RetryPolicy {
	return q.policy
}

// Enqueue appends an action. Enqueueing a URL and kind that are already queued
// returns the queued action unchanged; the boolean reports whether it was added.
func (q *Queue) Enqueue(url string, kind ActionKind, now time.Time) (DeferredAction, bool, error) {
	q.writeMutex.Lock()
	defer q.writeMutex.Unlock()
	action := DeferredAction{
		ID:            uuid.NewString(),
		URL:           url,
		Kind:          kind,
		EnqueuedAt:    now,
		NextAttemptAt: now,
	}
	res, err := q.db.Exec(`INSERT OR IGNORE INTO deferred_actions
		(id, url, kind, enqueued_at, next_attempt_at) VALUES (?, ?, ?, ?, ?)`,
		action.ID, action.URL, string(action.Kind), action.EnqueuedAt.UnixNano(), action.NextAttemptAt.UnixNano())
	if err != nil {
		return DeferredAction{}, false, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		existing, err := q.find(url, kind)
		return existing, false, err
	}
	return action, true, nil
}

// List returns all queued actions in insertion order.
func (q *Queue) List() ([]DeferredAction, error) {
	rows, err := q.db.Query(`SELECT id, url, kind, enqueued_at, attempts, next_attempt_at, last_error
		FROM deferred_actions ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	actions := make([]DeferredAction, 0)
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return actions, err
		}
		actions = append(actions, action)
	}
	return actions, rows.Err()
}

// Len returns the number of queued actions.
func (q *Queue) Len() (int, error) {
	var n int
	err := q.db.QueryRow("SELECT COUNT(*) FROM deferred_actions").Scan(&n)
	return n, err
}

// Remove deletes an action. Removing a missing action is not an error.
func (q *Queue) Remove(id string) error {
	q.writeMutex.Lock()
	defer q.writeMutex.Unlock()
	_, err := q.db.Exec("DELETE FROM deferred_actions WHERE id = ?", id)
	return err
}

// fail records a failed retry and schedules the next one.
// It returns false if the action reached the attempt limit and was dropped.
func (q *Queue) fail(action DeferredAction, cause error, now time.Time) (bool, error) {
	attempts := action.Attempts + 1
	if attempts >= q.policy.MaxAttempts {
		return false, q.Remove(action.ID)
	}
	q.writeMutex.Lock()
	defer q.writeMutex.Unlock()
	_, err := q.db.Exec(`UPDATE deferred_actions
		SET attempts = ?, next_attempt_at = ?, last_error = ? WHERE id = ?`,
		attempts, now.Add(q.policy.Delay(attempts)).UnixNano(), cause.Error(), action.ID)
	return true, err
}

func (q *Queue) find(url string, kind ActionKind) (DeferredAction, error) {
	row := q.db.QueryRow(`SELECT id, url, kind, enqueued_at, attempts, next_attempt_at, last_error
		FROM deferred_actions WHERE url = ? AND kind = ?`, url, string(kind))
	return scanAction(row)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAction(s scanner) (DeferredAction, error) {
	var (
		action                 DeferredAction
		kind                   string
		enqueuedAt, nextAttmpt int64
	)
	if err := s.Scan(&action.ID, &action.URL, &kind, &enqueuedAt, &action.Attempts, &nextAttmpt, &action.LastError); err != nil {
		return action, err
	}
	action.Kind = ActionKind(kind)
	action.EnqueuedAt = time.Unix(0, enqueuedAt)
	action.NextAttemptAt = time.Unix(0, nextAttmpt)
	return action, nil
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Dropped   int `json:"dropped"`
	// Actions not yet due because of backoff.
	Skipped int `json:"skipped"`
}

// Drain retries every due action front to back.
// Actions for which retry returns nil are removed; failed actions stay queued
// with a later NextAttemptAt, or are dropped when out of attempts.
// Drain stops early when ctx is done.
func (q *Queue) Drain(ctx context.Context, now func() time.Time, retry func(context.Context, DeferredAction) error) (DrainResult, error) {
	var result DrainResult
	actions, err := q.List()
	if err != nil {
		return result, err
	}
	for _, action := range actions {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if action.NextAttemptAt.After(now()) {
			result.Skipped++
			continue
		}
		if retryErr := retry(ctx, action); retryErr != nil {
			kept, err := q.fail(action, retryErr, now())
			if err != nil {
				return result, err
			}
			if kept {
				result.Failed++
			} else {
				result.Dropped++
			}
			continue
		}
		if err := q.Remove(action.ID); err != nil {
			return result, err
		}
		result.Succeeded++
	}
	return result, nil
}
