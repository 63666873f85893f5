// Package offline holds check-in intents recorded while disconnected and
// replays them through the check-in coordinator once connectivity returns.
package offline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jerryagenyi/ChMS-sub002/internal/checkin"
)

// QueuedIntent is an intent awaiting replay, with the client-generated
// idempotency token that keeps crash-interrupted drains from double
// submitting the same physical scan.
type QueuedIntent struct {
	Token      string         `json:"token"`
	Intent     checkin.Intent `json:"intent"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
	RetryCount int            `json:"retry_count"`
}

// Store is the durable backing for a queue. Implementations: file journal
// (survives device power cycles), Redis list (server deployments), memory
// (tests). Removal is per-item, never a whole-queue rewrite: the Redis list
// is shared between the API (which parks intents on transient store
// failures) and the drain worker, so a rewrite would silently delete
// anything enqueued between a load and the rewrite.
type Store interface {
	// Append adds one item to the tail.
	Append(item QueuedIntent) error
	// Load returns all items in FIFO order.
	Load() ([]QueuedIntent, error)
	// Remove deletes one stored copy of the item, matched by its token.
	// Items appended by other writers are untouched.
	Remove(item QueuedIntent) error
}

// Submitter is the coordinator surface the drain needs.
type Submitter interface {
	Submit(ctx context.Context, in checkin.Intent) (checkin.Outcome, error)
}

// DrainStatus tags one item's fate during a drain.
type DrainStatus string

const (
	// DrainSucceeded covers Accepted and Duplicate: either way the server
	// has the record, so the item leaves the queue.
	DrainSucceeded DrainStatus = "succeeded"
	// DrainFailed marks a rejected item; it stays queued with its retry
	// count bumped.
	DrainFailed DrainStatus = "failed"
	// DrainExhausted marks an item past the retry cap, held for manual
	// attention and no longer submitted.
	DrainExhausted DrainStatus = "exhausted"
)

// DrainResult reports one item's outcome from a drain pass.
type DrainResult struct {
	Item    QueuedIntent
	Status  DrainStatus
	Outcome checkin.Outcome
}

const defaultRetryCap = 5

// Queue is a durable FIFO of check-in intents. A single sequential worker
// drains it; the mutex rejects overlapping drains of the same queue so FIFO
// order holds and one device never races itself.
type Queue struct {
	mu       sync.Mutex
	store    Store
	retryCap int
}

// New builds a queue over a backing store. retryCap <= 0 takes the default.
func New(store Store, retryCap int) *Queue {
	if retryCap <= 0 {
		retryCap = defaultRetryCap
	}
	return &Queue{store: store, retryCap: retryCap}
}

// Enqueue records an intent for later replay, stamping an idempotency token
// when the intent does not already carry one.
func (q *Queue) Enqueue(in checkin.Intent) (QueuedIntent, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	token := in.ClientToken
	if token == "" {
		token = uuid.NewString()
		in.ClientToken = token
	}
	item := QueuedIntent{
		Token:      token,
		Intent:     in,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := q.store.Append(item); err != nil {
		return QueuedIntent{}, fmt.Errorf("enqueue: %w", err)
	}
	return item, nil
}

// Peek returns the head of the queue without removing it, nil when empty.
func (q *Queue) Peek() (*QueuedIntent, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items, err := q.store.Load()
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	head := items[0]
	return &head, nil
}

// Len reports queued items.
func (q *Queue) Len() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items, err := q.store.Load()
	return len(items), err
}

// Drain replays queued intents through the submitter in FIFO order.
//
// Accepted and Duplicate both remove the item (the server has it either
// way). Rejected keeps the item with its retry count bumped until the cap,
// after which it is surfaced as exhausted and skipped. A transient submit
// error stops the drain at that item: its outcome is unknown, so it and
// everything behind it stay queued for the next pass — never dropped,
// never assumed written. Mutations are per-item removals against a
// snapshot, so intents another process appends mid-drain are never lost,
// and a crash mid-drain loses nothing: replays of already-submitted items
// resolve to Duplicate via their idempotency token's dedup key.
func (q *Queue) Drain(ctx context.Context, s Submitter) ([]DrainResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.store.Load()
	if err != nil {
		return nil, fmt.Errorf("drain load: %w", err)
	}

	var results []DrainResult
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		if item.RetryCount >= q.retryCap {
			results = append(results, DrainResult{
				Item:   item,
				Status: DrainExhausted,
				Outcome: checkin.Outcome{
					Kind:   checkin.OutcomeRejected,
					Reason: checkin.ErrCapacity.Error(),
				},
			})
			continue
		}

		in := item.Intent
		in.ClientToken = item.Token
		out, err := s.Submit(ctx, in)
		if err != nil {
			// Outcome unknown: this and all later items stay queued.
			return results, fmt.Errorf("drain stopped at %s: %w", item.Token, err)
		}

		switch out.Kind {
		case checkin.OutcomeRejected:
			// Requeue with the retry count bumped. Append before remove:
			// a crash in between leaves a harmless double, never a lost
			// intent. Remove matches the old copy first.
			retried := item
			retried.RetryCount++
			if err := q.store.Append(retried); err != nil {
				return results, fmt.Errorf("drain persist: %w", err)
			}
			if err := q.store.Remove(item); err != nil {
				return results, fmt.Errorf("drain persist: %w", err)
			}
			results = append(results, DrainResult{Item: retried, Status: DrainFailed, Outcome: out})
		default:
			if err := q.store.Remove(item); err != nil {
				return results, fmt.Errorf("drain persist: %w", err)
			}
			results = append(results, DrainResult{Item: item, Status: DrainSucceeded, Outcome: out})
		}
	}
	return results, nil
}

// NeedsAttention returns items whose retry budget is spent; these require
// manual resolution and are skipped by Drain.
func (q *Queue) NeedsAttention() ([]QueuedIntent, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items, err := q.store.Load()
	if err != nil {
		return nil, err
	}
	var out []QueuedIntent
	for _, item := range items {
		if item.RetryCount >= q.retryCap {
			out = append(out, item)
		}
	}
	return out, nil
}
