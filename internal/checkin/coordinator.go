package checkin

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// OutcomeKind classifies the result of one submission.
type OutcomeKind string

const (
	OutcomeAccepted  OutcomeKind = "accepted"
	OutcomeDuplicate OutcomeKind = "duplicate"
	OutcomeRejected  OutcomeKind = "rejected"
)

// Outcome is the coordinator's answer for one intent. Accepted carries the
// newly persisted record, Duplicate the record that already holds the key,
// Rejected the reason.
type Outcome struct {
	Kind   OutcomeKind `json:"kind"`
	Record Record      `json:"record,omitempty"`
	Reason string      `json:"reason,omitempty"`
}

// Coordinator is the single entry point for recording attendance. Live
// scans, offline-queue replays and bulk imports all pass through Submit, so
// one code path enforces validation, dedup and cache maintenance.
type Coordinator struct {
	store        Store
	cache        *Cache
	dedup        *Deduper
	loc          *time.Location
	storeTimeout time.Duration
	lateAfter    time.Duration
}

// CoordinatorConfig tunes the coordinator; zero values take the defaults.
type CoordinatorConfig struct {
	// StoreTimeout bounds each persistence call. On expiry the outcome is
	// unknown and the caller must retry, default 5s.
	StoreTimeout time.Duration
	// LateAfter marks a check-in LATE when it lands this long past the
	// target's opening time. Zero disables the distinction.
	LateAfter time.Duration
	// Location sets the calendar-day boundary for dedup keys; use the
	// organization's timezone. Nil falls back to UTC.
	Location *time.Location
}

// NewCoordinator wires the single submit path.
func NewCoordinator(store Store, cache *Cache, cfg CoordinatorConfig) *Coordinator {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Coordinator{
		store:        store,
		cache:        cache,
		dedup:        NewDeduper(store, cache, cfg.Location),
		loc:          cfg.Location,
		storeTimeout: cfg.StoreTimeout,
		lateAfter:    cfg.LateAfter,
	}
}

// Submit runs one intent end to end: validate, evaluate, persist, warm the
// cache. Exactly one store write happens for an accepted intent, none
// otherwise. A non-nil error means the outcome is unknown (transient store
// failure) and the intent is safe to retry; it does NOT mean rejection.
func (co *Coordinator) Submit(ctx context.Context, in Intent) (Outcome, error) {
	if err := in.Validate(); err != nil {
		outcomeTotal.WithLabelValues(string(OutcomeRejected)).Inc()
		return Outcome{Kind: OutcomeRejected, Reason: err.Error()}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, co.storeTimeout)
	defer cancel()

	ev, err := co.dedup.Evaluate(ctx, in)
	if err != nil {
		return Outcome{}, fmt.Errorf("evaluate: %w", err)
	}
	switch ev.Verdict {
	case VerdictReject:
		outcomeTotal.WithLabelValues(string(OutcomeRejected)).Inc()
		return Outcome{Kind: OutcomeRejected, Reason: ev.Reason}, nil
	case VerdictDuplicate:
		outcomeTotal.WithLabelValues(string(OutcomeDuplicate)).Inc()
		return Outcome{Kind: OutcomeDuplicate, Record: *ev.Existing}, nil
	}

	rec := Record{
		MemberID:         in.MemberID,
		TargetID:         in.TargetID,
		OccurredAt:       in.OccurredAt,
		Status:           co.statusFor(in, ev.Target),
		Method:           in.Method,
		IsFamily:         in.IsFamily,
		LocationVerified: in.LocationVerified,
		Notes:            in.Notes,
		ClientToken:      in.ClientToken,
	}
	key := in.Key(co.loc)
	persisted, err := co.store.InsertRecord(ctx, rec, key)
	if errors.Is(err, ErrDuplicate) {
		// Lost the race (or a stale cache hid the record). The store's
		// constraint is the linearization point; fetch the winner.
		existing, ferr := co.store.FindByKey(ctx, key)
		if ferr != nil || existing == nil {
			outcomeTotal.WithLabelValues(string(OutcomeDuplicate)).Inc()
			return Outcome{Kind: OutcomeDuplicate}, nil
		}
		outcomeTotal.WithLabelValues(string(OutcomeDuplicate)).Inc()
		return Outcome{Kind: OutcomeDuplicate, Record: *existing}, nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("persist: %w", err)
	}

	co.cache.Touch(in.TargetID, persisted)
	outcomeTotal.WithLabelValues(string(OutcomeAccepted)).Inc()
	return Outcome{Kind: OutcomeAccepted, Record: persisted}, nil
}

func (co *Coordinator) statusFor(in Intent, target *Target) Status {
	if co.lateAfter > 0 && target != nil && !target.OpensAt.IsZero() &&
		in.OccurredAt.After(target.OpensAt.Add(co.lateAfter)) {
		return StatusLate
	}
	return StatusPresent
}

// Records returns current attendance for a target, read through the cache.
func (co *Coordinator) Records(ctx context.Context, targetID string) ([]Record, error) {
	if recs, ok := co.cache.Get(targetID); ok {
		cacheLookups.WithLabelValues("hit").Inc()
		return recs, nil
	}
	cacheLookups.WithLabelValues("miss").Inc()
	ctx, cancel := context.WithTimeout(ctx, co.storeTimeout)
	defer cancel()
	recs, err := co.store.ListByTarget(ctx, targetID)
	if err != nil {
		return nil, err
	}
	co.cache.Put(targetID, recs)
	return recs, nil
}

// RecordsRange serves report reads for [from, to). Range queries go straight
// to the store; the cache only tracks the current set per target.
func (co *Coordinator) RecordsRange(ctx context.Context, targetID string, from, to time.Time) ([]Record, error) {
	ctx, cancel := context.WithTimeout(ctx, co.storeTimeout)
	defer cancel()
	return co.store.ListByTargetRange(ctx, targetID, from, to)
}
