package checkin

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Verdict is the dedup engine's answer for one intent.
type Verdict int

const (
	// VerdictAccept means no duplicate was found; the store's unique
	// constraint still has the final word at write time.
	VerdictAccept Verdict = iota
	// VerdictDuplicate means a live record already holds the dedup key.
	VerdictDuplicate
	// VerdictReject means the intent is structurally or referentially bad.
	VerdictReject
)

// Evaluation carries the verdict plus the existing record (duplicates) or
// the rejection reason.
type Evaluation struct {
	Verdict  Verdict
	Existing *Record
	Reason   string
	Target   *Target // set on Accept so callers skip a second lookup
}

// Deduper decides whether an incoming check-in repeats an already-recorded
// one. The cache answers the fast path; when the cache cannot rule a
// duplicate in, the store's unique constraint is the final arbiter, so a
// stale "not seen" here is safe.
type Deduper struct {
	store Store
	cache *Cache
	loc   *time.Location
}

// NewDeduper builds the engine. loc sets the calendar-day boundary for keys;
// pass the organization's timezone (nil falls back to UTC).
func NewDeduper(store Store, cache *Cache, loc *time.Location) *Deduper {
	if loc == nil {
		loc = time.UTC
	}
	return &Deduper{store: store, cache: cache, loc: loc}
}

func recordKey(rec Record, loc *time.Location) DedupKey {
	return DedupKey{
		MemberID: rec.MemberID,
		TargetID: rec.TargetID,
		Day:      rec.OccurredAt.In(loc).Format("2006-01-02"),
		IsFamily: rec.IsFamily,
	}
}

// Evaluate validates the intent's references, then looks for a duplicate.
func (d *Deduper) Evaluate(ctx context.Context, in Intent) (Evaluation, error) {
	ok, err := d.store.MemberExists(ctx, in.MemberID)
	if err != nil {
		return Evaluation{}, err
	}
	if !ok {
		return Evaluation{Verdict: VerdictReject, Reason: fmt.Sprintf("unknown member %s", in.MemberID)}, nil
	}

	target, err := d.store.GetTarget(ctx, in.TargetID)
	if errors.Is(err, ErrNotFound) {
		return Evaluation{Verdict: VerdictReject, Reason: fmt.Sprintf("unknown target %s", in.TargetID)}, nil
	}
	if err != nil {
		return Evaluation{}, err
	}
	if !target.Active {
		return Evaluation{Verdict: VerdictReject, Reason: "target not active"}, nil
	}
	if !target.OpensAt.IsZero() && in.OccurredAt.Before(target.OpensAt) {
		return Evaluation{Verdict: VerdictReject, Reason: "target not yet open"}, nil
	}
	if !target.ClosesAt.IsZero() && !in.OccurredAt.Before(target.ClosesAt) {
		return Evaluation{Verdict: VerdictReject, Reason: "target closed"}, nil
	}

	key := in.Key(d.loc)
	if recs, ok := d.cache.Get(in.TargetID); ok {
		cacheLookups.WithLabelValues("hit").Inc()
		for i := range recs {
			rec := &recs[i]
			if rec.Status != StatusPresent && rec.Status != StatusLate {
				continue
			}
			if recordKey(*rec, d.loc) == key {
				return Evaluation{Verdict: VerdictDuplicate, Existing: rec}, nil
			}
		}
		// Cache says not seen; it may be stale, so accept and let the
		// write-time constraint decide.
		return Evaluation{Verdict: VerdictAccept, Target: target}, nil
	}
	cacheLookups.WithLabelValues("miss").Inc()

	existing, err := d.store.FindByKey(ctx, key)
	if err != nil {
		return Evaluation{}, err
	}
	if existing != nil {
		return Evaluation{Verdict: VerdictDuplicate, Existing: existing}, nil
	}
	return Evaluation{Verdict: VerdictAccept, Target: target}, nil
}
