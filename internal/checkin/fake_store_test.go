package checkin

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// fakeStore mimics the Postgres repository including the partial unique
// index on the dedup key, so constraint races are testable without a
// database.
type fakeStore struct {
	mu      sync.Mutex
	members map[string]bool
	targets map[string]Target
	records map[string]Record   // by id
	byKey   map[string]string   // live dedup key -> record id
	inserts int
	failErr error // next store call returns this, once
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		members: make(map[string]bool),
		targets: make(map[string]Target),
		records: make(map[string]Record),
		byKey:   make(map[string]string),
	}
}

func (f *fakeStore) addMember(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[id] = true
}

func (f *fakeStore) addTarget(t Target) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets[t.ID] = t
}

func (f *fakeStore) failNext(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failErr = err
}

func (f *fakeStore) takeFailure() error {
	err := f.failErr
	f.failErr = nil
	return err
}

func (f *fakeStore) MemberExists(_ context.Context, memberID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(); err != nil {
		return false, err
	}
	return f.members[memberID], nil
}

func (f *fakeStore) GetTarget(_ context.Context, targetID string) (*Target, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(); err != nil {
		return nil, err
	}
	t, ok := f.targets[targetID]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (f *fakeStore) InsertRecord(_ context.Context, rec Record, key DedupKey) (Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(); err != nil {
		return Record{}, err
	}
	if _, taken := f.byKey[key.String()]; taken {
		return Record{}, ErrDuplicate
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.CreatedAt = time.Now().UTC()
	f.records[rec.ID] = rec
	if rec.Status == StatusPresent || rec.Status == StatusLate {
		f.byKey[key.String()] = rec.ID
	}
	f.inserts++
	return rec, nil
}

func (f *fakeStore) FindByKey(_ context.Context, key DedupKey) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(); err != nil {
		return nil, err
	}
	id, ok := f.byKey[key.String()]
	if !ok {
		return nil, nil
	}
	rec := f.records[id]
	return &rec, nil
}

func (f *fakeStore) ListByTarget(_ context.Context, targetID string) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(); err != nil {
		return nil, err
	}
	var out []Record
	for _, rec := range f.records {
		if rec.TargetID == targetID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.After(out[j].OccurredAt) })
	return out, nil
}

func (f *fakeStore) ListByTargetRange(_ context.Context, targetID string, from, to time.Time) ([]Record, error) {
	recs, err := f.ListByTarget(nil, targetID)
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, rec := range recs {
		if !rec.OccurredAt.Before(from) && rec.OccurredAt.Before(to) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeStore) insertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inserts
}

// openTarget is a target accepting check-ins around now.
func openTarget(id string) Target {
	return Target{
		ID:       id,
		Name:     fmt.Sprintf("Service %s", id),
		Active:   true,
		OpensAt:  time.Now().Add(-time.Hour),
		ClosesAt: time.Now().Add(time.Hour),
	}
}
