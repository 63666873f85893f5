package checkin

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDedupKeyDayBoundaryUsesOrgTimezone(t *testing.T) {
	lagos, err := time.LoadLocation("Africa/Lagos") // UTC+1, no DST
	require.NoError(t, err)

	// 23:30 UTC on the 1st is 00:30 on the 2nd in Lagos.
	at := time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC)
	in := Intent{MemberID: "m1", TargetID: "svc-1", OccurredAt: at}

	assert.Equal(t, "2026-03-01", in.Key(time.UTC).Day)
	assert.Equal(t, "2026-03-02", in.Key(lagos).Day)
}

func TestDedupKeyFamilyScope(t *testing.T) {
	at := time.Now()
	guardian := Intent{MemberID: "m1", TargetID: "svc-1", OccurredAt: at}
	family := Intent{MemberID: "m1", TargetID: "svc-1", OccurredAt: at, IsFamily: true}

	assert.NotEqual(t, guardian.Key(time.UTC), family.Key(time.UTC),
		"family check-ins must not collide with individual ones")

	dependent := Intent{MemberID: "m2", TargetID: "svc-1", OccurredAt: at, IsFamily: true}
	assert.NotEqual(t, family.Key(time.UTC), dependent.Key(time.UTC),
		"each dependent gets its own key")
	assert.Equal(t, dependent.Key(time.UTC), dependent.Key(time.UTC),
		"re-scanning the same dependent must collide")
}

func TestIntentValidate(t *testing.T) {
	base := Intent{MemberID: "m1", TargetID: "svc-1", OccurredAt: time.Now(), Method: MethodQRScan}

	tests := []struct {
		name   string
		mutate func(*Intent)
		ok     bool
	}{
		{"valid qr scan", func(*Intent) {}, true},
		{"valid manual", func(in *Intent) { in.Method = MethodManual }, true},
		{"missing member", func(in *Intent) { in.MemberID = "" }, false},
		{"blank member", func(in *Intent) { in.MemberID = "   " }, false},
		{"missing target", func(in *Intent) { in.TargetID = "" }, false},
		{"zero time", func(in *Intent) { in.OccurredAt = time.Time{} }, false},
		{"unknown method", func(in *Intent) { in.Method = "CARRIER_PIGEON" }, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			in := base
			tc.mutate(&in)
			err := in.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrValidation)
			}
		})
	}
}

func TestDeduperRejections(t *testing.T) {
	fs := newFakeStore()
	fs.addMember("m1")
	fs.addTarget(openTarget("svc-1"))
	fs.addTarget(Target{ID: "svc-closed", Name: "Closed", Active: false})
	fs.addTarget(Target{
		ID: "svc-early", Name: "Tonight", Active: true,
		OpensAt: time.Now().Add(time.Hour), ClosesAt: time.Now().Add(2 * time.Hour),
	})

	d := NewDeduper(fs, NewCache(CacheConfig{}), time.UTC)
	now := time.Now()

	tests := []struct {
		name   string
		intent Intent
		reason string
	}{
		{"unknown member", Intent{MemberID: "ghost", TargetID: "svc-1", OccurredAt: now}, "unknown member"},
		{"unknown target", Intent{MemberID: "m1", TargetID: "svc-none", OccurredAt: now}, "unknown target"},
		{"inactive target", Intent{MemberID: "m1", TargetID: "svc-closed", OccurredAt: now}, "not active"},
		{"not yet open", Intent{MemberID: "m1", TargetID: "svc-early", OccurredAt: now}, "not yet open"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := d.Evaluate(context.Background(), tc.intent)
			require.NoError(t, err)
			assert.Equal(t, VerdictReject, ev.Verdict)
			assert.Contains(t, ev.Reason, tc.reason)
		})
	}
}

func TestDeduperCacheFastPath(t *testing.T) {
	fs := newFakeStore()
	fs.addMember("m1")
	fs.addTarget(openTarget("svc-1"))
	cache := NewCache(CacheConfig{})
	d := NewDeduper(fs, cache, time.UTC)

	at := time.Now().UTC()
	existing := Record{
		ID: "r1", MemberID: "m1", TargetID: "svc-1",
		OccurredAt: at, Status: StatusPresent, Method: MethodQRScan,
	}
	// Seed only the cache; the store has nothing, proving the verdict came
	// from the fast path.
	cache.Put("svc-1", []Record{existing})

	ev, err := d.Evaluate(context.Background(), Intent{
		MemberID: "m1", TargetID: "svc-1", OccurredAt: at, Method: MethodQRScan,
	})
	require.NoError(t, err)
	assert.Equal(t, VerdictDuplicate, ev.Verdict)
	require.NotNil(t, ev.Existing)
	assert.Equal(t, "r1", ev.Existing.ID)
}

func TestDeduperStaleCacheDefersToStore(t *testing.T) {
	fs := newFakeStore()
	fs.addMember("m1")
	fs.addTarget(openTarget("svc-1"))
	cache := NewCache(CacheConfig{})
	d := NewDeduper(fs, cache, time.UTC)

	at := time.Now().UTC()
	// Cache has a fresh-but-incomplete entry: the record landed in the
	// store through another instance.
	cache.Put("svc-1", nil)
	in := Intent{MemberID: "m1", TargetID: "svc-1", OccurredAt: at, Method: MethodQRScan}
	_, err := fs.InsertRecord(context.Background(), Record{
		MemberID: "m1", TargetID: "svc-1", OccurredAt: at, Status: StatusPresent,
	}, in.Key(time.UTC))
	require.NoError(t, err)

	ev, err := d.Evaluate(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, VerdictAccept, ev.Verdict,
		"a stale cache must accept and leave the verdict to the write-time constraint")
}
