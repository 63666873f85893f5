package checkin

import (
	"fmt"
	"strings"
	"time"
)

// Method is how a check-in intent was produced.
type Method string

const (
	MethodQRScan Method = "QR_SCAN"
	MethodManual Method = "MANUAL"
)

// Status of a persisted attendance record.
type Status string

const (
	StatusPresent Status = "PRESENT"
	StatusAbsent  Status = "ABSENT"
	StatusLate    Status = "LATE"
)

// Intent is a not-yet-persisted request to record attendance. Clients create
// it at scan/submit time; it is immutable after creation.
type Intent struct {
	MemberID         string    `json:"member_id"`
	TargetID         string    `json:"target_id"`
	OccurredAt       time.Time `json:"occurred_at"`
	Method           Method    `json:"method"`
	IsFamily         bool      `json:"is_family"`
	LocationVerified bool      `json:"location_verified"`
	Notes            string    `json:"notes,omitempty"`
	// ClientToken is set by the offline queue so replays of the same
	// physical scan stay idempotent. Empty for live submissions.
	ClientToken string `json:"client_token,omitempty"`
}

// Record is the persisted attendance fact. Records are append-only: a status
// correction inserts a new record whose Supersedes points at the old one.
type Record struct {
	ID               string    `json:"id"`
	MemberID         string    `json:"member_id"`
	TargetID         string    `json:"target_id"`
	OccurredAt       time.Time `json:"occurred_at"`
	Status           Status    `json:"status"`
	Method           Method    `json:"method"`
	IsFamily         bool      `json:"is_family"`
	LocationVerified bool      `json:"location_verified"`
	Notes            string    `json:"notes,omitempty"`
	Supersedes       string    `json:"supersedes,omitempty"`
	ClientToken      string    `json:"client_token,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Target is a service or class members check in to.
type Target struct {
	ID       string
	Name     string
	Active   bool
	OpensAt  time.Time
	ClosesAt time.Time
}

// DedupKey identifies "the same attendance fact": at most one PRESENT/LATE
// record may exist per key. The day component uses the organization's
// timezone so a service just before local midnight keys to the right day.
// Family check-ins carry their own flag so a guardian's individual check-in
// never suppresses a dependent's.
type DedupKey struct {
	MemberID string
	TargetID string
	Day      string // YYYY-MM-DD in the organization timezone
	IsFamily bool
}

func (k DedupKey) String() string {
	scope := "individual"
	if k.IsFamily {
		scope = "family"
	}
	return k.MemberID + "|" + k.TargetID + "|" + k.Day + "|" + scope
}

// Key derives the intent's dedup key in the given location.
func (in Intent) Key(loc *time.Location) DedupKey {
	if loc == nil {
		loc = time.UTC
	}
	return DedupKey{
		MemberID: in.MemberID,
		TargetID: in.TargetID,
		Day:      in.OccurredAt.In(loc).Format("2006-01-02"),
		IsFamily: in.IsFamily,
	}
}

// Validate checks intent shape only; referential checks (member and target
// exist, target open) happen against the store.
func (in Intent) Validate() error {
	if strings.TrimSpace(in.MemberID) == "" {
		return fmt.Errorf("%w: member id required", ErrValidation)
	}
	if strings.TrimSpace(in.TargetID) == "" {
		return fmt.Errorf("%w: target id required", ErrValidation)
	}
	if in.OccurredAt.IsZero() {
		return fmt.Errorf("%w: occurred_at required", ErrValidation)
	}
	switch in.Method {
	case MethodQRScan, MethodManual:
	default:
		return fmt.Errorf("%w: unknown method %q", ErrValidation, in.Method)
	}
	return nil
}
