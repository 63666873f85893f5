package checkin

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// Store is what the coordinator and dedup engine need from persistence. The
// Postgres repository implements it; tests use an in-memory fake with the
// same unique-constraint semantics.
type Store interface {
	// MemberExists reports whether the member is known.
	MemberExists(ctx context.Context, memberID string) (bool, error)
	// GetTarget returns the service/class or ErrNotFound.
	GetTarget(ctx context.Context, targetID string) (*Target, error)
	// InsertRecord writes one record. A dedup-key conflict returns
	// ErrDuplicate; the caller resolves the existing record separately.
	InsertRecord(ctx context.Context, rec Record, key DedupKey) (Record, error)
	// FindByKey returns the PRESENT/LATE record holding the key, or nil.
	FindByKey(ctx context.Context, key DedupKey) (*Record, error)
	// ListByTarget returns current records for a target, newest first.
	ListByTarget(ctx context.Context, targetID string) ([]Record, error)
	// ListByTargetRange returns records for a target within [from, to).
	ListByTargetRange(ctx context.Context, targetID string, from, to time.Time) ([]Record, error)
}

// Repository persists attendance data in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const pgUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// translateStoreErr folds driver errors into the taxonomy: conflicts become
// ErrDuplicate, deadline/cancellation becomes ErrTransient.
func translateStoreErr(err error) error {
	switch {
	case err == nil:
		return nil
	case isUniqueViolation(err):
		return ErrDuplicate
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", ErrTransient, err)
	default:
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
}

// MemberExists checks the members table.
func (r *Repository) MemberExists(ctx context.Context, memberID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM members WHERE id = $1)`, memberID).Scan(&exists)
	if err != nil {
		return false, translateStoreErr(err)
	}
	return exists, nil
}

// GetTarget loads a check-in target.
func (r *Repository) GetTarget(ctx context.Context, targetID string) (*Target, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, active, opens_at, closes_at
		FROM checkin_targets WHERE id = $1
	`, targetID)
	var t Target
	if err := row.Scan(&t.ID, &t.Name, &t.Active, &t.OpensAt, &t.ClosesAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, translateStoreErr(err)
	}
	return &t, nil
}

// InsertRecord writes a new record. The partial unique index on dedup_key
// (PRESENT/LATE rows only) is the linearization point for racing check-ins.
func (r *Repository) InsertRecord(ctx context.Context, rec Record, key DedupKey) (Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = StatusPresent
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance_records
			(id, member_id, target_id, occurred_at, status, method, is_family,
			 location_verified, notes, supersedes, client_token, dedup_key)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NULLIF($10,''),NULLIF($11,''),$12)
		RETURNING created_at
	`, rec.ID, rec.MemberID, rec.TargetID, rec.OccurredAt, rec.Status, rec.Method,
		rec.IsFamily, rec.LocationVerified, rec.Notes, rec.Supersedes, rec.ClientToken,
		key.String())
	if err := row.Scan(&rec.CreatedAt); err != nil {
		return Record{}, translateStoreErr(err)
	}
	return rec, nil
}

// FindByKey returns the live record for a dedup key, nil when none exists.
func (r *Repository) FindByKey(ctx context.Context, key DedupKey) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, member_id, target_id, occurred_at, status, method, is_family,
		       location_verified, COALESCE(notes,''), COALESCE(supersedes,''),
		       COALESCE(client_token,''), created_at
		FROM attendance_records
		WHERE dedup_key = $1 AND status IN ('PRESENT','LATE') AND superseded_by IS NULL
		LIMIT 1
	`, key.String())
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, translateStoreErr(err)
	}
	return &rec, nil
}

// ListByTarget returns non-superseded records for one target, newest first.
func (r *Repository) ListByTarget(ctx context.Context, targetID string) ([]Record, error) {
	return r.listRecords(ctx, `
		SELECT id, member_id, target_id, occurred_at, status, method, is_family,
		       location_verified, COALESCE(notes,''), COALESCE(supersedes,''),
		       COALESCE(client_token,''), created_at
		FROM attendance_records
		WHERE target_id = $1 AND superseded_by IS NULL
		ORDER BY occurred_at DESC
	`, targetID)
}

// ListByTargetRange is the report-page read: one target, [from, to).
func (r *Repository) ListByTargetRange(ctx context.Context, targetID string, from, to time.Time) ([]Record, error) {
	return r.listRecords(ctx, `
		SELECT id, member_id, target_id, occurred_at, status, method, is_family,
		       location_verified, COALESCE(notes,''), COALESCE(supersedes,''),
		       COALESCE(client_token,''), created_at
		FROM attendance_records
		WHERE target_id = $1 AND occurred_at >= $2 AND occurred_at < $3
		  AND superseded_by IS NULL
		ORDER BY occurred_at DESC
	`, targetID, from, to)
}

// Correct supersedes an existing record with a new status. Append-only:
// the original row is only marked, never rewritten, preserving the audit
// trail. Returns the replacement record.
func (r *Repository) Correct(ctx context.Context, recordID string, status Status, notes string) (Record, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, translateStoreErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT id, member_id, target_id, occurred_at, status, method, is_family,
		       location_verified, COALESCE(notes,''), COALESCE(supersedes,''),
		       COALESCE(client_token,''), created_at
		FROM attendance_records WHERE id = $1 AND superseded_by IS NULL
	`, recordID)
	old, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, translateStoreErr(err)
	}

	repl := old
	repl.ID = uuid.NewString()
	repl.Status = status
	repl.Supersedes = old.ID
	if notes != "" {
		repl.Notes = notes
	}
	// Mark the old row first so the live-key unique index releases the
	// dedup key before the replacement claims it.
	if _, err := tx.ExecContext(ctx,
		`UPDATE attendance_records SET superseded_by = $2 WHERE id = $1`, old.ID, repl.ID); err != nil {
		return Record{}, translateStoreErr(err)
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO attendance_records
			(id, member_id, target_id, occurred_at, status, method, is_family,
			 location_verified, notes, supersedes, client_token, dedup_key)
		SELECT $1, member_id, target_id, occurred_at, $2, method, is_family,
		       location_verified, $3, id, client_token, dedup_key
		FROM attendance_records WHERE id = $4
		RETURNING created_at
	`, repl.ID, repl.Status, repl.Notes, old.ID).Scan(&repl.CreatedAt)
	if err != nil {
		return Record{}, translateStoreErr(err)
	}
	if err := tx.Commit(); err != nil {
		return Record{}, translateStoreErr(err)
	}
	return repl, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.MemberID, &rec.TargetID, &rec.OccurredAt, &rec.Status,
		&rec.Method, &rec.IsFamily, &rec.LocationVerified, &rec.Notes, &rec.Supersedes,
		&rec.ClientToken, &rec.CreatedAt)
	return rec, err
}

func (r *Repository) listRecords(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, translateStoreErr(err)
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, translateStoreErr(err)
		}
		res = append(res, rec)
	}
	return res, translateStoreErr(rows.Err())
}
