package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"coordline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrStale reports a conditional update that matched no row because another
	// writer changed it first.
	ErrStale = errors.New("stale write")
)

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// q runs against tx when one is given, otherwise against the pool.
func (r Repo) q(tx *sql.Tx) queryer {
	if tx != nil {
		return tx
	}
	return r.DB
}

const requestColumns = `id,request_number,client_id,service_type,location,description,priority,status,coordination_status,escalation_level,
sla_stage,sla_started_at,sla_deadline,completion_verified,completion_notes,quality_score,satisfaction_score,total_assignment_attempts,
version,created_at,updated_at,completed_at,verified_at,cancelled_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (domain.ServiceRequest, error) {
	var sr domain.ServiceRequest
	var notes, completedAt, verifiedAt, cancelledAt sql.NullString
	var quality, satisfaction sql.NullInt64
	err := row.Scan(&sr.ID, &sr.RequestNumber, &sr.ClientID, &sr.ServiceType, &sr.Location, &sr.Description, &sr.Priority,
		&sr.Status, &sr.CoordinationStatus, &sr.EscalationLevel, &sr.SLAStage, &sr.SLAStartedAt, &sr.SLADeadline,
		&sr.CompletionVerified, &notes, &quality, &satisfaction, &sr.TotalAssignmentAttempts, &sr.Version,
		&sr.CreatedAt, &sr.UpdatedAt, &completedAt, &verifiedAt, &cancelledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return sr, ErrNotFound
	}
	if err != nil {
		return sr, err
	}
	sr.CompletionNotes = stringPtr(notes)
	sr.QualityScore = intPtr(quality)
	sr.SatisfactionScore = intPtr(satisfaction)
	sr.CompletedAt = stringPtr(completedAt)
	sr.VerifiedAt = stringPtr(verifiedAt)
	sr.CancelledAt = stringPtr(cancelledAt)
	return sr, nil
}

func (r Repo) InsertRequest(ctx context.Context, tx *sql.Tx, sr domain.ServiceRequest) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO service_requests(`+requestColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		sr.ID, sr.RequestNumber, sr.ClientID, sr.ServiceType, sr.Location, sr.Description, string(sr.Priority), string(sr.Status),
		string(sr.CoordinationStatus), sr.EscalationLevel, string(sr.SLAStage), sr.SLAStartedAt, sr.SLADeadline, sr.CompletionVerified,
		nullableStringPtr(sr.CompletionNotes), nullableIntPtr(sr.QualityScore), nullableIntPtr(sr.SatisfactionScore),
		sr.TotalAssignmentAttempts, sr.Version, sr.CreatedAt, sr.UpdatedAt,
		nullableStringPtr(sr.CompletedAt), nullableStringPtr(sr.VerifiedAt), nullableStringPtr(sr.CancelledAt))
	return err
}

func (r Repo) GetRequest(ctx context.Context, tx *sql.Tx, id string) (domain.ServiceRequest, error) {
	return scanRequest(r.q(tx).QueryRowContext(ctx, `SELECT `+requestColumns+` FROM service_requests WHERE id=?`, id))
}

// UpdateRequest writes every mutable column of sr if the stored version still equals
// sr.Version, and bumps the version. A lost race yields ErrStale.
func (r Repo) UpdateRequest(ctx context.Context, tx *sql.Tx, sr domain.ServiceRequest) (domain.ServiceRequest, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE service_requests SET priority=?, status=?, coordination_status=?, escalation_level=?,
sla_stage=?, sla_started_at=?, sla_deadline=?, completion_verified=?, completion_notes=?, quality_score=?, satisfaction_score=?,
total_assignment_attempts=?, version=version+1, updated_at=?, completed_at=?, verified_at=?, cancelled_at=?
WHERE id=? AND version=?`,
		string(sr.Priority), string(sr.Status), string(sr.CoordinationStatus), sr.EscalationLevel, string(sr.SLAStage), sr.SLAStartedAt, sr.SLADeadline,
		sr.CompletionVerified, nullableStringPtr(sr.CompletionNotes), nullableIntPtr(sr.QualityScore), nullableIntPtr(sr.SatisfactionScore),
		sr.TotalAssignmentAttempts, sr.UpdatedAt, nullableStringPtr(sr.CompletedAt), nullableStringPtr(sr.VerifiedAt),
		nullableStringPtr(sr.CancelledAt), sr.ID, sr.Version)
	if err != nil {
		return sr, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return sr, err
	}
	if affected == 0 {
		return sr, ErrStale
	}
	sr.Version++
	return sr, nil
}

// NextRequestNumber returns the next sequential human-facing number (SR-000001, ...).
func (r Repo) NextRequestNumber(ctx context.Context, tx *sql.Tx) (string, error) {
	var n int64
	err := r.q(tx).QueryRowContext(ctx, `SELECT COALESCE(MAX(CAST(substr(request_number, 4) AS INTEGER)), 0) FROM service_requests`).Scan(&n)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("SR-%06d", n+1), nil
}

type RequestFilters struct {
	Statuses        []domain.Status
	Priority        domain.Priority
	ServiceType     string
	ClientID        string
	ProviderID      string
	EscalatedOnly   bool
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

// ListRequests returns requests newest first, keyed by (created_at, id) for cursor paging.
func (r Repo) ListRequests(ctx context.Context, f RequestFilters) ([]domain.ServiceRequest, error) {
	var clauses []string
	var args []any
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		clauses = append(clauses, "status IN ("+strings.Join(marks, ",")+")")
	}
	if f.Priority != "" {
		clauses = append(clauses, "priority=?")
		args = append(args, string(f.Priority))
	}
	if f.ServiceType != "" {
		clauses = append(clauses, "service_type=?")
		args = append(args, f.ServiceType)
	}
	if f.ClientID != "" {
		clauses = append(clauses, "client_id=?")
		args = append(args, f.ClientID)
	}
	if f.ProviderID != "" {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM assignments a WHERE a.request_id=service_requests.id AND a.is_active=1 AND a.provider_id=?)")
		args = append(args, f.ProviderID)
	}
	if f.EscalatedOnly {
		clauses = append(clauses, "escalation_level > 0")
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + requestColumns + ` FROM service_requests ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ServiceRequest
	for rows.Next() {
		sr, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, sr)
	}
	return res, rows.Err()
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}
