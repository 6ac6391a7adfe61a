package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"coordline/internal/domain"
)

const assignmentColumns = `id,request_id,provider_id,assigned_by,assigned_at,sla_deadline,provider_response,decline_reason,responded_at,is_active,sla_status`

func scanAssignment(row rowScanner) (domain.Assignment, error) {
	var a domain.Assignment
	var reason, respondedAt sql.NullString
	err := row.Scan(&a.ID, &a.RequestID, &a.ProviderID, &a.AssignedBy, &a.AssignedAt, &a.SLADeadline,
		&a.ProviderResponse, &reason, &respondedAt, &a.IsActive, &a.SLAStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.DeclineReason = stringPtr(reason)
	a.RespondedAt = stringPtr(respondedAt)
	return a, nil
}

func (r Repo) InsertAssignment(ctx context.Context, tx *sql.Tx, a domain.Assignment) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO assignments(`+assignmentColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.RequestID, a.ProviderID, a.AssignedBy, a.AssignedAt, a.SLADeadline, string(a.ProviderResponse),
		nullableStringPtr(a.DeclineReason), nullableStringPtr(a.RespondedAt), a.IsActive, string(a.SLAStatus))
	return err
}

func (r Repo) GetAssignment(ctx context.Context, tx *sql.Tx, id string) (domain.Assignment, error) {
	return scanAssignment(r.q(tx).QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE id=?`, id))
}

// ActiveAssignment returns the single active assignment of a request, or ErrNotFound.
func (r Repo) ActiveAssignment(ctx context.Context, tx *sql.Tx, requestID string) (domain.Assignment, error) {
	return scanAssignment(r.q(tx).QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE request_id=? AND is_active=1`, requestID))
}

// UpdateAssignment rewrites the mutable columns of an assignment that is still active.
// Resolved assignments are history and match no row, which yields ErrStale.
func (r Repo) UpdateAssignment(ctx context.Context, tx *sql.Tx, a domain.Assignment) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE assignments SET sla_deadline=?, provider_response=?, decline_reason=?, responded_at=?, is_active=?, sla_status=?
WHERE id=? AND is_active=1`,
		a.SLADeadline, string(a.ProviderResponse), nullableStringPtr(a.DeclineReason), nullableStringPtr(a.RespondedAt),
		a.IsActive, string(a.SLAStatus), a.ID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrStale
	}
	return nil
}

// ListAssignments returns the full assignment history of a request, oldest first.
func (r Repo) ListAssignments(ctx context.Context, tx *sql.Tx, requestID string) ([]domain.Assignment, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE request_id=? ORDER BY assigned_at ASC, id ASC`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// CountAssignments counts every assignment ever created for a request.
func (r Repo) CountAssignments(ctx context.Context, tx *sql.Tx, requestID string) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM assignments WHERE request_id=?`, requestID).Scan(&n)
	return n, err
}

// ActiveAssignmentsFor returns the active assignment of each listed request, keyed by request id.
func (r Repo) ActiveAssignmentsFor(ctx context.Context, requestIDs []string) (map[string]domain.Assignment, error) {
	res := make(map[string]domain.Assignment, len(requestIDs))
	if len(requestIDs) == 0 {
		return res, nil
	}
	marks := make([]string, len(requestIDs))
	args := make([]any, len(requestIDs))
	for i, id := range requestIDs {
		marks[i] = "?"
		args[i] = id
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE is_active=1 AND request_id IN (`+strings.Join(marks, ",")+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		res[a.RequestID] = a
	}
	return res, rows.Err()
}

// ExcludedProviders lists providers that declined or never answered on a request.
func (r Repo) ExcludedProviders(ctx context.Context, requestID string) (map[string]bool, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT DISTINCT provider_id FROM assignments WHERE request_id=? AND provider_response IN ('declined','no_response')`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res[id] = true
	}
	return res, rows.Err()
}
