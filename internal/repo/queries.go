package repo

import (
	"context"

	"coordline/internal/domain"
)

// CountRequestsByStatus returns a count for every status, zero included.
func (r Repo) CountRequestsByStatus(ctx context.Context) (map[domain.Status]int, error) {
	res := make(map[domain.Status]int, len(domain.Statuses))
	for _, s := range domain.Statuses {
		res[s] = 0
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM service_requests GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status domain.Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// AvgCompletionHours is the mean time from intake to completion over completed jobs.
func (r Repo) AvgCompletionHours(ctx context.Context) (float64, error) {
	var avg float64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(AVG((julianday(completed_at) - julianday(created_at)) * 24.0), 0)
FROM service_requests WHERE completed_at IS NOT NULL`).Scan(&avg)
	return avg, err
}

// CountCreatedSince counts requests submitted at or after since.
func (r Repo) CountCreatedSince(ctx context.Context, since string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM service_requests WHERE created_at >= ?`, since).Scan(&n)
	return n, err
}

// CountOpenEscalations counts unresolved requests carrying at least one escalation.
func (r Repo) CountOpenEscalations(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM service_requests
WHERE escalation_level > 0 AND status NOT IN ('verified','cancelled')`).Scan(&n)
	return n, err
}
