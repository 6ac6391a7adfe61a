package repo

import (
	"context"
	"database/sql"
	"errors"

	"coordline/internal/domain"
)

// MetricsDelta is a set of counter changes applied atomically to one provider row.
type MetricsDelta struct {
	Assigned   int
	Accepted   int
	Declined   int
	NoResponse int
	Completed  int
	// ResponseHours, when set, is folded into the running average response time.
	ResponseHours *float64
	ResetStreak   bool
}

// EnsureMetrics creates the zero row for a provider on its first assignment.
func (r Repo) EnsureMetrics(ctx context.Context, tx *sql.Tx, providerID, now string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO provider_metrics(provider_id, updated_at) VALUES (?,?)`, providerID, now)
	return err
}

// ApplyMetrics increments counters in SQL so concurrent resolutions for the same
// provider never overwrite each other.
func (r Repo) ApplyMetrics(ctx context.Context, tx *sql.Tx, providerID string, d MetricsDelta, now string) error {
	hasResponse := d.ResponseHours != nil
	var hours float64
	if hasResponse {
		hours = *d.ResponseHours
	}
	responses := 0
	if hasResponse {
		responses = 1
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE provider_metrics SET
total_assigned = total_assigned + ?,
total_accepted = total_accepted + ?,
total_declined = total_declined + ?,
total_no_response = total_no_response + ?,
total_completed = total_completed + ?,
avg_response_time_hours = CASE WHEN ? = 1 THEN (avg_response_time_hours * total_responses + ?) / (total_responses + 1) ELSE avg_response_time_hours END,
total_responses = total_responses + ?,
streak_completed = CASE WHEN ? = 1 THEN 0 ELSE streak_completed + ? END,
updated_at = ?
WHERE provider_id = ?`,
		d.Assigned, d.Accepted, d.Declined, d.NoResponse, d.Completed,
		responses, hours, responses,
		boolInt(d.ResetStreak), d.Completed,
		now, providerID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetScore stores the derived reliability score.
func (r Repo) SetScore(ctx context.Context, tx *sql.Tx, providerID string, score int) error {
	_, err := r.q(tx).ExecContext(ctx, `UPDATE provider_metrics SET reliability_score=? WHERE provider_id=?`, score, providerID)
	return err
}

const metricsColumns = `provider_id,total_assigned,total_accepted,total_declined,total_no_response,total_completed,total_responses,
avg_response_time_hours,streak_completed,reliability_score,updated_at`

func scanMetrics(row rowScanner) (domain.ProviderMetrics, error) {
	var m domain.ProviderMetrics
	err := row.Scan(&m.ProviderID, &m.TotalAssigned, &m.TotalAccepted, &m.TotalDeclined, &m.TotalNoResponse,
		&m.TotalCompleted, &m.TotalResponses, &m.AvgResponseTimeHours, &m.StreakCompleted, &m.ReliabilityScore, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return m, ErrNotFound
	}
	return m, err
}

func (r Repo) GetMetrics(ctx context.Context, tx *sql.Tx, providerID string) (domain.ProviderMetrics, error) {
	return scanMetrics(r.q(tx).QueryRowContext(ctx, `SELECT `+metricsColumns+` FROM provider_metrics WHERE provider_id=?`, providerID))
}

// ListMetrics returns the cumulative metrics of every known provider. Providers that
// were never assigned come back as zero rows.
func (r Repo) ListMetrics(ctx context.Context) ([]domain.ProviderMetrics, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT p.id,
COALESCE(m.total_assigned,0), COALESCE(m.total_accepted,0), COALESCE(m.total_declined,0), COALESCE(m.total_no_response,0),
COALESCE(m.total_completed,0), COALESCE(m.total_responses,0), COALESCE(m.avg_response_time_hours,0),
COALESCE(m.streak_completed,0), COALESCE(m.reliability_score,0), COALESCE(m.updated_at,'')
FROM providers p LEFT JOIN provider_metrics m ON m.provider_id = p.id
ORDER BY p.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProviderMetrics
	for rows.Next() {
		m, err := scanMetrics(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// WindowedMetrics derives counters from assignments created at or after since.
// Completions count accepted assignments whose request has been verified. The
// streak comes from the live metrics row since it has no windowed meaning.
func (r Repo) WindowedMetrics(ctx context.Context, since string) ([]domain.ProviderMetrics, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT p.id,
COUNT(a.id),
COALESCE(SUM(CASE WHEN a.provider_response='accepted' THEN 1 ELSE 0 END),0),
COALESCE(SUM(CASE WHEN a.provider_response='declined' THEN 1 ELSE 0 END),0),
COALESCE(SUM(CASE WHEN a.provider_response='no_response' THEN 1 ELSE 0 END),0),
COALESCE(SUM(CASE WHEN a.provider_response='accepted' AND sr.status='verified' THEN 1 ELSE 0 END),0),
COALESCE(SUM(CASE WHEN a.provider_response IN ('accepted','declined') THEN 1 ELSE 0 END),0),
COALESCE(AVG(CASE WHEN a.provider_response IN ('accepted','declined') AND a.responded_at IS NOT NULL
  THEN (julianday(a.responded_at) - julianday(a.assigned_at)) * 24.0 END),0),
COALESCE(m.streak_completed,0), 0, COALESCE(m.updated_at,'')
FROM providers p
LEFT JOIN assignments a ON a.provider_id = p.id AND a.assigned_at >= ?
LEFT JOIN service_requests sr ON sr.id = a.request_id
LEFT JOIN provider_metrics m ON m.provider_id = p.id
GROUP BY p.id, m.streak_completed, m.updated_at
ORDER BY p.id`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProviderMetrics
	for rows.Next() {
		m, err := scanMetrics(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
