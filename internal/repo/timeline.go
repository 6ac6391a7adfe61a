package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"coordline/internal/domain"
)

// ListTimeline reads a request's events oldest to newest.
func (r Repo) ListTimeline(ctx context.Context, tx *sql.Tx, requestID string) ([]domain.TimelineEvent, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id,request_id,event_type,actor_id,actor_role,notes,payload_json,created_at
FROM timeline_events WHERE request_id=? ORDER BY created_at ASC, id ASC`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TimelineEvent
	for rows.Next() {
		var e domain.TimelineEvent
		var notes sql.NullString
		var payload string
		if err := rows.Scan(&e.ID, &e.RequestID, &e.EventType, &e.ActorID, &e.ActorRole, &notes, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Notes = stringPtr(notes)
		if payload != "" && payload != "{}" {
			if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
				return nil, err
			}
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// CountTimeline counts a request's events, optionally of one type.
func (r Repo) CountTimeline(ctx context.Context, requestID string, evtType domain.EventType) (int, error) {
	query := `SELECT COUNT(*) FROM timeline_events WHERE request_id=?`
	args := []any{requestID}
	if evtType != "" {
		query += ` AND event_type=?`
		args = append(args, string(evtType))
	}
	var n int
	err := r.DB.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}
