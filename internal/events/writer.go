// Package events appends timeline entries inside the caller's transaction. The timeline
// is append-only: nothing in this module updates or deletes a row once written.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"coordline/internal/domain"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes evt for its request. created_at is forced to be strictly greater
// than the latest entry of the same request, so per-request order never ties.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evt domain.TimelineEvent) (domain.TimelineEvent, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	if evt.RequestID == "" {
		return evt, errors.New("timeline event requires request id")
	}
	if !evt.EventType.Valid() {
		return evt, fmt.Errorf("unknown timeline event type %q", evt.EventType)
	}
	ts := w.Now().UTC()
	var last sql.NullString
	if err := tx.QueryRowContext(ctx, `SELECT MAX(created_at) FROM timeline_events WHERE request_id=?`, evt.RequestID).Scan(&last); err != nil {
		return evt, fmt.Errorf("read last timeline entry: %w", err)
	}
	if last.Valid {
		prev, err := domain.ParseTime(last.String)
		if err != nil {
			return evt, fmt.Errorf("parse last timeline entry: %w", err)
		}
		if !ts.After(prev) {
			ts = prev.Add(time.Nanosecond)
		}
	}
	evt.CreatedAt = domain.FormatTime(ts)
	if evt.Payload == nil {
		evt.Payload = EventPayload{}
	}
	data, err := json.Marshal(evt.Payload)
	if err != nil {
		return evt, fmt.Errorf("marshal event payload: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO timeline_events(request_id,event_type,actor_id,actor_role,notes,payload_json,created_at) VALUES (?,?,?,?,?,?,?)`,
		evt.RequestID, string(evt.EventType), evt.ActorID, evt.ActorRole, nullablePtr(evt.Notes), string(data), evt.CreatedAt)
	if err != nil {
		return evt, err
	}
	if evt.ID, err = res.LastInsertId(); err != nil {
		return evt, err
	}
	return evt, nil
}

func nullablePtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
