package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coordline/internal/db"
	"coordline/internal/domain"
	"coordline/internal/migrate"
)

func TestAppendKeepsPerRequestOrderStrict(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(conn))

	ts := "2024-01-01T00:00:00.000000000Z"
	_, err = conn.Exec(`INSERT INTO service_requests(id,request_number,client_id,service_type,priority,status,coordination_status,sla_stage,sla_started_at,sla_deadline,created_at,updated_at)
VALUES ('r1','SR-000001','c','plumbing','normal','submitted','uncoordinated','confirmation',?,?,?,?)`, ts, ts, ts, ts)
	require.NoError(t, err)

	fixed := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	w := Writer{Now: func() time.Time { return fixed }}
	ctx := context.Background()

	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	first, err := w.Append(ctx, tx, domain.TimelineEvent{RequestID: "r1", EventType: domain.EventCreated, ActorID: "c", ActorRole: "client"})
	require.NoError(t, err)
	note := "hello"
	second, err := w.Append(ctx, tx, domain.TimelineEvent{RequestID: "r1", EventType: domain.EventNote, ActorID: "c", ActorRole: "client", Notes: &note})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.Equal(t, domain.FormatTime(fixed), first.CreatedAt)
	assert.Greater(t, second.CreatedAt, first.CreatedAt)
	assert.Greater(t, second.ID, first.ID)

	var notes string
	require.NoError(t, conn.QueryRow(`SELECT notes FROM timeline_events WHERE id=?`, second.ID).Scan(&notes))
	assert.Equal(t, "hello", notes)
}

func TestAppendRejectsUnknownType(t *testing.T) {
	w := Writer{}
	_, err := w.Append(context.Background(), nil, domain.TimelineEvent{RequestID: "r1", EventType: "bogus"})
	assert.Error(t, err)
}
