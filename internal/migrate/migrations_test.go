package migrate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"coordline/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, Migrate(conn))
	require.NoError(t, Migrate(conn))

	latest, err := Latest()
	require.NoError(t, err)
	current, err := Current(context.Background(), conn)
	require.NoError(t, err)
	require.Equal(t, latest, current)

	for _, table := range []string{"service_requests", "assignments", "timeline_events", "provider_metrics", "providers", "api_keys"} {
		var name string
		err := conn.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		require.NoError(t, err, table)
	}
}

func TestOneActiveAssignmentIndex(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, Migrate(conn))

	ts := "2024-01-01T00:00:00.000000000Z"
	_, err = conn.Exec(`INSERT INTO providers(id,name,created_at,updated_at) VALUES ('p1','P',?,?)`, ts, ts)
	require.NoError(t, err)
	_, err = conn.Exec(`INSERT INTO service_requests(id,request_number,client_id,service_type,priority,status,coordination_status,sla_stage,sla_started_at,sla_deadline,created_at,updated_at)
VALUES ('r1','SR-000001','c','plumbing','normal','submitted','uncoordinated','confirmation',?,?,?,?)`, ts, ts, ts, ts)
	require.NoError(t, err)

	insert := `INSERT INTO assignments(id,request_id,provider_id,assigned_by,assigned_at,sla_deadline,is_active) VALUES (?,?,?,?,?,?,?)`
	_, err = conn.Exec(insert, "a1", "r1", "p1", "x", ts, ts, 1)
	require.NoError(t, err)
	_, err = conn.Exec(insert, "a2", "r1", "p1", "x", ts, ts, 1)
	require.Error(t, err)
	_, err = conn.Exec(insert, "a3", "r1", "p1", "x", ts, ts, 0)
	require.NoError(t, err)
}
