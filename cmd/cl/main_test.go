package main

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coordline/internal/app"
	"coordline/internal/domain"
	"coordline/internal/engine"
	"coordline/internal/engine/auth"
	"coordline/internal/logger"
	"coordline/internal/repo"
)

var setupOnce sync.Once

func run(t *testing.T, args ...string) error {
	t.Helper()
	setupOnce.Do(func() {
		addPersistentFlags()
		registerCommands()
	})
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(context.Background())
}

func TestCommandsDriveTheEngine(t *testing.T) {
	dir := t.TempDir()
	providers := filepath.Join(dir, "providers.yml")
	require.NoError(t, os.WriteFile(providers, []byte(`providers:
  - id: P1
    name: Pipe Pros
    service_types: [plumbing]
    verified: true
  - id: P2
    name: Sparks
    service_types: [electrical]
    verified: true
    active: false
`), 0o644))

	require.NoError(t, run(t, "-w", dir, "--json", "provider", "sync", "-f", providers))
	require.NoError(t, run(t, "-w", dir, "--json", "request", "create", "--client", "C1", "--service-type", "plumbing", "--priority", "urgent"))

	ws, err := app.Open(context.Background(), dir, logger.Discard())
	require.NoError(t, err)
	page, err := ws.Engine.GetPipeline(context.Background(), engine.PipelineFilter{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	id := page.Items[0].Request.ID
	assert.Equal(t, domain.PriorityUrgent, page.Items[0].Request.Priority)

	eligible, err := ws.Engine.ListProviders(context.Background(), repo.ProviderFilters{EligibleOnly: true})
	require.NoError(t, err)
	require.Len(t, eligible, 1)
	assert.Equal(t, "P1", eligible[0].ID)
	require.NoError(t, ws.Close())

	require.NoError(t, run(t, "-w", dir, "--json", "request", "confirm", id))
	require.NoError(t, run(t, "-w", dir, "--json", "request", "assign", id, "--provider", "P1"))

	err = run(t, "-w", dir, "--json", "--actor-id", "C1", "--actor-role", "client", "request", "cancel", id, "--reason", "no longer needed")
	var forbidden auth.ForbiddenError
	require.ErrorAs(t, err, &forbidden)
	assert.Equal(t, auth.PermRequestCancel, forbidden.Permission)

	ws, err = app.Open(context.Background(), dir, logger.Discard())
	require.NoError(t, err)
	defer ws.Close()
	sr, err := ws.Engine.GetRequest(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAssigned, sr.Status)
	assert.Equal(t, 1, sr.TotalAssignmentAttempts)
}

func TestConfigInitRefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, run(t, "-w", dir, "config", "init"))
	_, err := os.Stat(filepath.Join(dir, "coordline.yml"))
	require.NoError(t, err)
	require.Error(t, run(t, "-w", dir, "config", "init"))
}
