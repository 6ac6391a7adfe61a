package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coordline/internal/db"
	"coordline/internal/logger"
	"coordline/internal/migrate"
)

func TestOpenCreatesStoreAndMigrates(t *testing.T) {
	dir := t.TempDir()
	ws, err := Open(context.Background(), dir, logger.Discard())
	require.NoError(t, err)
	defer ws.Close()

	_, err = os.Stat(db.Path(dir))
	require.NoError(t, err)

	current, err := migrate.Current(context.Background(), ws.DB)
	require.NoError(t, err)
	latest, err := migrate.Latest()
	require.NoError(t, err)
	assert.Equal(t, latest, current)
	assert.Equal(t, 5, ws.Config.Matching.CandidateLimit)
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "coordline.yml"), []byte("matching:\n  candidate_limit: -1\n"), 0o644))
	_, err := Open(context.Background(), dir, nil)
	require.Error(t, err)
}

func TestLoadEnvKeepsProcessValues(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("COORDLINE_TEST_A=from-file\nCOORDLINE_TEST_B=from-file\n"), 0o644))
	t.Setenv("COORDLINE_TEST_A", "from-env")
	t.Setenv("COORDLINE_TEST_B", "")
	os.Unsetenv("COORDLINE_TEST_B")

	require.NoError(t, LoadEnv(dir))
	assert.Equal(t, "from-env", os.Getenv("COORDLINE_TEST_A"))
	assert.Equal(t, "from-file", os.Getenv("COORDLINE_TEST_B"))
}
