package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coordline/internal/scoring"
	"coordline/internal/sla"
)

func TestDefaultMatchesTemplate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, scoring.DefaultWeights(), cfg.Scoring)
	assert.Equal(t, sla.DefaultWindows(), cfg.SLA)
	assert.Equal(t, 5, cfg.Matching.CandidateLimit)

	parsed, err := FromYAML([]byte(GenerateDefault()))
	require.NoError(t, err)
	assert.Equal(t, cfg, parsed)
}

func TestFromYAMLPartialOverride(t *testing.T) {
	cfg, err := FromYAML([]byte(`
scoring:
  acceptance: 0.25
  completion: 0.40
sla:
  response:
    emergency: 10m
`))
	require.NoError(t, err)
	assert.InDelta(t, 0.25, cfg.Scoring.Acceptance, 1e-9)
	assert.InDelta(t, 0.40, cfg.Scoring.Completion, 1e-9)
	assert.Equal(t, 10*time.Minute, cfg.SLA.Response.Emergency)
	assert.Equal(t, 4*time.Hour, cfg.SLA.Response.Normal)
}

func TestFromYAMLRejectsBadWeights(t *testing.T) {
	_, err := FromYAML([]byte("scoring:\n  acceptance: 0.9\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sum to 1")
}

func TestLoadOptionalFallsBackToDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	_, err = Load(dir)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "coordline.yml"), []byte("matching:\n  candidate_limit: 2\n"), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Matching.CandidateLimit)
}

func TestMarshalRoundTripsDurations(t *testing.T) {
	out, err := Default().Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(out), "15m0s")
	parsed, err := FromYAML(out)
	require.NoError(t, err)
	assert.Equal(t, Default(), parsed)
}
