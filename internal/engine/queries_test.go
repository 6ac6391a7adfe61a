package engine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coordline/internal/domain"
	"coordline/internal/engine"
)

func TestPipelinePagination(t *testing.T) {
	env := newTestEnv(t)
	var ids []string
	for i := 0; i < 5; i++ {
		sr := env.newRequest(t, domain.PriorityNormal)
		ids = append(ids, sr.ID)
		env.Clock.Advance(time.Minute)
	}

	first, err := env.Engine.GetPipeline(env.Ctx, engine.PipelineFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, first.Items, 2)
	assert.Equal(t, ids[4], first.Items[0].Request.ID)
	assert.Equal(t, ids[3], first.Items[1].Request.ID)
	require.NotEmpty(t, first.NextCursor)

	second, err := env.Engine.GetPipeline(env.Ctx, engine.PipelineFilter{Limit: 2, Cursor: first.NextCursor})
	require.NoError(t, err)
	require.Len(t, second.Items, 2)
	assert.Equal(t, ids[2], second.Items[0].Request.ID)
	assert.Equal(t, ids[1], second.Items[1].Request.ID)

	last, err := env.Engine.GetPipeline(env.Ctx, engine.PipelineFilter{Limit: 2, Cursor: second.NextCursor})
	require.NoError(t, err)
	require.Len(t, last.Items, 1)
	assert.Equal(t, ids[0], last.Items[0].Request.ID)
	assert.Empty(t, last.NextCursor)

	_, err = env.Engine.GetPipeline(env.Ctx, engine.PipelineFilter{Cursor: "garbage"})
	var ve engine.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "cursor", ve.Field)
}

func TestPipelineFiltersAndActiveAssignment(t *testing.T) {
	env := newTestEnv(t)
	open := env.newRequest(t, domain.PriorityUrgent)
	sr, a := env.accepted(t)

	page, err := env.Engine.GetPipeline(env.Ctx, engine.PipelineFilter{Statuses: []domain.Status{domain.StatusAccepted}})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	item := page.Items[0]
	assert.Equal(t, sr.ID, item.Request.ID)
	require.NotNil(t, item.ActiveAssignment)
	assert.Equal(t, a.ID, item.ActiveAssignment.ID)
	assert.Equal(t, "P1", item.ActiveAssignment.ProviderID)
	assert.Equal(t, domain.SLAOnTrack, item.EffectiveSLA)

	page, err = env.Engine.GetPipeline(env.Ctx, engine.PipelineFilter{Priority: domain.PriorityUrgent})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, open.ID, page.Items[0].Request.ID)
	assert.Nil(t, page.Items[0].ActiveAssignment)

	page, err = env.Engine.GetPipeline(env.Ctx, engine.PipelineFilter{ProviderID: "P1"})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)

	_, err = env.Engine.GetPipeline(env.Ctx, engine.PipelineFilter{Statuses: []domain.Status{"lost"}})
	var ve engine.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestEffectiveSLATakesAssignmentIntoAccount(t *testing.T) {
	env := newTestEnv(t)
	sr := env.newRequest(t, domain.PriorityNormal)
	_, err := env.Engine.AssignProvider(env.Ctx, desk, sr.ID, "P1")
	require.NoError(t, err)

	// normal response window is 4h; at 3h15m a quarter or less remains
	env.Clock.Advance(3*time.Hour + 15*time.Minute)
	detail, err := env.Engine.GetRequestDetail(env.Ctx, sr.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SLAAtRisk, detail.EffectiveSLA)

	env.Clock.Advance(time.Hour)
	detail, err = env.Engine.GetRequestDetail(env.Ctx, sr.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SLABreached, detail.EffectiveSLA)
	require.Len(t, detail.Assignments, 1)
	assert.Equal(t, domain.SLABreached, detail.Assignments[0].SLAStatus)
}

func TestDashboard(t *testing.T) {
	env := newTestEnv(t)
	stale := env.newRequest(t, domain.PriorityNormal)
	_, err := env.Engine.Escalate(env.Ctx, desk, stale.ID, "no movement")
	require.NoError(t, err)

	dropped := env.newRequest(t, domain.PriorityNormal)
	_, err = env.Engine.CancelRequest(env.Ctx, desk, dropped.ID, "duplicate")
	require.NoError(t, err)

	sr, _ := env.accepted(t)
	_, err = env.Engine.StartWork(env.Ctx, provider("P1"), sr.ID)
	require.NoError(t, err)
	env.Clock.Advance(90 * time.Minute)
	_, err = env.Engine.CompleteJob(env.Ctx, provider("P1"), sr.ID, "", 5)
	require.NoError(t, err)
	_, err = env.Engine.VerifyCompletion(env.Ctx, client, sr.ID, 5)
	require.NoError(t, err)

	d, err := env.Engine.GetDashboard(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, d.TotalRequests)
	assert.Equal(t, 1, d.StatusCounts[domain.StatusSubmitted])
	assert.Equal(t, 1, d.StatusCounts[domain.StatusCancelled])
	assert.Equal(t, 1, d.StatusCounts[domain.StatusVerified])
	assert.Equal(t, 0, d.StatusCounts[domain.StatusAssigned])
	assert.InDelta(t, 0.5, d.CompletionRate, 1e-9)
	assert.InDelta(t, 2.0, d.AvgCompletionHours, 1e-3)
	assert.Equal(t, 1, d.OpenEscalations)
	assert.Equal(t, 3, d.CreatedToday)
	assert.Equal(t, 3, d.CreatedThisWeek)
	assert.Equal(t, 0, d.SLABreachCount)
	assert.Equal(t, 3, d.Providers.Total)
	assert.Equal(t, 2, d.Providers.Eligible)
	assert.Equal(t, 0, d.Providers.Busy)

	// a day later the open request has blown its 24h confirmation window
	env.Clock.Advance(24 * time.Hour)
	d, err = env.Engine.GetDashboard(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, d.SLABreachCount)
	assert.Equal(t, 0, d.CreatedToday)
	assert.Equal(t, 3, d.CreatedThisWeek)
}

func TestEmptyDashboard(t *testing.T) {
	env := newTestEnv(t)
	d, err := env.Engine.GetDashboard(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, d.TotalRequests)
	assert.Zero(t, d.CompletionRate)
	assert.Len(t, d.StatusCounts, len(domain.Statuses))
}

func TestProviderLeaderboard(t *testing.T) {
	env := newTestEnv(t)
	sr, _ := env.accepted(t)
	_, err := env.Engine.StartWork(env.Ctx, provider("P1"), sr.ID)
	require.NoError(t, err)
	_, err = env.Engine.CompleteJob(env.Ctx, provider("P1"), sr.ID, "", 5)
	require.NoError(t, err)
	_, err = env.Engine.VerifyCompletion(env.Ctx, client, sr.ID, 5)
	require.NoError(t, err)

	other := env.newRequest(t, domain.PriorityNormal)
	res, err := env.Engine.AssignProvider(env.Ctx, desk, other.ID, "P2")
	require.NoError(t, err)
	_, err = env.Engine.UpdateAssignmentResponse(env.Ctx, provider("P2"), res.Assignment.ID, domain.ResponseDeclined, "")
	require.NoError(t, err)

	board, err := env.Engine.GetProviderLeaderboard(env.Ctx, 0)
	require.NoError(t, err)
	require.Len(t, board, 3)
	assert.Equal(t, 1, board[0].Rank)
	assert.Equal(t, "P1", board[0].ProviderID)
	assert.Equal(t, "P2", board[1].ProviderID)
	assert.Equal(t, "P3", board[2].ProviderID)
	assert.Equal(t, 0, board[2].ReliabilityScore)
	assert.InDelta(t, 1.0, board[0].Components.CompletionRate, 1e-9)
	assert.Greater(t, board[0].ReliabilityScore, board[1].ReliabilityScore)

	windowed, err := env.Engine.GetProviderLeaderboard(env.Ctx, 7)
	require.NoError(t, err)
	require.Len(t, windowed, 3)
	assert.Equal(t, "P1", windowed[0].ProviderID)
	assert.Equal(t, 1, windowed[0].TotalCompleted)
	assert.Equal(t, 1, windowed[1].TotalDeclined)

	env.Clock.Advance(8 * 24 * time.Hour)
	windowed, err = env.Engine.GetProviderLeaderboard(env.Ctx, 7)
	require.NoError(t, err)
	for _, entry := range windowed {
		assert.Zero(t, entry.TotalAssigned, entry.ProviderID)
	}
}

func TestCursorHelpers(t *testing.T) {
	assert.Equal(t, 50, engine.NormalizeLimit(0))
	assert.Equal(t, 200, engine.NormalizeLimit(1000))
	assert.Equal(t, 10, engine.NormalizeLimit(10))

	ts, id, err := engine.ParseCursor(engine.ComposeCursor("2025-01-01T00:00:00.000000000Z", "abc"))
	require.NoError(t, err)
	assert.Equal(t, "2025-01-01T00:00:00.000000000Z", ts)
	assert.Equal(t, "abc", id)
	assert.Empty(t, engine.ComposeCursor("", "abc"))
	_, _, err = engine.ParseCursor("|x")
	assert.Error(t, err)
}
