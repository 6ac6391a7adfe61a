package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycleGraph(t *testing.T) {
	happy := []Status{
		StatusSubmitted, StatusConfirmed, StatusAssigned, StatusAccepted,
		StatusInProgress, StatusCompleted, StatusVerified,
	}
	for i := 0; i < len(happy)-1; i++ {
		assert.True(t, CanTransition(happy[i], happy[i+1]), "%s -> %s", happy[i], happy[i+1])
	}
	assert.True(t, CanTransition(StatusSubmitted, StatusAssigned))
	assert.True(t, CanTransition(StatusAssigned, StatusConfirmed))

	assert.False(t, CanTransition(StatusSubmitted, StatusInProgress))
	assert.False(t, CanTransition(StatusConfirmed, StatusConfirmed))
	assert.False(t, CanTransition(StatusAccepted, StatusConfirmed))
	assert.False(t, CanTransition(StatusVerified, StatusCancelled))
	assert.False(t, CanTransition(StatusCancelled, StatusSubmitted))

	require.NoError(t, CheckTransition(StatusCompleted, StatusVerified))
	err := CheckTransition(StatusVerified, StatusSubmitted)
	require.ErrorIs(t, err, ErrIllegalTransition)
}

func TestCancellationReachableFromEveryNonTerminalState(t *testing.T) {
	for _, s := range Statuses {
		if s.Terminal() {
			assert.Empty(t, NextStatuses(s), "terminal %s must have no successors", s)
			continue
		}
		assert.True(t, CanTransition(s, StatusCancelled), "%s -> cancelled", s)
	}
}

func TestCanonicalCoordinationIsConsistent(t *testing.T) {
	for _, s := range Statuses {
		for _, attempts := range []int{0, 3} {
			cs := CanonicalCoordination(s, attempts)
			require.NotEmpty(t, cs)
			assert.True(t, ConsistentStatus(s, cs), "%s/%s", s, cs)
		}
	}
	assert.Equal(t, CoordReviewing, CanonicalCoordination(StatusConfirmed, 0))
	assert.Equal(t, CoordMatching, CanonicalCoordination(StatusConfirmed, 1))
	assert.False(t, ConsistentStatus(StatusCancelled, CoordEscalated))
	assert.False(t, ConsistentStatus(StatusVerified, CoordEscalated))
}

func TestMoreRestrictive(t *testing.T) {
	assert.Equal(t, SLABreached, MoreRestrictive(SLAOnTrack, SLABreached))
	assert.Equal(t, SLAAtRisk, MoreRestrictive(SLAAtRisk, SLAOnTrack))
	assert.Equal(t, SLAOnTrack, MoreRestrictive("", ""))
	assert.Equal(t, SLABreached, MoreRestrictive(SLABreached, SLAAtRisk))
}

func TestTimeLayoutSortsLexically(t *testing.T) {
	a, err := ParseTime("2024-01-01T00:00:00.000000001Z")
	require.NoError(t, err)
	b, err := ParseTime("2024-01-01T00:00:00.1Z")
	require.NoError(t, err)
	assert.Less(t, FormatTime(a), FormatTime(b))
	assert.Equal(t, "2024-01-01T00:00:00.100000000Z", FormatTime(b))
}
