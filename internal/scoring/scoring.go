// Package scoring computes the provider reliability score and the leaderboard order
// used for ranking and match recommendations. Everything here is a pure function of
// its inputs.
package scoring

import (
	"fmt"
	"math"
	"sort"

	"coordline/internal/domain"
)

const weightTolerance = 1e-6

// Weights are the tunable parameters of the score.
type Weights struct {
	Acceptance       float64 `yaml:"acceptance" json:"acceptance"`
	Completion       float64 `yaml:"completion" json:"completion"`
	Responsiveness   float64 `yaml:"responsiveness" json:"responsiveness"`
	Streak           float64 `yaml:"streak" json:"streak"`
	ResponseSLAHours float64 `yaml:"response_sla_hours" json:"response_sla_hours"`
	StreakCap        int     `yaml:"streak_cap" json:"streak_cap"`
}

// DefaultWeights returns the defaults: 0.30/0.35/0.20/0.15, 24h response SLA, streak cap 10.
func DefaultWeights() Weights {
	return Weights{
		Acceptance:       0.30,
		Completion:       0.35,
		Responsiveness:   0.20,
		Streak:           0.15,
		ResponseSLAHours: 24,
		StreakCap:        10,
	}
}

// Validate checks the weights are non-negative and sum to 1.
func (w Weights) Validate() error {
	for name, v := range map[string]float64{
		"acceptance":     w.Acceptance,
		"completion":     w.Completion,
		"responsiveness": w.Responsiveness,
		"streak":         w.Streak,
	} {
		if v < 0 || math.IsNaN(v) {
			return fmt.Errorf("weight %s must be >= 0", name)
		}
	}
	sum := w.Acceptance + w.Completion + w.Responsiveness + w.Streak
	if math.Abs(sum-1) > weightTolerance {
		return fmt.Errorf("weights must sum to 1, got %.4f", sum)
	}
	if w.ResponseSLAHours <= 0 {
		return fmt.Errorf("response_sla_hours must be > 0")
	}
	if w.StreakCap <= 0 {
		return fmt.Errorf("streak_cap must be > 0")
	}
	return nil
}

// Components are the normalized inputs of a score, each in [0,1].
type Components struct {
	AcceptanceRate float64 `json:"acceptance_rate"`
	CompletionRate float64 `json:"completion_rate"`
	Responsiveness float64 `json:"responsiveness"`
	StreakBonus    float64 `json:"streak_bonus"`
}

// Breakdown normalizes m into score components.
func Breakdown(m domain.ProviderMetrics, w Weights) Components {
	c := Components{
		AcceptanceRate: clamp01(float64(m.TotalAccepted) / float64(max(m.TotalAssigned, 1))),
		CompletionRate: clamp01(float64(m.TotalCompleted) / float64(max(m.TotalAccepted, 1))),
	}
	if m.TotalResponses > 0 && w.ResponseSLAHours > 0 {
		c.Responsiveness = clamp01(1 - m.AvgResponseTimeHours/w.ResponseSLAHours)
	}
	if w.StreakCap > 0 {
		c.StreakBonus = math.Min(float64(m.StreakCompleted)/float64(w.StreakCap), 1)
	}
	return c
}

// Score returns the 0-100 reliability score. A provider that was never assigned scores 0.
func Score(m domain.ProviderMetrics, w Weights) int {
	if m.TotalAssigned <= 0 {
		return 0
	}
	c := Breakdown(m, w)
	raw := w.Acceptance*c.AcceptanceRate +
		w.Completion*c.CompletionRate +
		w.Responsiveness*c.Responsiveness +
		w.Streak*c.StreakBonus
	score := int(math.Round(100 * raw))
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// Less is the leaderboard order: assigned providers before never-assigned ones, then
// score desc, total_completed desc, provider_id asc.
func Less(a, b domain.ProviderMetrics) bool {
	aHas, bHas := a.TotalAssigned > 0, b.TotalAssigned > 0
	if aHas != bHas {
		return aHas
	}
	if a.ReliabilityScore != b.ReliabilityScore {
		return a.ReliabilityScore > b.ReliabilityScore
	}
	if a.TotalCompleted != b.TotalCompleted {
		return a.TotalCompleted > b.TotalCompleted
	}
	return a.ProviderID < b.ProviderID
}

// Rank rescores every entry with w and sorts in leaderboard order. The input is not modified.
func Rank(items []domain.ProviderMetrics, w Weights) []domain.ProviderMetrics {
	out := make([]domain.ProviderMetrics, len(items))
	for i, m := range items {
		m.ReliabilityScore = Score(m, w)
		out[i] = m
	}
	sort.SliceStable(out, func(i, j int) bool { return Less(out[i], out[j]) })
	return out
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
