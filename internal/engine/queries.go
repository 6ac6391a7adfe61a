package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"coordline/internal/domain"
	"coordline/internal/repo"
	"coordline/internal/scoring"
)

// AssignmentSummary is the active assignment as embedded in pipeline rows.
type AssignmentSummary struct {
	ID               string           `json:"id"`
	ProviderID       string           `json:"provider_id"`
	ProviderResponse domain.Response  `json:"provider_response"`
	AssignedAt       string           `json:"assigned_at"`
	SLADeadline      string           `json:"sla_deadline"`
	SLAStatus        domain.SLAStatus `json:"sla_status"`
}

type PipelineItem struct {
	Request          domain.ServiceRequest `json:"request"`
	ActiveAssignment *AssignmentSummary    `json:"active_assignment,omitempty"`
	RequestSLA       domain.SLAStatus      `json:"request_sla"`
	EffectiveSLA     domain.SLAStatus      `json:"effective_sla"`
}

type PipelineFilter struct {
	Statuses      []domain.Status
	Priority      domain.Priority
	ServiceType   string
	ClientID      string
	ProviderID    string
	EscalatedOnly bool
	Limit         int
	Cursor        string
}

type Pipeline struct {
	Items      []PipelineItem `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

// GetPipeline lists requests newest first with their active assignment and SLA state.
// Paging is keyed by (created_at, id); NextCursor is empty on the last page.
func (e Engine) GetPipeline(ctx context.Context, f PipelineFilter) (Pipeline, error) {
	const op = "get_pipeline"
	for _, s := range f.Statuses {
		if !s.Valid() {
			return Pipeline{}, ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", s)}
		}
	}
	if f.Priority != "" && !f.Priority.Valid() {
		return Pipeline{}, ValidationError{Field: "priority", Message: "must be one of normal, urgent, emergency"}
	}
	cursorCreated, cursorID, err := ParseCursor(f.Cursor)
	if err != nil {
		return Pipeline{}, ValidationError{Field: "cursor", Message: err.Error()}
	}
	limit := NormalizeLimit(f.Limit)
	items, err := e.Repo.ListRequests(ctx, repo.RequestFilters{
		Statuses:        f.Statuses,
		Priority:        f.Priority,
		ServiceType:     f.ServiceType,
		ClientID:        f.ClientID,
		ProviderID:      f.ProviderID,
		EscalatedOnly:   f.EscalatedOnly,
		Limit:           limit + 1,
		CursorCreatedAt: cursorCreated,
		CursorID:        cursorID,
	})
	if err != nil {
		return Pipeline{}, e.persistence(ctx, op, err)
	}
	out := Pipeline{Items: []PipelineItem{}}
	if len(items) > limit {
		items = items[:limit]
		last := items[limit-1]
		out.NextCursor = ComposeCursor(last.CreatedAt, last.ID)
	}
	ids := make([]string, len(items))
	for i, sr := range items {
		ids[i] = sr.ID
	}
	active, err := e.Repo.ActiveAssignmentsFor(ctx, ids)
	if err != nil {
		return Pipeline{}, e.persistence(ctx, op, err)
	}
	now := e.now()
	for _, sr := range items {
		out.Items = append(out.Items, e.pipelineItem(now, sr, active[sr.ID]))
	}
	return out, nil
}

func (e Engine) pipelineItem(now time.Time, sr domain.ServiceRequest, a domain.Assignment) PipelineItem {
	item := PipelineItem{Request: sr, RequestSLA: e.Config.SLA.RequestStatus(now, sr)}
	item.EffectiveSLA = item.RequestSLA
	if a.ID != "" {
		a.SLAStatus = e.Config.SLA.AssignmentStatus(now, a)
		item.ActiveAssignment = &AssignmentSummary{
			ID:               a.ID,
			ProviderID:       a.ProviderID,
			ProviderResponse: a.ProviderResponse,
			AssignedAt:       a.AssignedAt,
			SLADeadline:      a.SLADeadline,
			SLAStatus:        a.SLAStatus,
		}
		item.EffectiveSLA = e.Config.SLA.Effective(now, sr, &a)
	}
	return item
}

// Candidate is a provider recommended for a request.
type Candidate struct {
	Provider domain.Provider        `json:"provider"`
	Metrics  domain.ProviderMetrics `json:"metrics"`
}

type RequestDetail struct {
	Request      domain.ServiceRequest  `json:"request"`
	EffectiveSLA domain.SLAStatus       `json:"effective_sla"`
	Assignments  []domain.Assignment    `json:"assignments"`
	Timeline     []domain.TimelineEvent `json:"timeline"`
	Candidates   []Candidate            `json:"candidates"`
}

// GetRequest reads one request.
func (e Engine) GetRequest(ctx context.Context, id string) (domain.ServiceRequest, error) {
	sr, err := e.Repo.GetRequest(ctx, nil, id)
	if err != nil {
		return sr, e.readErr(ctx, "get_request", "service_request", id, err)
	}
	return sr, nil
}

// GetRequestDetail assembles the request with its assignment history, timeline and
// matched candidates. Candidates are only offered while the request can be assigned.
func (e Engine) GetRequestDetail(ctx context.Context, id string) (RequestDetail, error) {
	const op = "get_request_detail"
	sr, err := e.GetRequest(ctx, id)
	if err != nil {
		return RequestDetail{}, err
	}
	detail := RequestDetail{Request: sr}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		items, err := e.Repo.ListAssignments(gctx, nil, id)
		detail.Assignments = items
		return err
	})
	g.Go(func() error {
		items, err := e.Repo.ListTimeline(gctx, nil, id)
		detail.Timeline = items
		return err
	})
	if sr.Status == domain.StatusSubmitted || sr.Status == domain.StatusConfirmed {
		g.Go(func() error {
			items, err := e.matchCandidates(gctx, sr, e.Config.Matching.CandidateLimit)
			detail.Candidates = items
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return RequestDetail{}, e.persistence(ctx, op, err)
	}
	now := e.now()
	var active *domain.Assignment
	for i := range detail.Assignments {
		a := &detail.Assignments[i]
		if a.IsActive {
			a.SLAStatus = e.Config.SLA.AssignmentStatus(now, *a)
			active = a
		}
	}
	detail.EffectiveSLA = e.Config.SLA.Effective(now, sr, active)
	if detail.Assignments == nil {
		detail.Assignments = []domain.Assignment{}
	}
	if detail.Timeline == nil {
		detail.Timeline = []domain.TimelineEvent{}
	}
	if detail.Candidates == nil {
		detail.Candidates = []Candidate{}
	}
	return detail, nil
}

// MatchCandidates ranks eligible providers offering the request's service type.
// Providers that already declined or let the request lapse are left out.
func (e Engine) MatchCandidates(ctx context.Context, requestID string, limit int) ([]Candidate, error) {
	sr, err := e.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	items, err := e.matchCandidates(ctx, sr, limit)
	if err != nil {
		return nil, e.persistence(ctx, "match_candidates", err)
	}
	return items, nil
}

func (e Engine) matchCandidates(ctx context.Context, sr domain.ServiceRequest, limit int) ([]Candidate, error) {
	providers, err := e.Repo.ListProviders(ctx, repo.ProviderFilters{ServiceType: sr.ServiceType, EligibleOnly: true})
	if err != nil {
		return nil, err
	}
	excluded, err := e.Repo.ExcludedProviders(ctx, sr.ID)
	if err != nil {
		return nil, err
	}
	metrics, err := e.Repo.ListMetrics(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]domain.ProviderMetrics, len(metrics))
	for _, m := range metrics {
		byID[m.ProviderID] = m
	}
	directory := make(map[string]domain.Provider, len(providers))
	var pool []domain.ProviderMetrics
	for _, p := range providers {
		if excluded[p.ID] {
			continue
		}
		directory[p.ID] = p
		m, ok := byID[p.ID]
		if !ok {
			m = domain.ProviderMetrics{ProviderID: p.ID}
		}
		pool = append(pool, m)
	}
	ranked := scoring.Rank(pool, e.Config.Scoring)
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out := make([]Candidate, 0, len(ranked))
	for _, m := range ranked {
		out = append(out, Candidate{Provider: directory[m.ProviderID], Metrics: m})
	}
	return out, nil
}

type Dashboard struct {
	StatusCounts       map[domain.Status]int `json:"status_counts"`
	TotalRequests      int                   `json:"total_requests"`
	CompletionRate     float64               `json:"completion_rate"`
	AvgCompletionHours float64               `json:"avg_completion_hours"`
	SLABreachCount     int                   `json:"sla_breach_count"`
	SLAAtRiskCount     int                   `json:"sla_at_risk_count"`
	OpenEscalations    int                   `json:"open_escalations"`
	CreatedToday       int                   `json:"created_today"`
	CreatedThisWeek    int                   `json:"created_this_week"`
	Providers          repo.ProviderCounts   `json:"providers"`
	GeneratedAt        string                `json:"generated_at"`
}

// GetDashboard aggregates the coordination desk overview. SLA figures are evaluated
// against the effective SLA of every open request at read time.
func (e Engine) GetDashboard(ctx context.Context) (Dashboard, error) {
	const op = "get_dashboard"
	now := e.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	d := Dashboard{GeneratedAt: domain.FormatTime(now)}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		d.StatusCounts, err = e.Repo.CountRequestsByStatus(gctx)
		return err
	})
	g.Go(func() (err error) {
		d.AvgCompletionHours, err = e.Repo.AvgCompletionHours(gctx)
		return err
	})
	g.Go(func() (err error) {
		d.CreatedToday, err = e.Repo.CountCreatedSince(gctx, domain.FormatTime(today))
		return err
	})
	g.Go(func() (err error) {
		d.CreatedThisWeek, err = e.Repo.CountCreatedSince(gctx, domain.FormatTime(now.Add(-7*24*time.Hour)))
		return err
	})
	g.Go(func() (err error) {
		d.OpenEscalations, err = e.Repo.CountOpenEscalations(gctx)
		return err
	})
	g.Go(func() (err error) {
		d.Providers, err = e.Repo.CountProviders(gctx)
		return err
	})
	g.Go(func() error {
		breached, atRisk, err := e.slaCounts(gctx, now)
		d.SLABreachCount, d.SLAAtRiskCount = breached, atRisk
		return err
	})
	if err := g.Wait(); err != nil {
		return Dashboard{}, e.persistence(ctx, op, err)
	}
	for _, n := range d.StatusCounts {
		d.TotalRequests += n
	}
	done := d.StatusCounts[domain.StatusCompleted] + d.StatusCounts[domain.StatusVerified]
	if base := d.TotalRequests - d.StatusCounts[domain.StatusCancelled]; base > 0 {
		d.CompletionRate = float64(done) / float64(base)
	}
	return d, nil
}

func (e Engine) slaCounts(ctx context.Context, now time.Time) (breached, atRisk int, err error) {
	open, err := e.Repo.ListRequests(ctx, repo.RequestFilters{Statuses: []domain.Status{
		domain.StatusSubmitted, domain.StatusConfirmed, domain.StatusAssigned, domain.StatusAccepted, domain.StatusInProgress,
	}})
	if err != nil {
		return 0, 0, err
	}
	ids := make([]string, len(open))
	for i, sr := range open {
		ids[i] = sr.ID
	}
	active, err := e.Repo.ActiveAssignmentsFor(ctx, ids)
	if err != nil {
		return 0, 0, err
	}
	for _, sr := range open {
		var a *domain.Assignment
		if found, ok := active[sr.ID]; ok {
			a = &found
		}
		switch e.Config.SLA.Effective(now, sr, a) {
		case domain.SLABreached:
			breached++
		case domain.SLAAtRisk:
			atRisk++
		}
	}
	return breached, atRisk, nil
}

// LeaderboardEntry is one ranked provider with the components behind its score.
type LeaderboardEntry struct {
	Rank int `json:"rank"`
	domain.ProviderMetrics
	Components scoring.Components `json:"components"`
}

// GetProviderLeaderboard ranks every provider. windowDays <= 0 uses the cumulative
// metrics; a positive window derives the counters from assignments made inside it.
func (e Engine) GetProviderLeaderboard(ctx context.Context, windowDays int) ([]LeaderboardEntry, error) {
	const op = "get_provider_leaderboard"
	var (
		metrics []domain.ProviderMetrics
		err     error
	)
	if windowDays > 0 {
		since := e.now().Add(-time.Duration(windowDays) * 24 * time.Hour)
		metrics, err = e.Repo.WindowedMetrics(ctx, domain.FormatTime(since))
	} else {
		metrics, err = e.Repo.ListMetrics(ctx)
	}
	if err != nil {
		return nil, e.persistence(ctx, op, err)
	}
	ranked := scoring.Rank(metrics, e.Config.Scoring)
	out := make([]LeaderboardEntry, len(ranked))
	for i, m := range ranked {
		out[i] = LeaderboardEntry{Rank: i + 1, ProviderMetrics: m, Components: scoring.Breakdown(m, e.Config.Scoring)}
	}
	return out, nil
}

// ListTimeline reads a request's timeline oldest first.
func (e Engine) ListTimeline(ctx context.Context, requestID string) ([]domain.TimelineEvent, error) {
	if _, err := e.GetRequest(ctx, requestID); err != nil {
		return nil, err
	}
	items, err := e.Repo.ListTimeline(ctx, nil, requestID)
	if err != nil {
		return nil, e.persistence(ctx, "list_timeline", err)
	}
	return items, nil
}

// NormalizeLimit applies the default page size of 50 and caps it at 200.
func NormalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

// ParseCursor splits a "created_at|id" page cursor.
func ParseCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func ComposeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
