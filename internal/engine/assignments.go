package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"coordline/internal/domain"
	"coordline/internal/engine/auth"
	"coordline/internal/repo"
)

// AssignmentResult is the request and assignment after an assignment operation.
type AssignmentResult struct {
	Request    domain.ServiceRequest `json:"request"`
	Assignment domain.Assignment     `json:"assignment"`
}

type assignInput struct {
	RequestID  string `json:"request_id" validate:"notblank"`
	ProviderID string `json:"provider_id" validate:"notblank"`
}

// AssignProvider attaches a provider to a submitted or confirmed request that has no
// active assignment. The provider must be verified and active in the directory.
func (e Engine) AssignProvider(ctx context.Context, actor Actor, requestID, providerID string) (AssignmentResult, error) {
	const op = "assign_provider"
	requestID, providerID = strings.TrimSpace(requestID), strings.TrimSpace(providerID)
	if err := e.check(assignInput{RequestID: requestID, ProviderID: providerID}); err != nil {
		return AssignmentResult{}, err
	}
	if err := auth.Require(actor, auth.PermRequestAssign); err != nil {
		return AssignmentResult{}, err
	}
	var out AssignmentResult
	err := e.inTx(ctx, op, func(tx *sql.Tx) error {
		sr, err := e.loadRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if sr.Status != domain.StatusSubmitted && sr.Status != domain.StatusConfirmed {
			return conflict(op, sr, "only submitted or confirmed requests can be assigned")
		}
		active, err := e.activeAssignment(ctx, tx, sr.ID)
		if err != nil {
			return err
		}
		if active != nil {
			return conflict(op, sr, "assignment %s is still active", active.ID)
		}
		provider, err := e.Repo.GetProvider(ctx, tx, providerID)
		if errors.Is(err, repo.ErrNotFound) {
			return NotFoundError{Kind: "provider", ID: providerID}
		}
		if err != nil {
			return err
		}
		if !provider.Eligible() {
			return conflict(op, sr, "provider %s is not verified and active", providerID)
		}

		now := e.now()
		ts := domain.FormatTime(now)
		from := sr.Status
		sr.TotalAssignmentAttempts++
		if err := transition(op, &sr, domain.StatusAssigned); err != nil {
			return err
		}
		e.enterStage(&sr, domain.StageResponse, now)
		a := domain.Assignment{
			ID:               uuid.NewString(),
			RequestID:        sr.ID,
			ProviderID:       provider.ID,
			AssignedBy:       actor.ID,
			AssignedAt:       ts,
			SLADeadline:      sr.SLADeadline,
			ProviderResponse: domain.ResponsePending,
			IsActive:         true,
			SLAStatus:        domain.SLAOnTrack,
		}
		if err := e.Repo.InsertAssignment(ctx, tx, a); err != nil {
			return err
		}
		if err := e.Repo.EnsureMetrics(ctx, tx, provider.ID, ts); err != nil {
			return err
		}
		if err := e.applyMetrics(ctx, tx, provider.ID, repo.MetricsDelta{Assigned: 1}, ts); err != nil {
			return err
		}
		sr.UpdatedAt = ts
		saved, err := e.saveRequest(ctx, tx, op, sr)
		if err != nil {
			return err
		}
		payload := transitionPayload(from, sr.Status)
		payload["provider_id"] = provider.ID
		payload["assignment_id"] = a.ID
		payload["attempt"] = sr.TotalAssignmentAttempts
		if err := e.record(ctx, tx, sr, actor, domain.EventProviderAssigned, "", payload); err != nil {
			return err
		}
		out = AssignmentResult{Request: saved, Assignment: a}
		return nil
	})
	if err != nil {
		return AssignmentResult{}, err
	}
	e.committed(ctx, op, out.Request, actor)
	return out, nil
}

type respondInput struct {
	AssignmentID  string          `json:"assignment_id" validate:"notblank"`
	Response      domain.Response `json:"response" validate:"response"`
	DeclineReason string          `json:"decline_reason" validate:"max=1000"`
}

// UpdateAssignmentResponse resolves a pending assignment. Acceptance moves the request
// into its completion window; a decline or a missed response retires the assignment,
// resets the provider's streak and sends the request back to matching.
func (e Engine) UpdateAssignmentResponse(ctx context.Context, actor Actor, assignmentID string, response domain.Response, declineReason string) (AssignmentResult, error) {
	const op = "update_assignment_response"
	assignmentID = strings.TrimSpace(assignmentID)
	declineReason = strings.TrimSpace(declineReason)
	if err := e.check(respondInput{AssignmentID: assignmentID, Response: response, DeclineReason: declineReason}); err != nil {
		return AssignmentResult{}, err
	}
	if declineReason != "" && response != domain.ResponseDeclined {
		return AssignmentResult{}, ValidationError{Field: "decline_reason", Message: "only allowed with a declined response"}
	}
	perm := auth.PermAssignmentRespond
	if response == domain.ResponseNoResponse {
		perm = auth.PermAssignmentTimeout
	}
	if err := auth.Require(actor, perm); err != nil {
		return AssignmentResult{}, err
	}
	var out AssignmentResult
	err := e.inTx(ctx, op, func(tx *sql.Tx) error {
		a, err := e.Repo.GetAssignment(ctx, tx, assignmentID)
		if errors.Is(err, repo.ErrNotFound) {
			return NotFoundError{Kind: "assignment", ID: assignmentID}
		}
		if err != nil {
			return err
		}
		if actor.Role == auth.RoleProvider && actor.ID != a.ProviderID {
			return auth.ForbiddenError{Permission: perm, Reason: "not the assigned provider"}
		}
		sr, err := e.loadRequest(ctx, tx, a.RequestID)
		if err != nil {
			return err
		}
		if !a.IsActive || a.ProviderResponse != domain.ResponsePending {
			return conflict(op, sr, "assignment %s is not active and pending", a.ID)
		}
		if sr.Status != domain.StatusAssigned {
			return conflict(op, sr, "request is not awaiting a provider response")
		}

		now := e.now()
		ts := domain.FormatTime(now)
		from := sr.Status
		delta := repo.MetricsDelta{}
		var evtType domain.EventType
		if response != domain.ResponseNoResponse {
			hours, err := responseHours(a.AssignedAt, now)
			if err != nil {
				return err
			}
			delta.ResponseHours = &hours
		}

		switch response {
		case domain.ResponseAccepted:
			if err := transition(op, &sr, domain.StatusAccepted); err != nil {
				return err
			}
			e.enterStage(&sr, domain.StageCompletion, now)
			a.SLADeadline = sr.SLADeadline
			a.SLAStatus = domain.SLAOnTrack
			delta.Accepted = 1
			evtType = domain.EventProviderAccepted
		case domain.ResponseDeclined, domain.ResponseNoResponse:
			a.SLAStatus = e.Config.SLA.AssignmentStatus(now, a)
			a.IsActive = false
			if err := transition(op, &sr, domain.StatusConfirmed); err != nil {
				return err
			}
			e.enterStage(&sr, domain.StageConfirmation, now)
			delta.ResetStreak = true
			if response == domain.ResponseDeclined {
				delta.Declined = 1
				evtType = domain.EventProviderDeclined
				if declineReason != "" {
					a.DeclineReason = &declineReason
				}
			} else {
				delta.NoResponse = 1
				evtType = domain.EventNoResponse
			}
		}
		a.ProviderResponse = response
		a.RespondedAt = &ts
		if err := e.Repo.UpdateAssignment(ctx, tx, a); err != nil {
			if errors.Is(err, repo.ErrStale) {
				return conflict(op, sr, "assignment %s was resolved concurrently", a.ID)
			}
			return err
		}
		if err := e.applyMetrics(ctx, tx, a.ProviderID, delta, ts); err != nil {
			return err
		}
		sr.UpdatedAt = ts
		saved, err := e.saveRequest(ctx, tx, op, sr)
		if err != nil {
			return err
		}
		payload := transitionPayload(from, sr.Status)
		payload["provider_id"] = a.ProviderID
		payload["assignment_id"] = a.ID
		if delta.ResponseHours != nil {
			payload["response_hours"] = *delta.ResponseHours
		}
		if err := e.record(ctx, tx, sr, actor, evtType, declineReason, payload); err != nil {
			return err
		}
		out = AssignmentResult{Request: saved, Assignment: a}
		return nil
	})
	if err != nil {
		return AssignmentResult{}, err
	}
	e.committed(ctx, op, out.Request, actor)
	return out, nil
}

// MarkNoResponse records that the provider let the response window lapse.
func (e Engine) MarkNoResponse(ctx context.Context, actor Actor, assignmentID string) (AssignmentResult, error) {
	return e.UpdateAssignmentResponse(ctx, actor, assignmentID, domain.ResponseNoResponse, "")
}

// responseHours is the time a provider took to answer, never negative.
func responseHours(assignedAt string, at time.Time) (float64, error) {
	start, err := domain.ParseTime(assignedAt)
	if err != nil {
		return 0, err
	}
	h := at.Sub(start).Hours()
	if h < 0 {
		return 0, nil
	}
	return h, nil
}
