package engine

import (
	"context"
	"database/sql"
	"strings"

	"coordline/internal/domain"
	"coordline/internal/engine/auth"
	"coordline/internal/events"
)

// Escalate raises the escalation level by one. The lifecycle status does not move; the
// coordination status shows escalated until the next transition.
func (e Engine) Escalate(ctx context.Context, actor Actor, requestID, reason string) (domain.ServiceRequest, error) {
	const op = "escalate"
	if err := e.check(reasonInput{Reason: reason}); err != nil {
		return domain.ServiceRequest{}, err
	}
	if err := auth.Require(actor, auth.PermRequestEscalate); err != nil {
		return domain.ServiceRequest{}, err
	}
	reason = strings.TrimSpace(reason)
	var out domain.ServiceRequest
	err := e.inTx(ctx, op, func(tx *sql.Tx) error {
		sr, err := e.loadRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if sr.Status.Terminal() {
			return conflict(op, sr, "closed requests cannot be escalated")
		}
		sr.EscalationLevel++
		sr.CoordinationStatus = domain.CoordEscalated
		sr.UpdatedAt = domain.FormatTime(e.now())
		if out, err = e.saveRequest(ctx, tx, op, sr); err != nil {
			return err
		}
		return e.record(ctx, tx, sr, actor, domain.EventEscalated, reason, events.EventPayload{
			"level":  sr.EscalationLevel,
			"status": string(sr.Status),
		})
	})
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	e.committed(ctx, op, out, actor)
	return out, nil
}

type priorityInput struct {
	Priority domain.Priority `json:"priority" validate:"required,priority"`
}

// SetPriority changes the priority of an open request and recomputes its deadlines from
// the start of the current stage. The escalation level is left as is.
func (e Engine) SetPriority(ctx context.Context, actor Actor, requestID string, priority domain.Priority) (domain.ServiceRequest, error) {
	const op = "set_priority"
	if err := e.check(priorityInput{Priority: priority}); err != nil {
		return domain.ServiceRequest{}, err
	}
	if err := auth.Require(actor, auth.PermRequestPriority); err != nil {
		return domain.ServiceRequest{}, err
	}
	var out domain.ServiceRequest
	err := e.inTx(ctx, op, func(tx *sql.Tx) error {
		sr, err := e.loadRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if sr.Status.Terminal() {
			return conflict(op, sr, "closed requests cannot be re-prioritized")
		}
		if sr.Priority == priority {
			return conflict(op, sr, "priority is already %s", priority)
		}
		previous := sr.Priority
		sr.Priority = priority
		if sr.SLAStage != domain.StageNone {
			start, err := domain.ParseTime(sr.SLAStartedAt)
			if err != nil {
				return err
			}
			sr.SLADeadline = domain.FormatTime(e.Config.SLA.Deadline(start, sr.SLAStage, priority))
		}
		active, err := e.activeAssignment(ctx, tx, sr.ID)
		if err != nil {
			return err
		}
		if active != nil {
			if err := e.reprioritizeAssignment(active, priority); err != nil {
				return err
			}
			if err := e.Repo.UpdateAssignment(ctx, tx, *active); err != nil {
				return err
			}
		}
		sr.UpdatedAt = domain.FormatTime(e.now())
		if out, err = e.saveRequest(ctx, tx, op, sr); err != nil {
			return err
		}
		return e.record(ctx, tx, sr, actor, domain.EventPriorityChanged, "", events.EventPayload{
			"from":         string(previous),
			"to":           string(priority),
			"sla_deadline": sr.SLADeadline,
		})
	})
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	e.committed(ctx, op, out, actor)
	return out, nil
}

// reprioritizeAssignment moves the deadline of an active assignment: the response window
// from assignment while pending, the completion window from acceptance afterwards.
func (e Engine) reprioritizeAssignment(a *domain.Assignment, p domain.Priority) error {
	stage, startAt := domain.StageResponse, a.AssignedAt
	if a.ProviderResponse == domain.ResponseAccepted && a.RespondedAt != nil {
		stage, startAt = domain.StageCompletion, *a.RespondedAt
	}
	start, err := domain.ParseTime(startAt)
	if err != nil {
		return err
	}
	a.SLADeadline = domain.FormatTime(e.Config.SLA.Deadline(start, stage, p))
	return nil
}
