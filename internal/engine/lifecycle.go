package engine

import (
	"context"
	"database/sql"
	"strings"

	"github.com/google/uuid"

	"coordline/internal/domain"
	"coordline/internal/engine/auth"
	"coordline/internal/events"
	"coordline/internal/repo"
)

// CreateRequestInput is the intake form for a new service request.
type CreateRequestInput struct {
	ClientID    string          `json:"client_id"`
	ServiceType string          `json:"service_type" validate:"notblank"`
	Location    string          `json:"location"`
	Description string          `json:"description"`
	Priority    domain.Priority `json:"priority" validate:"omitempty,priority"`
}

// CreateRequest records a submitted request and starts its confirmation clock. A
// client always files for itself; other roles must name the client.
func (e Engine) CreateRequest(ctx context.Context, actor Actor, in CreateRequestInput) (domain.ServiceRequest, error) {
	const op = "create_request"
	if actor.Role == auth.RoleClient {
		in.ClientID = actor.ID
	}
	in.ClientID = strings.TrimSpace(in.ClientID)
	in.ServiceType = strings.TrimSpace(in.ServiceType)
	if in.Priority == "" {
		in.Priority = domain.PriorityNormal
	}
	if err := e.check(in); err != nil {
		return domain.ServiceRequest{}, err
	}
	if in.ClientID == "" {
		return domain.ServiceRequest{}, ValidationError{Field: "client_id", Message: "is required"}
	}
	if err := auth.Require(actor, auth.PermRequestCreate); err != nil {
		return domain.ServiceRequest{}, err
	}
	now := e.now()
	ts := domain.FormatTime(now)
	sr := domain.ServiceRequest{
		ID:                 uuid.NewString(),
		ClientID:           in.ClientID,
		ServiceType:        in.ServiceType,
		Location:           in.Location,
		Description:        in.Description,
		Priority:           in.Priority,
		Status:             domain.StatusSubmitted,
		CoordinationStatus: domain.CanonicalCoordination(domain.StatusSubmitted, 0),
		Version:            1,
		CreatedAt:          ts,
		UpdatedAt:          ts,
	}
	e.enterStage(&sr, domain.StageConfirmation, now)
	err := e.inTx(ctx, op, func(tx *sql.Tx) error {
		number, err := e.Repo.NextRequestNumber(ctx, tx)
		if err != nil {
			return err
		}
		sr.RequestNumber = number
		if err := e.Repo.InsertRequest(ctx, tx, sr); err != nil {
			return err
		}
		return e.record(ctx, tx, sr, actor, domain.EventCreated, "", events.EventPayload{
			"to":       string(sr.Status),
			"priority": string(sr.Priority),
			"number":   sr.RequestNumber,
		})
	})
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	e.committed(ctx, op, sr, actor)
	return sr, nil
}

// ConfirmRequest moves a submitted request to confirmed. The confirmation clock keeps
// running from intake.
func (e Engine) ConfirmRequest(ctx context.Context, actor Actor, requestID string) (domain.ServiceRequest, error) {
	const op = "confirm"
	if err := auth.Require(actor, auth.PermRequestConfirm); err != nil {
		return domain.ServiceRequest{}, err
	}
	var out domain.ServiceRequest
	err := e.inTx(ctx, op, func(tx *sql.Tx) error {
		sr, err := e.loadRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if sr.Status != domain.StatusSubmitted {
			return conflict(op, sr, "only submitted requests can be confirmed")
		}
		from := sr.Status
		if err := transition(op, &sr, domain.StatusConfirmed); err != nil {
			return err
		}
		sr.UpdatedAt = domain.FormatTime(e.now())
		if out, err = e.saveRequest(ctx, tx, op, sr); err != nil {
			return err
		}
		return e.record(ctx, tx, sr, actor, domain.EventConfirmed, "", transitionPayload(from, sr.Status))
	})
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	e.committed(ctx, op, out, actor)
	return out, nil
}

// StartWork moves an accepted request to in_progress. Only the provider holding the
// accepted assignment, or the coordination desk, may start.
func (e Engine) StartWork(ctx context.Context, actor Actor, requestID string) (domain.ServiceRequest, error) {
	const op = "start_work"
	if err := auth.Require(actor, auth.PermWorkStart); err != nil {
		return domain.ServiceRequest{}, err
	}
	var out domain.ServiceRequest
	err := e.inTx(ctx, op, func(tx *sql.Tx) error {
		sr, err := e.loadRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		active, err := e.activeAssignment(ctx, tx, sr.ID)
		if err != nil {
			return err
		}
		if sr.Status != domain.StatusAccepted {
			return conflict(op, sr, "work can only start on an accepted request")
		}
		if active == nil || active.ProviderResponse != domain.ResponseAccepted {
			return conflict(op, sr, "no active accepted assignment")
		}
		if err := requireAssignedProvider(actor, auth.PermWorkStart, active); err != nil {
			return err
		}
		from := sr.Status
		if err := transition(op, &sr, domain.StatusInProgress); err != nil {
			return err
		}
		sr.UpdatedAt = domain.FormatTime(e.now())
		if out, err = e.saveRequest(ctx, tx, op, sr); err != nil {
			return err
		}
		payload := transitionPayload(from, sr.Status)
		payload["provider_id"] = active.ProviderID
		return e.record(ctx, tx, sr, actor, domain.EventWorkStarted, "", payload)
	})
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	e.committed(ctx, op, out, actor)
	return out, nil
}

type completeJobInput struct {
	Notes        string `json:"notes"`
	QualityScore int    `json:"quality_score" validate:"min=1,max=5"`
}

// CompleteJob records the end of work. The assignment is retired into history with its
// response left as accepted, and any escalation is cleared.
func (e Engine) CompleteJob(ctx context.Context, actor Actor, requestID, notes string, qualityScore int) (domain.ServiceRequest, error) {
	const op = "complete_job"
	if err := e.check(completeJobInput{Notes: notes, QualityScore: qualityScore}); err != nil {
		return domain.ServiceRequest{}, err
	}
	if err := auth.Require(actor, auth.PermWorkComplete); err != nil {
		return domain.ServiceRequest{}, err
	}
	var out domain.ServiceRequest
	err := e.inTx(ctx, op, func(tx *sql.Tx) error {
		sr, err := e.loadRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		active, err := e.activeAssignment(ctx, tx, sr.ID)
		if err != nil {
			return err
		}
		if sr.Status != domain.StatusInProgress {
			return conflict(op, sr, "only in-progress work can be completed")
		}
		if err := requireAssignedProvider(actor, auth.PermWorkComplete, active); err != nil {
			return err
		}
		now := e.now()
		ts := domain.FormatTime(now)
		from := sr.Status
		if err := transition(op, &sr, domain.StatusCompleted); err != nil {
			return err
		}
		payload := transitionPayload(from, sr.Status)
		payload["quality_score"] = qualityScore
		if active != nil {
			payload["provider_id"] = active.ProviderID
			active.SLAStatus = e.Config.SLA.AssignmentStatus(now, *active)
			active.IsActive = false
			if err := e.Repo.UpdateAssignment(ctx, tx, *active); err != nil {
				return err
			}
		}
		if notes != "" {
			sr.CompletionNotes = &notes
		}
		sr.QualityScore = &qualityScore
		sr.EscalationLevel = 0
		sr.SLAStage = domain.StageNone
		sr.CompletedAt = &ts
		sr.UpdatedAt = ts
		if out, err = e.saveRequest(ctx, tx, op, sr); err != nil {
			return err
		}
		return e.record(ctx, tx, sr, actor, domain.EventWorkCompleted, notes, payload)
	})
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	e.committed(ctx, op, out, actor)
	return out, nil
}

type verifyInput struct {
	SatisfactionScore int `json:"satisfaction_score" validate:"min=1,max=5"`
}

// VerifyCompletion closes a completed request and credits the provider that did the
// job with a completion and a streak step.
func (e Engine) VerifyCompletion(ctx context.Context, actor Actor, requestID string, satisfactionScore int) (domain.ServiceRequest, error) {
	const op = "verify_completion"
	if err := e.check(verifyInput{SatisfactionScore: satisfactionScore}); err != nil {
		return domain.ServiceRequest{}, err
	}
	if err := auth.Require(actor, auth.PermRequestVerify); err != nil {
		return domain.ServiceRequest{}, err
	}
	var out domain.ServiceRequest
	err := e.inTx(ctx, op, func(tx *sql.Tx) error {
		sr, err := e.loadRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if actor.Role == auth.RoleClient && actor.ID != sr.ClientID {
			return auth.ForbiddenError{Permission: auth.PermRequestVerify, Reason: "not the requesting client"}
		}
		if sr.Status != domain.StatusCompleted || sr.CompletionVerified {
			return conflict(op, sr, "only completed, unverified requests can be verified")
		}
		now := e.now()
		ts := domain.FormatTime(now)
		from := sr.Status
		if err := transition(op, &sr, domain.StatusVerified); err != nil {
			return err
		}
		payload := transitionPayload(from, sr.Status)
		payload["satisfaction_score"] = satisfactionScore
		providerID, err := e.performingProvider(ctx, tx, sr.ID)
		if err != nil {
			return err
		}
		if providerID != "" {
			payload["provider_id"] = providerID
			if err := e.applyMetrics(ctx, tx, providerID, repo.MetricsDelta{Completed: 1}, ts); err != nil {
				return err
			}
		}
		sr.CompletionVerified = true
		sr.SatisfactionScore = &satisfactionScore
		sr.EscalationLevel = 0
		sr.VerifiedAt = &ts
		sr.UpdatedAt = ts
		if out, err = e.saveRequest(ctx, tx, op, sr); err != nil {
			return err
		}
		return e.record(ctx, tx, sr, actor, domain.EventCompletionVerified, "", payload)
	})
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	e.committed(ctx, op, out, actor)
	return out, nil
}

// performingProvider is the provider of the request's accepted assignment.
func (e Engine) performingProvider(ctx context.Context, tx *sql.Tx, requestID string) (string, error) {
	history, err := e.Repo.ListAssignments(ctx, tx, requestID)
	if err != nil {
		return "", err
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].ProviderResponse == domain.ResponseAccepted {
			return history[i].ProviderID, nil
		}
	}
	return "", nil
}

type reasonInput struct {
	Reason string `json:"reason" validate:"notblank"`
}

// CancelRequest ends a request from any non-terminal state. An active assignment is
// retired without counting against the provider.
func (e Engine) CancelRequest(ctx context.Context, actor Actor, requestID, reason string) (domain.ServiceRequest, error) {
	const op = "cancel"
	if err := e.check(reasonInput{Reason: reason}); err != nil {
		return domain.ServiceRequest{}, err
	}
	if err := auth.Require(actor, auth.PermRequestCancel); err != nil {
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
			return conflict(op, sr, "request is already closed")
		}
		now := e.now()
		ts := domain.FormatTime(now)
		from := sr.Status
		if err := transition(op, &sr, domain.StatusCancelled); err != nil {
			return err
		}
		payload := transitionPayload(from, sr.Status)
		active, err := e.activeAssignment(ctx, tx, sr.ID)
		if err != nil {
			return err
		}
		if active != nil {
			payload["assignment_id"] = active.ID
			payload["provider_id"] = active.ProviderID
			active.SLAStatus = e.Config.SLA.AssignmentStatus(now, *active)
			active.IsActive = false
			if err := e.Repo.UpdateAssignment(ctx, tx, *active); err != nil {
				return err
			}
		}
		sr.EscalationLevel = 0
		sr.SLAStage = domain.StageNone
		sr.CancelledAt = &ts
		sr.UpdatedAt = ts
		if out, err = e.saveRequest(ctx, tx, op, sr); err != nil {
			return err
		}
		return e.record(ctx, tx, sr, actor, domain.EventCancelled, reason, payload)
	})
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	e.committed(ctx, op, out, actor)
	return out, nil
}

type noteInput struct {
	Text string `json:"text" validate:"notblank"`
}

// AddNote appends a free-text note. Notes are accepted in every state, closed ones included.
func (e Engine) AddNote(ctx context.Context, actor Actor, requestID, text string) (domain.TimelineEvent, error) {
	const op = "add_note"
	if err := e.check(noteInput{Text: text}); err != nil {
		return domain.TimelineEvent{}, err
	}
	if err := auth.Require(actor, auth.PermRequestNote); err != nil {
		return domain.TimelineEvent{}, err
	}
	text = strings.TrimSpace(text)
	var out domain.TimelineEvent
	err := e.inTx(ctx, op, func(tx *sql.Tx) error {
		sr, err := e.loadRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if actor.Role == auth.RoleClient && actor.ID != sr.ClientID {
			return auth.ForbiddenError{Permission: auth.PermRequestNote, Reason: "not the requesting client"}
		}
		w := e.Events
		w.Now = e.now
		out, err = w.Append(ctx, tx, domain.TimelineEvent{
			RequestID: sr.ID,
			EventType: domain.EventNote,
			ActorID:   actor.ID,
			ActorRole: string(actor.Role),
			Notes:     &text,
		})
		return err
	})
	if err != nil {
		return domain.TimelineEvent{}, err
	}
	e.log().WithContext(ctx).Mutation(op, requestID)
	return out, nil
}

// requireAssignedProvider lets a provider act only on its own active assignment. Callers
// check the status precondition first so illegal edges stay conflicts.
func requireAssignedProvider(actor Actor, perm string, active *domain.Assignment) error {
	if actor.Role != auth.RoleProvider {
		return nil
	}
	if active == nil || active.ProviderID != actor.ID {
		return auth.ForbiddenError{Permission: perm, Reason: "not the assigned provider"}
	}
	return nil
}

func transitionPayload(from, to domain.Status) events.EventPayload {
	return events.EventPayload{"from": string(from), "to": string(to)}
}
