// Package sla maps priorities to stage deadlines and evaluates SLA status lazily.
// Nothing here schedules timers: breach is a property computed at read time.
package sla

import (
	"fmt"
	"time"

	"coordline/internal/domain"
)

// PriorityWindows holds one duration per priority.
type PriorityWindows struct {
	Normal    time.Duration `yaml:"normal" json:"normal"`
	Urgent    time.Duration `yaml:"urgent" json:"urgent"`
	Emergency time.Duration `yaml:"emergency" json:"emergency"`
}

func (pw PriorityWindows) For(p domain.Priority) time.Duration {
	switch p {
	case domain.PriorityEmergency:
		return pw.Emergency
	case domain.PriorityUrgent:
		return pw.Urgent
	}
	return pw.Normal
}

func (pw PriorityWindows) validate(stage string) error {
	if pw.Normal <= 0 || pw.Urgent <= 0 || pw.Emergency <= 0 {
		return fmt.Errorf("sla.%s windows must be > 0", stage)
	}
	if !(pw.Emergency < pw.Urgent && pw.Urgent < pw.Normal) {
		return fmt.Errorf("sla.%s windows must shrink with priority (emergency < urgent < normal)", stage)
	}
	return nil
}

// Windows is the priority-to-duration table for every stage.
type Windows struct {
	Confirmation PriorityWindows `yaml:"confirmation" json:"confirmation"`
	Response     PriorityWindows `yaml:"response" json:"response"`
	Completion   PriorityWindows `yaml:"completion" json:"completion"`
	// AtRiskRatio marks a deadline at risk once the remaining time is at most this
	// fraction of the stage window.
	AtRiskRatio float64 `yaml:"at_risk_ratio" json:"at_risk_ratio"`
}

func DefaultWindows() Windows {
	return Windows{
		Confirmation: PriorityWindows{Normal: 24 * time.Hour, Urgent: 4 * time.Hour, Emergency: time.Hour},
		Response:     PriorityWindows{Normal: 4 * time.Hour, Urgent: time.Hour, Emergency: 15 * time.Minute},
		Completion:   PriorityWindows{Normal: 72 * time.Hour, Urgent: 24 * time.Hour, Emergency: 6 * time.Hour},
		AtRiskRatio:  0.25,
	}
}

func (w Windows) Validate() error {
	if err := w.Confirmation.validate("confirmation"); err != nil {
		return err
	}
	if err := w.Response.validate("response"); err != nil {
		return err
	}
	if err := w.Completion.validate("completion"); err != nil {
		return err
	}
	if w.AtRiskRatio <= 0 || w.AtRiskRatio >= 1 {
		return fmt.Errorf("sla.at_risk_ratio must be between 0 and 1")
	}
	return nil
}

// Window returns the stage duration for p. StageNone has no window.
func (w Windows) Window(stage domain.SLAStage, p domain.Priority) time.Duration {
	switch stage {
	case domain.StageConfirmation:
		return w.Confirmation.For(p)
	case domain.StageResponse:
		return w.Response.For(p)
	case domain.StageCompletion:
		return w.Completion.For(p)
	}
	return 0
}

// Deadline is start plus the stage window for p.
func (w Windows) Deadline(start time.Time, stage domain.SLAStage, p domain.Priority) time.Time {
	return start.Add(w.Window(stage, p))
}

// Evaluate classifies now against a window that started at start and ends at deadline.
func (w Windows) Evaluate(now, start, deadline time.Time) domain.SLAStatus {
	if !now.Before(deadline) {
		return domain.SLABreached
	}
	window := deadline.Sub(start)
	remaining := deadline.Sub(now)
	if window > 0 && float64(remaining) <= float64(window)*w.AtRiskRatio {
		return domain.SLAAtRisk
	}
	return domain.SLAOnTrack
}

// RequestStatus evaluates the request-level deadline. Requests outside a timed stage
// are always on track.
func (w Windows) RequestStatus(now time.Time, r domain.ServiceRequest) domain.SLAStatus {
	if r.Status.Terminal() || r.Status == domain.StatusCompleted || r.SLAStage == domain.StageNone {
		return domain.SLAOnTrack
	}
	start, err1 := domain.ParseTime(r.SLAStartedAt)
	deadline, err2 := domain.ParseTime(r.SLADeadline)
	if err1 != nil || err2 != nil {
		return domain.SLAOnTrack
	}
	return w.Evaluate(now, start, deadline)
}

// AssignmentStatus evaluates an active assignment; resolved assignments keep the status
// frozen when they were resolved.
func (w Windows) AssignmentStatus(now time.Time, a domain.Assignment) domain.SLAStatus {
	if !a.IsActive {
		if a.SLAStatus == "" {
			return domain.SLAOnTrack
		}
		return a.SLAStatus
	}
	startAt := a.AssignedAt
	if a.ProviderResponse == domain.ResponseAccepted && a.RespondedAt != nil {
		startAt = *a.RespondedAt
	}
	start, err1 := domain.ParseTime(startAt)
	deadline, err2 := domain.ParseTime(a.SLADeadline)
	if err1 != nil || err2 != nil {
		return domain.SLAOnTrack
	}
	return w.Evaluate(now, start, deadline)
}

// Effective is the more restrictive of the request-level and active-assignment status.
func (w Windows) Effective(now time.Time, r domain.ServiceRequest, active *domain.Assignment) domain.SLAStatus {
	status := w.RequestStatus(now, r)
	if active != nil && active.IsActive {
		status = domain.MoreRestrictive(status, w.AssignmentStatus(now, *active))
	}
	return status
}
