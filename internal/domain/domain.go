package domain

import "time"

// TimeLayout is the fixed-width UTC layout used for every stored timestamp, so that
// lexical order in the store equals chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime renders t in TimeLayout (always UTC).
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a stored timestamp. RFC3339 values are accepted as well.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

type Priority string

const (
	PriorityNormal    Priority = "normal"
	PriorityUrgent    Priority = "urgent"
	PriorityEmergency Priority = "emergency"
)

// Priorities lists priorities from least to most pressing.
var Priorities = []Priority{PriorityNormal, PriorityUrgent, PriorityEmergency}

func (p Priority) Valid() bool {
	switch p {
	case PriorityNormal, PriorityUrgent, PriorityEmergency:
		return true
	}
	return false
}

type Response string

const (
	ResponsePending    Response = "pending"
	ResponseAccepted   Response = "accepted"
	ResponseDeclined   Response = "declined"
	ResponseNoResponse Response = "no_response"
)

// Resolves reports whether r is a valid answer to a pending assignment.
func (r Response) Resolves() bool {
	switch r {
	case ResponseAccepted, ResponseDeclined, ResponseNoResponse:
		return true
	}
	return false
}

type SLAStatus string

const (
	SLAOnTrack  SLAStatus = "on_track"
	SLAAtRisk   SLAStatus = "at_risk"
	SLABreached SLAStatus = "breached"
)

func (s SLAStatus) rank() int {
	switch s {
	case SLABreached:
		return 2
	case SLAAtRisk:
		return 1
	}
	return 0
}

// MoreRestrictive returns whichever of a and b is closer to breach.
func MoreRestrictive(a, b SLAStatus) SLAStatus {
	if b.rank() > a.rank() {
		return b
	}
	if a == "" {
		return SLAOnTrack
	}
	return a
}

// SLAStage names the stage a request-level deadline measures.
type SLAStage string

const (
	StageConfirmation SLAStage = "confirmation"
	StageResponse     SLAStage = "response"
	StageCompletion   SLAStage = "completion"
	StageNone         SLAStage = "none"
)

type EventType string

const (
	EventCreated            EventType = "created"
	EventConfirmed          EventType = "confirmed"
	EventProviderAssigned   EventType = "provider_assigned"
	EventProviderAccepted   EventType = "provider_accepted"
	EventProviderDeclined   EventType = "provider_declined"
	EventNoResponse         EventType = "no_response"
	EventWorkStarted        EventType = "work_started"
	EventWorkCompleted      EventType = "work_completed"
	EventCompletionVerified EventType = "completion_verified"
	EventEscalated          EventType = "escalated"
	EventCancelled          EventType = "cancelled"
	EventNote               EventType = "note"
	EventPriorityChanged    EventType = "priority_changed"
)

var eventTypes = map[EventType]struct{}{
	EventCreated: {}, EventConfirmed: {}, EventProviderAssigned: {}, EventProviderAccepted: {},
	EventProviderDeclined: {}, EventNoResponse: {}, EventWorkStarted: {}, EventWorkCompleted: {},
	EventCompletionVerified: {}, EventEscalated: {}, EventCancelled: {}, EventNote: {},
	EventPriorityChanged: {},
}

func (t EventType) Valid() bool {
	_, ok := eventTypes[t]
	return ok
}

type ServiceRequest struct {
	ID                      string             `json:"id"`
	RequestNumber           string             `json:"request_number"`
	ClientID                string             `json:"client_id"`
	ServiceType             string             `json:"service_type"`
	Location                string             `json:"location"`
	Description             string             `json:"description,omitempty"`
	Priority                Priority           `json:"priority" enum:"normal,urgent,emergency"`
	Status                  Status             `json:"status" enum:"submitted,confirmed,assigned,accepted,in_progress,completed,verified,cancelled"`
	CoordinationStatus      CoordinationStatus `json:"coordination_status"`
	EscalationLevel         int                `json:"escalation_level"`
	SLAStage                SLAStage           `json:"sla_stage"`
	SLAStartedAt            string             `json:"sla_started_at" format:"date-time"`
	SLADeadline             string             `json:"sla_deadline" format:"date-time"`
	CompletionVerified      bool               `json:"completion_verified"`
	CompletionNotes         *string            `json:"completion_notes,omitempty"`
	QualityScore            *int               `json:"quality_score,omitempty"`
	SatisfactionScore       *int               `json:"satisfaction_score,omitempty"`
	TotalAssignmentAttempts int                `json:"total_assignment_attempts"`
	Version                 int64              `json:"version"`
	CreatedAt               string             `json:"created_at" format:"date-time"`
	UpdatedAt               string             `json:"updated_at" format:"date-time"`
	CompletedAt             *string            `json:"completed_at,omitempty" format:"date-time"`
	VerifiedAt              *string            `json:"verified_at,omitempty" format:"date-time"`
	CancelledAt             *string            `json:"cancelled_at,omitempty" format:"date-time"`
}

type Assignment struct {
	ID               string    `json:"id"`
	RequestID        string    `json:"request_id"`
	ProviderID       string    `json:"provider_id"`
	AssignedBy       string    `json:"assigned_by"`
	AssignedAt       string    `json:"assigned_at" format:"date-time"`
	SLADeadline      string    `json:"sla_deadline" format:"date-time"`
	ProviderResponse Response  `json:"provider_response" enum:"pending,accepted,declined,no_response"`
	DeclineReason    *string   `json:"decline_reason,omitempty"`
	RespondedAt      *string   `json:"responded_at,omitempty" format:"date-time"`
	IsActive         bool      `json:"is_active"`
	SLAStatus        SLAStatus `json:"sla_status" enum:"on_track,at_risk,breached"`
}

type TimelineEvent struct {
	ID        int64          `json:"id"`
	RequestID string         `json:"request_id"`
	EventType EventType      `json:"event_type"`
	ActorID   string         `json:"actor_id"`
	ActorRole string         `json:"actor_role"`
	Notes     *string        `json:"notes,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt string         `json:"created_at" format:"date-time"`
}

type ProviderMetrics struct {
	ProviderID           string  `json:"provider_id"`
	TotalAssigned        int     `json:"total_assigned"`
	TotalAccepted        int     `json:"total_accepted"`
	TotalDeclined        int     `json:"total_declined"`
	TotalNoResponse      int     `json:"total_no_response"`
	TotalCompleted       int     `json:"total_completed"`
	TotalResponses       int     `json:"total_responses"`
	AvgResponseTimeHours float64 `json:"avg_response_time_hours"`
	StreakCompleted      int     `json:"streak_completed"`
	ReliabilityScore     int     `json:"reliability_score"`
	UpdatedAt            string  `json:"updated_at,omitempty" format:"date-time"`
}

// Provider is the local replica of a provider directory entry.
type Provider struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	ServiceTypes []string `json:"service_types"`
	Verified     bool     `json:"verified"`
	Active       bool     `json:"active"`
	CreatedAt    string   `json:"created_at" format:"date-time"`
	UpdatedAt    string   `json:"updated_at" format:"date-time"`
}

// Eligible reports whether the provider may receive assignments.
func (p Provider) Eligible() bool {
	return p.Verified && p.Active
}

// Offers reports whether the provider lists serviceType.
func (p Provider) Offers(serviceType string) bool {
	for _, st := range p.ServiceTypes {
		if st == serviceType {
			return true
		}
	}
	return false
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Role      string `json:"role"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
