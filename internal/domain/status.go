package domain

import (
	"errors"
	"fmt"
)

// ErrIllegalTransition is returned by CheckTransition for edges outside the lifecycle graph.
var ErrIllegalTransition = errors.New("illegal status transition")

// Status is the primary lifecycle state of a service request.
type Status string

const (
	StatusSubmitted  Status = "submitted"
	StatusConfirmed  Status = "confirmed"
	StatusAssigned   Status = "assigned"
	StatusAccepted   Status = "accepted"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusVerified   Status = "verified"
	StatusCancelled  Status = "cancelled"
)

// Statuses lists every lifecycle state in graph order.
var Statuses = []Status{
	StatusSubmitted, StatusConfirmed, StatusAssigned, StatusAccepted,
	StatusInProgress, StatusCompleted, StatusVerified, StatusCancelled,
}

// CoordinationStatus is the finer-grained sub-state shown to coordinators.
type CoordinationStatus string

const (
	CoordUncoordinated CoordinationStatus = "uncoordinated"
	CoordReviewing     CoordinationStatus = "reviewing"
	CoordMatching      CoordinationStatus = "matching"
	CoordAssigned      CoordinationStatus = "assigned"
	CoordAccepted      CoordinationStatus = "accepted"
	CoordInProgress    CoordinationStatus = "in_progress"
	CoordCompleted     CoordinationStatus = "completed"
	CoordVerified      CoordinationStatus = "verified"
	CoordClosed        CoordinationStatus = "closed"
	CoordEscalated     CoordinationStatus = "escalated"
	CoordCancelled     CoordinationStatus = "cancelled"
)

// transitions is the whole lifecycle graph. Cancellation edges are added in init.
var transitions = map[Status][]Status{
	StatusSubmitted:  {StatusConfirmed, StatusAssigned},
	StatusConfirmed:  {StatusAssigned},
	StatusAssigned:   {StatusAccepted, StatusConfirmed},
	StatusAccepted:   {StatusInProgress},
	StatusInProgress: {StatusCompleted},
	StatusCompleted:  {StatusVerified},
	StatusVerified:   nil,
	StatusCancelled:  nil,
}

var coordinationByStatus = map[Status][]CoordinationStatus{
	StatusSubmitted:  {CoordUncoordinated, CoordReviewing, CoordEscalated},
	StatusConfirmed:  {CoordReviewing, CoordMatching, CoordEscalated},
	StatusAssigned:   {CoordAssigned, CoordEscalated},
	StatusAccepted:   {CoordAccepted, CoordEscalated},
	StatusInProgress: {CoordInProgress, CoordEscalated},
	StatusCompleted:  {CoordCompleted, CoordEscalated},
	StatusVerified:   {CoordVerified, CoordClosed},
	StatusCancelled:  {CoordCancelled},
}

func init() {
	for from := range transitions {
		if !from.Terminal() {
			transitions[from] = append(transitions[from], StatusCancelled)
		}
	}
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no further lifecycle transition is possible.
func (s Status) Terminal() bool {
	return s == StatusVerified || s == StatusCancelled
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition is the single gate every status change goes through.
func CheckTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// NextStatuses returns the legal successors of s.
func NextStatuses(s Status) []Status {
	out := make([]Status, len(transitions[s]))
	copy(out, transitions[s])
	return out
}

// CanonicalCoordination returns the coordination status a request takes on when it
// enters status s. A confirmed request that already went through an assignment
// attempt is back in matching.
func CanonicalCoordination(s Status, attempts int) CoordinationStatus {
	switch s {
	case StatusSubmitted:
		return CoordUncoordinated
	case StatusConfirmed:
		if attempts > 0 {
			return CoordMatching
		}
		return CoordReviewing
	case StatusAssigned:
		return CoordAssigned
	case StatusAccepted:
		return CoordAccepted
	case StatusInProgress:
		return CoordInProgress
	case StatusCompleted:
		return CoordCompleted
	case StatusVerified:
		return CoordVerified
	case StatusCancelled:
		return CoordCancelled
	}
	return ""
}

// ConsistentStatus reports whether (s, cs) is an allowed pair.
func ConsistentStatus(s Status, cs CoordinationStatus) bool {
	for _, allowed := range coordinationByStatus[s] {
		if allowed == cs {
			return true
		}
	}
	return false
}

// StageFor returns the SLA stage a request in status s is measured against.
func StageFor(s Status) SLAStage {
	switch s {
	case StatusSubmitted, StatusConfirmed:
		return StageConfirmation
	case StatusAssigned:
		return StageResponse
	case StatusAccepted, StatusInProgress:
		return StageCompletion
	}
	return StageNone
}
