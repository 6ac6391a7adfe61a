package engine

import (
	"errors"
	"fmt"

	"coordline/internal/domain"
	"coordline/internal/engine/auth"
	"coordline/internal/validator"
)

// ValidationError reports malformed input. It is raised before any transaction opens.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// StateConflictError reports that the request is not in a state that allows the
// operation. It carries the state that was found so the caller can refresh and decide.
type StateConflictError struct {
	Op                 string
	RequestID          string
	Status             domain.Status
	CoordinationStatus domain.CoordinationStatus
	Reason             string
}

func (e StateConflictError) Error() string {
	return fmt.Sprintf("%s %s: %s (status=%s coordination=%s)", e.Op, e.RequestID, e.Reason, e.Status, e.CoordinationStatus)
}

// NotFoundError reports an unknown request, assignment or provider.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// PersistenceError wraps a store failure. The transaction was rolled back, so the
// whole operation may be retried.
type PersistenceError struct {
	Op  string
	Err error
}

func (e PersistenceError) Error() string {
	return fmt.Sprintf("%s: persistence failure: %v", e.Op, e.Err)
}

func (e PersistenceError) Unwrap() error { return e.Err }

func conflict(op string, sr domain.ServiceRequest, format string, args ...any) StateConflictError {
	return StateConflictError{
		Op:                 op,
		RequestID:          sr.ID,
		Status:             sr.Status,
		CoordinationStatus: sr.CoordinationStatus,
		Reason:             fmt.Sprintf(format, args...),
	}
}

// typed reports whether err already belongs to the engine's error taxonomy.
func typed(err error) bool {
	var (
		ve ValidationError
		se StateConflictError
		ne NotFoundError
		pe PersistenceError
		fe auth.ForbiddenError
	)
	return errors.As(err, &ve) || errors.As(err, &se) || errors.As(err, &ne) || errors.As(err, &pe) || errors.As(err, &fe)
}

var validationMessages = map[string]string{
	"required": "is required",
	"notblank": "must not be blank",
	"priority": "must be one of normal, urgent, emergency",
	"response": "must be one of accepted, declined, no_response",
	"min":      "must be at least %s",
	"max":      "must be at most %s",
	"oneof":    "must be one of %s",
}

func validationError(err error) error {
	fe, ok := validator.First(err)
	if !ok {
		return ValidationError{Message: err.Error()}
	}
	msg, found := validationMessages[fe.Tag]
	if !found {
		return ValidationError{Field: fe.Field, Message: "is invalid"}
	}
	if fe.Param != "" {
		msg = fmt.Sprintf(msg, fe.Param)
	}
	return ValidationError{Field: fe.Field, Message: msg}
}
