// Package engine is the coordination engine: every mutation of a service request runs
// here as one transaction covering the precondition check, the state change, the
// provider metrics update and the timeline entry.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"coordline/internal/config"
	"coordline/internal/domain"
	"coordline/internal/engine/auth"
	"coordline/internal/events"
	"coordline/internal/logger"
	"coordline/internal/repo"
	"coordline/internal/scoring"
	"coordline/internal/validator"
)

// Actor is the caller of an operation.
type Actor = auth.Actor

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Log    *logger.Logger
	Now    func() time.Time

	validate *validator.Validator
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{},
		Config:   cfg,
		Log:      logger.Discard(),
		Now:      time.Now,
		validate: validator.New(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) log() *logger.Logger {
	if e.Log == nil {
		return logger.Discard()
	}
	return e.Log
}

func (e Engine) check(in any) error {
	v := e.validate
	if v == nil {
		v = validator.New()
	}
	if err := v.Struct(in); err != nil {
		return validationError(err)
	}
	return nil
}

// inTx runs fn in one transaction. Errors outside the engine taxonomy become
// PersistenceError; nothing is committed unless fn returns nil.
func (e Engine) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return e.persistence(ctx, op, err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		if typed(err) {
			return err
		}
		return e.persistence(ctx, op, err)
	}
	if err := tx.Commit(); err != nil {
		return e.persistence(ctx, op, err)
	}
	return nil
}

func (e Engine) persistence(ctx context.Context, op string, err error) error {
	e.log().WithContext(ctx).DatabaseError(op, err)
	return PersistenceError{Op: op, Err: err}
}

// readErr maps a failed read outside a transaction.
func (e Engine) readErr(ctx context.Context, op, kind, id string, err error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return NotFoundError{Kind: kind, ID: id}
	}
	if typed(err) {
		return err
	}
	return e.persistence(ctx, op, err)
}

func (e Engine) loadRequest(ctx context.Context, tx *sql.Tx, id string) (domain.ServiceRequest, error) {
	sr, err := e.Repo.GetRequest(ctx, tx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return sr, NotFoundError{Kind: "service_request", ID: id}
	}
	return sr, err
}

func (e Engine) saveRequest(ctx context.Context, tx *sql.Tx, op string, sr domain.ServiceRequest) (domain.ServiceRequest, error) {
	updated, err := e.Repo.UpdateRequest(ctx, tx, sr)
	if errors.Is(err, repo.ErrStale) {
		return sr, conflict(op, sr, "request was modified concurrently; reload and retry")
	}
	return updated, err
}

// activeAssignment returns the active assignment or nil when there is none.
func (e Engine) activeAssignment(ctx context.Context, tx *sql.Tx, requestID string) (*domain.Assignment, error) {
	a, err := e.Repo.ActiveAssignment(ctx, tx, requestID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// transition moves sr along one lifecycle edge and resets the coordination status to
// the target's canonical value.
func transition(op string, sr *domain.ServiceRequest, to domain.Status) error {
	if err := domain.CheckTransition(sr.Status, to); err != nil {
		return conflict(op, *sr, "%v", err)
	}
	sr.Status = to
	sr.CoordinationStatus = domain.CanonicalCoordination(to, sr.TotalAssignmentAttempts)
	return nil
}

// enterStage restarts the request-level SLA clock for stage at now.
func (e Engine) enterStage(sr *domain.ServiceRequest, stage domain.SLAStage, now time.Time) {
	sr.SLAStage = stage
	sr.SLAStartedAt = domain.FormatTime(now)
	sr.SLADeadline = domain.FormatTime(e.Config.SLA.Deadline(now, stage, sr.Priority))
}

// record appends the timeline entry for a mutation inside tx.
func (e Engine) record(ctx context.Context, tx *sql.Tx, sr domain.ServiceRequest, actor Actor, evtType domain.EventType, notes string, payload events.EventPayload) error {
	w := e.Events
	w.Now = e.now
	evt := domain.TimelineEvent{
		RequestID: sr.ID,
		EventType: evtType,
		ActorID:   actor.ID,
		ActorRole: string(actor.Role),
		Payload:   payload,
	}
	if notes != "" {
		evt.Notes = &notes
	}
	_, err := w.Append(ctx, tx, evt)
	return err
}

// applyMetrics updates the provider counters and recomputes the score from the
// resulting row, all inside tx.
func (e Engine) applyMetrics(ctx context.Context, tx *sql.Tx, providerID string, d repo.MetricsDelta, now string) error {
	if err := e.Repo.ApplyMetrics(ctx, tx, providerID, d, now); err != nil {
		return err
	}
	m, err := e.Repo.GetMetrics(ctx, tx, providerID)
	if err != nil {
		return err
	}
	return e.Repo.SetScore(ctx, tx, providerID, scoring.Score(m, e.Config.Scoring))
}

func (e Engine) committed(ctx context.Context, op string, sr domain.ServiceRequest, actor Actor) {
	e.log().WithContext(ctx).Mutation(op, sr.ID,
		slog.String("actor", actor.String()),
		slog.String("status", string(sr.Status)),
		slog.Int64("version", sr.Version))
}
