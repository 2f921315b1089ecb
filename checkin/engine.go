// Package checkin drives the self-report flow and raises a risk record the
// moment an answer crosses a configured threshold.
package checkin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"socialscope/metrics"
	"socialscope/spooler"
)

var (
	ErrSafetyPending   = errors.New("safety prompt must be answered first")
	ErrFlowCompleted   = errors.New("check-in already completed")
	ErrUnknownQuestion = errors.New("unknown question")
	ErrHiddenQuestion  = errors.New("question is not visible")
	ErrInvalidState    = errors.New("operation not valid in the current state")
	ErrNotAvailable    = errors.New("check-in not available now")
	ErrNoQuestionSet   = errors.New("no question set loaded")
)

// ValidationError rejects an answer; the flow stays on the same question.
type ValidationError struct {
	QuestionID string
	Reason     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("question %s: %s", e.QuestionID, e.Reason)
}

type Store interface {
	InsertRisk(r *spooler.RiskRecord) error
	InsertCheckin(r *spooler.CheckinResponse) error
	LastCheckin(participantID string) (*spooler.CheckinResponse, error)
}

// Escalator propagates a new risk record to the remote store so the
// alerting side sees it without waiting for the next sync cycle.
type Escalator interface {
	PushRisk(ctx context.Context, r *spooler.RiskRecord) error
}

type Engine struct {
	store     Store
	escalator Escalator
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu  sync.RWMutex
	set *QuestionSet

	pushes      sync.WaitGroup
	pushTimeout time.Duration

	clock       func() time.Time
	idGenerator func() string
}

// NewEngine builds an engine. escalator may be nil, in which case risk
// records reach the remote store through the regular upload run.
func NewEngine(store Store, escalator Escalator, set *QuestionSet, logger *slog.Logger, m *metrics.Metrics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:       store,
		escalator:   escalator,
		logger:      logger.With("component", "checkin"),
		metrics:     m,
		set:         set,
		pushTimeout: 30 * time.Second,
		clock:       func() time.Time { return time.Now().UTC() },
		idGenerator: uuid.NewString,
	}
}

// SetQuestionSet replaces the set used by flows started afterwards.
func (e *Engine) SetQuestionSet(set *QuestionSet) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.set = set
}

func (e *Engine) QuestionSet() *QuestionSet {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.set
}

// Available reports whether a prompted check-in may start for the
// participant now.
func (e *Engine) Available(ctx context.Context, participantID string) (bool, error) {
	set := e.QuestionSet()
	if set == nil {
		return false, ErrNoQuestionSet
	}
	var last *time.Time
	rec, err := e.store.LastCheckin(participantID)
	switch {
	case err == nil:
		last = &rec.CompletedAt
	case !errors.Is(err, spooler.ErrNotFound):
		return false, fmt.Errorf("last check-in: %w", err)
	}
	return set.Schedule.Available(e.clock(), last), nil
}

// Begin starts a flow on the current question set. Prompted flows respect
// the schedule; self-initiated ones do not.
func (e *Engine) Begin(ctx context.Context, participantID, sessionID string, selfInitiated bool) (*Flow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	set := e.QuestionSet()
	if set == nil {
		return nil, ErrNoQuestionSet
	}
	if !selfInitiated {
		ok, err := e.Available(ctx, participantID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrNotAvailable
		}
	}
	f := &Flow{
		ID:            e.idGenerator(),
		ParticipantID: participantID,
		SessionID:     sessionID,
		SelfInitiated: selfInitiated,
		StartedAt:     e.clock(),
		engine:        e,
		set:           set,
		answers:       make(map[string]string),
		skipped:       make(map[string]bool),
	}
	f.advance()
	if f.kind == StateCompleted {
		// every question hidden; nothing to ask
		if err := f.complete(); err != nil {
			return nil, err
		}
	}
	e.logger.Info("check-in started",
		"participant_id", participantID,
		"flow_id", f.ID,
		"question_set", set.ID,
		"self_initiated", selfInitiated)
	return f, nil
}

// raise stores the risk record and hands it to the escalator without
// waiting for the remote write.
func (e *Engine) raise(ctx context.Context, rec *spooler.RiskRecord) error {
	if err := e.store.InsertRisk(rec); err != nil {
		return fmt.Errorf("insert risk record: %w", err)
	}
	e.metrics.RiskRaised()
	e.logger.Warn("risk record raised",
		"participant_id", rec.ParticipantID,
		"flow_id", rec.FlowID,
		"risk_id", rec.ID,
		"question_id", rec.TriggerQuestionID)

	if e.escalator == nil {
		return nil
	}
	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.pushTimeout)
	e.pushes.Add(1)
	go func() {
		defer e.pushes.Done()
		defer cancel()
		if err := e.escalator.PushRisk(pushCtx, rec); err != nil {
			e.logger.Warn("immediate risk push failed, left for sync",
				"risk_id", rec.ID,
				"error", err)
		}
	}()
	return nil
}

// Wait blocks until in-flight risk pushes finish.
func (e *Engine) Wait() {
	e.pushes.Wait()
}
