package checkin

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"gorm.io/datatypes"

	"socialscope/spooler"
)

type StateKind string

const (
	StateAnswering       StateKind = "answering"
	StateSafetyPrompt    StateKind = "safety_prompt"
	StateCrisisResources StateKind = "crisis_resources"
	StateCompleted       StateKind = "completed"
)

// SafetyAnswerKey holds the safety prompt answer in the stored responses.
const SafetyAnswerKey = "safety_check"

// State is what the caller should render next.
type State struct {
	Kind StateKind `json:"kind"`
	// Index is the position of Question among the currently visible ones.
	Index     int        `json:"index"`
	Question  *Question  `json:"question,omitempty"`
	Prompt    string     `json:"prompt,omitempty"`
	Resources []Resource `json:"resources,omitempty"`
}

// Outcome summarizes a flow for the caller.
type Outcome struct {
	Completed             bool
	ResponseID            string
	RiskRecordID          string
	RequiresPostResources bool
	Responses             map[string]string
}

type Flow struct {
	ID            string
	ParticipantID string
	SessionID     string
	SelfInitiated bool
	StartedAt     time.Time

	engine *Engine
	set    *QuestionSet

	mu              sync.Mutex
	kind            StateKind
	current         *Question
	answers         map[string]string
	skipped         map[string]bool
	safetyDismissed bool
	safetyAnswer    string
	postResources   bool
	risk            *spooler.RiskRecord
	response        *spooler.CheckinResponse
}

func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state()
}

func (f *Flow) Outcome() Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := Outcome{
		Completed:             f.kind == StateCompleted,
		RequiresPostResources: f.postResources,
		Responses:             f.responses(),
	}
	if f.response != nil {
		o.ResponseID = f.response.ID
	}
	if f.risk != nil {
		o.RiskRecordID = f.risk.ID
	}
	return o
}

// Answer records an answer to a visible question and returns the next
// state. A trigger firing moves the flow to the safety prompt before any
// further question is shown.
func (f *Flow) Answer(ctx context.Context, questionID, value string) (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.kind {
	case StateCompleted:
		return f.state(), ErrFlowCompleted
	case StateSafetyPrompt, StateCrisisResources:
		return f.state(), ErrSafetyPending
	}
	q, ok := f.set.question(questionID)
	if !ok {
		return f.state(), fmt.Errorf("%w: %s", ErrUnknownQuestion, questionID)
	}
	if !q.visible(f.answers) {
		return f.state(), fmt.Errorf("%w: %s", ErrHiddenQuestion, questionID)
	}
	v, err := q.validate(value)
	if err != nil {
		return f.state(), err
	}
	if v == "" {
		delete(f.answers, q.ID)
		f.skipped[q.ID] = true
	} else {
		f.answers[q.ID] = v
		delete(f.skipped, q.ID)
	}

	if f.risk == nil && !f.safetyDismissed {
		if trig := f.firedTrigger(); trig != nil {
			if err := f.raise(ctx, trig); err != nil {
				return f.state(), err
			}
			f.kind = StateSafetyPrompt
			f.current = nil
			return f.state(), nil
		}
	}
	return f.resume()
}

// AnswerSafety records the participant's answer to the safety prompt. Yes
// diverts to crisis resources; no resumes the questions.
func (f *Flow) AnswerSafety(ctx context.Context, yes bool) (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.kind != StateSafetyPrompt {
		return f.state(), ErrInvalidState
	}
	f.safetyDismissed = true
	if yes {
		f.safetyAnswer = "yes"
		f.postResources = true
		f.kind = StateCrisisResources
		return f.state(), nil
	}
	f.safetyAnswer = "no"
	return f.resume()
}

// LeaveResources returns from the crisis resources screen to the questions.
func (f *Flow) LeaveResources(ctx context.Context) (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.kind != StateCrisisResources {
		return f.state(), ErrInvalidState
	}
	return f.resume()
}

func (f *Flow) resume() (State, error) {
	f.advance()
	if f.kind == StateCompleted {
		if err := f.complete(); err != nil {
			f.kind = StateAnswering
			return f.state(), err
		}
	}
	return f.state(), nil
}

// advance moves to the first visible question without an answer, or to
// completion when none is left.
func (f *Flow) advance() {
	for i := range f.set.Questions {
		q := &f.set.Questions[i]
		if !q.visible(f.answers) {
			continue
		}
		if _, ok := f.answers[q.ID]; ok {
			continue
		}
		if f.skipped[q.ID] {
			continue
		}
		f.kind = StateAnswering
		f.current = q
		return
	}
	f.kind = StateCompleted
	f.current = nil
}

func (f *Flow) firedTrigger() *Question {
	for i := range f.set.Questions {
		q := &f.set.Questions[i]
		v, ok := f.answers[q.ID]
		if !ok || !q.visible(f.answers) {
			continue
		}
		if q.fires(v) {
			return q
		}
	}
	return nil
}

func (f *Flow) raise(ctx context.Context, q *Question) error {
	snapshot, err := json.Marshal(f.responses())
	if err != nil {
		return err
	}
	rec := &spooler.RiskRecord{
		ID:                f.engine.idGenerator(),
		ParticipantID:     f.ParticipantID,
		SessionID:         f.SessionID,
		FlowID:            f.ID,
		ResponsesSnapshot: datatypes.JSON(snapshot),
		TriggerQuestionID: q.ID,
		TriggeredAt:       f.engine.clock(),
	}
	if err := f.engine.raise(ctx, rec); err != nil {
		return err
	}
	f.risk = rec
	return nil
}

func (f *Flow) complete() error {
	if f.response != nil {
		return nil
	}
	responses, err := json.Marshal(f.responses())
	if err != nil {
		return err
	}
	rec := &spooler.CheckinResponse{
		ID:                    f.engine.idGenerator(),
		ParticipantID:         f.ParticipantID,
		SessionID:             f.SessionID,
		QuestionSetID:         f.set.ID,
		Responses:             datatypes.JSON(responses),
		StartedAt:             f.StartedAt,
		CompletedAt:           f.engine.clock(),
		SelfInitiated:         f.SelfInitiated,
		RequiresPostResources: f.postResources,
	}
	if err := f.engine.store.InsertCheckin(rec); err != nil {
		return fmt.Errorf("insert check-in response: %w", err)
	}
	f.response = rec
	f.engine.logger.Info("check-in completed",
		"participant_id", f.ParticipantID,
		"flow_id", f.ID,
		"response_id", rec.ID,
		"risk_raised", f.risk != nil)
	return nil
}

// responses returns answers to questions that are visible now, plus the
// safety prompt answer if one was given.
func (f *Flow) responses() map[string]string {
	out := make(map[string]string, len(f.answers)+1)
	for i := range f.set.Questions {
		q := &f.set.Questions[i]
		v, ok := f.answers[q.ID]
		if ok && q.visible(f.answers) {
			out[q.ID] = v
		}
	}
	if f.safetyAnswer != "" {
		out[SafetyAnswerKey] = f.safetyAnswer
	}
	return out
}

func (f *Flow) state() State {
	st := State{Kind: f.kind}
	switch f.kind {
	case StateAnswering:
		st.Question = f.current
		for i := range f.set.Questions {
			q := &f.set.Questions[i]
			if q == f.current {
				break
			}
			if q.visible(f.answers) {
				st.Index++
			}
		}
	case StateSafetyPrompt:
		st.Prompt = f.set.Safety.Prompt
	case StateCrisisResources:
		st.Resources = f.set.Safety.Resources
	}
	return st
}
