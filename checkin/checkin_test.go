package checkin

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"socialscope/spooler"
)

const testSet = `
id: daily-v1
questions:
  - id: distress
    prompt: How distressed do you feel right now?
    type: slider
    min: 0
    max: 100
    required: true
    trigger:
      above: 70
  - id: saw_harmful
    prompt: Did you see something upsetting?
    type: yes_no
  - id: harmful_detail
    prompt: What was it about?
    type: text
    hidden_by_default: true
    show_if:
      question: saw_harmful
      equals: "yes"
  - id: mood
    prompt: Pick the word closest to your mood
    type: choice
    options: [calm, anxious, hopeless]
    trigger:
      values: [hopeless]
safety:
  prompt: Are you thinking about hurting yourself?
  resources:
    - name: Crisis line
      contact: "988"
schedule:
  min_gap: 2h
`

type fakeEscalator struct {
	mu     sync.Mutex
	pushed []string
	err    error
	block  chan struct{}
}

func (f *fakeEscalator) PushRisk(ctx context.Context, r *spooler.RiskRecord) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed = append(f.pushed, r.ID)
	return f.err
}

func (f *fakeEscalator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushed)
}

func newTestEngine(t *testing.T, esc Escalator) (*Engine, *spooler.Store) {
	t.Helper()
	st, err := spooler.Open(filepath.Join(t.TempDir(), "local.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	set, err := ParseQuestionSet([]byte(testSet))
	require.NoError(t, err)
	return NewEngine(st, esc, set, nil, nil), st
}

func responsesOf(t *testing.T, raw []byte) map[string]string {
	t.Helper()
	var m map[string]string
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

func TestAnswer_ThresholdRaisesRiskBeforeNextQuestion(t *testing.T) {
	block := make(chan struct{})
	esc := &fakeEscalator{block: block}
	e, st := newTestEngine(t, esc)
	ctx := context.Background()

	f, err := e.Begin(ctx, "p1", "s1", true)
	require.NoError(t, err)
	assert.Equal(t, "distress", f.State().Question.ID)

	state, err := f.Answer(ctx, "distress", "85")
	require.NoError(t, err)
	assert.Equal(t, StateSafetyPrompt, state.Kind)
	assert.Equal(t, "Are you thinking about hurting yourself?", state.Prompt)

	// the local record exists before the remote push finishes
	risks, err := st.RisksForFlow(f.ID)
	require.NoError(t, err)
	require.Len(t, risks, 1)
	assert.Equal(t, "distress", risks[0].TriggerQuestionID)
	assert.Equal(t, "p1", risks[0].ParticipantID)
	assert.Equal(t, "85", responsesOf(t, risks[0].ResponsesSnapshot)["distress"])
	assert.Equal(t, 0, esc.count())

	close(block)
	e.Wait()
	assert.Equal(t, 1, esc.count())
	assert.Equal(t, risks[0].ID, f.Outcome().RiskRecordID)
}

func TestAnswer_AtMostOneRiskPerFlow(t *testing.T) {
	esc := &fakeEscalator{}
	e, st := newTestEngine(t, esc)
	ctx := context.Background()

	f, err := e.Begin(ctx, "p1", "s1", true)
	require.NoError(t, err)
	_, err = f.Answer(ctx, "distress", "90")
	require.NoError(t, err)

	state, err := f.AnswerSafety(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, StateAnswering, state.Kind)
	assert.Equal(t, "saw_harmful", state.Question.ID)

	_, err = f.Answer(ctx, "saw_harmful", "no")
	require.NoError(t, err)
	state, err = f.Answer(ctx, "mood", "Hopeless")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, state.Kind)

	e.Wait()
	risks, err := st.RisksForFlow(f.ID)
	require.NoError(t, err)
	assert.Len(t, risks, 1)
	assert.Equal(t, 1, esc.count())

	out := f.Outcome()
	assert.True(t, out.Completed)
	assert.Equal(t, "hopeless", out.Responses["mood"])
	assert.Equal(t, "no", out.Responses[SafetyAnswerKey])
	assert.False(t, out.RequiresPostResources)
}

func TestAnswer_SafetyPendingBlocksQuestions(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()

	f, err := e.Begin(ctx, "p1", "s1", true)
	require.NoError(t, err)
	_, err = f.Answer(ctx, "distress", "71")
	require.NoError(t, err)

	_, err = f.Answer(ctx, "saw_harmful", "no")
	assert.ErrorIs(t, err, ErrSafetyPending)
	_, err = f.LeaveResources(ctx)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestAnswer_BoundaryDoesNotFire(t *testing.T) {
	e, st := newTestEngine(t, nil)
	ctx := context.Background()

	f, err := e.Begin(ctx, "p1", "s1", true)
	require.NoError(t, err)
	state, err := f.Answer(ctx, "distress", "70")
	require.NoError(t, err)
	assert.Equal(t, StateAnswering, state.Kind)
	assert.Equal(t, 1, state.Index)

	risks, err := st.RisksForFlow(f.ID)
	require.NoError(t, err)
	assert.Empty(t, risks)
}

func TestAnswer_Validation(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()
	f, err := e.Begin(ctx, "p1", "s1", true)
	require.NoError(t, err)

	var verr *ValidationError
	_, err = f.Answer(ctx, "distress", "101")
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "distress", verr.QuestionID)

	_, err = f.Answer(ctx, "distress", "lots")
	assert.True(t, errors.As(err, &verr))

	for _, v := range []string{"NaN", "nan", "Inf", "-Inf", "+Infinity"} {
		_, err = f.Answer(ctx, "distress", v)
		assert.True(t, errors.As(err, &verr), "value %q", v)
	}

	_, err = f.Answer(ctx, "distress", "")
	assert.True(t, errors.As(err, &verr), "required question")

	_, err = f.Answer(ctx, "nope", "1")
	assert.ErrorIs(t, err, ErrUnknownQuestion)

	_, err = f.Answer(ctx, "harmful_detail", "x")
	assert.ErrorIs(t, err, ErrHiddenQuestion)

	_, err = f.Answer(ctx, "saw_harmful", "maybe")
	assert.True(t, errors.As(err, &verr))

	assert.Equal(t, "distress", f.State().Question.ID, "rejected answers keep the flow in place")
	assert.Empty(t, f.Outcome().Responses)
}

func TestShowIf_RevealsAndDropsHiddenAnswers(t *testing.T) {
	e, st := newTestEngine(t, nil)
	ctx := context.Background()
	f, err := e.Begin(ctx, "p1", "s1", true)
	require.NoError(t, err)

	_, err = f.Answer(ctx, "distress", "10")
	require.NoError(t, err)
	state, err := f.Answer(ctx, "saw_harmful", "yes")
	require.NoError(t, err)
	assert.Equal(t, "harmful_detail", state.Question.ID)

	_, err = f.Answer(ctx, "harmful_detail", "a fight")
	require.NoError(t, err)

	// changing the gating answer hides the follow-up again
	state, err = f.Answer(ctx, "saw_harmful", "no")
	require.NoError(t, err)
	assert.Equal(t, "mood", state.Question.ID)

	state, err = f.Answer(ctx, "mood", "calm")
	require.NoError(t, err)
	require.Equal(t, StateCompleted, state.Kind)

	rec, err := st.LastCheckin("p1")
	require.NoError(t, err)
	got := responsesOf(t, rec.Responses)
	assert.Equal(t, map[string]string{"distress": "10", "saw_harmful": "no", "mood": "calm"}, got)
	assert.Equal(t, "daily-v1", rec.QuestionSetID)
	assert.True(t, rec.SelfInitiated)

	_, err = f.Answer(ctx, "mood", "anxious")
	assert.ErrorIs(t, err, ErrFlowCompleted)
}

func TestAnswerSafety_YesShowsResources(t *testing.T) {
	e, st := newTestEngine(t, nil)
	ctx := context.Background()
	f, err := e.Begin(ctx, "p1", "s1", true)
	require.NoError(t, err)
	_, err = f.Answer(ctx, "distress", "95")
	require.NoError(t, err)

	state, err := f.AnswerSafety(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, StateCrisisResources, state.Kind)
	require.Len(t, state.Resources, 1)
	assert.Equal(t, "988", state.Resources[0].Contact)

	_, err = f.AnswerSafety(ctx, true)
	assert.ErrorIs(t, err, ErrInvalidState)

	state, err = f.LeaveResources(ctx)
	require.NoError(t, err)
	assert.Equal(t, "saw_harmful", state.Question.ID)

	_, err = f.Answer(ctx, "saw_harmful", "no")
	require.NoError(t, err)
	_, err = f.Answer(ctx, "mood", "")
	require.NoError(t, err)

	out := f.Outcome()
	assert.True(t, out.Completed)
	assert.True(t, out.RequiresPostResources)
	assert.Equal(t, "yes", out.Responses[SafetyAnswerKey])

	rec, err := st.LastCheckin("p1")
	require.NoError(t, err)
	assert.True(t, rec.RequiresPostResources)
}

func TestRaise_PushFailureKeepsLocalRecord(t *testing.T) {
	esc := &fakeEscalator{err: errors.New("offline")}
	e, st := newTestEngine(t, esc)
	ctx, cancel := context.WithCancel(context.Background())

	f, err := e.Begin(ctx, "p1", "s1", true)
	require.NoError(t, err)
	_, err = f.Answer(ctx, "distress", "99")
	require.NoError(t, err)
	cancel()
	e.Wait()

	risk, err := st.Risk(f.Outcome().RiskRecordID)
	require.NoError(t, err)
	assert.False(t, risk.Synced)
}

func TestBegin_PromptedRespectsSchedule(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	e.clock = func() time.Time { return now }

	f, err := e.Begin(ctx, "p1", "s1", false)
	require.NoError(t, err)
	for _, a := range [][2]string{{"distress", "5"}, {"saw_harmful", "no"}, {"mood", "calm"}} {
		_, err = f.Answer(ctx, a[0], a[1])
		require.NoError(t, err)
	}

	now = now.Add(time.Hour)
	_, err = e.Begin(ctx, "p1", "s1", false)
	assert.ErrorIs(t, err, ErrNotAvailable)

	_, err = e.Begin(ctx, "p1", "s1", true)
	assert.NoError(t, err, "self-initiated check-ins ignore the schedule")

	_, err = e.Begin(ctx, "p2", "s2", false)
	assert.NoError(t, err)

	now = now.Add(90 * time.Minute)
	_, err = e.Begin(ctx, "p1", "s1", false)
	assert.NoError(t, err)
}

func TestSchedule_Windows(t *testing.T) {
	s := Schedule{Windows: []Window{{Start: "08:00", End: "10:00"}, {Start: "22:00", End: "01:00"}}}
	at := func(h, m int) time.Time { return time.Date(2026, 3, 1, h, m, 0, 0, time.UTC) }

	assert.True(t, s.Available(at(8, 0), nil))
	assert.False(t, s.Available(at(10, 0), nil))
	assert.True(t, s.Available(at(23, 30), nil))
	assert.True(t, s.Available(at(0, 30), nil))
	assert.False(t, s.Available(at(12, 0), nil))
}

func TestParseQuestionSet_Rejects(t *testing.T) {
	cases := map[string]string{
		"missing id":       "questions: [{id: a, type: text}]",
		"no questions":     "id: x",
		"bad slider":       "id: x\nquestions: [{id: a, type: slider, min: 5, max: 5}]",
		"unknown type":     "id: x\nquestions: [{id: a, type: essay}]",
		"forward show_if":  "id: x\nquestions: [{id: a, type: text, show_if: {question: b, equals: y}}, {id: b, type: yes_no}]",
		"empty trigger":    "id: x\nquestions: [{id: a, type: yes_no, trigger: {}}]",
		"duplicate":        "id: x\nquestions: [{id: a, type: text}, {id: a, type: text}]",
		"bad window":       "id: x\nquestions: [{id: a, type: text}]\nschedule: {windows: [{start: '25:00', end: '01:00'}]}",
		"choice no option": "id: x\nquestions: [{id: a, type: choice}]",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseQuestionSet([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestWatchQuestionSet_Reloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "questions.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testSet), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *QuestionSet, 4)
	done := make(chan error, 1)
	go func() {
		done <- WatchQuestionSet(ctx, path, nil, func(s *QuestionSet) {
			select {
			case got <- s:
			default:
			}
		})
	}()

	// give the watcher time to register
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("id: broken\n"), 0o644))
	require.NoError(t, os.WriteFile(path, []byte("id: daily-v2\nquestions: [{id: a, type: text}]\n"), 0o644))

	select {
	case s := <-got:
		assert.Equal(t, "daily-v2", s.ID)
	case <-time.After(3 * time.Second):
		t.Fatal("question set was not reloaded")
	}
	cancel()
	assert.NoError(t, <-done)
}

func TestRegistry_Sweep(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()
	r := NewRegistry(time.Minute)
	now := time.Now()
	r.clock = func() time.Time { return now }

	open, err := e.Begin(ctx, "p1", "s1", true)
	require.NoError(t, err)
	r.Put(open)

	got, ok := r.Get(open.ID)
	require.True(t, ok)
	assert.Same(t, open, got)

	assert.Equal(t, 0, r.Sweep())
	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, r.Sweep())
	_, ok = r.Get(open.ID)
	assert.False(t, ok)
}
