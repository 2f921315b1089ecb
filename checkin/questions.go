package checkin

import (
	"fmt"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type QuestionType string

const (
	TypeSlider QuestionType = "slider"
	TypeYesNo  QuestionType = "yes_no"
	TypeChoice QuestionType = "choice"
	TypeText   QuestionType = "text"
)

// Condition makes a hidden question visible when an earlier answer equals
// Equals (case-insensitive).
type Condition struct {
	QuestionID string `yaml:"question" json:"question"`
	Equals     string `yaml:"equals" json:"equals"`
}

// Trigger is a risk predicate on one question. A slider fires when the
// answer is strictly above Above; yes/no and choice questions fire when the
// answer is one of Values.
type Trigger struct {
	Above  *float64 `yaml:"above" json:"above,omitempty"`
	Values []string `yaml:"values" json:"values,omitempty"`
}

type Question struct {
	ID              string       `yaml:"id" json:"id"`
	Prompt          string       `yaml:"prompt" json:"prompt"`
	Type            QuestionType `yaml:"type" json:"type"`
	Min             float64      `yaml:"min" json:"min,omitempty"`
	Max             float64      `yaml:"max" json:"max,omitempty"`
	Options         []string     `yaml:"options" json:"options,omitempty"`
	Required        bool         `yaml:"required" json:"required"`
	HiddenByDefault bool         `yaml:"hidden_by_default" json:"hiddenByDefault,omitempty"`
	ShowIf          *Condition   `yaml:"show_if" json:"showIf,omitempty"`
	Trigger         *Trigger     `yaml:"trigger" json:"-"`
}

type Resource struct {
	Name    string `yaml:"name" json:"name"`
	Contact string `yaml:"contact" json:"contact"`
	URL     string `yaml:"url" json:"url,omitempty"`
}

// Safety is the direct risk confirmation asked after a trigger fires, and
// the contacts shown when the participant confirms.
type Safety struct {
	Prompt    string     `yaml:"prompt"`
	Resources []Resource `yaml:"resources"`
}

type QuestionSet struct {
	ID        string     `yaml:"id"`
	Questions []Question `yaml:"questions"`
	Safety    Safety     `yaml:"safety"`
	Schedule  Schedule   `yaml:"schedule"`
}

func LoadQuestionSet(path string) (*QuestionSet, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseQuestionSet(b)
}

func ParseQuestionSet(b []byte) (*QuestionSet, error) {
	var set QuestionSet
	if err := yaml.Unmarshal(b, &set); err != nil {
		return nil, fmt.Errorf("parse question set: %w", err)
	}
	if err := set.Validate(); err != nil {
		return nil, err
	}
	return &set, nil
}

// Validate checks ids, types, ranges and references between questions.
func (s *QuestionSet) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("question set id is required")
	}
	if len(s.Questions) == 0 {
		return fmt.Errorf("question set %s has no questions", s.ID)
	}
	seen := make(map[string]bool, len(s.Questions))
	for i := range s.Questions {
		q := &s.Questions[i]
		if q.ID == "" {
			return fmt.Errorf("question %d: id is required", i)
		}
		if seen[q.ID] {
			return fmt.Errorf("question %s: duplicate id", q.ID)
		}
		switch q.Type {
		case TypeSlider:
			if q.Max <= q.Min {
				return fmt.Errorf("question %s: max must be greater than min", q.ID)
			}
		case TypeChoice:
			if len(q.Options) == 0 {
				return fmt.Errorf("question %s: choice needs options", q.ID)
			}
		case TypeYesNo, TypeText:
		default:
			return fmt.Errorf("question %s: unknown type %q", q.ID, q.Type)
		}
		if q.ShowIf != nil && !seen[q.ShowIf.QuestionID] {
			return fmt.Errorf("question %s: show_if must reference an earlier question", q.ID)
		}
		if q.Trigger != nil && q.Trigger.Above == nil && len(q.Trigger.Values) == 0 {
			return fmt.Errorf("question %s: trigger has no condition", q.ID)
		}
		seen[q.ID] = true
	}
	return s.Schedule.validate()
}

func (s *QuestionSet) question(id string) (*Question, bool) {
	for i := range s.Questions {
		if s.Questions[i].ID == id {
			return &s.Questions[i], true
		}
	}
	return nil, false
}

// visible reports whether q is shown given the answers so far.
func (q *Question) visible(answers map[string]string) bool {
	if q.ShowIf != nil {
		v, ok := answers[q.ShowIf.QuestionID]
		return ok && strings.EqualFold(strings.TrimSpace(v), q.ShowIf.Equals)
	}
	return !q.HiddenByDefault
}

// validate normalizes value and checks it against the question type.
func (q *Question) validate(value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		if q.Required {
			return "", &ValidationError{QuestionID: q.ID, Reason: "an answer is required"}
		}
		return "", nil
	}
	switch q.Type {
	case TypeSlider:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return "", &ValidationError{QuestionID: q.ID, Reason: "answer must be a number"}
		}
		if f < q.Min || f > q.Max {
			return "", &ValidationError{QuestionID: q.ID, Reason: fmt.Sprintf("answer must be between %g and %g", q.Min, q.Max)}
		}
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	case TypeYesNo:
		switch strings.ToLower(value) {
		case "yes", "y", "true":
			return "yes", nil
		case "no", "n", "false":
			return "no", nil
		}
		return "", &ValidationError{QuestionID: q.ID, Reason: "answer must be yes or no"}
	case TypeChoice:
		for _, o := range q.Options {
			if strings.EqualFold(o, value) {
				return o, nil
			}
		}
		return "", &ValidationError{QuestionID: q.ID, Reason: "answer is not one of the options"}
	}
	return value, nil
}

// fires evaluates the trigger against a normalized answer.
func (q *Question) fires(value string) bool {
	if q.Trigger == nil || value == "" {
		return false
	}
	if q.Trigger.Above != nil {
		if f, err := strconv.ParseFloat(value, 64); err == nil && f > *q.Trigger.Above {
			return true
		}
	}
	return slices.ContainsFunc(q.Trigger.Values, func(v string) bool {
		return strings.EqualFold(v, value)
	})
}
