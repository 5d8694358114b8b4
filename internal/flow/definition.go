// Package flow loads declarative conversation flows and steps participants through them.
//
// A flow is an ordered list of steps. Each step sends one message and may wait for a
// single reply; the reply selects the next step through a NextRule.
package flow

import (
	"strconv"
	"strings"

	"github.com/naookko/EmotiTrack/internal/models"
)

// MessageKind identifies how a step is rendered on the wire.
type MessageKind string

const (
	// KindText sends a plain text message.
	KindText MessageKind = "text"
	// KindButton sends an interactive message with reply buttons.
	KindButton MessageKind = "interactive_button"
	// KindList sends an interactive list message.
	KindList MessageKind = "interactive_list"
)

// DefaultListButton is the list opener label used when a step omits one.
const DefaultListButton = "Responder"

// BranchDefaultKey is the branch map key selecting the branch used for unmapped replies.
const BranchDefaultKey = "*"

// NextRule decides which step follows a reply. It is one of StaticNext, BranchNext or PositionalNext.
type NextRule interface {
	isNextRule()
}

// StaticNext always continues with StepID.
type StaticNext struct {
	StepID string
}

// BranchNext picks the next step by reply value, falling back to Default when set.
type BranchNext struct {
	Choices map[string]string
	Default string
}

// PositionalNext continues with the step that follows in flow order.
type PositionalNext struct{}

func (StaticNext) isNextRule()     {}
func (BranchNext) isNextRule()     {}
func (PositionalNext) isNextRule() {}

// Step is one node of a flow.
type Step struct {
	ID              string
	Kind            MessageKind
	ExpectsResponse bool
	Next            NextRule
	Message         string
	Header          string
	Body            string
	Footer          string
	ButtonLabel     string
	Buttons         []models.Button
	Sections        []models.ListSection
	AnswerKey       string
	End             bool
}

// AllowedValues returns the closed set of reply values the step accepts, or nil when any value is accepted.
func (s *Step) AllowedValues() []string {
	switch s.Kind {
	case KindList:
		var ids []string
		for _, section := range s.Sections {
			for _, row := range section.Rows {
				ids = append(ids, row.ID)
			}
		}
		return ids
	case KindButton:
		ids := make([]string, 0, len(s.Buttons))
		for _, b := range s.Buttons {
			ids = append(ids, b.ID)
		}
		return ids
	}
	return nil
}

// Accepts reports whether value is a valid reply for the step.
func (s *Step) Accepts(value string) bool {
	allowed := s.AllowedValues()
	if len(allowed) == 0 {
		return true
	}
	for _, id := range allowed {
		if id == value {
			return true
		}
	}
	return false
}

// ChoiceTitle returns the display title of the choice with the given id.
func (s *Step) ChoiceTitle(id string) (string, bool) {
	for _, b := range s.Buttons {
		if b.ID == id {
			return b.Title, true
		}
	}
	for _, section := range s.Sections {
		for _, row := range section.Rows {
			if row.ID == id {
				return row.Title, true
			}
		}
	}
	return "", false
}

// choices returns the step's choices as (id, title) pairs in display order.
func (s *Step) choices() []models.Button {
	var out []models.Button
	switch s.Kind {
	case KindButton:
		out = append(out, s.Buttons...)
	case KindList:
		for _, section := range s.Sections {
			for _, row := range section.Rows {
				out = append(out, models.Button{ID: row.ID, Title: row.Title})
			}
		}
	}
	return out
}

// MatchChoice maps a typed reply onto a choice of the step: a choice id, then a 1-based
// position, then a title compared ignoring case.
func (s *Step) MatchChoice(text string) (models.Button, bool) {
	text = strings.TrimSpace(text)
	choices := s.choices()
	if text == "" || len(choices) == 0 {
		return models.Button{}, false
	}
	for _, c := range choices {
		if c.ID == text {
			return c, true
		}
	}
	if n, err := strconv.Atoi(text); err == nil && n >= 1 && n <= len(choices) {
		return choices[n-1], true
	}
	for _, c := range choices {
		if strings.EqualFold(c.Title, text) {
			return c, true
		}
	}
	return models.Button{}, false
}

// expected returns the descriptor stored in a session awaiting this step.
func (s *Step) expected() *models.ExpectedResponse {
	return &models.ExpectedResponse{
		StepID:    s.ID,
		Type:      string(s.Kind),
		AnswerKey: s.AnswerKey,
	}
}

// Definition is a loaded, immutable flow.
type Definition struct {
	Name  string
	Order []string
	steps map[string]*Step
}

// Step returns the step with the given id.
func (d *Definition) Step(id string) (*Step, bool) {
	s, ok := d.steps[id]
	return s, ok
}

// Steps returns the steps in flow order.
func (d *Definition) Steps() []*Step {
	out := make([]*Step, 0, len(d.Order))
	for _, id := range d.Order {
		out = append(out, d.steps[id])
	}
	return out
}

// FirstStep returns the id of the first step.
func (d *Definition) FirstStep() string {
	if len(d.Order) == 0 {
		return ""
	}
	return d.Order[0]
}

// IndexOf returns the position of the step in flow order, or -1.
func (d *Definition) IndexOf(id string) int {
	for i, stepID := range d.Order {
		if stepID == id {
			return i
		}
	}
	return -1
}

// positional returns the step that follows id in flow order.
func (d *Definition) positional(id string) string {
	idx := d.IndexOf(id)
	if idx < 0 || idx+1 >= len(d.Order) {
		return ""
	}
	return d.Order[idx+1]
}

// Resolve returns the step that follows step for the given reply value, or "" when the flow ends.
func (d *Definition) Resolve(step *Step, value string) string {
	if step.End {
		return ""
	}
	switch rule := step.Next.(type) {
	case StaticNext:
		return rule.StepID
	case BranchNext:
		if next, ok := rule.Choices[value]; ok {
			return next
		}
		if rule.Default != "" {
			return rule.Default
		}
		return d.positional(step.ID)
	case PositionalNext, nil:
		return d.positional(step.ID)
	}
	return ""
}

// cascade returns the step that follows a step which does not wait for a reply.
func (d *Definition) cascade(step *Step) string {
	if step.End {
		return ""
	}
	if rule, ok := step.Next.(BranchNext); ok {
		if rule.Default != "" {
			return rule.Default
		}
		return d.positional(step.ID)
	}
	return d.Resolve(step, "")
}

// answered reports whether answers hold a non-empty value under key.
func answered(answers map[string]models.Answer, key string) bool {
	a, ok := answers[key]
	return ok && a.Value != ""
}

// FirstUnanswered returns the first reply-expecting step whose answer key is missing from answers.
func (d *Definition) FirstUnanswered(answers map[string]models.Answer) string {
	for _, step := range d.Steps() {
		if !step.ExpectsResponse || step.AnswerKey == "" {
			continue
		}
		if !answered(answers, step.AnswerKey) {
			return step.ID
		}
	}
	return ""
}

// LastAnswered returns the last step in flow order whose answer key is present in answers
// together with its index. It returns ("", -1) when nothing was answered.
func (d *Definition) LastAnswered(answers map[string]models.Answer) (string, int) {
	for i := len(d.Order) - 1; i >= 0; i-- {
		step := d.steps[d.Order[i]]
		if step.AnswerKey != "" && answered(answers, step.AnswerKey) {
			return step.ID, i
		}
	}
	return "", -1
}

// AnswerKeys returns the answer keys of the flow in order.
func (d *Definition) AnswerKeys() []string {
	var keys []string
	for _, step := range d.Steps() {
		if step.AnswerKey != "" {
			keys = append(keys, step.AnswerKey)
		}
	}
	return keys
}
