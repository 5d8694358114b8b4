package flow

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/naookko/EmotiTrack/internal/models"
)

// Flow document suffixes recognized by LoadDefinitions.
var documentSuffixes = []string{"_flow.json", "_flow.yaml", "_flow.yml"}

// ErrInvalidDefinition wraps every configuration error reported by the loader.
var ErrInvalidDefinition = errors.New("invalid flow definition")

// document is the on-disk shape of a flow.
type document struct {
	Name  string         `json:"name" yaml:"name"`
	Steps []stepDocument `json:"steps" yaml:"steps"`
}

type stepDocument struct {
	ID              string               `json:"id" yaml:"id"`
	MessageType     string               `json:"message_type" yaml:"message_type"`
	ExpectsResponse bool                 `json:"expects_response" yaml:"expects_response"`
	Next            nextField            `json:"next" yaml:"next"`
	Message         string               `json:"message" yaml:"message"`
	Header          textField            `json:"header" yaml:"header"`
	Body            textField            `json:"body" yaml:"body"`
	Footer          textField            `json:"footer" yaml:"footer"`
	Button          string               `json:"button" yaml:"button"`
	Buttons         []models.Button      `json:"buttons" yaml:"buttons"`
	Sections        []models.ListSection `json:"sections" yaml:"sections"`
	AnswerKey       string               `json:"answer_key" yaml:"answer_key"`
	End             bool                 `json:"end" yaml:"end"`
}

// nextField holds either a single step id or a reply-to-step map.
type nextField struct {
	StepID  string
	Choices map[string]string
}

func (n *nextField) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		return nil
	}
	if strings.HasPrefix(trimmed, "{") {
		return json.Unmarshal(data, &n.Choices)
	}
	return json.Unmarshal(data, &n.StepID)
}

func (n *nextField) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.MappingNode:
		return value.Decode(&n.Choices)
	case yaml.ScalarNode:
		if value.Tag == "!!null" {
			return nil
		}
		return value.Decode(&n.StepID)
	}
	return fmt.Errorf("line %d: next must be a step id or a map", value.Line)
}

// textField accepts either a plain string or a WhatsApp-style {"type": "text", "text": "..."} object.
type textField string

type textObject struct {
	Type string `json:"type" yaml:"type"`
	Text string `json:"text" yaml:"text"`
}

func (t *textField) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		return nil
	}
	if strings.HasPrefix(trimmed, "{") {
		var obj textObject
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		*t = textField(obj.Text)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*t = textField(s)
	return nil
}

func (t *textField) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.MappingNode {
		var obj textObject
		if err := value.Decode(&obj); err != nil {
			return err
		}
		*t = textField(obj.Text)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	*t = textField(s)
	return nil
}

// LoadDefinitions reads every flow document in the root of fsys, sorted by file name,
// and returns the flows keyed by name. Any malformed document is a configuration error.
func LoadDefinitions(fsys fs.FS) (map[string]*Definition, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to list flow documents: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !isFlowDocument(entry.Name()) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	defs := make(map[string]*Definition, len(names))
	for _, name := range names {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("failed to read flow document %s: %w", name, err)
		}
		def, err := ParseDefinition(name, data)
		if err != nil {
			return nil, err
		}
		if _, dup := defs[def.Name]; dup {
			return nil, fmt.Errorf("%w: %s: duplicate flow name %q", ErrInvalidDefinition, name, def.Name)
		}
		defs[def.Name] = def
		slog.Debug("Flow definition loaded", "flow", def.Name, "file", name, "steps", len(def.Order))
	}
	slog.Info("Flow definitions loaded", "count", len(defs))
	return defs, nil
}

func isFlowDocument(name string) bool {
	for _, suffix := range documentSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// ParseDefinition decodes and validates a single flow document. The file name selects the decoder.
func ParseDefinition(filename string, data []byte) (*Definition, error) {
	var doc document
	switch path.Ext(filename) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidDefinition, filename, err)
		}
	default:
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidDefinition, filename, err)
		}
	}
	def, err := build(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidDefinition, filename, err)
	}
	return def, nil
}

func build(doc document) (*Definition, error) {
	if strings.TrimSpace(doc.Name) == "" {
		return nil, errors.New("flow is missing a name")
	}
	if len(doc.Steps) == 0 {
		return nil, fmt.Errorf("flow %q has no steps", doc.Name)
	}
	def := &Definition{
		Name:  doc.Name,
		steps: make(map[string]*Step, len(doc.Steps)),
	}
	for i, sd := range doc.Steps {
		step, err := buildStep(sd)
		if err != nil {
			return nil, fmt.Errorf("step %d: %v", i, err)
		}
		if _, dup := def.steps[step.ID]; dup {
			return nil, fmt.Errorf("duplicate step id %q", step.ID)
		}
		def.steps[step.ID] = step
		def.Order = append(def.Order, step.ID)
	}
	answerKeys := make(map[string]string)
	for _, step := range def.Steps() {
		for _, target := range references(step) {
			if _, ok := def.steps[target]; !ok {
				return nil, fmt.Errorf("step %q references unknown step %q", step.ID, target)
			}
		}
		if step.AnswerKey == "" {
			continue
		}
		if other, dup := answerKeys[step.AnswerKey]; dup {
			return nil, fmt.Errorf("answer_key %q used by steps %q and %q", step.AnswerKey, other, step.ID)
		}
		answerKeys[step.AnswerKey] = step.ID
	}
	if err := checkCascades(def); err != nil {
		return nil, err
	}
	return def, nil
}

// checkCascades rejects a cycle among steps that expect no response, which would dispatch forever.
func checkCascades(def *Definition) error {
	for _, start := range def.Steps() {
		seen := map[string]bool{}
		for step := start; step != nil && !step.ExpectsResponse && !step.End; {
			if seen[step.ID] {
				return fmt.Errorf("steps without responses loop back to %q", step.ID)
			}
			seen[step.ID] = true
			next := def.cascade(step)
			if next == "" {
				break
			}
			step = def.steps[next]
		}
	}
	return nil
}

func buildStep(sd stepDocument) (*Step, error) {
	if sd.ID == "" {
		return nil, errors.New("step is missing an id")
	}
	step := &Step{
		ID:              sd.ID,
		Kind:            MessageKind(sd.MessageType),
		ExpectsResponse: sd.ExpectsResponse,
		Message:         sd.Message,
		Header:          string(sd.Header),
		Body:            string(sd.Body),
		Footer:          string(sd.Footer),
		ButtonLabel:     sd.Button,
		Buttons:         sd.Buttons,
		Sections:        sd.Sections,
		AnswerKey:       sd.AnswerKey,
		End:             sd.End,
	}
	switch step.Kind {
	case KindText:
	case KindButton:
		if len(step.Buttons) == 0 {
			return nil, fmt.Errorf("step %q: %s requires buttons", step.ID, step.Kind)
		}
	case KindList:
		if len(step.AllowedValues()) == 0 {
			return nil, fmt.Errorf("step %q: %s requires section rows", step.ID, step.Kind)
		}
		if step.ButtonLabel == "" {
			step.ButtonLabel = DefaultListButton
		}
	default:
		return nil, fmt.Errorf("step %q: unknown message_type %q", step.ID, sd.MessageType)
	}
	choiceIDs := make(map[string]bool)
	for _, id := range step.AllowedValues() {
		if id == "" {
			return nil, fmt.Errorf("step %q: choice without id", step.ID)
		}
		if choiceIDs[id] {
			return nil, fmt.Errorf("step %q: duplicate choice id %q", step.ID, id)
		}
		choiceIDs[id] = true
	}
	if step.AnswerKey != "" && !step.ExpectsResponse {
		return nil, fmt.Errorf("step %q: answer_key %q on a step that expects no response", step.ID, step.AnswerKey)
	}
	switch {
	case len(sd.Next.Choices) > 0:
		rule := BranchNext{Choices: make(map[string]string, len(sd.Next.Choices))}
		for reply, target := range sd.Next.Choices {
			if reply == BranchDefaultKey {
				rule.Default = target
				continue
			}
			rule.Choices[reply] = target
		}
		step.Next = rule
	case sd.Next.StepID != "":
		step.Next = StaticNext{StepID: sd.Next.StepID}
	default:
		step.Next = PositionalNext{}
	}
	return step, nil
}

// references returns every step id the step may jump to.
func references(step *Step) []string {
	switch rule := step.Next.(type) {
	case StaticNext:
		return []string{rule.StepID}
	case BranchNext:
		refs := make([]string, 0, len(rule.Choices)+1)
		for _, target := range rule.Choices {
			refs = append(refs, target)
		}
		if rule.Default != "" {
			refs = append(refs, rule.Default)
		}
		sort.Strings(refs)
		return refs
	}
	return nil
}
