package flow

import (
	"errors"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/naookko/EmotiTrack/internal/models"
)

const surveyJSON = `{
  "name": "survey",
  "steps": [
    {"id": "intro", "message_type": "text", "expects_response": false, "next": "pick", "message": "Hola {name}"},
    {"id": "pick", "message_type": "interactive_list", "expects_response": true,
     "header": {"type": "text", "text": "Elige"}, "body": {"text": "¿Cuál opción?"},
     "sections": [{"title": "Opciones", "rows": [
       {"id": "opt_1", "title": "Opción 1"}, {"id": "opt_2", "title": "Opción 2"}, {"id": "opt_3", "title": "Opción 3"}]}],
     "answer_key": "choice",
     "next": {"opt_1": "free", "opt_2": "confirm"}},
    {"id": "free", "message_type": "text", "expects_response": true, "message": "Cuéntanos más", "answer_key": "comment", "next": "bye"},
    {"id": "confirm", "message_type": "interactive_button", "expects_response": true, "body": "¿Seguro?",
     "buttons": [{"id": "yes", "title": "Sí"}, {"id": "no", "title": "No"}], "answer_key": "ok", "next": "bye"},
    {"id": "bye", "message_type": "text", "expects_response": false, "message": "Gracias {name}", "end": true}
  ]
}`

const farewellYAML = `name: farewell
steps:
  - id: first
    message_type: text
    message: uno
  - id: second
    message_type: interactive_button
    expects_response: true
    body:
      type: text
      text: ¿Otra vez?
    buttons:
      - id: again
        title: Sí
      - id: stop
        title: No
    answer_key: again
    next:
      again: first
      "*": last
  - id: last
    message_type: text
    message: adiós
`

func mustParse(t *testing.T, filename, doc string) *Definition {
	t.Helper()
	def, err := ParseDefinition(filename, []byte(doc))
	if err != nil {
		t.Fatalf("ParseDefinition(%s) failed: %v", filename, err)
	}
	return def
}

func TestLoadDefinitions(t *testing.T) {
	fsys := fstest.MapFS{
		"survey_flow.json":   {Data: []byte(surveyJSON)},
		"farewell_flow.yaml": {Data: []byte(farewellYAML)},
		"README.md":          {Data: []byte("not a flow")},
		"nested/x_flow.json": {Data: []byte("{")},
	}
	defs, err := LoadDefinitions(fsys)
	if err != nil {
		t.Fatalf("LoadDefinitions failed: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("expected 2 flows, got %d", len(defs))
	}
	survey := defs["survey"]
	if survey == nil {
		t.Fatal("survey flow missing")
	}
	if strings.Join(survey.Order, ",") != "intro,pick,free,confirm,bye" {
		t.Errorf("unexpected order: %v", survey.Order)
	}
	pick, _ := survey.Step("pick")
	if pick.Header != "Elige" || pick.Body != "¿Cuál opción?" {
		t.Errorf("text objects not decoded: header=%q body=%q", pick.Header, pick.Body)
	}
	if pick.ButtonLabel != DefaultListButton {
		t.Errorf("expected default list button, got %q", pick.ButtonLabel)
	}
	if _, ok := pick.Next.(BranchNext); !ok {
		t.Errorf("expected BranchNext, got %T", pick.Next)
	}
	confirm, _ := survey.Step("confirm")
	if confirm.Body != "¿Seguro?" {
		t.Errorf("plain string body not decoded: %q", confirm.Body)
	}
	if _, ok := defs["farewell"]; !ok {
		t.Error("yaml flow missing")
	}
}

func TestYAMLBranchDefault(t *testing.T) {
	def := mustParse(t, "farewell_flow.yaml", farewellYAML)
	second, _ := def.Step("second")
	rule, ok := second.Next.(BranchNext)
	if !ok {
		t.Fatalf("expected BranchNext, got %T", second.Next)
	}
	if rule.Default != "last" || rule.Choices["again"] != "first" {
		t.Errorf("unexpected branch rule: %+v", rule)
	}
	if got := def.Resolve(second, "stop"); got != "last" {
		t.Errorf("default branch resolved to %q", got)
	}
	if got := def.Resolve(second, "again"); got != "first" {
		t.Errorf("mapped branch resolved to %q", got)
	}
	first, _ := def.Step("first")
	if _, ok := first.Next.(PositionalNext); !ok {
		t.Errorf("expected PositionalNext, got %T", first.Next)
	}
	if got := def.Resolve(first, ""); got != "second" {
		t.Errorf("positional next = %q", got)
	}
	last, _ := def.Step("last")
	if got := def.Resolve(last, ""); got != "" {
		t.Errorf("last step should end the flow, got %q", got)
	}
}

func TestParseDefinitionErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"invalid json", `{`, "survey_flow.json"},
		{"missing name", `{"steps": [{"id": "a", "message_type": "text"}]}`, "missing a name"},
		{"no steps", `{"name": "x", "steps": []}`, "no steps"},
		{"missing step id", `{"name": "x", "steps": [{"message_type": "text"}]}`, "missing an id"},
		{"duplicate step", `{"name": "x", "steps": [{"id": "a", "message_type": "text"}, {"id": "a", "message_type": "text"}]}`, "duplicate step id"},
		{"unknown type", `{"name": "x", "steps": [{"id": "a", "message_type": "video"}]}`, "unknown message_type"},
		{"buttons missing", `{"name": "x", "steps": [{"id": "a", "message_type": "interactive_button", "expects_response": true}]}`, "requires buttons"},
		{"rows missing", `{"name": "x", "steps": [{"id": "a", "message_type": "interactive_list", "expects_response": true, "sections": [{"title": "s"}]}]}`, "requires section rows"},
		{"empty choice id", `{"name": "x", "steps": [{"id": "a", "message_type": "interactive_button", "expects_response": true, "buttons": [{"title": "t"}]}]}`, "choice without id"},
		{"answer key without response", `{"name": "x", "steps": [{"id": "a", "message_type": "text", "answer_key": "k"}]}`, "expects no response"},
		{"dangling next", `{"name": "x", "steps": [{"id": "a", "message_type": "text", "next": "zzz"}]}`, "unknown step \"zzz\""},
		{"dangling branch", `{"name": "x", "steps": [{"id": "a", "message_type": "interactive_button", "expects_response": true, "buttons": [{"id": "b", "title": "B"}], "next": {"b": "nope"}}]}`, "unknown step \"nope\""},
		{"cascade loop", `{"name": "x", "steps": [{"id": "a", "message_type": "text", "next": "b"}, {"id": "b", "message_type": "text", "next": "a"}]}`, "loop back to \"a\""},
		{"self cascade", `{"name": "x", "steps": [{"id": "a", "message_type": "text", "next": "a"}]}`, "loop back to \"a\""},
		{"cascade loop via default branch", `{"name": "x", "steps": [{"id": "a", "message_type": "text", "next": {"*": "b"}}, {"id": "b", "message_type": "text", "next": "a"}]}`, "loop back"},
		{"duplicate choice id", `{"name": "x", "steps": [{"id": "a", "message_type": "interactive_button", "expects_response": true, "buttons": [{"id": "b", "title": "B"}, {"id": "b", "title": "C"}]}]}`, "duplicate choice id \"b\""},
		{"duplicate row id", `{"name": "x", "steps": [{"id": "a", "message_type": "interactive_list", "expects_response": true, "sections": [{"title": "s", "rows": [{"id": "r", "title": "R"}]}, {"title": "t", "rows": [{"id": "r", "title": "S"}]}]}]}`, "duplicate choice id \"r\""},
		{"duplicate answer key", `{"name": "x", "steps": [{"id": "a", "message_type": "text", "expects_response": true, "answer_key": "k"}, {"id": "b", "message_type": "text", "expects_response": true, "answer_key": "k"}]}`, "answer_key \"k\" used by steps \"a\" and \"b\""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDefinition("survey_flow.json", []byte(tt.doc))
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, ErrInvalidDefinition) {
				t.Errorf("expected ErrInvalidDefinition, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestParseDefinitionAllowsLoopThroughReply(t *testing.T) {
	doc := `{"name": "x", "steps": [
		{"id": "a", "message_type": "text", "next": "b"},
		{"id": "b", "message_type": "interactive_button", "expects_response": true, "buttons": [{"id": "again", "title": "Otra vez"}, {"id": "done", "title": "Listo"}], "next": {"again": "a", "done": "c"}},
		{"id": "c", "message_type": "text", "end": true}
	]}`
	if _, err := ParseDefinition("loop_flow.json", []byte(doc)); err != nil {
		t.Fatalf("expected a loop broken by a reply step to load, got %v", err)
	}
}

func TestLoadDefinitionsDuplicateName(t *testing.T) {
	fsys := fstest.MapFS{
		"a_flow.json": {Data: []byte(surveyJSON)},
		"b_flow.json": {Data: []byte(surveyJSON)},
	}
	_, err := LoadDefinitions(fsys)
	if !errors.Is(err, ErrInvalidDefinition) || !strings.Contains(err.Error(), "duplicate flow name") {
		t.Fatalf("expected duplicate flow name error, got %v", err)
	}
}

func TestDefinitionAnswerHelpers(t *testing.T) {
	def := mustParse(t, "survey_flow.json", surveyJSON)
	if got := strings.Join(def.AnswerKeys(), ","); got != "choice,comment,ok" {
		t.Errorf("AnswerKeys() = %q", got)
	}
	answers := map[string]models.Answer{}
	if got := def.FirstUnanswered(answers); got != "pick" {
		t.Errorf("FirstUnanswered(empty) = %q", got)
	}
	if id, idx := def.LastAnswered(answers); id != "" || idx != -1 {
		t.Errorf("LastAnswered(empty) = %q, %d", id, idx)
	}
	answers["choice"] = models.Answer{Value: "opt_1"}
	answers["comment"] = models.Answer{Value: ""}
	if got := def.FirstUnanswered(answers); got != "free" {
		t.Errorf("FirstUnanswered with blank value = %q", got)
	}
	answers["comment"] = models.Answer{Value: "bien"}
	answers["ok"] = models.Answer{Value: "yes"}
	if got := def.FirstUnanswered(answers); got != "" {
		t.Errorf("FirstUnanswered(all) = %q", got)
	}
	if id, idx := def.LastAnswered(answers); id != "confirm" || idx != 3 {
		t.Errorf("LastAnswered(all) = %q, %d", id, idx)
	}
}

func TestStepChoices(t *testing.T) {
	def := mustParse(t, "survey_flow.json", surveyJSON)
	pick, _ := def.Step("pick")
	if !pick.Accepts("opt_3") || pick.Accepts("opt_9") {
		t.Error("list step accepts the wrong values")
	}
	if title, ok := pick.ChoiceTitle("opt_2"); !ok || title != "Opción 2" {
		t.Errorf("ChoiceTitle(opt_2) = %q, %v", title, ok)
	}
	tests := []struct {
		text string
		want string
		ok   bool
	}{
		{"opt_1", "opt_1", true},
		{" 2 ", "opt_2", true},
		{"opción 3", "opt_3", true},
		{"4", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := pick.MatchChoice(tt.text)
		if ok != tt.ok || got.ID != tt.want {
			t.Errorf("MatchChoice(%q) = %q, %v; want %q, %v", tt.text, got.ID, ok, tt.want, tt.ok)
		}
	}
	free, _ := def.Step("free")
	if !free.Accepts("anything") {
		t.Error("free text step must accept any value")
	}
	if _, ok := free.MatchChoice("1"); ok {
		t.Error("free text step has no choices to match")
	}
}
