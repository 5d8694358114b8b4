package models

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestAPIResponseHelpers(t *testing.T) {
	ok := Success(map[string]int{"n": 1})
	if ok.Status != string(APIStatusOK) || ok.Result == nil {
		t.Errorf("unexpected Success response: %+v", ok)
	}
	msg := SuccessWithMessage("done", nil)
	if msg.Status != string(APIStatusOK) || msg.Message != "done" {
		t.Errorf("unexpected SuccessWithMessage response: %+v", msg)
	}
	e := Error("bad")
	if e.Status != string(APIStatusError) || e.Message != "bad" || e.Result != nil {
		t.Errorf("unexpected Error response: %+v", e)
	}
	data, err := json.Marshal(Cleared())
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(data) != `{"status":"cleared"}` {
		t.Errorf("unexpected Cleared JSON: %s", data)
	}
}

func TestFlowResponseLabel(t *testing.T) {
	if got := (FlowResponse{Value: "opt_2", Display: "Opción 2"}).Label(); got != "Opción 2" {
		t.Errorf("Label with display = %q", got)
	}
	if got := (FlowResponse{Value: "hola"}).Label(); got != "hola" {
		t.Errorf("Label without display = %q", got)
	}
}

func TestSessionContextClone(t *testing.T) {
	sc := NewSessionContext()
	sc.Answers["age"] = Answer{Value: "21"}
	sc.Variables["questionnaire_id"] = "7"
	sc.Expected = &ExpectedResponse{StepID: "age", Type: "text", AnswerKey: "age"}

	clone := sc.Clone()
	clone.Answers["age"] = Answer{Value: "22"}
	clone.Variables["questionnaire_id"] = "8"
	clone.Expected.StepID = "career"

	if sc.Answers["age"].Value != "21" {
		t.Error("clone shares the answers map")
	}
	if sc.Variables["questionnaire_id"] != "7" {
		t.Error("clone shares the variables map")
	}
	if sc.Expected.StepID != "age" {
		t.Error("clone shares the expected descriptor")
	}
	if !sc.AwaitingReply() {
		t.Error("expected AwaitingReply with a descriptor")
	}
	if NewSessionContext().AwaitingReply() {
		t.Error("empty context must not await a reply")
	}
}

func TestQuestionnaireLastActivity(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	updated := time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC)
	q := Questionnaire{
		CreatedAt: created,
		Answers: map[string]Answer{
			"dass_q01": {Value: "1", ReceivedAt: "2026-01-02T10:00:00+00:00"},
			"dass_q02": {Value: "2", ReceivedAt: "not a time"},
		},
	}
	if got := q.LastActivity(); !got.Equal(time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("LastActivity from answers = %v", got)
	}
	q.UpdatedAt = updated
	if got := q.LastActivity(); !got.Equal(updated) {
		t.Errorf("LastActivity from updated_at = %v", got)
	}
	empty := Questionnaire{CreatedAt: created}
	if got := empty.LastActivity(); !got.Equal(created) {
		t.Errorf("LastActivity fallback = %v", got)
	}
}

func TestButtonMessageValidate(t *testing.T) {
	tests := []struct {
		name string
		msg  ButtonMessage
		want error
	}{
		{"valid", ButtonMessage{Body: "b", Buttons: []Button{{ID: "a", Title: "A"}}}, nil},
		{"empty body", ButtonMessage{Buttons: []Button{{ID: "a"}}}, ErrEmptyBody},
		{"no buttons", ButtonMessage{Body: "b"}, ErrNoButtons},
		{"too many", ButtonMessage{Body: "b", Buttons: []Button{{ID: "1"}, {ID: "2"}, {ID: "3"}, {ID: "4"}}}, ErrTooManyButtons},
		{"empty id", ButtonMessage{Body: "b", Buttons: []Button{{Title: "A"}}}, ErrEmptyChoiceID},
		{"long body", ButtonMessage{Body: strings.Repeat("x", MaxTextBodyLength+1), Buttons: []Button{{ID: "a"}}}, ErrBodyTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.msg.Validate(); !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestListMessageValidate(t *testing.T) {
	rows := make([]ListRow, MaxListRowsCount+1)
	for i := range rows {
		rows[i] = ListRow{ID: strings.Repeat("r", i+1)}
	}
	tests := []struct {
		name string
		msg  ListMessage
		want error
	}{
		{"valid", ListMessage{Body: "b", Sections: []ListSection{{Rows: []ListRow{{ID: "0"}}}}}, nil},
		{"no rows", ListMessage{Body: "b", Sections: []ListSection{{Title: "empty"}}}, ErrNoListRows},
		{"too many rows", ListMessage{Body: "b", Sections: []ListSection{{Rows: rows}}}, ErrTooManyListRows},
		{"empty id", ListMessage{Body: "b", Sections: []ListSection{{Rows: []ListRow{{Title: "x"}}}}}, ErrEmptyChoiceID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.msg.Validate(); !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestListMessageRowIDs(t *testing.T) {
	msg := ListMessage{Sections: []ListSection{
		{Rows: []ListRow{{ID: "a"}, {ID: "b"}}},
		{Rows: []ListRow{{ID: "c"}}},
	}}
	if got := strings.Join(msg.RowIDs(), ","); got != "a,b,c" {
		t.Errorf("RowIDs() = %q", got)
	}
}
