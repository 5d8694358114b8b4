package flow

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/naookko/EmotiTrack/internal/models"
	"github.com/naookko/EmotiTrack/internal/store"
	"github.com/naookko/EmotiTrack/internal/whatsapp"
)

const participant = "5213325204729"

var fixedNow = time.Date(2026, 10, 14, 9, 30, 0, 0, time.UTC)

type engineFixture struct {
	engine *Engine
	store  *store.InMemoryStore
	sender *whatsapp.MockClient
}

func newEngineFixture(t *testing.T, opts ...Option) engineFixture {
	t.Helper()
	def := mustParse(t, "survey_flow.json", surveyJSON)
	st := store.NewInMemoryStore()
	sender := whatsapp.NewMockClient()
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	e := NewEngine(map[string]*Definition{def.Name: def}, st, st, sender, opts...)
	return engineFixture{engine: e, store: st, sender: sender}
}

func listReply(id, title string) models.FlowResponse {
	return models.FlowResponse{Value: id, Display: title, Kind: models.ResponseKindList, ReceivedAt: "2026-10-14T09:31:00+00:00"}
}

func TestEnsureSessionStartsAndCascades(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	session, created, err := f.engine.EnsureSession(ctx, "survey", participant, WithVariables(map[string]string{"name": "Ana"}))
	if err != nil {
		t.Fatalf("EnsureSession failed: %v", err)
	}
	if !created {
		t.Error("expected a new session")
	}
	sent := f.sender.Sent()
	if len(sent) != 2 {
		t.Fatalf("expected intro and list prompt, got %d messages", len(sent))
	}
	if sent[0].Kind != whatsapp.SentText || sent[0].Body != "Hola Ana" {
		t.Errorf("unexpected intro: %+v", sent[0])
	}
	if sent[1].Kind != whatsapp.SentList || sent[1].List.ButtonLabel != DefaultListButton {
		t.Errorf("unexpected prompt: %+v", sent[1])
	}
	if session.StepIndex != 1 || session.Context.CurrentStep != "pick" {
		t.Errorf("expected session on pick, got index %d step %q", session.StepIndex, session.Context.CurrentStep)
	}
	if session.Context.Expected == nil || session.Context.Expected.StepID != "pick" || session.Context.Expected.AnswerKey != "choice" {
		t.Errorf("unexpected expected descriptor: %+v", session.Context.Expected)
	}
}

func TestEnsureSessionIsIdempotent(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	first, _, err := f.engine.EnsureSession(ctx, "survey", participant)
	if err != nil {
		t.Fatalf("EnsureSession failed: %v", err)
	}
	second, created, err := f.engine.EnsureSession(ctx, "survey", participant)
	if err != nil {
		t.Fatalf("second EnsureSession failed: %v", err)
	}
	if created || second.ID != first.ID {
		t.Errorf("expected the same session, got created=%v ids %d/%d", created, first.ID, second.ID)
	}
	if n := len(f.sender.Sent()); n != 2 {
		t.Errorf("expected no duplicate dispatch, got %d messages", n)
	}
}

func TestEnsureSessionConcurrentCreatesOnce(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	const workers = 8
	ids := make([]int64, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			session, _, err := f.engine.EnsureSession(ctx, "survey", participant)
			if err != nil {
				t.Errorf("EnsureSession failed: %v", err)
				return
			}
			ids[i] = session.ID
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("expected one session, got ids %v", ids)
		}
	}
	if n := len(f.sender.Sent()); n != 2 {
		t.Errorf("expected a single dispatch of the start steps, got %d messages", n)
	}
}

func TestHandleResponseRejectsForeignChoice(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	session, _, _ := f.engine.EnsureSession(ctx, "survey", participant)
	prompt := f.sender.Sent()[1]

	after, err := f.engine.HandleResponse(ctx, session, listReply("opt_9", "Opción 9"))
	if err != nil {
		t.Fatalf("HandleResponse failed: %v", err)
	}
	if after.StepIndex != session.StepIndex || !after.Active {
		t.Errorf("session moved on a foreign reply: index %d active %v", after.StepIndex, after.Active)
	}
	if _, ok := after.Context.Answers["choice"]; ok {
		t.Error("foreign reply was recorded")
	}
	sent := f.sender.Sent()
	if len(sent) != 3 {
		t.Fatalf("expected the prompt to be re-sent once, got %d messages", len(sent))
	}
	if !reflect.DeepEqual(sent[2], prompt) {
		t.Errorf("re-sent prompt differs:\n got %+v\nwant %+v", sent[2], prompt)
	}
}

func TestHandleResponseRecordsAndBranches(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	session, _, _ := f.engine.EnsureSession(ctx, "survey", participant)

	after, err := f.engine.HandleResponse(ctx, session, listReply("opt_2", "Opción 2"))
	if err != nil {
		t.Fatalf("HandleResponse failed: %v", err)
	}
	answer, ok := after.Context.Answers["choice"]
	if !ok {
		t.Fatal("answer not recorded")
	}
	want := models.Answer{Value: "opt_2", Display: "Opción 2", ReceivedAt: "2026-10-14T09:31:00+00:00", StepID: "pick"}
	if answer != want {
		t.Errorf("recorded %+v, want %+v", answer, want)
	}
	if after.Context.CurrentStep != "confirm" || after.StepIndex != 3 {
		t.Errorf("expected branch to confirm, got %q index %d", after.Context.CurrentStep, after.StepIndex)
	}
	sent := f.sender.Sent()
	if last := sent[len(sent)-1]; last.Kind != whatsapp.SentButtons || last.Body != "¿Seguro?" {
		t.Errorf("unexpected dispatch after branch: %+v", last)
	}

	stored, err := f.store.ActiveSession(participant, "survey")
	if err != nil || stored == nil {
		t.Fatalf("ActiveSession failed: %v", err)
	}
	if stored.Context.Answers["choice"] != want {
		t.Errorf("stored answer %+v, want %+v", stored.Context.Answers["choice"], want)
	}

	logs, err := f.store.AnswersFor(participant)
	if err != nil || len(logs) != 1 {
		t.Fatalf("expected one answer log, got %d err=%v", len(logs), err)
	}
	if logs[0].Answer != "choice:Opción 2 [2026-10-14T09:31:00+00:00]" {
		t.Errorf("unexpected answer log %q", logs[0].Answer)
	}
}

func TestHandleResponseCompletesFlow(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	session, _, _ := f.engine.EnsureSession(ctx, "survey", participant, WithVariables(map[string]string{"name": "Ana"}))
	session, _ = f.engine.HandleResponse(ctx, session, listReply("opt_2", "Opción 2"))

	done, err := f.engine.HandleResponse(ctx, session, models.FlowResponse{Value: "yes", Display: "Sí", Kind: models.ResponseKindButton})
	if err != nil {
		t.Fatalf("HandleResponse failed: %v", err)
	}
	if done.Active || !done.Completed() {
		t.Errorf("expected completed session, got active=%v completed=%v", done.Active, done.Completed())
	}
	if got := done.Context.Answers["ok"].ReceivedAt; got != "2026-10-14T09:30:00+00:00" {
		t.Errorf("expected clock timestamp for reply without one, got %q", got)
	}
	sent := f.sender.Sent()
	if last := sent[len(sent)-1]; last.Body != "Gracias Ana" {
		t.Errorf("unexpected closing message %q", last.Body)
	}
	active, _ := f.engine.ActiveSession("survey", participant)
	if active != nil {
		t.Errorf("expected no active session, got %+v", active)
	}
	latest, _ := f.engine.LatestSession("survey", participant)
	if latest == nil || latest.ID != done.ID {
		t.Errorf("LatestSession = %+v", latest)
	}

	if _, err := f.engine.HandleResponse(ctx, done, listReply("opt_1", "")); !errors.Is(err, ErrSessionInactive) {
		t.Errorf("expected ErrSessionInactive, got %v", err)
	}

	again, created, err := f.engine.EnsureSession(ctx, "survey", participant)
	if err != nil || !created || again.ID == done.ID {
		t.Errorf("expected a brand-new session after completion, got id %d created=%v err=%v", again.ID, created, err)
	}
}

func TestHandleResponseTypedChoice(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	session, _, _ := f.engine.EnsureSession(ctx, "survey", participant)

	after, err := f.engine.HandleResponse(ctx, session, models.FlowResponse{Value: "1", Display: "1", Kind: models.ResponseKindText})
	if err != nil {
		t.Fatalf("HandleResponse failed: %v", err)
	}
	got := after.Context.Answers["choice"]
	if got.Value != "opt_1" || got.Display != "Opción 1" {
		t.Errorf("typed ordinal mapped to %+v", got)
	}
	if after.Context.CurrentStep != "free" {
		t.Errorf("expected branch to free, got %q", after.Context.CurrentStep)
	}
}

func TestEnsureSessionResumesFromOverrides(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	overrides := ContextOverrides{
		Answers:     map[string]models.Answer{"choice": {Value: "opt_1", StepID: "pick"}},
		CurrentStep: "pick",
	}
	session, created, err := f.engine.EnsureSession(ctx, "survey", participant,
		WithContextOverrides(overrides), WithInitialStepIndex(1))
	if err != nil || !created {
		t.Fatalf("EnsureSession failed: created=%v err=%v", created, err)
	}
	sent := f.sender.Sent()
	if len(sent) != 1 || sent[0].Body != "Cuéntanos más" {
		t.Fatalf("expected only the first unanswered prompt, got %+v", sent)
	}
	if session.Context.CurrentStep != "free" || session.Context.Answers["choice"].Value != "opt_1" {
		t.Errorf("unexpected resumed context: %+v", session.Context)
	}
}

func TestEnsureSessionFullyAnsweredCompletesWithoutDispatch(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	overrides := ContextOverrides{Answers: map[string]models.Answer{
		"choice":  {Value: "opt_2"},
		"comment": {Value: "bien"},
		"ok":      {Value: "yes"},
	}}
	session, created, err := f.engine.EnsureSession(ctx, "survey", participant, WithContextOverrides(overrides))
	if err != nil || !created {
		t.Fatalf("EnsureSession failed: created=%v err=%v", created, err)
	}
	if session.Active || !session.Completed() {
		t.Errorf("expected terminal session, got active=%v", session.Active)
	}
	if n := len(f.sender.Sent()); n != 0 {
		t.Errorf("expected no dispatch, got %d messages", n)
	}
	if session.Context.CurrentStep != "confirm" || session.StepIndex != 3 {
		t.Errorf("expected cursor on last answered step, got %q index %d", session.Context.CurrentStep, session.StepIndex)
	}
}

func TestEnsureSessionStartFromStep(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	if _, _, err := f.engine.EnsureSession(ctx, "survey", participant, StartFromStep("nope")); !errors.Is(err, ErrUnknownStep) {
		t.Fatalf("expected ErrUnknownStep, got %v", err)
	}
	session, _, err := f.engine.EnsureSession(ctx, "survey", participant, StartFromStep("confirm"))
	if err != nil {
		t.Fatalf("EnsureSession failed: %v", err)
	}
	if session.Context.CurrentStep != "confirm" || len(f.sender.Sent()) != 1 {
		t.Errorf("expected to start at confirm with one dispatch, got %q and %d messages", session.Context.CurrentStep, len(f.sender.Sent()))
	}
	if _, _, err := f.engine.EnsureSession(ctx, "unknown", participant); !errors.Is(err, ErrUnknownFlow) {
		t.Errorf("expected ErrUnknownFlow, got %v", err)
	}
}

func TestRecorderFailuresDoNotAbort(t *testing.T) {
	recorders := map[string]AnswerRecorder{
		"error": AnswerRecorderFunc(func(context.Context, models.FlowSession, *Step, models.FlowResponse, models.Answer) error {
			return errors.New("backend down")
		}),
		"panic": AnswerRecorderFunc(func(context.Context, models.FlowSession, *Step, models.FlowResponse, models.Answer) error {
			panic("boom")
		}),
	}
	for name, recorder := range recorders {
		t.Run(name, func(t *testing.T) {
			f := newEngineFixture(t, WithAnswerRecorder(recorder))
			ctx := context.Background()
			session, _, _ := f.engine.EnsureSession(ctx, "survey", participant)
			after, err := f.engine.HandleResponse(ctx, session, listReply("opt_2", "Opción 2"))
			if err != nil {
				t.Fatalf("HandleResponse failed: %v", err)
			}
			if after.Context.CurrentStep != "confirm" {
				t.Errorf("flow did not advance, at %q", after.Context.CurrentStep)
			}
		})
	}
}

func TestRecorderSeesNewAnswer(t *testing.T) {
	var seen models.FlowSession
	var seenStep string
	f := newEngineFixture(t)
	f.engine.SetAnswerRecorder(AnswerRecorderFunc(func(_ context.Context, s models.FlowSession, step *Step, _ models.FlowResponse, _ models.Answer) error {
		seen = s
		seenStep = step.ID
		return nil
	}))
	ctx := context.Background()
	session, _, _ := f.engine.EnsureSession(ctx, "survey", participant)
	if _, err := f.engine.HandleResponse(ctx, session, listReply("opt_3", "Opción 3")); err != nil {
		t.Fatalf("HandleResponse failed: %v", err)
	}
	if seenStep != "pick" || seen.Context.Answers["choice"].Value != "opt_3" {
		t.Errorf("recorder saw step %q answers %+v", seenStep, seen.Context.Answers)
	}
}

func TestDispatchFailureKeepsProgress(t *testing.T) {
	f := newEngineFixture(t)
	f.sender.FailWith(errors.New("network down"))
	ctx := context.Background()

	session, created, err := f.engine.EnsureSession(ctx, "survey", participant)
	if err != nil || !created {
		t.Fatalf("EnsureSession failed: %v", err)
	}
	stored, _ := f.store.ActiveSession(participant, "survey")
	if stored == nil || stored.Context.CurrentStep != "pick" || stored.ID != session.ID {
		t.Errorf("expected persisted progress despite failed dispatch, got %+v", stored)
	}
}

func TestMissingVariableLeavesTemplate(t *testing.T) {
	f := newEngineFixture(t)
	if _, _, err := f.engine.EnsureSession(context.Background(), "survey", participant); err != nil {
		t.Fatalf("EnsureSession failed: %v", err)
	}
	if got := f.sender.Sent()[0].Body; got != "Hola {name}" {
		t.Errorf("expected unrendered template, got %q", got)
	}
}

func TestSessionBookkeeping(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	session, _, _ := f.engine.EnsureSession(ctx, "survey", participant)

	updated, err := f.engine.UpdateVariables(session, map[string]string{"questionnaire_id": "12"})
	if err != nil {
		t.Fatalf("UpdateVariables failed: %v", err)
	}
	if updated.Context.Variables["questionnaire_id"] != "12" {
		t.Errorf("variables not merged: %v", updated.Context.Variables)
	}
	if session.Context.Variables["questionnaire_id"] != "" {
		t.Error("UpdateVariables mutated the caller's context")
	}

	active, err := f.engine.ListActiveSessions(participant)
	if err != nil || len(active) != 1 {
		t.Fatalf("ListActiveSessions = %d sessions, err=%v", len(active), err)
	}
	if err := f.engine.Deactivate("survey", participant); err != nil {
		t.Fatalf("Deactivate failed: %v", err)
	}
	active, _ = f.engine.ListActiveSessions(participant)
	if len(active) != 0 {
		t.Errorf("expected no active sessions after Deactivate, got %d", len(active))
	}
}

func TestEngineLookups(t *testing.T) {
	f := newEngineFixture(t)
	steps, err := f.engine.Steps("survey")
	if err != nil || len(steps) != 5 {
		t.Fatalf("Steps = %d, err=%v", len(steps), err)
	}
	if ok, err := f.engine.Accepts("survey", "confirm", "no"); err != nil || !ok {
		t.Errorf("Accepts(confirm, no) = %v, %v", ok, err)
	}
	if _, err := f.engine.Step("survey", "missing"); !errors.Is(err, ErrUnknownStep) {
		t.Errorf("expected ErrUnknownStep, got %v", err)
	}
	next, err := f.engine.FirstUnansweredStep("survey", map[string]models.Answer{"choice": {Value: "opt_1"}})
	if err != nil || next != "free" {
		t.Errorf("FirstUnansweredStep = %q, %v", next, err)
	}
	id, idx, err := f.engine.LastAnsweredStep("survey", map[string]models.Answer{"comment": {Value: "x"}})
	if err != nil || id != "free" || idx != 2 {
		t.Errorf("LastAnsweredStep = %q, %d, %v", id, idx, err)
	}
	if _, ok := f.engine.Definition("survey"); !ok {
		t.Error("Definition(survey) missing")
	}
}

func TestAdvanceStopsRunawayCascade(t *testing.T) {
	def := &Definition{
		Name:  "loop",
		Order: []string{"a", "b"},
		steps: map[string]*Step{
			"a": {ID: "a", Kind: KindText, Message: "a", Next: StaticNext{StepID: "b"}},
			"b": {ID: "b", Kind: KindText, Message: "b", Next: StaticNext{StepID: "a"}},
		},
	}
	st := store.NewInMemoryStore()
	sender := whatsapp.NewMockClient()
	e := NewEngine(map[string]*Definition{def.Name: def}, st, st, sender)

	_, _, err := e.EnsureSession(context.Background(), "loop", participant)
	if !errors.Is(err, ErrCascadeLoop) {
		t.Fatalf("expected ErrCascadeLoop, got %v", err)
	}
	if n := len(sender.Sent()); n > len(def.Order)+1 {
		t.Errorf("expected the cascade to stop after the flow length, sent %d messages", n)
	}
}

func TestFormatTimestamp(t *testing.T) {
	loc := time.FixedZone("CST", -6*3600)
	got := FormatTimestamp(time.Date(2026, 10, 14, 3, 30, 15, 999, loc))
	if got != "2026-10-14T09:30:15+00:00" {
		t.Errorf("FormatTimestamp = %q", got)
	}
	if !strings.HasSuffix(got, "+00:00") {
		t.Error("expected explicit UTC offset")
	}
}
