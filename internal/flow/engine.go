package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/naookko/EmotiTrack/internal/models"
	"github.com/naookko/EmotiTrack/internal/store"
)

// Engine errors.
var (
	// ErrUnknownFlow is returned for a flow name with no loaded definition.
	ErrUnknownFlow = errors.New("unknown flow")
	// ErrUnknownStep is returned for a step id the flow does not define.
	ErrUnknownStep = errors.New("unknown step")
	// ErrSessionInactive is returned when a reply is applied to a session that no longer runs.
	ErrSessionInactive = errors.New("session is not active")
	// ErrCascadeLoop is returned when steps without responses keep cascading past the flow's length.
	ErrCascadeLoop = errors.New("flow cascades without end")
)

// DefaultSendTimeout bounds every outbound dispatch.
const DefaultSendTimeout = 15 * time.Second

// Sender delivers step messages to a participant.
type Sender interface {
	SendText(ctx context.Context, to, body string) error
	SendButtons(ctx context.Context, to string, msg models.ButtonMessage) error
	SendList(ctx context.Context, to string, msg models.ListMessage) error
}

// AnswerLogger appends accepted answers to the audit log.
type AnswerLogger interface {
	SaveAnswer(answer models.AnswerLog) error
}

// AnswerRecorder propagates an accepted answer to an external system. The session carries
// the context including the new answer. Errors are logged and never stop the flow.
type AnswerRecorder interface {
	RecordAnswer(ctx context.Context, session models.FlowSession, step *Step, response models.FlowResponse, answer models.Answer) error
}

// AnswerRecorderFunc adapts a function to AnswerRecorder.
type AnswerRecorderFunc func(ctx context.Context, session models.FlowSession, step *Step, response models.FlowResponse, answer models.Answer) error

// RecordAnswer calls f.
func (f AnswerRecorderFunc) RecordAnswer(ctx context.Context, session models.FlowSession, step *Step, response models.FlowResponse, answer models.Answer) error {
	return f(ctx, session, step, response, answer)
}

// Opts holds configuration for an Engine.
type Opts struct {
	Recorder    AnswerRecorder
	Clock       func() time.Time
	SendTimeout time.Duration
}

// Option configures an Engine.
type Option func(*Opts)

// WithAnswerRecorder installs the callback invoked for every recorded answer.
func WithAnswerRecorder(r AnswerRecorder) Option {
	return func(o *Opts) {
		o.Recorder = r
	}
}

// WithClock overrides the time source used for answer timestamps.
func WithClock(clock func() time.Time) Option {
	return func(o *Opts) {
		o.Clock = clock
	}
}

// WithSendTimeout sets the per-dispatch timeout.
func WithSendTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.SendTimeout = d
	}
}

// Engine steps participants through loaded flows, persisting every transition in the
// session store and dispatching step messages through the sender.
type Engine struct {
	defs     map[string]*Definition
	sessions store.SessionStore
	answers  AnswerLogger
	sender   Sender
	opts     Opts
}

// NewEngine creates an Engine over immutable flow definitions.
func NewEngine(defs map[string]*Definition, sessions store.SessionStore, answers AnswerLogger, sender Sender, opts ...Option) *Engine {
	cfg := Opts{
		Clock:       func() time.Time { return time.Now().UTC() },
		SendTimeout: DefaultSendTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewEngine created", "flows", len(defs), "recorder", cfg.Recorder != nil, "sendTimeout", cfg.SendTimeout)
	return &Engine{defs: defs, sessions: sessions, answers: answers, sender: sender, opts: cfg}
}

// SetAnswerRecorder replaces the answer recorder. It must be called before the engine serves traffic.
func (e *Engine) SetAnswerRecorder(r AnswerRecorder) {
	e.opts.Recorder = r
}

// ContextOverrides seeds a new session's context. Nil answers leave the answer map empty;
// variables are merged over the initial variables.
type ContextOverrides struct {
	Answers     map[string]models.Answer
	Variables   map[string]string
	CurrentStep string
}

type sessionOpts struct {
	variables map[string]string
	overrides *ContextOverrides
	startStep string
	stepIndex *int
}

// SessionOption configures EnsureSession.
type SessionOption func(*sessionOpts)

// WithVariables sets the initial template variables of a new session.
func WithVariables(vars map[string]string) SessionOption {
	return func(o *sessionOpts) {
		o.variables = vars
	}
}

// WithContextOverrides seeds a new session's context, enabling mid-flow resumption.
func WithContextOverrides(overrides ContextOverrides) SessionOption {
	return func(o *sessionOpts) {
		o.overrides = &overrides
	}
}

// StartFromStep makes a new session begin at stepID instead of the first step.
func StartFromStep(stepID string) SessionOption {
	return func(o *sessionOpts) {
		o.startStep = stepID
	}
}

// WithInitialStepIndex sets the step index a new session is created with.
func WithInitialStepIndex(idx int) SessionOption {
	return func(o *sessionOpts) {
		o.stepIndex = &idx
	}
}

// Definition returns the loaded flow with the given name.
func (e *Engine) Definition(flowName string) (*Definition, bool) {
	def, ok := e.defs[flowName]
	return def, ok
}

func (e *Engine) definition(flowName string) (*Definition, error) {
	def, ok := e.defs[flowName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFlow, flowName)
	}
	return def, nil
}

// Steps returns the ordered steps of a flow.
func (e *Engine) Steps(flowName string) ([]*Step, error) {
	def, err := e.definition(flowName)
	if err != nil {
		return nil, err
	}
	return def.Steps(), nil
}

// Step returns a single step of a flow.
func (e *Engine) Step(flowName, stepID string) (*Step, error) {
	def, err := e.definition(flowName)
	if err != nil {
		return nil, err
	}
	step, ok := def.Step(stepID)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownStep, flowName, stepID)
	}
	return step, nil
}

// Accepts reports whether value is an allowed reply for the step of a flow.
func (e *Engine) Accepts(flowName, stepID, value string) (bool, error) {
	step, err := e.Step(flowName, stepID)
	if err != nil {
		return false, err
	}
	return step.Accepts(value), nil
}

// FirstUnansweredStep returns the first step of the flow still missing an answer, or "".
func (e *Engine) FirstUnansweredStep(flowName string, answers map[string]models.Answer) (string, error) {
	def, err := e.definition(flowName)
	if err != nil {
		return "", err
	}
	return def.FirstUnanswered(answers), nil
}

// LastAnsweredStep returns the last answered step of the flow and its index, or ("", -1).
func (e *Engine) LastAnsweredStep(flowName string, answers map[string]models.Answer) (string, int, error) {
	def, err := e.definition(flowName)
	if err != nil {
		return "", -1, err
	}
	id, idx := def.LastAnswered(answers)
	return id, idx, nil
}

// EnsureSession returns the participant's active session for the flow, or creates one and
// advances it to its start step. The boolean reports whether a new session was created.
// An existing session is returned untouched and nothing is dispatched.
func (e *Engine) EnsureSession(ctx context.Context, flowName, participantID string, opts ...SessionOption) (models.FlowSession, bool, error) {
	def, err := e.definition(flowName)
	if err != nil {
		return models.FlowSession{}, false, err
	}
	existing, err := e.sessions.ActiveSession(participantID, flowName)
	if err != nil {
		return models.FlowSession{}, false, fmt.Errorf("failed to look up active %s session: %w", flowName, err)
	}
	if existing != nil {
		slog.Debug("Engine.EnsureSession: reusing active session", "participantID", participantID, "flow", flowName, "sessionID", existing.ID)
		return *existing, false, nil
	}

	var so sessionOpts
	for _, opt := range opts {
		opt(&so)
	}

	sc := models.NewSessionContext()
	for k, v := range so.variables {
		sc.Variables[k] = v
	}
	if so.overrides != nil {
		for k, v := range so.overrides.Answers {
			sc.Answers[k] = v
		}
		for k, v := range so.overrides.Variables {
			sc.Variables[k] = v
		}
		sc.CurrentStep = so.overrides.CurrentStep
	}

	startStep := so.startStep
	completeNow := false
	switch {
	case startStep != "":
		if _, ok := def.Step(startStep); !ok {
			return models.FlowSession{}, false, fmt.Errorf("%w: %s/%s", ErrUnknownStep, flowName, startStep)
		}
	case so.overrides != nil && len(so.overrides.Answers) > 0:
		startStep = def.FirstUnanswered(sc.Answers)
		completeNow = startStep == ""
	default:
		startStep = def.FirstStep()
	}

	stepIndex := 0
	if so.stepIndex != nil {
		stepIndex = *so.stepIndex
	}
	if completeNow {
		lastID, lastIdx := def.LastAnswered(sc.Answers)
		if so.stepIndex == nil && lastIdx >= 0 {
			stepIndex = lastIdx
		}
		if sc.CurrentStep == "" {
			sc.CurrentStep = lastID
		}
	}

	session, created, err := e.sessions.CreateSession(participantID, flowName, sc, stepIndex)
	if err != nil {
		return models.FlowSession{}, false, fmt.Errorf("failed to create %s session: %w", flowName, err)
	}
	if !created {
		slog.Debug("Engine.EnsureSession: concurrent session won creation", "participantID", participantID, "flow", flowName, "sessionID", session.ID)
		return *session, false, nil
	}
	slog.Info("Engine.EnsureSession: session created", "participantID", participantID, "flow", flowName, "sessionID", session.ID, "startStep", startStep, "complete", completeNow)

	if completeNow {
		done, err := e.sessions.SaveProgress(*session, true)
		if err != nil {
			return *session, true, fmt.Errorf("failed to complete resumed %s session: %w", flowName, err)
		}
		return *done, true, nil
	}
	advanced, err := e.advance(ctx, def, *session, startStep)
	return advanced, true, err
}

// HandleResponse applies a reply to the step the session is waiting on and advances the flow.
// A value outside the step's closed choice set re-sends the current prompt and leaves the
// session where it is.
func (e *Engine) HandleResponse(ctx context.Context, session models.FlowSession, response models.FlowResponse) (models.FlowSession, error) {
	def, err := e.definition(session.FlowName)
	if err != nil {
		return session, err
	}
	if !session.Active || session.Completed() {
		return session, fmt.Errorf("%w: session %d", ErrSessionInactive, session.ID)
	}
	step, err := e.currentStep(def, session)
	if err != nil {
		return session, err
	}

	if response.Kind == models.ResponseKindText && !step.Accepts(response.Value) {
		if choice, ok := step.MatchChoice(response.Value); ok {
			slog.Debug("Engine.HandleResponse: typed reply matched choice", "participantID", session.ParticipantID, "step", step.ID, "text", response.Value, "choice", choice.ID)
			response.Value = choice.ID
			response.Display = choice.Title
		}
	}
	if !step.Accepts(response.Value) {
		slog.Warn("Engine.HandleResponse: unexpected reply, re-sending prompt",
			"participantID", session.ParticipantID, "flow", session.FlowName, "step", step.ID, "value", response.Value)
		if session.Context.CurrentStep != step.ID || session.Context.Expected == nil || session.Context.Expected.StepID != step.ID {
			sc := session.Context.Clone()
			sc.CurrentStep = step.ID
			sc.Expected = step.expected()
			next := session
			next.Context = sc
			saved, err := e.sessions.SaveProgress(next, false)
			if err != nil {
				return session, fmt.Errorf("failed to save re-prompt state: %w", err)
			}
			session = *saved
		}
		e.dispatch(ctx, session.ParticipantID, step, session.Context.Variables)
		return session, nil
	}

	sc := session.Context.Clone()
	if step.AnswerKey != "" {
		answer := models.Answer{
			Value:      response.Value,
			Display:    response.Display,
			ReceivedAt: response.ReceivedAt,
			StepID:     step.ID,
		}
		if answer.ReceivedAt == "" {
			answer.ReceivedAt = FormatTimestamp(e.opts.Clock())
		}
		sc.Answers[step.AnswerKey] = answer
		e.logAnswer(session.ParticipantID, step.AnswerKey, answer, response)
		recorded := session
		recorded.Context = sc.Clone()
		e.record(ctx, recorded, step, response, answer)
	}
	sc.CurrentStep = step.ID
	sc.Expected = nil

	session.Context = sc
	if idx := def.IndexOf(step.ID); idx >= 0 {
		session.StepIndex = idx
	}
	next := def.Resolve(step, response.Value)
	if next == "" {
		done, err := e.sessions.SaveProgress(session, true)
		if err != nil {
			return session, fmt.Errorf("failed to complete session %d: %w", session.ID, err)
		}
		slog.Info("Engine.HandleResponse: flow completed", "participantID", session.ParticipantID, "flow", session.FlowName, "sessionID", session.ID)
		return *done, nil
	}
	slog.Debug("Engine.HandleResponse: advancing", "participantID", session.ParticipantID, "flow", session.FlowName, "from", step.ID, "to", next)
	return e.advance(ctx, def, session, next)
}

// currentStep determines the step a session is waiting on.
func (e *Engine) currentStep(def *Definition, session models.FlowSession) (*Step, error) {
	stepID := ""
	if session.Context.Expected != nil {
		stepID = session.Context.Expected.StepID
	}
	if stepID == "" {
		stepID = session.Context.CurrentStep
	}
	if stepID == "" {
		if session.StepIndex >= 0 && session.StepIndex < len(def.Order) {
			stepID = def.Order[session.StepIndex]
		} else {
			stepID = def.FirstStep()
		}
	}
	step, ok := def.Step(stepID)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownStep, def.Name, stepID)
	}
	return step, nil
}

// advance moves the session onto stepID and cascades through steps that expect no reply.
// Each step is persisted before its message is dispatched.
func (e *Engine) advance(ctx context.Context, def *Definition, session models.FlowSession, stepID string) (models.FlowSession, error) {
	cursor := stepID
	for hops := 0; cursor != ""; hops++ {
		if hops > len(def.Order) {
			return session, fmt.Errorf("%w: %s at %s", ErrCascadeLoop, def.Name, cursor)
		}
		step, ok := def.Step(cursor)
		if !ok {
			return session, fmt.Errorf("%w: %s/%s", ErrUnknownStep, def.Name, cursor)
		}
		next := ""
		if !step.ExpectsResponse {
			next = def.cascade(step)
		}
		terminal := step.End || (!step.ExpectsResponse && next == "")

		sc := session.Context.Clone()
		sc.CurrentStep = step.ID
		if step.ExpectsResponse && !step.End {
			sc.Expected = step.expected()
		} else {
			sc.Expected = nil
		}
		pending := session
		pending.Context = sc
		pending.StepIndex = def.IndexOf(step.ID)
		saved, err := e.sessions.SaveProgress(pending, terminal)
		if err != nil {
			slog.Error("Engine.advance: failed to save progress", "error", err, "participantID", session.ParticipantID, "flow", def.Name, "step", step.ID)
			return session, fmt.Errorf("failed to save progress at %s: %w", step.ID, err)
		}
		session = *saved
		e.dispatch(ctx, session.ParticipantID, step, session.Context.Variables)

		if terminal {
			slog.Info("Engine.advance: flow completed", "participantID", session.ParticipantID, "flow", def.Name, "step", step.ID)
			break
		}
		if step.ExpectsResponse {
			break
		}
		cursor = next
	}
	return session, nil
}

// dispatch renders and sends a step message. Failures are logged only; the session has
// already been persisted and the next inbound event re-drives the conversation.
func (e *Engine) dispatch(ctx context.Context, to string, step *Step, vars map[string]string) {
	sendCtx, cancel := context.WithTimeout(ctx, e.opts.SendTimeout)
	defer cancel()

	var err error
	switch step.Kind {
	case KindText:
		err = e.sender.SendText(sendCtx, to, Render(step.Message, vars))
	case KindButton:
		err = e.sender.SendButtons(sendCtx, to, buttonMessage(step, vars))
	case KindList:
		err = e.sender.SendList(sendCtx, to, listMessage(step, vars))
	default:
		err = fmt.Errorf("unsupported message kind %q", step.Kind)
	}
	if err != nil {
		slog.Error("Engine.dispatch failed", "error", err, "participantID", to, "step", step.ID, "kind", step.Kind)
		return
	}
	slog.Debug("Engine.dispatch succeeded", "participantID", to, "step", step.ID, "kind", step.Kind)
}

func stepBody(step *Step, vars map[string]string) string {
	if step.Body != "" {
		return Render(step.Body, vars)
	}
	return Render(step.Message, vars)
}

func buttonMessage(step *Step, vars map[string]string) models.ButtonMessage {
	buttons := make([]models.Button, len(step.Buttons))
	for i, b := range step.Buttons {
		buttons[i] = models.Button{ID: b.ID, Title: Render(b.Title, vars)}
	}
	return models.ButtonMessage{
		Header:  Render(step.Header, vars),
		Body:    stepBody(step, vars),
		Footer:  Render(step.Footer, vars),
		Buttons: buttons,
	}
}

func listMessage(step *Step, vars map[string]string) models.ListMessage {
	sections := make([]models.ListSection, len(step.Sections))
	for i, section := range step.Sections {
		rows := make([]models.ListRow, len(section.Rows))
		for j, row := range section.Rows {
			rows[j] = models.ListRow{ID: row.ID, Title: Render(row.Title, vars), Description: Render(row.Description, vars)}
		}
		sections[i] = models.ListSection{Title: Render(section.Title, vars), Rows: rows}
	}
	label := step.ButtonLabel
	if label == "" {
		label = DefaultListButton
	}
	return models.ListMessage{
		Header:      Render(step.Header, vars),
		Body:        stepBody(step, vars),
		Footer:      Render(step.Footer, vars),
		ButtonLabel: Render(label, vars),
		Sections:    sections,
	}
}

func (e *Engine) logAnswer(participantID, key string, answer models.Answer, response models.FlowResponse) {
	if e.answers == nil {
		return
	}
	entry := models.AnswerLog{
		ParticipantID: participantID,
		Answer:        fmt.Sprintf("%s:%s [%s]", key, response.Label(), answer.ReceivedAt),
		CreatedAt:     e.opts.Clock(),
	}
	if err := e.answers.SaveAnswer(entry); err != nil {
		slog.Error("Engine.logAnswer failed", "error", err, "participantID", participantID, "key", key)
	}
}

// record invokes the answer recorder, containing both errors and panics.
func (e *Engine) record(ctx context.Context, session models.FlowSession, step *Step, response models.FlowResponse, answer models.Answer) {
	if e.opts.Recorder == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Engine answer recorder panicked", "panic", r, "participantID", session.ParticipantID, "step", step.ID)
		}
	}()
	if err := e.opts.Recorder.RecordAnswer(ctx, session, step, response, answer); err != nil {
		slog.Error("Engine answer recorder failed", "error", err, "participantID", session.ParticipantID, "step", step.ID)
	}
}

// UpdateVariables merges vars into the session's template variables.
func (e *Engine) UpdateVariables(session models.FlowSession, vars map[string]string) (models.FlowSession, error) {
	sc := session.Context.Clone()
	for k, v := range vars {
		sc.Variables[k] = v
	}
	session.Context = sc
	saved, err := e.sessions.SaveProgress(session, false)
	if err != nil {
		return session, fmt.Errorf("failed to update variables of session %d: %w", session.ID, err)
	}
	return *saved, nil
}

// ActiveSession returns the participant's active session for the flow, or nil.
func (e *Engine) ActiveSession(flowName, participantID string) (*models.FlowSession, error) {
	return e.sessions.ActiveSession(participantID, flowName)
}

// LatestSession returns the participant's most recent session for the flow, or nil.
func (e *Engine) LatestSession(flowName, participantID string) (*models.FlowSession, error) {
	return e.sessions.LatestSession(participantID, flowName)
}

// ListActiveSessions returns every active session of the participant.
func (e *Engine) ListActiveSessions(participantID string) ([]models.FlowSession, error) {
	return e.sessions.ListActiveSessions(participantID)
}

// Deactivate marks the participant's active sessions of the flow inactive.
func (e *Engine) Deactivate(flowName, participantID string) error {
	slog.Info("Engine.Deactivate", "participantID", participantID, "flow", flowName)
	return e.sessions.DeactivateFlow(participantID, flowName)
}

// FormatTimestamp renders t the way answer timestamps are stored: UTC, second precision, with offset.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format("2006-01-02T15:04:05-07:00")
}
