// Package webhook turns WhatsApp webhook deliveries into conversation progress.
//
// Every inbound message and delivery receipt is classified and logged. Message events then
// drive the flow engine: new participants are onboarded, replies are routed to the session
// awaiting them, and a missing session is re-derived from the scoring backend so that a
// questionnaire resumes where it stopped or restarts once its cycle has elapsed.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/naookko/EmotiTrack/internal/backend"
	"github.com/naookko/EmotiTrack/internal/dass"
	"github.com/naookko/EmotiTrack/internal/flow"
	"github.com/naookko/EmotiTrack/internal/models"
	"github.com/naookko/EmotiTrack/internal/store"
)

// Defaults applied to a zero Config.
const (
	DefaultWaID              = "5213325204729"
	DefaultStartFlow         = "start"
	DefaultQuestionnaireFlow = "dass21"
	DefaultFinalFlow         = "final"
	DefaultCycleDuration     = 7 * 24 * time.Hour
	DefaultConcurrency       = 8
)

// Session variables set by the service.
const (
	ParticipantVar   = "wa_id"
	NextCycleDateVar = "next_cycle_date"
)

const nextCycleDateLayout = "2006-01-02"

// ErrInvalidPayload is returned for a delivery body that is not JSON.
var ErrInvalidPayload = errors.New("webhook payload is not valid JSON")

// Config holds the business parameters of the service.
type Config struct {
	DefaultWaID       string           // participant id used when an event carries none
	StartFlow         string           // onboarding flow
	QuestionnaireFlow string           // questionnaire flow
	FinalFlow         string           // closing flow; ignored when not loaded
	CycleDuration     time.Duration    // age after which a completed questionnaire restarts
	Concurrency       int              // participants handled in parallel per delivery
	Clock             func() time.Time // time source for log rows and cycle checks
}

// DefaultConfig returns the production configuration, final flow included.
func DefaultConfig() Config {
	return Config{FinalFlow: DefaultFinalFlow}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.DefaultWaID == "" {
		c.DefaultWaID = DefaultWaID
	}
	if c.StartFlow == "" {
		c.StartFlow = DefaultStartFlow
	}
	if c.QuestionnaireFlow == "" {
		c.QuestionnaireFlow = DefaultQuestionnaireFlow
	}
	if c.CycleDuration <= 0 {
		c.CycleDuration = DefaultCycleDuration
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.Clock == nil {
		c.Clock = func() time.Time { return time.Now().UTC() }
	}
	return c
}

// Opts holds optional collaborators of the service.
type Opts struct {
	Dedup store.DedupRepo
}

// Option configures a Service.
type Option func(*Opts)

// WithDedup drops redelivered messages whose id was already recorded in repo.
func WithDedup(repo store.DedupRepo) Option {
	return func(o *Opts) {
		o.Dedup = repo
	}
}

// Service processes webhook deliveries.
type Service struct {
	logs    store.LogStore
	engine  *flow.Engine
	backend backend.Backend
	cfg     Config
	dedup   store.DedupRepo
	locks   *participantLocks
}

// NewService creates a Service. Zero Config fields take their defaults.
func NewService(logs store.LogStore, engine *flow.Engine, b backend.Backend, cfg Config, opts ...Option) *Service {
	var o Opts
	for _, opt := range opts {
		opt(&o)
	}
	cfg = cfg.withDefaults()
	slog.Debug("webhook.NewService created", "startFlow", cfg.StartFlow, "questionnaireFlow", cfg.QuestionnaireFlow,
		"finalFlow", cfg.FinalFlow, "cycle", cfg.CycleDuration, "dedup", o.Dedup != nil)
	return &Service{
		logs:    logs,
		engine:  engine,
		backend: b,
		cfg:     cfg,
		dedup:   o.Dedup,
		locks:   newParticipantLocks(),
	}
}

// Config returns the effective configuration.
func (s *Service) Config() Config {
	return s.cfg
}

// RecentLogs returns up to limit webhook logs, newest first.
func (s *Service) RecentLogs(limit int) ([]models.WebhookLog, error) {
	return s.logs.RecentWebhookLogs(limit)
}

// inbound is a logged message event waiting for conversation handling.
type inbound struct {
	participantID string
	messageID     string
	item          gjson.Result
}

// ProcessWebhook logs every event of one delivery, message events first, then handles the
// message events. It returns the logged entries. Handling failures are logged, not returned;
// a message whose handling failed is forgotten by dedup so its redelivery is handled again.
// Cancellation of ctx does not interrupt handling.
func (s *Service) ProcessWebhook(ctx context.Context, payload []byte) ([]models.WebhookLog, error) {
	if !gjson.ValidBytes(payload) {
		return nil, ErrInvalidPayload
	}
	// Handling outlives the delivery request: a dropped connection must not abandon a flow.
	ctx = context.WithoutCancel(ctx)
	deliveryID := uuid.NewString()
	events := extractEvents(gjson.ParseBytes(payload))
	slog.Debug("Service.ProcessWebhook", "deliveryID", deliveryID, "events", len(events))

	var logged []models.WebhookLog
	var pending []inbound
	for _, ev := range events {
		participantID := ev.participantID()
		if participantID == "" {
			slog.Warn("Service.ProcessWebhook: event without participant id, using default", "kind", ev.kind, "deliveryID", deliveryID)
			participantID = s.cfg.DefaultWaID
		}
		messageID := ev.messageID()
		if ev.kind == models.EventKindMessage && !s.firstDelivery(messageID, participantID) {
			continue
		}
		entry := models.WebhookLog{
			DeliveryID:    deliveryID,
			ParticipantID: participantID,
			Input:         ev.input(),
			Message:       ev.summary(),
			Status:        ev.tag(),
			Timestamp:     ev.timestamp(),
			CreatedAt:     s.cfg.Clock(),
		}
		if err := s.logs.SaveWebhookLog(entry); err != nil {
			slog.Error("Service.ProcessWebhook: failed to save webhook log", "error", err, "participantID", participantID, "kind", ev.kind)
		} else {
			logged = append(logged, entry)
			slog.Info("Service.ProcessWebhook: event logged", "kind", ev.kind, "participantID", participantID, "status", entry.Status)
		}
		if ev.kind == models.EventKindMessage {
			pending = append(pending, inbound{participantID: participantID, messageID: messageID, item: ev.item})
		}
	}

	s.handleAll(ctx, pending)
	return logged, nil
}

// firstDelivery records the message id and reports whether it was seen for the first time.
// Messages without an id and dedup failures are treated as new.
func (s *Service) firstDelivery(messageID, participantID string) bool {
	if s.dedup == nil || messageID == "" {
		return true
	}
	fresh, err := s.dedup.RecordInbound(messageID, participantID)
	if err != nil {
		slog.Error("Service.firstDelivery: dedup record failed", "error", err, "messageID", messageID)
		return true
	}
	if !fresh {
		slog.Info("Service.firstDelivery: duplicate message dropped", "messageID", messageID, "participantID", participantID)
	}
	return fresh
}

// handleAll runs message handling concurrently across participants and in order for each one.
func (s *Service) handleAll(ctx context.Context, pending []inbound) {
	if len(pending) == 0 {
		return
	}
	var order []string
	batches := make(map[string][]inbound)
	for _, m := range pending {
		if _, ok := batches[m.participantID]; !ok {
			order = append(order, m.participantID)
		}
		batches[m.participantID] = append(batches[m.participantID], m)
	}

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for _, participantID := range order {
		batch := batches[participantID]
		g.Go(func() error {
			unlock := s.locks.lock(participantID)
			defer unlock()
			for _, m := range batch {
				if err := s.handleMessage(ctx, m.participantID, m.item); err != nil {
					slog.Error("Service.handleAll: message handling failed", "error", err, "participantID", m.participantID, "messageID", m.messageID)
					s.forget(m.messageID)
					continue
				}
				s.markProcessed(m.messageID)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Service) markProcessed(messageID string) {
	if s.dedup == nil || messageID == "" {
		return
	}
	if err := s.dedup.MarkProcessed(messageID); err != nil {
		slog.Error("Service.markProcessed failed", "error", err, "messageID", messageID)
	}
}

func (s *Service) forget(messageID string) {
	if s.dedup == nil || messageID == "" {
		return
	}
	if err := s.dedup.ForgetInbound(messageID); err != nil {
		slog.Error("Service.forget failed", "error", err, "messageID", messageID)
	}
}

// handleMessage applies the business rules to one inbound message. It returns an error only
// when a collaborator failed before the message was fully applied.
func (s *Service) handleMessage(ctx context.Context, participantID string, item gjson.Result) error {
	participant, err := s.backend.GetParticipant(ctx, participantID)
	if err != nil {
		return fmt.Errorf("participant lookup failed: %w", err)
	}
	if participant == nil {
		return s.onboard(ctx, participantID)
	}

	response, ok := ParseResponse(item, s.cfg.Clock())
	if !ok {
		slog.Debug("Service.handleMessage: message carries no reply, dropped", "participantID", participantID, "type", item.Get("type").String())
		return nil
	}

	session, err := s.awaitingSession(participantID)
	if err != nil {
		return fmt.Errorf("session lookup failed: %w", err)
	}
	if session == nil {
		session, err = s.fallback(ctx, *participant, response)
		if err != nil || session == nil {
			return err
		}
	}

	updated, err := s.engine.HandleResponse(ctx, *session, response)
	if err != nil {
		return fmt.Errorf("reply handling failed in %s: %w", session.FlowName, err)
	}
	s.afterProgress(ctx, updated)
	return nil
}

// onboard registers a never-seen participant and opens the onboarding flow. The opening
// message is not treated as a reply.
func (s *Service) onboard(ctx context.Context, participantID string) error {
	if _, err := s.backend.CreateParticipant(ctx, participantID); err != nil {
		return fmt.Errorf("failed to create participant: %w", err)
	}
	slog.Info("Service.onboard: participant registered", "participantID", participantID)
	if _, _, err := s.engine.EnsureSession(ctx, s.cfg.StartFlow, participantID, flow.WithVariables(s.baseVariables(participantID))); err != nil {
		return fmt.Errorf("failed to start onboarding flow %s: %w", s.cfg.StartFlow, err)
	}
	return nil
}

func (s *Service) baseVariables(participantID string) map[string]string {
	return map[string]string{ParticipantVar: participantID}
}

// awaitingSession picks the active session a reply belongs to. Sessions with an expected
// response win, onboarding before questionnaire before any other flow. Without one, an
// active questionnaire session and then an active onboarding session are used.
func (s *Service) awaitingSession(participantID string) (*models.FlowSession, error) {
	active, err := s.engine.ListActiveSessions(participantID)
	if err != nil {
		return nil, err
	}
	find := func(flowName string, awaiting bool) *models.FlowSession {
		for i := range active {
			if flowName != "" && active[i].FlowName != flowName {
				continue
			}
			if awaiting && !active[i].Context.AwaitingReply() {
				continue
			}
			return &active[i]
		}
		return nil
	}
	candidates := []func() *models.FlowSession{
		func() *models.FlowSession { return find(s.cfg.StartFlow, true) },
		func() *models.FlowSession { return find(s.cfg.QuestionnaireFlow, true) },
		func() *models.FlowSession { return find("", true) },
		func() *models.FlowSession { return find(s.cfg.QuestionnaireFlow, false) },
		func() *models.FlowSession { return find(s.cfg.StartFlow, false) },
	}
	for _, candidate := range candidates {
		if session := candidate(); session != nil {
			slog.Debug("Service.awaitingSession: routed", "participantID", participantID, "flow", session.FlowName, "sessionID", session.ID)
			return session, nil
		}
	}
	return nil, nil
}

// fallback re-derives the flow for a participant with no active session. It returns the
// session the reply should be forwarded to, or nil when the prompts just dispatched stand
// alone.
func (s *Service) fallback(ctx context.Context, participant models.Participant, response models.FlowResponse) (*models.FlowSession, error) {
	var (
		session models.FlowSession
		created bool
	)
	if !participant.ConsentAccepted {
		slog.Info("Service.fallback: no consent on record, ensuring onboarding", "participantID", participant.WaID)
		var err error
		session, created, err = s.engine.EnsureSession(ctx, s.cfg.StartFlow, participant.WaID, flow.WithVariables(s.baseVariables(participant.WaID)))
		if err != nil {
			return nil, fmt.Errorf("failed to ensure onboarding: %w", err)
		}
	} else {
		slog.Info("Service.fallback: ensuring questionnaire", "participantID", participant.WaID)
		res, err := s.ensureQuestionnaire(ctx, participant.WaID)
		if err != nil {
			return nil, fmt.Errorf("failed to ensure questionnaire: %w", err)
		}
		if res.session == nil || res.reset {
			return nil, nil
		}
		session, created = *res.session, res.created
	}
	if !created || !s.forwardable(session, response) {
		return nil, nil
	}
	return &session, nil
}

// forwardable reports whether a reply should be applied to a session that was just
// created for it: only a tap on one of the awaited step's choices qualifies.
func (s *Service) forwardable(session models.FlowSession, response models.FlowResponse) bool {
	if !session.Active || session.Context.Expected == nil || response.Kind == models.ResponseKindText {
		return false
	}
	step, err := s.engine.Step(session.FlowName, session.Context.Expected.StepID)
	if err != nil {
		return false
	}
	return len(step.AllowedValues()) > 0 && step.Accepts(response.Value)
}

// resumption is the outcome of ensureQuestionnaire.
type resumption struct {
	session *models.FlowSession
	created bool
	reset   bool
}

// questionnaireState is the recorded progress of the participant's latest questionnaire.
type questionnaireState struct {
	id           string
	answers      map[string]models.Answer
	lastActivity time.Time
	known        bool
}

// latestQuestionnaire reads progress from the backend, falling back to the latest local
// session when the backend holds no questionnaire.
func (s *Service) latestQuestionnaire(ctx context.Context, participantID string) (questionnaireState, error) {
	q, err := s.backend.LatestQuestionnaire(ctx, participantID)
	if err != nil {
		return questionnaireState{}, fmt.Errorf("failed to fetch latest questionnaire: %w", err)
	}
	if q != nil && q.ID != "" {
		return questionnaireState{id: q.ID, answers: q.Answers, lastActivity: q.LastActivity(), known: true}, nil
	}
	slog.Warn("Service.latestQuestionnaire: no questionnaire in backend, using local sessions", "participantID", participantID)
	latest, err := s.engine.LatestSession(s.cfg.QuestionnaireFlow, participantID)
	if err != nil {
		return questionnaireState{}, fmt.Errorf("failed to fetch latest local questionnaire session: %w", err)
	}
	if latest == nil {
		return questionnaireState{}, nil
	}
	last := latest.UpdatedAt
	if latest.CompletedAt != nil {
		last = *latest.CompletedAt
	}
	return questionnaireState{
		id:           latest.Context.Variables[QuestionnaireIDVar],
		answers:      latest.Context.Answers,
		lastActivity: last,
		known:        true,
	}, nil
}

// ensureQuestionnaire starts, resumes or resets the questionnaire from recorded progress.
func (s *Service) ensureQuestionnaire(ctx context.Context, participantID string) (resumption, error) {
	name := s.cfg.QuestionnaireFlow
	state, err := s.latestQuestionnaire(ctx, participantID)
	if err != nil {
		return resumption{}, err
	}
	vars := s.baseVariables(participantID)
	if state.id != "" {
		vars[QuestionnaireIDVar] = state.id
	}
	if !state.known {
		return s.startQuestionnaire(ctx, participantID, vars)
	}

	next, err := s.engine.FirstUnansweredStep(name, state.answers)
	if err != nil {
		return resumption{}, err
	}
	if next == "" {
		elapsed := s.cfg.Clock().Sub(state.lastActivity)
		if elapsed < s.cfg.CycleDuration {
			slog.Info("Service.ensureQuestionnaire: questionnaire complete within cycle", "participantID", participantID, "elapsed", elapsed)
			s.startFinal(ctx, participantID, state.lastActivity)
			return resumption{}, nil
		}
		return s.resetQuestionnaire(ctx, participantID, state, vars)
	}

	lastID, lastIdx, err := s.engine.LastAnsweredStep(name, state.answers)
	if err != nil {
		return resumption{}, err
	}
	if lastIdx < 0 {
		return s.startQuestionnaire(ctx, participantID, vars)
	}
	session, created, err := s.engine.EnsureSession(ctx, name, participantID,
		flow.WithVariables(vars),
		flow.WithContextOverrides(flow.ContextOverrides{Answers: state.answers, CurrentStep: lastID}),
		flow.StartFromStep(next),
		flow.WithInitialStepIndex(max(lastIdx, 0)))
	if err != nil {
		return resumption{}, fmt.Errorf("failed to resume questionnaire at %s: %w", next, err)
	}
	slog.Info("Service.ensureQuestionnaire: questionnaire resumed", "participantID", participantID, "step", next, "created", created)
	return resumption{session: &session, created: created}, nil
}

func (s *Service) startQuestionnaire(ctx context.Context, participantID string, vars map[string]string) (resumption, error) {
	session, created, err := s.engine.EnsureSession(ctx, s.cfg.QuestionnaireFlow, participantID, flow.WithVariables(vars))
	if err != nil {
		return resumption{}, fmt.Errorf("failed to start questionnaire: %w", err)
	}
	slog.Info("Service.startQuestionnaire: questionnaire started", "participantID", participantID, "questionnaireID", vars[QuestionnaireIDVar], "created", created)
	return resumption{session: &session, created: created}, nil
}

// resetQuestionnaire clears a completed questionnaire whose cycle elapsed and restarts it
// from the first step. The reply that triggered the reset is consumed.
func (s *Service) resetQuestionnaire(ctx context.Context, participantID string, state questionnaireState, vars map[string]string) (resumption, error) {
	slog.Info("Service.resetQuestionnaire: cycle elapsed, restarting questionnaire", "participantID", participantID,
		"questionnaireID", state.id, "lastActivity", state.lastActivity)
	if state.id != "" {
		updates := make(map[string]any, len(state.answers))
		for key := range state.answers {
			updates[key] = nil
		}
		if len(updates) > 0 {
			if err := s.backend.PatchQuestionnaireAnswers(ctx, participantID, state.id, updates); err != nil {
				slog.Error("Service.resetQuestionnaire: failed to clear backend answers", "error", err, "participantID", participantID, "questionnaireID", state.id)
			}
		}
	}
	if err := s.engine.Deactivate(s.cfg.QuestionnaireFlow, participantID); err != nil {
		return resumption{}, fmt.Errorf("failed to deactivate questionnaire: %w", err)
	}
	res, err := s.startQuestionnaire(ctx, participantID, vars)
	if err != nil {
		return resumption{}, err
	}
	res.reset = true
	return res, nil
}

// afterProgress runs the hooks of a session that became inactive.
func (s *Service) afterProgress(ctx context.Context, session models.FlowSession) {
	if session.Active {
		return
	}
	switch session.FlowName {
	case s.cfg.StartFlow:
		if session.Context.Answers[ConsentKey].Value != ConsentYes {
			slog.Info("Service.afterProgress: onboarding ended without consent", "participantID", session.ParticipantID)
			return
		}
		if _, err := s.ensureQuestionnaire(ctx, session.ParticipantID); err != nil {
			slog.Error("Service.afterProgress: failed to start questionnaire", "error", err, "participantID", session.ParticipantID)
		}
	case s.cfg.QuestionnaireFlow:
		s.completeQuestionnaire(ctx, session)
	}
}

func (s *Service) completeQuestionnaire(ctx context.Context, session models.FlowSession) {
	scores, err := dass.Score(session.Context.Answers)
	if err != nil {
		slog.Warn("Service.completeQuestionnaire: questionnaire completed without a full score", "error", err, "participantID", session.ParticipantID)
	} else {
		severities := scores.Severities()
		slog.Info("Service.completeQuestionnaire: questionnaire completed", "participantID", session.ParticipantID,
			"depression", scores.Depression, "anxiety", scores.Anxiety, "stress", scores.Stress,
			"depressionSeverity", severities[dass.Depression],
			"anxietySeverity", severities[dass.Anxiety],
			"stressSeverity", severities[dass.Stress])
	}
	s.startFinal(ctx, session.ParticipantID, s.cfg.Clock())
}

// startFinal sends the closing flow announcing the next cycle date.
func (s *Service) startFinal(ctx context.Context, participantID string, completedAt time.Time) {
	if s.cfg.FinalFlow == "" {
		return
	}
	if _, ok := s.engine.Definition(s.cfg.FinalFlow); !ok {
		slog.Debug("Service.startFinal: final flow not loaded", "flow", s.cfg.FinalFlow)
		return
	}
	vars := s.baseVariables(participantID)
	vars[NextCycleDateVar] = NextCycleDate(completedAt, s.cfg.CycleDuration)
	if _, _, err := s.engine.EnsureSession(ctx, s.cfg.FinalFlow, participantID, flow.WithVariables(vars)); err != nil {
		slog.Error("Service.startFinal failed", "error", err, "participantID", participantID, "flow", s.cfg.FinalFlow)
	}
}

// NextCycleDate returns the date the next administration opens.
func NextCycleDate(completedAt time.Time, cycle time.Duration) string {
	return completedAt.Add(cycle).UTC().Format(nextCycleDateLayout)
}
