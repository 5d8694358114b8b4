package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/naookko/EmotiTrack/internal/backend"
	"github.com/naookko/EmotiTrack/internal/flow"
	"github.com/naookko/EmotiTrack/internal/models"
)

// Onboarding answer keys mirrored onto the participant record.
const (
	ConsentKey  = "consent"
	ConsentYes  = "consent_yes"
	AgeKey      = "age"
	SemesterKey = "semester_band"
	CareerKey   = "career"
)

// QuestionnaireIDVar is the session variable naming the backend questionnaire.
const QuestionnaireIDVar = "questionnaire_id"

// AnswerSync propagates accepted answers to the scoring backend. Onboarding answers patch
// the participant record; questionnaire answers patch the questionnaire named by the
// session's questionnaire_id variable.
type AnswerSync struct {
	backend       backend.Backend
	onboarding    string
	questionnaire string
}

// NewAnswerSync creates an AnswerSync for the given onboarding and questionnaire flow names.
func NewAnswerSync(b backend.Backend, onboardingFlow, questionnaireFlow string) *AnswerSync {
	return &AnswerSync{backend: b, onboarding: onboardingFlow, questionnaire: questionnaireFlow}
}

// RecordAnswer implements flow.AnswerRecorder.
func (a *AnswerSync) RecordAnswer(ctx context.Context, session models.FlowSession, step *flow.Step, response models.FlowResponse, answer models.Answer) error {
	if step.AnswerKey == "" {
		return nil
	}
	switch session.FlowName {
	case a.onboarding:
		return a.recordParticipantField(ctx, session, step.AnswerKey, answer)
	case a.questionnaire:
		return a.recordQuestionnaireAnswer(ctx, session, step.AnswerKey, answer)
	}
	return nil
}

func (a *AnswerSync) recordParticipantField(ctx context.Context, session models.FlowSession, key string, answer models.Answer) error {
	var fields models.ParticipantFields
	switch key {
	case ConsentKey:
		consent := answer.Value == ConsentYes
		fields.ConsentAccepted = &consent
	case AgeKey:
		age, err := strconv.Atoi(strings.TrimSpace(answer.Value))
		if err != nil {
			slog.Warn("AnswerSync: invalid age reply", "participantID", session.ParticipantID, "value", answer.Value)
			return nil
		}
		fields.Age = &age
	case SemesterKey:
		semester := displayOrValue(answer)
		fields.Semester = &semester
	case CareerKey:
		career := displayOrValue(answer)
		fields.Career = &career
	default:
		return nil
	}
	if _, err := a.backend.PatchParticipantFields(ctx, session.ParticipantID, fields); err != nil {
		return fmt.Errorf("failed to patch participant %s field %s: %w", session.ParticipantID, key, err)
	}
	slog.Debug("AnswerSync: participant field patched", "participantID", session.ParticipantID, "key", key)
	return nil
}

func (a *AnswerSync) recordQuestionnaireAnswer(ctx context.Context, session models.FlowSession, key string, answer models.Answer) error {
	qid := session.Context.Variables[QuestionnaireIDVar]
	if qid == "" {
		slog.Warn("AnswerSync: session has no questionnaire id, answer kept locally", "participantID", session.ParticipantID, "key", key)
		return nil
	}
	updates := map[string]any{key: AnswerPayload(answer)}
	if err := a.backend.PatchQuestionnaireAnswers(ctx, session.ParticipantID, qid, updates); err != nil {
		return fmt.Errorf("failed to patch questionnaire %s answer %s: %w", qid, key, err)
	}
	slog.Debug("AnswerSync: questionnaire answer patched", "participantID", session.ParticipantID, "questionnaireID", qid, "key", key)
	return nil
}

// AnswerPayload renders an answer the way the backend stores it. Numeric values are sent as numbers.
func AnswerPayload(answer models.Answer) map[string]any {
	var value any = answer.Value
	if n, err := strconv.Atoi(answer.Value); err == nil {
		value = n
	}
	return map[string]any{
		"value":       value,
		"display":     answer.Display,
		"received_at": answer.ReceivedAt,
		"step_id":     answer.StepID,
	}
}

func displayOrValue(answer models.Answer) string {
	if answer.Display != "" {
		return answer.Display
	}
	return answer.Value
}

var _ flow.AnswerRecorder = (*AnswerSync)(nil)
