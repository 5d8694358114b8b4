package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/naookko/EmotiTrack/internal/models"
)

// QuestionnairePatch is one PatchQuestionnaireAnswers call captured by MockBackend.
type QuestionnairePatch struct {
	WaID            string
	QuestionnaireID string
	Updates         map[string]any
}

// MockBackend is an in-memory Backend for tests. Errors set on the exported fields are
// returned by the matching operation.
type MockBackend struct {
	mu             sync.Mutex
	participants   map[string]models.Participant
	questionnaires map[string]models.Questionnaire

	Now func() time.Time

	GetErr    error
	CreateErr error
	PatchErr  error
	LatestErr error
	AnswerErr error

	Created            []string
	ParticipantPatches []models.ParticipantFields
	AnswerPatches      []QuestionnairePatch
}

// NewMockBackend returns an empty MockBackend.
func NewMockBackend() *MockBackend {
	return &MockBackend{
		participants:   make(map[string]models.Participant),
		questionnaires: make(map[string]models.Questionnaire),
		Now:            func() time.Time { return time.Now().UTC() },
	}
}

// PutParticipant stores a participant record.
func (m *MockBackend) PutParticipant(p models.Participant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.participants[p.WaID] = p
}

// Participant returns the stored record of waID.
func (m *MockBackend) Participant(waID string) (models.Participant, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[waID]
	return p, ok
}

// PutQuestionnaire sets the latest questionnaire of waID.
func (m *MockBackend) PutQuestionnaire(waID string, q models.Questionnaire) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q.Answers == nil {
		q.Answers = make(map[string]models.Answer)
	}
	m.questionnaires[waID] = q
}

// Questionnaire returns a copy of the latest questionnaire of waID.
func (m *MockBackend) Questionnaire(waID string) (models.Questionnaire, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.questionnaires[waID]
	if !ok {
		return q, false
	}
	return copyQuestionnaire(q), true
}

// Patches returns the recorded questionnaire patches.
func (m *MockBackend) Patches() []QuestionnairePatch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]QuestionnairePatch(nil), m.AnswerPatches...)
}

// CreatedCount returns how many participants were created.
func (m *MockBackend) CreatedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Created)
}

func (m *MockBackend) GetParticipant(ctx context.Context, waID string) (*models.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	p, ok := m.participants[waID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *MockBackend) CreateParticipant(ctx context.Context, waID string) (*models.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateErr != nil {
		return nil, m.CreateErr
	}
	p := models.Participant{WaID: waID}
	m.participants[waID] = p
	m.Created = append(m.Created, waID)
	return &p, nil
}

func (m *MockBackend) PatchParticipantFields(ctx context.Context, waID string, fields models.ParticipantFields) (*models.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PatchErr != nil {
		return nil, m.PatchErr
	}
	p := m.participants[waID]
	p.WaID = waID
	if fields.ConsentAccepted != nil {
		p.ConsentAccepted = *fields.ConsentAccepted
	}
	if fields.Age != nil {
		age := *fields.Age
		p.Age = &age
	}
	if fields.Semester != nil {
		p.Semester = *fields.Semester
	}
	if fields.Career != nil {
		p.Career = *fields.Career
	}
	m.participants[waID] = p
	m.ParticipantPatches = append(m.ParticipantPatches, fields)
	return &p, nil
}

func (m *MockBackend) LatestQuestionnaire(ctx context.Context, waID string) (*models.Questionnaire, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.LatestErr != nil {
		return nil, m.LatestErr
	}
	q, ok := m.questionnaires[waID]
	if !ok {
		return nil, nil
	}
	c := copyQuestionnaire(q)
	return &c, nil
}

// PatchQuestionnaireAnswers applies updates: nil removes an answer, a map with a "value" key
// or a scalar stores one.
func (m *MockBackend) PatchQuestionnaireAnswers(ctx context.Context, waID, questionnaireID string, updates map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AnswerErr != nil {
		return m.AnswerErr
	}
	q, ok := m.questionnaires[waID]
	if !ok || q.ID != questionnaireID {
		return fmt.Errorf("%w: questionnaire %s of %s not found", ErrHTTPStatus, questionnaireID, waID)
	}
	q = copyQuestionnaire(q)
	for key, raw := range updates {
		switch v := raw.(type) {
		case nil:
			delete(q.Answers, key)
		case map[string]any:
			q.Answers[key] = models.Answer{
				Value:      fmt.Sprint(v["value"]),
				Display:    stringOf(v["display"]),
				ReceivedAt: stringOf(v["received_at"]),
				StepID:     stringOf(v["step_id"]),
			}
		default:
			q.Answers[key] = models.Answer{Value: fmt.Sprint(v)}
		}
	}
	q.UpdatedAt = m.Now()
	m.questionnaires[waID] = q
	m.AnswerPatches = append(m.AnswerPatches, QuestionnairePatch{WaID: waID, QuestionnaireID: questionnaireID, Updates: updates})
	return nil
}

func stringOf(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func copyQuestionnaire(q models.Questionnaire) models.Questionnaire {
	answers := make(map[string]models.Answer, len(q.Answers))
	for k, v := range q.Answers {
		answers[k] = v
	}
	q.Answers = answers
	return q
}

var _ Backend = (*MockBackend)(nil)
