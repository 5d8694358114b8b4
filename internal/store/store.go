// Package store provides storage backends for EmotiTrack.
//
// It includes an in-memory store plus SQLite and PostgreSQL stores for flow
// sessions, webhook logs and answer logs. Every backend enforces at most one
// active session per (participant, flow) pair with an atomic check-then-create.
package store

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/naookko/EmotiTrack/internal/models"
)

// Sentinel errors returned by session stores.
var (
	// ErrSessionNotFound is returned when updating a session id that does not exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionCompleted is returned when updating a session that already completed.
	ErrSessionCompleted = errors.New("session already completed")
)

// SessionStore persists flow sessions. Lookups return (nil, nil) when nothing matches.
type SessionStore interface {
	// CreateSession atomically creates an active session unless one already exists for
	// (participantID, flowName). It returns the stored session and whether it was created.
	CreateSession(participantID, flowName string, sc models.SessionContext, stepIndex int) (*models.FlowSession, bool, error)
	// ActiveSession returns the most recently updated active session for the flow.
	ActiveSession(participantID, flowName string) (*models.FlowSession, error)
	// LatestSession returns the most recently started session for the flow regardless of state.
	LatestSession(participantID, flowName string) (*models.FlowSession, error)
	// ListActiveSessions returns every active session of the participant, most recently updated first.
	ListActiveSessions(participantID string) ([]models.FlowSession, error)
	// SaveProgress persists step index and context. When complete is true the session is
	// deactivated and stamped with a completion time. Completed sessions are never updated.
	SaveProgress(session models.FlowSession, complete bool) (*models.FlowSession, error)
	// DeactivateFlow marks every active session of the flow inactive without completing it.
	DeactivateFlow(participantID, flowName string) error
	// AllSessions returns every stored session ordered by id.
	AllSessions() ([]models.FlowSession, error)
	// DeleteAllSessions removes every session.
	DeleteAllSessions() error
}

// LogStore persists the append-only webhook and answer logs.
type LogStore interface {
	SaveWebhookLog(log models.WebhookLog) error
	// RecentWebhookLogs returns up to limit logs, newest first.
	RecentWebhookLogs(limit int) ([]models.WebhookLog, error)
	// AllWebhookLogs returns every log, newest first.
	AllWebhookLogs() ([]models.WebhookLog, error)
	// ConversationExists reports whether any webhook log references the participant.
	ConversationExists(participantID string) (bool, error)
	SaveAnswer(answer models.AnswerLog) error
	AnswersFor(participantID string) ([]models.AnswerLog, error)
	AllAnswers() ([]models.AnswerLog, error)
	// DeleteAllLogs removes every webhook log, answer log and dedup record.
	DeleteAllLogs() error
}

// Store combines every persistence concern of the service.
type Store interface {
	SessionStore
	LogStore
	DedupRepo
	Close() error
}

// Compile-time checks that every backend implements Store.
var (
	_ Store = (*InMemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

// InMemoryStore keeps all state in process memory. It is safe for concurrent use.
type InMemoryStore struct {
	mu       sync.Mutex
	sessions map[int64]models.FlowSession
	nextID   int64
	webhooks []models.WebhookLog
	answers  []models.AnswerLog
	dedup    map[string]DedupRecord
	now      func() time.Time
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[int64]models.FlowSession),
		nextID:   1,
		dedup:    make(map[string]DedupRecord),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *InMemoryStore) CreateSession(participantID, flowName string, sc models.SessionContext, stepIndex int) (*models.FlowSession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing := s.activeLocked(participantID, flowName); existing != nil {
		slog.Debug("InMemoryStore CreateSession found active session", "participantID", participantID, "flow", flowName, "sessionID", existing.ID)
		return existing, false, nil
	}
	now := s.now()
	session := models.FlowSession{
		ID:            s.nextID,
		ParticipantID: participantID,
		FlowName:      flowName,
		StepIndex:     stepIndex,
		Active:        true,
		StartedAt:     now,
		UpdatedAt:     now,
		Context:       sc.Clone(),
	}
	s.nextID++
	s.sessions[session.ID] = session
	slog.Debug("InMemoryStore CreateSession succeeded", "participantID", participantID, "flow", flowName, "sessionID", session.ID)
	out := copySession(session)
	return &out, true, nil
}

func (s *InMemoryStore) ActiveSession(participantID, flowName string) (*models.FlowSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeLocked(participantID, flowName), nil
}

func (s *InMemoryStore) activeLocked(participantID, flowName string) *models.FlowSession {
	var found *models.FlowSession
	for _, session := range s.sessions {
		if session.ParticipantID != participantID || session.FlowName != flowName || !session.Active {
			continue
		}
		if found == nil || session.UpdatedAt.After(found.UpdatedAt) {
			cp := copySession(session)
			found = &cp
		}
	}
	return found
}

func (s *InMemoryStore) LatestSession(participantID, flowName string) (*models.FlowSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *models.FlowSession
	for _, session := range s.sessions {
		if session.ParticipantID != participantID || session.FlowName != flowName {
			continue
		}
		if found == nil || session.StartedAt.After(found.StartedAt) ||
			(session.StartedAt.Equal(found.StartedAt) && session.ID > found.ID) {
			cp := copySession(session)
			found = &cp
		}
	}
	return found, nil
}

func (s *InMemoryStore) ListActiveSessions(participantID string) ([]models.FlowSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.FlowSession
	for _, session := range s.sessions {
		if session.ParticipantID == participantID && session.Active {
			out = append(out, copySession(session))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *InMemoryStore) SaveProgress(session models.FlowSession, complete bool) (*models.FlowSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.sessions[session.ID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if stored.Completed() {
		slog.Warn("InMemoryStore SaveProgress rejected update of completed session", "sessionID", session.ID)
		return nil, ErrSessionCompleted
	}
	now := s.now()
	stored.StepIndex = session.StepIndex
	stored.Context = session.Context.Clone()
	stored.UpdatedAt = now
	if complete {
		stored.Active = false
		stored.CompletedAt = &now
	}
	s.sessions[stored.ID] = stored
	slog.Debug("InMemoryStore SaveProgress succeeded", "sessionID", stored.ID, "step", stored.StepIndex, "complete", complete)
	out := copySession(stored)
	return &out, nil
}

func (s *InMemoryStore) DeactivateFlow(participantID, flowName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for id, session := range s.sessions {
		if session.ParticipantID != participantID || session.FlowName != flowName || !session.Active {
			continue
		}
		session.Active = false
		session.UpdatedAt = now
		s.sessions[id] = session
	}
	slog.Debug("InMemoryStore DeactivateFlow succeeded", "participantID", participantID, "flow", flowName)
	return nil
}

func (s *InMemoryStore) AllSessions() ([]models.FlowSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.FlowSession, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, copySession(session))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) DeleteAllSessions() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[int64]models.FlowSession)
	s.nextID = 1
	return nil
}

func (s *InMemoryStore) SaveWebhookLog(log models.WebhookLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if log.CreatedAt.IsZero() {
		log.CreatedAt = s.now()
	}
	s.webhooks = append(s.webhooks, log)
	return nil
}

func (s *InMemoryStore) RecentWebhookLogs(limit int) ([]models.WebhookLog, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	start := len(s.webhooks) - limit
	if start < 0 {
		start = 0
	}
	return reversedLogs(s.webhooks[start:]), nil
}

func (s *InMemoryStore) AllWebhookLogs() ([]models.WebhookLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return reversedLogs(s.webhooks), nil
}

func (s *InMemoryStore) ConversationExists(participantID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, log := range s.webhooks {
		if log.ParticipantID == participantID {
			return true, nil
		}
	}
	return false, nil
}

func (s *InMemoryStore) SaveAnswer(answer models.AnswerLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if answer.CreatedAt.IsZero() {
		answer.CreatedAt = s.now()
	}
	s.answers = append(s.answers, answer)
	return nil
}

func (s *InMemoryStore) AnswersFor(participantID string) ([]models.AnswerLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AnswerLog
	for _, answer := range s.answers {
		if answer.ParticipantID == participantID {
			out = append(out, answer)
		}
	}
	return out, nil
}

func (s *InMemoryStore) AllAnswers() ([]models.AnswerLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.AnswerLog(nil), s.answers...), nil
}

func (s *InMemoryStore) DeleteAllLogs() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.webhooks = nil
	s.answers = nil
	s.dedup = make(map[string]DedupRecord)
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}

func reversedLogs(in []models.WebhookLog) []models.WebhookLog {
	out := make([]models.WebhookLog, len(in))
	for i, log := range in {
		out[len(in)-1-i] = log
	}
	return out
}

func copySession(s models.FlowSession) models.FlowSession {
	s.Context = s.Context.Clone()
	if s.CompletedAt != nil {
		completed := *s.CompletedAt
		s.CompletedAt = &completed
	}
	return s
}
