// Package store provides storage backends for EmotiTrack.
//
// This file implements a PostgreSQL-backed store for sessions and logs.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/naookko/EmotiTrack/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	// Determine DSN (required)
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	slog.Debug("Opening Postgres database connection")
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}
	slog.Debug("Postgres database opened")

	// Configure connection pool for better performance
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	slog.Debug("Postgres ping successful")
	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) CreateSession(participantID, flowName string, sc models.SessionContext, stepIndex int) (*models.FlowSession, bool, error) {
	contextJSON, err := marshalContext(sc)
	if err != nil {
		return nil, false, err
	}
	now := time.Now().UTC()
	// The partial unique index turns a concurrent second insert into a no-op.
	session, err := querySession(s.db,
		`INSERT INTO flow_sessions (participant_id, flow_name, step_index, is_active, started_at, updated_at, context)
		 VALUES ($1, $2, $3, TRUE, $4, $5, $6)
		 ON CONFLICT DO NOTHING
		 RETURNING `+sessionColumns,
		participantID, flowName, stepIndex, now, now, contextJSON)
	if err != nil {
		slog.Error("PostgresStore CreateSession failed", "error", err, "participantID", participantID, "flow", flowName)
		return nil, false, fmt.Errorf("failed to create session for %s/%s: %w", participantID, flowName, err)
	}
	if session != nil {
		slog.Debug("PostgresStore CreateSession succeeded", "participantID", participantID, "flow", flowName, "sessionID", session.ID)
		return session, true, nil
	}
	existing, err := s.ActiveSession(participantID, flowName)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("session for %s/%s was neither created nor found", participantID, flowName)
	}
	slog.Debug("PostgresStore CreateSession found active session", "participantID", participantID, "flow", flowName, "sessionID", existing.ID)
	return existing, false, nil
}

func (s *PostgresStore) ActiveSession(participantID, flowName string) (*models.FlowSession, error) {
	session, err := querySession(s.db,
		`SELECT `+sessionColumns+` FROM flow_sessions
		 WHERE participant_id = $1 AND flow_name = $2 AND is_active
		 ORDER BY updated_at DESC, id DESC LIMIT 1`,
		participantID, flowName)
	if err != nil {
		slog.Error("PostgresStore ActiveSession failed", "error", err, "participantID", participantID, "flow", flowName)
		return nil, err
	}
	return session, nil
}

func (s *PostgresStore) LatestSession(participantID, flowName string) (*models.FlowSession, error) {
	session, err := querySession(s.db,
		`SELECT `+sessionColumns+` FROM flow_sessions
		 WHERE participant_id = $1 AND flow_name = $2
		 ORDER BY started_at DESC, id DESC LIMIT 1`,
		participantID, flowName)
	if err != nil {
		slog.Error("PostgresStore LatestSession failed", "error", err, "participantID", participantID, "flow", flowName)
		return nil, err
	}
	return session, nil
}

func (s *PostgresStore) ListActiveSessions(participantID string) ([]models.FlowSession, error) {
	sessions, err := querySessions(s.db,
		`SELECT `+sessionColumns+` FROM flow_sessions
		 WHERE participant_id = $1 AND is_active
		 ORDER BY updated_at DESC, id DESC`,
		participantID)
	if err != nil {
		slog.Error("PostgresStore ListActiveSessions failed", "error", err, "participantID", participantID)
		return nil, err
	}
	return sessions, nil
}

func (s *PostgresStore) SaveProgress(session models.FlowSession, complete bool) (*models.FlowSession, error) {
	contextJSON, err := marshalContext(session.Context)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	query := `UPDATE flow_sessions SET step_index = $1, context = $2, updated_at = $3
		 WHERE id = $4 AND completed_at IS NULL
		 RETURNING ` + sessionColumns
	args := []interface{}{session.StepIndex, contextJSON, now, session.ID}
	if complete {
		query = `UPDATE flow_sessions SET step_index = $1, context = $2, updated_at = $3, is_active = FALSE, completed_at = $3
		 WHERE id = $4 AND completed_at IS NULL
		 RETURNING ` + sessionColumns
	}
	updated, err := querySession(s.db, query, args...)
	if err != nil {
		slog.Error("PostgresStore SaveProgress failed", "error", err, "sessionID", session.ID)
		return nil, fmt.Errorf("failed to save session %d: %w", session.ID, err)
	}
	if updated == nil {
		existing, err := querySession(s.db, `SELECT `+sessionColumns+` FROM flow_sessions WHERE id = $1`, session.ID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, ErrSessionNotFound
		}
		slog.Warn("PostgresStore SaveProgress rejected update of completed session", "sessionID", session.ID)
		return nil, ErrSessionCompleted
	}
	slog.Debug("PostgresStore SaveProgress succeeded", "sessionID", session.ID, "step", session.StepIndex, "complete", complete)
	return updated, nil
}

func (s *PostgresStore) DeactivateFlow(participantID, flowName string) error {
	_, err := s.db.Exec(
		`UPDATE flow_sessions SET is_active = FALSE, updated_at = $1 WHERE participant_id = $2 AND flow_name = $3 AND is_active`,
		time.Now().UTC(), participantID, flowName)
	if err != nil {
		slog.Error("PostgresStore DeactivateFlow failed", "error", err, "participantID", participantID, "flow", flowName)
		return fmt.Errorf("failed to deactivate %s/%s: %w", participantID, flowName, err)
	}
	slog.Debug("PostgresStore DeactivateFlow succeeded", "participantID", participantID, "flow", flowName)
	return nil
}

func (s *PostgresStore) AllSessions() ([]models.FlowSession, error) {
	return querySessions(s.db, `SELECT `+sessionColumns+` FROM flow_sessions ORDER BY id`)
}

func (s *PostgresStore) DeleteAllSessions() error {
	if _, err := s.db.Exec(`TRUNCATE flow_sessions RESTART IDENTITY`); err != nil {
		slog.Error("PostgresStore DeleteAllSessions failed", "error", err)
		return err
	}
	slog.Debug("PostgresStore DeleteAllSessions succeeded")
	return nil
}

func (s *PostgresStore) SaveWebhookLog(log models.WebhookLog) error {
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO webhook_logs (delivery_id, participant_id, input, message, status, event_timestamp, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		nilIfEmpty(log.DeliveryID), log.ParticipantID, log.Input, log.Message, log.Status, nilIfEmpty(log.Timestamp), log.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveWebhookLog failed", "error", err, "participantID", log.ParticipantID)
		return fmt.Errorf("failed to insert webhook log for %s: %w", log.ParticipantID, err)
	}
	slog.Debug("PostgresStore SaveWebhookLog succeeded", "participantID", log.ParticipantID, "status", log.Status)
	return nil
}

func (s *PostgresStore) RecentWebhookLogs(limit int) ([]models.WebhookLog, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	return queryWebhookLogs(s.db, `SELECT `+webhookColumns+` FROM webhook_logs ORDER BY id DESC LIMIT $1`, limit)
}

func (s *PostgresStore) AllWebhookLogs() ([]models.WebhookLog, error) {
	return queryWebhookLogs(s.db, `SELECT `+webhookColumns+` FROM webhook_logs ORDER BY id DESC`)
}

func (s *PostgresStore) ConversationExists(participantID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(`SELECT EXISTS(SELECT 1 FROM webhook_logs WHERE participant_id = $1)`, participantID).Scan(&exists)
	if err != nil {
		slog.Error("PostgresStore ConversationExists failed", "error", err, "participantID", participantID)
		return false, err
	}
	return exists, nil
}

func (s *PostgresStore) SaveAnswer(answer models.AnswerLog) error {
	if answer.CreatedAt.IsZero() {
		answer.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`INSERT INTO answer_logs (participant_id, answer, created_at) VALUES ($1, $2, $3)`,
		answer.ParticipantID, answer.Answer, answer.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveAnswer failed", "error", err, "participantID", answer.ParticipantID)
		return fmt.Errorf("failed to insert answer log for %s: %w", answer.ParticipantID, err)
	}
	slog.Debug("PostgresStore SaveAnswer succeeded", "participantID", answer.ParticipantID)
	return nil
}

func (s *PostgresStore) AnswersFor(participantID string) ([]models.AnswerLog, error) {
	return queryAnswers(s.db, `SELECT participant_id, answer, created_at FROM answer_logs WHERE participant_id = $1 ORDER BY id`, participantID)
}

func (s *PostgresStore) AllAnswers() ([]models.AnswerLog, error) {
	return queryAnswers(s.db, `SELECT participant_id, answer, created_at FROM answer_logs ORDER BY id`)
}

func (s *PostgresStore) DeleteAllLogs() error {
	if _, err := s.db.Exec(`TRUNCATE webhook_logs, answer_logs, inbound_dedup RESTART IDENTITY`); err != nil {
		slog.Error("PostgresStore DeleteAllLogs failed", "error", err)
		return err
	}
	slog.Debug("PostgresStore DeleteAllLogs succeeded")
	return nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close PostgreSQL database", "error", err)
	} else {
		slog.Debug("PostgreSQL database connection closed successfully")
	}
	return err
}
