// Package store provides storage backends for EmotiTrack.
//
// This file implements an SQLite-backed store for sessions and logs.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/naookko/EmotiTrack/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	// Determine DSN (required)
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	slog.Debug("SQLite database directory verified/created", "dir", dir)

	slog.Debug("Opening SQLite database connection")
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// A single writer connection serializes check-then-create across goroutines.
	db.SetMaxOpenConns(1)
	slog.Debug("SQLite database opened")

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}
	slog.Debug("SQLite ping successful")

	// Run migrations to ensure tables exist
	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) CreateSession(participantID, flowName string, sc models.SessionContext, stepIndex int) (*models.FlowSession, bool, error) {
	contextJSON, err := marshalContext(sc)
	if err != nil {
		return nil, false, err
	}
	now := time.Now().UTC()
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO flow_sessions (participant_id, flow_name, step_index, is_active, started_at, updated_at, context)
		 VALUES (?, ?, ?, 1, ?, ?, ?)`,
		participantID, flowName, stepIndex, now, now, contextJSON,
	)
	if err != nil {
		slog.Error("SQLiteStore CreateSession failed", "error", err, "participantID", participantID, "flow", flowName)
		return nil, false, fmt.Errorf("failed to create session for %s/%s: %w", participantID, flowName, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to check created session rows: %w", err)
	}
	if n == 0 {
		existing, err := s.ActiveSession(participantID, flowName)
		if err != nil {
			return nil, false, err
		}
		if existing == nil {
			return nil, false, fmt.Errorf("session for %s/%s was neither created nor found", participantID, flowName)
		}
		slog.Debug("SQLiteStore CreateSession found active session", "participantID", participantID, "flow", flowName, "sessionID", existing.ID)
		return existing, false, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read created session id: %w", err)
	}
	slog.Debug("SQLiteStore CreateSession succeeded", "participantID", participantID, "flow", flowName, "sessionID", id)
	session, err := querySession(s.db, `SELECT `+sessionColumns+` FROM flow_sessions WHERE id = ?`, id)
	if err != nil {
		return nil, false, err
	}
	return session, true, nil
}

func (s *SQLiteStore) ActiveSession(participantID, flowName string) (*models.FlowSession, error) {
	session, err := querySession(s.db,
		`SELECT `+sessionColumns+` FROM flow_sessions
		 WHERE participant_id = ? AND flow_name = ? AND is_active = 1
		 ORDER BY updated_at DESC, id DESC LIMIT 1`,
		participantID, flowName)
	if err != nil {
		slog.Error("SQLiteStore ActiveSession failed", "error", err, "participantID", participantID, "flow", flowName)
		return nil, err
	}
	return session, nil
}

func (s *SQLiteStore) LatestSession(participantID, flowName string) (*models.FlowSession, error) {
	session, err := querySession(s.db,
		`SELECT `+sessionColumns+` FROM flow_sessions
		 WHERE participant_id = ? AND flow_name = ?
		 ORDER BY started_at DESC, id DESC LIMIT 1`,
		participantID, flowName)
	if err != nil {
		slog.Error("SQLiteStore LatestSession failed", "error", err, "participantID", participantID, "flow", flowName)
		return nil, err
	}
	return session, nil
}

func (s *SQLiteStore) ListActiveSessions(participantID string) ([]models.FlowSession, error) {
	sessions, err := querySessions(s.db,
		`SELECT `+sessionColumns+` FROM flow_sessions
		 WHERE participant_id = ? AND is_active = 1
		 ORDER BY updated_at DESC, id DESC`,
		participantID)
	if err != nil {
		slog.Error("SQLiteStore ListActiveSessions failed", "error", err, "participantID", participantID)
		return nil, err
	}
	return sessions, nil
}

func (s *SQLiteStore) SaveProgress(session models.FlowSession, complete bool) (*models.FlowSession, error) {
	contextJSON, err := marshalContext(session.Context)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	var res sql.Result
	if complete {
		res, err = s.db.Exec(
			`UPDATE flow_sessions SET step_index = ?, context = ?, updated_at = ?, is_active = 0, completed_at = ?
			 WHERE id = ? AND completed_at IS NULL`,
			session.StepIndex, contextJSON, now, now, session.ID)
	} else {
		res, err = s.db.Exec(
			`UPDATE flow_sessions SET step_index = ?, context = ?, updated_at = ?
			 WHERE id = ? AND completed_at IS NULL`,
			session.StepIndex, contextJSON, now, session.ID)
	}
	if err != nil {
		slog.Error("SQLiteStore SaveProgress failed", "error", err, "sessionID", session.ID)
		return nil, fmt.Errorf("failed to save session %d: %w", session.ID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("failed to check saved session rows: %w", err)
	} else if n == 0 {
		return nil, s.missingOrCompleted(session.ID)
	}
	slog.Debug("SQLiteStore SaveProgress succeeded", "sessionID", session.ID, "step", session.StepIndex, "complete", complete)
	return querySession(s.db, `SELECT `+sessionColumns+` FROM flow_sessions WHERE id = ?`, session.ID)
}

func (s *SQLiteStore) missingOrCompleted(id int64) error {
	existing, err := querySession(s.db, `SELECT `+sessionColumns+` FROM flow_sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if existing == nil {
		return ErrSessionNotFound
	}
	slog.Warn("SQLiteStore SaveProgress rejected update of completed session", "sessionID", id)
	return ErrSessionCompleted
}

func (s *SQLiteStore) DeactivateFlow(participantID, flowName string) error {
	_, err := s.db.Exec(
		`UPDATE flow_sessions SET is_active = 0, updated_at = ? WHERE participant_id = ? AND flow_name = ? AND is_active = 1`,
		time.Now().UTC(), participantID, flowName)
	if err != nil {
		slog.Error("SQLiteStore DeactivateFlow failed", "error", err, "participantID", participantID, "flow", flowName)
		return fmt.Errorf("failed to deactivate %s/%s: %w", participantID, flowName, err)
	}
	slog.Debug("SQLiteStore DeactivateFlow succeeded", "participantID", participantID, "flow", flowName)
	return nil
}

func (s *SQLiteStore) AllSessions() ([]models.FlowSession, error) {
	return querySessions(s.db, `SELECT `+sessionColumns+` FROM flow_sessions ORDER BY id`)
}

func (s *SQLiteStore) DeleteAllSessions() error {
	if _, err := s.db.Exec(`DELETE FROM flow_sessions`); err != nil {
		slog.Error("SQLiteStore DeleteAllSessions failed", "error", err)
		return err
	}
	// Restart ids like a fresh database.
	if _, err := s.db.Exec(`DELETE FROM sqlite_sequence WHERE name = 'flow_sessions'`); err != nil {
		slog.Debug("SQLiteStore DeleteAllSessions sequence reset skipped", "error", err)
	}
	slog.Debug("SQLiteStore DeleteAllSessions succeeded")
	return nil
}

func (s *SQLiteStore) SaveWebhookLog(log models.WebhookLog) error {
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO webhook_logs (delivery_id, participant_id, input, message, status, event_timestamp, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		nilIfEmpty(log.DeliveryID), log.ParticipantID, log.Input, log.Message, log.Status, nilIfEmpty(log.Timestamp), log.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveWebhookLog failed", "error", err, "participantID", log.ParticipantID)
		return fmt.Errorf("failed to insert webhook log for %s: %w", log.ParticipantID, err)
	}
	slog.Debug("SQLiteStore SaveWebhookLog succeeded", "participantID", log.ParticipantID, "status", log.Status)
	return nil
}

const webhookColumns = `delivery_id, participant_id, input, message, status, event_timestamp, created_at`

func (s *SQLiteStore) RecentWebhookLogs(limit int) ([]models.WebhookLog, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	return queryWebhookLogs(s.db, `SELECT `+webhookColumns+` FROM webhook_logs ORDER BY id DESC LIMIT ?`, limit)
}

func (s *SQLiteStore) AllWebhookLogs() ([]models.WebhookLog, error) {
	return queryWebhookLogs(s.db, `SELECT `+webhookColumns+` FROM webhook_logs ORDER BY id DESC`)
}

func (s *SQLiteStore) ConversationExists(participantID string) (bool, error) {
	var exists int
	err := s.db.QueryRow(`SELECT EXISTS(SELECT 1 FROM webhook_logs WHERE participant_id = ?)`, participantID).Scan(&exists)
	if err != nil {
		slog.Error("SQLiteStore ConversationExists failed", "error", err, "participantID", participantID)
		return false, err
	}
	return exists == 1, nil
}

func (s *SQLiteStore) SaveAnswer(answer models.AnswerLog) error {
	if answer.CreatedAt.IsZero() {
		answer.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`INSERT INTO answer_logs (participant_id, answer, created_at) VALUES (?, ?, ?)`,
		answer.ParticipantID, answer.Answer, answer.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveAnswer failed", "error", err, "participantID", answer.ParticipantID)
		return fmt.Errorf("failed to insert answer log for %s: %w", answer.ParticipantID, err)
	}
	slog.Debug("SQLiteStore SaveAnswer succeeded", "participantID", answer.ParticipantID)
	return nil
}

func (s *SQLiteStore) AnswersFor(participantID string) ([]models.AnswerLog, error) {
	return queryAnswers(s.db, `SELECT participant_id, answer, created_at FROM answer_logs WHERE participant_id = ? ORDER BY id`, participantID)
}

func (s *SQLiteStore) AllAnswers() ([]models.AnswerLog, error) {
	return queryAnswers(s.db, `SELECT participant_id, answer, created_at FROM answer_logs ORDER BY id`)
}

func (s *SQLiteStore) DeleteAllLogs() error {
	for _, table := range []string{"webhook_logs", "answer_logs", "inbound_dedup"} {
		if _, err := s.db.Exec("DELETE FROM " + table); err != nil {
			slog.Error("SQLiteStore DeleteAllLogs failed", "error", err, "table", table)
			return err
		}
	}
	slog.Debug("SQLiteStore DeleteAllLogs succeeded")
	return nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	} else {
		slog.Debug("SQLite database connection closed successfully")
	}
	return err
}
