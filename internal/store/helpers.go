package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/naookko/EmotiTrack/internal/models"
)

// ErrInvalidLimit is returned when a log query asks for a non-positive number of rows.
var ErrInvalidLimit = errors.New("limit must be positive")

// Opts holds configuration options for SQL-backed stores.
type Opts struct {
	DSN string // database connection string or SQLite file path
}

// Option defines a configuration option for stores.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and "sqlite3" otherwise.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(dsn)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") || strings.Contains(lower, "user=") {
		return "postgres"
	}
	return "sqlite3"
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// marshalContext serializes a session context for the context column.
func marshalContext(sc models.SessionContext) (string, error) {
	if sc.Answers == nil {
		sc.Answers = map[string]models.Answer{}
	}
	if sc.Variables == nil {
		sc.Variables = map[string]string{}
	}
	data, err := json.Marshal(sc)
	if err != nil {
		return "", fmt.Errorf("failed to marshal session context: %w", err)
	}
	return string(data), nil
}

// unmarshalContext restores a session context, tolerating empty or corrupt blobs.
func unmarshalContext(raw string, sessionID int64) models.SessionContext {
	sc := models.NewSessionContext()
	if raw == "" {
		return sc
	}
	if err := json.Unmarshal([]byte(raw), &sc); err != nil {
		slog.Error("Session context JSON unmarshal failed", "error", err, "sessionID", sessionID)
		return models.NewSessionContext()
	}
	if sc.Answers == nil {
		sc.Answers = map[string]models.Answer{}
	}
	if sc.Variables == nil {
		sc.Variables = map[string]string{}
	}
	return sc
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

const sessionColumns = `id, participant_id, flow_name, step_index, is_active, started_at, updated_at, completed_at, context`

// scanSession scans a FlowSession selected with sessionColumns.
func scanSession(row rowScanner) (models.FlowSession, error) {
	var s models.FlowSession
	var completedAt sql.NullTime
	var contextJSON sql.NullString
	err := row.Scan(
		&s.ID, &s.ParticipantID, &s.FlowName, &s.StepIndex, &s.Active,
		&s.StartedAt, &s.UpdatedAt, &completedAt, &contextJSON,
	)
	if err != nil {
		return s, err
	}
	if completedAt.Valid {
		t := completedAt.Time
		s.CompletedAt = &t
	}
	s.Context = unmarshalContext(contextJSON.String, s.ID)
	return s, nil
}

// querySessions runs a session query and collects every row.
func querySessions(db *sql.DB, query string, args ...interface{}) ([]models.FlowSession, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()
	var sessions []models.FlowSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session rows: %w", err)
	}
	return sessions, nil
}

// querySession returns the first session row or (nil, nil).
func querySession(db *sql.DB, query string, args ...interface{}) (*models.FlowSession, error) {
	s, err := scanSession(db.QueryRow(query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return &s, nil
}

// queryWebhookLogs runs a webhook log query and collects every row.
func queryWebhookLogs(db *sql.DB, query string, args ...interface{}) ([]models.WebhookLog, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query webhook logs: %w", err)
	}
	defer rows.Close()
	var logs []models.WebhookLog
	for rows.Next() {
		var l models.WebhookLog
		var deliveryID, timestamp sql.NullString
		if err := rows.Scan(&deliveryID, &l.ParticipantID, &l.Input, &l.Message, &l.Status, &timestamp, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan webhook log row: %w", err)
		}
		l.DeliveryID = deliveryID.String
		l.Timestamp = timestamp.String
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate webhook log rows: %w", err)
	}
	return logs, nil
}

// queryAnswers runs an answer log query and collects every row.
func queryAnswers(db *sql.DB, query string, args ...interface{}) ([]models.AnswerLog, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query answer logs: %w", err)
	}
	defer rows.Close()
	var answers []models.AnswerLog
	for rows.Next() {
		var a models.AnswerLog
		if err := rows.Scan(&a.ParticipantID, &a.Answer, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan answer log row: %w", err)
		}
		answers = append(answers, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate answer log rows: %w", err)
	}
	return answers, nil
}
