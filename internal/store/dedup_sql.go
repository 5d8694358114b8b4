package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// dedupQueries is the dialect-specific SQL of the inbound_dedup table.
type dedupQueries struct {
	name    string
	exists  string
	insert  string // must affect zero rows for a known message id
	process string
	forget  string
	prune   string
}

var sqliteDedup = dedupQueries{
	name:    "SQLiteStore",
	exists:  `SELECT 1 FROM inbound_dedup WHERE message_id = ?`,
	insert:  `INSERT OR IGNORE INTO inbound_dedup (message_id, participant_id, received_at) VALUES (?, ?, ?)`,
	process: `UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ? AND processed_at IS NULL`,
	forget:  `DELETE FROM inbound_dedup WHERE message_id = ? AND processed_at IS NULL`,
	prune:   `DELETE FROM inbound_dedup WHERE processed_at IS NOT NULL AND received_at < ?`,
}

var postgresDedup = dedupQueries{
	name:    "PostgresStore",
	exists:  `SELECT 1 FROM inbound_dedup WHERE message_id = $1`,
	insert:  `INSERT INTO inbound_dedup (message_id, participant_id, received_at) VALUES ($1, $2, $3) ON CONFLICT (message_id) DO NOTHING`,
	process: `UPDATE inbound_dedup SET processed_at = $1 WHERE message_id = $2 AND processed_at IS NULL`,
	forget:  `DELETE FROM inbound_dedup WHERE message_id = $1 AND processed_at IS NULL`,
	prune:   `DELETE FROM inbound_dedup WHERE processed_at IS NOT NULL AND received_at < $1`,
}

// sqlDedup implements DedupRepo over a *sql.DB.
type sqlDedup struct {
	db *sql.DB
	q  dedupQueries
}

func (d sqlDedup) IsDuplicate(messageID string) (bool, error) {
	var one int
	err := d.db.QueryRow(d.q.exists, messageID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return true, nil
}

func (d sqlDedup) RecordInbound(messageID, participantID string) (bool, error) {
	n, err := d.exec(d.q.insert, messageID, participantID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	if n == 0 {
		slog.Debug(d.q.name+".RecordInbound: duplicate message", "messageID", messageID, "participantID", participantID)
	}
	return n > 0, nil
}

func (d sqlDedup) MarkProcessed(messageID string) error {
	if _, err := d.exec(d.q.process, time.Now().UTC(), messageID); err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (d sqlDedup) ForgetInbound(messageID string) error {
	n, err := d.exec(d.q.forget, messageID)
	if err != nil {
		return fmt.Errorf("forget inbound failed: %w", err)
	}
	slog.Debug(d.q.name+".ForgetInbound", "messageID", messageID, "removed", n)
	return nil
}

func (d sqlDedup) PruneProcessed(cutoff time.Time) (int64, error) {
	n, err := d.exec(d.q.prune, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune dedup records failed: %w", err)
	}
	slog.Debug(d.q.name+".PruneProcessed", "cutoff", cutoff, "removed", n)
	return n, nil
}

func (d sqlDedup) exec(query string, args ...interface{}) (int64, error) {
	result, err := d.db.Exec(query, args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *SQLiteStore) dedup() sqlDedup   { return sqlDedup{db: s.db, q: sqliteDedup} }
func (s *PostgresStore) dedup() sqlDedup { return sqlDedup{db: s.db, q: postgresDedup} }

// IsDuplicate reports whether the message id was recorded.
func (s *SQLiteStore) IsDuplicate(messageID string) (bool, error) {
	return s.dedup().IsDuplicate(messageID)
}

// RecordInbound records the message id and reports whether it was new.
func (s *SQLiteStore) RecordInbound(messageID, participantID string) (bool, error) {
	return s.dedup().RecordInbound(messageID, participantID)
}

// MarkProcessed stamps the first processing time of the message.
func (s *SQLiteStore) MarkProcessed(messageID string) error {
	return s.dedup().MarkProcessed(messageID)
}

// ForgetInbound removes the record of a message whose handling failed.
func (s *SQLiteStore) ForgetInbound(messageID string) error {
	return s.dedup().ForgetInbound(messageID)
}

// PruneProcessed deletes processed records received before cutoff.
func (s *SQLiteStore) PruneProcessed(cutoff time.Time) (int64, error) {
	return s.dedup().PruneProcessed(cutoff)
}

func (s *PostgresStore) IsDuplicate(messageID string) (bool, error) {
	return s.dedup().IsDuplicate(messageID)
}

func (s *PostgresStore) RecordInbound(messageID, participantID string) (bool, error) {
	return s.dedup().RecordInbound(messageID, participantID)
}

func (s *PostgresStore) MarkProcessed(messageID string) error {
	return s.dedup().MarkProcessed(messageID)
}

func (s *PostgresStore) ForgetInbound(messageID string) error {
	return s.dedup().ForgetInbound(messageID)
}

func (s *PostgresStore) PruneProcessed(cutoff time.Time) (int64, error) {
	return s.dedup().PruneProcessed(cutoff)
}
