package store

import (
	"time"
)

// DedupRecord is one inbound message id seen by the webhook.
type DedupRecord struct {
	MessageID     string     `json:"message_id"`
	ParticipantID string     `json:"participant_id"`
	ReceivedAt    time.Time  `json:"received_at"`
	ProcessedAt   *time.Time `json:"processed_at"`
}

// DedupRepo remembers inbound message ids so a redelivered webhook drives a flow at most once.
type DedupRepo interface {
	// IsDuplicate reports whether the message id was recorded.
	IsDuplicate(messageID string) (bool, error)
	// RecordInbound records the message id. It returns false when the id was already recorded.
	RecordInbound(messageID, participantID string) (bool, error)
	// MarkProcessed stamps the first time handling of the message finished.
	MarkProcessed(messageID string) error
	// ForgetInbound removes an unprocessed record so a redelivery of the message is handled again.
	ForgetInbound(messageID string) error
	// PruneProcessed deletes processed records received before cutoff and returns the count removed.
	PruneProcessed(cutoff time.Time) (int64, error)
}
