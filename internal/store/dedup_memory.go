package store

import (
	"log/slog"
	"time"
)

func (s *InMemoryStore) IsDuplicate(messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.dedup[messageID]
	return ok, nil
}

func (s *InMemoryStore) RecordInbound(messageID, participantID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dedup[messageID]; ok {
		return false, nil
	}
	s.dedup[messageID] = DedupRecord{
		MessageID:     messageID,
		ParticipantID: participantID,
		ReceivedAt:    s.now(),
	}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.dedup[messageID]
	if !ok || record.ProcessedAt != nil {
		return nil
	}
	now := s.now()
	record.ProcessedAt = &now
	s.dedup[messageID] = record
	return nil
}

func (s *InMemoryStore) ForgetInbound(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record, ok := s.dedup[messageID]; ok && record.ProcessedAt == nil {
		delete(s.dedup, messageID)
	}
	return nil
}

func (s *InMemoryStore) PruneProcessed(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, record := range s.dedup {
		if record.ProcessedAt != nil && record.ReceivedAt.Before(cutoff) {
			delete(s.dedup, id)
			n++
		}
	}
	slog.Debug("InMemoryStore.PruneProcessed", "cutoff", cutoff, "removed", n)
	return n, nil
}
