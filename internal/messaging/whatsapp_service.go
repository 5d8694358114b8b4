package messaging

import (
	"context"
	"log/slog"
	"sync"

	"github.com/naookko/EmotiTrack/internal/models"
	"github.com/naookko/EmotiTrack/internal/whatsapp"
)

// WhatsAppService implements Service on top of the Cloud API client.
type WhatsAppService struct {
	client  whatsapp.WhatsAppSender
	mu      sync.RWMutex
	stopped bool
}

// NewWhatsAppService creates a new WhatsAppService wrapping the given WhatsAppSender.
func NewWhatsAppService(client whatsapp.WhatsAppSender) *WhatsAppService {
	if _, ok := client.(*whatsapp.Client); ok {
		slog.Debug("WhatsAppService created with Cloud API client")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}
	return &WhatsAppService{client: client}
}

// ValidateAndCanonicalizeRecipient reduces recipient to its digits.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	canonical, err := canonicalizeRecipient(recipient)
	if err != nil {
		return "", err
	}
	if canonical != recipient {
		slog.Debug("WhatsAppService canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// Stop rejects every later send.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	slog.Info("WhatsAppService stopped")
	return nil
}

func (s *WhatsAppService) prepare(to string) (string, error) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return "", ErrServiceStopped
	}
	return s.ValidateAndCanonicalizeRecipient(to)
}

// SendText sends a plain text message.
func (s *WhatsAppService) SendText(ctx context.Context, to, body string) error {
	slog.Debug("WhatsAppService SendText invoked", "to", to, "body_length", len(body))
	canonicalTo, err := s.prepare(to)
	if err != nil {
		slog.Error("WhatsAppService SendText validation error", "error", err, "to", to)
		return err
	}
	if err := s.client.SendText(ctx, canonicalTo, body); err != nil {
		slog.Error("WhatsAppService SendText error", "error", err, "to", canonicalTo)
		return err
	}
	slog.Info("WhatsAppService text sent", "to", canonicalTo)
	return nil
}

// SendButtons sends a reply-button prompt.
func (s *WhatsAppService) SendButtons(ctx context.Context, to string, msg models.ButtonMessage) error {
	slog.Debug("WhatsAppService SendButtons invoked", "to", to, "buttons", len(msg.Buttons))
	canonicalTo, err := s.prepare(to)
	if err != nil {
		slog.Error("WhatsAppService SendButtons validation error", "error", err, "to", to)
		return err
	}
	if err := s.client.SendButtons(ctx, canonicalTo, msg); err != nil {
		slog.Error("WhatsAppService SendButtons error", "error", err, "to", canonicalTo)
		return err
	}
	slog.Info("WhatsAppService buttons sent", "to", canonicalTo)
	return nil
}

// SendList sends a list prompt.
func (s *WhatsAppService) SendList(ctx context.Context, to string, msg models.ListMessage) error {
	slog.Debug("WhatsAppService SendList invoked", "to", to, "rows", len(msg.RowIDs()))
	canonicalTo, err := s.prepare(to)
	if err != nil {
		slog.Error("WhatsAppService SendList validation error", "error", err, "to", to)
		return err
	}
	if err := s.client.SendList(ctx, canonicalTo, msg); err != nil {
		slog.Error("WhatsAppService SendList error", "error", err, "to", canonicalTo)
		return err
	}
	slog.Info("WhatsAppService list sent", "to", canonicalTo)
	return nil
}
