package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/naookko/EmotiTrack/internal/models"
	"github.com/naookko/EmotiTrack/internal/twiliowhatsapp"
)

// TwilioService implements the Service interface using Twilio API. Interactive prompts are
// rendered as text where every choice is prefixed with the reply that selects it.
type TwilioService struct {
	client  twiliowhatsapp.TwilioWhatsAppSender // Could be real Twilio client or MockClient
	mu      sync.RWMutex
	stopped bool
}

// NewTwilioService creates a new TwilioService around a Twilio sender.
func NewTwilioService(client twiliowhatsapp.TwilioWhatsAppSender) *TwilioService {
	return &TwilioService{client: client}
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp phone number.
// It removes all non-numeric characters and validates the result has at least 6 digits.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	canonical, err := canonicalizeRecipient(recipient)
	if err != nil {
		return "", err
	}
	if canonical != recipient {
		slog.Debug("TwilioService canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return "+" + canonical, nil
}

// Stop rejects every later send.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

// SendText sends a message via Twilio.
func (s *TwilioService) SendText(ctx context.Context, to, body string) error {
	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return ErrServiceStopped
	}
	s.mu.RUnlock()

	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService SendText validation error", "error", err, "to", to)
		return err
	}
	if len(body) > models.MaxTextBodyLength {
		return models.ErrBodyTooLong
	}
	if err := s.client.SendMessage(ctx, canonicalTo, body); err != nil {
		slog.Error("TwilioService SendText error", "error", err, "to", canonicalTo)
		return err
	}
	slog.Info("TwilioService message sent", "to", canonicalTo)
	return nil
}

// SendButtons renders the buttons as a numbered list and sends it as text.
func (s *TwilioService) SendButtons(ctx context.Context, to string, msg models.ButtonMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	return s.SendText(ctx, to, FormatButtons(msg))
}

// SendList renders the list rows as a numbered list and sends it as text.
func (s *TwilioService) SendList(ctx context.Context, to string, msg models.ListMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	return s.SendText(ctx, to, FormatList(msg))
}

// FormatButtons renders a button prompt as plain text.
func FormatButtons(msg models.ButtonMessage) string {
	ids := make([]string, len(msg.Buttons))
	for i, button := range msg.Buttons {
		ids[i] = button.ID
	}
	keys := choiceKeys(ids)

	var b strings.Builder
	writeLine(&b, msg.Header)
	writeLine(&b, msg.Body)
	b.WriteString("\n")
	for i, button := range msg.Buttons {
		fmt.Fprintf(&b, "%s. %s\n", keys[i], button.Title)
	}
	writeLine(&b, msg.Footer)
	return strings.TrimRight(b.String(), "\n")
}

// FormatList renders a list prompt as plain text. Choice keys run across sections.
func FormatList(msg models.ListMessage) string {
	keys := choiceKeys(msg.RowIDs())

	var b strings.Builder
	writeLine(&b, msg.Header)
	writeLine(&b, msg.Body)
	n := 0
	for _, section := range msg.Sections {
		b.WriteString("\n")
		writeLine(&b, section.Title)
		for _, row := range section.Rows {
			if row.Description != "" {
				fmt.Fprintf(&b, "%s. %s (%s)\n", keys[n], row.Title, row.Description)
			} else {
				fmt.Fprintf(&b, "%s. %s\n", keys[n], row.Title)
			}
			n++
		}
	}
	writeLine(&b, msg.Footer)
	return strings.TrimRight(b.String(), "\n")
}

// maxShortIDLength is the longest choice id shown to participants as its own key.
const maxShortIDLength = 3

// choiceKeys returns the reply a participant types for each choice: the ids themselves
// when all are short, else 1-based positions.
func choiceKeys(ids []string) []string {
	short := true
	for _, id := range ids {
		if len(id) > maxShortIDLength || strings.ContainsAny(id, " \t") {
			short = false
			break
		}
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		if short {
			keys[i] = id
		} else {
			keys[i] = strconv.Itoa(i + 1)
		}
	}
	return keys
}

func writeLine(b *strings.Builder, s string) {
	if s == "" {
		return
	}
	b.WriteString(s)
	b.WriteString("\n")
}

// Compile-time checks.
var (
	_ Service = (*WhatsAppService)(nil)
	_ Service = (*TwilioService)(nil)
)
