// Package messaging adapts the WhatsApp transports to the outbound operations the flow engine uses.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/naookko/EmotiTrack/internal/models"
)

// ErrServiceStopped is returned by sends after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

// phoneNumberRegex matches every non-digit character of a phone number.
var phoneNumberRegex = regexp.MustCompile(`\D`)

// minRecipientDigits is the shortest accepted phone number.
const minRecipientDigits = 6

// Service defines a pluggable message delivery abstraction.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient identifier.
	// Returns the canonicalized recipient and an error if validation fails.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendText sends a plain text message.
	SendText(ctx context.Context, to, body string) error

	// SendButtons sends a reply-button prompt.
	SendButtons(ctx context.Context, to string, msg models.ButtonMessage) error

	// SendList sends a list prompt.
	SendList(ctx context.Context, to string, msg models.ListMessage) error

	// Stop rejects every later send.
	Stop() error
}

// canonicalizeRecipient removes every non-numeric character and requires at least six digits.
func canonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", models.ErrEmptyRecipient
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < minRecipientDigits {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum %d digits required)", canonical, minRecipientDigits)
	}
	return canonical, nil
}
