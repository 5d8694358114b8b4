package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/naookko/EmotiTrack/internal/models"
)

const twilioAddressPrefix = "whatsapp:"

// twilioNumber strips the channel prefix and the plus sign from a Twilio WhatsApp address.
func twilioNumber(address string) string {
	address = strings.TrimSpace(address)
	address = strings.TrimPrefix(address, twilioAddressPrefix)
	return strings.TrimPrefix(address, "+")
}

// TwilioPayload converts a form-encoded Twilio WhatsApp webhook into the delivery document
// ProcessWebhook understands. Inbound messages become message events keyed by MessageSid.
// Quick-reply taps (ButtonPayload) become button replies. Status callbacks (MessageStatus)
// become status events for the recipient.
func TwilioPayload(form url.Values) ([]byte, error) {
	value := map[string]any{"messaging_product": "whatsapp"}
	if status := form.Get("MessageStatus"); status != "" {
		recipient := twilioNumber(form.Get("To"))
		if recipient == "" {
			return nil, fmt.Errorf("%w: twilio status callback without To", ErrInvalidPayload)
		}
		value["metadata"] = map[string]any{"display_phone_number": twilioNumber(form.Get("From"))}
		value["statuses"] = []any{map[string]any{
			"id":           form.Get("MessageSid"),
			"status":       status,
			"recipient_id": recipient,
		}}
	} else {
		from := twilioNumber(form.Get("From"))
		if from == "" {
			return nil, fmt.Errorf("%w: twilio message without From", ErrInvalidPayload)
		}
		message := map[string]any{"from": from, "id": form.Get("MessageSid")}
		if payload := form.Get("ButtonPayload"); payload != "" {
			message["type"] = "button"
			message["button"] = map[string]any{"payload": payload, "text": form.Get("ButtonText")}
		} else {
			message["type"] = "text"
			message["text"] = map[string]any{"body": form.Get("Body")}
		}
		value["metadata"] = map[string]any{"display_phone_number": twilioNumber(form.Get("To"))}
		value["messages"] = []any{message}
	}
	doc := map[string]any{
		"object": "twilio",
		"entry": []any{map[string]any{
			"id":      form.Get("AccountSid"),
			"changes": []any{map[string]any{"field": "messages", "value": value}},
		}},
	}
	return json.Marshal(doc)
}

// ProcessTwilioWebhook handles one Twilio WhatsApp webhook exactly like a Cloud API delivery.
func (s *Service) ProcessTwilioWebhook(ctx context.Context, form url.Values) ([]models.WebhookLog, error) {
	payload, err := TwilioPayload(form)
	if err != nil {
		return nil, err
	}
	return s.ProcessWebhook(ctx, payload)
}
