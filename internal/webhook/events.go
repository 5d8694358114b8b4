package webhook

import (
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/naookko/EmotiTrack/internal/flow"
	"github.com/naookko/EmotiTrack/internal/models"
)

// event is one inbound message or delivery receipt extracted from a webhook payload.
type event struct {
	kind  models.EventKind
	value gjson.Result // the enclosing changes[].value object
	item  gjson.Result // the messages[] or statuses[] element
}

// extractEvents returns every message event followed by every status event, in payload order.
func extractEvents(doc gjson.Result) []event {
	var messages, statuses []event
	doc.Get("entry").ForEach(func(_, entry gjson.Result) bool {
		entry.Get("changes").ForEach(func(_, change gjson.Result) bool {
			value := change.Get("value")
			value.Get("messages").ForEach(func(_, item gjson.Result) bool {
				messages = append(messages, event{kind: models.EventKindMessage, value: value, item: item})
				return true
			})
			value.Get("statuses").ForEach(func(_, item gjson.Result) bool {
				statuses = append(statuses, event{kind: models.EventKindStatus, value: value, item: item})
				return true
			})
			return true
		})
		return true
	})
	return append(messages, statuses...)
}

// participantID returns the sender of a message or the recipient of a receipt.
func (e event) participantID() string {
	if e.kind == models.EventKindMessage {
		return e.item.Get("from").String()
	}
	return e.item.Get("recipient_id").String()
}

// messageID returns the platform id of an inbound message, or "".
func (e event) messageID() string {
	if e.kind != models.EventKindMessage {
		return ""
	}
	return e.item.Get("id").String()
}

// input returns the business phone number the event arrived on.
func (e event) input() string {
	if display := e.value.Get("metadata.display_phone_number").String(); display != "" {
		return display
	}
	return e.value.Get("metadata.phone_number_id").String()
}

// summary renders the human-readable message column of the webhook log.
func (e event) summary() string {
	if e.kind == models.EventKindStatus {
		if status := e.item.Get("status").String(); status != "" {
			return "status:" + status
		}
		return "status"
	}
	messageType := e.item.Get("type").String()
	switch messageType {
	case "text":
		return e.item.Get("text.body").String()
	case "interactive":
		interactive := e.item.Get("interactive")
		if reply := interactive.Get("list_reply"); reply.Exists() {
			return "list_reply:" + reply.Get("id").String()
		}
		if reply := interactive.Get("button_reply"); reply.Exists() {
			return "button_reply:" + reply.Get("id").String()
		}
	case "button":
		return "button:" + e.item.Get("button.payload").String()
	}
	if messageType == "" {
		return "message"
	}
	return messageType
}

// tag renders the status column of the webhook log.
func (e event) tag() string {
	if e.kind == models.EventKindStatus {
		if status := e.item.Get("status").String(); status != "" {
			return status
		}
		return "status"
	}
	if messageType := e.item.Get("type").String(); messageType != "" {
		return messageType
	}
	return "message"
}

// timestamp returns the raw platform timestamp.
func (e event) timestamp() string {
	return e.item.Get("timestamp").String()
}

// ParseResponse normalizes an inbound message into a FlowResponse. It returns false for
// message kinds that carry no reply and for empty bodies.
func ParseResponse(message gjson.Result, now time.Time) (models.FlowResponse, bool) {
	receivedAt := epochToTimestamp(message.Get("timestamp").String(), now)
	switch message.Get("type").String() {
	case "interactive":
		interactive := message.Get("interactive")
		if reply := interactive.Get("list_reply"); reply.Exists() {
			return choiceResponse(reply.Get("id").String(), reply.Get("title").String(), models.ResponseKindList, receivedAt)
		}
		if reply := interactive.Get("button_reply"); reply.Exists() {
			return choiceResponse(reply.Get("id").String(), reply.Get("title").String(), models.ResponseKindButton, receivedAt)
		}
	case "button":
		// Quick-reply buttons on template messages.
		button := message.Get("button")
		return choiceResponse(button.Get("payload").String(), button.Get("text").String(), models.ResponseKindButton, receivedAt)
	case "text":
		body := message.Get("text.body")
		if !body.Exists() {
			return models.FlowResponse{}, false
		}
		trimmed := strings.TrimSpace(body.String())
		if trimmed == "" {
			return models.FlowResponse{}, false
		}
		return models.FlowResponse{Value: trimmed, Display: trimmed, Kind: models.ResponseKindText, ReceivedAt: receivedAt}, true
	}
	return models.FlowResponse{}, false
}

func choiceResponse(id, title string, kind models.ResponseKind, receivedAt string) (models.FlowResponse, bool) {
	if id == "" {
		return models.FlowResponse{}, false
	}
	return models.FlowResponse{Value: id, Display: title, Kind: kind, ReceivedAt: receivedAt}, true
}

// epochToTimestamp converts a WhatsApp epoch-seconds string. Unparseable values are kept
// verbatim and missing ones fall back to now.
func epochToTimestamp(raw string, now time.Time) string {
	if raw == "" {
		return flow.FormatTimestamp(now)
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return raw
	}
	return flow.FormatTimestamp(time.Unix(secs, 0))
}
