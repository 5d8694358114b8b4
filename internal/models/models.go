// Package models defines the core data structures for EmotiTrack.
//
// It includes the webhook and answer audit records, normalized participant
// replies, outbound message payloads and the API response envelope shared
// across modules.
package models

import (
	"errors"
	"time"
)

// ResponseKind identifies how a participant reply was produced.
type ResponseKind string

const (
	// ResponseKindText is a free-text reply.
	ResponseKindText ResponseKind = "text"
	// ResponseKindButton is a tap on a reply button.
	ResponseKindButton ResponseKind = "button"
	// ResponseKindList is a selection from a list message.
	ResponseKindList ResponseKind = "list"
)

// EventKind classifies an inbound webhook event.
type EventKind string

const (
	// EventKindMessage is an inbound participant message.
	EventKindMessage EventKind = "message"
	// EventKindStatus is a delivery receipt for an outbound message.
	EventKindStatus EventKind = "status"
)

// MessageStatus represents the delivery status reported by the messaging platform.
type MessageStatus string

const (
	// MessageStatusSent indicates the message was sent.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusDelivered indicates the message was delivered.
	MessageStatusDelivered MessageStatus = "delivered"
	// MessageStatusRead indicates the message was read.
	MessageStatusRead MessageStatus = "read"
	// MessageStatusFailed indicates the message failed to send.
	MessageStatusFailed MessageStatus = "failed"
)

// Validation constants for outbound interactive messages.
const (
	// MaxButtonsCount is the maximum number of reply buttons allowed by WhatsApp
	MaxButtonsCount = 3
	// MaxListRowsCount is the maximum number of rows across all list sections
	MaxListRowsCount = 10
	// MaxTextBodyLength is the maximum body length of a text message
	MaxTextBodyLength = 4096
)

// Error variables for message validation
var (
	ErrEmptyRecipient  = errors.New("recipient cannot be empty")
	ErrEmptyBody       = errors.New("message body cannot be empty")
	ErrBodyTooLong     = errors.New("message body exceeds maximum length")
	ErrNoButtons       = errors.New("button message requires at least one button")
	ErrTooManyButtons  = errors.New("too many reply buttons")
	ErrNoListRows      = errors.New("list message requires at least one row")
	ErrTooManyListRows = errors.New("too many list rows")
	ErrEmptyChoiceID   = errors.New("choice id cannot be empty")
)

// FlowResponse is a normalized inbound reply.
type FlowResponse struct {
	Value      string       `json:"value"`
	Display    string       `json:"display,omitempty"`
	Kind       ResponseKind `json:"kind"`
	ReceivedAt string       `json:"received_at"`
}

// Label returns the display label when present, otherwise the raw value.
func (r FlowResponse) Label() string {
	if r.Display != "" {
		return r.Display
	}
	return r.Value
}

// WebhookLog is the durable record of one classified inbound event.
type WebhookLog struct {
	DeliveryID    string    `json:"delivery_id,omitempty"`
	ParticipantID string    `json:"wa_id"`
	Input         string    `json:"input"`
	Message       string    `json:"message"`
	Status        string    `json:"status"`
	Timestamp     string    `json:"timestamp,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// AnswerLog is an append-only audit entry for an accepted answer.
type AnswerLog struct {
	ParticipantID string    `json:"wa_id"`
	Answer        string    `json:"answer"`
	CreatedAt     time.Time `json:"created_at"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusCleared indicates durable state was cleared.
	APIStatusCleared APIStatus = "cleared"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}

// Cleared creates the response returned after durable state is wiped.
func Cleared() APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusCleared).
		Build()
}
