// Package whatsapp wraps the WhatsApp Cloud API for EmotiTrack.
//
// It provides methods for sending text, reply-button and list messages to a
// participant through the Graph API messages endpoint.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/naookko/EmotiTrack/internal/models"
)

// Constants for WhatsApp client configuration
const (
	// DefaultBaseURL is the Graph API root used for outbound messages
	DefaultBaseURL = "https://graph.facebook.com/v22.0"
	// DefaultHTTPTimeout bounds a single Graph API request
	DefaultHTTPTimeout = 15 * time.Second
	// maxErrorBody caps how much of an error response is kept for logging
	maxErrorBody = 2048
)

// WhatsAppSender is an interface for sending WhatsApp messages (for production and testing)
type WhatsAppSender interface {
	SendText(ctx context.Context, to, body string) error
	SendButtons(ctx context.Context, to string, msg models.ButtonMessage) error
	SendList(ctx context.Context, to string, msg models.ListMessage) error
}

// Opts holds configuration options for the WhatsApp client.
type Opts struct {
	Token         string       // Cloud API bearer token
	PhoneNumberID string       // sender phone number id
	BaseURL       string       // Graph API root, overridable for tests
	HTTPClient    *http.Client // transport used for requests
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithToken sets the Cloud API bearer token.
func WithToken(token string) Option {
	return func(o *Opts) {
		o.Token = token
	}
}

// WithPhoneNumberID sets the phone number id messages are sent from.
func WithPhoneNumberID(id string) Option {
	return func(o *Opts) {
		o.PhoneNumberID = id
	}
}

// WithBaseURL overrides the Graph API root.
func WithBaseURL(url string) Option {
	return func(o *Opts) {
		o.BaseURL = url
	}
}

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) {
		o.HTTPClient = c
	}
}

// Client sends messages through the WhatsApp Cloud API.
type Client struct {
	token    string
	endpoint string
	http     *http.Client
}

// NewClient creates a new WhatsApp Cloud API client, applying any provided options.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{BaseURL: DefaultBaseURL}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("WhatsApp client config loaded",
		"Token_set", cfg.Token != "",
		"PhoneNumberID_set", cfg.PhoneNumberID != "",
		"BaseURL", cfg.BaseURL)
	if cfg.Token == "" {
		return nil, fmt.Errorf("whatsapp token must be provided")
	}
	if cfg.PhoneNumberID == "" {
		return nil, fmt.Errorf("whatsapp phone number id must be provided")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{
		token:    cfg.Token,
		endpoint: strings.TrimRight(cfg.BaseURL, "/") + "/" + cfg.PhoneNumberID + "/messages",
		http:     httpClient,
	}, nil
}

// Graph API payload shapes.
type textPayload struct {
	PreviewURL bool   `json:"preview_url"`
	Body       string `json:"body"`
}

type textObject struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type bodyObject struct {
	Text string `json:"text"`
}

type replyButton struct {
	Type  string `json:"type"`
	Reply struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	} `json:"reply"`
}

type interactiveAction struct {
	Button   string               `json:"button,omitempty"`
	Buttons  []replyButton        `json:"buttons,omitempty"`
	Sections []models.ListSection `json:"sections,omitempty"`
}

type interactivePayload struct {
	Type   string            `json:"type"`
	Header *textObject       `json:"header,omitempty"`
	Body   bodyObject        `json:"body"`
	Footer *bodyObject       `json:"footer,omitempty"`
	Action interactiveAction `json:"action"`
}

type messagePayload struct {
	MessagingProduct string              `json:"messaging_product"`
	RecipientType    string              `json:"recipient_type"`
	To               string              `json:"to"`
	Type             string              `json:"type"`
	Text             *textPayload        `json:"text,omitempty"`
	Interactive      *interactivePayload `json:"interactive,omitempty"`
}

func newPayload(to, kind string) messagePayload {
	return messagePayload{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             kind,
	}
}

func header(text string) *textObject {
	if text == "" {
		return nil
	}
	return &textObject{Type: "text", Text: text}
}

func footer(text string) *bodyObject {
	if text == "" {
		return nil
	}
	return &bodyObject{Text: text}
}

// SendText sends a plain text message.
func (c *Client) SendText(ctx context.Context, to, body string) error {
	if to == "" {
		return models.ErrEmptyRecipient
	}
	if body == "" {
		return models.ErrEmptyBody
	}
	payload := newPayload(to, "text")
	payload.Text = &textPayload{Body: body}
	return c.post(ctx, payload)
}

// SendButtons sends an interactive reply-button message.
func (c *Client) SendButtons(ctx context.Context, to string, msg models.ButtonMessage) error {
	if to == "" {
		return models.ErrEmptyRecipient
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	buttons := make([]replyButton, len(msg.Buttons))
	for i, b := range msg.Buttons {
		buttons[i].Type = "reply"
		buttons[i].Reply.ID = b.ID
		buttons[i].Reply.Title = b.Title
	}
	payload := newPayload(to, "interactive")
	payload.Interactive = &interactivePayload{
		Type:   "button",
		Header: header(msg.Header),
		Body:   bodyObject{Text: msg.Body},
		Footer: footer(msg.Footer),
		Action: interactiveAction{Buttons: buttons},
	}
	return c.post(ctx, payload)
}

// SendList sends an interactive list message.
func (c *Client) SendList(ctx context.Context, to string, msg models.ListMessage) error {
	if to == "" {
		return models.ErrEmptyRecipient
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	payload := newPayload(to, "interactive")
	payload.Interactive = &interactivePayload{
		Type:   "list",
		Header: header(msg.Header),
		Body:   bodyObject{Text: msg.Body},
		Footer: footer(msg.Footer),
		Action: interactiveAction{Button: msg.ButtonLabel, Sections: msg.Sections},
	}
	return c.post(ctx, payload)
}

func (c *Client) post(ctx context.Context, payload messagePayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode whatsapp payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to build whatsapp request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	slog.Debug("Sending WhatsApp message", "to", payload.To, "type", payload.Type)
	resp, err := c.http.Do(req)
	if err != nil {
		slog.Error("Failed to send WhatsApp message", "error", err, "to", payload.To)
		return fmt.Errorf("failed to send message to %s: %w", payload.To, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		slog.Error("WhatsApp API error", "status", resp.StatusCode, "to", payload.To, "response", string(body))
		return fmt.Errorf("whatsapp api returned %d for %s", resp.StatusCode, payload.To)
	}
	io.Copy(io.Discard, resp.Body)
	slog.Debug("WhatsApp message sent successfully", "to", payload.To, "type", payload.Type)
	return nil
}
