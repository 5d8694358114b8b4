package whatsapp

import (
	"context"
	"sync"

	"github.com/naookko/EmotiTrack/internal/models"
)

// Message kinds recorded by MockClient.
const (
	SentText    = "text"
	SentButtons = "buttons"
	SentList    = "list"
)

// SentMessage is one message captured by MockClient.
type SentMessage struct {
	To      string
	Kind    string
	Body    string
	Buttons *models.ButtonMessage
	List    *models.ListMessage
}

// MockClient implements the same interface as Client but records messages instead of sending them.
// In tests, use whatsapp.NewMockClient() instead of NewClient to avoid real Cloud API calls.
type MockClient struct {
	mu   sync.Mutex
	sent []SentMessage
	err  error
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

// FailWith makes every later send return err. A nil err restores success.
func (m *MockClient) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *MockClient) record(msg SentMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *MockClient) SendText(ctx context.Context, to, body string) error {
	return m.record(SentMessage{To: to, Kind: SentText, Body: body})
}

func (m *MockClient) SendButtons(ctx context.Context, to string, msg models.ButtonMessage) error {
	return m.record(SentMessage{To: to, Kind: SentButtons, Body: msg.Body, Buttons: &msg})
}

func (m *MockClient) SendList(ctx context.Context, to string, msg models.ListMessage) error {
	return m.record(SentMessage{To: to, Kind: SentList, Body: msg.Body, List: &msg})
}

// Sent returns a copy of every recorded message.
func (m *MockClient) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.sent...)
}

// SentTo returns the recorded messages addressed to one recipient.
func (m *MockClient) SentTo(to string) []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SentMessage
	for _, msg := range m.sent {
		if msg.To == to {
			out = append(out, msg)
		}
	}
	return out
}

// Reset forgets every recorded message.
func (m *MockClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
}

// Compile-time checks that both clients satisfy WhatsAppSender.
var (
	_ WhatsAppSender = (*Client)(nil)
	_ WhatsAppSender = (*MockClient)(nil)
)
