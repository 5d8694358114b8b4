package messaging

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/naookko/EmotiTrack/internal/models"
	"github.com/naookko/EmotiTrack/internal/twiliowhatsapp"
	"github.com/naookko/EmotiTrack/internal/whatsapp"
)

func TestWhatsAppService_SendText_Canonicalizes(t *testing.T) {
	mockClient := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mockClient)
	if err := svc.SendText(context.Background(), "+52 1 332-520-4729", "hello"); err != nil {
		t.Fatalf("SendText returned error: %v", err)
	}
	sent := mockClient.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(sent))
	}
	if sent[0].To != "5213325204729" {
		t.Errorf("expected canonical recipient, got %q", sent[0].To)
	}
}

func TestWhatsAppService_RejectsShortRecipient(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	if err := svc.SendText(context.Background(), "12a", "hello"); err == nil {
		t.Fatal("expected validation error for short recipient")
	}
	if _, err := svc.ValidateAndCanonicalizeRecipient(""); !errors.Is(err, models.ErrEmptyRecipient) {
		t.Errorf("expected ErrEmptyRecipient, got %v", err)
	}
}

func TestWhatsAppService_SendListAndButtons(t *testing.T) {
	mockClient := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mockClient)
	ctx := context.Background()
	list := models.ListMessage{
		Body:        "Elige",
		ButtonLabel: "Responder",
		Sections:    []models.ListSection{{Rows: []models.ListRow{{ID: "a", Title: "A"}}}},
	}
	if err := svc.SendList(ctx, "5213325204729", list); err != nil {
		t.Fatalf("SendList returned error: %v", err)
	}
	buttons := models.ButtonMessage{Body: "Ok?", Buttons: []models.Button{{ID: "yes", Title: "Sí"}}}
	if err := svc.SendButtons(ctx, "5213325204729", buttons); err != nil {
		t.Fatalf("SendButtons returned error: %v", err)
	}
	sent := mockClient.Sent()
	if len(sent) != 2 || sent[0].Kind != whatsapp.SentList || sent[1].Kind != whatsapp.SentButtons {
		t.Fatalf("unexpected sent messages: %+v", sent)
	}
}

func TestWhatsAppService_TransportError(t *testing.T) {
	mockClient := whatsapp.NewMockClient()
	boom := errors.New("boom")
	mockClient.FailWith(boom)
	svc := NewWhatsAppService(mockClient)
	if err := svc.SendText(context.Background(), "5213325204729", "hi"); !errors.Is(err, boom) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestServices_Stop(t *testing.T) {
	services := []Service{
		NewWhatsAppService(whatsapp.NewMockClient()),
		NewTwilioService(twiliowhatsapp.NewMockClient()),
	}
	for _, svc := range services {
		if err := svc.Stop(); err != nil {
			t.Fatalf("Stop returned error: %v", err)
		}
		if err := svc.SendText(context.Background(), "5213325204729", "hi"); !errors.Is(err, ErrServiceStopped) {
			t.Errorf("%T: expected ErrServiceStopped, got %v", svc, err)
		}
	}
}

func TestTwilioService_RendersPromptsAsText(t *testing.T) {
	mockClient := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mockClient)
	ctx := context.Background()

	list := models.ListMessage{
		Header:      "Pregunta 1",
		Body:        "Me costó mucho relajarme",
		ButtonLabel: "Responder",
		Sections: []models.ListSection{{
			Title: "Opciones",
			Rows: []models.ListRow{
				{ID: "0", Title: "Nunca"},
				{ID: "1", Title: "A veces", Description: "algo"},
			},
		}},
	}
	if err := svc.SendList(ctx, "5213325204729", list); err != nil {
		t.Fatalf("SendList returned error: %v", err)
	}
	msgs := mockClient.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].To != "+5213325204729" {
		t.Errorf("expected E.164 recipient, got %q", msgs[0].To)
	}
	for _, want := range []string{"Pregunta 1", "0. Nunca", "1. A veces (algo)", "Opciones"} {
		if !strings.Contains(msgs[0].Body, want) {
			t.Errorf("rendered list missing %q:\n%s", want, msgs[0].Body)
		}
	}
}

func TestFormatButtons(t *testing.T) {
	got := FormatButtons(models.ButtonMessage{
		Body:    "¿Aceptas?",
		Footer:  "Responde con el número",
		Buttons: []models.Button{{ID: "consent_yes", Title: "Sí"}, {ID: "consent_no", Title: "No"}},
	})
	want := "¿Aceptas?\n\n1. Sí\n2. No\nResponde con el número"
	if got != want {
		t.Errorf("FormatButtons = %q, want %q", got, want)
	}
}

func TestTwilioService_InvalidPrompt(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	err := svc.SendButtons(context.Background(), "5213325204729", models.ButtonMessage{Body: "x"})
	if !errors.Is(err, models.ErrNoButtons) {
		t.Errorf("expected ErrNoButtons, got %v", err)
	}
}

func TestChoiceKeys(t *testing.T) {
	tests := []struct {
		ids  []string
		want []string
	}{
		{[]string{"0", "1", "2", "3"}, []string{"0", "1", "2", "3"}},
		{[]string{"consent_yes", "consent_no"}, []string{"1", "2"}},
		{[]string{"a", "long_id"}, []string{"1", "2"}},
	}
	for _, tt := range tests {
		got := choiceKeys(tt.ids)
		if strings.Join(got, ",") != strings.Join(tt.want, ",") {
			t.Errorf("choiceKeys(%v) = %v, want %v", tt.ids, got, tt.want)
		}
	}
}

func TestTwilioService_TransportError(t *testing.T) {
	mockClient := twiliowhatsapp.NewMockClient()
	boom := errors.New("twilio unavailable")
	mockClient.FailWith(boom)
	svc := NewTwilioService(mockClient)
	if err := svc.SendText(context.Background(), "5213325204729", "hola"); !errors.Is(err, boom) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if err := svc.SendText(context.Background(), "5213325204729", strings.Repeat("x", models.MaxTextBodyLength+1)); !errors.Is(err, models.ErrBodyTooLong) {
		t.Errorf("expected ErrBodyTooLong, got %v", err)
	}
}
