package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/naookko/EmotiTrack/flows"
	"github.com/naookko/EmotiTrack/internal/backend"
	"github.com/naookko/EmotiTrack/internal/flow"
	"github.com/naookko/EmotiTrack/internal/models"
	"github.com/naookko/EmotiTrack/internal/store"
	"github.com/naookko/EmotiTrack/internal/testutil"
	"github.com/naookko/EmotiTrack/internal/webhook"
	"github.com/naookko/EmotiTrack/internal/whatsapp"
)

const verifyToken = "secret-token"

type apiFixture struct {
	server *Server
	store  *store.InMemoryStore
	sender *whatsapp.MockClient
}

func newAPIFixture(t *testing.T, opts ...Option) apiFixture {
	t.Helper()
	defs, err := flow.LoadDefinitions(flows.FS)
	if err != nil {
		t.Fatalf("LoadDefinitions failed: %v", err)
	}
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	st := store.NewInMemoryStore()
	mb := backend.NewMockBackend()
	mb.Now = clock
	sender := whatsapp.NewMockClient()
	engine := flow.NewEngine(defs, st, st, sender,
		flow.WithClock(clock),
		flow.WithAnswerRecorder(webhook.NewAnswerSync(mb, webhook.DefaultStartFlow, webhook.DefaultQuestionnaireFlow)))
	cfg := webhook.DefaultConfig()
	cfg.Clock = clock
	svc := webhook.NewService(st, engine, mb, cfg, webhook.WithDedup(st))
	return apiFixture{
		server: NewServer(svc, st, append([]Option{WithVerifyToken(verifyToken), WithAddr(":0")}, opts...)...),
		store:  st,
		sender: sender,
	}
}

func (f apiFixture) do(t *testing.T, method, url string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	f.server.ServeHTTP(rr, testutil.CreateHTTPRequest(t, method, url, body))
	return rr
}

func delivery(from, id, body string) string {
	return `{"object":"whatsapp_business_account","entry":[{"id":"WABA","changes":[{"field":"messages","value":{` +
		`"messaging_product":"whatsapp","metadata":{"display_phone_number":"15550001111","phone_number_id":"42"},` +
		`"messages":[{"from":"` + from + `","id":"` + id + `","timestamp":"1791979200","type":"text","text":{"body":"` + body + `"}}],` +
		`"statuses":[{"id":"wamid.out","recipient_id":"` + from + `","status":"delivered","timestamp":"1791979201"}]}}]}]}`
}

func TestNewServer_Defaults(t *testing.T) {
	s := NewServer(nil, nil)
	if s.Addr() != DefaultAddr {
		t.Errorf("expected default addr %q, got %q", DefaultAddr, s.Addr())
	}
	if s.verifyToken != "" {
		t.Errorf("expected empty verify token, got %q", s.verifyToken)
	}
}

func TestHealthHandler(t *testing.T) {
	f := newAPIFixture(t)
	rr := f.do(t, http.MethodGet, "/health", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "health")
	testutil.AssertJSONResponse(t, rr, "ok")
}

func TestHealthHandler_MethodNotAllowed(t *testing.T) {
	f := newAPIFixture(t)
	rr := f.do(t, http.MethodPost, "/health", nil)
	testutil.AssertHTTPStatus(t, http.StatusMethodNotAllowed, rr.Code, "POST /health")
	if allow := rr.Header().Get("Allow"); !strings.Contains(allow, http.MethodGet) {
		t.Errorf("expected Allow header to list GET, got %q", allow)
	}
}

func TestVerifyHandler(t *testing.T) {
	f := newAPIFixture(t)

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantBody   string
	}{
		{"valid", "hub.mode=subscribe&hub.verify_token=" + verifyToken + "&hub.challenge=12345", http.StatusOK, "12345"},
		{"wrong token", "hub.mode=subscribe&hub.verify_token=nope&hub.challenge=12345", http.StatusForbidden, ""},
		{"wrong mode", "hub.mode=unsubscribe&hub.verify_token=" + verifyToken + "&hub.challenge=12345", http.StatusForbidden, ""},
		{"missing", "", http.StatusForbidden, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := f.do(t, http.MethodGet, "/webhook?"+tt.query, nil)
			testutil.AssertHTTPStatus(t, tt.wantStatus, rr.Code, tt.name)
			if rr.Body.String() != tt.wantBody {
				t.Errorf("expected body %q, got %q", tt.wantBody, rr.Body.String())
			}
		})
	}
}

func TestVerifyHandler_RejectsWhenTokenUnset(t *testing.T) {
	s := NewServer(nil, nil)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=&hub.challenge=1", nil))
	testutil.AssertHTTPStatus(t, http.StatusForbidden, rr.Code, "unset token")
}

func TestWebhookHandler_LogsAndOnboards(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(t, http.MethodPost, "/webhook", delivery("5213300000001", "wamid.1", "hola"))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "POST /webhook")

	var resp webhookResponse
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &resp)
	if resp.Received != 2 {
		t.Fatalf("expected 2 logged events, got %d", resp.Received)
	}
	if resp.Logs[0].Message != "hola" || resp.Logs[0].Status != "text" {
		t.Errorf("unexpected message log: %+v", resp.Logs[0])
	}
	if resp.Logs[1].Status != "delivered" || resp.Logs[1].Input != "15550001111" {
		t.Errorf("unexpected status log: %+v", resp.Logs[1])
	}
	testutil.AssertWebhookLogCount(t, f.store, 2, "after delivery")
	testutil.AssertSentTo(t, f.sender, "5213300000001", 2, "onboarding")
}

func TestWebhookHandler_InvalidJSON(t *testing.T) {
	f := newAPIFixture(t)
	rr := f.do(t, http.MethodPost, "/webhook", "{not json")
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "invalid json")
	testutil.AssertJSONResponse(t, rr, "error")
	testutil.AssertWebhookLogCount(t, f.store, 0, "invalid json")
}

func TestWebhookHandler_BodyTooLarge(t *testing.T) {
	f := newAPIFixture(t)
	body := `{"pad":"` + strings.Repeat("x", MaxWebhookBody) + `"}`
	rr := f.do(t, http.MethodPost, "/webhook", body)
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "oversized body")
}

func TestLogsHandler(t *testing.T) {
	f := newAPIFixture(t)
	for i := 0; i < 3; i++ {
		if err := f.store.SaveWebhookLog(models.WebhookLog{ParticipantID: "p", Message: string(rune('a' + i)), Status: "text"}); err != nil {
			t.Fatalf("SaveWebhookLog failed: %v", err)
		}
	}

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantCount  int
	}{
		{"default", "", http.StatusOK, 3},
		{"limited", "?limit=2", http.StatusOK, 2},
		{"clamped", "?limit=0", http.StatusOK, 1},
		{"negative", "?limit=-5", http.StatusOK, 1},
		{"invalid", "?limit=abc", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := f.do(t, http.MethodGet, "/logs"+tt.query, nil)
			testutil.AssertHTTPStatus(t, tt.wantStatus, rr.Code, tt.name)
			if tt.wantStatus != http.StatusOK {
				return
			}
			var resp logsResponse
			testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &resp)
			if len(resp.Logs) != tt.wantCount {
				t.Fatalf("expected %d logs, got %d", tt.wantCount, len(resp.Logs))
			}
			if resp.Logs[0].Message != "c" {
				t.Errorf("expected newest log first, got %q", resp.Logs[0].Message)
			}
		})
	}
}

func TestDebugHandlers_DumpAndClear(t *testing.T) {
	f := newAPIFixture(t)
	rr := f.do(t, http.MethodPost, "/webhook", delivery("5213300000002", "wamid.2", "hola"))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "seed delivery")
	if err := f.store.SaveAnswer(models.AnswerLog{ParticipantID: "5213300000002", Answer: "consent:Sí"}); err != nil {
		t.Fatalf("SaveAnswer failed: %v", err)
	}

	rr = f.do(t, http.MethodGet, "/debug/db", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "GET /debug/db")
	var dump map[string]json.RawMessage
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &dump)
	var webhooks []logEntry
	var answers []answerEntry
	var sessions []models.FlowSession
	testutil.MustUnmarshalJSON(t, dump["webhooks"], &webhooks)
	testutil.MustUnmarshalJSON(t, dump["answers"], &answers)
	testutil.MustUnmarshalJSON(t, dump["sessions"], &sessions)
	if len(webhooks) != 2 {
		t.Errorf("expected 2 webhook logs, got %d", len(webhooks))
	}
	if len(answers) != 1 || answers[0].WaID != "5213300000002" || answers[0].Answer != "consent:Sí" {
		t.Errorf("unexpected answers: %+v", answers)
	}
	if len(sessions) != 1 || sessions[0].FlowName != webhook.DefaultStartFlow {
		t.Errorf("expected one start session, got %+v", sessions)
	}

	rr = f.do(t, http.MethodDelete, "/debug/db", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "DELETE /debug/db")
	testutil.AssertJSONResponse(t, rr, "cleared")
	testutil.AssertWebhookLogCount(t, f.store, 0, "after clear")
	all, err := f.store.AllSessions()
	if err != nil {
		t.Fatalf("AllSessions failed: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("expected no sessions after clear, got %d", len(all))
	}

	rr = f.do(t, http.MethodGet, "/debug/db", nil)
	body := rr.Body.String()
	if !strings.Contains(body, `"webhooks":[]`) || !strings.Contains(body, `"sessions":[]`) {
		t.Errorf("expected empty arrays after clear, got %s", body)
	}
}

func TestRun_ShutsDownOnCancel(t *testing.T) {
	s := NewServer(nil, nil, WithAddr("127.0.0.1:0"))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
