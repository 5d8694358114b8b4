package api

import (
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strconv"

	"github.com/naookko/EmotiTrack/internal/models"
	"github.com/naookko/EmotiTrack/internal/webhook"
)

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}

func (s *Server) logsHandler(w http.ResponseWriter, r *http.Request) {
	limit := DefaultLogLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			slog.Warn("Server.logsHandler: invalid limit", "limit", raw)
			writeJSONResponse(w, http.StatusBadRequest, models.Error("limit must be an integer"))
			return
		}
		limit = max(1, n)
	}
	logs, err := s.svc.RecentLogs(limit)
	if err != nil {
		slog.Error("Server.logsHandler: failed to read logs", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to read logs"))
		return
	}
	writeJSONResponse(w, http.StatusOK, logsResponse{Logs: toLogEntries(logs)})
}

func (s *Server) debugDumpHandler(w http.ResponseWriter, r *http.Request) {
	logs, err := s.st.AllWebhookLogs()
	if err != nil {
		slog.Error("Server.debugDumpHandler: failed to read webhook logs", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to read webhook logs"))
		return
	}
	answers, err := s.st.AllAnswers()
	if err != nil {
		slog.Error("Server.debugDumpHandler: failed to read answers", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to read answers"))
		return
	}
	sessions, err := s.st.AllSessions()
	if err != nil {
		slog.Error("Server.debugDumpHandler: failed to read sessions", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to read sessions"))
		return
	}
	if sessions == nil {
		sessions = []models.FlowSession{}
	}
	writeJSONResponse(w, http.StatusOK, dumpResponse{
		Webhooks: toLogEntries(logs),
		Answers:  toAnswerEntries(answers),
		Sessions: sessions,
	})
}

func (s *Server) debugClearHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.st.DeleteAllSessions(); err != nil {
		slog.Error("Server.debugClearHandler: failed to delete sessions", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to clear sessions"))
		return
	}
	if err := s.st.DeleteAllLogs(); err != nil {
		slog.Error("Server.debugClearHandler: failed to delete logs", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to clear logs"))
		return
	}
	slog.Info("Server.debugClearHandler: durable state cleared")
	writeJSONResponse(w, http.StatusOK, models.Cleared())
}

// verifyHandler answers the Graph API subscription handshake.
func (s *Server) verifyHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	if mode != "subscribe" || s.verifyToken == "" || token != s.verifyToken {
		slog.Warn("Server.verifyHandler: verification rejected", "mode", mode)
		w.WriteHeader(http.StatusForbidden)
		return
	}
	slog.Info("Server.verifyHandler: webhook verified")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, q.Get("hub.challenge")); err != nil {
		slog.Error("Server.verifyHandler: failed to write challenge", "error", err)
	}
}

func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxWebhookBody))
	if err != nil {
		slog.Warn("Server.webhookHandler: failed to read body", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Failed to read request body"))
		return
	}
	if isFormEncoded(r) {
		s.twilioWebhook(w, r, body)
		return
	}
	logged, err := s.svc.ProcessWebhook(r.Context(), body)
	if err != nil {
		if errors.Is(err, webhook.ErrInvalidPayload) {
			slog.Warn("Server.webhookHandler: invalid payload", "bytes", len(body))
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
		slog.Error("Server.webhookHandler: processing failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process webhook"))
		return
	}
	writeJSONResponse(w, http.StatusOK, webhookResponse{Received: len(logged), Logs: toLogEntries(logged)})
}

func isFormEncoded(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "application/x-www-form-urlencoded"
}

// twilioWebhook handles a form-encoded Twilio WhatsApp webhook and answers with empty TwiML.
func (s *Server) twilioWebhook(w http.ResponseWriter, r *http.Request, body []byte) {
	form, err := url.ParseQuery(string(body))
	if err != nil {
		slog.Warn("Server.twilioWebhook: invalid form body", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid form body"))
		return
	}
	if !s.twilio.valid(form, r.Header.Get(twilioSignatureHeader)) {
		slog.Warn("Server.twilioWebhook: signature rejected", "messageSid", form.Get("MessageSid"))
		writeJSONResponse(w, http.StatusForbidden, models.Error("Invalid Twilio signature"))
		return
	}
	if _, err := s.svc.ProcessTwilioWebhook(r.Context(), form); err != nil {
		if errors.Is(err, webhook.ErrInvalidPayload) {
			slog.Warn("Server.twilioWebhook: invalid payload", "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid Twilio webhook"))
			return
		}
		slog.Error("Server.twilioWebhook: processing failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process webhook"))
		return
	}
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, emptyTwiML); err != nil {
		slog.Error("Server.twilioWebhook: failed to write response", "error", err)
	}
}
