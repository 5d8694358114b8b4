package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/naookko/EmotiTrack/internal/models"
)

// Pre-marshaled fallback responses to avoid runtime JSON encoding failures
var (
	fallbackErrorResponse []byte
)

// init validates that our fallback responses can be marshaled
func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	// Marshal first so an encoding failure can still change the status code
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}

// logEntry is the wire shape of a webhook log.
type logEntry struct {
	WaID      string `json:"wa_id"`
	Input     string `json:"input"`
	Message   string `json:"message"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp,omitempty"`
}

func toLogEntries(logs []models.WebhookLog) []logEntry {
	out := make([]logEntry, 0, len(logs))
	for _, l := range logs {
		out = append(out, logEntry{WaID: l.ParticipantID, Input: l.Input, Message: l.Message, Status: l.Status, Timestamp: l.Timestamp})
	}
	return out
}

// answerEntry is the wire shape of an answer log.
type answerEntry struct {
	WaID   string `json:"wa_id"`
	Answer string `json:"answer"`
}

func toAnswerEntries(answers []models.AnswerLog) []answerEntry {
	out := make([]answerEntry, 0, len(answers))
	for _, a := range answers {
		out = append(out, answerEntry{WaID: a.ParticipantID, Answer: a.Answer})
	}
	return out
}

type logsResponse struct {
	Logs []logEntry `json:"logs"`
}

type webhookResponse struct {
	Received int        `json:"received"`
	Logs     []logEntry `json:"logs"`
}

type dumpResponse struct {
	Webhooks []logEntry           `json:"webhooks"`
	Answers  []answerEntry        `json:"answers"`
	Sessions []models.FlowSession `json:"sessions"`
}
