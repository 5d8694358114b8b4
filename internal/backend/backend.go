// Package backend is the HTTP client of the scoring backend that stores participant records
// and questionnaire answers.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/naookko/EmotiTrack/internal/models"
)

// DefaultTimeout bounds a single backend request.
const DefaultTimeout = 10 * time.Second

// studentNotFoundMessage is the body message the backend uses for unknown students.
const studentNotFoundMessage = "Student not found"

// ErrHTTPStatus is wrapped by errors for unexpected backend status codes.
var ErrHTTPStatus = errors.New("backend returned an error status")

// Backend is the set of scoring backend operations used by the webhook service.
// Lookups return (nil, nil) when the record does not exist.
type Backend interface {
	GetParticipant(ctx context.Context, waID string) (*models.Participant, error)
	CreateParticipant(ctx context.Context, waID string) (*models.Participant, error)
	PatchParticipantFields(ctx context.Context, waID string, fields models.ParticipantFields) (*models.Participant, error)
	LatestQuestionnaire(ctx context.Context, waID string) (*models.Questionnaire, error)
	PatchQuestionnaireAnswers(ctx context.Context, waID, questionnaireID string, updates map[string]any) error
}

// Opts holds configuration for the backend client.
type Opts struct {
	BaseURL    string
	HTTPClient *http.Client
}

// Option configures the backend client.
type Option func(*Opts)

// WithBaseURL sets the backend root URL.
func WithBaseURL(u string) Option {
	return func(o *Opts) {
		o.BaseURL = u
	}
}

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) {
		o.HTTPClient = c
	}
}

// Client talks to the scoring backend over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a backend client. A base URL is required.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("backend base URL must be provided")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid backend base URL: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	slog.Debug("Backend client created", "baseURL", cfg.BaseURL)
	return &Client{baseURL: strings.TrimRight(cfg.BaseURL, "/"), http: httpClient}, nil
}

func (c *Client) url(parts ...string) string {
	escaped := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.Trim(p, "/"); p != "" {
			escaped = append(escaped, url.PathEscape(p))
		}
	}
	if len(escaped) == 0 {
		return c.baseURL
	}
	return c.baseURL + "/" + strings.Join(escaped, "/")
}

// do sends a request and returns the status code and body. Status codes listed in allow
// are returned without error.
func (c *Client) do(ctx context.Context, method, target string, payload any, allow ...int) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to encode backend request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build backend request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		slog.Error("Backend request failed", "method", method, "url", target, "duration", time.Since(start), "error", err)
		return 0, nil, fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read backend response: %w", err)
	}
	for _, code := range allow {
		if resp.StatusCode == code {
			return resp.StatusCode, respBody, nil
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Error("Backend HTTP error", "method", method, "url", target, "status_code", resp.StatusCode, "response_body", string(respBody))
		return resp.StatusCode, respBody, fmt.Errorf("%w: %s %s: HTTP %d", ErrHTTPStatus, method, target, resp.StatusCode)
	}
	slog.Debug("Backend request succeeded", "method", method, "url", target, "status_code", resp.StatusCode, "duration", time.Since(start))
	return resp.StatusCode, respBody, nil
}

// GetParticipant fetches a student record, returning nil when the backend does not know it.
func (c *Client) GetParticipant(ctx context.Context, waID string) (*models.Participant, error) {
	status, body, err := c.do(ctx, http.MethodGet, c.url("students", waID), nil, http.StatusNotFound)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	doc := gjson.ParseBytes(body)
	if doc.Get("message").String() == studentNotFoundMessage {
		return nil, nil
	}
	if !doc.IsObject() {
		return nil, fmt.Errorf("unexpected student payload for %s", waID)
	}
	p := parseParticipant(doc)
	if p.WaID == "" {
		p.WaID = waID
	}
	return &p, nil
}

// CreateParticipant registers a student without consent.
func (c *Client) CreateParticipant(ctx context.Context, waID string) (*models.Participant, error) {
	payload := map[string]any{"wha_id": waID, "consent_accepted": false}
	_, body, err := c.do(ctx, http.MethodPost, c.url("students"), payload)
	if err != nil {
		return nil, err
	}
	slog.Info("Backend participant created", "participantID", waID)
	p := parseParticipant(gjson.ParseBytes(body))
	if p.WaID == "" {
		p.WaID = waID
	}
	return &p, nil
}

// PatchParticipantFields merges fields over the current record and sends the full record back.
func (c *Client) PatchParticipantFields(ctx context.Context, waID string, fields models.ParticipantFields) (*models.Participant, error) {
	current, err := c.GetParticipant(ctx, waID)
	if err != nil {
		return nil, err
	}
	merged := models.Participant{WaID: waID}
	if current != nil {
		merged = *current
		merged.WaID = waID
	}
	if fields.ConsentAccepted != nil {
		merged.ConsentAccepted = *fields.ConsentAccepted
	}
	if fields.Age != nil {
		age := *fields.Age
		merged.Age = &age
	}
	if fields.Semester != nil {
		merged.Semester = *fields.Semester
	}
	if fields.Career != nil {
		merged.Career = *fields.Career
	}
	payload := map[string]any{
		"wha_id":           waID,
		"consent_accepted": merged.ConsentAccepted,
		"age":              merged.Age,
		"semester":         nilIfEmpty(merged.Semester),
		"career":           nilIfEmpty(merged.Career),
	}
	if _, _, err := c.do(ctx, http.MethodPatch, c.url("students"), payload); err != nil {
		return nil, err
	}
	slog.Info("Backend participant updated", "participantID", waID)
	return &merged, nil
}

// LatestQuestionnaire returns the questionnaire with the highest numeric id, ties broken by
// creation time, or nil when the participant has none.
func (c *Client) LatestQuestionnaire(ctx context.Context, waID string) (*models.Questionnaire, error) {
	status, body, err := c.do(ctx, http.MethodGet, c.url("responses", waID), nil, http.StatusNotFound)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	items := gjson.GetBytes(body, "responses").Array()
	if len(items) == 0 {
		return nil, nil
	}
	sort.SliceStable(items, func(i, j int) bool {
		ni, nj := numericID(items[i]), numericID(items[j])
		if ni != nj {
			return ni < nj
		}
		return createdAtKey(items[i]) < createdAtKey(items[j])
	})
	q := parseQuestionnaire(items[len(items)-1])
	slog.Debug("Backend latest questionnaire", "participantID", waID, "questionnaireID", q.ID, "answers", len(q.Answers))
	return &q, nil
}

// PatchQuestionnaireAnswers updates some answers of a questionnaire.
func (c *Client) PatchQuestionnaireAnswers(ctx context.Context, waID, questionnaireID string, updates map[string]any) error {
	if questionnaireID == "" {
		return errors.New("questionnaire id must be provided")
	}
	if _, _, err := c.do(ctx, http.MethodPatch, c.url("responses", waID, questionnaireID), updates); err != nil {
		return err
	}
	slog.Debug("Backend questionnaire patched", "participantID", waID, "questionnaireID", questionnaireID, "keys", len(updates))
	return nil
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func parseParticipant(doc gjson.Result) models.Participant {
	p := models.Participant{
		WaID:            doc.Get("wha_id").String(),
		ConsentAccepted: doc.Get("consent_accepted").Bool(),
		Semester:        doc.Get("semester").String(),
		Career:          doc.Get("career").String(),
	}
	if age := doc.Get("age"); age.Exists() && age.Type != gjson.Null {
		if n, err := strconv.Atoi(strings.TrimSpace(age.String())); err == nil {
			p.Age = &n
		}
	}
	return p
}

func numericID(item gjson.Result) int {
	n, err := strconv.Atoi(strings.TrimSpace(item.Get("questionnaire_id").String()))
	if err != nil {
		return 0
	}
	return n
}

func createdAtKey(item gjson.Result) string {
	if v := timestampField(item, "created_at"); v != "" {
		return v
	}
	return timestampField(item, "response_date")
}

// timestampField reads a timestamp that may be a plain string or an extended JSON {"$date": ...} object.
func timestampField(item gjson.Result, key string) string {
	v := item.Get(key)
	if v.IsObject() {
		return v.Get("$date").String()
	}
	return v.String()
}

func parseQuestionnaire(item gjson.Result) models.Questionnaire {
	q := models.Questionnaire{
		ID:      item.Get("questionnaire_id").String(),
		Answers: make(map[string]models.Answer),
	}
	if ts, ok := ParseTimestamp(createdAtKey(item)); ok {
		q.CreatedAt = ts
	}
	if ts, ok := ParseTimestamp(timestampField(item, "updated_at")); ok {
		q.UpdatedAt = ts
	}
	item.Get("answer").ForEach(func(key, value gjson.Result) bool {
		switch {
		case value.Type == gjson.Null:
		case value.IsObject():
			answer := models.Answer{
				Value:      value.Get("value").String(),
				Display:    value.Get("display").String(),
				ReceivedAt: value.Get("received_at").String(),
				StepID:     value.Get("step_id").String(),
			}
			if answer.Value != "" {
				q.Answers[key.String()] = answer
			}
		default:
			if v := value.String(); v != "" {
				q.Answers[key.String()] = models.Answer{Value: v}
			}
		}
		return true
	})
	return q
}

// timestampLayouts are the formats the backend is known to emit. Values without an offset are UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp parses a backend timestamp.
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), true
		}
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), true
	}
	return time.Time{}, false
}

var _ Backend = (*Client)(nil)
