// Package models defines conversation session structures for EmotiTrack flows.
package models

import "time"

// Answer is one recorded reply inside a session context.
type Answer struct {
	Value      string `json:"value"`
	Display    string `json:"display,omitempty"`
	ReceivedAt string `json:"received_at,omitempty"`
	StepID     string `json:"step_id,omitempty"`
}

// ExpectedResponse describes the reply a session is waiting for.
type ExpectedResponse struct {
	StepID    string `json:"step_id"`
	Type      string `json:"type"`
	AnswerKey string `json:"answer_key,omitempty"`
}

// SessionContext is the structured state carried by a session.
// Transitions never edit a stored context in place; they work on Clone().
type SessionContext struct {
	Answers     map[string]Answer `json:"answers"`
	Variables   map[string]string `json:"variables"`
	CurrentStep string            `json:"current_step,omitempty"`
	Expected    *ExpectedResponse `json:"expected_response,omitempty"`
}

// NewSessionContext returns an empty context with initialized maps.
func NewSessionContext() SessionContext {
	return SessionContext{
		Answers:   make(map[string]Answer),
		Variables: make(map[string]string),
	}
}

// Clone returns a deep copy of the context.
func (c SessionContext) Clone() SessionContext {
	clone := SessionContext{
		Answers:     make(map[string]Answer, len(c.Answers)),
		Variables:   make(map[string]string, len(c.Variables)),
		CurrentStep: c.CurrentStep,
	}
	for k, v := range c.Answers {
		clone.Answers[k] = v
	}
	for k, v := range c.Variables {
		clone.Variables[k] = v
	}
	if c.Expected != nil {
		expected := *c.Expected
		clone.Expected = &expected
	}
	return clone
}

// AwaitingReply reports whether the context holds an expected-response descriptor.
func (c SessionContext) AwaitingReply() bool {
	return c.Expected != nil
}

// FlowSession is one live or completed run of a participant through a flow.
type FlowSession struct {
	ID            int64          `json:"id"`
	ParticipantID string         `json:"wa_id"`
	FlowName      string         `json:"flow_name"`
	StepIndex     int            `json:"step_index"`
	Active        bool           `json:"is_active"`
	StartedAt     time.Time      `json:"started_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	Context       SessionContext `json:"context"`
}

// Completed reports whether the session reached a terminal step.
func (s FlowSession) Completed() bool {
	return s.CompletedAt != nil
}
