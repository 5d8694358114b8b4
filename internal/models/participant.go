package models

import "time"

// Participant mirrors the student record kept by the scoring backend.
type Participant struct {
	WaID            string `json:"wha_id"`
	ConsentAccepted bool   `json:"consent_accepted"`
	Age             *int   `json:"age"`
	Semester        string `json:"semester,omitempty"`
	Career          string `json:"career,omitempty"`
}

// ParticipantFields is a partial update for a participant record. Nil fields are left untouched.
type ParticipantFields struct {
	ConsentAccepted *bool
	Age             *int
	Semester        *string
	Career          *string
}

// Empty reports whether the update carries no field.
func (f ParticipantFields) Empty() bool {
	return f.ConsentAccepted == nil && f.Age == nil && f.Semester == nil && f.Career == nil
}

// Questionnaire is the backend record holding one administration of the instrument.
type Questionnaire struct {
	ID        string            `json:"questionnaire_id"`
	Answers   map[string]Answer `json:"answer"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// LastActivity returns the most recent timestamp known for the questionnaire:
// updated_at, else the newest answer received_at, else created_at.
func (q Questionnaire) LastActivity() time.Time {
	if !q.UpdatedAt.IsZero() {
		return q.UpdatedAt
	}
	var latest time.Time
	for _, answer := range q.Answers {
		ts, err := time.Parse(time.RFC3339, answer.ReceivedAt)
		if err != nil {
			continue
		}
		if ts.After(latest) {
			latest = ts
		}
	}
	if !latest.IsZero() {
		return latest
	}
	return q.CreatedAt
}
