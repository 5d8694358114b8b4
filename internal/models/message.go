// Package models defines outbound message payloads.
package models

// Button is a reply button offered with a button message.
type Button struct {
	ID    string `json:"id" yaml:"id"`
	Title string `json:"title" yaml:"title"`
}

// ListRow is one selectable row of a list message.
type ListRow struct {
	ID          string `json:"id" yaml:"id"`
	Title       string `json:"title" yaml:"title"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// ListSection groups list rows under an optional title.
type ListSection struct {
	Title string    `json:"title,omitempty" yaml:"title,omitempty"`
	Rows  []ListRow `json:"rows" yaml:"rows"`
}

// ButtonMessage is an interactive message with reply buttons.
type ButtonMessage struct {
	Header  string   `json:"header,omitempty"`
	Body    string   `json:"body"`
	Footer  string   `json:"footer,omitempty"`
	Buttons []Button `json:"buttons"`
}

// Validate checks the message against WhatsApp limits.
func (m ButtonMessage) Validate() error {
	if m.Body == "" {
		return ErrEmptyBody
	}
	if len(m.Body) > MaxTextBodyLength {
		return ErrBodyTooLong
	}
	if len(m.Buttons) == 0 {
		return ErrNoButtons
	}
	if len(m.Buttons) > MaxButtonsCount {
		return ErrTooManyButtons
	}
	for _, b := range m.Buttons {
		if b.ID == "" {
			return ErrEmptyChoiceID
		}
	}
	return nil
}

// ListMessage is an interactive message with a selectable list.
type ListMessage struct {
	Header      string        `json:"header,omitempty"`
	Body        string        `json:"body"`
	Footer      string        `json:"footer,omitempty"`
	ButtonLabel string        `json:"button"`
	Sections    []ListSection `json:"sections"`
}

// Validate checks the message against WhatsApp limits.
func (m ListMessage) Validate() error {
	if m.Body == "" {
		return ErrEmptyBody
	}
	if len(m.Body) > MaxTextBodyLength {
		return ErrBodyTooLong
	}
	rows := 0
	for _, section := range m.Sections {
		for _, row := range section.Rows {
			if row.ID == "" {
				return ErrEmptyChoiceID
			}
			rows++
		}
	}
	if rows == 0 {
		return ErrNoListRows
	}
	if rows > MaxListRowsCount {
		return ErrTooManyListRows
	}
	return nil
}

// RowIDs returns every row id across all sections, in order.
func (m ListMessage) RowIDs() []string {
	var ids []string
	for _, section := range m.Sections {
		for _, row := range section.Rows {
			ids = append(ids, row.ID)
		}
	}
	return ids
}
