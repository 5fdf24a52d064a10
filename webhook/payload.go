package webhook

import "time"

// FormRef describes the submitted form.
type FormRef struct {
	ID    string `json:"id"`
	Key   string `json:"key"`
	Title string `json:"title"`
}

// ResponseRef describes the stored response.
type ResponseRef struct {
	ID          string    `json:"id"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Selection is a resolved option selection. Label is nil for values that
// matched no option.
type Selection struct {
	Value string  `json:"value"`
	Label *string `json:"label"`
}

// Submission is the body delivered for a submitted form.
type Submission struct {
	Form     FormRef     `json:"form"`
	Response ResponseRef `json:"response"`

	// User is the submitter's profile snapshot or nil for anonymous submissions.
	User map[string]interface{} `json:"user"`

	// Values are keyed by field key.
	Values map[string]interface{} `json:"values"`

	// Selections are keyed by field key for option fields.
	Selections map[string][]Selection `json:"selections"`
}

// Reminder is the body delivered for an idle session.
type Reminder struct {
	Type      string    `json:"type"`
	FormID    string    `json:"form_id"`
	UserID    string    `json:"user_id"`
	Step      int       `json:"current_step"`
	Steps     int       `json:"total_steps"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`
}
