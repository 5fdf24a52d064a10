package form

import (
	"encoding/json"
	"time"
)

// Session is one attempt by a user at filling a form.
// Token is a capability and should not be logged.
type Session struct {
	Token       string `json:"token"`
	FormID      string `json:"form_id"`
	UserID      string `json:"user_id,omitempty"`
	CurrentStep int    `json:"current_step"`
	TotalSteps  int    `json:"total_steps"`
	Active      bool   `json:"active"`
	Completed   bool   `json:"completed"`

	CompletedAt time.Time `json:"completed_at"`
	ExpiresAt   time.Time `json:"expires_at"`

	// workflow linkage, empty outside of workflow context
	WorkflowRunID  string `json:"workflow_run_id,omitempty"`
	WorkflowItemID string `json:"workflow_item_id,omitempty"`

	ReminderSentAt time.Time `json:"reminder_sent_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Open reports whether s is active and not yet completed.
func (s *Session) Open() bool {
	return s.Active && !s.Completed
}

// Expired reports whether s has an expiry that is not after now.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !s.ExpiresAt.After(now)
}

// Remindable reports whether s is owned by a known user, idle since before
// idleBefore, unexpired at now, and has not been sent a reminder.
func (s *Session) Remindable(idleBefore, now time.Time) bool {
	if !s.Open() || s.UserID == "" || !s.ReminderSentAt.IsZero() {
		return false
	}
	if s.Expired(now) {
		return false
	}
	return s.UpdatedAt.Before(idleBefore)
}

// Response is the saved, and possibly submitted, set of values for a session.
// There is at most one Response per session token.
type Response struct {
	ID           string          `json:"id"`
	FormID       string          `json:"form_id"`
	UserID       string          `json:"user_id,omitempty"`
	SessionToken string          `json:"session_token"`
	ClientIP     string          `json:"client_ip,omitempty"`
	UserAgent    string          `json:"user_agent,omitempty"`
	SubmittedAt  time.Time       `json:"submitted_at"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// ResponseValueOption is a selection of an option field resolved at save time.
// OptionID is empty and Label nil when Value matched no option.
type ResponseValueOption struct {
	OptionID string  `json:"option_id,omitempty"`
	Value    string  `json:"value"`
	Label    *string `json:"label"`
}

// ResponseValue is the stored value of one field for one response.
// At most one of the typed values is set, according to the field type.
// Option fields store their selection in Text: a JSON array for multi fields.
type ResponseValue struct {
	ResponseID string   `json:"response_id,omitempty"`
	FieldID    string   `json:"field_id"`
	Text       *string  `json:"text,omitempty"`
	Number     *float64 `json:"number,omitempty"`
	Date       *string  `json:"date,omitempty"`
	DateTime   *string  `json:"datetime,omitempty"`
	Bool       *bool    `json:"bool,omitempty"`

	Options []ResponseValueOption `json:"options,omitempty"`
}
