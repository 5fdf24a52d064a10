// Package form defines the form catalog, sessions, and response types.
package form

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrEmptyKey       = errors.New("empty key")
	ErrInvalidStatus  = errors.New("invalid status")
	ErrInvalidType    = errors.New("invalid field type")
	ErrDuplicateField = errors.New("duplicate field key")
)

// Status is the publication status of a form.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusPublished Status = "published"
	StatusArchived  Status = "archived"
)

// Valid checks that s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusPublished, StatusArchived:
		return true
	}
	return false
}

// FieldType determines how a submitted value is stored.
type FieldType string

const (
	FieldTypeText     FieldType = "text"
	FieldTypeTextarea FieldType = "textarea"
	FieldTypeEmail    FieldType = "email"
	FieldTypePassword FieldType = "password"
	FieldTypeFile     FieldType = "file"
	FieldTypeNumber   FieldType = "number"
	FieldTypeDate     FieldType = "date"
	FieldTypeDateTime FieldType = "datetime"
	FieldTypeBool     FieldType = "bool"
	FieldTypeOption   FieldType = "option"
)

// Valid checks that t is a known field type.
func (t FieldType) Valid() bool {
	switch t {
	case FieldTypeText, FieldTypeTextarea, FieldTypeEmail, FieldTypePassword,
		FieldTypeFile, FieldTypeNumber, FieldTypeDate, FieldTypeDateTime,
		FieldTypeBool, FieldTypeOption:
		return true
	}
	return false
}

// Option is a selectable choice of an option field.
type Option struct {
	ID        string `json:"id"`
	FieldID   string `json:"field_id,omitempty"`
	Value     string `json:"value"`
	Label     string `json:"label"`
	Default   bool   `json:"default,omitempty"`
	SortOrder int    `json:"sort_order"`
}

// FieldConfig holds type-specific field configuration.
type FieldConfig struct {
	// Multi allows an option field to hold more than one selection.
	Multi bool `json:"multi,omitempty"`
}

// Field is a single input of a form.
type Field struct {
	ID        string      `json:"id"`
	FormID    string      `json:"form_id,omitempty"`
	Key       string      `json:"key"`
	Label     string      `json:"label"`
	Type      FieldType   `json:"type"`
	Required  bool        `json:"required"`
	SortOrder int         `json:"sort_order"`
	Config    FieldConfig `json:"config"`

	// Active is false for fields retired after responses referenced them.
	Active bool `json:"active"`

	Options []Option `json:"options,omitempty"`
}

// UnmarshalJSON decodes b into f. Fields are active unless b says otherwise.
func (f *Field) UnmarshalJSON(b []byte) error {
	type plain Field
	p := plain{Active: true}
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*f = Field(p)
	return nil
}

// Option returns the option of f whose value is value or nil.
func (f *Field) Option(value string) *Option {
	for i := range f.Options {
		if f.Options[i].Value == value {
			return &f.Options[i]
		}
	}
	return nil
}

// Webhook configures delivery of submissions to an automation endpoint.
type Webhook struct {
	URL         string `json:"url"`
	Secret      string `json:"secret,omitempty"`
	TimeoutMS   int    `json:"timeout_ms,omitempty"`
	RetryCount  int    `json:"retry_count,omitempty"`
	HeaderKey   string `json:"header_key,omitempty"`
	HeaderValue string `json:"header_value,omitempty"`
}

// Timeout returns the per-attempt timeout or zero if unset.
func (w *Webhook) Timeout() time.Duration {
	return time.Duration(w.TimeoutMS) * time.Millisecond
}

// Form is a field-typed, possibly multi-step form.
type Form struct {
	ID          string   `json:"id"`
	Key         string   `json:"key"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Status      Status   `json:"status"`
	OwnerID     string   `json:"owner_id,omitempty"`
	Anonymous   bool     `json:"anonymous"`
	Webhook     *Webhook `json:"webhook,omitempty"`
	Fields      []*Field `json:"fields"`
}

// Validate checks f for a valid key, status, and field definitions.
func (f *Form) Validate() error {
	if f == nil {
		return errors.New("nil form")
	}
	if f.Key == "" {
		return ErrEmptyKey
	}
	if !f.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, f.Status)
	}
	keys := make(map[string]struct{})
	for _, field := range f.Fields {
		if field.Key == "" {
			return fmt.Errorf("field: %w", ErrEmptyKey)
		}
		if !field.Type.Valid() {
			return fmt.Errorf("field %s: %w: %q", field.Key, ErrInvalidType, field.Type)
		}
		if _, ok := keys[field.Key]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateField, field.Key)
		}
		keys[field.Key] = struct{}{}
	}
	return nil
}

// Published reports whether f accepts fill-out and submission.
func (f *Form) Published() bool {
	return f.Status == StatusPublished
}

// Field returns the field with id or nil.
func (f *Form) Field(id string) *Field {
	for _, field := range f.Fields {
		if field.ID == id {
			return field
		}
	}
	return nil
}

// ActiveFields returns the number of active fields.
func (f *Form) ActiveFields() int {
	var n int
	for _, field := range f.Fields {
		if field.Active {
			n++
		}
	}
	return n
}

// JobStatus is the state of an option-population job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobCompleted JobStatus = "completed"
)

// OptionJob tracks an external worker asked to populate the options of a field.
// The worker proves itself on callback with CallbackToken.
type OptionJob struct {
	ID            string    `json:"id"`
	CallbackToken string    `json:"callback_token"`
	FormKey       string    `json:"form_key"`
	FieldID       string    `json:"field_id"`
	Status        JobStatus `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	CompletedAt   time.Time `json:"completed_at"`
}
