// Package logkeys defines some static logging keys for consistent structured logging output.
// Mostly exists as a mental aid when drafting log messages.
package logkeys

const (
	Message = "msg"
	Error   = "err"

	// the acting user ID supplied by the identity layer
	UserID = "user_id"

	FormID   = "form_id"
	FormKey  = "form_key"
	FieldID  = "field_id"
	Response = "response_id"

	WorkflowID = "workflow_id"
	RunID      = "run_id"
	ItemID     = "item_id"
	RuleID     = "rule_id"
	Status     = "status"

	JobID = "job_id"

	// the webhook delivery URL
	URL     = "url"
	Attempt = "attempt"

	// a context-dependent numerical count/length of something
	GenericCount = "count"
)
