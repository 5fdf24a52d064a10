// Package storage defines types and primitives for form and workflow storage backends.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/micromdm/nanoform/form"
	"github.com/micromdm/nanoform/workflow"
)

var (
	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrMissingID is returned when a record to be stored has no identifier.
	ErrMissingID = errors.New("missing id")

	// ErrKeyExists is returned when storing a form whose key belongs to another form.
	ErrKeyExists = errors.New("key already exists")
)

// CatalogStorage stores and retrieves form and workflow definitions.
type CatalogStorage interface {
	// StoreForm creates or updates f keyed by its ID.
	// Fields and options are upserted; options of each given field are
	// replaced. Fields not present in f are left as they are.
	StoreForm(ctx context.Context, f *form.Form) error

	// RetrieveForm retrieves a form and its fields by ID.
	RetrieveForm(ctx context.Context, id string) (*form.Form, error)

	// RetrieveFormByKey retrieves a form and its fields by its human key.
	RetrieveFormByKey(ctx context.Context, key string) (*form.Form, error)

	// DeleteField removes a field. A field that is referenced by
	// stored response values is deactivated instead and true is returned.
	DeleteField(ctx context.Context, fieldID string) (deactivated bool, err error)

	// StoreWorkflow creates or updates w and its rules keyed by ID.
	// Rules not present in w are left as they are.
	StoreWorkflow(ctx context.Context, w *workflow.Workflow) error

	// RetrieveWorkflow retrieves a workflow and its rules by ID.
	RetrieveWorkflow(ctx context.Context, id string) (*workflow.Workflow, error)
}

// AccessStorage records which users may fill which forms.
type AccessStorage interface {
	GrantAccess(ctx context.Context, formID, userID string) error
	RevokeAccess(ctx context.Context, formID, userID string) error

	// ValidateAccess reports whether userID holds a grant for the form with formKey.
	ValidateAccess(ctx context.Context, userID, formKey string) (bool, error)
}

// ResponseStorage reads saved responses.
type ResponseStorage interface {
	// RetrieveResponse retrieves the response and its values for a session token.
	RetrieveResponse(ctx context.Context, sessionToken string) (*form.Response, []*form.ResponseValue, error)
}

// WorkerStorage is used by the reminder worker.
type WorkerStorage interface {
	// RetrieveRemindableSessions retrieves open sessions of known users
	// last updated before idleBefore, unexpired at now, and not yet reminded.
	RetrieveRemindableSessions(ctx context.Context, idleBefore, now time.Time) ([]*form.Session, error)

	// MarkReminderSent records that a reminder for the session has been sent.
	MarkReminderSent(ctx context.Context, token string, at time.Time) error
}

// TxFunc is called within a storage transaction.
// Returning an error discards every change made through tx.
type TxFunc func(ctx context.Context, tx Tx) error

// Tx groups the primitives of the session, response, and workflow run
// protocols. Every change made through a Tx is applied atomically.
type Tx interface {
	// Form retrieves a form and its fields by ID.
	Form(ctx context.Context, id string) (*form.Form, error)

	// Workflow retrieves a workflow and its rules by ID.
	Workflow(ctx context.Context, id string) (*workflow.Workflow, error)

	// Session retrieves a session by token.
	Session(ctx context.Context, token string) (*form.Session, error)

	// OpenSession retrieves the open, non-workflow session of userID for formID.
	OpenSession(ctx context.Context, userID, formID string) (*form.Session, error)

	// ItemSession retrieves the session of userID for a workflow item
	// regardless of its completion.
	ItemSession(ctx context.Context, itemID, runID, userID string) (*form.Session, error)

	// InsertSession stores s unless it would collide with an existing
	// open session for the same user and form (outside of workflows) or
	// with the session for the same item and user (inside workflows).
	// The stored session, which may be the existing one, is returned.
	// Sessions without a user never collide.
	InsertSession(ctx context.Context, s *form.Session) (*form.Session, error)

	// DeactivateSession marks a session inactive. An inactive session is
	// no longer the open session of its user and form.
	DeactivateSession(ctx context.Context, token string, at time.Time) error

	// UpdateSessionStep sets the step progress of a session.
	UpdateSessionStep(ctx context.Context, token string, current, total int, at time.Time) error

	// CompleteSession marks an open session complete if it belongs to formID and userID.
	// False is returned if no session was completed.
	CompleteSession(ctx context.Context, token, formID, userID string, at time.Time) (bool, error)

	// UpsertResponse creates or updates the response for r.SessionToken.
	// The ID of the stored response, which may differ from r.ID, is returned.
	// A zero SubmittedAt does not clear an existing submission time.
	UpsertResponse(ctx context.Context, r *form.Response) (string, error)

	// ReplaceResponseValue replaces the value and selections of one field of a response.
	ReplaceResponseValue(ctx context.Context, v *form.ResponseValue) error

	// Run retrieves a run.
	Run(ctx context.Context, id string) (*workflow.Run, error)

	// RunForUpdate retrieves a run and holds it for update until the
	// transaction ends.
	RunForUpdate(ctx context.Context, id string) (*workflow.Run, error)

	CreateRun(ctx context.Context, r *workflow.Run) error
	UpdateRun(ctx context.Context, r *workflow.Run) error

	// RunItems retrieves all items of a run.
	RunItems(ctx context.Context, runID string) ([]*workflow.Item, error)

	// Item retrieves an item.
	Item(ctx context.Context, id string) (*workflow.Item, error)

	CreateItem(ctx context.Context, i *workflow.Item) error
	UpdateItem(ctx context.Context, i *workflow.Item) error

	// MaxItemSequence returns the largest sequence number of a rule's items within a run.
	// Zero is returned if there are none.
	MaxItemSequence(ctx context.Context, runID, ruleID string) (int, error)

	CreateOptionJob(ctx context.Context, j *form.OptionJob) error

	// OptionJobForUpdate retrieves an option job and holds it for update
	// until the transaction ends.
	OptionJobForUpdate(ctx context.Context, id string) (*form.OptionJob, error)

	UpdateOptionJob(ctx context.Context, j *form.OptionJob) error

	// ReplaceFieldOptions replaces all options of a field.
	ReplaceFieldOptions(ctx context.Context, fieldID string, opts []form.Option) error
}

// Storage is the full storage backend used by the engine.
type Storage interface {
	CatalogStorage
	AccessStorage
	ResponseStorage
	WorkerStorage

	// Tx calls fn within a transaction. The transaction is committed if
	// fn returns nil and rolled back otherwise.
	Tx(ctx context.Context, fn TxFunc) error
}
