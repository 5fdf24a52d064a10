package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/micromdm/nanoform/engine/storage"
	"github.com/micromdm/nanoform/form"
	"github.com/micromdm/nanoform/log/logkeys"
	"github.com/micromdm/nanoform/webhook"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

// Value is a raw value submitted for a field.
type Value struct {
	FieldID string          `json:"field_id"`
	Value   json.RawMessage `json:"value"`
}

// Draft is an autosave of an in-progress session.
type Draft struct {
	SessionToken string
	FormID       string
	UserID       string

	// CurrentStep and TotalSteps update the session progress when
	// CurrentStep is positive. A zero TotalSteps keeps the stored total.
	CurrentStep int
	TotalSteps  int

	Values []Value

	ClientIP  string
	UserAgent string
}

// Submission is the final submit of a session.
type Submission struct {
	// FormKey identifies the form. Form IDs supplied by clients are not used.
	FormKey      string
	SessionToken string

	Values []Value

	ClientIP  string
	UserAgent string
}

// SubmitResult is the outcome of a submission.
type SubmitResult struct {
	ResponseID string `json:"response_id"`

	// SessionCompleted is false when the session was already completed.
	SessionCompleted bool `json:"session_completed"`

	// ItemID is the workflow item marked submitted, if any.
	ItemID string `json:"workflow_item_id,omitempty"`
}

// normalize converts raw values into response values for f.
// Values without a field ID are dropped. Values of unknown fields are
// skipped. A later value for the same field replaces an earlier one.
func normalize(f *form.Form, values []Value, logger log.Logger) ([]*form.ResponseValue, error) {
	var (
		out      []*form.ResponseValue
		problems []string
	)
	idx := make(map[string]int)
	for _, v := range values {
		if v.FieldID == "" {
			continue
		}
		field := f.Field(v.FieldID)
		if field == nil {
			logger.Debug(
				logkeys.Message, "skipping value of unknown field",
				logkeys.FieldID, v.FieldID,
			)
			continue
		}
		rv, err := field.NewValue(v.Value)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: malformed value", field.Key))
			continue
		}
		if field.Type == form.FieldTypeNumber && rv.Number == nil && len(v.Value) > 0 && string(v.Value) != "null" {
			logger.Info(
				logkeys.Message, "number value is not a number: storing null",
				logkeys.FieldID, field.ID,
			)
		}
		if i, ok := idx[rv.FieldID]; ok {
			out[i] = rv
			continue
		}
		idx[rv.FieldID] = len(out)
		out = append(out, rv)
	}
	if len(problems) > 0 {
		return nil, validationError("Invalid field values", problems...)
	}
	return out, nil
}

// saveValues upserts r and replaces each of values.
// The stored response ID is returned.
func saveValues(ctx context.Context, tx storage.Tx, r *form.Response, values []*form.ResponseValue) (string, error) {
	id, err := tx.UpsertResponse(ctx, r)
	if err != nil {
		return "", fmt.Errorf("upsert response: %w", err)
	}
	for _, rv := range values {
		rv.ResponseID = id
		if err = tx.ReplaceResponseValue(ctx, rv); err != nil {
			return id, fmt.Errorf("replace value of field %s: %w", rv.FieldID, err)
		}
	}
	return id, nil
}

// checkSession returns an error unless sess accepts values for formID from userID.
func checkSession(sess *form.Session, formID, userID string, now time.Time) error {
	if sess.FormID != formID {
		return validationError("Session does not belong to this form")
	}
	if sess.UserID != userID {
		return &Error{Kind: ErrForbidden, Message: "Session belongs to another user"}
	}
	if !sess.Active {
		return conflictError("Session is not active")
	}
	if sess.Expired(now) {
		return conflictError("Session has expired")
	}
	return nil
}

// SaveDraft saves the values of an in-progress session.
// The response of the session is created on first save and updated
// thereafter. The whole draft is saved atomically.
func (e *Engine) SaveDraft(ctx context.Context, d *Draft) (string, error) {
	var problems []string
	if d.SessionToken == "" {
		problems = append(problems, "session token is required")
	}
	if d.FormID == "" {
		problems = append(problems, "form id is required")
	}
	if len(problems) > 0 {
		return "", validationError("Invalid draft", problems...)
	}

	logger := ctxlog.Logger(ctx, e.logger).With(
		logkeys.FormID, d.FormID,
		logkeys.UserID, d.UserID,
	)
	f, err := e.storage.RetrieveForm(ctx, d.FormID)
	if err != nil {
		return "", logAndError(wrapNotFound(err, msgFormNotFound), logger, "retrieve form")
	}
	values, err := normalize(f, d.Values, logger)
	if err != nil {
		return "", err
	}

	var responseID string
	err = e.storage.Tx(ctx, func(ctx context.Context, tx storage.Tx) error {
		now := e.now()
		sess, err := tx.Session(ctx, d.SessionToken)
		if err != nil {
			return wrapNotFound(err, msgSessionMissing)
		}
		if err = checkSession(sess, f.ID, d.UserID, now); err != nil {
			return err
		}
		if sess.Completed {
			return conflictError("Session is already completed")
		}
		responseID, err = saveValues(ctx, tx, &form.Response{
			ID:           e.ider.ID(),
			FormID:       f.ID,
			UserID:       sess.UserID,
			SessionToken: sess.Token,
			ClientIP:     d.ClientIP,
			UserAgent:    d.UserAgent,
			CreatedAt:    now,
			UpdatedAt:    now,
		}, values)
		if err != nil {
			return err
		}
		if d.CurrentStep > 0 {
			total := d.TotalSteps
			if total <= 0 {
				total = sess.TotalSteps
			}
			if err = tx.UpdateSessionStep(ctx, sess.Token, d.CurrentStep, total, now); err != nil {
				return fmt.Errorf("update session step: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return "", logAndError(err, logger, "save draft")
	}
	logger.Debug(
		logkeys.Message, "saved draft",
		logkeys.Response, responseID,
		logkeys.GenericCount, len(values),
	)
	return responseID, nil
}

// userSnapshot returns the profile of id recorded with submissions.
func userSnapshot(id *Identity) map[string]interface{} {
	if !id.Authenticated() {
		return nil
	}
	snap := make(map[string]interface{}, len(id.Profile)+1)
	for k, v := range id.Profile {
		snap[k] = v
	}
	snap["id"] = id.UserID
	return snap
}

// Submit finalizes the session of s. The form is resolved from its key
// and access is checked before anything is written. The response is
// saved, the session is completed, and a workflow item linked to the
// session is marked submitted, all atomically. The configured webhook
// is then sent in the background; its failure does not fail Submit.
func (e *Engine) Submit(ctx context.Context, id *Identity, s *Submission) (*SubmitResult, error) {
	var problems []string
	if s.FormKey == "" {
		problems = append(problems, "form key is required")
	}
	if s.SessionToken == "" {
		problems = append(problems, "session token is required")
	}
	if len(problems) > 0 {
		return nil, validationError("Invalid submission", problems...)
	}

	logger := ctxlog.Logger(ctx, e.logger).With(
		logkeys.FormKey, s.FormKey,
		logkeys.UserID, id.userID(),
	)
	f, err := e.storage.RetrieveFormByKey(ctx, s.FormKey)
	if err != nil {
		return nil, logAndError(wrapNotFound(err, msgFormNotFound), logger, "retrieve form")
	}
	if !f.Published() {
		return nil, conflictError("Form is not published")
	}
	if err = e.checkAccess(ctx, id, f); err != nil {
		return nil, err
	}
	values, err := normalize(f, s.Values, logger)
	if err != nil {
		return nil, err
	}
	user := userSnapshot(id)
	var metadata json.RawMessage
	if user != nil {
		if metadata, err = json.Marshal(map[string]interface{}{"user": user}); err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
	}

	res := new(SubmitResult)
	var submittedAt time.Time
	err = e.storage.Tx(ctx, func(ctx context.Context, tx storage.Tx) error {
		*res = SubmitResult{}
		submittedAt = e.now()
		sess, err := tx.Session(ctx, s.SessionToken)
		if err != nil {
			return wrapNotFound(err, msgSessionMissing)
		}
		if err = checkSession(sess, f.ID, id.userID(), submittedAt); err != nil {
			return err
		}
		res.ResponseID, err = saveValues(ctx, tx, &form.Response{
			ID:           e.ider.ID(),
			FormID:       f.ID,
			UserID:       sess.UserID,
			SessionToken: sess.Token,
			ClientIP:     s.ClientIP,
			UserAgent:    s.UserAgent,
			SubmittedAt:  submittedAt,
			Metadata:     metadata,
			CreatedAt:    submittedAt,
			UpdatedAt:    submittedAt,
		}, values)
		if err != nil {
			return err
		}
		res.SessionCompleted, err = tx.CompleteSession(ctx, sess.Token, f.ID, sess.UserID, submittedAt)
		if err != nil {
			return fmt.Errorf("complete session: %w", err)
		}
		if res.SessionCompleted && sess.WorkflowItemID != "" {
			item, err := e.markItemSubmitted(ctx, tx, sess.WorkflowItemID, sess.WorkflowRunID)
			if err != nil {
				return err
			}
			res.ItemID = item.ID
		}
		return nil
	})
	if err != nil {
		return nil, logAndError(err, logger, "submit")
	}
	logger.Debug(
		logkeys.Message, "submitted",
		logkeys.Response, res.ResponseID,
		"session_completed", res.SessionCompleted,
	)

	if target := webhookTarget(f.Webhook); target != nil {
		e.dispatchSubmission(ctx, logger, f, s.SessionToken, res.ResponseID, submittedAt, user, target)
	}
	return res, nil
}

// dispatchSubmission builds the submission bundle from the stored
// response and hands it to the dispatcher. Errors are logged only.
func (e *Engine) dispatchSubmission(ctx context.Context, logger log.Logger, f *form.Form, token, responseID string, at time.Time, user map[string]interface{}, target *webhook.Target) {
	if e.dispatcher == nil {
		logger.Debug(logkeys.Message, "no webhook dispatcher: not delivering")
		return
	}
	_, values, err := e.storage.RetrieveResponse(ctx, token)
	if err != nil {
		logger.Info(
			logkeys.Message, "retrieve response for webhook",
			logkeys.Error, err,
		)
		return
	}
	e.dispatcher.Dispatch(ctx, target, buildSubmission(f, responseID, at, user, values))
}

// buildSubmission assembles the webhook payload of a submitted response.
// Values of fields no longer on f are left out.
func buildSubmission(f *form.Form, responseID string, at time.Time, user map[string]interface{}, values []*form.ResponseValue) *webhook.Submission {
	sub := &webhook.Submission{
		Form:       webhook.FormRef{ID: f.ID, Key: f.Key, Title: f.Title},
		Response:   webhook.ResponseRef{ID: responseID, SubmittedAt: at},
		User:       user,
		Values:     make(map[string]interface{}, len(values)),
		Selections: make(map[string][]webhook.Selection),
	}
	for _, rv := range values {
		field := f.Field(rv.FieldID)
		if field == nil {
			continue
		}
		sub.Values[field.Key] = rv.Interface(field)
		if field.Type != form.FieldTypeOption {
			continue
		}
		sel := make([]webhook.Selection, 0, len(rv.Options))
		for _, o := range rv.Options {
			sel = append(sel, webhook.Selection{Value: o.Value, Label: o.Label})
		}
		sub.Selections[field.Key] = sel
	}
	return sub
}
