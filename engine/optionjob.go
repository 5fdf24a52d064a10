package engine

import (
	"context"
	"crypto/subtle"
	"fmt"

	"github.com/micromdm/nanoform/engine/storage"
	"github.com/micromdm/nanoform/form"
	"github.com/micromdm/nanoform/log/logkeys"

	"github.com/micromdm/nanolib/log/ctxlog"
)

// OptionCallback is posted back by an external worker to populate the
// options of a field.
type OptionCallback struct {
	FormKey string        `json:"formKey"`
	FieldID string        `json:"fieldId"`
	Options []form.Option `json:"options"`
}

// CreateOptionJob creates a pending job to populate the options of the
// option field with fieldID on the form with formKey.
func (e *Engine) CreateOptionJob(ctx context.Context, formKey, fieldID string) (*form.OptionJob, error) {
	logger := ctxlog.Logger(ctx, e.logger).With(
		logkeys.FormKey, formKey,
		logkeys.FieldID, fieldID,
	)
	f, err := e.storage.RetrieveFormByKey(ctx, formKey)
	if err != nil {
		return nil, logAndError(wrapNotFound(err, msgFormNotFound), logger, "retrieve form")
	}
	field := f.Field(fieldID)
	if field == nil {
		return nil, notFoundError("Field not found", nil)
	}
	if field.Type != form.FieldTypeOption {
		return nil, validationError("Field is not an option field")
	}
	job := &form.OptionJob{
		ID:            e.ider.ID(),
		CallbackToken: e.tokens.ID(),
		FormKey:       f.Key,
		FieldID:       field.ID,
		Status:        form.JobPending,
		CreatedAt:     e.now(),
	}
	err = e.storage.Tx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.CreateOptionJob(ctx, job)
	})
	if err != nil {
		return nil, logAndError(err, logger, "create option job")
	}
	logger.Debug(logkeys.Message, "created option job", logkeys.JobID, job.ID)
	return job, nil
}

// CompleteOptionJob accepts the callback of the pending job with jobID.
// The callback token must match the job's. The options of the job's
// field are replaced by those of cb and the job is completed.
func (e *Engine) CompleteOptionJob(ctx context.Context, jobID, token string, cb *OptionCallback) error {
	if jobID == "" || token == "" {
		return &Error{Kind: ErrUnauthorized, Message: "Job ID and callback token are required"}
	}
	if cb == nil {
		return validationError("Callback body is required")
	}
	logger := ctxlog.Logger(ctx, e.logger).With(logkeys.JobID, jobID)
	err := e.storage.Tx(ctx, func(ctx context.Context, tx storage.Tx) error {
		j, err := tx.OptionJobForUpdate(ctx, jobID)
		if err != nil {
			return wrapNotFound(err, "Option job not found")
		}
		if subtle.ConstantTimeCompare([]byte(j.CallbackToken), []byte(token)) != 1 {
			return &Error{Kind: ErrForbidden, Message: "Invalid callback token"}
		}
		if j.Status != form.JobPending {
			return conflictError("Option job is not pending")
		}
		if cb.FormKey != j.FormKey || cb.FieldID != j.FieldID {
			return validationError("Callback does not match the job")
		}
		opts := make([]form.Option, 0, len(cb.Options))
		var problems []string
		for i, o := range cb.Options {
			if o.Value == "" {
				problems = append(problems, fmt.Sprintf("option %d: value is required", i))
				continue
			}
			o.ID = e.ider.ID()
			o.FieldID = j.FieldID
			if o.Label == "" {
				o.Label = o.Value
			}
			if o.SortOrder == 0 {
				o.SortOrder = i + 1
			}
			opts = append(opts, o)
		}
		if len(problems) > 0 {
			return validationError("Invalid options", problems...)
		}
		if err = tx.ReplaceFieldOptions(ctx, j.FieldID, opts); err != nil {
			return fmt.Errorf("replace field options: %w", err)
		}
		j.Status = form.JobCompleted
		j.CompletedAt = e.now()
		return tx.UpdateOptionJob(ctx, j)
	})
	if err != nil {
		return logAndError(err, logger, "complete option job")
	}
	logger.Debug(
		logkeys.Message, "completed option job",
		logkeys.GenericCount, len(cb.Options),
	)
	return nil
}
