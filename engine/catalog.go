package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/micromdm/nanoform/engine/storage"
	"github.com/micromdm/nanoform/form"
	"github.com/micromdm/nanoform/log/logkeys"
	"github.com/micromdm/nanoform/workflow"

	"github.com/micromdm/nanolib/log/ctxlog"
)

// StoreForm validates and stores f. Missing IDs are filled in: the form
// ID from the stored form with the same key and field IDs from stored
// fields with the same key, otherwise newly generated.
func (e *Engine) StoreForm(ctx context.Context, f *form.Form) error {
	if err := f.Validate(); err != nil {
		return validationError("Invalid form", err.Error())
	}
	logger := ctxlog.Logger(ctx, e.logger).With(logkeys.FormKey, f.Key)

	existing, err := e.storage.RetrieveFormByKey(ctx, f.Key)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return logAndError(err, logger, "retrieve form")
	}
	if existing != nil && err == nil {
		if f.ID == "" {
			f.ID = existing.ID
		}
		if f.ID == existing.ID {
			ids := make(map[string]string, len(existing.Fields))
			for _, field := range existing.Fields {
				ids[field.Key] = field.ID
			}
			for _, field := range f.Fields {
				if field.ID == "" {
					field.ID = ids[field.Key]
				}
			}
		}
	}
	if f.ID == "" {
		f.ID = e.ider.ID()
	}
	for _, field := range f.Fields {
		if field.ID == "" {
			field.ID = e.ider.ID()
		}
		field.FormID = f.ID
		for i := range field.Options {
			if field.Options[i].ID == "" {
				field.Options[i].ID = e.ider.ID()
			}
			field.Options[i].FieldID = field.ID
		}
	}

	if err = e.storage.StoreForm(ctx, f); errors.Is(err, storage.ErrKeyExists) {
		return &Error{Kind: ErrConflict, Message: "Form key already exists", Err: err}
	} else if err != nil {
		return logAndError(err, logger, "store form")
	}
	logger.Debug(
		logkeys.Message, "stored form",
		logkeys.FormID, f.ID,
		logkeys.GenericCount, len(f.Fields),
	)
	return nil
}

// Form retrieves the form with formKey.
func (e *Engine) Form(ctx context.Context, formKey string) (*form.Form, error) {
	f, err := e.storage.RetrieveFormByKey(ctx, formKey)
	return f, wrapNotFound(err, msgFormNotFound)
}

// DeleteField retires the field with fieldID of the form with formKey.
// A field with saved values is deactivated instead of removed and true
// is returned.
func (e *Engine) DeleteField(ctx context.Context, formKey, fieldID string) (bool, error) {
	logger := ctxlog.Logger(ctx, e.logger).With(
		logkeys.FormKey, formKey,
		logkeys.FieldID, fieldID,
	)
	f, err := e.Form(ctx, formKey)
	if err != nil {
		return false, err
	}
	if f.Field(fieldID) == nil {
		return false, notFoundError("Field not found", nil)
	}
	deactivated, err := e.storage.DeleteField(ctx, fieldID)
	if err != nil {
		return false, logAndError(err, logger, "delete field")
	}
	logger.Debug(logkeys.Message, "retired field", "deactivated", deactivated)
	return deactivated, nil
}

// StoreWorkflow validates and stores w. Every rule must name a stored
// form. Missing rule IDs are generated.
func (e *Engine) StoreWorkflow(ctx context.Context, w *workflow.Workflow) error {
	if err := w.Validate(); err != nil {
		return validationError("Invalid workflow", err.Error())
	}
	logger := ctxlog.Logger(ctx, e.logger).With(logkeys.WorkflowID, w.ID)
	var problems []string
	for i, r := range w.Rules {
		_, err := e.storage.RetrieveForm(ctx, r.FormID)
		if errors.Is(err, storage.ErrNotFound) {
			problems = append(problems, fmt.Sprintf("rule %d: form %s not found", i, r.FormID))
		} else if err != nil {
			return logAndError(err, logger, "retrieve rule form")
		}
	}
	if len(problems) > 0 {
		return validationError("Invalid workflow", problems...)
	}
	if w.ID == "" {
		w.ID = e.ider.ID()
	}
	for _, r := range w.Rules {
		if r.ID == "" {
			r.ID = e.ider.ID()
		}
		r.WorkflowID = w.ID
	}
	if err := e.storage.StoreWorkflow(ctx, w); err != nil {
		return logAndError(err, logger, "store workflow")
	}
	return nil
}

// Workflow retrieves the workflow with id.
func (e *Engine) Workflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	w, err := e.storage.RetrieveWorkflow(ctx, id)
	return w, wrapNotFound(err, "Workflow not found")
}

// GrantAccess allows userID to fill the form with formKey.
func (e *Engine) GrantAccess(ctx context.Context, formKey, userID string) error {
	if userID == "" {
		return validationError("User is required")
	}
	f, err := e.Form(ctx, formKey)
	if err != nil {
		return err
	}
	return e.storage.GrantAccess(ctx, f.ID, userID)
}

// RevokeAccess removes the grant of userID to the form with formKey.
func (e *Engine) RevokeAccess(ctx context.Context, formKey, userID string) error {
	f, err := e.Form(ctx, formKey)
	if err != nil {
		return err
	}
	return e.storage.RevokeAccess(ctx, f.ID, userID)
}
