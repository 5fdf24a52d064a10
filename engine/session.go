package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/micromdm/nanoform/engine/storage"
	"github.com/micromdm/nanoform/form"
	"github.com/micromdm/nanoform/log/logkeys"

	"github.com/micromdm/nanolib/log/ctxlog"
)

// Mode is how a form is rendered for a session.
type Mode string

const (
	// ModeFill renders a published form for an end user to fill.
	ModeFill Mode = "fill"

	// ModeEdit renders a form of any status for a form editor.
	ModeEdit Mode = "edit"
)

// GetOrCreateOpenSession returns the open session of userID for formID,
// creating one if none exists. Concurrent callers for the same user and
// form observe the same session. Sessions without a user are never shared.
// An expired open session is deactivated and replaced.
func (e *Engine) GetOrCreateOpenSession(ctx context.Context, userID, formID string) (*form.Session, error) {
	logger := ctxlog.Logger(ctx, e.logger).With(
		logkeys.UserID, userID,
		logkeys.FormID, formID,
	)
	var sess *form.Session
	err := e.storage.Tx(ctx, func(ctx context.Context, tx storage.Tx) error {
		f, err := tx.Form(ctx, formID)
		if err != nil {
			return wrapNotFound(err, msgFormNotFound)
		}
		if userID != "" {
			now := e.now()
			sess, err = tx.OpenSession(ctx, userID, formID)
			if err == nil && !sess.Expired(now) {
				return nil
			} else if err == nil {
				logger.Debug(logkeys.Message, "replacing expired session")
				if err = tx.DeactivateSession(ctx, sess.Token, now); err != nil {
					return fmt.Errorf("deactivate session: %w", err)
				}
			} else if !errors.Is(err, storage.ErrNotFound) {
				return err
			}
		}
		sess, err = tx.InsertSession(ctx, e.newSession(formID, userID, f.ActiveFields()))
		return err
	})
	if err != nil {
		return nil, logAndError(err, logger, "get or create session")
	}
	return sess, nil
}

// checkAccess returns an error unless id may fill f.
func (e *Engine) checkAccess(ctx context.Context, id *Identity, f *form.Form) error {
	if f.Anonymous {
		return nil
	}
	if !id.Authenticated() {
		return &Error{Kind: ErrUnauthorized, Message: "Authentication required"}
	}
	if f.OwnerID != "" && f.OwnerID == id.UserID {
		return nil
	}
	ok, err := e.access.ValidateAccess(ctx, id.UserID, f.Key)
	if err != nil {
		return err
	} else if !ok {
		return &Error{Kind: ErrForbidden, Message: "Access to this form has not been granted"}
	}
	return nil
}

// checkEdit returns an error unless id may edit forms.
func (e *Engine) checkEdit(id *Identity) error {
	if !id.Authenticated() {
		return &Error{Kind: ErrUnauthorized, Message: "Authentication required"}
	}
	if !e.caps.HasAny(id.Permissions, e.editPerms) {
		return &Error{Kind: ErrForbidden, Message: "Form edit permission required"}
	}
	return nil
}

// ResolveSession returns the session for rendering the form with
// formKey to id in mode. Fill mode requires a published form and an
// access grant unless the form is anonymous. Edit mode requires an edit
// permission and bypasses access grants.
func (e *Engine) ResolveSession(ctx context.Context, id *Identity, formKey string, mode Mode) (*form.Session, error) {
	logger := ctxlog.Logger(ctx, e.logger).With(logkeys.FormKey, formKey)
	f, err := e.storage.RetrieveFormByKey(ctx, formKey)
	if err != nil {
		return nil, logAndError(wrapNotFound(err, msgFormNotFound), logger, "retrieve form")
	}
	switch mode {
	case ModeEdit:
		if err = e.checkEdit(id); err != nil {
			return nil, err
		}
	case ModeFill, "":
		if !f.Published() {
			return nil, conflictError("Form is not published")
		}
		if err = e.checkAccess(ctx, id, f); err != nil {
			return nil, err
		}
	default:
		return nil, validationError("Invalid mode", "mode must be fill or edit")
	}
	return e.GetOrCreateOpenSession(ctx, id.userID(), f.ID)
}
