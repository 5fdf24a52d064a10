package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/micromdm/nanoform/engine/storage"
	"github.com/micromdm/nanoform/form"
	"github.com/micromdm/nanoform/log/logkeys"
	"github.com/micromdm/nanoform/workflow"

	"github.com/micromdm/nanolib/log/ctxlog"
)

// lockRun retrieves and holds the run with id for the rest of tx.
func lockRun(ctx context.Context, tx storage.Tx, id string) (*workflow.Run, error) {
	run, err := tx.RunForUpdate(ctx, id)
	if err != nil {
		return nil, wrapNotFound(err, msgRunNotFound)
	}
	return run, nil
}

// lockItem retrieves the item with id and holds its run for the rest of tx.
// The item is read again once its run is held.
func lockItem(ctx context.Context, tx storage.Tx, id string) (*workflow.Item, *workflow.Run, error) {
	item, err := tx.Item(ctx, id)
	if err != nil {
		return nil, nil, wrapNotFound(err, msgItemNotFound)
	}
	run, err := lockRun(ctx, tx, item.RunID)
	if err != nil {
		return nil, nil, err
	}
	if item, err = tx.Item(ctx, id); err != nil {
		return nil, nil, wrapNotFound(err, msgItemNotFound)
	}
	return item, run, nil
}

// recompute derives the status of run from its items and stores it
// if it changed. A cancelled run is left as it is.
func recompute(ctx context.Context, tx storage.Tx, run *workflow.Run, now time.Time) (workflow.RunStatus, error) {
	if run.Cancelled() {
		return run.Status, nil
	}
	w, err := tx.Workflow(ctx, run.WorkflowID)
	if err != nil {
		return "", fmt.Errorf("retrieve workflow %s: %w", run.WorkflowID, err)
	}
	items, err := tx.RunItems(ctx, run.ID)
	if err != nil {
		return "", fmt.Errorf("retrieve run items: %w", err)
	}
	status := workflow.Recompute(run.Status, items, w.RuleMap())
	if status == run.Status {
		return status, nil
	}
	run.Status = status
	run.UpdatedAt = now
	if status == workflow.RunCompleted {
		run.CompletedAt = now
	} else {
		run.CompletedAt = time.Time{}
	}
	if err = tx.UpdateRun(ctx, run); err != nil {
		return "", fmt.Errorf("update run status: %w", err)
	}
	return status, nil
}

// CreateRun creates a run of the workflow with workflowID. One item is
// seeded for each rule of the workflow in rule order. A workflow without
// rules yields a completed run.
func (e *Engine) CreateRun(ctx context.Context, workflowID, displayName, createdBy string) (*workflow.Run, []*workflow.Item, error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return nil, nil, validationError(msgDisplayName)
	}
	logger := ctxlog.Logger(ctx, e.logger).With(
		logkeys.WorkflowID, workflowID,
		logkeys.UserID, createdBy,
	)
	var (
		run   *workflow.Run
		items []*workflow.Item
	)
	err := e.storage.Tx(ctx, func(ctx context.Context, tx storage.Tx) error {
		now := e.now()
		w, err := tx.Workflow(ctx, workflowID)
		if err != nil {
			return wrapNotFound(err, "Workflow not found")
		}
		if !w.Active() {
			return conflictError("Workflow is not active")
		}
		run = &workflow.Run{
			ID:          e.ider.ID(),
			WorkflowID:  w.ID,
			DisplayName: displayName,
			CreatedBy:   createdBy,
			Status:      workflow.RunNotStarted,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err = tx.CreateRun(ctx, run); err != nil {
			return fmt.Errorf("create run: %w", err)
		}
		items = nil
		for _, rule := range w.SortedRules() {
			item := &workflow.Item{
				ID:          e.ider.ID(),
				RunID:       run.ID,
				RuleID:      rule.ID,
				FormID:      rule.FormID,
				SequenceNum: 1,
				Status:      workflow.ItemNotStarted,
				DisplayName: rule.DefaultDisplayName,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err = tx.CreateItem(ctx, item); err != nil {
				return fmt.Errorf("create item for rule %s: %w", rule.ID, err)
			}
			items = append(items, item)
		}
		_, err = recompute(ctx, tx, run, now)
		return err
	})
	if err != nil {
		return nil, nil, logAndError(err, logger, "create run")
	}
	logger.Debug(
		logkeys.Message, "created run",
		logkeys.RunID, run.ID,
		logkeys.Status, run.Status,
		logkeys.GenericCount, len(items),
	)
	return run, items, nil
}

// ItemStart is the result of starting an item.
type ItemStart struct {
	Item      *workflow.Item     `json:"item"`
	RunStatus workflow.RunStatus `json:"run_status"`
	Session   *form.Session      `json:"session"`

	// Reused is true if the session of a previous start was returned.
	Reused bool `json:"reused"`
}

// StartItem starts the item with itemID for userID. A not started item
// moves to in progress. The session of userID for the item is returned,
// created if needed, even if the item is already done.
func (e *Engine) StartItem(ctx context.Context, itemID, userID string) (*ItemStart, error) {
	if userID == "" {
		return nil, validationError("User is required")
	}
	logger := ctxlog.Logger(ctx, e.logger).With(
		logkeys.ItemID, itemID,
		logkeys.UserID, userID,
	)
	start := new(ItemStart)
	err := e.storage.Tx(ctx, func(ctx context.Context, tx storage.Tx) error {
		*start = ItemStart{}
		now := e.now()
		item, run, err := lockItem(ctx, tx, itemID)
		if err != nil {
			return err
		}
		if run.Cancelled() {
			return conflictError(msgRunCancelled)
		}
		if item.Status == workflow.ItemNotStarted {
			item.Status = workflow.ItemInProgress
			item.UpdatedAt = now
			if err = tx.UpdateItem(ctx, item); err != nil {
				return fmt.Errorf("update item: %w", err)
			}
		}
		if start.RunStatus, err = recompute(ctx, tx, run, now); err != nil {
			return err
		}
		start.Item = item

		start.Session, err = tx.ItemSession(ctx, item.ID, run.ID, userID)
		if err == nil {
			start.Reused = true
			return nil
		} else if !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("retrieve item session: %w", err)
		}
		f, err := tx.Form(ctx, item.FormID)
		if err != nil {
			return fmt.Errorf("retrieve form %s: %w", item.FormID, err)
		}
		sess := e.newSession(f.ID, userID, f.ActiveFields())
		sess.WorkflowRunID = run.ID
		sess.WorkflowItemID = item.ID
		if start.Session, err = tx.InsertSession(ctx, sess); err != nil {
			return fmt.Errorf("insert item session: %w", err)
		}
		start.Reused = start.Session.Token != sess.Token
		return nil
	})
	if err != nil {
		return nil, logAndError(err, logger, "start item")
	}
	return start, nil
}

// SkipItem skips the item with itemID giving reason, which must not be blank.
func (e *Engine) SkipItem(ctx context.Context, itemID, userID, reason string) (*workflow.Item, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, validationError(msgSkipReason)
	}
	logger := ctxlog.Logger(ctx, e.logger).With(
		logkeys.ItemID, itemID,
		logkeys.UserID, userID,
	)
	var item *workflow.Item
	err := e.storage.Tx(ctx, func(ctx context.Context, tx storage.Tx) error {
		now := e.now()
		var (
			run *workflow.Run
			err error
		)
		if item, run, err = lockItem(ctx, tx, itemID); err != nil {
			return err
		}
		if run.Cancelled() {
			return conflictError(msgRunCancelled)
		}
		item.Status = workflow.ItemSkipped
		item.SkipReason = reason
		item.CompletedAt = now
		item.UpdatedAt = now
		if err = tx.UpdateItem(ctx, item); err != nil {
			return fmt.Errorf("update item: %w", err)
		}
		_, err = recompute(ctx, tx, run, now)
		return err
	})
	if err != nil {
		return nil, logAndError(err, logger, "skip item")
	}
	return item, nil
}

// RepeatItem describes a new instance of a repeatable rule.
// The run is given by RunID or taken from the item with ItemID.
// The rule is given by RuleID or taken from the item with ItemID.
type RepeatItem struct {
	RunID  string `json:"run_id,omitempty"`
	ItemID string `json:"item_id,omitempty"`
	RuleID string `json:"workflow_form_id,omitempty"`

	AssignedUserID string `json:"assigned_user_id,omitempty"`
	DisplayName    string `json:"display_name,omitempty"`
}

// AddRepeatItem adds another item for a rule that allows multiple items.
// The run must be neither cancelled nor locked. Its sequence number
// follows the highest of the rule's items in the run.
func (e *Engine) AddRepeatItem(ctx context.Context, r *RepeatItem) (*workflow.Item, error) {
	if r.RunID == "" && r.ItemID == "" {
		return nil, validationError("Run or item is required")
	}
	logger := ctxlog.Logger(ctx, e.logger).With(
		logkeys.RunID, r.RunID,
		logkeys.RuleID, r.RuleID,
	)
	var item *workflow.Item
	err := e.storage.Tx(ctx, func(ctx context.Context, tx storage.Tx) error {
		now := e.now()
		runID, ruleID := r.RunID, r.RuleID
		if r.ItemID != "" {
			src, err := tx.Item(ctx, r.ItemID)
			if err != nil {
				return wrapNotFound(err, msgItemNotFound)
			}
			if runID == "" {
				runID = src.RunID
			} else if runID != src.RunID {
				return validationError("Item does not belong to the run")
			}
			if ruleID == "" {
				ruleID = src.RuleID
			}
		}
		if ruleID == "" {
			return validationError("Workflow form is required")
		}
		run, err := lockRun(ctx, tx, runID)
		if err != nil {
			return err
		}
		if run.Cancelled() {
			return conflictError(msgRunCancelled)
		}
		if run.Locked() {
			return conflictError(msgRunLocked)
		}
		w, err := tx.Workflow(ctx, run.WorkflowID)
		if err != nil {
			return fmt.Errorf("retrieve workflow %s: %w", run.WorkflowID, err)
		}
		rule := w.Rule(ruleID)
		if rule == nil {
			return notFoundError("Workflow form not found", nil)
		}
		if !rule.AllowMultiple {
			return conflictError(msgNotRepeatable)
		}
		seq, err := tx.MaxItemSequence(ctx, run.ID, rule.ID)
		if err != nil {
			return fmt.Errorf("max item sequence: %w", err)
		}
		item = &workflow.Item{
			ID:             e.ider.ID(),
			RunID:          run.ID,
			RuleID:         rule.ID,
			FormID:         rule.FormID,
			SequenceNum:    seq + 1,
			Status:         workflow.ItemNotStarted,
			AssignedUserID: r.AssignedUserID,
			DisplayName:    r.DisplayName,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if item.DisplayName == "" {
			item.DisplayName = rule.DefaultDisplayName
		}
		if err = tx.CreateItem(ctx, item); err != nil {
			return fmt.Errorf("create item: %w", err)
		}
		_, err = recompute(ctx, tx, run, now)
		return err
	})
	if err != nil {
		return nil, logAndError(err, logger, "add repeat item")
	}
	return item, nil
}

// AssignItem assigns the item with itemID to assigneeID.
// An empty assigneeID unassigns the item.
func (e *Engine) AssignItem(ctx context.Context, itemID, assigneeID string) (*workflow.Item, error) {
	logger := ctxlog.Logger(ctx, e.logger).With(logkeys.ItemID, itemID)
	var item *workflow.Item
	err := e.storage.Tx(ctx, func(ctx context.Context, tx storage.Tx) error {
		now := e.now()
		var (
			run *workflow.Run
			err error
		)
		if item, run, err = lockItem(ctx, tx, itemID); err != nil {
			return err
		}
		if run.Cancelled() {
			return conflictError(msgRunCancelled)
		}
		item.AssignedUserID = assigneeID
		item.UpdatedAt = now
		if err = tx.UpdateItem(ctx, item); err != nil {
			return fmt.Errorf("update item: %w", err)
		}
		_, err = recompute(ctx, tx, run, now)
		return err
	})
	if err != nil {
		return nil, logAndError(err, logger, "assign item")
	}
	return item, nil
}

// markItemSubmitted marks the item submitted within tx.
func (e *Engine) markItemSubmitted(ctx context.Context, tx storage.Tx, itemID, runID string) (*workflow.Item, error) {
	now := e.now()
	run, err := lockRun(ctx, tx, runID)
	if err != nil {
		return nil, err
	}
	item, err := tx.Item(ctx, itemID)
	if err != nil {
		return nil, wrapNotFound(err, msgItemNotFound)
	}
	if item.RunID != run.ID {
		return nil, validationError("Item does not belong to the run")
	}
	if run.Cancelled() {
		return nil, conflictError(msgRunCancelled)
	}
	item.Status = workflow.ItemSubmitted
	item.CompletedAt = now
	item.UpdatedAt = now
	if err = tx.UpdateItem(ctx, item); err != nil {
		return nil, fmt.Errorf("update item: %w", err)
	}
	if _, err = recompute(ctx, tx, run, now); err != nil {
		return nil, err
	}
	return item, nil
}

// MarkItemSubmitted marks the item with itemID of the run with runID submitted.
// Nothing is done and nil is returned if either ID is empty.
func (e *Engine) MarkItemSubmitted(ctx context.Context, itemID, runID string) (*workflow.Item, error) {
	if itemID == "" || runID == "" {
		return nil, nil
	}
	logger := ctxlog.Logger(ctx, e.logger).With(
		logkeys.ItemID, itemID,
		logkeys.RunID, runID,
	)
	var item *workflow.Item
	err := e.storage.Tx(ctx, func(ctx context.Context, tx storage.Tx) (err error) {
		item, err = e.markItemSubmitted(ctx, tx, itemID, runID)
		return
	})
	if err != nil {
		return nil, logAndError(err, logger, "mark item submitted")
	}
	return item, nil
}

// LockRun locks the run with runID. Locking only prevents adding items.
// Locking a locked run has no effect.
func (e *Engine) LockRun(ctx context.Context, runID, userID string) (*workflow.Run, error) {
	logger := ctxlog.Logger(ctx, e.logger).With(
		logkeys.RunID, runID,
		logkeys.UserID, userID,
	)
	var run *workflow.Run
	err := e.storage.Tx(ctx, func(ctx context.Context, tx storage.Tx) (err error) {
		if run, err = lockRun(ctx, tx, runID); err != nil {
			return err
		}
		if run.Cancelled() {
			return conflictError(msgRunCancelled)
		}
		if run.Locked() {
			return nil
		}
		now := e.now()
		run.LockedAt = now
		run.LockedBy = userID
		run.UpdatedAt = now
		return tx.UpdateRun(ctx, run)
	})
	if err != nil {
		return nil, logAndError(err, logger, "lock run")
	}
	return run, nil
}

// CancelRun cancels the run with runID. A cancelled run accepts no
// further changes and its status is never recomputed.
func (e *Engine) CancelRun(ctx context.Context, runID, userID, reason string) (*workflow.Run, error) {
	logger := ctxlog.Logger(ctx, e.logger).With(
		logkeys.RunID, runID,
		logkeys.UserID, userID,
	)
	var run *workflow.Run
	err := e.storage.Tx(ctx, func(ctx context.Context, tx storage.Tx) (err error) {
		if run, err = lockRun(ctx, tx, runID); err != nil {
			return err
		}
		if run.Cancelled() {
			return conflictError(msgRunCancelled)
		}
		now := e.now()
		run.Status = workflow.RunCancelled
		run.CancelledAt = now
		run.CancelledBy = userID
		run.CancelReason = strings.TrimSpace(reason)
		run.UpdatedAt = now
		return tx.UpdateRun(ctx, run)
	})
	if err != nil {
		return nil, logAndError(err, logger, "cancel run")
	}
	logger.Debug(logkeys.Message, "cancelled run")
	return run, nil
}

// RecomputeRun recomputes and stores the status of the run with runID.
func (e *Engine) RecomputeRun(ctx context.Context, runID string) (workflow.RunStatus, error) {
	logger := ctxlog.Logger(ctx, e.logger).With(logkeys.RunID, runID)
	var status workflow.RunStatus
	err := e.storage.Tx(ctx, func(ctx context.Context, tx storage.Tx) error {
		run, err := lockRun(ctx, tx, runID)
		if err != nil {
			return err
		}
		status, err = recompute(ctx, tx, run, e.now())
		return err
	})
	if err != nil {
		return "", logAndError(err, logger, "recompute run")
	}
	return status, nil
}

// Run retrieves the run with runID and its items in rule order.
func (e *Engine) Run(ctx context.Context, runID string) (*workflow.Run, []*workflow.Item, error) {
	var (
		run   *workflow.Run
		items []*workflow.Item
	)
	err := e.storage.Tx(ctx, func(ctx context.Context, tx storage.Tx) (err error) {
		if run, err = tx.Run(ctx, runID); err != nil {
			return wrapNotFound(err, msgRunNotFound)
		}
		if items, err = tx.RunItems(ctx, runID); err != nil {
			return err
		}
		w, err := tx.Workflow(ctx, run.WorkflowID)
		if err != nil {
			return fmt.Errorf("retrieve workflow %s: %w", run.WorkflowID, err)
		}
		workflow.SortItems(items, w.RuleMap())
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return run, items, nil
}
