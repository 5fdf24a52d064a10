package http

import (
	"context"
	"net/http"

	"github.com/micromdm/nanoform/engine"
	"github.com/micromdm/nanoform/http/api"
	"github.com/micromdm/nanoform/log/logkeys"
	"github.com/micromdm/nanoform/workflow"

	"github.com/alexedwards/flow"
	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

type WorkflowStorer interface {
	StoreWorkflow(ctx context.Context, w *workflow.Workflow) error
	Workflow(ctx context.Context, id string) (*workflow.Workflow, error)
}

type RunEngine interface {
	CreateRun(ctx context.Context, workflowID, displayName, createdBy string) (*workflow.Run, []*workflow.Item, error)
	Run(ctx context.Context, runID string) (*workflow.Run, []*workflow.Item, error)
	LockRun(ctx context.Context, runID, userID string) (*workflow.Run, error)
	CancelRun(ctx context.Context, runID, userID, reason string) (*workflow.Run, error)
	AddRepeatItem(ctx context.Context, r *engine.RepeatItem) (*workflow.Item, error)
	StartItem(ctx context.Context, itemID, userID string) (*engine.ItemStart, error)
	SkipItem(ctx context.Context, itemID, userID, reason string) (*workflow.Item, error)
	AssignItem(ctx context.Context, itemID, assigneeID string) (*workflow.Item, error)
}

type runResponse struct {
	Run   *workflow.Run    `json:"run"`
	Items []*workflow.Item `json:"items"`
}

// PutWorkflowHandler stores the JSON workflow template in the body under the id parameter.
func PutWorkflowHandler(store WorkflowStorer, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		id := flow.Param(r.Context(), "id")
		if id == "" {
			logger.Info(logkeys.Message, "parameters", logkeys.Error, ErrNoID)
			api.JSONError(w, ErrNoID, http.StatusBadRequest)
			return
		}

		logger = logger.With(logkeys.WorkflowID, id)
		wf := new(workflow.Workflow)
		if err := decodeBody(w, r, wf); err != nil {
			logger.Info(logkeys.Message, "decoding body", logkeys.Error, err)
			api.JSONError(w, err, http.StatusBadRequest)
			return
		}
		wf.ID = id

		if err := store.StoreWorkflow(r.Context(), wf); err != nil {
			engineError(w, logger, "storing workflow", err)
			return
		}

		logger.Debug(
			logkeys.Message, "stored workflow",
			logkeys.GenericCount, len(wf.Rules),
		)
		writeJSON(w, logger, http.StatusOK, wf)
	}
}

// GetWorkflowHandler returns the JSON workflow template with the id parameter.
func GetWorkflowHandler(store WorkflowStorer, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		id := flow.Param(r.Context(), "id")
		logger = logger.With(logkeys.WorkflowID, id)

		wf, err := store.Workflow(r.Context(), id)
		if err != nil {
			engineError(w, logger, "retrieve workflow", err)
			return
		}

		writeJSON(w, logger, http.StatusOK, wf)
	}
}

// CreateRunHandler creates a run of the workflow with the id parameter.
func CreateRunHandler(e RunEngine, idf IdentityFunc, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		id := flow.Param(r.Context(), "id")
		logger = logger.With(logkeys.WorkflowID, id)
		user := identity(idf, r)
		if !requireUser(w, logger, user) {
			return
		}
		req := new(struct {
			DisplayName string `json:"display_name"`
		})
		if err := decodeBody(w, r, req); err != nil {
			logger.Info(logkeys.Message, "decoding body", logkeys.Error, err)
			api.JSONError(w, err, http.StatusBadRequest)
			return
		}

		run, items, err := e.CreateRun(r.Context(), id, req.DisplayName, user.UserID)
		if err != nil {
			engineError(w, logger, "creating run", err)
			return
		}

		logger.Debug(logkeys.Message, "created run", logkeys.RunID, run.ID)
		writeJSON(w, logger, http.StatusCreated, &runResponse{Run: run, Items: items})
	}
}

// GetRunHandler returns the run with the id parameter and its items.
func GetRunHandler(e RunEngine, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		id := flow.Param(r.Context(), "id")
		logger = logger.With(logkeys.RunID, id)

		run, items, err := e.Run(r.Context(), id)
		if err != nil {
			engineError(w, logger, "retrieve run", err)
			return
		}

		writeJSON(w, logger, http.StatusOK, &runResponse{Run: run, Items: items})
	}
}

// LockRunHandler locks the run with the id parameter.
func LockRunHandler(e RunEngine, idf IdentityFunc, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		id := flow.Param(r.Context(), "id")
		logger = logger.With(logkeys.RunID, id)
		user := identity(idf, r)
		if !requireUser(w, logger, user) {
			return
		}

		run, err := e.LockRun(r.Context(), id, user.UserID)
		if err != nil {
			engineError(w, logger, "locking run", err)
			return
		}

		writeJSON(w, logger, http.StatusOK, run)
	}
}

// CancelRunHandler cancels the run with the id parameter.
func CancelRunHandler(e RunEngine, idf IdentityFunc, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		id := flow.Param(r.Context(), "id")
		logger = logger.With(logkeys.RunID, id)
		user := identity(idf, r)
		if !requireUser(w, logger, user) {
			return
		}
		req := new(struct {
			Reason string `json:"reason"`
		})
		if err := decodeBody(w, r, req); err != nil {
			logger.Info(logkeys.Message, "decoding body", logkeys.Error, err)
			api.JSONError(w, err, http.StatusBadRequest)
			return
		}

		run, err := e.CancelRun(r.Context(), id, user.UserID, req.Reason)
		if err != nil {
			engineError(w, logger, "cancelling run", err)
			return
		}

		writeJSON(w, logger, http.StatusOK, run)
	}
}

// AddRepeatItemHandler adds an item to the run with the id parameter.
func AddRepeatItemHandler(e RunEngine, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		id := flow.Param(r.Context(), "id")
		logger = logger.With(logkeys.RunID, id)
		req := new(engine.RepeatItem)
		if err := decodeBody(w, r, req); err != nil {
			logger.Info(logkeys.Message, "decoding body", logkeys.Error, err)
			api.JSONError(w, err, http.StatusBadRequest)
			return
		}
		req.RunID = id

		item, err := e.AddRepeatItem(r.Context(), req)
		if err != nil {
			engineError(w, logger, "adding item", err)
			return
		}

		logger.Debug(logkeys.Message, "added item", logkeys.ItemID, item.ID)
		writeJSON(w, logger, http.StatusCreated, item)
	}
}

// StartItemHandler starts the item with the id parameter for the caller.
func StartItemHandler(e RunEngine, idf IdentityFunc, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		id := flow.Param(r.Context(), "id")
		logger = logger.With(logkeys.ItemID, id)
		user := identity(idf, r)
		if !requireUser(w, logger, user) {
			return
		}

		start, err := e.StartItem(r.Context(), id, user.UserID)
		if err != nil {
			engineError(w, logger, "starting item", err)
			return
		}

		writeJSON(w, logger, http.StatusOK, start)
	}
}

// SkipItemHandler skips the item with the id parameter.
func SkipItemHandler(e RunEngine, idf IdentityFunc, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		id := flow.Param(r.Context(), "id")
		logger = logger.With(logkeys.ItemID, id)
		user := identity(idf, r)
		if !requireUser(w, logger, user) {
			return
		}
		req := new(struct {
			Reason string `json:"reason"`
		})
		if err := decodeBody(w, r, req); err != nil {
			logger.Info(logkeys.Message, "decoding body", logkeys.Error, err)
			api.JSONError(w, err, http.StatusBadRequest)
			return
		}

		item, err := e.SkipItem(r.Context(), id, user.UserID, req.Reason)
		if err != nil {
			engineError(w, logger, "skipping item", err)
			return
		}

		writeJSON(w, logger, http.StatusOK, item)
	}
}

// AssignItemHandler assigns the item with the id parameter.
func AssignItemHandler(e RunEngine, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		id := flow.Param(r.Context(), "id")
		logger = logger.With(logkeys.ItemID, id)
		req := new(struct {
			AssignedUserID string `json:"assigned_user_id"`
		})
		if err := decodeBody(w, r, req); err != nil {
			logger.Info(logkeys.Message, "decoding body", logkeys.Error, err)
			api.JSONError(w, err, http.StatusBadRequest)
			return
		}

		item, err := e.AssignItem(r.Context(), id, req.AssignedUserID)
		if err != nil {
			engineError(w, logger, "assigning item", err)
			return
		}

		writeJSON(w, logger, http.StatusOK, item)
	}
}
