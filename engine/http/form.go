package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/micromdm/nanoform/engine"
	"github.com/micromdm/nanoform/form"
	nfhttp "github.com/micromdm/nanoform/http"
	"github.com/micromdm/nanoform/http/api"
	"github.com/micromdm/nanoform/log/logkeys"

	"github.com/alexedwards/flow"
	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

type FormStorer interface {
	StoreForm(ctx context.Context, f *form.Form) error
	Form(ctx context.Context, formKey string) (*form.Form, error)
	DeleteField(ctx context.Context, formKey, fieldID string) (bool, error)
}

type AccessGranter interface {
	GrantAccess(ctx context.Context, formKey, userID string) error
	RevokeAccess(ctx context.Context, formKey, userID string) error
}

type SessionResolver interface {
	ResolveSession(ctx context.Context, id *engine.Identity, formKey string, mode engine.Mode) (*form.Session, error)
}

type ResponseSaver interface {
	SaveDraft(ctx context.Context, d *engine.Draft) (string, error)
	Submit(ctx context.Context, id *engine.Identity, s *engine.Submission) (*engine.SubmitResult, error)
}

type OptionJobber interface {
	CreateOptionJob(ctx context.Context, formKey, fieldID string) (*form.OptionJob, error)
	CompleteOptionJob(ctx context.Context, jobID, token string, cb *engine.OptionCallback) error
}

// PutFormHandler stores the JSON form definition in the body under the key parameter.
func PutFormHandler(store FormStorer, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		key := flow.Param(r.Context(), "key")
		if key == "" {
			logger.Info(logkeys.Message, "parameters", logkeys.Error, ErrNoKey)
			api.JSONError(w, ErrNoKey, http.StatusBadRequest)
			return
		}

		logger = logger.With(logkeys.FormKey, key)
		f := new(form.Form)
		if err := decodeBody(w, r, f); err != nil {
			logger.Info(logkeys.Message, "decoding body", logkeys.Error, err)
			api.JSONError(w, err, http.StatusBadRequest)
			return
		}
		f.Key = key

		if err := store.StoreForm(r.Context(), f); err != nil {
			engineError(w, logger, "storing form", err)
			return
		}

		logger.Debug(logkeys.Message, "stored form", logkeys.FormID, f.ID)
		writeJSON(w, logger, http.StatusOK, f)
	}
}

// GetFormHandler returns the JSON form definition with the key parameter.
func GetFormHandler(store FormStorer, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		key := flow.Param(r.Context(), "key")
		logger = logger.With(logkeys.FormKey, key)

		f, err := store.Form(r.Context(), key)
		if err != nil {
			engineError(w, logger, "retrieve form", err)
			return
		}

		logger.Debug(
			logkeys.Message, "retrieved form",
			logkeys.GenericCount, len(f.Fields),
		)
		writeJSON(w, logger, http.StatusOK, f)
	}
}

// DeleteFieldHandler retires the field with the id parameter.
func DeleteFieldHandler(store FormStorer, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		key := flow.Param(r.Context(), "key")
		id := flow.Param(r.Context(), "id")
		logger = logger.With(logkeys.FormKey, key, logkeys.FieldID, id)

		deactivated, err := store.DeleteField(r.Context(), key, id)
		if err != nil {
			engineError(w, logger, "deleting field", err)
			return
		}

		writeJSON(w, logger, http.StatusOK, &struct {
			Deactivated bool `json:"deactivated"`
		}{Deactivated: deactivated})
	}
}

// GrantAccessHandler allows the user parameter to fill the form with the key parameter.
func GrantAccessHandler(granter AccessGranter, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		key := flow.Param(r.Context(), "key")
		user := flow.Param(r.Context(), "user")
		logger = logger.With(logkeys.FormKey, key, logkeys.UserID, user)

		if err := granter.GrantAccess(r.Context(), key, user); err != nil {
			engineError(w, logger, "granting access", err)
			return
		}

		logger.Debug(logkeys.Message, "granted access")
		w.WriteHeader(http.StatusNoContent)
	}
}

// RevokeAccessHandler removes the grant of the user parameter.
func RevokeAccessHandler(granter AccessGranter, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		key := flow.Param(r.Context(), "key")
		user := flow.Param(r.Context(), "user")
		if user == "" {
			logger.Info(logkeys.Message, "parameters", logkeys.Error, ErrNoUser)
			api.JSONError(w, ErrNoUser, http.StatusBadRequest)
			return
		}
		logger = logger.With(logkeys.FormKey, key, logkeys.UserID, user)

		if err := granter.RevokeAccess(r.Context(), key, user); err != nil {
			engineError(w, logger, "revoking access", err)
			return
		}

		logger.Debug(logkeys.Message, "revoked access")
		w.WriteHeader(http.StatusNoContent)
	}
}

// ResolveSessionHandler returns the session for rendering the form with
// the key parameter. The mode query parameter is fill (default) or edit.
func ResolveSessionHandler(resolver SessionResolver, idf IdentityFunc, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		key := flow.Param(r.Context(), "key")
		mode := engine.Mode(r.URL.Query().Get("mode"))
		id := identity(idf, r)
		logger = logger.With(logkeys.FormKey, key, "mode", mode)
		if id != nil {
			logger = logger.With(logkeys.UserID, id.UserID)
		}

		sess, err := resolver.ResolveSession(r.Context(), id, key, mode)
		if err != nil {
			engineError(w, logger, "resolving session", err)
			return
		}

		writeJSON(w, logger, http.StatusOK, sess)
	}
}

type draftRequest struct {
	FormID      string         `json:"form_id"`
	CurrentStep int            `json:"current_step"`
	TotalSteps  int            `json:"total_steps"`
	Values      []engine.Value `json:"values"`
}

// SaveDraftHandler saves the JSON draft in the body for the session
// with the token parameter.
func SaveDraftHandler(saver ResponseSaver, idf IdentityFunc, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		req := new(draftRequest)
		if err := decodeBody(w, r, req); err != nil {
			logger.Info(logkeys.Message, "decoding body", logkeys.Error, err)
			api.JSONError(w, err, http.StatusBadRequest)
			return
		}

		d := &engine.Draft{
			SessionToken: flow.Param(r.Context(), "token"),
			FormID:       req.FormID,
			CurrentStep:  req.CurrentStep,
			TotalSteps:   req.TotalSteps,
			Values:       req.Values,
			ClientIP:     nfhttp.RemoteIP(r),
			UserAgent:    r.UserAgent(),
		}
		if id := identity(idf, r); id != nil {
			d.UserID = id.UserID
		}
		logger = logger.With(logkeys.FormID, d.FormID, logkeys.UserID, d.UserID)

		responseID, err := saver.SaveDraft(r.Context(), d)
		if err != nil {
			engineError(w, logger, "saving draft", err)
			return
		}

		writeJSON(w, logger, http.StatusOK, &struct {
			ResponseID string `json:"response_id"`
		}{ResponseID: responseID})
	}
}

type submitRequest struct {
	SessionToken string         `json:"session_token"`
	Values       []engine.Value `json:"values"`
}

// SubmitHandler submits the session given in the JSON body for the form
// with the key parameter.
func SubmitHandler(saver ResponseSaver, idf IdentityFunc, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		key := flow.Param(r.Context(), "key")
		logger = logger.With(logkeys.FormKey, key)
		req := new(submitRequest)
		if err := decodeBody(w, r, req); err != nil {
			logger.Info(logkeys.Message, "decoding body", logkeys.Error, err)
			api.JSONError(w, err, http.StatusBadRequest)
			return
		}

		res, err := saver.Submit(r.Context(), identity(idf, r), &engine.Submission{
			FormKey:      key,
			SessionToken: req.SessionToken,
			Values:       req.Values,
			ClientIP:     nfhttp.RemoteIP(r),
			UserAgent:    r.UserAgent(),
		})
		if err != nil {
			engineError(w, logger, "submitting", err)
			return
		}

		logger.Debug(logkeys.Message, "submitted", logkeys.Response, res.ResponseID)
		writeJSON(w, logger, http.StatusOK, res)
	}
}

// CreateOptionJobHandler creates an option-population job for the field
// with the id parameter of the form with the key parameter.
func CreateOptionJobHandler(jobber OptionJobber, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		key := flow.Param(r.Context(), "key")
		id := flow.Param(r.Context(), "id")
		logger = logger.With(logkeys.FormKey, key, logkeys.FieldID, id)

		job, err := jobber.CreateOptionJob(r.Context(), key, id)
		if err != nil {
			engineError(w, logger, "creating option job", err)
			return
		}

		writeJSON(w, logger, http.StatusCreated, &struct {
			JobID         string `json:"job_id"`
			CallbackToken string `json:"callback_token"`
		}{JobID: job.ID, CallbackToken: job.CallbackToken})
	}
}

const (
	HeaderJobID         = "X-Job-Id"
	HeaderCallbackToken = "X-Callback-Token"
)

// OptionCallbackHandler accepts the callback of an option-population job.
// The job is identified and authenticated by request headers.
func OptionCallbackHandler(jobber OptionJobber, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		jobID := r.Header.Get(HeaderJobID)
		logger = logger.With(logkeys.JobID, jobID)
		cb := new(engine.OptionCallback)
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodySize)).Decode(cb); err != nil {
			logger.Info(logkeys.Message, "decoding body", logkeys.Error, err)
			api.JSONError(w, err, http.StatusBadRequest)
			return
		}

		err := jobber.CompleteOptionJob(r.Context(), jobID, r.Header.Get(HeaderCallbackToken), cb)
		if err != nil {
			engineError(w, logger, "completing option job", err)
			return
		}

		logger.Debug(logkeys.Message, "completed option job")
		w.WriteHeader(http.StatusNoContent)
	}
}
