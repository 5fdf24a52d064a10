package http

import (
	"net/http"

	"github.com/micromdm/nanolib/log"
)

type APIEngine interface {
	FormStorer
	AccessGranter
	SessionResolver
	ResponseSaver
	OptionJobber
	WorkflowStorer
	RunEngine
}

// Mux can register HTTP handlers.
// Ostensibly this supports flow router.
type Mux interface {
	// Handle registers the handler for the given pattern.
	Handle(pattern string, handler http.Handler, methods ...string)
}

// HandleAPIv1 registers the various API handlers into mux.
// API endpoint paths are prepended with prefix.
// Authentication or any other layered handlers are not present.
// They are assumed to be layered with mux, possibly at the Handle call.
// The caller identity is resolved with idf.
// The logger is adorned with a "handler" key of the endpoint name.
func HandleAPIv1(prefix string, mux Mux, logger log.Logger, e APIEngine, idf IdentityFunc) {
	// forms

	mux.Handle(
		prefix+"/form/:key",
		PutFormHandler(e, logger.With("handler", "put form")),
		"PUT",
	)
	mux.Handle(
		prefix+"/form/:key",
		GetFormHandler(e, logger.With("handler", "get form")),
		"GET",
	)
	mux.Handle(
		prefix+"/form/:key/field/:id",
		DeleteFieldHandler(e, logger.With("handler", "delete field")),
		"DELETE",
	)
	mux.Handle(
		prefix+"/form/:key/access/:user",
		GrantAccessHandler(e, logger.With("handler", "grant access")),
		"PUT",
	)
	mux.Handle(
		prefix+"/form/:key/access/:user",
		RevokeAccessHandler(e, logger.With("handler", "revoke access")),
		"DELETE",
	)

	// sessions and responses

	mux.Handle(
		prefix+"/form/:key/session",
		ResolveSessionHandler(e, idf, logger.With("handler", "resolve session")),
		"POST",
	)
	mux.Handle(
		prefix+"/session/:token/draft",
		SaveDraftHandler(e, idf, logger.With("handler", "save draft")),
		"PUT",
	)
	mux.Handle(
		prefix+"/form/:key/submit",
		SubmitHandler(e, idf, logger.With("handler", "submit")),
		"POST",
	)

	// option jobs

	mux.Handle(
		prefix+"/form/:key/field/:id/optionjob",
		CreateOptionJobHandler(e, logger.With("handler", "create option job")),
		"POST",
	)
	mux.Handle(
		prefix+"/optionjobs/callback",
		OptionCallbackHandler(e, logger.With("handler", "option job callback")),
		"POST",
	)

	// workflows

	mux.Handle(
		prefix+"/workflow/:id",
		PutWorkflowHandler(e, logger.With("handler", "put workflow")),
		"PUT",
	)
	mux.Handle(
		prefix+"/workflow/:id",
		GetWorkflowHandler(e, logger.With("handler", "get workflow")),
		"GET",
	)
	mux.Handle(
		prefix+"/workflow/:id/run",
		CreateRunHandler(e, idf, logger.With("handler", "create run")),
		"POST",
	)

	// runs and items

	mux.Handle(
		prefix+"/run/:id",
		GetRunHandler(e, logger.With("handler", "get run")),
		"GET",
	)
	mux.Handle(
		prefix+"/run/:id/lock",
		LockRunHandler(e, idf, logger.With("handler", "lock run")),
		"POST",
	)
	mux.Handle(
		prefix+"/run/:id/cancel",
		CancelRunHandler(e, idf, logger.With("handler", "cancel run")),
		"POST",
	)
	mux.Handle(
		prefix+"/run/:id/item",
		AddRepeatItemHandler(e, logger.With("handler", "add item")),
		"POST",
	)
	mux.Handle(
		prefix+"/item/:id/start",
		StartItemHandler(e, idf, logger.With("handler", "start item")),
		"POST",
	)
	mux.Handle(
		prefix+"/item/:id/skip",
		SkipItemHandler(e, idf, logger.With("handler", "skip item")),
		"POST",
	)
	mux.Handle(
		prefix+"/item/:id/assign",
		AssignItemHandler(e, logger.With("handler", "assign item")),
		"POST",
	)
}
