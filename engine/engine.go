// Package engine implements the NanoForm form session, response, and
// workflow run engine.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/micromdm/nanoform/engine/storage"
	"github.com/micromdm/nanoform/form"
	"github.com/micromdm/nanoform/log/logkeys"
	"github.com/micromdm/nanoform/utils/uuid"
	"github.com/micromdm/nanoform/webhook"

	"github.com/micromdm/nanolib/log"
)

// Dispatcher hands webhook payloads off for background delivery.
type Dispatcher interface {
	Dispatch(ctx context.Context, t *webhook.Target, payload interface{})
}

// Engine coordinates form sessions, responses, and workflow runs.
type Engine struct {
	storage storage.Storage

	access     AccessChecker
	caps       CapabilityChecker
	editPerms  []string
	dispatcher Dispatcher

	logger log.Logger
	ider   uuid.IDer
	tokens uuid.IDer
	now    func() time.Time
}

// Options configure the engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger log.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithIDer sets the generator of record identifiers.
func WithIDer(ider uuid.IDer) Option {
	return func(e *Engine) {
		e.ider = ider
	}
}

// WithTokener sets the generator of session and callback tokens.
func WithTokener(tokens uuid.IDer) Option {
	return func(e *Engine) {
		e.tokens = tokens
	}
}

// WithAccessChecker sets the checker of form access grants.
// By default the storage grants are used.
func WithAccessChecker(access AccessChecker) Option {
	return func(e *Engine) {
		e.access = access
	}
}

// WithCapabilityChecker sets the permission checker.
func WithCapabilityChecker(caps CapabilityChecker) Option {
	return func(e *Engine) {
		e.caps = caps
	}
}

// WithEditPermissions sets the permissions of which any allows editing forms.
func WithEditPermissions(perms ...string) Option {
	return func(e *Engine) {
		e.editPerms = perms
	}
}

// WithDispatcher turns on webhook delivery of submissions.
func WithDispatcher(d Dispatcher) Option {
	return func(e *Engine) {
		e.dispatcher = d
	}
}

// WithClock sets the source of the current time.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates a new engine with default configurations.
func New(storage storage.Storage, opts ...Option) *Engine {
	e := &Engine{
		storage:   storage,
		access:    storage,
		caps:      SetCapabilities{},
		editPerms: DefaultEditPermissions,
		logger:    log.NopLogger,
		ider:      uuid.NewUUID(),
		tokens:    uuid.NewToken(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// sessionExpiry returns the expiry of a session created at t.
func sessionExpiry(t time.Time) time.Time {
	return t.AddDate(0, 3, 0)
}

// newSession creates a new open session for formID.
func (e *Engine) newSession(formID, userID string, totalSteps int) *form.Session {
	now := e.now()
	return &form.Session{
		Token:       e.tokens.ID(),
		FormID:      formID,
		UserID:      userID,
		CurrentStep: 1,
		TotalSteps:  totalSteps,
		Active:      true,
		ExpiresAt:   sessionExpiry(now),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// webhookTarget converts the webhook configuration of a form.
func webhookTarget(w *form.Webhook) *webhook.Target {
	if w == nil || w.URL == "" {
		return nil
	}
	return &webhook.Target{
		URL:         w.URL,
		Secret:      w.Secret,
		Timeout:     w.Timeout(),
		RetryCount:  w.RetryCount,
		HeaderKey:   w.HeaderKey,
		HeaderValue: w.HeaderValue,
	}
}

func logAndError(err error, logger log.Logger, msg string) error {
	logger.Info(
		logkeys.Message, msg,
		logkeys.Error, err,
	)
	return fmt.Errorf("%s: %w", msg, err)
}
