package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/micromdm/nanoform/engine/storage"
	"github.com/micromdm/nanoform/form"
	"github.com/micromdm/nanoform/log/logkeys"

	"github.com/micromdm/nanolib/log"
	"github.com/robfig/cron/v3"
)

const (
	// DefaultSchedule runs the reminder worker once a day at midnight.
	DefaultSchedule = "@daily"

	// DefaultReminderAge is how long an open session must be idle
	// before its user is reminded.
	DefaultReminderAge = time.Hour * 24 * 3
)

// Notifier reminds the user of an idle session.
type Notifier interface {
	NotifyReminder(ctx context.Context, s *form.Session) error
}

// Worker reminds users of idle open sessions on a schedule.
// Each session is reminded at most once.
type Worker struct {
	storage  storage.WorkerStorage
	notifier Notifier
	logger   log.Logger

	// schedule is a cron spec of when the worker runs.
	schedule string

	// age is how long a session must be idle to be reminded.
	age time.Duration

	now func() time.Time
}

type WorkerOption func(w *Worker)

func WithWorkerLogger(logger log.Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = logger
	}
}

// WithWorkerSchedule configures the cron spec of when the worker runs.
func WithWorkerSchedule(spec string) WorkerOption {
	return func(w *Worker) {
		w.schedule = spec
	}
}

// WithWorkerReminderAge configures how long a session must be idle to be reminded.
func WithWorkerReminderAge(d time.Duration) WorkerOption {
	return func(w *Worker) {
		w.age = d
	}
}

// WithWorkerClock sets the source of the current time.
func WithWorkerClock(now func() time.Time) WorkerOption {
	return func(w *Worker) {
		w.now = now
	}
}

// NewWorker creates a new reminder worker that finds idle sessions in
// storage and reminds their users with notifier.
func NewWorker(storage storage.WorkerStorage, notifier Notifier, opts ...WorkerOption) *Worker {
	w := &Worker{
		storage:  storage,
		notifier: notifier,
		logger:   log.NopLogger,
		schedule: DefaultSchedule,
		age:      DefaultReminderAge,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// RunOnce reminds the users of all idle sessions.
// A failed reminder is logged and retried on the next run.
func (w *Worker) RunOnce(ctx context.Context) error {
	now := w.now()
	sessions, err := w.storage.RetrieveRemindableSessions(ctx, now.Add(-w.age), now)
	if err != nil {
		return logAndError(err, w.logger, "retrieving remindable sessions")
	}
	var sent int
	for _, s := range sessions {
		logger := w.logger.With(
			logkeys.FormID, s.FormID,
			logkeys.UserID, s.UserID,
		)
		if err = w.notifier.NotifyReminder(ctx, s); err != nil {
			logger.Info(
				logkeys.Message, "sending reminder",
				logkeys.Error, err,
			)
			continue
		}
		if err = w.storage.MarkReminderSent(ctx, s.Token, w.now()); err != nil {
			logger.Info(
				logkeys.Message, "marking reminder sent",
				logkeys.Error, err,
			)
			continue
		}
		sent++
	}
	w.logger.Debug(
		logkeys.Message, "reminders sent",
		logkeys.GenericCount, sent,
		"failed", len(sessions)-sent,
	)
	return nil
}

// Run runs the worker on its schedule until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Debug(logkeys.Message, "starting worker", "schedule", w.schedule)

	c := cron.New(cron.WithLogger(cronLogger{w.logger}))
	_, err := c.AddFunc(w.schedule, func() {
		w.RunOnce(ctx)
	})
	if err != nil {
		return fmt.Errorf("adding schedule %q: %w", w.schedule, err)
	}
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	return ctx.Err()
}

// cronLogger adapts a logger to the cron scheduler.
type cronLogger struct {
	logger log.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(append([]interface{}{logkeys.Message, msg}, keysAndValues...)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Info(append([]interface{}{logkeys.Message, msg, logkeys.Error, err}, keysAndValues...)...)
}
