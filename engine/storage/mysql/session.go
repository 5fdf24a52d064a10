package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/micromdm/nanoform/engine/storage"
	"github.com/micromdm/nanoform/form"
)

const sessionColumns = `
    token, form_id, user_id, current_step, total_steps, active, completed,
    completed_at, expires_at, workflow_run_id, workflow_item_id,
    reminder_sent_at, created_at, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row scanner) (*form.Session, error) {
	s := new(form.Session)
	var (
		userID, runID, itemID                              sql.NullString
		completedAt, expiresAt, remindedAt, created, updated sql.NullTime
	)
	err := row.Scan(
		&s.Token, &s.FormID, &userID, &s.CurrentStep, &s.TotalSteps, &s.Active, &s.Completed,
		&completedAt, &expiresAt, &runID, &itemID,
		&remindedAt, &created, &updated,
	)
	if err != nil {
		return nil, err
	}
	s.UserID = userID.String
	s.WorkflowRunID = runID.String
	s.WorkflowItemID = itemID.String
	s.CompletedAt = nullTime(completedAt)
	s.ExpiresAt = nullTime(expiresAt)
	s.ReminderSentAt = nullTime(remindedAt)
	s.CreatedAt = nullTime(created)
	s.UpdatedAt = nullTime(updated)
	return s, nil
}

// selectSession selects one session matching where.
func selectSession(ctx context.Context, q queryer, where string, args ...interface{}) (*form.Session, error) {
	s, err := scanSession(q.QueryRowContext(ctx, `SELECT`+sessionColumns+` FROM formsessions WHERE `+where+`;`, args...))
	if err != nil {
		return nil, notFound(err, "session", fmt.Sprint(args))
	}
	return s, nil
}

// orNow returns t or the current time if t is zero.
func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func insertSession(ctx context.Context, q queryer, s *form.Session) (*form.Session, error) {
	if s.Token == "" {
		return nil, storage.ErrMissingID
	}
	_, err := q.ExecContext(
		ctx, `
INSERT INTO formsessions
    (token, form_id, user_id, current_step, total_steps, active, completed,
     completed_at, expires_at, workflow_run_id, workflow_item_id,
     reminder_sent_at, created_at, updated_at)
VALUES
    (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		s.Token,
		s.FormID,
		sqlNullString(s.UserID),
		s.CurrentStep,
		s.TotalSteps,
		s.Active,
		s.Completed,
		sqlNullTime(s.CompletedAt),
		sqlNullTime(s.ExpiresAt),
		sqlNullString(s.WorkflowRunID),
		sqlNullString(s.WorkflowItemID),
		sqlNullTime(s.ReminderSentAt),
		orNow(s.CreatedAt),
		orNow(s.UpdatedAt),
	)
	if err == nil {
		return s, nil
	} else if !isDuplicate(err) {
		return nil, fmt.Errorf("insert session: %w", err)
	}

	// lock and return the session we collided with
	switch {
	case s.UserID != "" && s.WorkflowItemID != "":
		return selectSession(ctx, q, `item_key = CONCAT(?, ':', ?) FOR UPDATE`, s.WorkflowItemID, s.UserID)
	case s.UserID != "" && s.Open():
		return selectSession(ctx, q, `open_key = CONCAT(?, ':', ?) FOR UPDATE`, s.UserID, s.FormID)
	}
	return selectSession(ctx, q, `token = ? FOR UPDATE`, s.Token)
}

func completeSession(ctx context.Context, q queryer, token, formID, userID string, at time.Time) (bool, error) {
	res, err := q.ExecContext(
		ctx, `
UPDATE
    formsessions
SET
    completed = TRUE,
    completed_at = ?,
    updated_at = ?
WHERE
    token = ? AND
    form_id = ? AND
    COALESCE(user_id, '') = ? AND
    active = TRUE AND
    completed = FALSE;`,
		at, at, token, formID, userID,
	)
	if err != nil {
		return false, fmt.Errorf("complete session: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
