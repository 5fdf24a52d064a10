package mysql

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/micromdm/nanoform/engine/storage"
	"github.com/micromdm/nanoform/form"
	"github.com/micromdm/nanoform/workflow"
)

const runColumns = `
    id, workflow_id, display_name, created_by, status, locked_at, locked_by,
    cancelled_at, cancelled_by, cancel_reason, created_at, updated_at, completed_at`

func selectRun(ctx context.Context, q queryer, id string, forUpdate bool) (*workflow.Run, error) {
	query := `SELECT` + runColumns + ` FROM workflow_runs WHERE id = ?`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	r := new(workflow.Run)
	var (
		createdBy, lockedBy, cancelledBy, cancelReason         sql.NullString
		lockedAt, cancelledAt, created, updated, completedAt sql.NullTime
	)
	err := q.QueryRowContext(ctx, query+`;`, id).Scan(
		&r.ID, &r.WorkflowID, &r.DisplayName, &createdBy, &r.Status, &lockedAt, &lockedBy,
		&cancelledAt, &cancelledBy, &cancelReason, &created, &updated, &completedAt,
	)
	if err != nil {
		return nil, notFound(err, "run", id)
	}
	r.CreatedBy = createdBy.String
	r.LockedBy = lockedBy.String
	r.CancelledBy = cancelledBy.String
	r.CancelReason = cancelReason.String
	r.LockedAt = nullTime(lockedAt)
	r.CancelledAt = nullTime(cancelledAt)
	r.CreatedAt = nullTime(created)
	r.UpdatedAt = nullTime(updated)
	r.CompletedAt = nullTime(completedAt)
	return r, nil
}

func createRun(ctx context.Context, q queryer, r *workflow.Run) error {
	if r.ID == "" {
		return fmt.Errorf("run: %w", storage.ErrMissingID)
	}
	_, err := q.ExecContext(
		ctx,
		`INSERT INTO workflow_runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		r.ID,
		r.WorkflowID,
		r.DisplayName,
		sqlNullString(r.CreatedBy),
		string(r.Status),
		sqlNullTime(r.LockedAt),
		sqlNullString(r.LockedBy),
		sqlNullTime(r.CancelledAt),
		sqlNullString(r.CancelledBy),
		sqlNullString(r.CancelReason),
		orNow(r.CreatedAt),
		orNow(r.UpdatedAt),
		sqlNullTime(r.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func updateRun(ctx context.Context, q queryer, r *workflow.Run) error {
	_, err := q.ExecContext(
		ctx, `
UPDATE
    workflow_runs
SET
    display_name = ?,
    status = ?,
    locked_at = ?,
    locked_by = ?,
    cancelled_at = ?,
    cancelled_by = ?,
    cancel_reason = ?,
    updated_at = ?,
    completed_at = ?
WHERE
    id = ?;`,
		r.DisplayName,
		string(r.Status),
		sqlNullTime(r.LockedAt),
		sqlNullString(r.LockedBy),
		sqlNullTime(r.CancelledAt),
		sqlNullString(r.CancelledBy),
		sqlNullString(r.CancelReason),
		orNow(r.UpdatedAt),
		sqlNullTime(r.CompletedAt),
		r.ID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return nil
}

const itemColumns = `
    id, run_id, rule_id, form_id, sequence_num, status, assigned_user_id,
    skip_reason, display_name, completed_at, created_at, updated_at`

func scanItem(row scanner) (*workflow.Item, error) {
	i := new(workflow.Item)
	var (
		assigned, skipReason, displayName sql.NullString
		completedAt, created, updated     sql.NullTime
	)
	err := row.Scan(
		&i.ID, &i.RunID, &i.RuleID, &i.FormID, &i.SequenceNum, &i.Status, &assigned,
		&skipReason, &displayName, &completedAt, &created, &updated,
	)
	if err != nil {
		return nil, err
	}
	i.AssignedUserID = assigned.String
	i.SkipReason = skipReason.String
	i.DisplayName = displayName.String
	i.CompletedAt = nullTime(completedAt)
	i.CreatedAt = nullTime(created)
	i.UpdatedAt = nullTime(updated)
	return i, nil
}

func selectItem(ctx context.Context, q queryer, id string) (*workflow.Item, error) {
	i, err := scanItem(q.QueryRowContext(ctx, `SELECT`+itemColumns+` FROM workflow_items WHERE id = ?;`, id))
	if err != nil {
		return nil, notFound(err, "item", id)
	}
	return i, nil
}

func selectRunItems(ctx context.Context, q queryer, runID string) ([]*workflow.Item, error) {
	rows, err := q.QueryContext(
		ctx,
		`SELECT`+itemColumns+` FROM workflow_items WHERE run_id = ? ORDER BY created_at, sequence_num, id;`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()
	var items []*workflow.Item
	for rows.Next() {
		i, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, i)
	}
	return items, rows.Err()
}

func createItem(ctx context.Context, q queryer, i *workflow.Item) error {
	if i.ID == "" {
		return storage.ErrMissingID
	}
	_, err := q.ExecContext(
		ctx,
		`INSERT INTO workflow_items (`+itemColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		i.ID,
		i.RunID,
		i.RuleID,
		i.FormID,
		i.SequenceNum,
		string(i.Status),
		sqlNullString(i.AssignedUserID),
		sqlNullString(i.SkipReason),
		sqlNullString(i.DisplayName),
		sqlNullTime(i.CompletedAt),
		orNow(i.CreatedAt),
		orNow(i.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	return nil
}

func updateItem(ctx context.Context, q queryer, i *workflow.Item) error {
	_, err := q.ExecContext(
		ctx, `
UPDATE
    workflow_items
SET
    status = ?,
    assigned_user_id = ?,
    skip_reason = ?,
    display_name = ?,
    completed_at = ?,
    updated_at = ?
WHERE
    id = ?;`,
		string(i.Status),
		sqlNullString(i.AssignedUserID),
		sqlNullString(i.SkipReason),
		sqlNullString(i.DisplayName),
		sqlNullTime(i.CompletedAt),
		orNow(i.UpdatedAt),
		i.ID,
	)
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	return nil
}

func createOptionJob(ctx context.Context, q queryer, j *form.OptionJob) error {
	if j.ID == "" {
		return fmt.Errorf("option job: %w", storage.ErrMissingID)
	}
	_, err := q.ExecContext(
		ctx,
		`INSERT INTO option_jobs (id, callback_token, form_key, field_id, status, created_at, completed_at) VALUES (?, ?, ?, ?, ?, ?, ?);`,
		j.ID, j.CallbackToken, j.FormKey, j.FieldID, string(j.Status), orNow(j.CreatedAt), sqlNullTime(j.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert option job: %w", err)
	}
	return nil
}

func selectOptionJobForUpdate(ctx context.Context, q queryer, id string) (*form.OptionJob, error) {
	j := new(form.OptionJob)
	var created, completed sql.NullTime
	err := q.QueryRowContext(
		ctx,
		`SELECT id, callback_token, form_key, field_id, status, created_at, completed_at FROM option_jobs WHERE id = ? FOR UPDATE;`,
		id,
	).Scan(&j.ID, &j.CallbackToken, &j.FormKey, &j.FieldID, &j.Status, &created, &completed)
	if err != nil {
		return nil, notFound(err, "option job", id)
	}
	j.CreatedAt = nullTime(created)
	j.CompletedAt = nullTime(completed)
	return j, nil
}

func updateOptionJob(ctx context.Context, q queryer, j *form.OptionJob) error {
	_, err := q.ExecContext(
		ctx,
		`UPDATE option_jobs SET status = ?, completed_at = ? WHERE id = ?;`,
		string(j.Status), sqlNullTime(j.CompletedAt), j.ID,
	)
	if err != nil {
		return fmt.Errorf("update option job: %w", err)
	}
	return nil
}
