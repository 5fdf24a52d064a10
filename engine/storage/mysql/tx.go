package mysql

import (
	"context"
	"fmt"
	"time"

	"github.com/micromdm/nanoform/engine/storage"
	"github.com/micromdm/nanoform/form"
	"github.com/micromdm/nanoform/workflow"
)

// mysqlTx implements storage.Tx within a database transaction.
type mysqlTx struct {
	q queryer
}

func (t *mysqlTx) Form(ctx context.Context, id string) (*form.Form, error) {
	return loadForm(ctx, t.q, "id", id)
}

func (t *mysqlTx) Workflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	return loadWorkflow(ctx, t.q, id)
}

func (t *mysqlTx) Session(ctx context.Context, token string) (*form.Session, error) {
	return selectSession(ctx, t.q, `token = ?`, token)
}

func (t *mysqlTx) OpenSession(ctx context.Context, userID, formID string) (*form.Session, error) {
	return selectSession(ctx, t.q, `open_key = CONCAT(?, ':', ?)`, userID, formID)
}

func (t *mysqlTx) ItemSession(ctx context.Context, itemID, runID, userID string) (*form.Session, error) {
	return selectSession(ctx, t.q, `item_key = CONCAT(?, ':', ?) AND workflow_run_id = ?`, itemID, userID, runID)
}

func (t *mysqlTx) InsertSession(ctx context.Context, s *form.Session) (*form.Session, error) {
	return insertSession(ctx, t.q, s)
}

func (t *mysqlTx) DeactivateSession(ctx context.Context, token string, at time.Time) error {
	_, err := t.q.ExecContext(
		ctx,
		`UPDATE formsessions SET active = FALSE, updated_at = ? WHERE token = ?;`,
		at, token,
	)
	if err != nil {
		return fmt.Errorf("deactivate session: %w", err)
	}
	return nil
}

func (t *mysqlTx) UpdateSessionStep(ctx context.Context, token string, current, total int, at time.Time) error {
	_, err := t.q.ExecContext(
		ctx,
		`UPDATE formsessions SET current_step = ?, total_steps = ?, updated_at = ? WHERE token = ?;`,
		current, total, at, token,
	)
	if err != nil {
		return fmt.Errorf("update session step: %w", err)
	}
	return nil
}

func (t *mysqlTx) CompleteSession(ctx context.Context, token, formID, userID string, at time.Time) (bool, error) {
	return completeSession(ctx, t.q, token, formID, userID, at)
}

func (t *mysqlTx) UpsertResponse(ctx context.Context, r *form.Response) (string, error) {
	return upsertResponse(ctx, t.q, r)
}

func (t *mysqlTx) ReplaceResponseValue(ctx context.Context, v *form.ResponseValue) error {
	return replaceResponseValue(ctx, t.q, v)
}

func (t *mysqlTx) Run(ctx context.Context, id string) (*workflow.Run, error) {
	return selectRun(ctx, t.q, id, false)
}

func (t *mysqlTx) RunForUpdate(ctx context.Context, id string) (*workflow.Run, error) {
	return selectRun(ctx, t.q, id, true)
}

func (t *mysqlTx) CreateRun(ctx context.Context, r *workflow.Run) error {
	return createRun(ctx, t.q, r)
}

func (t *mysqlTx) UpdateRun(ctx context.Context, r *workflow.Run) error {
	return updateRun(ctx, t.q, r)
}

func (t *mysqlTx) RunItems(ctx context.Context, runID string) ([]*workflow.Item, error) {
	return selectRunItems(ctx, t.q, runID)
}

func (t *mysqlTx) Item(ctx context.Context, id string) (*workflow.Item, error) {
	return selectItem(ctx, t.q, id)
}

func (t *mysqlTx) CreateItem(ctx context.Context, i *workflow.Item) error {
	return createItem(ctx, t.q, i)
}

func (t *mysqlTx) UpdateItem(ctx context.Context, i *workflow.Item) error {
	return updateItem(ctx, t.q, i)
}

func (t *mysqlTx) MaxItemSequence(ctx context.Context, runID, ruleID string) (max int, err error) {
	err = t.q.QueryRowContext(
		ctx,
		`SELECT COALESCE(MAX(sequence_num), 0) FROM workflow_items WHERE run_id = ? AND rule_id = ?;`,
		runID, ruleID,
	).Scan(&max)
	return
}

func (t *mysqlTx) CreateOptionJob(ctx context.Context, j *form.OptionJob) error {
	return createOptionJob(ctx, t.q, j)
}

func (t *mysqlTx) OptionJobForUpdate(ctx context.Context, id string) (*form.OptionJob, error) {
	return selectOptionJobForUpdate(ctx, t.q, id)
}

func (t *mysqlTx) UpdateOptionJob(ctx context.Context, j *form.OptionJob) error {
	return updateOptionJob(ctx, t.q, j)
}

func (t *mysqlTx) ReplaceFieldOptions(ctx context.Context, fieldID string, opts []form.Option) error {
	if err := fieldExists(ctx, t.q, fieldID); err != nil {
		return err
	}
	return replaceFieldOptions(ctx, t.q, fieldID, opts)
}

var _ storage.Tx = (*mysqlTx)(nil)
