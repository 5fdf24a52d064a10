package kv

import (
	"context"
	"time"

	"github.com/micromdm/nanoform/form"
	"github.com/micromdm/nanoform/workflow"
)

// kvTx implements storage.Tx against staged buckets.
// Run and job locking is implicit as transactions are serialized.
type kvTx struct {
	b *buckets
}

func (t *kvTx) Form(ctx context.Context, id string) (*form.Form, error) {
	return kvGetForm(ctx, t.b, id)
}

func (t *kvTx) Workflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	return kvGetWorkflow(ctx, t.b, id)
}

func (t *kvTx) Session(ctx context.Context, token string) (*form.Session, error) {
	return kvGetSession(ctx, t.b, token)
}

func (t *kvTx) OpenSession(ctx context.Context, userID, formID string) (*form.Session, error) {
	return kvGetIndexedSession(ctx, t.b, key(keyPfxOpen, userID, formID))
}

func (t *kvTx) ItemSession(ctx context.Context, itemID, runID, userID string) (*form.Session, error) {
	s, err := kvGetIndexedSession(ctx, t.b, key(keyPfxItemSession, itemID, userID))
	if err != nil {
		return nil, err
	}
	if s.WorkflowRunID != runID {
		return nil, notFoundf("session for item %s in run %s", itemID, runID)
	}
	return s, nil
}

func (t *kvTx) InsertSession(ctx context.Context, s *form.Session) (*form.Session, error) {
	return kvInsertSession(ctx, t.b, s)
}

func (t *kvTx) DeactivateSession(ctx context.Context, token string, at time.Time) error {
	return kvDeactivateSession(ctx, t.b, token, at)
}

func (t *kvTx) UpdateSessionStep(ctx context.Context, token string, current, total int, at time.Time) error {
	s, err := kvGetSession(ctx, t.b, token)
	if err != nil {
		return err
	}
	s.CurrentStep = current
	s.TotalSteps = total
	s.UpdatedAt = at
	return setJSON(ctx, t.b.session, token, s)
}

func (t *kvTx) CompleteSession(ctx context.Context, token, formID, userID string, at time.Time) (bool, error) {
	return kvCompleteSession(ctx, t.b, token, formID, userID, at)
}

func (t *kvTx) UpsertResponse(ctx context.Context, r *form.Response) (string, error) {
	return kvUpsertResponse(ctx, t.b, r)
}

func (t *kvTx) ReplaceResponseValue(ctx context.Context, v *form.ResponseValue) error {
	return kvReplaceResponseValue(ctx, t.b, v)
}

func (t *kvTx) Run(ctx context.Context, id string) (*workflow.Run, error) {
	return kvGetRun(ctx, t.b, id)
}

func (t *kvTx) RunForUpdate(ctx context.Context, id string) (*workflow.Run, error) {
	return kvGetRun(ctx, t.b, id)
}

func (t *kvTx) CreateRun(ctx context.Context, r *workflow.Run) error {
	if r.ID == "" {
		return errMissingID("run")
	}
	return setJSON(ctx, t.b.run, r.ID, r)
}

func (t *kvTx) UpdateRun(ctx context.Context, r *workflow.Run) error {
	return setExisting(ctx, t.b.run, r.ID, r)
}

func (t *kvTx) RunItems(ctx context.Context, runID string) ([]*workflow.Item, error) {
	return kvGetRunItems(ctx, t.b, runID)
}

func (t *kvTx) Item(ctx context.Context, id string) (*workflow.Item, error) {
	return kvGetItem(ctx, t.b, id)
}

func (t *kvTx) CreateItem(ctx context.Context, i *workflow.Item) error {
	return kvCreateItem(ctx, t.b, i)
}

func (t *kvTx) UpdateItem(ctx context.Context, i *workflow.Item) error {
	return setExisting(ctx, t.b.item, i.ID, i)
}

func (t *kvTx) MaxItemSequence(ctx context.Context, runID, ruleID string) (int, error) {
	items, err := kvGetRunItems(ctx, t.b, runID)
	if err != nil {
		return 0, err
	}
	var max int
	for _, i := range items {
		if i.RuleID == ruleID && i.SequenceNum > max {
			max = i.SequenceNum
		}
	}
	return max, nil
}

func (t *kvTx) CreateOptionJob(ctx context.Context, j *form.OptionJob) error {
	if j.ID == "" {
		return errMissingID("option job")
	}
	return setJSON(ctx, t.b.optionJob, j.ID, j)
}

func (t *kvTx) OptionJobForUpdate(ctx context.Context, id string) (*form.OptionJob, error) {
	j := new(form.OptionJob)
	return j, getJSON(ctx, t.b.optionJob, id, j)
}

func (t *kvTx) UpdateOptionJob(ctx context.Context, j *form.OptionJob) error {
	return setExisting(ctx, t.b.optionJob, j.ID, j)
}

func (t *kvTx) ReplaceFieldOptions(ctx context.Context, fieldID string, opts []form.Option) error {
	return kvReplaceFieldOptions(ctx, t.b, fieldID, opts)
}
