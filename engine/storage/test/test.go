// Package test implements a conformance suite for storage backends.
package test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/micromdm/nanoform/engine/storage"
	"github.com/micromdm/nanoform/form"
	"github.com/micromdm/nanoform/workflow"

	"github.com/google/uuid"
)

// TestStorage runs the conformance suite against storage created by newStorage.
// Identifiers are random so the suite may run against non-empty storage.
func TestStorage(t *testing.T, newStorage func() storage.Storage) {
	s := newStorage()

	t.Run("testCatalog", func(t *testing.T) {
		testCatalog(t, s)
	})

	t.Run("testAccess", func(t *testing.T) {
		testAccess(t, s)
	})

	t.Run("testSessions", func(t *testing.T) {
		testSessions(t, s)
	})

	t.Run("testConcurrentOpenSession", func(t *testing.T) {
		testConcurrentOpenSession(t, s)
	})

	t.Run("testConcurrentItemSession", func(t *testing.T) {
		testConcurrentItemSession(t, s)
	})

	t.Run("testDeactivateSession", func(t *testing.T) {
		testDeactivateSession(t, s)
	})

	t.Run("testResponses", func(t *testing.T) {
		testResponses(t, s)
	})

	t.Run("testRuns", func(t *testing.T) {
		testRuns(t, s)
	})

	t.Run("testRollback", func(t *testing.T) {
		testRollback(t, newStorage())
	})

	t.Run("testOptionJobs", func(t *testing.T) {
		testOptionJobs(t, s)
	})

	t.Run("testReminders", func(t *testing.T) {
		testReminders(t, s)
	})
}

// now returns the current time at a precision every backend keeps.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

// newForm creates and stores a published form with a text and an option field.
func newForm(t *testing.T, s storage.Storage) *form.Form {
	t.Helper()
	f := &form.Form{
		ID:     uuid.NewString(),
		Key:    "form-" + uuid.NewString(),
		Title:  "Test Form",
		Status: form.StatusPublished,
		Fields: []*form.Field{
			{
				ID:        uuid.NewString(),
				Key:       "color",
				Label:     "Color",
				Type:      form.FieldTypeOption,
				SortOrder: 2,
				Active:    true,
				Options: []form.Option{
					{ID: uuid.NewString(), Value: "blue", Label: "Blue", SortOrder: 2},
					{ID: uuid.NewString(), Value: "red", Label: "Red", SortOrder: 1},
				},
			},
			{
				ID:        uuid.NewString(),
				Key:       "name",
				Label:     "Name",
				Type:      form.FieldTypeText,
				Required:  true,
				SortOrder: 1,
				Active:    true,
			},
		},
	}
	if err := s.StoreForm(context.Background(), f); err != nil {
		t.Fatal(err)
	}
	return f
}

// newWorkflow creates and stores an active workflow with a required
// and a repeatable optional rule for formID.
func newWorkflow(t *testing.T, s storage.Storage, formID string) *workflow.Workflow {
	t.Helper()
	w := &workflow.Workflow{
		ID:     uuid.NewString(),
		Name:   "Test Workflow",
		Status: workflow.StatusActive,
		Rules: []*workflow.Rule{
			{ID: uuid.NewString(), FormID: formID, Required: true, SortOrder: 1},
			{ID: uuid.NewString(), FormID: formID, AllowMultiple: true, SortOrder: 2, DefaultDisplayName: "Extra"},
		},
	}
	if err := s.StoreWorkflow(context.Background(), w); err != nil {
		t.Fatal(err)
	}
	return w
}

func testCatalog(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	f := newForm(t, s)

	byKey, err := s.RetrieveFormByKey(ctx, f.Key)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := byKey.ID, f.ID; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	byID, err := s.RetrieveForm(ctx, f.ID)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(byID.Fields), 2; have != want {
		t.Fatalf("field count: have: %v, want: %v", have, want)
	}
	// fields and options in sort order
	if have, want := byID.Fields[0].Key, "name"; have != want {
		t.Errorf("first field: have: %v, want: %v", have, want)
	}
	color := byID.Fields[1]
	if have, want := len(color.Options), 2; have != want {
		t.Fatalf("option count: have: %v, want: %v", have, want)
	}
	if have, want := color.Options[0].Value, "red"; have != want {
		t.Errorf("first option: have: %v, want: %v", have, want)
	}
	if !color.Active {
		t.Error("expected active field")
	}

	// storing without a field keeps it
	f.Title = "Renamed"
	fields := f.Fields
	f.Fields = fields[:1]
	if err = s.StoreForm(ctx, f); err != nil {
		t.Fatal(err)
	}
	f.Fields = fields
	if byID, err = s.RetrieveForm(ctx, f.ID); err != nil {
		t.Fatal(err)
	}
	if have, want := byID.Title, "Renamed"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := len(byID.Fields), 2; have != want {
		t.Errorf("field count: have: %v, want: %v", have, want)
	}

	// another form may not take the key
	other := &form.Form{ID: uuid.NewString(), Key: f.Key, Status: form.StatusDraft}
	if err = s.StoreForm(ctx, other); !errors.Is(err, storage.ErrKeyExists) {
		t.Errorf("have: %v, want: %v", err, storage.ErrKeyExists)
	}

	// unreferenced fields are removed outright
	deactivated, err := s.DeleteField(ctx, f.Fields[1].ID)
	if err != nil {
		t.Fatal(err)
	}
	if deactivated {
		t.Error("unreferenced field should not be deactivated")
	}
	if byID, err = s.RetrieveForm(ctx, f.ID); err != nil {
		t.Fatal(err)
	}
	if have, want := len(byID.Fields), 1; have != want {
		t.Errorf("field count: have: %v, want: %v", have, want)
	}

	if _, err = s.RetrieveForm(ctx, uuid.NewString()); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("have: %v, want: %v", err, storage.ErrNotFound)
	}
	if _, err = s.RetrieveFormByKey(ctx, uuid.NewString()); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("have: %v, want: %v", err, storage.ErrNotFound)
	}

	w := newWorkflow(t, s, f.ID)
	wf, err := s.RetrieveWorkflow(ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(wf.Rules), 2; have != want {
		t.Fatalf("rule count: have: %v, want: %v", have, want)
	}
	if !wf.Rules[0].Required || wf.Rules[0].AllowMultiple {
		t.Error("first rule should be required and not repeatable")
	}
	if have, want := wf.Rules[1].DefaultDisplayName, "Extra"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if _, err = s.RetrieveWorkflow(ctx, uuid.NewString()); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("have: %v, want: %v", err, storage.ErrNotFound)
	}
}

func testAccess(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	f := newForm(t, s)

	if err := s.GrantAccess(ctx, f.ID, "user-a"); err != nil {
		t.Fatal(err)
	}
	for _, test := range []struct {
		user    string
		formKey string
		want    bool
	}{
		{"user-a", f.Key, true},
		{"user-b", f.Key, false},
		{"", f.Key, false},
		{"user-a", uuid.NewString(), false},
	} {
		have, err := s.ValidateAccess(ctx, test.user, test.formKey)
		if err != nil {
			t.Fatal(err)
		}
		if have != test.want {
			t.Errorf("%s: have: %v, want: %v", test.user, have, test.want)
		}
	}

	if err := s.RevokeAccess(ctx, f.ID, "user-a"); err != nil {
		t.Fatal(err)
	}
	ok, err := s.ValidateAccess(ctx, "user-a", f.Key)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expected revoked access")
	}
}

func newSession(formID, userID string) *form.Session {
	at := now()
	return &form.Session{
		Token:       uuid.NewString(),
		FormID:      formID,
		UserID:      userID,
		CurrentStep: 1,
		TotalSteps:  2,
		Active:      true,
		ExpiresAt:   at.AddDate(0, 3, 0),
		CreatedAt:   at,
		UpdatedAt:   at,
	}
}

func testSessions(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	f := newForm(t, s)
	user := "user-" + uuid.NewString()

	var first, second *form.Session
	err := s.Tx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if _, err := tx.OpenSession(ctx, user, f.ID); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("have: %v, want: %v", err, storage.ErrNotFound)
		}
		var err error
		if first, err = tx.InsertSession(ctx, newSession(f.ID, user)); err != nil {
			return err
		}
		second, err = tx.InsertSession(ctx, newSession(f.ID, user))
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if have, want := second.Token, first.Token; have != want {
		t.Errorf("open session not reused: have: %v, want: %v", have, want)
	}

	err = s.Tx(ctx, func(ctx context.Context, tx storage.Tx) error {
		open, err := tx.OpenSession(ctx, user, f.ID)
		if err != nil {
			return err
		}
		if have, want := open.Token, first.Token; have != want {
			t.Errorf("have: %v, want: %v", have, want)
		}

		if err = tx.UpdateSessionStep(ctx, first.Token, 2, 2, now()); err != nil {
			return err
		}

		// completion is guarded by form and user
		ok, err := tx.CompleteSession(ctx, first.Token, f.ID, "someone-else", now())
		if err != nil {
			return err
		}
		if ok {
			t.Error("session completed under the wrong user")
		}
		if ok, err = tx.CompleteSession(ctx, first.Token, uuid.NewString(), user, now()); err != nil {
			return err
		} else if ok {
			t.Error("session completed under the wrong form")
		}
		if ok, err = tx.CompleteSession(ctx, first.Token, f.ID, user, now()); err != nil {
			return err
		} else if !ok {
			t.Error("session not completed")
		}
		if ok, err = tx.CompleteSession(ctx, first.Token, f.ID, user, now()); err != nil {
			return err
		} else if ok {
			t.Error("session completed twice")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	err = s.Tx(ctx, func(ctx context.Context, tx storage.Tx) error {
		done, err := tx.Session(ctx, first.Token)
		if err != nil {
			return err
		}
		if !done.Completed || done.CompletedAt.IsZero() {
			t.Error("expected completed session with completion time")
		}
		if have, want := done.CurrentStep, 2; have != want {
			t.Errorf("step: have: %v, want: %v", have, want)
		}
		if _, err = tx.OpenSession(ctx, user, f.ID); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("have: %v, want: %v", err, storage.ErrNotFound)
		}

		// once completed a new open session may be created
		next, err := tx.InsertSession(ctx, newSession(f.ID, user))
		if err != nil {
			return err
		}
		if next.Token == first.Token {
			t.Error("completed session reused")
		}

		// anonymous sessions never collide
		a1, err := tx.InsertSession(ctx, newSession(f.ID, ""))
		if err != nil {
			return err
		}
		a2, err := tx.InsertSession(ctx, newSession(f.ID, ""))
		if err != nil {
			return err
		}
		if a1.Token == a2.Token {
			t.Error("anonymous sessions collided")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	// workflow item sessions are unique per item and user
	runID, itemID := uuid.NewString(), uuid.NewString()
	err = s.Tx(ctx, func(ctx context.Context, tx storage.Tx) error {
		is := newSession(f.ID, user)
		is.WorkflowRunID, is.WorkflowItemID = runID, itemID
		i1, err := tx.InsertSession(ctx, is)
		if err != nil {
			return err
		}
		is2 := newSession(f.ID, user)
		is2.WorkflowRunID, is2.WorkflowItemID = runID, itemID
		i2, err := tx.InsertSession(ctx, is2)
		if err != nil {
			return err
		}
		if i1.Token != i2.Token {
			t.Error("item session not reused")
		}
		if ok, err := tx.CompleteSession(ctx, i1.Token, f.ID, user, now()); err != nil {
			return err
		} else if !ok {
			t.Error("item session not completed")
		}
		found, err := tx.ItemSession(ctx, itemID, runID, user)
		if err != nil {
			return err
		}
		if found.Token != i1.Token || !found.Completed {
			t.Error("completed item session not found")
		}
		if _, err = tx.ItemSession(ctx, itemID, runID, "other"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("have: %v, want: %v", err, storage.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if err = s.Tx(ctx, func(ctx context.Context, tx storage.Tx) error {
		_, err := tx.Session(ctx, uuid.NewString())
		return err
	}); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("have: %v, want: %v", err, storage.ErrNotFound)
	}
}

// testDeactivateSession checks that a deactivated session is no longer
// the open session and that a new one can take its place.
func testDeactivateSession(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	f := newForm(t, s)
	user := "user-" + uuid.NewString()

	var first, second *form.Session
	err := s.Tx(ctx, func(ctx context.Context, tx storage.Tx) (err error) {
		if first, err = tx.InsertSession(ctx, newSession(f.ID, user)); err != nil {
			return err
		}
		if err = tx.DeactivateSession(ctx, first.Token, now()); err != nil {
			return err
		}
		if _, err = tx.OpenSession(ctx, user, f.ID); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("have: %v, want: %v", err, storage.ErrNotFound)
		}
		second, err = tx.InsertSession(ctx, newSession(f.ID, user))
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if second.Token == first.Token {
		t.Error("deactivated session reused")
	}

	err = s.Tx(ctx, func(ctx context.Context, tx storage.Tx) error {
		old, err := tx.Session(ctx, first.Token)
		if err != nil {
			return err
		}
		if old.Active {
			t.Error("session still active")
		}
		open, err := tx.OpenSession(ctx, user, f.ID)
		if err != nil {
			return err
		}
		if have, want := open.Token, second.Token; have != want {
			t.Errorf("have: %v, want: %v", have, want)
		}
		// deactivation is idempotent
		return tx.DeactivateSession(ctx, first.Token, now())
	})
	if err != nil {
		t.Fatal(err)
	}
}

func testResponses(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	f := newForm(t, s)
	sess := newSession(f.ID, "user-"+uuid.NewString())
	nameField := f.Fields[1]
	text := func(s string) *string { return &s }

	err := s.Tx(ctx, func(ctx context.Context, tx storage.Tx) error {
		_, err := tx.InsertSession(ctx, sess)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	var ids []string
	for _, v := range []string{"first", "second"} {
		err := s.Tx(ctx, func(ctx context.Context, tx storage.Tx) error {
			id, err := tx.UpsertResponse(ctx, &form.Response{
				ID:           uuid.NewString(),
				FormID:       f.ID,
				UserID:       sess.UserID,
				SessionToken: sess.Token,
				CreatedAt:    now(),
				UpdatedAt:    now(),
			})
			if err != nil {
				return err
			}
			ids = append(ids, id)
			return tx.ReplaceResponseValue(ctx, &form.ResponseValue{
				ResponseID: id,
				FieldID:    nameField.ID,
				Text:       text(v),
			})
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	if ids[0] != ids[1] {
		t.Errorf("response not upserted: have: %v, want: %v", ids[1], ids[0])
	}

	label := "Red"
	colorField := f.Fields[0]
	err = s.Tx(ctx, func(ctx context.Context, tx storage.Tx) error {
		_, err := tx.UpsertResponse(ctx, &form.Response{
			ID:           uuid.NewString(),
			FormID:       f.ID,
			UserID:       sess.UserID,
			SessionToken: sess.Token,
			SubmittedAt:  now(),
			Metadata:     []byte(`{"name":"Test"}`),
			UpdatedAt:    now(),
		})
		if err != nil {
			return err
		}
		return tx.ReplaceResponseValue(ctx, &form.ResponseValue{
			ResponseID: ids[0],
			FieldID:    colorField.ID,
			Text:       text(`["red","gone"]`),
			Options: []form.ResponseValueOption{
				{OptionID: colorField.Options[1].ID, Value: "red", Label: &label},
				{Value: "gone"},
			},
		})
	})
	if err != nil {
		t.Fatal(err)
	}

	r, values, err := s.RetrieveResponse(ctx, sess.Token)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := r.ID, ids[0]; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if r.SubmittedAt.IsZero() {
		t.Error("expected submission time")
	}
	if have, want := len(values), 2; have != want {
		t.Fatalf("value count: have: %v, want: %v", have, want)
	}
	for _, v := range values {
		switch v.FieldID {
		case nameField.ID:
			if v.Text == nil || *v.Text != "second" {
				t.Errorf("latest value did not win: %v", v.Text)
			}
		case colorField.ID:
			if have, want := len(v.Options), 2; have != want {
				t.Fatalf("option count: have: %v, want: %v", have, want)
			}
			var resolved, unresolved int
			for _, o := range v.Options {
				if o.Label == nil {
					unresolved++
					if o.OptionID != "" {
						t.Error("unresolved option has an option id")
					}
				} else {
					resolved++
				}
			}
			if resolved != 1 || unresolved != 1 {
				t.Errorf("have: %d resolved %d unresolved, want: 1 each", resolved, unresolved)
			}
		default:
			t.Errorf("unexpected field: %s", v.FieldID)
		}
	}

	// a draft upsert keeps the submission time
	err = s.Tx(ctx, func(ctx context.Context, tx storage.Tx) error {
		_, err := tx.UpsertResponse(ctx, &form.Response{
			ID:           uuid.NewString(),
			FormID:       f.ID,
			UserID:       sess.UserID,
			SessionToken: sess.Token,
			UpdatedAt:    now(),
		})
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if r, _, err = s.RetrieveResponse(ctx, sess.Token); err != nil {
		t.Fatal(err)
	}
	if r.SubmittedAt.IsZero() {
		t.Error("submission time cleared")
	}

	// referenced fields are deactivated, not removed
	deactivated, err := s.DeleteField(ctx, nameField.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !deactivated {
		t.Error("expected deactivation")
	}
	stored, err := s.RetrieveForm(ctx, f.ID)
	if err != nil {
		t.Fatal(err)
	}
	field := stored.Field(nameField.ID)
	if field == nil {
		t.Fatal("deactivated field removed")
	}
	if field.Active {
		t.Error("field still active")
	}

	if _, _, err = s.RetrieveResponse(ctx, uuid.NewString()); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("have: %v, want: %v", err, storage.ErrNotFound)
	}
}

func testRuns(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	f := newForm(t, s)
	w := newWorkflow(t, s, f.ID)
	required, repeat := w.Rules[0], w.Rules[1]

	run := &workflow.Run{
		ID:          uuid.NewString(),
		WorkflowID:  w.ID,
		DisplayName: "Run 1",
		CreatedBy:   "admin",
		Status:      workflow.RunNotStarted,
		CreatedAt:   now(),
		UpdatedAt:   now(),
	}
	newItem := func(r *workflow.Rule, seq int) *workflow.Item {
		return &workflow.Item{
			ID:          uuid.NewString(),
			RunID:       run.ID,
			RuleID:      r.ID,
			FormID:      r.FormID,
			SequenceNum: seq,
			Status:      workflow.ItemNotStarted,
			CreatedAt:   now(),
			UpdatedAt:   now(),
		}
	}
	items := []*workflow.Item{newItem(required, 1), newItem(repeat, 1), newItem(repeat, 2)}

	err := s.Tx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.CreateRun(ctx, run); err != nil {
			return err
		}
		for _, i := range items {
			if err := tx.CreateItem(ctx, i); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	err = s.Tx(ctx, func(ctx context.Context, tx storage.Tx) error {
		locked, err := tx.RunForUpdate(ctx, run.ID)
		if err != nil {
			return err
		}
		if have, want := locked.Status, workflow.RunNotStarted; have != want {
			t.Errorf("have: %v, want: %v", have, want)
		}

		stored, err := tx.RunItems(ctx, run.ID)
		if err != nil {
			return err
		}
		if have, want := len(stored), 3; have != want {
			t.Errorf("item count: have: %v, want: %v", have, want)
		}

		for _, test := range []struct {
			rule string
			want int
		}{
			{required.ID, 1},
			{repeat.ID, 2},
			{uuid.NewString(), 0},
		} {
			have, err := tx.MaxItemSequence(ctx, run.ID, test.rule)
			if err != nil {
				return err
			}
			if have != test.want {
				t.Errorf("max sequence: have: %v, want: %v", have, test.want)
			}
		}

		item := items[0]
		item.Status = workflow.ItemSkipped
		item.SkipReason = "not needed"
		item.AssignedUserID = "user-a"
		item.CompletedAt = now()
		if err = tx.UpdateItem(ctx, item); err != nil {
			return err
		}

		locked.Status = workflow.RunCompleted
		locked.CompletedAt = now()
		locked.LockedAt = now()
		locked.LockedBy = "admin"
		return tx.UpdateRun(ctx, locked)
	})
	if err != nil {
		t.Fatal(err)
	}

	err = s.Tx(ctx, func(ctx context.Context, tx storage.Tx) error {
		r, err := tx.Run(ctx, run.ID)
		if err != nil {
			return err
		}
		if have, want := r.Status, workflow.RunCompleted; have != want {
			t.Errorf("have: %v, want: %v", have, want)
		}
		if !r.Locked() || r.LockedBy != "admin" || r.CompletedAt.IsZero() {
			t.Error("run updates not stored")
		}
		i, err := tx.Item(ctx, items[0].ID)
		if err != nil {
			return err
		}
		if i.Status != workflow.ItemSkipped || i.SkipReason != "not needed" || i.AssignedUserID != "user-a" {
			t.Errorf("item updates not stored: %+v", i)
		}
		if _, err = tx.Run(ctx, uuid.NewString()); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("have: %v, want: %v", err, storage.ErrNotFound)
		}
		if _, err = tx.Item(ctx, uuid.NewString()); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("have: %v, want: %v", err, storage.ErrNotFound)
		}
		if _, err = tx.RunForUpdate(ctx, uuid.NewString()); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("have: %v, want: %v", err, storage.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

var errRollback = errors.New("rollback")

func testRollback(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	f := newForm(t, s)
	w := newWorkflow(t, s, f.ID)
	runID := uuid.NewString()

	err := s.Tx(ctx, func(ctx context.Context, tx storage.Tx) error {
		err := tx.CreateRun(ctx, &workflow.Run{
			ID:          runID,
			WorkflowID:  w.ID,
			DisplayName: "doomed",
			Status:      workflow.RunNotStarted,
			CreatedAt:   now(),
			UpdatedAt:   now(),
		})
		if err != nil {
			return err
		}
		return errRollback
	})
	if !errors.Is(err, errRollback) {
		t.Fatalf("have: %v, want: %v", err, errRollback)
	}

	err = s.Tx(ctx, func(ctx context.Context, tx storage.Tx) error {
		_, err := tx.Run(ctx, runID)
		return err
	})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("run survived rollback: have: %v, want: %v", err, storage.ErrNotFound)
	}
}

func testOptionJobs(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	f := newForm(t, s)
	field := f.Fields[0]
	job := &form.OptionJob{
		ID:            uuid.NewString(),
		CallbackToken: uuid.NewString(),
		FormKey:       f.Key,
		FieldID:       field.ID,
		Status:        form.JobPending,
		CreatedAt:     now(),
	}

	err := s.Tx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.CreateOptionJob(ctx, job)
	})
	if err != nil {
		t.Fatal(err)
	}

	err = s.Tx(ctx, func(ctx context.Context, tx storage.Tx) error {
		j, err := tx.OptionJobForUpdate(ctx, job.ID)
		if err != nil {
			return err
		}
		if j.CallbackToken != job.CallbackToken || j.Status != form.JobPending {
			t.Errorf("job not stored: %+v", j)
		}
		if err = tx.ReplaceFieldOptions(ctx, field.ID, []form.Option{
			{ID: uuid.NewString(), Value: "green", Label: "Green", SortOrder: 1},
		}); err != nil {
			return err
		}
		j.Status = form.JobCompleted
		j.CompletedAt = now()
		return tx.UpdateOptionJob(ctx, j)
	})
	if err != nil {
		t.Fatal(err)
	}

	stored, err := s.RetrieveForm(ctx, f.ID)
	if err != nil {
		t.Fatal(err)
	}
	opts := stored.Field(field.ID).Options
	if len(opts) != 1 || opts[0].Value != "green" {
		t.Errorf("options not replaced: %+v", opts)
	}

	err = s.Tx(ctx, func(ctx context.Context, tx storage.Tx) error {
		j, err := tx.OptionJobForUpdate(ctx, job.ID)
		if err != nil {
			return err
		}
		if j.Status != form.JobCompleted || j.CompletedAt.IsZero() {
			t.Errorf("job not completed: %+v", j)
		}
		_, err = tx.OptionJobForUpdate(ctx, uuid.NewString())
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("have: %v, want: %v", err, storage.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func testReminders(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	f := newForm(t, s)
	at := now()

	idle := newSession(f.ID, "user-"+uuid.NewString())
	idle.UpdatedAt = at.Add(-72 * time.Hour)
	fresh := newSession(f.ID, "user-"+uuid.NewString())
	anon := newSession(f.ID, "")
	anon.UpdatedAt = idle.UpdatedAt

	err := s.Tx(ctx, func(ctx context.Context, tx storage.Tx) error {
		for _, sess := range []*form.Session{idle, fresh, anon} {
			if _, err := tx.InsertSession(ctx, sess); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	found := func() map[string]bool {
		sessions, err := s.RetrieveRemindableSessions(ctx, at.Add(-48*time.Hour), at)
		if err != nil {
			t.Fatal(err)
		}
		m := make(map[string]bool)
		for _, sess := range sessions {
			m[sess.Token] = true
		}
		return m
	}

	m := found()
	if !m[idle.Token] {
		t.Error("idle session not remindable")
	}
	if m[fresh.Token] || m[anon.Token] {
		t.Error("fresh or anonymous session remindable")
	}

	if err = s.MarkReminderSent(ctx, idle.Token, at); err != nil {
		t.Fatal(err)
	}
	if m = found(); m[idle.Token] {
		t.Error("reminded session still remindable")
	}
}
