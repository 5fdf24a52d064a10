package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/micromdm/nanoform/engine/storage"
	"github.com/micromdm/nanoform/engine/storage/inmem"
	"github.com/micromdm/nanoform/form"
	"github.com/micromdm/nanoform/webhook"
	"github.com/micromdm/nanoform/workflow"
)

func newTestEngine(opts ...Option) (*Engine, *inmem.InMem) {
	s := inmem.New()
	return New(s, opts...), s
}

// storeTestForm stores a form with a text, an option, and a number field.
func storeTestForm(t *testing.T, e *Engine, key string, status form.Status, anonymous bool) *form.Form {
	t.Helper()
	f := &form.Form{
		Key:       key,
		Title:     "Form " + key,
		Status:    status,
		Anonymous: anonymous,
		Fields: []*form.Field{
			{Key: "name", Label: "Name", Type: form.FieldTypeText, Required: true, SortOrder: 1, Active: true},
			{Key: "color", Label: "Color", Type: form.FieldTypeOption, SortOrder: 2, Active: true, Options: []form.Option{
				{Value: "blue", Label: "Blue", SortOrder: 1},
				{Value: "red", Label: "Red", SortOrder: 2},
			}},
			{Key: "age", Label: "Age", Type: form.FieldTypeNumber, SortOrder: 3, Active: true},
		},
	}
	if err := e.StoreForm(context.Background(), f); err != nil {
		t.Fatal(err)
	}
	return f
}

func fieldID(t *testing.T, f *form.Form, key string) string {
	t.Helper()
	for _, field := range f.Fields {
		if field.Key == key {
			return field.ID
		}
	}
	t.Fatalf("no field %s", key)
	return ""
}

func raw(s string) json.RawMessage {
	return json.RawMessage(s)
}

type fakeDispatcher struct {
	mu       sync.Mutex
	targets  []*webhook.Target
	payloads []interface{}
}

func (d *fakeDispatcher) Dispatch(_ context.Context, t *webhook.Target, payload interface{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.targets = append(d.targets, t)
	d.payloads = append(d.payloads, payload)
}

func TestResolveSession(t *testing.T) {
	ctx := context.Background()
	e, s := newTestEngine()
	open := storeTestForm(t, e, "open", form.StatusPublished, true)
	private := storeTestForm(t, e, "private", form.StatusPublished, false)
	storeTestForm(t, e, "draft", form.StatusDraft, false)
	if err := s.GrantAccess(ctx, private.ID, "granted"); err != nil {
		t.Fatal(err)
	}

	for _, test := range []struct {
		name string
		id   *Identity
		key  string
		mode Mode
		want error
	}{
		{"anonymous-form", nil, "open", ModeFill, nil},
		{"unauthenticated", nil, "private", ModeFill, ErrUnauthorized},
		{"no-grant", &Identity{UserID: "other"}, "private", ModeFill, ErrForbidden},
		{"granted", &Identity{UserID: "granted"}, "private", ModeFill, nil},
		{"unpublished", &Identity{UserID: "granted"}, "draft", ModeFill, ErrConflict},
		{"missing-form", &Identity{UserID: "granted"}, "missing", ModeFill, ErrNotFound},
		{"edit-no-permission", &Identity{UserID: "granted"}, "draft", ModeEdit, ErrForbidden},
		{"edit-unauthenticated", nil, "draft", ModeEdit, ErrUnauthorized},
		{"edit", &Identity{UserID: "editor", Permissions: []string{"admin"}}, "draft", ModeEdit, nil},
		{"bad-mode", &Identity{UserID: "granted"}, "private", Mode("view"), ErrValidation},
	} {
		t.Run(test.name, func(t *testing.T) {
			sess, err := e.ResolveSession(ctx, test.id, test.key, test.mode)
			if test.want != nil {
				if !errors.Is(err, test.want) {
					t.Fatalf("have: %v, want: %v", err, test.want)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if have, want := sess.CurrentStep, 1; have != want {
				t.Errorf("current step: have: %v, want: %v", have, want)
			}
			if have, want := sess.TotalSteps, 3; have != want {
				t.Errorf("total steps: have: %v, want: %v", have, want)
			}
			if !sess.Open() {
				t.Error("session not open")
			}
		})
	}

	// an identified user resolves the same session again
	id := &Identity{UserID: "granted"}
	s1, err := e.ResolveSession(ctx, id, "private", ModeFill)
	if err != nil {
		t.Fatal(err)
	}
	s2, err := e.ResolveSession(ctx, id, "private", ModeFill)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := s2.Token, s1.Token; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	// anonymous users never share a session
	a1, err := e.ResolveSession(ctx, nil, "open", ModeFill)
	if err != nil {
		t.Fatal(err)
	}
	a2, err := e.ResolveSession(ctx, nil, "open", ModeFill)
	if err != nil {
		t.Fatal(err)
	}
	if a1.Token == a2.Token {
		t.Error("anonymous sessions shared")
	}
	if a1.FormID != open.ID {
		t.Errorf("have: %v, want: %v", a1.FormID, open.ID)
	}
}

func TestConcurrentGetOrCreateOpenSession(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine()
	f := storeTestForm(t, e, "f", form.StatusPublished, false)

	const n = 10
	tokens := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess, err := e.GetOrCreateOpenSession(ctx, "user1", f.ID)
			errs[i] = err
			if err == nil {
				tokens[i] = sess.Token
			}
		}(i)
	}
	wg.Wait()
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatal(errs[i])
		}
		if have, want := tokens[i], tokens[0]; have != want {
			t.Errorf("token %d: have: %v, want: %v", i, have, want)
		}
	}
}

func TestExpiredSessionReplaced(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e, s := newTestEngine(WithClock(func() time.Time { return clock }))
	storeTestForm(t, e, "f", form.StatusPublished, false)
	if err := e.GrantAccess(ctx, "f", "user1"); err != nil {
		t.Fatal(err)
	}
	id := &Identity{UserID: "user1"}

	first, err := e.ResolveSession(ctx, id, "f", ModeFill)
	if err != nil {
		t.Fatal(err)
	}

	clock = clock.AddDate(0, 4, 0)

	if _, err = e.SaveDraft(ctx, &Draft{SessionToken: first.Token, FormID: first.FormID, UserID: "user1"}); !errors.Is(err, ErrConflict) {
		t.Errorf("have: %v, want: %v", err, ErrConflict)
	}

	second, err := e.ResolveSession(ctx, id, "f", ModeFill)
	if err != nil {
		t.Fatal(err)
	}
	if second.Token == first.Token {
		t.Fatal("expired session returned again")
	}
	if second.Expired(clock) {
		t.Errorf("new session expired: %v", second.ExpiresAt)
	}
	if _, err = e.SaveDraft(ctx, &Draft{SessionToken: second.Token, FormID: second.FormID, UserID: "user1"}); err != nil {
		t.Fatal(err)
	}
	res, err := e.Submit(ctx, id, &Submission{FormKey: "f", SessionToken: second.Token})
	if err != nil {
		t.Fatal(err)
	}
	if !res.SessionCompleted {
		t.Error("session not completed")
	}

	err = s.Tx(ctx, func(ctx context.Context, tx storage.Tx) error {
		old, err := tx.Session(ctx, first.Token)
		if err != nil {
			return err
		}
		if old.Active {
			t.Error("expired session still active")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestSaveDraft(t *testing.T) {
	ctx := context.Background()
	e, s := newTestEngine()
	f := storeTestForm(t, e, "f", form.StatusPublished, true)
	sess, err := e.GetOrCreateOpenSession(ctx, "user1", f.ID)
	if err != nil {
		t.Fatal(err)
	}
	nameID, colorID, ageID := fieldID(t, f, "name"), fieldID(t, f, "color"), fieldID(t, f, "age")

	if _, err = e.SaveDraft(ctx, &Draft{FormID: f.ID}); !errors.Is(err, ErrValidation) {
		t.Errorf("have: %v, want: %v", err, ErrValidation)
	}

	var responseIDs []string
	for _, name := range []string{`"Ann"`, `"Bob"`, `"Cy"`} {
		id, err := e.SaveDraft(ctx, &Draft{
			SessionToken: sess.Token,
			FormID:       f.ID,
			UserID:       "user1",
			CurrentStep:  2,
			Values: []Value{
				{FieldID: nameID, Value: raw(name)},
				{FieldID: colorID, Value: raw(`"green"`)},
				{FieldID: "", Value: raw(`"dropped"`)},
				{FieldID: "unknown-field", Value: raw(`"skipped"`)},
			},
		})
		if err != nil {
			t.Fatal(err)
		}
		responseIDs = append(responseIDs, id)
	}
	// a later draft with only one field keeps the others
	if _, err = e.SaveDraft(ctx, &Draft{
		SessionToken: sess.Token,
		FormID:       f.ID,
		UserID:       "user1",
		Values:       []Value{{FieldID: ageID, Value: raw(`"abc"`)}},
	}); err != nil {
		t.Fatal(err)
	}
	for _, id := range responseIDs {
		if have, want := id, responseIDs[0]; have != want {
			t.Errorf("response id: have: %v, want: %v", have, want)
		}
	}

	r, values, err := s.RetrieveResponse(ctx, sess.Token)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := r.ID, responseIDs[0]; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if !r.SubmittedAt.IsZero() {
		t.Error("draft marked submitted")
	}
	if have, want := len(values), 3; have != want {
		t.Fatalf("value count: have: %v, want: %v", have, want)
	}
	for _, v := range values {
		switch v.FieldID {
		case nameID:
			if v.Text == nil || *v.Text != "Cy" {
				t.Errorf("name: have: %v, want: %v", v.Text, "Cy")
			}
		case colorID:
			if have, want := len(v.Options), 1; have != want {
				t.Fatalf("options: have: %v, want: %v", have, want)
			}
			if o := v.Options[0]; o.Value != "green" || o.Label != nil || o.OptionID != "" {
				t.Errorf("unresolved option: %+v", o)
			}
		case ageID:
			if v.Number != nil {
				t.Errorf("NaN stored as %v", *v.Number)
			}
		default:
			t.Errorf("unexpected field %s", v.FieldID)
		}
	}

	err = s.Tx(ctx, func(ctx context.Context, tx storage.Tx) error {
		stored, err := tx.Session(ctx, sess.Token)
		if err != nil {
			return err
		}
		if have, want := stored.CurrentStep, 2; have != want {
			t.Errorf("current step: have: %v, want: %v", have, want)
		}
		if have, want := stored.TotalSteps, 3; have != want {
			t.Errorf("total steps: have: %v, want: %v", have, want)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	// another user may not write into the session
	_, err = e.SaveDraft(ctx, &Draft{SessionToken: sess.Token, FormID: f.ID, UserID: "user2"})
	if !errors.Is(err, ErrForbidden) {
		t.Errorf("have: %v, want: %v", err, ErrForbidden)
	}

	// malformed JSON is rejected with a problem per field
	_, err = e.SaveDraft(ctx, &Draft{
		SessionToken: sess.Token,
		FormID:       f.ID,
		UserID:       "user1",
		Values:       []Value{{FieldID: nameID, Value: raw(`{`)}},
	})
	var engErr *Error
	if !errors.As(err, &engErr) || !errors.Is(err, ErrValidation) {
		t.Fatalf("have: %v, want: %v", err, ErrValidation)
	}
	if have, want := len(engErr.Problems), 1; have != want {
		t.Errorf("problems: have: %v, want: %v", have, want)
	}

	if _, err = e.SaveDraft(ctx, &Draft{SessionToken: "missing", FormID: f.ID}); !errors.Is(err, ErrNotFound) {
		t.Errorf("have: %v, want: %v", err, ErrNotFound)
	}
}

func TestSubmit(t *testing.T) {
	ctx := context.Background()
	d := new(fakeDispatcher)
	e, s := newTestEngine(WithDispatcher(d))
	f := storeTestForm(t, e, "f", form.StatusPublished, false)
	f.Webhook = &form.Webhook{URL: "http://example.invalid/hook", Secret: "s3cr3t", RetryCount: 2, TimeoutMS: 1500}
	if err := e.StoreForm(ctx, f); err != nil {
		t.Fatal(err)
	}
	if err := e.GrantAccess(ctx, f.Key, "user1"); err != nil {
		t.Fatal(err)
	}
	id := &Identity{UserID: "user1", Profile: map[string]interface{}{"name": "User One"}}
	sess, err := e.ResolveSession(ctx, id, f.Key, ModeFill)
	if err != nil {
		t.Fatal(err)
	}
	nameID, colorID, ageID := fieldID(t, f, "name"), fieldID(t, f, "color"), fieldID(t, f, "age")

	if _, err = e.SaveDraft(ctx, &Draft{
		SessionToken: sess.Token,
		FormID:       f.ID,
		UserID:       "user1",
		Values:       []Value{{FieldID: nameID, Value: raw(`"Ann"`)}},
	}); err != nil {
		t.Fatal(err)
	}

	// access is checked before anything is written
	_, err = e.Submit(ctx, &Identity{UserID: "user2"}, &Submission{FormKey: f.Key, SessionToken: sess.Token})
	if !errors.Is(err, ErrForbidden) {
		t.Errorf("have: %v, want: %v", err, ErrForbidden)
	}

	res, err := e.Submit(ctx, id, &Submission{
		FormKey:      f.Key,
		SessionToken: sess.Token,
		Values: []Value{
			{FieldID: colorID, Value: raw(`"red"`)},
			{FieldID: ageID, Value: raw(`"42"`)},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.SessionCompleted {
		t.Error("session not completed")
	}

	r, _, err := s.RetrieveResponse(ctx, sess.Token)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := r.ID, res.ResponseID; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if r.SubmittedAt.IsZero() {
		t.Error("response not marked submitted")
	}

	if have, want := len(d.payloads), 1; have != want {
		t.Fatalf("dispatched: have: %v, want: %v", have, want)
	}
	target := d.targets[0]
	if target.URL != f.Webhook.URL || target.Secret != "s3cr3t" || target.RetryCount != 2 || target.Timeout.Milliseconds() != 1500 {
		t.Errorf("target: %+v", target)
	}
	sub, ok := d.payloads[0].(*webhook.Submission)
	if !ok {
		t.Fatalf("payload type: %T", d.payloads[0])
	}
	if have, want := sub.Form.Key, f.Key; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := sub.Response.ID, res.ResponseID; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := sub.User["id"], "user1"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := sub.Values["name"], "Ann"; have != want {
		t.Errorf("name: have: %v, want: %v", have, want)
	}
	if have, want := sub.Values["color"], "red"; have != want {
		t.Errorf("color: have: %v, want: %v", have, want)
	}
	if have, want := sub.Values["age"], 42.0; have != want {
		t.Errorf("age: have: %v, want: %v", have, want)
	}
	sel := sub.Selections["color"]
	if len(sel) != 1 || sel[0].Value != "red" || sel[0].Label == nil || *sel[0].Label != "Red" {
		t.Errorf("selections: %+v", sel)
	}

	// resubmitting a completed session saves values but completes nothing
	res, err = e.Submit(ctx, id, &Submission{FormKey: f.Key, SessionToken: sess.Token})
	if err != nil {
		t.Fatal(err)
	}
	if res.SessionCompleted {
		t.Error("completed session completed again")
	}

	// drafts are refused once completed
	_, err = e.SaveDraft(ctx, &Draft{SessionToken: sess.Token, FormID: f.ID, UserID: "user1"})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("have: %v, want: %v", err, ErrConflict)
	}

	// a new session is opened after completion
	next, err := e.ResolveSession(ctx, id, f.Key, ModeFill)
	if err != nil {
		t.Fatal(err)
	}
	if next.Token == sess.Token {
		t.Error("completed session reopened")
	}
}

func TestSubmitWorkflowItem(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine()
	fa := storeTestForm(t, e, "a", form.StatusPublished, true)
	w := storeTestWorkflow(t, e, rule(fa.ID, true, false))

	run, items, err := e.CreateRun(ctx, w.ID, "Run1", "admin")
	if err != nil {
		t.Fatal(err)
	}
	start, err := e.StartItem(ctx, items[0].ID, "user1")
	if err != nil {
		t.Fatal(err)
	}
	res, err := e.Submit(ctx, &Identity{UserID: "user1"}, &Submission{FormKey: fa.Key, SessionToken: start.Session.Token})
	if err != nil {
		t.Fatal(err)
	}
	if have, want := res.ItemID, items[0].ID; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	run, stored, err := e.Run(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := stored[0].Status, workflow.ItemSubmitted; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := run.Status, workflow.RunCompleted; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}

func TestSubmitCancelledRun(t *testing.T) {
	ctx := context.Background()
	e, s := newTestEngine()
	fa := storeTestForm(t, e, "a", form.StatusPublished, true)
	w := storeTestWorkflow(t, e, rule(fa.ID, true, false))

	run, items, err := e.CreateRun(ctx, w.ID, "Run1", "admin")
	if err != nil {
		t.Fatal(err)
	}
	start, err := e.StartItem(ctx, items[0].ID, "user1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err = e.CancelRun(ctx, run.ID, "admin", "no longer needed"); err != nil {
		t.Fatal(err)
	}
	_, err = e.Submit(ctx, &Identity{UserID: "user1"}, &Submission{
		FormKey:      fa.Key,
		SessionToken: start.Session.Token,
		Values:       []Value{{FieldID: fieldID(t, fa, "name"), Value: raw(`"Ann"`)}},
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("have: %v, want: %v", err, ErrConflict)
	}

	// nothing of the submission was kept
	if _, _, err = s.RetrieveResponse(ctx, start.Session.Token); !errors.Is(err, ErrNotFound) {
		t.Errorf("have: %v, want: %v", err, ErrNotFound)
	}
	again, err := e.StartItem(ctx, items[0].ID, "user1")
	if !errors.Is(err, ErrConflict) {
		t.Errorf("have: %v, want: %v", err, ErrConflict)
	}
	if again != nil {
		t.Error("start of cancelled run returned a result")
	}
}

func TestMessage(t *testing.T) {
	for _, test := range []struct {
		err  error
		want string
	}{
		{conflictError(msgRunCancelled), "Workflow run is cancelled"},
		{validationError(msgSkipReason), "Skip reason is required"},
		{wrapNotFound(ErrNotFound, msgRunNotFound), "Workflow run not found"},
		{ErrNotFound, "Not found"},
		{errors.New("db exploded"), "Internal error"},
	} {
		if have, _ := Message(test.err); have != test.want {
			t.Errorf("have: %v, want: %v", have, test.want)
		}
	}
}
