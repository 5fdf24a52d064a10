package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/micromdm/nanoform/form"
)

func TestOptionJob(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine()
	f := storeTestForm(t, e, "f", form.StatusPublished, true)
	colorID := fieldID(t, f, "color")

	if _, err := e.CreateOptionJob(ctx, f.Key, fieldID(t, f, "name")); !errors.Is(err, ErrValidation) {
		t.Errorf("have: %v, want: %v", err, ErrValidation)
	}
	if _, err := e.CreateOptionJob(ctx, f.Key, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("have: %v, want: %v", err, ErrNotFound)
	}

	job, err := e.CreateOptionJob(ctx, f.Key, colorID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != form.JobPending || job.CallbackToken == "" {
		t.Errorf("job: %+v", job)
	}

	cb := &OptionCallback{
		FormKey: f.Key,
		FieldID: colorID,
		Options: []form.Option{
			{Value: "green", Label: "Green"},
			{Value: "yellow"},
		},
	}

	for _, test := range []struct {
		name  string
		id    string
		token string
		cb    *OptionCallback
		want  error
	}{
		{"no-token", job.ID, "", cb, ErrUnauthorized},
		{"bad-token", job.ID, "wrong", cb, ErrForbidden},
		{"missing-job", "missing", job.CallbackToken, cb, ErrNotFound},
		{"mismatch", job.ID, job.CallbackToken, &OptionCallback{FormKey: "other", FieldID: colorID}, ErrValidation},
		{"empty-value", job.ID, job.CallbackToken, &OptionCallback{FormKey: f.Key, FieldID: colorID, Options: []form.Option{{Label: "x"}}}, ErrValidation},
	} {
		t.Run(test.name, func(t *testing.T) {
			if err := e.CompleteOptionJob(ctx, test.id, test.token, test.cb); !errors.Is(err, test.want) {
				t.Errorf("have: %v, want: %v", err, test.want)
			}
		})
	}

	if err = e.CompleteOptionJob(ctx, job.ID, job.CallbackToken, cb); err != nil {
		t.Fatal(err)
	}
	stored, err := e.Form(ctx, f.Key)
	if err != nil {
		t.Fatal(err)
	}
	field := stored.Field(colorID)
	if have, want := len(field.Options), 2; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	if o := field.Option("yellow"); o == nil || o.Label != "yellow" {
		t.Errorf("option: %+v", o)
	}
	if field.Option("blue") != nil {
		t.Error("old option kept")
	}

	// a completed job accepts no further callbacks
	if err = e.CompleteOptionJob(ctx, job.ID, job.CallbackToken, cb); !errors.Is(err, ErrConflict) {
		t.Errorf("have: %v, want: %v", err, ErrConflict)
	}
}
