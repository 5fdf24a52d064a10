package cache

import (
	"context"
	"testing"
	"time"

	"github.com/micromdm/nanoform/engine/storage"
	"github.com/micromdm/nanoform/engine/storage/inmem"
	"github.com/micromdm/nanoform/engine/storage/test"
	"github.com/micromdm/nanoform/form"
)

func TestCacheStorage(t *testing.T) {
	test.TestStorage(t, func() storage.Storage { return New(inmem.New(), time.Minute) })
}

func TestCacheFlush(t *testing.T) {
	ctx := context.Background()
	under := inmem.New()
	s := New(under, time.Minute)

	f := &form.Form{
		ID:     "f1",
		Key:    "intake",
		Title:  "Intake",
		Status: form.StatusPublished,
		Fields: []*form.Field{
			{ID: "fld1", Key: "color", Type: form.FieldTypeOption, Active: true, Options: []form.Option{
				{ID: "o1", Value: "red", Label: "Red"},
			}},
		},
	}
	if err := s.StoreForm(ctx, f); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RetrieveFormByKey(ctx, "intake"); err != nil {
		t.Fatal(err)
	}

	// writes that bypass the cache are not seen
	f.Title = "Changed"
	if err := under.StoreForm(ctx, f); err != nil {
		t.Fatal(err)
	}
	cached, err := s.RetrieveForm(ctx, "f1")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := cached.Title, "Intake"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	// modifying a returned form does not modify the cache
	cached.Fields[0].Options[0].Label = "Mutated"
	if again, _ := s.RetrieveForm(ctx, "f1"); again.Fields[0].Options[0].Label != "Red" {
		t.Error("cached form was modified through a returned copy")
	}

	// replacing options in a transaction flushes
	err = s.Tx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.ReplaceFieldOptions(ctx, "fld1", []form.Option{{ID: "o2", Value: "blue", Label: "Blue"}})
	})
	if err != nil {
		t.Fatal(err)
	}
	fresh, err := s.RetrieveFormByKey(ctx, "intake")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := fresh.Title, "Changed"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := fresh.Fields[0].Options[0].Value, "blue"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}
