package kv

import (
	"context"
	"errors"
	"testing"

	"github.com/micromdm/nanoform/engine/storage"
	"github.com/micromdm/nanoform/form"

	"github.com/micromdm/nanolib/storage/kv"
	"github.com/micromdm/nanolib/storage/kv/kvmap"
)

var errWrite = errors.New("write failed")

// failingBucket fails every Set.
type failingBucket struct {
	kv.Bucket
}

func (b *failingBucket) Set(context.Context, string, []byte) error {
	return errWrite
}

func testForm() *form.Form {
	return &form.Form{
		ID:     "form1",
		Key:    "key1",
		Title:  "Form",
		Status: form.StatusPublished,
	}
}

func TestUpdateRollsBack(t *testing.T) {
	ctx := context.Background()
	s := New(func(string) kv.Bucket { return kvmap.New() })

	errAbort := errors.New("abort")
	err := s.Tx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return errAbort
	})
	if have, want := err, errAbort; !errors.Is(have, want) {
		t.Fatalf("have: %v, want: %v", have, want)
	}

	err = s.update(ctx, func(b *buckets) error {
		if err := kvStoreForm(ctx, b, testForm()); err != nil {
			return err
		}
		return errAbort
	})
	if have, want := err, errAbort; !errors.Is(have, want) {
		t.Fatalf("have: %v, want: %v", have, want)
	}

	// nothing staged reached the buckets
	_, err = s.RetrieveForm(ctx, "form1")
	if have, want := err, storage.ErrNotFound; !errors.Is(have, want) {
		t.Errorf("have: %v, want: %v", have, want)
	}
}

// TestCommitNotAtomicAcrossBuckets records that a bucket write failure
// part way through a commit leaves the earlier buckets written.
func TestCommitNotAtomicAcrossBuckets(t *testing.T) {
	ctx := context.Background()
	s := New(func(name string) kv.Bucket {
		if name == BucketIndex {
			return &failingBucket{Bucket: kvmap.New()}
		}
		return kvmap.New()
	})

	err := s.StoreForm(ctx, testForm())
	if have, want := err, errWrite; !errors.Is(have, want) {
		t.Fatalf("have: %v, want: %v", have, want)
	}

	// the form bucket commits before the index bucket
	f, err := s.RetrieveForm(ctx, "form1")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := f.Key, "key1"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	// but the key index was never written
	_, err = s.RetrieveFormByKey(ctx, "key1")
	if have, want := err, storage.ErrNotFound; !errors.Is(have, want) {
		t.Errorf("have: %v, want: %v", have, want)
	}
}
