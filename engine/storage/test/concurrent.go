package test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/micromdm/nanoform/engine/storage"
	"github.com/micromdm/nanoform/form"

	"github.com/google/uuid"
)

// raceSessions runs n concurrent transactions of getOrInsert and returns
// the session token each of them observed.
func raceSessions(t *testing.T, s storage.Storage, n int, getOrInsert func(context.Context, storage.Tx) (*form.Session, error)) []string {
	t.Helper()
	tokens := make([]string, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Tx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
				sess, err := getOrInsert(ctx, tx)
				if err != nil {
					return err
				}
				tokens[i] = sess.Token
				return nil
			})
		}(i)
	}
	wg.Wait()

	for i := range errs {
		if errs[i] != nil {
			t.Fatal(errs[i])
		}
	}
	for i := 1; i < n; i++ {
		if have, want := tokens[i], tokens[0]; have != want {
			t.Errorf("caller %d: have: %v, want: %v", i, have, want)
		}
	}
	return tokens
}

// testConcurrentOpenSession races several get-or-create transactions for
// the same user and form. Every caller must observe the same session.
func testConcurrentOpenSession(t *testing.T, s storage.Storage) {
	f := newForm(t, s)
	user := "racer"

	tokens := raceSessions(t, s, 8, func(ctx context.Context, tx storage.Tx) (*form.Session, error) {
		sess, err := tx.OpenSession(ctx, user, f.ID)
		if errors.Is(err, storage.ErrNotFound) {
			sess, err = tx.InsertSession(ctx, newSession(f.ID, user))
		}
		return sess, err
	})

	// the winning session is the open session
	err := s.Tx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		sess, err := tx.OpenSession(ctx, user, f.ID)
		if err != nil {
			return err
		}
		if have, want := sess.Token, tokens[0]; have != want {
			t.Errorf("have: %v, want: %v", have, want)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

// testConcurrentItemSession races several starts of the same workflow
// item by the same user. Every caller must observe the same session.
func testConcurrentItemSession(t *testing.T, s storage.Storage) {
	f := newForm(t, s)
	user := "item-racer"
	runID, itemID := uuid.NewString(), uuid.NewString()

	tokens := raceSessions(t, s, 8, func(ctx context.Context, tx storage.Tx) (*form.Session, error) {
		sess, err := tx.ItemSession(ctx, itemID, runID, user)
		if errors.Is(err, storage.ErrNotFound) {
			sess = newSession(f.ID, user)
			sess.WorkflowRunID = runID
			sess.WorkflowItemID = itemID
			sess, err = tx.InsertSession(ctx, sess)
		}
		return sess, err
	})

	err := s.Tx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		sess, err := tx.ItemSession(ctx, itemID, runID, user)
		if err != nil {
			return err
		}
		if have, want := sess.Token, tokens[0]; have != want {
			t.Errorf("have: %v, want: %v", have, want)
		}
		// an item session is not the open session of the form
		if _, err = tx.OpenSession(ctx, user, f.ID); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("have: %v, want: %v", err, storage.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
