package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/micromdm/nanoform/form"
)

type testNotifier struct {
	mu       sync.Mutex
	fail     map[string]bool
	notified []string
}

func (n *testNotifier) NotifyReminder(_ context.Context, s *form.Session) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notified = append(n.notified, s.UserID)
	if n.fail[s.UserID] {
		return errors.New("notify failed")
	}
	return nil
}

func (n *testNotifier) reset() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	r := n.notified
	n.notified = nil
	return r
}

func TestWorker(t *testing.T) {
	ctx := context.Background()
	e, s := newTestEngine()
	f := storeTestForm(t, e, "f", form.StatusPublished, true)
	for _, user := range []string{"ok", "fails", ""} {
		if _, err := e.GetOrCreateOpenSession(ctx, user, f.ID); err != nil {
			t.Fatal(err)
		}
	}

	n := &testNotifier{fail: map[string]bool{"fails": true}}
	later := time.Now().UTC().Add(DefaultReminderAge + time.Hour*24)
	w := NewWorker(s, n, WithWorkerClock(func() time.Time { return later }))

	if err := w.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	notified := n.reset()
	if have, want := len(notified), 2; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}

	// only the failed reminder is tried again
	n.fail["fails"] = false
	if err := w.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	notified = n.reset()
	if len(notified) != 1 || notified[0] != "fails" {
		t.Errorf("have: %v, want: %v", notified, []string{"fails"})
	}

	if err := w.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if notified = n.reset(); len(notified) != 0 {
		t.Errorf("reminded again: %v", notified)
	}

	// sessions idle for less than the reminder age are not reminded
	if _, err := e.GetOrCreateOpenSession(ctx, "recent", f.ID); err != nil {
		t.Fatal(err)
	}
	w = NewWorker(s, n)
	if err := w.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if notified = n.reset(); len(notified) != 0 {
		t.Errorf("have: %v, want none", notified)
	}
}

func TestWorkerRunBadSchedule(t *testing.T) {
	_, s := newTestEngine()
	w := NewWorker(s, &testNotifier{}, WithWorkerSchedule("not a schedule"))
	if err := w.Run(context.Background()); err == nil {
		t.Error("expected schedule error")
	}
}
