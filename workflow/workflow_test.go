package workflow

import "testing"

func TestRecompute(t *testing.T) {
	rules := map[string]*Rule{
		"req": {ID: "req", Required: true},
		"opt": {ID: "opt"},
	}
	item := func(rule string, s ItemStatus) *Item {
		return &Item{RuleID: rule, Status: s}
	}

	for _, test := range []struct {
		name    string
		current RunStatus
		items   []*Item
		want    RunStatus
	}{
		{"no_items", RunNotStarted, nil, RunCompleted},
		{"only_optional", RunNotStarted, []*Item{item("opt", ItemNotStarted)}, RunCompleted},
		{"untouched", RunNotStarted, []*Item{item("req", ItemNotStarted), item("opt", ItemNotStarted)}, RunNotStarted},
		{"required_started", RunNotStarted, []*Item{item("req", ItemInProgress)}, RunInProgress},
		{"optional_started", RunNotStarted, []*Item{item("req", ItemNotStarted), item("opt", ItemInProgress)}, RunInProgress},
		{"optional_done", RunNotStarted, []*Item{item("req", ItemNotStarted), item("opt", ItemSubmitted)}, RunInProgress},
		{"required_submitted", RunInProgress, []*Item{item("req", ItemSubmitted), item("opt", ItemNotStarted)}, RunCompleted},
		{"required_skipped", RunInProgress, []*Item{item("req", ItemSkipped)}, RunCompleted},
		{"partial", RunInProgress, []*Item{item("req", ItemSubmitted), item("req", ItemNotStarted)}, RunInProgress},
		{"reopened", RunCompleted, []*Item{item("req", ItemSubmitted), item("req", ItemNotStarted)}, RunInProgress},
		{"unknown_rule_optional", RunNotStarted, []*Item{item("gone", ItemNotStarted)}, RunCompleted},
		{"cancelled_sticky", RunCancelled, []*Item{item("req", ItemSubmitted)}, RunCancelled},
		{"cancelled_sticky_empty", RunCancelled, nil, RunCancelled},
	} {
		t.Run(test.name, func(t *testing.T) {
			if have, want := Recompute(test.current, test.items, rules), test.want; have != want {
				t.Errorf("have: %v, want: %v", have, want)
			}
		})
	}
}

func TestItemStatusDone(t *testing.T) {
	for s, want := range map[ItemStatus]bool{
		ItemNotStarted: false,
		ItemInProgress: false,
		ItemSubmitted:  true,
		ItemSkipped:    true,
		"SKIPPED":      false,
	} {
		if have := s.Done(); have != want {
			t.Errorf("%s: have: %v, want: %v", s, have, want)
		}
	}
}

func TestSortItems(t *testing.T) {
	rules := map[string]*Rule{
		"a": {ID: "a", SortOrder: 2},
		"b": {ID: "b", SortOrder: 1},
	}
	items := []*Item{
		{ID: "a1", RuleID: "a", SequenceNum: 1},
		{ID: "b2", RuleID: "b", SequenceNum: 2},
		{ID: "b1", RuleID: "b", SequenceNum: 1},
	}
	SortItems(items, rules)
	for i, want := range []string{"b1", "b2", "a1"} {
		if have := items[i].ID; have != want {
			t.Errorf("position %d: have: %v, want: %v", i, have, want)
		}
	}
}

func TestValidate(t *testing.T) {
	w := &Workflow{Name: "onboarding", Status: StatusActive, Rules: []*Rule{{FormID: "f1"}}}
	if err := w.Validate(); err != nil {
		t.Fatal(err)
	}
	w.Status = "Active"
	if err := w.Validate(); err == nil {
		t.Error("expected error for non-canonical status")
	}
	w.Status = StatusInactive
	w.Rules = append(w.Rules, &Rule{})
	if err := w.Validate(); err == nil {
		t.Error("expected error for rule without form")
	}
}
