package workflow

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	ErrEmptyName     = errors.New("empty name")
	ErrInvalidStatus = errors.New("invalid status")
	ErrMissingForm   = errors.New("missing form")
)

// Status is the status of a workflow template.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Rule binds a form to a workflow.
type Rule struct {
	ID                 string `json:"id"`
	WorkflowID         string `json:"workflow_id,omitempty"`
	FormID             string `json:"form_id"`
	Required           bool   `json:"required"`
	AllowMultiple      bool   `json:"allow_multiple"`
	SortOrder          int    `json:"sort_order"`
	DefaultDisplayName string `json:"default_display_name,omitempty"`
}

// Workflow is a template of forms to be filled.
type Workflow struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Status Status  `json:"status"`
	Rules  []*Rule `json:"rules"`
}

// Validate checks w for a name, status, and rules that name a form.
func (w *Workflow) Validate() error {
	if w == nil {
		return errors.New("nil workflow")
	}
	if w.Name == "" {
		return ErrEmptyName
	}
	if w.Status != StatusActive && w.Status != StatusInactive {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, w.Status)
	}
	for i, r := range w.Rules {
		if r.FormID == "" {
			return fmt.Errorf("rule %d: %w", i, ErrMissingForm)
		}
	}
	return nil
}

// Active reports whether runs of w may be created.
func (w *Workflow) Active() bool {
	return w.Status == StatusActive
}

// Rule returns the rule with id or nil.
func (w *Workflow) Rule(id string) *Rule {
	for _, r := range w.Rules {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// RuleMap returns the rules of w keyed by rule ID.
func (w *Workflow) RuleMap() map[string]*Rule {
	m := make(map[string]*Rule, len(w.Rules))
	for _, r := range w.Rules {
		m[r.ID] = r
	}
	return m
}

// SortedRules returns the rules of w in sort order.
func (w *Workflow) SortedRules() []*Rule {
	rules := make([]*Rule, len(w.Rules))
	copy(rules, w.Rules)
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].SortOrder < rules[j].SortOrder
	})
	return rules
}

// RunStatus is the derived status of a run.
type RunStatus string

const (
	RunNotStarted RunStatus = "not_started"
	RunInProgress RunStatus = "in_progress"
	RunCompleted  RunStatus = "completed"
	RunCancelled  RunStatus = "cancelled"
)

// Run is one instantiation of a workflow.
type Run struct {
	ID          string    `json:"id"`
	WorkflowID  string    `json:"workflow_id"`
	DisplayName string    `json:"display_name"`
	CreatedBy   string    `json:"created_by,omitempty"`
	Status      RunStatus `json:"status"`

	LockedAt time.Time `json:"locked_at"`
	LockedBy string    `json:"locked_by,omitempty"`

	CancelledAt  time.Time `json:"cancelled_at"`
	CancelledBy  string    `json:"cancelled_by,omitempty"`
	CancelReason string    `json:"cancel_reason,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// Cancelled reports whether r has been cancelled.
func (r *Run) Cancelled() bool {
	return r.Status == RunCancelled
}

// Locked reports whether r has been locked.
func (r *Run) Locked() bool {
	return !r.LockedAt.IsZero()
}

// ItemStatus is the status of a single item.
type ItemStatus string

const (
	ItemNotStarted ItemStatus = "not_started"
	ItemInProgress ItemStatus = "in_progress"
	ItemSubmitted  ItemStatus = "submitted"
	ItemSkipped    ItemStatus = "skipped"
)

// Done reports whether s counts as done for run completion.
func (s ItemStatus) Done() bool {
	return s == ItemSubmitted || s == ItemSkipped
}

// Item is one task of a run: one form to fill for one rule.
type Item struct {
	ID             string     `json:"id"`
	RunID          string     `json:"run_id"`
	RuleID         string     `json:"rule_id"`
	FormID         string     `json:"form_id"`
	SequenceNum    int        `json:"sequence_num"`
	Status         ItemStatus `json:"status"`
	AssignedUserID string     `json:"assigned_user_id,omitempty"`
	SkipReason     string     `json:"skip_reason,omitempty"`
	DisplayName    string     `json:"display_name,omitempty"`
	CompletedAt    time.Time  `json:"completed_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Recompute derives the status of a run from its items.
// Items are counted as required by their rule in rules; items whose
// rule is missing from rules count as optional. A cancelled run stays
// cancelled. A run with no unfinished required items is completed.
// Otherwise the run is in progress once any item has left not_started.
func Recompute(current RunStatus, items []*Item, rules map[string]*Rule) RunStatus {
	if current == RunCancelled {
		return RunCancelled
	}
	var requiredTotal, requiredDone int
	started := false
	for _, item := range items {
		if item.Status != ItemNotStarted {
			started = true
		}
		if r, ok := rules[item.RuleID]; !ok || !r.Required {
			continue
		}
		requiredTotal++
		if item.Status.Done() {
			requiredDone++
		}
	}
	if requiredTotal == 0 || requiredDone >= requiredTotal {
		return RunCompleted
	}
	if started {
		return RunInProgress
	}
	return RunNotStarted
}

// SortItems orders items by the sort order of their rule and then by
// sequence number.
func SortItems(items []*Item, rules map[string]*Rule) {
	order := func(i *Item) int {
		if r, ok := rules[i.RuleID]; ok {
			return r.SortOrder
		}
		return 0
	}
	sort.SliceStable(items, func(i, j int) bool {
		oi, oj := order(items[i]), order(items[j])
		if oi != oj {
			return oi < oj
		}
		return items[i].SequenceNum < items[j].SequenceNum
	})
}
