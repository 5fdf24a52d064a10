package webhook

import (
	"context"

	"github.com/micromdm/nanoform/form"
)

// ReminderNotifier sends reminders for idle sessions to a target.
type ReminderNotifier struct {
	sender Sender
	target *Target
}

// NewReminderNotifier creates a notifier that delivers reminders to t using sender.
func NewReminderNotifier(sender Sender, t *Target) *ReminderNotifier {
	return &ReminderNotifier{sender: sender, target: t}
}

// NotifyReminder delivers a reminder for s.
// The session token is not included.
func (n *ReminderNotifier) NotifyReminder(ctx context.Context, s *form.Session) error {
	return n.sender.Deliver(ctx, n.target, &Reminder{
		Type:      "reminder",
		FormID:    s.FormID,
		UserID:    s.UserID,
		Step:      s.CurrentStep,
		Steps:     s.TotalSteps,
		UpdatedAt: s.UpdatedAt,
		ExpiresAt: s.ExpiresAt,
	})
}
