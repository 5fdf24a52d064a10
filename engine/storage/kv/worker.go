package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/micromdm/nanoform/form"

	"github.com/micromdm/nanolib/storage/kv"
)

// RetrieveRemindableSessions implements the storage interface method.
func (s *KV) RetrieveRemindableSessions(ctx context.Context, idleBefore, now time.Time) ([]*form.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tokens := kv.AllKeys(ctx, s.sessions)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var ret []*form.Session
	for _, token := range tokens {
		sess, err := kvGetSession(ctx, s.b, token)
		if err != nil {
			return nil, fmt.Errorf("getting session: %w", err)
		}
		if sess.Remindable(idleBefore, now) {
			ret = append(ret, sess)
		}
	}
	return ret, nil
}

// MarkReminderSent implements the storage interface method.
func (s *KV) MarkReminderSent(ctx context.Context, token string, at time.Time) error {
	return s.update(ctx, func(b *buckets) error {
		sess, err := kvGetSession(ctx, b, token)
		if err != nil {
			return err
		}
		sess.ReminderSentAt = at
		return setJSON(ctx, b.session, token, sess)
	})
}
