package mysql

import (
	"context"
	"fmt"
	"time"

	"github.com/micromdm/nanoform/form"
)

// RetrieveRemindableSessions implements the storage interface method.
func (s *MySQLStorage) RetrieveRemindableSessions(ctx context.Context, idleBefore, now time.Time) ([]*form.Session, error) {
	rows, err := s.db.QueryContext(
		ctx, `
SELECT`+sessionColumns+`
FROM
    formsessions
WHERE
    active = TRUE AND
    completed = FALSE AND
    user_id IS NOT NULL AND
    reminder_sent_at IS NULL AND
    (expires_at IS NULL OR expires_at > ?) AND
    updated_at < ?
ORDER BY
    updated_at;`,
		now, idleBefore,
	)
	if err != nil {
		return nil, fmt.Errorf("query remindable sessions: %w", err)
	}
	defer rows.Close()
	var ret []*form.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		ret = append(ret, sess)
	}
	return ret, rows.Err()
}

// MarkReminderSent implements the storage interface method.
func (s *MySQLStorage) MarkReminderSent(ctx context.Context, token string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE formsessions SET reminder_sent_at = ? WHERE token = ?;`, at, token)
	if err != nil {
		return fmt.Errorf("update reminder sent: %w", err)
	}
	return nil
}
