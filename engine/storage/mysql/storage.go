package mysql

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/micromdm/nanoform/engine/storage"
)

// GrantAccess implements the storage interface method.
func (s *MySQLStorage) GrantAccess(ctx context.Context, formID, userID string) error {
	return tx(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM forms WHERE id = ?;`, formID).Scan(&one)
		if err != nil {
			return notFound(err, "form", formID)
		}
		_, err = tx.ExecContext(ctx, `INSERT IGNORE INTO form_access (form_id, user_id) VALUES (?, ?);`, formID, userID)
		if err != nil {
			return fmt.Errorf("insert access: %w", err)
		}
		return nil
	})
}

// RevokeAccess implements the storage interface method.
func (s *MySQLStorage) RevokeAccess(ctx context.Context, formID, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM form_access WHERE form_id = ? AND user_id = ?;`, formID, userID)
	if err != nil {
		return fmt.Errorf("delete access: %w", err)
	}
	return nil
}

// ValidateAccess implements the storage interface method.
func (s *MySQLStorage) ValidateAccess(ctx context.Context, userID, formKey string) (ok bool, err error) {
	if userID == "" {
		return false, nil
	}
	err = s.db.QueryRowContext(
		ctx, `
SELECT
    EXISTS(
        SELECT 1 FROM form_access a INNER JOIN forms f ON a.form_id = f.id
        WHERE f.form_key = ? AND a.user_id = ?
    );`,
		formKey, userID,
	).Scan(&ok)
	return
}

var _ storage.Storage = (*MySQLStorage)(nil)
