package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/micromdm/nanoform/engine/storage"
	"github.com/micromdm/nanoform/form"
	"github.com/micromdm/nanoform/workflow"
)

func storeForm(ctx context.Context, q queryer, f *form.Form) error {
	if f.ID == "" {
		return storage.ErrMissingID
	}
	var existingID string
	err := q.QueryRowContext(ctx, `SELECT id FROM forms WHERE form_key = ?;`, f.Key).Scan(&existingID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("checking form key: %w", err)
	} else if err == nil && existingID != f.ID {
		return fmt.Errorf("%w: %s", storage.ErrKeyExists, f.Key)
	}

	wh := f.Webhook
	if wh == nil {
		wh = new(form.Webhook)
	}
	_, err = q.ExecContext(
		ctx, `
INSERT INTO forms
    (id, form_key, title, description, status, owner_id, anonymous,
     webhook_url, webhook_secret, webhook_timeout_ms, webhook_retry_count,
     webhook_header_key, webhook_header_value)
VALUES
    (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) AS new
ON DUPLICATE KEY
UPDATE
    form_key = new.form_key,
    title = new.title,
    description = new.description,
    status = new.status,
    owner_id = new.owner_id,
    anonymous = new.anonymous,
    webhook_url = new.webhook_url,
    webhook_secret = new.webhook_secret,
    webhook_timeout_ms = new.webhook_timeout_ms,
    webhook_retry_count = new.webhook_retry_count,
    webhook_header_key = new.webhook_header_key,
    webhook_header_value = new.webhook_header_value;`,
		f.ID,
		f.Key,
		f.Title,
		sqlNullString(f.Description),
		string(f.Status),
		sqlNullString(f.OwnerID),
		f.Anonymous,
		sqlNullString(wh.URL),
		sqlNullString(wh.Secret),
		wh.TimeoutMS,
		wh.RetryCount,
		sqlNullString(wh.HeaderKey),
		sqlNullString(wh.HeaderValue),
	)
	if isDuplicate(err) {
		return fmt.Errorf("%w: %s", storage.ErrKeyExists, f.Key)
	} else if err != nil {
		return fmt.Errorf("upsert form: %w", err)
	}

	for _, field := range f.Fields {
		if field.ID == "" {
			return fmt.Errorf("field %s: %w", field.Key, storage.ErrMissingID)
		}
		_, err = q.ExecContext(
			ctx, `
INSERT INTO formfields
    (id, form_id, field_key, label, field_type, required, sort_order, multi, active)
VALUES
    (?, ?, ?, ?, ?, ?, ?, ?, ?) AS new
ON DUPLICATE KEY
UPDATE
    form_id = new.form_id,
    field_key = new.field_key,
    label = new.label,
    field_type = new.field_type,
    required = new.required,
    sort_order = new.sort_order,
    multi = new.multi,
    active = new.active;`,
			field.ID,
			f.ID,
			field.Key,
			field.Label,
			string(field.Type),
			field.Required,
			field.SortOrder,
			field.Config.Multi,
			field.Active,
		)
		if err != nil {
			return fmt.Errorf("upsert field %s: %w", field.Key, err)
		}
		if err = replaceFieldOptions(ctx, q, field.ID, field.Options); err != nil {
			return fmt.Errorf("field %s: %w", field.Key, err)
		}
	}
	return nil
}

func replaceFieldOptions(ctx context.Context, q queryer, fieldID string, opts []form.Option) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM fieldoptions WHERE field_id = ?;`, fieldID); err != nil {
		return fmt.Errorf("delete options: %w", err)
	}
	for _, o := range opts {
		if o.ID == "" {
			return fmt.Errorf("option %s: %w", o.Value, storage.ErrMissingID)
		}
		_, err := q.ExecContext(
			ctx,
			`INSERT INTO fieldoptions (id, field_id, option_value, label, is_default, sort_order) VALUES (?, ?, ?, ?, ?, ?);`,
			o.ID, fieldID, o.Value, o.Label, o.Default, o.SortOrder,
		)
		if err != nil {
			return fmt.Errorf("insert option %s: %w", o.Value, err)
		}
	}
	return nil
}

// loadForm retrieves a form and its fields where column matches value.
func loadForm(ctx context.Context, q queryer, column, value string) (*form.Form, error) {
	f := new(form.Form)
	var (
		description, ownerID                       sql.NullString
		whURL, whSecret, whHeaderKey, whHeaderValue sql.NullString
		whTimeout, whRetry                          int
	)
	err := q.QueryRowContext(
		ctx, `
SELECT
    id, form_key, title, description, status, owner_id, anonymous,
    webhook_url, webhook_secret, webhook_timeout_ms, webhook_retry_count,
    webhook_header_key, webhook_header_value
FROM
    forms
WHERE
    `+column+` = ?;`,
		value,
	).Scan(
		&f.ID, &f.Key, &f.Title, &description, &f.Status, &ownerID, &f.Anonymous,
		&whURL, &whSecret, &whTimeout, &whRetry, &whHeaderKey, &whHeaderValue,
	)
	if err != nil {
		return nil, notFound(err, "form", value)
	}
	f.Description = description.String
	f.OwnerID = ownerID.String
	if whURL.Valid {
		f.Webhook = &form.Webhook{
			URL:         whURL.String,
			Secret:      whSecret.String,
			TimeoutMS:   whTimeout,
			RetryCount:  whRetry,
			HeaderKey:   whHeaderKey.String,
			HeaderValue: whHeaderValue.String,
		}
	}

	rows, err := q.QueryContext(
		ctx,
		`SELECT id, field_key, label, field_type, required, sort_order, multi, active FROM formfields WHERE form_id = ? ORDER BY sort_order, id;`,
		f.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("query fields: %w", err)
	}
	defer rows.Close()
	byID := make(map[string]*form.Field)
	for rows.Next() {
		field := &form.Field{FormID: f.ID}
		if err = rows.Scan(
			&field.ID, &field.Key, &field.Label, &field.Type, &field.Required,
			&field.SortOrder, &field.Config.Multi, &field.Active,
		); err != nil {
			return nil, fmt.Errorf("scan field: %w", err)
		}
		f.Fields = append(f.Fields, field)
		byID[field.ID] = field
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	optRows, err := q.QueryContext(
		ctx, `
SELECT
    o.id, o.field_id, o.option_value, o.label, o.is_default, o.sort_order
FROM
    fieldoptions o
    INNER JOIN formfields f
        ON o.field_id = f.id
WHERE
    f.form_id = ?
ORDER BY
    o.sort_order, o.id;`,
		f.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("query options: %w", err)
	}
	defer optRows.Close()
	for optRows.Next() {
		var o form.Option
		if err = optRows.Scan(&o.ID, &o.FieldID, &o.Value, &o.Label, &o.Default, &o.SortOrder); err != nil {
			return nil, fmt.Errorf("scan option: %w", err)
		}
		if field, ok := byID[o.FieldID]; ok {
			field.Options = append(field.Options, o)
		}
	}
	return f, optRows.Err()
}

// fieldExists reports whether a field exists.
func fieldExists(ctx context.Context, q queryer, fieldID string) error {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM formfields WHERE id = ?;`, fieldID).Scan(&one)
	return notFound(err, "field", fieldID)
}

func storeWorkflow(ctx context.Context, q queryer, w *workflow.Workflow) error {
	if w.ID == "" {
		return storage.ErrMissingID
	}
	_, err := q.ExecContext(
		ctx,
		`INSERT INTO workflows (id, name, status) VALUES (?, ?, ?) AS new ON DUPLICATE KEY UPDATE name = new.name, status = new.status;`,
		w.ID, w.Name, string(w.Status),
	)
	if err != nil {
		return fmt.Errorf("upsert workflow: %w", err)
	}
	for _, r := range w.Rules {
		if r.ID == "" {
			return fmt.Errorf("rule: %w", storage.ErrMissingID)
		}
		_, err = q.ExecContext(
			ctx, `
INSERT INTO workflow_forms
    (id, workflow_id, form_id, required, allow_multiple, sort_order, default_display_name)
VALUES
    (?, ?, ?, ?, ?, ?, ?) AS new
ON DUPLICATE KEY
UPDATE
    workflow_id = new.workflow_id,
    form_id = new.form_id,
    required = new.required,
    allow_multiple = new.allow_multiple,
    sort_order = new.sort_order,
    default_display_name = new.default_display_name;`,
			r.ID, w.ID, r.FormID, r.Required, r.AllowMultiple, r.SortOrder, sqlNullString(r.DefaultDisplayName),
		)
		if err != nil {
			return fmt.Errorf("upsert rule: %w", err)
		}
	}
	return nil
}

func loadWorkflow(ctx context.Context, q queryer, id string) (*workflow.Workflow, error) {
	w := new(workflow.Workflow)
	err := q.QueryRowContext(ctx, `SELECT id, name, status FROM workflows WHERE id = ?;`, id).Scan(&w.ID, &w.Name, &w.Status)
	if err != nil {
		return nil, notFound(err, "workflow", id)
	}
	rows, err := q.QueryContext(
		ctx,
		`SELECT id, form_id, required, allow_multiple, sort_order, default_display_name FROM workflow_forms WHERE workflow_id = ? ORDER BY sort_order, id;`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		r := &workflow.Rule{WorkflowID: id}
		var displayName sql.NullString
		if err = rows.Scan(&r.ID, &r.FormID, &r.Required, &r.AllowMultiple, &r.SortOrder, &displayName); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		r.DefaultDisplayName = displayName.String
		w.Rules = append(w.Rules, r)
	}
	return w, rows.Err()
}

// StoreForm implements the storage interface method.
func (s *MySQLStorage) StoreForm(ctx context.Context, f *form.Form) error {
	return tx(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		return storeForm(ctx, tx, f)
	})
}

// RetrieveForm implements the storage interface method.
func (s *MySQLStorage) RetrieveForm(ctx context.Context, id string) (*form.Form, error) {
	return loadForm(ctx, s.db, "id", id)
}

// RetrieveFormByKey implements the storage interface method.
func (s *MySQLStorage) RetrieveFormByKey(ctx context.Context, formKey string) (*form.Form, error) {
	return loadForm(ctx, s.db, "form_key", formKey)
}

// DeleteField implements the storage interface method.
func (s *MySQLStorage) DeleteField(ctx context.Context, fieldID string) (deactivated bool, err error) {
	err = tx(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		if err := fieldExists(ctx, tx, fieldID); err != nil {
			return err
		}
		err := tx.QueryRowContext(
			ctx,
			`SELECT EXISTS(SELECT 1 FROM responsevalues WHERE field_id = ?);`,
			fieldID,
		).Scan(&deactivated)
		if err != nil {
			return fmt.Errorf("checking field values: %w", err)
		}
		if deactivated {
			_, err = tx.ExecContext(ctx, `UPDATE formfields SET active = FALSE WHERE id = ?;`, fieldID)
		} else {
			_, err = tx.ExecContext(ctx, `DELETE FROM formfields WHERE id = ?;`, fieldID)
		}
		return err
	})
	return
}

// StoreWorkflow implements the storage interface method.
func (s *MySQLStorage) StoreWorkflow(ctx context.Context, w *workflow.Workflow) error {
	return tx(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		return storeWorkflow(ctx, tx, w)
	})
}

// RetrieveWorkflow implements the storage interface method.
func (s *MySQLStorage) RetrieveWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	return loadWorkflow(ctx, s.db, id)
}
