package mysql

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/micromdm/nanoform/engine/storage"
	"github.com/micromdm/nanoform/form"
)

func upsertResponse(ctx context.Context, q queryer, r *form.Response) (string, error) {
	if r.SessionToken == "" {
		return "", fmt.Errorf("session token: %w", storage.ErrMissingID)
	}
	if r.ID == "" {
		return "", storage.ErrMissingID
	}
	var metadata interface{}
	if len(r.Metadata) > 0 {
		metadata = []byte(r.Metadata)
	}
	_, err := q.ExecContext(
		ctx, `
INSERT INTO responses
    (id, form_id, user_id, session_token, client_ip, user_agent,
     submitted_at, metadata, created_at, updated_at)
VALUES
    (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) AS new
ON DUPLICATE KEY
UPDATE
    form_id = new.form_id,
    user_id = new.user_id,
    client_ip = new.client_ip,
    user_agent = new.user_agent,
    submitted_at = COALESCE(new.submitted_at, responses.submitted_at),
    metadata = COALESCE(new.metadata, responses.metadata),
    updated_at = new.updated_at;`,
		r.ID,
		r.FormID,
		sqlNullString(r.UserID),
		r.SessionToken,
		sqlNullString(r.ClientIP),
		sqlNullString(r.UserAgent),
		sqlNullTime(r.SubmittedAt),
		metadata,
		orNow(r.CreatedAt),
		orNow(r.UpdatedAt),
	)
	if err != nil {
		return "", fmt.Errorf("upsert response: %w", err)
	}
	var id string
	err = q.QueryRowContext(ctx, `SELECT id FROM responses WHERE session_token = ?;`, r.SessionToken).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("select response id: %w", err)
	}
	return id, nil
}

func replaceResponseValue(ctx context.Context, q queryer, v *form.ResponseValue) error {
	_, err := q.ExecContext(
		ctx, `
INSERT INTO responsevalues
    (response_id, field_id, value_text, value_number, value_date, value_datetime, value_bool)
VALUES
    (?, ?, ?, ?, ?, ?, ?) AS new
ON DUPLICATE KEY
UPDATE
    value_text = new.value_text,
    value_number = new.value_number,
    value_date = new.value_date,
    value_datetime = new.value_datetime,
    value_bool = new.value_bool;`,
		v.ResponseID, v.FieldID, v.Text, v.Number, v.Date, v.DateTime, v.Bool,
	)
	if err != nil {
		return fmt.Errorf("upsert value: %w", err)
	}
	_, err = q.ExecContext(
		ctx,
		`DELETE FROM responsevalueoptions WHERE response_id = ? AND field_id = ?;`,
		v.ResponseID, v.FieldID,
	)
	if err != nil {
		return fmt.Errorf("delete value options: %w", err)
	}
	for i, o := range v.Options {
		_, err = q.ExecContext(
			ctx,
			`INSERT INTO responsevalueoptions (response_id, field_id, position, option_id, option_value, label) VALUES (?, ?, ?, ?, ?, ?);`,
			v.ResponseID, v.FieldID, i, sqlNullString(o.OptionID), o.Value, o.Label,
		)
		if err != nil {
			return fmt.Errorf("insert value option: %w", err)
		}
	}
	return nil
}

func nullStringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}

// RetrieveResponse implements the storage interface method.
func (s *MySQLStorage) RetrieveResponse(ctx context.Context, sessionToken string) (*form.Response, []*form.ResponseValue, error) {
	r := new(form.Response)
	var (
		userID, clientIP, userAgent sql.NullString
		submittedAt, created, updated sql.NullTime
		metadata                      []byte
	)
	err := s.db.QueryRowContext(
		ctx, `
SELECT
    id, form_id, user_id, session_token, client_ip, user_agent,
    submitted_at, metadata, created_at, updated_at
FROM
    responses
WHERE
    session_token = ?;`,
		sessionToken,
	).Scan(
		&r.ID, &r.FormID, &userID, &r.SessionToken, &clientIP, &userAgent,
		&submittedAt, &metadata, &created, &updated,
	)
	if err != nil {
		return nil, nil, notFound(err, "response for session", sessionToken)
	}
	r.UserID = userID.String
	r.ClientIP = clientIP.String
	r.UserAgent = userAgent.String
	r.SubmittedAt = nullTime(submittedAt)
	r.CreatedAt = nullTime(created)
	r.UpdatedAt = nullTime(updated)
	if len(metadata) > 0 {
		r.Metadata = metadata
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT field_id, value_text, value_number, value_date, value_datetime, value_bool FROM responsevalues WHERE response_id = ? ORDER BY field_id;`,
		r.ID,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("query values: %w", err)
	}
	defer rows.Close()
	var values []*form.ResponseValue
	byField := make(map[string]*form.ResponseValue)
	for rows.Next() {
		v := &form.ResponseValue{ResponseID: r.ID}
		var (
			text, date, dateTime sql.NullString
			number               sql.NullFloat64
			b                    sql.NullBool
		)
		if err = rows.Scan(&v.FieldID, &text, &number, &date, &dateTime, &b); err != nil {
			return nil, nil, fmt.Errorf("scan value: %w", err)
		}
		v.Text = nullStringPtr(text)
		v.Date = nullStringPtr(date)
		v.DateTime = nullStringPtr(dateTime)
		if number.Valid {
			v.Number = &number.Float64
		}
		if b.Valid {
			v.Bool = &b.Bool
		}
		values = append(values, v)
		byField[v.FieldID] = v
	}
	if err = rows.Err(); err != nil {
		return nil, nil, err
	}

	optRows, err := s.db.QueryContext(
		ctx,
		`SELECT field_id, option_id, option_value, label FROM responsevalueoptions WHERE response_id = ? ORDER BY field_id, position;`,
		r.ID,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("query value options: %w", err)
	}
	defer optRows.Close()
	for optRows.Next() {
		var (
			fieldID         string
			optionID, label sql.NullString
			o               form.ResponseValueOption
		)
		if err = optRows.Scan(&fieldID, &optionID, &o.Value, &label); err != nil {
			return nil, nil, fmt.Errorf("scan value option: %w", err)
		}
		o.OptionID = optionID.String
		o.Label = nullStringPtr(label)
		if v, ok := byField[fieldID]; ok {
			v.Options = append(v.Options, o)
		}
	}
	return r, values, optRows.Err()
}
