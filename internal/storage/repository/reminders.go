package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/magabrotheeeer/breezeminder/internal/models"
)

const reminderColumns = `id, owner_uid, type, threshold, quantifier, valid_until,
			      send_email, send_sms, created, updated`

func scanReminder(row rowScanner) (*models.Reminder, error) {
	r := &models.Reminder{}
	var (
		kind       string
		threshold  decimal.Decimal
		quantifier sql.NullString
		validUntil sql.NullTime
	)
	if err := row.Scan(&r.ID, &r.OwnerUID, &kind, &threshold, &quantifier, &validUntil,
		&r.SendEmail, &r.SendSMS, &r.Created, &r.Updated); err != nil {
		return nil, err
	}

	var q *string
	if quantifier.Valid {
		q = &quantifier.String
	}
	cond, err := models.DecodeCondition(models.ReminderType(kind), threshold, q)
	switch {
	case errors.Is(err, models.ErrUnknownReminderType):
		// Правило остаётся в выдаче, планировщик пропустит его с ошибкой вычисления.
		cond = models.Unsupported{Kind: models.ReminderType(kind)}
	case err != nil:
		return nil, err
	}
	r.Condition = cond
	r.ValidUntil = timePtr(validUntil)
	return r, nil
}

func encodeReminder(r *models.Reminder) (string, decimal.Decimal, sql.NullString) {
	kind, threshold, q := models.EncodeCondition(r.Condition)
	var quantifier sql.NullString
	if q != nil {
		quantifier = sql.NullString{String: *q, Valid: true}
	}
	return string(kind), threshold, quantifier
}

// CreateReminder сохраняет новое правило и возвращает его ID.
func (s *Storage) CreateReminder(ctx context.Context, r *models.Reminder) (int64, error) {
	const op = "storage.CreateReminder"
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	kind, threshold, quantifier := encodeReminder(r)
	query := `INSERT INTO reminders (owner_uid, type, threshold, quantifier, valid_until,
			      send_email, send_sms)
			  VALUES ($1, $2, $3, $4, $5, $6, $7)
			  RETURNING id, created, updated;`
	if err := s.DB.QueryRowContext(ctx, query,
		r.OwnerUID, kind, threshold, quantifier, r.ValidUntil, r.SendEmail, r.SendSMS,
	).Scan(&r.ID, &r.Created, &r.Updated); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return r.ID, nil
}

// GetReminder возвращает правило пользователя по ID.
func (s *Storage) GetReminder(ctx context.Context, ownerUID string, id int64) (*models.Reminder, error) {
	const op = "storage.GetReminder"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT ` + reminderColumns + `
			  FROM reminders
			  WHERE id = $1 AND owner_uid = $2`
	r, err := scanReminder(s.DB.QueryRowContext(ctx, query, id, ownerUID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", op, ErrReminderNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return r, nil
}

// UpdateReminder перезаписывает условие, срок действия и каналы правила.
func (s *Storage) UpdateReminder(ctx context.Context, r *models.Reminder) error {
	const op = "storage.UpdateReminder"
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	kind, threshold, quantifier := encodeReminder(r)
	query := `UPDATE reminders
			  SET type = $1, threshold = $2, quantifier = $3, valid_until = $4,
			      send_email = $5, send_sms = $6, updated = now()
			  WHERE id = $7 AND owner_uid = $8
			  RETURNING updated`
	err := s.DB.QueryRowContext(ctx, query,
		kind, threshold, quantifier, r.ValidUntil, r.SendEmail, r.SendSMS, r.ID, r.OwnerUID,
	).Scan(&r.Updated)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrReminderNotFound)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// DeleteReminder удаляет правило пользователя вместе с его историей.
func (s *Storage) DeleteReminder(ctx context.Context, ownerUID string, id int64) error {
	const op = "storage.DeleteReminder"
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	res, err := s.DB.ExecContext(ctx, `DELETE FROM reminders WHERE id = $1 AND owner_uid = $2`, id, ownerUID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", op, ErrReminderNotFound)
	}
	return nil
}

// ListRemindersByOwner возвращает все правила пользователя.
func (s *Storage) ListRemindersByOwner(ctx context.Context, ownerUID string) ([]*models.Reminder, error) {
	const op = "storage.ListRemindersByOwner"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT ` + reminderColumns + `
			  FROM reminders
			  WHERE owner_uid = $1
			  ORDER BY id`
	rows, err := s.DB.QueryContext(ctx, query, ownerUID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = rows.Close() }()

	var reminders []*models.Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		reminders = append(reminders, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return reminders, nil
}

// TouchReminder обновляет отметку времени изменения правила.
func (s *Storage) TouchReminder(ctx context.Context, id int64, at time.Time) error {
	const op = "storage.TouchReminder"
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	res, err := s.DB.ExecContext(ctx, `UPDATE reminders SET updated = $1 WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", op, ErrReminderNotFound)
	}
	return nil
}
