package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/magabrotheeeer/breezeminder/internal/models"
)

// LatestHistory возвращает последнюю запись истории по паре правило/карта.
// Если напоминаний ещё не было, возвращается nil без ошибки.
func (s *Storage) LatestHistory(ctx context.Context, reminderID, cardID int64) (*models.ReminderHistory, error) {
	const op = "storage.LatestHistory"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT id, reminder_id, card_id, owner_uid, sent_date, message
			  FROM reminder_history
			  WHERE reminder_id = $1 AND card_id = $2
			  ORDER BY sent_date DESC, id DESC
			  LIMIT 1`
	h := &models.ReminderHistory{}
	err := s.DB.QueryRowContext(ctx, query, reminderID, cardID).Scan(
		&h.ID, &h.ReminderID, &h.CardID, &h.OwnerUID, &h.SentDate, &h.Message)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return h, nil
}

// AddHistory добавляет запись в журнал отправленных напоминаний.
func (s *Storage) AddHistory(ctx context.Context, h *models.ReminderHistory) (int64, error) {
	const op = "storage.AddHistory"
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `INSERT INTO reminder_history (reminder_id, card_id, owner_uid, sent_date, message)
			  VALUES ($1, $2, $3, $4, $5)
			  RETURNING id`
	if err := s.DB.QueryRowContext(ctx, query,
		h.ReminderID, h.CardID, h.OwnerUID, h.SentDate, h.Message).Scan(&h.ID); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return h.ID, nil
}

// ListHistory возвращает историю правила пользователя, новые записи первыми.
func (s *Storage) ListHistory(ctx context.Context, ownerUID string, reminderID int64, limit, offset int) ([]*models.ReminderHistory, error) {
	const op = "storage.ListHistory"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT id, reminder_id, card_id, owner_uid, sent_date, message
			  FROM reminder_history
			  WHERE owner_uid = $1 AND reminder_id = $2
			  ORDER BY sent_date DESC, id DESC
			  LIMIT $3 OFFSET $4`
	rows, err := s.DB.QueryContext(ctx, query, ownerUID, reminderID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = rows.Close() }()

	history := []*models.ReminderHistory{}
	for rows.Next() {
		h := &models.ReminderHistory{}
		if err := rows.Scan(&h.ID, &h.ReminderID, &h.CardID, &h.OwnerUID, &h.SentDate, &h.Message); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		history = append(history, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return history, nil
}
