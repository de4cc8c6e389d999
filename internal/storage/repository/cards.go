package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/magabrotheeeer/breezeminder/internal/models"
)

const cardColumns = `id, owner_uid, number_enc, last_four, state, last_loaded,
			      has_data, created, updated`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCard(row rowScanner) (*models.Card, error) {
	c := &models.Card{}
	var state []byte
	var lastLoaded sql.NullTime
	if err := row.Scan(&c.ID, &c.OwnerUID, &c.NumberEnc, &c.LastFour, &state,
		&lastLoaded, &c.HasData, &c.Created, &c.Updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(state, &c.State); err != nil {
		return nil, fmt.Errorf("decode card state: %w", err)
	}
	c.LastLoaded = timePtr(lastLoaded)
	return c, nil
}

// CreateCard сохраняет новую карту без данных и возвращает её ID.
func (s *Storage) CreateCard(ctx context.Context, card models.Card) (int64, error) {
	const op = "storage.CreateCard"
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	state, err := json.Marshal(card.State)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	var id int64
	query := `INSERT INTO cards (owner_uid, number_enc, last_four, state)
			  VALUES ($1, $2, $3, $4)
			  RETURNING id;`
	if err := s.DB.QueryRowContext(ctx, query,
		card.OwnerUID, card.NumberEnc, card.LastFour, state).Scan(&id); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return id, nil
}

// GetCard возвращает карту по ID.
func (s *Storage) GetCard(ctx context.Context, id int64) (*models.Card, error) {
	const op = "storage.GetCard"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT ` + cardColumns + `
			  FROM cards
			  WHERE id = $1`
	c, err := scanCard(s.DB.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", op, ErrCardNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return c, nil
}

// ListCardsByOwner возвращает все карты пользователя.
func (s *Storage) ListCardsByOwner(ctx context.Context, ownerUID string) ([]*models.Card, error) {
	const op = "storage.ListCardsByOwner"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT ` + cardColumns + `
			  FROM cards
			  WHERE owner_uid = $1
			  ORDER BY id`
	return s.queryCards(ctx, op, query, ownerUID)
}

// ListCardIDs возвращает ID всех карт, нужно для расстановки таймеров при старте.
func (s *Storage) ListCardIDs(ctx context.Context) ([]int64, error) {
	const op = "storage.ListCardIDs"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	rows, err := s.DB.QueryContext(ctx, `SELECT id FROM cards ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return ids, nil
}

// ListStaleCards возвращает ID карт, которые ни разу не загружались
// или загружались раньше before.
func (s *Storage) ListStaleCards(ctx context.Context, before time.Time) ([]int64, error) {
	const op = "storage.ListStaleCards"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT id FROM cards
			  WHERE last_loaded IS NULL OR last_loaded < $1
			  ORDER BY last_loaded NULLS FIRST, id`
	rows, err := s.DB.QueryContext(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return ids, nil
}

// SaveCardState в одной транзакции записывает новый снимок состояния карты,
// добавляет строку аудита и удаляет более старые строки аудита этой карты.
func (s *Storage) SaveCardState(ctx context.Context, card *models.Card, audit models.CardData) error {
	const op = "storage.SaveCardState"
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	state, err := json.Marshal(card.State)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE cards
			  SET state = $1, last_loaded = $2, has_data = $3, updated = now()
			  WHERE id = $4`,
		state, card.LastLoaded, card.HasData, card.ID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", op, ErrCardNotFound)
	}

	var auditID int64
	if err := tx.QueryRowContext(ctx, `INSERT INTO card_data (card_id, fetch_date, document_enc)
			  VALUES ($1, $2, $3)
			  RETURNING id`,
		card.ID, audit.FetchDate, audit.DocumentEnc).Scan(&auditID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM card_data WHERE card_id = $1 AND id <> $2`,
		card.ID, auditID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// SaveInvalidCardData сохраняет ответ сервиса, отклонившего номер карты.
func (s *Storage) SaveInvalidCardData(ctx context.Context, data models.InvalidCardData) error {
	const op = "storage.SaveInvalidCardData"
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	_, err := s.DB.ExecContext(ctx, `INSERT INTO invalid_card_data (card_id, fetch_date, document_enc)
			  VALUES ($1, $2, $3)`,
		data.CardID, data.FetchDate, data.DocumentEnc)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// LatestCardData возвращает последнюю сохранённую строку аудита карты.
func (s *Storage) LatestCardData(ctx context.Context, cardID int64) (*models.CardData, error) {
	const op = "storage.LatestCardData"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	d := &models.CardData{}
	err := s.DB.QueryRowContext(ctx, `SELECT id, card_id, fetch_date, document_enc
			  FROM card_data
			  WHERE card_id = $1
			  ORDER BY fetch_date DESC, id DESC
			  LIMIT 1`, cardID).Scan(&d.ID, &d.CardID, &d.FetchDate, &d.DocumentEnc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return d, nil
}

func (s *Storage) queryCards(ctx context.Context, op, query string, args ...any) ([]*models.Card, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = rows.Close() }()

	var cards []*models.Card
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		cards = append(cards, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return cards, nil
}
