package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/magabrotheeeer/breezeminder/internal/models"
)

// CreateUser сохраняет нового пользователя и возвращает его UID.
func (s *Storage) CreateUser(ctx context.Context, user models.User) (string, error) {
	const op = "storage.CreateUser"
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	var number, domain sql.NullString
	if user.CellPhone != nil {
		number = sql.NullString{String: user.CellPhone.Number, Valid: true}
		domain = sql.NullString{String: user.CellPhone.CarrierSMSDomain, Valid: true}
	}

	var newID string
	query := `INSERT INTO users (email, first_name, last_name, cell_number,
			      cell_carrier_domain, cell_verified)
			  VALUES ($1, $2, $3, $4, $5, $6)
			  RETURNING uid;`
	if err := s.DB.QueryRowContext(ctx, query,
		user.Email, user.FirstName, user.LastName, number, domain,
		user.CellVerified).Scan(&newID); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return newID, nil
}

// GetUser возвращает пользователя по его UID.
func (s *Storage) GetUser(ctx context.Context, userUID string) (*models.User, error) {
	const op = "storage.GetUser"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT uid, email, first_name, last_name, cell_number,
			      cell_carrier_domain, cell_verified, created
			  FROM users
			  WHERE uid = $1`
	u := &models.User{}
	var number, domain sql.NullString
	err := s.DB.QueryRowContext(ctx, query, userUID).Scan(&u.UUID, &u.Email,
		&u.FirstName, &u.LastName, &number, &domain, &u.CellVerified, &u.Created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", op, ErrUserNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if number.Valid {
		u.CellPhone = &models.PhoneNumber{Number: number.String, CarrierSMSDomain: domain.String}
	}
	return u, nil
}
