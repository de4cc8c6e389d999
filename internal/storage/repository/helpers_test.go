package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/magabrotheeeer/breezeminder/internal/migrations"
	"github.com/magabrotheeeer/breezeminder/internal/models"
)

// setupTestDatabase поднимает PostgreSQL в контейнере и применяет миграции.
func setupTestDatabase(t *testing.T) (*Storage, func()) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		),
	)
	require.NoError(t, err, "failed to start container")

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	storage, err := New(connStr)
	require.NoError(t, err, "failed to create storage")

	root, err := filepath.Abs("../../..")
	require.NoError(t, err)
	require.NoError(t, migrations.Run(storage.DB, filepath.Join(root, "migrations")))
	require.NoError(t, CheckDatabaseReady(storage))

	cleanup := func() {
		_ = storage.Close()
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	}
	return storage, cleanup
}

// TestDataFactory создаёт тестовые данные.
type TestDataFactory struct {
	storage *Storage
}

// NewTestDataFactory создает новую фабрику тестовых данных
func NewTestDataFactory(storage *Storage) *TestDataFactory {
	return &TestDataFactory{storage: storage}
}

// CreateUser создаёт пользователя с уникальной почтой.
func (f *TestDataFactory) CreateUser(t *testing.T) string {
	t.Helper()
	uid, err := f.storage.CreateUser(context.Background(), models.User{
		Email:     uuid.NewString() + "@example.com",
		FirstName: "Test",
		LastName:  "User",
		CellPhone: &models.PhoneNumber{Number: "4045550100", CarrierSMSDomain: "txt.att.net"},
	})
	require.NoError(t, err)
	return uid
}

// CreateCard создаёт карту пользователя без данных.
func (f *TestDataFactory) CreateCard(t *testing.T, ownerUID string) int64 {
	t.Helper()
	id, err := f.storage.CreateCard(context.Background(), models.Card{
		OwnerUID:  ownerUID,
		NumberEnc: "enc",
		LastFour:  "1234",
		State:     models.CardState{Products: []models.Product{}, Pending: []models.PendingTransaction{}},
	})
	require.NoError(t, err)
	return id
}

// CreateReminder создаёт правило пользователя.
func (f *TestDataFactory) CreateReminder(t *testing.T, ownerUID string, cond models.Condition) int64 {
	t.Helper()
	id, err := f.storage.CreateReminder(context.Background(), &models.Reminder{
		OwnerUID:  ownerUID,
		Condition: cond,
		SendEmail: true,
	})
	require.NoError(t, err)
	return id
}

// countRows возвращает число строк таблицы по условию card_id.
func countRows(t *testing.T, s *Storage, table string, cardID int64) int {
	t.Helper()
	var n int
	require.NoError(t, s.DB.QueryRow("SELECT COUNT(*) FROM "+table+" WHERE card_id = $1", cardID).Scan(&n))
	return n
}
