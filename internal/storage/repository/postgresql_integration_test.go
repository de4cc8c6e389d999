package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/breezeminder/internal/models"
)

func TestStorage_Integration(t *testing.T) {
	storage, cleanup := setupTestDatabase(t)
	defer cleanup()

	ctx := context.Background()
	factory := NewTestDataFactory(storage)

	t.Run("user round trip", func(t *testing.T) {
		uid := factory.CreateUser(t)

		u, err := storage.GetUser(ctx, uid)
		require.NoError(t, err)
		assert.Equal(t, uid, u.UUID)
		require.NotNil(t, u.CellPhone)
		assert.Equal(t, "4045550100@txt.att.net", u.SMSAddress())
		assert.False(t, u.CanReceiveSMS())

		_, err = storage.GetUser(ctx, uuid.NewString())
		assert.ErrorIs(t, err, ErrUserNotFound)
	})

	t.Run("reminder conditions persist", func(t *testing.T) {
		uid := factory.CreateUser(t)
		until := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

		conditions := []models.Condition{
			models.BalanceBelow{Threshold: decimal.RequireFromString("20.50")},
			models.RidesBelow{Threshold: 3},
			models.RoundTripsBelow{Threshold: 2},
			models.ExpiresIn{Amount: 2, Unit: models.Weeks},
			models.BalanceAvailable{},
			models.ProductAvailable{},
		}
		for _, cond := range conditions {
			r := &models.Reminder{OwnerUID: uid, Condition: cond, ValidUntil: &until, SendSMS: true}
			id, err := storage.CreateReminder(ctx, r)
			require.NoError(t, err)

			got, err := storage.GetReminder(ctx, uid, id)
			require.NoError(t, err)
			assert.Equal(t, cond.Type(), got.Type())
			assert.True(t, got.SendSMS)
			require.NotNil(t, got.ValidUntil)
			assert.True(t, until.Equal(*got.ValidUntil))

			if b, ok := cond.(models.BalanceBelow); ok {
				assert.True(t, b.Threshold.Equal(got.Condition.(models.BalanceBelow).Threshold))
			} else {
				assert.Equal(t, cond, got.Condition)
			}
		}

		list, err := storage.ListRemindersByOwner(ctx, uid)
		require.NoError(t, err)
		assert.Len(t, list, len(conditions))
	})

	t.Run("unknown reminder type is listed as unsupported", func(t *testing.T) {
		uid := factory.CreateUser(t)
		_, err := storage.DB.Exec(`INSERT INTO reminders (owner_uid, type) VALUES ($1, 'LEGACY')`, uid)
		require.NoError(t, err)

		list, err := storage.ListRemindersByOwner(ctx, uid)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, models.Unsupported{Kind: "LEGACY"}, list[0].Condition)
	})

	t.Run("update and delete respect owner", func(t *testing.T) {
		uid := factory.CreateUser(t)
		other := factory.CreateUser(t)
		id := factory.CreateReminder(t, uid, models.RidesBelow{Threshold: 5})

		r, err := storage.GetReminder(ctx, uid, id)
		require.NoError(t, err)
		r.Condition = models.RidesBelow{Threshold: 2}
		require.NoError(t, storage.UpdateReminder(ctx, r))

		got, err := storage.GetReminder(ctx, uid, id)
		require.NoError(t, err)
		assert.Equal(t, models.RidesBelow{Threshold: 2}, got.Condition)

		_, err = storage.GetReminder(ctx, other, id)
		assert.ErrorIs(t, err, ErrReminderNotFound)
		assert.ErrorIs(t, storage.DeleteReminder(ctx, other, id), ErrReminderNotFound)

		require.NoError(t, storage.DeleteReminder(ctx, uid, id))
		assert.ErrorIs(t, storage.DeleteReminder(ctx, uid, id), ErrReminderNotFound)
	})

	t.Run("history latest and list", func(t *testing.T) {
		uid := factory.CreateUser(t)
		cardID := factory.CreateCard(t, uid)
		reminderID := factory.CreateReminder(t, uid, models.BalanceAvailable{})

		latest, err := storage.LatestHistory(ctx, reminderID, cardID)
		require.NoError(t, err)
		assert.Nil(t, latest)

		first := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
		for i := range 3 {
			_, err := storage.AddHistory(ctx, &models.ReminderHistory{
				ReminderID: reminderID,
				CardID:     cardID,
				OwnerUID:   uid,
				SentDate:   first.AddDate(0, 0, i),
				Message:    "sent",
			})
			require.NoError(t, err)
		}

		latest, err = storage.LatestHistory(ctx, reminderID, cardID)
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.True(t, first.AddDate(0, 0, 2).Equal(latest.SentDate))

		page, err := storage.ListHistory(ctx, uid, reminderID, 2, 0)
		require.NoError(t, err)
		assert.Len(t, page, 2)

		require.NoError(t, storage.TouchReminder(ctx, reminderID, first))
		assert.ErrorIs(t, storage.TouchReminder(ctx, 0, first), ErrReminderNotFound)
	})

	t.Run("save card state keeps one audit row", func(t *testing.T) {
		uid := factory.CreateUser(t)
		cardID := factory.CreateCard(t, uid)

		card, err := storage.GetCard(ctx, cardID)
		require.NoError(t, err)
		assert.False(t, card.HasData)
		assert.Nil(t, card.LastLoaded)

		value := decimal.RequireFromString("12.34")
		rides := 4
		for i := range 2 {
			loaded := time.Date(2024, 5, 10, 9, i, 0, 0, time.UTC)
			card.State = models.CardState{
				StoredValue: &value,
				Products:    []models.Product{{Name: "10 Trip", RemainingRides: &rides}},
				Pending:     []models.PendingTransaction{},
			}
			card.LastLoaded = &loaded
			card.HasData = true
			require.NoError(t, storage.SaveCardState(ctx, card, models.CardData{
				CardID:      cardID,
				FetchDate:   loaded,
				DocumentEnc: "doc",
			}))
		}
		assert.Equal(t, 1, countRows(t, storage, "card_data", cardID))

		got, err := storage.GetCard(ctx, cardID)
		require.NoError(t, err)
		assert.True(t, got.HasData)
		require.NotNil(t, got.State.StoredValue)
		assert.True(t, value.Equal(*got.State.StoredValue))
		require.Len(t, got.State.Products, 1)
		assert.Equal(t, 4, *got.State.Products[0].RemainingRides)

		audit, err := storage.LatestCardData(ctx, cardID)
		require.NoError(t, err)
		require.NotNil(t, audit)
		assert.Equal(t, 1, audit.FetchDate.Minute())

		missing := &models.Card{ID: 0}
		err = storage.SaveCardState(ctx, missing, models.CardData{FetchDate: time.Now(), DocumentEnc: "x"})
		assert.ErrorIs(t, err, ErrCardNotFound)
	})

	t.Run("invalid card data is appended", func(t *testing.T) {
		uid := factory.CreateUser(t)
		cardID := factory.CreateCard(t, uid)

		for range 2 {
			require.NoError(t, storage.SaveInvalidCardData(ctx, models.InvalidCardData{
				CardID:      cardID,
				FetchDate:   time.Now(),
				DocumentEnc: "bad",
			}))
		}
		assert.Equal(t, 2, countRows(t, storage, "invalid_card_data", cardID))
	})

	t.Run("stale cards", func(t *testing.T) {
		uid := factory.CreateUser(t)
		fresh := factory.CreateCard(t, uid)
		never := factory.CreateCard(t, uid)

		card, err := storage.GetCard(ctx, fresh)
		require.NoError(t, err)
		now := time.Now().UTC()
		card.LastLoaded = &now
		card.HasData = true
		require.NoError(t, storage.SaveCardState(ctx, card, models.CardData{FetchDate: now, DocumentEnc: "doc"}))

		stale, err := storage.ListStaleCards(ctx, now.Add(-time.Hour))
		require.NoError(t, err)
		assert.Contains(t, stale, never)
		assert.NotContains(t, stale, fresh)

		cards, err := storage.ListCardsByOwner(ctx, uid)
		require.NoError(t, err)
		assert.Len(t, cards, 2)

		_, err = storage.GetCard(ctx, -1)
		assert.ErrorIs(t, err, ErrCardNotFound)
	})
}
