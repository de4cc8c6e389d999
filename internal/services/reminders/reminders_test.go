package reminders

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/go-playground/validator"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/breezeminder/internal/models"
	"github.com/magabrotheeeer/breezeminder/internal/reminder"
)

type RepoMock struct {
	mock.Mock
}

func (m *RepoMock) CreateReminder(ctx context.Context, r *models.Reminder) (int64, error) {
	args := m.Called(ctx, r)
	if id, ok := args.Get(0).(int64); ok && args.Error(1) == nil {
		r.ID = id
	}
	return args.Get(0).(int64), args.Error(1)
}

func (m *RepoMock) GetReminder(ctx context.Context, ownerUID string, id int64) (*models.Reminder, error) {
	args := m.Called(ctx, ownerUID, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Reminder), args.Error(1)
}

func (m *RepoMock) UpdateReminder(ctx context.Context, r *models.Reminder) error {
	args := m.Called(ctx, r)
	return args.Error(0)
}

func (m *RepoMock) DeleteReminder(ctx context.Context, ownerUID string, id int64) error {
	args := m.Called(ctx, ownerUID, id)
	return args.Error(0)
}

func (m *RepoMock) ListRemindersByOwner(ctx context.Context, ownerUID string) ([]*models.Reminder, error) {
	args := m.Called(ctx, ownerUID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Reminder), args.Error(1)
}

func (m *RepoMock) ListHistory(ctx context.Context, ownerUID string, reminderID int64, limit, offset int) ([]*models.ReminderHistory, error) {
	args := m.Called(ctx, ownerUID, reminderID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.ReminderHistory), args.Error(1)
}

type CheckerMock struct {
	mock.Mock
}

func (m *CheckerMock) CheckAllCards(ctx context.Context, rule *models.Reminder, force bool) (int, error) {
	args := m.Called(ctx, rule, force)
	return args.Int(0), args.Error(1)
}

type CacheMock struct {
	mock.Mock
}

func (m *CacheMock) Get(key string, result any) (bool, error) {
	args := m.Called(key, result)
	return args.Bool(0), args.Error(1)
}

func (m *CacheMock) Set(key string, value any, expiration time.Duration) error {
	args := m.Called(key, value, expiration)
	return args.Error(0)
}

func (m *CacheMock) Invalidate(key string) error {
	args := m.Called(key)
	return args.Error(0)
}

func newNoopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func intPtr(v int) *int { return &v }

func newTestService(repo *RepoMock, checker *CheckerMock, cache *CacheMock) *Service {
	return NewService(repo, checker, cache, validator.New(), time.UTC, newNoopLogger())
}

const owner = "owner-1"

func TestService_Create(t *testing.T) {
	tests := []struct {
		name      string
		in        reminder.Input
		setup     func(repo *RepoMock, checker *CheckerMock, cache *CacheMock)
		wantErr   error
		wantCheck bool
	}{
		{
			name: "valid rides rule is saved and checked",
			in:   reminder.Input{Type: "RIDE", RideThreshold: intPtr(3), Notifications: []string{"EMAIL"}},
			setup: func(repo *RepoMock, checker *CheckerMock, cache *CacheMock) {
				repo.On("CreateReminder", mock.Anything, mock.MatchedBy(func(r *models.Reminder) bool {
					return r.OwnerUID == owner && r.Condition == models.RidesBelow{Threshold: 3} && r.SendEmail && !r.SendSMS
				})).Return(int64(11), nil).Once()
				cache.On("Invalidate", "reminders:"+owner).Return(nil).Once()
				checker.On("CheckAllCards", mock.Anything, mock.MatchedBy(func(r *models.Reminder) bool { return r.ID == 11 }), true).
					Return(1, nil).Once()
			},
			wantCheck: true,
		},
		{
			name:    "missing threshold",
			in:      reminder.Input{Type: "BAL"},
			setup:   func(_ *RepoMock, _ *CheckerMock, _ *CacheMock) {},
			wantErr: ErrValidation,
		},
		{
			name:    "unknown type",
			in:      reminder.Input{Type: "WEATHER"},
			setup:   func(_ *RepoMock, _ *CheckerMock, _ *CacheMock) {},
			wantErr: ErrValidation,
		},
		{
			name: "storage error",
			in:   reminder.Input{Type: "AVAIL_BAL"},
			setup: func(repo *RepoMock, _ *CheckerMock, _ *CacheMock) {
				repo.On("CreateReminder", mock.Anything, mock.Anything).Return(int64(0), errors.New("db down")).Once()
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, checker, cache := &RepoMock{}, &CheckerMock{}, &CacheMock{}
			tt.setup(repo, checker, cache)

			rule, err := newTestService(repo, checker, cache).Create(context.Background(), owner, tt.in)
			switch {
			case tt.wantErr != nil:
				require.ErrorIs(t, err, tt.wantErr)
				repo.AssertNotCalled(t, "CreateReminder", mock.Anything, mock.Anything)
			case !tt.wantCheck:
				require.Error(t, err)
				checker.AssertNotCalled(t, "CheckAllCards", mock.Anything, mock.Anything, mock.Anything)
			default:
				require.NoError(t, err)
				assert.Equal(t, int64(11), rule.ID)
			}
			repo.AssertExpectations(t)
			checker.AssertExpectations(t)
			cache.AssertExpectations(t)
		})
	}
}

func TestService_Update(t *testing.T) {
	stored := func() *models.Reminder {
		return &models.Reminder{
			ID:        5,
			OwnerUID:  owner,
			Condition: models.BalanceBelow{Threshold: decimal.RequireFromString("20.00")},
			SendEmail: true,
		}
	}
	twenty := decimal.RequireFromString("20")
	ten := decimal.RequireFromString("10")

	tests := []struct {
		name      string
		in        reminder.Input
		wantCheck bool
	}{
		{
			name:      "changed threshold forces re-check",
			in:        reminder.Input{Type: "BAL", BalanceThreshold: &ten, Notifications: []string{"EMAIL"}},
			wantCheck: true,
		},
		{
			name:      "changed type forces re-check",
			in:        reminder.Input{Type: "RIDE", RideThreshold: intPtr(2)},
			wantCheck: true,
		},
		{
			name:      "channel change only does not re-check",
			in:        reminder.Input{Type: "BAL", BalanceThreshold: &twenty, Notifications: []string{"EMAIL", "SMS"}},
			wantCheck: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, checker, cache := &RepoMock{}, &CheckerMock{}, &CacheMock{}
			repo.On("GetReminder", mock.Anything, owner, int64(5)).Return(stored(), nil).Once()
			repo.On("UpdateReminder", mock.Anything, mock.Anything).Return(nil).Once()
			cache.On("Invalidate", "reminders:"+owner).Return(nil).Once()
			if tt.wantCheck {
				checker.On("CheckAllCards", mock.Anything, mock.Anything, true).Return(0, nil).Once()
			}

			rule, err := newTestService(repo, checker, cache).Update(context.Background(), owner, 5, tt.in)
			require.NoError(t, err)
			assert.Equal(t, models.ReminderType(tt.in.Type), rule.Type())

			if !tt.wantCheck {
				checker.AssertNotCalled(t, "CheckAllCards", mock.Anything, mock.Anything, mock.Anything)
				assert.True(t, rule.SendSMS)
			}
			repo.AssertExpectations(t)
			checker.AssertExpectations(t)
		})
	}
}

func TestService_Update_NotFound(t *testing.T) {
	repo, checker, cache := &RepoMock{}, &CheckerMock{}, &CacheMock{}
	notFound := errors.New("reminder not found")
	repo.On("GetReminder", mock.Anything, owner, int64(9)).Return(nil, notFound).Once()

	_, err := newTestService(repo, checker, cache).Update(context.Background(), owner, 9,
		reminder.Input{Type: "AVAIL_PROD"})
	require.ErrorIs(t, err, notFound)
	repo.AssertNotCalled(t, "UpdateReminder", mock.Anything, mock.Anything)
}

func TestService_List(t *testing.T) {
	t.Run("cache hit", func(t *testing.T) {
		repo, checker, cache := &RepoMock{}, &CheckerMock{}, &CacheMock{}
		cache.On("Get", "reminders:"+owner, mock.Anything).Run(func(args mock.Arguments) {
			views := args.Get(1).(*[]View)
			*views = []View{{ID: 1, Type: "AVAIL_BAL"}}
		}).Return(true, nil).Once()

		views, err := newTestService(repo, checker, cache).List(context.Background(), owner)
		require.NoError(t, err)
		require.Len(t, views, 1)
		repo.AssertNotCalled(t, "ListRemindersByOwner", mock.Anything, mock.Anything)
	})

	t.Run("cache miss loads and stores", func(t *testing.T) {
		repo, checker, cache := &RepoMock{}, &CheckerMock{}, &CacheMock{}
		cache.On("Get", "reminders:"+owner, mock.Anything).Return(false, nil).Once()
		repo.On("ListRemindersByOwner", mock.Anything, owner).Return([]*models.Reminder{
			{ID: 1, Condition: models.BalanceBelow{Threshold: decimal.RequireFromString("5")}},
			{ID: 2, Condition: models.ExpiresIn{Amount: 2, Unit: models.Weeks}},
		}, nil).Once()
		cache.On("Set", "reminders:"+owner, mock.Anything, listCacheTTL).Return(nil).Once()

		views, err := newTestService(repo, checker, cache).List(context.Background(), owner)
		require.NoError(t, err)
		require.Len(t, views, 2)
		assert.Equal(t, "Stored Value falls below $5.00", views[0].Description)
		assert.Equal(t, "EXP", views[1].Type)
		cache.AssertExpectations(t)
	})

	t.Run("cache errors are not fatal", func(t *testing.T) {
		repo, checker, cache := &RepoMock{}, &CheckerMock{}, &CacheMock{}
		cache.On("Get", mock.Anything, mock.Anything).Return(false, errors.New("redis down")).Once()
		cache.On("Set", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("redis down")).Once()
		repo.On("ListRemindersByOwner", mock.Anything, owner).Return([]*models.Reminder{}, nil).Once()

		views, err := newTestService(repo, checker, cache).List(context.Background(), owner)
		require.NoError(t, err)
		assert.Empty(t, views)
	})
}

func TestService_DeleteAndHistory(t *testing.T) {
	repo, checker, cache := &RepoMock{}, &CheckerMock{}, &CacheMock{}
	repo.On("DeleteReminder", mock.Anything, owner, int64(3)).Return(nil).Once()
	cache.On("Invalidate", "reminders:"+owner).Return(nil).Once()

	svc := newTestService(repo, checker, cache)
	require.NoError(t, svc.Delete(context.Background(), owner, 3))

	history := []*models.ReminderHistory{{ID: 1, ReminderID: 4, Message: "sent"}}
	repo.On("GetReminder", mock.Anything, owner, int64(4)).Return(&models.Reminder{ID: 4}, nil).Once()
	repo.On("ListHistory", mock.Anything, owner, int64(4), 20, 0).Return(history, nil).Once()

	got, err := svc.History(context.Background(), owner, 4, 20, 0)
	require.NoError(t, err)
	assert.Equal(t, history, got)
	repo.AssertExpectations(t)
	cache.AssertExpectations(t)
}

func TestValidationReason(t *testing.T) {
	svc := newTestService(&RepoMock{}, &CheckerMock{}, &CacheMock{})

	tests := []struct {
		name string
		in   reminder.Input
		want string
	}{
		{name: "missing threshold", in: reminder.Input{Type: "RIDE"}, want: "threshold is required for the selected reminder type"},
		{name: "negative balance", in: reminder.Input{Type: "BAL", BalanceThreshold: func() *decimal.Decimal {
			d := decimal.RequireFromString("-1")
			return &d
		}()}, want: "threshold is out of range"},
		{name: "bad quantity", in: reminder.Input{Type: "EXP", ExpThreshold: intPtr(2)}, want: "unknown expiration quantity"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(context.Background(), owner, tt.in)
			require.ErrorIs(t, err, ErrValidation)
			assert.Equal(t, tt.want, ValidationReason(err))
		})
	}
	assert.Equal(t, "invalid reminder", ValidationReason(errors.New("other")))
}

func TestInvalidateOnTouch(t *testing.T) {
	tests := []struct {
		name     string
		cacheErr error
	}{
		{name: "кеш сброшен", cacheErr: nil},
		{name: "ошибка кеша не мешает отправке", cacheErr: errors.New("redis down")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cache := &CacheMock{}
			cache.On("Invalidate", "reminders:"+owner).Return(tt.cacheErr).Once()

			touch := InvalidateOnTouch(cache, newNoopLogger())
			assert.NotPanics(t, func() {
				touch(&models.Reminder{ID: 3, OwnerUID: owner})
			})
			cache.AssertExpectations(t)
		})
	}
}
