package refresh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/breezeminder/internal/cache"
	"github.com/magabrotheeeer/breezeminder/internal/config"
	"github.com/magabrotheeeer/breezeminder/internal/lib/keylock"
	"github.com/magabrotheeeer/breezeminder/internal/reminder"
	"github.com/magabrotheeeer/breezeminder/internal/models"
	"github.com/magabrotheeeer/breezeminder/internal/storage/repository"
)

const validDoc = `<html><body><table>
<tr><td>Your card will expire on 09-30-2026</td></tr>
<tr><td>Stored Value</td><td>$4.50</td></tr>
</table></body></html>`

const invalidDoc = `<html><body>Please enter card serial number</body></html>`

var testNow = time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)

type RepoMock struct {
	mock.Mock
}

func (m *RepoMock) GetCard(ctx context.Context, id int64) (*models.Card, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Card), args.Error(1)
}

func (m *RepoMock) GetUser(ctx context.Context, uid string) (*models.User, error) {
	args := m.Called(ctx, uid)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *RepoMock) SaveCardState(ctx context.Context, card *models.Card, audit models.CardData) error {
	args := m.Called(ctx, card, audit)
	return args.Error(0)
}

func (m *RepoMock) SaveInvalidCardData(ctx context.Context, data models.InvalidCardData) error {
	args := m.Called(ctx, data)
	return args.Error(0)
}

type FetcherMock struct {
	mock.Mock
}

func (m *FetcherMock) Fetch(ctx context.Context, number string) ([]byte, error) {
	args := m.Called(ctx, number)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

type CheckerMock struct {
	mock.Mock
}

func (m *CheckerMock) CheckRemindersForUser(ctx context.Context, owner *models.User, card *models.Card, previous *models.CardState) (int, error) {
	args := m.Called(ctx, owner, card, previous)
	return args.Int(0), args.Error(1)
}

// prefixCrypto "шифрует" добавлением префикса.
type prefixCrypto struct{}

func (prefixCrypto) Encrypt(plain string) (string, error) { return "enc:" + plain, nil }

func (prefixCrypto) Decrypt(enc string) (string, error) {
	if !strings.HasPrefix(enc, "enc:") {
		return "", errors.New("malformed")
	}
	return strings.TrimPrefix(enc, "enc:"), nil
}

func newNoopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func money(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func testCard(lastLoaded *time.Time, hasData bool) *models.Card {
	return &models.Card{
		ID:         7,
		OwnerUID:   "owner-1",
		NumberEnc:  "enc:01234567890123451234",
		LastFour:   "1234",
		State:      models.CardState{StoredValue: money("25.00")},
		LastLoaded: lastLoaded,
		HasData:    hasData,
	}
}

func newService(repo *RepoMock, fetcher Fetcher, checker *CheckerMock, timeout time.Duration) *Service {
	cfg := Config{Interval: 30 * time.Minute, FetchTimeout: timeout}
	return NewService(repo, fetcher, prefixCrypto{}, checker, keylock.New(), cfg, newNoopLogger(), nil).
		WithClock(func() time.Time { return testNow })
}

func TestService_Refresh_Success(t *testing.T) {
	loaded := testNow.Add(-time.Hour)
	card := testCard(&loaded, true)
	owner := &models.User{UUID: "owner-1", Email: "rider@example.com"}

	repo := &RepoMock{}
	fetcher := &FetcherMock{}
	checker := &CheckerMock{}

	repo.On("GetCard", mock.Anything, int64(7)).Return(card, nil).Once()
	fetcher.On("Fetch", mock.Anything, "01234567890123451234").Return([]byte(validDoc), nil).Once()
	repo.On("SaveCardState", mock.Anything, mock.MatchedBy(func(c *models.Card) bool {
		return c.HasData && c.LastLoaded.Equal(testNow) &&
			c.State.StoredValue != nil && c.State.StoredValue.Equal(decimal.RequireFromString("4.50"))
	}), mock.MatchedBy(func(a models.CardData) bool {
		return a.CardID == 7 && a.FetchDate.Equal(testNow) && a.DocumentEnc == "enc:"+validDoc
	})).Return(nil).Once()
	repo.On("GetUser", mock.Anything, "owner-1").Return(owner, nil).Once()
	checker.On("CheckRemindersForUser", mock.Anything, owner, mock.AnythingOfType("*models.Card"),
		mock.MatchedBy(func(prev *models.CardState) bool {
			return prev != nil && prev.StoredValue.Equal(decimal.RequireFromString("25.00"))
		})).Return(1, nil).Once()

	got, err := newService(repo, fetcher, checker, time.Second).Refresh(context.Background(), 7, false)
	require.NoError(t, err)
	require.NotNil(t, got.LastLoaded)
	assert.True(t, got.LastLoaded.Equal(testNow))
	// Исходная карта не изменяется.
	assert.True(t, card.State.StoredValue.Equal(decimal.RequireFromString("25.00")))

	repo.AssertExpectations(t)
	fetcher.AssertExpectations(t)
	checker.AssertExpectations(t)
}

func TestService_Refresh_FirstLoadHasNoPrevious(t *testing.T) {
	card := testCard(nil, false)
	owner := &models.User{UUID: "owner-1"}

	repo := &RepoMock{}
	fetcher := &FetcherMock{}
	checker := &CheckerMock{}

	repo.On("GetCard", mock.Anything, int64(7)).Return(card, nil).Once()
	fetcher.On("Fetch", mock.Anything, mock.Anything).Return([]byte(validDoc), nil).Once()
	repo.On("SaveCardState", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()
	repo.On("GetUser", mock.Anything, "owner-1").Return(owner, nil).Once()
	checker.On("CheckRemindersForUser", mock.Anything, owner, mock.Anything, (*models.CardState)(nil)).
		Return(0, nil).Once()

	_, err := newService(repo, fetcher, checker, time.Second).Refresh(context.Background(), 7, false)
	require.NoError(t, err)
	checker.AssertExpectations(t)
}

func TestService_Refresh_NotDue(t *testing.T) {
	loaded := testNow.Add(-10 * time.Minute)
	card := testCard(&loaded, true)

	tests := []struct {
		name      string
		force     bool
		wantFetch bool
	}{
		{name: "fresh card is skipped", force: false, wantFetch: false},
		{name: "force ignores schedule", force: true, wantFetch: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &RepoMock{}
			fetcher := &FetcherMock{}
			checker := &CheckerMock{}

			repo.On("GetCard", mock.Anything, int64(7)).Return(card, nil).Once()
			if tt.wantFetch {
				fetcher.On("Fetch", mock.Anything, mock.Anything).Return(nil, errors.New("unavailable")).Once()
			}

			_, err := newService(repo, fetcher, checker, time.Second).Refresh(context.Background(), 7, tt.force)
			if tt.wantFetch {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
				fetcher.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything)
			}
			fetcher.AssertExpectations(t)
			repo.AssertNotCalled(t, "SaveCardState", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestService_Refresh_InvalidCard(t *testing.T) {
	card := testCard(nil, false)

	repo := &RepoMock{}
	fetcher := &FetcherMock{}
	checker := &CheckerMock{}

	repo.On("GetCard", mock.Anything, int64(7)).Return(card, nil).Once()
	fetcher.On("Fetch", mock.Anything, mock.Anything).Return([]byte(invalidDoc), nil).Once()
	repo.On("SaveInvalidCardData", mock.Anything, models.InvalidCardData{
		CardID:      7,
		FetchDate:   testNow,
		DocumentEnc: "enc:" + invalidDoc,
	}).Return(nil).Once()

	_, err := newService(repo, fetcher, checker, time.Second).Refresh(context.Background(), 7, false)
	require.ErrorIs(t, err, ErrInvalidCard)

	repo.AssertExpectations(t)
	repo.AssertNotCalled(t, "SaveCardState", mock.Anything, mock.Anything, mock.Anything)
	checker.AssertNotCalled(t, "CheckRemindersForUser", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestService_Refresh_CardNotFound(t *testing.T) {
	repo := &RepoMock{}
	repo.On("GetCard", mock.Anything, int64(7)).
		Return(nil, fmt.Errorf("storage.GetCard: %w", repository.ErrCardNotFound)).Once()

	_, err := newService(repo, &FetcherMock{}, &CheckerMock{}, time.Second).Refresh(context.Background(), 7, false)
	require.ErrorIs(t, err, ErrCardNotFound)
}

// slowFetcher отвечает после задержки, не глядя на контекст.
type slowFetcher struct {
	delay time.Duration
}

func (f slowFetcher) Fetch(_ context.Context, _ string) ([]byte, error) {
	time.Sleep(f.delay)
	return []byte(validDoc), nil
}

func TestService_Refresh_TimeoutNeverWritesState(t *testing.T) {
	card := testCard(nil, false)

	repo := &RepoMock{}
	checker := &CheckerMock{}
	repo.On("GetCard", mock.Anything, int64(7)).Return(card, nil).Once()

	svc := newService(repo, slowFetcher{delay: 50 * time.Millisecond}, checker, 10*time.Millisecond)
	_, err := svc.Refresh(context.Background(), 7, false)
	require.ErrorIs(t, err, ErrTimeout)

	repo.AssertNotCalled(t, "SaveCardState", mock.Anything, mock.Anything, mock.Anything)
	checker.AssertNotCalled(t, "CheckRemindersForUser", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestService_Refresh_CheckerErrorDoesNotFail(t *testing.T) {
	card := testCard(nil, false)
	owner := &models.User{UUID: "owner-1"}

	repo := &RepoMock{}
	fetcher := &FetcherMock{}
	checker := &CheckerMock{}

	repo.On("GetCard", mock.Anything, int64(7)).Return(card, nil).Once()
	fetcher.On("Fetch", mock.Anything, mock.Anything).Return([]byte(validDoc), nil).Once()
	repo.On("SaveCardState", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()
	repo.On("GetUser", mock.Anything, "owner-1").Return(owner, nil).Once()
	checker.On("CheckRemindersForUser", mock.Anything, owner, mock.Anything, mock.Anything).
		Return(0, errors.New("history unavailable")).Once()

	got, err := newService(repo, fetcher, checker, time.Second).Refresh(context.Background(), 7, false)
	require.NoError(t, err)
	assert.True(t, got.HasData)
}

// cycleTracker отмечает начало цикла в Fetch и конец в проверке правил
// и запоминает наибольшее число циклов, шедших одновременно.
type cycleTracker struct {
	mu        sync.Mutex
	active    int
	maxActive int
	checks    int
}

func (c *cycleTracker) Fetch(_ context.Context, _ string) ([]byte, error) {
	c.mu.Lock()
	c.active++
	if c.active > c.maxActive {
		c.maxActive = c.active
	}
	c.mu.Unlock()

	time.Sleep(10 * time.Millisecond)
	return []byte(validDoc), nil
}

func (c *cycleTracker) CheckRemindersForUser(_ context.Context, _ *models.User, _ *models.Card, _ *models.CardState) (int, error) {
	time.Sleep(5 * time.Millisecond)
	c.mu.Lock()
	c.active--
	c.checks++
	c.mu.Unlock()
	return 0, nil
}

func TestService_Refresh_SameCardCyclesNeverOverlap(t *testing.T) {
	redisLockers := func(t *testing.T) (reminder.Locker, reminder.Locker) {
		mr, err := miniredis.Run()
		require.NoError(t, err)
		t.Cleanup(mr.Close)
		open := func() reminder.Locker {
			c, err := cache.InitServer(context.Background(), config.RedisConnection{RedisAddress: mr.Addr()})
			require.NoError(t, err)
			t.Cleanup(func() { _ = c.Close() })
			return cache.NewLocker(c, time.Minute, newNoopLogger())
		}
		return open(), open()
	}

	tests := []struct {
		name    string
		lockers func(t *testing.T) (reminder.Locker, reminder.Locker)
	}{
		{
			name: "один процесс",
			lockers: func(_ *testing.T) (reminder.Locker, reminder.Locker) {
				l := keylock.New()
				return l, l
			},
		},
		{
			name:    "два процесса с общим redis",
			lockers: redisLockers,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			owner := &models.User{UUID: "owner-1"}
			repo := &RepoMock{}
			repo.On("GetCard", mock.Anything, int64(7)).Return(testCard(nil, false), nil)
			repo.On("SaveCardState", mock.Anything, mock.Anything, mock.Anything).Return(nil)
			repo.On("GetUser", mock.Anything, "owner-1").Return(owner, nil)

			tracker := &cycleTracker{}
			lockA, lockB := tt.lockers(t)
			cfg := Config{Interval: 30 * time.Minute, FetchTimeout: time.Second}
			services := []*Service{
				NewService(repo, tracker, prefixCrypto{}, tracker, lockA, cfg, newNoopLogger(), nil),
				NewService(repo, tracker, prefixCrypto{}, tracker, lockB, cfg, newNoopLogger(), nil),
			}

			var wg sync.WaitGroup
			for i := range 6 {
				svc := services[i%2]
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := svc.Refresh(context.Background(), 7, true)
					assert.NoError(t, err)
				}()
			}
			wg.Wait()

			assert.Equal(t, 1, tracker.maxActive)
			assert.Equal(t, 6, tracker.checks)
		})
	}
}

// ctxFetcher ждёт отмены контекста, как зависший сервис баланса.
type ctxFetcher struct{}

func (ctxFetcher) Fetch(ctx context.Context, _ string) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestService_Refresh_CycleTimeout(t *testing.T) {
	t.Run("срок цикла обрывает загрузку", func(t *testing.T) {
		repo := &RepoMock{}
		checker := &CheckerMock{}
		repo.On("GetCard", mock.Anything, int64(7)).Return(testCard(nil, false), nil).Once()

		cfg := Config{Interval: 30 * time.Minute, FetchTimeout: time.Minute, CycleTimeout: 20 * time.Millisecond}
		svc := NewService(repo, ctxFetcher{}, prefixCrypto{}, checker, keylock.New(), cfg, newNoopLogger(), nil)

		_, err := svc.Refresh(context.Background(), 7, false)
		require.ErrorIs(t, err, ErrTimeout)
		repo.AssertNotCalled(t, "SaveCardState", mock.Anything, mock.Anything, mock.Anything)
		checker.AssertNotCalled(t, "CheckRemindersForUser", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("сохранение и проверка правил идут со сроком цикла", func(t *testing.T) {
		owner := &models.User{UUID: "owner-1"}
		repo := &RepoMock{}
		fetcher := &FetcherMock{}
		checker := &CheckerMock{}
		hasDeadline := mock.MatchedBy(func(ctx context.Context) bool {
			_, ok := ctx.Deadline()
			return ok
		})

		repo.On("GetCard", hasDeadline, int64(7)).Return(testCard(nil, false), nil).Once()
		fetcher.On("Fetch", mock.Anything, mock.Anything).Return([]byte(validDoc), nil).Once()
		repo.On("SaveCardState", hasDeadline, mock.Anything, mock.Anything).Return(nil).Once()
		repo.On("GetUser", hasDeadline, "owner-1").Return(owner, nil).Once()
		checker.On("CheckRemindersForUser", hasDeadline, owner, mock.Anything, mock.Anything).Return(0, nil).Once()

		cfg := Config{Interval: 30 * time.Minute, CycleTimeout: time.Minute}
		_, err := NewService(repo, fetcher, prefixCrypto{}, checker, keylock.New(), cfg, newNoopLogger(), nil).
			Refresh(context.Background(), 7, false)
		require.NoError(t, err)
		repo.AssertExpectations(t)
		checker.AssertExpectations(t)
	})
}
