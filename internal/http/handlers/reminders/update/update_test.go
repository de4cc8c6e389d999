package update

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/magabrotheeeer/breezeminder/internal/http/middlewarectx"
	"github.com/magabrotheeeer/breezeminder/internal/models"
	"github.com/magabrotheeeer/breezeminder/internal/reminder"
	"github.com/magabrotheeeer/breezeminder/internal/services/reminders"
)

// MockService реализует интерфейс update.Service
type MockService struct {
	mock.Mock
}

func (m *MockService) Update(ctx context.Context, ownerUID string, id int64, in reminder.Input) (*models.Reminder, error) {
	args := m.Called(ctx, ownerUID, id, in)
	rule, _ := args.Get(0).(*models.Reminder)
	return rule, args.Error(1)
}

func TestUpdateHandler(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rides := 3

	tests := []struct {
		name           string
		id             string
		requestBody    any
		uid            string
		setupMock      func(*MockService)
		expectedStatus int
		expectedBody   string
	}{
		{
			name:        "успешное обновление правила",
			id:          "12",
			requestBody: reminder.Input{Type: "RIDE", RideThreshold: &rides},
			uid:         "user-1",
			setupMock: func(m *MockService) {
				m.On("Update", mock.Anything, "user-1", int64(12), mock.AnythingOfType("reminder.Input")).
					Return(&models.Reminder{ID: 12, Condition: models.RidesBelow{Threshold: 3}}, nil).Once()
			},
			expectedStatus: http.StatusOK,
			expectedBody:   `"description":"Remaining Rides falls below 3"`,
		},
		{
			name:           "некорректный JSON",
			id:             "12",
			requestBody:    "not a json",
			uid:            "user-1",
			setupMock:      func(_ *MockService) {},
			expectedStatus: http.StatusBadRequest,
			expectedBody:   `{"status":"Error","error":"failed to decode request"}`,
		},
		{
			name:           "некорректный id в url",
			id:             "abc",
			requestBody:    reminder.Input{Type: "AVAIL_BAL"},
			uid:            "user-1",
			setupMock:      func(_ *MockService) {},
			expectedStatus: http.StatusBadRequest,
			expectedBody:   `{"status":"Error","error":"invalid id"}`,
		},
		{
			name:           "отсутствует авторизация",
			id:             "12",
			requestBody:    reminder.Input{Type: "AVAIL_BAL"},
			setupMock:      func(_ *MockService) {},
			expectedStatus: http.StatusUnauthorized,
			expectedBody:   `{"status":"Error","error":"unauthorized"}`,
		},
		{
			name:        "чужое или удалённое правило",
			id:          "13",
			requestBody: reminder.Input{Type: "AVAIL_BAL"},
			uid:         "user-1",
			setupMock: func(m *MockService) {
				m.On("Update", mock.Anything, "user-1", int64(13), mock.Anything).
					Return(nil, fmt.Errorf("reminders.Update: %w", reminders.ErrNotFound)).Once()
			},
			expectedStatus: http.StatusNotFound,
			expectedBody:   `{"status":"Error","error":"reminder not found"}`,
		},
		{
			name:        "ошибка сервиса",
			id:          "12",
			requestBody: reminder.Input{Type: "AVAIL_BAL"},
			uid:         "user-1",
			setupMock: func(m *MockService) {
				m.On("Update", mock.Anything, "user-1", int64(12), mock.Anything).Return(nil, errors.New("db error")).Once()
			},
			expectedStatus: http.StatusInternalServerError,
			expectedBody:   `{"status":"Error","error":"could not update reminder"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockService := new(MockService)
			tt.setupMock(mockService)

			var body []byte
			if s, ok := tt.requestBody.(string); ok {
				body = []byte(s)
			} else {
				body, _ = json.Marshal(tt.requestBody)
			}

			r := chi.NewRouter()
			r.Use(func(next http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
					if tt.uid != "" {
						req = req.WithContext(middlewarectx.WithUserUID(req.Context(), tt.uid))
					}
					next.ServeHTTP(w, req)
				})
			})
			r.Put("/reminders/{id}", New(logger, mockService).ServeHTTP)

			req := httptest.NewRequest(http.MethodPut, "/reminders/"+tt.id, bytes.NewReader(body))
			rr := httptest.NewRecorder()
			r.ServeHTTP(rr, req)

			assert.Equal(t, tt.expectedStatus, rr.Code)
			assert.Contains(t, rr.Body.String(), tt.expectedBody)
			mockService.AssertExpectations(t)
		})
	}
}
