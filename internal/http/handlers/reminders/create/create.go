// Package create реализует HTTP-обработчик создания правила напоминания.
//
// Handler принимает JSON с параметрами правила, валидирует его, сохраняет правило
// от имени текущего пользователя и возвращает его представление с описанием.
// Сразу после сохранения правило проверяется по всем картам пользователя.
package create

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator"

	"github.com/magabrotheeeer/breezeminder/internal/http/middlewarectx"
	"github.com/magabrotheeeer/breezeminder/internal/http/response"
	"github.com/magabrotheeeer/breezeminder/internal/lib/sl"
	"github.com/magabrotheeeer/breezeminder/internal/models"
	"github.com/magabrotheeeer/breezeminder/internal/reminder"
	"github.com/magabrotheeeer/breezeminder/internal/services/reminders"
)

// Handler управляет HTTP-запросами на создание правил.
type Handler struct {
	log      *slog.Logger        // Логгер для записи информации и ошибок
	service  Service             // Сервис управления правилами
	validate *validator.Validate // Валидатор структуры входящих данных
}

// Service описывает интерфейс бизнес-логики создания правила.
type Service interface {
	Create(ctx context.Context, ownerUID string, in reminder.Input) (*models.Reminder, error)
}

// New создает новый Handler с переданными логгером и сервисом.
func New(log *slog.Logger, service Service) *Handler {
	return &Handler{
		log:      log,
		service:  service,
		validate: validator.New(),
	}
}

// ServeHTTP godoc
// @Summary Создать правило напоминания
// @Description Создает правило для всех карт текущего пользователя и сразу проверяет его.
// @Tags Reminders
// @Accept  json
// @Produce  json
// @Param request body reminder.Input true "Параметры правила"
// @Success 201 {object} response.Response "Созданное правило"
// @Failure 400 {object} response.ErrorResponse "Некорректный JSON"
// @Failure 401 {object} response.ErrorResponse "Пользователь не авторизован"
// @Failure 422 {object} response.ErrorResponse "Ошибка валидации"
// @Failure 500 {object} response.ErrorResponse "Ошибка сервера"
// @Security BearerAuth
// @Router /reminders [post]
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.reminders.create"
	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	var req reminder.Input
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Error("failed to decode request", sl.Err(err))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.Error("invalid request body"))
		return
	}
	log.Debug("request body decoded", slog.String("type", req.Type))

	if err := h.validate.Struct(req); err != nil {
		log.Error("validation failed", sl.Err(err))
		render.Status(r, http.StatusUnprocessableEntity)
		render.JSON(w, r, response.ValidationError(err.(validator.ValidationErrors)))
		return
	}

	uid, ok := middlewarectx.UserUIDFrom(r.Context())
	if !ok {
		log.Error("user uid not found in context")
		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, response.Error("unauthorized"))
		return
	}

	rule, err := h.service.Create(r.Context(), uid, req)
	if err != nil {
		if errors.Is(err, reminders.ErrValidation) {
			log.Info("reminder rejected", sl.Err(err))
			render.Status(r, http.StatusUnprocessableEntity)
			render.JSON(w, r, response.Error(reminders.ValidationReason(err)))
			return
		}
		log.Error("failed to create reminder", sl.Err(err))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, response.Error("could not create reminder"))
		return
	}

	log.Info("reminder created", slog.Int64("id", rule.ID))
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, response.OKWithData(reminders.NewView(rule)))
}
