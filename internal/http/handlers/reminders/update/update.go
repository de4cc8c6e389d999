// Package update реализует HTTP-обработчик изменения правила напоминания.
package update

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"
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

type Handler struct {
	log      *slog.Logger
	service  Service
	validate *validator.Validate
}

type Service interface {
	Update(ctx context.Context, ownerUID string, id int64, in reminder.Input) (*models.Reminder, error)
}

func New(log *slog.Logger, service Service) *Handler {
	return &Handler{
		log:      log,
		service:  service,
		validate: validator.New(),
	}
}

// ServeHTTP godoc
// @Summary Изменить правило напоминания
// @Description Если изменился тип или порог, правило сразу проверяется по всем картам.
// @Tags Reminders
// @Accept  json
// @Produce  json
// @Param id path int true "ID правила"
// @Param request body reminder.Input true "Параметры правила"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.ErrorResponse
// @Failure 404 {object} response.ErrorResponse
// @Failure 422 {object} response.ErrorResponse
// @Security BearerAuth
// @Router /reminders/{id} [put]
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.reminders.update"

	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		log.Error("failed to decode id from url", sl.Err(err))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.Error("invalid id"))
		return
	}

	var req reminder.Input
	if err = render.DecodeJSON(r.Body, &req); err != nil {
		log.Error("failed to decode request body", sl.Err(err))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.Error("failed to decode request"))
		return
	}

	if err = h.validate.Struct(req); err != nil {
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

	rule, err := h.service.Update(r.Context(), uid, id, req)
	switch {
	case errors.Is(err, reminders.ErrNotFound):
		log.Info("reminder not found", slog.Int64("id", id))
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, response.Error("reminder not found"))
		return
	case errors.Is(err, reminders.ErrValidation):
		log.Info("reminder rejected", sl.Err(err))
		render.Status(r, http.StatusUnprocessableEntity)
		render.JSON(w, r, response.Error(reminders.ValidationReason(err)))
		return
	case err != nil:
		log.Error("failed to update reminder", sl.Err(err))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, response.Error("could not update reminder"))
		return
	}

	log.Info("reminder updated", slog.Int64("id", id))
	render.JSON(w, r, response.OKWithData(reminders.NewView(rule)))
}
