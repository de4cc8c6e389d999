// Package history реализует HTTP-обработчик истории отправок правила.
package history

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"

	"github.com/magabrotheeeer/breezeminder/internal/http/middlewarectx"
	"github.com/magabrotheeeer/breezeminder/internal/http/response"
	"github.com/magabrotheeeer/breezeminder/internal/lib/sl"
	"github.com/magabrotheeeer/breezeminder/internal/models"
	"github.com/magabrotheeeer/breezeminder/internal/services/reminders"
)

const (
	defaultLimit = 20
	maxLimit     = 100
)

type Handler struct {
	log     *slog.Logger
	service Service
}

type Service interface {
	History(ctx context.Context, ownerUID string, id int64, limit, offset int) ([]*models.ReminderHistory, error)
}

func New(log *slog.Logger, service Service) *Handler {
	return &Handler{
		log:     log,
		service: service,
	}
}

// ServeHTTP godoc
// @Summary История отправок правила
// @Description Новые записи первыми. Поддерживает limit (до 100) и offset.
// @Tags Reminders
// @Produce  json
// @Param id path int true "ID правила"
// @Param limit query int false "Количество записей"
// @Param offset query int false "Смещение"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.ErrorResponse
// @Failure 404 {object} response.ErrorResponse
// @Security BearerAuth
// @Router /reminders/{id}/history [get]
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.reminders.history"
	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		log.Error("invalid id", sl.Err(err))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.Error("invalid id"))
		return
	}

	limit, offset, ok := page(r)
	if !ok {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.Error("invalid limit or offset"))
		return
	}

	uid, ok := middlewarectx.UserUIDFrom(r.Context())
	if !ok {
		log.Error("user uid not found in context")
		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, response.Error("unauthorized"))
		return
	}

	entries, err := h.service.History(r.Context(), uid, id, limit, offset)
	if errors.Is(err, reminders.ErrNotFound) {
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, response.Error("reminder not found"))
		return
	}
	if err != nil {
		log.Error("failed to load history", sl.Err(err))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, response.Error("failed to load history"))
		return
	}

	render.JSON(w, r, response.OKWithData(entries))
}

// page читает limit и offset из query; отсутствующие значения заменяются значениями по умолчанию.
func page(r *http.Request) (limit, offset int, ok bool) {
	limit, offset = defaultLimit, 0
	q := r.URL.Query()
	if s := q.Get("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v <= 0 {
			return 0, 0, false
		}
		limit = min(v, maxLimit)
	}
	if s := q.Get("offset"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			return 0, 0, false
		}
		offset = v
	}
	return limit, offset, true
}
