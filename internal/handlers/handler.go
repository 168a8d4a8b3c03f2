package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/senyabanana/sealed-tender/internal/models"
	"github.com/senyabanana/sealed-tender/internal/utils"
)

// base - общие зависимости обработчиков.
type base struct {
	Logger  *slog.Logger
	Timeout time.Duration
}

func newBase(logger *slog.Logger, timeout time.Duration) base {
	if logger == nil {
		logger = slog.Default()
	}
	return base{Logger: logger, Timeout: timeout}
}

// request ограничивает запрос по времени и достаёт пользователя из контекста.
func (b base) request(w http.ResponseWriter, r *http.Request) (context.Context, context.CancelFunc, models.Identity, bool) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		utils.SendErrorResponse(w, http.StatusUnauthorized, models.CodeAuthorization, "missing identity")
		return nil, nil, models.Identity{}, false
	}
	ctx, cancel := context.WithTimeout(r.Context(), b.Timeout)
	return ctx, cancel, identity, true
}

// fail логирует ошибку и отправляет её клиенту.
func (b base) fail(w http.ResponseWriter, r *http.Request, err error) {
	resp := models.AsResponse(err)
	if resp.StatusCode >= http.StatusInternalServerError {
		b.Logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "code", resp.Code, "error", err)
	} else {
		b.Logger.Info("request rejected", "method", r.Method, "path", r.URL.Path, "code", resp.Code, "error", err)
	}
	utils.SendError(w, err)
}
