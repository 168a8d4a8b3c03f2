package handlers

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/senyabanana/sealed-tender/internal/models"
	"github.com/senyabanana/sealed-tender/internal/utils"

	"go.uber.org/atomic"
)

// PingHandler отвечает ok, когда сервис готов принимать запросы.
func PingHandler(ready *atomic.Bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !ready.Load() {
			utils.SendErrorResponse(w, http.StatusServiceUnavailable, models.CodeInvalidState, "service is starting")
			return
		}

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		if _, err := fmt.Fprint(w, "ok"); err != nil {
			slog.Default().Warn("failed to write ping response", "error", err)
		}
	}
}
