package utils

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/senyabanana/sealed-tender/internal/models"
)

// SendJSON отправляет ответ в формате JSON.
func SendJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Default().Warn("failed to encode response", "error", err)
	}
}

// SendError отправляет ошибку с кодом. Причина инфраструктурной ошибки клиенту не передаётся.
func SendError(w http.ResponseWriter, err error) {
	resp := models.AsResponse(err)
	SendJSON(w, resp.StatusCode, resp)
}

// SendErrorResponse отправляет ошибку с произвольным статусом и сообщением.
func SendErrorResponse(w http.ResponseWriter, statusCode int, code, message string) {
	SendJSON(w, statusCode, models.NewErrorResponse(statusCode, code, message))
}

// ParseLimitOffset обрабатывает limit и offset
func ParseLimitOffset(limitStr, offsetStr string) (int, int, error) {
	var limit, offset int
	var err error

	if limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil || limit <= 0 || limit > 50 {
			return 0, 0, fmt.Errorf("invalid limit parameter, must be a positive integer [0:50]")
		}
	} else {
		limit = 5
	}

	if offsetStr != "" {
		offset, err = strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			return 0, 0, fmt.Errorf("invalid offset parameter, must be a non-negative integer")
		}
	}

	return limit, offset, nil
}
