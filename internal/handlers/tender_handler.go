package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/senyabanana/sealed-tender/internal/models"
	"github.com/senyabanana/sealed-tender/internal/utils"

	"github.com/go-chi/chi/v5"
)

// TenderService - операции над тендерами, которые вызывает TenderHandler.
type TenderService interface {
	CreateTender(ctx context.Context, caller models.Identity, req models.TenderRequest) (*models.Tender, error)
	GetTender(ctx context.Context, caller models.Identity, tenderID string) (*models.Tender, error)
	ListTenders(ctx context.Context, caller models.Identity, limitStr, offsetStr string) ([]models.Tender, error)
	PublishTender(ctx context.Context, caller models.Identity, tenderID string, version int) (*models.Tender, error)
	CloseTender(ctx context.Context, caller models.Identity, tenderID string, version int) (*models.Tender, error)
	UpdateSchedule(ctx context.Context, caller models.Identity, tenderID string, req models.TenderScheduleRequest) (*models.Tender, error)
}

// TenderHandler - структура для обработки HTTP-запросов.
type TenderHandler struct {
	base
	Service TenderService
}

// NewTenderHandler создаёт новый экземпляр TenderHandler.
func NewTenderHandler(service TenderService, logger *slog.Logger, timeout time.Duration) *TenderHandler {
	return &TenderHandler{base: newBase(logger, timeout), Service: service}
}

type versionRequest struct {
	Version int `json:"version"`
}

// GetTenders обрабатывает запросы для получения списка тендеров.
func (h *TenderHandler) GetTenders(w http.ResponseWriter, r *http.Request) {
	ctx, cancel, caller, ok := h.request(w, r)
	if !ok {
		return
	}
	defer cancel()

	tenders, err := h.Service.ListTenders(ctx, caller, r.URL.Query().Get("limit"), r.URL.Query().Get("offset"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	utils.SendJSON(w, http.StatusOK, tenders)
}

// CreateTender обрабатывает запросы для создания тендера.
func (h *TenderHandler) CreateTender(w http.ResponseWriter, r *http.Request) {
	ctx, cancel, caller, ok := h.request(w, r)
	if !ok {
		return
	}
	defer cancel()

	var req models.TenderRequest
	if err := utils.DecodeBody(r, utils.TenderSchema, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	tender, err := h.Service.CreateTender(ctx, caller, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	utils.SendJSON(w, http.StatusCreated, tender)
}

// GetTender обрабатывает запросы для получения тендера.
func (h *TenderHandler) GetTender(w http.ResponseWriter, r *http.Request) {
	ctx, cancel, caller, ok := h.request(w, r)
	if !ok {
		return
	}
	defer cancel()

	tender, err := h.Service.GetTender(ctx, caller, chi.URLParam(r, "tenderId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	utils.SendJSON(w, http.StatusOK, tender)
}

// PublishTender обрабатывает запросы на публикацию тендера.
func (h *TenderHandler) PublishTender(w http.ResponseWriter, r *http.Request) {
	h.changeStatus(w, r, h.Service.PublishTender)
}

// CloseTender обрабатывает запросы на закрытие тендера.
func (h *TenderHandler) CloseTender(w http.ResponseWriter, r *http.Request) {
	h.changeStatus(w, r, h.Service.CloseTender)
}

func (h *TenderHandler) changeStatus(w http.ResponseWriter, r *http.Request,
	change func(ctx context.Context, caller models.Identity, tenderID string, version int) (*models.Tender, error)) {
	ctx, cancel, caller, ok := h.request(w, r)
	if !ok {
		return
	}
	defer cancel()

	var req versionRequest
	if err := utils.DecodeBody(r, utils.VersionSchema, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	tender, err := change(ctx, caller, chi.URLParam(r, "tenderId"), req.Version)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	utils.SendJSON(w, http.StatusOK, tender)
}

// UpdateSchedule обрабатывает запросы на изменение сроков тендера.
func (h *TenderHandler) UpdateSchedule(w http.ResponseWriter, r *http.Request) {
	ctx, cancel, caller, ok := h.request(w, r)
	if !ok {
		return
	}
	defer cancel()

	var req models.TenderScheduleRequest
	if err := utils.DecodeBody(r, utils.ScheduleSchema, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	tender, err := h.Service.UpdateSchedule(ctx, caller, chi.URLParam(r, "tenderId"), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	utils.SendJSON(w, http.StatusOK, tender)
}
