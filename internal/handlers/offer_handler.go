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

// OfferService - операции над запечатанными предложениями.
type OfferService interface {
	Submit(ctx context.Context, caller models.Identity, req models.OfferRequest) (*models.OfferView, error)
	SubmitBatch(ctx context.Context, caller models.Identity, reqs []models.OfferRequest) ([]models.OfferView, error)
	GetOffer(ctx context.Context, caller models.Identity, offerID string) (*models.OfferView, error)
	ListTenderOffers(ctx context.Context, caller models.Identity, tenderID string) (*models.OfferListView, error)
	ListMyOffers(ctx context.Context, caller models.Identity) ([]models.OfferView, error)
	Withdraw(ctx context.Context, caller models.Identity, offerID string) (*models.OfferView, error)
}

// OfferHandler обрабатывает HTTP-запросы поставщиков и чтение предложений по тендеру.
type OfferHandler struct {
	base
	Service OfferService
}

// NewOfferHandler создаёт новый экземпляр OfferHandler.
func NewOfferHandler(service OfferService, logger *slog.Logger, timeout time.Duration) *OfferHandler {
	return &OfferHandler{base: newBase(logger, timeout), Service: service}
}

type offerBatchRequest struct {
	Offers []models.OfferRequest `json:"offers"`
}

// CreateOffer обрабатывает подачу предложения.
func (h *OfferHandler) CreateOffer(w http.ResponseWriter, r *http.Request) {
	ctx, cancel, caller, ok := h.request(w, r)
	if !ok {
		return
	}
	defer cancel()

	var req models.OfferRequest
	if err := utils.DecodeBody(r, utils.OfferSchema, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	offer, err := h.Service.Submit(ctx, caller, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	utils.SendJSON(w, http.StatusCreated, offer)
}

// CreateOfferBatch обрабатывает пакетную подачу предложений.
func (h *OfferHandler) CreateOfferBatch(w http.ResponseWriter, r *http.Request) {
	ctx, cancel, caller, ok := h.request(w, r)
	if !ok {
		return
	}
	defer cancel()

	var req offerBatchRequest
	if err := utils.DecodeBody(r, utils.OfferBatchSchema, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	offers, err := h.Service.SubmitBatch(ctx, caller, req.Offers)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	utils.SendJSON(w, http.StatusCreated, offers)
}

// GetOffer обрабатывает чтение одного предложения.
func (h *OfferHandler) GetOffer(w http.ResponseWriter, r *http.Request) {
	ctx, cancel, caller, ok := h.request(w, r)
	if !ok {
		return
	}
	defer cancel()

	offer, err := h.Service.GetOffer(ctx, caller, chi.URLParam(r, "offerId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	utils.SendJSON(w, http.StatusOK, offer)
}

// GetTenderOffers обрабатывает чтение предложений по тендеру.
func (h *OfferHandler) GetTenderOffers(w http.ResponseWriter, r *http.Request) {
	ctx, cancel, caller, ok := h.request(w, r)
	if !ok {
		return
	}
	defer cancel()

	offers, err := h.Service.ListTenderOffers(ctx, caller, chi.URLParam(r, "tenderId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	utils.SendJSON(w, http.StatusOK, offers)
}

// GetUserOffers обрабатывает запросы для получения предложений поставщика.
func (h *OfferHandler) GetUserOffers(w http.ResponseWriter, r *http.Request) {
	ctx, cancel, caller, ok := h.request(w, r)
	if !ok {
		return
	}
	defer cancel()

	offers, err := h.Service.ListMyOffers(ctx, caller)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	utils.SendJSON(w, http.StatusOK, offers)
}

// WithdrawOffer обрабатывает отзыв предложения.
func (h *OfferHandler) WithdrawOffer(w http.ResponseWriter, r *http.Request) {
	ctx, cancel, caller, ok := h.request(w, r)
	if !ok {
		return
	}
	defer cancel()

	offer, err := h.Service.Withdraw(ctx, caller, chi.URLParam(r, "offerId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	utils.SendJSON(w, http.StatusOK, offer)
}
