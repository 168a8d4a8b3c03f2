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

// AwardService - распределение позиций между победителями и выпуск заказов.
type AwardService interface {
	InitializeTenderAward(ctx context.Context, tenderID string, lineItems []models.LineItemRequest, buyerID string) ([]models.LineItemAward, error)
	DistributeLineItem(ctx context.Context, tenderID, lineItemID string, distribution []models.DistributionEntry, buyerID string) (*models.LineItemAward, error)
	FinalizeTenderAward(ctx context.Context, tenderID, buyerID string) ([]models.PurchaseCommitment, error)
	SelectWinningOffer(ctx context.Context, tenderID, offerID, buyerID string) (*models.OfferView, error)
	GetTenderAward(ctx context.Context, tenderID string, caller models.Identity) (*models.TenderAward, error)
	ListSupplierCommitments(ctx context.Context, caller models.Identity) ([]models.PurchaseCommitment, error)
}

// AwardHandler обрабатывает HTTP-запросы распределения.
type AwardHandler struct {
	base
	Service AwardService
}

// NewAwardHandler создаёт новый экземпляр AwardHandler.
func NewAwardHandler(service AwardService, logger *slog.Logger, timeout time.Duration) *AwardHandler {
	return &AwardHandler{base: newBase(logger, timeout), Service: service}
}

type lineItemsRequest struct {
	LineItems []models.LineItemRequest `json:"lineItems"`
}

type distributionRequest struct {
	Distribution []models.DistributionEntry `json:"distribution"`
}

type winnerRequest struct {
	OfferID string `json:"offerId"`
}

// InitializeAward создаёт позиции распределения.
func (h *AwardHandler) InitializeAward(w http.ResponseWriter, r *http.Request) {
	ctx, cancel, caller, ok := h.request(w, r)
	if !ok {
		return
	}
	defer cancel()

	var req lineItemsRequest
	if err := utils.DecodeBody(r, utils.LineItemsSchema, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	items, err := h.Service.InitializeTenderAward(ctx, chi.URLParam(r, "tenderId"), req.LineItems, caller.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	utils.SendJSON(w, http.StatusCreated, items)
}

// DistributeLineItem заменяет распределение позиции.
func (h *AwardHandler) DistributeLineItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel, caller, ok := h.request(w, r)
	if !ok {
		return
	}
	defer cancel()

	var req distributionRequest
	if err := utils.DecodeBody(r, utils.DistributionSchema, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	item, err := h.Service.DistributeLineItem(ctx, chi.URLParam(r, "tenderId"), chi.URLParam(r, "lineItemId"), req.Distribution, caller.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	utils.SendJSON(w, http.StatusOK, item)
}

// FinalizeAward фиксирует распределение и выпускает заказы.
func (h *AwardHandler) FinalizeAward(w http.ResponseWriter, r *http.Request) {
	ctx, cancel, caller, ok := h.request(w, r)
	if !ok {
		return
	}
	defer cancel()

	commitments, err := h.Service.FinalizeTenderAward(ctx, chi.URLParam(r, "tenderId"), caller.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	utils.SendJSON(w, http.StatusCreated, commitments)
}

// SelectWinner присуждает тендер одному предложению.
func (h *AwardHandler) SelectWinner(w http.ResponseWriter, r *http.Request) {
	ctx, cancel, caller, ok := h.request(w, r)
	if !ok {
		return
	}
	defer cancel()

	var req winnerRequest
	if err := utils.DecodeBody(r, utils.WinnerSchema, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	offer, err := h.Service.SelectWinningOffer(ctx, chi.URLParam(r, "tenderId"), req.OfferID, caller.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	utils.SendJSON(w, http.StatusOK, offer)
}

// GetAward возвращает состояние распределения.
func (h *AwardHandler) GetAward(w http.ResponseWriter, r *http.Request) {
	ctx, cancel, caller, ok := h.request(w, r)
	if !ok {
		return
	}
	defer cancel()

	award, err := h.Service.GetTenderAward(ctx, chi.URLParam(r, "tenderId"), caller)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	utils.SendJSON(w, http.StatusOK, award)
}

// GetUserCommitments возвращает заказы поставщика.
func (h *AwardHandler) GetUserCommitments(w http.ResponseWriter, r *http.Request) {
	ctx, cancel, caller, ok := h.request(w, r)
	if !ok {
		return
	}
	defer cancel()

	commitments, err := h.Service.ListSupplierCommitments(ctx, caller)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	utils.SendJSON(w, http.StatusOK, commitments)
}
