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

// OpeningService - вскрытие предложений и протоколы вскрытия.
type OpeningService interface {
	GetOffersForOpening(ctx context.Context, tenderID, buyerID string) ([]models.OfferView, error)
	OpenTender(ctx context.Context, tenderID, buyerID string) (*models.OpeningResult, error)
	ListOpeningReports(ctx context.Context, tenderID, buyerID string) ([]models.OpeningReport, error)
	VerifyReportChain(ctx context.Context, tenderID, buyerID string) (*models.ChainVerification, error)
}

// EvaluationService - оценка и ранжирование вскрытых предложений.
type EvaluationService interface {
	RecordTechnicalEvaluation(ctx context.Context, offerID string, score float64, notes, evaluatorID string) (*models.OfferView, error)
	RecordFinancialEvaluation(ctx context.Context, offerID string, score float64, evaluatorID string) (*models.OfferView, error)
	ComputeFinancialScores(ctx context.Context, tenderID, buyerID string) ([]models.FinancialScore, error)
	CalculateFinalScores(ctx context.Context, tenderID, buyerID string) ([]models.RankedOffer, error)
}

// OpeningHandler обрабатывает вскрытие и оценку предложений покупателем.
type OpeningHandler struct {
	base
	Opening    OpeningService
	Evaluation EvaluationService
}

// NewOpeningHandler создаёт новый экземпляр OpeningHandler.
func NewOpeningHandler(opening OpeningService, evaluation EvaluationService, logger *slog.Logger, timeout time.Duration) *OpeningHandler {
	return &OpeningHandler{base: newBase(logger, timeout), Opening: opening, Evaluation: evaluation}
}

// PreviewOpening расшифровывает предложения без записи протокола.
func (h *OpeningHandler) PreviewOpening(w http.ResponseWriter, r *http.Request) {
	ctx, cancel, caller, ok := h.request(w, r)
	if !ok {
		return
	}
	defer cancel()

	offers, err := h.Opening.GetOffersForOpening(ctx, chi.URLParam(r, "tenderId"), caller.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	utils.SendJSON(w, http.StatusOK, offers)
}

// OpenTender проводит вскрытие и возвращает протокол.
func (h *OpeningHandler) OpenTender(w http.ResponseWriter, r *http.Request) {
	ctx, cancel, caller, ok := h.request(w, r)
	if !ok {
		return
	}
	defer cancel()

	result, err := h.Opening.OpenTender(ctx, chi.URLParam(r, "tenderId"), caller.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	utils.SendJSON(w, http.StatusCreated, result)
}

// GetOpeningReports возвращает все протоколы вскрытия тендера.
func (h *OpeningHandler) GetOpeningReports(w http.ResponseWriter, r *http.Request) {
	ctx, cancel, caller, ok := h.request(w, r)
	if !ok {
		return
	}
	defer cancel()

	reports, err := h.Opening.ListOpeningReports(ctx, chi.URLParam(r, "tenderId"), caller.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	utils.SendJSON(w, http.StatusOK, reports)
}

// VerifyOpeningReports проверяет цепочку подписей протоколов.
func (h *OpeningHandler) VerifyOpeningReports(w http.ResponseWriter, r *http.Request) {
	ctx, cancel, caller, ok := h.request(w, r)
	if !ok {
		return
	}
	defer cancel()

	check, err := h.Opening.VerifyReportChain(ctx, chi.URLParam(r, "tenderId"), caller.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	utils.SendJSON(w, http.StatusOK, check)
}

// SubmitTechnicalEvaluation выставляет техническую оценку предложению.
func (h *OpeningHandler) SubmitTechnicalEvaluation(w http.ResponseWriter, r *http.Request) {
	ctx, cancel, caller, ok := h.request(w, r)
	if !ok {
		return
	}
	defer cancel()

	var req models.EvaluationRequest
	if err := utils.DecodeBody(r, utils.EvaluationSchema, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	offer, err := h.Evaluation.RecordTechnicalEvaluation(ctx, chi.URLParam(r, "offerId"), req.Score, req.Notes, caller.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	utils.SendJSON(w, http.StatusOK, offer)
}

// SubmitFinancialEvaluation выставляет финансовую оценку предложению вручную.
func (h *OpeningHandler) SubmitFinancialEvaluation(w http.ResponseWriter, r *http.Request) {
	ctx, cancel, caller, ok := h.request(w, r)
	if !ok {
		return
	}
	defer cancel()

	var req models.EvaluationRequest
	if err := utils.DecodeBody(r, utils.EvaluationSchema, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	offer, err := h.Evaluation.RecordFinancialEvaluation(ctx, chi.URLParam(r, "offerId"), req.Score, caller.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	utils.SendJSON(w, http.StatusOK, offer)
}

// ComputeFinancialScores рассчитывает финансовые оценки по ценам.
func (h *OpeningHandler) ComputeFinancialScores(w http.ResponseWriter, r *http.Request) {
	ctx, cancel, caller, ok := h.request(w, r)
	if !ok {
		return
	}
	defer cancel()

	scores, err := h.Evaluation.ComputeFinancialScores(ctx, chi.URLParam(r, "tenderId"), caller.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	utils.SendJSON(w, http.StatusOK, scores)
}

// RankOffers рассчитывает итоговые баллы и рейтинг.
func (h *OpeningHandler) RankOffers(w http.ResponseWriter, r *http.Request) {
	ctx, cancel, caller, ok := h.request(w, r)
	if !ok {
		return
	}
	defer cancel()

	ranking, err := h.Evaluation.CalculateFinalScores(ctx, chi.URLParam(r, "tenderId"), caller.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	utils.SendJSON(w, http.StatusOK, ranking)
}
