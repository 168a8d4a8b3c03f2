package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/senyabanana/sealed-tender/internal/models"
	"github.com/senyabanana/sealed-tender/internal/repository"
)

type EvaluationService struct {
	Offers  repository.OfferRepository
	Tenders repository.TenderRepository
	Keys    KeyManager
	Collaborators
	Now func() time.Time
}

// NewEvaluationService создает новый экземпляр EvaluationService.
func NewEvaluationService(offers repository.OfferRepository, tenders repository.TenderRepository, keys KeyManager, collab Collaborators) *EvaluationService {
	return &EvaluationService{Offers: offers, Tenders: tenders, Keys: keys, Collaborators: collab, Now: time.Now}
}

// round2 округляет до сотых.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func validateScore(score float64) error {
	if math.IsNaN(score) || score < 0 || score > 100 {
		return models.NewValidationError("score must be between 0 and 100")
	}
	return nil
}

// checkEvaluable допускает оценку только вскрытого тендера, по которому ещё нет решения.
func checkEvaluable(tender *models.Tender) error {
	if tender.Status != models.OpenTender {
		return models.NewInvalidStateError("tender %s is %s and its offers can no longer be evaluated", tender.ID, tender.Status)
	}
	if tender.OpenedAt == nil {
		return models.NewInvalidStateError("offers of tender %s have not been opened", tender.ID)
	}
	return nil
}

// evaluableOffer загружает поданное предложение вскрытого тендера, принадлежащего оценщику.
func (s *EvaluationService) evaluableOffer(ctx context.Context, offerID, evaluatorID string) (*models.Offer, error) {
	offer, err := s.Offers.GetOffer(ctx, offerID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, models.NewNotFoundOrUnauthorizedError("offer", offerID)
	}
	if err != nil {
		return nil, err
	}
	tender, err := loadTender(ctx, s.Tenders, offer.TenderID)
	if err != nil {
		return nil, err
	}
	if !tender.IsOwnedBy(evaluatorID) {
		return nil, models.NewNotFoundOrUnauthorizedError("offer", offerID)
	}
	if err := checkEvaluable(tender); err != nil {
		return nil, err
	}
	if offer.Status != models.SubmittedOffer {
		return nil, models.NewInvalidStateError("offer %s is %s and cannot be evaluated", offerID, offer.Status)
	}
	return offer, nil
}

// RecordTechnicalEvaluation сохраняет техническую оценку предложения.
func (s *EvaluationService) RecordTechnicalEvaluation(ctx context.Context, offerID string, score float64, notes, evaluatorID string) (*models.OfferView, error) {
	if err := validateScore(score); err != nil {
		return nil, err
	}
	offer, err := s.evaluableOffer(ctx, offerID, evaluatorID)
	if err != nil {
		return nil, err
	}

	now := s.Now().UTC()
	if err := s.Offers.SaveTechnicalScore(ctx, offerID, score, notes, evaluatorID, now); err != nil {
		return nil, err
	}

	s.audit(ctx, evaluatorID, "offer", offerID, "technical_evaluation", fmt.Sprintf("technical score %.2f recorded", score))
	offer.TechnicalScore = &score
	offer.EvaluationNotes = notes
	offer.EvaluatedAt = &now
	view := offer.PublicView()
	return &view, nil
}

// RecordFinancialEvaluation сохраняет финансовую оценку предложения.
func (s *EvaluationService) RecordFinancialEvaluation(ctx context.Context, offerID string, score float64, evaluatorID string) (*models.OfferView, error) {
	if err := validateScore(score); err != nil {
		return nil, err
	}
	offer, err := s.evaluableOffer(ctx, offerID, evaluatorID)
	if err != nil {
		return nil, err
	}

	now := s.Now().UTC()
	if err := s.Offers.SaveFinancialScore(ctx, offerID, score, evaluatorID, now); err != nil {
		return nil, err
	}

	s.audit(ctx, evaluatorID, "offer", offerID, "financial_evaluation", fmt.Sprintf("financial score %.2f recorded", score))
	offer.FinancialScore = &score
	offer.EvaluatedAt = &now
	view := offer.PublicView()
	return &view, nil
}

// openedTenderOffers возвращает поданные предложения вскрытого тендера покупателя.
func (s *EvaluationService) openedTenderOffers(ctx context.Context, tenderID, buyerID string) ([]models.Offer, error) {
	tender, err := loadOwnedTender(ctx, s.Tenders, tenderID, buyerID)
	if err != nil {
		return nil, err
	}
	if err := checkEvaluable(tender); err != nil {
		return nil, err
	}

	offers, err := s.Offers.ListTenderOffers(ctx, tenderID)
	if err != nil {
		return nil, err
	}
	submitted := offers[:0]
	for _, o := range offers {
		if o.Status == models.SubmittedOffer {
			submitted = append(submitted, o)
		}
	}
	return submitted, nil
}

// ComputeFinancialScores выставляет финансовые оценки по цене: минимальная цена получает 100,
// остальные - пропорционально. Нерасшифрованные предложения пропускаются.
func (s *EvaluationService) ComputeFinancialScores(ctx context.Context, tenderID, buyerID string) ([]models.FinancialScore, error) {
	offers, err := s.openedTenderOffers(ctx, tenderID, buyerID)
	if err != nil {
		return nil, err
	}

	scores := make([]models.FinancialScore, 0, len(offers))
	for i := range offers {
		plaintext, err := s.Keys.Open(ctx, offers[i].Sealed)
		if err != nil {
			s.logger().Warn("skipping offer with undecryptable price", "offer", offers[i].ID, "error", err)
			continue
		}
		var terms models.FinancialTerms
		if err := json.Unmarshal(plaintext, &terms); err != nil || terms.Price <= 0 {
			s.logger().Warn("skipping offer with invalid price", "offer", offers[i].ID)
			continue
		}
		scores = append(scores, models.FinancialScore{OfferID: offers[i].ID, Price: terms.Price, Currency: terms.Currency})
	}
	if len(scores) == 0 {
		return scores, nil
	}

	lowest := scores[0].Price
	for _, fs := range scores[1:] {
		if fs.Currency != scores[0].Currency {
			return nil, models.NewValidationError("offers use different currencies (%s, %s)", scores[0].Currency, fs.Currency)
		}
		lowest = math.Min(lowest, fs.Price)
	}

	for i := range scores {
		scores[i].Score = round2(lowest / scores[i].Price * 100)
	}
	if err := s.Offers.SaveFinancialScores(ctx, scores, buyerID, s.Now().UTC()); err != nil {
		return nil, err
	}

	s.audit(ctx, buyerID, "tender", tenderID, "financial_scores_computed", fmt.Sprintf("%d offers scored by price", len(scores)))
	return scores, nil
}

// RankOffers строит рейтинг по предложениям, у которых есть обе оценки.
// Итоговая оценка - среднее технической и финансовой. При равенстве выше
// предложение, поданное раньше, затем с меньшим ID.
func RankOffers(offers []models.Offer) []models.RankedOffer {
	ranked := make([]models.RankedOffer, 0, len(offers))
	for _, o := range offers {
		if o.Status != models.SubmittedOffer || o.TechnicalScore == nil || o.FinancialScore == nil {
			continue
		}
		ranked = append(ranked, models.RankedOffer{
			OfferID:        o.ID,
			SupplierID:     o.SupplierID,
			TechnicalScore: *o.TechnicalScore,
			FinancialScore: *o.FinancialScore,
			FinalScore:     round2((*o.TechnicalScore + *o.FinancialScore) / 2),
			SubmittedAt:    o.SubmittedAt,
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.FinalScore != b.FinalScore {
			return a.FinalScore > b.FinalScore
		}
		if !a.SubmittedAt.Equal(b.SubmittedAt) {
			return a.SubmittedAt.Before(b.SubmittedAt)
		}
		return a.OfferID < b.OfferID
	})
	for i := range ranked {
		ranked[i].Rank = i + 1
	}
	return ranked
}

// CalculateFinalScores пересчитывает итоговые оценки и места. Повторный вызов
// при неизменных оценках даёт тот же результат.
func (s *EvaluationService) CalculateFinalScores(ctx context.Context, tenderID, buyerID string) ([]models.RankedOffer, error) {
	offers, err := s.openedTenderOffers(ctx, tenderID, buyerID)
	if err != nil {
		return nil, err
	}

	ranked := RankOffers(offers)
	if err := s.Offers.SaveRanking(ctx, tenderID, ranked); err != nil {
		return nil, err
	}

	s.audit(ctx, buyerID, "tender", tenderID, "offers_ranked", fmt.Sprintf("%d offers ranked", len(ranked)))
	return ranked, nil
}
