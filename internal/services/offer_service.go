package services

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"regexp"
	"time"

	"github.com/senyabanana/sealed-tender/internal/models"
	"github.com/senyabanana/sealed-tender/internal/repository"

	"github.com/google/uuid"
)

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

const maxAttachments = 20

type OfferService struct {
	Repo    repository.OfferRepository
	Tenders repository.TenderRepository
	Keys    KeyManager
	Collaborators
	Now func() time.Time
}

// NewOfferService создает новый экземпляр OfferService.
func NewOfferService(repo repository.OfferRepository, tenders repository.TenderRepository, keys KeyManager, collab Collaborators) *OfferService {
	return &OfferService{Repo: repo, Tenders: tenders, Keys: keys, Collaborators: collab, Now: time.Now}
}

// validateOfferRequest проверяет форму запроса до любых обращений к хранилищу.
func validateOfferRequest(req models.OfferRequest) error {
	if req.TenderID == "" {
		return models.NewValidationError("tenderId is required")
	}
	if req.DeliveryDays <= 0 {
		return models.NewValidationError("deliveryDays must be a positive number of days")
	}
	if len(req.Attachments) > maxAttachments {
		return models.NewValidationError("at most %d attachments are allowed", maxAttachments)
	}
	f := req.Financial
	if math.IsNaN(f.Price) || math.IsInf(f.Price, 0) || f.Price <= 0 {
		return models.NewValidationError("financial.price must be a positive number")
	}
	if !currencyPattern.MatchString(f.Currency) {
		return models.NewValidationError("financial.currency must be a 3-letter ISO code")
	}
	if f.PaymentTerms == "" {
		return models.NewValidationError("financial.paymentTerms is required")
	}
	for lineItemID, price := range f.UnitPrices {
		if math.IsNaN(price) || math.IsInf(price, 0) || price < 0 {
			return models.NewValidationError("financial.unitPrices[%s] must be a non-negative number", lineItemID)
		}
	}
	return nil
}

// prepareOffer проверяет запрос и шифрует коммерческую часть новым ключом.
func (s *OfferService) prepareOffer(ctx context.Context, caller models.Identity, req models.OfferRequest, now time.Time,
	tenders map[string]*models.Tender) (models.Offer, models.EncryptionKey, error) {
	if err := validateOfferRequest(req); err != nil {
		return models.Offer{}, models.EncryptionKey{}, err
	}

	tender, ok := tenders[req.TenderID]
	if !ok {
		var err error
		tender, err = loadTender(ctx, s.Tenders, req.TenderID)
		if err != nil {
			return models.Offer{}, models.EncryptionKey{}, err
		}
		tenders[req.TenderID] = tender
	}
	if err := tender.AcceptsOffersAt(now); err != nil {
		return models.Offer{}, models.EncryptionKey{}, err
	}
	if tender.IsOwnedBy(caller.UserID) {
		return models.Offer{}, models.EncryptionKey{}, models.NewAuthorizationError("buyer cannot submit offers to own tender")
	}

	exists, err := s.Repo.HasActiveOffer(ctx, req.TenderID, caller.UserID)
	if err != nil {
		return models.Offer{}, models.EncryptionKey{}, err
	}
	if exists {
		return models.Offer{}, models.EncryptionKey{}, models.NewValidationError("supplier already has an active offer for tender %s", req.TenderID)
	}

	plaintext, err := json.Marshal(req.Financial)
	if err != nil {
		return models.Offer{}, models.EncryptionKey{}, models.NewValidationError("financial terms cannot be serialized")
	}

	offerID := uuid.New().String()
	key, sealed, err := s.Keys.PrepareSeal(models.OfferFinancialKey, offerID, plaintext)
	if err != nil {
		return models.Offer{}, models.EncryptionKey{}, err
	}

	attachments := req.Attachments
	if attachments == nil {
		attachments = []string{}
	}
	offer := models.Offer{
		ID:           offerID,
		TenderID:     req.TenderID,
		SupplierID:   caller.UserID,
		DeliveryDays: req.DeliveryDays,
		Attachments:  attachments,
		Status:       models.SubmittedOffer,
		SubmittedAt:  now.UTC(),
		Sealed:       sealed,
		AwardStatus:  models.AwardPending,
	}
	return offer, key, nil
}

func submittedView(offer models.Offer) models.OfferView {
	view := offer.PublicView()
	view.IsSealed = true
	return view
}

// Submit принимает предложение поставщика. Ответ не содержит коммерческих данных.
func (s *OfferService) Submit(ctx context.Context, caller models.Identity, req models.OfferRequest) (*models.OfferView, error) {
	if caller.Role != models.SupplierRole || caller.UserID == "" {
		return nil, models.NewAuthorizationError("only suppliers can submit offers")
	}

	now := s.Now()
	offer, key, err := s.prepareOffer(ctx, caller, req, now, map[string]*models.Tender{})
	if err != nil {
		return nil, err
	}
	if err := s.Repo.CreateSealedOffers(ctx, []models.EncryptionKey{key}, []models.Offer{offer}, now); err != nil {
		return nil, err
	}

	s.audit(ctx, caller.UserID, "offer", offer.ID, "offer_submitted", "sealed offer submitted for tender "+offer.TenderID)
	view := submittedView(offer)
	return &view, nil
}

// SubmitBatch принимает несколько предложений одной записью. Пустой пакет - не ошибка.
func (s *OfferService) SubmitBatch(ctx context.Context, caller models.Identity, reqs []models.OfferRequest) ([]models.OfferView, error) {
	if len(reqs) == 0 {
		return []models.OfferView{}, nil
	}
	if caller.Role != models.SupplierRole || caller.UserID == "" {
		return nil, models.NewAuthorizationError("only suppliers can submit offers")
	}

	now := s.Now()
	tenders := make(map[string]*models.Tender)
	seen := make(map[string]bool, len(reqs))
	offers := make([]models.Offer, 0, len(reqs))
	keys := make([]models.EncryptionKey, 0, len(reqs))
	for i, req := range reqs {
		if seen[req.TenderID] {
			return nil, models.NewValidationError("batch item %d: duplicate offer for tender %s", i, req.TenderID)
		}
		seen[req.TenderID] = true

		offer, key, err := s.prepareOffer(ctx, caller, req, now, tenders)
		if err != nil {
			return nil, err
		}
		offers = append(offers, offer)
		keys = append(keys, key)
	}

	if err := s.Repo.CreateSealedOffers(ctx, keys, offers, now); err != nil {
		return nil, err
	}

	views := make([]models.OfferView, 0, len(offers))
	for _, o := range offers {
		s.audit(ctx, caller.UserID, "offer", o.ID, "offer_submitted", "sealed offer submitted for tender "+o.TenderID)
		views = append(views, submittedView(o))
	}
	return views, nil
}

// GetOffer возвращает предложение с учётом правил видимости.
func (s *OfferService) GetOffer(ctx context.Context, caller models.Identity, offerID string) (*models.OfferView, error) {
	now := s.Now()

	offer, err := s.Repo.GetOffer(ctx, offerID)
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

	view, ok := projectOffer(ctx, s.Keys, s.logger(), DecideVisibility(caller, tender, offer, now), offer)
	if !ok {
		return nil, models.NewNotFoundOrUnauthorizedError("offer", offerID)
	}
	return &view, nil
}

// ListTenderOffers возвращает предложения по тендеру. До вскрытия покупатель видит только количество.
func (s *OfferService) ListTenderOffers(ctx context.Context, caller models.Identity, tenderID string) (*models.OfferListView, error) {
	now := s.Now()

	tender, err := loadTender(ctx, s.Tenders, tenderID)
	if err != nil {
		return nil, err
	}
	offers, err := s.Repo.ListTenderOffers(ctx, tenderID)
	if err != nil {
		return nil, err
	}

	result := &models.OfferListView{TenderID: tenderID, Offers: []models.OfferView{}}
	if DecideCollectionVisibility(caller, tender, now) == SealedSummary {
		result.IsSealed = true
		for i := range offers {
			if offers[i].Status == models.SubmittedOffer {
				result.Count++
			}
		}
		result.Offers = nil
		return result, nil
	}

	for i := range offers {
		view, ok := projectOffer(ctx, s.Keys, s.logger(), DecideVisibility(caller, tender, &offers[i], now), &offers[i])
		if !ok {
			continue
		}
		result.Offers = append(result.Offers, view)
	}
	result.Count = len(result.Offers)
	return result, nil
}

// ListMyOffers возвращает предложения вызывающего поставщика.
func (s *OfferService) ListMyOffers(ctx context.Context, caller models.Identity) ([]models.OfferView, error) {
	if caller.UserID == "" {
		return nil, models.NewAuthorizationError("identity is required")
	}
	now := s.Now()

	offers, err := s.Repo.ListSupplierOffers(ctx, caller.UserID)
	if err != nil {
		return nil, err
	}

	tenders := make(map[string]*models.Tender)
	views := make([]models.OfferView, 0, len(offers))
	for i := range offers {
		tender, ok := tenders[offers[i].TenderID]
		if !ok {
			tender, err = loadTender(ctx, s.Tenders, offers[i].TenderID)
			if err != nil {
				return nil, err
			}
			tenders[tender.ID] = tender
		}
		if view, ok := projectOffer(ctx, s.Keys, s.logger(), DecideVisibility(caller, tender, &offers[i], now), &offers[i]); ok {
			views = append(views, view)
		}
	}
	return views, nil
}

// Withdraw отзывает предложение до окончания приёма.
func (s *OfferService) Withdraw(ctx context.Context, caller models.Identity, offerID string) (*models.OfferView, error) {
	now := s.Now()

	offer, err := s.Repo.GetOffer(ctx, offerID)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && offer.SupplierID != caller.UserID) {
		return nil, models.NewNotFoundOrUnauthorizedError("offer", offerID)
	}
	if err != nil {
		return nil, err
	}
	if offer.Status != models.SubmittedOffer {
		return nil, models.NewInvalidStateError("offer %s is already %s", offerID, offer.Status)
	}
	tender, err := loadTender(ctx, s.Tenders, offer.TenderID)
	if err != nil {
		return nil, err
	}
	if !now.Before(tender.Deadline) {
		return nil, models.NewInvalidStateError("offers cannot be withdrawn after the deadline")
	}

	updated, err := s.Repo.WithdrawOffer(ctx, offerID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, models.NewInvalidStateError("offer %s is no longer active", offerID)
	}
	if err != nil {
		return nil, err
	}

	s.audit(ctx, caller.UserID, "offer", offerID, "offer_withdrawn", "offer withdrawn before deadline")
	view := updated.PublicView()
	view.IsSealed = true
	return &view, nil
}
