package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/senyabanana/sealed-tender/internal/models"
	"github.com/senyabanana/sealed-tender/internal/repository"

	"github.com/google/uuid"
)

// quantityEpsilon - допуск при сравнении количеств.
const quantityEpsilon = 1e-9

type AwardService struct {
	Repo    repository.AwardRepository
	Tenders repository.TenderRepository
	Collaborators
	Now func() time.Time
}

// NewAwardService создает новый экземпляр AwardService.
func NewAwardService(repo repository.AwardRepository, tenders repository.TenderRepository, collab Collaborators) *AwardService {
	return &AwardService{Repo: repo, Tenders: tenders, Collaborators: collab, Now: time.Now}
}

func validQuantity(q float64) bool {
	return !math.IsNaN(q) && !math.IsInf(q, 0) && q > 0
}

// lockOwnedTender блокирует тендер и проверяет владельца.
func lockOwnedTender(ctx context.Context, tx repository.AwardTx, tenderID, buyerID string, exclusive bool) (*models.Tender, error) {
	tender, err := tx.LockTender(ctx, tenderID, exclusive)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, models.NewNotFoundOrUnauthorizedError("tender", tenderID)
	}
	if err != nil {
		return nil, err
	}
	if !tender.IsOwnedBy(buyerID) {
		return nil, models.NewNotFoundOrUnauthorizedError("tender", tenderID)
	}
	return tender, nil
}

// requireOpened проверяет, что тендер принимает решения о присуждении.
func requireOpened(tender *models.Tender, now time.Time) error {
	if tender.Status != models.OpenTender {
		return models.NewInvalidStateError("tender %s is %s", tender.ID, tender.Status)
	}
	if err := canOpenAt(tender.OpeningDate, now); err != nil {
		return err
	}
	if tender.OpenedAt == nil {
		return models.NewInvalidStateError("offers of tender %s have not been opened", tender.ID)
	}
	return nil
}

// InitializeTenderAward создаёт позиции распределения в статусе pending.
func (s *AwardService) InitializeTenderAward(ctx context.Context, tenderID string, lineItems []models.LineItemRequest, buyerID string) ([]models.LineItemAward, error) {
	if len(lineItems) == 0 {
		return nil, models.NewValidationError("at least one line item is required")
	}
	seen := make(map[string]bool, len(lineItems))
	for _, li := range lineItems {
		if li.LineItemID == "" {
			return nil, models.NewValidationError("lineItemId is required")
		}
		if seen[li.LineItemID] {
			return nil, models.NewValidationError("duplicate line item %s", li.LineItemID)
		}
		seen[li.LineItemID] = true
		if !validQuantity(li.TotalQuantity) {
			return nil, models.NewValidationError("totalQuantity of line item %s must be positive", li.LineItemID)
		}
	}

	now := s.Now().UTC()
	items := make([]models.LineItemAward, 0, len(lineItems))
	err := s.Repo.WithinTx(ctx, func(ctx context.Context, tx repository.AwardTx) error {
		tender, err := lockOwnedTender(ctx, tx, tenderID, buyerID, true)
		if err != nil {
			return err
		}
		if tender.Status != models.OpenTender {
			return models.NewInvalidStateError("tender %s is %s", tenderID, tender.Status)
		}
		n, err := tx.CountLineItems(ctx, tenderID)
		if err != nil {
			return err
		}
		if n > 0 {
			return models.NewInvalidStateError("award of tender %s is already initialized", tenderID)
		}

		for _, li := range lineItems {
			items = append(items, models.LineItemAward{
				TenderID:      tenderID,
				LineItemID:    li.LineItemID,
				Description:   li.Description,
				TotalQuantity: li.TotalQuantity,
				AwardedOffers: []models.Allocation{},
				Status:        models.LineItemPending,
				UpdatedAt:     now,
			})
		}
		return tx.InsertLineItems(ctx, items)
	})
	if err != nil {
		return nil, err
	}

	s.audit(ctx, buyerID, "tender", tenderID, "award_initialized", fmt.Sprintf("%d line items created", len(items)))
	return items, nil
}

func validateDistribution(distribution []models.DistributionEntry) error {
	if len(distribution) == 0 {
		return models.NewValidationError("distribution must contain at least one entry")
	}
	seen := make(map[string]bool, len(distribution))
	for _, d := range distribution {
		if d.OfferID == "" {
			return models.NewValidationError("offerId is required")
		}
		if seen[d.OfferID] {
			return models.NewValidationError("offer %s appears more than once", d.OfferID)
		}
		seen[d.OfferID] = true
		if !validQuantity(d.Quantity) {
			return models.NewValidationError("quantity for offer %s must be positive", d.OfferID)
		}
		if math.IsNaN(d.UnitPrice) || math.IsInf(d.UnitPrice, 0) || d.UnitPrice < 0 {
			return models.NewValidationError("unitPrice for offer %s must be a non-negative number", d.OfferID)
		}
	}
	return nil
}

// winnersOutside возвращает поставщиков, которым уже распределены другие позиции тендера.
func winnersOutside(items []models.LineItemAward, lineItemID string) map[string]bool {
	suppliers := make(map[string]bool)
	for _, li := range items {
		if li.LineItemID == lineItemID {
			continue
		}
		for _, a := range li.AwardedOffers {
			suppliers[a.SupplierID] = true
		}
	}
	return suppliers
}

// DistributeLineItem заменяет распределение позиции между предложениями.
// Строка позиции блокируется на время чтения-изменения-записи.
func (s *AwardService) DistributeLineItem(ctx context.Context, tenderID, lineItemID string, distribution []models.DistributionEntry, buyerID string) (*models.LineItemAward, error) {
	if err := validateDistribution(distribution); err != nil {
		return nil, err
	}

	now := s.Now()
	var updated models.LineItemAward
	err := s.Repo.WithinTx(ctx, func(ctx context.Context, tx repository.AwardTx) error {
		tender, err := lockOwnedTender(ctx, tx, tenderID, buyerID, false)
		if err != nil {
			return err
		}
		if err := requireOpened(tender, now); err != nil {
			return err
		}
		if !tender.AllowPartialAward && len(distribution) > 1 {
			return models.NewValidationError("tender %s does not allow partial awards: one offer per line item", tenderID)
		}

		item, err := tx.LockLineItem(ctx, tenderID, lineItemID)
		if errors.Is(err, repository.ErrNotFound) {
			return models.NewNotFoundOrUnauthorizedError("line item", lineItemID)
		}
		if err != nil {
			return err
		}
		if item.Status == models.LineItemFinalized {
			return models.NewInvalidStateError("line item %s is finalized", lineItemID)
		}

		var requested float64
		for _, d := range distribution {
			requested += d.Quantity
		}
		if requested > item.TotalQuantity+quantityEpsilon {
			return &models.CapacityExceededError{LineItemID: lineItemID, Requested: requested, Available: item.TotalQuantity}
		}

		offerIDs := make([]string, 0, len(distribution))
		for _, d := range distribution {
			offerIDs = append(offerIDs, d.OfferID)
		}
		offers, err := tx.ListOffersByIDs(ctx, tenderID, offerIDs)
		if err != nil {
			return err
		}
		byID := make(map[string]models.Offer, len(offers))
		for _, o := range offers {
			byID[o.ID] = o
		}

		allocations := make([]models.Allocation, 0, len(distribution))
		suppliers := make(map[string]bool)
		for _, d := range distribution {
			offer, ok := byID[d.OfferID]
			if !ok || offer.Status != models.SubmittedOffer {
				return models.NewInvalidReferenceError("offer %s does not belong to tender %s", d.OfferID, tenderID)
			}
			suppliers[offer.SupplierID] = true
			allocations = append(allocations, models.Allocation{
				OfferID:     offer.ID,
				SupplierID:  offer.SupplierID,
				Quantity:    d.Quantity,
				UnitPrice:   d.UnitPrice,
				TotalAmount: round2(d.Quantity * d.UnitPrice),
			})
		}

		if tender.MaxWinners != nil {
			all, err := tx.ListLineItems(ctx, tenderID)
			if err != nil {
				return err
			}
			winners := winnersOutside(all, lineItemID)
			for id := range suppliers {
				winners[id] = true
			}
			if len(winners) > *tender.MaxWinners {
				return models.NewValidationError("tender %s allows at most %d winning suppliers", tenderID, *tender.MaxWinners)
			}
		}

		item.AwardedOffers = allocations
		item.Status = models.LineItemPartial
		if math.Abs(requested-item.TotalQuantity) <= quantityEpsilon {
			item.Status = models.LineItemAwarded
		}
		item.UpdatedAt = now.UTC()
		if err := tx.SaveLineItem(ctx, *item); err != nil {
			return err
		}
		item.Version++
		updated = *item
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.audit(ctx, buyerID, "line_item", tenderID+"/"+lineItemID, "line_item_distributed",
		fmt.Sprintf("%g of %g distributed across %d offers", updated.AllocatedQuantity(), updated.TotalQuantity, len(updated.AwardedOffers)))
	return &updated, nil
}

// orderNumber формирует номер заказа по тендеру.
func orderNumber(tenderID string, n int) string {
	prefix := tenderID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return fmt.Sprintf("PO-%s-%03d", prefix, n)
}

// buildCommitments группирует распределения по поставщикам: один заказ на поставщика.
func buildCommitments(tender *models.Tender, items []models.LineItemAward, now time.Time) ([]models.PurchaseCommitment, []string) {
	var (
		commitments []models.PurchaseCommitment
		winners     []string
	)
	bySupplier := make(map[string]int)
	for _, li := range items {
		for _, a := range li.AwardedOffers {
			idx, ok := bySupplier[a.SupplierID]
			if !ok {
				idx = len(commitments)
				bySupplier[a.SupplierID] = idx
				commitments = append(commitments, models.PurchaseCommitment{
					ID:          uuid.New().String(),
					OrderNumber: orderNumber(tender.ID, idx+1),
					TenderID:    tender.ID,
					SupplierID:  a.SupplierID,
					BuyerID:     tender.BuyerID,
					Status:      models.CommitmentIssued,
					CreatedAt:   now,
				})
			}
			c := &commitments[idx]
			c.Items = append(c.Items, models.CommitmentItem{
				LineItemID: li.LineItemID,
				OfferID:    a.OfferID,
				Quantity:   a.Quantity,
				UnitPrice:  a.UnitPrice,
				Amount:     a.TotalAmount,
			})
			c.TotalAmount = round2(c.TotalAmount + a.TotalAmount)
			winners = append(winners, a.OfferID)
		}
	}
	return commitments, winners
}

// FinalizeTenderAward выпускает заказы победителям и переводит тендер в awarded.
// Проверка позиций и запись заказов выполняются в одной транзакции под блокировкой:
// либо выполняются все шаги, либо не сохраняется ничего.
func (s *AwardService) FinalizeTenderAward(ctx context.Context, tenderID, buyerID string) ([]models.PurchaseCommitment, error) {
	now := s.Now().UTC()
	var (
		commitments []models.PurchaseCommitment
		title       string
	)
	err := s.Repo.WithinTx(ctx, func(ctx context.Context, tx repository.AwardTx) error {
		tender, err := lockOwnedTender(ctx, tx, tenderID, buyerID, true)
		if err != nil {
			return err
		}
		if tender.Status != models.OpenTender {
			return models.NewInvalidStateError("tender %s is %s", tenderID, tender.Status)
		}
		title = tender.Title

		items, err := tx.LockLineItems(ctx, tenderID)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return models.NewInvalidStateError("award of tender %s is not initialized", tenderID)
		}
		var pending []string
		for _, li := range items {
			if li.Status == models.LineItemPending {
				pending = append(pending, li.LineItemID)
			}
		}
		if len(pending) > 0 {
			return &models.IncompleteAllocationError{LineItemIDs: pending}
		}

		var winners []string
		commitments, winners = buildCommitments(tender, items, now)
		if tender.MaxWinners != nil && len(commitments) > *tender.MaxWinners {
			return models.NewInvalidStateError("%d winning suppliers exceed maxWinners %d", len(commitments), *tender.MaxWinners)
		}

		if err := tx.InsertCommitments(ctx, commitments); err != nil {
			return err
		}
		if err := tx.SetOfferAwards(ctx, tenderID, winners); err != nil {
			return err
		}
		if err := tx.SetTenderStatus(ctx, tenderID, models.AwardedTender); err != nil {
			return err
		}
		return tx.SetLineItemsStatus(ctx, tenderID, models.LineItemFinalized)
	})
	if err != nil {
		return nil, err
	}

	s.logger().Info("tender award finalized", "tender", tenderID, "commitments", len(commitments))
	s.audit(ctx, buyerID, "tender", tenderID, "award_finalized", fmt.Sprintf("%d purchase commitments issued", len(commitments)))
	for _, c := range commitments {
		s.notify(ctx, c.SupplierID, "purchase_commitment", "Purchase order issued",
			fmt.Sprintf("Order %s for tender %q: total %.2f", c.OrderNumber, title, c.TotalAmount), c.ID)
	}
	return commitments, nil
}

// SelectWinningOffer присуждает тендер одному предложению. Только для тендеров без частичного присуждения.
func (s *AwardService) SelectWinningOffer(ctx context.Context, tenderID, offerID, buyerID string) (*models.OfferView, error) {
	if offerID == "" {
		return nil, models.NewValidationError("offerId is required")
	}
	now := s.Now()

	var winner models.Offer
	err := s.Repo.WithinTx(ctx, func(ctx context.Context, tx repository.AwardTx) error {
		tender, err := lockOwnedTender(ctx, tx, tenderID, buyerID, true)
		if err != nil {
			return err
		}
		if tender.AllowPartialAward {
			return models.NewInvalidStateError("tender %s allows partial awards; distribute line items instead", tenderID)
		}
		if err := requireOpened(tender, now); err != nil {
			return err
		}
		n, err := tx.CountLineItems(ctx, tenderID)
		if err != nil {
			return err
		}
		if n > 0 {
			return models.NewInvalidStateError("tender %s is awarded by line items; finalize the award instead", tenderID)
		}

		offers, err := tx.ListOffersByIDs(ctx, tenderID, []string{offerID})
		if err != nil {
			return err
		}
		if len(offers) == 0 || offers[0].Status != models.SubmittedOffer {
			return models.NewInvalidReferenceError("offer %s does not belong to tender %s", offerID, tenderID)
		}
		winner = offers[0]

		if err := tx.SetOfferAwards(ctx, tenderID, []string{offerID}); err != nil {
			return err
		}
		return tx.SetTenderStatus(ctx, tenderID, models.AwardedTender)
	})
	if err != nil {
		return nil, err
	}

	winner.IsWinner = true
	winner.AwardStatus = models.AwardAwarded
	s.audit(ctx, buyerID, "tender", tenderID, "winner_selected", "offer "+offerID+" selected as winner")
	s.notify(ctx, winner.SupplierID, "tender_awarded", "Your offer won", "Your offer was selected as the winner", tenderID)
	view := winner.PublicView()
	return &view, nil
}

// GetTenderAward возвращает позиции и заказы тендера его владельцу.
func (s *AwardService) GetTenderAward(ctx context.Context, tenderID string, caller models.Identity) (*models.TenderAward, error) {
	if _, err := loadOwnedTender(ctx, s.Tenders, tenderID, caller.UserID); err != nil {
		return nil, err
	}
	items, err := s.Repo.ListLineItems(ctx, tenderID)
	if err != nil {
		return nil, err
	}
	commitments, err := s.Repo.ListTenderCommitments(ctx, tenderID)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []models.LineItemAward{}
	}
	return &models.TenderAward{TenderID: tenderID, LineItems: items, Commitments: commitments}, nil
}

// ListSupplierCommitments возвращает заказы, выпущенные вызывающему поставщику.
func (s *AwardService) ListSupplierCommitments(ctx context.Context, caller models.Identity) ([]models.PurchaseCommitment, error) {
	if caller.Role != models.SupplierRole || caller.UserID == "" {
		return nil, models.NewAuthorizationError("only suppliers have purchase commitments")
	}
	commitments, err := s.Repo.ListSupplierCommitments(ctx, caller.UserID)
	if err != nil {
		return nil, err
	}
	if commitments == nil {
		commitments = []models.PurchaseCommitment{}
	}
	return commitments, nil
}
