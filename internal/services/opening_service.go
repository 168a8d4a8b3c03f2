package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/senyabanana/sealed-tender/internal/models"
	"github.com/senyabanana/sealed-tender/internal/repository"

	"github.com/google/uuid"
)

type OpeningService struct {
	Offers  repository.OfferRepository
	Tenders repository.TenderRepository
	Reports repository.OpeningRepository
	Keys    KeyManager
	Collaborators
	Now func() time.Time
}

// NewOpeningService создает новый экземпляр OpeningService.
func NewOpeningService(offers repository.OfferRepository, tenders repository.TenderRepository, reports repository.OpeningRepository,
	keys KeyManager, collab Collaborators) *OpeningService {
	return &OpeningService{Offers: offers, Tenders: tenders, Reports: reports, Keys: keys, Collaborators: collab, Now: time.Now}
}

// canOpenAt возвращает NotYetOpenError, если дата вскрытия ещё не наступила.
func canOpenAt(openingDate, now time.Time) error {
	if now.Before(openingDate) {
		return &models.NotYetOpenError{OpeningDate: openingDate, Remaining: openingDate.Sub(now)}
	}
	return nil
}

// CanOpen проверяет, что вскрытие уже разрешено.
func (s *OpeningService) CanOpen(tenderID string, openingDate time.Time) error {
	if err := canOpenAt(openingDate, s.Now()); err != nil {
		s.logger().Info("opening rejected", "tender", tenderID, "error", err)
		return err
	}
	return nil
}

func (s *OpeningService) openableTender(ctx context.Context, tenderID, buyerID string, now time.Time) (*models.Tender, error) {
	tender, err := loadOwnedTender(ctx, s.Tenders, tenderID, buyerID)
	if err != nil {
		return nil, err
	}
	if tender.Status == models.DraftTender {
		return nil, models.NewInvalidStateError("tender %s has not been published", tenderID)
	}
	if err := canOpenAt(tender.OpeningDate, now); err != nil {
		return nil, err
	}
	return tender, nil
}

// GetOffersForOpening расшифровывает все поданные предложения тендера.
// Ошибка расшифровки одного предложения отражается в его представлении и не прерывает вскрытие.
func (s *OpeningService) GetOffersForOpening(ctx context.Context, tenderID, buyerID string) ([]models.OfferView, error) {
	if _, err := s.openableTender(ctx, tenderID, buyerID, s.Now()); err != nil {
		return nil, err
	}
	return s.decryptAll(ctx, tenderID)
}

func (s *OpeningService) decryptAll(ctx context.Context, tenderID string) ([]models.OfferView, error) {
	offers, err := s.Offers.ListTenderOffers(ctx, tenderID)
	if err != nil {
		return nil, err
	}

	views := make([]models.OfferView, 0, len(offers))
	for i := range offers {
		if offers[i].Status != models.SubmittedOffer {
			continue
		}
		views = append(views, revealOffer(ctx, s.Keys, s.logger(), &offers[i]))
	}
	return views, nil
}

// reportDigest - каноническое представление протокола, которое подписывается.
type reportDigest struct {
	TenderID     string                        `json:"tenderId"`
	Sequence     int                           `json:"sequence"`
	Received     int                           `json:"totalReceived"`
	Valid        int                           `json:"totalValid"`
	Invalid      int                           `json:"totalInvalid"`
	Snapshot     []models.OpeningSnapshotEntry `json:"snapshot"`
	GeneratedBy  string                        `json:"generatedBy"`
	GeneratedAt  string                        `json:"generatedAt"`
	PreviousHash string                        `json:"previousHash"`
}

func digestReport(rep *models.OpeningReport) ([]byte, error) {
	snapshot := rep.Snapshot
	if snapshot == nil {
		snapshot = []models.OpeningSnapshotEntry{}
	}
	return json.Marshal(reportDigest{
		TenderID:     rep.TenderID,
		Sequence:     rep.Sequence,
		Received:     rep.TotalOffersReceived,
		Valid:        rep.TotalValidOffers,
		Invalid:      rep.TotalInvalidOffers,
		Snapshot:     snapshot,
		GeneratedBy:  rep.GeneratedBy,
		GeneratedAt:  rep.GeneratedAt.UTC().Format(time.RFC3339Nano),
		PreviousHash: rep.PreviousHash,
	})
}

func buildSnapshot(tenderID string, offers []models.OfferView) (entries []models.OpeningSnapshotEntry, valid, invalid int) {
	entries = make([]models.OpeningSnapshotEntry, 0, len(offers))
	for _, o := range offers {
		if o.TenderID != tenderID || o.Status != models.SubmittedOffer {
			continue
		}
		entry := models.OpeningSnapshotEntry{
			OfferID:          o.ID,
			SupplierID:       o.SupplierID,
			SubmittedAt:      o.SubmittedAt.UTC(),
			WasEncrypted:     o.WasEncrypted,
			DecryptionFailed: o.DecryptionFailed,
		}
		if o.Financial != nil && !o.DecryptionFailed {
			price := o.Financial.Price
			entry.Price = &price
			entry.Currency = o.Financial.Currency
			valid++
		} else {
			invalid++
		}
		entries = append(entries, entry)
	}
	return entries, valid, invalid
}

// GenerateOpeningReport добавляет новый протокол вскрытия. Предыдущие протоколы сохраняются,
// новый получает следующий номер и ссылается на хэш предыдущего.
func (s *OpeningService) GenerateOpeningReport(ctx context.Context, tenderID, buyerID string, offers []models.OfferView) (*models.OpeningReport, error) {
	now := s.Now()
	tender, err := s.openableTender(ctx, tenderID, buyerID, now)
	if err != nil {
		return nil, err
	}

	snapshot, valid, invalid := buildSnapshot(tenderID, offers)
	report, err := s.Reports.AppendReport(ctx, tenderID, func(previous *models.OpeningReport) (models.OpeningReport, error) {
		rep := models.OpeningReport{
			ID:                  uuid.New().String(),
			TenderID:            tenderID,
			Sequence:            1,
			TotalOffersReceived: len(snapshot),
			TotalValidOffers:    valid,
			TotalInvalidOffers:  invalid,
			Snapshot:            snapshot,
			GeneratedBy:         buyerID,
			GeneratedAt:         now.UTC().Truncate(time.Microsecond),
		}
		if previous != nil {
			rep.Sequence = previous.Sequence + 1
			rep.PreviousHash = previous.ReportHash
		}
		payload, err := digestReport(&rep)
		if err != nil {
			return models.OpeningReport{}, err
		}
		rep.ReportHash = s.Keys.SignReport(payload)
		return rep, nil
	})
	if err != nil {
		return nil, err
	}

	s.logger().Info("opening report generated",
		"tender", tenderID, "sequence", report.Sequence, "received", report.TotalOffersReceived, "invalid", report.TotalInvalidOffers)
	s.audit(ctx, buyerID, "tender", tenderID, "offers_opened",
		fmt.Sprintf("opening report #%d: %d received, %d valid, %d invalid",
			report.Sequence, report.TotalOffersReceived, report.TotalValidOffers, report.TotalInvalidOffers))
	if report.Sequence == 1 {
		for _, e := range snapshot {
			s.notify(ctx, e.SupplierID, "tender_opened", "Offers opened",
				fmt.Sprintf("Offers for tender %q have been opened", tender.Title), tenderID)
		}
	}
	return report, nil
}

// OpenTender выполняет вскрытие и формирует протокол за один вызов.
func (s *OpeningService) OpenTender(ctx context.Context, tenderID, buyerID string) (*models.OpeningResult, error) {
	offers, err := s.GetOffersForOpening(ctx, tenderID, buyerID)
	if err != nil {
		return nil, err
	}
	report, err := s.GenerateOpeningReport(ctx, tenderID, buyerID, offers)
	if err != nil {
		return nil, err
	}
	return &models.OpeningResult{Report: report, Offers: offers}, nil
}

// ListOpeningReports возвращает все протоколы вскрытия тендера.
func (s *OpeningService) ListOpeningReports(ctx context.Context, tenderID, buyerID string) ([]models.OpeningReport, error) {
	if _, err := loadOwnedTender(ctx, s.Tenders, tenderID, buyerID); err != nil {
		return nil, err
	}
	reports, err := s.Reports.ListReports(ctx, tenderID)
	if err != nil {
		return nil, err
	}
	if reports == nil {
		reports = []models.OpeningReport{}
	}
	return reports, nil
}

// VerifyReportChain пересчитывает подписи протоколов и находит первый нарушенный номер.
func (s *OpeningService) VerifyReportChain(ctx context.Context, tenderID, buyerID string) (*models.ChainVerification, error) {
	reports, err := s.ListOpeningReports(ctx, tenderID, buyerID)
	if err != nil {
		return nil, err
	}

	result := &models.ChainVerification{TenderID: tenderID, Reports: len(reports), Valid: true}
	prevHash := ""
	for i := range reports {
		rep := &reports[i]
		ok := rep.Sequence == i+1 && rep.PreviousHash == prevHash
		if ok {
			payload, err := digestReport(rep)
			ok = err == nil && s.Keys.VerifyReport(payload, rep.ReportHash)
		}
		if !ok {
			seq := i + 1
			result.Valid = false
			result.BrokenAt = &seq
			s.logger().Warn("opening report chain broken", "tender", tenderID, "sequence", seq)
			break
		}
		prevHash = rep.ReportHash
	}
	return result, nil
}
