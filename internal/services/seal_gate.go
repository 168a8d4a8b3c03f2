package services

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/senyabanana/sealed-tender/internal/models"
)

// Visibility - решение о том, что вызывающий может видеть в предложении.
type Visibility int

const (
	Hidden        Visibility = iota // Предложение не видно
	SealedSummary                   // Только статус и время подачи
	Cleartext                       // Полные данные, включая коммерческую часть
)

func (v Visibility) String() string {
	switch v {
	case SealedSummary:
		return "sealed"
	case Cleartext:
		return "cleartext"
	default:
		return "hidden"
	}
}

// DecideVisibility - единственная точка решения о видимости предложения.
//
//	покупатель (владелец тендера): до даты вскрытия - сводка; после даты и
//	    проведённого вскрытия - полные данные
//	поставщик (владелец предложения): всегда полные данные
//	остальные: не видно
//
// now == opening_date считается наступлением даты вскрытия.
func DecideVisibility(caller models.Identity, tender *models.Tender, offer *models.Offer, now time.Time) Visibility {
	if tender == nil || offer == nil || caller.UserID == "" || offer.TenderID != tender.ID {
		return Hidden
	}
	if offer.SupplierID == caller.UserID {
		return Cleartext
	}
	if tender.IsOwnedBy(caller.UserID) {
		if offer.Status != models.SubmittedOffer {
			return Hidden
		}
		return buyerVisibility(tender, now)
	}
	return Hidden
}

// DecideCollectionVisibility применяет ту же таблицу к чтению коллекции покупателем.
// Для остальных вызывающих решение принимается по каждому предложению.
func DecideCollectionVisibility(caller models.Identity, tender *models.Tender, now time.Time) Visibility {
	if tender == nil || !tender.IsOwnedBy(caller.UserID) {
		return Hidden
	}
	return buyerVisibility(tender, now)
}

func buyerVisibility(tender *models.Tender, now time.Time) Visibility {
	if tender.OpeningReached(now) && tender.OpenedAt != nil {
		return Cleartext
	}
	return SealedSummary
}

// revealOffer расшифровывает коммерческую часть. Ошибка расшифровки не прерывает
// чтение: предложение помечается decryptionFailed и остаётся в открытой проекции.
func revealOffer(ctx context.Context, keys KeyManager, logger *slog.Logger, offer *models.Offer) models.OfferView {
	view := offer.PublicView()

	plaintext, err := keys.Open(ctx, offer.Sealed)
	if err != nil {
		logger.Warn("offer decryption failed", "offer", offer.ID, "key", offer.Sealed.KeyID, "error", err)
		view.DecryptionFailed = true
		return view
	}

	var terms models.FinancialTerms
	if err := json.Unmarshal(plaintext, &terms); err != nil {
		logger.Warn("offer payload is not valid financial terms", "offer", offer.ID, "error", err)
		view.DecryptionFailed = true
		return view
	}

	view.WasEncrypted = true
	view.Financial = &terms
	return view
}

// projectOffer строит представление предложения согласно решению о видимости.
func projectOffer(ctx context.Context, keys KeyManager, logger *slog.Logger, v Visibility, offer *models.Offer) (models.OfferView, bool) {
	switch v {
	case Cleartext:
		return revealOffer(ctx, keys, logger, offer), true
	case SealedSummary:
		return offer.SealedSummary(), true
	default:
		return models.OfferView{}, false
	}
}
