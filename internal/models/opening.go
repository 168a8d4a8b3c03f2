package models

import "time"

// OpeningSnapshotEntry - строка снимка предложений в протоколе вскрытия.
type OpeningSnapshotEntry struct {
	OfferID          string    `json:"offerId"`
	SupplierID       string    `json:"supplierId"`
	SubmittedAt      time.Time `json:"submittedAt"`
	WasEncrypted     bool      `json:"wasEncrypted"`
	DecryptionFailed bool      `json:"decryptionFailed"`
	Price            *float64  `json:"price,omitempty"`
	Currency         string    `json:"currency,omitempty"`
}

// OpeningReport - неизменяемый протокол вскрытия предложений.
type OpeningReport struct {
	ID                  string                 `json:"id"`
	TenderID            string                 `json:"tenderId"`
	Sequence            int                    `json:"sequence"`
	TotalOffersReceived int                    `json:"totalReceived"`
	TotalValidOffers    int                    `json:"totalValid"`
	TotalInvalidOffers  int                    `json:"totalInvalid"`
	Snapshot            []OpeningSnapshotEntry `json:"snapshot"`
	GeneratedBy         string                 `json:"generatedBy"`
	GeneratedAt         time.Time              `json:"generatedAt"`
	PreviousHash        string                 `json:"previousHash,omitempty"`
	ReportHash          string                 `json:"reportHash"`
}

// OpeningResult - результат вскрытия: протокол и расшифрованные предложения.
type OpeningResult struct {
	Report *OpeningReport `json:"report"`
	Offers []OfferView    `json:"offers"`
}

// ChainVerification - результат проверки цепочки протоколов вскрытия.
type ChainVerification struct {
	TenderID string `json:"tenderId"`
	Reports  int    `json:"reports"`
	Valid    bool   `json:"valid"`
	BrokenAt *int   `json:"brokenAt,omitempty"`
}
