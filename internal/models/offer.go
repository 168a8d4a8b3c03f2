package models

import "time"

type (
	OfferStatus string // Статус предложения
	AwardStatus string // Результат присуждения по предложению
)

const (
	SubmittedOffer OfferStatus = "submitted" // Предложение подано
	WithdrawnOffer OfferStatus = "withdrawn" // Предложение отозвано поставщиком

	AwardPending  AwardStatus = "pending"  // Решение не принято
	AwardAwarded  AwardStatus = "awarded"  // Предложение победило
	AwardRejected AwardStatus = "rejected" // Предложение отклонено
)

// SealedPayload - зашифрованная коммерческая часть предложения.
type SealedPayload struct {
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
	AuthTag    string `json:"authTag"`
	KeyID      string `json:"keyId"`
}

// FinancialTerms - коммерческие условия, которые хранятся только в зашифрованном виде.
type FinancialTerms struct {
	Price             float64            `json:"price"`
	Currency          string             `json:"currency"`
	PaymentTerms      string             `json:"paymentTerms"`
	FinancialProposal string             `json:"financialProposal,omitempty"`
	UnitPrices        map[string]float64 `json:"unitPrices,omitempty"`
}

// Offer представляет модель предложения в хранилище.
type Offer struct {
	ID              string        `json:"id"`
	TenderID        string        `json:"tenderId"`
	SupplierID      string        `json:"supplierId"`
	DeliveryDays    int           `json:"deliveryDays"`
	Attachments     []string      `json:"attachments"`
	Status          OfferStatus   `json:"status"`
	SubmittedAt     time.Time     `json:"submittedAt"`
	Sealed          SealedPayload `json:"-"`
	AwardStatus     AwardStatus   `json:"awardStatus"`
	IsWinner        bool          `json:"isWinner"`
	EvaluationNotes string        `json:"evaluationNotes,omitempty"`
	TechnicalScore  *float64      `json:"technicalScore,omitempty"`
	FinancialScore  *float64      `json:"financialScore,omitempty"`
	FinalScore      *float64      `json:"finalScore,omitempty"`
	Rank            *int          `json:"rank,omitempty"`
	EvaluatedBy     string        `json:"-"`
	EvaluatedAt     *time.Time    `json:"evaluatedAt,omitempty"`
}

// OfferRequest представляет структуру запроса на подачу предложения.
type OfferRequest struct {
	TenderID     string         `json:"tenderId"`
	DeliveryDays int            `json:"deliveryDays"`
	Attachments  []string       `json:"attachments,omitempty"`
	Financial    FinancialTerms `json:"financial"`
}

// OfferView - проекция предложения, которую видит вызывающий.
type OfferView struct {
	ID               string          `json:"id"`
	TenderID         string          `json:"tenderId"`
	SupplierID       string          `json:"supplierId,omitempty"`
	DeliveryDays     int             `json:"deliveryDays,omitempty"`
	Attachments      []string        `json:"attachments,omitempty"`
	Status           OfferStatus     `json:"status"`
	SubmittedAt      time.Time       `json:"submittedAt"`
	AwardStatus      AwardStatus     `json:"awardStatus,omitempty"`
	IsWinner         bool            `json:"isWinner,omitempty"`
	TechnicalScore   *float64        `json:"technicalScore,omitempty"`
	FinancialScore   *float64        `json:"financialScore,omitempty"`
	FinalScore       *float64        `json:"finalScore,omitempty"`
	Rank             *int            `json:"rank,omitempty"`
	IsSealed         bool            `json:"isSealed"`
	Financial        *FinancialTerms `json:"financial,omitempty"`
	WasEncrypted     bool            `json:"wasEncrypted,omitempty"`
	DecryptionFailed bool            `json:"decryptionFailed,omitempty"`
}

// OfferListView - результат чтения коллекции предложений по тендеру.
// До вскрытия покупатель получает только количество.
type OfferListView struct {
	TenderID string      `json:"tenderId"`
	IsSealed bool        `json:"isSealed"`
	Count    int         `json:"count"`
	Offers   []OfferView `json:"offers,omitempty"`
}

// PublicView возвращает открытую часть предложения без коммерческих данных.
func (o *Offer) PublicView() OfferView {
	return OfferView{
		ID:             o.ID,
		TenderID:       o.TenderID,
		SupplierID:     o.SupplierID,
		DeliveryDays:   o.DeliveryDays,
		Attachments:    o.Attachments,
		Status:         o.Status,
		SubmittedAt:    o.SubmittedAt,
		AwardStatus:    o.AwardStatus,
		IsWinner:       o.IsWinner,
		TechnicalScore: o.TechnicalScore,
		FinancialScore: o.FinancialScore,
		FinalScore:     o.FinalScore,
		Rank:           o.Rank,
	}
}

// SealedSummary возвращает минимальное представление запечатанного предложения.
func (o *Offer) SealedSummary() OfferView {
	return OfferView{
		ID:          o.ID,
		TenderID:    o.TenderID,
		Status:      o.Status,
		SubmittedAt: o.SubmittedAt,
		IsSealed:    true,
	}
}

// RankedOffer - строка итогового рейтинга.
type RankedOffer struct {
	OfferID        string    `json:"offerId"`
	SupplierID     string    `json:"supplierId"`
	TechnicalScore float64   `json:"technicalScore"`
	FinancialScore float64   `json:"financialScore"`
	FinalScore     float64   `json:"finalScore"`
	Rank           int       `json:"rank"`
	SubmittedAt    time.Time `json:"submittedAt"`
}

// EvaluationRequest представляет запрос на выставление оценки.
type EvaluationRequest struct {
	Score float64 `json:"score"`
	Notes string  `json:"notes,omitempty"`
}

// FinancialScore - рассчитанная по цене финансовая оценка предложения.
type FinancialScore struct {
	OfferID  string  `json:"offerId"`
	Price    float64 `json:"price"`
	Currency string  `json:"currency"`
	Score    float64 `json:"score"`
}
