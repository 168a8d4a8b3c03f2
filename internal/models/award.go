package models

import "time"

type (
	LineItemStatus   string // Статус распределения позиции
	CommitmentStatus string // Статус заказа поставщику
)

const (
	LineItemPending   LineItemStatus = "pending"   // Позиция ещё не распределена
	LineItemPartial   LineItemStatus = "partial"   // Распределена часть количества
	LineItemAwarded   LineItemStatus = "awarded"   // Распределено всё количество
	LineItemFinalized LineItemStatus = "finalized" // Тендер завершён, позиция закрыта

	CommitmentIssued CommitmentStatus = "issued" // Заказ выпущен
)

// Allocation - доля позиции, присуждённая одному предложению.
type Allocation struct {
	OfferID     string  `json:"offerId"`
	SupplierID  string  `json:"supplierId"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unitPrice"`
	TotalAmount float64 `json:"totalAmount"`
}

// LineItemAward - распределение одной позиции тендера между победителями.
type LineItemAward struct {
	TenderID      string         `json:"tenderId"`
	LineItemID    string         `json:"lineItemId"`
	Description   string         `json:"description,omitempty"`
	TotalQuantity float64        `json:"totalQuantity"`
	AwardedOffers []Allocation   `json:"awardedOffers"`
	Status        LineItemStatus `json:"status"`
	Version       int            `json:"version"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// AllocatedQuantity возвращает суммарное распределённое количество.
func (l *LineItemAward) AllocatedQuantity() float64 {
	var sum float64
	for _, a := range l.AwardedOffers {
		sum += a.Quantity
	}
	return sum
}

// LineItemRequest представляет позицию при инициализации распределения.
type LineItemRequest struct {
	LineItemID    string  `json:"lineItemId"`
	Description   string  `json:"description,omitempty"`
	TotalQuantity float64 `json:"totalQuantity"`
}

// DistributionEntry представляет одну строку распределения позиции.
type DistributionEntry struct {
	OfferID   string  `json:"offerId"`
	Quantity  float64 `json:"quantity"`
	UnitPrice float64 `json:"unitPrice"`
}

// CommitmentItem - строка заказа поставщику.
type CommitmentItem struct {
	LineItemID string  `json:"lineItemId"`
	OfferID    string  `json:"offerId"`
	Quantity   float64 `json:"quantity"`
	UnitPrice  float64 `json:"unitPrice"`
	Amount     float64 `json:"amount"`
}

// PurchaseCommitment - заказ, выпускаемый победившему поставщику.
type PurchaseCommitment struct {
	ID          string           `json:"id"`
	OrderNumber string           `json:"orderNumber"`
	TenderID    string           `json:"tenderId"`
	SupplierID  string           `json:"supplierId"`
	BuyerID     string           `json:"buyerId"`
	Items       []CommitmentItem `json:"items"`
	TotalAmount float64          `json:"totalAmount"`
	Status      CommitmentStatus `json:"status"`
	CreatedAt   time.Time        `json:"createdAt"`
}

// TenderAward - состояние распределения по тендеру.
type TenderAward struct {
	TenderID    string               `json:"tenderId"`
	LineItems   []LineItemAward      `json:"lineItems"`
	Commitments []PurchaseCommitment `json:"commitments,omitempty"`
}
