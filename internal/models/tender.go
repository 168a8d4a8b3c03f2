package models

import "time"

type TenderStatus string // Статус тендера

const (
	DraftTender   TenderStatus = "draft"   // Тендер создан, но не опубликован
	OpenTender    TenderStatus = "open"    // Тендер опубликован и принимает предложения
	AwardedTender TenderStatus = "awarded" // По тендеру определены победители
	ClosedTender  TenderStatus = "closed"  // Тендер закрыт
)

// tenderStatusOrder задаёт порядок статусов: переходы допустимы только вперёд.
var tenderStatusOrder = map[TenderStatus]int{
	DraftTender:   0,
	OpenTender:    1,
	AwardedTender: 2,
	ClosedTender:  3,
}

// CanTransitionTo проверяет, что переход статуса монотонный.
func (s TenderStatus) CanTransitionTo(next TenderStatus) bool {
	cur, ok := tenderStatusOrder[s]
	if !ok {
		return false
	}
	nxt, ok := tenderStatusOrder[next]
	if !ok {
		return false
	}
	if s == DraftTender && next != OpenTender {
		return false
	}
	return nxt > cur
}

// Tender представляет модель тендера.
type Tender struct {
	ID                string       `json:"id"`
	BuyerID           string       `json:"buyerId"`
	Title             string       `json:"title"`
	Status            TenderStatus `json:"status"`
	OpeningDate       time.Time    `json:"openingDate"`
	Deadline          time.Time    `json:"deadline"`
	AllowPartialAward bool         `json:"allowPartialAward"`
	MaxWinners        *int         `json:"maxWinners,omitempty"`
	OpenedAt          *time.Time   `json:"openedAt,omitempty"`
	Version           int          `json:"version"`
	CreatedAt         time.Time    `json:"createdAt"`
}

// CurrentVersion возвращает версию записи для оптимистичной блокировки.
func (t Tender) CurrentVersion() int {
	return t.Version
}

// IsOwnedBy проверяет, что тендер принадлежит покупателю.
func (t *Tender) IsOwnedBy(userID string) bool {
	return t != nil && userID != "" && t.BuyerID == userID
}

// OpeningReached сообщает, наступила ли дата вскрытия (граница включительно).
func (t *Tender) OpeningReached(now time.Time) bool {
	return !now.Before(t.OpeningDate)
}

// AcceptsOffersAt проверяет, что тендер открыт и срок подачи ещё не истёк.
func (t *Tender) AcceptsOffersAt(now time.Time) error {
	if t.Status != OpenTender {
		return NewInvalidStateError("tender %s is not open for offers", t.ID)
	}
	if !now.Before(t.Deadline) {
		return NewInvalidStateError("submission deadline for tender %s has passed", t.ID)
	}
	return nil
}

// TenderRequest представляет структуру запроса для создания тендера.
type TenderRequest struct {
	Title             string    `json:"title"`
	OpeningDate       time.Time `json:"openingDate"`
	Deadline          time.Time `json:"deadline"`
	AllowPartialAward bool      `json:"allowPartialAward"`
	MaxWinners        *int      `json:"maxWinners,omitempty"`
}

// TenderScheduleRequest представляет запрос на изменение сроков тендера.
type TenderScheduleRequest struct {
	Version     int        `json:"version"`
	OpeningDate *time.Time `json:"openingDate,omitempty"`
	Deadline    *time.Time `json:"deadline,omitempty"`
}
