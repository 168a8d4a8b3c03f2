package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/senyabanana/sealed-tender/internal/models"
	"github.com/senyabanana/sealed-tender/internal/repository"
	"github.com/senyabanana/sealed-tender/internal/utils"

	"github.com/google/uuid"
)

const maxTitleLength = 200

type TenderService struct {
	Repo repository.TenderRepository
	Collaborators
	Now func() time.Time
}

// NewTenderService создаёт новый экземпляр TenderService.
func NewTenderService(repo repository.TenderRepository, collab Collaborators) *TenderService {
	return &TenderService{Repo: repo, Collaborators: collab, Now: time.Now}
}

// loadTender возвращает тендер или ошибку "не найден".
func loadTender(ctx context.Context, repo repository.TenderRepository, tenderID string) (*models.Tender, error) {
	tender, err := repo.GetTender(ctx, tenderID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, models.NewNotFoundOrUnauthorizedError("tender", tenderID)
	}
	if err != nil {
		return nil, err
	}
	return tender, nil
}

// loadOwnedTender возвращает тендер, только если он принадлежит покупателю.
// Чужой и несуществующий тендер неразличимы для вызывающего.
func loadOwnedTender(ctx context.Context, repo repository.TenderRepository, tenderID, buyerID string) (*models.Tender, error) {
	tender, err := loadTender(ctx, repo, tenderID)
	if err != nil {
		return nil, err
	}
	if !tender.IsOwnedBy(buyerID) {
		return nil, models.NewNotFoundOrUnauthorizedError("tender", tenderID)
	}
	return tender, nil
}

func validateSchedule(openingDate, deadline time.Time) error {
	if openingDate.IsZero() || deadline.IsZero() {
		return models.NewValidationError("openingDate and deadline are required")
	}
	if deadline.After(openingDate) {
		return models.NewValidationError("deadline must not be later than openingDate")
	}
	return nil
}

// CreateTender создает новый тендер в статусе draft.
func (s *TenderService) CreateTender(ctx context.Context, caller models.Identity, req models.TenderRequest) (*models.Tender, error) {
	if caller.Role != models.BuyerRole || caller.UserID == "" {
		return nil, models.NewAuthorizationError("only buyers can create tenders")
	}
	title := strings.TrimSpace(req.Title)
	if title == "" || len(title) > maxTitleLength {
		return nil, models.NewValidationError("title is required and must be at most %d characters", maxTitleLength)
	}
	if err := validateSchedule(req.OpeningDate, req.Deadline); err != nil {
		return nil, err
	}
	now := s.Now()
	if !req.Deadline.After(now) {
		return nil, models.NewValidationError("deadline must be in the future")
	}
	if req.MaxWinners != nil && *req.MaxWinners < 1 {
		return nil, models.NewValidationError("maxWinners must be at least 1")
	}

	tender := models.Tender{
		ID:                uuid.New().String(),
		BuyerID:           caller.UserID,
		Title:             title,
		Status:            models.DraftTender,
		OpeningDate:       req.OpeningDate.UTC(),
		Deadline:          req.Deadline.UTC(),
		AllowPartialAward: req.AllowPartialAward,
		MaxWinners:        req.MaxWinners,
		Version:           1,
		CreatedAt:         now.UTC(),
	}
	if err := s.Repo.CreateTender(ctx, tender); err != nil {
		return nil, err
	}

	s.audit(ctx, caller.UserID, "tender", tender.ID, "tender_created", "tender "+tender.Title+" created")
	return &tender, nil
}

// GetTender возвращает тендер. Черновик виден только владельцу.
func (s *TenderService) GetTender(ctx context.Context, caller models.Identity, tenderID string) (*models.Tender, error) {
	tender, err := loadTender(ctx, s.Repo, tenderID)
	if err != nil {
		return nil, err
	}
	if tender.Status == models.DraftTender && !tender.IsOwnedBy(caller.UserID) {
		return nil, models.NewNotFoundOrUnauthorizedError("tender", tenderID)
	}
	return tender, nil
}

// ListTenders возвращает тендеры покупателя либо опубликованные тендеры для поставщика.
func (s *TenderService) ListTenders(ctx context.Context, caller models.Identity, limitStr, offsetStr string) ([]models.Tender, error) {
	limit, offset, err := utils.ParseLimitOffset(limitStr, offsetStr)
	if err != nil {
		return nil, models.NewValidationError("%s", err.Error())
	}

	var tenders []models.Tender
	if caller.Role == models.BuyerRole {
		tenders, err = s.Repo.ListTenders(ctx, caller.UserID, nil, limit, offset)
	} else {
		tenders, err = s.Repo.ListTenders(ctx, "",
			[]models.TenderStatus{models.OpenTender, models.AwardedTender, models.ClosedTender}, limit, offset)
	}
	if err != nil {
		return nil, err
	}
	if tenders == nil {
		tenders = []models.Tender{}
	}
	return tenders, nil
}

// updateTender применяет изменение с проверкой версии и владельца.
func (s *TenderService) updateTender(ctx context.Context, caller models.Identity, tenderID string, version int,
	change func(current models.Tender, offerCount int) (models.Tender, error)) (*models.Tender, error) {
	result, err := s.Repo.UpdateTender(ctx, tenderID, version, func(current models.Tender, offerCount int) (models.Tender, error) {
		if !current.IsOwnedBy(caller.UserID) {
			return models.Tender{}, models.NewNotFoundOrUnauthorizedError("tender", tenderID)
		}
		return change(current, offerCount)
	})
	if errors.Is(err, repository.ErrNotFound) {
		return nil, models.NewNotFoundOrUnauthorizedError("tender", tenderID)
	}
	if err != nil {
		return nil, err
	}
	if !result.Ok() {
		if !result.Record.IsOwnedBy(caller.UserID) {
			return nil, models.NewNotFoundOrUnauthorizedError("tender", tenderID)
		}
		return nil, models.NewVersionConflictError("tender "+tenderID, version, result.Record.Version)
	}
	return &result.Record, nil
}

func (s *TenderService) transition(ctx context.Context, caller models.Identity, tenderID string, version int, next models.TenderStatus) (*models.Tender, error) {
	now := s.Now()
	tender, err := s.updateTender(ctx, caller, tenderID, version, func(current models.Tender, _ int) (models.Tender, error) {
		if !current.Status.CanTransitionTo(next) {
			return models.Tender{}, models.NewInvalidStateError("tender cannot move from %s to %s", current.Status, next)
		}
		if next == models.OpenTender && !current.Deadline.After(now) {
			return models.Tender{}, models.NewInvalidStateError("cannot publish a tender whose deadline has passed")
		}
		current.Status = next
		return current, nil
	})
	if err != nil {
		return nil, err
	}

	s.audit(ctx, caller.UserID, "tender", tenderID, "tender_"+string(next), fmt.Sprintf("tender moved to %s", next))
	return tender, nil
}

// PublishTender открывает приём предложений.
func (s *TenderService) PublishTender(ctx context.Context, caller models.Identity, tenderID string, version int) (*models.Tender, error) {
	return s.transition(ctx, caller, tenderID, version, models.OpenTender)
}

// CloseTender закрывает тендер.
func (s *TenderService) CloseTender(ctx context.Context, caller models.Identity, tenderID string, version int) (*models.Tender, error) {
	return s.transition(ctx, caller, tenderID, version, models.ClosedTender)
}

// UpdateSchedule меняет сроки тендера. Дата вскрытия неизменна, если по тендеру уже есть предложения.
func (s *TenderService) UpdateSchedule(ctx context.Context, caller models.Identity, tenderID string, req models.TenderScheduleRequest) (*models.Tender, error) {
	if req.OpeningDate == nil && req.Deadline == nil {
		return nil, models.NewValidationError("openingDate or deadline is required")
	}
	now := s.Now()

	tender, err := s.updateTender(ctx, caller, tenderID, req.Version, func(current models.Tender, offerCount int) (models.Tender, error) {
		if current.Status != models.DraftTender && current.Status != models.OpenTender {
			return models.Tender{}, models.NewInvalidStateError("schedule of a %s tender cannot be changed", current.Status)
		}
		if req.OpeningDate != nil && !req.OpeningDate.Equal(current.OpeningDate) {
			if offerCount > 0 {
				return models.Tender{}, models.NewInvalidStateError("openingDate cannot change once offers exist")
			}
			current.OpeningDate = req.OpeningDate.UTC()
		}
		if req.Deadline != nil && !req.Deadline.Equal(current.Deadline) {
			if !req.Deadline.After(now) {
				return models.Tender{}, models.NewValidationError("deadline must be in the future")
			}
			current.Deadline = req.Deadline.UTC()
		}
		if err := validateSchedule(current.OpeningDate, current.Deadline); err != nil {
			return models.Tender{}, err
		}
		return current, nil
	})
	if err != nil {
		return nil, err
	}

	s.audit(ctx, caller.UserID, "tender", tenderID, "tender_rescheduled", "tender schedule updated")
	return tender, nil
}
