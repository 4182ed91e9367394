package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/psds-microservice/escalation-service/internal/errs"
	"github.com/psds-microservice/escalation-service/internal/lifecycle"
	"github.com/psds-microservice/escalation-service/internal/model"
	"gorm.io/gorm"
)

type RateRequest struct {
	TicketID string `json:"-"`
	UserID   string `json:"user_id"`
	Score    int    `json:"score"`
	Comment  string `json:"comment,omitempty"`
}

// RatingService — оценка закрытого тикета пользователем. Одна на тикет, не меняется.
type RatingService struct {
	db *gorm.DB
}

func NewRatingService(db *gorm.DB) *RatingService {
	return &RatingService{db: db}
}

func (s *RatingService) Rate(ctx context.Context, req RateRequest) (*model.Rating, error) {
	if req.Score < 1 || req.Score > 5 {
		return nil, errs.InvalidArgument("score must be between 1 and 5, got %d", req.Score)
	}
	db := s.db.WithContext(ctx)
	t, err := lifecycle.Load(db, req.TicketID)
	if err != nil {
		return nil, err
	}
	if t.Status != model.TicketStatusResolved {
		return nil, errs.InvalidArgument("ticket %s is not resolved", t.ID)
	}
	if req.UserID != t.UserID {
		return nil, errs.InvalidArgument("ticket %s belongs to another user", t.ID)
	}
	r := &model.Rating{
		TicketID: t.ID,
		UserID:   req.UserID,
		AgentID:  t.ResolvedBy,
		Score:    req.Score,
		Comment:  req.Comment,
	}
	if err := db.Create(r).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, errs.ErrRatingExists
		}
		return nil, fmt.Errorf("create rating: %w", err)
	}
	return r, nil
}

// ByTicket возвращает оценку тикета. Нет тикета — ErrTicketNotFound, нет оценки — ErrRatingNotFound.
func (s *RatingService) ByTicket(ctx context.Context, ticketID string) (*model.Rating, error) {
	db := s.db.WithContext(ctx)
	if _, err := lifecycle.Load(db, ticketID); err != nil {
		return nil, err
	}
	var r model.Rating
	if err := db.First(&r, "ticket_id = ?", ticketID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.ErrRatingNotFound
		}
		return nil, fmt.Errorf("load rating: %w", err)
	}
	return &r, nil
}
