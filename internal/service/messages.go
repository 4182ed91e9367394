package service

import (
	"fmt"
	"time"

	"github.com/psds-microservice/escalation-service/internal/errs"
	"github.com/psds-microservice/escalation-service/internal/model"
	"gorm.io/gorm"
)

// insertTurns сохраняет реплики в исходном порядке. Порядок чтения (created_at, id)
// совпадает с порядком вставки, так как id монотонен.
func insertTurns(tx *gorm.DB, ticketID string, turns []model.Turn, at time.Time) error {
	if len(turns) == 0 {
		return nil
	}
	msgs := make([]model.Message, 0, len(turns))
	for _, t := range turns {
		msgs = append(msgs, model.Message{TicketID: ticketID, SenderType: t.Role, Body: t.Text, CreatedAt: at})
	}
	if err := tx.Create(&msgs).Error; err != nil {
		return fmt.Errorf("insert messages: %w", err)
	}
	return nil
}

func insertMessage(tx *gorm.DB, m *model.Message) error {
	if err := tx.Create(m).Error; err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func loadMessages(tx *gorm.DB, ticketID string) ([]model.Message, error) {
	var msgs []model.Message
	if err := tx.Where("ticket_id = ?", ticketID).Order("created_at, id").Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

func toTurns(msgs []model.Message) []model.Turn {
	turns := make([]model.Turn, 0, len(msgs))
	for _, m := range msgs {
		turns = append(turns, model.Turn{Role: m.SenderType, Text: m.Body})
	}
	return turns
}

func validTurns(turns []model.Turn) error {
	for i, t := range turns {
		if !t.Role.Valid() {
			return errs.InvalidArgument("turn %d: unknown role %q", i, t.Role)
		}
	}
	return nil
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
