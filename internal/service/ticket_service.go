package service

import (
	"context"
	"errors"
	"strings"

	"github.com/psds-microservice/escalation-service/internal/errs"
	"github.com/psds-microservice/escalation-service/internal/kafka"
	"github.com/psds-microservice/escalation-service/internal/lifecycle"
	"github.com/psds-microservice/escalation-service/internal/metrics"
	"github.com/psds-microservice/escalation-service/internal/model"
	"gorm.io/gorm"
)

// TicketServicer — интерфейс для HTTP-хендлеров (Dependency Inversion).
type TicketServicer interface {
	Open(ctx context.Context, t *model.Ticket, transcript []model.Turn) error
	GetByID(ctx context.Context, id string) (*model.Ticket, error)
	List(ctx context.Context, filter ListFilter, limit, offset int) ([]model.Ticket, int64, error)
	Messages(ctx context.Context, ticketID string) ([]model.Message, error)
	AppendMessage(ctx context.Context, ticketID string, sender model.SenderType, senderID, body string) (*model.Message, error)
	Claim(ctx context.Context, ticketID, agentID string) (*model.Ticket, error)
	Unclaim(ctx context.Context, ticketID, agentID string) (*model.Ticket, error)
	Resolve(ctx context.Context, ticketID, actorID string) (*model.Ticket, error)
}

// ListFilter — фильтр очереди; пустые поля не ограничивают выборку.
type ListFilter struct {
	Status     model.TicketStatus
	Priority   model.Priority
	AssignedTo string
	UserID     string
}

// queueOrder: сначала urgente, затем по времени эскалации, затем по созданию.
const queueOrder = "CASE priority WHEN 'urgente' THEN 0 WHEN 'moderado' THEN 1 WHEN 'baixo' THEN 2 ELSE 3 END, " +
	"escalated_at IS NULL, escalated_at, created_at, id"

type TicketService struct {
	db      *gorm.DB
	machine *lifecycle.Machine
	notify  notifier
}

func NewTicketService(machine *lifecycle.Machine, events kafka.TicketEventProducer, m *metrics.Metrics) *TicketService {
	return &TicketService{db: machine.DB(), machine: machine, notify: newNotifier(events, m)}
}

// Open регистрирует диалог, который ведёт ассистент (ai_handling), вместе с уже прошедшими репликами.
func (s *TicketService) Open(ctx context.Context, t *model.Ticket, transcript []model.Turn) error {
	if strings.TrimSpace(t.UserID) == "" {
		return errs.InvalidArgument("user_id is required")
	}
	if err := validTurns(transcript); err != nil {
		return err
	}
	t.Status = model.TicketStatusAIHandling
	t.Priority = ""
	t.AssignedTo = nil
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.machine.Create(tx, t); err != nil {
			return err
		}
		return insertTurns(tx, t.ID, transcript, t.CreatedAt)
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return errs.InvalidArgument("conversation %s already has a ticket", derefOr(t.ConversationID))
		}
		return err
	}
	s.notify.created(ctx, t)
	return nil
}

func (s *TicketService) GetByID(ctx context.Context, id string) (*model.Ticket, error) {
	return lifecycle.Load(s.db.WithContext(ctx), id)
}

func (s *TicketService) List(ctx context.Context, filter ListFilter, limit, offset int) ([]model.Ticket, int64, error) {
	var items []model.Ticket
	var total int64
	tx := s.db.WithContext(ctx).Model(&model.Ticket{})
	if filter.Status != "" {
		tx = tx.Where("status = ?", filter.Status)
	}
	if filter.Priority != "" {
		tx = tx.Where("priority = ?", filter.Priority)
	}
	if filter.AssignedTo != "" {
		tx = tx.Where("assigned_to = ?", filter.AssignedTo)
	}
	if filter.UserID != "" {
		tx = tx.Where("user_id = ?", filter.UserID)
	}
	if err := tx.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	if offset > 0 {
		tx = tx.Offset(offset)
	}
	if err := tx.Order(queueOrder).Find(&items).Error; err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// Messages возвращает переписку тикета в порядке (created_at, id).
func (s *TicketService) Messages(ctx context.Context, ticketID string) ([]model.Message, error) {
	db := s.db.WithContext(ctx)
	if _, err := lifecycle.Load(db, ticketID); err != nil {
		return nil, err
	}
	return loadMessages(db, ticketID)
}

// AppendMessage добавляет реплику в открытый тикет. В закрытый писать нельзя.
func (s *TicketService) AppendMessage(ctx context.Context, ticketID string, sender model.SenderType, senderID, body string) (*model.Message, error) {
	if !sender.Valid() {
		return nil, errs.InvalidArgument("unknown sender_type %q", sender)
	}
	if strings.TrimSpace(body) == "" {
		return nil, errs.InvalidArgument("body is required")
	}
	var msg *model.Message
	err := s.machine.Do(ctx, ticketID, func(tx *gorm.DB, t *model.Ticket) error {
		if t.Status == model.TicketStatusResolved {
			return &errs.TransitionError{TicketID: t.ID, From: string(t.Status), To: string(t.Status), Reason: "ticket is resolved"}
		}
		msg = &model.Message{TicketID: t.ID, SenderType: sender, SenderID: strPtr(senderID), Body: body, CreatedAt: s.machine.Now()}
		return insertMessage(tx, msg)
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// Claim — оператор забирает тикет из очереди (escalated -> assigned).
func (s *TicketService) Claim(ctx context.Context, ticketID, agentID string) (*model.Ticket, error) {
	if agentID == "" {
		return nil, errs.InvalidArgument("agent_id is required")
	}
	return s.transition(ctx, ticketID, func(*model.Ticket) (lifecycle.Target, error) {
		return lifecycle.Target{Status: model.TicketStatusAssigned, AgentID: agentID, FromStatus: model.TicketStatusEscalated}, nil
	})
}

// Unclaim возвращает тикет оператора в очередь (assigned -> escalated).
func (s *TicketService) Unclaim(ctx context.Context, ticketID, agentID string) (*model.Ticket, error) {
	if agentID == "" {
		return nil, errs.InvalidArgument("agent_id is required")
	}
	return s.transition(ctx, ticketID, func(t *model.Ticket) (lifecycle.Target, error) {
		return lifecycle.Target{Status: model.TicketStatusEscalated, ExpectAgent: agentID}, nil
	})
}

// Resolve закрывает тикет. actorID пустой — диалог закрыт ассистентом без оператора.
// Назначенный тикет закрывает только его исполнитель.
func (s *TicketService) Resolve(ctx context.Context, ticketID, actorID string) (*model.Ticket, error) {
	return s.transition(ctx, ticketID, func(t *model.Ticket) (lifecycle.Target, error) {
		if actorID == "" && t.Status != model.TicketStatusAIHandling {
			return lifecycle.Target{}, errs.InvalidArgument("agent_id is required to resolve an escalated ticket")
		}
		return lifecycle.Target{Status: model.TicketStatusResolved, Actor: actorID, ExpectAgent: actorID}, nil
	})
}

func (s *TicketService) transition(ctx context.Context, ticketID string, target func(t *model.Ticket) (lifecycle.Target, error)) (*model.Ticket, error) {
	var (
		out    *model.Ticket
		change lifecycle.Change
	)
	err := s.machine.Do(ctx, ticketID, func(tx *gorm.DB, t *model.Ticket) error {
		tg, err := target(t)
		if err != nil {
			return err
		}
		c, err := s.machine.Apply(tx, t, tg)
		if err != nil {
			return err
		}
		out, change = t, c
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notify.transition(ctx, out, change, nil)
	return out, nil
}

func derefOr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
