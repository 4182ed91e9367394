package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/psds-microservice/escalation-service/internal/assignment"
	"github.com/psds-microservice/escalation-service/internal/classifier"
	"github.com/psds-microservice/escalation-service/internal/errs"
	"github.com/psds-microservice/escalation-service/internal/kafka"
	"github.com/psds-microservice/escalation-service/internal/lifecycle"
	"github.com/psds-microservice/escalation-service/internal/metrics"
	"github.com/psds-microservice/escalation-service/internal/model"
	"github.com/psds-microservice/escalation-service/internal/presence"
	"github.com/sethvargo/go-retry"
	"gorm.io/gorm"
)

// EscalateRequest — передача диалога человеку. TicketID задан, если диалог уже
// зарегистрирован как ai_handling; иначе тикет создаётся.
type EscalateRequest struct {
	TicketID       string       `json:"ticket_id,omitempty"`
	ConversationID string       `json:"conversation_id,omitempty"`
	UserID         string       `json:"user_id"`
	Subject        string       `json:"subject,omitempty"`
	AISummary      string       `json:"ai_summary,omitempty"`
	Transcript     []model.Turn `json:"transcript"`
}

type EscalateResult struct {
	TicketID      string             `json:"ticket_id"`
	Status        model.TicketStatus `json:"status"`
	Priority      model.Priority     `json:"priority"`
	AssignedAgent string             `json:"assigned_agent,omitempty"`
	Replayed      bool               `json:"replayed,omitempty"`
}

func resultOf(t *model.Ticket, replayed bool) *EscalateResult {
	return &EscalateResult{
		TicketID:      t.ID,
		Status:        t.Status,
		Priority:      t.Priority,
		AssignedAgent: t.Assignee(),
		Replayed:      replayed,
	}
}

type EscalationOptions struct {
	MaxActivePerAgent int
	RetryAttempts     int
	RetryBase         time.Duration
}

type EscalationService struct {
	machine    *lifecycle.Machine
	tracker    *presence.Tracker
	classifier classifier.Classifier
	notify     notifier
	metrics    *metrics.Metrics
	log        *slog.Logger
	opts       EscalationOptions
}

// NewEscalationService. cls должен быть обёрнут в classifier.Policy: сервис не
// ограничивает время классификации сам.
func NewEscalationService(machine *lifecycle.Machine, tracker *presence.Tracker, cls classifier.Classifier,
	events kafka.TicketEventProducer, m *metrics.Metrics, log *slog.Logger, opts EscalationOptions) *EscalationService {
	if opts.RetryAttempts < 1 {
		opts.RetryAttempts = 1
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 100 * time.Millisecond
	}
	if log == nil {
		log = slog.Default()
	}
	n := newNotifier(events, m)
	return &EscalationService{
		machine:    machine,
		tracker:    tracker,
		classifier: cls,
		notify:     n,
		metrics:    n.metrics,
		log:        log,
		opts:       opts,
	}
}

// Escalate классифицирует диалог, выбирает наименее загруженного оператора из
// online и фиксирует тикет одной транзакцией. Нет операторов — тикет остаётся в
// очереди (escalated), это не ошибка.
func (s *EscalationService) Escalate(ctx context.Context, req EscalateRequest) (*EscalateResult, error) {
	start := time.Now()
	if err := validTurns(req.Transcript); err != nil {
		return nil, err
	}
	db := s.machine.DB().WithContext(ctx)

	if req.TicketID == "" && req.ConversationID != "" {
		existing, err := s.byConversation(db, req.ConversationID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			if existing.Status != model.TicketStatusAIHandling {
				s.metrics.Escalations.WithLabelValues(string(existing.Priority), "replayed").Inc()
				return resultOf(existing, true), nil
			}
			req.TicketID = existing.ID
		}
	}

	// Классификация до любой транзакции: префикс сохранённой переписки плюс новые реплики.
	turns := req.Transcript
	if req.TicketID != "" {
		existing, err := lifecycle.Load(db, req.TicketID)
		if err != nil {
			return nil, err
		}
		if existing.Status != model.TicketStatusAIHandling {
			return nil, &errs.TransitionError{TicketID: existing.ID, From: string(existing.Status), To: string(model.TicketStatusEscalated), Reason: "ticket is already escalated"}
		}
		stored, err := loadMessages(db, existing.ID)
		if err != nil {
			return nil, fmt.Errorf("load messages: %w", err)
		}
		turns = append(toTurns(stored), req.Transcript...)
	} else if strings.TrimSpace(req.UserID) == "" {
		return nil, errs.InvalidArgument("user_id is required")
	}

	priority, _ := s.classifier.Classify(ctx, turns)
	if !priority.Valid() {
		priority = model.PriorityLow
	}

	ticket, change, created, err := s.commitWithRetry(ctx, req, priority)
	if errors.Is(err, gorm.ErrDuplicatedKey) && req.TicketID == "" && req.ConversationID != "" {
		// Диалог успели занять параллельно: передачей (повтор) или открытием тикета ассистента.
		existing, lookupErr := s.byConversation(db, req.ConversationID)
		switch {
		case lookupErr != nil || existing == nil:
		case existing.Status != model.TicketStatusAIHandling:
			s.metrics.Escalations.WithLabelValues(string(existing.Priority), "replayed").Inc()
			return resultOf(existing, true), nil
		default:
			req.TicketID = existing.ID
			ticket, change, created, err = s.commitWithRetry(ctx, req, priority)
		}
	}
	if err != nil {
		return nil, err
	}

	outcome := "queued"
	if ticket.Status == model.TicketStatusAssigned {
		outcome = "assigned"
	}
	s.metrics.Escalations.WithLabelValues(string(priority), outcome).Inc()
	s.metrics.EscalationDuration.Observe(time.Since(start).Seconds())
	if created {
		s.notify.created(ctx, ticket)
	} else {
		s.notify.transition(ctx, ticket, change, nil)
	}
	s.log.Info("escalation: ticket escalated",
		"ticket_id", ticket.ID, "priority", priority, "status", ticket.Status, "agent", ticket.Assignee())
	return resultOf(ticket, false), nil
}

// commitWithRetry повторяет commit с экспоненциальной паузой на сбоях хранилища.
// Доменные ошибки и конфликт уникального ключа не повторяются.
func (s *EscalationService) commitWithRetry(ctx context.Context, req EscalateRequest, priority model.Priority) (*model.Ticket, lifecycle.Change, bool, error) {
	var (
		ticket  *model.Ticket
		change  lifecycle.Change
		created bool
	)
	backoff := retry.WithMaxRetries(uint64(s.opts.RetryAttempts-1), retry.NewExponential(s.opts.RetryBase))
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			s.metrics.StorageRetries.Inc()
		}
		var err error
		ticket, change, created, err = s.commit(ctx, req, priority)
		if err == nil || errs.IsDomain(err) || errors.Is(err, gorm.ErrDuplicatedKey) || ctx.Err() != nil {
			return err
		}
		s.log.Warn("escalation: commit failed, retrying", "attempt", attempt, "error", err)
		return retry.RetryableError(err)
	})
	return ticket, change, created, err
}

// commit — снимок online-операторов, выбор и запись тикета. Повторяется целиком:
// каждый повтор берёт свежий снимок нагрузки.
func (s *EscalationService) commit(ctx context.Context, req EscalateRequest, priority model.Priority) (*model.Ticket, lifecycle.Change, bool, error) {
	online, err := s.tracker.Online(ctx)
	if err != nil {
		return nil, lifecycle.Change{}, false, err
	}
	agentID, ok := assignment.PickAgent(assignment.WithinCapacity(online, s.opts.MaxActivePerAgent), "")

	target := lifecycle.Target{Status: model.TicketStatusEscalated, Priority: priority}
	if ok {
		target = lifecycle.Target{Status: model.TicketStatusAssigned, AgentID: agentID, Priority: priority}
	}

	var (
		ticket  *model.Ticket
		change  lifecycle.Change
		created bool
	)
	err = s.machine.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if req.TicketID != "" {
			t, err := lifecycle.Load(tx, req.TicketID)
			if err != nil {
				return err
			}
			c, err := s.machine.Apply(tx, t, target)
			if err != nil {
				return err
			}
			if req.AISummary != "" || req.Subject != "" {
				if err := tx.Model(&model.Ticket{}).Where("id = ?", t.ID).Updates(textUpdates(req)).Error; err != nil {
					return err
				}
				applyText(t, req)
			}
			ticket, change = t, c
			return insertTurns(tx, t.ID, req.Transcript, s.machine.Now())
		}

		t := &model.Ticket{
			UserID:         req.UserID,
			ConversationID: strPtr(req.ConversationID),
			Status:         target.Status,
			Priority:       priority,
			AssignedTo:     strPtr(target.AgentID),
			Subject:        req.Subject,
			AISummary:      req.AISummary,
		}
		if err := s.machine.Create(tx, t); err != nil {
			return err
		}
		ticket, created = t, true
		return insertTurns(tx, t.ID, req.Transcript, t.CreatedAt)
	})
	if err != nil {
		return nil, lifecycle.Change{}, false, err
	}
	return ticket, change, created, nil
}

func (s *EscalationService) byConversation(db *gorm.DB, conversationID string) (*model.Ticket, error) {
	var t model.Ticket
	err := db.Where("conversation_id = ?", conversationID).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func textUpdates(req EscalateRequest) map[string]interface{} {
	u := map[string]interface{}{}
	if req.Subject != "" {
		u["subject"] = req.Subject
	}
	if req.AISummary != "" {
		u["ai_summary"] = req.AISummary
	}
	return u
}

func applyText(t *model.Ticket, req EscalateRequest) {
	if req.Subject != "" {
		t.Subject = req.Subject
	}
	if req.AISummary != "" {
		t.AISummary = req.AISummary
	}
}
