package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/psds-microservice/escalation-service/internal/assignment"
	"github.com/psds-microservice/escalation-service/internal/errs"
	"github.com/psds-microservice/escalation-service/internal/kafka"
	"github.com/psds-microservice/escalation-service/internal/lifecycle"
	"github.com/psds-microservice/escalation-service/internal/metrics"
	"github.com/psds-microservice/escalation-service/internal/model"
	"github.com/psds-microservice/escalation-service/internal/presence"
	"gorm.io/gorm"
)

// TransferRequest — ручная передача тикета другому оператору.
// FromAgentID, если задан, должен совпадать с текущим исполнителем.
type TransferRequest struct {
	TicketID        string `json:"-"`
	FromAgentID     string `json:"from_agent_id,omitempty"`
	ToAgentID       string `json:"to_agent_id"`
	ActorID         string `json:"actor_id,omitempty"`
	FallbackToQueue bool   `json:"fallback_to_queue,omitempty"`
}

type TransferService struct {
	machine *lifecycle.Machine
	tracker *presence.Tracker
	notify  notifier
	metrics *metrics.Metrics
	log     *slog.Logger
}

func NewTransferService(machine *lifecycle.Machine, tracker *presence.Tracker, events kafka.TicketEventProducer, m *metrics.Metrics, log *slog.Logger) *TransferService {
	if log == nil {
		log = slog.Default()
	}
	n := newNotifier(events, m)
	return &TransferService{machine: machine, tracker: tracker, notify: n, metrics: n.metrics, log: log}
}

// Transfer переназначает тикет. Целевой оператор проверяется на online в момент
// вызова: offline — ErrStaleTargetAgent без изменений, либо (FallbackToQueue)
// тикет возвращается в очередь и ошибка всё равно возвращается.
func (s *TransferService) Transfer(ctx context.Context, req TransferRequest) (*model.Ticket, error) {
	if req.ToAgentID == "" {
		return nil, errs.InvalidArgument("to_agent_id is required")
	}
	db := s.machine.DB().WithContext(ctx)
	current, err := lifecycle.Load(db, req.TicketID)
	if err != nil {
		return nil, err
	}
	if err := checkTransferable(current, req); err != nil {
		s.metrics.Transfers.WithLabelValues("rejected").Inc()
		return nil, err
	}

	online, err := s.tracker.IsOnline(ctx, req.ToAgentID)
	if err != nil {
		return nil, err
	}
	if !online {
		if !req.FallbackToQueue {
			s.metrics.Transfers.WithLabelValues("stale_target").Inc()
			return nil, fmt.Errorf("%w: %s", errs.ErrStaleTargetAgent, req.ToAgentID)
		}
		t, err := s.requeue(ctx, req)
		if err != nil {
			return nil, err
		}
		s.metrics.Transfers.WithLabelValues("queued").Inc()
		return t, fmt.Errorf("%w: %s, ticket returned to queue", errs.ErrStaleTargetAgent, req.ToAgentID)
	}

	var (
		out    *model.Ticket
		change lifecycle.Change
	)
	err = s.machine.Do(ctx, req.TicketID, func(tx *gorm.DB, t *model.Ticket) error {
		if err := checkTransferable(t, req); err != nil {
			return err
		}
		from := t.Assignee()
		c, err := s.machine.Apply(tx, t, lifecycle.Target{
			Status:      model.TicketStatusAssigned,
			AgentID:     req.ToAgentID,
			ExpectAgent: from,
		})
		if err != nil {
			return err
		}
		out, change = t, c
		body := fmt.Sprintf("Ticket transferred from %s to %s", from, req.ToAgentID)
		if req.ActorID != "" {
			body += " by " + req.ActorID
		}
		return insertMessage(tx, &model.Message{
			TicketID: t.ID, SenderType: model.SenderSystem, SenderID: strPtr(req.ActorID),
			Body: body, CreatedAt: s.machine.Now(),
		})
	})
	if err != nil {
		s.metrics.Transfers.WithLabelValues("rejected").Inc()
		return nil, err
	}
	s.metrics.Transfers.WithLabelValues("ok").Inc()
	s.notify.transition(ctx, out, change, map[string]string{"actor": req.ActorID})
	s.log.Info("transfer: ticket transferred", "ticket_id", out.ID, "from", change.PrevAgent, "to", change.NewAgent)
	return out, nil
}

// requeue — компенсирующий переход assigned -> escalated при offline цели.
func (s *TransferService) requeue(ctx context.Context, req TransferRequest) (*model.Ticket, error) {
	var (
		out    *model.Ticket
		change lifecycle.Change
	)
	err := s.machine.Do(ctx, req.TicketID, func(tx *gorm.DB, t *model.Ticket) error {
		if err := checkTransferable(t, req); err != nil {
			return err
		}
		from := t.Assignee()
		c, err := s.machine.Apply(tx, t, lifecycle.Target{Status: model.TicketStatusEscalated, ExpectAgent: from})
		if err != nil {
			return err
		}
		out, change = t, c
		return insertMessage(tx, &model.Message{
			TicketID: t.ID, SenderType: model.SenderSystem, SenderID: strPtr(req.ActorID),
			Body:      fmt.Sprintf("Transfer from %s to %s failed: agent offline, ticket returned to queue", from, req.ToAgentID),
			CreatedAt: s.machine.Now(),
		})
	})
	if err != nil {
		return nil, err
	}
	s.notify.transition(ctx, out, change, map[string]string{"actor": req.ActorID, "failed_target": req.ToAgentID})
	return out, nil
}

func checkTransferable(t *model.Ticket, req TransferRequest) error {
	reject := func(reason string) error {
		return &errs.TransitionError{TicketID: t.ID, From: string(t.Status), To: string(model.TicketStatusAssigned), Reason: reason}
	}
	if t.Status != model.TicketStatusAssigned {
		return reject("only assigned tickets can be transferred")
	}
	if req.FromAgentID != "" && req.FromAgentID != t.Assignee() {
		return reject("ticket is not assigned to " + req.FromAgentID)
	}
	if req.ToAgentID == t.Assignee() {
		return reject("ticket already assigned to " + req.ToAgentID)
	}
	return nil
}

// Candidates — известные операторы для передачи: online первыми, затем по нагрузке
// и agent_id. Текущий исполнитель исключён.
func (s *TransferService) Candidates(ctx context.Context, ticketID string) ([]assignment.AgentLoad, error) {
	t, err := lifecycle.Load(s.machine.DB().WithContext(ctx), ticketID)
	if err != nil {
		return nil, err
	}
	snapshot, err := s.tracker.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return assignment.Rank(snapshot, t.Assignee()), nil
}
