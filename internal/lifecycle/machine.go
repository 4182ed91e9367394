// Package lifecycle владеет переходами статусов тикета. Каждый переход — один
// условный UPDATE по (id, version) плюс счётчики нагрузки операторов в той же транзакции.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/psds-microservice/escalation-service/internal/errs"
	"github.com/psds-microservice/escalation-service/internal/model"
	"github.com/psds-microservice/escalation-service/internal/presence"
	"gorm.io/gorm"
)

// transitions — полный список допустимых переходов. Из resolved выхода нет.
var transitions = map[model.TicketStatus]map[model.TicketStatus]bool{
	model.TicketStatusAIHandling: {
		model.TicketStatusEscalated: true,
		model.TicketStatusAssigned:  true,
		model.TicketStatusResolved:  true,
	},
	model.TicketStatusEscalated: {
		model.TicketStatusAssigned: true,
		model.TicketStatusResolved: true,
	},
	model.TicketStatusAssigned: {
		model.TicketStatusEscalated: true,
		model.TicketStatusAssigned:  true,
		model.TicketStatusResolved:  true,
	},
}

// Allowed сообщает, есть ли переход from -> to в таблице.
func Allowed(from, to model.TicketStatus) bool {
	return transitions[from][to]
}

// Target — целевое состояние перехода.
type Target struct {
	Status   model.TicketStatus
	AgentID  string         // исполнитель для assigned
	Actor    string         // кто закрыл тикет (resolved), пусто для закрытия ассистентом
	Priority model.Priority // только при выходе из ai_handling

	// ExpectAgent: если задан, тикет в статусе assigned должен принадлежать этому оператору.
	ExpectAgent string
	// FromStatus: если задан, переход допустим только из этого статуса.
	FromStatus model.TicketStatus
}

// Change описывает выполненный переход.
type Change struct {
	From      model.TicketStatus
	To        model.TicketStatus
	PrevAgent string
	NewAgent  string
}

type Machine struct {
	db  *gorm.DB
	now func() time.Time
}

func New(db *gorm.DB) *Machine {
	return &Machine{db: db, now: time.Now}
}

func (m *Machine) WithClock(now func() time.Time) *Machine {
	m.now = now
	return m
}

func (m *Machine) Now() time.Time { return m.now().UTC() }

// DB — хэндл, на котором машина открывает транзакции.
func (m *Machine) DB() *gorm.DB { return m.db }

// Load читает тикет в рамках tx.
func Load(tx *gorm.DB, ticketID string) (*model.Ticket, error) {
	var t model.Ticket
	if err := tx.First(&t, "id = ?", ticketID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.ErrTicketNotFound
		}
		return nil, err
	}
	return &t, nil
}

// Do загружает тикет и выполняет fn в одной транзакции.
func (m *Machine) Do(ctx context.Context, ticketID string, fn func(tx *gorm.DB, t *model.Ticket) error) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		t, err := Load(tx, ticketID)
		if err != nil {
			return err
		}
		return fn(tx, t)
	})
}

// Transition — Do + Apply для одиночного перехода.
func (m *Machine) Transition(ctx context.Context, ticketID string, target Target) (*model.Ticket, Change, error) {
	var (
		out    *model.Ticket
		change Change
	)
	err := m.Do(ctx, ticketID, func(tx *gorm.DB, t *model.Ticket) error {
		c, err := m.Apply(tx, t, target)
		if err != nil {
			return err
		}
		out, change = t, c
		return nil
	})
	if err != nil {
		return nil, Change{}, err
	}
	return out, change, nil
}

// Create вставляет новый тикет в начальном статусе: ai_handling, escalated или assigned.
func (m *Machine) Create(tx *gorm.DB, t *model.Ticket) error {
	now := m.Now()
	switch t.Status {
	case model.TicketStatusAIHandling:
		t.AssignedTo = nil
		t.EscalatedAt = nil
	case model.TicketStatusEscalated:
		t.AssignedTo = nil
		t.EscalatedAt = &now
	case model.TicketStatusAssigned:
		if t.Assignee() == "" {
			return errs.InvalidArgument("assigned ticket requires an agent")
		}
		t.EscalatedAt = &now
	default:
		return errs.InvalidArgument("ticket cannot be created in status %q", t.Status)
	}
	if t.Status != model.TicketStatusAIHandling && !t.Priority.Valid() {
		return errs.InvalidArgument("escalated ticket requires a priority, got %q", t.Priority)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	t.Version = 1
	t.ResolvedAt, t.ResolvedBy = nil, nil

	if err := tx.Create(t).Error; err != nil {
		return fmt.Errorf("create ticket: %w", err)
	}
	if t.Status == model.TicketStatusAssigned {
		if err := presence.AdjustLoad(tx, t.Assignee(), 1); err != nil {
			return fmt.Errorf("adjust load: %w", err)
		}
	}
	return nil
}

// Apply переводит t (прочитанный в tx) в target. Конкурентное изменение тикета
// после чтения отклоняется как ErrInvalidTransition. t обновляется на месте.
func (m *Machine) Apply(tx *gorm.DB, t *model.Ticket, target Target) (Change, error) {
	from, to := t.Status, target.Status
	reject := func(reason string) (Change, error) {
		return Change{}, &errs.TransitionError{TicketID: t.ID, From: string(from), To: string(to), Reason: reason}
	}
	if target.FromStatus != "" && from != target.FromStatus {
		return reject("ticket is " + string(from) + ", expected " + string(target.FromStatus))
	}
	if !Allowed(from, to) {
		return reject("transition not allowed")
	}

	priority := t.Priority
	if target.Priority != "" {
		if !target.Priority.Valid() {
			return Change{}, errs.InvalidArgument("unknown priority %q", target.Priority)
		}
		if priority != "" && priority != target.Priority {
			return reject("priority is immutable once set")
		}
		priority = target.Priority
	}
	if from == model.TicketStatusAIHandling && to != model.TicketStatusResolved && priority == "" {
		return reject("escalation requires a priority")
	}

	prevAgent := ""
	if from == model.TicketStatusAssigned {
		prevAgent = t.Assignee()
		if target.ExpectAgent != "" && target.ExpectAgent != prevAgent {
			return reject("ticket is not assigned to " + target.ExpectAgent)
		}
	}
	newAgent := ""
	if to == model.TicketStatusAssigned {
		newAgent = target.AgentID
		if newAgent == "" {
			return reject("assignee required")
		}
		if newAgent == prevAgent {
			return reject("ticket already assigned to " + newAgent)
		}
	}

	now := m.Now()
	updates := map[string]interface{}{
		"status":     to,
		"priority":   priority,
		"version":    gorm.Expr("version + 1"),
		"updated_at": now,
	}
	escalatedAt := t.EscalatedAt
	if escalatedAt == nil && to != model.TicketStatusResolved {
		escalatedAt = &now
		updates["escalated_at"] = now
	}
	var assignedTo, resolvedBy *string
	var resolvedAt *time.Time
	switch to {
	case model.TicketStatusAssigned:
		assignedTo = &newAgent
		updates["assigned_to"] = newAgent
	case model.TicketStatusEscalated:
		updates["assigned_to"] = nil
	case model.TicketStatusResolved:
		updates["assigned_to"] = nil
		updates["resolved_at"] = now
		resolvedAt = &now
		if target.Actor != "" {
			actor := target.Actor
			resolvedBy = &actor
			updates["resolved_by"] = actor
		}
	}

	res := tx.Model(&model.Ticket{}).Where("id = ? AND version = ?", t.ID, t.Version).Updates(updates)
	if res.Error != nil {
		return Change{}, fmt.Errorf("update ticket %s: %w", t.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return reject("ticket was modified concurrently")
	}

	for _, d := range loadDeltas(prevAgent, newAgent) {
		if err := presence.AdjustLoad(tx, d.agentID, d.delta); err != nil {
			return Change{}, fmt.Errorf("adjust load: %w", err)
		}
	}

	t.Status = to
	t.Priority = priority
	t.AssignedTo = assignedTo
	t.EscalatedAt = escalatedAt
	t.UpdatedAt = now
	t.Version++
	if to == model.TicketStatusResolved {
		t.ResolvedAt, t.ResolvedBy = resolvedAt, resolvedBy
	}
	return Change{From: from, To: to, PrevAgent: prevAgent, NewAgent: newAgent}, nil
}

type loadDelta struct {
	agentID string
	delta   int
}

// loadDeltas — изменения счётчиков для перехода prev -> next, по возрастанию agent_id.
// Встречные переназначения (A->B и B->A) блокируют строки agent_presences в одном порядке.
func loadDeltas(prev, next string) []loadDelta {
	out := make([]loadDelta, 0, 2)
	if prev != "" {
		out = append(out, loadDelta{agentID: prev, delta: -1})
	}
	if next != "" {
		out = append(out, loadDelta{agentID: next, delta: 1})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].agentID < out[j].agentID })
	return out
}
