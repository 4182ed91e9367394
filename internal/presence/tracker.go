// Package presence ведёт мягкое присутствие операторов по heartbeat и их счётчики
// активных тикетов. Явного выхода нет: оператор без свежего heartbeat считается offline.
package presence

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/psds-microservice/escalation-service/internal/assignment"
	"github.com/psds-microservice/escalation-service/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// activeStatuses — статусы, которые входят в нагрузку оператора.
var activeStatuses = []model.TicketStatus{model.TicketStatusAssigned, model.TicketStatusEscalated}

type Tracker struct {
	db     *gorm.DB
	window time.Duration
	now    func() time.Time
}

// NewTracker создаёт трекер с окном свежести window (обычно 60s).
func NewTracker(db *gorm.DB, window time.Duration) *Tracker {
	return &Tracker{db: db, window: window, now: time.Now}
}

// WithClock подменяет источник времени (тесты).
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

func (t *Tracker) Now() time.Time { return t.now().UTC() }

// RecordHeartbeat — upsert last_heartbeat. Более старый heartbeat не затирает более новый,
// поэтому повторы и гонки одного оператора безопасны.
func (t *Tracker) RecordHeartbeat(ctx context.Context, agentID string, at time.Time) error {
	if agentID == "" {
		return fmt.Errorf("presence: empty agent id")
	}
	at = at.UTC()
	row := model.AgentPresence{AgentID: agentID, LastHeartbeat: at, UpdatedAt: at}
	err := t.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "agent_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_heartbeat", "updated_at"}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "agent_presences.last_heartbeat < excluded.last_heartbeat"},
		}},
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("presence: heartbeat %s: %w", agentID, err)
	}
	return nil
}

// ListOnline возвращает кандидатов со свежим heartbeat и их нагрузку.
// candidateIDs == nil означает всех известных операторов. Отсутствующая или
// устаревшая запись — оператор offline, это не ошибка.
func (t *Tracker) ListOnline(ctx context.Context, candidateIDs []string, now time.Time, window time.Duration) ([]assignment.AgentLoad, error) {
	rows, err := t.load(ctx, candidateIDs)
	if err != nil {
		return nil, err
	}
	out := make([]assignment.AgentLoad, 0, len(rows))
	for i := range rows {
		if rows[i].OnlineAt(now, window) {
			out = append(out, assignment.AgentLoad{AgentID: rows[i].AgentID, ActiveCount: rows[i].ActiveTicketCount, Online: true})
		}
	}
	return out, nil
}

// Online — ListOnline по всем операторам с окном трекера на текущий момент.
func (t *Tracker) Online(ctx context.Context) ([]assignment.AgentLoad, error) {
	return t.ListOnline(ctx, nil, t.Now(), t.window)
}

// Snapshot — все известные операторы с флагом online и нагрузкой, по agent_id.
func (t *Tracker) Snapshot(ctx context.Context) ([]assignment.AgentLoad, error) {
	rows, err := t.load(ctx, nil)
	if err != nil {
		return nil, err
	}
	now := t.Now()
	out := make([]assignment.AgentLoad, len(rows))
	for i := range rows {
		out[i] = assignment.AgentLoad{
			AgentID:     rows[i].AgentID,
			ActiveCount: rows[i].ActiveTicketCount,
			Online:      rows[i].OnlineAt(now, t.window),
		}
	}
	return out, nil
}

// IsOnline перепроверяет одного оператора на момент вызова.
func (t *Tracker) IsOnline(ctx context.Context, agentID string) (bool, error) {
	online, err := t.ListOnline(ctx, []string{agentID}, t.Now(), t.window)
	if err != nil {
		return false, err
	}
	return len(online) == 1, nil
}

func (t *Tracker) load(ctx context.Context, candidateIDs []string) ([]model.AgentPresence, error) {
	if candidateIDs != nil && len(candidateIDs) == 0 {
		return nil, nil
	}
	var rows []model.AgentPresence
	q := t.db.WithContext(ctx).Model(&model.AgentPresence{})
	if candidateIDs != nil {
		q = q.Where("agent_id IN ?", candidateIDs)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("presence: load: %w", err)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].AgentID < rows[j].AgentID })
	return rows, nil
}

// AdjustLoad меняет счётчик оператора на delta внутри транзакции вызывающего.
// Строка создаётся при необходимости; значение не опускается ниже нуля.
func AdjustLoad(tx *gorm.DB, agentID string, delta int) error {
	if agentID == "" || delta == 0 {
		return nil
	}
	if delta > 0 {
		row := model.AgentPresence{AgentID: agentID, ActiveTicketCount: delta}
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "agent_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"active_ticket_count": gorm.Expr("agent_presences.active_ticket_count + ?", delta),
			}),
		}).Create(&row).Error
	}
	return tx.Model(&model.AgentPresence{}).
		Where("agent_id = ?", agentID).
		UpdateColumn("active_ticket_count",
			gorm.Expr("CASE WHEN active_ticket_count + ? < 0 THEN 0 ELSE active_ticket_count + ? END", delta, delta)).
		Error
}

// Reconcile пересчитывает active_ticket_count из строк tickets одним UPDATE и
// возвращает число исправленных операторов. Страховка от дрейфа денормализованного счётчика.
func (t *Tracker) Reconcile(ctx context.Context) (int64, error) {
	const actual = "(SELECT COUNT(*) FROM tickets WHERE tickets.assigned_to = agent_presences.agent_id AND tickets.status IN ?)"
	res := t.db.WithContext(ctx).Exec(
		"UPDATE agent_presences SET active_ticket_count = "+actual+" WHERE active_ticket_count <> "+actual,
		activeStatuses, activeStatuses,
	)
	if res.Error != nil {
		return 0, fmt.Errorf("presence: reconcile: %w", res.Error)
	}
	return res.RowsAffected, nil
}
