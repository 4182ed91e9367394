package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/psds-microservice/escalation-service/internal/assignment"
	"github.com/psds-microservice/escalation-service/internal/errs"
	"github.com/psds-microservice/escalation-service/internal/kafka"
	"github.com/psds-microservice/escalation-service/internal/lifecycle"
	"github.com/psds-microservice/escalation-service/internal/lock"
	"github.com/psds-microservice/escalation-service/internal/metrics"
	"github.com/psds-microservice/escalation-service/internal/model"
	"github.com/psds-microservice/escalation-service/internal/presence"
)

const redistributionLockKey = "redistribution"

// RedistributionStats — итог одного прохода.
type RedistributionStats struct {
	Backlog   int   `json:"backlog"`
	Assigned  int   `json:"assigned"`
	Skipped   int   `json:"skipped"`
	Remaining int   `json:"remaining"`
	Corrected int64 `json:"corrected"`
	LockHeld  bool  `json:"lock_held,omitempty"`
}

type RedistributionOptions struct {
	MaxActivePerAgent int
	LockTTL           time.Duration
}

// Redistributor раздаёт накопившуюся очередь (escalated без исполнителя)
// online-операторам. Проход идемпотентен: повтор без изменений ничего не меняет.
type Redistributor struct {
	machine *lifecycle.Machine
	tracker *presence.Tracker
	locker  lock.Locker
	notify  notifier
	metrics *metrics.Metrics
	log     *slog.Logger
	opts    RedistributionOptions
}

func NewRedistributor(machine *lifecycle.Machine, tracker *presence.Tracker, locker lock.Locker,
	events kafka.TicketEventProducer, m *metrics.Metrics, log *slog.Logger, opts RedistributionOptions) *Redistributor {
	if locker == nil {
		locker = lock.Noop{}
	}
	if log == nil {
		log = slog.Default()
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 2 * time.Minute
	}
	n := newNotifier(events, m)
	return &Redistributor{machine: machine, tracker: tracker, locker: locker, notify: n, metrics: n.metrics, log: log, opts: opts}
}

// Run выполняет один проход. Занятая другой репликой блокировка — не ошибка.
func (r *Redistributor) Run(ctx context.Context) (RedistributionStats, error) {
	var stats RedistributionStats
	release, err := r.locker.Acquire(ctx, redistributionLockKey, r.opts.LockTTL)
	if errors.Is(err, lock.ErrNotAcquired) {
		r.log.Debug("redistribution: another replica holds the lock")
		stats.LockHeld = true
		return stats, nil
	}
	if err != nil {
		return stats, err
	}
	defer func() {
		if err := release(context.Background()); err != nil {
			r.log.Warn("redistribution: release lock", "error", err)
		}
	}()

	if stats.Corrected, err = r.tracker.Reconcile(ctx); err != nil {
		return stats, err
	}
	r.metrics.ReconcileCorrections.Add(float64(stats.Corrected))

	var backlog []model.Ticket
	err = r.machine.DB().WithContext(ctx).
		Where("status = ?", model.TicketStatusEscalated).
		Order("escalated_at, created_at, id").
		Find(&backlog).Error
	if err != nil {
		return stats, fmt.Errorf("redistribution: load backlog: %w", err)
	}
	stats.Backlog = len(backlog)
	if len(backlog) == 0 {
		r.metrics.RedistributionBacklog.Set(0)
		return stats, nil
	}

	// Один снимок на проход; нагрузка выбранного оператора растёт локально.
	online, err := r.tracker.Online(ctx)
	if err != nil {
		return stats, err
	}
	loads := make(map[string]int, len(online))
	for _, a := range online {
		loads[a.AgentID] = a.ActiveCount
	}

	for i := range backlog {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		agentID, ok := assignment.PickAgent(assignment.WithinCapacity(online, r.opts.MaxActivePerAgent), "")
		if !ok {
			break
		}
		assigned, err := r.assign(ctx, backlog[i].ID, agentID)
		if err != nil {
			return stats, err
		}
		if !assigned {
			stats.Skipped++
			continue
		}
		stats.Assigned++
		loads[agentID]++
		for j := range online {
			online[j].ActiveCount = loads[online[j].AgentID]
		}
	}
	stats.Remaining = stats.Backlog - stats.Assigned - stats.Skipped
	r.metrics.RedistributionAssigned.Add(float64(stats.Assigned))
	r.metrics.RedistributionBacklog.Set(float64(stats.Remaining))
	if stats.Assigned > 0 || stats.Corrected > 0 {
		r.log.Info("redistribution: pass done",
			"backlog", stats.Backlog, "assigned", stats.Assigned, "skipped", stats.Skipped,
			"remaining", stats.Remaining, "corrected", stats.Corrected)
	}
	return stats, nil
}

// assign: false, если тикет уже ушёл из очереди (его забрали или закрыли параллельно).
func (r *Redistributor) assign(ctx context.Context, ticketID, agentID string) (bool, error) {
	out, change, err := r.machine.Transition(ctx, ticketID, lifecycle.Target{
		Status:     model.TicketStatusAssigned,
		AgentID:    agentID,
		FromStatus: model.TicketStatusEscalated,
	})
	if errors.Is(err, errs.ErrInvalidTransition) || errors.Is(err, errs.ErrTicketNotFound) {
		r.log.Debug("redistribution: skip ticket", "ticket_id", ticketID, "reason", err)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	r.notify.transition(ctx, out, change, map[string]string{"source": "redistribution"})
	return true, nil
}

// Reconcile — отдельная сверка счётчиков нагрузки (cron и CLI).
func (r *Redistributor) Reconcile(ctx context.Context) (int64, error) {
	n, err := r.tracker.Reconcile(ctx)
	if err != nil {
		return 0, err
	}
	r.metrics.ReconcileCorrections.Add(float64(n))
	if n > 0 {
		r.log.Info("reconcile: load counters corrected", "agents", n)
	}
	return n, nil
}
