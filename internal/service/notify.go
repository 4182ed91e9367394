package service

import (
	"context"

	"github.com/psds-microservice/escalation-service/internal/kafka"
	"github.com/psds-microservice/escalation-service/internal/lifecycle"
	"github.com/psds-microservice/escalation-service/internal/metrics"
	"github.com/psds-microservice/escalation-service/internal/model"
)

// notifier публикует события и считает переходы после коммита транзакции.
type notifier struct {
	events  kafka.TicketEventProducer
	metrics *metrics.Metrics
}

func newNotifier(events kafka.TicketEventProducer, m *metrics.Metrics) notifier {
	if events == nil {
		events = kafka.Noop{}
	}
	if m == nil {
		m = metrics.Discard()
	}
	return notifier{events: events, metrics: m}
}

// eventFor выбирает имя события по выполненному переходу.
func eventFor(c lifecycle.Change) string {
	switch {
	case c.To == model.TicketStatusResolved:
		return kafka.EventTicketResolved
	case c.To == model.TicketStatusAssigned && c.From == model.TicketStatusAssigned:
		return kafka.EventTicketTransferred
	case c.To == model.TicketStatusAssigned:
		return kafka.EventTicketAssigned
	case c.From == model.TicketStatusAssigned:
		return kafka.EventTicketUnassigned
	default:
		return kafka.EventTicketEscalated
	}
}

func (n notifier) transition(ctx context.Context, t *model.Ticket, c lifecycle.Change, extra map[string]string) {
	n.metrics.Transitions.WithLabelValues(string(c.From), string(c.To)).Inc()
	if c.PrevAgent != "" {
		if extra == nil {
			extra = map[string]string{}
		}
		extra["previous_agent"] = c.PrevAgent
	}
	n.events.ProduceTicketEvent(ctx, eventFor(c), t, extra)
}

func (n notifier) created(ctx context.Context, t *model.Ticket) {
	event := kafka.EventTicketCreated
	switch t.Status {
	case model.TicketStatusEscalated:
		event = kafka.EventTicketEscalated
	case model.TicketStatusAssigned:
		event = kafka.EventTicketAssigned
	}
	n.events.ProduceTicketEvent(ctx, event, t, nil)
}
