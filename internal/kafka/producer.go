package kafka

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/psds-microservice/escalation-service/internal/model"
	"github.com/segmentio/kafka-go"
)

// События тикета в топике.
const (
	EventTicketCreated     = "ticket.created"
	EventTicketEscalated   = "ticket.escalated"
	EventTicketAssigned    = "ticket.assigned"
	EventTicketTransferred = "ticket.transferred"
	EventTicketUnassigned  = "ticket.unassigned"
	EventTicketResolved    = "ticket.resolved"
)

// TicketEventProducer — интерфейс для отправки событий тикета в Kafka (для подмены моком в тестах).
type TicketEventProducer interface {
	ProduceTicketEvent(ctx context.Context, event string, t *model.Ticket, extra map[string]string)
}

// TicketEvent — тело сообщения. Ключ сообщения — ticket_id, события одного тикета попадают в одну партицию.
type TicketEvent struct {
	Event      string            `json:"event"`
	TicketID   string            `json:"ticket_id"`
	UserID     string            `json:"user_id"`
	Status     string            `json:"status"`
	Priority   string            `json:"priority,omitempty"`
	AssignedTo string            `json:"assigned_to,omitempty"`
	Version    int64             `json:"version"`
	OccurredAt time.Time         `json:"occurred_at"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// NewTicketEvent собирает событие из текущего состояния тикета.
func NewTicketEvent(event string, t *model.Ticket, extra map[string]string) TicketEvent {
	return TicketEvent{
		Event:      event,
		TicketID:   t.ID,
		UserID:     t.UserID,
		Status:     string(t.Status),
		Priority:   string(t.Priority),
		AssignedTo: t.Assignee(),
		Version:    t.Version,
		OccurredAt: t.UpdatedAt.UTC(),
		Extra:      extra,
	}
}

const writeTimeout = 5 * time.Second

// Producer пишет события тикетов в топик Kafka (best-effort, не блокирует API).
type Producer struct {
	writer *kafka.Writer
	topic  string
	log    *slog.Logger
}

// NewProducer создаёт продюсер. Если brokers пустой или topic пустой — методы no-op.
func NewProducer(brokers []string, topic string, log *slog.Logger) *Producer {
	if log == nil {
		log = slog.Default()
	}
	if len(brokers) == 0 || topic == "" {
		return &Producer{log: log}
	}
	return &Producer{
		topic: topic,
		log:   log,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

// Enabled — настроены ли брокеры.
func (p *Producer) Enabled() bool { return p.writer != nil }

// ProduceTicketEvent отправляет событие тикета в топик в отдельной горутине (не блокирует
// ответ API). Событие собирается до возврата, t можно менять дальше. Ошибки только логируются.
func (p *Producer) ProduceTicketEvent(_ context.Context, event string, t *model.Ticket, extra map[string]string) {
	if p.writer == nil || t == nil {
		return
	}
	ev := NewTicketEvent(event, t, extra)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := p.write(ctx, ev); err != nil {
			p.log.Warn("kafka: write ticket event", "event", ev.Event, "ticket_id", ev.TicketID, "error", err)
		}
	}()
}

// Publish — синхронная отправка с ошибкой (republish-events).
func (p *Producer) Publish(ctx context.Context, ev TicketEvent) error {
	if p.writer == nil {
		return nil
	}
	return p.write(ctx, ev)
}

func (p *Producer) write(ctx context.Context, ev TicketEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.TicketID), Value: body})
}

// Close закрывает writer.
func (p *Producer) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// Noop — продюсер, который ничего не отправляет.
type Noop struct{}

func (Noop) ProduceTicketEvent(context.Context, string, *model.Ticket, map[string]string) {}
