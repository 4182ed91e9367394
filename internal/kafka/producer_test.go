package kafka

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/psds-microservice/escalation-service/internal/logging"
	"github.com/psds-microservice/escalation-service/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTicketEvent(t *testing.T) {
	agent := "ana"
	at := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	tk := &model.Ticket{
		ID: "t1", UserID: "u1", Status: model.TicketStatusAssigned,
		Priority: model.PriorityUrgent, AssignedTo: &agent, Version: 3, UpdatedAt: at,
	}

	ev := NewTicketEvent(EventTicketTransferred, tk, map[string]string{"from_agent": "bia"})
	body, err := json.Marshal(ev)
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "ticket.transferred", got["event"])
	assert.Equal(t, "t1", got["ticket_id"])
	assert.Equal(t, "assigned", got["status"])
	assert.Equal(t, "urgente", got["priority"])
	assert.Equal(t, "ana", got["assigned_to"])
	assert.Equal(t, "2026-10-16T09:00:00Z", got["occurred_at"])
	assert.Equal(t, map[string]interface{}{"from_agent": "bia"}, got["extra"])
}

func TestNewTicketEventOmitsEmpty(t *testing.T) {
	ev := NewTicketEvent(EventTicketCreated, &model.Ticket{ID: "t1", Status: model.TicketStatusAIHandling}, nil)
	body, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "assigned_to")
	assert.NotContains(t, string(body), "priority")
	assert.NotContains(t, string(body), "extra")
}

func TestProducerDisabledIsNoop(t *testing.T) {
	p := NewProducer(nil, "support.tickets", logging.Discard())
	assert.False(t, p.Enabled())
	p.ProduceTicketEvent(context.Background(), EventTicketCreated, &model.Ticket{ID: "t1"}, nil)
	assert.NoError(t, p.Publish(context.Background(), TicketEvent{TicketID: "t1"}))
	assert.NoError(t, p.Close())

	assert.False(t, NewProducer([]string{"localhost:9092"}, "", nil).Enabled())
}
