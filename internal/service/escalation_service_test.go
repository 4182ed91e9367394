package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/psds-microservice/escalation-service/internal/errs"
	"github.com/psds-microservice/escalation-service/internal/kafka"
	"github.com/psds-microservice/escalation-service/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestEscalateAssignsLeastLoaded(t *testing.T) {
	e := newEnv(t)
	e.online(t, "ana", "bia", "cid")
	e.withLoad(t, "ana", 1)
	e.withLoad(t, "cid", 1)
	e.cls.priority = model.PriorityUrgent

	res, err := e.escalation(EscalationOptions{}).Escalate(context.Background(), EscalateRequest{
		UserID:     "user-1",
		Subject:    "charged twice",
		Transcript: turns("my card was charged twice", "let me check", "still nothing"),
	})
	require.NoError(t, err)
	assert.Equal(t, model.TicketStatusAssigned, res.Status)
	assert.Equal(t, model.PriorityUrgent, res.Priority)
	assert.Equal(t, "bia", res.AssignedAgent)
	assert.False(t, res.Replayed)
	assert.Equal(t, 1, e.load(t, "bia"))
	assert.Equal(t, 1, e.load(t, "ana"))

	stored := e.ticket(t, res.TicketID)
	require.NotNil(t, stored.EscalatedAt)
	assert.Equal(t, "charged twice", stored.Subject)

	msgs := e.messages(t, res.TicketID)
	require.Len(t, msgs, 3)
	assert.Equal(t, "my card was charged twice", msgs[0].Body)
	assert.Equal(t, model.SenderAI, msgs[1].SenderType)
	assert.Equal(t, "still nothing", msgs[2].Body)

	assert.Equal(t, []string{kafka.EventTicketAssigned}, e.events.names())
}

func TestEscalateNoAgentsOnline(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.tracker.RecordHeartbeat(context.Background(), "ana", t0.Add(-5*time.Minute)))

	res, err := e.escalation(EscalationOptions{}).Escalate(context.Background(), EscalateRequest{UserID: "u", Transcript: turns("help")})
	require.NoError(t, err)
	assert.Equal(t, model.TicketStatusEscalated, res.Status)
	assert.Empty(t, res.AssignedAgent)

	stored := e.ticket(t, res.TicketID)
	assert.Nil(t, stored.AssignedTo)
	assert.Equal(t, model.PriorityMedium, stored.Priority)
	assert.Equal(t, []string{kafka.EventTicketEscalated}, e.events.names())
}

func TestEscalateClassifierTimeoutFallsBack(t *testing.T) {
	e := newEnv(t)
	e.online(t, "ana")
	e.cls.priority = model.PriorityUrgent
	e.cls.delay = 5 * time.Second

	start := time.Now()
	res, err := e.escalation(EscalationOptions{}).Escalate(context.Background(), EscalateRequest{UserID: "u", Transcript: turns("hello")})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, model.PriorityLow, res.Priority)
	assert.Equal(t, "ana", res.AssignedAgent)
}

func TestEscalateExistingAIHandlingTicket(t *testing.T) {
	e := newEnv(t)
	e.online(t, "ana")
	tk := &model.Ticket{UserID: "u"}
	require.NoError(t, e.tickets().Open(context.Background(), tk, turns("hi", "hello, how can I help?")))

	e.clock.Advance(time.Minute)
	e.online(t, "ana")
	res, err := e.escalation(EscalationOptions{}).Escalate(context.Background(), EscalateRequest{
		TicketID:   tk.ID,
		AISummary:  "refund request",
		Transcript: turns("I want a human"),
	})
	require.NoError(t, err)
	assert.Equal(t, tk.ID, res.TicketID)
	assert.Equal(t, "ana", res.AssignedAgent)

	require.Len(t, e.cls.seen, 1)
	assert.Equal(t, []string{"hi", "hello, how can I help?", "I want a human"}, texts(e.cls.seen[0]))

	msgs := e.messages(t, tk.ID)
	require.Len(t, msgs, 3)
	assert.Equal(t, "I want a human", msgs[2].Body)

	stored := e.ticket(t, tk.ID)
	assert.Equal(t, "refund request", stored.AISummary)
	assert.EqualValues(t, 2, stored.Version)
	assert.Equal(t, []string{kafka.EventTicketCreated, kafka.EventTicketAssigned}, e.events.names())

	_, err = e.escalation(EscalationOptions{}).Escalate(context.Background(), EscalateRequest{TicketID: tk.ID})
	assert.ErrorIs(t, err, errs.ErrInvalidTransition)
}

func TestEscalateUnknownTicket(t *testing.T) {
	e := newEnv(t)
	_, err := e.escalation(EscalationOptions{}).Escalate(context.Background(), EscalateRequest{TicketID: "nope"})
	assert.ErrorIs(t, err, errs.ErrTicketNotFound)
}

func TestEscalateValidation(t *testing.T) {
	e := newEnv(t)
	svc := e.escalation(EscalationOptions{})

	_, err := svc.Escalate(context.Background(), EscalateRequest{Transcript: turns("hi")})
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
	_, err = svc.Escalate(context.Background(), EscalateRequest{UserID: "u", Transcript: []model.Turn{{Role: "bot", Text: "x"}}})
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestEscalateConversationReplay(t *testing.T) {
	e := newEnv(t)
	e.online(t, "ana", "bia")
	svc := e.escalation(EscalationOptions{})
	req := EscalateRequest{ConversationID: "chat-42", UserID: "u", Transcript: turns("help")}

	first, err := svc.Escalate(context.Background(), req)
	require.NoError(t, err)
	second, err := svc.Escalate(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.TicketID, second.TicketID)
	assert.Equal(t, first.AssignedAgent, second.AssignedAgent)
	assert.Equal(t, 1, e.load(t, "ana")+e.load(t, "bia"))
	assert.Len(t, e.messages(t, first.TicketID), 1)
	assert.Len(t, e.cls.seen, 1, "replay must not classify again")
}

func TestEscalateConversationOfOpenTicket(t *testing.T) {
	e := newEnv(t)
	conv := "chat-7"
	tk := &model.Ticket{UserID: "u", ConversationID: &conv}
	require.NoError(t, e.tickets().Open(context.Background(), tk, turns("hi")))

	res, err := e.escalation(EscalationOptions{}).Escalate(context.Background(), EscalateRequest{ConversationID: conv, Transcript: turns("human please")})
	require.NoError(t, err)
	assert.Equal(t, tk.ID, res.TicketID)
	assert.False(t, res.Replayed)
	assert.Equal(t, model.TicketStatusEscalated, res.Status)
}

func TestEscalateConversationOpenedConcurrently(t *testing.T) {
	e := newEnv(t)
	conv := "chat-9"
	var (
		once   sync.Once
		opened model.Ticket
	)
	// Тикет ассистента по тому же диалогу появляется между проверкой и вставкой.
	require.NoError(t, e.db.Callback().Query().Before("gorm:query").Register("test:open-race", func(tx *gorm.DB) {
		if tx.Statement.Table != "agent_presences" {
			return
		}
		once.Do(func() {
			opened = model.Ticket{UserID: "u", ConversationID: &conv}
			require.NoError(t, e.tickets().Open(context.Background(), &opened, turns("hi")))
		})
	}))

	res, err := e.escalation(EscalationOptions{}).Escalate(context.Background(), EscalateRequest{
		UserID: "u", ConversationID: conv, Transcript: turns("human please"),
	})
	require.NoError(t, err)
	require.NotEmpty(t, opened.ID)
	assert.Equal(t, opened.ID, res.TicketID)
	assert.False(t, res.Replayed)
	assert.Equal(t, model.TicketStatusEscalated, res.Status)

	var n int64
	require.NoError(t, e.db.Model(&model.Ticket{}).Count(&n).Error)
	assert.EqualValues(t, 1, n)
	msgs := e.messages(t, opened.ID)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi", msgs[0].Body)
	assert.Equal(t, "human please", msgs[1].Body)
}

func TestEscalateRetriesTransientStorageErrors(t *testing.T) {
	e := newEnv(t)
	e.online(t, "ana")
	var failures atomic.Int32
	failures.Store(2)
	require.NoError(t, e.db.Callback().Create().Before("gorm:create").Register("test:flaky", func(tx *gorm.DB) {
		if tx.Statement.Table == "tickets" && failures.Add(-1) >= 0 {
			tx.AddError(errors.New("connection reset by peer"))
		}
	}))

	res, err := e.escalation(EscalationOptions{RetryAttempts: 3}).Escalate(context.Background(), EscalateRequest{UserID: "u", Transcript: turns("hi")})
	require.NoError(t, err)
	assert.Equal(t, "ana", res.AssignedAgent)
	assert.Equal(t, 1, e.load(t, "ana"), "rolled back attempts must not leak load")

	var n int64
	require.NoError(t, e.db.Model(&model.Ticket{}).Count(&n).Error)
	assert.EqualValues(t, 1, n)
}

func TestEscalateGivesUpAfterRetries(t *testing.T) {
	e := newEnv(t)
	e.online(t, "ana")
	var calls atomic.Int32
	require.NoError(t, e.db.Callback().Create().Before("gorm:create").Register("test:down", func(tx *gorm.DB) {
		if tx.Statement.Table == "tickets" {
			calls.Add(1)
			tx.AddError(errors.New("database is down"))
		}
	}))

	_, err := e.escalation(EscalationOptions{RetryAttempts: 3}).Escalate(context.Background(), EscalateRequest{UserID: "u", Transcript: turns("hi")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is down")
	assert.False(t, errs.IsDomain(err))
	assert.EqualValues(t, 3, calls.Load())
	assert.Equal(t, 0, e.load(t, "ana"))
	assert.Empty(t, e.events.names())
}

func TestEscalateCapacity(t *testing.T) {
	e := newEnv(t)
	e.online(t, "ana")
	e.withLoad(t, "ana", 2)

	res, err := e.escalation(EscalationOptions{MaxActivePerAgent: 2}).Escalate(context.Background(), EscalateRequest{UserID: "u"})
	require.NoError(t, err)
	assert.Equal(t, model.TicketStatusEscalated, res.Status)

	res, err = e.escalation(EscalationOptions{MaxActivePerAgent: 3}).Escalate(context.Background(), EscalateRequest{UserID: "u"})
	require.NoError(t, err)
	assert.Equal(t, "ana", res.AssignedAgent)
}

func TestEscalateBalancesLoad(t *testing.T) {
	for agents := 1; agents <= 4; agents++ {
		t.Run(fmt.Sprintf("%d agents", agents), func(t *testing.T) {
			e := newEnv(t)
			ids := make([]string, agents)
			for i := range ids {
				ids[i] = fmt.Sprintf("agent-%d", i)
			}
			e.online(t, ids...)
			svc := e.escalation(EscalationOptions{})

			for n := 1; n <= 9; n++ {
				_, err := svc.Escalate(context.Background(), EscalateRequest{UserID: "u"})
				require.NoError(t, err)

				lo, hi := n, 0
				for _, id := range ids {
					l := e.load(t, id)
					lo, hi = min(lo, l), max(hi, l)
				}
				assert.LessOrEqual(t, hi-lo, 1, "after %d escalations", n)
			}
		})
	}
}

func TestEscalateConcurrent(t *testing.T) {
	e := newEnv(t)
	e.online(t, "ana", "bia", "cid")
	svc := e.escalation(EscalationOptions{})

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Escalate(context.Background(), EscalateRequest{UserID: fmt.Sprintf("u%d", i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	total := 0
	for _, id := range []string{"ana", "bia", "cid"} {
		assert.Equal(t, e.actualLoad(t, id), e.load(t, id), id)
		total += e.load(t, id)
	}
	assert.Equal(t, 12, total)
}

func texts(ts []model.Turn) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.Text
	}
	return out
}
