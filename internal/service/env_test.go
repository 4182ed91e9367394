package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/psds-microservice/escalation-service/internal/classifier"
	"github.com/psds-microservice/escalation-service/internal/lifecycle"
	"github.com/psds-microservice/escalation-service/internal/logging"
	"github.com/psds-microservice/escalation-service/internal/metrics"
	"github.com/psds-microservice/escalation-service/internal/model"
	"github.com/psds-microservice/escalation-service/internal/presence"
	"github.com/psds-microservice/escalation-service/internal/testutil"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var t0 = time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)

type recordedEvent struct {
	Event      string
	TicketID   string
	Status     model.TicketStatus
	AssignedTo string
	Extra      map[string]string
}

type fakeEvents struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakeEvents) ProduceTicketEvent(_ context.Context, event string, t *model.Ticket, extra map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{Event: event, TicketID: t.ID, Status: t.Status, AssignedTo: t.Assignee(), Extra: extra})
}

func (f *fakeEvents) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	for i, e := range f.events {
		out[i] = e.Event
	}
	return out
}

type fakeClassifier struct {
	mu       sync.Mutex
	priority model.Priority
	delay    time.Duration
	seen     [][]model.Turn
}

func (f *fakeClassifier) Classify(ctx context.Context, turns []model.Turn) (model.Priority, error) {
	f.mu.Lock()
	f.seen = append(f.seen, append([]model.Turn(nil), turns...))
	p, d := f.priority, f.delay
	f.mu.Unlock()
	if d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return p, nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type env struct {
	db      *gorm.DB
	clock   *clock
	machine *lifecycle.Machine
	tracker *presence.Tracker
	events  *fakeEvents
	cls     *fakeClassifier
	metrics *metrics.Metrics
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db := testutil.NewDB(t)
	c := &clock{now: t0}
	return &env{
		db:      db,
		clock:   c,
		machine: lifecycle.New(db).WithClock(c.Now),
		tracker: presence.NewTracker(db, time.Minute).WithClock(c.Now),
		events:  &fakeEvents{},
		cls:     &fakeClassifier{priority: model.PriorityMedium},
		metrics: metrics.Discard(),
	}
}

func (e *env) escalation(opts EscalationOptions) *EscalationService {
	policy := classifier.NewPolicy(e.cls, 200*time.Millisecond, logging.Discard())
	if opts.RetryAttempts == 0 {
		opts.RetryAttempts = 3
	}
	if opts.RetryBase == 0 {
		opts.RetryBase = time.Millisecond
	}
	return NewEscalationService(e.machine, e.tracker, policy, e.events, e.metrics, logging.Discard(), opts)
}

func (e *env) tickets() *TicketService {
	return NewTicketService(e.machine, e.events, e.metrics)
}

func (e *env) transfers() *TransferService {
	return NewTransferService(e.machine, e.tracker, e.events, e.metrics, logging.Discard())
}

// online регистрирует heartbeat агентов на текущий момент часов.
func (e *env) online(t *testing.T, agents ...string) {
	t.Helper()
	for _, a := range agents {
		require.NoError(t, e.tracker.RecordHeartbeat(context.Background(), a, e.clock.Now()))
	}
}

// withLoad выставляет счётчик нагрузки агента, создавая столько же назначенных тикетов.
func (e *env) withLoad(t *testing.T, agent string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		tk := &model.Ticket{UserID: "seed", Status: model.TicketStatusAssigned, Priority: model.PriorityLow, AssignedTo: &agent}
		require.NoError(t, e.machine.Create(e.db, tk))
	}
}

func (e *env) load(t *testing.T, agent string) int {
	t.Helper()
	var row model.AgentPresence
	if err := e.db.First(&row, "agent_id = ?", agent).Error; err != nil {
		return 0
	}
	return row.ActiveTicketCount
}

func (e *env) ticket(t *testing.T, id string) *model.Ticket {
	t.Helper()
	tk, err := lifecycle.Load(e.db, id)
	require.NoError(t, err)
	return tk
}

func (e *env) messages(t *testing.T, id string) []model.Message {
	t.Helper()
	msgs, err := loadMessages(e.db, id)
	require.NoError(t, err)
	return msgs
}

// actualLoad — нагрузка, посчитанная по строкам тикетов.
func (e *env) actualLoad(t *testing.T, agent string) int {
	t.Helper()
	var n int64
	require.NoError(t, e.db.Model(&model.Ticket{}).
		Where("assigned_to = ? AND status IN ?", agent, []model.TicketStatus{model.TicketStatusAssigned, model.TicketStatusEscalated}).
		Count(&n).Error)
	return int(n)
}

func turns(texts ...string) []model.Turn {
	out := make([]model.Turn, len(texts))
	for i, s := range texts {
		role := model.SenderUser
		if i%2 == 1 {
			role = model.SenderAI
		}
		out[i] = model.Turn{Role: role, Text: s}
	}
	return out
}
