package model

import "time"

type TicketStatus string

const (
	TicketStatusAIHandling TicketStatus = "ai_handling"
	TicketStatusEscalated  TicketStatus = "escalated"
	TicketStatusAssigned   TicketStatus = "assigned"
	TicketStatusResolved   TicketStatus = "resolved"
)

// Valid сообщает, входит ли статус в жизненный цикл тикета.
func (s TicketStatus) Valid() bool {
	switch s {
	case TicketStatusAIHandling, TicketStatusEscalated, TicketStatusAssigned, TicketStatusResolved:
		return true
	}
	return false
}

// Priority — уровень срочности, назначается один раз при эскалации.
type Priority string

const (
	PriorityLow    Priority = "baixo"
	PriorityMedium Priority = "moderado"
	PriorityUrgent Priority = "urgente"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityUrgent:
		return true
	}
	return false
}

type SenderType string

const (
	SenderUser   SenderType = "user"
	SenderAI     SenderType = "ai"
	SenderAgent  SenderType = "agent"
	SenderSystem SenderType = "system"
)

func (s SenderType) Valid() bool {
	switch s {
	case SenderUser, SenderAI, SenderAgent, SenderSystem:
		return true
	}
	return false
}

type Ticket struct {
	ID             string       `gorm:"primaryKey;type:varchar(36)" json:"id"`
	UserID         string       `gorm:"index;not null" json:"user_id"`
	ConversationID *string      `gorm:"type:varchar(128);uniqueIndex" json:"conversation_id,omitempty"`
	Status         TicketStatus `gorm:"type:varchar(32);index;not null" json:"status"`
	Priority       Priority     `gorm:"type:varchar(16);index" json:"priority,omitempty"`
	AssignedTo     *string      `gorm:"type:varchar(64);index" json:"assigned_to,omitempty"`
	ResolvedBy     *string      `gorm:"type:varchar(64)" json:"resolved_by,omitempty"`
	Subject        string       `gorm:"type:varchar(255)" json:"subject,omitempty"`
	AISummary      string       `gorm:"type:text" json:"ai_summary,omitempty"`
	Version        int64        `gorm:"not null" json:"version"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	EscalatedAt *time.Time `gorm:"index" json:"escalated_at,omitempty"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

// Assignee возвращает текущего исполнителя или пустую строку.
func (t *Ticket) Assignee() string {
	if t.AssignedTo == nil {
		return ""
	}
	return *t.AssignedTo
}

type Message struct {
	ID         uint64     `gorm:"primaryKey" json:"id"`
	TicketID   string     `gorm:"type:varchar(36);index;not null" json:"ticket_id"`
	SenderType SenderType `gorm:"type:varchar(16);not null" json:"sender_type"`
	SenderID   *string    `gorm:"type:varchar(64)" json:"sender_id,omitempty"`
	Body       string     `gorm:"type:text;not null" json:"body"`
	CreatedAt  time.Time  `gorm:"index" json:"created_at"`
}

// Turn — реплика диалога в том виде, в каком её передаёт чат-слой.
type Turn struct {
	Role SenderType `json:"role"`
	Text string     `json:"text"`
}

// AgentPresence — строка присутствия оператора. Статус online не хранится,
// он вычисляется по свежести LastHeartbeat.
type AgentPresence struct {
	AgentID           string    `gorm:"primaryKey;type:varchar(64)" json:"agent_id"`
	LastHeartbeat     time.Time `gorm:"index" json:"last_heartbeat"`
	ActiveTicketCount int       `gorm:"not null" json:"active_ticket_count"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// OnlineAt: heartbeat не старше window относительно now.
func (p *AgentPresence) OnlineAt(now time.Time, window time.Duration) bool {
	if p.LastHeartbeat.IsZero() {
		return false
	}
	return !p.LastHeartbeat.Before(now.Add(-window))
}

type Rating struct {
	ID        uint64    `gorm:"primaryKey" json:"id"`
	TicketID  string    `gorm:"type:varchar(36);uniqueIndex;not null" json:"ticket_id"`
	UserID    string    `gorm:"type:varchar(64);not null" json:"user_id"`
	AgentID   *string   `gorm:"type:varchar(64);index" json:"agent_id,omitempty"`
	Score     int       `gorm:"not null" json:"score"`
	Comment   string    `gorm:"type:text" json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
