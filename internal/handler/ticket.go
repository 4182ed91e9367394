package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/psds-microservice/escalation-service/internal/errs"
	"github.com/psds-microservice/escalation-service/internal/model"
	"github.com/psds-microservice/escalation-service/internal/service"
)

type TicketHandler struct {
	svc       service.TicketServicer
	transfers *service.TransferService
	ratings   *service.RatingService
}

func NewTicketHandler(svc service.TicketServicer, transfers *service.TransferService, ratings *service.RatingService) *TicketHandler {
	return &TicketHandler{svc: svc, transfers: transfers, ratings: ratings}
}

type createTicketRequest struct {
	UserID         string       `json:"user_id" binding:"required"`
	ConversationID string       `json:"conversation_id"`
	Subject        string       `json:"subject"`
	Transcript     []model.Turn `json:"transcript"`
}

// Create регистрирует диалог, который пока ведёт ассистент.
func (h *TicketHandler) Create(c *gin.Context) {
	var req createTicketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c, err)
		return
	}
	ticket := &model.Ticket{UserID: req.UserID, Subject: req.Subject}
	if req.ConversationID != "" {
		ticket.ConversationID = &req.ConversationID
	}
	if err := h.svc.Open(c.Request.Context(), ticket, req.Transcript); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ticket)
}

func (h *TicketHandler) Get(c *gin.Context) {
	t, err := h.svc.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *TicketHandler) List(c *gin.Context) {
	filter := service.ListFilter{
		Status:     model.TicketStatus(c.Query("status")),
		Priority:   model.Priority(c.Query("priority")),
		AssignedTo: c.Query("assigned_to"),
		UserID:     c.Query("user_id"),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(c, errs.InvalidArgument("unknown status %q", filter.Status))
		return
	}
	if filter.Priority != "" && !filter.Priority.Valid() {
		writeError(c, errs.InvalidArgument("unknown priority %q", filter.Priority))
		return
	}

	limit := 50
	offset := 0
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = min(parsed, 500)
		}
	}
	if v := c.Query("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	items, total, err := h.svc.List(c.Request.Context(), filter, limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"tickets": items,
		"total":   total,
	})
}

func (h *TicketHandler) Messages(c *gin.Context) {
	msgs, err := h.svc.Messages(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

type appendMessageRequest struct {
	SenderType model.SenderType `json:"sender_type" binding:"required"`
	SenderID   string           `json:"sender_id"`
	Body       string           `json:"body" binding:"required"`
}

func (h *TicketHandler) AppendMessage(c *gin.Context) {
	var req appendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c, err)
		return
	}
	msg, err := h.svc.AppendMessage(c.Request.Context(), c.Param("id"), req.SenderType, req.SenderID, req.Body)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

type agentActionRequest struct {
	AgentID string `json:"agent_id"`
}

func (h *TicketHandler) Claim(c *gin.Context) {
	h.agentAction(c, h.svc.Claim)
}

func (h *TicketHandler) Unclaim(c *gin.Context) {
	h.agentAction(c, h.svc.Unclaim)
}

// Resolve: без agent_id тикет закрывает ассистент (только ai_handling).
func (h *TicketHandler) Resolve(c *gin.Context) {
	h.agentAction(c, h.svc.Resolve)
}

func (h *TicketHandler) agentAction(c *gin.Context, action func(ctx context.Context, ticketID, agentID string) (*model.Ticket, error)) {
	var req agentActionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badBody(c, err)
			return
		}
	}
	t, err := action(c.Request.Context(), c.Param("id"), req.AgentID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *TicketHandler) Transfer(c *gin.Context) {
	var req service.TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c, err)
		return
	}
	req.TicketID = c.Param("id")
	t, err := h.transfers.Transfer(c.Request.Context(), req)
	if errors.Is(err, errs.ErrStaleTargetAgent) && t != nil {
		// Цель offline, тикет возвращён в очередь.
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "ticket": t})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *TicketHandler) TransferCandidates(c *gin.Context) {
	agents, err := h.transfers.Candidates(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

func (h *TicketHandler) Rate(c *gin.Context) {
	var req service.RateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c, err)
		return
	}
	req.TicketID = c.Param("id")
	r, err := h.ratings.Rate(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, r)
}

func (h *TicketHandler) Rating(c *gin.Context) {
	r, err := h.ratings.ByTicket(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}
