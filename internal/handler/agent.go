package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/psds-microservice/escalation-service/internal/presence"
)

type AgentHandler struct {
	tracker *presence.Tracker
}

func NewAgentHandler(tracker *presence.Tracker) *AgentHandler {
	return &AgentHandler{tracker: tracker}
}

// Heartbeat продлевает присутствие оператора. Время берётся серверное.
func (h *AgentHandler) Heartbeat(c *gin.Context) {
	if err := h.tracker.RecordHeartbeat(c.Request.Context(), c.Param("id"), h.tracker.Now()); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// List — все известные операторы: online-флаг и число активных тикетов.
func (h *AgentHandler) List(c *gin.Context) {
	agents, err := h.tracker.Snapshot(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	online := 0
	for _, a := range agents {
		if a.Online {
			online++
		}
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents, "online": online})
}
