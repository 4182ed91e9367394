package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/psds-microservice/escalation-service/internal/service"
)

type EscalationHandler struct {
	svc *service.EscalationService
}

func NewEscalationHandler(svc *service.EscalationService) *EscalationHandler {
	return &EscalationHandler{svc: svc}
}

// Escalate: 201 для нового решения, 200 для повтора уже эскалированного диалога.
func (h *EscalationHandler) Escalate(c *gin.Context) {
	var req service.EscalateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c, err)
		return
	}
	res, err := h.svc.Escalate(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, res)
}
